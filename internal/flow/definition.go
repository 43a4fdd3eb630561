package flow

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Definition validation errors.
var (
	ErrEmptyDefinition   = errors.New("flow definition has no steps")
	ErrNoInputSteps      = errors.New("flow definition has no input steps")
	ErrEmptyStepID       = errors.New("step id cannot be empty")
	ErrDuplicateStepID   = errors.New("duplicate step id")
	ErrDuplicateField    = errors.New("target field written by more than one step")
	ErrMissingField      = errors.New("input step has no target field")
	ErrUnexpectedField   = errors.New("message step cannot have a target field")
	ErrInvalidStepKind   = errors.New("invalid step kind")
	ErrMissingChoices    = errors.New("single-choice step has no choices")
	ErrInvalidRange      = errors.New("number step min is greater than max")
	ErrInvalidImageSpot  = errors.New("support image position must be above or below")
	ErrEmptyStepContents = errors.New("step has neither prompt nor leading messages")
)

// Definition is an immutable, validated, ordered catalog of steps.
type Definition struct {
	name    string
	steps   []models.Step
	byID    map[string]int
	byField map[string]int
}

// NewDefinition validates steps and builds a Definition from a deep copy of them, so later
// changes to steps do not reach the definition.
func NewDefinition(name string, steps []models.Step) (*Definition, error) {
	if len(steps) == 0 {
		return nil, ErrEmptyDefinition
	}

	d := &Definition{
		name:    name,
		steps:   make([]models.Step, len(steps)),
		byID:    make(map[string]int, len(steps)),
		byField: make(map[string]int, len(steps)),
	}
	for i, s := range steps {
		d.steps[i] = s.Clone()
	}

	inputs := 0
	for i, s := range d.steps {
		if err := validateStep(s); err != nil {
			return nil, fmt.Errorf("step %d (%q): %w", i, s.ID, err)
		}
		if _, dup := d.byID[s.ID]; dup {
			return nil, fmt.Errorf("step %d: %w: %q", i, ErrDuplicateStepID, s.ID)
		}
		d.byID[s.ID] = i
		if s.TargetField != "" {
			if _, dup := d.byField[s.TargetField]; dup {
				return nil, fmt.Errorf("step %q: %w: %q", s.ID, ErrDuplicateField, s.TargetField)
			}
			d.byField[s.TargetField] = i
		}
		if s.Kind.AcceptsInput() {
			inputs++
		}
	}
	if inputs == 0 {
		return nil, ErrNoInputSteps
	}
	return d, nil
}

func validateStep(s models.Step) error {
	if s.ID == "" {
		return ErrEmptyStepID
	}
	if !models.IsValidStepKind(s.Kind) {
		return fmt.Errorf("%w: %q", ErrInvalidStepKind, s.Kind)
	}
	if s.Kind == models.StepKindMessage {
		if s.TargetField != "" {
			return ErrUnexpectedField
		}
		if s.Prompt == "" && len(s.LeadingMessages) == 0 {
			return ErrEmptyStepContents
		}
	} else if s.TargetField == "" {
		return ErrMissingField
	}
	if s.Kind == models.StepKindSingleChoice && len(s.Choices) == 0 {
		return ErrMissingChoices
	}
	if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
		return ErrInvalidRange
	}
	if s.SupportImage != nil && s.SupportImage.Position != models.ImageAbove && s.SupportImage.Position != models.ImageBelow {
		return ErrInvalidImageSpot
	}
	return nil
}

// Name returns the definition name.
func (d *Definition) Name() string { return d.name }

// Len returns the number of steps.
func (d *Definition) Len() int { return len(d.steps) }

// Step returns a copy of the step at index i.
func (d *Definition) Step(i int) models.Step { return d.steps[i].Clone() }

// step returns the stored step at index i; callers must not modify it.
func (d *Definition) step(i int) *models.Step { return &d.steps[i] }

// Steps returns a deep copy of the step catalog.
func (d *Definition) Steps() []models.Step {
	out := make([]models.Step, len(d.steps))
	for i, s := range d.steps {
		out[i] = s.Clone()
	}
	return out
}

// IndexOf returns the position of the step with the given id.
func (d *Definition) IndexOf(stepID string) (int, bool) {
	i, ok := d.byID[stepID]
	return i, ok
}

// FieldIndex returns the position of the step writing field.
func (d *Definition) FieldIndex(field string) (int, bool) {
	i, ok := d.byField[field]
	return i, ok
}

// LintIssue is an advisory finding about a definition.
type LintIssue struct {
	StepID  string `json:"step_id"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (l LintIssue) String() string {
	if l.Field == "" {
		return fmt.Sprintf("%s: %s", l.StepID, l.Message)
	}
	return fmt.Sprintf("%s: %s (field %q)", l.StepID, l.Message, l.Field)
}

// Lint reports conditions that can never behave as authored: references to fields no
// step writes, fields collected only later in the flow, unknown operators and
// unparseable between bounds. Such conditions still evaluate safely at run time.
func (d *Definition) Lint() []LintIssue {
	var issues []LintIssue
	for i, s := range d.steps {
		if s.VisibilityCondition != nil {
			// visibility is evaluated before the step's own answer exists
			issues = append(issues, d.lintCondition(s.ID, *s.VisibilityCondition, i-1)...)
		}
		for _, bm := range s.BranchMessages {
			issues = append(issues, d.lintCondition(s.ID, bm.Condition, i)...)
			if len(bm.Messages) == 0 {
				issues = append(issues, LintIssue{StepID: s.ID, Field: bm.Condition.Field, Message: "branch rule has no messages"})
			}
		}
	}
	return issues
}

// lintCondition checks cond as seen from a point where steps up to lastCollected have run.
func (d *Definition) lintCondition(stepID string, cond models.Condition, lastCollected int) []LintIssue {
	var issues []LintIssue
	if !models.IsValidOperator(cond.Operator) {
		issues = append(issues, LintIssue{StepID: stepID, Field: cond.Field, Message: fmt.Sprintf("unknown operator %q", cond.Operator)})
	}
	if cond.Operator == models.OpBetween {
		if _, _, ok := ParseBetween(cond.Value); !ok {
			issues = append(issues, LintIssue{StepID: stepID, Field: cond.Field, Message: fmt.Sprintf("unparseable between bounds %q", cond.Value)})
		}
	}
	idx, ok := d.byField[cond.Field]
	switch {
	case !ok:
		issues = append(issues, LintIssue{StepID: stepID, Field: cond.Field, Message: "condition references a field no step collects"})
	case idx > lastCollected:
		issues = append(issues, LintIssue{StepID: stepID, Field: cond.Field, Message: "condition references a field collected later in the flow"})
	}
	return issues
}
