package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Engine errors.
var (
	ErrRequired         = errors.New("an answer is required")
	ErrInvalidNumber    = errors.New("answer must be a number")
	ErrOutOfRange       = errors.New("answer is out of the accepted range")
	ErrInvalidChoice    = errors.New("answer must be one of the listed options")
	ErrSessionComplete  = errors.New("session already reached its final step")
	ErrUnknownStep      = errors.New("unknown step")
	ErrNotInputStep     = errors.New("step does not accept input")
	ErrStepNotReached   = errors.New("step has not been reached yet")
	ErrNothingToCorrect = errors.New("no answered step to go back to")
	ErrInvalidState     = errors.New("session state does not match the flow definition")
)

// InputError is a rejected submission. The session stays on StepID.
type InputError struct {
	StepID string
	Err    error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// SessionState is the complete state of one run through a definition. The engine never
// mutates a SessionState it is given; transitions return a new one.
type SessionState struct {
	// StepIndex is the step awaiting input, or Len() once Terminal.
	StepIndex int            `json:"step_index"`
	Answers   models.Answers `json:"answers"`
	Terminal  bool           `json:"terminal"`
}

// StepView is what a driving surface needs to present a step awaiting input.
type StepView struct {
	StepID          string               `json:"step_id"`
	Kind            models.StepKind      `json:"kind"`
	Prompt          string               `json:"prompt"`
	LeadingMessages []string             `json:"leading_messages,omitempty"`
	Choices         []string             `json:"choices,omitempty"`
	SupportImage    *models.SupportImage `json:"support_image,omitempty"`
	Required        bool                 `json:"required"`
}

// Completion is emitted once the last step has been passed.
type Completion struct {
	Answers         models.Answers `json:"answers"`
	ClosingMessages []string       `json:"closing_messages,omitempty"`
}

// Output is the result of a transition: the feedback due before the next prompt, and
// either the step now awaiting input or the completion.
type Output struct {
	Feedback []string    `json:"feedback,omitempty"`
	Step     *StepView   `json:"step,omitempty"`
	Complete *Completion `json:"complete,omitempty"`
}

// Engine walks a Definition. It holds no per-session state and is safe for concurrent use.
type Engine struct {
	def *Definition
}

// NewEngine creates an engine for def.
func NewEngine(def *Definition) *Engine {
	return &Engine{def: def}
}

// Definition returns the definition the engine walks.
func (e *Engine) Definition() *Definition {
	return e.def
}

// Start begins a new session with an empty answer set.
func (e *Engine) Start() (SessionState, Output) {
	return e.present(SessionState{StepIndex: 0, Answers: models.Answers{}}, nil)
}

// View re-presents the current position of st without feedback.
func (e *Engine) View(st SessionState) (Output, error) {
	if st.Terminal {
		return Output{Complete: &Completion{Answers: st.Answers.Clone()}}, nil
	}
	step, err := e.awaitingStep(st)
	if err != nil {
		return Output{}, err
	}
	return Output{Step: viewOf(step)}, nil
}

// Submit validates v against the step awaiting input and, when accepted, stores it and
// advances. A rejected value returns st unchanged together with an *InputError.
func (e *Engine) Submit(st SessionState, v models.Value) (SessionState, Output, error) {
	if st.Terminal {
		return st, Output{}, ErrSessionComplete
	}
	step, err := e.awaitingStep(st)
	if err != nil {
		return st, Output{}, err
	}

	normalized, err := normalizeValue(step, v)
	if err != nil {
		slog.Debug("Engine.Submit: answer rejected", "step", step.ID, "error", err)
		view, _ := e.View(st)
		return st, view, &InputError{StepID: step.ID, Err: err}
	}

	next := SessionState{StepIndex: st.StepIndex + 1, Answers: st.Answers.Clone()}
	if !normalized.IsEmpty() {
		next.Answers[step.TargetField] = normalized
	}

	var feedback []string
	for _, bm := range step.BranchMessages {
		if e.evaluate(step.ID, bm.Condition, next.Answers) {
			feedback = append(feedback, bm.Messages...)
		}
	}

	slog.Debug("Engine.Submit: answer accepted", "step", step.ID, "field", step.TargetField, "feedback", len(feedback))
	st, out := e.present(next, feedback)
	return st, out, nil
}

// Back restarts the session at stepID, discarding every answer collected at or after that
// step. An empty stepID selects the closest earlier input step the respondent was shown,
// whether or not they answered it.
func (e *Engine) Back(st SessionState, stepID string) (SessionState, Output, error) {
	position := st.StepIndex
	if st.Terminal {
		position = e.def.Len()
	}

	target := -1
	if stepID == "" {
		target = e.previousShown(st.Answers, position)
		if target < 0 {
			return st, Output{}, ErrNothingToCorrect
		}
	} else {
		i, ok := e.def.IndexOf(stepID)
		if !ok {
			return st, Output{}, fmt.Errorf("%w: %q", ErrUnknownStep, stepID)
		}
		if !e.def.step(i).Kind.AcceptsInput() {
			return st, Output{}, fmt.Errorf("%w: %q", ErrNotInputStep, stepID)
		}
		if i > position {
			return st, Output{}, fmt.Errorf("%w: %q", ErrStepNotReached, stepID)
		}
		target = i
	}

	kept := e.answersBefore(st.Answers, target)
	slog.Debug("Engine.Back: restarting from step", "step", e.def.step(target).ID, "kept_answers", len(kept))
	next, out := e.present(SessionState{StepIndex: target, Answers: kept}, nil)
	return next, out, nil
}

// previousShown returns the index of the last input step before position whose visibility
// held when it was reached, or -1.
func (e *Engine) previousShown(answers models.Answers, position int) int {
	for i := position - 1; i >= 0; i-- {
		step := e.def.step(i)
		if !step.Kind.AcceptsInput() {
			continue
		}
		if step.VisibilityCondition != nil && !Evaluate(*step.VisibilityCondition, e.answersBefore(answers, i)) {
			continue
		}
		return i
	}
	return -1
}

// answersBefore copies the answers written by steps before index.
func (e *Engine) answersBefore(answers models.Answers, index int) models.Answers {
	kept := models.Answers{}
	for field, v := range answers.Clone() {
		if i, ok := e.def.FieldIndex(field); ok && i < index {
			kept[field] = v
		}
	}
	return kept
}

// present skips invisible steps, queues message steps, and stops at the first step that
// awaits input or at the end of the definition.
func (e *Engine) present(st SessionState, feedback []string) (SessionState, Output) {
	i := st.StepIndex
	for ; i < e.def.Len(); i++ {
		step := e.def.step(i)
		if step.VisibilityCondition != nil && !e.evaluate(step.ID, *step.VisibilityCondition, st.Answers) {
			slog.Debug("Engine.present: skipping hidden step", "step", step.ID)
			continue
		}
		if step.Kind == models.StepKindMessage {
			feedback = append(feedback, step.LeadingMessages...)
			if step.Prompt != "" {
				feedback = append(feedback, step.Prompt)
			}
			continue
		}
		st.StepIndex = i
		st.Terminal = false
		return st, Output{Feedback: feedback, Step: viewOf(*step)}
	}

	st.StepIndex = e.def.Len()
	st.Terminal = true
	return st, Output{
		Feedback: feedback,
		Complete: &Completion{Answers: st.Answers.Clone(), ClosingMessages: feedback},
	}
}

// evaluate runs Evaluate and logs condition data that can only ever evaluate to a default.
func (e *Engine) evaluate(stepID string, cond models.Condition, answers models.Answers) bool {
	if !models.IsValidOperator(cond.Operator) {
		slog.Warn("Engine: condition has unknown operator, treating as false", "step", stepID, "field", cond.Field, "operator", cond.Operator)
	} else if cond.Operator == models.OpBetween {
		if _, _, ok := ParseBetween(cond.Value); !ok {
			slog.Warn("Engine: between condition has unparseable bounds, treating as false", "step", stepID, "field", cond.Field, "value", cond.Value)
		}
	}
	return Evaluate(cond, answers)
}

func (e *Engine) awaitingStep(st SessionState) (models.Step, error) {
	if st.StepIndex < 0 || st.StepIndex >= e.def.Len() {
		return models.Step{}, fmt.Errorf("%w: step index %d", ErrInvalidState, st.StepIndex)
	}
	step := *e.def.step(st.StepIndex)
	if !step.Kind.AcceptsInput() {
		return models.Step{}, fmt.Errorf("%w: step %q does not await input", ErrInvalidState, step.ID)
	}
	return step, nil
}

// viewOf builds the surface view from a copy of step.
func viewOf(step models.Step) *StepView {
	step = step.Clone()
	return &StepView{
		StepID:          step.ID,
		Kind:            step.Kind,
		Prompt:          step.Prompt,
		LeadingMessages: step.LeadingMessages,
		Choices:         step.Choices,
		SupportImage:    step.SupportImage,
		Required:        step.Required,
	}
}

// normalizeValue validates v for step and returns the value to store. An empty result
// for an optional step means "skip without an answer".
func normalizeValue(step models.Step, v models.Value) (models.Value, error) {
	if v.IsEmpty() {
		if step.Required {
			return models.Value{}, ErrRequired
		}
		return models.Value{}, nil
	}

	switch step.Kind {
	case models.StepKindFileSet:
		files := make([]string, 0, len(v.Files))
		for _, f := range v.Files {
			if f = strings.TrimSpace(f); f != "" {
				files = append(files, f)
			}
		}
		if len(files) == 0 {
			// text-only surfaces may submit a single reference as text
			files = append(files, strings.TrimSpace(v.Text))
		}
		return models.FilesValue(files...), nil

	case models.StepKindNumber:
		n, err := parseDecimal(v.Text)
		if err != nil {
			return models.Value{}, ErrInvalidNumber
		}
		if (step.Min != nil && n < *step.Min) || (step.Max != nil && n > *step.Max) {
			return models.Value{}, ErrOutOfRange
		}
		return models.TextValue(strconv.FormatFloat(n, 'f', -1, 64)), nil

	case models.StepKindSingleChoice:
		label, ok := MatchChoice(step.Choices, v.Text)
		if !ok {
			return models.Value{}, ErrInvalidChoice
		}
		return models.TextValue(label), nil

	default:
		return models.TextValue(strings.TrimSpace(v.Text)), nil
	}
}

// parseDecimal accepts "72.5" and "72,5".
func parseDecimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, ErrInvalidNumber
	}
	return n, nil
}

// MatchChoice resolves input to one of choices by label, ignoring case and surrounding
// space, or by 1-based position. Positions are not accepted when any label is itself an
// integer, since "5" would then be ambiguous.
func MatchChoice(choices []string, input string) (string, bool) {
	input = strings.TrimSpace(input)
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(c), input) {
			return c, true
		}
	}
	if !ChoicesAcceptPosition(choices) {
		return "", false
	}
	n, err := strconv.Atoi(input)
	if err != nil || n < 1 || n > len(choices) {
		return "", false
	}
	return choices[n-1], true
}

// ChoicesAcceptPosition reports whether choices may be selected by their 1-based position.
func ChoicesAcceptPosition(choices []string) bool {
	for _, c := range choices {
		if _, err := strconv.Atoi(strings.TrimSpace(c)); err == nil {
			return false
		}
	}
	return true
}
