// Package models defines the check-in dialogue model shared across modules.
package models

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// StepKind is the input kind of a dialogue step.
type StepKind string

const (
	// StepKindMessage shows text and expects no input.
	StepKindMessage StepKind = "message"
	// StepKindText collects free text.
	StepKindText StepKind = "text"
	// StepKindNumber collects a numeric value.
	StepKindNumber StepKind = "number"
	// StepKindSingleChoice collects one of the declared choices.
	StepKindSingleChoice StepKind = "single-choice"
	// StepKindFileSet collects a set of uploaded file references.
	StepKindFileSet StepKind = "file-set"
)

// IsValidStepKind reports whether k is a supported step kind.
func IsValidStepKind(k StepKind) bool {
	switch k {
	case StepKindMessage, StepKindText, StepKindNumber, StepKindSingleChoice, StepKindFileSet:
		return true
	default:
		return false
	}
}

// AcceptsInput reports whether steps of this kind wait for a submitted value.
func (k StepKind) AcceptsInput() bool {
	return k != StepKindMessage
}

// Operator is a comparison operator used by conditions.
type Operator string

const (
	OpEquals         Operator = "=="
	OpNotEquals      Operator = "!="
	OpLessOrEqual    Operator = "<="
	OpGreaterOrEqual Operator = ">="
	OpBetween        Operator = "between"
)

// IsValidOperator reports whether op is one of the supported operators.
func IsValidOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpLessOrEqual, OpGreaterOrEqual, OpBetween:
		return true
	default:
		return false
	}
}

// Condition tests one collected answer against a literal.
// For OpBetween the literal is encoded as "low,high".
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    string   `json:"value" yaml:"value"`
}

// BranchMessage is feedback emitted after a step's answer is accepted when its condition holds.
type BranchMessage struct {
	Condition Condition `json:"condition" yaml:"condition"`
	Messages  []string  `json:"messages" yaml:"messages"`
}

// ImagePosition places a support image relative to the prompt.
type ImagePosition string

const (
	ImageAbove ImagePosition = "above"
	ImageBelow ImagePosition = "below"
)

// SupportImage is an optional visual aid shown with a step.
type SupportImage struct {
	URL      string        `json:"url" yaml:"url"`
	Caption  string        `json:"caption,omitempty" yaml:"caption,omitempty"`
	Position ImagePosition `json:"position" yaml:"position"`
}

// Step is one unit of the check-in dialogue.
type Step struct {
	ID                  string          `json:"id" yaml:"id"`
	Kind                StepKind        `json:"kind" yaml:"kind"`
	TargetField         string          `json:"target_field,omitempty" yaml:"target_field,omitempty"`
	Prompt              string          `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	LeadingMessages     []string        `json:"leading_messages,omitempty" yaml:"leading_messages,omitempty"`
	Choices             []string        `json:"choices,omitempty" yaml:"choices,omitempty"`
	Required            bool            `json:"required" yaml:"required"`
	VisibilityCondition *Condition      `json:"visibility_condition,omitempty" yaml:"visibility_condition,omitempty"`
	BranchMessages      []BranchMessage `json:"branch_messages,omitempty" yaml:"branch_messages,omitempty"`
	SupportImage        *SupportImage   `json:"support_image,omitempty" yaml:"support_image,omitempty"`
	Min                 *float64        `json:"min,omitempty" yaml:"min,omitempty"`
	Max                 *float64        `json:"max,omitempty" yaml:"max,omitempty"`
}

// Value is a raw answer: free text or, for file-set steps, a list of file references.
type Value struct {
	Text  string   `json:"text,omitempty"`
	Files []string `json:"files,omitempty"`
}

// TextValue builds a text answer.
func TextValue(s string) Value {
	return Value{Text: s}
}

// FilesValue builds a file-set answer.
func FilesValue(files ...string) Value {
	return Value{Files: files}
}

// IsEmpty reports whether the value carries no content.
func (v Value) IsEmpty() bool {
	if len(v.Files) > 0 {
		for _, f := range v.Files {
			if strings.TrimSpace(f) != "" {
				return false
			}
		}
		return true
	}
	return strings.TrimSpace(v.Text) == ""
}

// String returns the comparable form of the value.
func (v Value) String() string {
	if len(v.Files) > 0 {
		return strings.Join(v.Files, ",")
	}
	return v.Text
}

// Answers maps a step's target field to the value the respondent supplied.
type Answers map[string]Value

// Clone returns an independent copy of the answer set.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		if v.Files != nil {
			v.Files = append([]string(nil), v.Files...)
		}
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of the step: no slice or pointer is shared with s.
func (s Step) Clone() Step {
	out := s
	out.LeadingMessages = slices.Clone(s.LeadingMessages)
	out.Choices = slices.Clone(s.Choices)
	if s.VisibilityCondition != nil {
		c := *s.VisibilityCondition
		out.VisibilityCondition = &c
	}
	if s.BranchMessages != nil {
		out.BranchMessages = make([]BranchMessage, len(s.BranchMessages))
		for i, bm := range s.BranchMessages {
			bm.Messages = slices.Clone(bm.Messages)
			out.BranchMessages[i] = bm
		}
	}
	if s.SupportImage != nil {
		img := *s.SupportImage
		out.SupportImage = &img
	}
	if s.Min != nil {
		v := *s.Min
		out.Min = &v
	}
	if s.Max != nil {
		v := *s.Max
		out.Max = &v
	}
	return out
}

// Get returns the comparable string for field and whether it is present.
func (a Answers) Get(field string) (string, bool) {
	v, ok := a[field]
	if !ok {
		return "", false
	}
	return v.String(), true
}

// Score categories.
const (
	CategoryTraining        = "training"
	CategoryCardio          = "cardio"
	CategoryRestBetweenSets = "rest-between-sets"
	CategoryFreeMeal        = "free-meal"
	CategorySnacking        = "snacking"
	CategoryHydration       = "hydration"
	CategorySleepQuantity   = "sleep-quantity"
	CategorySleepQuality    = "sleep-quality"
	CategoryStress          = "stress"
	CategoryLibido          = "libido"
)

// ScoreCategories lists every score category in reporting order.
var ScoreCategories = []string{
	CategoryTraining,
	CategoryCardio,
	CategoryRestBetweenSets,
	CategoryFreeMeal,
	CategorySnacking,
	CategoryHydration,
	CategorySleepQuantity,
	CategorySleepQuality,
	CategoryStress,
	CategoryLibido,
}

// ScoreRecord is the derived outcome of a completed check-in.
type ScoreRecord struct {
	Categories map[string]int `json:"categories"`
	Total      int            `json:"total"`
	Max        int            `json:"max"`
	Percentage float64        `json:"percentage"`
}

// Patient is a known patient record that check-ins are attributed to.
type Patient struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	FilterPhone string    `json:"filter_phone,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Checkin is a persisted check-in, unique per (Phone, CheckinDate).
type Checkin struct {
	ID          string      `json:"id"`
	PatientID   string      `json:"patient_id"`
	Phone       string      `json:"phone"`
	CheckinDate string      `json:"checkin_date"` // YYYY-MM-DD in the service timezone
	Answers     Answers     `json:"answers"`
	Scores      ScoreRecord `json:"scores"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// CheckinDateLayout is the layout of Checkin.CheckinDate.
const CheckinDateLayout = "2006-01-02"

var (
	ErrEmptyPhone       = errors.New("phone cannot be empty")
	ErrEmptyPatientName = errors.New("patient name cannot be empty")
)

// PatientRequest is the payload for registering a patient.
type PatientRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Phone       string `json:"phone" validate:"required,max=32"`
	FilterPhone string `json:"filter_phone,omitempty" validate:"omitempty,max=32"`
}

// StartSessionRequest is the payload for starting a check-in session.
type StartSessionRequest struct {
	Phone string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

// SubmitAnswerRequest is the payload for answering the current step.
type SubmitAnswerRequest struct {
	Text  string   `json:"text,omitempty" validate:"max=4096"`
	Files []string `json:"files,omitempty" validate:"max=20,dive,max=2048"`
}

// BackRequest is the payload for correcting a previous answer.
// An empty StepID goes back to the latest answered step.
type BackRequest struct {
	StepID string `json:"step_id,omitempty" validate:"max=100"`
}

// ResolvePhoneRequest is the payload for resolving a phone number to a patient.
type ResolvePhoneRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
}
