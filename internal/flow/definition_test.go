package flow

import (
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

func TestDefaultDefinition_IsValidAndLintClean(t *testing.T) {
	def := DefaultDefinition()
	if def.Name() != DefaultDefinitionName {
		t.Errorf("expected name %q, got %q", DefaultDefinitionName, def.Name())
	}
	if issues := def.Lint(); len(issues) != 0 {
		t.Errorf("built-in definition should lint clean, got %v", issues)
	}
}

func TestDefaultDefinition_SingleWriterPerField(t *testing.T) {
	seen := map[string]string{}
	for _, s := range DefaultDefinition().Steps() {
		if s.TargetField == "" {
			continue
		}
		if other, dup := seen[s.TargetField]; dup {
			t.Errorf("field %q written by both %q and %q", s.TargetField, other, s.ID)
		}
		seen[s.TargetField] = s.ID
	}
}

func TestDefaultDefinition_StepsReturnsCopy(t *testing.T) {
	def := DefaultDefinition()
	i, ok := def.IndexOf("descanso")
	if !ok {
		t.Fatal("descanso step missing")
	}
	want := RestChoices[0]

	steps := def.Steps()
	steps[0].ID = "changed"
	steps[i].Choices[0] = "changed"
	steps[i].VisibilityCondition.Value = "99"
	steps[i].BranchMessages[0].Messages[0] = "changed"

	got := def.Step(i)
	if def.Step(0).ID == "changed" {
		t.Error("Steps() should not expose the internal catalog")
	}
	if got.Choices[0] != want || got.VisibilityCondition.Value != "1" || got.BranchMessages[0].Messages[0] == "changed" {
		t.Errorf("editing Steps() changed the definition: %+v", got)
	}
	if RestChoices[0] != want {
		t.Errorf("package choices changed to %q", RestChoices[0])
	}

	got.Choices[0] = "changed"
	if def.Step(i).Choices[0] != want || DefaultDefinition().Step(i).Choices[0] != want {
		t.Error("editing Step() leaked into the definition")
	}
}

func TestNewDefinition_Errors(t *testing.T) {
	input := func(id, field string) models.Step {
		return models.Step{ID: id, Kind: models.StepKindText, TargetField: field, Prompt: "?"}
	}
	tests := []struct {
		name  string
		steps []models.Step
		want  error
	}{
		{"empty", nil, ErrEmptyDefinition},
		{"only messages", []models.Step{{ID: "m", Kind: models.StepKindMessage, LeadingMessages: []string{"hi"}}}, ErrNoInputSteps},
		{"empty id", []models.Step{input("", "a")}, ErrEmptyStepID},
		{"duplicate id", []models.Step{input("a", "a"), input("a", "b")}, ErrDuplicateStepID},
		{"duplicate field", []models.Step{input("a", "x"), input("b", "x")}, ErrDuplicateField},
		{"missing field", []models.Step{input("a", "")}, ErrMissingField},
		{"message with field", []models.Step{{ID: "m", Kind: models.StepKindMessage, TargetField: "x", Prompt: "hi"}, input("a", "a")}, ErrUnexpectedField},
		{"empty message", []models.Step{{ID: "m", Kind: models.StepKindMessage}, input("a", "a")}, ErrEmptyStepContents},
		{"bad kind", []models.Step{{ID: "a", Kind: "slider", TargetField: "a"}}, ErrInvalidStepKind},
		{"choices missing", []models.Step{{ID: "a", Kind: models.StepKindSingleChoice, TargetField: "a"}}, ErrMissingChoices},
		{"bad range", []models.Step{{ID: "a", Kind: models.StepKindNumber, TargetField: "a", Min: bound(5), Max: bound(1)}}, ErrInvalidRange},
		{"bad image", []models.Step{{ID: "a", Kind: models.StepKindText, TargetField: "a", SupportImage: &models.SupportImage{URL: "u", Position: "left"}}}, ErrInvalidImageSpot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDefinition("t", tt.steps)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNewDefinition_CopiesInput(t *testing.T) {
	lo, hi := 1.0, 5.0
	vis := &models.Condition{Field: "a", Operator: models.OpEquals, Value: "1"}
	steps := []models.Step{
		{ID: "a", Kind: models.StepKindNumber, TargetField: "a", Min: &lo, Max: &hi},
		{
			ID: "b", Kind: models.StepKindSingleChoice, TargetField: "b", Prompt: "?",
			Choices:             []string{"x", "y"},
			LeadingMessages:     []string{"hi"},
			VisibilityCondition: vis,
			SupportImage:        &models.SupportImage{URL: "https://img/1.png", Position: models.ImageAbove},
		},
	}
	def, err := NewDefinition("t", steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	steps[0].ID = "mutated"
	hi = 100
	vis.Operator = "~"
	steps[1].Choices[0] = "mutated"
	steps[1].LeadingMessages[0] = "mutated"
	steps[1].SupportImage.URL = "mutated"

	if def.Step(0).ID != "a" || *def.Step(0).Max != 5 {
		t.Errorf("definition aliases the caller's first step: %+v", def.Step(0))
	}
	b := def.Step(1)
	if b.VisibilityCondition.Operator != models.OpEquals || b.Choices[0] != "x" || b.LeadingMessages[0] != "hi" || b.SupportImage.URL != "https://img/1.png" {
		t.Errorf("definition aliases the caller's second step: %+v", b)
	}
}

func TestDefinition_Lint(t *testing.T) {
	steps := []models.Step{
		{
			ID: "a", Kind: models.StepKindNumber, TargetField: "a",
			VisibilityCondition: &models.Condition{Field: "b", Operator: models.OpEquals, Value: "1"},
			BranchMessages: []models.BranchMessage{
				{Condition: models.Condition{Field: "a", Operator: models.OpBetween, Value: "x,2"}, Messages: []string{"m"}},
				{Condition: models.Condition{Field: "a", Operator: "~", Value: "1"}, Messages: []string{"m"}},
				{Condition: models.Condition{Field: "a", Operator: models.OpEquals, Value: "1"}},
			},
		},
		{
			ID: "b", Kind: models.StepKindText, TargetField: "b",
			VisibilityCondition: &models.Condition{Field: "typo", Operator: models.OpEquals, Value: "1"},
		},
	}
	def, err := NewDefinition("t", steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	issues := def.Lint()

	wants := []string{
		"collected later",
		"unparseable between",
		"unknown operator",
		"no messages",
		"no step collects",
	}
	for _, want := range wants {
		found := false
		for _, issue := range issues {
			if strings.Contains(issue.Message, want) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected a lint issue containing %q, got %v", want, issues)
		}
	}
}

func TestDefinition_BranchOnOwnFieldIsNotLintIssue(t *testing.T) {
	steps := []models.Step{{
		ID: "a", Kind: models.StepKindNumber, TargetField: "a",
		BranchMessages: []models.BranchMessage{
			{Condition: models.Condition{Field: "a", Operator: models.OpLessOrEqual, Value: "2"}, Messages: []string{"low"}},
		},
	}}
	def, err := NewDefinition("t", steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if issues := def.Lint(); len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
}
