package models

import "testing"

func TestValueIsEmpty(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want bool
	}{
		{"zero", Value{}, true},
		{"blank text", TextValue("   "), true},
		{"text", TextValue("80"), false},
		{"empty file list", FilesValue(), true},
		{"blank files", FilesValue("", " "), true},
		{"files", FilesValue("a.jpg"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.IsEmpty(); got != tt.want {
				t.Errorf("IsEmpty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValueString(t *testing.T) {
	if got := TextValue("3").String(); got != "3" {
		t.Errorf("expected 3, got %q", got)
	}
	if got := FilesValue("a.jpg", "b.jpg").String(); got != "a.jpg,b.jpg" {
		t.Errorf("expected joined files, got %q", got)
	}
}

func TestAnswersCloneIsIndependent(t *testing.T) {
	a := Answers{"fotos": FilesValue("a.jpg"), "peso": TextValue("80")}
	c := a.Clone()
	c["peso"] = TextValue("81")
	c["fotos"].Files[0] = "changed.jpg"

	if a["peso"].Text != "80" {
		t.Errorf("clone mutated original text answer: %q", a["peso"].Text)
	}
	if a["fotos"].Files[0] != "a.jpg" {
		t.Errorf("clone shares file slice with original: %q", a["fotos"].Files[0])
	}
}

func TestAnswersGet(t *testing.T) {
	a := Answers{"treino": TextValue("3")}
	if v, ok := a.Get("treino"); !ok || v != "3" {
		t.Errorf("Get(treino) = %q, %v", v, ok)
	}
	if _, ok := a.Get("missing"); ok {
		t.Error("Get(missing) should report absence")
	}
}

func TestIsValidOperator(t *testing.T) {
	for _, op := range []Operator{OpEquals, OpNotEquals, OpLessOrEqual, OpGreaterOrEqual, OpBetween} {
		if !IsValidOperator(op) {
			t.Errorf("expected %q to be valid", op)
		}
	}
	for _, op := range []Operator{"", "<", ">", "in", "BETWEEN"} {
		if IsValidOperator(op) {
			t.Errorf("expected %q to be invalid", op)
		}
	}
}

func TestAPIResponseBuilders(t *testing.T) {
	r := Error("boom")
	if r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected error response: %+v", r)
	}
	r = Success(42)
	if r.Status != string(APIStatusOK) || r.Result != 42 {
		t.Errorf("unexpected success response: %+v", r)
	}
	r = ErrorWithResult("rejected", "view")
	if r.Status != string(APIStatusError) || r.Result != "view" {
		t.Errorf("unexpected error-with-result response: %+v", r)
	}
}
