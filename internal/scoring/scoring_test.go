package scoring

import (
	"reflect"
	"strings"
	"testing"

	"github.com/BTreeMap/CheckinPipe/internal/flow"
	"github.com/BTreeMap/CheckinPipe/internal/models"
)

func answersOf(kv map[string]string) models.Answers {
	a := models.Answers{}
	for k, v := range kv {
		a[k] = models.TextValue(v)
	}
	return a
}

func TestScore_RulesCoverEveryCategory(t *testing.T) {
	if len(rules) != len(models.ScoreCategories) {
		t.Fatalf("expected %d rules, got %d", len(models.ScoreCategories), len(rules))
	}
	for i, c := range models.ScoreCategories {
		if rules[i].category != c {
			t.Errorf("rule %d: expected category %s, got %s", i, c, rules[i].category)
		}
		if _, ok := Labels[c]; !ok {
			t.Errorf("missing label for %s", c)
		}
	}
}

func TestScore_ChoiceTablesMatchDefaultFlow(t *testing.T) {
	def := flow.DefaultDefinition()
	for _, r := range rules {
		if r.choices == nil {
			continue
		}
		i, ok := def.FieldIndex(r.field)
		if !ok {
			t.Fatalf("field %s not collected by the default flow", r.field)
		}
		for _, label := range def.Step(i).Choices {
			if _, ok := r.choices[strings.ToLower(label)]; !ok {
				t.Errorf("%s: choice %q has no score", r.category, label)
			}
		}
	}
}

func TestScore_EmptyAnswers(t *testing.T) {
	rec := Score(models.Answers{})
	if rec.Total != 0 || rec.Percentage != 0 {
		t.Errorf("expected zero score, got %+v", rec)
	}
	if rec.Max != 100 {
		t.Errorf("expected max 100, got %d", rec.Max)
	}
	for _, c := range models.ScoreCategories {
		if v, ok := rec.Categories[c]; !ok || v != 0 {
			t.Errorf("category %s: expected 0 present, got %d,%v", c, v, ok)
		}
	}
}

func TestScore_BestAnswers(t *testing.T) {
	rec := Score(answersOf(map[string]string{
		flow.FieldTraining:     "6",
		flow.FieldCardio:       "5",
		flow.FieldRest:         "1 a 2 minutos",
		flow.FieldFreeMeal:     "Nenhuma",
		flow.FieldSnacking:     "Nunca",
		flow.FieldWater:        "4 litros ou mais",
		flow.FieldSleepHours:   "8 ou mais",
		flow.FieldSleepQuality: "Ótima",
		flow.FieldStress:       "Muito baixo",
		flow.FieldLibido:       "Alta",
	}))
	if rec.Total != 100 || rec.Percentage != 100 {
		t.Errorf("expected perfect score, got %+v", rec)
	}
}

func TestScore_LowScenario(t *testing.T) {
	rec := Score(answersOf(map[string]string{
		flow.FieldTraining:   "1",
		flow.FieldWater:      "1 litro",
		flow.FieldSleepHours: "4 ou menos",
	}))
	for _, c := range []string{models.CategoryTraining, models.CategoryHydration, models.CategorySleepQuantity} {
		if Classify(rec.Categories[c]) != BandLow {
			t.Errorf("%s: expected low score, got %d", c, rec.Categories[c])
		}
	}
	if rec.Total != 6 {
		t.Errorf("expected total 6, got %d", rec.Total)
	}
	if rec.Percentage != 6 {
		t.Errorf("expected 6%%, got %v", rec.Percentage)
	}
}

func TestScore_NumericBands(t *testing.T) {
	tests := []struct {
		answer string
		want   int
	}{
		{"0", 0},
		{"1", 2},
		{"2", 4},
		{"2.5", 4},
		{"3", 6},
		{"4", 8},
		{"5", 10},
		{"7", 10},
		{"-1", 0},
		{"muito", 0},
		{"3,0", 6},
	}
	for _, tt := range tests {
		rec := Score(answersOf(map[string]string{flow.FieldTraining: tt.answer}))
		if got := rec.Categories[models.CategoryTraining]; got != tt.want {
			t.Errorf("training %q: expected %d, got %d", tt.answer, tt.want, got)
		}
	}
}

func TestScore_ChoiceLookupIgnoresCaseAndSpace(t *testing.T) {
	rec := Score(answersOf(map[string]string{
		flow.FieldSleepQuality: "  boa ",
		flow.FieldStress:       "MUITO ALTO",
		flow.FieldLibido:       "desconhecida",
	}))
	if rec.Categories[models.CategorySleepQuality] != 8 {
		t.Errorf("expected 8 for boa, got %d", rec.Categories[models.CategorySleepQuality])
	}
	if rec.Categories[models.CategoryStress] != 0 {
		t.Errorf("expected 0 for muito alto, got %d", rec.Categories[models.CategoryStress])
	}
	if rec.Categories[models.CategoryLibido] != 0 {
		t.Errorf("expected 0 for unknown label, got %d", rec.Categories[models.CategoryLibido])
	}
}

func TestScore_Deterministic(t *testing.T) {
	answers := answersOf(map[string]string{
		flow.FieldTraining: "3",
		flow.FieldCardio:   "2",
		flow.FieldWater:    "2 litros",
		flow.FieldStress:   "Moderado",
	})
	first := Score(answers)
	second := Score(answers)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("scores differ: %+v vs %+v", first, second)
	}
	if first.Percentage != 21 {
		t.Errorf("expected 21%%, got %v", first.Percentage)
	}
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		total, max int
		want       float64
	}{
		{0, 100, 0},
		{1, 3, 33.3},
		{2, 3, 66.7},
		{7, 0, 0},
		{100, 100, 100},
	}
	for _, tt := range tests {
		if got := Percentage(tt.total, tt.max); got != tt.want {
			t.Errorf("Percentage(%d, %d) = %v, want %v", tt.total, tt.max, got, tt.want)
		}
	}
}

func TestLowCategories(t *testing.T) {
	rec := Score(answersOf(map[string]string{
		flow.FieldTraining:     "5",
		flow.FieldCardio:       "4",
		flow.FieldRest:         "1 a 2 minutos",
		flow.FieldFreeMeal:     "Nenhuma",
		flow.FieldSnacking:     "Nunca",
		flow.FieldWater:        "1 litro",
		flow.FieldSleepHours:   "8 ou mais",
		flow.FieldSleepQuality: "Ótima",
		flow.FieldStress:       "Muito baixo",
		flow.FieldLibido:       "Alta",
	}))
	got := LowCategories(rec)
	if !reflect.DeepEqual(got, []string{models.CategoryHydration}) {
		t.Errorf("expected only hydration low, got %v", got)
	}
}
