// Package scoring derives per-category scores from a completed check-in.
package scoring

import (
	"math"
	"strconv"
	"strings"

	"github.com/BTreeMap/CheckinPipe/internal/flow"
	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// CategoryMax is the highest score a single category can reach.
const CategoryMax = 10

// band maps every value >= min to points. Bands are ordered by descending min.
type band struct {
	min    float64
	points int
}

// rule scores one category from one answer field.
type rule struct {
	category string
	field    string
	bands    []band         // numeric answers
	choices  map[string]int // choice answers, keyed by lower-cased label
}

func choiceTable(labels []string, points ...int) map[string]int {
	m := make(map[string]int, len(labels))
	for i, l := range labels {
		m[strings.ToLower(l)] = points[i]
	}
	return m
}

// rules is the scoring policy, one entry per models.ScoreCategories element.
var rules = []rule{
	{
		category: models.CategoryTraining,
		field:    flow.FieldTraining,
		bands:    []band{{5, 10}, {4, 8}, {3, 6}, {2, 4}, {1, 2}},
	},
	{
		category: models.CategoryCardio,
		field:    flow.FieldCardio,
		bands:    []band{{4, 10}, {3, 7}, {2, 5}, {1, 3}},
	},
	{
		category: models.CategoryRestBetweenSets,
		field:    flow.FieldRest,
		choices:  choiceTable(flow.RestChoices, 5, 10, 7, 2),
	},
	{
		category: models.CategoryFreeMeal,
		field:    flow.FieldFreeMeal,
		choices:  choiceTable(flow.FreeMealChoices, 10, 8, 5, 2),
	},
	{
		category: models.CategorySnacking,
		field:    flow.FieldSnacking,
		choices:  choiceTable(flow.SnackingChoices, 10, 7, 3, 0),
	},
	{
		category: models.CategoryHydration,
		field:    flow.FieldWater,
		choices:  choiceTable(flow.WaterChoices, 2, 5, 8, 10),
	},
	{
		category: models.CategorySleepQuantity,
		field:    flow.FieldSleepHours,
		choices:  choiceTable(flow.SleepHourChoices, 2, 4, 6, 8, 10),
	},
	{
		category: models.CategorySleepQuality,
		field:    flow.FieldSleepQuality,
		choices:  choiceTable(flow.SleepQualityChoices, 0, 3, 5, 8, 10),
	},
	{
		category: models.CategoryStress,
		field:    flow.FieldStress,
		choices:  choiceTable(flow.StressChoices, 0, 3, 5, 8, 10),
	},
	{
		category: models.CategoryLibido,
		field:    flow.FieldLibido,
		choices:  choiceTable(flow.LibidoChoices, 0, 3, 7, 10),
	},
}

// MaxTotal is the highest total a check-in can reach.
var MaxTotal = len(rules) * CategoryMax

// Score computes the score record for answers. Missing or unrecognized answers score 0
// for their category. Score is pure: equal inputs give identical records.
func Score(answers models.Answers) models.ScoreRecord {
	rec := models.ScoreRecord{
		Categories: make(map[string]int, len(rules)),
		Max:        MaxTotal,
	}
	for _, r := range rules {
		points := r.points(answers)
		rec.Categories[r.category] = points
		rec.Total += points
	}
	rec.Percentage = Percentage(rec.Total, rec.Max)
	return rec
}

// Percentage returns total/max*100 rounded to one decimal place, or 0 when max is 0.
func Percentage(total, max int) float64 {
	if max <= 0 {
		return 0
	}
	return math.Round(float64(total)/float64(max)*1000) / 10
}

func (r rule) points(answers models.Answers) int {
	raw, ok := answers.Get(r.field)
	if !ok {
		return 0
	}
	raw = strings.TrimSpace(raw)

	if r.choices != nil {
		return r.choices[strings.ToLower(raw)]
	}

	n, err := strconv.ParseFloat(strings.Replace(raw, ",", ".", 1), 64)
	if err != nil || math.IsNaN(n) {
		return 0
	}
	for _, b := range r.bands {
		if n >= b.min {
			return b.points
		}
	}
	return 0
}

// Band describes the overall result for summaries.
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

// Classify buckets a category score.
func Classify(points int) Band {
	switch {
	case points <= 3:
		return BandLow
	case points <= 7:
		return BandMedium
	default:
		return BandHigh
	}
}

// LowCategories returns the categories of rec classified BandLow, in reporting order.
func LowCategories(rec models.ScoreRecord) []string {
	var low []string
	for _, c := range models.ScoreCategories {
		if Classify(rec.Categories[c]) == BandLow {
			low = append(low, c)
		}
	}
	return low
}

// Labels are the respondent-facing names of the categories.
var Labels = map[string]string{
	models.CategoryTraining:        "Treino",
	models.CategoryCardio:          "Cardio",
	models.CategoryRestBetweenSets: "Descanso entre séries",
	models.CategoryFreeMeal:        "Refeições livres",
	models.CategorySnacking:        "Beliscos",
	models.CategoryHydration:       "Hidratação",
	models.CategorySleepQuantity:   "Horas de sono",
	models.CategorySleepQuality:    "Qualidade do sono",
	models.CategoryStress:          "Estresse",
	models.CategoryLibido:          "Libido",
}
