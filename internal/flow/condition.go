// Package flow implements the check-in dialogue: condition evaluation, flow definitions
// and the execution engine that walks them.
package flow

import (
	"math"
	"strconv"
	"strings"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Evaluate tests cond against the collected answers.
//
// A missing answer is false for every operator except OpNotEquals, which is true.
// Equality compares numerically when both sides parse as numbers and falls back to exact
// string comparison otherwise. Ordering operators and OpBetween require numbers on both
// sides. Unknown operators and malformed literals evaluate to false.
func Evaluate(cond models.Condition, answers models.Answers) bool {
	answer, ok := answers.Get(cond.Field)
	if !ok {
		return cond.Operator == models.OpNotEquals
	}

	switch cond.Operator {
	case models.OpEquals:
		return equal(answer, cond.Value)
	case models.OpNotEquals:
		return !equal(answer, cond.Value)
	case models.OpLessOrEqual:
		a, b, ok := bothNumbers(answer, cond.Value)
		return ok && a <= b
	case models.OpGreaterOrEqual:
		a, b, ok := bothNumbers(answer, cond.Value)
		return ok && a >= b
	case models.OpBetween:
		low, high, ok := ParseBetween(cond.Value)
		if !ok {
			return false
		}
		n, ok := parseNumber(answer)
		return ok && n >= low && n <= high
	default:
		return false
	}
}

// ParseBetween splits a "low,high" literal into its numeric bounds.
func ParseBetween(value string) (low, high float64, ok bool) {
	lowStr, highStr, found := strings.Cut(value, ",")
	if !found {
		return 0, 0, false
	}
	low, okLow := parseNumber(lowStr)
	high, okHigh := parseNumber(highStr)
	if !okLow || !okHigh {
		return 0, 0, false
	}
	return low, high, true
}

func equal(answer, literal string) bool {
	if a, b, ok := bothNumbers(answer, literal); ok {
		return a == b
	}
	return answer == literal
}

func bothNumbers(a, b string) (float64, float64, bool) {
	x, okA := parseNumber(a)
	y, okB := parseNumber(b)
	return x, y, okA && okB
}

// parseNumber accepts finite decimal numbers only. NaN, infinities and hex floats are
// left to string comparison.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "xX") {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
