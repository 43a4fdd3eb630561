package phone

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// Patient fields a phone can be matched against.
const (
	FieldPhone       = "phone"
	FieldFilterPhone = "filter_phone"
)

// MatchFields are the stored fields every resolution is matched against.
var MatchFields = []string{FieldPhone, FieldFilterPhone}

// Lookup finds patients whose field, for any of fields, equals any of values.
type Lookup interface {
	FindPatientsByFields(ctx context.Context, fields []string, values []string) ([]models.Patient, error)
}

// Result is the outcome of a resolution. Patient is nil when nothing matched.
type Result struct {
	Patient    *models.Patient
	Candidates []string
}

// Found reports whether a patient was matched.
func (r Result) Found() bool { return r.Patient != nil }

// Resolver maps raw phone input to a stored patient with a single lookup.
type Resolver struct {
	lookup Lookup
}

// NewResolver creates a Resolver backed by lookup.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve matches raw against stored patients. An unmatched phone is not an error; the
// error return is reserved for lookup failures.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Result, error) {
	res := Result{Candidates: Candidates(raw)}
	if len(res.Candidates) == 0 {
		slog.Debug("Resolver.Resolve: no digits in input", "raw", raw)
		return res, nil
	}

	patients, err := r.lookup.FindPatientsByFields(ctx, MatchFields, res.Candidates)
	if err != nil {
		slog.Error("Resolver.Resolve: lookup failed", "error", err, "candidates", len(res.Candidates))
		return res, fmt.Errorf("phone lookup failed: %w", err)
	}

	res.Patient = firstMatch(res.Candidates, patients)
	if res.Patient == nil {
		slog.Debug("Resolver.Resolve: no patient matched", "raw", raw, "candidates", res.Candidates)
	} else {
		slog.Debug("Resolver.Resolve: patient matched", "raw", raw, "patientID", res.Patient.ID)
	}
	return res, nil
}

// firstMatch picks the patient matching the earliest candidate, preferring the primary
// phone over the filter phone for the same candidate.
func firstMatch(candidates []string, patients []models.Patient) *models.Patient {
	for _, c := range candidates {
		for i := range patients {
			if patients[i].Phone == c {
				p := patients[i]
				return &p
			}
		}
		for i := range patients {
			if patients[i].FilterPhone == c {
				p := patients[i]
				return &p
			}
		}
	}
	return nil
}
