// Package store provides storage backends for CheckinPipe.
//
// It includes an in-memory store used by tests and ephemeral runs, and SQLite and
// PostgreSQL stores for patients, check-ins, session state, receipts and responses.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// ErrUnsupportedField is returned by FindPatientsByFields for fields that are not phone columns.
var ErrUnsupportedField = errors.New("unsupported patient lookup field")

// Store is the persistence surface used by the rest of the application.
type Store interface {
	AddReceipt(ctx context.Context, r models.Receipt) error
	GetReceipts(ctx context.Context) ([]models.Receipt, error)
	AddResponse(ctx context.Context, r models.Response) error
	GetResponses(ctx context.Context) ([]models.Response, error)

	SaveFlowState(ctx context.Context, state models.FlowState) error
	GetFlowState(ctx context.Context, participantID string, flowType models.FlowType) (*models.FlowState, error)
	DeleteFlowState(ctx context.Context, participantID string, flowType models.FlowType) error

	SavePatient(ctx context.Context, p models.Patient) error
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	ListPatients(ctx context.Context) ([]models.Patient, error)
	DeletePatient(ctx context.Context, id string) error
	// FindPatientsByFields returns every patient whose value in any of fields is one of
	// values, in a single query.
	FindPatientsByFields(ctx context.Context, fields []string, values []string) ([]models.Patient, error)

	// UpsertCheckin inserts c, or replaces the check-in with the same phone and date. The
	// stored record is returned with its persistent id and creation time.
	UpsertCheckin(ctx context.Context, c models.Checkin) (models.Checkin, error)
	GetCheckin(ctx context.Context, id string) (*models.Checkin, error)
	ListCheckinsByPatient(ctx context.Context, patientID string) ([]models.Checkin, error)

	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string // database connection string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DSN types returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// DetectDSNType guesses the driver for dsn.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open creates the backend dsn points at.
func Open(dsn string) (Store, error) {
	switch DetectDSNType(dsn) {
	case DSNTypePostgres:
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// patientColumns maps lookup fields to their column names.
var patientColumns = map[string]string{
	"phone":        "phone",
	"filter_phone": "filter_phone",
}

func lookupColumns(fields []string) ([]string, error) {
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		col, ok := patientColumns[f]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedField, f)
		}
		cols = append(cols, col)
	}
	return cols, nil
}
