package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO receipts (recipient, status, time) VALUES ($1, $2, $3)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("PostgresStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *PostgresStore) GetReceipts(ctx context.Context) ([]models.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT recipient, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	receipts, err := collectRows(rows, func(row rowScanner) (models.Receipt, error) {
		var r models.Receipt
		err := row.Scan(&r.To, &r.Status, &r.Time)
		return r, err
	})
	if err != nil {
		slog.Error("PostgresStore GetReceipts scan failed", "error", err)
		return nil, fmt.Errorf("failed to read receipt rows: %w", err)
	}
	return receipts, nil
}

// AddResponse stores an incoming response in Postgres.
func (s *PostgresStore) AddResponse(ctx context.Context, r models.Response) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responses (message_id, sender, body, media, time) VALUES ($1, $2, $3, $4, $5)`,
		nilIfEmpty(r.MessageID), r.From, r.Body, pq.Array(r.Media), r.Time)
	if err != nil {
		slog.Error("PostgresStore AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	slog.Debug("PostgresStore AddResponse succeeded", "from", r.From)
	return nil
}

// GetResponses retrieves all stored responses from Postgres.
func (s *PostgresStore) GetResponses(ctx context.Context) ([]models.Response, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, sender, body, media, time FROM responses ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore GetResponses query failed", "error", err)
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	responses, err := collectRows(rows, func(row rowScanner) (models.Response, error) {
		var r models.Response
		var id sql.NullString
		err := row.Scan(&id, &r.From, &r.Body, pq.Array(&r.Media), &r.Time)
		r.MessageID = id.String
		return r, err
	})
	if err != nil {
		slog.Error("PostgresStore GetResponses scan failed", "error", err)
		return nil, fmt.Errorf("failed to read response rows: %w", err)
	}
	return responses, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

// SaveFlowState stores or updates flow state for a participant.
func (s *PostgresStore) SaveFlowState(ctx context.Context, state models.FlowState) error {
	data, err := encodeStateData(state.StateData)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState JSON marshal failed", "error", err, "participantID", state.ParticipantID)
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_states (participant_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (participant_id, flow_type)
		DO UPDATE SET
			current_state = EXCLUDED.current_state,
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at`,
		state.ParticipantID, state.FlowType, state.CurrentState, nilIfEmpty(data), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("PostgresStore SaveFlowState succeeded", "participantID", state.ParticipantID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a participant, or nil if there is none.
func (s *PostgresStore) GetFlowState(ctx context.Context, participantID string, flowType models.FlowType) (*models.FlowState, error) {
	var state models.FlowState
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT participant_id, flow_type, current_state, state_data::text, created_at, updated_at
		FROM flow_states WHERE participant_id = $1 AND flow_type = $2`, participantID, flowType,
	).Scan(&state.ParticipantID, &state.FlowType, &state.CurrentState, &data, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetFlowState not found", "participantID", participantID, "flowType", flowType)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, err
	}
	state.StateData = decodeStateData(data.String, participantID)
	return &state, nil
}

// DeleteFlowState removes flow state for a participant.
func (s *PostgresStore) DeleteFlowState(ctx context.Context, participantID string, flowType models.FlowType) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flow_states WHERE participant_id = $1 AND flow_type = $2`, participantID, flowType)
	if err != nil {
		slog.Error("PostgresStore DeleteFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}
	slog.Debug("PostgresStore DeleteFlowState succeeded", "participantID", participantID, "flowType", flowType)
	return nil
}

// SavePatient creates or updates a patient by id. CreatedAt is kept on update.
func (s *PostgresStore) SavePatient(ctx context.Context, p models.Patient) error {
	if p.Phone == "" {
		return models.ErrEmptyPhone
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, phone, filter_phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			filter_phone = EXCLUDED.filter_phone,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Phone, nilIfEmpty(p.FilterPhone), p.CreatedAt, now)
	if err != nil {
		slog.Error("PostgresStore SavePatient failed", "error", err, "patientID", p.ID)
		return fmt.Errorf("failed to save patient %s: %w", p.ID, err)
	}
	slog.Debug("PostgresStore SavePatient succeeded", "patientID", p.ID)
	return nil
}

func (s *PostgresStore) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	p, err := scanPatient(s.db.QueryRowContext(ctx, `SELECT `+patientColumnsSQL+` FROM patients WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPatient failed", "error", err, "patientID", id)
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListPatients(ctx context.Context) ([]models.Patient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+patientColumnsSQL+` FROM patients ORDER BY name, id`)
	if err != nil {
		slog.Error("PostgresStore ListPatients query failed", "error", err)
		return nil, err
	}
	return collectRows(rows, scanPatient)
}

func (s *PostgresStore) DeletePatient(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM patients WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore DeletePatient failed", "error", err, "patientID", id)
		return err
	}
	return nil
}

// FindPatientsByFields matches the whole candidate array against every field in one query.
func (s *PostgresStore) FindPatientsByFields(ctx context.Context, fields []string, values []string) ([]models.Patient, error) {
	cols, err := lookupColumns(fields)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 || len(values) == 0 {
		return nil, nil
	}

	clauses := make([]string, len(cols))
	for i, col := range cols {
		clauses[i] = col + " = ANY($1)"
	}
	query := `SELECT ` + patientColumnsSQL + ` FROM patients WHERE ` + strings.Join(clauses, " OR ") + ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(values))
	if err != nil {
		slog.Error("PostgresStore FindPatientsByFields failed", "error", err, "candidates", len(values))
		return nil, err
	}
	return collectRows(rows, scanPatient)
}

// UpsertCheckin inserts or replaces the check-in for (phone, checkin_date).
func (s *PostgresStore) UpsertCheckin(ctx context.Context, c models.Checkin) (models.Checkin, error) {
	answers, scores, err := encodeCheckin(c)
	if err != nil {
		return c, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()

	stored, err := scanCheckin(s.db.QueryRowContext(ctx, `
		INSERT INTO checkins (id, patient_id, phone, checkin_date, answers, scores, total, percentage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (phone, checkin_date) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			answers = EXCLUDED.answers,
			scores = EXCLUDED.scores,
			total = EXCLUDED.total,
			percentage = EXCLUDED.percentage,
			updated_at = EXCLUDED.updated_at
		RETURNING id, patient_id, phone, checkin_date, answers::text, scores::text, created_at, updated_at`,
		c.ID, c.PatientID, c.Phone, c.CheckinDate, answers, scores, c.Scores.Total, c.Scores.Percentage, now))
	if err != nil {
		slog.Error("PostgresStore UpsertCheckin failed", "error", err, "phone", c.Phone, "date", c.CheckinDate)
		return c, fmt.Errorf("failed to upsert check-in for %s on %s: %w", c.Phone, c.CheckinDate, err)
	}
	slog.Debug("PostgresStore UpsertCheckin succeeded", "checkinID", stored.ID, "phone", c.Phone, "date", c.CheckinDate)
	return stored, nil
}

const pgCheckinColumns = `id, patient_id, phone, checkin_date, answers::text, scores::text, created_at, updated_at`

func (s *PostgresStore) GetCheckin(ctx context.Context, id string) (*models.Checkin, error) {
	c, err := scanCheckin(s.db.QueryRowContext(ctx, `SELECT `+pgCheckinColumns+` FROM checkins WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCheckin failed", "error", err, "checkinID", id)
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListCheckinsByPatient(ctx context.Context, patientID string) ([]models.Checkin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgCheckinColumns+` FROM checkins WHERE patient_id = $1 ORDER BY checkin_date DESC`, patientID)
	if err != nil {
		slog.Error("PostgresStore ListCheckinsByPatient failed", "error", err, "patientID", patientID)
		return nil, err
	}
	return collectRows(rows, scanCheckin)
}
