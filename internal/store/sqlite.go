package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store. The DSN is the database file path; its
// directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// one writer avoids SQLITE_BUSY between the API and chat goroutines
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", path)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("SQLiteStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *SQLiteStore) GetReceipts(ctx context.Context) ([]models.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT recipient, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	receipts, err := collectRows(rows, func(row rowScanner) (models.Receipt, error) {
		var r models.Receipt
		err := row.Scan(&r.To, &r.Status, &r.Time)
		return r, err
	})
	if err != nil {
		slog.Error("SQLiteStore GetReceipts scan failed", "error", err)
		return nil, fmt.Errorf("failed to read receipt rows: %w", err)
	}
	return receipts, nil
}

func (s *SQLiteStore) AddResponse(ctx context.Context, r models.Response) error {
	media, err := json.Marshal(r.Media)
	if err != nil {
		return fmt.Errorf("failed to encode media of response from %s: %w", r.From, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO responses (message_id, sender, body, media, time) VALUES (?, ?, ?, ?, ?)`,
		nilIfEmpty(r.MessageID), r.From, r.Body, string(media), r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	slog.Debug("SQLiteStore AddResponse succeeded", "from", r.From)
	return nil
}

func (s *SQLiteStore) GetResponses(ctx context.Context) ([]models.Response, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, sender, body, media, time FROM responses ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore GetResponses query failed", "error", err)
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	responses, err := collectRows(rows, func(row rowScanner) (models.Response, error) {
		var r models.Response
		var id, media sql.NullString
		if err := row.Scan(&id, &r.From, &r.Body, &media, &r.Time); err != nil {
			return r, err
		}
		r.MessageID = id.String
		if media.String != "" && media.String != "null" {
			if err := json.Unmarshal([]byte(media.String), &r.Media); err != nil {
				return r, err
			}
		}
		return r, nil
	})
	if err != nil {
		slog.Error("SQLiteStore GetResponses scan failed", "error", err)
		return nil, fmt.Errorf("failed to read response rows: %w", err)
	}
	return responses, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// SaveFlowState stores or updates flow state for a participant.
func (s *SQLiteStore) SaveFlowState(ctx context.Context, state models.FlowState) error {
	data, err := encodeStateData(state.StateData)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState JSON marshal failed", "error", err, "participantID", state.ParticipantID)
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO flow_states (participant_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		state.ParticipantID, state.FlowType, state.CurrentState, data, state.CreatedAt.UTC(), state.UpdatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("SQLiteStore SaveFlowState succeeded", "participantID", state.ParticipantID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a participant, or nil if there is none.
func (s *SQLiteStore) GetFlowState(ctx context.Context, participantID string, flowType models.FlowType) (*models.FlowState, error) {
	var state models.FlowState
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
		FROM flow_states WHERE participant_id = ? AND flow_type = ?`, participantID, flowType,
	).Scan(&state.ParticipantID, &state.FlowType, &state.CurrentState, &data, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetFlowState not found", "participantID", participantID, "flowType", flowType)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, err
	}
	state.StateData = decodeStateData(data.String, participantID)
	return &state, nil
}

// DeleteFlowState removes flow state for a participant.
func (s *SQLiteStore) DeleteFlowState(ctx context.Context, participantID string, flowType models.FlowType) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flow_states WHERE participant_id = ? AND flow_type = ?`, participantID, flowType)
	if err != nil {
		slog.Error("SQLiteStore DeleteFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}
	slog.Debug("SQLiteStore DeleteFlowState succeeded", "participantID", participantID, "flowType", flowType)
	return nil
}

// SavePatient creates or updates a patient by id. CreatedAt is kept on update.
func (s *SQLiteStore) SavePatient(ctx context.Context, p models.Patient) error {
	if p.Phone == "" {
		return models.ErrEmptyPhone
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, phone, filter_phone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			filter_phone = excluded.filter_phone,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Phone, nilIfEmpty(p.FilterPhone), p.CreatedAt.UTC(), now)
	if err != nil {
		slog.Error("SQLiteStore SavePatient failed", "error", err, "patientID", p.ID)
		return fmt.Errorf("failed to save patient %s: %w", p.ID, err)
	}
	slog.Debug("SQLiteStore SavePatient succeeded", "patientID", p.ID)
	return nil
}

func (s *SQLiteStore) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	p, err := scanPatient(s.db.QueryRowContext(ctx, `SELECT `+patientColumnsSQL+` FROM patients WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPatient failed", "error", err, "patientID", id)
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) ListPatients(ctx context.Context) ([]models.Patient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+patientColumnsSQL+` FROM patients ORDER BY name, id`)
	if err != nil {
		slog.Error("SQLiteStore ListPatients query failed", "error", err)
		return nil, err
	}
	return collectRows(rows, scanPatient)
}

func (s *SQLiteStore) DeletePatient(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM patients WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore DeletePatient failed", "error", err, "patientID", id)
		return err
	}
	return nil
}

// FindPatientsByFields issues one query matching any of values against every field.
func (s *SQLiteStore) FindPatientsByFields(ctx context.Context, fields []string, values []string) ([]models.Patient, error) {
	cols, err := lookupColumns(fields)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 || len(values) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	clauses := make([]string, len(cols))
	args := make([]interface{}, 0, len(cols)*len(values))
	for i, col := range cols {
		clauses[i] = col + " IN (" + placeholders + ")"
		for _, v := range values {
			args = append(args, v)
		}
	}
	query := `SELECT ` + patientColumnsSQL + ` FROM patients WHERE ` + strings.Join(clauses, " OR ") + ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore FindPatientsByFields failed", "error", err, "candidates", len(values))
		return nil, err
	}
	return collectRows(rows, scanPatient)
}

// UpsertCheckin inserts or replaces the check-in for (phone, checkin_date).
func (s *SQLiteStore) UpsertCheckin(ctx context.Context, c models.Checkin) (models.Checkin, error) {
	answers, scores, err := encodeCheckin(c)
	if err != nil {
		return c, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkins (id, patient_id, phone, checkin_date, answers, scores, total, percentage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone, checkin_date) DO UPDATE SET
			patient_id = excluded.patient_id,
			answers = excluded.answers,
			scores = excluded.scores,
			total = excluded.total,
			percentage = excluded.percentage,
			updated_at = excluded.updated_at`,
		c.ID, c.PatientID, c.Phone, c.CheckinDate, answers, scores, c.Scores.Total, c.Scores.Percentage, now, now)
	if err != nil {
		slog.Error("SQLiteStore UpsertCheckin failed", "error", err, "phone", c.Phone, "date", c.CheckinDate)
		return c, fmt.Errorf("failed to upsert check-in for %s on %s: %w", c.Phone, c.CheckinDate, err)
	}

	stored, err := scanCheckin(s.db.QueryRowContext(ctx,
		`SELECT `+checkinColumns+` FROM checkins WHERE phone = ? AND checkin_date = ?`, c.Phone, c.CheckinDate))
	if err != nil {
		return c, fmt.Errorf("failed to read back check-in for %s on %s: %w", c.Phone, c.CheckinDate, err)
	}
	slog.Debug("SQLiteStore UpsertCheckin succeeded", "checkinID", stored.ID, "phone", c.Phone, "date", c.CheckinDate)
	return stored, nil
}

func (s *SQLiteStore) GetCheckin(ctx context.Context, id string) (*models.Checkin, error) {
	c, err := scanCheckin(s.db.QueryRowContext(ctx, `SELECT `+checkinColumns+` FROM checkins WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCheckin failed", "error", err, "checkinID", id)
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) ListCheckinsByPatient(ctx context.Context, patientID string) ([]models.Checkin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkinColumns+` FROM checkins WHERE patient_id = ? ORDER BY checkin_date DESC`, patientID)
	if err != nil {
		slog.Error("SQLiteStore ListCheckinsByPatient failed", "error", err, "patientID", patientID)
		return nil, err
	}
	return collectRows(rows, scanCheckin)
}
