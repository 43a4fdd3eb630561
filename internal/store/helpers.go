package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeStateData(data map[models.DataKey]string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeStateData never fails: undecodable data yields an empty map and a log entry.
func decodeStateData(raw string, participantID string) map[models.DataKey]string {
	data := make(map[models.DataKey]string)
	if raw == "" {
		return data
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		slog.Error("store: flow state data unmarshal failed", "error", err, "participantID", participantID)
		return make(map[models.DataKey]string)
	}
	return data
}

// checkinColumns are selected, in order, by scanCheckin.
const checkinColumns = `id, patient_id, phone, checkin_date, answers, scores, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckin(row rowScanner) (models.Checkin, error) {
	var c models.Checkin
	var answersJSON, scoresJSON string
	if err := row.Scan(&c.ID, &c.PatientID, &c.Phone, &c.CheckinDate, &answersJSON, &scoresJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(answersJSON), &c.Answers); err != nil {
		return c, fmt.Errorf("decode answers of check-in %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(scoresJSON), &c.Scores); err != nil {
		return c, fmt.Errorf("decode scores of check-in %s: %w", c.ID, err)
	}
	return c, nil
}

func encodeCheckin(c models.Checkin) (answers string, scores string, err error) {
	a, err := json.Marshal(c.Answers)
	if err != nil {
		return "", "", fmt.Errorf("encode answers: %w", err)
	}
	s, err := json.Marshal(c.Scores)
	if err != nil {
		return "", "", fmt.Errorf("encode scores: %w", err)
	}
	return string(a), string(s), nil
}

// patientColumnsSQL are selected, in order, by scanPatient.
const patientColumnsSQL = `id, name, phone, filter_phone, created_at, updated_at`

func scanPatient(row rowScanner) (models.Patient, error) {
	var p models.Patient
	var filter sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Phone, &filter, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.FilterPhone = filter.String
	return p, nil
}

// jobColumns are selected, in order, by scanJob.
const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payload, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	if err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payload, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return j, err
	}
	j.Payload = payload.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	return j, nil
}

func collectRows[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
