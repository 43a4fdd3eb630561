// Package flow provides store-backed persistence of dialogue sessions.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

// FlowStateRepo is the slice of the store used to persist sessions.
type FlowStateRepo interface {
	SaveFlowState(ctx context.Context, state models.FlowState) error
	GetFlowState(ctx context.Context, participantID string, flowType models.FlowType) (*models.FlowState, error)
	DeleteFlowState(ctx context.Context, participantID string, flowType models.FlowType) error
}

// SessionRecord is a persisted session: its engine state plus surface metadata.
type SessionRecord struct {
	ID        string
	State     SessionState
	Data      map[models.DataKey]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StateManager loads and saves session records.
type StateManager interface {
	LoadSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	SaveSession(ctx context.Context, rec SessionRecord) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// StoreBasedStateManager implements StateManager on top of the flow_states table.
type StoreBasedStateManager struct {
	repo FlowStateRepo
	def  *Definition
	now  func() time.Time
}

// NewStoreBasedStateManager creates a StateManager backed by repo. def is used to record
// the current step id alongside the raw state.
func NewStoreBasedStateManager(repo FlowStateRepo, def *Definition) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager", "definition", def.Name())
	return &StoreBasedStateManager{repo: repo, def: def, now: time.Now}
}

// LoadSession returns the session with the given id, or nil if none exists.
func (sm *StoreBasedStateManager) LoadSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	fs, err := sm.repo.GetFlowState(ctx, sessionID, models.FlowTypeCheckin)
	if err != nil {
		slog.Error("StateManager LoadSession error", "error", err, "sessionID", sessionID)
		return nil, err
	}
	if fs == nil {
		slog.Debug("StateManager LoadSession not found", "sessionID", sessionID)
		return nil, nil
	}

	rec := &SessionRecord{
		ID:        fs.ParticipantID,
		Data:      make(map[models.DataKey]string, len(fs.StateData)),
		CreatedAt: fs.CreatedAt,
		UpdatedAt: fs.UpdatedAt,
	}
	for k, v := range fs.StateData {
		if k == models.DataKeySession {
			continue
		}
		rec.Data[k] = v
	}
	raw, ok := fs.StateData[models.DataKeySession]
	if !ok {
		return nil, fmt.Errorf("session %s has no stored state", sessionID)
	}
	if err := json.Unmarshal([]byte(raw), &rec.State); err != nil {
		slog.Error("StateManager LoadSession decode failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	if rec.State.Answers == nil {
		rec.State.Answers = models.Answers{}
	}
	return rec, nil
}

// SaveSession creates or replaces the session record.
func (sm *StoreBasedStateManager) SaveSession(ctx context.Context, rec SessionRecord) error {
	raw, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", rec.ID, err)
	}

	now := sm.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	data := make(map[models.DataKey]string, len(rec.Data)+1)
	for k, v := range rec.Data {
		data[k] = v
	}
	data[models.DataKeySession] = string(raw)

	current := models.StateTerminal
	if !rec.State.Terminal && rec.State.StepIndex >= 0 && rec.State.StepIndex < sm.def.Len() {
		current = sm.def.step(rec.State.StepIndex).ID
	}

	fs := models.FlowState{
		ParticipantID: rec.ID,
		FlowType:      models.FlowTypeCheckin,
		CurrentState:  current,
		StateData:     data,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     now,
	}
	if err := sm.repo.SaveFlowState(ctx, fs); err != nil {
		slog.Error("StateManager SaveSession error", "error", err, "sessionID", rec.ID)
		return err
	}
	slog.Debug("StateManager SaveSession succeeded", "sessionID", rec.ID, "state", current)
	return nil
}

// DeleteSession removes the session record.
func (sm *StoreBasedStateManager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := sm.repo.DeleteFlowState(ctx, sessionID, models.FlowTypeCheckin); err != nil {
		slog.Error("StateManager DeleteSession error", "error", err, "sessionID", sessionID)
		return err
	}
	slog.Debug("StateManager DeleteSession succeeded", "sessionID", sessionID)
	return nil
}
