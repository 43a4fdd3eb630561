// Package models defines state management structures for CheckinPipe flows.
package models

import "time"

// FlowType identifies the kind of flow a persisted state belongs to.
type FlowType string

// DataKey is a key into FlowState.StateData.
type DataKey string

const (
	// FlowTypeCheckin is the flow type of check-in dialogue sessions.
	FlowTypeCheckin FlowType = "checkin"
)

const (
	// DataKeySession holds the JSON-encoded session state.
	DataKeySession DataKey = "session"
	// DataKeyChannel records which surface owns the session (e.g. "api", "chat").
	DataKeyChannel DataKey = "channel"
	// DataKeyPhone is the phone the session was started for, when known.
	DataKeyPhone DataKey = "phone"
	// DataKeyCheckinID is set once the completed session has been persisted.
	DataKeyCheckinID DataKey = "checkinID"
	// DataKeyPhoneOverride is a phone re-entered after the answered one matched no patient.
	DataKeyPhoneOverride DataKey = "phoneOverride"
)

// StateTerminal is FlowState.CurrentState of a session past its last step.
const StateTerminal = "TERMINAL"

// FlowState represents the persisted state of one session in a flow.
type FlowState struct {
	ParticipantID string             `json:"participant_id"` // session key: session id or canonical phone
	FlowType      FlowType           `json:"flow_type"`
	CurrentState  string             `json:"current_state"` // id of the step awaiting input, or "TERMINAL"
	StateData     map[DataKey]string `json:"state_data,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}
