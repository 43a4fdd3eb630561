package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore keeps everything in process memory. It is safe for concurrent use.
type InMemoryStore struct {
	mu         sync.RWMutex
	receipts   []models.Receipt
	responses  []models.Response
	flowStates map[string]models.FlowState
	patients   map[string]models.Patient
	checkins   map[string]models.Checkin
	inbound    map[string]DedupRecord
	jobs       map[string]Job
}

var (
	_ Store     = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
	_ JobRepo   = (*InMemoryStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flowStates: make(map[string]models.FlowState),
		patients:   make(map[string]models.Patient),
		checkins:   make(map[string]models.Checkin),
		inbound:    make(map[string]DedupRecord),
		jobs:       make(map[string]Job),
	}
}

func (s *InMemoryStore) AddReceipt(_ context.Context, r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts(_ context.Context) ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

func (s *InMemoryStore) AddResponse(_ context.Context, r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses(_ context.Context) ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Response(nil), s.responses...), nil
}

func flowKey(participantID string, flowType models.FlowType) string {
	return string(flowType) + "\x00" + participantID
}

func (s *InMemoryStore) SaveFlowState(_ context.Context, state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make(map[models.DataKey]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	s.flowStates[flowKey(state.ParticipantID, state.FlowType)] = state
	return nil
}

func (s *InMemoryStore) GetFlowState(_ context.Context, participantID string, flowType models.FlowType) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.flowStates[flowKey(participantID, flowType)]
	if !ok {
		return nil, nil
	}
	data := make(map[models.DataKey]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	return &state, nil
}

func (s *InMemoryStore) DeleteFlowState(_ context.Context, participantID string, flowType models.FlowType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, flowKey(participantID, flowType))
	return nil
}

func (s *InMemoryStore) SavePatient(_ context.Context, p models.Patient) error {
	if p.Phone == "" {
		return models.ErrEmptyPhone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.patients[p.ID]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = existing.CreatedAt
	}
	s.patients[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetPatient(_ context.Context, id string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) ListPatients(_ context.Context) ([]models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Patient, 0, len(s.patients))
	for _, p := range s.patients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) DeletePatient(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.patients, id)
	return nil
}

func (s *InMemoryStore) FindPatientsByFields(_ context.Context, fields []string, values []string) ([]models.Patient, error) {
	cols, err := lookupColumns(fields)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(values))
	for _, v := range values {
		want[v] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Patient
	for _, p := range s.patients {
		for _, col := range cols {
			v := p.Phone
			if col == "filter_phone" {
				v = p.FilterPhone
			}
			if v != "" && want[v] {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) UpsertCheckin(_ context.Context, c models.Checkin) (models.Checkin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, existing := range s.checkins {
		if existing.Phone == c.Phone && existing.CheckinDate == c.CheckinDate {
			c.ID = id
			c.CreatedAt = existing.CreatedAt
			c.UpdatedAt = now
			c.Answers = c.Answers.Clone()
			s.checkins[id] = c
			return c, nil
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Answers = c.Answers.Clone()
	s.checkins[c.ID] = c
	return c, nil
}

func (s *InMemoryStore) GetCheckin(_ context.Context, id string) (*models.Checkin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checkins[id]
	if !ok {
		return nil, nil
	}
	c.Answers = c.Answers.Clone()
	return &c, nil
}

func (s *InMemoryStore) ListCheckinsByPatient(_ context.Context, patientID string) ([]models.Checkin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Checkin
	for _, c := range s.checkins {
		if c.PatientID == patientID {
			c.Answers = c.Answers.Clone()
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckinDate > out[j].CheckinDate })
	return out, nil
}

func (s *InMemoryStore) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, ParticipantID: participantID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) ReleaseInbound(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok && rec.ProcessedAt == nil {
		delete(s.inbound, messageID)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
