// Package checkin drives check-in sessions from start to a persisted, scored check-in.
//
// A Service is what the REST API and the chat hook call: it loads a session, applies one
// engine transition and saves the result, so every surface shares the same lifecycle.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/flow"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/phone"
	"github.com/BTreeMap/CheckinPipe/internal/scoring"
	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("check-in session not found")
	ErrNotComplete     = errors.New("check-in session is not complete")
	ErrPatientNotFound = errors.New("no patient matches the informed phone")
	ErrMissingPhone    = errors.New("check-in session has no phone to resolve")
)

// Session channels recorded with each session.
const (
	ChannelAPI  = "api"
	ChannelChat = "chat"
)

// DefaultTimezone is the location check-in dates are computed in.
const DefaultTimezone = "America/Sao_Paulo"

// CheckinRepo persists completed check-ins.
type CheckinRepo interface {
	UpsertCheckin(ctx context.Context, c models.Checkin) (models.Checkin, error)
}

// Session is the externally visible view of a stored session.
type Session struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel,omitempty"`
	Phone     string         `json:"phone,omitempty"`
	CheckinID string         `json:"checkin_id,omitempty"`
	Complete  bool           `json:"complete"`
	Answers   models.Answers `json:"answers"`
	Output    flow.Output    `json:"output"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CurrentStepID returns the id of the step awaiting input, or "" once complete.
func (s *Session) CurrentStepID() string {
	if s.Output.Step == nil {
		return ""
	}
	return s.Output.Step.StepID
}

// Result is a finalized check-in.
type Result struct {
	Checkin       models.Checkin `json:"checkin"`
	Patient       models.Patient `json:"patient"`
	LowCategories []string       `json:"low_categories,omitempty"`
}

// StartParams describe a new session. An empty ID gets a generated one; starting with the
// id of an existing session replaces it.
type StartParams struct {
	ID      string
	Channel string
	Phone   string
}

// Opts holds optional Service settings.
type Opts struct {
	Location *time.Location
	Clock    func() time.Time
}

// Option configures a Service.
type Option func(*Opts)

// WithLocation sets the location check-in dates are computed in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = now
	}
}

// Service runs check-in sessions over a flow engine and persists their outcome.
type Service struct {
	engine   *flow.Engine
	sessions flow.StateManager
	resolver *phone.Resolver
	checkins CheckinRepo
	loc      *time.Location
	now      func() time.Time
}

// NewService creates a Service. A missing location falls back to DefaultTimezone, then UTC.
func NewService(engine *flow.Engine, sessions flow.StateManager, resolver *phone.Resolver, checkins CheckinRepo, opts ...Option) *Service {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation(DefaultTimezone)
		if err != nil {
			slog.Warn("Service: default timezone unavailable, using UTC", "timezone", DefaultTimezone, "error", err)
			loc = time.UTC
		}
		cfg.Location = loc
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		engine:   engine,
		sessions: sessions,
		resolver: resolver,
		checkins: checkins,
		loc:      cfg.Location,
		now:      cfg.Clock,
	}
}

// Engine returns the engine sessions run on.
func (s *Service) Engine() *flow.Engine {
	return s.engine
}

// Start opens a session and returns the first step.
func (s *Service) Start(ctx context.Context, p StartParams) (*Session, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	channel := p.Channel
	if channel == "" {
		channel = ChannelAPI
	}
	st, out := s.engine.Start()

	rec := flow.SessionRecord{
		ID:    id,
		State: st,
		Data:  map[models.DataKey]string{models.DataKeyChannel: channel},
	}
	if p.Phone != "" {
		rec.Data[models.DataKeyPhone] = p.Phone
	}
	if err := s.sessions.SaveSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save new session: %w", err)
	}
	slog.Info("Service.Start: session started", "sessionID", id, "channel", channel)
	return s.view(rec, out), nil
}

// Current returns the session with its awaiting step re-presented.
func (s *Service) Current(ctx context.Context, id string) (*Session, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := s.engine.View(rec.State)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return s.view(*rec, out), nil
}

// Submit answers the awaiting step. A rejected answer returns the unchanged session with
// a *flow.InputError so the surface can re-prompt.
func (s *Service) Submit(ctx context.Context, id string, v models.Value) (*Session, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	st, out, err := s.engine.Submit(rec.State, v)
	if err != nil {
		var inputErr *flow.InputError
		if errors.As(err, &inputErr) {
			return s.view(*rec, out), err
		}
		return nil, err
	}
	rec.State = st
	if err := s.sessions.SaveSession(ctx, *rec); err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", id, err)
	}
	return s.view(*rec, out), nil
}

// Back reopens stepID, or the latest answered step when stepID is empty.
func (s *Service) Back(ctx context.Context, id string, stepID string) (*Session, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	st, out, err := s.engine.Back(rec.State, stepID)
	if err != nil {
		return nil, err
	}
	rec.State = st
	delete(rec.Data, models.DataKeyCheckinID)
	delete(rec.Data, models.DataKeyPhoneOverride)
	if err := s.sessions.SaveSession(ctx, *rec); err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", id, err)
	}
	return s.view(*rec, out), nil
}

// Finalize resolves the patient, scores the answers and upserts the check-in. It may be
// called again after a failure or a correction; the session is kept either way.
func (s *Service) Finalize(ctx context.Context, id string) (*Result, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.State.Terminal {
		return nil, ErrNotComplete
	}

	raw := sessionPhone(*rec)
	if raw == "" {
		return nil, ErrMissingPhone
	}

	match, err := s.resolver.Resolve(ctx, raw)
	if err != nil {
		slog.Error("Service.Finalize: phone resolution failed", "sessionID", id, "error", err)
		return nil, err
	}
	if !match.Found() {
		slog.Info("Service.Finalize: no patient for phone", "sessionID", id, "candidates", len(match.Candidates))
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, raw)
	}
	patient := *match.Patient

	scores := scoring.Score(rec.State.Answers)
	stored, err := s.checkins.UpsertCheckin(ctx, models.Checkin{
		PatientID:   patient.ID,
		Phone:       patient.Phone,
		CheckinDate: s.now().In(s.loc).Format(models.CheckinDateLayout),
		Answers:     rec.State.Answers.Clone(),
		Scores:      scores,
	})
	if err != nil {
		slog.Error("Service.Finalize: check-in upsert failed", "sessionID", id, "patientID", patient.ID, "error", err)
		return nil, fmt.Errorf("failed to save check-in: %w", err)
	}

	rec.Data[models.DataKeyCheckinID] = stored.ID
	if err := s.sessions.SaveSession(ctx, *rec); err != nil {
		// the check-in itself is saved; a retry upserts the same row
		slog.Warn("Service.Finalize: failed to record check-in id on session", "sessionID", id, "error", err)
	}

	slog.Info("Service.Finalize: check-in saved", "sessionID", id, "checkinID", stored.ID, "patientID", patient.ID,
		"total", scores.Total, "percentage", scores.Percentage)
	return &Result{Checkin: stored, Patient: patient, LowCategories: scoring.LowCategories(scores)}, nil
}

// ReenterPhone replaces the phone used to resolve the patient of a complete session and
// finalizes again. The answered phone is kept in the answers as typed.
func (s *Service) ReenterPhone(ctx context.Context, id string, raw string) (*Result, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingPhone
	}
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.State.Terminal {
		return nil, ErrNotComplete
	}
	rec.Data[models.DataKeyPhoneOverride] = strings.TrimSpace(raw)
	delete(rec.Data, models.DataKeyCheckinID)
	if err := s.sessions.SaveSession(ctx, *rec); err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", id, err)
	}
	slog.Debug("Service.ReenterPhone: phone replaced", "sessionID", id)
	return s.Finalize(ctx, id)
}

// sessionPhone picks the phone to resolve: a re-entered phone, then the answered one,
// then the phone the session was started for.
func sessionPhone(rec flow.SessionRecord) string {
	if v := strings.TrimSpace(rec.Data[models.DataKeyPhoneOverride]); v != "" {
		return v
	}
	if v, ok := rec.State.Answers[flow.FieldPhone]; ok && strings.TrimSpace(v.Text) != "" {
		return strings.TrimSpace(v.Text)
	}
	return strings.TrimSpace(rec.Data[models.DataKeyPhone])
}

// Abandon discards the session and its answers.
func (s *Service) Abandon(ctx context.Context, id string) error {
	if _, err := s.load(ctx, id); err != nil {
		return err
	}
	if err := s.sessions.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	slog.Info("Service.Abandon: session discarded", "sessionID", id)
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*flow.SessionRecord, error) {
	rec, err := s.sessions.LoadSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if rec.Data == nil {
		rec.Data = map[models.DataKey]string{}
	}
	return rec, nil
}

func (s *Service) view(rec flow.SessionRecord, out flow.Output) *Session {
	return &Session{
		ID:        rec.ID,
		Channel:   rec.Data[models.DataKeyChannel],
		Phone:     rec.Data[models.DataKeyPhone],
		CheckinID: rec.Data[models.DataKeyCheckinID],
		Complete:  rec.State.Terminal,
		Answers:   rec.State.Answers.Clone(),
		Output:    out,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
