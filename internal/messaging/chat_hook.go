package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/checkin"
	"github.com/BTreeMap/CheckinPipe/internal/flow"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/phone"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// Chat keywords, compared case-insensitively against the whole message.
const (
	KeywordCheckin = "checkin"
	KeywordStart   = "iniciar"
	KeywordBack    = "voltar"
	KeywordSkip    = "pular"
	KeywordCancel  = "cancelar"
)

// Job kinds scheduled by the chat hook.
const (
	JobKindSessionReminder = "session_reminder"
	JobKindSessionExpire   = "session_expire"
	JobKindDeliverMessage  = "deliver_message"
)

const (
	// DefaultReminderAfter is how long a chat session may idle before a nudge.
	DefaultReminderAfter = 3 * time.Hour
	// DefaultSessionTimeout is how long a chat session may idle before it is abandoned.
	DefaultSessionTimeout = 48 * time.Hour
)

// Chat replies.
const (
	msgNoSession     = "Envie *checkin* para iniciar seu check-in semanal."
	msgCancelled     = "Check-in cancelado. Quando quiser recomeçar, envie *checkin*."
	msgReminder      = "⏰ Seu check-in está esperando por você. Vamos continuar?"
	msgExpired       = "Seu check-in expirou por inatividade. Envie *checkin* para começar de novo."
	msgAlreadySaved  = "Seu check-in desta semana já foi registrado. Envie *checkin* para refazê-lo."
	msgPhoneNotFound = "Não encontrei um cadastro com o telefone informado. Envie o número com DDD que você usou no cadastro."
	msgSaveFailed    = "Não consegui salvar seu check-in agora. Envie qualquer mensagem para tentar de novo."
	msgNothingToFix  = "Ainda não há resposta para corrigir."
)

// ChatOptions holds optional ChatHook settings.
type ChatOptions struct {
	Jobs           store.JobRepo
	ReminderAfter  time.Duration
	SessionTimeout time.Duration
	Clock          func() time.Time
}

// ChatOption configures a ChatHook.
type ChatOption func(*ChatOptions)

// WithJobs enables idle reminders, expiry and send retries through repo.
func WithJobs(repo store.JobRepo) ChatOption {
	return func(o *ChatOptions) {
		o.Jobs = repo
	}
}

// WithReminderAfter sets the idle time before a reminder. Zero disables reminders.
func WithReminderAfter(d time.Duration) ChatOption {
	return func(o *ChatOptions) {
		o.ReminderAfter = d
	}
}

// WithSessionTimeout sets the idle time before a session is abandoned. Zero disables expiry.
func WithSessionTimeout(d time.Duration) ChatOption {
	return func(o *ChatOptions) {
		o.SessionTimeout = d
	}
}

// WithChatClock overrides the time source used to schedule jobs.
func WithChatClock(now func() time.Time) ChatOption {
	return func(o *ChatOptions) {
		o.Clock = now
	}
}

// ChatHook drives check-in sessions from chat messages. Each phone has at most one chat
// session, whose id is SessionID(phone).
type ChatHook struct {
	svc  *checkin.Service
	msg  Service
	opts ChatOptions
}

// NewChatHook creates a ChatHook with the default reminder and timeout durations.
func NewChatHook(svc *checkin.Service, msg Service, opts ...ChatOption) *ChatHook {
	cfg := ChatOptions{
		ReminderAfter:  DefaultReminderAfter,
		SessionTimeout: DefaultSessionTimeout,
		Clock:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ChatHook{svc: svc, msg: msg, opts: cfg}
}

// SessionID returns the chat session id of a phone.
func SessionID(phoneNumber string) string {
	return "chat-" + phone.Digits(phoneNumber)
}

// sessionJobPrefix is the dedupe prefix shared by every job of a session.
func sessionJobPrefix(sessionID string) string {
	return "session:" + sessionID + ":"
}

type sessionJobPayload struct {
	SessionID string `json:"session_id"`
	Phone     string `json:"phone"`
	StepID    string `json:"step_id"`
}

type deliverPayload struct {
	To       string `json:"to"`
	Body     string `json:"body"`
	MediaURL string `json:"media_url,omitempty"`
}

// Handle is the ResponseAction of the chat surface. It handles every message: a sender
// without a session is told how to start one.
func (h *ChatHook) Handle(ctx context.Context, from string, response models.Response) (bool, error) {
	text := strings.TrimSpace(response.Body)
	keyword := strings.ToLower(text)
	id := SessionID(from)

	if keyword == KeywordCheckin || keyword == KeywordStart {
		sess, err := h.svc.Start(ctx, checkin.StartParams{ID: id, Channel: checkin.ChannelChat, Phone: from})
		if err != nil {
			return false, err
		}
		slog.Info("ChatHook.Handle: session started", "from", from, "sessionID", id)
		return true, h.present(ctx, from, sess)
	}

	sess, err := h.svc.Current(ctx, id)
	if errors.Is(err, checkin.ErrSessionNotFound) {
		return true, h.send(ctx, from, Outgoing{Body: msgNoSession})
	}
	if err != nil {
		return false, err
	}

	switch keyword {
	case KeywordCancel:
		if err := h.svc.Abandon(ctx, id); err != nil {
			return false, err
		}
		h.cancelJobs(ctx, id)
		return true, h.send(ctx, from, Outgoing{Body: msgCancelled})
	case KeywordBack:
		back, err := h.svc.Back(ctx, id, "")
		if errors.Is(err, flow.ErrNothingToCorrect) {
			return true, h.send(ctx, from, Outgoing{Body: msgNothingToFix})
		}
		if err != nil {
			return false, err
		}
		return true, h.present(ctx, from, back)
	}

	if sess.Complete {
		return true, h.handleComplete(ctx, from, sess, text)
	}

	next, err := h.svc.Submit(ctx, id, answerValue(sess, keyword, text, response.Media))
	var inputErr *flow.InputError
	if errors.As(err, &inputErr) {
		slog.Debug("ChatHook.Handle: answer rejected", "sessionID", id, "step", inputErr.StepID, "error", inputErr.Err)
		msgs := append([]Outgoing{{Body: RenderInputError(err)}}, RenderStep(sess.Output.Step)...)
		return true, h.sendAll(ctx, from, msgs)
	}
	if err != nil {
		return false, err
	}
	return true, h.present(ctx, from, next)
}

// answerValue maps a chat message to a value for the awaiting step.
func answerValue(sess *checkin.Session, keyword, text string, media []string) models.Value {
	step := sess.Output.Step
	if keyword == KeywordSkip && step != nil && !step.Required {
		return models.Value{}
	}
	if step != nil && step.Kind == models.StepKindFileSet && len(media) > 0 {
		return models.FilesValue(media...)
	}
	return models.TextValue(text)
}

// present sends the session's output and, once the dialogue is complete, saves it.
func (h *ChatHook) present(ctx context.Context, to string, sess *checkin.Session) error {
	if err := h.sendAll(ctx, to, RenderOutput(sess.Output)); err != nil {
		return err
	}
	if !sess.Complete {
		h.scheduleIdleJobs(ctx, sess.ID, to, sess.CurrentStepID())
		return nil
	}
	h.cancelJobs(ctx, sess.ID)
	return h.finalize(ctx, to, sess.ID, func() (*checkin.Result, error) {
		return h.svc.Finalize(ctx, sess.ID)
	})
}

// handleComplete answers a message on a finished session. An unsaved session retries the
// save, treating the message as a re-entered phone after a failed lookup.
func (h *ChatHook) handleComplete(ctx context.Context, to string, sess *checkin.Session, text string) error {
	if sess.CheckinID != "" {
		return h.send(ctx, to, Outgoing{Body: msgAlreadySaved})
	}
	return h.finalize(ctx, to, sess.ID, func() (*checkin.Result, error) {
		if len(phone.Digits(text)) >= minRecipientDigits {
			return h.svc.ReenterPhone(ctx, sess.ID, text)
		}
		return h.svc.Finalize(ctx, sess.ID)
	})
}

func (h *ChatHook) finalize(ctx context.Context, to, sessionID string, save func() (*checkin.Result, error)) error {
	res, err := save()
	switch {
	case errors.Is(err, checkin.ErrPatientNotFound):
		return h.send(ctx, to, Outgoing{Body: msgPhoneNotFound})
	case err != nil:
		slog.Error("ChatHook.finalize: check-in not saved", "sessionID", sessionID, "error", err)
		return h.send(ctx, to, Outgoing{Body: msgSaveFailed})
	}
	slog.Info("ChatHook.finalize: check-in saved", "sessionID", sessionID, "checkinID", res.Checkin.ID)
	return h.send(ctx, to, Outgoing{Body: RenderSummary(res)})
}

func (h *ChatHook) sendAll(ctx context.Context, to string, msgs []Outgoing) error {
	for _, m := range msgs {
		if err := h.send(ctx, to, m); err != nil {
			return err
		}
	}
	return nil
}

// send delivers m, queueing a deliver_message job when the direct send fails.
func (h *ChatHook) send(ctx context.Context, to string, m Outgoing) error {
	var err error
	if m.MediaURL != "" {
		err = h.msg.SendMedia(ctx, to, m.Body, m.MediaURL)
	} else {
		err = h.msg.SendMessage(ctx, to, m.Body)
	}
	if err == nil {
		return nil
	}
	if h.opts.Jobs == nil {
		return err
	}
	payload, merr := json.Marshal(deliverPayload{To: to, Body: m.Body, MediaURL: m.MediaURL})
	if merr != nil {
		return fmt.Errorf("failed to encode delivery: %w", merr)
	}
	if _, jerr := h.opts.Jobs.EnqueueJob(ctx, JobKindDeliverMessage, h.opts.Clock(), string(payload), ""); jerr != nil {
		slog.Error("ChatHook.send: failed to queue delivery retry", "to", to, "error", jerr)
		return err
	}
	slog.Warn("ChatHook.send: send failed, delivery queued for retry", "to", to, "error", err)
	return nil
}

// scheduleIdleJobs replaces the session's pending jobs with a reminder and an expiry for
// the step now awaiting input.
func (h *ChatHook) scheduleIdleJobs(ctx context.Context, sessionID, to, stepID string) {
	if h.opts.Jobs == nil {
		return
	}
	h.cancelJobs(ctx, sessionID)

	payload, err := json.Marshal(sessionJobPayload{SessionID: sessionID, Phone: to, StepID: stepID})
	if err != nil {
		slog.Error("ChatHook.scheduleIdleJobs: encode failed", "sessionID", sessionID, "error", err)
		return
	}
	now := h.opts.Clock()
	prefix := sessionJobPrefix(sessionID)
	if h.opts.ReminderAfter > 0 {
		if _, err := h.opts.Jobs.EnqueueJob(ctx, JobKindSessionReminder, now.Add(h.opts.ReminderAfter), string(payload),
			prefix+"reminder:"+stepID); err != nil {
			slog.Error("ChatHook.scheduleIdleJobs: reminder not scheduled", "sessionID", sessionID, "error", err)
		}
	}
	if h.opts.SessionTimeout > 0 {
		if _, err := h.opts.Jobs.EnqueueJob(ctx, JobKindSessionExpire, now.Add(h.opts.SessionTimeout), string(payload),
			prefix+"expire:"+stepID); err != nil {
			slog.Error("ChatHook.scheduleIdleJobs: expiry not scheduled", "sessionID", sessionID, "error", err)
		}
	}
}

func (h *ChatHook) cancelJobs(ctx context.Context, sessionID string) {
	if h.opts.Jobs == nil {
		return
	}
	if _, err := h.opts.Jobs.CancelQueuedJobs(ctx, sessionJobPrefix(sessionID)); err != nil {
		slog.Warn("ChatHook.cancelJobs: failed to cancel session jobs", "sessionID", sessionID, "error", err)
	}
}

// RegisterJobHandlers installs the chat job handlers on r.
func (h *ChatHook) RegisterJobHandlers(r *store.JobRunner) {
	r.RegisterHandler(JobKindSessionReminder, h.handleReminder)
	r.RegisterHandler(JobKindSessionExpire, h.handleExpire)
	r.RegisterHandler(JobKindDeliverMessage, h.handleDeliver)
}

// idleSession returns the session of p when it is still waiting on p.StepID.
func (h *ChatHook) idleSession(ctx context.Context, p sessionJobPayload) (*checkin.Session, error) {
	sess, err := h.svc.Current(ctx, p.SessionID)
	if errors.Is(err, checkin.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.Complete || sess.CurrentStepID() != p.StepID {
		return nil, nil
	}
	return sess, nil
}

func (h *ChatHook) handleReminder(ctx context.Context, payload string) error {
	var p sessionJobPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalid reminder payload: %w", err)
	}
	sess, err := h.idleSession(ctx, p)
	if err != nil || sess == nil {
		return err
	}
	slog.Info("ChatHook.handleReminder: nudging idle session", "sessionID", p.SessionID, "step", p.StepID)
	msgs := append([]Outgoing{{Body: msgReminder}}, RenderStep(sess.Output.Step)...)
	return h.sendDirect(ctx, p.Phone, msgs)
}

func (h *ChatHook) handleExpire(ctx context.Context, payload string) error {
	var p sessionJobPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalid expiry payload: %w", err)
	}
	sess, err := h.idleSession(ctx, p)
	if err != nil || sess == nil {
		return err
	}
	if err := h.svc.Abandon(ctx, p.SessionID); err != nil && !errors.Is(err, checkin.ErrSessionNotFound) {
		return err
	}
	h.cancelJobs(ctx, p.SessionID)
	slog.Info("ChatHook.handleExpire: idle session abandoned", "sessionID", p.SessionID, "step", p.StepID)
	return h.sendDirect(ctx, p.Phone, []Outgoing{{Body: msgExpired}})
}

func (h *ChatHook) handleDeliver(ctx context.Context, payload string) error {
	var p deliverPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalid delivery payload: %w", err)
	}
	return h.sendDirect(ctx, p.To, []Outgoing{{Body: p.Body, MediaURL: p.MediaURL}})
}

// sendDirect sends without queueing; job handlers rely on the runner to retry.
func (h *ChatHook) sendDirect(ctx context.Context, to string, msgs []Outgoing) error {
	for _, m := range msgs {
		var err error
		if m.MediaURL != "" {
			err = h.msg.SendMedia(ctx, to, m.Body, m.MediaURL)
		} else {
			err = h.msg.SendMessage(ctx, to, m.Body)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
