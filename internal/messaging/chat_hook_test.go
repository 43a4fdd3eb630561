package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/checkin"
	"github.com/BTreeMap/CheckinPipe/internal/flow"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/phone"
	"github.com/BTreeMap/CheckinPipe/internal/store"
	"github.com/BTreeMap/CheckinPipe/internal/twiliowhatsapp"
)

const patientPhone = "5511991418266"

type chatFixture struct {
	t     *testing.T
	hook  *ChatHook
	svc   *checkin.Service
	store *store.InMemoryStore
	mock  *twiliowhatsapp.MockClient
	seen  int
}

// newChatFixture builds a hook over an in-memory store, which also serves as the job
// queue when jobs is set.
func newChatFixture(t *testing.T, jobs bool, opts ...ChatOption) *chatFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	if jobs {
		opts = append(opts, WithJobs(st))
	}
	if err := st.SavePatient(context.Background(), models.Patient{ID: "p1", Name: "Ana", Phone: patientPhone}); err != nil {
		t.Fatalf("SavePatient failed: %v", err)
	}
	def := flow.DefaultDefinition()
	svc := checkin.NewService(flow.NewEngine(def), flow.NewStoreBasedStateManager(st, def), phone.NewResolver(st), st,
		checkin.WithLocation(time.UTC))
	mock := twiliowhatsapp.NewMockClient()
	hook := NewChatHook(svc, NewTwilioService(mock), opts...)
	return &chatFixture{t: t, hook: hook, svc: svc, store: st, mock: mock}
}

// say sends body from the patient and returns the replies it produced.
func (f *chatFixture) say(body string, media ...string) []twiliowhatsapp.SentMessage {
	f.t.Helper()
	handled, err := f.hook.Handle(context.Background(), patientPhone, models.Response{From: patientPhone, Body: body, Media: media})
	if err != nil {
		f.t.Fatalf("Handle(%q) failed: %v", body, err)
	}
	if !handled {
		f.t.Fatalf("Handle(%q) did not handle the message", body)
	}
	return f.replies()
}

func (f *chatFixture) replies() []twiliowhatsapp.SentMessage {
	msgs := f.mock.Messages()
	out := msgs[f.seen:]
	f.seen = len(msgs)
	return out
}

func (f *chatFixture) currentStep() string {
	f.t.Helper()
	sess, err := f.svc.Current(context.Background(), SessionID(patientPhone))
	if err != nil {
		f.t.Fatalf("Current failed: %v", err)
	}
	return sess.CurrentStepID()
}

var chatAnswers = map[string]string{
	"telefone":       "(11) 99141-8266",
	"peso":           "72,5",
	"cintura":        "pular",
	"quadril":        "pular",
	"treino":         "4",
	"cardio":         "2",
	"descanso":       "2",
	"refeicao_livre": "uma",
	"beliscos":       "Às vezes",
	"agua":           "3 litros",
	"dieta":          "Segui na maior parte",
	"sono":           "7",
	"qualidade_sono": "Boa",
	"estresse":       "Moderado",
	"libido":         "Normal",
	"observacoes":    "pular",
}

// answerAll answers every remaining step and returns the replies to the last answer.
func (f *chatFixture) answerAll(given map[string]string) []twiliowhatsapp.SentMessage {
	f.t.Helper()
	var last []twiliowhatsapp.SentMessage
	for guard := 0; ; guard++ {
		if guard > 50 {
			f.t.Fatal("chat session did not complete")
		}
		step := f.currentStep()
		if step == "" {
			return last
		}
		if step == "fotos" {
			last = f.say("", "https://api.twilio.com/media/frente", "https://api.twilio.com/media/lado")
			continue
		}
		answer, ok := given[step]
		if !ok {
			f.t.Fatalf("no answer for step %s", step)
		}
		last = f.say(answer)
	}
}

func bodies(msgs []twiliowhatsapp.SentMessage) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Body
	}
	return strings.Join(parts, "\n---\n")
}

func TestChatHook_NoSession(t *testing.T) {
	f := newChatFixture(t, false)
	msgs := f.say("oi")
	if len(msgs) != 1 || msgs[0].Body != msgNoSession {
		t.Errorf("expected the start hint, got %q", bodies(msgs))
	}
}

func TestChatHook_FullCheckin(t *testing.T) {
	f := newChatFixture(t, false)

	msgs := f.say("Checkin")
	if len(msgs) != 3 {
		t.Fatalf("expected welcome messages and the phone prompt, got %q", bodies(msgs))
	}
	if msgs[2].Body != "Qual é o seu número de telefone com DDD?" {
		t.Errorf("unexpected prompt %q", msgs[2].Body)
	}

	f.say(chatAnswers["telefone"])
	msgs = f.say(chatAnswers["peso"])
	if f.currentStep() != "cintura" {
		t.Fatalf("expected cintura, got %s", f.currentStep())
	}
	if len(msgs) != 2 || msgs[0].MediaURL == "" || !strings.Contains(msgs[1].Body, skipHint) {
		t.Errorf("expected image above the optional prompt, got %+v", msgs)
	}

	last := f.answerAll(chatAnswers)
	summary := last[len(last)-1].Body
	if !strings.Contains(summary, "74/100") {
		t.Errorf("expected score summary, got %q", bodies(last))
	}

	checkins, err := f.store.ListCheckinsByPatient(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ListCheckinsByPatient failed: %v", err)
	}
	if len(checkins) != 1 {
		t.Fatalf("expected one check-in, got %d", len(checkins))
	}
	c := checkins[0]
	if c.Answers[flow.FieldRest].Text != "1 a 2 minutos" {
		t.Errorf("expected numbered choice to store its label, got %+v", c.Answers[flow.FieldRest])
	}
	if len(c.Answers[flow.FieldPhotos].Files) != 2 {
		t.Errorf("expected media to fill the photo step, got %+v", c.Answers[flow.FieldPhotos])
	}
	if _, ok := c.Answers[flow.FieldWaist]; ok {
		t.Error("skipped step must not store an answer")
	}

	msgs = f.say("obrigado")
	if len(msgs) != 1 || msgs[0].Body != msgAlreadySaved {
		t.Errorf("expected already-saved notice, got %q", bodies(msgs))
	}
}

func TestChatHook_RejectedAnswerRepeatsPrompt(t *testing.T) {
	f := newChatFixture(t, false)
	f.say("checkin")
	f.say(chatAnswers["telefone"])

	msgs := f.say("setenta")
	if len(msgs) != 3 {
		t.Fatalf("expected error, leading message and prompt, got %q", bodies(msgs))
	}
	if msgs[0].Body != RenderInputError(flow.ErrInvalidNumber) {
		t.Errorf("unexpected error text %q", msgs[0].Body)
	}
	if f.currentStep() != "peso" {
		t.Errorf("expected to stay on peso, got %s", f.currentStep())
	}
}

func TestChatHook_BackAndCancel(t *testing.T) {
	f := newChatFixture(t, false)
	f.say("checkin")

	msgs := f.say("voltar")
	if len(msgs) != 1 || msgs[0].Body != msgNothingToFix {
		t.Errorf("expected nothing-to-fix notice, got %q", bodies(msgs))
	}

	f.say(chatAnswers["telefone"])
	f.say(chatAnswers["peso"])
	f.say("VOLTAR")
	if f.currentStep() != "peso" {
		t.Errorf("expected voltar to reopen peso, got %s", f.currentStep())
	}

	msgs = f.say("cancelar")
	if len(msgs) != 1 || msgs[0].Body != msgCancelled {
		t.Errorf("expected cancel notice, got %q", bodies(msgs))
	}
	if _, err := f.svc.Current(context.Background(), SessionID(patientPhone)); !errors.Is(err, checkin.ErrSessionNotFound) {
		t.Errorf("expected session to be gone, got %v", err)
	}
}

func TestChatHook_UnknownPhoneIsReentered(t *testing.T) {
	f := newChatFixture(t, false)
	f.say("checkin")
	given := map[string]string{}
	for k, v := range chatAnswers {
		given[k] = v
	}
	given["telefone"] = "(21) 3333-4444"

	last := f.answerAll(given)
	if last[len(last)-1].Body != msgPhoneNotFound {
		t.Fatalf("expected phone-not-found prompt, got %q", bodies(last))
	}

	msgs := f.say("11 99141-8266")
	if len(msgs) != 1 || !strings.Contains(msgs[0].Body, "Check-in registrado") {
		t.Fatalf("expected summary after re-entry, got %q", bodies(msgs))
	}
	checkins, _ := f.store.ListCheckinsByPatient(context.Background(), "p1")
	if len(checkins) != 1 || checkins[0].PatientID != "p1" {
		t.Errorf("expected check-in for p1, got %+v", checkins)
	}
}

func TestChatHook_SchedulesIdleJobs(t *testing.T) {
	past := time.Date(2020, 1, 6, 9, 0, 0, 0, time.UTC)
	f := newChatFixture(t, true, WithChatClock(func() time.Time { return past }))

	f.say("checkin")
	f.say(chatAnswers["telefone"])

	var queued []store.Job
	for _, j := range f.store.Jobs() {
		if j.Status == store.JobStatusQueued {
			queued = append(queued, j)
		}
	}
	if len(queued) != 2 {
		t.Fatalf("expected a reminder and an expiry, got %+v", queued)
	}
	if queued[0].Kind != JobKindSessionReminder || !queued[0].RunAt.Equal(past.Add(DefaultReminderAfter)) {
		t.Errorf("unexpected reminder %+v", queued[0])
	}
	if queued[1].Kind != JobKindSessionExpire || queued[1].DedupeKey != "session:"+SessionID(patientPhone)+":expire:peso" {
		t.Errorf("unexpected expiry %+v", queued[1])
	}

	runner := store.NewJobRunner(f.store, time.Second)
	f.hook.RegisterJobHandlers(runner)
	if n := runner.RunDue(context.Background()); n != 2 {
		t.Fatalf("expected 2 jobs to run, got %d", n)
	}
	msgs := f.replies()
	if len(msgs) < 2 || msgs[0].Body != msgReminder || msgs[len(msgs)-1].Body != msgExpired {
		t.Errorf("expected reminder then expiry notice, got %q", bodies(msgs))
	}
	if _, err := f.svc.Current(context.Background(), SessionID(patientPhone)); !errors.Is(err, checkin.ErrSessionNotFound) {
		t.Errorf("expected expired session to be abandoned, got %v", err)
	}
}

func TestChatHook_StaleReminderIsNoop(t *testing.T) {
	f := newChatFixture(t, false)
	f.say("checkin")
	f.say(chatAnswers["telefone"])

	payload := `{"session_id":"` + SessionID(patientPhone) + `","phone":"` + patientPhone + `","step_id":"telefone"}`
	if err := f.hook.handleReminder(context.Background(), payload); err != nil {
		t.Fatalf("handleReminder failed: %v", err)
	}
	if err := f.hook.handleExpire(context.Background(), payload); err != nil {
		t.Fatalf("handleExpire failed: %v", err)
	}
	if msgs := f.replies(); len(msgs) != 0 {
		t.Errorf("expected no messages for an answered step, got %q", bodies(msgs))
	}
	if f.currentStep() != "peso" {
		t.Errorf("session must be untouched, got %s", f.currentStep())
	}
	if err := f.hook.handleReminder(context.Background(), "{"); err == nil {
		t.Error("expected error for an invalid payload")
	}
}

func TestChatHook_FailedSendIsQueued(t *testing.T) {
	f := newChatFixture(t, true, WithReminderAfter(0), WithSessionTimeout(0))
	f.mock.Err = errors.New("twilio unavailable")

	f.say("checkin")
	var deliveries int
	for _, j := range f.store.Jobs() {
		if j.Kind == JobKindDeliverMessage {
			deliveries++
		}
	}
	if deliveries != 3 {
		t.Fatalf("expected 3 queued deliveries, got %d", deliveries)
	}

	f.mock.Err = nil
	runner := store.NewJobRunner(f.store, time.Second)
	f.hook.RegisterJobHandlers(runner)
	if n := runner.RunDue(context.Background()); n != 3 {
		t.Fatalf("expected 3 deliveries to run, got %d", n)
	}
	if msgs := f.replies(); len(msgs) != 3 {
		t.Errorf("expected 3 delivered messages, got %q", bodies(msgs))
	}
}

func TestChatHook_FailedSendWithoutJobsFails(t *testing.T) {
	f := newChatFixture(t, false)
	f.mock.Err = errors.New("twilio unavailable")
	if _, err := f.hook.Handle(context.Background(), patientPhone, models.Response{From: patientPhone, Body: "checkin"}); err == nil {
		t.Error("expected send error without a job queue")
	}
}

func TestSessionID(t *testing.T) {
	if SessionID("+55 (11) 99141-8266") != "chat-5511991418266" {
		t.Errorf("unexpected session id %q", SessionID("+55 (11) 99141-8266"))
	}
}
