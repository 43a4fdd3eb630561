package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/checkin"
	"github.com/BTreeMap/CheckinPipe/internal/flow"
	"github.com/BTreeMap/CheckinPipe/internal/messaging"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/phone"
	"github.com/BTreeMap/CheckinPipe/internal/store"
	"github.com/BTreeMap/CheckinPipe/internal/twiliowhatsapp"
)

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// newTestServer creates a Server over an in-memory store. msgService may be nil.
func newTestServer(t *testing.T, msgService messaging.Service) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	def := flow.DefaultDefinition()
	resolver := phone.NewResolver(st)
	svc := checkin.NewService(flow.NewEngine(def), flow.NewStoreBasedStateManager(st, def), resolver, st,
		checkin.WithLocation(time.UTC))
	return NewServer(st, svc, resolver, msgService), st
}

func createJSONRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// do sends req through the routed handler and decodes the response envelope.
func do(t *testing.T, s *Server, req *http.Request) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	var resp apiResponse
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, resp
}

func assertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

func assertJSONStatus(t *testing.T, resp apiResponse, expected string) {
	t.Helper()
	if resp.Status != expected {
		t.Errorf("expected JSON status %q, got %q (message %q)", expected, resp.Status, resp.Message)
	}
}

func decodeResult(t *testing.T, resp apiResponse, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Result, dst); err != nil {
		t.Fatalf("failed to decode result %s: %v", resp.Result, err)
	}
}

func registerPatient(t *testing.T, s *Server, name, phoneNumber string) models.Patient {
	t.Helper()
	rr, resp := do(t, s, createJSONRequest(t, "POST", "/patients",
		`{"name":"`+name+`","phone":"`+phoneNumber+`"}`))
	assertHTTPStatus(t, http.StatusCreated, rr.Code, "register patient")
	var p models.Patient
	decodeResult(t, resp, &p)
	return p
}

var sessionAnswers = map[string]string{
	"telefone":       "(11) 99141-8266",
	"peso":           "72,5",
	"treino":         "4",
	"cardio":         "2",
	"descanso":       "1 a 2 minutos",
	"refeicao_livre": "Uma",
	"beliscos":       "Às vezes",
	"agua":           "3 litros",
	"dieta":          "Segui na maior parte",
	"sono":           "7",
	"qualidade_sono": "Boa",
	"estresse":       "Moderado",
	"libido":         "Normal",
}

func startSession(t *testing.T, s *Server) checkin.Session {
	t.Helper()
	rr, resp := do(t, s, createJSONRequest(t, "POST", "/sessions", ""))
	assertHTTPStatus(t, http.StatusCreated, rr.Code, "start session")
	var sess checkin.Session
	decodeResult(t, resp, &sess)
	return sess
}

// answerAll submits given answers until the session completes. Steps without an answer are skipped.
func answerAll(t *testing.T, s *Server, sess checkin.Session, given map[string]string) checkin.Session {
	t.Helper()
	for guard := 0; !sess.Complete; guard++ {
		if guard > 50 {
			t.Fatal("session did not complete")
		}
		step := sess.CurrentStepID()
		body, _ := json.Marshal(models.SubmitAnswerRequest{Text: given[step]})
		rr, resp := do(t, s, createJSONRequest(t, "POST", "/sessions/"+sess.ID+"/answers", string(body)))
		if rr.Code != http.StatusOK {
			t.Fatalf("answer at %s: status %d, message %q", step, rr.Code, resp.Message)
		}
		decodeResult(t, resp, &sess)
	}
	return sess
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr, resp := do(t, s, httptest.NewRequest("GET", "/health", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	assertJSONStatus(t, resp, "ok")
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)
	patient := registerPatient(t, s, "Ana", "(11) 99141-8266")
	if patient.Phone != "5511991418266" {
		t.Fatalf("expected canonical phone, got %q", patient.Phone)
	}

	sess := startSession(t, s)
	if sess.CurrentStepID() != flow.FieldPhone {
		t.Fatalf("expected the phone step first, got %q", sess.CurrentStepID())
	}
	sess = answerAll(t, s, sess, sessionAnswers)
	if sess.Output.Complete == nil {
		t.Fatal("expected a completion in the last output")
	}

	rr, resp := do(t, s, httptest.NewRequest("POST", "/sessions/"+sess.ID+"/finalize", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "finalize")
	var res checkin.Result
	decodeResult(t, resp, &res)
	if res.Patient.ID != patient.ID || res.Checkin.Phone != "5511991418266" || res.Checkin.Scores.Max != 100 {
		t.Errorf("unexpected result %+v", res)
	}

	// finalizing again replaces the same check-in
	rr, _ = do(t, s, httptest.NewRequest("POST", "/sessions/"+sess.ID+"/finalize", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "finalize retry")

	rr, resp = do(t, s, httptest.NewRequest("GET", "/patients/"+patient.ID+"/checkins", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "list check-ins")
	var checkins []models.Checkin
	decodeResult(t, resp, &checkins)
	if len(checkins) != 1 || checkins[0].ID != res.Checkin.ID {
		t.Fatalf("expected one check-in, got %+v", checkins)
	}

	rr, _ = do(t, s, httptest.NewRequest("GET", "/checkins/"+res.Checkin.ID, nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "get check-in")
	rr, _ = do(t, s, httptest.NewRequest("GET", "/checkins/missing", nil))
	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing check-in")
}

func TestSubmitAnswer_RejectedKeepsStep(t *testing.T) {
	s, _ := newTestServer(t, nil)
	sess := startSession(t, s)

	rr, _ := do(t, s, createJSONRequest(t, "POST", "/sessions/"+sess.ID+"/answers", `{"text":"11991418266"}`))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "phone answer")

	rr, resp := do(t, s, createJSONRequest(t, "POST", "/sessions/"+sess.ID+"/answers", `{"text":"muito"}`))
	assertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "non-numeric weight")
	assertJSONStatus(t, resp, "error")
	var view checkin.Session
	decodeResult(t, resp, &view)
	if view.CurrentStepID() != "peso" {
		t.Errorf("expected to stay on peso, got %q", view.CurrentStepID())
	}

	rr, _ = do(t, s, createJSONRequest(t, "POST", "/sessions/"+sess.ID+"/answers", `{"texto":"x"}`))
	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "unknown field")
}

func TestSessionErrors(t *testing.T) {
	s, _ := newTestServer(t, nil)
	sess := startSession(t, s)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"unknown session", httptest.NewRequest("GET", "/sessions/missing", nil), http.StatusNotFound},
		{"finalize incomplete", httptest.NewRequest("POST", "/sessions/"+sess.ID+"/finalize", nil), http.StatusConflict},
		{"nothing to correct", createJSONRequest(t, "POST", "/sessions/"+sess.ID+"/back", ""), http.StatusConflict},
		{"unknown step", createJSONRequest(t, "POST", "/sessions/"+sess.ID+"/back", `{"step_id":"nope"}`), http.StatusNotFound},
		{"reenter incomplete", createJSONRequest(t, "POST", "/sessions/"+sess.ID+"/phone", `{"phone":"11991418266"}`), http.StatusConflict},
		{"reenter without phone", createJSONRequest(t, "POST", "/sessions/"+sess.ID+"/phone", `{}`), http.StatusBadRequest},
		{"wrong method", httptest.NewRequest("GET", "/sessions/"+sess.ID+"/answers", nil), http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := do(t, s, tt.req)
			assertHTTPStatus(t, tt.status, rr.Code, tt.name)
		})
	}
}

func TestBackAndDeleteSession(t *testing.T) {
	s, _ := newTestServer(t, nil)
	sess := startSession(t, s)
	do(t, s, createJSONRequest(t, "POST", "/sessions/"+sess.ID+"/answers", `{"text":"11991418266"}`))

	rr, resp := do(t, s, createJSONRequest(t, "POST", "/sessions/"+sess.ID+"/back", `{"step_id":"telefone"}`))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "back")
	var view checkin.Session
	decodeResult(t, resp, &view)
	if view.CurrentStepID() != flow.FieldPhone {
		t.Errorf("expected to reopen the phone step, got %q", view.CurrentStepID())
	}

	rr, _ = do(t, s, httptest.NewRequest("DELETE", "/sessions/"+sess.ID, nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "delete")
	rr, _ = do(t, s, httptest.NewRequest("GET", "/sessions/"+sess.ID, nil))
	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "deleted session")
}

func TestFinalize_UnknownPhoneThenReenter(t *testing.T) {
	s, _ := newTestServer(t, nil)
	patient := registerPatient(t, s, "Ana", "11991418266")

	given := make(map[string]string, len(sessionAnswers))
	for k, v := range sessionAnswers {
		given[k] = v
	}
	given["telefone"] = "(21) 3333-4444"
	sess := answerAll(t, s, startSession(t, s), given)

	rr, resp := do(t, s, httptest.NewRequest("POST", "/sessions/"+sess.ID+"/finalize", nil))
	assertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "unknown phone")
	assertJSONStatus(t, resp, "error")

	rr, resp = do(t, s, createJSONRequest(t, "POST", "/sessions/"+sess.ID+"/phone", `{"phone":"+55 11 99141-8266"}`))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "reenter phone")
	var res checkin.Result
	decodeResult(t, resp, &res)
	if res.Patient.ID != patient.ID {
		t.Errorf("expected patient %s, got %+v", patient.ID, res.Patient)
	}
	if res.Checkin.Answers[flow.FieldPhone].Text != "(21) 3333-4444" {
		t.Errorf("expected the typed phone to stay in the answers, got %+v", res.Checkin.Answers[flow.FieldPhone])
	}
}

func TestPatientHandlers(t *testing.T) {
	s, _ := newTestServer(t, nil)
	p := registerPatient(t, s, "Ana", "11991418266")

	rr, _ := do(t, s, createJSONRequest(t, "POST", "/patients", `{"name":"Bia","phone":"+55 (11) 99141-8266"}`))
	assertHTTPStatus(t, http.StatusConflict, rr.Code, "duplicate phone")
	rr, _ = do(t, s, createJSONRequest(t, "POST", "/patients", `{"phone":"11988887777"}`))
	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing name")
	rr, _ = do(t, s, createJSONRequest(t, "POST", "/patients", `{"name":"Bia","phone":"sem número"}`))
	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "phone without digits")

	rr, resp := do(t, s, createJSONRequest(t, "PUT", "/patients/"+p.ID, `{"name":"Ana Souza","phone":"11991418266","filter_phone":"11988887777"}`))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "update")
	var updated models.Patient
	decodeResult(t, resp, &updated)
	if updated.Name != "Ana Souza" || updated.FilterPhone != "5511988887777" || !updated.CreatedAt.Equal(p.CreatedAt) {
		t.Errorf("unexpected update %+v", updated)
	}

	rr, resp = do(t, s, httptest.NewRequest("GET", "/patients", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "list")
	var patients []models.Patient
	decodeResult(t, resp, &patients)
	if len(patients) != 1 {
		t.Errorf("expected one patient, got %+v", patients)
	}

	rr, _ = do(t, s, httptest.NewRequest("DELETE", "/patients/"+p.ID, nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "delete")
	for _, path := range []string{"/patients/" + p.ID, "/patients/" + p.ID + "/checkins"} {
		rr, _ = do(t, s, httptest.NewRequest("GET", path, nil))
		assertHTTPStatus(t, http.StatusNotFound, rr.Code, path)
	}
}

func TestResolvePhoneHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	p := registerPatient(t, s, "Ana", "11991418266")

	rr, resp := do(t, s, createJSONRequest(t, "POST", "/phone/resolve", `{"phone":"(11) 9141-8266"}`))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "resolve")
	var res resolveResult
	decodeResult(t, resp, &res)
	if !res.Found || res.Patient.ID != p.ID || len(res.Candidates) == 0 {
		t.Errorf("expected match without the mobile marker, got %+v", res)
	}

	rr, resp = do(t, s, createJSONRequest(t, "POST", "/phone/resolve", `{"phone":"21 3333-4444"}`))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "resolve unknown")
	res = resolveResult{}
	decodeResult(t, resp, &res)
	if res.Found || res.Patient != nil {
		t.Errorf("expected no match, got %+v", res)
	}

	rr, _ = do(t, s, createJSONRequest(t, "POST", "/phone/resolve", `{}`))
	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing phone")
}

func TestDefinitionHandlers(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr, resp := do(t, s, httptest.NewRequest("GET", "/definition", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "definition")
	var summary definitionSummary
	decodeResult(t, resp, &summary)
	if len(summary.Steps) != flow.DefaultDefinition().Len() || len(summary.Issues) != 0 {
		t.Errorf("unexpected default definition summary: %d steps, issues %+v", len(summary.Steps), summary.Issues)
	}

	linty := `
steps:
  - id: a
    kind: text
    target_field: a
    visibility_condition: {field: b, operator: "==", value: "x"}
  - id: b
    kind: text
    target_field: b
`
	rr, resp = do(t, s, httptest.NewRequest("POST", "/definitions/lint", strings.NewReader(linty)))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "lint")
	summary = definitionSummary{}
	decodeResult(t, resp, &summary)
	if len(summary.Issues) == 0 || summary.Issues[0].StepID != "a" {
		t.Errorf("expected a lint issue on step a, got %+v", summary.Issues)
	}

	rr, _ = do(t, s, httptest.NewRequest("POST", "/definitions/lint", strings.NewReader("steps: [")))
	assertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "malformed definition")
}

func TestReceiptsAndResponsesHandlers(t *testing.T) {
	s, st := newTestServer(t, nil)
	ctx := context.Background()
	if err := st.AddReceipt(ctx, models.Receipt{To: "5511991418266", Status: models.MessageStatusSent, Time: 1}); err != nil {
		t.Fatal(err)
	}
	if err := st.AddResponse(ctx, models.Response{From: "5511991418266", Body: "checkin", Time: 2}); err != nil {
		t.Fatal(err)
	}

	rr, resp := do(t, s, httptest.NewRequest("GET", "/receipts", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "receipts")
	var receipts []models.Receipt
	decodeResult(t, resp, &receipts)
	if len(receipts) != 1 {
		t.Errorf("expected one receipt, got %+v", receipts)
	}

	rr, resp = do(t, s, httptest.NewRequest("GET", "/responses", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "responses")
	var responses []models.Response
	decodeResult(t, resp, &responses)
	if len(responses) != 1 || responses[0].Body != "checkin" {
		t.Errorf("unexpected responses %+v", responses)
	}
}

func TestTwilioWebhookRoute(t *testing.T) {
	twilioService := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	s, _ := newTestServer(t, twilioService)

	form := url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+5511991418266"}, "Body": {"checkin"}}
	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr, _ := do(t, s, req)
	assertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")
	if got := <-twilioService.Responses(); got.Body != "checkin" {
		t.Errorf("unexpected response %+v", got)
	}

	plain, _ := newTestServer(t, nil)
	rr, _ = do(t, plain, httptest.NewRequest("POST", "/webhook/twilio", nil))
	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "webhook without Twilio")
}

func TestNewMessagingService(t *testing.T) {
	svc, err := newMessagingService(Opts{Transport: TransportNone}, nil, nil)
	if err != nil || svc != nil {
		t.Errorf("expected no transport, got %v, %v", svc, err)
	}
	if _, err := newMessagingService(Opts{Transport: "carrier-pigeon"}, nil, nil); err == nil {
		t.Error("expected error for unknown transport")
	}
}
