package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/BTreeMap/CheckinPipe/internal/checkin"
	"github.com/BTreeMap/CheckinPipe/internal/messaging"
	"github.com/BTreeMap/CheckinPipe/internal/phone"
	"github.com/BTreeMap/CheckinPipe/internal/store"
	"github.com/go-playground/validator/v10"
)

// maxRequestBody bounds JSON payloads and posted flow definitions.
const maxRequestBody = 1 << 20

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	st         store.Store
	svc        *checkin.Service
	resolver   *phone.Resolver
	msgService messaging.Service
}

// NewServer creates a Server. msgService may be nil when no chat transport is configured.
func NewServer(st store.Store, svc *checkin.Service, resolver *phone.Resolver, msgService messaging.Service) *Server {
	return &Server{
		st:         st,
		svc:        svc,
		resolver:   resolver,
		msgService: msgService,
	}
}

// Handler returns the routed HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("POST /sessions", s.createSessionHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("DELETE /sessions/{id}", s.deleteSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/answers", s.submitAnswerHandler)
	mux.HandleFunc("POST /sessions/{id}/back", s.backHandler)
	mux.HandleFunc("POST /sessions/{id}/finalize", s.finalizeHandler)
	mux.HandleFunc("POST /sessions/{id}/phone", s.reenterPhoneHandler)

	mux.HandleFunc("POST /patients", s.createPatientHandler)
	mux.HandleFunc("GET /patients", s.listPatientsHandler)
	mux.HandleFunc("GET /patients/{id}", s.getPatientHandler)
	mux.HandleFunc("PUT /patients/{id}", s.updatePatientHandler)
	mux.HandleFunc("DELETE /patients/{id}", s.deletePatientHandler)
	mux.HandleFunc("GET /patients/{id}/checkins", s.listPatientCheckinsHandler)
	mux.HandleFunc("GET /checkins/{id}", s.getCheckinHandler)

	mux.HandleFunc("POST /phone/resolve", s.resolvePhoneHandler)
	mux.HandleFunc("GET /definition", s.definitionHandler)
	mux.HandleFunc("POST /definitions/lint", s.lintDefinitionHandler)

	mux.HandleFunc("GET /receipts", s.receiptsHandler)
	mux.HandleFunc("GET /responses", s.responsesHandler)

	if tw, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("POST /webhook/twilio", tw.TwilioWebhookHandler)
		slog.Debug("Server.Handler: Twilio webhook route registered")
	}
	return mux
}

// decodeAndValidate reads a JSON payload into dst and checks its validate tags. An empty
// body is accepted when allowEmpty is set, leaving dst at its zero value.
func decodeAndValidate(r *http.Request, dst interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return fmt.Errorf("invalid JSON format: %w", err)
		}
	}
	if err := validate.Struct(dst); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed validation: %v (rule: %s)", fe.Field(), fe.Value(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
