package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/checkin"
	"github.com/BTreeMap/CheckinPipe/internal/flow"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/phone"
	"github.com/google/uuid"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "checkinpipe"}))
}

// writeServiceError maps check-in and flow errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, handler string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, checkin.ErrSessionNotFound), errors.Is(err, flow.ErrUnknownStep):
		status = http.StatusNotFound
	case errors.Is(err, checkin.ErrNotComplete), errors.Is(err, flow.ErrSessionComplete),
		errors.Is(err, flow.ErrStepNotReached), errors.Is(err, flow.ErrNotInputStep),
		errors.Is(err, flow.ErrNothingToCorrect):
		status = http.StatusConflict
	case errors.Is(err, checkin.ErrPatientNotFound), errors.Is(err, checkin.ErrMissingPhone):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		slog.Error("Server."+handler+": request failed", "error", err)
		writeJSONResponse(w, status, models.Error("Internal server error"))
		return
	}
	slog.Warn("Server."+handler+": request rejected", "status", status, "error", err)
	writeJSONResponse(w, status, models.Error(err.Error()))
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.StartSessionRequest
	if err := decodeAndValidate(r, &req, true); err != nil {
		slog.Warn("Server.createSessionHandler: invalid payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	sess, err := s.svc.Start(r.Context(), checkin.StartParams{Channel: checkin.ChannelAPI, Phone: strings.TrimSpace(req.Phone)})
	if err != nil {
		writeServiceError(w, "createSessionHandler", err)
		return
	}
	slog.Debug("Server.createSessionHandler: session created", "sessionID", sess.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(sess))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Current(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "getSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Abandon(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, "deleteSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session discarded", nil))
}

func (s *Server) submitAnswerHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := r.PathValue("id")
	var req models.SubmitAnswerRequest
	if err := decodeAndValidate(r, &req, true); err != nil {
		slog.Warn("Server.submitAnswerHandler: invalid payload", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	value := models.TextValue(req.Text)
	if len(req.Files) > 0 {
		value = models.FilesValue(req.Files...)
	}

	sess, err := s.svc.Submit(r.Context(), id, value)
	var inputErr *flow.InputError
	if errors.As(err, &inputErr) {
		slog.Debug("Server.submitAnswerHandler: answer rejected", "sessionID", id, "step", inputErr.StepID, "error", inputErr.Err)
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.ErrorWithResult(inputErr.Error(), sess))
		return
	}
	if err != nil {
		writeServiceError(w, "submitAnswerHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) backHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.BackRequest
	if err := decodeAndValidate(r, &req, true); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	sess, err := s.svc.Back(r.Context(), r.PathValue("id"), req.StepID)
	if err != nil {
		writeServiceError(w, "backHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

func (s *Server) finalizeHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Finalize(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "finalizeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) reenterPhoneHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.ResolvePhoneRequest
	if err := decodeAndValidate(r, &req, false); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	res, err := s.svc.ReenterPhone(r.Context(), r.PathValue("id"), req.Phone)
	if err != nil {
		writeServiceError(w, "reenterPhoneHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// patientFromRequest canonicalizes the phones of req. A phone without digits is rejected.
func patientFromRequest(req models.PatientRequest) (models.Patient, error) {
	p := models.Patient{
		Name:        strings.TrimSpace(req.Name),
		Phone:       phone.Canonical(req.Phone),
		FilterPhone: phone.Canonical(req.FilterPhone),
	}
	if p.Name == "" {
		return p, models.ErrEmptyPatientName
	}
	if p.Phone == "" {
		return p, models.ErrEmptyPhone
	}
	return p, nil
}

// phoneTaken reports whether phone already identifies a patient other than selfID.
func (s *Server) phoneTaken(r *http.Request, raw, selfID string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	res, err := s.resolver.Resolve(r.Context(), raw)
	if err != nil {
		return false, err
	}
	return res.Found() && res.Patient.ID != selfID, nil
}

func (s *Server) createPatientHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.PatientRequest
	if err := decodeAndValidate(r, &req, false); err != nil {
		slog.Warn("Server.createPatientHandler: invalid payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	p, err := patientFromRequest(req)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	taken, err := s.phoneTaken(r, p.Phone, "")
	if err != nil {
		writeServiceError(w, "createPatientHandler", err)
		return
	}
	if taken {
		slog.Warn("Server.createPatientHandler: phone already registered", "phone", p.Phone)
		writeJSONResponse(w, http.StatusConflict, models.Error("A patient with this phone is already registered"))
		return
	}

	now := time.Now().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.st.SavePatient(r.Context(), p); err != nil {
		writeServiceError(w, "createPatientHandler", err)
		return
	}
	slog.Info("Server.createPatientHandler: patient registered", "patientID", p.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(p))
}

func (s *Server) listPatientsHandler(w http.ResponseWriter, r *http.Request) {
	patients, err := s.st.ListPatients(r.Context())
	if err != nil {
		writeServiceError(w, "listPatientsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(patients))
}

func (s *Server) getPatientHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.st.GetPatient(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "getPatientHandler", err)
		return
	}
	if p == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) updatePatientHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := r.PathValue("id")
	var req models.PatientRequest
	if err := decodeAndValidate(r, &req, false); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	existing, err := s.st.GetPatient(r.Context(), id)
	if err != nil {
		writeServiceError(w, "updatePatientHandler", err)
		return
	}
	if existing == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		return
	}
	p, err := patientFromRequest(req)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	taken, err := s.phoneTaken(r, p.Phone, id)
	if err != nil {
		writeServiceError(w, "updatePatientHandler", err)
		return
	}
	if taken {
		writeJSONResponse(w, http.StatusConflict, models.Error("A patient with this phone is already registered"))
		return
	}

	p.ID = id
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	if err := s.st.SavePatient(r.Context(), p); err != nil {
		writeServiceError(w, "updatePatientHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) deletePatientHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.st.GetPatient(r.Context(), id)
	if err != nil {
		writeServiceError(w, "deletePatientHandler", err)
		return
	}
	if existing == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		return
	}
	if err := s.st.DeletePatient(r.Context(), id); err != nil {
		writeServiceError(w, "deletePatientHandler", err)
		return
	}
	slog.Info("Server.deletePatientHandler: patient deleted", "patientID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Patient deleted", nil))
}

func (s *Server) listPatientCheckinsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.st.GetPatient(r.Context(), id)
	if err != nil {
		writeServiceError(w, "listPatientCheckinsHandler", err)
		return
	}
	if p == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		return
	}
	checkins, err := s.st.ListCheckinsByPatient(r.Context(), id)
	if err != nil {
		writeServiceError(w, "listPatientCheckinsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(checkins))
}

func (s *Server) getCheckinHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.st.GetCheckin(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "getCheckinHandler", err)
		return
	}
	if c == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Check-in not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

// resolveResult is the payload of a phone resolution.
type resolveResult struct {
	Found      bool            `json:"found"`
	Patient    *models.Patient `json:"patient,omitempty"`
	Candidates []string        `json:"candidates"`
}

func (s *Server) resolvePhoneHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.ResolvePhoneRequest
	if err := decodeAndValidate(r, &req, false); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	res, err := s.resolver.Resolve(r.Context(), req.Phone)
	if err != nil {
		writeServiceError(w, "resolvePhoneHandler", err)
		return
	}
	candidates := res.Candidates
	if candidates == nil {
		candidates = []string{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resolveResult{
		Found:      res.Found(),
		Patient:    res.Patient,
		Candidates: candidates,
	}))
}

// definitionSummary describes a flow definition and its lint findings.
type definitionSummary struct {
	Name   string           `json:"name"`
	Steps  []models.Step    `json:"steps"`
	Issues []flow.LintIssue `json:"issues"`
}

func summarize(def *flow.Definition) definitionSummary {
	issues := def.Lint()
	if issues == nil {
		issues = []flow.LintIssue{}
	}
	return definitionSummary{Name: def.Name(), Steps: def.Steps(), Issues: issues}
}

func (s *Server) definitionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(summarize(s.svc.Engine().Definition())))
}

// lintDefinitionHandler validates a posted YAML or JSON definition without installing it.
func (s *Server) lintDefinitionHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	def, err := flow.ParseDefinition(data)
	if err != nil {
		slog.Debug("Server.lintDefinitionHandler: definition rejected", "error", err)
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(summarize(def)))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts(r.Context())
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to fetch receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch receipts"))
		return
	}
	slog.Debug("Server.receiptsHandler: receipts fetched", "count", len(receipts))
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	responses, err := s.st.GetResponses(r.Context())
	if err != nil {
		slog.Error("Server.responsesHandler: failed to fetch responses", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch responses"))
		return
	}
	slog.Debug("Server.responsesHandler: responses fetched", "count", len(responses))
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}
