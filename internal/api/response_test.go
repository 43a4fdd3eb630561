package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

func TestWriteJSONResponse_FallbackOnEncodeFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(make(chan int)))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
	if rr.Body.String() != string(fallbackErrorResponse) {
		t.Errorf("expected fallback body, got %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestFormatValidationError(t *testing.T) {
	err := validate.Struct(models.PatientRequest{Phone: "11991418266"})
	if err == nil {
		t.Fatal("expected a validation error")
	}
	got := formatValidationError(err).Error()
	want := "field 'name' failed validation:  (rule: required)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
