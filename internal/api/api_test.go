package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/CallFlow/internal/models"
	"github.com/BTreeMap/CallFlow/internal/oracle"
	"github.com/BTreeMap/CallFlow/internal/testutil"
)

func newTestServer(t *testing.T) (*Server, *testutil.Deps) {
	t.Helper()
	p, deps := testutil.NewTestPipeline(t, []models.Journey{testutil.SampleJourney("j-1")}, nil)
	return NewServer(p, deps.Registry, deps.Store), deps
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(testutil.MustMarshalJSON(t, body)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	return resp
}

func TestTurnHandler(t *testing.T) {
	s, deps := newTestServer(t)
	deps.Oracle.EvaluateActivationFn = func(_ context.Context, _ string, _ map[string]string, candidates []oracle.ActivationCandidate) ([]oracle.ActivationScore, error) {
		scores := make([]oracle.ActivationScore, len(candidates))
		for i, c := range candidates {
			scores[i] = oracle.ActivationScore{JourneyID: c.JourneyID, Confidence: 0.95}
		}
		return scores, nil
	}

	rr := postJSON(t, s.Handler(), "/v1/turn", turnRequest{SessionID: "sess-1", Utterance: "help with j-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("unexpected status: %+v", resp)
	}
	testutil.AssertAuditKind(t, deps.Store, "sess-1", models.AuditKindActivation)
}

func TestTurnHandlerRejectsMissingFields(t *testing.T) {
	s, _ := newTestServer(t)

	rr := postJSON(t, s.Handler(), "/v1/turn", turnRequest{SessionID: "sess-1"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing utterance, got %d", rr.Code)
	}
}

func TestTurnHandlerMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/turn", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestValidateHandlerReleasesText(t *testing.T) {
	s, _ := newTestServer(t)

	rr := postJSON(t, s.Handler(), "/v1/validate", validateRequest{
		SessionID: "sess-1",
		Response:  "Your request has been handled.",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	result, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to re-marshal result: %v", err)
	}
	var vr validateResponse
	testutil.MustUnmarshalJSON(t, result, &vr)
	if vr.Text != "Your request has been handled." || vr.Fixed || vr.Bypassed {
		t.Errorf("unexpected validation result: %+v", vr)
	}
}

func TestValidateHandlerRejectsGuardTrip(t *testing.T) {
	s, _ := newTestServer(t)

	rr := postJSON(t, s.Handler(), "/v1/validate", validateRequest{
		SessionID: "sess-1",
		Response:  "Your SSN is 123-45-6789.",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for a rejected response, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if resp.Status != string(models.APIStatusError) {
		t.Errorf("expected error status, got %+v", resp)
	}
}

func TestReloadHandler(t *testing.T) {
	s, deps := newTestServer(t)
	if err := deps.Store.SaveJourney(testutil.SampleJourney("j-2")); err != nil {
		t.Fatalf("SaveJourney failed: %v", err)
	}

	rr := postJSON(t, s.Handler(), "/v1/definitions/reload", struct{}{})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if _, ok := deps.Registry.Journey("j-2"); !ok {
		t.Error("new journey not visible after reload")
	}
}

func TestAuditHandler(t *testing.T) {
	s, deps := newTestServer(t)
	if err := deps.Sessions.EmitAudit("sess-1", "", models.AuditKindValidation, map[string]any{"ok": true}, 1.0, 4); err != nil {
		t.Fatalf("EmitAudit failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/audit?session_id=sess-1", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeResponse(t, rr)
	records, ok := resp.Result.([]any)
	if !ok || len(records) != 1 {
		t.Errorf("expected one audit record, got %+v", resp.Result)
	}
}

func TestAuditHandlerRequiresSessionID(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestEndSessionHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rr := postJSON(t, s.Handler(), "/v1/session/end", endSessionRequest{SessionID: "sess-1"})
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}
