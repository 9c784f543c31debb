package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aegisgate/gateway-service/internal/engine"
	"github.com/aegisgate/gateway-service/internal/models"
)

type fakeDecider struct {
	decision models.Decision
	lastReq  engine.DecisionRequest
}

func (f *fakeDecider) Handle(_ context.Context, req engine.DecisionRequest) (models.Decision, error) {
	f.lastReq = req
	return f.decision, nil
}

func TestEnforcerAllowsAndForwards(t *testing.T) {
	decider := &fakeDecider{decision: models.Decision{
		Outcome: models.OutcomeAllow, Reason: "ok", StatusCode: 200, CorrelationID: "corr-1",
	}}
	var reached bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	})

	e := NewEnforcer(decider, EnforcerConfig{})
	req := httptest.NewRequest("GET", "/api/data", nil)
	req.Header.Set("X-API-Key", "client-1")
	rec := httptest.NewRecorder()
	e.Handler(next).ServeHTTP(rec, req)

	if !reached {
		t.Fatal("allowed request never reached the backend handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-1" {
		t.Errorf("correlation header = %q, want corr-1", got)
	}
	if decider.lastReq.ClientID != "client-1" || decider.lastReq.Endpoint != "/api/data" {
		t.Errorf("decider saw %+v", decider.lastReq)
	}
}

func TestEnforcerBlocksWithoutForwarding(t *testing.T) {
	decider := &fakeDecider{decision: models.Decision{
		Outcome: models.OutcomeBlock, Reason: "rate_exceeded", StatusCode: 429, CorrelationID: "corr-2",
	}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("blocked request reached the backend handler")
	})

	e := NewEnforcer(decider, EnforcerConfig{})
	req := httptest.NewRequest("POST", "/api/data", nil)
	req.Header.Set("X-API-Key", "client-2")
	rec := httptest.NewRecorder()
	e.Handler(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if body["outcome"] != "BLOCK" || body["reason"] != "rate_exceeded" || body["correlation_id"] != "corr-2" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestEnforcerFallsBackToRemoteAddr(t *testing.T) {
	decider := &fakeDecider{decision: models.Decision{
		Outcome: models.OutcomeAllow, Reason: "ok", StatusCode: 200,
	}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	e := NewEnforcer(decider, EnforcerConfig{IdentityHeader: "X-Client-Token"})
	req := httptest.NewRequest("GET", "/api", nil)
	rec := httptest.NewRecorder()
	e.Handler(next).ServeHTTP(rec, req)

	if decider.lastReq.ClientID == "" {
		t.Fatal("client identity empty without header, want remote address fallback")
	}
	if decider.lastReq.ClientID != req.RemoteAddr {
		t.Errorf("client = %q, want remote addr %q", decider.lastReq.ClientID, req.RemoteAddr)
	}
}
