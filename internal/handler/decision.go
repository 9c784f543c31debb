package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aegisgate/gateway-service/internal/engine"
	"github.com/aegisgate/gateway-service/internal/util/logger"
)

// DecisionHandler exposes the decision pipeline over HTTP for deployments
// that call the gateway as a sidecar instead of proxying through it.
type DecisionHandler struct {
	pipeline *engine.Pipeline
}

func NewDecisionHandler(pipeline *engine.Pipeline) *DecisionHandler {
	return &DecisionHandler{pipeline: pipeline}
}

// Decide handles POST /v1/decide.
func (h *DecisionHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req engine.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" {
		writeJSONError(w, http.StatusBadRequest, "client_identity is required")
		return
	}

	dec, err := h.pipeline.Handle(r.Context(), req)
	if err != nil {
		logger.Error("decision failed for %s: %v", req.ClientID, err)
		writeJSONError(w, http.StatusInternalServerError, "decision failed")
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

type completeRequest struct {
	CorrelationID  string `json:"correlation_id"`
	BackendEventID string `json:"backend_event_id"`
	LatencyMS      int64  `json:"latency_ms"`
}

// Complete handles POST /v1/complete: the backend reports the terminal half
// of a correlated request. Unknown ids are accepted; the ledger treats them
// as soft no-ops.
func (h *DecisionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CorrelationID == "" {
		writeJSONError(w, http.StatusBadRequest, "correlation_id is required")
		return
	}

	matched := h.pipeline.Complete(req.CorrelationID, req.BackendEventID, time.Duration(req.LatencyMS)*time.Millisecond)
	writeJSON(w, http.StatusAccepted, map[string]any{"matched": matched})
}
