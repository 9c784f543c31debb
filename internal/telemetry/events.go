package telemetry

import (
	"time"

	"github.com/aegisgate/gateway-service/internal/models"
)

// Request event audit record, one per inbound request.
type RequestEventDoc struct {
	Timestamp  time.Time      `json:"@timestamp"`
	EventID    string         `json:"event_id"`
	ClientID   string         `json:"client_identity"`
	Endpoint   string         `json:"endpoint"`
	Method     string         `json:"method"`
	Outcome    models.Outcome `json:"outcome"`
	Reason     string         `json:"reason"`
	StatusCode int            `json:"status_code"`
}

// Anomaly score record, one per scored window.
type AnomalyScoreDoc struct {
	Timestamp       time.Time `json:"@timestamp"`
	ClientID        string    `json:"client_identity"`
	WindowTimestamp time.Time `json:"window_timestamp"`
	Score           float64   `json:"score"`
	ModelVersion    string    `json:"model_version"`
}

// Correlation record, one per completed or timed-out request join. Backend
// fields are null for incomplete records.
type CorrelationDoc struct {
	Timestamp        time.Time `json:"@timestamp"`
	CorrelationID    string    `json:"correlation_id"`
	GatewayEventID   string    `json:"gateway_event_id"`
	BackendEventID   *string   `json:"backend_event_id"`
	BackendLatencyMS *int64    `json:"backend_latency_ms"`
}

// RequestEventDocFrom builds the audit record for a resolved request event.
func RequestEventDocFrom(ev models.RequestEvent) RequestEventDoc {
	return RequestEventDoc{
		Timestamp:  ev.Timestamp.UTC(),
		EventID:    ev.EventID,
		ClientID:   ev.ClientID,
		Endpoint:   ev.Endpoint,
		Method:     ev.Method,
		Outcome:    ev.Outcome,
		Reason:     ev.Reason,
		StatusCode: ev.StatusCode,
	}
}

// AnomalyScoreDocFrom builds the telemetry record for an anomaly score.
func AnomalyScoreDocFrom(score models.AnomalyScore) AnomalyScoreDoc {
	return AnomalyScoreDoc{
		Timestamp:       time.Now().UTC(),
		ClientID:        score.ClientID,
		WindowTimestamp: score.WindowTimestamp.UTC(),
		Score:           score.Score,
		ModelVersion:    score.ModelVersion,
	}
}

// CorrelationRecordDoc builds the telemetry record for a correlation entry.
func CorrelationRecordDoc(rec models.CorrelationRecord) CorrelationDoc {
	doc := CorrelationDoc{
		Timestamp:      time.Now().UTC(),
		CorrelationID:  rec.CorrelationID,
		GatewayEventID: rec.GatewayEventID,
		BackendEventID: rec.BackendEventID,
	}
	if rec.BackendLatency != nil {
		ms := rec.BackendLatency.Milliseconds()
		doc.BackendLatencyMS = &ms
	}
	return doc
}
