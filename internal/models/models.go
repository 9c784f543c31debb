package models

import "time"

// Outcome is the enforcement verdict for a single request.
type Outcome string

const (
	OutcomeAllow    Outcome = "ALLOW"
	OutcomeThrottle Outcome = "THROTTLE"
	OutcomeBlock    Outcome = "BLOCK"
)

// Decision is the synchronous result returned to the request-routing layer.
type Decision struct {
	Outcome       Outcome `json:"outcome"`
	Reason        string  `json:"reason"`
	StatusCode    int     `json:"status_code"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

// RequestEvent is one inbound request as recorded in a client's window.
// It is created once per request; the outcome fields are stamped when the
// decision for that request is made and never change afterwards.
type RequestEvent struct {
	EventID    string    `json:"event_id"`
	ClientID   string    `json:"client_identity"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	Timestamp  time.Time `json:"timestamp"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason"`
	StatusCode int       `json:"status_code"`
}

// FeatureVector is an immutable behavioral summary of one client window.
type FeatureVector struct {
	TotalRequests        int     `json:"total_requests"`
	UniqueEndpoints      int     `json:"unique_endpoints"`
	InterArrivalVariance float64 `json:"inter_arrival_variance"`
	RequestsPerSecond    float64 `json:"requests_per_second"`
	EndpointEntropy      float64 `json:"endpoint_entropy"`
	BlockedRatio         float64 `json:"blocked_ratio"`
	ThrottledRatio       float64 `json:"throttled_ratio"`
}

// AnomalyScore is the scalar output of the anomaly model for one window.
type AnomalyScore struct {
	ClientID        string    `json:"client_identity"`
	WindowTimestamp time.Time `json:"window_timestamp"`
	Score           float64   `json:"score"`
	ModelVersion    string    `json:"model_version"`
}

// CorrelationRecord joins a gateway decision event with the backend
// completion that eventually answers it. Backend fields stay nil until the
// completion arrives; records that time out are flushed incomplete.
type CorrelationRecord struct {
	CorrelationID  string         `json:"correlation_id"`
	GatewayEventID string         `json:"gateway_event_id"`
	BackendEventID *string        `json:"backend_event_id"`
	BackendLatency *time.Duration `json:"backend_latency"`
	OpenedAt       time.Time      `json:"opened_at"`
}

// Completed reports whether the backend half of the record arrived.
func (r CorrelationRecord) Completed() bool {
	return r.BackendEventID != nil
}
