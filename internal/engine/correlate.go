package engine

import (
	"context"
	"sync"
	"time"

	"github.com/aegisgate/gateway-service/internal/metrics"
	"github.com/aegisgate/gateway-service/internal/models"
	"github.com/aegisgate/gateway-service/internal/telemetry"
	"github.com/aegisgate/gateway-service/internal/util/logger"
)

// Publisher is the minimal telemetry sink interface the engine needs.
type Publisher interface {
	Publish(any)
}

// Ledger joins gateway decision events with the backend completions that
// answer them. Open creates the record at decision time; Complete fills the
// backend half exactly once. Records that never complete are flushed as
// incomplete after a timeout instead of being held forever.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*models.CorrelationRecord

	timeout time.Duration
	sink    Publisher

	now func() time.Time
}

// NewLedger builds a correlation ledger flushing to the given sink.
func NewLedger(timeout time.Duration, sink Publisher) *Ledger {
	return &Ledger{
		records: make(map[string]*models.CorrelationRecord),
		timeout: timeout,
		sink:    sink,
		now:     time.Now,
	}
}

// Open registers a decision event under its correlation identifier.
func (l *Ledger) Open(correlationID, gatewayEventID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.records[correlationID]; exists {
		logger.Warn("correlation %s already open, keeping first record", correlationID)
		return
	}
	l.records[correlationID] = &models.CorrelationRecord{
		CorrelationID:  correlationID,
		GatewayEventID: gatewayEventID,
		OpenedAt:       l.now(),
	}
}

// Complete fills the backend half of a record, first call wins. Unknown or
// already-flushed identifiers are soft warnings, not errors; the return
// value reports whether the completion matched an open record.
func (l *Ledger) Complete(correlationID, backendEventID string, latency time.Duration) bool {
	l.mu.Lock()
	rec, ok := l.records[correlationID]
	if !ok {
		l.mu.Unlock()
		logger.Warn("completion for unknown correlation %s ignored", correlationID)
		return false
	}
	delete(l.records, correlationID)
	l.mu.Unlock()

	rec.BackendEventID = &backendEventID
	rec.BackendLatency = &latency
	l.flush(*rec)
	return true
}

// Sweep flushes records older than the timeout as incomplete.
func (l *Ledger) Sweep() int {
	cutoff := l.now().Add(-l.timeout)

	l.mu.Lock()
	var expired []*models.CorrelationRecord
	for id, rec := range l.records {
		if rec.OpenedAt.Before(cutoff) {
			expired = append(expired, rec)
			delete(l.records, id)
		}
	}
	l.mu.Unlock()

	for _, rec := range expired {
		logger.Debug("correlation %s timed out, flushing incomplete", rec.CorrelationID)
		metrics.CorrelationFlushed(metrics.CorrelationIncomplete)
		l.flush(*rec)
	}
	return len(expired)
}

// Run sweeps on a ticker until the context is cancelled.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Pending returns the number of records awaiting completion.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Ledger) flush(rec models.CorrelationRecord) {
	if l.sink == nil {
		return
	}
	l.sink.Publish(telemetry.CorrelationRecordDoc(rec))
}
