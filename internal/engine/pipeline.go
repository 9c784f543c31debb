package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aegisgate/gateway-service/internal/config"
	"github.com/aegisgate/gateway-service/internal/metrics"
	"github.com/aegisgate/gateway-service/internal/models"
	"github.com/aegisgate/gateway-service/internal/telemetry"
	"github.com/aegisgate/gateway-service/internal/util/logger"
	"github.com/aegisgate/gateway-service/internal/window"
)

// ErrQueueFull reports a scoring task dropped at enqueue. It never reaches
// callers of Handle; it exists for tests and internal accounting.
var ErrQueueFull = errors.New("score queue full")

// DecisionRequest is the synchronous input contract: one inbound request as
// presented by the routing layer.
type DecisionRequest struct {
	ClientID  string    `json:"client_identity"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Timestamp time.Time `json:"timestamp"`
}

type scoreTask struct {
	clientID string
	asOf     time.Time
	events   []models.RequestEvent
}

// Pipeline drives the request state machine: append the event, decide, and
// return, then extract features and score asynchronously. Only the decision
// itself is on the caller's path; everything after it is fire-and-forget
// behind a bounded queue that drops when full.
type Pipeline struct {
	store   window.Store
	scorer  *Scorer
	ledger  *Ledger
	banlist BanList
	sink    telemetry.Sink

	enforcement config.EnforcementConfig
	anomaly     config.AnomalyConfig

	queue   chan scoreTask
	stop    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool
}

// NewPipeline wires the decision core together.
func NewPipeline(
	store window.Store,
	scorer *Scorer,
	ledger *Ledger,
	banlist BanList,
	sink telemetry.Sink,
	enforcement config.EnforcementConfig,
	anomaly config.AnomalyConfig,
) *Pipeline {
	return &Pipeline{
		store:       store,
		scorer:      scorer,
		ledger:      ledger,
		banlist:     banlist,
		sink:        sink,
		enforcement: enforcement,
		anomaly:     anomaly,
		queue:       make(chan scoreTask, anomaly.ScoreQueueCapacity),
		stop:        make(chan struct{}),
	}
}

// Start launches the scoring workers and the retrain loop.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.anomaly.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Add(1)
	go p.retrainLoop(ctx)
}

// Handle serves one decision. It always resolves to a Decision within the
// synchronous path; store trouble degrades to the configured fail-open or
// fail-closed outcome instead of an error reaching the caller.
func (p *Pipeline) Handle(ctx context.Context, req DecisionRequest) (models.Decision, error) {
	start := time.Now()
	if req.Timestamp.IsZero() {
		req.Timestamp = start
	}

	ev := models.RequestEvent{
		EventID:   uuid.NewString(),
		ClientID:  req.ClientID,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Timestamp: req.Timestamp,
	}

	var dec models.Decision
	banned := p.banlist != nil && p.banlist.Banned(ctx, req.ClientID)

	snap, err := p.store.Append(ctx, ev)
	switch {
	case err != nil:
		dec = p.degradedDecision()
		logger.Error("window append failed for %s, serving %s: %v", req.ClientID, dec.Outcome, err)
	case banned:
		dec = models.Decision{
			Outcome:    models.OutcomeBlock,
			Reason:     ReasonAnomalyBan,
			StatusCode: http.StatusTooManyRequests,
		}
	default:
		dec = Decide(snap, p.enforcement)
	}

	if err == nil {
		if rerr := p.store.Resolve(ctx, ev.ClientID, ev.EventID, dec.Outcome, dec.Reason, dec.StatusCode); rerr != nil {
			logger.Warn("outcome stamp failed for event %s: %v", ev.EventID, rerr)
		}
	}

	dec.CorrelationID = uuid.NewString()
	p.ledger.Open(dec.CorrelationID, ev.EventID)

	ev.Outcome = dec.Outcome
	ev.Reason = dec.Reason
	ev.StatusCode = dec.StatusCode
	if p.sink != nil {
		p.sink.Publish(telemetry.RequestEventDocFrom(ev))
	}

	if err == nil && !banned {
		p.enqueueScore(snap)
	}

	metrics.ObserveDecision(string(dec.Outcome), dec.Reason, time.Since(start))
	return dec, nil
}

// Complete forwards a backend completion to the ledger.
func (p *Pipeline) Complete(correlationID, backendEventID string, latency time.Duration) bool {
	matched := p.ledger.Complete(correlationID, backendEventID, latency)
	if matched {
		metrics.CorrelationFlushed(metrics.CorrelationCompleted)
	} else {
		metrics.CorrelationFlushed(metrics.CorrelationUnknown)
	}
	return matched
}

func (p *Pipeline) degradedDecision() models.Decision {
	if p.enforcement.FailOpen {
		return models.Decision{
			Outcome:    models.OutcomeAllow,
			Reason:     ReasonDegradedMode,
			StatusCode: http.StatusOK,
		}
	}
	return models.Decision{
		Outcome:    models.OutcomeBlock,
		Reason:     ReasonStoreUnavailable,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// enqueueScore hands the snapshot to the scoring pool without ever blocking
// the request: a full queue means the sample is dropped.
func (p *Pipeline) enqueueScore(snap window.Snapshot) {
	if p.closed.Load() {
		return
	}
	task := scoreTask{clientID: snap.ClientID, asOf: snap.AsOf, events: snap.Events}
	select {
	case p.queue <- task:
	default:
		metrics.ScoreTaskDropped()
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.queue:
			p.scoreWindow(ctx, task)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) scoreWindow(ctx context.Context, task scoreTask) {
	fv := ExtractFeatures(task.events, p.enforcement.WindowDuration)
	p.scorer.Observe(fv)

	score, err := p.scorer.Score(task.clientID, task.asOf, fv)
	if err != nil {
		if errors.Is(err, ErrModelNotReady) {
			metrics.ObserveScore(metrics.ScoreResultNotReady)
			logger.Debug("scoring skipped for %s: baseline not ready", task.clientID)
			return
		}
		logger.Warn("scoring failed for %s: %v", task.clientID, err)
		return
	}

	metrics.ObserveScore(metrics.ScoreResultScored)
	if p.sink != nil {
		p.sink.Publish(telemetry.AnomalyScoreDocFrom(score))
	}

	if score.Score < p.anomaly.BanThreshold && p.banlist != nil {
		metrics.ObserveScore(metrics.ScoreResultBanIssued)
		logger.Warn("anomaly detected for %s (score %.3f, model %s), banning for %s",
			task.clientID, score.Score, score.ModelVersion, p.anomaly.BanDuration)
		if err := p.banlist.Ban(ctx, task.clientID, p.anomaly.BanDuration); err != nil {
			logger.Error("ban for %s failed: %v", task.clientID, err)
		}
	}
}

func (p *Pipeline) retrainLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.anomaly.ModelRetrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.scorer.Refit(); err != nil {
				if errors.Is(err, ErrInsufficientBaseline) {
					logger.Debug("model refit skipped: %v", err)
				} else {
					logger.Warn("model refit failed: %v", err)
				}
			} else {
				logger.Info("anomaly model refitted")
			}
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// QueueDepth reports the number of scoring tasks waiting.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

// Close stops intake, gives in-flight scoring a bounded drain window, then
// abandons whatever remains. Requests are never delayed by shutdown.
func (p *Pipeline) Close(ctx context.Context) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	drained := make(chan struct{})
	go func() {
		for len(p.queue) > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}

	close(p.stop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("pipeline shutdown abandoned %d queued scoring tasks", len(p.queue))
	}
}
