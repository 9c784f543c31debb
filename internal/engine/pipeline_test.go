package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aegisgate/gateway-service/internal/config"
	"github.com/aegisgate/gateway-service/internal/models"
	"github.com/aegisgate/gateway-service/internal/telemetry"
	"github.com/aegisgate/gateway-service/internal/window"
)

// failingStore simulates a backing store outage on every call.
type failingStore struct{}

func (failingStore) Append(context.Context, models.RequestEvent) (window.Snapshot, error) {
	return window.Snapshot{}, fmt.Errorf("%w: connection refused", window.ErrStoreUnavailable)
}

func (failingStore) Snapshot(context.Context, string, time.Time) (window.Snapshot, error) {
	return window.Snapshot{}, fmt.Errorf("%w: connection refused", window.ErrStoreUnavailable)
}

func (failingStore) Resolve(context.Context, string, string, models.Outcome, string, int) error {
	return fmt.Errorf("%w: connection refused", window.ErrStoreUnavailable)
}

func (failingStore) PurgeExpired(context.Context) {}

func (c *captureSink) requestEvents() []telemetry.RequestEventDoc {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []telemetry.RequestEventDoc
	for _, d := range c.docs {
		if rd, ok := d.(telemetry.RequestEventDoc); ok {
			out = append(out, rd)
		}
	}
	return out
}

func testPipeline(store window.Store, sink telemetry.Sink, enforcement config.EnforcementConfig) *Pipeline {
	anomaly := config.AnomalyConfig{
		ScoreQueueCapacity:   16,
		Workers:              2,
		ModelRetrainInterval: time.Hour,
		MinBaselineSamples:   2,
		BanThreshold:         -0.4,
		BanDuration:          5 * time.Minute,
	}
	return NewPipeline(
		store,
		NewScorer(64, 2),
		NewLedger(30*time.Second, sink),
		NewMemoryBanList(),
		sink,
		enforcement,
		anomaly,
	)
}

func TestPipelineHandleAllowFlow(t *testing.T) {
	sink := &captureSink{}
	store := window.NewMemoryStore(window.Options{Duration: time.Minute, HardCap: 100})
	p := testPipeline(store, sink, testThresholds())

	dec, err := p.Handle(context.Background(), DecisionRequest{
		ClientID: "c1", Endpoint: "/api/data", Method: "GET",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if dec.Outcome != models.OutcomeAllow || dec.Reason != ReasonOK || dec.StatusCode != 200 {
		t.Fatalf("got %+v, want ALLOW/ok/200", dec)
	}
	if dec.CorrelationID == "" {
		t.Fatal("decision missing correlation id")
	}
	if p.ledger.Pending() != 1 {
		t.Errorf("ledger pending = %d, want 1", p.ledger.Pending())
	}

	evs := sink.requestEvents()
	if len(evs) != 1 {
		t.Fatalf("published %d request events, want 1", len(evs))
	}
	if evs[0].Outcome != models.OutcomeAllow || evs[0].Reason != ReasonOK {
		t.Errorf("published event missing resolved outcome: %+v", evs[0])
	}
}

func TestPipelineCountsCurrentRequest(t *testing.T) {
	store := window.NewMemoryStore(window.Options{Duration: time.Minute, HardCap: 100})
	p := testPipeline(store, &captureSink{}, testThresholds())
	ctx := context.Background()

	// With a soft limit of 10, the tenth request itself must tip the window.
	var last models.Decision
	for i := 0; i < 10; i++ {
		var err error
		last, err = p.Handle(ctx, DecisionRequest{ClientID: "c1", Endpoint: "/api", Method: "GET"})
		if err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
		if i < 9 && last.Outcome != models.OutcomeAllow {
			t.Fatalf("request %d: got %+v, want ALLOW", i+1, last)
		}
	}
	if last.Outcome != models.OutcomeThrottle || last.Reason != ReasonRateWarning {
		t.Fatalf("10th request: got %+v, want THROTTLE/%s", last, ReasonRateWarning)
	}
}

func TestPipelineFailOpenOnStoreOutage(t *testing.T) {
	cfg := testThresholds()
	cfg.FailOpen = true
	p := testPipeline(failingStore{}, &captureSink{}, cfg)

	dec, err := p.Handle(context.Background(), DecisionRequest{ClientID: "c1", Endpoint: "/api"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if dec.Outcome != models.OutcomeAllow || dec.Reason != ReasonDegradedMode || dec.StatusCode != 200 {
		t.Fatalf("got %+v, want ALLOW/%s/200", dec, ReasonDegradedMode)
	}
}

func TestPipelineFailClosedOnStoreOutage(t *testing.T) {
	cfg := testThresholds()
	cfg.FailOpen = false
	p := testPipeline(failingStore{}, &captureSink{}, cfg)

	dec, err := p.Handle(context.Background(), DecisionRequest{ClientID: "c1", Endpoint: "/api"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if dec.Outcome != models.OutcomeBlock || dec.Reason != ReasonStoreUnavailable || dec.StatusCode != 503 {
		t.Fatalf("got %+v, want BLOCK/%s/503", dec, ReasonStoreUnavailable)
	}
}

func TestPipelineBannedClientBlocked(t *testing.T) {
	store := window.NewMemoryStore(window.Options{Duration: time.Minute, HardCap: 100})
	p := testPipeline(store, &captureSink{}, testThresholds())
	ctx := context.Background()

	if err := p.banlist.Ban(ctx, "banned-client", time.Minute); err != nil {
		t.Fatalf("ban: %v", err)
	}

	dec, err := p.Handle(ctx, DecisionRequest{ClientID: "banned-client", Endpoint: "/api"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if dec.Outcome != models.OutcomeBlock || dec.Reason != ReasonAnomalyBan || dec.StatusCode != 429 {
		t.Fatalf("got %+v, want BLOCK/%s/429", dec, ReasonAnomalyBan)
	}
	if p.QueueDepth() != 0 {
		t.Errorf("banned request enqueued a scoring task")
	}

	// The blocked request is still recorded in the window.
	snap, err := store.Snapshot(ctx, "banned-client", time.Now())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Events) != 1 {
		t.Fatalf("window holds %d events, want 1", len(snap.Events))
	}
}

func TestPipelineFullQueueNeverBlocksHandle(t *testing.T) {
	store := window.NewMemoryStore(window.Options{Duration: time.Minute, HardCap: 1000})
	p := testPipeline(store, &captureSink{}, testThresholds())
	p.queue = make(chan scoreTask, 1)
	// Workers never started: the queue fills after one task and every later
	// enqueue must drop instead of stalling the request path.
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 8; i++ {
			if _, err := p.Handle(ctx, DecisionRequest{ClientID: fmt.Sprintf("c%d", i), Endpoint: "/api"}); err != nil {
				t.Errorf("handle %d: %v", i, err)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle blocked on a saturated score queue")
	}
	if p.QueueDepth() != 1 {
		t.Errorf("queue depth = %d, want 1", p.QueueDepth())
	}
}

func TestPipelineScoringDrivesBan(t *testing.T) {
	store := window.NewMemoryStore(window.Options{Duration: time.Minute, HardCap: 1000})
	sink := &captureSink{}
	p := testPipeline(store, sink, testThresholds())
	ctx := context.Background()

	if err := p.scorer.Fit(baselineVectors(50)); err != nil {
		t.Fatalf("fit: %v", err)
	}

	// Score a flood window directly through the worker path.
	now := time.Unix(1_700_000_000, 0)
	var events []models.RequestEvent
	for i := 0; i < 400; i++ {
		events = append(events, models.RequestEvent{
			EventID:   fmt.Sprintf("ev-%d", i),
			ClientID:  "flood",
			Endpoint:  fmt.Sprintf("/probe/%d", i%50),
			Timestamp: now.Add(time.Duration(i) * 10 * time.Millisecond),
			Outcome:   models.OutcomeBlock,
		})
	}
	p.scoreWindow(ctx, scoreTask{clientID: "flood", asOf: now.Add(4 * time.Second), events: events})

	if !p.banlist.Banned(ctx, "flood") {
		t.Fatal("anomalous client not banned after scoring")
	}

	var scored int
	sink.mu.Lock()
	for _, d := range sink.docs {
		if _, ok := d.(telemetry.AnomalyScoreDoc); ok {
			scored++
		}
	}
	sink.mu.Unlock()
	if scored != 1 {
		t.Errorf("published %d anomaly scores, want 1", scored)
	}
}

func TestPipelineCompleteMatchesLedger(t *testing.T) {
	store := window.NewMemoryStore(window.Options{Duration: time.Minute, HardCap: 100})
	p := testPipeline(store, &captureSink{}, testThresholds())

	dec, err := p.Handle(context.Background(), DecisionRequest{ClientID: "c1", Endpoint: "/api"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !p.Complete(dec.CorrelationID, "backend-ev", 12*time.Millisecond) {
		t.Fatal("completion of a fresh decision unmatched")
	}
	if p.Complete(dec.CorrelationID, "backend-ev", 12*time.Millisecond) {
		t.Fatal("second completion should be unmatched")
	}
}

func TestPipelineCloseIsIdempotentAndBounded(t *testing.T) {
	store := window.NewMemoryStore(window.Options{Duration: time.Minute, HardCap: 100})
	p := testPipeline(store, &captureSink{}, testThresholds())
	p.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Close(ctx)
	p.Close(ctx) // second close is a no-op
}
