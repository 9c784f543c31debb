package window

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aegisgate/gateway-service/internal/models"
)

func newEvent(client, endpoint string, ts time.Time) models.RequestEvent {
	return models.RequestEvent{
		EventID:   fmt.Sprintf("ev-%s-%d", endpoint, ts.UnixNano()),
		ClientID:  client,
		Endpoint:  endpoint,
		Method:    "GET",
		Timestamp: ts,
	}
}

func TestMemoryStoreWindowBoundaries(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore(Options{Duration: 60 * time.Second, HardCap: 1000})

	// One event exactly at the lower bound, one inside, one just outside.
	for _, ts := range []time.Time{
		now.Add(-60 * time.Second),
		now.Add(-30 * time.Second),
		now.Add(-60*time.Second - time.Nanosecond),
	} {
		if _, err := store.Append(ctx, newEvent("c1", "/a", ts)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	snap, err := store.Snapshot(ctx, "c1", now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Events) != 2 {
		t.Fatalf("expected 2 events in [now-W, now], got %d", len(snap.Events))
	}
	for _, ev := range snap.Events {
		if ev.Timestamp.Before(now.Add(-60 * time.Second)) || ev.Timestamp.After(now) {
			t.Errorf("event %s at %v outside window", ev.EventID, ev.Timestamp)
		}
	}

	// The upper bound is inclusive too.
	if _, err := store.Append(ctx, newEvent("c1", "/b", now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	snap, _ = store.Snapshot(ctx, "c1", now)
	if len(snap.Events) != 3 {
		t.Fatalf("expected event at t=now included, got %d events", len(snap.Events))
	}
}

func TestMemoryStoreLogicalExpiryWithoutPurge(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore(Options{Duration: 10 * time.Second, HardCap: 1000})

	if _, err := store.Append(ctx, newEvent("c1", "/a", now)); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Well past the window, with no PurgeExpired call in between.
	snap, err := store.Snapshot(ctx, "c1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Events) != 0 {
		t.Fatalf("expected logically expired window, got %d events", len(snap.Events))
	}
}

func TestMemoryStoreConcurrentAppendsNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore(Options{Duration: time.Minute, HardCap: 10000})

	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := newEvent("c1", "/a", now)
			ev.EventID = fmt.Sprintf("ev-%d", i)
			if _, err := store.Append(ctx, ev); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	snap, err := store.Snapshot(ctx, "c1", now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Events) != n {
		t.Fatalf("expected %d events after %d concurrent appends, got %d", n, n, len(snap.Events))
	}
}

func TestMemoryStoreAppendObservesOwnEvent(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore(Options{Duration: time.Minute, HardCap: 1000})

	for i := 1; i <= 5; i++ {
		snap, err := store.Append(ctx, newEvent("c1", "/a", now.Add(time.Duration(i)*time.Millisecond)))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if len(snap.Events) != i {
			t.Fatalf("append %d: snapshot has %d events, want %d", i, len(snap.Events), i)
		}
	}
}

func TestMemoryStoreOrderingWithTies(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore(Options{Duration: time.Minute, HardCap: 1000})

	a := newEvent("c1", "/a", now)
	a.EventID = "first"
	b := newEvent("c1", "/a", now)
	b.EventID = "second"
	late := newEvent("c1", "/a", now.Add(-time.Second))
	late.EventID = "earlier-ts"

	for _, ev := range []models.RequestEvent{a, b, late} {
		if _, err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	snap, _ := store.Snapshot(ctx, "c1", now)
	got := []string{snap.Events[0].EventID, snap.Events[1].EventID, snap.Events[2].EventID}
	want := []string{"earlier-ts", "first", "second"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %v, want %v", i, got, want)
		}
	}
}

func TestMemoryStoreHardCapEviction(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore(Options{Duration: time.Hour, HardCap: 10})

	var evicted int
	store.OnEviction(func(n int) { evicted += n })

	var snap Snapshot
	var err error
	for i := 0; i < 15; i++ {
		snap, err = store.Append(ctx, newEvent("c1", fmt.Sprintf("/e%d", i), now.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if len(snap.Events) != 10 {
		t.Fatalf("expected window capped at 10 events, got %d", len(snap.Events))
	}
	if !snap.CapExceeded {
		t.Error("expected CapExceeded signal after eviction")
	}
	if evicted != 5 {
		t.Errorf("expected 5 evictions, got %d", evicted)
	}
	// Oldest events must be the ones gone.
	if snap.Events[0].Endpoint != "/e5" {
		t.Errorf("expected oldest surviving event /e5, got %s", snap.Events[0].Endpoint)
	}
}

func TestMemoryStoreResolveStampsOutcome(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore(Options{Duration: time.Minute, HardCap: 100})

	ev := newEvent("c1", "/a", now)
	if _, err := store.Append(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Resolve(ctx, "c1", ev.EventID, models.OutcomeThrottle, "rate_warning", 429); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	snap, _ := store.Snapshot(ctx, "c1", now)
	if snap.Events[0].Outcome != models.OutcomeThrottle || snap.Events[0].StatusCode != 429 {
		t.Fatalf("outcome not stamped: %+v", snap.Events[0])
	}
}

func TestMemoryStorePurgeDropsIdleClients(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{Duration: 10 * time.Millisecond, HardCap: 100})

	if _, err := store.Append(ctx, newEvent("c1", "/a", time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("append: %v", err)
	}
	store.PurgeExpired(ctx)

	sh := store.shardFor("c1")
	sh.mu.Lock()
	_, present := sh.clients["c1"]
	sh.mu.Unlock()
	if present {
		t.Error("expected idle client forgotten after purge")
	}
}
