// Package window maintains the per-client trailing event ledgers that every
// enforcement decision reads. Expiry is logical: a snapshot never returns
// events older than the configured duration, whether or not a physical purge
// has run yet.
package window

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/aegisgate/gateway-service/internal/models"
)

// ErrStoreUnavailable reports that the backing store cannot serve appends or
// snapshots. The pipeline maps it to the configured fail-open/fail-closed
// decision.
var ErrStoreUnavailable = errors.New("window store unavailable")

// Snapshot is the ordered view of one client's window at a point in time.
type Snapshot struct {
	ClientID string
	AsOf     time.Time
	Events   []models.RequestEvent

	// CapExceeded is set when the hard per-client cap forced eviction of
	// events still inside the window. The rule engine treats it as an
	// implicit throttle condition.
	CapExceeded bool
}

// Store is the per-client windowed event ledger.
//
// Append inserts the event and returns the client's snapshot including it,
// atomically with respect to concurrent appends and snapshots for the same
// client. Resolve stamps the decision onto a just-appended event; together
// with Append it completes the two-phase creation of a RequestEvent, after
// which the event never changes.
type Store interface {
	Append(ctx context.Context, ev models.RequestEvent) (Snapshot, error)
	Snapshot(ctx context.Context, clientID string, asOf time.Time) (Snapshot, error)
	Resolve(ctx context.Context, clientID, eventID string, outcome models.Outcome, reason string, statusCode int) error
	PurgeExpired(ctx context.Context)
}

// Options bound every store implementation.
type Options struct {
	Duration time.Duration // trailing window W
	HardCap  int           // max events retained per client
}

const memoryShards = 64

// MemoryStore is the in-process Store: a sharded keyed map with one mutex per
// shard, so clients on different shards never contend.
type MemoryStore struct {
	opts   Options
	shards [memoryShards]memoryShard

	evictions func(n int) // optional eviction observer
}

type memoryShard struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
}

type clientWindow struct {
	events      []models.RequestEvent // ordered by timestamp, ties by arrival
	capExceeded bool
}

// NewMemoryStore builds a memory store for the given window duration and cap.
func NewMemoryStore(opts Options) *MemoryStore {
	s := &MemoryStore{opts: opts}
	for i := range s.shards {
		s.shards[i].clients = make(map[string]*clientWindow)
	}
	return s
}

// OnEviction registers a callback invoked with the number of events evicted
// by the hard cap. Must be set before the store is shared.
func (s *MemoryStore) OnEviction(fn func(n int)) {
	s.evictions = fn
}

func (s *MemoryStore) shardFor(clientID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return &s.shards[h.Sum32()%memoryShards]
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, ev models.RequestEvent) (Snapshot, error) {
	sh := s.shardFor(ev.ClientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cw := sh.clients[ev.ClientID]
	if cw == nil {
		cw = &clientWindow{}
		sh.clients[ev.ClientID] = cw
	}

	cw.insert(ev)
	cw.trimBefore(ev.Timestamp.Add(-s.opts.Duration))

	if s.opts.HardCap > 0 && len(cw.events) > s.opts.HardCap {
		evicted := len(cw.events) - s.opts.HardCap
		cw.events = append(cw.events[:0], cw.events[evicted:]...)
		cw.capExceeded = true
		if s.evictions != nil {
			s.evictions(evicted)
		}
	}

	return cw.snapshot(ev.ClientID, ev.Timestamp, s.opts.Duration), nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(ctx context.Context, clientID string, asOf time.Time) (Snapshot, error) {
	sh := s.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cw := sh.clients[clientID]
	if cw == nil {
		return Snapshot{ClientID: clientID, AsOf: asOf}, nil
	}
	return cw.snapshot(clientID, asOf, s.opts.Duration), nil
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(ctx context.Context, clientID, eventID string, outcome models.Outcome, reason string, statusCode int) error {
	sh := s.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cw := sh.clients[clientID]
	if cw == nil {
		return nil
	}
	for i := len(cw.events) - 1; i >= 0; i-- {
		if cw.events[i].EventID == eventID {
			cw.events[i].Outcome = outcome
			cw.events[i].Reason = reason
			cw.events[i].StatusCode = statusCode
			return nil
		}
	}
	return nil
}

// PurgeExpired physically drops events outside the window and forgets idle
// clients. Correct reads do not depend on it running.
func (s *MemoryStore) PurgeExpired(ctx context.Context) {
	cutoff := time.Now().Add(-s.opts.Duration)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, cw := range sh.clients {
			cw.trimBefore(cutoff)
			if len(cw.events) == 0 {
				delete(sh.clients, id)
			}
		}
		sh.mu.Unlock()
	}
}

// insert keeps events ordered by timestamp, appending after equal timestamps
// so arrival order breaks ties.
func (cw *clientWindow) insert(ev models.RequestEvent) {
	n := len(cw.events)
	if n == 0 || !cw.events[n-1].Timestamp.After(ev.Timestamp) {
		cw.events = append(cw.events, ev)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return cw.events[i].Timestamp.After(ev.Timestamp)
	})
	cw.events = append(cw.events, models.RequestEvent{})
	copy(cw.events[i+1:], cw.events[i:])
	cw.events[i] = ev
}

func (cw *clientWindow) trimBefore(cutoff time.Time) {
	i := sort.Search(len(cw.events), func(i int) bool {
		return !cw.events[i].Timestamp.Before(cutoff)
	})
	if i > 0 {
		cw.events = append(cw.events[:0], cw.events[i:]...)
	}
	if cw.capExceeded && len(cw.events) == 0 {
		cw.capExceeded = false
	}
}

// snapshot copies the events with timestamp in [asOf-W, asOf], both bounds
// inclusive.
func (cw *clientWindow) snapshot(clientID string, asOf time.Time, w time.Duration) Snapshot {
	lo := asOf.Add(-w)
	start := sort.Search(len(cw.events), func(i int) bool {
		return !cw.events[i].Timestamp.Before(lo)
	})
	end := sort.Search(len(cw.events), func(i int) bool {
		return cw.events[i].Timestamp.After(asOf)
	})

	snap := Snapshot{ClientID: clientID, AsOf: asOf, CapExceeded: cw.capExceeded}
	if start < end {
		snap.Events = make([]models.RequestEvent, end-start)
		copy(snap.Events, cw.events[start:end])
	}
	return snap
}
