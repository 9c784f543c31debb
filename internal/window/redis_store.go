package window

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisgate/gateway-service/internal/client"
	"github.com/aegisgate/gateway-service/internal/models"
	"github.com/aegisgate/gateway-service/internal/util/logger"
)

// RedisStore keeps each client's window in Redis so several gateway replicas
// share one ledger. Event IDs live in a sorted set scored by timestamp and
// the event bodies in a companion hash keyed by event ID; both carry a TTL
// slightly longer than the window so idle clients expire on their own.
type RedisStore struct {
	rdb    *client.RedisClient
	opts   Options
	prefix string

	mu   sync.Mutex
	seen map[string]struct{} // clients touched since the last purge

	evictions func(n int)
}

// NewRedisStore builds a Redis-backed Store.
func NewRedisStore(rdb *client.RedisClient, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = "window:"
	}
	return &RedisStore{
		rdb:    rdb,
		opts:   opts,
		prefix: prefix,
		seen:   make(map[string]struct{}),
	}
}

// OnEviction registers a callback invoked with the number of events evicted
// by the hard cap.
func (s *RedisStore) OnEviction(fn func(n int)) {
	s.evictions = fn
}

func (s *RedisStore) zkey(clientID string) string   { return s.prefix + "z:" + clientID }
func (s *RedisStore) hkey(clientID string) string   { return s.prefix + "h:" + clientID }
func (s *RedisStore) capkey(clientID string) string { return s.prefix + "cap:" + clientID }

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, ev models.RequestEvent) (Snapshot, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode event: %w", err)
	}

	zkey, hkey := s.zkey(ev.ClientID), s.hkey(ev.ClientID)
	ttl := s.opts.Duration + 10*time.Second
	cutoff := ev.Timestamp.Add(-s.opts.Duration)

	err = s.rdb.Do(ctx, func(ctx context.Context) error {
		pipe := s.rdb.TxPipeline()
		pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(ev.Timestamp.UnixNano()), Member: ev.EventID})
		pipe.HSet(ctx, hkey, ev.EventID, body)
		pipe.ZRemRangeByScore(ctx, zkey, "0", strconv.FormatInt(cutoff.UnixNano()-1, 10))
		pipe.Expire(ctx, zkey, ttl)
		pipe.Expire(ctx, hkey, ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: append: %v", ErrStoreUnavailable, err)
	}

	if s.opts.HardCap > 0 {
		if err := s.enforceCap(ctx, ev.ClientID); err != nil {
			logger.Warn("window cap enforcement failed for %s: %v", ev.ClientID, err)
		}
	}

	s.mu.Lock()
	s.seen[ev.ClientID] = struct{}{}
	s.mu.Unlock()

	return s.Snapshot(ctx, ev.ClientID, ev.Timestamp)
}

func (s *RedisStore) enforceCap(ctx context.Context, clientID string) error {
	zkey := s.zkey(clientID)
	return s.rdb.Do(ctx, func(ctx context.Context) error {
		n, err := s.rdb.ZCard(ctx, zkey).Result()
		if err != nil {
			return err
		}
		excess := int(n) - s.opts.HardCap
		if excess <= 0 {
			return nil
		}
		ids, err := s.rdb.ZRange(ctx, zkey, 0, int64(excess-1)).Result()
		if err != nil {
			return err
		}
		pipe := s.rdb.TxPipeline()
		pipe.ZRemRangeByRank(ctx, zkey, 0, int64(excess-1))
		if len(ids) > 0 {
			pipe.HDel(ctx, s.hkey(clientID), ids...)
		}
		pipe.Set(ctx, s.capkey(clientID), "1", s.opts.Duration)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		if s.evictions != nil {
			s.evictions(excess)
		}
		return nil
	})
}

// Snapshot implements Store.
func (s *RedisStore) Snapshot(ctx context.Context, clientID string, asOf time.Time) (Snapshot, error) {
	lo := strconv.FormatInt(asOf.Add(-s.opts.Duration).UnixNano(), 10)
	hi := strconv.FormatInt(asOf.UnixNano(), 10)

	snap := Snapshot{ClientID: clientID, AsOf: asOf}
	err := s.rdb.Do(ctx, func(ctx context.Context) error {
		ids, err := s.rdb.ZRangeByScore(ctx, s.zkey(clientID), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			bodies, err := s.rdb.HMGet(ctx, s.hkey(clientID), ids...).Result()
			if err != nil {
				return err
			}
			snap.Events = make([]models.RequestEvent, 0, len(bodies))
			for _, raw := range bodies {
				str, ok := raw.(string)
				if !ok {
					continue
				}
				var ev models.RequestEvent
				if err := json.Unmarshal([]byte(str), &ev); err != nil {
					continue
				}
				snap.Events = append(snap.Events, ev)
			}
		}
		capHit, err := s.rdb.Exists(ctx, s.capkey(clientID)).Result()
		if err != nil {
			return err
		}
		snap.CapExceeded = capHit > 0
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: snapshot: %v", ErrStoreUnavailable, err)
	}
	return snap, nil
}

// Resolve implements Store.
func (s *RedisStore) Resolve(ctx context.Context, clientID, eventID string, outcome models.Outcome, reason string, statusCode int) error {
	hkey := s.hkey(clientID)
	return s.rdb.Do(ctx, func(ctx context.Context) error {
		raw, err := s.rdb.HGet(ctx, hkey, eventID).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var ev models.RequestEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return err
		}
		ev.Outcome = outcome
		ev.Reason = reason
		ev.StatusCode = statusCode
		body, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return s.rdb.HSet(ctx, hkey, eventID, body).Err()
	})
}

// PurgeExpired trims clients touched since the last sweep. Redis TTLs cover
// clients that went fully idle.
func (s *RedisStore) PurgeExpired(ctx context.Context) {
	s.mu.Lock()
	clients := make([]string, 0, len(s.seen))
	for id := range s.seen {
		clients = append(clients, id)
	}
	s.seen = make(map[string]struct{})
	s.mu.Unlock()

	cutoff := strconv.FormatInt(time.Now().Add(-s.opts.Duration).UnixNano()-1, 10)
	for _, id := range clients {
		err := s.rdb.Do(ctx, func(ctx context.Context) error {
			ids, err := s.rdb.ZRangeByScore(ctx, s.zkey(id), &redis.ZRangeBy{Min: "0", Max: cutoff}).Result()
			if err != nil {
				return err
			}
			pipe := s.rdb.TxPipeline()
			pipe.ZRemRangeByScore(ctx, s.zkey(id), "0", cutoff)
			if len(ids) > 0 {
				pipe.HDel(ctx, s.hkey(id), ids...)
			}
			_, err = pipe.Exec(ctx)
			return err
		})
		if err != nil {
			logger.Debug("window purge for %s failed: %v", id, err)
		}
	}
}
