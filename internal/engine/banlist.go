package engine

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisgate/gateway-service/internal/client"
	"github.com/aegisgate/gateway-service/internal/util/logger"
)

// BanList tracks clients temporarily blocked by the anomaly scorer. Lookups
// must be cheap: they run on the synchronous path before the rule engine.
type BanList interface {
	Ban(ctx context.Context, clientID string, ttl time.Duration) error
	Banned(ctx context.Context, clientID string) bool
}

// MemoryBanList is the in-process BanList.
type MemoryBanList struct {
	mu   sync.RWMutex
	bans map[string]time.Time // client -> expiry
}

func NewMemoryBanList() *MemoryBanList {
	return &MemoryBanList{bans: make(map[string]time.Time)}
}

func (b *MemoryBanList) Ban(ctx context.Context, clientID string, ttl time.Duration) error {
	b.mu.Lock()
	b.bans[clientID] = time.Now().Add(ttl)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBanList) Banned(ctx context.Context, clientID string) bool {
	b.mu.RLock()
	expiry, ok := b.bans[clientID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		b.mu.Lock()
		// Re-check under the write lock; a newer ban may have landed.
		if cur, ok := b.bans[clientID]; ok && time.Now().After(cur) {
			delete(b.bans, clientID)
		}
		b.mu.Unlock()
		return false
	}
	return true
}

// RedisBanList shares bans across gateway replicas via short-TTL keys. Each
// key holds a JSON ban record so operators inspecting a banned client see
// when and why the ban was issued.
type RedisBanList struct {
	rdb    *client.RedisClient
	prefix string
}

type banRecord struct {
	ClientID string    `json:"client_identity"`
	Reason   string    `json:"reason"`
	BannedAt time.Time `json:"banned_at"`
	TTL      string    `json:"ttl"`
}

func NewRedisBanList(rdb *client.RedisClient, prefix string) *RedisBanList {
	if prefix == "" {
		prefix = "ban:"
	}
	return &RedisBanList{rdb: rdb, prefix: prefix}
}

func (b *RedisBanList) Ban(ctx context.Context, clientID string, ttl time.Duration) error {
	rec := banRecord{
		ClientID: clientID,
		Reason:   ReasonAnomalyBan,
		BannedAt: time.Now().UTC(),
		TTL:      ttl.String(),
	}
	return b.rdb.SetJSON(ctx, b.prefix+clientID, rec, ttl)
}

// Banned treats a Redis failure as not banned: the ban list is an advisory
// signal and must never block decisions on store trouble.
func (b *RedisBanList) Banned(ctx context.Context, clientID string) bool {
	var rec banRecord
	err := b.rdb.GetJSON(ctx, b.prefix+clientID, &rec)
	if err == redis.Nil {
		return false
	}
	if err != nil {
		logger.Debug("ban lookup failed for %s: %v", clientID, err)
		return false
	}
	return true
}
