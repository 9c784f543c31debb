package engine

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBanListLifecycle(t *testing.T) {
	b := NewMemoryBanList()
	ctx := context.Background()

	if b.Banned(ctx, "c1") {
		t.Fatal("fresh ban list reports c1 banned")
	}

	if err := b.Ban(ctx, "c1", time.Minute); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if !b.Banned(ctx, "c1") {
		t.Fatal("c1 not banned after Ban")
	}
	if b.Banned(ctx, "c2") {
		t.Fatal("ban for c1 leaked to c2")
	}
}

func TestMemoryBanListExpiry(t *testing.T) {
	b := NewMemoryBanList()
	ctx := context.Background()

	if err := b.Ban(ctx, "c1", time.Nanosecond); err != nil {
		t.Fatalf("ban: %v", err)
	}
	time.Sleep(time.Millisecond)

	if b.Banned(ctx, "c1") {
		t.Fatal("expired ban still reported")
	}

	// A fresh ban after expiry takes effect again.
	if err := b.Ban(ctx, "c1", time.Minute); err != nil {
		t.Fatalf("re-ban: %v", err)
	}
	if !b.Banned(ctx, "c1") {
		t.Fatal("re-issued ban not reported")
	}
}
