package telemetry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegisgate/gateway-service/internal/config"
)

func TestKafkaShipperDisabledIsInert(t *testing.T) {
	s, err := NewKafkaShipper(config.KafkaConfig{Enabled: false})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	s.Publish(RequestEventDoc{EventID: "ev-1"})
	s.Stop(context.Background())

	if s.Dropped() != 0 {
		t.Errorf("disabled shipper counted %d drops", s.Dropped())
	}
}

func TestKafkaShipperRejectsEmptyBrokers(t *testing.T) {
	_, err := NewKafkaShipper(config.KafkaConfig{Enabled: true})
	if err == nil {
		t.Fatal("expected error for enabled config without brokers")
	}
}

func TestKafkaShipperDropsWhenQueueFull(t *testing.T) {
	s, err := NewKafkaShipper(config.KafkaConfig{
		Enabled:       true,
		Brokers:       []string{"127.0.0.1:9092"},
		TopicEvents:   "events",
		QueueCapacity: 2,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var observed atomic.Int64
	s.OnDrop(func(n int) { observed.Add(int64(n)) })

	// Not started: the queue fills after two records and the rest drop.
	for i := 0; i < 5; i++ {
		s.Publish(RequestEventDoc{EventID: "ev"})
	}

	if s.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", s.Dropped())
	}
	if observed.Load() != 3 {
		t.Fatalf("drop observer saw %d, want 3", observed.Load())
	}
}

func TestKafkaShipperCountsDropsOnBrokerFailure(t *testing.T) {
	// Nothing listens on this address, so every write attempt fails and the
	// record must be dropped and counted after the retries exhaust.
	s, err := NewKafkaShipper(config.KafkaConfig{
		Enabled:       true,
		Brokers:       []string{"127.0.0.1:1"},
		TopicEvents:   "events",
		QueueCapacity: 8,
		FlushEvery:    10 * time.Millisecond,
		DialTimeout:   100 * time.Millisecond,
		WriteTimeout:  200 * time.Millisecond,
		MaxRetries:    2,
		RetryBackoff:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var observed atomic.Int64
	s.OnDrop(func(n int) { observed.Add(int64(n)) })
	s.Start()

	s.Publish(RequestEventDoc{EventID: "ev-1", ClientID: "c1"})

	deadline := time.Now().Add(10 * time.Second)
	for s.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	if s.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1 after exhausted retries", s.Dropped())
	}
	if observed.Load() != 1 {
		t.Fatalf("drop observer saw %d, want 1", observed.Load())
	}
}
