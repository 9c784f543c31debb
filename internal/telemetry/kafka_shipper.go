package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/aegisgate/gateway-service/internal/config"
	"github.com/aegisgate/gateway-service/internal/util/logger"
)

// KafkaShipper ships telemetry records to Kafka off the request path. The
// intake channel is bounded and Publish never blocks: when the queue is full
// the record is dropped and counted. The shipping goroutine gathers queued
// records into batches and writes them synchronously, retrying with bounded
// backoff; exhausted retries drop the batch and count it.
type KafkaShipper struct {
	cfg config.KafkaConfig

	wEvents       *kafka.Writer
	wScores       *kafka.Writer
	wCorrelations *kafka.Writer

	ch   chan any
	stop chan struct{}
	done chan struct{}

	dropped atomic.Uint64
	onDrop  func(n int)
}

// NewKafkaShipper builds the shipper. A disabled config yields a shipper
// whose Publish discards silently, so callers need no nil checks.
func NewKafkaShipper(cfgIn config.KafkaConfig) (*KafkaShipper, error) {
	cfg := cfgIn
	if !cfg.Enabled {
		return &KafkaShipper{cfg: cfg, stop: make(chan struct{}), done: make(chan struct{})}, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.BatchSize * 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}

	tr := &kafka.Transport{DialTimeout: cfg.DialTimeout}
	if cfg.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	newWriter := func(topic string) *kafka.Writer {
		if topic == "" {
			return nil
		}
		// Synchronous writes with a single attempt per call: the shipping
		// loop owns retries, so delivery failures surface as errors here
		// instead of vanishing inside the writer.
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Transport:              tr,
			AllowAutoTopicCreation: false,
			MaxAttempts:            1,
			BatchTimeout:           cfg.FlushEvery,
			BatchSize:              cfg.BatchSize,
			WriteTimeout:           cfg.WriteTimeout,
		}
	}

	return &KafkaShipper{
		cfg:           cfg,
		wEvents:       newWriter(cfg.TopicEvents),
		wScores:       newWriter(cfg.TopicScores),
		wCorrelations: newWriter(cfg.TopicCorrelations),
		ch:            make(chan any, cfg.QueueCapacity),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// OnDrop registers a callback invoked with the number of dropped records.
// Must be set before Start.
func (s *KafkaShipper) OnDrop(fn func(n int)) {
	s.onDrop = fn
}

// Dropped returns the total number of records dropped so far.
func (s *KafkaShipper) Dropped() uint64 {
	return s.dropped.Load()
}

// Publish enqueues a record without blocking. Requests are never delayed for
// telemetry: a full queue drops the record.
func (s *KafkaShipper) Publish(doc any) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case s.ch <- doc:
	default:
		s.drop(1)
	}
}

// Start launches the shipping loop.
func (s *KafkaShipper) Start() {
	if !s.cfg.Enabled {
		close(s.done)
		return
	}
	go s.loop()
}

// Stop drains briefly and closes the writers. Records still queued after the
// drain window are dropped and counted.
func (s *KafkaShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
	}

	remaining := len(s.ch)
	if remaining > 0 {
		s.drop(remaining)
	}
	if s.wEvents != nil {
		_ = s.wEvents.Close()
	}
	if s.wScores != nil {
		_ = s.wScores.Close()
	}
	if s.wCorrelations != nil {
		_ = s.wCorrelations.Close()
	}
}

func (s *KafkaShipper) loop() {
	defer close(s.done)
	for {
		select {
		case doc := <-s.ch:
			s.ship(s.gather(doc))
		case <-s.stop:
			// Drain what is already queued, bounded by the drain window
			// enforced in Stop.
			for {
				select {
				case doc := <-s.ch:
					s.ship(s.gather(doc))
				default:
					return
				}
			}
		}
	}
}

// gather pulls whatever else is already queued so one synchronous flush
// carries a batch instead of a single record.
func (s *KafkaShipper) gather(first any) []any {
	batch := []any{first}
	for len(batch) < s.cfg.BatchSize {
		select {
		case doc := <-s.ch:
			batch = append(batch, doc)
		default:
			return batch
		}
	}
	return batch
}

func (s *KafkaShipper) ship(batch []any) {
	groups := make(map[*kafka.Writer][]kafka.Message)
	for _, doc := range batch {
		var w *kafka.Writer
		var key string
		switch d := doc.(type) {
		case RequestEventDoc:
			w, key = s.wEvents, d.ClientID
		case AnomalyScoreDoc:
			w, key = s.wScores, d.ClientID
		case CorrelationDoc:
			w, key = s.wCorrelations, d.CorrelationID
		default:
			logger.Warn("kafka shipper: unknown record type %T", doc)
			continue
		}
		if w == nil {
			continue
		}
		body, err := json.Marshal(doc)
		if err != nil {
			logger.Error("kafka shipper: encode failed: %v", err)
			continue
		}
		groups[w] = append(groups[w], kafka.Message{Key: []byte(key), Value: body})
	}

	for w, msgs := range groups {
		s.write(w, msgs)
	}
}

func (s *KafkaShipper) write(w *kafka.Writer, msgs []kafka.Message) {
	backoff := s.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err = w.WriteMessages(ctx, msgs...)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}

	logger.Warn("kafka shipper: write failed after %d attempts, dropping %d records: %v",
		s.cfg.MaxRetries, len(msgs), err)
	s.drop(len(msgs))
}

func (s *KafkaShipper) drop(n int) {
	s.dropped.Add(uint64(n))
	if s.onDrop != nil {
		s.onDrop(n)
	}
}
