package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aegisgate/gateway-service/internal/config"
	"github.com/aegisgate/gateway-service/internal/util/logger"
)

const insertEventSQL = `
INSERT INTO security_events
    (event_id, client_identity, endpoint, http_method, outcome, reason, status_code, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id) DO NOTHING`

// PostgresSink persists request-event records to the security_events table.
// Like the Kafka shipper it is strictly background: Publish never blocks and
// a full queue or failed insert drops the record with a counted drop.
type PostgresSink struct {
	db  *sql.DB
	cfg config.PostgresConfig

	ch   chan RequestEventDoc
	stop chan struct{}
	done chan struct{}

	dropped atomic.Uint64
	onDrop  func(n int)
}

// NewPostgresSink opens the database and verifies connectivity.
func NewPostgresSink(ctx context.Context, dsn string, cfg config.PostgresConfig) (*PostgresSink, error) {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresSink{
		db:   db,
		cfg:  cfg,
		ch:   make(chan RequestEventDoc, cfg.QueueCapacity),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// OnDrop registers a drop observer. Must be set before Start.
func (p *PostgresSink) OnDrop(fn func(n int)) {
	p.onDrop = fn
}

// Dropped returns the total number of records dropped so far.
func (p *PostgresSink) Dropped() uint64 {
	return p.dropped.Load()
}

// DB exposes the underlying handle for health checks.
func (p *PostgresSink) DB() *sql.DB {
	return p.db
}

// Publish enqueues a request-event record; other record types are ignored
// (they belong to Kafka topics only).
func (p *PostgresSink) Publish(doc any) {
	ev, ok := doc.(RequestEventDoc)
	if !ok {
		return
	}
	select {
	case p.ch <- ev:
	default:
		p.drop(1)
	}
}

// Start launches the writer loop.
func (p *PostgresSink) Start() {
	go p.loop()
}

// Stop drains briefly, then closes the database.
func (p *PostgresSink) Stop(ctx context.Context) {
	close(p.stop)
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	if remaining := len(p.ch); remaining > 0 {
		p.drop(remaining)
	}
	_ = p.db.Close()
}

func (p *PostgresSink) loop() {
	defer close(p.done)
	for {
		select {
		case ev := <-p.ch:
			p.insert(ev)
		case <-p.stop:
			for {
				select {
				case ev := <-p.ch:
					p.insert(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *PostgresSink) insert(ev RequestEventDoc) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, insertEventSQL,
		ev.EventID, ev.ClientID, ev.Endpoint, ev.Method,
		string(ev.Outcome), ev.Reason, ev.StatusCode, ev.Timestamp)
	if err != nil {
		logger.Warn("postgres sink: insert failed, dropping record: %v", err)
		p.drop(1)
	}
}

func (p *PostgresSink) drop(n int) {
	p.dropped.Add(uint64(n))
	if p.onDrop != nil {
		p.onDrop(n)
	}
}
