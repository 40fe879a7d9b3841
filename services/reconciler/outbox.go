package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hostwatch/pkg/bus"
	"hostwatch/pkg/db"
)

// pgOutboxStore appends outbox rows on the caller's querier. Appends always
// happen inside the transaction that mutated the relationship rows, so the
// event and the state it describes commit atomically.
type pgOutboxStore struct {
	q db.Querier
}

// NewOutboxStore binds an OutboxAppender to the given querier.
func NewOutboxStore(q db.Querier) OutboxAppender {
	return &pgOutboxStore{q: q}
}

func (s *pgOutboxStore) Append(ctx context.Context, event UsageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return unrecoverable("serialize outgoing event for org=%s instance=%s: %v", event.OrgID, event.InstanceID, err)
	}

	_, err = db.Exec(ctx, s.q, `
INSERT INTO event_outbox (id, org_id, payload, created_on)
VALUES ($1, $2, $3::jsonb, now())
`, uuid.New(), event.OrgID, payload)
	return err
}

type outboxRow struct {
	ID      uuid.UUID `db:"id"`
	OrgID   string    `db:"org_id"`
	Payload []byte    `db:"payload"`
}

// Drainer is the second stage of the transactional outbox: it reads pending
// rows in per-org creation order, publishes each to the outbound transport,
// and removes rows only after the transport confirms the send. The durable
// table is the only link between the two stages, so restarts never lose a
// queued event.
type Drainer struct {
	pool     *pgxpool.Pool
	bus      *bus.Bus
	cfg      DrainConfig
	logger   *log.Logger
	batch    func(ctx context.Context) (int64, error)
	draining atomic.Bool
}

// DrainConfig controls drain batching, pacing, and emission.
type DrainConfig struct {
	SubjectPrefix string
	Interval      time.Duration
	MaxBackoff    time.Duration
	BatchSize     int
	// EmitEnabled gates whether drained events reach the transport. When
	// false rows are still flushed, just never published; used for staged
	// rollout.
	EmitEnabled bool
}

// NewDrainer builds a Drainer.
func NewDrainer(pool *pgxpool.Pool, b *bus.Bus, cfg DrainConfig, logger *log.Logger) (*Drainer, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if cfg.EmitEnabled && b == nil {
		return nil, errors.New("bus is required when emission is enabled")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	if logger == nil {
		logger = log.Default()
	}
	d := &Drainer{pool: pool, bus: b, cfg: cfg, logger: logger}
	d.batch = d.flushBatch
	return d, nil
}

// Run drains the outbox on a timer until ctx is cancelled. Transport failures
// back off exponentially up to the configured maximum and reset on the next
// successful cycle.
func (d *Drainer) Run(ctx context.Context) {
	delay := d.cfg.Interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if _, err := d.Flush(ctx); err != nil {
			delay = nextBackoff(delay, d.cfg.MaxBackoff)
			d.logger.Printf("WARN outbox drain failed, retrying in %s: %v", delay, err)
			continue
		}
		delay = d.cfg.Interval
	}
}

// Flush drains the outbox until no pending rows remain, returning the number
// of rows processed. Only one flush runs at a time; concurrent callers get
// ErrFlushInProgress.
func (d *Drainer) Flush(ctx context.Context) (int64, error) {
	if !d.draining.CompareAndSwap(false, true) {
		return 0, ErrFlushInProgress
	}
	defer d.draining.Store(false)

	return d.drainAll(ctx)
}

// FlushAsync claims the single-flight slot and drains in the background. It
// reports false when a flush is already running. The slot is claimed before
// returning, so a second caller can never also be told the flush started.
func (d *Drainer) FlushAsync(ctx context.Context) bool {
	if !d.draining.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer d.draining.Store(false)
		if _, err := d.drainAll(ctx); err != nil {
			d.logger.Printf("ERROR async outbox flush: %v", err)
		}
	}()
	return true
}

func (d *Drainer) drainAll(ctx context.Context) (int64, error) {
	var total int64
	for {
		n, err := d.batch(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		outboxFlushed.Add(float64(n))
		total += n
	}
}

// ErrFlushInProgress is returned when a flush is requested while another one
// is still running.
var ErrFlushInProgress = errors.New("outbox flush already in progress")

// flushBatch publishes and removes one locked batch inside a transaction.
// Rows are ordered by (org, created_on) so downstream consumers observe each
// org's events in causal order; a publish failure rolls the whole batch back
// and every row is retried on the next cycle (at-least-once delivery).
func (d *Drainer) flushBatch(ctx context.Context) (int64, error) {
	var flushed int64
	err := db.RunInTx(ctx, d.pool, func(ctx context.Context, tx pgx.Tx) error {
		var rows []outboxRow
		if err := pgxscan.Select(ctx, tx, &rows, `
SELECT id, org_id, payload
FROM event_outbox
ORDER BY org_id, created_on, id
LIMIT $1
FOR UPDATE SKIP LOCKED
`, d.cfg.BatchSize); err != nil {
			return fmt.Errorf("read outbox batch: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			if d.cfg.EmitEnabled {
				if err := d.bus.PublishRaw(ctx, d.subject(row.OrgID), row.Payload); err != nil {
					outboxPublishFailures.Inc()
					return fmt.Errorf("publish outbox record %s: %w", row.ID, err)
				}
			}
			ids = append(ids, row.ID)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM event_outbox WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("remove flushed outbox records: %w", err)
		}
		flushed = tag.RowsAffected()
		return nil
	})
	return flushed, err
}

// subject keys outbound events by org, preserving per-org ordering on the
// transport without coupling independent orgs.
func (d *Drainer) subject(orgID string) string {
	return d.cfg.SubjectPrefix + "." + orgID
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
