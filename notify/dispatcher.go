package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Publisher receives committed outbox messages (packet.created,
// packet.sent, packet.status_changed, packet.escalated) for downstream
// consumers such as the CRM dashboard.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LogPublisher is the development stand-in.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	log.Printf("notify: publish %s: %s", topic, payload)
	return nil
}

const maxDispatchAttempts = 5

// Dispatcher drains the transactional outbox. Side effects run strictly
// after the state mutation committed; a failing message is retried with
// attempts tracked, then parked as dead. Losing a message never affects
// packet state.
type Dispatcher struct {
	pool      *pgxpool.Pool
	publisher Publisher
	batchSize int
	interval  time.Duration
	workers   int
}

func NewDispatcher(pool *pgxpool.Pool, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		pool:      pool,
		publisher: publisher,
		batchSize: 50,
		interval:  2 * time.Second,
		workers:   4,
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("notify: drain outbox: %v", err)
			}
		}
	}
}

type claimed struct {
	id      string
	topic   string
	payload []byte
}

// DrainOnce claims one batch of pending messages and dispatches them
// concurrently. Returns how many messages were processed.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	batch, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.Group{}, ctx
	g.SetLimit(d.workers)
	for _, msg := range batch {
		g.Go(func() error {
			if err := d.publisher.Publish(gctx, msg.topic, msg.payload); err != nil {
				d.markFailed(gctx, msg.id, err)
				return nil
			}
			d.markProcessed(gctx, msg.id)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

// claim flips a batch to processing under SKIP LOCKED so concurrent
// dispatchers never double-deliver.
func (d *Dispatcher) claim(ctx context.Context) ([]claimed, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        UPDATE outbox
        SET status = 'processing', attempts = attempts + 1
        WHERE id IN (
            SELECT id FROM outbox
            WHERE status = 'pending'
            ORDER BY created_at ASC
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, topic, payload
    `, d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("notify: claim batch: %w", err)
	}

	batch, err := collectClaimed(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("notify: commit claim: %w", err)
	}
	return batch, nil
}

func collectClaimed(rows pgx.Rows) ([]claimed, error) {
	defer rows.Close()
	batch := []claimed{}
	for rows.Next() {
		var msg claimed
		if err := rows.Scan(&msg.id, &msg.topic, &msg.payload); err != nil {
			return nil, fmt.Errorf("notify: scan outbox row: %w", err)
		}
		batch = append(batch, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate outbox rows: %w", err)
	}
	return batch, nil
}

func (d *Dispatcher) markProcessed(ctx context.Context, id string) {
	if _, err := d.pool.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, id); err != nil {
		log.Printf("notify: mark processed %s: %v", id, err)
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, id string, cause error) {
	log.Printf("notify: publish %s failed: %v", id, cause)
	_, err := d.pool.Exec(ctx, `
        UPDATE outbox
        SET status = CASE WHEN attempts >= $2 THEN 'dead' ELSE 'pending' END
        WHERE id = $1
    `, id, maxDispatchAttempts)
	if err != nil {
		log.Printf("notify: mark failed %s: %v", id, err)
	}
}
