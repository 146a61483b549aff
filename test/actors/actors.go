// Package actors contains the concurrent workloads of the stress harness.
// Each actor loops until stopped, hammering one slice of the packet
// lifecycle directly against the database the way the production store does.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Creator races the partial unique index: it blindly inserts packets for the
// same (lead, selection code) and expects contention to surface as 23505,
// never as a second live row.
func Creator(ctx context.Context, pool *pgxpool.Pool, leadID string, selectionCode int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO packets (lead_id, selection_code, client_name, client_phone, triggered_by)
                                   VALUES ($1, $2, 'Stress Seller', '+15550100', 'api')`, leadID, selectionCode)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
				// expected under contention
			} else {
				return fmt.Errorf("creator insert: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Sender transitions created packets to sent with a fresh signing token,
// mirroring the guarded MarkSent transaction.
func Sender(ctx context.Context, pool *pgxpool.Pool, leadID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var packetID string
		err = tx.QueryRow(ctx, `SELECT id FROM packets WHERE lead_id=$1 AND status='created' LIMIT 1 FOR UPDATE`, leadID).Scan(&packetID)
		if err == nil {
			token := uuid.NewString()
			_, err = tx.Exec(ctx, `UPDATE packets
                SET status='sent', signing_token=$2, signing_url='https://sign.test/sign/'||$2,
                    signing_link_expires_at=NOW() + interval '7 days', sent_at=COALESCE(sent_at, NOW()), updated_at=NOW()
                WHERE id=$1`, packetID, token)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO packet_events (packet_id, event_type, source) VALUES ($1,'sent','api')`, packetID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('packet.sent', jsonb_build_object('packet_id',$1))`, packetID)
			}
		}
		if err == nil {
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// WebhookSigner replays provider completion events against live packets,
// including deliberate duplicates, exercising terminal monotonicity.
func WebhookSigner(ctx context.Context, pool *pgxpool.Pool, leadID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var packetID, status string
		err = tx.QueryRow(ctx, `SELECT id, status::text FROM packets WHERE lead_id=$1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, leadID).Scan(&packetID, &status)
		if err == nil {
			switch status {
			case "sent", "viewed", "partially_signed":
				_, err = tx.Exec(ctx, `UPDATE packets SET status='signed', signed_at=COALESCE(signed_at, NOW()), updated_at=NOW() WHERE id=$1`, packetID)
			}
			if err == nil {
				// the event is appended even when the packet was already terminal
				_, _ = tx.Exec(ctx, `INSERT INTO packet_events (packet_id, event_type, source, provider) VALUES ($1,'signed','webhook','docusign')`, packetID)
			}
		}
		if err == nil {
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Viewer simulates signing-page loads: sent packets move to viewed, later
// loads only append link_clicked events.
func Viewer(ctx context.Context, pool *pgxpool.Pool, leadID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var packetID, status string
		err = tx.QueryRow(ctx, `SELECT id, status::text FROM packets WHERE lead_id=$1 AND status IN ('sent','viewed') LIMIT 1 FOR UPDATE`, leadID).Scan(&packetID, &status)
		if err == nil {
			if status == "sent" {
				_, err = tx.Exec(ctx, `UPDATE packets SET status='viewed', first_viewed_at=COALESCE(first_viewed_at, NOW()), updated_at=NOW() WHERE id=$1`, packetID)
				if err == nil {
					_, _ = tx.Exec(ctx, `INSERT INTO packet_events (packet_id, event_type, source) VALUES ($1,'viewed','api')`, packetID)
				}
			} else {
				_, _ = tx.Exec(ctx, `INSERT INTO packet_events (packet_id, event_type, source) VALUES ($1,'link_clicked','api')`, packetID)
			}
		}
		if err == nil {
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(25+rand.Intn(45)) * time.Millisecond)
	}
}

// Escalator runs the cron-style escalation sweep: flag once, leave status
// alone, never flag terminal packets.
func Escalator(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `UPDATE packets SET escalated_at=NOW(), updated_at=NOW()
            WHERE escalated_at IS NULL AND status IN ('sent','viewed','partially_signed')
            RETURNING id`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(300 * time.Millisecond)
			continue
		}
		var ids []string
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `INSERT INTO packet_events (packet_id, event_type, source) VALUES ($1,'escalated','cron')`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(300 * time.Millisecond)
	}
}

// OutboxWorker drains pending outbox messages under SKIP LOCKED, with
// simulated random publish failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
