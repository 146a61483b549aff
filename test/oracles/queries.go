// Package oracles holds the invariant checks the stress harness evaluates
// while the actors run. Each oracle is a SQL query that must return zero
// rows; any row is a violated invariant.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_live_packet_per_intent",
			SQL: `SELECT lead_id, selection_code, COUNT(*) FROM packets
                  WHERE status IN ('created','ready_to_send','sent','viewed','partially_signed')
                  GROUP BY lead_id, selection_code HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_signed_requires_timestamp",
			SQL:  `SELECT id FROM packets WHERE status = 'signed' AND signed_at IS NULL`,
		},
		{
			Name: "O3_sent_requires_link",
			SQL: `SELECT id FROM packets
                  WHERE status IN ('sent','viewed','partially_signed')
                    AND (signing_token IS NULL OR sent_at IS NULL)`,
		},
		{
			Name: "O4_status_backed_by_event",
			SQL: `SELECT p.id, p.status FROM packets p
                  WHERE p.status IN ('sent','viewed','signed','declined','expired')
                    AND NOT EXISTS (
                        SELECT 1 FROM packet_events e
                        WHERE e.packet_id = p.id AND e.event_type::text = p.status::text)`,
		},
		{
			Name: "O5_escalation_only_from_live",
			SQL: `SELECT p.id FROM packets p
                  WHERE p.escalated_at IS NOT NULL
                    AND NOT EXISTS (
                        SELECT 1 FROM packet_events e
                        WHERE e.packet_id = p.id AND e.event_type = 'escalated')`,
		},
		{
			Name: "O6_outbox_drains",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_events_never_orphaned",
			SQL: `SELECT e.id FROM packet_events e
                  WHERE e.packet_id IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM packets p WHERE p.id = e.packet_id)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
