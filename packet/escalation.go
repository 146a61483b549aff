package packet

import (
	"context"
	"errors"
	"log"
)

// DefaultReminderThreshold is how many unanswered reminders a packet
// accrues before it is flagged for human follow-up.
const DefaultReminderThreshold = 3

// EscalationScheduler is the out-of-band policy that flags unresponsive
// packets. It owns no state beyond the escalation timestamp and is invoked
// by an external trigger (cron endpoint), never by an in-process timer.
type EscalationScheduler struct {
	store     Store
	threshold int
}

func NewEscalationScheduler(store Store, threshold int) *EscalationScheduler {
	if threshold <= 0 {
		threshold = DefaultReminderThreshold
	}
	return &EscalationScheduler{store: store, threshold: threshold}
}

// EscalationOutcome summarizes one scheduler pass.
type EscalationOutcome struct {
	Scanned   int
	Escalated []string
}

// RunOnce scans sent/viewed packets that reached the reminder threshold and
// escalates each. A failure on one packet does not stop the pass; races
// against a concurrent webhook moving the packet terminal are tolerated.
func (s *EscalationScheduler) RunOnce(ctx context.Context) (EscalationOutcome, error) {
	candidates, err := s.store.ListEscalationCandidates(ctx, s.threshold)
	if err != nil {
		return EscalationOutcome{}, err
	}

	outcome := EscalationOutcome{Scanned: len(candidates)}
	for _, p := range candidates {
		_, newly, err := s.store.MarkEscalated(ctx, p.ID, SourceCron)
		switch {
		case err == nil:
			if newly {
				outcome.Escalated = append(outcome.Escalated, p.ID)
			}
		case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
			// packet moved on between scan and escalate
		default:
			log.Printf("packet: escalate %s: %v", p.ID, err)
		}
	}
	return outcome, nil
}
