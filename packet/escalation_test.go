package packet

import (
	"context"
	"testing"
)

func TestEscalationRunOnce_FlagsThresholdPackets(t *testing.T) {
	store := newFakeStore()
	ready := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, Status: StatusSent, ReminderCount: 3})
	below := store.add(Packet{LeadID: "lead-2", SelectionCode: 1, Status: StatusSent, ReminderCount: 1})
	terminal := store.add(Packet{LeadID: "lead-3", SelectionCode: 1, Status: StatusSigned, ReminderCount: 5})

	scheduler := NewEscalationScheduler(store, DefaultReminderThreshold)
	outcome, err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	if outcome.Scanned != 1 {
		t.Fatalf("expected 1 candidate, got %d", outcome.Scanned)
	}
	if len(outcome.Escalated) != 1 || outcome.Escalated[0] != ready.ID {
		t.Fatalf("expected %s escalated, got %v", ready.ID, outcome.Escalated)
	}
	if store.packets[ready.ID].EscalatedAt == nil {
		t.Fatalf("expected escalation timestamp set")
	}
	if store.packets[below.ID].EscalatedAt != nil || store.packets[terminal.ID].EscalatedAt != nil {
		t.Fatalf("packets outside the policy must stay unflagged")
	}
	if store.packets[ready.ID].Status != StatusSent {
		t.Fatalf("escalation must not change status, got %s", store.packets[ready.ID].Status)
	}
}

func TestEscalationRunOnce_SkipsAlreadyEscalated(t *testing.T) {
	store := newFakeStore()
	p := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, Status: StatusViewed, ReminderCount: 4})

	scheduler := NewEscalationScheduler(store, 0)

	first, err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(first.Escalated) != 1 {
		t.Fatalf("expected one escalation, got %v", first.Escalated)
	}

	second, err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(second.Escalated) != 0 {
		t.Fatalf("second pass must not re-escalate %s, got %v", p.ID, second.Escalated)
	}
}
