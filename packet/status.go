package packet

// Status is the lifecycle state of a packet.
type Status string

const (
	StatusCreated         Status = "created"
	StatusReadyToSend     Status = "ready_to_send"
	StatusSent            Status = "sent"
	StatusViewed          Status = "viewed"
	StatusPartiallySigned Status = "partially_signed"
	StatusSigned          Status = "signed"
	StatusVoided          Status = "voided"
	StatusDeclined        Status = "declined"
	StatusExpired         Status = "expired"
	StatusFailed          Status = "failed"
)

// NonTerminalStatuses is the set used by the idempotent-create lookup and
// by every guarded transition. Order matters only for readability.
var NonTerminalStatuses = []Status{
	StatusCreated,
	StatusReadyToSend,
	StatusSent,
	StatusViewed,
	StatusPartiallySigned,
}

// Terminal reports whether no further lifecycle transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusSigned, StatusVoided, StatusDeclined, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}

// EventType classifies audit events and, for provider-driven events, keys
// the transition table.
type EventType string

const (
	EventCreated         EventType = "created"
	EventSent            EventType = "sent"
	EventViewed          EventType = "viewed"
	EventPartiallySigned EventType = "partially_signed"
	EventSigned          EventType = "signed"
	EventDeclined        EventType = "declined"
	EventExpired         EventType = "expired"
	EventEscalated       EventType = "escalated"
	EventError           EventType = "error"
	EventLinkClicked     EventType = "link_clicked"
	EventVoided          EventType = "voided"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventSent, EventViewed, EventPartiallySigned, EventSigned,
		EventDeclined, EventExpired, EventEscalated, EventError, EventLinkClicked,
		EventVoided:
		return true
	default:
		return false
	}
}

// statusForEvent maps a provider-driven event type to its target status.
// Event types absent from the table (escalated, link_clicked, created, sent)
// are audit-only and never move status through ApplyProviderEvent.
func statusForEvent(t EventType) (Status, bool) {
	switch t {
	case EventViewed:
		return StatusViewed, true
	case EventPartiallySigned:
		return StatusPartiallySigned, true
	case EventSigned:
		return StatusSigned, true
	case EventDeclined:
		return StatusDeclined, true
	case EventExpired:
		return StatusExpired, true
	case EventError:
		return StatusFailed, true
	case EventVoided:
		return StatusVoided, true
	default:
		return "", false
	}
}

// validTransition encodes the forward edges of the state machine. Terminal
// failure states are reachable from any non-terminal state; the success
// chain only moves forward. Redundant same-status events are no-ops handled
// by the caller, not edges here.
func validTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusVoided, StatusDeclined, StatusExpired, StatusFailed:
		return true
	case StatusReadyToSend:
		return from == StatusCreated
	case StatusSent:
		return from == StatusCreated || from == StatusReadyToSend
	case StatusViewed:
		return from == StatusSent
	case StatusPartiallySigned:
		return from == StatusSent || from == StatusViewed
	case StatusSigned:
		return from == StatusSent || from == StatusViewed || from == StatusPartiallySigned
	default:
		return false
	}
}
