package packet

import "time"

// SelectionCode identifies which agreement template and fee structure a
// packet carries. Valid values are 1 (excess funds recovery), 2 (wholesale
// assignment) and 3 (combined).
type SelectionCode int

const (
	SelectionExcessFunds SelectionCode = 1
	SelectionWholesale   SelectionCode = 2
	SelectionCombined    SelectionCode = 3
)

// Valid reports whether the selection code is one of the known values.
func (c SelectionCode) Valid() bool {
	switch c {
	case SelectionExcessFunds, SelectionWholesale, SelectionCombined:
		return true
	default:
		return false
	}
}

// Label returns the human-readable agreement-type label shown on the
// public signing page.
func (c SelectionCode) Label() string {
	switch c {
	case SelectionExcessFunds:
		return "Excess Funds Recovery"
	case SelectionWholesale:
		return "Wholesale Assignment"
	case SelectionCombined:
		return "Combined Recovery & Assignment"
	default:
		return "Unknown"
	}
}

// TriggeredBy records which surface initiated packet creation.
type TriggeredBy string

const (
	TriggeredBySMS      TriggeredBy = "sms"
	TriggeredByUI       TriggeredBy = "ui"
	TriggeredByAPI      TriggeredBy = "api"
	TriggeredByWorkflow TriggeredBy = "workflow"
)

func (t TriggeredBy) Valid() bool {
	switch t {
	case TriggeredBySMS, TriggeredByUI, TriggeredByAPI, TriggeredByWorkflow:
		return true
	default:
		return false
	}
}

// DeliveryMethod selects the outbound channels used by SendPacket.
type DeliveryMethod string

const (
	DeliverSMS   DeliveryMethod = "sms"
	DeliverEmail DeliveryMethod = "email"
	DeliverBoth  DeliveryMethod = "both"
)

func (m DeliveryMethod) Valid() bool {
	switch m {
	case DeliverSMS, DeliverEmail, DeliverBoth:
		return true
	default:
		return false
	}
}

// Packet mirrors the packets table columns touched by the lifecycle.
// Monetary amounts are carried as opaque decimal strings; this core derives
// the fee fields once at creation and never recomputes them afterwards.
type Packet struct {
	ID                   string
	LeadID               string
	SelectionCode        SelectionCode
	ClientName           string
	ClientPhone          string
	ClientEmail          *string
	PropertyAddress      *string
	CaseNumber           *string
	ExcessFundsAmount    *string
	EstimatedEquity      *string
	FeeAmount            *string
	FeePercent           *string
	Status               Status
	Provider             *string
	SigningToken         *string
	SigningURL           *string
	SigningLinkExpiresAt *time.Time
	ReminderCount        int
	TriggeredBy          TriggeredBy
	SourceMessageSid     *string
	SentAt               *time.Time
	FirstViewedAt        *time.Time
	SignedAt             *time.Time
	EscalatedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// LinkExpired reports whether the signing link is past its expiration at
// the supplied instant. Packets without a link never report expired.
func (p Packet) LinkExpired(now time.Time) bool {
	return p.SigningLinkExpiresAt != nil && now.After(*p.SigningLinkExpiresAt)
}

// Event is an immutable append-only audit record. Events are never mutated
// or deleted; they form the full provenance trail for a packet.
type Event struct {
	ID           int64
	PacketID     *string
	Type         EventType
	Source       EventSource
	Provider     *string
	Payload      map[string]any
	ErrorMessage *string
	CreatedAt    time.Time
}

// EventSource identifies the surface an event entered through.
type EventSource string

const (
	SourceAPI     EventSource = "api"
	SourceWebhook EventSource = "webhook"
	SourceCron    EventSource = "cron"
)
