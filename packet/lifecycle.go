package packet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"packetflow/document"
	"packetflow/lead"
)

var (
	// ErrLinkExpired signals the signing link is past its expiration.
	ErrLinkExpired = errors.New("packet: signing link expired")
	// ErrUnavailable signals the packet is in a terminal failure state and
	// the signing page must not be served.
	ErrUnavailable = errors.New("packet: packet unavailable for signing")
)

// ValidationError carries a field-level message surfaced as HTTP 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("packet: validation: %s %s", e.Field, e.Message)
}

// Store is the persistence contract the lifecycle drives. PGStore is the
// production implementation; tests substitute fakes.
type Store interface {
	CreateIfAbsent(ctx context.Context, row NewPacket) (Packet, bool, error)
	GetByID(ctx context.Context, id string) (Packet, error)
	GetByToken(ctx context.Context, token string) (Packet, error)
	MarkSent(ctx context.Context, params MarkSentParams) (Packet, error)
	ApplyEvent(ctx context.Context, params ApplyEventParams) (TransitionResult, error)
	MarkEscalated(ctx context.Context, packetID string, source EventSource) (time.Time, bool, error)
	AppendEvent(ctx context.Context, ev Event) error
	ListEvents(ctx context.Context, packetID string) ([]Event, error)
	ListEscalationCandidates(ctx context.Context, threshold int) ([]Packet, error)
}

// Notifier delivers outbound messages. Delivery is best-effort: failures
// are reported per channel and never roll back a state transition.
type Notifier interface {
	SendSMS(ctx context.Context, to, body string) error
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Lifecycle is the packet state machine service. All packet mutations flow
// through it; no other component writes packet state.
type Lifecycle struct {
	store    Store
	leads    lead.Reader
	docs     document.Lister
	notifier Notifier
	linkBase string
	linkTTL  time.Duration
	now      func() time.Time
	newToken func() string
}

// Config carries the knobs the lifecycle needs beyond its collaborators.
type Config struct {
	// LinkBase is the public base URL signing links are minted under.
	LinkBase string
	// LinkTTL bounds signing-link validity. Zero means 7 days.
	LinkTTL time.Duration
}

func NewLifecycle(store Store, leads lead.Reader, docs document.Lister, notifier Notifier, cfg Config) *Lifecycle {
	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Lifecycle{
		store:    store,
		leads:    leads,
		docs:     docs,
		notifier: notifier,
		linkBase: strings.TrimRight(cfg.LinkBase, "/"),
		linkTTL:  ttl,
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// WithClock overrides the time source, for tests.
func (l *Lifecycle) WithClock(now func() time.Time) *Lifecycle {
	l.now = now
	return l
}

// WithTokenGenerator overrides signing-token minting, for tests.
func (l *Lifecycle) WithTokenGenerator(gen func() string) *Lifecycle {
	l.newToken = gen
	return l
}

// CreateParams are the caller-supplied inputs of packet creation.
type CreateParams struct {
	LeadID            string
	SelectionCode     SelectionCode
	ClientName        string
	ClientPhone       string
	ClientEmail       *string
	PropertyAddress   *string
	CaseNumber        *string
	ExcessFundsAmount *string
	EstimatedEquity   *string
	TriggeredBy       TriggeredBy
	SourceMessageSid  *string
}

// CreateResult reports the packet plus whether an existing live packet was
// returned instead of a new row.
type CreateResult struct {
	Packet     Packet
	Idempotent bool
}

// placeholderClientName is used when neither the caller nor the lead record
// supplies a client name.
const placeholderClientName = "Property Owner"

// CreatePacket performs the idempotent create. Retries and double-clicks
// must never produce two live signing flows for the same (lead, selection
// code) intent; the store enforces that atomically.
func (l *Lifecycle) CreatePacket(ctx context.Context, params CreateParams) (CreateResult, error) {
	if params.LeadID == "" {
		return CreateResult{}, &ValidationError{Field: "lead_id", Message: "is required"}
	}
	if !params.SelectionCode.Valid() {
		return CreateResult{}, &ValidationError{Field: "selection_code", Message: "must be 1, 2 or 3"}
	}
	if params.ClientPhone == "" {
		return CreateResult{}, &ValidationError{Field: "client_phone", Message: "is required"}
	}
	triggeredBy := params.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = TriggeredByAPI
	}
	if !triggeredBy.Valid() {
		return CreateResult{}, &ValidationError{Field: "triggered_by", Message: "must be one of sms, ui, api, workflow"}
	}

	row := NewPacket{
		LeadID:            params.LeadID,
		SelectionCode:     params.SelectionCode,
		ClientName:        params.ClientName,
		ClientPhone:       params.ClientPhone,
		ClientEmail:       params.ClientEmail,
		PropertyAddress:   params.PropertyAddress,
		CaseNumber:        params.CaseNumber,
		ExcessFundsAmount: params.ExcessFundsAmount,
		EstimatedEquity:   params.EstimatedEquity,
		TriggeredBy:       triggeredBy,
		SourceMessageSid:  params.SourceMessageSid,
	}

	if needsLeadFields(row) && l.leads != nil {
		rec, err := l.leads.GetByID(ctx, params.LeadID)
		switch {
		case err == nil:
			fillFromLead(&row, rec)
		case errors.Is(err, lead.ErrNotFound):
			// tolerated: the caller supplied enough, missing fields fall
			// back to placeholders below
		default:
			return CreateResult{}, fmt.Errorf("packet: resolve lead: %w", err)
		}
	}
	if row.ClientName == "" {
		row.ClientName = placeholderClientName
	}

	row.FeeAmount, row.FeePercent = computeFees(row.SelectionCode, row.ExcessFundsAmount, row.EstimatedEquity)

	p, created, err := l.store.CreateIfAbsent(ctx, row)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Packet: p, Idempotent: !created}, nil
}

func needsLeadFields(row NewPacket) bool {
	return row.ClientName == "" || row.ClientEmail == nil || row.PropertyAddress == nil ||
		row.CaseNumber == nil || row.ExcessFundsAmount == nil || row.EstimatedEquity == nil
}

func fillFromLead(row *NewPacket, rec lead.Lead) {
	if row.ClientName == "" && rec.OwnerName != nil {
		row.ClientName = *rec.OwnerName
	}
	if row.ClientEmail == nil {
		row.ClientEmail = rec.Email
	}
	if row.PropertyAddress == nil {
		row.PropertyAddress = rec.PropertyAddress
	}
	if row.CaseNumber == nil {
		row.CaseNumber = rec.CaseNumber
	}
	if row.ExcessFundsAmount == nil {
		row.ExcessFundsAmount = rec.ExcessFundsAmount
	}
	if row.EstimatedEquity == nil {
		row.EstimatedEquity = rec.EstimatedEquity
	}
}

// SendResult reports the refreshed link and per-channel delivery outcomes.
type SendResult struct {
	Packet     Packet
	SigningURL string
	SMSSent    bool
	EmailSent  bool
	SMSError   string
	EmailError string
}

// SendPacket transitions the packet to sent, mints a fresh signing link and
// dispatches delivery through the notifier. Channel failures are recorded
// as audit events and reported to the caller; the transition stands.
func (l *Lifecycle) SendPacket(ctx context.Context, packetID string, method DeliveryMethod) (SendResult, error) {
	if packetID == "" {
		return SendResult{}, &ValidationError{Field: "packet_id", Message: "is required"}
	}
	if method == "" {
		method = DeliverBoth
	}
	if !method.Valid() {
		return SendResult{}, &ValidationError{Field: "delivery_method", Message: "must be one of sms, email, both"}
	}

	token := l.newToken()
	url := fmt.Sprintf("%s/sign/%s", l.linkBase, token)
	updated, err := l.store.MarkSent(ctx, MarkSentParams{
		PacketID:       packetID,
		SigningToken:   token,
		SigningURL:     url,
		ExpiresAt:      l.now().Add(l.linkTTL),
		DeliveryMethod: method,
	})
	if err != nil {
		return SendResult{}, err
	}

	result := SendResult{Packet: updated, SigningURL: url}
	l.deliver(ctx, updated, method, url, &result)
	return result, nil
}

func (l *Lifecycle) deliver(ctx context.Context, p Packet, method DeliveryMethod, url string, result *SendResult) {
	if l.notifier == nil {
		return
	}

	body := fmt.Sprintf("Your %s agreement for %s is ready to sign: %s",
		p.SelectionCode.Label(), p.ClientName, url)

	var g errgroup.Group
	if method == DeliverSMS || method == DeliverBoth {
		g.Go(func() error {
			if err := l.notifier.SendSMS(ctx, p.ClientPhone, body); err != nil {
				result.SMSError = err.Error()
				l.recordDeliveryFailure(ctx, p.ID, "sms", err)
				return nil
			}
			result.SMSSent = true
			return nil
		})
	}
	if (method == DeliverEmail || method == DeliverBoth) && p.ClientEmail != nil && *p.ClientEmail != "" {
		email := *p.ClientEmail
		g.Go(func() error {
			subject := fmt.Sprintf("%s agreement ready for signature", p.SelectionCode.Label())
			if err := l.notifier.SendEmail(ctx, email, subject, body); err != nil {
				result.EmailError = err.Error()
				l.recordDeliveryFailure(ctx, p.ID, "email", err)
				return nil
			}
			result.EmailSent = true
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Lifecycle) recordDeliveryFailure(ctx context.Context, packetID, channel string, cause error) {
	msg := cause.Error()
	if err := l.store.AppendEvent(ctx, Event{
		PacketID:     &packetID,
		Type:         EventError,
		Source:       SourceAPI,
		Payload:      map[string]any{"channel": channel},
		ErrorMessage: &msg,
	}); err != nil {
		log.Printf("packet: record %s delivery failure for %s: %v", channel, packetID, err)
	}
}

// SigningPage is the read model served to the public signing page.
type SigningPage struct {
	Packet        Packet
	AgreementType string
	Documents     []document.Document
	AlreadySigned bool
}

// LoadForSigning resolves a packet for the public signing page and applies
// the guard rules. The three failure-adjacent conditions are distinct:
// already-signed is reported on the page without error, an expired link
// yields ErrLinkExpired and a terminal failure state yields ErrUnavailable.
func (l *Lifecycle) LoadForSigning(ctx context.Context, ref string) (SigningPage, error) {
	p, err := l.store.GetByToken(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		p, err = l.store.GetByID(ctx, ref)
	}
	if err != nil {
		return SigningPage{}, err
	}

	page := SigningPage{Packet: p, AgreementType: p.SelectionCode.Label()}

	if p.Status == StatusSigned {
		page.AlreadySigned = true
		if page.Documents, err = l.listDocuments(ctx, p.SelectionCode); err != nil {
			return SigningPage{}, err
		}
		return page, nil
	}
	switch p.Status {
	case StatusVoided, StatusDeclined, StatusExpired, StatusFailed:
		return SigningPage{}, ErrUnavailable
	}
	if p.LinkExpired(l.now()) {
		return SigningPage{}, ErrLinkExpired
	}

	if page.Documents, err = l.listDocuments(ctx, p.SelectionCode); err != nil {
		return SigningPage{}, err
	}

	// First successful load from sent counts as the client viewing the
	// agreement; later loads are click-tracked only.
	if p.Status == StatusSent {
		res, err := l.store.ApplyEvent(ctx, ApplyEventParams{
			PacketID: p.ID,
			Type:     EventViewed,
			Source:   SourceAPI,
			Payload:  map[string]any{"via": "signing_page"},
		})
		if err != nil {
			log.Printf("packet: record first view for %s: %v", p.ID, err)
		} else {
			page.Packet = res.Packet
		}
	} else {
		l.recordLinkClick(ctx, p.ID)
	}

	return page, nil
}

func (l *Lifecycle) listDocuments(ctx context.Context, code SelectionCode) ([]document.Document, error) {
	if l.docs == nil {
		return nil, nil
	}
	docs, err := l.docs.ListBySelection(ctx, int(code))
	if err != nil {
		return nil, fmt.Errorf("packet: list documents: %w", err)
	}
	return docs, nil
}

func (l *Lifecycle) recordLinkClick(ctx context.Context, packetID string) {
	if err := l.store.AppendEvent(ctx, Event{
		PacketID: &packetID,
		Type:     EventLinkClicked,
		Source:   SourceAPI,
		Payload:  map[string]any{"via": "signing_page"},
	}); err != nil {
		log.Printf("packet: record link click for %s: %v", packetID, err)
	}
}

// ProviderEventParams is the canonical, provider-independent event handed
// over by the webhook router.
type ProviderEventParams struct {
	PacketID     string
	Type         EventType
	Provider     string
	Payload      map[string]any
	ErrorMessage string
}

// ApplyProviderEvent validates and applies a provider-driven transition.
// Safe under replay and out-of-order delivery: duplicate and post-terminal
// events append audit records without moving status.
func (l *Lifecycle) ApplyProviderEvent(ctx context.Context, params ProviderEventParams) (TransitionResult, error) {
	if params.PacketID == "" {
		return TransitionResult{}, &ValidationError{Field: "packet_id", Message: "is required"}
	}
	if !params.Type.Valid() {
		return TransitionResult{}, &ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event type %q", params.Type)}
	}
	return l.store.ApplyEvent(ctx, ApplyEventParams{
		PacketID:     params.PacketID,
		Type:         params.Type,
		Source:       SourceWebhook,
		Provider:     params.Provider,
		Payload:      params.Payload,
		ErrorMessage: params.ErrorMessage,
	})
}

// RecordWebhookError appends an audit event for webhook deliveries that
// failed verification or could not be resolved. Never dropped silently.
func (l *Lifecycle) RecordWebhookError(ctx context.Context, packetID *string, provider, message string, payload map[string]any) error {
	var msg *string
	if message != "" {
		msg = &message
	}
	var prov *string
	if provider != "" {
		prov = &provider
	}
	return l.store.AppendEvent(ctx, Event{
		PacketID:     packetID,
		Type:         EventError,
		Source:       SourceWebhook,
		Provider:     prov,
		Payload:      payload,
		ErrorMessage: msg,
	})
}

// Escalate marks a packet for human follow-up. Idempotent; the status is
// untouched. The source records who initiated the escalation, an operator
// through the API or the scheduler sweep.
func (l *Lifecycle) Escalate(ctx context.Context, packetID string, source EventSource) (time.Time, error) {
	if packetID == "" {
		return time.Time{}, &ValidationError{Field: "packet_id", Message: "is required"}
	}
	if source == "" {
		source = SourceAPI
	}
	at, _, err := l.store.MarkEscalated(ctx, packetID, source)
	return at, err
}

// GetPacket returns a packet with its full audit trail.
func (l *Lifecycle) GetPacket(ctx context.Context, packetID string) (Packet, []Event, error) {
	p, err := l.store.GetByID(ctx, packetID)
	if err != nil {
		return Packet{}, nil, err
	}
	events, err := l.store.ListEvents(ctx, packetID)
	if err != nil {
		return Packet{}, nil, err
	}
	return p, events, nil
}

// Void is the explicit administrative cancellation: the only path into the
// voided terminal state.
func (l *Lifecycle) Void(ctx context.Context, packetID, actorID string) (TransitionResult, error) {
	if packetID == "" {
		return TransitionResult{}, &ValidationError{Field: "packet_id", Message: "is required"}
	}
	p, err := l.store.GetByID(ctx, packetID)
	if err != nil {
		return TransitionResult{}, err
	}
	if p.Status.Terminal() {
		return TransitionResult{}, ErrTerminal
	}
	payload := map[string]any{}
	if actorID != "" {
		payload["actor_id"] = actorID
	}
	return l.store.ApplyEvent(ctx, ApplyEventParams{
		PacketID: packetID,
		Type:     EventVoided,
		Source:   SourceAPI,
		Payload:  payload,
	})
}
