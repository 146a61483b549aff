package packet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"packetflow/document"
	"packetflow/lead"
)

// fakeStore is an in-memory Store mirroring the guarded-transition semantics
// of PGStore.
type fakeStore struct {
	packets map[string]*Packet
	events  []Event
	nextID  int

	createErr error
	sentErr   error
	applyErr  error
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{packets: map[string]*Packet{}}
}

func (f *fakeStore) add(p Packet) *Packet {
	cp := p
	if cp.ID == "" {
		f.nextID++
		cp.ID = fmt.Sprintf("packet-%d", f.nextID)
	}
	f.packets[cp.ID] = &cp
	return &cp
}

func (f *fakeStore) CreateIfAbsent(_ context.Context, row NewPacket) (Packet, bool, error) {
	if f.createErr != nil {
		return Packet{}, false, f.createErr
	}
	for _, p := range f.packets {
		if p.LeadID == row.LeadID && p.SelectionCode == row.SelectionCode && !p.Status.Terminal() {
			return *p, false, nil
		}
	}
	f.nextID++
	p := Packet{
		ID:                fmt.Sprintf("packet-%d", f.nextID),
		LeadID:            row.LeadID,
		SelectionCode:     row.SelectionCode,
		ClientName:        row.ClientName,
		ClientPhone:       row.ClientPhone,
		ClientEmail:       row.ClientEmail,
		PropertyAddress:   row.PropertyAddress,
		CaseNumber:        row.CaseNumber,
		ExcessFundsAmount: row.ExcessFundsAmount,
		EstimatedEquity:   row.EstimatedEquity,
		FeeAmount:         row.FeeAmount,
		FeePercent:        row.FeePercent,
		Status:            StatusCreated,
		TriggeredBy:       row.TriggeredBy,
		SourceMessageSid:  row.SourceMessageSid,
	}
	f.packets[p.ID] = &p
	f.events = append(f.events, Event{PacketID: &p.ID, Type: EventCreated, Source: SourceAPI})
	return p, true, nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (Packet, error) {
	if p, ok := f.packets[id]; ok {
		return *p, nil
	}
	return Packet{}, ErrNotFound
}

func (f *fakeStore) GetByToken(_ context.Context, token string) (Packet, error) {
	for _, p := range f.packets {
		if p.SigningToken != nil && *p.SigningToken == token {
			return *p, nil
		}
	}
	return Packet{}, ErrNotFound
}

func (f *fakeStore) MarkSent(_ context.Context, params MarkSentParams) (Packet, error) {
	if f.sentErr != nil {
		return Packet{}, f.sentErr
	}
	p, ok := f.packets[params.PacketID]
	if !ok {
		return Packet{}, ErrNotFound
	}
	if p.Status.Terminal() {
		return Packet{}, ErrTerminal
	}
	if p.Status == StatusSent || p.Status == StatusViewed || p.Status == StatusPartiallySigned {
		p.ReminderCount++
	} else {
		p.Status = StatusSent
	}
	token, url := params.SigningToken, params.SigningURL
	expires := params.ExpiresAt
	p.SigningToken = &token
	p.SigningURL = &url
	p.SigningLinkExpiresAt = &expires
	f.events = append(f.events, Event{PacketID: &p.ID, Type: EventSent, Source: SourceAPI})
	return *p, nil
}

func (f *fakeStore) ApplyEvent(_ context.Context, params ApplyEventParams) (TransitionResult, error) {
	if f.applyErr != nil {
		return TransitionResult{}, f.applyErr
	}
	p, ok := f.packets[params.PacketID]
	if !ok {
		return TransitionResult{}, ErrNotFound
	}
	prev := p.Status
	target, hasTarget := statusForEvent(params.Type)
	changed := hasTarget && prev != target && validTransition(prev, target)
	if changed {
		p.Status = target
	}
	ev := Event{PacketID: &p.ID, Type: params.Type, Source: params.Source, Payload: params.Payload}
	if params.Provider != "" {
		prov := params.Provider
		ev.Provider = &prov
	}
	if params.ErrorMessage != "" {
		msg := params.ErrorMessage
		ev.ErrorMessage = &msg
	}
	f.events = append(f.events, ev)
	return TransitionResult{Packet: *p, Previous: prev, StatusChanged: changed}, nil
}

func (f *fakeStore) MarkEscalated(_ context.Context, packetID string, source EventSource) (time.Time, bool, error) {
	p, ok := f.packets[packetID]
	if !ok {
		return time.Time{}, false, ErrNotFound
	}
	if p.EscalatedAt != nil {
		return *p.EscalatedAt, false, nil
	}
	switch p.Status {
	case StatusSent, StatusViewed, StatusPartiallySigned:
		at := time.Now().UTC()
		p.EscalatedAt = &at
		f.events = append(f.events, Event{PacketID: &p.ID, Type: EventEscalated, Source: source})
		return at, true, nil
	default:
		return time.Time{}, false, ErrInvalidState
	}
}

func (f *fakeStore) AppendEvent(_ context.Context, ev Event) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) ListEvents(_ context.Context, packetID string) ([]Event, error) {
	var out []Event
	for _, ev := range f.events {
		if ev.PacketID != nil && *ev.PacketID == packetID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) ListEscalationCandidates(_ context.Context, threshold int) ([]Packet, error) {
	var out []Packet
	for _, p := range f.packets {
		if p.EscalatedAt != nil || p.ReminderCount < threshold {
			continue
		}
		switch p.Status {
		case StatusSent, StatusViewed, StatusPartiallySigned:
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) eventsOfType(packetID string, t EventType) []Event {
	var out []Event
	for _, ev := range f.events {
		if ev.PacketID != nil && *ev.PacketID == packetID && ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeLeadReader struct {
	leads map[string]lead.Lead
}

func (f *fakeLeadReader) GetByID(_ context.Context, id string) (lead.Lead, error) {
	if rec, ok := f.leads[id]; ok {
		return rec, nil
	}
	return lead.Lead{}, lead.ErrNotFound
}

type fakeDocLister struct {
	docs []document.Document
	err  error
}

func (f *fakeDocLister) ListBySelection(_ context.Context, _ int) ([]document.Document, error) {
	return f.docs, f.err
}

type fakeNotifier struct {
	smsErr    error
	emailErr  error
	smsSent   []string
	emailSent []string
}

func (f *fakeNotifier) SendSMS(_ context.Context, to, _ string) error {
	if f.smsErr != nil {
		return f.smsErr
	}
	f.smsSent = append(f.smsSent, to)
	return nil
}

func (f *fakeNotifier) SendEmail(_ context.Context, to, _, _ string) error {
	if f.emailErr != nil {
		return f.emailErr
	}
	f.emailSent = append(f.emailSent, to)
	return nil
}

func strPtr(s string) *string { return &s }

func newTestLifecycle(store Store) *Lifecycle {
	return NewLifecycle(store, nil, nil, nil, Config{LinkBase: "https://sign.example.com"}).
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }).
		WithTokenGenerator(func() string { return "fixed-token" })
}

func TestCreatePacket_Validation(t *testing.T) {
	lc := newTestLifecycle(newFakeStore())

	cases := []struct {
		name   string
		params CreateParams
		field  string
	}{
		{"missing lead", CreateParams{SelectionCode: 1, ClientPhone: "+15550100"}, "lead_id"},
		{"bad selection code", CreateParams{LeadID: "l1", SelectionCode: 9, ClientPhone: "+15550100"}, "selection_code"},
		{"missing phone", CreateParams{LeadID: "l1", SelectionCode: 1}, "client_phone"},
		{"bad trigger", CreateParams{LeadID: "l1", SelectionCode: 1, ClientPhone: "+15550100", TriggeredBy: "carrier-pigeon"}, "triggered_by"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := lc.CreatePacket(context.Background(), tc.params)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, verr.Field)
			}
		})
	}
}

func TestCreatePacket_IdempotentPerIntent(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)

	params := CreateParams{LeadID: "lead-1", SelectionCode: SelectionExcessFunds, ClientName: "Jane Seller", ClientPhone: "+15550100"}

	first, err := lc.CreatePacket(context.Background(), params)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if first.Idempotent {
		t.Fatalf("first create must not be idempotent")
	}

	second, err := lc.CreatePacket(context.Background(), params)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !second.Idempotent {
		t.Fatalf("second create must be idempotent")
	}
	if second.Packet.ID != first.Packet.ID {
		t.Fatalf("expected same packet, got %s and %s", first.Packet.ID, second.Packet.ID)
	}
	if len(store.packets) != 1 {
		t.Fatalf("expected a single live packet, got %d", len(store.packets))
	}
}

func TestCreatePacket_NewIntentAfterTerminal(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)

	params := CreateParams{LeadID: "lead-1", SelectionCode: SelectionWholesale, ClientName: "Jane Seller", ClientPhone: "+15550100"}

	first, err := lc.CreatePacket(context.Background(), params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	store.packets[first.Packet.ID].Status = StatusDeclined

	second, err := lc.CreatePacket(context.Background(), params)
	if err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
	if second.Idempotent {
		t.Fatalf("terminal packet must not block a new signing flow")
	}
	if second.Packet.ID == first.Packet.ID {
		t.Fatalf("expected a fresh packet after terminal")
	}
}

func TestCreatePacket_DifferentSelectionCodesCoexist(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)

	for _, code := range []SelectionCode{SelectionExcessFunds, SelectionWholesale} {
		if _, err := lc.CreatePacket(context.Background(), CreateParams{
			LeadID: "lead-1", SelectionCode: code, ClientName: "Jane Seller", ClientPhone: "+15550100",
		}); err != nil {
			t.Fatalf("create selection %d: %v", code, err)
		}
	}
	if len(store.packets) != 2 {
		t.Fatalf("expected two live packets for distinct intents, got %d", len(store.packets))
	}
}

func TestCreatePacket_FillsFromLead(t *testing.T) {
	store := newFakeStore()
	leads := &fakeLeadReader{leads: map[string]lead.Lead{
		"lead-1": {
			ID:                "lead-1",
			OwnerName:         strPtr("Jane Seller"),
			Email:             strPtr("jane@example.com"),
			PropertyAddress:   strPtr("12 Oak St"),
			ExcessFundsAmount: strPtr("10000.00"),
		},
	}}
	lc := NewLifecycle(store, leads, nil, nil, Config{LinkBase: "https://sign.example.com"})

	result, err := lc.CreatePacket(context.Background(), CreateParams{
		LeadID: "lead-1", SelectionCode: SelectionExcessFunds, ClientPhone: "+15550100",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p := result.Packet
	if p.ClientName != "Jane Seller" {
		t.Fatalf("expected client name from lead, got %q", p.ClientName)
	}
	if p.ClientEmail == nil || *p.ClientEmail != "jane@example.com" {
		t.Fatalf("expected email from lead, got %v", p.ClientEmail)
	}
	if p.FeeAmount == nil || *p.FeeAmount != "3000.00" {
		t.Fatalf("expected fee 3000.00, got %v", p.FeeAmount)
	}
}

func TestCreatePacket_MissingLeadUsesPlaceholder(t *testing.T) {
	store := newFakeStore()
	lc := NewLifecycle(store, &fakeLeadReader{}, nil, nil, Config{LinkBase: "https://sign.example.com"})

	result, err := lc.CreatePacket(context.Background(), CreateParams{
		LeadID: "ghost-lead", SelectionCode: SelectionExcessFunds, ClientPhone: "+15550100",
	})
	if err != nil {
		t.Fatalf("create with missing lead: %v", err)
	}
	if result.Packet.ClientName != placeholderClientName {
		t.Fatalf("expected placeholder client name, got %q", result.Packet.ClientName)
	}
}

func TestSendPacket_MintsLinkAndDelivers(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	lc := NewLifecycle(store, nil, nil, notifier, Config{LinkBase: "https://sign.example.com/"}).
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }).
		WithTokenGenerator(func() string { return "tok-1" })

	email := "jane@example.com"
	created := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, ClientName: "Jane Seller", ClientPhone: "+15550100", ClientEmail: &email, Status: StatusCreated})

	result, err := lc.SendPacket(context.Background(), created.ID, DeliverBoth)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.SigningURL != "https://sign.example.com/sign/tok-1" {
		t.Fatalf("unexpected signing url %q", result.SigningURL)
	}
	if result.Packet.Status != StatusSent {
		t.Fatalf("expected sent, got %s", result.Packet.Status)
	}
	if !result.SMSSent || !result.EmailSent {
		t.Fatalf("expected both channels delivered: %+v", result)
	}
	if result.Packet.SigningLinkExpiresAt == nil {
		t.Fatalf("expected link expiration to be set")
	}
	wantExpiry := time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC)
	if !result.Packet.SigningLinkExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected 7-day expiry %s, got %s", wantExpiry, result.Packet.SigningLinkExpiresAt)
	}
}

func TestSendPacket_DeliveryFailureDoesNotRollBack(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{smsErr: errors.New("gateway timeout")}
	lc := NewLifecycle(store, nil, nil, notifier, Config{LinkBase: "https://sign.example.com"}).
		WithTokenGenerator(func() string { return "tok-1" })

	created := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, ClientPhone: "+15550100", Status: StatusCreated})

	result, err := lc.SendPacket(context.Background(), created.ID, DeliverSMS)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Packet.Status != StatusSent {
		t.Fatalf("transition must stand despite delivery failure, got %s", result.Packet.Status)
	}
	if result.SMSSent || !strings.Contains(result.SMSError, "gateway timeout") {
		t.Fatalf("expected sms failure reported: %+v", result)
	}
	if got := store.eventsOfType(created.ID, EventError); len(got) != 1 {
		t.Fatalf("expected one delivery failure audit event, got %d", len(got))
	}
}

func TestSendPacket_Resend_IncrementsReminder(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)

	created := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, ClientPhone: "+15550100", Status: StatusSent})

	result, err := lc.SendPacket(context.Background(), created.ID, DeliverSMS)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if result.Packet.ReminderCount != 1 {
		t.Fatalf("expected reminder count 1, got %d", result.Packet.ReminderCount)
	}
}

func TestSendPacket_Terminal(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)
	created := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, ClientPhone: "+15550100", Status: StatusSigned})

	if _, err := lc.SendPacket(context.Background(), created.ID, DeliverSMS); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestLoadForSigning_FirstViewTransitions(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)
	token := "tok-1"
	created := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, ClientName: "Jane Seller", ClientPhone: "+15550100", Status: StatusSent, SigningToken: &token})

	page, err := lc.LoadForSigning(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if page.Packet.Status != StatusViewed {
		t.Fatalf("first load from sent must transition to viewed, got %s", page.Packet.Status)
	}
	if page.AlreadySigned {
		t.Fatalf("unexpected already_signed")
	}

	// Second load is click-tracked only.
	page, err = lc.LoadForSigning(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if page.Packet.Status != StatusViewed {
		t.Fatalf("expected viewed, got %s", page.Packet.Status)
	}
	if got := store.eventsOfType(created.ID, EventLinkClicked); len(got) != 1 {
		t.Fatalf("expected one link_clicked event, got %d", len(got))
	}
	if got := store.eventsOfType(created.ID, EventViewed); len(got) != 1 {
		t.Fatalf("expected one viewed event, got %d", len(got))
	}
}

func TestLoadForSigning_AlreadySigned(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)
	token := "tok-1"
	store.add(Packet{LeadID: "lead-1", SelectionCode: 2, Status: StatusSigned, SigningToken: &token})

	page, err := lc.LoadForSigning(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("load signed packet: %v", err)
	}
	if !page.AlreadySigned {
		t.Fatalf("expected already_signed flag")
	}
}

func TestLoadForSigning_ExpiredLink(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)
	token := "tok-1"
	past := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	store.add(Packet{LeadID: "lead-1", SelectionCode: 1, Status: StatusSent, SigningToken: &token, SigningLinkExpiresAt: &past})

	if _, err := lc.LoadForSigning(context.Background(), "tok-1"); !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("expected ErrLinkExpired, got %v", err)
	}
}

func TestLoadForSigning_TerminalFailureUnavailable(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)

	for _, status := range []Status{StatusVoided, StatusDeclined, StatusExpired, StatusFailed} {
		token := "tok-" + string(status)
		store.add(Packet{LeadID: "lead-" + string(status), SelectionCode: 1, Status: status, SigningToken: &token})
		if _, err := lc.LoadForSigning(context.Background(), token); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("status %s: expected ErrUnavailable, got %v", status, err)
		}
	}
}

func TestLoadForSigning_AcceptsPacketID(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)
	created := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, Status: StatusViewed})

	page, err := lc.LoadForSigning(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("load by id: %v", err)
	}
	if page.Packet.ID != created.ID {
		t.Fatalf("expected packet %s, got %s", created.ID, page.Packet.ID)
	}
}

func TestLoadForSigning_NotFound(t *testing.T) {
	lc := newTestLifecycle(newFakeStore())
	if _, err := lc.LoadForSigning(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyProviderEvent_TerminalIsMonotonic(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)
	created := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, Status: StatusViewed})

	first, err := lc.ApplyProviderEvent(context.Background(), ProviderEventParams{
		PacketID: created.ID, Type: EventSigned, Provider: "docusign",
	})
	if err != nil {
		t.Fatalf("apply signed: %v", err)
	}
	if !first.StatusChanged || first.Packet.Status != StatusSigned {
		t.Fatalf("expected transition to signed: %+v", first)
	}

	// A late decline must not move the packet off signed.
	second, err := lc.ApplyProviderEvent(context.Background(), ProviderEventParams{
		PacketID: created.ID, Type: EventDeclined, Provider: "docusign",
	})
	if err != nil {
		t.Fatalf("apply late decline: %v", err)
	}
	if second.StatusChanged {
		t.Fatalf("terminal status must be monotonic")
	}
	if second.Packet.Status != StatusSigned {
		t.Fatalf("expected signed to stick, got %s", second.Packet.Status)
	}
	if got := store.eventsOfType(created.ID, EventDeclined); len(got) != 1 {
		t.Fatalf("late event must still be audited, got %d records", len(got))
	}
}

func TestApplyProviderEvent_DuplicateDelivery(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)
	created := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, Status: StatusSent})

	for i := 0; i < 2; i++ {
		if _, err := lc.ApplyProviderEvent(context.Background(), ProviderEventParams{
			PacketID: created.ID, Type: EventViewed, Provider: "signwell",
		}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if store.packets[created.ID].Status != StatusViewed {
		t.Fatalf("expected viewed, got %s", store.packets[created.ID].Status)
	}
	if got := store.eventsOfType(created.ID, EventViewed); len(got) != 2 {
		t.Fatalf("both deliveries must be audited, got %d", len(got))
	}
}

func TestApplyProviderEvent_Validation(t *testing.T) {
	lc := newTestLifecycle(newFakeStore())

	if _, err := lc.ApplyProviderEvent(context.Background(), ProviderEventParams{Type: EventSigned}); err == nil {
		t.Fatalf("expected error for missing packet id")
	}
	if _, err := lc.ApplyProviderEvent(context.Background(), ProviderEventParams{PacketID: "p1", Type: "exploded"}); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
}

func TestRecordWebhookError_NilPacket(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)

	if err := lc.RecordWebhookError(context.Background(), nil, "docusign", "signature mismatch", map[string]any{"raw": "x"}); err != nil {
		t.Fatalf("record webhook error: %v", err)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(store.events))
	}
	ev := store.events[0]
	if ev.PacketID != nil || ev.Type != EventError || ev.Source != SourceWebhook {
		t.Fatalf("unexpected audit event: %+v", ev)
	}
}

func TestVoid_FromLiveAndTerminal(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)
	live := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, Status: StatusSent})

	result, err := lc.Void(context.Background(), live.ID, "admin-1")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if result.Packet.Status != StatusVoided {
		t.Fatalf("expected voided, got %s", result.Packet.Status)
	}

	if _, err := lc.Void(context.Background(), live.ID, "admin-1"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal on double void, got %v", err)
	}
}

func TestEscalate_Idempotent(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)
	created := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, Status: StatusViewed})

	first, err := lc.Escalate(context.Background(), created.ID, SourceAPI)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	second, err := lc.Escalate(context.Background(), created.ID, SourceAPI)
	if err != nil {
		t.Fatalf("repeat escalate: %v", err)
	}
	if !first.Equal(second) {
		t.Fatalf("expected stable escalation timestamp, got %s and %s", first, second)
	}
	if store.packets[created.ID].Status != StatusViewed {
		t.Fatalf("escalation must not touch status, got %s", store.packets[created.ID].Status)
	}
}

func TestEscalate_RecordsInitiatingSource(t *testing.T) {
	store := newFakeStore()
	lc := newTestLifecycle(store)
	manual := store.add(Packet{LeadID: "lead-1", SelectionCode: 1, Status: StatusViewed})
	swept := store.add(Packet{LeadID: "lead-2", SelectionCode: 1, Status: StatusSent, ReminderCount: 3})

	if _, err := lc.Escalate(context.Background(), manual.ID, SourceAPI); err != nil {
		t.Fatalf("manual escalate: %v", err)
	}
	if _, err := NewEscalationScheduler(store, DefaultReminderThreshold).RunOnce(context.Background()); err != nil {
		t.Fatalf("scheduler pass: %v", err)
	}

	manualEvents := store.eventsOfType(manual.ID, EventEscalated)
	if len(manualEvents) != 1 || manualEvents[0].Source != SourceAPI {
		t.Fatalf("expected api-sourced escalation event, got %+v", manualEvents)
	}
	sweptEvents := store.eventsOfType(swept.ID, EventEscalated)
	if len(sweptEvents) != 1 || sweptEvents[0].Source != SourceCron {
		t.Fatalf("expected cron-sourced escalation event, got %+v", sweptEvents)
	}
}
