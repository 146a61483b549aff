package packet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// isUUID screens caller-supplied identifiers before they reach a uuid
// column. URL path parameters arrive unvalidated; a non-UUID value cannot
// match any row and would otherwise raise SQLSTATE 22P02 instead of a
// clean not-found.
func isUUID(s string) bool { return uuid.Validate(s) == nil }

var (
	// ErrNotFound is returned when no packet row exists for the identifier.
	ErrNotFound = errors.New("packet: not found")
	// ErrRefNotFound signals a provider-side reference with no stored mapping.
	ErrRefNotFound = errors.New("packet: provider reference not found")
	// ErrTerminal signals an operation attempted against a terminal packet.
	ErrTerminal = errors.New("packet: packet is in a terminal status")
	// ErrInvalidState signals an operation the current status does not allow.
	ErrInvalidState = errors.New("packet: invalid status for operation")
)

// packetColumns is the canonical select list. Numeric columns are cast to
// text so amounts stay opaque decimal strings on the Go side.
const packetColumns = `
    id, lead_id, selection_code, client_name, client_phone, client_email,
    property_address, case_number,
    excess_funds_amount::text, estimated_equity::text, fee_amount::text, fee_percent::text,
    status, provider, signing_token::text, signing_url, signing_link_expires_at,
    reminder_count, triggered_by, source_message_sid,
    sent_at, first_viewed_at, signed_at, escalated_at, created_at, updated_at`

// NewPacket enumerates the insert columns for CreateIfAbsent.
type NewPacket struct {
	LeadID            string
	SelectionCode     SelectionCode
	ClientName        string
	ClientPhone       string
	ClientEmail       *string
	PropertyAddress   *string
	CaseNumber        *string
	ExcessFundsAmount *string
	EstimatedEquity   *string
	FeeAmount         *string
	FeePercent        *string
	TriggeredBy       TriggeredBy
	SourceMessageSid  *string
}

// MarkSentParams carries the refreshed signing link written by SendPacket.
type MarkSentParams struct {
	PacketID       string
	SigningToken   string
	SigningURL     string
	ExpiresAt      time.Time
	DeliveryMethod DeliveryMethod
}

// ApplyEventParams is the normalized input of the guarded transition.
type ApplyEventParams struct {
	PacketID     string
	Type         EventType
	Source       EventSource
	Provider     string
	Payload      map[string]any
	ErrorMessage string
}

// TransitionResult reports what the guarded transition actually did. When
// the packet was already terminal, or the event was a duplicate, the event
// is still appended but StatusChanged is false.
type TransitionResult struct {
	Packet        Packet
	Previous      Status
	StatusChanged bool
}

// PGStore is the PostgreSQL-backed store. It exclusively owns persisted
// packet and event rows; all mutating paths are single transactions so a
// status change is never visible without its audit event, or vice versa.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// CreateIfAbsent inserts a packet unless a non-terminal packet for the same
// (lead, selection code) already exists, in which case that packet is
// returned unchanged. The partial unique index backs up the in-transaction
// lookup, so two concurrent creates can never both insert.
func (s *PGStore) CreateIfAbsent(ctx context.Context, row NewPacket) (Packet, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Packet{}, false, fmt.Errorf("packet: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := s.findLive(ctx, tx, row.LeadID, row.SelectionCode)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return Packet{}, false, fmt.Errorf("packet: commit idempotent lookup: %w", err)
		}
		return existing, false, nil
	case errors.Is(err, pgx.ErrNoRows):
		// continue with insert
	default:
		return Packet{}, false, fmt.Errorf("packet: idempotency lookup: %w", err)
	}

	insertSQL := `
        INSERT INTO packets (
            lead_id, selection_code, client_name, client_phone, client_email,
            property_address, case_number, excess_funds_amount, estimated_equity,
            fee_amount, fee_percent, triggered_by, source_message_sid
        )
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9::numeric,$10::numeric,$11::numeric,$12,$13)
        RETURNING` + packetColumns

	created, err := scanPacket(tx.QueryRow(ctx, insertSQL,
		row.LeadID,
		int(row.SelectionCode),
		row.ClientName,
		row.ClientPhone,
		row.ClientEmail,
		row.PropertyAddress,
		row.CaseNumber,
		row.ExcessFundsAmount,
		row.EstimatedEquity,
		row.FeeAmount,
		row.FeePercent,
		string(row.TriggeredBy),
		row.SourceMessageSid,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost a race against a concurrent create; adopt the winner.
			if err := tx.Rollback(ctx); err != nil {
				return Packet{}, false, fmt.Errorf("packet: rollback after race: %w", err)
			}
			winner, ferr := s.findLivePool(ctx, row.LeadID, row.SelectionCode)
			if ferr != nil {
				return Packet{}, false, fmt.Errorf("packet: reload after race: %w", ferr)
			}
			return winner, false, nil
		}
		return Packet{}, false, fmt.Errorf("packet: insert: %w", err)
	}

	payload := map[string]any{
		"lead_id":        created.LeadID,
		"selection_code": int(created.SelectionCode),
		"triggered_by":   string(created.TriggeredBy),
	}
	if err := insertEvent(ctx, tx, &created.ID, EventCreated, SourceAPI, "", payload, ""); err != nil {
		return Packet{}, false, err
	}
	if err := enqueueOutbox(ctx, tx, "packet.created", map[string]any{
		"packet_id": created.ID,
		"lead_id":   created.LeadID,
		"status":    string(created.Status),
	}); err != nil {
		return Packet{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Packet{}, false, fmt.Errorf("packet: commit create: %w", err)
	}
	return created, true, nil
}

func (s *PGStore) findLive(ctx context.Context, tx pgx.Tx, leadID string, code SelectionCode) (Packet, error) {
	query := `SELECT` + packetColumns + `
        FROM packets
        WHERE lead_id = $1 AND selection_code = $2
          AND status IN ('created','ready_to_send','sent','viewed','partially_signed')
        LIMIT 1`
	return scanPacket(tx.QueryRow(ctx, query, leadID, int(code)))
}

func (s *PGStore) findLivePool(ctx context.Context, leadID string, code SelectionCode) (Packet, error) {
	query := `SELECT` + packetColumns + `
        FROM packets
        WHERE lead_id = $1 AND selection_code = $2
          AND status IN ('created','ready_to_send','sent','viewed','partially_signed')
        LIMIT 1`
	return scanPacket(s.pool.QueryRow(ctx, query, leadID, int(code)))
}

// GetByID fetches a packet by primary key.
func (s *PGStore) GetByID(ctx context.Context, id string) (Packet, error) {
	if !isUUID(id) {
		return Packet{}, ErrNotFound
	}
	p, err := scanPacket(s.pool.QueryRow(ctx, `SELECT`+packetColumns+` FROM packets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Packet{}, ErrNotFound
		}
		return Packet{}, fmt.Errorf("packet: get by id: %w", err)
	}
	return p, nil
}

// GetByToken fetches a packet by its public signing token.
func (s *PGStore) GetByToken(ctx context.Context, token string) (Packet, error) {
	if !isUUID(token) {
		return Packet{}, ErrNotFound
	}
	p, err := scanPacket(s.pool.QueryRow(ctx, `SELECT`+packetColumns+` FROM packets WHERE signing_token = $1::uuid`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Packet{}, ErrNotFound
		}
		return Packet{}, fmt.Errorf("packet: get by token: %w", err)
	}
	return p, nil
}

// MarkSent transitions created/ready_to_send packets to sent and refreshes
// the signing link. Re-sends from sent/viewed keep the status and bump
// reminder_count instead.
func (s *PGStore) MarkSent(ctx context.Context, params MarkSentParams) (Packet, error) {
	if !isUUID(params.PacketID) {
		return Packet{}, ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Packet{}, fmt.Errorf("packet: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current Status
	if err := tx.QueryRow(ctx, `SELECT status FROM packets WHERE id = $1 FOR UPDATE`, params.PacketID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Packet{}, ErrNotFound
		}
		return Packet{}, fmt.Errorf("packet: lock for send: %w", err)
	}
	if current.Terminal() {
		return Packet{}, ErrTerminal
	}

	updateSQL := `
        UPDATE packets
        SET status = CASE WHEN status IN ('created','ready_to_send') THEN 'sent'::packet_status ELSE status END,
            signing_token = $2::uuid,
            signing_url = $3,
            signing_link_expires_at = $4,
            sent_at = COALESCE(sent_at, now()),
            reminder_count = reminder_count + CASE WHEN status IN ('sent','viewed','partially_signed') THEN 1 ELSE 0 END,
            updated_at = now()
        WHERE id = $1
        RETURNING` + packetColumns

	updated, err := scanPacket(tx.QueryRow(ctx, updateSQL,
		params.PacketID, params.SigningToken, params.SigningURL, params.ExpiresAt))
	if err != nil {
		return Packet{}, fmt.Errorf("packet: mark sent: %w", err)
	}

	payload := map[string]any{
		"delivery_method": string(params.DeliveryMethod),
		"signing_url":     params.SigningURL,
		"expires_at":      params.ExpiresAt.UTC(),
		"reminder_count":  updated.ReminderCount,
	}
	if err := insertEvent(ctx, tx, &updated.ID, EventSent, SourceAPI, "", payload, ""); err != nil {
		return Packet{}, err
	}
	if err := enqueueOutbox(ctx, tx, "packet.sent", map[string]any{
		"packet_id":       updated.ID,
		"lead_id":         updated.LeadID,
		"delivery_method": string(params.DeliveryMethod),
	}); err != nil {
		return Packet{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Packet{}, fmt.Errorf("packet: commit send: %w", err)
	}
	return updated, nil
}

// ApplyEvent performs the guarded status transition for a normalized
// provider event. Every call appends an audit event; the status only moves
// when the transition table allows it. The first terminal transition wins:
// once terminal, later events are recorded but never applied.
func (s *PGStore) ApplyEvent(ctx context.Context, params ApplyEventParams) (TransitionResult, error) {
	if !isUUID(params.PacketID) {
		return TransitionResult{}, ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("packet: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current Status
	if err := tx.QueryRow(ctx, `SELECT status FROM packets WHERE id = $1 FOR UPDATE`, params.PacketID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TransitionResult{}, ErrNotFound
		}
		return TransitionResult{}, fmt.Errorf("packet: lock for transition: %w", err)
	}

	target, hasTarget := statusForEvent(params.Type)
	changed := hasTarget && current != target && validTransition(current, target)

	var updated Packet
	if changed {
		updateSQL := `
            UPDATE packets
            SET status = $2,
                provider = COALESCE($3, provider),
                first_viewed_at = CASE WHEN $2 = 'viewed' THEN COALESCE(first_viewed_at, now()) ELSE first_viewed_at END,
                signed_at = CASE WHEN $2 = 'signed' THEN COALESCE(signed_at, now()) ELSE signed_at END,
                updated_at = now()
            WHERE id = $1
            RETURNING` + packetColumns
		var provider *string
		if params.Provider != "" {
			provider = &params.Provider
		}
		updated, err = scanPacket(tx.QueryRow(ctx, updateSQL, params.PacketID, string(target), provider))
		if err != nil {
			return TransitionResult{}, fmt.Errorf("packet: apply transition: %w", err)
		}
	} else {
		updated, err = scanPacket(tx.QueryRow(ctx, `SELECT`+packetColumns+` FROM packets WHERE id = $1`, params.PacketID))
		if err != nil {
			return TransitionResult{}, fmt.Errorf("packet: reload packet: %w", err)
		}
	}

	if err := insertEvent(ctx, tx, &updated.ID, params.Type, params.Source, params.Provider, params.Payload, params.ErrorMessage); err != nil {
		return TransitionResult{}, err
	}
	if changed {
		if err := enqueueOutbox(ctx, tx, "packet.status_changed", map[string]any{
			"packet_id": updated.ID,
			"lead_id":   updated.LeadID,
			"previous":  string(current),
			"next":      string(target),
		}); err != nil {
			return TransitionResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, fmt.Errorf("packet: commit transition: %w", err)
	}

	return TransitionResult{Packet: updated, Previous: current, StatusChanged: changed}, nil
}

// MarkEscalated sets the escalation timestamp once and appends the
// escalated event attributed to the given source. Replays return the
// original timestamp without a second event. Escalation never changes
// status.
func (s *PGStore) MarkEscalated(ctx context.Context, packetID string, source EventSource) (time.Time, bool, error) {
	if !isUUID(packetID) {
		return time.Time{}, false, ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("packet: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var escalatedAt time.Time
	err = tx.QueryRow(ctx, `
        UPDATE packets
        SET escalated_at = now(), updated_at = now()
        WHERE id = $1 AND escalated_at IS NULL AND status IN ('sent','viewed','partially_signed')
        RETURNING escalated_at
    `, packetID).Scan(&escalatedAt)
	switch {
	case err == nil:
		if err := insertEvent(ctx, tx, &packetID, EventEscalated, source, "", map[string]any{
			"escalated_at": escalatedAt.UTC(),
		}, ""); err != nil {
			return time.Time{}, false, err
		}
		if err := enqueueOutbox(ctx, tx, "packet.escalated", map[string]any{
			"packet_id": packetID,
		}); err != nil {
			return time.Time{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return time.Time{}, false, fmt.Errorf("packet: commit escalation: %w", err)
		}
		return escalatedAt, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to the idempotent / error paths below
	default:
		return time.Time{}, false, fmt.Errorf("packet: mark escalated: %w", err)
	}

	var (
		existing *time.Time
		status   Status
	)
	if err := tx.QueryRow(ctx, `SELECT escalated_at, status FROM packets WHERE id = $1`, packetID).Scan(&existing, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, ErrNotFound
		}
		return time.Time{}, false, fmt.Errorf("packet: reload for escalation: %w", err)
	}
	if existing != nil {
		return *existing, false, nil
	}
	return time.Time{}, false, ErrInvalidState
}

// AppendEvent writes a standalone audit event outside any transition. Used
// for best-effort records such as webhook verification failures and
// link-click tracking; PacketID may be nil when no packet could be resolved.
func (s *PGStore) AppendEvent(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(nonNilPayload(ev.Payload))
	if err != nil {
		return fmt.Errorf("packet: marshal event payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
        INSERT INTO packet_events (packet_id, event_type, source, provider, payload, error_message)
        VALUES ($1::uuid, $2::packet_event_type, $3::packet_event_source, $4, $5::jsonb, $6)
    `, ev.PacketID, string(ev.Type), string(ev.Source), ev.Provider, payload, ev.ErrorMessage)
	if err != nil {
		return fmt.Errorf("packet: append event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail for a packet in append order.
func (s *PGStore) ListEvents(ctx context.Context, packetID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, packet_id::text, event_type::text, source::text, provider, payload, error_message, created_at
        FROM packet_events
        WHERE packet_id = $1
        ORDER BY id ASC
    `, packetID)
	if err != nil {
		return nil, fmt.Errorf("packet: list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev      Event
			evType  string
			evSrc   string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.PacketID, &evType, &evSrc, &ev.Provider, &payload, &ev.ErrorMessage, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("packet: scan event: %w", err)
		}
		ev.Type = EventType(evType)
		ev.Source = EventSource(evSrc)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("packet: decode event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("packet: iterate events: %w", err)
	}
	return events, nil
}

// SaveProviderRef records the provider-side identifier for a packet so
// later webhooks can be resolved back to it.
func (s *PGStore) SaveProviderRef(ctx context.Context, provider, ref, packetID string) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO provider_refs (provider, provider_ref, packet_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (provider, provider_ref) DO UPDATE SET packet_id = EXCLUDED.packet_id
    `, provider, ref, packetID)
	if err != nil {
		return fmt.Errorf("packet: save provider ref: %w", err)
	}
	return nil
}

// ResolveProviderRef maps a provider-side reference to the internal packet
// id. The signing token doubles as a universal reference so links minted by
// this core resolve without a stored mapping.
func (s *PGStore) ResolveProviderRef(ctx context.Context, provider, ref string) (string, error) {
	var packetID string
	err := s.pool.QueryRow(ctx,
		`SELECT packet_id::text FROM provider_refs WHERE provider = $1 AND provider_ref = $2`,
		provider, ref).Scan(&packetID)
	if err == nil {
		return packetID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("packet: resolve provider ref: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT id::text FROM packets WHERE signing_token::text = $1`, ref).Scan(&packetID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrRefNotFound
		}
		return "", fmt.Errorf("packet: resolve by token: %w", err)
	}
	return packetID, nil
}

// ListEscalationCandidates returns packets stuck in sent/viewed with at
// least threshold reminders and no escalation yet.
func (s *PGStore) ListEscalationCandidates(ctx context.Context, threshold int) ([]Packet, error) {
	rows, err := s.pool.Query(ctx, `SELECT`+packetColumns+`
        FROM packets
        WHERE status IN ('sent','viewed')
          AND reminder_count >= $1
          AND escalated_at IS NULL
        ORDER BY sent_at ASC
    `, threshold)
	if err != nil {
		return nil, fmt.Errorf("packet: list escalation candidates: %w", err)
	}
	defer rows.Close()

	packets := []Packet{}
	for rows.Next() {
		p, err := scanPacketRows(rows)
		if err != nil {
			return nil, fmt.Errorf("packet: scan candidate: %w", err)
		}
		packets = append(packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("packet: iterate candidates: %w", err)
	}
	return packets, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, packetID *string, t EventType, src EventSource, provider string, payload map[string]any, errMsg string) error {
	body, err := json.Marshal(nonNilPayload(payload))
	if err != nil {
		return fmt.Errorf("packet: marshal event payload: %w", err)
	}
	var providerVal, errVal any
	if provider != "" {
		providerVal = provider
	}
	if errMsg != "" {
		errVal = errMsg
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO packet_events (packet_id, event_type, source, provider, payload, error_message)
        VALUES ($1::uuid, $2::packet_event_type, $3::packet_event_source, $4, $5::jsonb, $6)
    `, packetID, string(t), string(src), providerVal, body, errVal); err != nil {
		return fmt.Errorf("packet: insert event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("packet: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("packet: enqueue outbox: %w", err)
	}
	return nil
}

func nonNilPayload(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func scanPacket(row pgx.Row) (Packet, error) {
	return scanPacketFrom(row.Scan)
}

func scanPacketRows(rows pgx.Rows) (Packet, error) {
	return scanPacketFrom(rows.Scan)
}

func scanPacketFrom(scan func(...any) error) (Packet, error) {
	var (
		p             Packet
		selectionCode int
		status        string
		triggeredBy   string
	)
	err := scan(
		&p.ID,
		&p.LeadID,
		&selectionCode,
		&p.ClientName,
		&p.ClientPhone,
		&p.ClientEmail,
		&p.PropertyAddress,
		&p.CaseNumber,
		&p.ExcessFundsAmount,
		&p.EstimatedEquity,
		&p.FeeAmount,
		&p.FeePercent,
		&status,
		&p.Provider,
		&p.SigningToken,
		&p.SigningURL,
		&p.SigningLinkExpiresAt,
		&p.ReminderCount,
		&triggeredBy,
		&p.SourceMessageSid,
		&p.SentAt,
		&p.FirstViewedAt,
		&p.SignedAt,
		&p.EscalatedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Packet{}, err
	}
	p.SelectionCode = SelectionCode(selectionCode)
	p.Status = Status(status)
	p.TriggeredBy = TriggeredBy(triggeredBy)
	return p, nil
}
