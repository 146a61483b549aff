package provider

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// DropboxSignAdapter handles callbacks whose event metadata is nested under
// an event object. Authenticity travels inside the payload: event_hash is
// the hex HMAC-SHA256 of event_time concatenated with event_type, keyed by
// the account API key.
type DropboxSignAdapter struct {
	apiKey   string
	resolver RefResolver
	now      func() time.Time
}

func NewDropboxSignAdapter(apiKey string, resolver RefResolver) *DropboxSignAdapter {
	return &DropboxSignAdapter{apiKey: apiKey, resolver: resolver, now: time.Now}
}

func (a *DropboxSignAdapter) Name() string { return NameDropboxSign }

func (a *DropboxSignAdapter) Detect(payload map[string]any) bool {
	event := nestedMap(payload, "event")
	return event != nil && stringField(event, "event_type") != ""
}

func (a *DropboxSignAdapter) VerifySignature(headers http.Header, rawBody []byte) bool {
	if a.apiKey == "" {
		return false
	}
	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return false
	}
	event := nestedMap(payload, "event")
	if event == nil {
		return false
	}
	eventType := stringField(event, "event_type")
	eventTime := stringField(event, "event_time")
	eventHash := stringField(event, "event_hash")
	if eventType == "" || eventTime == "" || eventHash == "" {
		return false
	}
	expected := hmacHex(a.apiKey, []byte(eventTime+eventType))
	return hmac.Equal([]byte(expected), []byte(eventHash))
}

func (a *DropboxSignAdapter) Normalize(ctx context.Context, payload map[string]any) (CanonicalEvent, error) {
	event := nestedMap(payload, "event")
	if event == nil {
		return errorEvent(NameDropboxSign, payload, "", "missing event object"), nil
	}

	ref := ""
	if req := nestedMap(payload, "signature_request"); req != nil {
		ref = stringField(req, "signature_request_id")
	}
	if ref == "" {
		return errorEvent(NameDropboxSign, payload, "", "missing signature_request_id"), nil
	}

	packetID, err := a.resolver.ResolveProviderRef(ctx, NameDropboxSign, ref)
	if err != nil {
		return errorEvent(NameDropboxSign, payload, ref, fmt.Sprintf("resolve signature request %s: %v", ref, err)), nil
	}

	eventType := stringField(event, "event_type")
	kind, known := dropboxSignKinds[eventType]
	if !known {
		return errorEvent(NameDropboxSign, payload, ref, fmt.Sprintf("unmapped event %q", eventType)), nil
	}

	occurredAt := a.now().UTC()
	if ts := stringField(event, "event_time"); ts != "" {
		if unix, err := strconv.ParseInt(ts, 10, 64); err == nil {
			occurredAt = time.Unix(unix, 0).UTC()
		}
	}

	return CanonicalEvent{
		Provider:    NameDropboxSign,
		PacketID:    packetID,
		ProviderRef: ref,
		Kind:        kind,
		OccurredAt:  occurredAt,
		Payload:     payload,
	}, nil
}

var dropboxSignKinds = map[string]Kind{
	"signature_request_viewed":     KindViewed,
	"signature_request_signed":     KindPartiallySigned,
	"signature_request_all_signed": KindSigned,
	"signature_request_declined":   KindDeclined,
	"signature_request_expired":    KindExpired,
	"signature_request_invalid":    KindError,
}
