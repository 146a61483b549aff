package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DocusignAdapter handles Connect JSON notifications. Envelope identifiers
// arrive at the top level or under data, depending on the Connect
// configuration generation.
type DocusignAdapter struct {
	secret   string
	resolver RefResolver
	now      func() time.Time
}

func NewDocusignAdapter(secret string, resolver RefResolver) *DocusignAdapter {
	return &DocusignAdapter{secret: secret, resolver: resolver, now: time.Now}
}

func (a *DocusignAdapter) Name() string { return NameDocusign }

func (a *DocusignAdapter) Detect(payload map[string]any) bool {
	return envelopeID(payload) != ""
}

// VerifySignature checks the base64 HMAC-SHA256 of the raw body that
// Connect puts in X-DocuSign-Signature-1.
func (a *DocusignAdapter) VerifySignature(headers http.Header, rawBody []byte) bool {
	return verifyBase64Signature(a.secret, rawBody, headers.Get("X-Docusign-Signature-1"))
}

func (a *DocusignAdapter) Normalize(ctx context.Context, payload map[string]any) (CanonicalEvent, error) {
	ref := envelopeID(payload)
	if ref == "" {
		return errorEvent(NameDocusign, payload, "", "missing envelopeId"), nil
	}

	packetID, err := a.resolver.ResolveProviderRef(ctx, NameDocusign, ref)
	if err != nil {
		return errorEvent(NameDocusign, payload, ref, fmt.Sprintf("resolve envelope %s: %v", ref, err)), nil
	}

	event := stringField(payload, "event")
	kind, known := docusignKinds[event]
	if !known {
		return errorEvent(NameDocusign, payload, ref, fmt.Sprintf("unmapped event %q", event)), nil
	}

	occurredAt := a.now().UTC()
	if ts := stringField(payload, "generatedDateTime"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			occurredAt = parsed.UTC()
		}
	}

	return CanonicalEvent{
		Provider:    NameDocusign,
		PacketID:    packetID,
		ProviderRef: ref,
		Kind:        kind,
		OccurredAt:  occurredAt,
		Payload:     payload,
	}, nil
}

var docusignKinds = map[string]Kind{
	"envelope-delivered":         KindViewed,
	"recipient-delivered":        KindViewed,
	"recipient-completed":        KindPartiallySigned,
	"envelope-completed":         KindSigned,
	"envelope-declined":          KindDeclined,
	"recipient-declined":         KindDeclined,
	"envelope-voided":            KindExpired,
	"envelope-expired":           KindExpired,
	"envelope-delivery-failure":  KindError,
	"recipient-delivery-failure": KindError,
}

func envelopeID(payload map[string]any) string {
	if id := stringField(payload, "envelopeId"); id != "" {
		return id
	}
	if data := nestedMap(payload, "data"); data != nil {
		return stringField(data, "envelopeId")
	}
	return ""
}
