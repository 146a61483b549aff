package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SignwellAdapter handles callbacks identified by a document_-prefixed
// event name with the document object alongside.
type SignwellAdapter struct {
	secret   string
	resolver RefResolver
	now      func() time.Time
}

func NewSignwellAdapter(secret string, resolver RefResolver) *SignwellAdapter {
	return &SignwellAdapter{secret: secret, resolver: resolver, now: time.Now}
}

func (a *SignwellAdapter) Name() string { return NameSignwell }

func (a *SignwellAdapter) Detect(payload map[string]any) bool {
	return strings.HasPrefix(stringField(payload, "event"), "document_")
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body against
// X-Signwell-Signature.
func (a *SignwellAdapter) VerifySignature(headers http.Header, rawBody []byte) bool {
	return verifyHexSignature(a.secret, rawBody, headers.Get("X-Signwell-Signature"))
}

func (a *SignwellAdapter) Normalize(ctx context.Context, payload map[string]any) (CanonicalEvent, error) {
	ref := ""
	if doc := nestedMap(payload, "document"); doc != nil {
		ref = stringField(doc, "id")
	}
	if ref == "" {
		return errorEvent(NameSignwell, payload, "", "missing document id"), nil
	}

	packetID, err := a.resolver.ResolveProviderRef(ctx, NameSignwell, ref)
	if err != nil {
		return errorEvent(NameSignwell, payload, ref, fmt.Sprintf("resolve document %s: %v", ref, err)), nil
	}

	event := stringField(payload, "event")
	kind, known := signwellKinds[event]
	if !known {
		return errorEvent(NameSignwell, payload, ref, fmt.Sprintf("unmapped event %q", event)), nil
	}

	return CanonicalEvent{
		Provider:    NameSignwell,
		PacketID:    packetID,
		ProviderRef: ref,
		Kind:        kind,
		OccurredAt:  a.now().UTC(),
		Payload:     payload,
	}, nil
}

var signwellKinds = map[string]Kind{
	"document_viewed":    KindViewed,
	"document_signed":    KindPartiallySigned,
	"document_completed": KindSigned,
	"document_declined":  KindDeclined,
	"document_expired":   KindExpired,
	"document_error":     KindError,
}
