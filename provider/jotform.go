package provider

import (
	"context"
	"crypto/hmac"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// JotformAdapter handles form-submission webhooks. A completed submission
// is the signing event; JotForm does not publish a signature scheme for
// webhooks, so authenticity is payload-shape validation plus an optional
// shared token header configured on the webhook URL.
type JotformAdapter struct {
	secret   string
	resolver RefResolver
	now      func() time.Time
}

func NewJotformAdapter(secret string, resolver RefResolver) *JotformAdapter {
	return &JotformAdapter{secret: secret, resolver: resolver, now: time.Now}
}

func (a *JotformAdapter) Name() string { return NameJotform }

// Detect recognizes the characteristic formID/submissionID pair.
func (a *JotformAdapter) Detect(payload map[string]any) bool {
	return anyString(payload["formID"]) != "" || anyString(payload["submissionID"]) != ""
}

// VerifySignature enforces the shared token when one is configured. With no
// token configured the shape check in Detect is the whole authenticity
// model, which is what the provider offers.
func (a *JotformAdapter) VerifySignature(headers http.Header, rawBody []byte) bool {
	if a.secret == "" {
		return true
	}
	token := headers.Get("X-Jotform-Token")
	return token != "" && hmac.Equal([]byte(token), []byte(a.secret))
}

func (a *JotformAdapter) Normalize(ctx context.Context, payload map[string]any) (CanonicalEvent, error) {
	ref := anyString(payload["submissionID"])
	if ref == "" {
		return errorEvent(NameJotform, payload, "", "missing submissionID"), nil
	}

	packetID, err := a.resolver.ResolveProviderRef(ctx, NameJotform, ref)
	if err != nil {
		return errorEvent(NameJotform, payload, ref, fmt.Sprintf("resolve submission %s: %v", ref, err)), nil
	}

	return CanonicalEvent{
		Provider:    NameJotform,
		PacketID:    packetID,
		ProviderRef: ref,
		Kind:        KindSigned,
		OccurredAt:  a.now().UTC(),
		Payload:     payload,
	}, nil
}

// anyString tolerates JSON numbers for identifiers JotForm sometimes sends
// unquoted.
func anyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
