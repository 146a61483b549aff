// Package provider normalizes the differently-shaped webhook callbacks of
// the supported e-signature providers into one canonical event stream.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Provider names, also used as webhook hints and stored on packets.
const (
	NameJotform     = "jotform"
	NameDocusign    = "docusign"
	NameDropboxSign = "dropboxsign"
	NameSignwell    = "signwell"
)

// Kind is the provider-independent event classification. Values line up
// with the packet event types so the webhook router can hand them over
// without a mapping table.
type Kind string

const (
	KindViewed          Kind = "viewed"
	KindPartiallySigned Kind = "partially_signed"
	KindSigned          Kind = "signed"
	KindDeclined        Kind = "declined"
	KindExpired         Kind = "expired"
	KindError           Kind = "error"
)

// CanonicalEvent is the normalized representation of one webhook delivery.
// PacketID is empty when the provider-side reference could not be resolved;
// such events still carry the raw payload for audit.
type CanonicalEvent struct {
	Provider    string
	PacketID    string
	ProviderRef string
	Kind        Kind
	OccurredAt  time.Time
	Payload     map[string]any
	Error       string
}

// RefResolver maps a provider-side reference (submission id, envelope id)
// to the internal packet id.
type RefResolver interface {
	ResolveProviderRef(ctx context.Context, provider, ref string) (string, error)
}

// ErrUnresolvable signals a payload whose packet could not be identified.
var ErrUnresolvable = errors.New("provider: packet reference unresolvable")

// Adapter is the fixed capability set every signing provider implements.
// Detect recognizes the provider's payload shape, VerifySignature checks
// authenticity per that provider's webhook security model, and Normalize
// produces the canonical event.
type Adapter interface {
	Name() string
	Detect(payload map[string]any) bool
	VerifySignature(headers http.Header, rawBody []byte) bool
	Normalize(ctx context.Context, payload map[string]any) (CanonicalEvent, error)
}

// errorEvent preserves an unresolvable or unmappable payload for audit
// instead of dropping it.
func errorEvent(name string, payload map[string]any, ref string, cause string) CanonicalEvent {
	return CanonicalEvent{
		Provider:    name,
		ProviderRef: ref,
		Kind:        KindError,
		OccurredAt:  time.Now().UTC(),
		Payload:     payload,
		Error:       cause,
	}
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func nestedMap(payload map[string]any, key string) map[string]any {
	if v, ok := payload[key].(map[string]any); ok {
		return v
	}
	return nil
}
