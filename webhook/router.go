// Package webhook accepts inbound e-signature provider callbacks, selects
// and verifies the matching adapter, and feeds the canonical event to the
// packet lifecycle.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"packetflow/packet"
	"packetflow/provider"
)

// ErrUnknownProvider signals a payload matching no adapter.
var ErrUnknownProvider = errors.New("webhook: unknown provider")

// Lifecycle is the slice of the packet lifecycle the router drives.
type Lifecycle interface {
	ApplyProviderEvent(ctx context.Context, params packet.ProviderEventParams) (packet.TransitionResult, error)
	RecordWebhookError(ctx context.Context, packetID *string, providerName, message string, payload map[string]any) error
}

// RefSaver pins a provider-side reference to its packet once a delivery has
// been verified and applied. Signing tokens rotate on every re-send, so
// without the pin a later delivery carrying the same envelope or submission
// id would stop resolving after the first re-send.
type RefSaver interface {
	SaveProviderRef(ctx context.Context, provider, ref, packetID string) error
}

// Outcome is the structured result returned to the provider. The transport
// answer is always HTTP 200; Success carries the real verdict.
type Outcome struct {
	Success   bool   `json:"success"`
	EventType string `json:"event_type,omitempty"`
	PacketID  string `json:"packet_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Router implements the detection and dispatch algorithm. It tolerates
// duplicate deliveries: the lifecycle's terminal-state guard makes
// re-applying an event a recorded no-op.
type Router struct {
	detector  *provider.Detector
	lifecycle Lifecycle
	refs      RefSaver
}

func NewRouter(detector *provider.Detector, lifecycle Lifecycle, refs RefSaver) *Router {
	return &Router{detector: detector, lifecycle: lifecycle, refs: refs}
}

// Process runs one webhook delivery end to end: parse, select adapter
// (explicit hint wins over detection), verify authenticity, normalize and
// apply. Verification failures and unknown providers are recorded as audit
// events, never silently dropped, and never propagate a transition.
func (r *Router) Process(ctx context.Context, rawBody []byte, headers http.Header, contentType, hint string) Outcome {
	payload, err := parseBody(rawBody, contentType)
	if err != nil {
		r.audit(ctx, nil, "", "unparseable payload: "+err.Error(), map[string]any{"raw": string(rawBody)})
		return Outcome{Success: false, Error: "unparseable payload"}
	}

	var adapter provider.Adapter
	if hint != "" {
		if a, ok := r.detector.ByName(hint); ok {
			adapter = a
		}
	}
	if adapter == nil {
		a, ok := r.detector.Detect(payload)
		if !ok {
			r.audit(ctx, nil, hint, ErrUnknownProvider.Error(), payload)
			return Outcome{Success: false, Error: "unknown provider"}
		}
		adapter = a
	}

	if !adapter.VerifySignature(headers, rawBody) {
		r.audit(ctx, nil, adapter.Name(), "signature verification failed", payload)
		return Outcome{Success: false, Error: "signature verification failed"}
	}

	ev, err := adapter.Normalize(ctx, payload)
	if err != nil {
		r.audit(ctx, nil, adapter.Name(), "normalize: "+err.Error(), payload)
		return Outcome{Success: false, Error: "normalization failed"}
	}
	if ev.PacketID == "" || ev.Error != "" {
		var packetID *string
		if ev.PacketID != "" {
			packetID = &ev.PacketID
		}
		r.audit(ctx, packetID, ev.Provider, ev.Error, ev.Payload)
		return Outcome{Success: false, Error: ev.Error}
	}

	_, err = r.lifecycle.ApplyProviderEvent(ctx, packet.ProviderEventParams{
		PacketID: ev.PacketID,
		Type:     packet.EventType(ev.Kind),
		Provider: ev.Provider,
		Payload:  ev.Payload,
	})
	if err != nil {
		if errors.Is(err, packet.ErrNotFound) {
			r.audit(ctx, &ev.PacketID, ev.Provider, "packet not found", ev.Payload)
			return Outcome{Success: false, Error: "packet not found"}
		}
		log.Printf("webhook: apply %s event for packet %s: %v", ev.Kind, ev.PacketID, err)
		return Outcome{Success: false, Error: "internal error"}
	}

	// Best-effort: a lost pin only means the next delivery resolves the
	// slow way again.
	if r.refs != nil && ev.ProviderRef != "" {
		if err := r.refs.SaveProviderRef(ctx, ev.Provider, ev.ProviderRef, ev.PacketID); err != nil {
			log.Printf("webhook: pin %s ref %s: %v", ev.Provider, ev.ProviderRef, err)
		}
	}

	return Outcome{
		Success:   true,
		EventType: string(ev.Kind),
		PacketID:  ev.PacketID,
	}
}

func (r *Router) audit(ctx context.Context, packetID *string, providerName, message string, payload map[string]any) {
	if err := r.lifecycle.RecordWebhookError(ctx, packetID, providerName, message, payload); err != nil {
		log.Printf("webhook: record audit event: %v", err)
	}
}

// parseBody decodes JSON or form-encoded payloads into one flat map. Form
// posts carrying a rawRequest JSON field (the JotForm convention) get that
// object merged in.
func parseBody(rawBody []byte, contentType string) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(rawBody))
	if trimmed == "" {
		return nil, errors.New("empty body")
	}

	if strings.Contains(contentType, "application/x-www-form-urlencoded") || (!strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[")) {
		values, err := url.ParseQuery(trimmed)
		if err != nil {
			return nil, err
		}
		payload := make(map[string]any, len(values))
		for key := range values {
			payload[key] = values.Get(key)
		}
		if raw, ok := payload["rawRequest"].(string); ok && raw != "" {
			var nested map[string]any
			if err := json.Unmarshal([]byte(raw), &nested); err == nil {
				for k, v := range nested {
					if _, exists := payload[k]; !exists {
						payload[k] = v
					}
				}
			}
		}
		return payload, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
