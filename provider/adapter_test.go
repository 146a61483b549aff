package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

type fakeResolver struct {
	refs map[string]string
}

func (f *fakeResolver) ResolveProviderRef(_ context.Context, provider, ref string) (string, error) {
	if id, ok := f.refs[provider+"/"+ref]; ok {
		return id, nil
	}
	return "", ErrUnresolvable
}

func resolverWith(provider, ref, packetID string) *fakeResolver {
	return &fakeResolver{refs: map[string]string{provider + "/" + ref: packetID}}
}

func signHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signBase64(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return payload
}

func TestDetector_RoutesByPayloadShape(t *testing.T) {
	resolver := &fakeResolver{}
	d := NewDetector(
		NewJotformAdapter("", resolver),
		NewDocusignAdapter("k", resolver),
		NewDropboxSignAdapter("k", resolver),
		NewSignwellAdapter("k", resolver),
	)

	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"jotform by formID", `{"formID":"240012345","rawRequest":"{}"}`, NameJotform},
		{"jotform numeric submissionID", `{"submissionID":6112233445566778899}`, NameJotform},
		{"docusign top-level envelope", `{"event":"envelope-completed","envelopeId":"env-1"}`, NameDocusign},
		{"docusign nested envelope", `{"event":"envelope-completed","data":{"envelopeId":"env-1"}}`, NameDocusign},
		{"dropboxsign nested event", `{"event":{"event_type":"signature_request_signed"}}`, NameDropboxSign},
		{"signwell document prefix", `{"event":"document_completed","document":{"id":"doc-1"}}`, NameSignwell},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter, ok := d.Detect(decode(t, tc.payload))
			if !ok {
				t.Fatalf("expected detection")
			}
			if adapter.Name() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, adapter.Name())
			}
		})
	}

	if _, ok := d.Detect(decode(t, `{"hello":"world"}`)); ok {
		t.Fatalf("unrecognized shape must not detect")
	}
}

func TestDetector_ByName(t *testing.T) {
	d := NewDetector(NewJotformAdapter("", &fakeResolver{}))

	if _, ok := d.ByName("  JotForm "); !ok {
		t.Fatalf("hint lookup must be case-insensitive")
	}
	if _, ok := d.ByName("adobe"); ok {
		t.Fatalf("unknown hint must miss")
	}
}

func TestJotform_Normalize(t *testing.T) {
	adapter := NewJotformAdapter("", resolverWith(NameJotform, "sub-1", "p1"))

	ev, err := adapter.Normalize(context.Background(), decode(t, `{"formID":"240012345","submissionID":"sub-1"}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != KindSigned || ev.PacketID != "p1" || ev.Error != "" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestJotform_UnresolvableSubmission(t *testing.T) {
	adapter := NewJotformAdapter("", &fakeResolver{})

	ev, err := adapter.Normalize(context.Background(), decode(t, `{"submissionID":"ghost"}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != KindError || ev.Error == "" || ev.PacketID != "" {
		t.Fatalf("expected unresolvable audit event, got %+v", ev)
	}
}

func TestJotform_SharedToken(t *testing.T) {
	adapter := NewJotformAdapter("shared-token", &fakeResolver{})

	headers := http.Header{}
	if adapter.VerifySignature(headers, nil) {
		t.Fatalf("missing token must fail when one is configured")
	}
	headers.Set("X-Jotform-Token", "shared-token")
	if !adapter.VerifySignature(headers, nil) {
		t.Fatalf("matching token must pass")
	}

	open := NewJotformAdapter("", &fakeResolver{})
	if !open.VerifySignature(http.Header{}, nil) {
		t.Fatalf("no configured token means shape-only verification")
	}
}

func TestDocusign_SignatureAndMapping(t *testing.T) {
	body := []byte(`{"event":"envelope-completed","envelopeId":"env-1","generatedDateTime":"2025-06-01T12:00:00Z"}`)
	adapter := NewDocusignAdapter("connect-key", resolverWith(NameDocusign, "env-1", "p1"))

	headers := http.Header{}
	headers.Set("X-Docusign-Signature-1", signBase64("connect-key", body))
	if !adapter.VerifySignature(headers, body) {
		t.Fatalf("valid signature must pass")
	}
	headers.Set("X-Docusign-Signature-1", signBase64("wrong-key", body))
	if adapter.VerifySignature(headers, body) {
		t.Fatalf("signature under wrong key must fail")
	}

	ev, err := adapter.Normalize(context.Background(), decode(t, string(body)))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != KindSigned || ev.PacketID != "p1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !ev.OccurredAt.Equal(want) {
		t.Fatalf("expected occurred_at %s, got %s", want, ev.OccurredAt)
	}
}

func TestDocusign_EventMapping(t *testing.T) {
	adapter := NewDocusignAdapter("k", resolverWith(NameDocusign, "env-1", "p1"))

	cases := map[string]Kind{
		"envelope-delivered":        KindViewed,
		"recipient-completed":       KindPartiallySigned,
		"envelope-completed":        KindSigned,
		"recipient-declined":        KindDeclined,
		"envelope-voided":           KindExpired,
		"envelope-delivery-failure": KindError,
	}
	for event, want := range cases {
		payload := map[string]any{"event": event, "envelopeId": "env-1"}
		ev, err := adapter.Normalize(context.Background(), payload)
		if err != nil {
			t.Fatalf("normalize %s: %v", event, err)
		}
		if ev.Kind != want {
			t.Errorf("event %s: expected kind %s, got %s", event, want, ev.Kind)
		}
		if ev.Error != "" {
			t.Errorf("event %s: mapped events carry no error, got %q", event, ev.Error)
		}
	}
}

func TestDocusign_UnmappedEventIsAuditOnly(t *testing.T) {
	adapter := NewDocusignAdapter("k", resolverWith(NameDocusign, "env-1", "p1"))

	ev, err := adapter.Normalize(context.Background(), decode(t, `{"event":"envelope-corrected","envelopeId":"env-1"}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != KindError || ev.Error == "" {
		t.Fatalf("unmapped event must become an audit-only error event, got %+v", ev)
	}
}

func TestDropboxSign_EventHash(t *testing.T) {
	apiKey := "account-api-key"
	eventTime := "1717243200"
	eventType := "signature_request_all_signed"
	hash := signHex(apiKey, []byte(eventTime+eventType))

	raw := `{"event":{"event_type":"` + eventType + `","event_time":"` + eventTime + `","event_hash":"` + hash + `"},"signature_request":{"signature_request_id":"sr-1"}}`
	adapter := NewDropboxSignAdapter(apiKey, resolverWith(NameDropboxSign, "sr-1", "p1"))

	if !adapter.VerifySignature(http.Header{}, []byte(raw)) {
		t.Fatalf("valid event_hash must pass")
	}

	tampered := `{"event":{"event_type":"signature_request_declined","event_time":"` + eventTime + `","event_hash":"` + hash + `"},"signature_request":{"signature_request_id":"sr-1"}}`
	if adapter.VerifySignature(http.Header{}, []byte(tampered)) {
		t.Fatalf("hash over different event_type must fail")
	}

	ev, err := adapter.Normalize(context.Background(), decode(t, raw))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != KindSigned || ev.PacketID != "p1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.OccurredAt.Equal(time.Unix(1717243200, 0).UTC()) {
		t.Fatalf("expected event_time used, got %s", ev.OccurredAt)
	}
}

func TestDropboxSign_SignedMeansPartial(t *testing.T) {
	adapter := NewDropboxSignAdapter("k", resolverWith(NameDropboxSign, "sr-1", "p1"))

	raw := `{"event":{"event_type":"signature_request_signed"},"signature_request":{"signature_request_id":"sr-1"}}`
	ev, err := adapter.Normalize(context.Background(), decode(t, raw))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != KindPartiallySigned {
		t.Fatalf("one signer done maps to partially_signed, got %s", ev.Kind)
	}
}

func TestSignwell_SignatureAndMapping(t *testing.T) {
	body := []byte(`{"event":"document_completed","document":{"id":"doc-1"}}`)
	adapter := NewSignwellAdapter("sw-key", resolverWith(NameSignwell, "doc-1", "p1"))

	headers := http.Header{}
	headers.Set("X-Signwell-Signature", signHex("sw-key", body))
	if !adapter.VerifySignature(headers, body) {
		t.Fatalf("valid hex signature must pass")
	}
	headers.Set("X-Signwell-Signature", "sha256="+signHex("sw-key", body))
	if !adapter.VerifySignature(headers, body) {
		t.Fatalf("sha256= prefix must be tolerated")
	}
	headers.Set("X-Signwell-Signature", signHex("other-key", body))
	if adapter.VerifySignature(headers, body) {
		t.Fatalf("signature under wrong key must fail")
	}

	ev, err := adapter.Normalize(context.Background(), decode(t, string(body)))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != KindSigned || ev.PacketID != "p1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSignwell_MissingDocument(t *testing.T) {
	adapter := NewSignwellAdapter("k", &fakeResolver{})

	ev, err := adapter.Normalize(context.Background(), decode(t, `{"event":"document_signed"}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Kind != KindError || ev.Error == "" {
		t.Fatalf("missing document id must yield audit-only error event, got %+v", ev)
	}
}

func TestVerifyHexSignature_EmptySecretOrHeader(t *testing.T) {
	body := []byte("payload")
	if verifyHexSignature("", body, signHex("", body)) {
		t.Fatalf("empty secret must never verify")
	}
	if verifyHexSignature("secret", body, "") {
		t.Fatalf("empty header must never verify")
	}
	if verifyHexSignature("secret", body, "zz-not-hex") {
		t.Fatalf("undecodable header must never verify")
	}
}
