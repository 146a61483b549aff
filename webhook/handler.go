package webhook

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
)

const maxWebhookBodyBytes = 5 << 20 // 5MB

// Handler is the HTTP face of the router. The endpoint always answers 200,
// even for internal failures, so a misbehaving delivery never triggers a
// provider-side retry storm; the failure itself is durably logged as an
// audit event by the router.
type Handler struct {
	router *Router
}

func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleChallenge(w, r)
	case http.MethodPost:
		h.handleDelivery(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleChallenge echoes the verification token some providers send when
// the endpoint is registered.
func (h *Handler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get("challenge")
	if challenge == "" {
		challenge = r.URL.Query().Get("hub.challenge")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeOutcome(w, Outcome{Success: false, Error: "unreadable body"})
		return
	}

	outcome := h.router.Process(
		r.Context(),
		rawBody,
		r.Header,
		r.Header.Get("Content-Type"),
		r.URL.Query().Get("provider"),
	)
	writeOutcome(w, outcome)
}

func writeOutcome(w http.ResponseWriter, outcome Outcome) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(outcome); err != nil {
		log.Printf("webhook: encode outcome: %v", err)
	}
}
