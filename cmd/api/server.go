package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"packetflow/auth"
	"packetflow/document"
	"packetflow/packet"
)

// packetService is the slice of the lifecycle the HTTP layer drives.
type packetService interface {
	CreatePacket(ctx context.Context, params packet.CreateParams) (packet.CreateResult, error)
	SendPacket(ctx context.Context, packetID string, method packet.DeliveryMethod) (packet.SendResult, error)
	LoadForSigning(ctx context.Context, ref string) (packet.SigningPage, error)
	Escalate(ctx context.Context, packetID string, source packet.EventSource) (time.Time, error)
	GetPacket(ctx context.Context, packetID string) (packet.Packet, []packet.Event, error)
	Void(ctx context.Context, packetID, actorID string) (packet.TransitionResult, error)
}

type escalationRunner interface {
	RunOnce(ctx context.Context) (packet.EscalationOutcome, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	packets        packetService
	escalations    escalationRunner
	authService    authService
	webhookHandler http.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Get("/sign/{ref}", s.handleSigningPage)
	r.Handle("/webhooks/esign", s.webhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return requireAuth(s.authService, next)
		})
		r.Post("/api/packets", s.handleCreatePacket)
		r.Get("/api/packets/{id}", s.handleGetPacket)
		r.Post("/api/packets/{id}/send", s.handleSendPacket)
		r.Post("/api/packets/{id}/escalate", s.handleEscalate)
		r.Post("/api/packets/{id}/void", requireAdmin(s.handleVoid))
		r.Post("/api/cron/escalations", s.handleRunEscalations)
	})

	return r
}

type createPacketRequest struct {
	LeadID            string  `json:"lead_id"`
	SelectionCode     int     `json:"selection_code"`
	ClientName        string  `json:"client_name"`
	ClientPhone       string  `json:"client_phone"`
	ClientEmail       *string `json:"client_email"`
	PropertyAddress   *string `json:"property_address"`
	CaseNumber        *string `json:"case_number"`
	ExcessFundsAmount *string `json:"excess_funds_amount"`
	EstimatedEquity   *string `json:"estimated_equity"`
	TriggeredBy       string  `json:"triggered_by"`
	SourceMessageSid  *string `json:"source_message_sid"`
}

type createPacketResponse struct {
	PacketID    string  `json:"packet_id"`
	Status      string  `json:"status"`
	SigningLink *string `json:"signing_link"`
	Idempotent  bool    `json:"idempotent"`
}

func (s *Server) handleCreatePacket(w http.ResponseWriter, r *http.Request) {
	var req createPacketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}

	result, err := s.packets.CreatePacket(r.Context(), packet.CreateParams{
		LeadID:            req.LeadID,
		SelectionCode:     packet.SelectionCode(req.SelectionCode),
		ClientName:        req.ClientName,
		ClientPhone:       req.ClientPhone,
		ClientEmail:       req.ClientEmail,
		PropertyAddress:   req.PropertyAddress,
		CaseNumber:        req.CaseNumber,
		ExcessFundsAmount: req.ExcessFundsAmount,
		EstimatedEquity:   req.EstimatedEquity,
		TriggeredBy:       packet.TriggeredBy(req.TriggeredBy),
		SourceMessageSid:  req.SourceMessageSid,
	})
	if err != nil {
		s.writePacketError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createPacketResponse{
		PacketID:    result.Packet.ID,
		Status:      string(result.Packet.Status),
		SigningLink: result.Packet.SigningURL,
		Idempotent:  result.Idempotent,
	})
}

type sendPacketRequest struct {
	DeliveryMethod string `json:"delivery_method"`
}

type sendPacketResponse struct {
	PacketID    string `json:"packet_id"`
	Status      string `json:"status"`
	SigningLink string `json:"signing_link"`
	SMSSent     bool   `json:"sms_sent"`
	EmailSent   bool   `json:"email_sent"`
	SMSError    string `json:"sms_error,omitempty"`
	EmailError  string `json:"email_error,omitempty"`
}

func (s *Server) handleSendPacket(w http.ResponseWriter, r *http.Request) {
	var req sendPacketRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
			return
		}
	}

	result, err := s.packets.SendPacket(r.Context(), chi.URLParam(r, "id"), packet.DeliveryMethod(req.DeliveryMethod))
	if err != nil {
		s.writePacketError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sendPacketResponse{
		PacketID:    result.Packet.ID,
		Status:      string(result.Packet.Status),
		SigningLink: result.SigningURL,
		SMSSent:     result.SMSSent,
		EmailSent:   result.EmailSent,
		SMSError:    result.SMSError,
		EmailError:  result.EmailError,
	})
}

type signingDocument struct {
	Title       string `json:"title"`
	TemplateKey string `json:"template_key"`
}

type signingPageResponse struct {
	PacketID      string            `json:"packet_id"`
	ClientName    string            `json:"client_name"`
	AgreementType string            `json:"agreement_type"`
	Status        string            `json:"status"`
	AlreadySigned bool              `json:"already_signed"`
	Documents     []signingDocument `json:"documents"`
}

func (s *Server) handleSigningPage(w http.ResponseWriter, r *http.Request) {
	page, err := s.packets.LoadForSigning(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		switch {
		case errors.Is(err, packet.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "packet not found")
		case errors.Is(err, packet.ErrLinkExpired):
			writeError(w, http.StatusGone, "link_expired", "signing link has expired")
		case errors.Is(err, packet.ErrUnavailable):
			writeError(w, http.StatusGone, "unavailable", "agreement is no longer available")
		default:
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, signingPageResponse{
		PacketID:      page.Packet.ID,
		ClientName:    page.Packet.ClientName,
		AgreementType: page.AgreementType,
		Status:        string(page.Packet.Status),
		AlreadySigned: page.AlreadySigned,
		Documents:     toSigningDocuments(page.Documents),
	})
}

func toSigningDocuments(docs []document.Document) []signingDocument {
	out := make([]signingDocument, 0, len(docs))
	for _, d := range docs {
		out = append(out, signingDocument{Title: d.Title, TemplateKey: d.TemplateKey})
	}
	return out
}

type packetEventResponse struct {
	Type         string         `json:"type"`
	Source       string         `json:"source"`
	Provider     *string        `json:"provider,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type packetResponse struct {
	PacketID      string                `json:"packet_id"`
	LeadID        string                `json:"lead_id"`
	SelectionCode int                   `json:"selection_code"`
	AgreementType string                `json:"agreement_type"`
	ClientName    string                `json:"client_name"`
	Status        string                `json:"status"`
	Provider      *string               `json:"provider,omitempty"`
	SigningLink   *string               `json:"signing_link,omitempty"`
	EscalatedAt   *time.Time            `json:"escalated_at,omitempty"`
	Events        []packetEventResponse `json:"events"`
}

func (s *Server) handleGetPacket(w http.ResponseWriter, r *http.Request) {
	p, events, err := s.packets.GetPacket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writePacketError(w, err)
		return
	}

	resp := packetResponse{
		PacketID:      p.ID,
		LeadID:        p.LeadID,
		SelectionCode: int(p.SelectionCode),
		AgreementType: p.SelectionCode.Label(),
		ClientName:    p.ClientName,
		Status:        string(p.Status),
		Provider:      p.Provider,
		SigningLink:   p.SigningURL,
		EscalatedAt:   p.EscalatedAt,
		Events:        make([]packetEventResponse, 0, len(events)),
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, packetEventResponse{
			Type:         string(ev.Type),
			Source:       string(ev.Source),
			Provider:     ev.Provider,
			Payload:      ev.Payload,
			ErrorMessage: ev.ErrorMessage,
			CreatedAt:    ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	escalatedAt, err := s.packets.Escalate(r.Context(), chi.URLParam(r, "id"), packet.SourceAPI)
	if err != nil {
		s.writePacketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalated_at": escalatedAt.UTC()})
}

func (s *Server) handleVoid(w http.ResponseWriter, r *http.Request) {
	result, err := s.packets.Void(r.Context(), chi.URLParam(r, "id"), userIDFrom(r))
	if err != nil {
		s.writePacketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"packet_id": result.Packet.ID,
		"status":    string(result.Packet.Status),
	})
}

func (s *Server) handleRunEscalations(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.escalations.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "escalation scan failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scanned":   outcome.Scanned,
		"escalated": outcome.Escalated,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusBadRequest, "validation", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "validation", "registration failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user.ID, "role": string(user.Role)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   result.Token,
		"user_id": result.User.ID,
		"role":    string(result.User.Role),
	})
}

// writePacketError maps domain errors to the HTTP taxonomy: validation 400,
// not-found 404, terminal/invalid-state conflicts 409, everything else 500.
func (s *Server) writePacketError(w http.ResponseWriter, err error) {
	var validation *packet.ValidationError
	switch {
	case errors.As(err, &validation):
		writeFieldError(w, http.StatusBadRequest, "validation", validation.Field, validation.Message)
	case errors.Is(err, packet.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "packet not found")
	case errors.Is(err, packet.ErrTerminal):
		writeError(w, http.StatusConflict, "conflict", "packet is in a terminal status")
	case errors.Is(err, packet.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflict", "operation not allowed in current status")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
