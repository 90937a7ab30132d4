package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/agents"
	"github.com/grandir66/dadude2.0-sub000/internal/auth"
	"github.com/grandir66/dadude2.0-sub000/internal/events"
)

// WSHandler serves the two WebSocket endpoints: the agent tunnel and the
// operator event stream.
type WSHandler struct {
	agents  *agents.Service
	events  *events.Hub
	tickets *auth.TicketManager
	logger  *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(agentsSvc *agents.Service, eventsHub *events.Hub, tickets *auth.TicketManager, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		agents:  agentsSvc,
		events:  eventsHub,
		tickets: tickets,
		logger:  logger.Named("ws_handler"),
	}
}

type mintTicketRequest struct {
	Topics []string `json:"topics"`
}

type mintTicketResponse struct {
	Ticket    string `json:"ticket"`
	ExpiresIn int64  `json:"expires_in"`
}

// MintTicket handles POST /api/v1/auth/ws-ticket. The caller is already
// past the API key check; the ticket it gets back carries the requested
// topic grant into the upgrade, where headers are unavailable.
func (h *WSHandler) MintTicket(w http.ResponseWriter, r *http.Request) {
	var req mintTicketRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	ticket, expiresAt, err := h.tickets.Mint(req.Topics)
	if err != nil {
		h.logger.Error("failed to mint ws ticket", zap.Error(err))
		Fail(w, err)
		return
	}

	Ok(w, mintTicketResponse{
		Ticket:    ticket,
		ExpiresIn: int64(time.Until(expiresAt).Seconds()),
	})
}

// Events handles GET /ws?ticket=...&topics=a,b. The effective subscription
// is the intersection of the ticket's grant and the topics query parameter;
// without the parameter the full grant applies.
func (h *WSHandler) Events(w http.ResponseWriter, r *http.Request) {
	granted, err := h.tickets.Validate(r.URL.Query().Get("ticket"))
	if err != nil {
		JSON(w, http.StatusUnauthorized, envelope{"error": errorBody{
			Kind:    "unauthorized",
			Message: "missing or invalid ticket",
		}})
		return
	}

	topics := granted
	if raw := r.URL.Query().Get("topics"); raw != "" {
		requested := strings.Split(raw, ",")
		topics = intersectTopics(granted, requested)
	}

	client, err := events.NewClient(h.events, w, r, topics, h.logger)
	if err != nil {
		// NewClient already answered the request.
		h.logger.Debug("event stream upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}

// Agent handles GET /agents/ws/{agent_id}: the agent tunnel upgrade plus
// handshake. All authentication happens inside the tunnel.
func (h *WSHandler) Agent(w http.ResponseWriter, r *http.Request) {
	h.agents.HandleWS(w, r, chi.URLParam(r, "agent_id"))
}

// intersectTopics returns the requested topics that the grant covers. An
// empty grant means all topics, so the request passes through unchanged.
func intersectTopics(granted, requested []string) []string {
	out := make([]string, 0, len(requested))
	if len(granted) == 0 {
		for _, t := range requested {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	allowed := make(map[string]bool, len(granted))
	for _, t := range granted {
		allowed[t] = true
	}
	for _, t := range requested {
		if t = strings.TrimSpace(t); t != "" && allowed[t] {
			out = append(out, t)
		}
	}
	return out
}
