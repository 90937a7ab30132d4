package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/agents"
	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
)

// AgentHandler groups agent lifecycle HTTP handlers. All domain logic lives
// in the agents service; this layer translates HTTP.
type AgentHandler struct {
	svc    *agents.Service
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(svc *agents.Service, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{svc: svc, logger: logger.Named("agent_handler")}
}

// agentResponse is the JSON view of an agent. Token material never appears.
type agentResponse struct {
	ID           string          `json:"id"`
	DisplayName  string          `json:"display_name,omitempty"`
	Kind         string          `json:"kind"`
	Address      string          `json:"address,omitempty"`
	Port         int             `json:"port,omitempty"`
	Version      string          `json:"version,omitempty"`
	Status       string          `json:"status"`
	CustomerID   *string         `json:"customer_id,omitempty"`
	LastSeenAt   *string         `json:"last_seen_at,omitempty"`
	Capabilities json.RawMessage `json:"capabilities"`
	HostStats    json.RawMessage `json:"host_stats"`
	CreatedAt    string          `json:"created_at"`
}

func agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		ID:           a.ID,
		DisplayName:  a.DisplayName,
		Kind:         a.Kind,
		Address:      a.Address,
		Port:         a.Port,
		Version:      a.Version,
		Status:       a.Status,
		Capabilities: json.RawMessage(a.Capabilities),
		HostStats:    json.RawMessage(a.HostStats),
		CreatedAt:    a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.CustomerID != nil {
		s := a.CustomerID.String()
		resp.CustomerID = &s
	}
	if a.LastSeenAt != nil {
		s := a.LastSeenAt.UTC().Format(time.RFC3339)
		resp.LastSeenAt = &s
	}
	return resp
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.svc.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		Fail(w, err)
		return
	}

	resp := make([]agentResponse, len(items))
	for i := range items {
		resp[i] = agentToResponse(&items[i])
	}
	Ok(w, envelope{"items": resp, "total": total})
}

// ListPending handles GET /api/v1/agents/pending.
func (h *AgentHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListPending(r.Context())
	if err != nil {
		h.logger.Error("failed to list pending agents", zap.Error(err))
		Fail(w, err)
		return
	}

	resp := make([]agentResponse, len(items))
	for i := range items {
		resp[i] = agentToResponse(&items[i])
	}
	Ok(w, resp)
}

// GetByID handles GET /api/v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	agent, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Fail(w, err)
		return
	}
	Ok(w, agentToResponse(agent))
}

// approveAgentRequest is the body of POST /api/v1/agents/{id}/approve.
type approveAgentRequest struct {
	CustomerID string `json:"customer_id"`
}

// Approve handles POST /api/v1/agents/{id}/approve. The agent must be
// pending and currently connected; approval binds it to the customer,
// rotates its token, and pushes the customer config.
func (h *AgentHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		FailKind(w, faults.Validation, "customer_id must be a valid UUID")
		return
	}

	agent, err := h.svc.Approve(r.Context(), chi.URLParam(r, "id"), customerID)
	if err != nil {
		if faults.KindOf(err) == faults.Internal {
			h.logger.Error("failed to approve agent", zap.Error(err))
		}
		Fail(w, err)
		return
	}
	Ok(w, agentToResponse(agent))
}

// Delete handles DELETE /api/v1/agents/{id}. Pending agents are rejected,
// approved agents decommissioned; a live session is closed either way.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if faults.KindOf(err) == faults.Internal {
			h.logger.Error("failed to delete agent", zap.Error(err))
		}
		Fail(w, err)
		return
	}
	NoContent(w)
}

// testAgentResponse is the body returned by POST /api/v1/agents/{id}/test.
type testAgentResponse struct {
	OK        bool   `json:"ok"`
	Version   string `json:"version,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Test handles POST /api/v1/agents/{id}/test: a round-trip through the live
// session. 503 when the agent is offline, 504 when it does not answer.
func (h *AgentHandler) Test(w http.ResponseWriter, r *http.Request) {
	result, latency, err := h.svc.Test(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Fail(w, err)
		return
	}
	Ok(w, testAgentResponse{
		OK:        result.OK,
		Version:   result.Version,
		LatencyMS: latency.Milliseconds(),
	})
}
