package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/jobs"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// DiscoveryHandler groups scan dispatch and session listing handlers.
type DiscoveryHandler struct {
	engine   *jobs.Engine
	sessions repositories.DiscoveryRepository
	logger   *zap.Logger
}

// NewDiscoveryHandler creates a new DiscoveryHandler.
func NewDiscoveryHandler(engine *jobs.Engine, sessions repositories.DiscoveryRepository, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		engine:   engine,
		sessions: sessions,
		logger:   logger.Named("discovery_handler"),
	}
}

// sessionResponse is the JSON view of one discovery session.
type sessionResponse struct {
	ID          string  `json:"id"`
	CustomerID  string  `json:"customer_id"`
	AgentID     string  `json:"agent_id"`
	JobID       string  `json:"job_id"`
	NetworkCIDR string  `json:"network_cidr,omitempty"`
	ScanType    string  `json:"scan_type"`
	Status      string  `json:"status"`
	StartedAt   *string `json:"started_at,omitempty"`
	FinishedAt  *string `json:"finished_at,omitempty"`
	FoundCount  int     `json:"found_count"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func sessionToResponse(s *db.DiscoverySession) sessionResponse {
	resp := sessionResponse{
		ID:          s.ID.String(),
		CustomerID:  s.CustomerID.String(),
		AgentID:     s.AgentID,
		JobID:       s.JobID.String(),
		NetworkCIDR: s.NetworkCIDR,
		ScanType:    s.ScanType,
		Status:      s.Status,
		FoundCount:  s.FoundCount,
		Error:       s.Error,
		CreatedAt:   s.CreatedAt.UTC().Format(time.RFC3339),
	}
	if s.StartedAt != nil {
		t := s.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := s.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

// startScanRequest is the body of POST /api/v1/discovery/scans.
type startScanRequest struct {
	CustomerID  string `json:"customer_id"`
	AgentID     string `json:"agent_id"`
	NetworkCIDR string `json:"network_cidr"`
	ScanType    string `json:"scan_type"`
	Ports       []int  `json:"ports"`
}

// StartScan handles POST /api/v1/discovery/scans. The scan runs as a job;
// 202 plus a Location header point the caller at the job resource.
func (h *DiscoveryHandler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		FailKind(w, faults.Validation, "customer_id must be a valid UUID")
		return
	}

	job, err := h.engine.StartScan(r.Context(), jobs.ScanRequest{
		CustomerID:  customerID,
		AgentID:     strings.TrimSpace(req.AgentID),
		NetworkCIDR: strings.TrimSpace(req.NetworkCIDR),
		ScanType:    wire.ScanType(req.ScanType),
		ScanPorts:   req.Ports,
	})
	if err != nil {
		if faults.KindOf(err) == faults.Internal {
			h.logger.Error("failed to start scan", zap.Error(err))
		}
		Fail(w, err)
		return
	}

	Accepted(w, "/api/v1/jobs/"+job.ID.String(), envelope{"job_id": job.ID.String()})
}

// ListSessions handles GET /api/v1/discovery/sessions?customer=.
func (h *DiscoveryHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	customerID, present, ok := queryUUID(w, r, "customer")
	if !ok {
		return
	}
	if !present {
		FailKind(w, faults.Validation, "customer query parameter is required")
		return
	}

	sessions, total, err := h.sessions.ListByCustomer(r.Context(), customerID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list discovery sessions", zap.Error(err))
		Fail(w, err)
		return
	}

	items := make([]sessionResponse, len(sessions))
	for i := range sessions {
		items[i] = sessionToResponse(&sessions[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// GetSession handles GET /api/v1/discovery/sessions/{id}.
func (h *DiscoveryHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	session, err := h.sessions.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "discovery session not found")
			return
		}
		h.logger.Error("failed to get discovery session", zap.Error(err))
		Fail(w, err)
		return
	}
	Ok(w, sessionToResponse(session))
}
