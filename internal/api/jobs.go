package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/jobs"
)

// JobHandler exposes job status and cancellation.
type JobHandler struct {
	engine *jobs.Engine
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(engine *jobs.Engine, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		engine: engine,
		logger: logger.Named("job_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

type jobTargetResponse struct {
	ID         string  `json:"id"`
	AgentID    string  `json:"agent_id"`
	Status     string  `json:"status"`
	Detail     string  `json:"detail,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

type jobResponse struct {
	ID             string              `json:"id"`
	Kind           string              `json:"kind"`
	CustomerID     *string             `json:"customer_id,omitempty"`
	Status         string              `json:"status"`
	DevicesTotal   int                 `json:"devices_total"`
	DevicesSuccess int                 `json:"devices_success"`
	DevicesFailed  int                 `json:"devices_failed"`
	Error          string              `json:"error,omitempty"`
	CreatedAt      string              `json:"created_at"`
	StartedAt      *string             `json:"started_at,omitempty"`
	FinishedAt     *string             `json:"finished_at,omitempty"`
	Targets        []jobTargetResponse `json:"targets,omitempty"`
}

func jobToResponse(j *db.Job) jobResponse {
	resp := jobResponse{
		ID:             j.ID.String(),
		Kind:           j.Kind,
		Status:         j.Status,
		DevicesTotal:   j.DevicesTotal,
		DevicesSuccess: j.DevicesSuccess,
		DevicesFailed:  j.DevicesFailed,
		Error:          j.Error,
		CreatedAt:      j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if j.CustomerID != nil {
		s := j.CustomerID.String()
		resp.CustomerID = &s
	}
	if j.StartedAt != nil {
		t := j.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := j.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	for i := range j.Targets {
		tg := &j.Targets[i]
		tr := jobTargetResponse{
			ID:      tg.ID.String(),
			AgentID: tg.AgentID,
			Status:  tg.Status,
			Detail:  tg.Detail,
		}
		if tg.FinishedAt != nil {
			t := tg.FinishedAt.UTC().Format(time.RFC3339)
			tr.FinishedAt = &t
		}
		resp.Targets = append(resp.Targets, tr)
	}
	return resp
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	items, total, err := h.engine.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		Fail(w, err)
		return
	}

	resp := make([]jobResponse, len(items))
	for i := range items {
		resp[i] = jobToResponse(&items[i])
	}
	Ok(w, envelope{"items": resp, "total": total})
}

// GetByID handles GET /api/v1/jobs/{id}, including per-agent targets.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.engine.Get(r.Context(), id)
	if err != nil {
		if faults.KindOf(err) == faults.Internal {
			h.logger.Error("failed to get job", zap.Error(err))
		}
		Fail(w, err)
		return
	}
	Ok(w, jobToResponse(job))
}

// Cancel handles DELETE /api/v1/jobs/{id}. Jobs that already reached a
// terminal status answer 409.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.engine.Cancel(r.Context(), id); err != nil {
		if faults.KindOf(err) == faults.Internal {
			h.logger.Error("failed to cancel job", zap.Error(err))
		}
		Fail(w, err)
		return
	}
	NoContent(w)
}
