package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/backup"
	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/scheduler"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// BackupHandler groups backup run and schedule HTTP handlers.
type BackupHandler struct {
	backups       repositories.BackupRepository
	store         *backup.Store
	scheduler     *scheduler.Scheduler
	retentionKeep int
	logger        *zap.Logger
}

// NewBackupHandler creates a new BackupHandler. retentionKeep is the
// server-wide default for schedules created without an explicit
// retention_count.
func NewBackupHandler(backups repositories.BackupRepository, store *backup.Store, sched *scheduler.Scheduler, retentionKeep int, logger *zap.Logger) *BackupHandler {
	if retentionKeep <= 0 {
		retentionKeep = 10
	}
	return &BackupHandler{
		backups:       backups,
		store:         store,
		scheduler:     sched,
		retentionKeep: retentionKeep,
		logger:        logger.Named("backup_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

type backupRunResponse struct {
	ID          string  `json:"id"`
	CustomerID  string  `json:"customer_id"`
	DeviceID    string  `json:"device_id"`
	AgentID     string  `json:"agent_id"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	TriggeredBy string  `json:"triggered_by"`
	SizeBytes   int64   `json:"size_bytes"`
	Checksum    string  `json:"checksum,omitempty"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  *string `json:"finished_at,omitempty"`
}

func backupRunToResponse(b *db.BackupRun) backupRunResponse {
	resp := backupRunResponse{
		ID:          b.ID.String(),
		CustomerID:  b.CustomerID.String(),
		DeviceID:    b.DeviceID.String(),
		AgentID:     b.AgentID,
		Kind:        b.Kind,
		Status:      b.Status,
		TriggeredBy: b.TriggeredBy,
		SizeBytes:   b.SizeBytes,
		Checksum:    b.Checksum,
		Error:       b.Error,
		StartedAt:   b.StartedAt.UTC().Format(time.RFC3339),
	}
	if b.FinishedAt != nil {
		t := b.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

type scheduleResponse struct {
	ID                string          `json:"id"`
	CustomerID        string          `json:"customer_id"`
	Enabled           bool            `json:"enabled"`
	Cadence           string          `json:"cadence"`
	At                string          `json:"at"`
	Days              json.RawMessage `json:"days"`
	DayOfMonth        int             `json:"day_of_month"`
	Cron              string          `json:"cron,omitempty"`
	Kinds             json.RawMessage `json:"kinds"`
	RetentionDays     int             `json:"retention_days"`
	RetentionCount    int             `json:"retention_count"`
	RetentionStrategy string          `json:"retention_strategy"`
	NextRunAt         *string         `json:"next_run_at,omitempty"`
}

func scheduleToResponse(s *db.BackupSchedule) scheduleResponse {
	resp := scheduleResponse{
		ID:                s.ID.String(),
		CustomerID:        s.CustomerID.String(),
		Enabled:           s.Enabled,
		Cadence:           s.Cadence,
		At:                s.At,
		Days:              json.RawMessage(s.Days),
		DayOfMonth:        s.DayOfMonth,
		Cron:              s.CronExpr,
		Kinds:             json.RawMessage(s.Kinds),
		RetentionDays:     s.RetentionDays,
		RetentionCount:    s.RetentionCount,
		RetentionStrategy: s.RetentionStrategy,
	}
	if s.NextRunAt != nil {
		t := s.NextRunAt.UTC().Format(time.RFC3339)
		resp.NextRunAt = &t
	}
	return resp
}

// -----------------------------------------------------------------------------
// Run handlers
// -----------------------------------------------------------------------------

// ListRuns handles GET /api/v1/backups?device=&customer=. One of the two
// filters is required.
func (h *BackupHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	deviceID, hasDevice, ok := queryUUID(w, r, "device")
	if !ok {
		return
	}
	customerID, hasCustomer, ok := queryUUID(w, r, "customer")
	if !ok {
		return
	}

	var (
		runs  []db.BackupRun
		total int64
		err   error
	)
	switch {
	case hasDevice:
		runs, total, err = h.backups.ListRunsByDevice(r.Context(), deviceID, paginationOpts(r))
	case hasCustomer:
		runs, total, err = h.backups.ListRunsByCustomer(r.Context(), customerID, paginationOpts(r))
	default:
		FailKind(w, faults.Validation, "device or customer query parameter is required")
		return
	}
	if err != nil {
		h.logger.Error("failed to list backup runs", zap.Error(err))
		Fail(w, err)
		return
	}

	items := make([]backupRunResponse, len(runs))
	for i := range runs {
		items[i] = backupRunToResponse(&runs[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// GetRun handles GET /api/v1/backups/{id}.
func (h *BackupHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.backups.GetRunByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "backup not found")
			return
		}
		h.logger.Error("failed to get backup run", zap.Error(err))
		Fail(w, err)
		return
	}
	Ok(w, backupRunToResponse(run))
}

// Artifact handles GET /api/v1/backups/{id}/artifact: streams the stored
// artifact bytes. Runs whose artifact the retention sweep already removed
// answer 410 Gone.
func (h *BackupHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.backups.GetRunByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "backup not found")
			return
		}
		h.logger.Error("failed to get backup run", zap.Error(err))
		Fail(w, err)
		return
	}
	if run.Status != db.BackupStatusSuccess || run.FilePath == nil {
		FailKind(w, faults.NotFound, "backup produced no artifact")
		return
	}

	f, err := h.store.Open(*run.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			// Purged by retention after the row outlived its artifact.
			JSON(w, http.StatusGone, envelope{"error": errorBody{
				Kind:    string(faults.NotFound),
				Message: "artifact was removed by retention",
			}})
			return
		}
		h.logger.Error("failed to open artifact", zap.Error(err))
		Fail(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.logger.Error("failed to stat artifact", zap.Error(err))
		Fail(w, err)
		return
	}

	name := filepath.Base(*run.FilePath)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Checksum-SHA256", run.Checksum)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// -----------------------------------------------------------------------------
// Schedule handlers
// -----------------------------------------------------------------------------

// scheduleKinds is the closed set accepted in a schedule's kinds list.
var scheduleKinds = map[string]bool{
	string(wire.BackupConfig): true,
	string(wire.BackupBinary): true,
	string(wire.BackupBoth):   true,
}

// createScheduleRequest is the body of POST /api/v1/backups/schedules.
type createScheduleRequest struct {
	CustomerID        string   `json:"customer_id"`
	Enabled           *bool    `json:"enabled"`
	Cadence           string   `json:"cadence"`
	At                string   `json:"at"`
	Days              []string `json:"days"`
	DayOfMonth        int      `json:"day_of_month"`
	Cron              string   `json:"cron"`
	Kinds             []string `json:"kinds"`
	RetentionDays     int      `json:"retention_days"`
	RetentionCount    int      `json:"retention_count"`
	RetentionStrategy string   `json:"retention_strategy"`
}

// CreateSchedule handles POST /api/v1/backups/schedules. Each customer has
// at most one schedule; a second create answers 409.
func (h *BackupHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		FailKind(w, faults.Validation, "customer_id must be a valid UUID")
		return
	}

	sched := &db.BackupSchedule{
		CustomerID:        customerID,
		Enabled:           true,
		Cadence:           req.Cadence,
		At:                req.At,
		DayOfMonth:        req.DayOfMonth,
		CronExpr:          req.Cron,
		RetentionDays:     req.RetentionDays,
		RetentionCount:    req.RetentionCount,
		RetentionStrategy: req.RetentionStrategy,
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	if sched.Cadence == "" {
		sched.Cadence = db.CadenceDaily
	}
	if sched.At == "" {
		sched.At = "02:00"
	}
	if sched.DayOfMonth == 0 {
		sched.DayOfMonth = 1
	}
	if sched.RetentionDays == 0 {
		sched.RetentionDays = 90
	}
	if sched.RetentionCount == 0 {
		sched.RetentionCount = h.retentionKeep
	}
	switch sched.RetentionStrategy {
	case "":
		sched.RetentionStrategy = db.RetentionByCount
	case db.RetentionByDays, db.RetentionByCount, db.RetentionByBoth:
	default:
		FailKind(w, faults.Validation, "retention_strategy must be days, count, or both")
		return
	}

	if len(req.Kinds) == 0 {
		req.Kinds = []string{string(wire.BackupConfig)}
	}
	for _, k := range req.Kinds {
		if !scheduleKinds[k] {
			FailKind(w, faults.Validation, "kinds entries must be config, binary, or both")
			return
		}
	}
	kindsJSON, _ := json.Marshal(req.Kinds)
	sched.Kinds = string(kindsJSON)

	daysJSON, _ := json.Marshal(req.Days)
	if req.Days == nil {
		daysJSON = []byte("[]")
	}
	sched.Days = string(daysJSON)

	// Surfaces bad cadence/at/days/cron combinations before anything is
	// persisted.
	if _, err := scheduler.CronExpr(sched); err != nil {
		Fail(w, err)
		return
	}

	if err := h.backups.CreateSchedule(r.Context(), sched); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			FailKind(w, faults.Conflict, "this customer already has a backup schedule")
			return
		}
		h.logger.Error("failed to create schedule", zap.Error(err))
		Fail(w, err)
		return
	}

	if err := h.scheduler.Apply(r.Context(), sched); err != nil {
		h.logger.Error("failed to register schedule", zap.Error(err))
		Fail(w, err)
		return
	}

	Created(w, scheduleToResponse(sched))
}

// ListSchedules handles GET /api/v1/backups/schedules?customer=.
func (h *BackupHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	customerID, present, ok := queryUUID(w, r, "customer")
	if !ok {
		return
	}

	if present {
		sched, err := h.backups.GetScheduleByCustomer(r.Context(), customerID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				Ok(w, []scheduleResponse{})
				return
			}
			h.logger.Error("failed to get schedule", zap.Error(err))
			Fail(w, err)
			return
		}
		Ok(w, []scheduleResponse{scheduleToResponse(sched)})
		return
	}

	schedules, err := h.backups.ListSchedules(r.Context(), false)
	if err != nil {
		h.logger.Error("failed to list schedules", zap.Error(err))
		Fail(w, err)
		return
	}
	items := make([]scheduleResponse, len(schedules))
	for i := range schedules {
		items[i] = scheduleToResponse(&schedules[i])
	}
	Ok(w, items)
}

// DeleteSchedule handles DELETE /api/v1/backups/schedules/{id}.
func (h *BackupHandler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.backups.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			FailKind(w, faults.NotFound, "schedule not found")
			return
		}
		h.logger.Error("failed to delete schedule", zap.Error(err))
		Fail(w, err)
		return
	}

	h.scheduler.Remove(id)
	NoContent(w)
}

// -----------------------------------------------------------------------------
// Template handlers
// -----------------------------------------------------------------------------

type templateResponse struct {
	ID       string          `json:"id"`
	Vendor   string          `json:"vendor"`
	Commands json.RawMessage `json:"commands"`
	Hints    json.RawMessage `json:"hints"`
}

// ListTemplates handles GET /api/v1/backups/templates: the per-vendor
// collection recipes the seed installs.
func (h *BackupHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.backups.ListTemplates(r.Context())
	if err != nil {
		h.logger.Error("failed to list templates", zap.Error(err))
		Fail(w, err)
		return
	}

	items := make([]templateResponse, len(templates))
	for i := range templates {
		t := &templates[i]
		items[i] = templateResponse{
			ID:       t.ID.String(),
			Vendor:   t.Vendor,
			Commands: json.RawMessage(t.Commands),
			Hints:    json.RawMessage(t.Hints),
		}
	}
	Ok(w, items)
}
