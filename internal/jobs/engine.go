// Package jobs implements the job engine: a REST mutation becomes a Job
// row, the engine fans RPCs out to target agents in parallel, streams
// per-device outcomes into the row's counters, and aggregates slice results
// into a terminal status. Everything runs in-process; a restart fails
// whatever was in flight (rows are marked at startup).
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/backup"
	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/discovery"
	"github.com/grandir66/dadude2.0-sub000/internal/events"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/hub"
	"github.com/grandir66/dadude2.0-sub000/internal/metrics"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
)

// waveConcurrency bounds simultaneous device backups within one scheduled
// wave, so a large customer does not monopolize its agent's inflight slots.
const waveConcurrency = 4

// Engine owns job execution.
type Engine struct {
	jobs      repositories.JobRepository
	sessions  repositories.DiscoveryRepository
	customers repositories.CustomerRepository
	agents    repositories.AgentRepository
	devices   repositories.DeviceRepository
	ingestor  *discovery.Ingestor
	backups   *backup.Engine
	hub       *hub.Hub
	events    *events.Hub

	scanTimeout time.Duration
	log         *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*runningJob
}

// runningJob tracks one in-flight job for cancellation.
type runningJob struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

// NewEngine wires the job engine. scanTimeout bounds one agent.scan RPC.
func NewEngine(
	jobs repositories.JobRepository,
	sessions repositories.DiscoveryRepository,
	customers repositories.CustomerRepository,
	agents repositories.AgentRepository,
	devices repositories.DeviceRepository,
	ingestor *discovery.Ingestor,
	backups *backup.Engine,
	h *hub.Hub,
	ev *events.Hub,
	scanTimeout time.Duration,
	log *zap.Logger,
) *Engine {
	if scanTimeout <= 0 {
		scanTimeout = 15 * time.Minute
	}
	return &Engine{
		jobs:        jobs,
		sessions:    sessions,
		customers:   customers,
		agents:      agents,
		devices:     devices,
		ingestor:    ingestor,
		backups:     backups,
		hub:         h,
		events:      ev,
		scanTimeout: scanTimeout,
		log:         log.Named("jobs"),
		running:     make(map[uuid.UUID]*runningJob),
	}
}

// Get returns one job with its targets.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	job, err := e.jobs.GetByIDWithTargets(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, faults.New(faults.NotFound, "job not found")
		}
		return nil, faults.Wrap(err, faults.Internal, "load job")
	}
	return job, nil
}

// List returns jobs newest-first.
func (e *Engine) List(ctx context.Context, opts repositories.ListOptions) ([]db.Job, int64, error) {
	return e.jobs.List(ctx, opts)
}

// Cancel stops a pending or running job: every outstanding agent RPC
// receives rpc.cancel, already-ingested partial results stay, and the row
// becomes cancelled. Terminal jobs conflict.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	job, err := e.jobs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, faults.New(faults.NotFound, "job not found")
		}
		return nil, faults.Wrap(err, faults.Internal, "load job")
	}
	if terminal(job.Status) {
		return nil, faults.Newf(faults.Conflict, "job is already %s", job.Status)
	}

	e.mu.Lock()
	rj := e.running[id]
	if rj != nil {
		rj.cancelled = true
		rj.cancel()
	}
	e.mu.Unlock()

	if rj == nil {
		// Not in flight in this process (left over from a crash): just
		// mark the row.
		now := time.Now().UTC()
		if err := e.jobs.UpdateStatus(ctx, id, db.JobStatusCancelled, &now, "cancelled by operator"); err != nil {
			return nil, faults.Wrap(err, faults.Internal, "cancel job")
		}
		e.publishJobStatus(id, db.JobStatusCancelled)
		return e.jobs.GetByID(ctx, id)
	}

	// The runner writes the terminal row; wait briefly so the caller sees
	// the cancelled state rather than a stale running one.
	select {
	case <-rj.done:
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
	}
	return e.jobs.GetByID(ctx, id)
}

// CancelAll cancels every in-flight job; used on shutdown.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	jobs := make([]*runningJob, 0, len(e.running))
	for _, rj := range e.running {
		rj.cancelled = true
		jobs = append(jobs, rj)
	}
	e.mu.Unlock()

	for _, rj := range jobs {
		rj.cancel()
		<-rj.done
	}
}

// track registers a job as running and returns its context plus the
// completion hook.
func (e *Engine) track(id uuid.UUID) (context.Context, *runningJob, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	rj := &runningJob{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.running[id] = rj
	e.mu.Unlock()

	finish := func() {
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
		cancel()
		close(rj.done)
	}
	return ctx, rj, finish
}

// markRunning flips a fresh job to running.
func (e *Engine) markRunning(ctx context.Context, job *db.Job) {
	now := time.Now().UTC()
	job.Status = db.JobStatusRunning
	job.StartedAt = &now
	if err := e.jobs.Update(ctx, job); err != nil {
		e.log.Warn("marking job running failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	e.publishJobStatus(job.ID, db.JobStatusRunning)
}

// finishJob writes the terminal status and error text, bumps metrics, and
// notifies subscribers.
func (e *Engine) finishJob(job *db.Job, status string, errs *multierror.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fresh, err := e.jobs.GetByID(ctx, job.ID)
	if err != nil {
		e.log.Error("loading job for finish failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		fresh = job
	}

	now := time.Now().UTC()
	fresh.Status = status
	fresh.FinishedAt = &now
	if fresh.DevicesTotal == 0 {
		fresh.DevicesTotal = fresh.DevicesSuccess + fresh.DevicesFailed
	}
	if agg := errs.ErrorOrNil(); agg != nil {
		fresh.Error = agg.Error()
	}
	if err := e.jobs.Update(ctx, fresh); err != nil {
		e.log.Error("persisting terminal job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	metrics.JobsTotal.WithLabelValues(fresh.Kind, status).Inc()
	e.publishJobStatus(fresh.ID, status)
	e.log.Info("job finished",
		zap.String("job_id", fresh.ID.String()),
		zap.String("kind", fresh.Kind),
		zap.String("status", status),
		zap.Int("success", fresh.DevicesSuccess),
		zap.Int("failed", fresh.DevicesFailed),
	)
}

// publishJobStatus pushes a job transition on its topic.
func (e *Engine) publishJobStatus(id uuid.UUID, status string) {
	e.events.Publish("job:"+id.String(), events.MsgJobStatus, map[string]any{
		"job_id": id,
		"status": status,
	})
}

// aggregate folds slice outcomes into the job's terminal status.
func aggregate(cancelled bool, completed, failed int) string {
	switch {
	case cancelled:
		return db.JobStatusCancelled
	case failed == 0:
		return db.JobStatusCompleted
	case completed == 0:
		return db.JobStatusFailed
	default:
		return db.JobStatusPartial
	}
}

// terminal reports whether a job status is final.
func terminal(status string) bool {
	switch status {
	case db.JobStatusCompleted, db.JobStatusPartial, db.JobStatusFailed, db.JobStatusCancelled:
		return true
	default:
		return false
	}
}
