package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/events"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// ScanRequest describes one operator-initiated discovery scan.
type ScanRequest struct {
	CustomerID  uuid.UUID
	AgentID     string // empty fans out to every online agent of the customer
	NetworkCIDR string // empty scans every network pushed to the agent
	ScanType    wire.ScanType
	ScanPorts   []int
}

// StartScan validates the request, creates the job with one target and one
// discovery session per agent, and starts execution in the background.
func (e *Engine) StartScan(ctx context.Context, req ScanRequest) (*db.Job, error) {
	switch req.ScanType {
	case wire.ScanARP, wire.ScanPing, wire.ScanNmap, wire.ScanSNMP, wire.ScanAll:
	case "":
		req.ScanType = wire.ScanAll
	default:
		return nil, faults.Newf(faults.Validation, "unknown scan type %q", req.ScanType)
	}

	customer, err := e.customers.GetByID(ctx, req.CustomerID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, faults.New(faults.NotFound, "customer not found")
		}
		return nil, faults.Wrap(err, faults.Internal, "load customer")
	}
	if !customer.Active {
		return nil, faults.Newf(faults.Validation, "customer %s is deactivated", customer.Code)
	}

	agentIDs, err := e.resolveScanAgents(ctx, req)
	if err != nil {
		return nil, err
	}

	job := &db.Job{
		Kind:       db.JobScan,
		CustomerID: &req.CustomerID,
		Status:     db.JobStatusPending,
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, faults.Wrap(err, faults.Internal, "create job")
	}

	slices := make([]scanSlice, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		target := &db.JobTarget{JobID: job.ID, AgentID: agentID, Status: db.JobStatusPending}
		if err := e.jobs.CreateTarget(ctx, target); err != nil {
			return nil, faults.Wrap(err, faults.Internal, "create job target")
		}
		session := &db.DiscoverySession{
			CustomerID:  req.CustomerID,
			AgentID:     agentID,
			JobID:       job.ID,
			NetworkCIDR: req.NetworkCIDR,
			ScanType:    string(req.ScanType),
			Status:      db.SessionPending,
		}
		if err := e.sessions.Create(ctx, session); err != nil {
			return nil, faults.Wrap(err, faults.Internal, "create discovery session")
		}
		slices = append(slices, scanSlice{agentID: agentID, target: target, session: session})
	}

	go e.runScanJob(job, req, slices)
	return job, nil
}

// resolveScanAgents returns the agents a scan targets: the named one, or
// every online approved agent of the customer.
func (e *Engine) resolveScanAgents(ctx context.Context, req ScanRequest) ([]string, error) {
	if req.AgentID != "" {
		agent, err := e.agents.GetByID(ctx, req.AgentID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, faults.New(faults.NotFound, "agent not found")
			}
			return nil, faults.Wrap(err, faults.Internal, "load agent")
		}
		if agent.CustomerID == nil || *agent.CustomerID != req.CustomerID {
			return nil, faults.Newf(faults.Validation, "agent %s does not belong to the customer", req.AgentID)
		}
		if !e.hub.IsOnline(req.AgentID) {
			return nil, faults.Newf(faults.AgentOffline, "agent %s is offline", req.AgentID)
		}
		return []string{req.AgentID}, nil
	}

	agents, err := e.agents.ListByCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, faults.Wrap(err, faults.Internal, "list customer agents")
	}
	online := make([]string, 0, len(agents))
	for _, a := range agents {
		if e.hub.IsOnline(a.ID) {
			online = append(online, a.ID)
		}
	}
	if len(online) == 0 {
		return nil, faults.New(faults.AgentOffline, "no online agent for customer")
	}
	return online, nil
}

// scanSlice is one agent's share of a scan job.
type scanSlice struct {
	agentID string
	target  *db.JobTarget
	session *db.DiscoverySession
}

// runScanJob drives all slices in parallel and aggregates the outcome.
func (e *Engine) runScanJob(job *db.Job, req ScanRequest, slices []scanSlice) {
	ctx, rj, finish := e.track(job.ID)
	defer finish()

	e.markRunning(ctx, job)

	// One slice failing must not tear down its siblings, so every
	// goroutine returns nil and outcomes land in the guarded counters.
	var (
		group     errgroup.Group
		mu        sync.Mutex
		merr      *multierror.Error
		completed int
		failed    int
	)
	for i := range slices {
		slice := slices[i]
		group.Go(func() error {
			err := e.runScanSlice(ctx, job, req, slice)
			mu.Lock()
			if err != nil {
				failed++
				merr = multierror.Append(merr, fmt.Errorf("agent %s: %w", slice.agentID, err))
			} else {
				completed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	e.mu.Lock()
	cancelled := rj.cancelled
	e.mu.Unlock()

	e.finishJob(job, aggregate(cancelled, completed, failed), merr)
}

// runScanSlice executes agent.scan on one agent, ingests the result, and
// settles both the discovery session and the job target.
func (e *Engine) runScanSlice(ctx context.Context, job *db.Job, req ScanRequest, slice scanSlice) error {
	now := time.Now().UTC()
	slice.session.Status = db.SessionRunning
	slice.session.StartedAt = &now
	if err := e.sessions.Update(ctx, slice.session); err != nil {
		e.log.Warn("marking session running failed", zap.Error(err))
	}
	e.updateTarget(slice.target.ID, db.JobStatusRunning, "")

	params := wire.ScanParams{
		NetworkCIDR: req.NetworkCIDR,
		ScanType:    req.ScanType,
		ScanPorts:   req.ScanPorts,
	}

	progress := make(chan wire.Progress, 16)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for pr := range progress {
			e.forwardScanProgress(job.ID, slice.agentID, pr)
		}
	}()

	payload, callErr := e.hub.Stream(ctx, slice.agentID, wire.MethodScan, params, e.scanTimeout, progress)
	close(progress)
	<-forwarded

	if callErr != nil {
		e.settleScanSlice(slice, 0, callErr)
		return callErr
	}

	var result wire.ScanResult
	if err := json.Unmarshal(payload, &result); err != nil {
		err = faults.Wrap(err, faults.Internal, "decode scan result")
		e.settleScanSlice(slice, 0, err)
		return err
	}

	// Ingest survives job cancellation: results already delivered are kept.
	ingested, err := e.ingestor.Ingest(context.WithoutCancel(ctx), req.CustomerID, result.Devices)
	if err != nil {
		err = faults.Wrap(err, faults.Internal, "ingest scan result")
		e.settleScanSlice(slice, 0, err)
		return err
	}

	if err := e.jobs.AddProgress(context.WithoutCancel(ctx), job.ID, ingested.Found, 0); err != nil {
		e.log.Warn("bumping job counters failed", zap.Error(err))
	}
	e.settleScanSlice(slice, ingested.Found, nil)
	return nil
}

// settleScanSlice writes the terminal session and target rows for one
// slice.
func (e *Engine) settleScanSlice(slice scanSlice, found int, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	slice.session.FinishedAt = &now
	slice.session.FoundCount = found

	switch {
	case cause == nil:
		slice.session.Status = db.SessionCompleted
		e.updateTarget(slice.target.ID, db.JobStatusCompleted, "")
	case faults.IsKind(cause, faults.Cancelled):
		slice.session.Status = db.SessionCancelled
		slice.session.Error = "cancelled"
		e.updateTarget(slice.target.ID, db.JobStatusCancelled, "cancelled")
	default:
		slice.session.Status = db.SessionFailed
		slice.session.Error = faults.Message(cause)
		e.updateTarget(slice.target.ID, db.JobStatusFailed, faults.Message(cause))
	}

	if err := e.sessions.Update(ctx, slice.session); err != nil {
		e.log.Warn("settling discovery session failed",
			zap.String("session_id", slice.session.ID.String()), zap.Error(err))
	}
}

// updateTarget persists one target transition.
func (e *Engine) updateTarget(id uuid.UUID, status, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var finishedAt *time.Time
	if terminal(status) {
		now := time.Now().UTC()
		finishedAt = &now
	}
	if err := e.jobs.UpdateTarget(ctx, id, status, detail, finishedAt); err != nil {
		e.log.Warn("updating job target failed", zap.String("target_id", id.String()), zap.Error(err))
	}
}

// forwardScanProgress republishes one agent progress frame on the job topic.
func (e *Engine) forwardScanProgress(jobID uuid.UUID, agentID string, pr wire.Progress) {
	e.events.Publish("job:"+jobID.String(), events.MsgJobProgress, map[string]any{
		"job_id":        jobID,
		"agent_id":      agentID,
		"stage":         pr.Stage,
		"device":        pr.Device,
		"devices_found": pr.DevicesFound,
		"message":       pr.Message,
	})
}
