package backup

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/events"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/hub"
	"github.com/grandir66/dadude2.0-sub000/internal/metrics"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// retrySchedule delays re-attempts after transport-level failures. Vendor
// and credential errors never retry.
var retrySchedule = []time.Duration{time.Second, 5 * time.Second}

// Engine runs device backups end to end: credential resolution, the agent
// RPC with its artifact chunk stream, run metadata, and the per-device
// retention sweep after success. At most one run is in flight per device.
type Engine struct {
	backups   repositories.BackupRepository
	devices   repositories.DeviceRepository
	customers repositories.CustomerRepository
	agents    repositories.AgentRepository
	resolver  *CredentialResolver
	hub       *hub.Hub
	store     *Store
	events    *events.Hub
	timeout   time.Duration
	log       *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewEngine wires the backup engine. timeout bounds one agent.backup RPC.
func NewEngine(
	backups repositories.BackupRepository,
	devices repositories.DeviceRepository,
	customers repositories.CustomerRepository,
	agents repositories.AgentRepository,
	resolver *CredentialResolver,
	h *hub.Hub,
	store *Store,
	ev *events.Hub,
	timeout time.Duration,
	log *zap.Logger,
) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Engine{
		backups:   backups,
		devices:   devices,
		customers: customers,
		agents:    agents,
		resolver:  resolver,
		hub:       h,
		store:     store,
		events:    ev,
		timeout:   timeout,
		log:       log.Named("backup"),
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// Store exposes the artifact store for the download endpoint.
func (e *Engine) Store() *Store { return e.store }

// RunRequest describes one backup to perform.
type RunRequest struct {
	DeviceID uuid.UUID
	Kind     string // "config", "binary", "both"
	Trigger  string // "manual", "schedule", "pre-change"

	// Block makes the caller wait for an in-flight run on the same device
	// instead of failing fast with a conflict.
	Block bool
}

// plan is everything resolved up front, before the run row exists.
type plan struct {
	device   *db.Device
	customer *db.Customer
	agentID  string
	cred     wire.Credential
}

// Start validates the request, creates the running row, and executes in the
// background. The caller gets the row immediately; the REST layer turns it
// into a 202.
func (e *Engine) Start(ctx context.Context, req RunRequest) (*db.BackupRun, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	release, err := e.lockDevice(req.DeviceID, false)
	if err != nil {
		return nil, err
	}

	run, err := e.createRun(ctx, req, p)
	if err != nil {
		release()
		return nil, err
	}

	go func() {
		defer release()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout+time.Minute)
		defer cancel()
		e.execute(ctx, run, req, p)
	}()
	return run, nil
}

// Run executes synchronously and returns the terminal run. Scheduled waves
// and pre-change snapshots take this path.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*db.BackupRun, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	release, err := e.lockDevice(req.DeviceID, req.Block)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := e.createRun(ctx, req, p)
	if err != nil {
		return nil, err
	}
	e.execute(ctx, run, req, p)
	return run, nil
}

// PreChange takes a synchronous config snapshot ahead of a command batch.
// Any failure comes back as pre_change_backup_failed so the caller refuses
// to run the commands.
func (e *Engine) PreChange(ctx context.Context, deviceID uuid.UUID) (*db.BackupRun, error) {
	run, err := e.Run(ctx, RunRequest{
		DeviceID: deviceID,
		Kind:     string(wire.BackupConfig),
		Trigger:  db.TriggerPreChange,
		Block:    true,
	})
	if err != nil {
		return nil, faults.Wrap(err, faults.PreChangeBackupFailed, "pre-change backup failed")
	}
	if run.Status != db.BackupStatusSuccess {
		return run, faults.Newf(faults.PreChangeBackupFailed, "pre-change backup failed: %s", run.Error)
	}
	return run, nil
}

// prepare resolves device, customer, executing agent, and credential. All
// validation failures happen here, before any row is written.
func (e *Engine) prepare(ctx context.Context, req RunRequest) (*plan, error) {
	switch req.Kind {
	case string(wire.BackupConfig), string(wire.BackupBinary), string(wire.BackupBoth):
	default:
		return nil, faults.Newf(faults.Validation, "unknown backup kind %q", req.Kind)
	}

	device, err := e.devices.GetByID(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, faults.New(faults.NotFound, "device not found")
		}
		return nil, faults.Wrap(err, faults.Internal, "load device")
	}
	if device.Kind == "" {
		return nil, faults.Newf(faults.PreconditionFailed,
			"device %s has no vendor kind; backups need a managed device", device.Address)
	}
	if device.Kind == string(wire.DeviceHPAruba) && req.Kind != string(wire.BackupConfig) {
		return nil, faults.Newf(faults.Validation, "hp-aruba devices support config backups only")
	}

	customer, err := e.customers.GetByID(ctx, device.CustomerID)
	if err != nil {
		return nil, faults.Wrap(err, faults.Internal, "load customer")
	}

	agentID, err := e.pickAgent(ctx, device.CustomerID)
	if err != nil {
		return nil, err
	}

	cred, _, err := e.resolver.Resolve(ctx, device)
	if err != nil {
		return nil, err
	}

	return &plan{device: device, customer: customer, agentID: agentID, cred: cred}, nil
}

// pickAgent selects an online approved agent of the customer. The first
// online one wins; backups are not load balanced.
func (e *Engine) pickAgent(ctx context.Context, customerID uuid.UUID) (string, error) {
	agents, err := e.agents.ListByCustomer(ctx, customerID)
	if err != nil {
		return "", faults.Wrap(err, faults.Internal, "list customer agents")
	}
	for _, a := range agents {
		if e.hub.IsOnline(a.ID) {
			return a.ID, nil
		}
	}
	return "", faults.New(faults.AgentOffline, "no online agent for customer")
}

// lockDevice serializes runs per device. Non-blocking callers get a
// conflict when a run is already in flight.
func (e *Engine) lockDevice(deviceID uuid.UUID, block bool) (func(), error) {
	e.mu.Lock()
	m, ok := e.locks[deviceID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[deviceID] = m
	}
	e.mu.Unlock()

	if block {
		m.Lock()
		return m.Unlock, nil
	}
	if !m.TryLock() {
		return nil, faults.New(faults.Conflict, "backup already running for this device")
	}
	return m.Unlock, nil
}

// createRun inserts the running row.
func (e *Engine) createRun(ctx context.Context, req RunRequest, p *plan) (*db.BackupRun, error) {
	run := &db.BackupRun{
		CustomerID:  p.device.CustomerID,
		DeviceID:    p.device.ID,
		AgentID:     p.agentID,
		Kind:        req.Kind,
		Status:      db.BackupStatusRunning,
		TriggeredBy: req.Trigger,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.backups.CreateRun(ctx, run); err != nil {
		return nil, faults.Wrap(err, faults.Internal, "create backup run")
	}
	e.publishRun(run, "")
	return run, nil
}

// execute drives the attempt loop and finalizes the run row. Transport
// failures re-attempt per retrySchedule; everything else fails immediately.
func (e *Engine) execute(ctx context.Context, run *db.BackupRun, req RunRequest, p *plan) {
	log := e.log.With(
		zap.String("run_id", run.ID.String()),
		zap.String("device", p.device.Address),
		zap.String("agent_id", p.agentID),
		zap.String("trigger", req.Trigger),
	)

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := e.attempt(ctx, run, req, p)
		if err == nil {
			log.Info("backup succeeded", zap.Int64("bytes", run.SizeBytes))
			e.sweepAfterSuccess(ctx, run)
			return
		}
		lastErr = err

		if attempt >= len(retrySchedule) || !transient(err) || ctx.Err() != nil {
			break
		}
		delay := retrySchedule[attempt]
		log.Warn("backup attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	now := time.Now().UTC()
	run.Status = db.BackupStatusFailed
	run.Error = faults.Message(lastErr)
	run.FinishedAt = &now
	if err := e.backups.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("persisting failed run failed", zap.Error(err))
	}
	metrics.BackupsTotal.WithLabelValues(run.TriggeredBy, run.Status).Inc()
	e.publishRun(run, run.Error)
	log.Warn("backup failed", zap.Error(lastErr))
}

// attempt performs one RPC round with a fresh artifact sink.
func (e *Engine) attempt(ctx context.Context, run *db.BackupRun, req RunRequest, p *plan) error {
	sink := newArtifactSink(e.store, p.customer.Code, deviceName(p.device), run.StartedAt)
	defer sink.discard()

	params := wire.BackupParams{
		RunID:      run.ID.String(),
		DeviceIP:   p.device.Address,
		DeviceKind: wire.DeviceKind(p.device.Kind),
		BackupKind: wire.BackupKind(req.Kind),
		Credential: p.cred,
	}

	progress := make(chan wire.Progress, 16)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for pr := range progress {
			e.events.Publish("customer:"+run.CustomerID.String(), events.MsgBackupStatus, map[string]any{
				"backup_id": run.ID,
				"device_id": run.DeviceID,
				"stage":     pr.Stage,
				"message":   pr.Message,
			})
		}
	}()

	payload, err := e.hub.StreamWithSink(ctx, p.agentID, wire.MethodBackup, params, e.timeout, progress, run.ID.String(), sink)
	close(progress)
	<-forwarded
	if err != nil {
		return err
	}

	var result wire.BackupResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return faults.Wrap(err, faults.Internal, "decode backup result")
	}

	arts, err := sink.finalize(result.Artifacts)
	if err != nil {
		return err
	}
	if len(arts) == 0 {
		return faults.New(faults.VendorProtocol, "agent reported success but streamed no artifacts")
	}

	primary := arts[0]
	for _, a := range arts {
		if a.kind == wire.BackupConfig {
			primary = a
			break
		}
	}
	var total int64
	for _, a := range arts {
		total += a.size
	}

	now := time.Now().UTC()
	run.FilePath = &primary.path
	run.SizeBytes = total
	run.Checksum = primary.sha256
	run.Status = db.BackupStatusSuccess
	run.Error = ""
	run.FinishedAt = &now
	if err := e.backups.UpdateRun(ctx, run); err != nil {
		return faults.Wrap(err, faults.Internal, "persist backup run")
	}

	metrics.BackupsTotal.WithLabelValues(run.TriggeredBy, run.Status).Inc()
	metrics.BackupBytes.Add(float64(total))
	e.publishRun(run, "")
	e.applyFacts(ctx, p.device, result.Facts)
	return nil
}

// applyFacts folds vendor metadata from the backup into the device row,
// best effort.
func (e *Engine) applyFacts(ctx context.Context, device *db.Device, facts wire.DeviceFacts) {
	changed := false
	if facts.Hostname != "" && facts.Hostname != device.Hostname {
		device.Hostname = facts.Hostname
		changed = true
	}
	platform := facts.Model
	if facts.Firmware != "" {
		platform = strings.TrimSpace(facts.Model + " " + facts.Firmware)
	}
	if platform != "" && platform != device.Platform {
		device.Platform = platform
		changed = true
	}
	if !changed {
		return
	}
	if err := e.devices.Update(ctx, device); err != nil {
		e.log.Debug("applying device facts failed",
			zap.String("device_id", device.ID.String()), zap.Error(err))
	}
}

// sweepAfterSuccess applies the customer's retention policy to the device
// that just gained an artifact. Sweep errors only log; the backup stands.
func (e *Engine) sweepAfterSuccess(ctx context.Context, run *db.BackupRun) {
	schedule, err := e.backups.GetScheduleByCustomer(ctx, run.CustomerID)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			e.log.Warn("retention lookup failed", zap.Error(err))
		}
		return
	}
	if _, err := e.SweepDevice(ctx, run.DeviceID, schedule); err != nil {
		e.log.Warn("retention sweep failed",
			zap.String("device_id", run.DeviceID.String()), zap.Error(err))
	}
}

// publishRun pushes a run transition to operator subscribers.
func (e *Engine) publishRun(run *db.BackupRun, errMsg string) {
	payload := map[string]any{
		"backup_id": run.ID,
		"device_id": run.DeviceID,
		"status":    run.Status,
		"trigger":   run.TriggeredBy,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	e.events.Publish("customer:"+run.CustomerID.String(), events.MsgBackupStatus, payload)
}

// transient reports whether an attempt error is transport-level and worth a
// re-attempt.
func transient(err error) bool {
	switch faults.KindOf(err) {
	case faults.TransportClosed, faults.ReplacedByNewerSession, faults.Timeout, faults.AgentOffline:
		return true
	default:
		return false
	}
}

// deviceName picks the artifact directory segment for a device.
func deviceName(device *db.Device) string {
	if device.Hostname != "" {
		return device.Hostname
	}
	return device.Address
}
