package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grandir66/dadude2.0-sub000/internal/backup"
	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// StartBackupWave creates and launches one backup job covering every
// managed device of the schedule's customer that the schedule's kinds
// apply to. Returns nil without error when no device is eligible.
func (e *Engine) StartBackupWave(ctx context.Context, schedule *db.BackupSchedule) (*db.Job, error) {
	var kinds []string
	if err := json.Unmarshal([]byte(schedule.Kinds), &kinds); err != nil || len(kinds) == 0 {
		kinds = []string{string(wire.BackupConfig)}
	}

	devices, _, err := e.devices.ListByCustomer(ctx, schedule.CustomerID, repositories.ListOptions{})
	if err != nil {
		return nil, faults.Wrap(err, faults.Internal, "list customer devices")
	}

	eligible := make([]waveEntry, 0, len(devices))
	for i := range devices {
		kind := waveKind(devices[i].Kind, kinds)
		if kind == "" {
			continue
		}
		eligible = append(eligible, waveEntry{deviceID: devices[i].ID, address: devices[i].Address, kind: kind})
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	job := &db.Job{
		Kind:         db.JobBackup,
		CustomerID:   &schedule.CustomerID,
		Status:       db.JobStatusPending,
		DevicesTotal: len(eligible),
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, faults.Wrap(err, faults.Internal, "create job")
	}

	go e.runBackupWave(job, eligible)
	return job, nil
}

// waveEntry is one device's share of a backup wave.
type waveEntry struct {
	deviceID uuid.UUID
	address  string
	kind     string
}

// runBackupWave backs up each eligible device with bounded concurrency and
// aggregates per-device outcomes into the job.
func (e *Engine) runBackupWave(job *db.Job, entries []waveEntry) {
	ctx, rj, finish := e.track(job.ID)
	defer finish()

	e.markRunning(ctx, job)

	var (
		group     errgroup.Group
		mu        sync.Mutex
		merr      *multierror.Error
		succeeded int
		failed    int
	)
	group.SetLimit(waveConcurrency)

	for i := range entries {
		entry := entries[i]
		group.Go(func() error {
			err := e.backupOne(ctx, entry)
			mu.Lock()
			if err != nil {
				failed++
				merr = multierror.Append(merr, fmt.Errorf("device %s: %w", entry.address, err))
			} else {
				succeeded++
			}
			mu.Unlock()

			if perr := e.jobs.AddProgress(context.WithoutCancel(ctx), job.ID, boolToInt(err == nil), boolToInt(err != nil)); perr != nil {
				e.log.Warn("bumping job counters failed", zap.Error(perr))
			}
			return nil
		})
	}
	_ = group.Wait()

	e.mu.Lock()
	cancelled := rj.cancelled
	e.mu.Unlock()

	e.finishJob(job, aggregate(cancelled, succeeded, failed), merr)
}

// backupOne runs a single device backup synchronously and converts a failed
// run into an error for aggregation.
func (e *Engine) backupOne(ctx context.Context, entry waveEntry) error {
	if ctx.Err() != nil {
		return faults.Wrap(ctx.Err(), faults.Cancelled, "wave cancelled")
	}
	run, err := e.backups.Run(ctx, backup.RunRequest{
		DeviceID: entry.deviceID,
		Kind:     entry.kind,
		Trigger:  db.TriggerSchedule,
	})
	if err != nil {
		return err
	}
	if run.Status != db.BackupStatusSuccess {
		return faults.Newf(faults.Internal, "backup failed: %s", run.Error)
	}
	return nil
}

// waveKind maps the schedule's requested backup kinds onto what one device
// supports; empty means the device is skipped.
func waveKind(deviceKind string, kinds []string) string {
	wantConfig := false
	wantBinary := false
	for _, k := range kinds {
		switch k {
		case string(wire.BackupConfig):
			wantConfig = true
		case string(wire.BackupBinary):
			wantBinary = true
		case string(wire.BackupBoth):
			wantConfig, wantBinary = true, true
		}
	}

	switch deviceKind {
	case string(wire.DeviceMikroTik):
		switch {
		case wantConfig && wantBinary:
			return string(wire.BackupBoth)
		case wantBinary:
			return string(wire.BackupBinary)
		case wantConfig:
			return string(wire.BackupConfig)
		}
	case string(wire.DeviceHPAruba):
		if wantConfig {
			return string(wire.BackupConfig)
		}
	}
	return ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
