package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
)

// SweepDevice applies a schedule's retention policy to one device's
// successful runs: strategy "days" deletes by age, "count" by position
// beyond the newest N, "both" requires both. The most recent success is
// never deleted, whatever the policy says. Individual deletion failures are
// aggregated; the sweep continues past them.
func (e *Engine) SweepDevice(ctx context.Context, deviceID uuid.UUID, schedule *db.BackupSchedule) (int, error) {
	runs, err := e.backups.ListSuccessesForDevice(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("backup: list successes: %w", err)
	}
	if len(runs) <= 1 {
		return 0, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -schedule.RetentionDays)
	var merr *multierror.Error
	deleted := 0

	// runs is newest-first; index 0 is the survivor.
	for i := 1; i < len(runs); i++ {
		run := runs[i]
		if !expired(&run, i, schedule, cutoff) {
			continue
		}
		if run.FilePath != nil {
			if err := e.store.Remove(*run.FilePath); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("run %s: %w", run.ID, err))
				continue
			}
		}
		if err := e.backups.DeleteRun(ctx, run.ID); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("run %s: %w", run.ID, err))
			continue
		}
		deleted++
	}

	if deleted > 0 {
		e.log.Info("retention sweep deleted artifacts",
			zap.String("device_id", deviceID.String()),
			zap.Int("deleted", deleted),
		)
	}
	return deleted, merr.ErrorOrNil()
}

// SweepCustomer applies retention to every device of the schedule's
// customer. The daily GC walks all enabled schedules through this.
func (e *Engine) SweepCustomer(ctx context.Context, schedule *db.BackupSchedule) (int, error) {
	devices, _, err := e.devices.ListByCustomer(ctx, schedule.CustomerID, repositories.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("backup: list devices: %w", err)
	}

	var merr *multierror.Error
	total := 0
	for i := range devices {
		n, err := e.SweepDevice(ctx, devices[i].ID, schedule)
		total += n
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return total, merr.ErrorOrNil()
}

// expired decides whether one run (at its newest-first index) falls outside
// the policy.
func expired(run *db.BackupRun, index int, schedule *db.BackupSchedule, cutoff time.Time) bool {
	at := run.StartedAt
	if run.FinishedAt != nil {
		at = *run.FinishedAt
	}
	byAge := schedule.RetentionDays > 0 && at.Before(cutoff)
	byCount := schedule.RetentionCount > 0 && index >= schedule.RetentionCount

	switch schedule.RetentionStrategy {
	case db.RetentionByDays:
		return byAge
	case db.RetentionByCount:
		return byCount
	case db.RetentionByBoth:
		return byAge && byCount
	default:
		return false
	}
}
