// Package scheduler fires backup waves on customer schedules and runs the
// daily retention sweep. It wraps gocron: each enabled BackupSchedule maps to
// exactly one gocron job tagged with the schedule UUID, running in singleton
// mode so a slow wave is never overlapped by its own next tick.
//
// Timers survive restarts. NextRunAt is persisted whenever a schedule is
// (re)registered and after every fire; at startup, a schedule whose persisted
// NextRunAt passed while the process was down gets exactly one catch-up wave,
// never one per missed tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/grandir66/dadude2.0-sub000/internal/backup"
	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/jobs"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
)

// retentionCron is when the daily artifact GC runs. Early morning UTC keeps
// it clear of the default backup window (02:00 customer schedules).
const retentionCron = "30 4 * * *"

const retentionTag = "retention-sweep"

// Scheduler owns the gocron instance driving backup waves and retention GC.
// The zero value is not usable; create instances with New.
type Scheduler struct {
	cron    gocron.Scheduler
	backups repositories.BackupRepository
	waves   *jobs.Engine
	sweeper *backup.Engine
	clock   clockwork.Clock
	log     *zap.Logger
}

// New creates a stopped Scheduler. Call Start to load schedules and begin
// ticking.
func New(
	backups repositories.BackupRepository,
	waves *jobs.Engine,
	sweeper *backup.Engine,
	clock clockwork.Clock,
	logger *zap.Logger,
) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cron, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("scheduler: new gocron: %w", err)
	}
	return &Scheduler{
		cron:    cron,
		backups: backups,
		waves:   waves,
		sweeper: sweeper,
		clock:   clock,
		log:     logger.Named("scheduler"),
	}, nil
}

// Start loads every enabled schedule, fires at most one catch-up wave per
// schedule missed while the process was down, registers the timers and the
// daily retention job, and starts ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.backups.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("scheduler: load schedules: %w", err)
	}

	for i := range enabled {
		sched := &enabled[i]
		if sched.NextRunAt != nil && sched.NextRunAt.Before(s.clock.Now()) {
			s.log.Info("running missed schedule occurrence",
				zap.String("schedule_id", sched.ID.String()),
				zap.String("customer_id", sched.CustomerID.String()),
				zap.Time("missed_at", *sched.NextRunAt),
			)
			s.fire(sched.ID)
		}
		if err := s.register(ctx, sched); err != nil {
			s.log.Error("failed to register schedule",
				zap.String("schedule_id", sched.ID.String()),
				zap.Error(err),
			)
		}
	}

	if _, err := s.cron.NewJob(
		gocron.CronJob(retentionCron, false),
		gocron.NewTask(s.sweepRetention),
		gocron.WithTags(retentionTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("scheduler: register retention sweep: %w", err)
	}

	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("schedules", len(enabled)))
	return nil
}

// Stop shuts down gocron, waiting for running task functions to return.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Apply registers, reschedules, or unschedules one schedule after a create or
// update. Safe to call while the scheduler is running.
func (s *Scheduler) Apply(ctx context.Context, schedule *db.BackupSchedule) error {
	s.cron.RemoveByTags(schedule.ID.String())

	if !schedule.Enabled {
		schedule.NextRunAt = nil
		if err := s.backups.UpdateSchedule(ctx, schedule); err != nil {
			return fmt.Errorf("scheduler: clear next run: %w", err)
		}
		s.log.Info("schedule disabled", zap.String("schedule_id", schedule.ID.String()))
		return nil
	}
	return s.register(ctx, schedule)
}

// Remove unschedules a deleted schedule. Safe to call while running.
func (s *Scheduler) Remove(scheduleID uuid.UUID) {
	s.cron.RemoveByTags(scheduleID.String())
	s.log.Info("schedule removed", zap.String("schedule_id", scheduleID.String()))
}

// register adds the gocron job for one enabled schedule and persists its
// next fire time.
func (s *Scheduler) register(ctx context.Context, schedule *db.BackupSchedule) error {
	expr, err := CronExpr(schedule)
	if err != nil {
		return err
	}

	id := schedule.ID
	if _, err := s.cron.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(func() { s.fire(id) }),
		gocron.WithTags(id.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("scheduler: gocron job for schedule %s (%q): %w", id, expr, err)
	}

	next, err := NextFire(schedule, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	schedule.NextRunAt = &next
	if err := s.backups.UpdateSchedule(ctx, schedule); err != nil {
		return fmt.Errorf("scheduler: persist next run: %w", err)
	}

	s.log.Info("schedule registered",
		zap.String("schedule_id", id.String()),
		zap.String("customer_id", schedule.CustomerID.String()),
		zap.String("cron", expr),
		zap.Time("next_run_at", next),
	)
	return nil
}

// fire is the tick body: it re-reads the schedule row so edits and deletions
// between ticks are honored, starts one backup wave, and advances NextRunAt.
func (s *Scheduler) fire(scheduleID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schedule, err := s.backups.GetScheduleByID(ctx, scheduleID)
	if err != nil {
		s.log.Warn("schedule vanished, unscheduling",
			zap.String("schedule_id", scheduleID.String()),
			zap.Error(err),
		)
		s.cron.RemoveByTags(scheduleID.String())
		return
	}
	if !schedule.Enabled {
		return
	}

	job, err := s.waves.StartBackupWave(ctx, schedule)
	switch {
	case err != nil:
		s.log.Error("backup wave failed to start",
			zap.String("schedule_id", scheduleID.String()),
			zap.String("customer_id", schedule.CustomerID.String()),
			zap.Error(err),
		)
	case job == nil:
		s.log.Debug("no eligible devices for scheduled backup",
			zap.String("customer_id", schedule.CustomerID.String()),
		)
	default:
		s.log.Info("scheduled backup wave started",
			zap.String("job_id", job.ID.String()),
			zap.String("customer_id", schedule.CustomerID.String()),
		)
	}

	if next, err := NextFire(schedule, s.clock.Now().UTC()); err == nil {
		schedule.NextRunAt = &next
		if uerr := s.backups.UpdateSchedule(ctx, schedule); uerr != nil {
			s.log.Warn("failed to persist next run time",
				zap.String("schedule_id", scheduleID.String()),
				zap.Error(uerr),
			)
		}
	}
}

// sweepRetention applies every enabled schedule's retention policy to its
// customer's artifacts. Runs daily; failures on one customer do not stop the
// sweep of the others.
func (s *Scheduler) sweepRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	schedules, err := s.backups.ListSchedules(ctx, true)
	if err != nil {
		s.log.Error("retention sweep could not load schedules", zap.Error(err))
		return
	}

	removed := 0
	for i := range schedules {
		n, err := s.sweeper.SweepCustomer(ctx, &schedules[i])
		removed += n
		if err != nil {
			s.log.Warn("retention sweep errors for customer",
				zap.String("customer_id", schedules[i].CustomerID.String()),
				zap.Error(err),
			)
		}
	}
	s.log.Info("retention sweep finished",
		zap.Int("customers", len(schedules)),
		zap.Int("artifacts_removed", removed),
	)
}
