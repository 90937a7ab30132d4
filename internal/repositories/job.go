package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) GetByIDWithTargets(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	targets, err := r.ListTargets(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Targets = targets
	return job, nil
}

func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, finishedAt *time.Time, errMsg string) error {
	updates := map[string]interface{}{"status": status}
	if finishedAt != nil {
		updates["finished_at"] = finishedAt
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("jobs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddProgress bumps the outcome counters in the database itself so that
// concurrent per-agent reporters never lose increments.
func (r *gormJobRepository) AddProgress(ctx context.Context, id uuid.UUID, success, failed int) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"devices_success": gorm.Expr("devices_success + ?", success),
			"devices_failed":  gorm.Expr("devices_failed + ?", failed),
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: add progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC").Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

func (r *gormJobRepository) CreateTarget(ctx context.Context, target *db.JobTarget) error {
	if err := r.db.WithContext(ctx).Create(target).Error; err != nil {
		return fmt.Errorf("job targets: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) UpdateTarget(ctx context.Context, id uuid.UUID, status, detail string, finishedAt *time.Time) error {
	updates := map[string]interface{}{"status": status, "detail": detail}
	if finishedAt != nil {
		updates["finished_at"] = finishedAt
	}
	result := r.db.WithContext(ctx).
		Model(&db.JobTarget{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("job targets: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) ListTargets(ctx context.Context, jobID uuid.UUID) ([]db.JobTarget, error) {
	var targets []db.JobTarget
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&targets).Error
	if err != nil {
		return nil, fmt.Errorf("job targets: list: %w", err)
	}
	return targets, nil
}

func (r *gormJobRepository) MarkStaleRunning(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("status IN ?", []string{db.JobStatusPending, db.JobStatusRunning}).
		Updates(map[string]interface{}{
			"status":      db.JobStatusFailed,
			"error":       reason,
			"finished_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("jobs: mark stale running: %w", result.Error)
	}
	return result.RowsAffected, nil
}
