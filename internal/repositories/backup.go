package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
)

// gormBackupRepository is the GORM implementation of BackupRepository.
type gormBackupRepository struct {
	db *gorm.DB
}

// NewBackupRepository returns a BackupRepository backed by the provided *gorm.DB.
func NewBackupRepository(db *gorm.DB) BackupRepository {
	return &gormBackupRepository{db: db}
}

// ---- runs ----

func (r *gormBackupRepository) CreateRun(ctx context.Context, run *db.BackupRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("backup runs: create: %w", err)
	}
	return nil
}

func (r *gormBackupRepository) GetRunByID(ctx context.Context, id uuid.UUID) (*db.BackupRun, error) {
	var run db.BackupRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backup runs: get by id: %w", err)
	}
	return &run, nil
}

func (r *gormBackupRepository) UpdateRun(ctx context.Context, run *db.BackupRun) error {
	result := r.db.WithContext(ctx).Save(run)
	if result.Error != nil {
		return fmt.Errorf("backup runs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormBackupRepository) ListRunsByDevice(ctx context.Context, deviceID uuid.UUID, opts ListOptions) ([]db.BackupRun, int64, error) {
	return r.listRuns(ctx, "device_id = ?", deviceID, opts)
}

func (r *gormBackupRepository) ListRunsByCustomer(ctx context.Context, customerID uuid.UUID, opts ListOptions) ([]db.BackupRun, int64, error) {
	return r.listRuns(ctx, "customer_id = ?", customerID, opts)
}

func (r *gormBackupRepository) listRuns(ctx context.Context, cond string, arg uuid.UUID, opts ListOptions) ([]db.BackupRun, int64, error) {
	var runs []db.BackupRun
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.BackupRun{}).Where(cond, arg).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("backup runs: list count: %w", err)
	}

	q := r.db.WithContext(ctx).
		Where(cond, arg).
		Order("started_at DESC").
		Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("backup runs: list: %w", err)
	}

	return runs, total, nil
}

func (r *gormBackupRepository) ListSuccessesForDevice(ctx context.Context, deviceID uuid.UUID) ([]db.BackupRun, error) {
	var runs []db.BackupRun
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, db.BackupStatusSuccess).
		Order("started_at DESC").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("backup runs: list successes: %w", err)
	}
	return runs, nil
}

func (r *gormBackupRepository) DeleteRun(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.BackupRun{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("backup runs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- schedules ----

func (r *gormBackupRepository) CreateSchedule(ctx context.Context, schedule *db.BackupSchedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("backup schedules: create: %w", err)
	}
	return nil
}

func (r *gormBackupRepository) GetScheduleByID(ctx context.Context, id uuid.UUID) (*db.BackupSchedule, error) {
	var schedule db.BackupSchedule
	err := r.db.WithContext(ctx).First(&schedule, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backup schedules: get by id: %w", err)
	}
	return &schedule, nil
}

func (r *gormBackupRepository) GetScheduleByCustomer(ctx context.Context, customerID uuid.UUID) (*db.BackupSchedule, error) {
	var schedule db.BackupSchedule
	err := r.db.WithContext(ctx).First(&schedule, "customer_id = ?", customerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backup schedules: get by customer: %w", err)
	}
	return &schedule, nil
}

func (r *gormBackupRepository) UpdateSchedule(ctx context.Context, schedule *db.BackupSchedule) error {
	result := r.db.WithContext(ctx).Save(schedule)
	if result.Error != nil {
		return fmt.Errorf("backup schedules: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormBackupRepository) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.BackupSchedule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("backup schedules: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormBackupRepository) ListSchedules(ctx context.Context, enabledOnly bool) ([]db.BackupSchedule, error) {
	var schedules []db.BackupSchedule
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	if err := q.Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("backup schedules: list: %w", err)
	}
	return schedules, nil
}

// ---- templates ----

func (r *gormBackupRepository) UpsertTemplate(ctx context.Context, template *db.BackupTemplate) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vendor"}},
			DoUpdates: clause.AssignmentColumns([]string{"commands", "hints", "updated_at"}),
		}).
		Create(template).Error
	if err != nil {
		return fmt.Errorf("backup templates: upsert: %w", err)
	}
	return nil
}

func (r *gormBackupRepository) GetTemplateByVendor(ctx context.Context, vendor string) (*db.BackupTemplate, error) {
	var template db.BackupTemplate
	err := r.db.WithContext(ctx).First(&template, "vendor = ?", vendor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("backup templates: get by vendor: %w", err)
	}
	return &template, nil
}

func (r *gormBackupRepository) ListTemplates(ctx context.Context) ([]db.BackupTemplate, error) {
	var templates []db.BackupTemplate
	if err := r.db.WithContext(ctx).Order("vendor ASC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("backup templates: list: %w", err)
	}
	return templates, nil
}
