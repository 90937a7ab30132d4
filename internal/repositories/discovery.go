package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
)

// gormDiscoveryRepository is the GORM implementation of DiscoveryRepository.
type gormDiscoveryRepository struct {
	db *gorm.DB
}

// NewDiscoveryRepository returns a DiscoveryRepository backed by the provided *gorm.DB.
func NewDiscoveryRepository(db *gorm.DB) DiscoveryRepository {
	return &gormDiscoveryRepository{db: db}
}

func (r *gormDiscoveryRepository) Create(ctx context.Context, session *db.DiscoverySession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("discovery sessions: create: %w", err)
	}
	return nil
}

func (r *gormDiscoveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.DiscoverySession, error) {
	var session db.DiscoverySession
	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("discovery sessions: get by id: %w", err)
	}
	return &session, nil
}

func (r *gormDiscoveryRepository) Update(ctx context.Context, session *db.DiscoverySession) error {
	result := r.db.WithContext(ctx).Save(session)
	if result.Error != nil {
		return fmt.Errorf("discovery sessions: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDiscoveryRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID, opts ListOptions) ([]db.DiscoverySession, int64, error) {
	var sessions []db.DiscoverySession
	var total int64

	base := r.db.WithContext(ctx).Model(&db.DiscoverySession{}).Where("customer_id = ?", customerID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("discovery sessions: list count: %w", err)
	}

	q := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("discovery sessions: list: %w", err)
	}

	return sessions, total, nil
}
