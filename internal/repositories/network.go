package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
)

// gormNetworkRepository is the GORM implementation of NetworkRepository.
type gormNetworkRepository struct {
	db *gorm.DB
}

// NewNetworkRepository returns a NetworkRepository backed by the provided *gorm.DB.
func NewNetworkRepository(db *gorm.DB) NetworkRepository {
	return &gormNetworkRepository{db: db}
}

func (r *gormNetworkRepository) Create(ctx context.Context, network *db.Network) error {
	if err := r.db.WithContext(ctx).Create(network).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("networks: create: %w", err)
	}
	return nil
}

func (r *gormNetworkRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Network, error) {
	var network db.Network
	err := r.db.WithContext(ctx).First(&network, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("networks: get by id: %w", err)
	}
	return &network, nil
}

func (r *gormNetworkRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]db.Network, error) {
	var networks []db.Network
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("cidr ASC").
		Find(&networks).Error
	if err != nil {
		return nil, fmt.Errorf("networks: list by customer: %w", err)
	}
	return networks, nil
}

func (r *gormNetworkRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Network{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("networks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
