package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
)

// gormCustomerRepository is the GORM implementation of CustomerRepository.
type gormCustomerRepository struct {
	db *gorm.DB
}

// NewCustomerRepository returns a CustomerRepository backed by the provided *gorm.DB.
func NewCustomerRepository(db *gorm.DB) CustomerRepository {
	return &gormCustomerRepository{db: db}
}

func (r *gormCustomerRepository) Create(ctx context.Context, customer *db.Customer) error {
	if err := r.db.WithContext(ctx).Create(customer).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("customers: create: %w", err)
	}
	return nil
}

func (r *gormCustomerRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Customer, error) {
	var customer db.Customer
	err := r.db.WithContext(ctx).First(&customer, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("customers: get by id: %w", err)
	}
	return &customer, nil
}

func (r *gormCustomerRepository) GetByCode(ctx context.Context, code string) (*db.Customer, error) {
	var customer db.Customer
	err := r.db.WithContext(ctx).First(&customer, "code = ?", code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("customers: get by code: %w", err)
	}
	return &customer, nil
}

func (r *gormCustomerRepository) Update(ctx context.Context, customer *db.Customer) error {
	result := r.db.WithContext(ctx).Save(customer)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("customers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCustomerRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Customer{}).
		Where("id = ?", id).
		Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("customers: deactivate: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCustomerRepository) List(ctx context.Context, opts ListOptions) ([]db.Customer, int64, error) {
	var customers []db.Customer
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Customer{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("customers: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("code ASC").Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Find(&customers).Error; err != nil {
		return nil, 0, fmt.Errorf("customers: list: %w", err)
	}

	return customers, total, nil
}
