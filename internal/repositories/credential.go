package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
)

// gormCredentialRepository is the GORM implementation of CredentialRepository.
type gormCredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository returns a CredentialRepository backed by the provided *gorm.DB.
func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &gormCredentialRepository{db: db}
}

func (r *gormCredentialRepository) Create(ctx context.Context, credential *db.Credential) error {
	if err := r.db.WithContext(ctx).Create(credential).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("credentials: create: %w", err)
	}
	return nil
}

func (r *gormCredentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Credential, error) {
	var credential db.Credential
	err := r.db.WithContext(ctx).First(&credential, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credentials: get by id: %w", err)
	}
	return &credential, nil
}

func (r *gormCredentialRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Credential{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("credentials: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCredentialRepository) List(ctx context.Context, opts ListOptions) ([]db.Credential, int64, error) {
	var (
		credentials []db.Credential
		total       int64
	)
	if err := r.db.WithContext(ctx).Model(&db.Credential{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("credentials: count: %w", err)
	}
	q := r.db.WithContext(ctx).Order("name ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&credentials).Error; err != nil {
		return nil, 0, fmt.Errorf("credentials: list: %w", err)
	}
	return credentials, total, nil
}

func (r *gormCredentialRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]db.Credential, error) {
	var credentials []db.Credential
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("name ASC").
		Find(&credentials).Error
	if err != nil {
		return nil, fmt.Errorf("credentials: list by customer: %w", err)
	}
	return credentials, nil
}

// ListCandidates returns active credentials a probe of the given customer
// and kind may use. Customer-scoped rows sort before globals, defaults
// before non-defaults, so the first device-filter match wins.
func (r *gormCredentialRepository) ListCandidates(ctx context.Context, customerID uuid.UUID, kind string) ([]db.Credential, error) {
	var credentials []db.Credential
	err := r.db.WithContext(ctx).
		Where("active = ? AND kind = ?", true, kind).
		Where(
			r.db.Where("scope = ? AND customer_id = ?", db.CredentialScopeCustomer, customerID).
				Or("scope = ?", db.CredentialScopeGlobal),
		).
		Order("scope ASC, is_default DESC, name ASC"). // "customer" < "global" lexically, so ASC puts customer rows first
		Find(&credentials).Error
	if err != nil {
		return nil, fmt.Errorf("credentials: list candidates: %w", err)
	}
	return credentials, nil
}
