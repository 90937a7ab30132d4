package repositories

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
)

// gormDeviceRepository is the GORM implementation of DeviceRepository.
// Transaction-scoped clones produced by WithinIngest share the locks map.
type gormDeviceRepository struct {
	db    *gorm.DB
	locks *customerLocks
}

// NewDeviceRepository returns a DeviceRepository backed by the provided *gorm.DB.
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &gormDeviceRepository{
		db:    db,
		locks: &customerLocks{m: make(map[uuid.UUID]*sync.Mutex)},
	}
}

func (r *gormDeviceRepository) Create(ctx context.Context, device *db.Device) error {
	if err := r.db.WithContext(ctx).Create(device).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("devices: create: %w", err)
	}
	return nil
}

func (r *gormDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Device, error) {
	var device db.Device
	err := r.db.WithContext(ctx).First(&device, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get by id: %w", err)
	}
	return &device, nil
}

func (r *gormDeviceRepository) GetByMAC(ctx context.Context, customerID uuid.UUID, mac string) (*db.Device, error) {
	var device db.Device
	err := r.db.WithContext(ctx).
		First(&device, "customer_id = ? AND mac = ?", customerID, mac).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get by mac: %w", err)
	}
	return &device, nil
}

func (r *gormDeviceRepository) GetByAddress(ctx context.Context, customerID uuid.UUID, address string) (*db.Device, error) {
	var device db.Device
	err := r.db.WithContext(ctx).
		First(&device, "customer_id = ? AND address = ?", customerID, address).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("devices: get by address: %w", err)
	}
	return &device, nil
}

func (r *gormDeviceRepository) Update(ctx context.Context, device *db.Device) error {
	result := r.db.WithContext(ctx).Save(device)
	if result.Error != nil {
		return fmt.Errorf("devices: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeviceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Device{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("devices: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeviceRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID, opts ListOptions) ([]db.Device, int64, error) {
	var devices []db.Device
	var total int64

	base := r.db.WithContext(ctx).Model(&db.Device{}).Where("customer_id = ?", customerID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("devices: list count: %w", err)
	}

	q := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("address ASC").
		Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if err := q.Find(&devices).Error; err != nil {
		return nil, 0, fmt.Errorf("devices: list: %w", err)
	}

	return devices, total, nil
}

// WithinIngest serializes concurrent scans of one customer and makes a
// scan's upserts atomically visible. On postgres the serialization is a
// transaction-scoped advisory lock, released with the commit; on sqlite an
// in-process mutex gives the same ordering (the database allows a single
// writer anyway).
func (r *gormDeviceRepository) WithinIngest(ctx context.Context, customerID uuid.UUID, fn func(DeviceRepository) error) error {
	if r.db.Dialector.Name() == "postgres" {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", advisoryKey(customerID)).Error; err != nil {
				return fmt.Errorf("devices: acquire ingest lock: %w", err)
			}
			return fn(&gormDeviceRepository{db: tx, locks: r.locks})
		})
	}

	unlock := r.locks.lock(customerID)
	defer unlock()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormDeviceRepository{db: tx, locks: r.locks})
	})
}

// advisoryKey folds a customer UUID into the int64 keyspace postgres
// advisory locks use.
func advisoryKey(id uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]))
}

// customerLocks hands out one mutex per customer id.
type customerLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*sync.Mutex
}

func (c *customerLocks) lock(id uuid.UUID) func() {
	c.mu.Lock()
	m, ok := c.m[id]
	if !ok {
		m = &sync.Mutex{}
		c.m[id] = m
	}
	c.mu.Unlock()

	m.Lock()
	return m.Unlock
}
