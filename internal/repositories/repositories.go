// Package repositories defines the persistence interfaces used by the rest
// of the server and their GORM implementations. Every method returns
// ErrNotFound / ErrConflict for the corresponding conditions so callers
// never inspect driver errors.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
// A Limit of 0 means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// CustomerRepository
// -----------------------------------------------------------------------------

type CustomerRepository interface {
	Create(ctx context.Context, customer *db.Customer) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Customer, error)
	GetByCode(ctx context.Context, code string) (*db.Customer, error)
	Update(ctx context.Context, customer *db.Customer) error

	// Deactivate soft-deletes a customer by flipping Active to false.
	// Dependent rows are kept; the row is never hard-deleted.
	Deactivate(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, opts ListOptions) ([]db.Customer, int64, error)
}

// -----------------------------------------------------------------------------
// NetworkRepository
// -----------------------------------------------------------------------------

type NetworkRepository interface {
	Create(ctx context.Context, network *db.Network) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Network, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]db.Network, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// CredentialRepository
// -----------------------------------------------------------------------------

type CredentialRepository interface {
	Create(ctx context.Context, credential *db.Credential) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Credential, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Credential, int64, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]db.Credential, error)

	// ListCandidates returns active credentials usable for a device of the
	// given customer and kind: customer-scoped ones first, then globals,
	// defaults before non-defaults. Device-filter matching happens in the
	// caller.
	ListCandidates(ctx context.Context, customerID uuid.UUID, kind string) ([]db.Credential, error)
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error

	// UpdateStatus updates only status and last_seen_at. Called on every
	// heartbeat; touching two columns avoids write amplification on the
	// full row.
	UpdateStatus(ctx context.Context, id string, status string, lastSeenAt time.Time) error

	// UpdateHostStats stores the latest heartbeat resource sample (JSON).
	UpdateHostStats(ctx context.Context, id string, statsJSON string, lastSeenAt time.Time) error

	// Delete removes the row entirely; rejection is not a soft delete.
	Delete(ctx context.Context, id string) error

	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
	ListByStatus(ctx context.Context, status string) ([]db.Agent, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]db.Agent, error)

	// MarkAllOffline flips every online agent to offline. Run at startup:
	// no session can be live before the hub exists.
	MarkAllOffline(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// DeviceRepository
// -----------------------------------------------------------------------------

type DeviceRepository interface {
	Create(ctx context.Context, device *db.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Device, error)
	GetByMAC(ctx context.Context, customerID uuid.UUID, mac string) (*db.Device, error)
	GetByAddress(ctx context.Context, customerID uuid.UUID, address string) (*db.Device, error)
	Update(ctx context.Context, device *db.Device) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByCustomer(ctx context.Context, customerID uuid.UUID, opts ListOptions) ([]db.Device, int64, error)

	// WithinIngest runs fn in one transaction while holding the customer's
	// ingest lock, so concurrent scans of the same customer serialize and
	// a scan's upserts become visible atomically. fn receives a
	// transaction-scoped repository.
	WithinIngest(ctx context.Context, customerID uuid.UUID, fn func(DeviceRepository) error) error
}

// -----------------------------------------------------------------------------
// DiscoveryRepository
// -----------------------------------------------------------------------------

type DiscoveryRepository interface {
	Create(ctx context.Context, session *db.DiscoverySession) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.DiscoverySession, error)
	Update(ctx context.Context, session *db.DiscoverySession) error
	ListByCustomer(ctx context.Context, customerID uuid.UUID, opts ListOptions) ([]db.DiscoverySession, int64, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)

	// GetByIDWithTargets retrieves a job together with its JobTarget rows.
	// Targets are loaded with an explicit query because GORM cannot
	// auto-resolve UUID-typed foreign keys; the slice is stored on
	// Job.Targets for the caller.
	GetByIDWithTargets(ctx context.Context, id uuid.UUID) (*db.Job, error)

	Update(ctx context.Context, job *db.Job) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, finishedAt *time.Time, errMsg string) error

	// AddProgress atomically increments the per-device outcome counters.
	AddProgress(ctx context.Context, id uuid.UUID, success, failed int) error

	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)

	CreateTarget(ctx context.Context, target *db.JobTarget) error
	UpdateTarget(ctx context.Context, id uuid.UUID, status, detail string, finishedAt *time.Time) error
	ListTargets(ctx context.Context, jobID uuid.UUID) ([]db.JobTarget, error)

	// MarkStaleRunning fails every job left pending/running by a previous
	// process. Called once at startup; the engine is purely in-process, so
	// such rows cannot resume.
	MarkStaleRunning(ctx context.Context, reason string) (int64, error)
}

// -----------------------------------------------------------------------------
// BackupRepository
// -----------------------------------------------------------------------------

type BackupRepository interface {
	CreateRun(ctx context.Context, run *db.BackupRun) error
	GetRunByID(ctx context.Context, id uuid.UUID) (*db.BackupRun, error)
	UpdateRun(ctx context.Context, run *db.BackupRun) error
	ListRunsByDevice(ctx context.Context, deviceID uuid.UUID, opts ListOptions) ([]db.BackupRun, int64, error)
	ListRunsByCustomer(ctx context.Context, customerID uuid.UUID, opts ListOptions) ([]db.BackupRun, int64, error)

	// ListSuccessesForDevice returns successful runs newest-first; the
	// retention sweep walks this to decide what to delete.
	ListSuccessesForDevice(ctx context.Context, deviceID uuid.UUID) ([]db.BackupRun, error)

	// DeleteRun removes the metadata row for an artifact the retention
	// sweep already unlinked.
	DeleteRun(ctx context.Context, id uuid.UUID) error

	CreateSchedule(ctx context.Context, schedule *db.BackupSchedule) error
	GetScheduleByID(ctx context.Context, id uuid.UUID) (*db.BackupSchedule, error)
	GetScheduleByCustomer(ctx context.Context, customerID uuid.UUID) (*db.BackupSchedule, error)
	UpdateSchedule(ctx context.Context, schedule *db.BackupSchedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]db.BackupSchedule, error)

	UpsertTemplate(ctx context.Context, template *db.BackupTemplate) error
	GetTemplateByVendor(ctx context.Context, vendor string) (*db.BackupTemplate, error)
	ListTemplates(ctx context.Context) ([]db.BackupTemplate, error)
}
