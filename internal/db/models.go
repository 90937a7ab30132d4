package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by most models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Customers & Networks
// -----------------------------------------------------------------------------

// Customer is the root of tenancy. Customers are soft-deleted by flipping
// Active to false; rows are never hard-deleted while dependent rows exist.
type Customer struct {
	base
	Code   string `gorm:"uniqueIndex;not null"`
	Name   string `gorm:"not null"`
	Active bool   `gorm:"not null;default:true"`
	Notes  string `gorm:"type:text;default:''"`
}

// Network types an operator can assign.
const (
	NetworkLAN        = "lan"
	NetworkWAN        = "wan"
	NetworkDMZ        = "dmz"
	NetworkGuest      = "guest"
	NetworkManagement = "management"
	NetworkVoIP       = "voip"
)

// Network is one routed segment owned by exactly one customer. CIDRs may
// overlap across customers; within one customer (cidr, vlan_id) is unique.
type Network struct {
	base
	CustomerID uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_networks_cidr_vlan"`
	Name       string    `gorm:"not null"`
	Type       string    `gorm:"not null;default:'lan'"`
	CIDR       string    `gorm:"not null;uniqueIndex:idx_networks_cidr_vlan"`
	Gateway    string    `gorm:"default:''"`
	VLANID     int       `gorm:"not null;default:0;uniqueIndex:idx_networks_cidr_vlan"`
}

// -----------------------------------------------------------------------------
// Credentials
// -----------------------------------------------------------------------------

// Credential scopes and kinds.
const (
	CredentialScopeGlobal   = "global"
	CredentialScopeCustomer = "customer"

	CredentialSSH      = "ssh"
	CredentialSNMP     = "snmp"
	CredentialMikroTik = "mikrotik"
	CredentialWMI      = "wmi"
	CredentialAPI      = "api"
	CredentialDevice   = "device"
)

// Credential holds probe/backup access material. Secret is encrypted at
// rest via EncryptedString and is only ever decrypted on the probe path;
// REST responses carry redacted views.
type Credential struct {
	base
	Scope        string          `gorm:"not null;default:'customer'"` // "global" or "customer"
	CustomerID   *uuid.UUID      `gorm:"type:text;index"`             // nil for global scope
	Name         string          `gorm:"not null"`
	Kind         string          `gorm:"not null"`
	Username     string          `gorm:"default:''"`
	Secret       EncryptedString `gorm:"type:text;not null"`
	Port         int             `gorm:"not null;default:0"` // 0 = kind default
	DeviceFilter string          `gorm:"default:''"`         // glob over address/hostname
	IsDefault    bool            `gorm:"not null;default:false"`
	Active       bool            `gorm:"not null;default:true"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent lifecycle states. "online"/"offline" are reported by the hub on top
// of the persisted approval state; the row stores pending/approved/offline
// transitions and heartbeat timestamps.
const (
	AgentStatusPending  = "pending"
	AgentStatusApproved = "approved"
	AgentStatusOnline   = "online"
	AgentStatusOffline  = "offline"
)

// Agent is a remote probe process. The agent creates its own row on first
// contact (status=pending) and only an operator approval binds it to a
// customer. The raw token is never stored: TokenHash is the scrypt-derived
// key and TokenSalt its salt, both base64.
//
// Agent does not embed Base because its primary key is the agent-claimed
// string id, not a UUID.
type Agent struct {
	ID        string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	DisplayName string     `gorm:"not null;default:''"`
	Kind        string     `gorm:"not null;default:'docker'"` // "docker" or "mikrotik-container"
	Address     string     `gorm:"not null;default:''"`
	Port        int        `gorm:"not null;default:0"`
	Version     string     `gorm:"not null;default:''"`
	Status      string     `gorm:"not null;default:'pending';index"`
	CustomerID  *uuid.UUID `gorm:"type:text;index"` // set on approval

	TokenHash string `gorm:"not null"` // base64 scrypt output
	TokenSalt string `gorm:"not null"` // base64

	// TokenRotatedAt is set while a rotation is outstanding: the agent
	// must reconnect with the rotated token within the grace window or
	// its session is forced offline. Cleared on successful auth.
	TokenRotatedAt *time.Time

	LastSeenAt   *time.Time
	Capabilities string `gorm:"type:text;default:'[]'"` // JSON array
	HostStats    string `gorm:"type:text;default:'{}'"` // JSON, latest heartbeat sample
}

// -----------------------------------------------------------------------------
// Devices & Discovery
// -----------------------------------------------------------------------------

// Discovery sources ordered by trust. Higher-trust sources overwrite
// lower-trust ones during ingest; see discovery.SourceRank.
const (
	SourceARP      = "arp"
	SourcePing     = "ping"
	SourceNeighbor = "neighbor"
	SourceNmap     = "nmap"
	SourceSNMP     = "snmp"
	SourceManual   = "manual"
)

// Device is one inventoried host within a customer. Identity within the
// customer is the MAC when known, the address otherwise; ingest enforces
// MAC uniqueness per customer.
type Device struct {
	base
	CustomerID uuid.UUID `gorm:"type:text;not null;index"`
	Address    string    `gorm:"not null;index"`
	MAC        string    `gorm:"default:'';index"`
	Hostname   string    `gorm:"default:''"`
	Vendor     string    `gorm:"default:''"`
	Platform   string    `gorm:"default:''"`
	Role       string    `gorm:"default:''"`
	// Kind selects the vendor adapter for backups and commands:
	// "hp-aruba", "mikrotik", or empty for unmanaged devices.
	Kind         string     `gorm:"default:''"`
	CredentialID *uuid.UUID `gorm:"type:text"` // explicit credential override
	Monitored    bool       `gorm:"not null;default:false"`
	Source       string     `gorm:"not null;default:'arp'"`
	OpenPorts    string     `gorm:"type:text;default:'[]'"` // JSON array of ints
	LastSeenAt   time.Time  `gorm:"not null"`
}

// DiscoverySession statuses.
const (
	SessionPending   = "pending"
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// DiscoverySession records one operator-initiated scan and its lifecycle.
type DiscoverySession struct {
	base
	CustomerID  uuid.UUID `gorm:"type:text;not null;index"`
	AgentID     string    `gorm:"not null;index"`
	JobID       uuid.UUID `gorm:"type:text;not null;index"`
	NetworkCIDR string    `gorm:"default:''"` // empty = all customer networks
	ScanType    string    `gorm:"not null;default:'all'"`
	Status      string    `gorm:"not null;default:'pending'"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
	FoundCount  int    `gorm:"not null;default:0"`
	Error       string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job kinds and statuses. Status transitions:
// pending -> running -> completed | partial | failed | cancelled.
const (
	JobScan    = "scan"
	JobBackup  = "backup"
	JobCommand = "command"
	JobTest    = "test"

	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusPartial   = "partial"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job is a batch wrapper around one or more agent RPCs with aggregated
// progress counters. Targets are loaded via explicit queries in the
// repository layer; GORM cannot resolve foreign keys on uuid.UUID primary
// keys, so the association field carries gorm:"-".
type Job struct {
	base
	Kind           string     `gorm:"not null;index"`
	CustomerID     *uuid.UUID `gorm:"type:text;index"`
	Status         string     `gorm:"not null;default:'pending';index"`
	DevicesTotal   int        `gorm:"not null;default:0"`
	DevicesSuccess int        `gorm:"not null;default:0"`
	DevicesFailed  int        `gorm:"not null;default:0"`
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Error          string `gorm:"type:text;default:''"`

	// Populated manually by GetByIDWithTargets — not managed by GORM.
	Targets []JobTarget `gorm:"-"`
}

// JobTarget is one agent's slice of a Job. A failed target does not fail
// sibling targets; the engine aggregates slice outcomes into the Job status.
type JobTarget struct {
	base
	JobID      uuid.UUID `gorm:"type:text;not null;index"`
	AgentID    string    `gorm:"not null;index"`
	Status     string    `gorm:"not null;default:'pending'"`
	Detail     string    `gorm:"type:text;default:''"`
	FinishedAt *time.Time
}

// -----------------------------------------------------------------------------
// Backups
// -----------------------------------------------------------------------------

// BackupRun statuses and triggers.
const (
	BackupStatusRunning = "running"
	BackupStatusSuccess = "success"
	BackupStatusFailed  = "failed"

	TriggerSchedule  = "schedule"
	TriggerManual    = "manual"
	TriggerPreChange = "pre-change"
)

// BackupRun is one produced backup artifact plus its metadata. File bytes
// live on disk under the backup root; the row holds path, size and checksum.
type BackupRun struct {
	base
	CustomerID  uuid.UUID  `gorm:"type:text;not null;index"`
	DeviceID    uuid.UUID  `gorm:"type:text;not null;index"`
	AgentID     string     `gorm:"not null"`
	Kind        string     `gorm:"not null"` // "config", "binary", "both"
	Status      string     `gorm:"not null;default:'running'"`
	TriggeredBy string     `gorm:"not null;default:'manual'"`
	FilePath    *string    `gorm:"uniqueIndex"` // null until the artifact lands
	SizeBytes   int64      `gorm:"not null;default:0"`
	Checksum    string     `gorm:"default:''"` // SHA-256 hex
	Error       string     `gorm:"type:text;default:''"`
	StartedAt   time.Time  `gorm:"not null"`
	FinishedAt  *time.Time
}

// Backup cadences and retention strategies.
const (
	CadenceDaily   = "daily"
	CadenceWeekly  = "weekly"
	CadenceMonthly = "monthly"
	CadenceCron    = "cron"

	RetentionByDays  = "days"
	RetentionByCount = "count"
	RetentionByBoth  = "both"
)

// BackupSchedule drives periodic backup waves for one customer. At most one
// schedule exists per customer.
type BackupSchedule struct {
	base
	CustomerID        uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	Enabled           bool      `gorm:"not null;default:true"`
	Cadence           string    `gorm:"not null;default:'daily'"`
	At                string    `gorm:"not null;default:'02:00'"` // HH:MM
	Days              string    `gorm:"type:text;default:'[]'"`   // JSON array of weekday names
	DayOfMonth        int       `gorm:"not null;default:1"`
	CronExpr          string    `gorm:"default:''"`
	Kinds             string    `gorm:"type:text;default:'[\"config\"]'"` // JSON array
	RetentionDays     int       `gorm:"not null;default:90"`
	RetentionCount    int       `gorm:"not null;default:10"`
	RetentionStrategy string    `gorm:"not null;default:'count'"`
	NextRunAt         *time.Time
}

// BackupTemplate is seed data describing how to collect a vendor's
// configuration: the CLI command sequence and parsing hints for extracting
// model/firmware/serial from the output.
type BackupTemplate struct {
	base
	Vendor   string `gorm:"uniqueIndex;not null"`
	Commands string `gorm:"type:text;not null;default:'[]'"` // JSON array
	Hints    string `gorm:"type:text;not null;default:'{}'"` // JSON object
}
