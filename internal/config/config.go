// Package config loads process configuration from the environment.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Server holds all server-side settings.
type Server struct {
	ListenAddr string `env:"DADUDE_LISTEN_ADDR,default=:8080"`
	LogLevel   string `env:"DADUDE_LOG_LEVEL,default=info"`

	// DatabaseURL selects the backend: postgres://... for PostgreSQL,
	// anything else is treated as a SQLite file path.
	DatabaseURL string `env:"DADUDE_DATABASE_URL,default=dadude.db"`

	// EncryptionKey protects credential secrets at rest. 64 hex chars
	// (32 bytes). The server refuses to start without it.
	EncryptionKey string `env:"DADUDE_ENCRYPTION_KEY,required"`

	// APIKey authenticates operator REST requests.
	APIKey string `env:"DADUDE_API_KEY,required"`

	// TicketSigningKey signs short-lived operator WebSocket tickets.
	// Defaults to a random per-process key when empty.
	TicketSigningKey string `env:"DADUDE_TICKET_SIGNING_KEY"`

	BackupDir string `env:"DADUDE_BACKUP_DIR,default=backups"`

	HeartbeatInterval time.Duration `env:"DADUDE_HEARTBEAT_INTERVAL,default=20s"`
	HandshakeTimeout  time.Duration `env:"DADUDE_HANDSHAKE_TIMEOUT,default=10s"`
	CallTimeout       time.Duration `env:"DADUDE_CALL_TIMEOUT,default=60s"`
	ScanTimeout       time.Duration `env:"DADUDE_SCAN_TIMEOUT,default=15m"`
	BackupTimeout     time.Duration `env:"DADUDE_BACKUP_TIMEOUT,default=30m"`
	RotationGrace     time.Duration `env:"DADUDE_ROTATION_GRACE,default=60s"`

	MaxInflightPerAgent int64 `env:"DADUDE_MAX_INFLIGHT_PER_AGENT,default=8"`

	RetentionKeep int `env:"DADUDE_RETENTION_KEEP,default=10"`
}

// Agent holds all agent-side settings.
type Agent struct {
	ServerURL string `env:"DADUDE_SERVER_URL,required"`
	AgentID   string `env:"DADUDE_AGENT_ID"`

	// EnrollToken is presented once, on first contact with an unknown id.
	EnrollToken string `env:"DADUDE_ENROLL_TOKEN"`

	// StateDir persists the agent id, current token and pushed config
	// across restarts.
	StateDir string `env:"DADUDE_STATE_DIR,default=/var/lib/dadude-agent"`

	Kind     string `env:"DADUDE_AGENT_KIND,default=docker"`
	LogLevel string `env:"DADUDE_LOG_LEVEL,default=info"`

	ReconnectMin time.Duration `env:"DADUDE_RECONNECT_MIN,default=1s"`
	ReconnectMax time.Duration `env:"DADUDE_RECONNECT_MAX,default=60s"`

	// NmapPath and friends let deployments point at non-standard binaries.
	NmapPath    string `env:"DADUDE_NMAP_PATH,default=nmap"`
	PingPath    string `env:"DADUDE_PING_PATH,default=ping"`
	SNMPGetPath string `env:"DADUDE_SNMPGET_PATH,default=snmpget"`
}

// LoadServer reads server configuration from the environment.
func LoadServer(ctx context.Context) (*Server, error) {
	var cfg Server
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("loading server config: %w", err)
	}
	return &cfg, nil
}

// LoadAgent reads agent configuration from the environment.
func LoadAgent(ctx context.Context) (*Agent, error) {
	var cfg Agent
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("loading agent config: %w", err)
	}
	return &cfg, nil
}
