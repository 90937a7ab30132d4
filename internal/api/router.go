package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/grandir66/dadude2.0-sub000/internal/agents"
	"github.com/grandir66/dadude2.0-sub000/internal/auth"
	"github.com/grandir66/dadude2.0-sub000/internal/backup"
	"github.com/grandir66/dadude2.0-sub000/internal/commands"
	"github.com/grandir66/dadude2.0-sub000/internal/events"
	"github.com/grandir66/dadude2.0-sub000/internal/hub"
	"github.com/grandir66/dadude2.0-sub000/internal/jobs"
	"github.com/grandir66/dadude2.0-sub000/internal/metrics"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/scheduler"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Logger *zap.Logger

	// APIKey authenticates every operator REST request.
	APIKey string

	// RetentionKeep is the default retention_count for new backup
	// schedules that do not set one.
	RetentionKeep int

	DB        *gorm.DB
	AgentHub  *hub.Hub
	EventsHub *events.Hub
	Tickets   *auth.TicketManager
	Scheduler *scheduler.Scheduler

	// Services — own the flows that span more than one store or an agent
	// round trip.
	Agents   *agents.Service
	Commands *commands.Service
	Jobs     *jobs.Engine
	Backups  *backup.Engine
	Store    *backup.Store

	// Repositories — used directly by handlers that do not need
	// service-layer logic.
	Customers   repositories.CustomerRepository
	Networks    repositories.NetworkRepository
	Credentials repositories.CredentialRepository
	Devices     repositories.DeviceRepository
	Discovery   repositories.DiscoveryRepository
	BackupRepo  repositories.BackupRepository
}

// NewRouter builds and returns the fully configured Chi router.
// Operator routes live under /api/v1 behind the API key; the WebSocket
// upgrades and the probe endpoints sit outside that group because agents
// and browsers cannot send the key header.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	customerHandler := NewCustomerHandler(cfg.Customers, cfg.Networks, cfg.Logger)
	credentialHandler := NewCredentialHandler(cfg.Credentials, cfg.Customers, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Logger)
	discoveryHandler := NewDiscoveryHandler(cfg.Jobs, cfg.Discovery, cfg.Logger)
	deviceHandler := NewDeviceHandler(cfg.Devices, cfg.Credentials, cfg.Backups, cfg.Logger)
	backupHandler := NewBackupHandler(cfg.BackupRepo, cfg.Store, cfg.Scheduler, cfg.RetentionKeep, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Logger)
	commandHandler := NewCommandHandler(cfg.Commands, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Agents, cfg.EventsHub, cfg.Tickets, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.DB, cfg.AgentHub, cfg.EventsHub, cfg.Logger)

	// --- Unauthenticated surface ---
	r.Get("/healthz", healthHandler.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Agent tunnel: agents authenticate inside the tunnel via the
	// challenge handshake, never with the operator API key.
	r.Get("/agents/ws/{agent_id}", wsHandler.Agent)

	// Operator event stream: ticket-authenticated because browsers cannot
	// set headers on WebSocket upgrades.
	r.Get("/ws", wsHandler.Events)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APIKeyAuth(cfg.APIKey))

		// Customers and their networks
		r.Get("/customers", customerHandler.List)
		r.Post("/customers", customerHandler.Create)
		r.Get("/customers/{id}", customerHandler.GetByID)
		r.Patch("/customers/{id}", customerHandler.Update)
		r.Delete("/customers/{id}", customerHandler.Delete)
		r.Get("/customers/{id}/networks", customerHandler.ListNetworks)
		r.Post("/customers/{id}/networks", customerHandler.CreateNetwork)
		r.Delete("/customers/{id}/networks/{network_id}", customerHandler.DeleteNetwork)

		// Credentials
		r.Get("/credentials", credentialHandler.List)
		r.Post("/credentials", credentialHandler.Create)
		r.Delete("/credentials/{id}", credentialHandler.Delete)

		// Agents
		r.Get("/agents", agentHandler.List)
		r.Get("/agents/pending", agentHandler.ListPending)
		r.Get("/agents/{id}", agentHandler.GetByID)
		r.Post("/agents/{id}/approve", agentHandler.Approve)
		r.Post("/agents/{id}/test", agentHandler.Test)
		r.Delete("/agents/{id}", agentHandler.Delete)

		// Discovery
		r.Post("/discovery/scans", discoveryHandler.StartScan)
		r.Get("/discovery/sessions", discoveryHandler.ListSessions)
		r.Get("/discovery/sessions/{id}", discoveryHandler.GetSession)

		// Devices
		r.Get("/devices", deviceHandler.List)
		r.Get("/devices/{id}", deviceHandler.GetByID)
		r.Patch("/devices/{id}", deviceHandler.Update)
		r.Delete("/devices/{id}", deviceHandler.Delete)
		r.Post("/devices/{id}/backup", deviceHandler.Backup)

		// Backups: runs, artifacts, schedules and vendor templates
		r.Get("/backups", backupHandler.ListRuns)
		r.Get("/backups/templates", backupHandler.ListTemplates)
		r.Get("/backups/schedules", backupHandler.ListSchedules)
		r.Post("/backups/schedules", backupHandler.CreateSchedule)
		r.Delete("/backups/schedules/{id}", backupHandler.DeleteSchedule)
		r.Get("/backups/{id}", backupHandler.GetRun)
		r.Get("/backups/{id}/artifact", backupHandler.Artifact)

		// Jobs
		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.GetByID)
		r.Delete("/jobs/{id}", jobHandler.Cancel)

		// Ad-hoc device commands
		r.Post("/commands", commandHandler.Execute)

		// WebSocket tickets for the operator event stream
		r.Post("/auth/ws-ticket", wsHandler.MintTicket)
	})

	return r
}
