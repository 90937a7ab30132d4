// Package main is the dadude server: the central inventory and backup
// service that agents dial into and operators drive over REST.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/grandir66/dadude2.0-sub000/internal/agents"
	"github.com/grandir66/dadude2.0-sub000/internal/api"
	"github.com/grandir66/dadude2.0-sub000/internal/auth"
	"github.com/grandir66/dadude2.0-sub000/internal/backup"
	"github.com/grandir66/dadude2.0-sub000/internal/commands"
	"github.com/grandir66/dadude2.0-sub000/internal/config"
	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/discovery"
	"github.com/grandir66/dadude2.0-sub000/internal/events"
	"github.com/grandir66/dadude2.0-sub000/internal/hub"
	"github.com/grandir66/dadude2.0-sub000/internal/jobs"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/scheduler"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dadude-server",
		Short: "dadude server — central network inventory and backup service",
		Long: `dadude-server terminates agent WebSocket sessions, orchestrates
discovery scans and device backups, and serves the operator REST API.

All configuration comes from DADUDE_* environment variables; there are
no flags for the server process itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSeedCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dadude-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newMigrateCmd applies pending migrations and exits. Opening the database
// runs them, so this is an open, report, close.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			database, err := db.New(db.Config{
				Driver:   db.DriverFor(cfg.DatabaseURL),
				DSN:      cfg.DatabaseURL,
				Logger:   logger,
				LogLevel: gormlogger.Silent,
			})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			sqlDB, err := database.DB()
			if err != nil {
				return fmt.Errorf("get sql.DB: %w", err)
			}
			defer sqlDB.Close()

			fmt.Printf("migrations applied (%s)\n", db.DriverFor(cfg.DatabaseURL))
			return nil
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadServer(ctx)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	key, err := hex.DecodeString(cfg.EncryptionKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("DADUDE_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}
	if err := db.InitEncryption(key); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger.Info("starting dadude server",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("db_driver", db.DriverFor(cfg.DatabaseURL)),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver:   db.DriverFor(cfg.DatabaseURL),
		DSN:      cfg.DatabaseURL,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	agentRepo := repositories.NewAgentRepository(database)
	customerRepo := repositories.NewCustomerRepository(database)
	networkRepo := repositories.NewNetworkRepository(database)
	credentialRepo := repositories.NewCredentialRepository(database)
	deviceRepo := repositories.NewDeviceRepository(database)
	discoveryRepo := repositories.NewDiscoveryRepository(database)
	jobRepo := repositories.NewJobRepository(database)
	backupRepo := repositories.NewBackupRepository(database)

	// A crashed process leaves rows claiming work is still in flight.
	// Settle them before accepting sessions or requests.
	if err := agentRepo.MarkAllOffline(ctx); err != nil {
		return fmt.Errorf("reset agent statuses: %w", err)
	}
	if n, err := jobRepo.MarkStaleRunning(ctx, "server restarted"); err != nil {
		return fmt.Errorf("fail stale jobs: %w", err)
	} else if n > 0 {
		logger.Warn("failed jobs left running by previous process", zap.Int64("jobs", n))
	}

	store, err := backup.NewStore(cfg.BackupDir, logger)
	if err != nil {
		return fmt.Errorf("open backup store: %w", err)
	}
	if n, err := store.CleanPartials(); err != nil {
		logger.Warn("cleaning partial artifacts failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("removed partial artifacts", zap.Int("files", n))
	}

	clock := clockwork.NewRealClock()

	agentHub := hub.New(cfg.MaxInflightPerAgent, logger)
	eventsHub := events.NewHub()
	go eventsHub.Run(ctx)

	tickets, err := auth.NewTicketManager(cfg.TicketSigningKey)
	if err != nil {
		return fmt.Errorf("ticket manager: %w", err)
	}

	agentService := agents.NewService(agentRepo, customerRepo, networkRepo, agentHub, eventsHub, clock, agents.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		RotationGrace:     cfg.RotationGrace,
		ServerVersion:     version,
	}, logger)

	resolver := backup.NewCredentialResolver(credentialRepo, logger)
	backupEngine := backup.NewEngine(backupRepo, deviceRepo, customerRepo, agentRepo,
		resolver, agentHub, store, eventsHub, cfg.BackupTimeout, logger)
	ingestor := discovery.NewIngestor(deviceRepo, eventsHub, logger)
	jobEngine := jobs.NewEngine(jobRepo, discoveryRepo, customerRepo, agentRepo, deviceRepo,
		ingestor, backupEngine, agentHub, eventsHub, cfg.ScanTimeout, logger)
	commandService := commands.NewService(deviceRepo, agentRepo, resolver, backupEngine,
		agentHub, cfg.CallTimeout, logger)

	sched, err := scheduler.New(backupRepo, jobEngine, backupEngine, clock, logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Logger:        logger,
		APIKey:        cfg.APIKey,
		RetentionKeep: cfg.RetentionKeep,
		DB:            database,
		AgentHub:      agentHub,
		EventsHub:     eventsHub,
		Tickets:       tickets,
		Scheduler:     sched,
		Agents:        agentService,
		Commands:      commandService,
		Jobs:          jobEngine,
		Backups:       backupEngine,
		Store:         store,
		Customers:     customerRepo,
		Networks:      networkRepo,
		Credentials:   credentialRepo,
		Devices:       deviceRepo,
		Discovery:     discoveryRepo,
		BackupRepo:    backupRepo,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down dadude server")

	// Stop producing new work, then tell every agent the server is going
	// away so they reconnect elsewhere instead of timing out.
	if err := sched.Stop(); err != nil {
		logger.Warn("stopping scheduler", zap.Error(err))
	}
	jobEngine.CancelAll()
	agentHub.CloseAll(wire.CloseServerShutdown, "server shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
