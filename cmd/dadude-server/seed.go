package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	gormlogger "gorm.io/gorm/logger"

	"github.com/grandir66/dadude2.0-sub000/internal/config"
	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

type seedOptions struct {
	customerCode string
	customerName string
	cidr         string
	username     string
	password     string
}

// newSeedCmd bootstraps a fresh installation: it upserts the vendor backup
// templates and creates one demo customer with a LAN network and a default
// SSH credential.
func newSeedCmd() *cobra.Command {
	opts := seedOptions{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert a demo customer, network and credential plus the stock backup templates",
		Long: `seed prepares a fresh database for first use. It always refreshes the
vendor backup templates, then creates one customer with a LAN network and
a default SSH credential.

It needs the same DADUDE_* environment as the server, in particular
DADUDE_ENCRYPTION_KEY: the credential secret is encrypted at rest and
must be readable by the running server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.customerCode, "customer", "demo", "Customer code")
	cmd.Flags().StringVar(&opts.customerName, "name", "Demo Customer", "Customer display name")
	cmd.Flags().StringVar(&opts.cidr, "cidr", "192.168.88.0/24", "LAN network CIDR")
	cmd.Flags().StringVar(&opts.username, "username", "admin", "SSH credential username")
	cmd.Flags().StringVar(&opts.password, "password", "", "SSH credential secret (required)")

	return cmd
}

func runSeed(ctx context.Context, opts seedOptions) error {
	if opts.password == "" {
		return fmt.Errorf("--password is required")
	}

	cfg, err := config.LoadServer(ctx)
	if err != nil {
		return err
	}

	key, err := hex.DecodeString(cfg.EncryptionKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("DADUDE_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}
	// Must run before any write so the credential secret encrypts with the
	// server's key.
	if err := db.InitEncryption(key); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, err := buildLogger("error")
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	database, err := db.New(db.Config{
		Driver:   db.DriverFor(cfg.DatabaseURL),
		DSN:      cfg.DatabaseURL,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // keep query logs out of seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	backupRepo := repositories.NewBackupRepository(database)
	for _, tpl := range stockTemplates() {
		if err := backupRepo.UpsertTemplate(ctx, &tpl); err != nil {
			return fmt.Errorf("upsert %s template: %w", tpl.Vendor, err)
		}
	}
	fmt.Println("✓ Backup templates refreshed")

	customer := &db.Customer{
		Code:   opts.customerCode,
		Name:   opts.customerName,
		Active: true,
	}
	if err := repositories.NewCustomerRepository(database).Create(ctx, customer); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("customer %q already exists (templates were still refreshed)", opts.customerCode)
		}
		return fmt.Errorf("create customer: %w", err)
	}
	fmt.Printf("✓ Customer created\n")
	fmt.Printf("  ID:   %s\n", customer.ID)
	fmt.Printf("  Code: %s\n", customer.Code)

	network := &db.Network{
		CustomerID: customer.ID,
		Name:       "office",
		Type:       db.NetworkLAN,
		CIDR:       opts.cidr,
	}
	if err := repositories.NewNetworkRepository(database).Create(ctx, network); err != nil {
		return fmt.Errorf("create network: %w", err)
	}
	fmt.Printf("✓ Network created\n")
	fmt.Printf("  CIDR: %s\n", network.CIDR)

	credential := &db.Credential{
		Scope:      db.CredentialScopeCustomer,
		CustomerID: &customer.ID,
		Name:       "demo-ssh",
		Kind:       db.CredentialSSH,
		Username:   opts.username,
		Secret:     db.EncryptedString(opts.password),
		Port:       22,
		IsDefault:  true,
		Active:     true,
	}
	if err := repositories.NewCredentialRepository(database).Create(ctx, credential); err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	fmt.Printf("✓ Credential created\n")
	fmt.Printf("  Name: %s\n", credential.Name)
	fmt.Printf("  User: %s\n", credential.Username)

	return nil
}

// stockTemplates describes, per vendor, the CLI sequence the agents run for
// a config backup and the places their parsers pull device facts from. The
// command lists mirror the device drivers.
func stockTemplates() []db.BackupTemplate {
	hpCommands, _ := json.Marshal([]string{"no page", "show version", "show running-config"})
	hpHints, _ := json.Marshal(map[string]string{
		"firmware": `Software revision\s*:\s*(\S+)`,
		"serial":   `Serial Number\s*:\s*(\S+)`,
		"model":    `^;\s*(\S+)\s+Configuration Editor`,
		"hostname": `^hostname\s+("[^"]*"|\S+)`,
	})

	rosCommands, _ := json.Marshal([]string{"/export show-sensitive"})
	rosHints, _ := json.Marshal(map[string]string{
		"firmware": `by RouterOS (\S+)`,
		"model":    `^# model = (.+)$`,
		"serial":   `^# serial number = (.+)$`,
		"hostname": `/system identity\r?\nset name=("[^"]*"|\S+)`,
	})

	return []db.BackupTemplate{
		{
			Vendor:   string(wire.DeviceHPAruba),
			Commands: string(hpCommands),
			Hints:    string(hpHints),
		},
		{
			Vendor:   string(wire.DeviceMikroTik),
			Commands: string(rosCommands),
			Hints:    string(rosHints),
		},
	}
}
