package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func TestDriverFor(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"postgres://user:pw@localhost:5432/dadude", "postgres"},
		{"postgresql://user:pw@localhost/dadude", "postgres"},
		{"dadude.db", "sqlite"},
		{"/var/lib/dadude/dadude.db", "sqlite"},
		{":memory:", "sqlite"},
		{"", "sqlite"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, DriverFor(tt.url))
		})
	}
}

func TestNewAppliesMigrations(t *testing.T) {
	database, err := New(Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	sqlDB, err := database.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	// Every table the models reference must exist after a fresh open.
	for _, table := range []string{
		"customers", "networks", "credentials", "agents", "devices",
		"discovery_sessions", "jobs", "job_targets",
		"backup_runs", "backup_schedules", "backup_templates",
	} {
		assert.True(t, database.Migrator().HasTable(table), "missing table %s", table)
	}

	require.NoError(t, Ping(context.Background(), database))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "oracle", DSN: "x", Logger: zap.NewNop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(Config{Driver: "sqlite", DSN: ":memory:"})
	require.Error(t, err)
}
