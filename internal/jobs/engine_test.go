package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/discovery"
	"github.com/grandir66/dadude2.0-sub000/internal/events"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/hub"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name      string
		cancelled bool
		completed int
		failed    int
		want      string
	}{
		{"all completed", false, 3, 0, db.JobStatusCompleted},
		{"all failed", false, 0, 2, db.JobStatusFailed},
		{"mixed outcome", false, 1, 1, db.JobStatusPartial},
		{"empty job completes", false, 0, 0, db.JobStatusCompleted},
		{"cancelled wins over success", true, 3, 0, db.JobStatusCancelled},
		{"cancelled wins over failure", true, 0, 3, db.JobStatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregate(tt.cancelled, tt.completed, tt.failed))
		})
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, terminal(db.JobStatusCompleted))
	assert.True(t, terminal(db.JobStatusPartial))
	assert.True(t, terminal(db.JobStatusFailed))
	assert.True(t, terminal(db.JobStatusCancelled))
	assert.False(t, terminal(db.JobStatusPending))
	assert.False(t, terminal(db.JobStatusRunning))
}

func TestWaveKind(t *testing.T) {
	tests := []struct {
		name       string
		deviceKind string
		kinds      []string
		want       string
	}{
		{"mikrotik config", "mikrotik", []string{"config"}, "config"},
		{"mikrotik binary", "mikrotik", []string{"binary"}, "binary"},
		{"mikrotik both", "mikrotik", []string{"config", "binary"}, "both"},
		{"mikrotik both keyword", "mikrotik", []string{"both"}, "both"},
		{"hp-aruba config", "hp-aruba", []string{"config"}, "config"},
		{"hp-aruba has no binary", "hp-aruba", []string{"binary"}, ""},
		{"hp-aruba both degrades to config", "hp-aruba", []string{"both"}, "config"},
		{"unmanaged device", "", []string{"config"}, ""},
		{"unknown vendor kind", "juniper", []string{"config"}, ""},
		{"unknown backup kind", "mikrotik", []string{"floppy"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, waveKind(tt.deviceKind, tt.kinds))
		})
	}
}

type jobsFixture struct {
	engine    *Engine
	hub       *hub.Hub
	jobs      repositories.JobRepository
	sessions  repositories.DiscoveryRepository
	devices   repositories.DeviceRepository
	agents    repositories.AgentRepository
	customers repositories.CustomerRepository
	customer  *db.Customer
}

func newJobsFixture(t *testing.T) *jobsFixture {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := database.DB(); err == nil {
			sqlDB.Close()
		}
	})

	eventsHub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eventsHub.Run(ctx)

	logger := zap.NewNop()
	f := &jobsFixture{
		hub:       hub.New(0, logger),
		jobs:      repositories.NewJobRepository(database),
		sessions:  repositories.NewDiscoveryRepository(database),
		devices:   repositories.NewDeviceRepository(database),
		agents:    repositories.NewAgentRepository(database),
		customers: repositories.NewCustomerRepository(database),
	}
	ingestor := discovery.NewIngestor(f.devices, eventsHub, logger)
	f.engine = NewEngine(f.jobs, f.sessions, f.customers, f.agents, f.devices, ingestor, nil, f.hub, eventsHub, time.Minute, logger)

	f.customer = &db.Customer{Code: "acme", Name: "ACME", Active: true}
	require.NoError(t, f.customers.Create(context.Background(), f.customer))
	return f
}

func (f *jobsFixture) seedAgent(t *testing.T, id string, customerID uuid.UUID) {
	t.Helper()
	require.NoError(t, f.agents.Create(context.Background(), &db.Agent{
		ID:          id,
		DisplayName: id,
		Kind:        string(wire.AgentKindDocker),
		Status:      db.AgentStatusApproved,
		CustomerID:  &customerID,
		TokenHash:   "x",
		TokenSalt:   "x",
	}))
}

const testHeartbeat = 5 * time.Second

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type noopHandler struct{}

func (noopHandler) HandleHeartbeat(string, wire.Heartbeat) {}
func (noopHandler) HandleEvent(string, wire.Event)         {}

// agentPeer drives the agent side of a hub session from the test goroutine.
type agentPeer struct {
	conn *websocket.Conn
}

func (f *jobsFixture) connectAgent(t *testing.T, agentID string) *agentPeer {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := hub.NewSession(conn, agentID, wire.AgentKindDocker, "test", testHeartbeat, true, noopHandler{}, zap.NewNop())
		f.hub.Register(s)
		s.Run(r.Context())
		f.hub.Unregister(agentID, s)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return f.hub.IsOnline(agentID) }, 5*time.Second, 10*time.Millisecond)
	return &agentPeer{conn: conn}
}

func (p *agentPeer) read(t *testing.T) wire.Envelope {
	t.Helper()
	for {
		require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := p.conn.ReadMessage()
		require.NoError(t, err)
		env, err := wire.Decode(data)
		require.NoError(t, err)
		if env.Type == wire.TypePing {
			continue
		}
		return env
	}
}

func (p *agentPeer) send(t *testing.T, typ wire.Type, correlationID string, payload any) {
	t.Helper()
	env, err := wire.NewEnvelope(typ, correlationID, payload)
	require.NoError(t, err)
	data, err := wire.Encode(env)
	require.NoError(t, err)
	require.NoError(t, p.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func TestStartScanValidation(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	f.seedAgent(t, "probe-a", f.customer.ID)

	ghost := &db.Customer{Code: "ghost", Name: "Ghost", Active: true}
	require.NoError(t, f.customers.Create(ctx, ghost))
	require.NoError(t, f.customers.Deactivate(ctx, ghost.ID))

	other := &db.Customer{Code: "other", Name: "Other", Active: true}
	require.NoError(t, f.customers.Create(ctx, other))
	f.seedAgent(t, "probe-other", other.ID)

	tests := []struct {
		name string
		req  ScanRequest
		kind faults.Kind
	}{
		{"unknown scan type", ScanRequest{CustomerID: f.customer.ID, ScanType: "banana"}, faults.Validation},
		{"missing customer", ScanRequest{CustomerID: uuid.Must(uuid.NewV7()), ScanType: wire.ScanARP}, faults.NotFound},
		{"deactivated customer", ScanRequest{CustomerID: ghost.ID, ScanType: wire.ScanARP}, faults.Validation},
		{"unknown agent", ScanRequest{CustomerID: f.customer.ID, AgentID: "nobody"}, faults.NotFound},
		{"agent of another customer", ScanRequest{CustomerID: f.customer.ID, AgentID: "probe-other"}, faults.Validation},
		{"named agent offline", ScanRequest{CustomerID: f.customer.ID, AgentID: "probe-a"}, faults.AgentOffline},
		{"no online agents", ScanRequest{CustomerID: f.customer.ID}, faults.AgentOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.StartScan(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, faults.KindOf(err))
		})
	}

	// Nothing of the above left a job behind.
	all, total, err := f.jobs.List(ctx, repositories.ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, all)
}

func TestCancelUnknownJob(t *testing.T) {
	f := newJobsFixture(t)

	_, err := f.engine.Cancel(context.Background(), uuid.Must(uuid.NewV7()))
	require.Error(t, err)
	assert.Equal(t, faults.NotFound, faults.KindOf(err))
}

func TestCancelJobLeftOverFromCrash(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	// A running row with no in-process tracker, as after a restart.
	job := &db.Job{Kind: db.JobScan, CustomerID: &f.customer.ID, Status: db.JobStatusRunning}
	require.NoError(t, f.jobs.Create(ctx, job))

	cancelled, err := f.engine.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCancelled, cancelled.Status)
	assert.Equal(t, "cancelled by operator", cancelled.Error)
	require.NotNil(t, cancelled.FinishedAt)

	_, err = f.engine.Cancel(ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, faults.Conflict, faults.KindOf(err))
}

func TestStartBackupWaveSkipsIneligibleDevices(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	// hp-aruba has no binary backup, so a binary-only schedule matches nothing.
	require.NoError(t, f.devices.Create(ctx, &db.Device{
		CustomerID: f.customer.ID,
		Address:    "10.0.0.2",
		Kind:       "hp-aruba",
		Source:     db.SourceManual,
		LastSeenAt: time.Now().UTC(),
	}))

	job, err := f.engine.StartBackupWave(ctx, &db.BackupSchedule{
		CustomerID: f.customer.ID,
		Kinds:      `["binary"]`,
	})
	require.NoError(t, err)
	assert.Nil(t, job)

	all, total, err := f.jobs.List(ctx, repositories.ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, all)
}
