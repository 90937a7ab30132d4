package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/grandir66/dadude2.0-sub000/internal/agents"
	"github.com/grandir66/dadude2.0-sub000/internal/auth"
	"github.com/grandir66/dadude2.0-sub000/internal/backup"
	"github.com/grandir66/dadude2.0-sub000/internal/commands"
	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/discovery"
	"github.com/grandir66/dadude2.0-sub000/internal/events"
	"github.com/grandir66/dadude2.0-sub000/internal/hub"
	"github.com/grandir66/dadude2.0-sub000/internal/jobs"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
	"github.com/grandir66/dadude2.0-sub000/internal/scheduler"
)

func TestMain(m *testing.M) {
	if err := db.InitEncryption(bytes.Repeat([]byte{0x91}, 32)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

const (
	testAPIKey        = "test-operator-key"
	testRetentionKeep = 7
)

// apiFixture runs the full router against an in-memory database, wired the
// same way main assembles the production server. The repositories are kept
// for seeding rows the handlers are expected to find.
type apiFixture struct {
	srv *httptest.Server

	hub     *hub.Hub
	events  *events.Hub
	tickets *auth.TicketManager
	store   *backup.Store

	customers   repositories.CustomerRepository
	networks    repositories.NetworkRepository
	credentials repositories.CredentialRepository
	agents      repositories.AgentRepository
	devices     repositories.DeviceRepository
	discovery   repositories.DiscoveryRepository
	jobs        repositories.JobRepository
	backups     repositories.BackupRepository
}

func newAPIFixture(t *testing.T) *apiFixture {
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

	logger := zap.NewNop()

	eventsHub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eventsHub.Run(ctx)

	agentHub := hub.New(0, logger)
	store, err := backup.NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	tickets, err := auth.NewTicketManager("")
	require.NoError(t, err)

	customers := repositories.NewCustomerRepository(database)
	networks := repositories.NewNetworkRepository(database)
	credentials := repositories.NewCredentialRepository(database)
	agentRepo := repositories.NewAgentRepository(database)
	devices := repositories.NewDeviceRepository(database)
	discoveryRepo := repositories.NewDiscoveryRepository(database)
	jobRepo := repositories.NewJobRepository(database)
	backupRepo := repositories.NewBackupRepository(database)

	clock := clockwork.NewRealClock()
	// RotationGrace must outlive any test: the rotation watcher force-closes
	// sessions still running on a pre-rotation token once it fires.
	agentsSvc := agents.NewService(agentRepo, customers, networks, agentHub, eventsHub, clock, agents.Config{
		HeartbeatInterval: 20 * time.Second,
		RotationGrace:     time.Minute,
		ServerVersion:     "test",
	}, logger)

	resolver := backup.NewCredentialResolver(credentials, logger)
	backupEngine := backup.NewEngine(backupRepo, devices, customers, agentRepo, resolver, agentHub, store, eventsHub, time.Minute, logger)
	ingestor := discovery.NewIngestor(devices, eventsHub, logger)
	jobEngine := jobs.NewEngine(jobRepo, discoveryRepo, customers, agentRepo, devices, ingestor, backupEngine, agentHub, eventsHub, time.Minute, logger)
	commandsSvc := commands.NewService(devices, agentRepo, resolver, backupEngine, agentHub, time.Minute, logger)

	// The scheduler stays idle: Apply and Remove register against the cron
	// instance without it running, which is all the handlers need.
	sched, err := scheduler.New(backupRepo, jobEngine, backupEngine, clock, logger)
	require.NoError(t, err)

	router := NewRouter(RouterConfig{
		Logger:        logger,
		APIKey:        testAPIKey,
		RetentionKeep: testRetentionKeep,
		DB:            database,
		AgentHub:      agentHub,
		EventsHub:     eventsHub,
		Tickets:       tickets,
		Scheduler:     sched,
		Agents:        agentsSvc,
		Commands:      commandsSvc,
		Jobs:          jobEngine,
		Backups:       backupEngine,
		Store:         store,
		Customers:     customers,
		Networks:      networks,
		Credentials:   credentials,
		Devices:       devices,
		Discovery:     discoveryRepo,
		BackupRepo:    backupRepo,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiFixture{
		srv:         srv,
		hub:         agentHub,
		events:      eventsHub,
		tickets:     tickets,
		store:       store,
		customers:   customers,
		networks:    networks,
		credentials: credentials,
		agents:      agentRepo,
		devices:     devices,
		discovery:   discoveryRepo,
		jobs:        jobRepo,
		backups:     backupRepo,
	}
}

// do issues one authenticated request. The body, when not nil, is sent as
// JSON. Closing the response body is deferred to test cleanup so assertions
// can read it freely.
func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// decodeData unwraps the {"data": ...} success envelope into dst.
func decodeData(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Data, "expected a data envelope")
	require.NoError(t, json.Unmarshal(body.Data, dst))
}

// decodeError unwraps the {"error": {...}} envelope.
func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Error.Kind, "expected an error envelope")
	return body.Error
}

// listEnvelope is the {"items": [...], "total": n} shape of collection
// responses inside the data envelope.
type listEnvelope struct {
	Items json.RawMessage `json:"items"`
	Total int64           `json:"total"`
}

func decodeList(t *testing.T, resp *http.Response, items any) int64 {
	t.Helper()
	var list listEnvelope
	decodeData(t, resp, &list)
	require.NoError(t, json.Unmarshal(list.Items, items))
	return list.Total
}

// seedCustomer inserts an active customer directly through the repository.
func (f *apiFixture) seedCustomer(t *testing.T, code string) *db.Customer {
	t.Helper()
	customer := &db.Customer{Code: code, Name: strings.ToUpper(code), Active: true}
	require.NoError(t, f.customers.Create(context.Background(), customer))
	return customer
}

// seedDevice inserts a device for the customer. kind may be empty for an
// unmanaged device.
func (f *apiFixture) seedDevice(t *testing.T, customer *db.Customer, address, kind string) *db.Device {
	t.Helper()
	device := &db.Device{
		CustomerID: customer.ID,
		Address:    address,
		Hostname:   "dev-" + strings.ReplaceAll(address, ".", "-"),
		Kind:       kind,
		Source:     db.SourceARP,
		LastSeenAt: time.Now().UTC(),
	}
	require.NoError(t, f.devices.Create(context.Background(), device))
	return device
}

func TestAPIKeyGate(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("missing key", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/customers", nil)
		require.NoError(t, err)
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		var body struct {
			Error errorBody `json:"error"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "unauthorized", body.Error.Kind)
		assert.Equal(t, "missing or invalid API key", body.Error.Message)
	})

	t.Run("wrong key", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/customers", nil)
		require.NoError(t, err)
		req.Header.Set("X-API-Key", "not-the-key")
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid key", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/v1/customers", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("probe endpoints are open", func(t *testing.T) {
		for _, path := range []string{"/healthz", "/metrics"} {
			resp, err := f.srv.Client().Get(f.srv.URL + path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		}
	})
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := f.srv.Client().Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status             string `json:"status"`
		Database           string `json:"database"`
		AgentsConnected    int    `json:"agents_connected"`
		OperatorsConnected int    `json:"operators_connected"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Database)
	assert.Zero(t, health.AgentsConnected)
	assert.Zero(t, health.OperatorsConnected)
}

func TestRejectsUnknownBodyFields(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/customers", map[string]any{
		"code": "acme", "name": "ACME", "surprise": true,
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, "validation", body.Kind)
	assert.Contains(t, body.Message, "invalid request body")
}
