package backup

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/grandir66/dadude2.0-sub000/internal/db"
	"github.com/grandir66/dadude2.0-sub000/internal/faults"
	"github.com/grandir66/dadude2.0-sub000/internal/repositories"
)

func TestMain(m *testing.M) {
	if err := db.InitEncryption(bytes.Repeat([]byte{0x5c}, 32)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestMatchesDevice(t *testing.T) {
	device := &db.Device{Address: "10.0.0.7", Hostname: "sw-core-01"}

	tests := []struct {
		name   string
		filter string
		want   bool
	}{
		{"empty filter matches everything", "", true},
		{"address glob", "10.0.0.*", true},
		{"address exact", "10.0.0.7", true},
		{"hostname glob", "sw-*", true},
		{"neither matches", "192.168.*", false},
		{"malformed pattern matches nothing", "[", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesDevice(tt.filter, device))
		})
	}

	t.Run("hostname skipped when empty", func(t *testing.T) {
		bare := &db.Device{Address: "10.0.0.7"}
		assert.False(t, matchesDevice("sw-*", bare))
	})
}

type resolverFixture struct {
	resolver    *CredentialResolver
	credentials repositories.CredentialRepository
	customerID  uuid.UUID
}

func newResolverFixture(t *testing.T) *resolverFixture {
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

	credentials := repositories.NewCredentialRepository(database)
	return &resolverFixture{
		resolver:    NewCredentialResolver(credentials, zap.NewNop()),
		credentials: credentials,
		customerID:  uuid.Must(uuid.NewV7()),
	}
}

func (f *resolverFixture) seed(t *testing.T, cred *db.Credential) *db.Credential {
	t.Helper()
	if cred.Scope == "" {
		cred.Scope = db.CredentialScopeCustomer
	}
	if cred.Scope == db.CredentialScopeCustomer && cred.CustomerID == nil {
		cred.CustomerID = &f.customerID
	}
	require.NoError(t, f.credentials.Create(context.Background(), cred))
	return cred
}

func (f *resolverFixture) device(kind string) *db.Device {
	return &db.Device{
		CustomerID: f.customerID,
		Address:    "10.0.0.7",
		Hostname:   "sw-core-01",
		Kind:       kind,
	}
}

func TestResolveExplicitOverride(t *testing.T) {
	f := newResolverFixture(t)
	cred := f.seed(t, &db.Credential{
		Name:     "core-admin",
		Kind:     db.CredentialSSH,
		Username: "admin",
		Secret:   db.EncryptedString("hunter2"),
		Active:   true,
	})

	device := f.device("mikrotik")
	device.CredentialID = &cred.ID

	wc, row, err := f.resolver.Resolve(context.Background(), device)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, cred.ID, row.ID)
	assert.Equal(t, "admin", wc.Username)
	assert.Equal(t, "hunter2", wc.Secret, "secret must decrypt for the wire payload")
	assert.Equal(t, 22, wc.Port, "zero port falls back to the SSH default")
}

func TestResolveExplicitOverrideKeepsCustomPort(t *testing.T) {
	f := newResolverFixture(t)
	cred := f.seed(t, &db.Credential{
		Name:     "core-admin",
		Kind:     db.CredentialSSH,
		Username: "admin",
		Secret:   db.EncryptedString("hunter2"),
		Port:     2222,
		Active:   true,
	})

	device := f.device("mikrotik")
	device.CredentialID = &cred.ID

	wc, _, err := f.resolver.Resolve(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, 2222, wc.Port)
}

func TestResolveExplicitOverrideInactive(t *testing.T) {
	f := newResolverFixture(t)
	cred := f.seed(t, &db.Credential{
		Name:     "retired",
		Kind:     db.CredentialSSH,
		Username: "admin",
		Secret:   db.EncryptedString("old"),
		Active:   false,
	})

	device := f.device("mikrotik")
	device.CredentialID = &cred.ID

	_, _, err := f.resolver.Resolve(context.Background(), device)
	require.Error(t, err)
	assert.Equal(t, faults.PreconditionFailed, faults.KindOf(err))
	assert.Contains(t, faults.Message(err), "inactive")
}

func TestResolveExplicitOverrideMissing(t *testing.T) {
	f := newResolverFixture(t)

	missing := uuid.Must(uuid.NewV7())
	device := f.device("mikrotik")
	device.CredentialID = &missing

	_, _, err := f.resolver.Resolve(context.Background(), device)
	require.Error(t, err)
	assert.Equal(t, faults.PreconditionFailed, faults.KindOf(err))
	assert.Contains(t, faults.Message(err), "no longer exists")
}

// A MikroTik device prefers API credentials even when an SSH default is
// configured; SSH is only the fallback kind.
func TestResolveKindPreference(t *testing.T) {
	f := newResolverFixture(t)
	f.seed(t, &db.Credential{
		Name:      "ssh-default",
		Kind:      db.CredentialSSH,
		Username:  "admin",
		Secret:    db.EncryptedString("ssh-pass"),
		IsDefault: true,
		Active:    true,
	})
	f.seed(t, &db.Credential{
		Name:     "ros-api",
		Kind:     db.CredentialMikroTik,
		Username: "api",
		Secret:   db.EncryptedString("api-pass"),
		Active:   true,
	})

	wc, row, err := f.resolver.Resolve(context.Background(), f.device("mikrotik"))
	require.NoError(t, err)
	assert.Equal(t, db.CredentialMikroTik, row.Kind)
	assert.Equal(t, "api", wc.Username)
}

func TestResolveFallsBackAcrossKinds(t *testing.T) {
	f := newResolverFixture(t)
	f.seed(t, &db.Credential{
		Name:     "ssh-only",
		Kind:     db.CredentialSSH,
		Username: "admin",
		Secret:   db.EncryptedString("ssh-pass"),
		Active:   true,
	})

	_, row, err := f.resolver.Resolve(context.Background(), f.device("mikrotik"))
	require.NoError(t, err)
	assert.Equal(t, db.CredentialSSH, row.Kind)
}

func TestResolveHPArubaIgnoresMikroTikCredentials(t *testing.T) {
	f := newResolverFixture(t)
	f.seed(t, &db.Credential{
		Name:     "ros-api",
		Kind:     db.CredentialMikroTik,
		Username: "api",
		Secret:   db.EncryptedString("api-pass"),
		Active:   true,
	})

	_, _, err := f.resolver.Resolve(context.Background(), f.device("hp-aruba"))
	require.Error(t, err)
	assert.Equal(t, faults.PreconditionFailed, faults.KindOf(err))
	assert.Contains(t, faults.Message(err), "no usable credential")
}

func TestResolveUnknownKindTriesGenericDeviceCredential(t *testing.T) {
	f := newResolverFixture(t)
	f.seed(t, &db.Credential{
		Name:     "legacy-console",
		Kind:     db.CredentialDevice,
		Username: "operator",
		Secret:   db.EncryptedString("serial"),
		Active:   true,
	})

	_, row, err := f.resolver.Resolve(context.Background(), f.device(""))
	require.NoError(t, err)
	assert.Equal(t, db.CredentialDevice, row.Kind)
}

// Customer-scoped rows outrank global ones even when the global row is the
// marked default.
func TestResolveCustomerScopeBeatsGlobalDefault(t *testing.T) {
	f := newResolverFixture(t)
	f.seed(t, &db.Credential{
		Scope:     db.CredentialScopeGlobal,
		Name:      "fleet-default",
		Kind:      db.CredentialSSH,
		Username:  "fleet",
		Secret:    db.EncryptedString("fleet-pass"),
		IsDefault: true,
		Active:    true,
	})
	local := f.seed(t, &db.Credential{
		Name:     "acme-admin",
		Kind:     db.CredentialSSH,
		Username: "acme",
		Secret:   db.EncryptedString("acme-pass"),
		Active:   true,
	})

	_, row, err := f.resolver.Resolve(context.Background(), f.device("hp-aruba"))
	require.NoError(t, err)
	assert.Equal(t, local.ID, row.ID)
}

// A candidate whose device filter does not match is skipped in favor of the
// next one, even when it sorts first.
func TestResolveDeviceFilterRoutesBetweenCandidates(t *testing.T) {
	f := newResolverFixture(t)
	f.seed(t, &db.Credential{
		Name:         "branch-admin",
		Kind:         db.CredentialSSH,
		Username:     "branch",
		Secret:       db.EncryptedString("branch-pass"),
		DeviceFilter: "192.168.*",
		IsDefault:    true,
		Active:       true,
	})
	core := f.seed(t, &db.Credential{
		Name:         "core-admin",
		Kind:         db.CredentialSSH,
		Username:     "core",
		Secret:       db.EncryptedString("core-pass"),
		DeviceFilter: "10.0.0.*",
		Active:       true,
	})

	_, row, err := f.resolver.Resolve(context.Background(), f.device("hp-aruba"))
	require.NoError(t, err)
	assert.Equal(t, core.ID, row.ID)
}

func TestResolveDeviceFilterMatchesHostname(t *testing.T) {
	f := newResolverFixture(t)
	named := f.seed(t, &db.Credential{
		Name:         "switch-admin",
		Kind:         db.CredentialSSH,
		Username:     "switches",
		Secret:       db.EncryptedString("sw-pass"),
		DeviceFilter: "sw-*",
		Active:       true,
	})

	_, row, err := f.resolver.Resolve(context.Background(), f.device("hp-aruba"))
	require.NoError(t, err)
	assert.Equal(t, named.ID, row.ID)
}

func TestResolveNoCandidates(t *testing.T) {
	f := newResolverFixture(t)
	f.seed(t, &db.Credential{
		Name:     "inactive-admin",
		Kind:     db.CredentialSSH,
		Username: "admin",
		Secret:   db.EncryptedString("x"),
		Active:   false,
	})
	otherCustomer := uuid.Must(uuid.NewV7())
	f.seed(t, &db.Credential{
		CustomerID: &otherCustomer,
		Name:       "foreign-admin",
		Kind:       db.CredentialSSH,
		Username:   "admin",
		Secret:     db.EncryptedString("y"),
		Active:     true,
	})

	_, _, err := f.resolver.Resolve(context.Background(), f.device("mikrotik"))
	require.Error(t, err)
	assert.Equal(t, faults.PreconditionFailed, faults.KindOf(err))
	assert.Contains(t, faults.Message(err), "10.0.0.7")
}

func TestCredentialKinds(t *testing.T) {
	assert.Equal(t, []string{db.CredentialMikroTik, db.CredentialSSH}, credentialKinds("mikrotik"))
	assert.Equal(t, []string{db.CredentialSSH}, credentialKinds("hp-aruba"))
	assert.Equal(t, []string{db.CredentialSSH, db.CredentialDevice}, credentialKinds(""))
	assert.Equal(t, []string{db.CredentialSSH, db.CredentialDevice}, credentialKinds("juniper"))
}
