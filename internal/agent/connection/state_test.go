package connection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

func TestStateRoundtrip(t *testing.T) {
	dir := t.TempDir()
	state := agentState{
		AgentID:      "edge-01",
		Token:        "tok-1",
		CustomerCode: "acme",
		Networks: []wire.ConfigNetwork{
			{Name: "lan", Type: "lan", CIDR: "10.0.0.0/24", Gateway: "10.0.0.1"},
		},
	}

	require.NoError(t, saveState(dir, state))
	got, err := loadState(dir)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestLoadStateMissingFileIsFreshInstall(t *testing.T) {
	got, err := loadState(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, agentState{}, got)
}

func TestLoadStateCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(stateFilePath(dir), []byte("{{{"), 0600))

	_, err := loadState(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted")
}

func TestSaveStateRestrictsPermissions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, saveState(dir, agentState{AgentID: "edge-01", Token: "secret"}))

	info, err := os.Stat(stateFilePath(dir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSaveStateCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "var", "lib", "dadude-agent")
	require.NoError(t, saveState(dir, agentState{AgentID: "edge-01"}))

	got, err := loadState(dir)
	require.NoError(t, err)
	assert.Equal(t, "edge-01", got.AgentID)
}

func TestSaveStateOverwritesCleanly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, saveState(dir, agentState{AgentID: "edge-01", Token: "old"}))
	require.NoError(t, saveState(dir, agentState{AgentID: "edge-01", Token: "new"}))

	got, err := loadState(dir)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Token)

	// The temp file from the atomic write must not linger.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-state.json", entries[0].Name())
}
