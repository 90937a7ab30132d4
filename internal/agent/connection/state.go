package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grandir66/dadude2.0-sub000/internal/wire"
)

// agentState is persisted after the first successful handshake and on every
// config push. Token is the current session token: the enrollment token after
// first contact, then whatever the server last rotated in. The file is the
// only place the token lives; it must never be logged.
type agentState struct {
	AgentID      string               `json:"agent_id"`
	Token        string               `json:"token,omitempty"`
	CustomerCode string               `json:"customer_code,omitempty"`
	Networks     []wire.ConfigNetwork `json:"networks,omitempty"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

// loadState reads the persisted agent state. A missing file is a fresh
// install, not an error.
func loadState(stateDir string) (agentState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return agentState{}, nil
		}
		return agentState{}, fmt.Errorf("connection: reading state file: %w", err)
	}
	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return agentState{}, fmt.Errorf("connection: corrupted state file: %w", err)
	}
	return s, nil
}

// saveState writes the agent state atomically via temp file + rename, so a
// crash mid-write never leaves a truncated token behind.
func saveState(stateDir string, s agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("connection: marshaling state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("connection: creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("connection: creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("connection: restricting state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("connection: writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("connection: closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("connection: renaming state file: %w", err)
	}
	ok = true
	return nil
}
