package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/minionhq/minion/internal/common/fsutil"
)

// Daemon statuses recorded in the state file.
const (
	StatusStarting = "starting"
	StatusPolling  = "polling"
	StatusWorking  = "working"
	StatusBackoff  = "backoff"
	StatusStopped  = "stopped"
)

// State is the per-daemon JSON state document used by start/stop/status and
// crash recovery. It lives at state/<agent>.json.
type State struct {
	Agent               string `json:"agent"`
	Provider            string `json:"provider"`
	PID                 int    `json:"pid"`
	Status              string `json:"status"`
	UpdatedAt           string `json:"updated_at"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	ResumeReady         bool   `json:"resume_ready"`
	StoodDown           bool   `json:"stood_down"`
	SessionID           string `json:"session_id,omitempty"`
	Generation          int    `json:"generation"`
}

// StatePath returns the state file path for an agent.
func StatePath(stateDir, agent string) string {
	return filepath.Join(stateDir, agent+".json")
}

// WriteState persists the state document atomically.
func WriteState(stateDir string, st *State) error {
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return fsutil.AtomicWrite(StatePath(stateDir, st.Agent), string(data))
}

// ReadState loads a state document. A missing file returns (nil, nil): the
// daemon has never run.
func ReadState(stateDir, agent string) (*State, error) {
	data, err := os.ReadFile(StatePath(stateDir, agent))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &st, nil
}

// RemoveState deletes the state file.
func RemoveState(stateDir, agent string) error {
	err := os.Remove(StatePath(stateDir, agent))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// AlertPath is the out-of-band alert sink for one agent. Poll failures land
// here as well as in the datastore, because the datastore may itself be the
// thing that is failing.
func AlertPath(stateDir, agent string) string {
	return filepath.Join(stateDir, agent+".alert")
}

// WriteAlert drops a side-channel alert file.
func WriteAlert(stateDir, agent, message string) error {
	ts := time.Now().UTC().Format(time.RFC3339)
	return fsutil.AtomicWrite(AlertPath(stateDir, agent), ts+" "+message+"\n")
}
