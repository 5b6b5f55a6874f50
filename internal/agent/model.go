// Package agent implements the agent registry: presence, context freshness,
// status, and the per-agent HP telemetry columns.
package agent

import (
	"database/sql"
	"time"
)

// Transport distinguishes daemon-managed agents from humans in terminals.
const (
	TransportDaemon   = "daemon"
	TransportTerminal = "terminal"
)

// Liveness buckets derived from last_seen.
const (
	LivenessActive = "active" // seen < 120s ago
	LivenessIdle   = "idle"   // seen < 600s ago
	LivenessDead   = "dead"
)

// HP modes. "none" means no telemetry source: HP is reported as unknown,
// never faked with a sentinel limit.
const (
	HPModeDaemon       = "daemon"
	HPModeSelfReported = "self-reported"
	HPModeNone         = "none"
)

// Agent is one registered participant.
type Agent struct {
	Name             string         `db:"name" json:"name"`
	Class            string         `db:"agent_class" json:"class"`
	Model            string         `db:"model" json:"model,omitempty"`
	Transport        string         `db:"transport" json:"transport"`
	Status           string         `db:"status" json:"status,omitempty"`
	ContextSummary   string         `db:"context_summary" json:"context_summary,omitempty"`
	LastSeen         sql.NullString `db:"last_seen" json:"-"`
	LastInboxCheck   sql.NullString `db:"last_inbox_check" json:"-"`
	ContextUpdatedAt sql.NullString `db:"context_updated_at" json:"-"`
	HPInputTokens    int64          `db:"hp_input_tokens" json:"hp_input_tokens"`
	HPOutputTokens   int64          `db:"hp_output_tokens" json:"hp_output_tokens"`
	HPTurnInput      int64          `db:"hp_turn_input" json:"hp_turn_input"`
	HPTurnOutput     int64          `db:"hp_turn_output" json:"hp_turn_output"`
	HPTokensLimit    int64          `db:"hp_tokens_limit" json:"hp_tokens_limit"`
	HPMode           string         `db:"hp_mode" json:"hp_mode"`
	HPAlertsFired    string         `db:"hp_alerts_fired" json:"-"`
	CurrentZone      string         `db:"current_zone" json:"current_zone,omitempty"`
	CurrentRole      string         `db:"current_role" json:"current_role,omitempty"`
	PID              sql.NullInt64  `db:"pid" json:"-"`
	RSSBytes         int64          `db:"rss_bytes" json:"rss_bytes,omitempty"`
	Crew             string         `db:"crew" json:"crew,omitempty"`
	SessionID        string         `db:"session_id" json:"-"`
	RegisteredAt     string         `db:"registered_at" json:"registered_at"`
}

// Liveness buckets an agent by the age of last_seen.
func (a *Agent) Liveness(now time.Time) string {
	if !a.LastSeen.Valid || a.LastSeen.String == "" {
		return LivenessDead
	}
	seen, err := time.Parse(time.RFC3339Nano, a.LastSeen.String)
	if err != nil {
		return LivenessDead
	}
	age := now.Sub(seen)
	switch {
	case age < 120*time.Second:
		return LivenessActive
	case age < 600*time.Second:
		return LivenessIdle
	default:
		return LivenessDead
	}
}

// ContextAge returns the age of the context summary, or false when the agent
// never set context.
func (a *Agent) ContextAge(now time.Time) (time.Duration, bool) {
	if !a.ContextUpdatedAt.Valid || a.ContextUpdatedAt.String == "" {
		return 0, false
	}
	at, err := time.Parse(time.RFC3339Nano, a.ContextUpdatedAt.String)
	if err != nil {
		return 0, false
	}
	return now.Sub(at), true
}
