package hp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/minionhq/minion/internal/agent"
	"github.com/minionhq/minion/internal/auth"
	"github.com/minionhq/minion/internal/common/config"
	"github.com/minionhq/minion/internal/common/fsutil"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/events/bus"
)

// Usage is one turn's telemetry as extracted from the provider stream.
type Usage struct {
	TurnInput     int64 `json:"turn_input"`
	TurnOutput    int64 `json:"turn_output"`
	ContextWindow int64 `json:"context_window,omitempty"` // 0 when the provider is silent
}

// UpdateOptions tunes a single HP write.
type UpdateOptions struct {
	// CreditCumulative adds the turn to the cumulative accounting counters.
	// Failure-loop turns set this false so retries do not inflate the books.
	CreditCumulative bool
}

// Report is the health read model for one agent.
type Report struct {
	Agent   string `json:"agent"`
	Mode    string `json:"mode"`
	Percent int    `json:"percent"`
	State   string `json:"state"`
	Limit   int64  `json:"limit,omitempty"`
}

// Service writes HP telemetry and fires threshold alerts.
type Service struct {
	store    *db.Store
	agents   *agent.Repository
	cfg      config.HPConfig
	window   int64 // fallback context window
	inboxDir string
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewService creates an HP service. The event bus may be nil.
func NewService(store *db.Store, agents *agent.Repository, cfg config.HPConfig, defaultWindow int64, inboxDir string, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		agents:   agents,
		cfg:      cfg,
		window:   defaultWindow,
		inboxDir: inboxDir,
		bus:      eventBus,
		logger:   log,
	}
}

// Update writes one turn of telemetry for an agent and fires any newly
// crossed threshold alerts. A daemon write puts the agent (back) into daemon
// mode, superseding a self-reported reading.
func (s *Service) Update(ctx context.Context, name string, usage Usage, opts UpdateOptions) (*Report, error) {
	a, err := s.agents.Get(name)
	if err != nil {
		return nil, err
	}

	denom := usage.ContextWindow
	if denom <= 0 {
		denom = a.HPTokensLimit
	}
	if denom <= 0 {
		denom = s.window
	}

	pct := Compute(usage.TurnInput, denom)
	state := State(pct)

	fired := parseFired(a.HPAlertsFired)
	var newAlerts []int
	if pct > s.cfg.WoundedBelow {
		// recovered: re-arm the alerts
		fired = nil
	} else {
		thresholds := append([]int(nil), s.cfg.AlertThresholds...)
		sort.Sort(sort.Reverse(sort.IntSlice(thresholds)))
		for _, th := range thresholds {
			if pct <= th && !contains(fired, th) {
				fired = append(fired, th)
				newAlerts = append(newAlerts, th)
			}
		}
	}

	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin hp update: %w", err)
	}
	defer tx.Rollback()

	cumIn, cumOut := int64(0), int64(0)
	if opts.CreditCumulative {
		cumIn, cumOut = usage.TurnInput, usage.TurnOutput
	}
	if _, err := tx.Exec(`
		UPDATE agents SET
			hp_turn_input = ?, hp_turn_output = ?,
			hp_tokens_limit = ?, hp_mode = ?,
			hp_input_tokens = hp_input_tokens + ?,
			hp_output_tokens = hp_output_tokens + ?,
			hp_alerts_fired = ?,
			last_seen = ?
		WHERE name = ?`,
		usage.TurnInput, usage.TurnOutput,
		denom, agent.HPModeDaemon,
		cumIn, cumOut,
		formatFired(fired),
		db.NowISO(), name); err != nil {
		return nil, fmt.Errorf("failed to write hp: %w", err)
	}

	for _, th := range newAlerts {
		if err := s.alertLead(tx, name, pct, th); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, th := range newAlerts {
		s.logger.Warn("hp threshold crossed",
			zap.String("agent", name),
			zap.Int("hp", pct),
			zap.Int("threshold", th))
		bus.Publish(ctx, s.bus, bus.SubjectHPAlert,
			bus.NewEvent("hp.alert", "hp", map[string]any{
				"agent": name, "hp": pct, "threshold": th,
			}))
	}

	return &Report{Agent: name, Mode: agent.HPModeDaemon, Percent: pct, State: state, Limit: denom}, nil
}

// Snapshot returns the current health read model for an agent. Agents with
// no telemetry source report unknown rather than a fabricated percentage.
func (s *Service) Snapshot(name string) (*Report, error) {
	a, err := s.agents.Get(name)
	if err != nil {
		return nil, err
	}
	return SnapshotOf(a, s.window), nil
}

// SnapshotOf derives the health read model from an already loaded agent row.
func SnapshotOf(a *agent.Agent, fallbackWindow int64) *Report {
	if a.HPMode == agent.HPModeNone {
		return &Report{Agent: a.Name, Mode: a.HPMode, State: StateUnknown}
	}
	denom := a.HPTokensLimit
	if denom <= 0 {
		denom = fallbackWindow
	}
	pct := Compute(a.HPTurnInput, denom)
	return &Report{Agent: a.Name, Mode: a.HPMode, Percent: pct, State: State(pct), Limit: denom}
}

// alertLead drops a system message into the current lead's inbox inside the
// update transaction. The message bypasses send gates: the agent whose HP is
// collapsing is exactly the agent whose context is stale.
func (s *Service) alertLead(tx *sqlx.Tx, name string, pct, threshold int) error {
	var lead string
	err := tx.Get(&lead,
		"SELECT name FROM agents WHERE agent_class = ? ORDER BY name LIMIT 1", auth.ClassLead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // nobody to tell
	}
	if err != nil {
		return fmt.Errorf("failed to find lead: %w", err)
	}

	content := fmt.Sprintf("HP ALERT: %s dropped to %d%% (crossed %d%% threshold). %s",
		name, pct, threshold, remediation(pct))
	path, err := fsutil.MessagePath(s.inboxDir, lead, name, fmt.Sprintf("hp alert %d", threshold))
	if err != nil {
		return fmt.Errorf("failed to build alert path: %w", err)
	}
	if err := fsutil.AtomicWrite(path, content); err != nil {
		return fmt.Errorf("failed to write alert content: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (from_agent, to_agent, content_file, timestamp, read_flag, is_cc, cc_original_to)
		VALUES (?, ?, ?, ?, 0, 0, '')`,
		name, lead, path, db.NowISO()); err != nil {
		return fmt.Errorf("failed to insert alert message: %w", err)
	}
	return nil
}

func remediation(pct int) string {
	if pct <= 10 {
		return "Consider fenix_down before the context window closes."
	}
	return "Wrap up the current task and hand off."
}

func parseFired(raw string) []int {
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		if v, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func formatFired(fired []int) string {
	parts := make([]string, 0, len(fired))
	for _, v := range fired {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
