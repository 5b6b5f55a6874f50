// Package lifecycle implements process-wide state transitions: pre-death
// knowledge dumps (fenix_down), post-restart recovery (cold_start), agent
// retirement, and crew management.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/minionhq/minion/internal/agent"
	"github.com/minionhq/minion/internal/common/fsutil"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/hp"
	"github.com/minionhq/minion/internal/minionerr"
	"github.com/minionhq/minion/internal/task"
	"github.com/minionhq/minion/internal/trigger"
	"github.com/minionhq/minion/internal/warroom"
)

// FenixRecord is one knowledge-dump marker: file paths plus a short
// manifest, written by an agent that expects to lose its context.
type FenixRecord struct {
	ID         int64  `db:"id" json:"id"`
	Agent      string `db:"agent" json:"agent"`
	Files      string `db:"files" json:"-"`
	Manifest   string `db:"manifest" json:"manifest"`
	CreatedAt  string `db:"created_at" json:"created_at"`
	ConsumedAt *string `db:"consumed_at" json:"consumed_at,omitempty"`
}

// FileList decodes the JSON-encoded file path list.
func (r *FenixRecord) FileList() []string {
	var files []string
	_ = json.Unmarshal([]byte(r.Files), &files)
	return files
}

// Briefing is the recovery package for a restarted or compacted agent.
type Briefing struct {
	Agent       string             `json:"agent"`
	Fenix       []FenixRecord      `json:"fenix_records,omitempty"`
	PlanText    string             `json:"plan,omitempty"`
	OpenTasks   []*task.Task       `json:"open_tasks,omitempty"`
	HP          *hp.Report         `json:"hp,omitempty"`
	RecentLog   []warroom.LogEntry `json:"recent_log,omitempty"`
}

// Service implements lifecycle operations.
type Service struct {
	store    *db.Store
	agents   *agent.Service
	plans    *warroom.Service
	tasks    *task.Service
	inboxDir string
	logger   *logger.Logger

	fallbackWindow int64
}

// NewService creates a lifecycle service.
func NewService(store *db.Store, agents *agent.Service, plans *warroom.Service, tasks *task.Service, inboxDir string, fallbackWindow int64, log *logger.Logger) *Service {
	return &Service{
		store:          store,
		agents:         agents,
		plans:          plans,
		tasks:          tasks,
		inboxDir:       inboxDir,
		logger:         log,
		fallbackWindow: fallbackWindow,
	}
}

// FenixDown records a knowledge dump. Always accepted: an agent about to
// lose its context must never be turned away for being stale.
func (s *Service) FenixDown(ctx context.Context, agentName string, files []string, manifest string) (*FenixRecord, error) {
	if _, err := s.agents.Get(ctx, agentName); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("failed to encode file list: %w", err)
	}
	res, err := s.store.DB.Exec(
		"INSERT INTO fenix_records (agent, files, manifest, created_at) VALUES (?, ?, ?, ?)",
		agentName, string(encoded), manifest, db.NowISO())
	if err != nil {
		return nil, fmt.Errorf("failed to record fenix_down: %w", err)
	}
	id, _ := res.LastInsertId()
	s.logger.Info("fenix_down recorded",
		zap.String("agent", agentName),
		zap.Int("files", len(files)))

	var rec FenixRecord
	if err := s.store.RO.Get(&rec, "SELECT * FROM fenix_records WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to read back fenix record: %w", err)
	}
	return &rec, nil
}

// ColdStart returns the recovery briefing for a restarted agent and
// atomically marks its fenix records consumed.
func (s *Service) ColdStart(ctx context.Context, agentName string) (*Briefing, error) {
	b, err := s.briefing(ctx, agentName, true)
	if err != nil {
		return nil, err
	}
	s.logger.Info("cold_start served",
		zap.String("agent", agentName),
		zap.Int("fenix_records", len(b.Fenix)))
	return b, nil
}

// PeekBriefing builds the recovery briefing without consuming fenix
// records. The daemon uses it for compaction recovery mid-run.
func (s *Service) PeekBriefing(ctx context.Context, agentName string) (*Briefing, error) {
	return s.briefing(ctx, agentName, false)
}

func (s *Service) briefing(ctx context.Context, agentName string, consume bool) (*Briefing, error) {
	a, err := s.agents.Get(ctx, agentName)
	if err != nil {
		return nil, err
	}

	b := &Briefing{Agent: agentName}

	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin cold_start: %w", err)
	}
	defer tx.Rollback()

	if err := tx.Select(&b.Fenix,
		"SELECT * FROM fenix_records WHERE agent = ? AND consumed_at IS NULL ORDER BY id ASC",
		agentName); err != nil {
		return nil, fmt.Errorf("failed to read fenix records: %w", err)
	}
	if consume && len(b.Fenix) > 0 {
		if _, err := tx.Exec(
			"UPDATE fenix_records SET consumed_at = ? WHERE agent = ? AND consumed_at IS NULL",
			db.NowISO(), agentName); err != nil {
			return nil, fmt.Errorf("failed to consume fenix records: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	b.PlanText = s.plans.PlanText(ctx)
	b.HP = hp.SnapshotOf(a, s.fallbackWindow)

	tasks, err := s.tasks.List(ctx, task.ListFilter{AssignedTo: agentName})
	if err != nil {
		return nil, err
	}
	b.OpenTasks = tasks

	if entries, err := s.plans.GetLog(ctx, 5); err == nil {
		b.RecentLog = entries
	}
	return b, nil
}

// RetireAgent marks an agent for shutdown. Its daemon observes the record
// on the next poll and exits gracefully.
func (s *Service) RetireAgent(ctx context.Context, name, by string) error {
	if _, err := s.agents.Get(ctx, name); err != nil {
		return err
	}
	_, err := s.store.DB.Exec(`
		INSERT INTO agent_retire (agent_name, requested_by, requested_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_name) DO UPDATE SET requested_by = excluded.requested_by,
			requested_at = excluded.requested_at`,
		name, by, db.NowISO())
	if err != nil {
		return fmt.Errorf("failed to record retirement: %w", err)
	}
	s.logger.Info("agent retirement requested", zap.String("agent", name), zap.String("by", by))
	return nil
}

// RetirePending reports whether a retirement record exists for an agent.
func (s *Service) RetirePending(ctx context.Context, name string) (bool, error) {
	var count int
	if err := s.store.RO.Get(&count,
		"SELECT COUNT(*) FROM agent_retire WHERE agent_name = ?", name); err != nil {
		return false, fmt.Errorf("failed to check retirement: %w", err)
	}
	return count > 0, nil
}

// ClearRetire removes a retirement record (after the daemon exits).
func (s *Service) ClearRetire(ctx context.Context, name string) error {
	_, err := s.store.DB.Exec("DELETE FROM agent_retire WHERE agent_name = ?", name)
	return err
}

// StandDown sets the process-wide stand_down flag: every daemon exits after
// its current turn.
func (s *Service) StandDown(ctx context.Context, by string) error {
	if err := trigger.SetFlag(s.store, trigger.FlagStandDown, by); err != nil {
		return err
	}
	s.logger.Info("stand_down set", zap.String("by", by))
	return nil
}

// StandDownActive reports whether the stand_down flag is set.
func (s *Service) StandDownActive(ctx context.Context) (bool, error) {
	return trigger.FlagSet(s.store.RO, trigger.FlagStandDown)
}

// ClearStandDown removes the stand_down flag, allowing daemons to start.
func (s *Service) ClearStandDown(ctx context.Context) error {
	return trigger.ClearFlag(s.store, trigger.FlagStandDown)
}

// interruptKey is the per-agent flag the daemon polls to abandon its
// current provider turn.
func interruptKey(name string) string { return "interrupt:" + name }

// Interrupt asks an agent's daemon to kill its current provider subprocess
// and return to the poll loop.
func (s *Service) Interrupt(ctx context.Context, name string) error {
	if _, err := s.agents.Get(ctx, name); err != nil {
		return err
	}
	return trigger.SetFlag(s.store, interruptKey(name), "interrupt")
}

// InterruptPending reports whether an interrupt is requested for an agent.
func (s *Service) InterruptPending(ctx context.Context, name string) (bool, error) {
	return trigger.FlagSet(s.store.RO, interruptKey(name))
}

// Resume clears a pending interrupt and unblocks the agent by delivering a
// direct message. The message bypasses send gates: the caller is operating
// the daemon, not conversing.
func (s *Service) Resume(ctx context.Context, name, message string) error {
	if _, err := s.agents.Get(ctx, name); err != nil {
		return err
	}
	if err := trigger.ClearFlag(s.store, interruptKey(name)); err != nil {
		return err
	}
	if message == "" {
		return nil
	}
	path, err := fsutil.MessagePath(s.inboxDir, name, "operator", "resume")
	if err != nil {
		return fmt.Errorf("failed to place resume message: %w", err)
	}
	if err := fsutil.AtomicWrite(path, message); err != nil {
		return fmt.Errorf("failed to write resume message: %w", err)
	}
	_, err = s.store.DB.Exec(`
		INSERT INTO messages (from_agent, to_agent, content_file, timestamp, read_flag, is_cc, cc_original_to)
		VALUES ('operator', ?, ?, ?, 0, 0, '')`,
		name, path, db.NowISO())
	if err != nil {
		return fmt.Errorf("failed to deliver resume message: %w", err)
	}
	return nil
}

// Debrief summarizes a session: what closed, what is still open, who spent
// what.
type Debrief struct {
	TasksClosed  int   `json:"tasks_closed"`
	TasksOpen    int   `json:"tasks_open"`
	Messages     int   `json:"messages"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// EndSession produces a debrief and marks every crew stopped.
func (s *Service) EndSession(ctx context.Context) (*Debrief, error) {
	d := &Debrief{}
	if err := s.store.RO.Get(&d.TasksClosed,
		"SELECT COUNT(*) FROM tasks WHERE status = 'closed'"); err != nil {
		return nil, fmt.Errorf("failed to count closed tasks: %w", err)
	}
	if err := s.store.RO.Get(&d.TasksOpen,
		"SELECT COUNT(*) FROM tasks WHERE status != 'closed'"); err != nil {
		return nil, fmt.Errorf("failed to count open tasks: %w", err)
	}
	if err := s.store.RO.Get(&d.Messages, "SELECT COUNT(*) FROM messages"); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	if err := s.store.RO.Get(&d.InputTokens,
		"SELECT COALESCE(SUM(hp_input_tokens), 0) FROM agents"); err != nil {
		return nil, fmt.Errorf("failed to sum input tokens: %w", err)
	}
	if err := s.store.RO.Get(&d.OutputTokens,
		"SELECT COALESCE(SUM(hp_output_tokens), 0) FROM agents"); err != nil {
		return nil, fmt.Errorf("failed to sum output tokens: %w", err)
	}
	if _, err := s.store.DB.Exec(
		"UPDATE crews SET stopped_at = ? WHERE stopped_at IS NULL", db.NowISO()); err != nil {
		return nil, fmt.Errorf("failed to stop crews: %w", err)
	}
	return d, nil
}

// HandOffZone moves a zone from one agent to another: the zone label
// transfers and the leaving agent's unfinished zone tasks return to the
// pool.
func (s *Service) HandOffZone(ctx context.Context, from, to, zone string) error {
	if _, err := s.agents.Get(ctx, from); err != nil {
		return err
	}
	if _, err := s.agents.Get(ctx, to); err != nil {
		return err
	}
	if zone == "" {
		return &minionerr.Error{Kind: minionerr.KindUser, Rule: "empty_zone"}
	}

	tx, err := s.store.DB.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin handoff: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE agents SET current_zone = '' WHERE name = ? AND current_zone = ?",
		from, zone); err != nil {
		return fmt.Errorf("failed to clear zone: %w", err)
	}
	if _, err := tx.Exec(
		"UPDATE agents SET current_zone = ? WHERE name = ?", zone, to); err != nil {
		return fmt.Errorf("failed to set zone: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE tasks SET assigned_to = NULL, updated_at = ?
		WHERE zone = ? AND assigned_to = ? AND status NOT IN ('closed', 'reported')`,
		db.NowISO(), zone, from); err != nil {
		return fmt.Errorf("failed to release zone tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Info("zone handed off",
		zap.String("zone", zone), zap.String("from", from), zap.String("to", to))
	return nil
}
