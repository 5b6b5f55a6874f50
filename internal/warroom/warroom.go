// Package warroom holds the shared battle plan and the append-only raid log.
//
// An active plan is the precondition gate for sends and task creation: work
// without a plan is work nobody agreed to.
package warroom

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/minionhq/minion/internal/common/fsutil"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/minionerr"
)

// Plan statuses.
const (
	PlanActive    = "active"
	PlanCompleted = "completed"
	PlanCanceled  = "canceled"
)

// Log priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Plan is one battle plan. Text lives on disk; the row references it.
type Plan struct {
	ID       int64  `db:"id" json:"id"`
	Agent    string `db:"agent" json:"agent"`
	Project  string `db:"project" json:"project"`
	PlanFile string `db:"plan_file" json:"plan_file"`
	Status   string `db:"status" json:"status"`
	SetAt    string `db:"set_at" json:"set_at"`
}

// LogEntry is one raid log row.
type LogEntry struct {
	ID        int64  `db:"id" json:"id"`
	Agent     string `db:"agent" json:"agent"`
	EntryFile string `db:"entry_file" json:"entry_file"`
	Priority  string `db:"priority" json:"priority"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

// Service implements war-room operations.
type Service struct {
	store   *db.Store
	planDir string
	logDir  string
	project string
	logger  *logger.Logger
}

// NewService creates a war-room service writing plan and log files under the
// given directories.
func NewService(store *db.Store, planDir, logDir, project string, log *logger.Logger) *Service {
	return &Service{store: store, planDir: planDir, logDir: logDir, project: project, logger: log}
}

// SetPlan writes the plan text to disk and activates it. Any prior active
// plan for the project is marked completed in the same transaction.
func (s *Service) SetPlan(ctx context.Context, agent, text string) (*Plan, error) {
	if text == "" {
		return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "empty_plan",
			Hint: "a plan needs content"}
	}

	path, err := fsutil.PlanPath(s.planDir, agent)
	if err != nil {
		return nil, fmt.Errorf("failed to build plan path: %w", err)
	}
	if err := fsutil.AtomicWrite(path, text); err != nil {
		return nil, fmt.Errorf("failed to write plan file: %w", err)
	}

	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin set_plan: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE plans SET status = ? WHERE project = ? AND status = ?",
		PlanCompleted, s.project, PlanActive); err != nil {
		return nil, fmt.Errorf("failed to complete prior plan: %w", err)
	}

	res, err := tx.Exec(
		"INSERT INTO plans (agent, project, plan_file, status, set_at) VALUES (?, ?, ?, ?, ?)",
		agent, s.project, path, PlanActive, db.NowISO())
	if err != nil {
		return nil, fmt.Errorf("failed to insert plan: %w", err)
	}
	id, _ := res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("plan set", zap.String("agent", agent), zap.Int64("plan_id", id))
	return s.getPlan(id)
}

// GetPlan returns the active plan for the project, or NoActivePlan.
func (s *Service) GetPlan(ctx context.Context) (*Plan, error) {
	var p Plan
	err := s.store.RO.Get(&p,
		"SELECT * FROM plans WHERE project = ? AND status = ? ORDER BY id DESC LIMIT 1",
		s.project, PlanActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, minionerr.ErrNoActivePlan.With("no active plan for project "+s.project,
			"run set-plan first")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &p, nil
}

// PlanText returns the active plan's content, or "" without a plan.
func (s *Service) PlanText(ctx context.Context) string {
	p, err := s.GetPlan(ctx)
	if err != nil {
		return ""
	}
	return fsutil.ReadContent(p.PlanFile)
}

// RequireActivePlan is the send/create gate.
func (s *Service) RequireActivePlan(ctx context.Context) error {
	_, err := s.GetPlan(ctx)
	return err
}

// UpdatePlanStatus moves a plan to completed or canceled.
func (s *Service) UpdatePlanStatus(ctx context.Context, planID int64, status string) (*Plan, error) {
	if status != PlanCompleted && status != PlanCanceled && status != PlanActive {
		return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "invalid_plan_status",
			Observed: fmt.Sprintf("status %q", status),
			Hint:     "use active, completed, or canceled"}
	}
	res, err := s.store.DB.Exec("UPDATE plans SET status = ? WHERE id = ?", status, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to update plan status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, minionerr.NotFound("plan", fmt.Sprintf("%d", planID))
	}
	return s.getPlan(planID)
}

// Log appends a raid log entry. Entry text goes to disk, the row points at it.
func (s *Service) Log(ctx context.Context, agent, entry, priority string) (*LogEntry, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	if priority != PriorityLow && priority != PriorityNormal && priority != PriorityHigh {
		return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "invalid_priority",
			Observed: fmt.Sprintf("priority %q", priority),
			Hint:     "use low, normal, or high"}
	}

	path, err := fsutil.LogPath(s.logDir, agent, priority)
	if err != nil {
		return nil, fmt.Errorf("failed to build log path: %w", err)
	}
	if err := fsutil.AtomicWrite(path, entry); err != nil {
		return nil, fmt.Errorf("failed to write log entry: %w", err)
	}

	res, err := s.store.DB.Exec(
		"INSERT INTO raid_log (agent, entry_file, priority, created_at) VALUES (?, ?, ?, ?)",
		agent, path, priority, db.NowISO())
	if err != nil {
		return nil, fmt.Errorf("failed to insert log entry: %w", err)
	}
	id, _ := res.LastInsertId()

	var e LogEntry
	if err := s.store.RO.Get(&e, "SELECT * FROM raid_log WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to read back log entry: %w", err)
	}
	return &e, nil
}

// GetLog returns the most recent entries, newest first, bounded by count.
func (s *Service) GetLog(ctx context.Context, count int) ([]LogEntry, error) {
	if count <= 0 {
		count = 20
	}
	var entries []LogEntry
	err := s.store.RO.Select(&entries,
		"SELECT * FROM raid_log ORDER BY id DESC LIMIT ?", count)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	return entries, nil
}

func (s *Service) getPlan(id int64) (*Plan, error) {
	var p Plan
	if err := s.store.RO.Get(&p, "SELECT * FROM plans WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &p, nil
}
