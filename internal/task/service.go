package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/minionhq/minion/internal/agent"
	"github.com/minionhq/minion/internal/auth"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/common/tracing"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/events/bus"
	"github.com/minionhq/minion/internal/flow"
	"github.com/minionhq/minion/internal/hp"
	"github.com/minionhq/minion/internal/minionerr"
	"github.com/minionhq/minion/internal/trigger"
	"github.com/minionhq/minion/internal/warroom"
)

// activityWarnAt is the activity count at which a task is flagged as
// dragging: enough ping-pong between stages that a human should look.
const activityWarnAt = 4

const taskColumns = `id, title, task_file, project, zone, status, blocked_by, assigned_to,
	created_by, files, progress, class_required, flow_type, activity_count,
	result_file, requirement_path, created_at, updated_at`

// Service implements the task engine.
type Service struct {
	store  *db.Store
	flows  *flow.Loader
	plans  *warroom.Service
	agents *agent.Repository
	bus    bus.EventBus
	logger *logger.Logger

	// fallbackWindow sizes HP snapshots for assignment warnings.
	fallbackWindow int64
}

// NewService creates a task service. The event bus may be nil.
func NewService(store *db.Store, flows *flow.Loader, plans *warroom.Service, agents *agent.Repository, fallbackWindow int64, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:          store,
		flows:          flows,
		plans:          plans,
		agents:         agents,
		bus:            eventBus,
		logger:         log,
		fallbackWindow: fallbackWindow,
	}
}

// CreateParams are the fields of create_task.
type CreateParams struct {
	Title           string
	TaskFile        string
	Project         string
	Zone            string
	ClassRequired   string
	FlowType        string
	BlockedBy       []int64
	Files           string
	RequirementPath string
	CreatedBy       string
}

// Create inserts a new task at the flow's initial stage. Requires an active
// plan; the manage capability is checked at the command layer.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Task, error) {
	if p.Title == "" {
		return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "empty_title"}
	}
	if err := s.plans.RequireActivePlan(ctx); err != nil {
		return nil, err
	}
	if p.FlowType == "" {
		p.FlowType = "bugfix"
	}
	if _, err := s.flows.Load(p.FlowType); err != nil {
		return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "unknown_flow",
			Observed: fmt.Sprintf("flow %q: %v", p.FlowType, err),
			Hint:     "run list-flows"}
	}
	if p.ClassRequired == "" {
		p.ClassRequired = "coder"
	}

	// blockers must exist
	for _, id := range p.BlockedBy {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
	}

	f, _ := s.flows.Load(p.FlowType)
	now := db.NowISO()
	res, err := s.store.DB.Exec(`
		INSERT INTO tasks (title, task_file, project, zone, status, blocked_by, created_by,
			files, class_required, flow_type, requirement_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Title, p.TaskFile, p.Project, p.Zone, f.Initial, JoinIDs(p.BlockedBy), p.CreatedBy,
		p.Files, p.ClassRequired, p.FlowType, p.RequirementPath, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	id, _ := res.LastInsertId()

	s.logger.Info("task created",
		zap.Int64("task_id", id),
		zap.String("title", p.Title),
		zap.String("flow", p.FlowType),
		zap.String("class_required", p.ClassRequired))
	return s.Get(ctx, id)
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id int64) (*Task, error) {
	var t Task
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE id = ?", taskColumns)
	if err := s.store.RO.Get(&t, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, minionerr.NotFound("task", fmt.Sprintf("%d", id))
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

// ListFilter narrows a task listing.
type ListFilter struct {
	Status     string
	AssignedTo string
	Project    string
	FlowType   string
}

// List returns tasks matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE 1=1", taskColumns)
	var args []interface{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.AssignedTo != "" {
		query += " AND assigned_to = ?"
		args = append(args, filter.AssignedTo)
	}
	if filter.Project != "" {
		query += " AND project = ?"
		args = append(args, filter.Project)
	}
	if filter.FlowType != "" {
		query += " AND flow_type = ?"
		args = append(args, filter.FlowType)
	}
	query += " ORDER BY id DESC"

	var tasks []*Task
	if err := s.store.RO.Select(&tasks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// Assign moves an open task to assigned and sets the assignee. A CRITICAL
// assignee HP is a warning, not a block; moon_crash is a block.
func (s *Service) Assign(ctx context.Context, id int64, agentName, by string) (*TransitionResult, error) {
	target, err := s.agents.Get(agentName)
	if err != nil {
		return nil, err
	}

	if set, err := trigger.FlagSet(s.store.RO, trigger.FlagMoonCrash); err != nil {
		return nil, err
	} else if set {
		return nil, minionerr.ErrMoonCrash.With("moon_crash flag is set",
			"clear it before assigning work")
	}

	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin assign: %w", err)
	}
	defer tx.Rollback()

	t, f, err := s.taskAndFlow(tx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != f.Initial {
		return nil, minionerr.ErrInvalidTransition.Withf("only unstarted tasks can be assigned",
			"task %d is %s", id, t.Status)
	}
	if blockers, err := s.openBlockers(tx, t); err != nil {
		return nil, err
	} else if len(blockers) > 0 {
		return nil, minionerr.ErrBlockedBy.Withf("close the blockers first",
			"task %d blocked by %s", id, JoinIDs(blockers))
	}

	if err := s.transitionTx(tx, t, "assigned", by, &agentName); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	result := &TransitionResult{From: t.Status, To: "assigned"}
	if snap := hp.SnapshotOf(target, s.fallbackWindow); snap.State == hp.StateCritical {
		result.Warning = fmt.Sprintf("%s is at %d%% HP (CRITICAL)", agentName, snap.Percent)
	}
	result.Task, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publishTransition(ctx, id, t.Status, "assigned", by)
	return result, nil
}

// Pull is the race-safe claim of a task for execution. From open/assigned it
// transitions to in_progress; on a review stage it takes the unassigned task
// without changing status. Exactly one concurrent caller wins; losers see
// AlreadyPulled.
func (s *Service) Pull(ctx context.Context, agentName string, id int64) (*TransitionResult, error) {
	ctx, span := tracing.StartTransition(ctx, id, "pull")
	defer span.End()
	res, err := s.pull(ctx, agentName, id)
	tracing.RecordResult(span, err)
	return res, err
}

func (s *Service) pull(ctx context.Context, agentName string, id int64) (*TransitionResult, error) {
	caller, err := s.agents.Get(agentName)
	if err != nil {
		return nil, err
	}

	if set, err := trigger.FlagSet(s.store.RO, trigger.FlagMoonCrash); err != nil {
		return nil, err
	} else if set {
		return nil, minionerr.ErrMoonCrash.With("moon_crash flag is set", "stand by")
	}

	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin pull: %w", err)
	}
	defer tx.Rollback()

	t, f, err := s.taskAndFlow(tx, id)
	if err != nil {
		return nil, err
	}

	if blockers, err := s.openBlockers(tx, t); err != nil {
		return nil, err
	} else if len(blockers) > 0 {
		return nil, minionerr.ErrBlockedBy.Withf("close the blockers first",
			"task %d blocked by %s", id, JoinIDs(blockers))
	}

	switch {
	case t.Status == f.Initial || t.Status == "assigned":
		if caller.Class != t.ClassRequired {
			return nil, minionerr.ErrWorkerClassMismatch.Withf("this task wants a different class",
				"task %d requires %s, %s is %s", id, t.ClassRequired, agentName, caller.Class)
		}
		// winner-take-all compare-and-set
		res, err := tx.Exec(`
			UPDATE tasks SET status = 'in_progress', assigned_to = ?,
				activity_count = activity_count + 1, updated_at = ?
			WHERE id = ? AND status IN (?, 'assigned')
			  AND (assigned_to IS NULL OR assigned_to = ?)`,
			agentName, db.NowISO(), id, f.Initial, agentName)
		if err != nil {
			return nil, fmt.Errorf("failed to pull task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, minionerr.ErrAlreadyPulled.Withf("pick another task",
				"task %d was taken by another agent", id)
		}
		now := db.NowISO()
		if t.Status == f.Initial {
			if err := insertHistory(tx, id, t.Status, "assigned", agentName, now); err != nil {
				return nil, err
			}
			if err := insertHistory(tx, id, "assigned", "in_progress", agentName, now); err != nil {
				return nil, err
			}
		} else {
			if err := insertHistory(tx, id, t.Status, "in_progress", agentName, now); err != nil {
				return nil, err
			}
		}

	default:
		// review-stage pull: the stage's worker set decides eligibility,
		// status does not change
		eligible := f.WorkersFor(t.Status, t.ClassRequired)
		if eligible == nil {
			// no worker set means the assignee carries this stage; anyone
			// else landing here lost the pull race
			if t.Assignee() != agentName {
				return nil, minionerr.ErrAlreadyPulled.Withf("pick another task",
					"task %d was taken by another agent", id)
			}
		} else if !containsString(eligible, caller.Class) {
			return nil, minionerr.ErrWorkerClassMismatch.Withf("not a worker of this stage",
				"stage %s of task %d accepts %v", t.Status, id, eligible)
		}
		res, err := tx.Exec(`
			UPDATE tasks SET assigned_to = ?, activity_count = activity_count + 1, updated_at = ?
			WHERE id = ? AND status = ? AND (assigned_to IS NULL OR assigned_to = ?)`,
			agentName, db.NowISO(), id, t.Status, agentName)
		if err != nil {
			return nil, fmt.Errorf("failed to pull task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, minionerr.ErrAlreadyPulled.Withf("pick another task",
				"task %d was taken by another agent", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task pulled",
		zap.Int64("task_id", id),
		zap.String("agent", agentName),
		zap.String("status", updated.Status))
	s.publishTransition(ctx, id, t.Status, updated.Status, agentName)
	return &TransitionResult{Task: updated, From: t.Status, To: updated.Status}, nil
}

// UpdateParams are the mutable fields of update_task.
type UpdateParams struct {
	Progress *string
	Files    *string
	Status   *string // must equal the current stage; stage moves go through complete_phase
}

// Update mutates progress and files within the current stage. A status
// argument naming any other stage is rejected: transitions belong to
// complete_phase.
func (s *Service) Update(ctx context.Context, agentName string, id int64, p UpdateParams) (*Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != nil && *p.Status != t.Status {
		return nil, minionerr.ErrInvalidTransition.Withf("use complete-phase to advance the task",
			"update-task cannot move %s to %s", t.Status, *p.Status)
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{db.NowISO()}
	if p.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *p.Progress)
	}
	if p.Files != nil {
		sets = append(sets, "files = ?")
		args = append(args, *p.Files)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", "))
	if _, err := s.store.DB.Exec(query, args...); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return s.Get(ctx, id)
}

// SubmitResult stores the result file path. Required before transitions
// whose stage demands submit_result.
func (s *Service) SubmitResult(ctx context.Context, agentName string, id int64, resultFile string) (*Task, error) {
	if resultFile == "" {
		return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "empty_result_file"}
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a := t.Assignee(); a != "" && a != agentName {
		return nil, minionerr.ErrWorkerClassMismatch.Withf("only the assignee submits the result",
			"task %d is assigned to %s", id, a)
	}
	if _, err := s.store.DB.Exec(
		"UPDATE tasks SET result_file = ?, updated_at = ? WHERE id = ?",
		resultFile, db.NowISO(), id); err != nil {
		return nil, fmt.Errorf("failed to submit result: %w", err)
	}
	return s.Get(ctx, id)
}

// CompletePhase routes a task along its flow: the fail edge when failed,
// the next edge otherwise. The caller must be a worker of the current
// stage; when the next stage belongs to a different worker set the task
// returns to the pool.
func (s *Service) CompletePhase(ctx context.Context, agentName string, id int64, failed bool) (*TransitionResult, error) {
	ctx, span := tracing.StartTransition(ctx, id, "complete_phase")
	defer span.End()
	res, err := s.completePhase(ctx, agentName, id, failed)
	tracing.RecordResult(span, err)
	return res, err
}

func (s *Service) completePhase(ctx context.Context, agentName string, id int64, failed bool) (*TransitionResult, error) {
	caller, err := s.agents.Get(agentName)
	if err != nil {
		return nil, err
	}

	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin complete_phase: %w", err)
	}
	defer tx.Rollback()

	t, f, err := s.taskAndFlow(tx, id)
	if err != nil {
		return nil, err
	}
	if f.IsTerminal(t.Status) {
		return nil, minionerr.ErrInvalidTransition.Withf("the task is finished",
			"task %d is %s (terminal)", id, t.Status)
	}

	target := f.NextStatus(t.Status, !failed)
	if target == "" {
		return nil, minionerr.ErrInvalidTransition.Withf("no such edge in the flow",
			"stage %s has no %s edge", t.Status, edgeName(failed))
	}

	for _, req := range f.Requires(t.Status) {
		if req == "submit_result" && t.Result() == "" {
			return nil, minionerr.ErrMissingResult.Withf("run submit-result first",
				"stage %s requires a result file", t.Status)
		}
	}

	eligible := f.WorkersFor(t.Status, t.ClassRequired)
	if eligible == nil {
		if a := t.Assignee(); a != "" && a != agentName {
			return nil, minionerr.ErrWorkerClassMismatch.Withf("only the assignee works this stage",
				"task %d is assigned to %s", id, a)
		}
	} else if !containsString(eligible, caller.Class) {
		return nil, minionerr.ErrWorkerClassMismatch.Withf("not a worker of this stage",
			"stage %s of task %d accepts %v, %s is %s", t.Status, id, eligible, agentName, caller.Class)
	}

	// a stage with its own worker set hands the task back to the pool
	var assignTo *string
	if f.WorkersFor(target, t.ClassRequired) != nil {
		assignTo = nil
	} else {
		a := agentName
		assignTo = &a
	}

	if err := s.transitionTx(tx, t, target, agentName, assignTo); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	result := &TransitionResult{Task: updated, From: t.Status, To: target}
	if updated.ActivityCount >= activityWarnAt {
		result.Warning = fmt.Sprintf("task %d has %d transitions; this fight is dragging",
			id, updated.ActivityCount)
	}
	s.logger.Info("phase completed",
		zap.Int64("task_id", id),
		zap.String("from", t.Status),
		zap.String("to", target),
		zap.String("agent", agentName),
		zap.Bool("failed", failed))
	s.publishTransition(ctx, id, t.Status, target, agentName)
	return result, nil
}

// Close moves a task to its terminal stage. Lead-only, or the assignee
// closing their own task; a result file is mandatory either way.
func (s *Service) Close(ctx context.Context, callerName string, id int64) (*TransitionResult, error) {
	caller, err := s.agents.Get(callerName)
	if err != nil {
		return nil, err
	}

	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin close: %w", err)
	}
	defer tx.Rollback()

	t, f, err := s.taskAndFlow(tx, id)
	if err != nil {
		return nil, err
	}
	if caller.Class != auth.ClassLead && t.Assignee() != callerName {
		return nil, minionerr.ErrClassDenied.Withf("only the lead or the assignee closes a task",
			"task %d is assigned to %q", id, t.Assignee())
	}
	if t.Result() == "" {
		return nil, minionerr.ErrMissingResult.Withf("run submit-result first",
			"task %d has no result file", id)
	}
	if f.IsTerminal(t.Status) {
		return nil, minionerr.ErrInvalidTransition.Withf("the task is finished",
			"task %d is already %s", id, t.Status)
	}

	terminal := terminalStage(f)
	if terminal == "" {
		return nil, minionerr.ErrInvalidTransition.Withf("flow has no terminal stage",
			"flow %s", t.FlowType)
	}
	if err := s.transitionTx(tx, t, terminal, callerName, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publishTransition(ctx, id, t.Status, terminal, callerName)
	return &TransitionResult{Task: updated, From: t.Status, To: terminal}, nil
}

// Reopen moves a terminal task back to a named earlier stage and clears the
// assignee. Lead-only; the allowlist is enforced at the command layer.
func (s *Service) Reopen(ctx context.Context, callerName string, id int64, toStage string) (*TransitionResult, error) {
	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin reopen: %w", err)
	}
	defer tx.Rollback()

	t, f, err := s.taskAndFlow(tx, id)
	if err != nil {
		return nil, err
	}
	if !f.IsTerminal(t.Status) {
		return nil, minionerr.ErrInvalidTransition.Withf("only finished tasks reopen",
			"task %d is still %s", id, t.Status)
	}
	if !f.HasStage(toStage) {
		return nil, minionerr.ErrInvalidTransition.Withf("pick a stage of the flow",
			"flow %s has no stage %q", t.FlowType, toStage)
	}
	if f.IsTerminal(toStage) {
		return nil, minionerr.ErrInvalidTransition.With("cannot reopen to a terminal stage",
			"pick an active stage")
	}
	if err := s.transitionTx(tx, t, toStage, callerName, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publishTransition(ctx, id, t.Status, toStage, callerName)
	return &TransitionResult{Task: updated, From: t.Status, To: toStage}, nil
}

// Transition is the manual escape hatch: move a task along any single valid
// edge out of the current stage.
func (s *Service) Transition(ctx context.Context, callerName string, id int64, toStage string) (*TransitionResult, error) {
	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transition: %w", err)
	}
	defer tx.Rollback()

	t, f, err := s.taskAndFlow(tx, id)
	if err != nil {
		return nil, err
	}
	if !containsString(f.ValidTransitions(t.Status), toStage) {
		return nil, minionerr.ErrInvalidTransition.Withf("no such edge in the flow",
			"%s -> %s is not an edge of flow %s", t.Status, toStage, t.FlowType)
	}
	if err := s.transitionTx(tx, t, toStage, callerName, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publishTransition(ctx, id, t.Status, toStage, callerName)
	return &TransitionResult{Task: updated, From: t.Status, To: toStage}, nil
}

// History returns the ordered transition history of a task.
func (s *Service) History(ctx context.Context, id int64) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.store.RO.Select(&entries,
		"SELECT * FROM task_history WHERE task_id = ? ORDER BY id ASC", id)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return entries, nil
}

// GetLineage returns the task, its history, and the rendered DAG.
func (s *Service) GetLineage(ctx context.Context, id int64) (*Lineage, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := s.flows.Load(t.FlowType)
	if err != nil {
		return nil, err
	}
	history, err := s.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Lineage{
		Task:    t,
		History: history,
		Stages:  f.StageNames(),
		DAG:     f.RenderDAG(t.Status),
	}, nil
}

// Claimable returns tasks the agent could work on, highest priority first:
// its own active assignments, then open tasks of its class, then review
// stages its class is eligible for.
func (s *Service) Claimable(ctx context.Context, agentName string) ([]*Task, error) {
	caller, err := s.agents.Get(agentName)
	if err != nil {
		return nil, err
	}

	if set, err := trigger.FlagSet(s.store.RO, trigger.FlagMoonCrash); err != nil {
		return nil, err
	} else if set {
		return nil, nil
	}

	all, err := s.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	var mine, open, review []*Task
	for _, t := range all {
		f, err := s.flows.Load(t.FlowType)
		if err != nil || f.IsTerminal(t.Status) || f.IsDeadEnd(t.Status) {
			continue
		}
		switch {
		case t.Assignee() == agentName:
			mine = append(mine, t)
		case t.Status == f.Initial && t.Assignee() == "" && caller.Class == t.ClassRequired:
			if blocked, err := s.openBlockers(s.store.RO, t); err == nil && len(blocked) == 0 {
				open = append(open, t)
			}
		case t.Assignee() == "" && containsString(f.WorkersFor(t.Status, t.ClassRequired), caller.Class):
			review = append(review, t)
		}
	}
	return append(append(mine, open...), review...), nil
}

// taskAndFlow loads a task and its resolved flow inside a transaction.
func (s *Service) taskAndFlow(tx *sqlx.Tx, id int64) (*Task, *flow.Flow, error) {
	var t Task
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE id = ?", taskColumns)
	if err := tx.Get(&t, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, minionerr.NotFound("task", fmt.Sprintf("%d", id))
		}
		return nil, nil, fmt.Errorf("failed to load task: %w", err)
	}
	f, err := s.flows.Load(t.FlowType)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load flow %s: %w", t.FlowType, err)
	}
	if !f.HasStage(t.Status) {
		return nil, nil, minionerr.ErrCorruption.Withf("",
			"task %d status %q is not a stage of flow %s", id, t.Status, t.FlowType)
	}
	return &t, f, nil
}

// openBlockers returns the blockers of t that are not yet terminal.
func (s *Service) openBlockers(q sqlx.Queryer, t *Task) ([]int64, error) {
	var open []int64
	for _, bid := range t.BlockedByIDs() {
		var b Task
		query := fmt.Sprintf("SELECT %s FROM tasks WHERE id = ?", taskColumns)
		if err := sqlx.Get(q, &b, query, bid); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue // a deleted blocker does not block
			}
			return nil, fmt.Errorf("failed to load blocker %d: %w", bid, err)
		}
		bf, err := s.flows.Load(b.FlowType)
		if err != nil {
			return nil, err
		}
		if !bf.IsTerminal(b.Status) {
			open = append(open, bid)
		}
	}
	return open, nil
}

// transitionTx applies one audited transition inside a transaction.
// assignTo nil clears the assignee; otherwise the named agent keeps it.
func (s *Service) transitionTx(tx *sqlx.Tx, t *Task, target, byAgent string, assignTo *string) error {
	now := db.NowISO()
	var assignee interface{}
	if assignTo != nil {
		assignee = *assignTo
	}
	if _, err := tx.Exec(`
		UPDATE tasks SET status = ?, assigned_to = ?,
			activity_count = activity_count + 1, updated_at = ?
		WHERE id = ?`,
		target, assignee, now, t.ID); err != nil {
		return fmt.Errorf("failed to transition task: %w", err)
	}
	return insertHistory(tx, t.ID, t.Status, target, byAgent, now)
}

func insertHistory(tx *sqlx.Tx, taskID int64, from, to, agentName, ts string) error {
	if _, err := tx.Exec(
		"INSERT INTO task_history (task_id, from_status, to_status, agent, timestamp) VALUES (?, ?, ?, ?, ?)",
		taskID, from, to, agentName, ts); err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

func (s *Service) publishTransition(ctx context.Context, id int64, from, to, by string) {
	bus.Publish(ctx, s.bus, bus.SubjectTaskTransition,
		bus.NewEvent("task.transitioned", "task", map[string]any{
			"task_id": id, "from": from, "to": to, "agent": by,
		}))
}

func terminalStage(f *flow.Flow) string {
	if f.HasStage("closed") && f.IsTerminal("closed") {
		return "closed"
	}
	for _, name := range f.StageNames() {
		if f.IsTerminal(name) && !f.IsDeadEnd(name) {
			return name
		}
	}
	return ""
}

func edgeName(failed bool) string {
	if failed {
		return "fail"
	}
	return "next"
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
