// Package monitor provides the read-only observability surface: party
// status, situation reports, staleness sweeps, and a blocking inbox poll.
package monitor

import (
	"context"
	"time"

	"github.com/minionhq/minion/internal/agent"
	"github.com/minionhq/minion/internal/comms"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/hp"
	"github.com/minionhq/minion/internal/minionerr"
	"github.com/minionhq/minion/internal/task"
	"github.com/minionhq/minion/internal/trigger"
	"github.com/minionhq/minion/internal/warroom"
)

// pollTick is the datastore re-check interval inside wait_for_message.
const pollTick = 2 * time.Second

// Service aggregates read paths from the other services.
type Service struct {
	store          *db.Store
	agents         *agent.Service
	comms          *comms.Service
	tasks          *task.Service
	plans          *warroom.Service
	fallbackWindow int64
	logger         *logger.Logger
}

// NewService creates a monitor service.
func NewService(store *db.Store, agents *agent.Service, commsSvc *comms.Service, tasks *task.Service, plans *warroom.Service, fallbackWindow int64, log *logger.Logger) *Service {
	return &Service{
		store:          store,
		agents:         agents,
		comms:          commsSvc,
		tasks:          tasks,
		plans:          plans,
		fallbackWindow: fallbackWindow,
		logger:         log,
	}
}

// AgentStatus is one row of party_status: presence plus health plus load.
type AgentStatus struct {
	agent.Presence
	HP          *hp.Report `json:"hp"`
	ActiveTasks int        `json:"active_tasks"`
	Unread      int        `json:"unread"`
}

// PartyStatus reports every registered agent with health and workload.
func (s *Service) PartyStatus(ctx context.Context) ([]AgentStatus, error) {
	presences, err := s.agents.Who(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]AgentStatus, 0, len(presences))
	for _, p := range presences {
		st := AgentStatus{
			Presence: p,
			HP:       hp.SnapshotOf(p.Agent, s.fallbackWindow),
		}
		if err := s.store.RO.Get(&st.ActiveTasks,
			"SELECT COUNT(*) FROM tasks WHERE assigned_to = ? AND status NOT IN ('closed', 'reported')",
			p.Agent.Name); err != nil {
			return nil, err
		}
		unread, err := s.comms.UnreadCount(ctx, p.Agent.Name)
		if err != nil {
			return nil, err
		}
		st.Unread = unread
		out = append(out, st)
	}
	return out, nil
}

// TaskCounts is the per-status task tally.
type TaskCounts struct {
	Status string `db:"status" json:"status"`
	Count  int    `db:"count" json:"count"`
}

// Sitrep is the one-call situation report.
type Sitrep struct {
	Plan      *warroom.Plan      `json:"plan,omitempty"`
	Flags     []trigger.Flag     `json:"flags,omitempty"`
	Agents    []AgentStatus      `json:"agents"`
	Tasks     []TaskCounts       `json:"tasks"`
	RecentLog []warroom.LogEntry `json:"recent_log,omitempty"`
}

// GetSitrep assembles the situation report: plan, flags, party, task
// tallies, and the recent war-room log.
func (s *Service) GetSitrep(ctx context.Context) (*Sitrep, error) {
	rep := &Sitrep{}

	if plan, err := s.plans.GetPlan(ctx); err == nil {
		rep.Plan = plan
	}

	flags, err := trigger.GetFlags(s.store)
	if err != nil {
		return nil, err
	}
	rep.Flags = flags

	agents, err := s.PartyStatus(ctx)
	if err != nil {
		return nil, err
	}
	rep.Agents = agents

	if err := s.store.RO.Select(&rep.Tasks,
		"SELECT status, COUNT(*) AS count FROM tasks GROUP BY status ORDER BY status"); err != nil {
		return nil, err
	}

	if entries, err := s.plans.GetLog(ctx, 10); err == nil {
		rep.RecentLog = entries
	}
	return rep, nil
}

// StalledTask is a non-terminal task without recent updates.
type StalledTask struct {
	Task     *task.Task    `json:"task"`
	IdleFor  time.Duration `json:"idle_for"`
	Assignee string        `json:"assignee,omitempty"`
}

// CheckActivity flags non-terminal tasks that have not moved inside the
// window.
func (s *Service) CheckActivity(ctx context.Context, window time.Duration) ([]StalledTask, error) {
	tasks, err := s.tasks.List(ctx, task.ListFilter{})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var stalled []StalledTask
	for _, t := range tasks {
		if t.Status == "closed" || t.Status == "reported" {
			continue
		}
		updated, err := time.Parse(time.RFC3339Nano, t.UpdatedAt)
		if err != nil {
			continue
		}
		idle := now.Sub(updated)
		if idle < window {
			continue
		}
		stalled = append(stalled, StalledTask{Task: t, IdleFor: idle, Assignee: t.Assignee()})
	}
	return stalled, nil
}

// CheckFreshness sweeps every agent's context age against its class window.
func (s *Service) CheckFreshness(ctx context.Context) ([]agent.Freshness, error) {
	presences, err := s.agents.Who(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]agent.Freshness, 0, len(presences))
	for _, p := range presences {
		f, err := s.agents.CheckFreshness(ctx, p.Agent.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, nil
}

// ErrPollTimeout is returned when wait_for_message sees nothing inside the
// deadline.
var ErrPollTimeout = &minionerr.Error{Kind: minionerr.KindUser, Rule: "poll_timeout"}

// WaitForMessage blocks until the agent has unread messages, the timeout
// passes, or the context is cancelled. Messages are returned unconsumed;
// the caller drains them with check_inbox.
func (s *Service) WaitForMessage(ctx context.Context, agentName string, timeout time.Duration) (int, error) {
	if _, err := s.agents.Get(ctx, agentName); err != nil {
		return 0, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollTick)
	defer tick.Stop()

	for {
		count, err := s.comms.UnreadCount(ctx, agentName)
		if err != nil {
			return 0, err
		}
		if count > 0 {
			return count, nil
		}

		select {
		case <-ctx.Done():
			return 0, minionerr.ErrStandDown.With("poll interrupted", "stopped by signal")
		case <-deadline.C:
			return 0, ErrPollTimeout.With("no messages before timeout", "re-poll or widen the timeout")
		case <-tick.C:
		}
	}
}
