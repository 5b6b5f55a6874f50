package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/minionhq/minion/internal/auth"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/events/bus"
	"github.com/minionhq/minion/internal/minionerr"
)

// Service implements registry operations over the repository.
type Service struct {
	repo     *Repository
	registry *auth.Registry
	bus      bus.EventBus
	logger   *logger.Logger

	// defaultLimit is the token limit assumed when an agent self-reports an
	// HP percentage without supplying its own limit.
	defaultLimit int64

	now func() time.Time
}

// NewService creates a new registry service. The event bus may be nil.
func NewService(repo *Repository, registry *auth.Registry, eventBus bus.EventBus, defaultLimit int64, log *logger.Logger) *Service {
	return &Service{
		repo:         repo,
		registry:     registry,
		bus:          eventBus,
		logger:       log,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

// Register creates or refreshes a registration. Idempotent on name.
func (s *Service) Register(ctx context.Context, name, class, model, transport string) (*Agent, error) {
	if name == "" {
		return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "invalid_name", Observed: "empty agent name"}
	}
	if !s.registry.ValidClass(class) {
		return nil, minionerr.ErrClassDenied.Withf("pick one of the registered classes",
			"unknown class %q", class)
	}
	if transport == "" {
		transport = TransportDaemon
	}
	if transport != TransportDaemon && transport != TransportTerminal {
		return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "invalid_transport",
			Observed: fmt.Sprintf("transport %q", transport), Hint: "use daemon or terminal"}
	}

	if err := s.repo.Upsert(name, class, model, transport); err != nil {
		return nil, err
	}

	s.logger.Info("agent registered",
		zap.String("agent", name),
		zap.String("class", class),
		zap.String("transport", transport))
	bus.Publish(ctx, s.bus, bus.SubjectAgentRegistered,
		bus.NewEvent("agent.registered", "registry", map[string]any{
			"agent": name,
			"class": class,
		}))

	return s.repo.Get(name)
}

// Deregister removes an agent.
func (s *Service) Deregister(ctx context.Context, name string) error {
	if err := s.repo.Delete(name); err != nil {
		return err
	}
	s.logger.Info("agent deregistered", zap.String("agent", name))
	bus.Publish(ctx, s.bus, bus.SubjectAgentRetired,
		bus.NewEvent("agent.retired", "registry", map[string]any{"agent": name}))
	return nil
}

// Rename changes an agent's name and rewrites all references atomically.
func (s *Service) Rename(ctx context.Context, oldName, newName string) error {
	if newName == "" || newName == oldName {
		return &minionerr.Error{Kind: minionerr.KindUser, Rule: "invalid_name",
			Observed: fmt.Sprintf("rename %q -> %q", oldName, newName)}
	}
	if exists, err := s.repo.Exists(newName); err != nil {
		return err
	} else if exists {
		return &minionerr.Error{Kind: minionerr.KindUser, Rule: "name_taken",
			Observed: fmt.Sprintf("agent %q already registered", newName)}
	}
	if err := s.repo.Rename(oldName, newName); err != nil {
		return err
	}
	s.logger.Info("agent renamed", zap.String("from", oldName), zap.String("to", newName))
	return nil
}

// ContextUpdate carries the optional fields of a set_context call.
type ContextUpdate struct {
	Summary       string
	TokensUsed    int64
	TokensLimit   int64
	HPPercent     *int // agent-reported health; switches hp_mode to self-reported
	FilesModified []string
}

// SetContext updates the context summary and freshness timestamp. A supplied
// HP reading switches the agent to self-reported mode until the next
// provider turn.
func (s *Service) SetContext(ctx context.Context, name string, upd ContextUpdate) error {
	if err := s.repo.UpdateContext(name, upd.Summary); err != nil {
		return err
	}

	if upd.HPPercent != nil || upd.TokensUsed > 0 {
		limit := upd.TokensLimit
		if limit <= 0 {
			limit = s.defaultLimit
		}
		used := upd.TokensUsed
		if used == 0 && upd.HPPercent != nil {
			pct := *upd.HPPercent
			if pct < 0 {
				pct = 0
			}
			if pct > 100 {
				pct = 100
			}
			used = limit * int64(100-pct) / 100
		}
		if err := s.repo.SetSelfReportedHP(name, used, limit); err != nil {
			return err
		}
	}

	s.logger.Debug("context updated",
		zap.String("agent", name),
		zap.Int("files_modified", len(upd.FilesModified)))
	return nil
}

// SetStatus updates the free-text status line.
func (s *Service) SetStatus(ctx context.Context, name, status string) error {
	return s.repo.UpdateStatus(name, status)
}

// Presence is one row of a who() report.
type Presence struct {
	Agent      *Agent `json:"agent"`
	Liveness   string `json:"liveness"`
	ContextAge string `json:"context_age,omitempty"` // empty when context never set
	Stale      bool   `json:"stale"`
}

// Who returns every registered agent with computed liveness and staleness.
func (s *Service) Who(ctx context.Context) ([]Presence, error) {
	agents, err := s.repo.List()
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]Presence, 0, len(agents))
	for _, a := range agents {
		p := Presence{Agent: a, Liveness: a.Liveness(now)}
		if age, ok := a.ContextAge(now); ok {
			p.ContextAge = age.Truncate(time.Second).String()
			p.Stale = age > s.registry.Staleness(a.Class)
		} else {
			p.Stale = true
		}
		out = append(out, p)
	}
	return out, nil
}

// Get returns one agent.
func (s *Service) Get(ctx context.Context, name string) (*Agent, error) {
	return s.repo.Get(name)
}

// Freshness describes an agent's context age against its class window.
type Freshness struct {
	Agent  string        `json:"agent"`
	Class  string        `json:"class"`
	Age    time.Duration `json:"age"`
	Window time.Duration `json:"window"`
	Fresh  bool          `json:"fresh"`
	Never  bool          `json:"never"` // context never set
}

// CheckFreshness computes context staleness for one agent.
func (s *Service) CheckFreshness(ctx context.Context, name string) (*Freshness, error) {
	a, err := s.repo.Get(name)
	if err != nil {
		return nil, err
	}
	window := s.registry.Staleness(a.Class)
	f := &Freshness{Agent: a.Name, Class: a.Class, Window: window}
	age, ok := a.ContextAge(s.now())
	if !ok {
		f.Never = true
		return f, nil
	}
	f.Age = age
	f.Fresh = age <= window
	return f, nil
}

// Exists reports whether an agent is registered.
func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	return s.repo.Exists(name)
}

// ClassMembers returns the registered agents of a class, ordered by name.
func (s *Service) ClassMembers(ctx context.Context, class string) ([]string, error) {
	return s.repo.ClassMembers(class)
}

// TouchSeen refreshes the agent's last_seen timestamp.
func (s *Service) TouchSeen(ctx context.Context, name string) error {
	return s.repo.TouchSeen(name)
}

// TouchInboxCheck refreshes last_inbox_check and last_seen.
func (s *Service) TouchInboxCheck(ctx context.Context, name string) error {
	return s.repo.TouchInboxCheck(name)
}

// RequireFresh is the send gate: it fails with StaleContext when the agent's
// context summary is older than its class staleness window.
func (s *Service) RequireFresh(ctx context.Context, name string) error {
	f, err := s.CheckFreshness(ctx, name)
	if err != nil {
		return err
	}
	if f.Never {
		return minionerr.ErrStaleContext.With("context never set", "run set-context first")
	}
	if !f.Fresh {
		return minionerr.ErrStaleContext.Withf("run set-context to refresh",
			"context is %s old, window for %s is %s",
			f.Age.Truncate(time.Second), f.Class, f.Window)
	}
	return nil
}
