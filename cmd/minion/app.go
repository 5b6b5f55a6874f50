package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/minionhq/minion/internal/agent"
	"github.com/minionhq/minion/internal/auth"
	"github.com/minionhq/minion/internal/claims"
	"github.com/minionhq/minion/internal/comms"
	"github.com/minionhq/minion/internal/common/config"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/common/tracing"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/events/bus"
	"github.com/minionhq/minion/internal/flow"
	"github.com/minionhq/minion/internal/hp"
	"github.com/minionhq/minion/internal/lifecycle"
	"github.com/minionhq/minion/internal/monitor"
	"github.com/minionhq/minion/internal/task"
	"github.com/minionhq/minion/internal/warroom"
)

// app wires the services behind every command. Construction is lazy: the
// datastore opens on first use so help and version never touch disk.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	store    *db.Store
	bus      bus.EventBus
	registry *auth.Registry

	agents  *agent.Service
	comms   *comms.Service
	tasks   *task.Service
	claims  *claims.Service
	hp      *hp.Service
	plans   *warroom.Service
	life    *lifecycle.Service
	monitor *monitor.Service
	flows   *flow.Loader
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log}, nil
}

// open connects the datastore and builds the service graph.
func (a *app) open() error {
	if a.store != nil {
		return nil
	}
	if err := a.cfg.EnsureRuntimeDirs(); err != nil {
		return err
	}
	store, err := db.Open(a.cfg.Paths.DBPath)
	if err != nil {
		return err
	}
	a.store = store

	eventBus, err := bus.New(a.cfg.NATS, a.log)
	if err != nil {
		a.log.Warn("event bus unavailable, continuing without one")
		eventBus = nil
	}
	a.bus = eventBus

	registry, err := auth.LoadRegistry(a.cfg.Paths.DocsDir)
	if err != nil {
		return err
	}
	a.registry = registry

	window := int64(a.cfg.Daemon.ContextWindow)
	repo := agent.NewRepository(store)
	a.agents = agent.NewService(repo, registry, eventBus, window, a.log)
	a.plans = warroom.NewService(store,
		a.cfg.Paths.BattlePlanDir(), a.cfg.Paths.RaidLogDir(), a.cfg.Project, a.log)
	a.comms = comms.NewService(store, a.agents, a.plans, registry, a.cfg.Paths.InboxDir(), eventBus, a.log)
	a.flows = flow.NewLoader(a.cfg.Paths.FlowsDir())
	a.tasks = task.NewService(store, a.flows, a.plans, repo, window, eventBus, a.log)
	a.claims = claims.NewService(store, eventBus, a.log)
	a.hp = hp.NewService(store, repo, a.cfg.HP, window, a.cfg.Paths.InboxDir(), eventBus, a.log)
	a.life = lifecycle.NewService(store, a.agents, a.plans, a.tasks, a.cfg.Paths.InboxDir(), window, a.log)
	a.monitor = monitor.NewService(store, a.agents, a.comms, a.tasks, a.plans, window, a.log)
	return nil
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	_ = tracing.Shutdown(context.Background())
	if a.log != nil {
		_ = a.log.Sync()
	}
}

// authorize gates a command on the caller's class from CALLER_CLASS.
func (a *app) authorize(command string) error {
	return a.registry.Authorize(a.cfg.Caller.Class, command)
}

// printJSON writes the command result to stdout. All output is JSON so
// agents can parse it without scraping.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// okResult is the uniform envelope for commands without a richer payload.
type okResult struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func printOK(detail string) error {
	return printJSON(okResult{OK: true, Detail: detail})
}
