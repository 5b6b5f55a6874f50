package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minionhq/minion/internal/agent"
	"github.com/minionhq/minion/internal/auth"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/flow"
	"github.com/minionhq/minion/internal/minionerr"
	"github.com/minionhq/minion/internal/task"
	"github.com/minionhq/minion/internal/warroom"
)

type fixture struct {
	dir    string
	store  *db.Store
	agents *agent.Service
	plans  *warroom.Service
	tasks  *task.Service
	life   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Open(filepath.Join(dir, "minion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := agent.NewRepository(store)
	agents := agent.NewService(repo, auth.DefaultRegistry(), nil, 200_000, log)
	plans := warroom.NewService(store,
		filepath.Join(dir, "battle-plans"), filepath.Join(dir, "raid-log"), "testproj", log)
	tasks := task.NewService(store, flow.NewLoader(filepath.Join(dir, "flows")), plans, repo, 200_000, nil, log)
	life := NewService(store, agents, plans, tasks, filepath.Join(dir, "inbox"), 200_000, log)

	ctx := context.Background()
	for _, a := range []struct{ name, class string }{
		{"boss", "lead"}, {"c1", "coder"},
	} {
		_, err := agents.Register(ctx, a.name, a.class, "", agent.TransportDaemon)
		require.NoError(t, err)
	}
	_, err = plans.SetPlan(ctx, "boss", "the plan")
	require.NoError(t, err)

	return &fixture{dir: dir, store: store, agents: agents, plans: plans, tasks: tasks, life: life}
}

func TestFenixDownAlwaysAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A dying agent is stale by definition. No freshness gate applies.
	rec, err := f.life.FenixDown(ctx, "c1",
		[]string{"notes/handoff.md", "src/fix.go"}, "auth fix half done, see handoff")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/handoff.md", "src/fix.go"}, rec.FileList())
	assert.Nil(t, rec.ConsumedAt)
}

func TestColdStartConsumesFenixRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.life.FenixDown(ctx, "c1", []string{"a.md"}, "first dump")
	require.NoError(t, err)
	_, err = f.life.FenixDown(ctx, "c1", []string{"b.md"}, "second dump")
	require.NoError(t, err)

	tk, err := f.tasks.Create(ctx, task.CreateParams{
		Title: "carry on", FlowType: "bugfix", ClassRequired: "coder", CreatedBy: "boss",
	})
	require.NoError(t, err)
	_, err = f.tasks.Assign(ctx, tk.ID, "c1", "boss")
	require.NoError(t, err)

	b, err := f.life.ColdStart(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, b.Fenix, 2)
	assert.Equal(t, "first dump", b.Fenix[0].Manifest)
	assert.Equal(t, "the plan", b.PlanText)
	require.Len(t, b.OpenTasks, 1)
	assert.Equal(t, "carry on", b.OpenTasks[0].Title)
	require.NotNil(t, b.HP)

	// Consumed: a second restart gets a clean slate.
	b2, err := f.life.ColdStart(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, b2.Fenix)
}

func TestPeekBriefingDoesNotConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.life.FenixDown(ctx, "c1", nil, "dump")
	require.NoError(t, err)

	b, err := f.life.PeekBriefing(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, b.Fenix, 1)

	b2, err := f.life.ColdStart(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, b2.Fenix, 1, "peek leaves records for the real cold start")
}

func TestFenixDownUnknownAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.life.FenixDown(context.Background(), "ghost", nil, "x")
	require.Error(t, err)
	assert.Equal(t, 1, minionerr.ExitCode(err))
}

func TestRetireLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.life.RetirePending(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, f.life.RetireAgent(ctx, "c1", "boss"))
	pending, err = f.life.RetirePending(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, f.life.ClearRetire(ctx, "c1"))
	pending, err = f.life.RetirePending(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestStandDownFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active, err := f.life.StandDownActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, f.life.StandDown(ctx, "boss"))
	active, err = f.life.StandDownActive(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, f.life.ClearStandDown(ctx))
	active, err = f.life.StandDownActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestInterruptAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.life.Interrupt(ctx, "c1"))
	pending, err := f.life.InterruptPending(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, f.life.Resume(ctx, "c1", "pick up where you left off"))
	pending, err = f.life.InterruptPending(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, pending)

	var count int
	require.NoError(t, f.store.RO.Get(&count,
		"SELECT COUNT(*) FROM messages WHERE to_agent = 'c1' AND from_agent = 'operator' AND read_flag = 0"))
	assert.Equal(t, 1, count, "resume delivers an unread message")
}

func TestHandOffZoneReleasesTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.DB.Exec("UPDATE agents SET current_zone = 'auth' WHERE name = 'c1'")
	require.NoError(t, err)

	tk, err := f.tasks.Create(ctx, task.CreateParams{
		Title: "zone work", FlowType: "bugfix", ClassRequired: "coder", CreatedBy: "boss", Zone: "auth",
	})
	require.NoError(t, err)
	_, err = f.tasks.Assign(ctx, tk.ID, "c1", "boss")
	require.NoError(t, err)

	require.NoError(t, f.life.HandOffZone(ctx, "c1", "boss", "auth"))

	got, err := f.tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Assignee(), "unfinished zone tasks return to the pool")

	var zone string
	require.NoError(t, f.store.RO.Get(&zone, "SELECT current_zone FROM agents WHERE name = 'boss'"))
	assert.Equal(t, "auth", zone)
}

func TestSpawnPartyFromConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfgPath := filepath.Join(f.dir, "crew.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
name: alpha
members:
  - name: a-lead
    class: lead
    model: opus
  - name: a-coder-1
    class: coder
  - name: a-oracle
    class: oracle
`), 0o644))

	cfg, err := LoadCrewConfig(cfgPath)
	require.NoError(t, err)
	require.Len(t, cfg.Members, 3)

	crew, err := f.life.SpawnParty(ctx, cfg, cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "alpha", crew.Name)
	assert.Nil(t, crew.StoppedAt)

	for _, name := range []string{"a-lead", "a-coder-1", "a-oracle"} {
		_, err := f.agents.Get(ctx, name)
		require.NoError(t, err, "member %s registered", name)
	}

	require.NoError(t, f.life.StopCrew(ctx, "alpha"))
	crews, err := f.life.ListCrews(ctx)
	require.NoError(t, err)
	require.Len(t, crews, 1)
	assert.NotNil(t, crews[0].StoppedAt)
}

func TestSpawnPartyRejectsBadClass(t *testing.T) {
	f := newFixture(t)

	cfg := &CrewConfig{Name: "bad", Members: []CrewMember{{Name: "x", Class: "wizard"}}}
	_, err := f.life.SpawnParty(context.Background(), cfg, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrClassDenied))
}

func TestStopCrewUnknown(t *testing.T) {
	f := newFixture(t)
	err := f.life.StopCrew(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, 1, minionerr.ExitCode(err))
}

func TestEndSessionDebrief(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, err := f.tasks.Create(ctx, task.CreateParams{
		Title: "done", FlowType: "bugfix", ClassRequired: "coder", CreatedBy: "boss",
	})
	require.NoError(t, err)
	_, err = f.store.DB.Exec("UPDATE tasks SET status = 'closed' WHERE id = ?", tk.ID)
	require.NoError(t, err)
	_, err = f.tasks.Create(ctx, task.CreateParams{
		Title: "open", FlowType: "bugfix", ClassRequired: "coder", CreatedBy: "boss",
	})
	require.NoError(t, err)

	d, err := f.life.EndSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.TasksClosed)
	assert.Equal(t, 1, d.TasksOpen)
}
