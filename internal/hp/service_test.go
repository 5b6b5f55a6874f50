package hp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minionhq/minion/internal/agent"
	"github.com/minionhq/minion/internal/auth"
	"github.com/minionhq/minion/internal/common/config"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/db"
)

func newTestService(t *testing.T) (*Service, *agent.Service, *db.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Open(filepath.Join(dir, "minion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := agent.NewRepository(store)
	agents := agent.NewService(repo, auth.DefaultRegistry(), nil, 200_000, log)
	cfg := config.HPConfig{AlertThresholds: []int{25, 10}, WoundedBelow: 50, CriticalBelow: 25}
	svc := NewService(store, repo, cfg, 200_000, filepath.Join(dir, "inbox"), nil, log)
	return svc, agents, store
}

func leadUnread(t *testing.T, store *db.Store) int {
	t.Helper()
	var n int
	require.NoError(t, store.RO.Get(&n,
		"SELECT COUNT(*) FROM messages WHERE to_agent = 'boss' AND read_flag = 0"))
	return n
}

func TestUnknownWithoutTelemetry(t *testing.T) {
	svc, agents, _ := newTestService(t)
	ctx := context.Background()

	_, err := agents.Register(ctx, "c1", "coder", "", agent.TransportDaemon)
	require.NoError(t, err)

	rep, err := svc.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, rep.State)
	assert.Equal(t, agent.HPModeNone, rep.Mode)
	assert.Zero(t, rep.Percent)
}

func TestDaemonUpdateComputesHP(t *testing.T) {
	svc, agents, _ := newTestService(t)
	ctx := context.Background()

	_, err := agents.Register(ctx, "c1", "coder", "", agent.TransportDaemon)
	require.NoError(t, err)

	rep, err := svc.Update(ctx, "c1", Usage{TurnInput: 60_000, TurnOutput: 2_000, ContextWindow: 200_000},
		UpdateOptions{CreditCumulative: true})
	require.NoError(t, err)
	assert.Equal(t, 70, rep.Percent)
	assert.Equal(t, StateHealthy, rep.State)
	assert.Equal(t, agent.HPModeDaemon, rep.Mode)

	snap, err := svc.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, 70, snap.Percent)
}

func TestAlertsFireOncePerRun(t *testing.T) {
	svc, agents, store := newTestService(t)
	ctx := context.Background()

	_, err := agents.Register(ctx, "boss", "lead", "", agent.TransportTerminal)
	require.NoError(t, err)
	_, err = agents.Register(ctx, "c1", "coder", "", agent.TransportDaemon)
	require.NoError(t, err)

	// drop to 20%: crosses 25, not 10
	_, err = svc.Update(ctx, "c1", Usage{TurnInput: 160_000, ContextWindow: 200_000}, UpdateOptions{CreditCumulative: true})
	require.NoError(t, err)
	assert.Equal(t, 1, leadUnread(t, store))

	// stay at 20%: no re-fire
	_, err = svc.Update(ctx, "c1", Usage{TurnInput: 160_000, ContextWindow: 200_000}, UpdateOptions{CreditCumulative: true})
	require.NoError(t, err)
	assert.Equal(t, 1, leadUnread(t, store))

	// drop to 5%: crosses 10
	_, err = svc.Update(ctx, "c1", Usage{TurnInput: 190_000, ContextWindow: 200_000}, UpdateOptions{CreditCumulative: true})
	require.NoError(t, err)
	assert.Equal(t, 2, leadUnread(t, store))

	// still 5%: nothing new
	_, err = svc.Update(ctx, "c1", Usage{TurnInput: 190_000, ContextWindow: 200_000}, UpdateOptions{CreditCumulative: true})
	require.NoError(t, err)
	assert.Equal(t, 2, leadUnread(t, store))
}

func TestAlertsRearmAfterRecovery(t *testing.T) {
	svc, agents, store := newTestService(t)
	ctx := context.Background()

	_, err := agents.Register(ctx, "boss", "lead", "", agent.TransportTerminal)
	require.NoError(t, err)
	_, err = agents.Register(ctx, "c1", "coder", "", agent.TransportDaemon)
	require.NoError(t, err)

	_, err = svc.Update(ctx, "c1", Usage{TurnInput: 160_000, ContextWindow: 200_000}, UpdateOptions{CreditCumulative: true})
	require.NoError(t, err)
	assert.Equal(t, 1, leadUnread(t, store))

	// back above 50%: alerts re-arm
	rep, err := svc.Update(ctx, "c1", Usage{TurnInput: 40_000, ContextWindow: 200_000}, UpdateOptions{CreditCumulative: true})
	require.NoError(t, err)
	assert.Equal(t, 80, rep.Percent)

	_, err = svc.Update(ctx, "c1", Usage{TurnInput: 160_000, ContextWindow: 200_000}, UpdateOptions{CreditCumulative: true})
	require.NoError(t, err)
	assert.Equal(t, 2, leadUnread(t, store))
}

func TestFailureLoopNotCredited(t *testing.T) {
	svc, agents, store := newTestService(t)
	ctx := context.Background()

	_, err := agents.Register(ctx, "c1", "coder", "", agent.TransportDaemon)
	require.NoError(t, err)

	_, err = svc.Update(ctx, "c1", Usage{TurnInput: 50_000, TurnOutput: 1_000, ContextWindow: 200_000},
		UpdateOptions{CreditCumulative: true})
	require.NoError(t, err)
	_, err = svc.Update(ctx, "c1", Usage{TurnInput: 50_000, TurnOutput: 1_000, ContextWindow: 200_000},
		UpdateOptions{CreditCumulative: false})
	require.NoError(t, err)

	var cumIn, cumOut int64
	require.NoError(t, store.RO.Get(&cumIn, "SELECT hp_input_tokens FROM agents WHERE name = 'c1'"))
	require.NoError(t, store.RO.Get(&cumOut, "SELECT hp_output_tokens FROM agents WHERE name = 'c1'"))
	assert.Equal(t, int64(50_000), cumIn)
	assert.Equal(t, int64(1_000), cumOut)
}

func TestDaemonUpdateSupersedesSelfReported(t *testing.T) {
	svc, agents, _ := newTestService(t)
	ctx := context.Background()

	_, err := agents.Register(ctx, "c1", "coder", "", agent.TransportDaemon)
	require.NoError(t, err)
	hpPct := 30
	require.NoError(t, agents.SetContext(ctx, "c1", agent.ContextUpdate{Summary: "x", HPPercent: &hpPct}))

	snap, err := svc.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, agent.HPModeSelfReported, snap.Mode)
	assert.Equal(t, 30, snap.Percent)

	// next provider turn puts the agent back in daemon mode
	rep, err := svc.Update(ctx, "c1", Usage{TurnInput: 20_000, ContextWindow: 200_000}, UpdateOptions{CreditCumulative: true})
	require.NoError(t, err)
	assert.Equal(t, agent.HPModeDaemon, rep.Mode)
	assert.Equal(t, 90, rep.Percent)
}
