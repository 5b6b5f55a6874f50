package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minionhq/minion/internal/auth"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/minionerr"
)

func newTestService(t *testing.T) (*Service, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "minion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	svc := NewService(NewRepository(store), auth.DefaultRegistry(), nil, 200_000, log)
	return svc, store
}

func TestRegisterIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a1, err := svc.Register(ctx, "c1", "coder", "opus", TransportDaemon)
	require.NoError(t, err)
	assert.Equal(t, "coder", a1.Class)

	// re-register updates attributes in place, no duplicate row
	a2, err := svc.Register(ctx, "c1", "builder", "sonnet", TransportTerminal)
	require.NoError(t, err)
	assert.Equal(t, "builder", a2.Class)
	assert.Equal(t, "sonnet", a2.Model)

	who, err := svc.Who(ctx)
	require.NoError(t, err)
	assert.Len(t, who, 1)
}

func TestRegisterRejectsUnknownClass(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Register(context.Background(), "x1", "wizard", "", TransportDaemon)
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrClassDenied))
	assert.Equal(t, minionerr.ExitAuth, minionerr.ExitCode(err))
}

func TestDeregister(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "c1", "coder", "", TransportDaemon)
	require.NoError(t, err)
	require.NoError(t, svc.Deregister(ctx, "c1"))

	_, err = svc.Get(ctx, "c1")
	require.Error(t, err)

	err = svc.Deregister(ctx, "c1")
	require.Error(t, err)
	assert.Equal(t, minionerr.ExitUser, minionerr.ExitCode(err))
}

func TestWhoLiveness(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "fresh", "coder", "", TransportDaemon)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "idle", "coder", "", TransportDaemon)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "gone", "coder", "", TransportDaemon)
	require.NoError(t, err)

	backdate := func(name string, age time.Duration) {
		ts := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
		_, err := store.DB.Exec("UPDATE agents SET last_seen = ? WHERE name = ?", ts, name)
		require.NoError(t, err)
	}
	backdate("idle", 5*time.Minute)
	backdate("gone", time.Hour)

	who, err := svc.Who(ctx)
	require.NoError(t, err)
	byName := map[string]Presence{}
	for _, p := range who {
		byName[p.Agent.Name] = p
	}
	assert.Equal(t, LivenessActive, byName["fresh"].Liveness)
	assert.Equal(t, LivenessIdle, byName["idle"].Liveness)
	assert.Equal(t, LivenessDead, byName["gone"].Liveness)
}

func TestSetContextFreshness(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "c1", "coder", "", TransportDaemon)
	require.NoError(t, err)

	// never set context: stale
	err = svc.RequireFresh(ctx, "c1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrStaleContext))

	require.NoError(t, svc.SetContext(ctx, "c1", ContextUpdate{Summary: "just started"}))
	require.NoError(t, svc.RequireFresh(ctx, "c1"))

	// age past the coder window (5m)
	old := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	_, err = store.DB.Exec("UPDATE agents SET context_updated_at = ? WHERE name = ?", old, "c1")
	require.NoError(t, err)

	err = svc.RequireFresh(ctx, "c1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrStaleContext))
	assert.Equal(t, minionerr.ExitPrecondition, minionerr.ExitCode(err))

	// refresh clears the gate
	require.NoError(t, svc.SetContext(ctx, "c1", ContextUpdate{Summary: "back"}))
	require.NoError(t, svc.RequireFresh(ctx, "c1"))
}

func TestLeadStalenessWindowIsWider(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "boss", "lead", "", TransportTerminal)
	require.NoError(t, err)
	require.NoError(t, svc.SetContext(ctx, "boss", ContextUpdate{Summary: "planning"}))

	// 10 minutes is stale for a coder but fresh for a lead (15m window)
	old := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	_, err = store.DB.Exec("UPDATE agents SET context_updated_at = ? WHERE name = ?", old, "boss")
	require.NoError(t, err)

	require.NoError(t, svc.RequireFresh(ctx, "boss"))
}

func TestSetContextSelfReportedHP(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "c1", "coder", "", TransportDaemon)
	require.NoError(t, err)

	hp := 40
	require.NoError(t, svc.SetContext(ctx, "c1", ContextUpdate{Summary: "deep in it", HPPercent: &hp}))

	a, err := svc.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, HPModeSelfReported, a.HPMode)
	assert.Equal(t, int64(200_000), a.HPTokensLimit)
	assert.Equal(t, int64(120_000), a.HPTurnInput) // 60% used of 200k
}

func TestRenameRewritesReferences(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "old", "coder", "", TransportDaemon)
	require.NoError(t, err)

	now := db.NowISO()
	_, err = store.DB.Exec(
		"INSERT INTO messages (from_agent, to_agent, content_file, timestamp) VALUES (?, ?, '', ?)",
		"old", "boss", now)
	require.NoError(t, err)
	_, err = store.DB.Exec(`
		INSERT INTO tasks (title, status, assigned_to, created_by, created_at, updated_at)
		VALUES ('fix it', 'in_progress', 'old', 'boss', ?, ?)`, now, now)
	require.NoError(t, err)
	_, err = store.DB.Exec(
		"INSERT INTO file_claims (file_path, holder, acquired_at) VALUES ('a.md', 'old', ?)", now)
	require.NoError(t, err)

	require.NoError(t, svc.Rename(ctx, "old", "new"))

	var from, assignee, holder string
	require.NoError(t, store.RO.Get(&from, "SELECT from_agent FROM messages LIMIT 1"))
	require.NoError(t, store.RO.Get(&assignee, "SELECT assigned_to FROM tasks LIMIT 1"))
	require.NoError(t, store.RO.Get(&holder, "SELECT holder FROM file_claims LIMIT 1"))
	assert.Equal(t, "new", from)
	assert.Equal(t, "new", assignee)
	assert.Equal(t, "new", holder)

	_, err = svc.Get(ctx, "old")
	require.Error(t, err)
	a, err := svc.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "coder", a.Class)
}

func TestRenameRejectsTakenName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "a", "coder", "", TransportDaemon)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "b", "coder", "", TransportDaemon)
	require.NoError(t, err)

	err = svc.Rename(ctx, "a", "b")
	require.Error(t, err)
}
