package comms

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minionhq/minion/internal/agent"
	"github.com/minionhq/minion/internal/auth"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/minionerr"
	"github.com/minionhq/minion/internal/trigger"
	"github.com/minionhq/minion/internal/warroom"
)

type fixture struct {
	store  *db.Store
	agents *agent.Service
	plans  *warroom.Service
	comms  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := db.Open(filepath.Join(dir, "minion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	registry := auth.DefaultRegistry()
	agents := agent.NewService(agent.NewRepository(store), registry, nil, 200_000, log)
	plans := warroom.NewService(store,
		filepath.Join(dir, "battle-plans"), filepath.Join(dir, "raid-log"), "testproj", log)
	comms := NewService(store, agents, plans, registry, filepath.Join(dir, "inbox"), nil, log)

	return &fixture{store: store, agents: agents, plans: plans, comms: comms}
}

// readyAgent registers an agent with fresh context.
func (f *fixture) readyAgent(t *testing.T, name, class string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.agents.Register(ctx, name, class, "", agent.TransportDaemon)
	require.NoError(t, err)
	require.NoError(t, f.agents.SetContext(ctx, name, agent.ContextUpdate{Summary: "ready"}))
}

func (f *fixture) activePlan(t *testing.T) {
	t.Helper()
	_, err := f.plans.SetPlan(context.Background(), "boss", "the plan")
	require.NoError(t, err)
}

func TestSendRequiresActivePlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "c1", "coder")
	f.readyAgent(t, "c2", "coder")

	_, err := f.comms.Send(ctx, "c1", "c2", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrNoActivePlan))
}

func TestSendRequiresFreshContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "c1", "coder")
	f.readyAgent(t, "c2", "coder")
	f.activePlan(t)

	// age c1's context past the coder window
	old := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	_, err := f.store.DB.Exec("UPDATE agents SET context_updated_at = ? WHERE name = ?", old, "c1")
	require.NoError(t, err)

	_, err = f.comms.Send(ctx, "c1", "c2", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrStaleContext))

	require.NoError(t, f.agents.SetContext(ctx, "c1", agent.ContextUpdate{Summary: "refreshed"}))
	_, err = f.comms.Send(ctx, "c1", "c2", "hello")
	require.NoError(t, err)
}

func TestSendBlockedByUnreadInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.activePlan(t)

	_, err := f.comms.Send(ctx, "boss", "c1", "do the thing")
	require.NoError(t, err)

	_, err = f.comms.Send(ctx, "c1", "boss", "status?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrUnreadInbox))

	_, err = f.comms.CheckInbox(ctx, "c1")
	require.NoError(t, err)
	_, err = f.comms.Send(ctx, "c1", "boss", "status?")
	require.NoError(t, err)
}

func TestMoonCrashBlocksNonLeadSends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.activePlan(t)

	require.NoError(t, trigger.SetFlag(f.store, trigger.FlagMoonCrash, "boss"))

	_, err := f.comms.Send(ctx, "c1", "boss", "anyone there?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, minionerr.ErrMoonCrash))

	// the lead still talks during a moon crash
	_, err = f.comms.Send(ctx, "boss", "c1", "hold position")
	require.NoError(t, err)

	require.NoError(t, f.comms.ClearMoonCrash(ctx, "boss"))
	_, err = f.comms.CheckInbox(ctx, "c1")
	require.NoError(t, err)
	_, err = f.comms.Send(ctx, "c1", "boss", "back online")
	require.NoError(t, err)
}

func TestFenixDownBypassesGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	// no plan, stale context, moon_crash set: the dump must still land
	require.NoError(t, trigger.SetFlag(f.store, trigger.FlagMoonCrash, "boss"))
	old := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
	_, err := f.store.DB.Exec("UPDATE agents SET context_updated_at = ? WHERE name = ?", old, "c1")
	require.NoError(t, err)

	res, err := f.comms.Send(ctx, "c1", "boss", "!!fenix_down!! notes in results/dump.md")
	require.NoError(t, err)
	assert.Contains(t, res.Triggers, "fenix_down")
}

func TestEmergencyTriggerSetsFlagAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.activePlan(t)

	res, err := f.comms.Send(ctx, "boss", "c1", "everyone stop: !!moon_crash!!")
	require.NoError(t, err)
	assert.Equal(t, []string{"moon_crash"}, res.Triggers)

	set, err := trigger.FlagSet(f.store.RO, trigger.FlagMoonCrash)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestUnknownRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.activePlan(t)

	_, err := f.comms.Send(ctx, "boss", "ghost", "hello?")
	require.Error(t, err)
	assert.Equal(t, minionerr.ExitUser, minionerr.ExitCode(err))
}

func TestClassFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.readyAgent(t, "c2", "coder")
	f.activePlan(t)

	res, err := f.comms.Send(ctx, "boss", "coder", "new orders")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, res.Recipients)

	in1, err := f.comms.CheckInbox(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, in1, 1)
	assert.Equal(t, "new orders", in1[0].Content)
}

func TestClassFanOutZeroMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.activePlan(t)

	// no oracles registered: zero rows, not an error
	res, err := f.comms.Send(ctx, "boss", "oracle", "any oracles out there")
	require.NoError(t, err)
	assert.Empty(t, res.MessageIDs)
}

func TestBroadcastDedup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.readyAgent(t, "o1", "oracle")
	f.activePlan(t)

	_, err := f.comms.Send(ctx, "boss", RecipientAll, "standup in 5")
	require.NoError(t, err)

	for _, name := range []string{"c1", "o1"} {
		first, err := f.comms.CheckInbox(ctx, name)
		require.NoError(t, err)
		require.Len(t, first, 1, "agent %s should see the broadcast once", name)
		assert.Equal(t, "standup in 5", first[0].Content)

		second, err := f.comms.CheckInbox(ctx, name)
		require.NoError(t, err)
		assert.Empty(t, second, "agent %s must not see the broadcast twice", name)
	}

	// the sender does not receive their own broadcast
	own, err := f.comms.CheckInbox(ctx, "boss")
	require.NoError(t, err)
	assert.Empty(t, own)
}

func TestAutoCCToLead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.readyAgent(t, "o1", "oracle")
	f.activePlan(t)

	res, err := f.comms.Send(ctx, "c1", "o1", "please review my diff")
	require.NoError(t, err)
	assert.True(t, res.CCdToLead)

	inbox, err := f.comms.CheckInbox(ctx, "boss")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, 1, inbox[0].IsCC)
	assert.Equal(t, "o1", inbox[0].CCOriginalTo)
}

func TestExplicitCC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.readyAgent(t, "o1", "oracle")
	f.readyAgent(t, "o2", "oracle")
	f.activePlan(t)

	res, err := f.comms.Send(ctx, "c1", "o1", "handing over the parser", "o2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"o1", "o2", "boss"}, res.Recipients)

	inbox, err := f.comms.CheckInbox(ctx, "o2")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, 1, inbox[0].IsCC)
	assert.Equal(t, "o1", inbox[0].CCOriginalTo)
	assert.Equal(t, "handing over the parser", inbox[0].Content)
}

func TestExplicitCCDedup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.readyAgent(t, "o1", "oracle")
	f.activePlan(t)

	// cc'ing the primary recipient and the sender adds no rows; cc'ing
	// the lead suppresses the automatic lead copy
	res, err := f.comms.Send(ctx, "c1", "o1", "one copy each", "o1", "c1", "boss", "boss")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"o1", "boss"}, res.Recipients)
	assert.False(t, res.CCdToLead)

	inbox, err := f.comms.CheckInbox(ctx, "boss")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, 1, inbox[0].IsCC)
}

func TestExplicitCCUnknownAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.activePlan(t)

	_, err := f.comms.Send(ctx, "boss", "c1", "fyi", "ghost")
	require.Error(t, err)
	assert.Equal(t, minionerr.ExitUser, minionerr.ExitCode(err))
}

func TestNoCCWhenLeadInvolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.activePlan(t)

	res, err := f.comms.Send(ctx, "c1", "boss", "done with the parser")
	require.NoError(t, err)
	assert.False(t, res.CCdToLead)
	assert.Len(t, res.MessageIDs, 1)
}

func TestInboxOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.activePlan(t)

	for _, text := range []string{"first", "second", "third"} {
		_, err := f.comms.Send(ctx, "boss", "c1", text)
		require.NoError(t, err)
	}

	inbox, err := f.comms.CheckInbox(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, inbox, 3)
	assert.Equal(t, "first", inbox[0].Content)
	assert.Equal(t, "second", inbox[1].Content)
	assert.Equal(t, "third", inbox[2].Content)
}

func TestPurgeKeepsUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.activePlan(t)

	_, err := f.comms.Send(ctx, "boss", "c1", "read me")
	require.NoError(t, err)
	_, err = f.comms.CheckInbox(ctx, "c1")
	require.NoError(t, err)
	_, err = f.comms.Send(ctx, "boss", "c1", "still unread")
	require.NoError(t, err)

	// everything is recent: nothing to purge at a 1h cutoff
	n, err := f.comms.Purge(ctx, "c1", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// with a zero cutoff the read message goes, the unread one stays
	n, err = f.comms.Purge(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	unread, err := f.comms.UnreadCount(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.readyAgent(t, "c1", "coder")
	f.activePlan(t)

	_, err := f.comms.Send(ctx, "boss", "c1", "orders")
	require.NoError(t, err)
	_, err = f.comms.CheckInbox(ctx, "c1")
	require.NoError(t, err)
	_, err = f.comms.Send(ctx, "c1", "boss", "ack")
	require.NoError(t, err)

	history, err := f.comms.GetHistory(ctx, "boss", "c1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "orders", history[0].Content)
	assert.Equal(t, "ack", history[1].Content)
}

func TestSelfNoteAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.readyAgent(t, "boss", "lead")
	f.activePlan(t)

	_, err := f.comms.Send(ctx, "boss", "boss", "note to self: check the flaky test")
	require.NoError(t, err)

	// reading your own note does not trip the unread gate for future sends
	inbox, err := f.comms.CheckInbox(ctx, "boss")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
}
