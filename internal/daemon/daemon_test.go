package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minionhq/minion/internal/comms"
	"github.com/minionhq/minion/internal/common/config"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/events/bus"
	"github.com/minionhq/minion/internal/hp"
	"github.com/minionhq/minion/internal/lifecycle"
	"github.com/minionhq/minion/internal/provider"
	"github.com/minionhq/minion/internal/task"
)

func TestRollingBufferEvictsOldestFirst(t *testing.T) {
	b := NewRollingBuffer(3) // 12 chars

	b.Append("aaaa")
	b.Append("bbbb")
	b.Append("cccc")
	assert.Equal(t, "aaaabbbbcccc", b.Snapshot())

	b.Append("dddd")
	assert.Equal(t, "bbbbccccdddd", b.Snapshot())
	assert.Equal(t, 12, b.Len())
}

func TestRollingBufferTruncatesOversizedChunk(t *testing.T) {
	b := NewRollingBuffer(2) // 8 chars
	b.Append("old")
	b.Append("0123456789abcdef")

	assert.Equal(t, "89abcdef", b.Snapshot(), "only the tail of the oversized chunk survives")
	assert.Equal(t, 8, b.Len())
}

func TestRollingBufferReset(t *testing.T) {
	b := NewRollingBuffer(10)
	b.Append("hello")
	b.Reset()
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Snapshot())
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	missing, err := ReadState(dir, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing, "never-run daemon has no state")

	st := &State{
		Agent:       "c1",
		Provider:    "claude",
		PID:         4242,
		Status:      StatusWorking,
		SessionID:   "sess-1",
		ResumeReady: true,
		Generation:  7,
	}
	require.NoError(t, WriteState(dir, st))
	assert.NotEmpty(t, st.UpdatedAt)

	got, err := ReadState(dir, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusWorking, got.Status)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, 7, got.Generation)

	require.NoError(t, RemoveState(dir, "c1"))
	gone, err := ReadState(dir, "c1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestWriteAlertSideChannel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteAlert(dir, "c1", "provider failing"))

	data, err := os.ReadFile(AlertPath(dir, "c1"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "provider failing")
}

func TestLoadContractsDefaults(t *testing.T) {
	c := LoadContracts(filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, defaultCompactionMarkers, c.CompactionMarkers)
	assert.Empty(t, c.RulesFor("coder"))
}

func TestLoadContractsFromDocs(t *testing.T) {
	docs := t.TempDir()
	contracts := filepath.Join(docs, "contracts")
	require.NoError(t, os.MkdirAll(contracts, 0o755))

	markers := "# provider vocabulary\ncontext window exceeded\n\nCompacted Transcript\n"
	require.NoError(t, os.WriteFile(filepath.Join(contracts, "compaction-markers.txt"), []byte(markers), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(contracts, "rules-coder.md"), []byte("# Coder rules\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(contracts, "rules-default.md"), []byte("# Default rules\n"), 0o644))

	c := LoadContracts(docs)
	assert.Equal(t, []string{"context window exceeded", "Compacted Transcript"}, c.CompactionMarkers)
	assert.Equal(t, "# Coder rules\n", c.RulesFor("coder"))
	assert.Equal(t, "# Default rules\n", c.RulesFor("oracle"), "unlisted class falls back to default")

	assert.True(t, c.DetectCompaction(`{"text": "... compacted transcript follows"}`), "marker match is case-insensitive")
	assert.False(t, c.DetectCompaction(`{"text": "normal output"}`))
}

func TestBuildPromptAssemblesSections(t *testing.T) {
	out := BuildPrompt(PromptInput{
		Agent: "c1",
		Rules: "# Rules\nBe brief.",
		Messages: []comms.Message{
			{FromAgent: "lead-1", Timestamp: "2026-08-25T10:00:00Z", Content: "ship it"},
		},
		Claimable: []*task.Task{
			{ID: 7, Title: "fix login", Status: "open", FlowType: "bugfix"},
		},
		MaxChars: 10_000,
	})

	rulesIdx := strings.Index(out, "# Rules")
	msgIdx := strings.Index(out, "## Unread messages")
	taskIdx := strings.Index(out, "## Claimable tasks")
	require.GreaterOrEqual(t, rulesIdx, 0)
	require.Greater(t, msgIdx, rulesIdx, "rules precede payload")
	require.Greater(t, taskIdx, msgIdx)
	assert.Contains(t, out, "From lead-1")
	assert.Contains(t, out, "ship it")
	assert.Contains(t, out, "[7] fix login (status open, flow bugfix)")
	assert.NotContains(t, out, "Recovered transcript")
}

func TestBuildPromptTrimsReplayFirst(t *testing.T) {
	replay := strings.Repeat("x", 500) + "TAIL"
	out := BuildPrompt(PromptInput{
		Rules:  "rules\n",
		Replay: replay,
		Messages: []comms.Message{
			{FromAgent: "lead-1", Timestamp: "t", Content: "payload survives"},
		},
		MaxChars: 300,
	})

	assert.LessOrEqual(t, len(out), 300)
	assert.Contains(t, out, "payload survives", "payload is trimmed last")
	assert.Contains(t, out, "rules")
	assert.Contains(t, out, "TAIL", "replay keeps its newest end")
	assert.NotContains(t, out, strings.Repeat("x", 400))
}

func TestBuildPromptIncludesReplayHeader(t *testing.T) {
	out := BuildPrompt(PromptInput{
		Rules:    "rules",
		Replay:   "earlier work",
		MaxChars: 10_000,
	})
	assert.Contains(t, out, "## Recovered transcript")
	assert.Contains(t, out, "earlier work")
}

func TestBuildPromptRecoveryBriefing(t *testing.T) {
	out := BuildPrompt(PromptInput{
		Agent: "c1",
		Rules: "# Rules\n",
		Briefing: &lifecycle.Briefing{
			Agent:    "c1",
			PlanText: "take the parser hill",
			OpenTasks: []*task.Task{
				{ID: 3, Title: "fix tokenizer", Status: "in_progress"},
			},
			HP: &hp.Report{Agent: "c1", Mode: "daemon", Percent: 42, State: "wounded"},
			Fenix: []lifecycle.FenixRecord{
				{Agent: "c1", Files: `["notes/dump.md"]`, Manifest: "parser state", CreatedAt: "2026-08-25T09:00:00Z"},
			},
		},
		Replay: "earlier transcript",
		Messages: []comms.Message{
			{FromAgent: "boss", Timestamp: "t", Content: "where were we"},
		},
		MaxChars: 10_000,
	})

	briefIdx := strings.Index(out, "## Recovery briefing")
	replayIdx := strings.Index(out, "## Recovered transcript")
	msgIdx := strings.Index(out, "## Unread messages")
	require.GreaterOrEqual(t, briefIdx, 0)
	require.Greater(t, replayIdx, briefIdx, "briefing precedes the transcript")
	require.Greater(t, msgIdx, replayIdx)

	assert.Contains(t, out, "take the parser hill")
	assert.Contains(t, out, "[3] fix tokenizer (status in_progress)")
	assert.Contains(t, out, "HP 42% (wounded)")
	assert.Contains(t, out, "parser state (notes/dump.md)")
}

func TestBuildPromptNilBriefing(t *testing.T) {
	out := BuildPrompt(PromptInput{Rules: "rules", MaxChars: 1_000})
	assert.NotContains(t, out, "## Recovery briefing")
}

func TestHPUsageConversion(t *testing.T) {
	u := hpUsage(&provider.Usage{
		TurnInput:     120_000,
		TurnOutput:    4_000,
		ContextWindow: 200_000,
		SessionID:     "sess-9",
	})
	assert.Equal(t, int64(120_000), u.TurnInput)
	assert.Equal(t, int64(4_000), u.TurnOutput)
	assert.Equal(t, int64(200_000), u.ContextWindow)
}

func TestBackoffBump(t *testing.T) {
	assert.Equal(t, 10*time.Second, bump(5*time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, bump(20*time.Second, 30*time.Second), "capped at ceiling")
}

func TestEventWakeCutsSleepShort(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	eb := bus.NewMemoryEventBus(log)
	t.Cleanup(eb.Close)

	r := NewRunner(&config.Config{}, "c1", "coder", "", nil, nil,
		eb, nil, nil, nil, nil, nil, log)
	r.subscribeEvents()
	defer r.unsubscribeEvents()
	require.Len(t, r.subs, 2)

	done := make(chan bool, 1)
	go func() { done <- r.sleep(context.Background(), time.Minute) }()

	require.NoError(t, eb.Publish(context.Background(), bus.SubjectMessageSent,
		bus.NewEvent("message.sent", "comms", nil)))

	select {
	case ok := <-done:
		assert.True(t, ok, "sleep reports a live context on wake")
	case <-time.After(5 * time.Second):
		t.Fatal("sleep did not wake on the bus event")
	}
}
