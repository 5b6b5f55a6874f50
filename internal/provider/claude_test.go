package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minionhq/minion/internal/common/logger"
)

func newTestProvider(t *testing.T) *ClaudeProvider {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewClaudeProvider("claude", 200_000, log)
}

func event(t *testing.T, raw string) Event {
	t.Helper()
	var envelope struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &envelope))
	return Event{Type: envelope.Type, Raw: json.RawMessage(raw)}
}

func TestExtractUsageAssistantEvent(t *testing.T) {
	p := newTestProvider(t)

	ev := event(t, `{
		"type": "assistant",
		"message": {
			"usage": {
				"input_tokens": 12,
				"cache_creation_input_tokens": 3000,
				"cache_read_input_tokens": 57000,
				"output_tokens": 450
			}
		}
	}`)

	u, ok := p.ExtractUsage(ev)
	require.True(t, ok)
	assert.Equal(t, int64(60012), u.TurnInput) // input + cache writes + cache reads
	assert.Equal(t, int64(450), u.TurnOutput)
	assert.Zero(t, u.ContextWindow)
}

func TestExtractUsageResultEvent(t *testing.T) {
	p := newTestProvider(t)

	ev := event(t, `{
		"type": "result",
		"session_id": "sess-abc123",
		"usage": {"input_tokens": 100, "cache_read_input_tokens": 500, "output_tokens": 20},
		"modelUsage": {"claude-opus": {"contextWindow": 200000}}
	}`)

	u, ok := p.ExtractUsage(ev)
	require.True(t, ok)
	assert.Equal(t, "sess-abc123", u.SessionID)
	assert.Equal(t, int64(600), u.TurnInput)
	assert.Equal(t, int64(200000), u.ContextWindow)
}

func TestExtractUsageIgnoresOtherEvents(t *testing.T) {
	p := newTestProvider(t)

	for _, raw := range []string{
		`{"type": "system", "subtype": "init"}`,
		`{"type": "user", "message": {"content": "hi"}}`,
		`{"type": "assistant", "message": {"content": []}}`,
	} {
		_, ok := p.ExtractUsage(event(t, raw))
		assert.False(t, ok, "event should carry no usage: %s", raw)
	}
}

func TestCapabilities(t *testing.T) {
	p := newTestProvider(t)
	caps := p.Capabilities()
	assert.True(t, caps.SupportsResume)
	assert.Equal(t, int64(200_000), caps.DefaultContextWindow)
}
