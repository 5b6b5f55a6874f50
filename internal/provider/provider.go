// Package provider abstracts the model CLI subprocess. The daemon is
// provider-agnostic: it spawns a handle, writes one prompt, consumes a
// stream of structured events, and asks the provider to interpret usage.
package provider

import (
	"context"
	"encoding/json"
)

// Capabilities are the static traits the daemon needs to know about a
// provider before spawning it.
type Capabilities struct {
	CanReadOutsideProject bool  `json:"can_read_outside_project"`
	ShellSandbox          bool  `json:"shell_sandbox"`
	DefaultContextWindow  int64 `json:"default_context_window"`
	SupportsResume        bool  `json:"supports_resume"`
}

// Event is one structured record from the provider stream.
type Event struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Usage is the telemetry extracted from a single event.
type Usage struct {
	TurnInput     int64
	TurnOutput    int64
	ContextWindow int64 // 0 when the provider does not report it
	SessionID     string
}

// SpawnConfig describes one invocation.
type SpawnConfig struct {
	Agent     string
	Model     string
	WorkDir   string
	SessionID string // resume token from a prior run, when supported
	Resume    bool
}

// Handle is one live provider subprocess.
type Handle interface {
	// WritePrompt sends the prompt and closes stdin.
	WritePrompt(text string) error
	// Events returns the stream of structured events. The channel closes
	// when the subprocess exits or the spawn context is cancelled.
	Events() <-chan Event
	// Wait blocks until the subprocess exits.
	Wait() error
	// Kill terminates the subprocess.
	Kill() error
}

// Provider spawns model subprocesses and interprets their streams.
type Provider interface {
	Name() string
	Spawn(ctx context.Context, cfg SpawnConfig) (Handle, error)
	// ExtractUsage reads telemetry out of an event; ok is false for events
	// that carry none.
	ExtractUsage(ev Event) (Usage, bool)
	Capabilities() Capabilities
}
