package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"go.uber.org/zap"

	"github.com/minionhq/minion/internal/common/logger"
)

// scanBufferSize bounds one stream-json line. Assistant events carry whole
// message bodies, so lines run long.
const scanBufferSize = 10 * 1024 * 1024

// ClaudeProvider drives the claude CLI in stream-json mode.
type ClaudeProvider struct {
	binary string
	window int64
	logger *logger.Logger
}

// NewClaudeProvider creates a provider using the given binary name and
// fallback context window.
func NewClaudeProvider(binary string, defaultWindow int64, log *logger.Logger) *ClaudeProvider {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeProvider{binary: binary, window: defaultWindow, logger: log}
}

func (p *ClaudeProvider) Name() string { return "claude" }

// Capabilities reports the claude CLI traits the daemon depends on.
func (p *ClaudeProvider) Capabilities() Capabilities {
	return Capabilities{
		CanReadOutsideProject: false,
		ShellSandbox:          true,
		DefaultContextWindow:  p.window,
		SupportsResume:        true,
	}
}

// Spawn starts one claude invocation reading the prompt from stdin and
// emitting stream-json on stdout.
func (p *ClaudeProvider) Spawn(ctx context.Context, cfg SpawnConfig) (Handle, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.Resume && cfg.SessionID != "" {
		args = append(args, "--resume", cfg.SessionID)
	}

	cmd := exec.CommandContext(ctx, p.binary, args...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", p.binary, err)
	}

	h := &claudeHandle{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 64),
	}
	go h.readStream(stdout, p.logger)

	p.logger.Debug("provider spawned",
		zap.String("agent", cfg.Agent),
		zap.Int("pid", cmd.Process.Pid))
	return h, nil
}

type claudeHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
}

func (h *claudeHandle) WritePrompt(text string) error {
	if _, err := io.WriteString(h.stdin, text); err != nil {
		h.stdin.Close()
		return fmt.Errorf("failed to write prompt: %w", err)
	}
	return h.stdin.Close()
}

func (h *claudeHandle) Events() <-chan Event { return h.events }

func (h *claudeHandle) Wait() error { return h.cmd.Wait() }

func (h *claudeHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// readStream parses stream-json lines into events. Unparseable lines are
// passed through with an empty type so the daemon can still buffer them.
func (h *claudeHandle) readStream(r io.Reader, log *logger.Logger) {
	defer close(h.events)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			h.events <- Event{Raw: line}
			continue
		}
		h.events <- Event{Type: envelope.Type, Raw: line}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("provider stream read ended", zap.Error(err))
	}
}

// claudeUsage mirrors the usage block of assistant and result events.
type claudeUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

// turnInput is everything occupying the context window this turn: fresh
// input plus cache writes plus cache reads.
func (u claudeUsage) turnInput() int64 {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// ExtractUsage reads telemetry from assistant and result events. Result
// events additionally carry the session id and the model's context window.
func (p *ClaudeProvider) ExtractUsage(ev Event) (Usage, bool) {
	switch ev.Type {
	case "assistant":
		var body struct {
			Message struct {
				Usage *claudeUsage `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal(ev.Raw, &body); err != nil || body.Message.Usage == nil {
			return Usage{}, false
		}
		u := body.Message.Usage
		return Usage{TurnInput: u.turnInput(), TurnOutput: u.OutputTokens}, true

	case "result":
		var body struct {
			SessionID  string       `json:"session_id"`
			Usage      *claudeUsage `json:"usage"`
			ModelUsage map[string]struct {
				ContextWindow int64 `json:"contextWindow"`
			} `json:"modelUsage"`
		}
		if err := json.Unmarshal(ev.Raw, &body); err != nil {
			return Usage{}, false
		}
		out := Usage{SessionID: body.SessionID}
		if body.Usage != nil {
			out.TurnInput = body.Usage.turnInput()
			out.TurnOutput = body.Usage.OutputTokens
		}
		for _, mu := range body.ModelUsage {
			if mu.ContextWindow > 0 {
				out.ContextWindow = mu.ContextWindow
				break
			}
		}
		if body.Usage == nil && out.SessionID == "" && out.ContextWindow == 0 {
			return Usage{}, false
		}
		return out, true
	}
	return Usage{}, false
}
