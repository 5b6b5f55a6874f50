// Package daemon runs one agent's poll loop: watch the datastore for work,
// spawn a provider turn when there is some, track token pressure, and
// recover from context compaction.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/minionhq/minion/internal/agent"
	"github.com/minionhq/minion/internal/comms"
	"github.com/minionhq/minion/internal/common/config"
	"github.com/minionhq/minion/internal/common/fsutil"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/common/tracing"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/events/bus"
	"github.com/minionhq/minion/internal/hp"
	"github.com/minionhq/minion/internal/lifecycle"
	"github.com/minionhq/minion/internal/minionerr"
	"github.com/minionhq/minion/internal/provider"
	"github.com/minionhq/minion/internal/task"
)

// tailBytes is how much of the raw stream is kept in streams/<agent>.tail
// for post-mortem inspection.
const tailBytes = 64 * 1024

// Runner is one agent's daemon.
type Runner struct {
	cfg      *config.Config
	name     string
	class    string
	model    string
	workDir  string
	store    *db.Store
	prov     provider.Provider
	bus      bus.EventBus
	agents   *agent.Service
	comms    *comms.Service
	tasks    *task.Service
	hp       *hp.Service
	life     *lifecycle.Service
	contract *Contracts
	buffer   *RollingBuffer
	breaker  *gobreaker.CircuitBreaker
	logger   *logger.Logger

	wake          chan struct{}
	subs          []bus.Subscription
	state         *State
	sessionID     string
	injectHistory bool
}

// NewRunner wires a daemon for one agent. The event bus may be nil; with
// one, kernel events cut the poll backoff short.
func NewRunner(cfg *config.Config, name, class, model string, store *db.Store, prov provider.Provider,
	eventBus bus.EventBus, agents *agent.Service, commsSvc *comms.Service, tasks *task.Service,
	hpSvc *hp.Service, life *lifecycle.Service, log *logger.Logger) *Runner {

	r := &Runner{
		cfg:      cfg,
		name:     name,
		class:    class,
		model:    model,
		workDir:  cfg.Paths.WorkDir,
		store:    store,
		prov:     prov,
		bus:      eventBus,
		agents:   agents,
		comms:    commsSvc,
		tasks:    tasks,
		hp:       hpSvc,
		life:     life,
		contract: LoadContracts(cfg.Paths.DocsDir),
		buffer:   NewRollingBuffer(cfg.Daemon.MaxHistoryTokens),
		logger:   log.WithAgent(name),
		wake:     make(chan struct{}, 1),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "provider-" + name,
		Timeout: cfg.Daemon.RetryBackoffMax(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Daemon.FailureThreshold)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			r.logger.Warn("provider breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if to == gobreaker.StateOpen {
				msg := fmt.Sprintf("provider failing, breaker open after %d consecutive failures",
					cfg.Daemon.FailureThreshold)
				_ = WriteAlert(cfg.Paths.StateDir(), name, msg)
			}
		},
	})
	return r
}

// Run executes the daemon until the context is cancelled, the agent is
// retired, or a stand_down lands. The returned error carries the exit
// classification.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.boot(ctx); err != nil {
		return err
	}
	defer r.writeStatus(StatusStopped)
	r.subscribeEvents()
	defer r.unsubscribeEvents()

	pollDelay := r.cfg.Daemon.PollInterval()
	failDelay := r.cfg.Daemon.RetryBackoff()

	for {
		if err := ctx.Err(); err != nil {
			return minionerr.ErrStandDown.With("context cancelled", "daemon stopped by signal")
		}
		if err := r.checkShutdown(ctx); err != nil {
			r.state.StoodDown = true
			r.writeStatus(StatusStopped)
			return err
		}

		messages, claimable, err := r.poll(ctx)
		if err != nil {
			r.state.ConsecutiveFailures++
			r.logger.Error("poll failed", zap.Error(err),
				zap.Int("consecutive_failures", r.state.ConsecutiveFailures))
			if r.state.ConsecutiveFailures >= r.cfg.Daemon.FailureThreshold {
				_ = WriteAlert(r.cfg.Paths.StateDir(), r.name,
					fmt.Sprintf("poll failing: %v", err))
				r.alertDatastore(ctx, err)
			}
			r.writeStatus(StatusBackoff)
			if !r.sleep(ctx, failDelay) {
				continue
			}
			failDelay = bump(failDelay, r.cfg.Daemon.RetryBackoffMax())
			continue
		}
		failDelay = r.cfg.Daemon.RetryBackoff()
		r.state.ConsecutiveFailures = 0

		if len(messages) == 0 && len(claimable) == 0 {
			r.writeStatus(StatusPolling)
			r.sleep(ctx, pollDelay)
			pollDelay = bump(pollDelay, r.cfg.Daemon.PollIntervalMax())
			continue
		}
		pollDelay = r.cfg.Daemon.PollInterval()

		_, err = r.breaker.Execute(func() (interface{}, error) {
			return nil, r.runTurn(ctx, messages, claimable)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				r.writeStatus(StatusBackoff)
				r.sleep(ctx, failDelay)
				failDelay = bump(failDelay, r.cfg.Daemon.RetryBackoffMax())
				continue
			}
			r.state.ConsecutiveFailures++
			r.logger.Error("provider turn failed", zap.Error(err))
			r.writeStatus(StatusBackoff)
			r.sleep(ctx, failDelay)
			failDelay = bump(failDelay, r.cfg.Daemon.RetryBackoffMax())
			continue
		}
		r.state.ConsecutiveFailures = 0
	}
}

// boot registers the agent and primes its presence before the first poll.
func (r *Runner) boot(ctx context.Context) error {
	if stood, err := r.life.StandDownActive(ctx); err != nil {
		return err
	} else if stood {
		return minionerr.ErrStandDown.With("stand_down flag set", "clear the flag before starting daemons")
	}

	if _, err := r.agents.Register(ctx, r.name, r.class, r.model, agent.TransportDaemon); err != nil {
		return err
	}
	if err := r.agents.SetContext(ctx, r.name, agent.ContextUpdate{Summary: "just started"}); err != nil {
		return err
	}
	if err := r.agents.SetStatus(ctx, r.name, "ready for orders"); err != nil {
		return err
	}

	prev, err := ReadState(r.cfg.Paths.StateDir(), r.name)
	if err != nil {
		r.logger.Warn("discarding unreadable state file", zap.Error(err))
	}
	r.state = &State{
		Agent:    r.name,
		Provider: r.prov.Name(),
		PID:      os.Getpid(),
	}
	if prev != nil {
		r.state.Generation = prev.Generation
		if prev.ResumeReady && r.prov.Capabilities().SupportsResume {
			r.sessionID = prev.SessionID
		}
	}
	r.writeStatus(StatusStarting)
	r.logger.Info("daemon started",
		zap.String("class", r.class),
		zap.String("provider", r.prov.Name()),
		zap.Bool("resuming", r.sessionID != ""))
	return nil
}

// checkShutdown returns a shutdown error when a stand_down or retirement is
// pending.
func (r *Runner) checkShutdown(ctx context.Context) error {
	if stood, err := r.life.StandDownActive(ctx); err != nil {
		return err
	} else if stood {
		r.logger.Info("stand_down observed, exiting")
		return minionerr.ErrStandDown
	}
	retired, err := r.life.RetirePending(ctx, r.name)
	if err != nil {
		return err
	}
	if retired {
		r.logger.Info("retirement observed, exiting")
		_ = r.life.ClearRetire(ctx, r.name)
		return minionerr.ErrRetired
	}
	return nil
}

// poll fetches this agent's work: unread messages plus claimable tasks.
func (r *Runner) poll(ctx context.Context) ([]comms.Message, []*task.Task, error) {
	messages, err := r.comms.CheckInbox(ctx, r.name)
	if err != nil {
		return nil, nil, err
	}
	claimable, err := r.tasks.Claimable(ctx, r.name)
	if err != nil {
		return nil, nil, err
	}
	return messages, claimable, nil
}

// runTurn spawns one provider invocation for the polled payload.
func (r *Runner) runTurn(ctx context.Context, messages []comms.Message, claimable []*task.Task) error {
	r.state.Generation++
	r.writeStatus(StatusWorking)

	replay := ""
	var briefing *lifecycle.Briefing
	promptKind := "poll"
	if r.injectHistory {
		replay = r.buffer.Snapshot()
		r.injectHistory = false
		promptKind = "compaction-recovery"
		// peek, not cold_start: fenix records stay unconsumed until a real
		// restart claims them
		if b, err := r.life.PeekBriefing(ctx, r.name); err != nil {
			r.logger.Warn("recovery briefing unavailable", zap.Error(err))
		} else {
			briefing = b
		}
	}
	ctx, span := tracing.StartTurn(ctx, r.name, promptKind, r.state.Generation)
	defer span.End()

	invocationID := r.recordInvocationStart(promptKind)
	prompt := BuildPrompt(PromptInput{
		Agent:     r.name,
		Rules:     r.contract.RulesFor(r.class),
		Briefing:  briefing,
		Replay:    replay,
		Messages:  messages,
		Claimable: claimable,
		MaxChars:  r.cfg.Daemon.MaxPromptChars,
	})

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle, err := r.prov.Spawn(turnCtx, provider.SpawnConfig{
		Agent:     r.name,
		Model:     r.model,
		WorkDir:   r.workDir,
		SessionID: r.sessionID,
		Resume:    r.sessionID != "",
	})
	if err != nil {
		err = fmt.Errorf("failed to spawn provider: %w", err)
		tracing.RecordResult(span, err)
		return err
	}
	if err := handle.WritePrompt(prompt); err != nil {
		_ = handle.Kill()
		err = fmt.Errorf("failed to write prompt: %w", err)
		tracing.RecordResult(span, err)
		return err
	}

	usage, streamErr := r.consume(turnCtx, handle)
	waitErr := handle.Wait()

	turnOK := streamErr == nil && waitErr == nil
	r.recordInvocationEnd(invocationID, usage, turnOK, r.injectHistory)
	if usage.TurnInput > 0 || usage.ContextWindow > 0 {
		if _, err := r.hp.Update(ctx, r.name, hpUsage(usage), hp.UpdateOptions{CreditCumulative: turnOK}); err != nil {
			r.logger.Error("hp update failed", zap.Error(err))
		}
	}
	if usage.SessionID != "" {
		r.sessionID = usage.SessionID
		r.state.SessionID = usage.SessionID
		r.state.ResumeReady = true
	}

	if streamErr != nil {
		tracing.RecordResult(span, streamErr)
		return streamErr
	}
	if waitErr != nil {
		err := fmt.Errorf("provider exited with error: %w", waitErr)
		tracing.RecordResult(span, err)
		return err
	}
	r.logger.Info("turn complete",
		zap.Int64("turn_input", usage.TurnInput),
		zap.Int("generation", r.state.Generation))
	return nil
}

// consume drains the provider stream: every chunk lands in the rolling
// buffer, compaction markers arm history injection for the next turn, and
// usage telemetry is folded into one Usage for the HP update.
func (r *Runner) consume(ctx context.Context, handle provider.Handle) (*provider.Usage, error) {
	usage := &provider.Usage{}
	timeout := r.cfg.Daemon.NoOutputTimeout()
	watchdog := time.NewTimer(timeout)
	defer watchdog.Stop()

	interruptTick := time.NewTicker(r.cfg.Daemon.PollInterval())
	defer interruptTick.Stop()

	events := handle.Events()
	for {
		select {
		case <-ctx.Done():
			_ = handle.Kill()
			return usage, ctx.Err()

		case <-watchdog.C:
			_ = handle.Kill()
			return usage, fmt.Errorf("no provider output for %s", timeout)

		case <-interruptTick.C:
			pending, err := r.life.InterruptPending(ctx, r.name)
			if err == nil && pending {
				r.logger.Info("interrupt observed, killing provider")
				_ = handle.Kill()
				return usage, nil
			}

		case ev, ok := <-events:
			if !ok {
				r.flushTail()
				return usage, nil
			}
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(timeout)

			chunk := string(ev.Raw)
			r.buffer.Append(chunk + "\n")
			if r.contract.DetectCompaction(chunk) {
				r.logger.Warn("compaction detected, arming history replay")
				r.injectHistory = true
			}
			if u, ok := r.prov.ExtractUsage(ev); ok {
				if u.TurnInput > usage.TurnInput {
					usage.TurnInput = u.TurnInput
				}
				usage.TurnOutput += u.TurnOutput
				if u.ContextWindow > 0 {
					usage.ContextWindow = u.ContextWindow
				}
				if u.SessionID != "" {
					usage.SessionID = u.SessionID
				}
			}
		}
	}
}

// hpUsage folds one turn's provider telemetry into an HP write. The session
// id stays out: resume state belongs to the daemon, not the health model.
func hpUsage(u *provider.Usage) hp.Usage {
	return hp.Usage{
		TurnInput:     u.TurnInput,
		TurnOutput:    u.TurnOutput,
		ContextWindow: u.ContextWindow,
	}
}

// recordInvocationStart opens an audit row for one provider turn. Best
// effort: auditing never blocks the turn.
func (r *Runner) recordInvocationStart(promptKind string) int64 {
	if r.store == nil {
		return 0
	}
	res, err := r.store.DB.Exec(
		"INSERT INTO invocations (agent, generation, prompt_kind, started_at) VALUES (?, ?, ?, ?)",
		r.name, r.state.Generation, promptKind, db.NowISO())
	if err != nil {
		r.logger.Debug("invocation audit skipped", zap.Error(err))
		return 0
	}
	id, _ := res.LastInsertId()
	return id
}

// recordInvocationEnd closes the audit row with the turn outcome.
func (r *Runner) recordInvocationEnd(id int64, usage *provider.Usage, ok, compaction bool) {
	if r.store == nil || id == 0 {
		return
	}
	exitCode := 0
	if !ok {
		exitCode = 1
	}
	_, err := r.store.DB.Exec(`
		UPDATE invocations SET ended_at = ?, exit_code = ?, input_tokens = ?,
			output_tokens = ?, compaction = ? WHERE id = ?`,
		db.NowISO(), exitCode, usage.TurnInput, usage.TurnOutput,
		db.BoolToInt(compaction), id)
	if err != nil {
		r.logger.Debug("invocation audit skipped", zap.Error(err))
	}
}

// flushTail writes the stream tail for post-mortem inspection.
func (r *Runner) flushTail() {
	tail := r.buffer.Snapshot()
	if len(tail) > tailBytes {
		tail = tail[len(tail)-tailBytes:]
	}
	path := filepath.Join(r.cfg.Paths.StreamsDir(), r.name+".tail")
	if err := fsutil.AtomicWrite(path, tail); err != nil {
		r.logger.Warn("failed to write stream tail", zap.Error(err))
	}
}

// alertDatastore records a poll failure in the datastore as well as the
// side-channel file. Best effort: the datastore may be the failing part.
func (r *Runner) alertDatastore(ctx context.Context, pollErr error) {
	if err := r.agents.SetStatus(ctx, r.name, fmt.Sprintf("poll failing: %v", pollErr)); err != nil {
		r.logger.Debug("datastore alert skipped", zap.Error(err))
	}
}

func (r *Runner) writeStatus(status string) {
	if r.state == nil {
		return
	}
	r.state.Status = status
	if err := WriteState(r.cfg.Paths.StateDir(), r.state); err != nil {
		r.logger.Warn("failed to write state file", zap.Error(err))
	}
}

// subscribeEvents arms early wakeups: a message or task event published on
// the bus ends the current poll sleep instead of waiting the backoff out.
func (r *Runner) subscribeEvents() {
	if r.bus == nil {
		return
	}
	handler := func(ctx context.Context, e *bus.Event) error {
		select {
		case r.wake <- struct{}{}:
		default:
		}
		return nil
	}
	for _, subject := range []string{bus.SubjectMessageSent, bus.SubjectTaskTransition} {
		sub, err := r.bus.Subscribe(subject, handler)
		if err != nil {
			r.logger.Warn("event subscription failed",
				zap.String("subject", subject), zap.Error(err))
			continue
		}
		r.subs = append(r.subs, sub)
	}
}

func (r *Runner) unsubscribeEvents() {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
	r.subs = nil
}

// sleep waits for d, an early wakeup, or context cancellation. It reports
// whether the context is still live.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.wake:
		return true
	case <-time.After(d):
		return true
	}
}

// bump doubles a backoff delay up to a ceiling.
func bump(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}
