package comms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/minionhq/minion/internal/agent"
	"github.com/minionhq/minion/internal/auth"
	"github.com/minionhq/minion/internal/common/fsutil"
	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/events/bus"
	"github.com/minionhq/minion/internal/minionerr"
	"github.com/minionhq/minion/internal/trigger"
	"github.com/minionhq/minion/internal/warroom"
)

// Service implements messaging over the datastore.
type Service struct {
	store    *db.Store
	agents   *agent.Service
	plans    *warroom.Service
	registry *auth.Registry
	bus      bus.EventBus
	logger   *logger.Logger

	inboxDir string
}

// NewService creates a messaging service. The event bus may be nil.
func NewService(store *db.Store, agents *agent.Service, plans *warroom.Service, registry *auth.Registry, inboxDir string, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		agents:   agents,
		plans:    plans,
		registry: registry,
		bus:      eventBus,
		logger:   log,
		inboxDir: inboxDir,
	}
}

// Send delivers content from one agent to a named agent, a class, or "all".
// Extra named agents in cc receive a copy flagged as such; duplicates
// against the primary delivery are dropped silently.
//
// Gates, in order: unread inbox, active plan, context freshness, moon_crash.
// A message carrying the fenix_down trigger bypasses every gate; it is a
// dying agent's knowledge dump and must always land.
func (s *Service) Send(ctx context.Context, from, to, content string, cc ...string) (*SendResult, error) {
	sender, err := s.agents.Get(ctx, from)
	if err != nil {
		return nil, err
	}

	triggers := trigger.Scan(content)
	if !carriesFenixDown(triggers) {
		if err := s.gateSend(ctx, sender); err != nil {
			return nil, err
		}
	}

	recipients, broadcast, err := s.resolveRecipients(ctx, from, to)
	if err != nil {
		return nil, err
	}

	result := &SendResult{}
	for _, t := range triggers {
		result.Triggers = append(result.Triggers, t.Name)
	}

	now := db.NowISO()
	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin send: %w", err)
	}
	defer tx.Rollback()

	insert := func(toAgent string, isCC bool, ccOriginal string) (int64, error) {
		path, err := fsutil.MessagePath(s.inboxDir, toAgent, from, firstWords(content))
		if err != nil {
			return 0, fmt.Errorf("failed to build message path: %w", err)
		}
		if err := fsutil.AtomicWrite(path, content); err != nil {
			return 0, fmt.Errorf("failed to write message content: %w", err)
		}
		res, err := tx.Exec(`
			INSERT INTO messages (from_agent, to_agent, content_file, timestamp, read_flag, is_cc, cc_original_to)
			VALUES (?, ?, ?, ?, 0, ?, ?)`,
			from, toAgent, path, now, db.BoolToInt(isCC), ccOriginal)
		if err != nil {
			return 0, fmt.Errorf("failed to insert message: %w", err)
		}
		id, _ := res.LastInsertId()
		return id, nil
	}

	delivered := map[string]bool{}
	if broadcast {
		id, err := insert(RecipientAll, false, "")
		if err != nil {
			return nil, err
		}
		result.MessageIDs = append(result.MessageIDs, id)
		result.Recipients = append(result.Recipients, RecipientAll)
	} else {
		for _, r := range recipients {
			id, err := insert(r, false, "")
			if err != nil {
				return nil, err
			}
			delivered[r] = true
			result.MessageIDs = append(result.MessageIDs, id)
			result.Recipients = append(result.Recipients, r)
		}
	}

	// Explicit CC list: copies to extra named agents. A broadcast already
	// reaches everyone, so cc rows would only double-deliver.
	if !broadcast {
		for _, c := range cc {
			if c == from || delivered[c] {
				continue
			}
			exists, err := s.agents.Exists(ctx, c)
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "unknown_recipient",
					Observed: fmt.Sprintf("no agent named %q in cc", c),
					Hint:     "run who to list agents"}
			}
			id, err := insert(c, true, to)
			if err != nil {
				return nil, err
			}
			delivered[c] = true
			result.MessageIDs = append(result.MessageIDs, id)
			result.Recipients = append(result.Recipients, c)
		}
	}

	// Record detected triggers against the first inserted row; emergency
	// triggers flip the process-wide flag inside this transaction.
	for _, t := range triggers {
		var msgID int64
		if len(result.MessageIDs) > 0 {
			msgID = result.MessageIDs[0]
		}
		if _, err := tx.Exec(
			"INSERT INTO message_triggers (message_id, trigger, detected_at) VALUES (?, ?, ?)",
			msgID, t.Name, now); err != nil {
			return nil, fmt.Errorf("failed to record trigger: %w", err)
		}
		if t.Active {
			if err := trigger.SetFlagTx(tx, t.Name, from); err != nil {
				return nil, fmt.Errorf("failed to set flag %s: %w", t.Name, err)
			}
		}
	}

	// Auto-CC: keep the lead in the loop when neither side of a named send
	// is the lead.
	if !broadcast && len(recipients) == 1 {
		if ccID, ccTo, err := s.autoCC(ctx, tx, sender, recipients[0], to, content, now, delivered); err != nil {
			return nil, err
		} else if ccID != 0 {
			result.MessageIDs = append(result.MessageIDs, ccID)
			result.Recipients = append(result.Recipients, ccTo)
			result.CCdToLead = true
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit send: %w", err)
	}

	_ = s.agents.TouchSeen(ctx, from)

	s.logger.Info("message sent",
		zap.String("from", from),
		zap.String("to", to),
		zap.Int("rows", len(result.MessageIDs)),
		zap.Strings("triggers", result.Triggers))
	bus.Publish(ctx, s.bus, bus.SubjectMessageSent,
		bus.NewEvent("message.sent", "comms", map[string]any{
			"from": from, "to": to, "triggers": result.Triggers,
		}))
	for _, t := range triggers {
		if t.Active {
			bus.Publish(ctx, s.bus, bus.SubjectFlagSet,
				bus.NewEvent("flag.set", "comms", map[string]any{"flag": t.Name, "set_by": from}))
		}
	}

	return result, nil
}

// gateSend enforces the send preconditions in order: unread inbox, active
// plan, context freshness, moon_crash (lead excepted).
func (s *Service) gateSend(ctx context.Context, sender *agent.Agent) error {
	unread, err := s.UnreadCount(ctx, sender.Name)
	if err != nil {
		return err
	}
	if unread > 0 {
		return minionerr.ErrUnreadInbox.Withf("run check-inbox first", "unread=%d", unread)
	}

	if err := s.plans.RequireActivePlan(ctx); err != nil {
		return err
	}

	if err := s.agents.RequireFresh(ctx, sender.Name); err != nil {
		return err
	}

	if sender.Class != auth.ClassLead {
		set, err := trigger.FlagSet(s.store.RO, trigger.FlagMoonCrash)
		if err != nil {
			return err
		}
		if set {
			return minionerr.ErrMoonCrash.With("moon_crash flag is set",
				"wait for the lead to clear it")
		}
	}
	return nil
}

// resolveRecipients maps the to argument onto literal recipients.
// Returns (names, broadcast, error). A class with zero registered members
// resolves to zero recipients and is not an error.
func (s *Service) resolveRecipients(ctx context.Context, from, to string) ([]string, bool, error) {
	if to == RecipientAll {
		return nil, true, nil
	}
	if s.registry.ValidClass(to) {
		members, err := s.agents.ClassMembers(ctx, to)
		if err != nil {
			return nil, false, err
		}
		return members, false, nil
	}
	exists, err := s.agents.Exists(ctx, to)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, &minionerr.Error{Kind: minionerr.KindUser, Rule: "unknown_recipient",
			Observed: fmt.Sprintf("no agent or class named %q", to),
			Hint:     "run who to list agents"}
	}
	return []string{to}, false, nil
}

// autoCC inserts a CC copy to the current lead when neither sender nor
// recipient is the lead and the lead has not already received a copy.
// Returns (0, "", nil) when no CC applies.
func (s *Service) autoCC(ctx context.Context, tx *sqlx.Tx, sender *agent.Agent, recipient, originalTo, content, now string, delivered map[string]bool) (int64, string, error) {
	if sender.Class == auth.ClassLead {
		return 0, "", nil
	}
	rcpt, err := s.agents.Get(ctx, recipient)
	if err != nil {
		return 0, "", err
	}
	if rcpt.Class == auth.ClassLead {
		return 0, "", nil
	}

	leads, err := s.agents.ClassMembers(ctx, auth.ClassLead)
	if err != nil {
		return 0, "", err
	}
	if len(leads) == 0 {
		return 0, "", nil
	}
	lead := leads[0]
	if lead == sender.Name || lead == recipient || delivered[lead] {
		return 0, "", nil
	}

	path, err := fsutil.MessagePath(s.inboxDir, lead, sender.Name, "cc "+firstWords(content))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build cc path: %w", err)
	}
	if err := fsutil.AtomicWrite(path, content); err != nil {
		return 0, "", fmt.Errorf("failed to write cc content: %w", err)
	}
	res, err := tx.Exec(`
		INSERT INTO messages (from_agent, to_agent, content_file, timestamp, read_flag, is_cc, cc_original_to)
		VALUES (?, ?, ?, ?, 0, 1, ?)`,
		sender.Name, lead, path, now, originalTo)
	if err != nil {
		return 0, "", fmt.Errorf("failed to insert cc copy: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, lead, nil
}

func firstWords(content string) string {
	fields := strings.Fields(content)
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.Join(fields, " ")
}

func carriesFenixDown(triggers []trigger.Trigger) bool {
	for _, t := range triggers {
		if t.Name == "fenix_down" {
			return true
		}
	}
	return false
}

// UnreadCount returns the number of unread messages for an agent, including
// unobserved broadcasts.
func (s *Service) UnreadCount(ctx context.Context, name string) (int, error) {
	var direct int
	err := s.store.RO.Get(&direct,
		"SELECT COUNT(*) FROM messages WHERE to_agent = ? AND read_flag = 0", name)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	var broadcasts int
	err = s.store.RO.Get(&broadcasts, `
		SELECT COUNT(*) FROM messages m
		WHERE m.to_agent = ? AND m.from_agent != ?
		AND NOT EXISTS (
			SELECT 1 FROM broadcast_reads br
			WHERE br.agent_name = ? AND br.message_id = m.id
		)`, RecipientAll, name, name)
	if err != nil {
		return 0, fmt.Errorf("failed to count broadcasts: %w", err)
	}
	return direct + broadcasts, nil
}

// CheckInbox returns all unread messages for an agent, ordered by
// (timestamp, id), and atomically marks them read. Broadcasts are delivered
// at most once per agent via the broadcast_reads dedup set.
func (s *Service) CheckInbox(ctx context.Context, name string) ([]Message, error) {
	if _, err := s.agents.Get(ctx, name); err != nil {
		return nil, err
	}

	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin check_inbox: %w", err)
	}
	defer tx.Rollback()

	var messages []Message
	err = tx.Select(&messages, `
		SELECT id, from_agent, to_agent, content_file, timestamp, read_flag, is_cc, cc_original_to
		FROM messages m
		WHERE (m.to_agent = ? AND m.read_flag = 0)
		   OR (m.to_agent = ? AND m.from_agent != ? AND NOT EXISTS (
				SELECT 1 FROM broadcast_reads br
				WHERE br.agent_name = ? AND br.message_id = m.id))
		ORDER BY m.timestamp ASC, m.id ASC`,
		name, RecipientAll, name, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query inbox: %w", err)
	}

	for _, m := range messages {
		if m.ToAgent == RecipientAll {
			if _, err := tx.Exec(
				"INSERT OR IGNORE INTO broadcast_reads (agent_name, message_id) VALUES (?, ?)",
				name, m.ID); err != nil {
				return nil, fmt.Errorf("failed to record broadcast read: %w", err)
			}
		} else {
			if _, err := tx.Exec(
				"UPDATE messages SET read_flag = 1 WHERE id = ?", m.ID); err != nil {
				return nil, fmt.Errorf("failed to mark read: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit check_inbox: %w", err)
	}

	_ = s.agents.TouchInboxCheck(ctx, name)

	for i := range messages {
		messages[i].Content = fsutil.ReadContent(messages[i].ContentFile)
	}
	return messages, nil
}

// Purge deletes read messages older than the cutoff for one agent. Unread
// messages are never purged.
func (s *Service) Purge(ctx context.Context, name string, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.store.DB.Exec(
		"DELETE FROM messages WHERE to_agent = ? AND read_flag = 1 AND timestamp < ?",
		name, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge inbox: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("inbox purged", zap.String("agent", name), zap.Int64("deleted", n))
	return n, nil
}

// GetHistory returns the most recent messages between two agents, oldest
// first, bounded by limit.
func (s *Service) GetHistory(ctx context.Context, a, b string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var messages []Message
	err := s.store.RO.Select(&messages, `
		SELECT id, from_agent, to_agent, content_file, timestamp, read_flag, is_cc, cc_original_to
		FROM (
			SELECT * FROM messages
			WHERE (from_agent = ? AND to_agent = ?) OR (from_agent = ? AND to_agent = ?)
			ORDER BY timestamp DESC, id DESC LIMIT ?
		) ORDER BY timestamp ASC, id ASC`,
		a, b, b, a, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	for i := range messages {
		messages[i].Content = fsutil.ReadContent(messages[i].ContentFile)
	}
	return messages, nil
}

// ClearMoonCrash removes the moon_crash flag. Authorization (manage) is
// checked at the command layer.
func (s *Service) ClearMoonCrash(ctx context.Context, by string) error {
	if err := trigger.ClearFlag(s.store, trigger.FlagMoonCrash); err != nil {
		return err
	}
	s.logger.Info("moon_crash cleared", zap.String("by", by))
	return nil
}
