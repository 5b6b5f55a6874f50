package agent

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/minionerr"
)

// Repository owns the agents table.
type Repository struct {
	store *db.Store
}

// NewRepository creates a new agent repository.
func NewRepository(store *db.Store) *Repository {
	return &Repository{store: store}
}

const agentColumns = `name, agent_class, model, transport, status, context_summary,
	last_seen, last_inbox_check, context_updated_at,
	hp_input_tokens, hp_output_tokens, hp_turn_input, hp_turn_output,
	hp_tokens_limit, hp_mode, hp_alerts_fired,
	current_zone, current_role, pid, rss_bytes, crew, session_id, registered_at`

// Get returns one agent by name.
func (r *Repository) Get(name string) (*Agent, error) {
	var a Agent
	query := fmt.Sprintf("SELECT %s FROM agents WHERE name = ?", agentColumns)
	if err := r.store.RO.Get(&a, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, minionerr.NotFound("agent", name)
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &a, nil
}

// List returns all registered agents ordered by name.
func (r *Repository) List() ([]*Agent, error) {
	var agents []*Agent
	query := fmt.Sprintf("SELECT %s FROM agents ORDER BY name", agentColumns)
	if err := r.store.RO.Select(&agents, query); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// ClassMembers returns the names of registered agents of a class, ordered by name.
func (r *Repository) ClassMembers(class string) ([]string, error) {
	var names []string
	err := r.store.RO.Select(&names,
		"SELECT name FROM agents WHERE agent_class = ? ORDER BY name", class)
	if err != nil {
		return nil, fmt.Errorf("failed to list class members: %w", err)
	}
	return names, nil
}

// Exists reports whether an agent is registered.
func (r *Repository) Exists(name string) (bool, error) {
	var count int
	if err := r.store.RO.Get(&count, "SELECT COUNT(*) FROM agents WHERE name = ?", name); err != nil {
		return false, fmt.Errorf("failed to check agent existence: %w", err)
	}
	return count > 0, nil
}

// Upsert inserts or refreshes a registration. Re-registering an existing name
// updates class, model, and transport and touches last_seen; HP counters and
// context survive.
func (r *Repository) Upsert(name, class, model, transport string) error {
	now := db.NowISO()
	_, err := r.store.DB.Exec(`
		INSERT INTO agents (name, agent_class, model, transport, last_seen, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			agent_class = excluded.agent_class,
			model = excluded.model,
			transport = excluded.transport,
			last_seen = excluded.last_seen`,
		name, class, model, transport, now, now)
	if err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}
	return nil
}

// Delete removes a registration.
func (r *Repository) Delete(name string) error {
	res, err := r.store.DB.Exec("DELETE FROM agents WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to deregister agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return minionerr.NotFound("agent", name)
	}
	return nil
}

// UpdateContext stores the context summary and touches context_updated_at.
func (r *Repository) UpdateContext(name, summary string) error {
	now := db.NowISO()
	res, err := r.store.DB.Exec(`
		UPDATE agents SET context_summary = ?, context_updated_at = ?, last_seen = ?
		WHERE name = ?`,
		summary, now, now, name)
	if err != nil {
		return fmt.Errorf("failed to update context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return minionerr.NotFound("agent", name)
	}
	return nil
}

// UpdateStatus stores the free-text status and touches last_seen.
func (r *Repository) UpdateStatus(name, status string) error {
	res, err := r.store.DB.Exec(
		"UPDATE agents SET status = ?, last_seen = ? WHERE name = ?",
		status, db.NowISO(), name)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return minionerr.NotFound("agent", name)
	}
	return nil
}

// TouchSeen refreshes last_seen.
func (r *Repository) TouchSeen(name string) error {
	_, err := r.store.DB.Exec("UPDATE agents SET last_seen = ? WHERE name = ?", db.NowISO(), name)
	return err
}

// TouchInboxCheck refreshes last_inbox_check and last_seen.
func (r *Repository) TouchInboxCheck(name string) error {
	now := db.NowISO()
	_, err := r.store.DB.Exec(
		"UPDATE agents SET last_inbox_check = ?, last_seen = ? WHERE name = ?",
		now, now, name)
	return err
}

// SetSelfReportedHP records an agent-supplied HP reading and switches the
// agent to self-reported mode.
func (r *Repository) SetSelfReportedHP(name string, turnInput, limit int64) error {
	_, err := r.store.DB.Exec(`
		UPDATE agents SET hp_turn_input = ?, hp_tokens_limit = ?, hp_mode = ?
		WHERE name = ?`,
		turnInput, limit, HPModeSelfReported, name)
	if err != nil {
		return fmt.Errorf("failed to record self-reported hp: %w", err)
	}
	return nil
}

// SetZoneRole updates the agent's current zone and role assignment.
func (r *Repository) SetZoneRole(name, zone, role string) error {
	res, err := r.store.DB.Exec(
		"UPDATE agents SET current_zone = ?, current_role = ? WHERE name = ?",
		zone, role, name)
	if err != nil {
		return fmt.Errorf("failed to update zone: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return minionerr.NotFound("agent", name)
	}
	return nil
}

// SetRuntime records the daemon process attributes for an agent.
func (r *Repository) SetRuntime(name string, pid int, rssBytes int64, sessionID string) error {
	_, err := r.store.DB.Exec(`
		UPDATE agents SET pid = ?, rss_bytes = ?, session_id = ?, last_seen = ?
		WHERE name = ?`,
		pid, rssBytes, sessionID, db.NowISO(), name)
	return err
}

// SetCrew records crew membership.
func (r *Repository) SetCrew(name, crew string) error {
	_, err := r.store.DB.Exec("UPDATE agents SET crew = ? WHERE name = ?", crew, name)
	return err
}

// Rename changes an agent's name and rewrites every datastore reference to
// the old name in one transaction: messages, broadcast reads, tasks, task
// history, claims, waitlists, plans, log entries, and fenix records.
func (r *Repository) Rename(oldName, newName string) error {
	tx, err := r.store.DB.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin rename: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("UPDATE agents SET name = ? WHERE name = ?", newName, oldName)
	if err != nil {
		return fmt.Errorf("failed to rename agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return minionerr.NotFound("agent", oldName)
	}

	rewrites := []struct {
		query string
	}{
		{"UPDATE messages SET from_agent = ? WHERE from_agent = ?"},
		{"UPDATE messages SET to_agent = ? WHERE to_agent = ?"},
		{"UPDATE messages SET cc_original_to = ? WHERE cc_original_to = ?"},
		{"UPDATE broadcast_reads SET agent_name = ? WHERE agent_name = ?"},
		{"UPDATE tasks SET assigned_to = ? WHERE assigned_to = ?"},
		{"UPDATE tasks SET created_by = ? WHERE created_by = ?"},
		{"UPDATE task_history SET agent = ? WHERE agent = ?"},
		{"UPDATE file_claims SET holder = ? WHERE holder = ?"},
		{"UPDATE claim_waitlist SET agent = ? WHERE agent = ?"},
		{"UPDATE plans SET agent = ? WHERE agent = ?"},
		{"UPDATE raid_log SET agent = ? WHERE agent = ?"},
		{"UPDATE fenix_records SET agent = ? WHERE agent = ?"},
		{"UPDATE agent_retire SET agent_name = ? WHERE agent_name = ?"},
	}
	for _, rw := range rewrites {
		if _, err := tx.Exec(rw.query, newName, oldName); err != nil {
			return fmt.Errorf("failed to rewrite references: %w", err)
		}
	}

	return tx.Commit()
}
