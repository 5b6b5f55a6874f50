package db

// Schema initialization is idempotent. New columns are added through
// EnsureColumn probes so existing databases migrate in place.

func (s *Store) initSchema() error {
	if err := s.initAgentSchema(); err != nil {
		return err
	}
	if err := s.initCommsSchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initClaimSchema(); err != nil {
		return err
	}
	if err := s.initWarRoomSchema(); err != nil {
		return err
	}
	if err := s.initLifecycleSchema(); err != nil {
		return err
	}
	return s.migrate()
}

func (s *Store) initAgentSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		name TEXT PRIMARY KEY,
		agent_class TEXT NOT NULL,
		model TEXT DEFAULT '',
		transport TEXT NOT NULL DEFAULT 'daemon',
		status TEXT DEFAULT '',
		context_summary TEXT DEFAULT '',
		last_seen TEXT,
		last_inbox_check TEXT,
		context_updated_at TEXT,
		hp_input_tokens INTEGER NOT NULL DEFAULT 0,
		hp_output_tokens INTEGER NOT NULL DEFAULT 0,
		hp_turn_input INTEGER NOT NULL DEFAULT 0,
		hp_turn_output INTEGER NOT NULL DEFAULT 0,
		hp_tokens_limit INTEGER NOT NULL DEFAULT 0,
		hp_mode TEXT NOT NULL DEFAULT 'none',
		hp_alerts_fired TEXT NOT NULL DEFAULT '',
		current_zone TEXT DEFAULT '',
		current_role TEXT DEFAULT '',
		pid INTEGER,
		rss_bytes INTEGER NOT NULL DEFAULT 0,
		crew TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		registered_at TEXT NOT NULL
	);
	`
	_, err := s.DB.Exec(schema)
	return err
}

func (s *Store) initCommsSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		content_file TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		read_flag INTEGER NOT NULL DEFAULT 0,
		is_cc INTEGER NOT NULL DEFAULT 0,
		cc_original_to TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_messages_inbox ON messages(to_agent, read_flag);

	CREATE TABLE IF NOT EXISTS broadcast_reads (
		agent_name TEXT NOT NULL,
		message_id INTEGER NOT NULL,
		PRIMARY KEY (agent_name, message_id)
	);

	CREATE TABLE IF NOT EXISTS message_triggers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL,
		trigger TEXT NOT NULL,
		detected_at TEXT NOT NULL
	);
	`
	_, err := s.DB.Exec(schema)
	return err
}

func (s *Store) initTaskSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		task_file TEXT DEFAULT '',
		project TEXT DEFAULT '',
		zone TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		blocked_by TEXT DEFAULT '',
		assigned_to TEXT,
		created_by TEXT NOT NULL,
		files TEXT DEFAULT '',
		progress TEXT DEFAULT '',
		class_required TEXT NOT NULL DEFAULT 'coder',
		flow_type TEXT NOT NULL DEFAULT 'bugfix',
		activity_count INTEGER NOT NULL DEFAULT 0,
		result_file TEXT,
		requirement_path TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);

	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		agent TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id);
	`
	_, err := s.DB.Exec(schema)
	return err
}

func (s *Store) initClaimSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS file_claims (
		file_path TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS claim_waitlist (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_path TEXT NOT NULL,
		agent TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		UNIQUE (file_path, agent)
	);
	`
	_, err := s.DB.Exec(schema)
	return err
}

func (s *Store) initWarRoomSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		plan_file TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		set_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS raid_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		entry_file TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		created_at TEXT NOT NULL
	);
	`
	_, err := s.DB.Exec(schema)
	return err
}

func (s *Store) initLifecycleSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS flags (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		set_by TEXT NOT NULL DEFAULT '',
		set_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fenix_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		files TEXT NOT NULL DEFAULT '[]',
		manifest TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		consumed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS agent_retire (
		agent_name TEXT PRIMARY KEY,
		requested_by TEXT NOT NULL DEFAULT '',
		requested_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS crews (
		name TEXT PRIMARY KEY,
		config_file TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		stopped_at TEXT
	);

	CREATE TABLE IF NOT EXISTS invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		generation INTEGER NOT NULL DEFAULT 0,
		prompt_kind TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		ended_at TEXT,
		exit_code INTEGER,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		compaction INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.DB.Exec(schema)
	return err
}

// migrate adds columns introduced after the initial schema shipped.
func (s *Store) migrate() error {
	migrations := []struct {
		table, column, ddl string
	}{
		{"agents", "hp_mode", "ALTER TABLE agents ADD COLUMN hp_mode TEXT NOT NULL DEFAULT 'none'"},
		{"agents", "session_id", "ALTER TABLE agents ADD COLUMN session_id TEXT DEFAULT ''"},
		{"agents", "rss_bytes", "ALTER TABLE agents ADD COLUMN rss_bytes INTEGER NOT NULL DEFAULT 0"},
		{"tasks", "requirement_path", "ALTER TABLE tasks ADD COLUMN requirement_path TEXT DEFAULT ''"},
	}
	for _, m := range migrations {
		if err := s.EnsureColumn(m.table, m.column, m.ddl); err != nil {
			return err
		}
	}
	return nil
}
