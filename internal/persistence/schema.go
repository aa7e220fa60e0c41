package persistence

// schemaStatements create the v1 schema. Append-only tables are guarded by
// triggers so a stray UPDATE or DELETE fails loudly.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE COLLATE NOCASE,
		role TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL CHECK(level IN ('lead', 'specialist')),
		status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle', 'active', 'error')),
		current_task_id TEXT,
		model_config TEXT NOT NULL DEFAULT '{}',
		last_heartbeat TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK(status IN ('inbox', 'in_progress', 'blocked', 'done', 'cancelled')),
		priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('low', 'medium', 'high')),
		parent_task_id TEXT REFERENCES tasks(id),
		assignee_ids TEXT NOT NULL DEFAULT '[]',
		tags TEXT NOT NULL DEFAULT '[]',
		due_date TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT 'default',
		session_id TEXT NOT NULL,
		blocked_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, updated_at);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		from_agent_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		confidence_score REAL,
		thinking_mode TEXT NOT NULL DEFAULT '',
		mentions TEXT NOT NULL DEFAULT '[]',
		attachments TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS activities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		agent_id TEXT,
		task_id TEXT,
		message TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_activities_task ON activities(task_id, id);`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		mentioned_agent_id TEXT NOT NULL,
		source_agent_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL,
		content TEXT NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		delivered_at TEXT,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications(delivered, mentioned_agent_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS thread_subscriptions (
		agent_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(agent_id, task_id)
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		agent TEXT NOT NULL,
		step_type TEXT NOT NULL CHECK(step_type IN ('reason', 'act', 'observe', 'summary')),
		tool_name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 1,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		iteration INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id, created_at, id);`,
	`CREATE TABLE IF NOT EXISTS cost_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		agent_name TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0 CHECK(cost_usd >= 0),
		task_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cost_entries_user ON cost_entries(user_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS user_budgets (
		user_id TEXT PRIMARY KEY,
		daily_limit_usd REAL NOT NULL,
		monthly_limit_usd REAL NOT NULL,
		current_day_spend REAL NOT NULL DEFAULT 0 CHECK(current_day_spend >= 0),
		current_month_spend REAL NOT NULL DEFAULT 0 CHECK(current_month_spend >= 0),
		last_reset_day TEXT NOT NULL,
		last_reset_month TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS rate_counters (
		agent_id TEXT NOT NULL,
		bucket_kind TEXT NOT NULL CHECK(bucket_kind IN ('minute', 'day')),
		bucket_key TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (agent_id, bucket_kind, bucket_key)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rate_counters_expiry ON rate_counters(expires_at);`,
	`CREATE TABLE IF NOT EXISTS embeddings (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		vector TEXT NOT NULL DEFAULT '[]',
		source TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_accessed_at TEXT NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		archived_at TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_embeddings_decay ON embeddings(archived, last_accessed_at, access_count);`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron_expr TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		session_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL DEFAULT 'default',
		created_by TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		next_run_at TEXT,
		last_run_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);`,
	`CREATE TABLE IF NOT EXISTS tool_call_dedup (
		idempotency_key TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		result_json TEXT NOT NULL DEFAULT 'null',
		created_at TEXT NOT NULL
	);`,
	`CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
		BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
		BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS activities_no_update BEFORE UPDATE ON activities
		BEGIN SELECT RAISE(ABORT, 'activities are append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS activities_no_delete BEFORE DELETE ON activities
		BEGIN SELECT RAISE(ABORT, 'activities are append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS messages_no_update BEFORE UPDATE ON messages
		BEGIN SELECT RAISE(ABORT, 'messages are append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS messages_no_delete BEFORE DELETE ON messages
		BEGIN SELECT RAISE(ABORT, 'messages are append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS cost_entries_no_update BEFORE UPDATE ON cost_entries
		BEGIN SELECT RAISE(ABORT, 'cost_entries are append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS cost_entries_no_delete BEFORE DELETE ON cost_entries
		BEGIN SELECT RAISE(ABORT, 'cost_entries are append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS tasks_terminal_frozen BEFORE UPDATE ON tasks
		WHEN OLD.status IN ('done', 'cancelled')
		BEGIN SELECT RAISE(ABORT, 'terminal tasks are immutable'); END;`,
}
