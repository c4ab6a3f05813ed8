package store

// schemaStatements holds one CREATE block per table, executed in order on
// startup. All statements are idempotent; column additions after release go
// through migrations.go instead.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS domains (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		kb_path TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		allow_external INTEGER NOT NULL DEFAULT 0,
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS kb_files (
		id TEXT PRIMARY KEY,
		domain_id TEXT NOT NULL REFERENCES domains(id) ON DELETE CASCADE,
		relative_path TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT 'general',
		content_hash TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		last_synced_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(domain_id, relative_path)
	);
	CREATE INDEX IF NOT EXISTS idx_kb_files_domain ON kb_files(domain_id);`,

	`CREATE TABLE IF NOT EXISTS kb_chunks (
		id TEXT PRIMARY KEY,
		kb_file_id TEXT NOT NULL REFERENCES kb_files(id) ON DELETE CASCADE,
		chunk_key TEXT NOT NULL,
		ordinal INTEGER NOT NULL DEFAULT 0,
		heading_path TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		file_content_hash TEXT NOT NULL DEFAULT '',
		char_count INTEGER NOT NULL DEFAULT 0,
		token_estimate INTEGER NOT NULL DEFAULT 0,
		start_line INTEGER NOT NULL DEFAULT 0,
		end_line INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(kb_file_id, chunk_key)
	);
	CREATE INDEX IF NOT EXISTS idx_kb_chunks_file ON kb_chunks(kb_file_id);`,

	`CREATE TABLE IF NOT EXISTS chunk_embeddings (
		id TEXT PRIMARY KEY,
		chunk_id TEXT NOT NULL REFERENCES kb_chunks(id) ON DELETE CASCADE,
		model_name TEXT NOT NULL,
		dimensions INTEGER NOT NULL DEFAULT 0,
		vector BLOB NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		provider_fingerprint TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE(chunk_id, model_name)
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_embeddings_chunk ON chunk_embeddings(chunk_id);`,

	`CREATE TABLE IF NOT EXISTS embedding_jobs (
		domain_id TEXT NOT NULL,
		model_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		total_files INTEGER NOT NULL DEFAULT 0,
		processed_files INTEGER NOT NULL DEFAULT 0,
		total_chunks INTEGER NOT NULL DEFAULT 0,
		embedded_chunks INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		started_at DATETIME,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (domain_id, model_name)
	);`,

	`CREATE TABLE IF NOT EXISTS automations (
		id TEXT PRIMARY KEY,
		domain_id TEXT NOT NULL REFERENCES domains(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		prompt_template TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL,
		trigger_cron TEXT NOT NULL DEFAULT '',
		trigger_event TEXT NOT NULL DEFAULT '',
		action_kind TEXT NOT NULL,
		action_config TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		failure_streak INTEGER NOT NULL DEFAULT 0,
		cooldown_until DATETIME,
		run_count INTEGER NOT NULL DEFAULT 0,
		last_run_at DATETIME,
		store_payloads INTEGER NOT NULL DEFAULT 0,
		catch_up_enabled INTEGER NOT NULL DEFAULT 0,
		deadline_window_days INTEGER NOT NULL DEFAULT 0,
		duplicate_skip_count INTEGER NOT NULL DEFAULT 0,
		last_duplicate_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_automations_domain ON automations(domain_id);
	CREATE INDEX IF NOT EXISTS idx_automations_event ON automations(trigger_event);`,

	`CREATE TABLE IF NOT EXISTS automation_runs (
		id TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
		domain_id TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL DEFAULT '',
		trigger_data TEXT NOT NULL DEFAULT '',
		dedupe_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		prompt_hash TEXT NOT NULL DEFAULT '',
		response_hash TEXT NOT NULL DEFAULT '',
		action_result TEXT NOT NULL DEFAULT '',
		action_external_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_automation ON automation_runs(automation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON automation_runs(status);`,

	`CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		definition TEXT NOT NULL DEFAULT '{}',
		definition_hash TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		domain_ids TEXT NOT NULL DEFAULT '[]',
		param_schema TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS mission_runs (
		id TEXT PRIMARY KEY,
		mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
		domain_id TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		params TEXT NOT NULL DEFAULT '',
		definition_hash TEXT NOT NULL DEFAULT '',
		prompt_hash TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		context_snapshot TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_mission_runs_mission ON mission_runs(mission_id);
	CREATE INDEX IF NOT EXISTS idx_mission_runs_request ON mission_runs(request_id);`,

	`CREATE TABLE IF NOT EXISTS mission_run_outputs (
		id TEXT PRIMARY KEY,
		mission_run_id TEXT NOT NULL REFERENCES mission_runs(id) ON DELETE CASCADE,
		ordinal INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE(mission_run_id, ordinal)
	);`,

	`CREATE TABLE IF NOT EXISTS mission_run_gates (
		id TEXT PRIMARY KEY,
		mission_run_id TEXT NOT NULL REFERENCES mission_runs(id) ON DELETE CASCADE,
		message TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		decided_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_gates_run ON mission_run_gates(mission_run_id);`,

	`CREATE TABLE IF NOT EXISTS mission_run_actions (
		id TEXT PRIMARY KEY,
		mission_run_id TEXT NOT NULL REFERENCES mission_runs(id) ON DELETE CASCADE,
		ordinal INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		executed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_actions_run ON mission_run_actions(mission_run_id);`,

	`CREATE TABLE IF NOT EXISTS intake_items (
		id TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		external_id TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		extraction_mode TEXT NOT NULL DEFAULT '',
		classification TEXT NOT NULL DEFAULT '',
		domain_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		metadata TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE(source_type, external_id)
	);`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		domain_id TEXT NOT NULL REFERENCES domains(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_domain ON sessions(domain_id);`,

	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		raw_message TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, created_at);`,

	`CREATE TABLE IF NOT EXISTS conversation_summaries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id) ON DELETE CASCADE,
		content TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,

	// Protocols may be global (empty domain_id), so no FK here; DeleteDomain
	// clears domain-scoped rows explicitly.
	`CREATE TABLE IF NOT EXISTS protocols (
		id TEXT PRIMARY KEY,
		domain_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		built_in INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(domain_id, name)
	);`,
}
