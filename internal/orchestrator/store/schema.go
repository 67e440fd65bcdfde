package store

import (
	"database/sql"
	"fmt"

	kdsqlite "github.com/kandev/orchestrator/internal/common/sqlite"
)

// initSchema creates the store's tables if absent and applies the
// idempotent additive ALTERs that are this store's migration strategy
// (§4.4, §6.3 — column names and types are a frozen compatibility contract;
// new columns are only ever added this way).
func initSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id            TEXT PRIMARY KEY,
			ticket_id     TEXT NOT NULL,
			ticket_title  TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			finished_at_ms INTEGER NOT NULL,
			status        TEXT NOT NULL,
			cost_usd      REAL DEFAULT 0,
			duration_ms   INTEGER DEFAULT 0,
			num_turns     INTEGER DEFAULT 0,
			error         TEXT,
			run_type      TEXT NOT NULL DEFAULT 'executor'
		)`,
		`CREATE TABLE IF NOT EXISTS activity_logs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_run_id  TEXT NOT NULL,
			timestamp_ms  INTEGER NOT NULL,
			type          TEXT NOT NULL,
			summary       TEXT NOT NULL,
			detail        TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_log (
			run_id     TEXT PRIMARY KEY,
			transcript TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			service       TEXT PRIMARY KEY,
			access_token  TEXT NOT NULL,
			refresh_token TEXT,
			expires_at_ms INTEGER NOT NULL DEFAULT 0,
			token_type    TEXT NOT NULL DEFAULT 'Bearer',
			scope         TEXT,
			actor         TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS planning_sessions (
			id         TEXT PRIMARY KEY,
			started_at_ms INTEGER NOT NULL,
			finished_at_ms INTEGER,
			status     TEXT NOT NULL,
			summary    TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS review_watch_hits (
			id               TEXT PRIMARY KEY,
			repo_owner       TEXT NOT NULL,
			repo_name        TEXT NOT NULL,
			pr_number        INTEGER NOT NULL,
			first_seen_at_ms INTEGER NOT NULL,
			handled_at_ms    INTEGER,
			UNIQUE(repo_owner, repo_name, pr_number)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	additiveColumns := []struct{ table, column, definition string }{
		{"agent_runs", "linear_issue_id", "TEXT"},
		{"agent_runs", "session_id", "TEXT"},
		{"agent_runs", "reviewed_at", "TIMESTAMP"},
		{"agent_runs", "exit_reason", "TEXT"},
		{"agent_runs", "run_type", "TEXT NOT NULL DEFAULT 'executor'"},
		{"activity_logs", "is_subagent", "INTEGER DEFAULT 0"},
		{"oauth_tokens", "updated_at", "INTEGER DEFAULT 0"},
		{"planning_sessions", "kind", "TEXT NOT NULL DEFAULT 'ticket_breakdown'"},
		{"planning_sessions", "project_id", "TEXT"},
	}
	for _, c := range additiveColumns {
		if err := kdsqlite.EnsureColumn(db, c.table, c.column, c.definition); err != nil {
			return fmt.Errorf("ensure column %s.%s: %w", c.table, c.column, err)
		}
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_finished_at ON agent_runs(finished_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_logs_agent_run_id ON activity_logs(agent_run_id)`,
	}
	for _, stmt := range indices {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
