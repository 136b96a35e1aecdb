package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle','running','success','error')),
	impl_status TEXT NOT NULL DEFAULT 'idle' CHECK(impl_status IN ('idle','running','success','error')),
	issue_number TEXT NOT NULL DEFAULT '',
	issue_state TEXT NOT NULL DEFAULT 'unknown' CHECK(issue_state IN ('open','closed','unknown')),
	plan_path TEXT NOT NULL DEFAULT '',
	action_mode TEXT NOT NULL DEFAULT 'default' CHECK(action_mode IN ('default','implement','refine','rerun')),
	collapsed INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS refine_runs (
	run_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	focus TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle','running','success','error')),
	logs TEXT NOT NULL DEFAULT '[]',
	collapsed INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS widgets (
	widget_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL CHECK(type IN ('text','terminal','progress','buttons','input','status')),
	title TEXT NOT NULL DEFAULT '',
	lines TEXT NOT NULL DEFAULT '[]',
	meta TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(session_id, seq),
	FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS refine_runs_session_created
ON refine_runs(session_id, created_at);

CREATE INDEX IF NOT EXISTS widgets_session_seq
ON widgets(session_id, seq);

CREATE INDEX IF NOT EXISTS sessions_updated_at
ON sessions(updated_at DESC);
`,
		DownSQL: `
DROP INDEX IF EXISTS sessions_updated_at;
DROP INDEX IF EXISTS widgets_session_seq;
DROP INDEX IF EXISTS refine_runs_session_created;
DROP TABLE IF EXISTS widgets;
DROP TABLE IF EXISTS refine_runs;
DROP TABLE IF EXISTS sessions;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE sessions ADD COLUMN phase TEXT NOT NULL DEFAULT 'idle'
	CHECK(phase IN ('idle','planning','plan-completed','refining','implementing','completed'));
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
	{
		Version: 3,
		UpSQL: `
ALTER TABLE sessions ADD COLUMN rerun_json TEXT;
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
	{
		Version: 4,
		UpSQL: `
ALTER TABLE sessions ADD COLUMN pr_url TEXT NOT NULL DEFAULT '';
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
	{
		Version: 5,
		UpSQL: `
ALTER TABLE sessions ADD COLUMN run_pid INTEGER NOT NULL DEFAULT 0;
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
