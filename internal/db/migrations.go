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

CREATE TABLE IF NOT EXISTS repos (
	repo_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	group_name TEXT NOT NULL DEFAULT '',
	project_slug TEXT NOT NULL DEFAULT '',
	github_url TEXT NOT NULL DEFAULT '',
	server_path TEXT NOT NULL DEFAULT '',
	pc_path TEXT NOT NULL DEFAULT '',
	family_key TEXT NOT NULL DEFAULT '',
	family_source TEXT NOT NULL DEFAULT 'configured' CHECK(family_source IN ('configured','inferred')),
	is_active INTEGER NOT NULL DEFAULT 1,
	auto_discovered INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS repos_family_key ON repos(family_key) WHERE family_key != '';

CREATE TABLE IF NOT EXISTS nodes (
	node_id TEXT PRIMARY KEY,
	role TEXT NOT NULL CHECK(role IN ('server','pc')),
	kind TEXT NOT NULL DEFAULT 'local' CHECK(kind IN ('local','ssh')),
	connection_ref TEXT NOT NULL DEFAULT '' CHECK(connection_ref = '' OR (length(connection_ref) BETWEEN 1 AND 128 AND connection_ref NOT GLOB '*[^A-Za-z0-9._@-]*')),
	running_count INTEGER NOT NULL DEFAULT 0,
	stopped_count INTEGER NOT NULL DEFAULT 0,
	errored_count INTEGER NOT NULL DEFAULT 0,
	health TEXT NOT NULL DEFAULT 'ok' CHECK(health IN ('ok','degraded','down')),
	first_anomaly_at TEXT,
	last_report_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS git_states (
	node_id TEXT NOT NULL,
	repo_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK(role IN ('server','pc')),
	path TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT '',
	head TEXT NOT NULL DEFAULT '',
	head_short TEXT NOT NULL DEFAULT '',
	dirty INTEGER NOT NULL DEFAULT 0,
	ahead INTEGER NOT NULL DEFAULT 0 CHECK(ahead >= 0),
	behind INTEGER NOT NULL DEFAULT 0 CHECK(behind >= 0),
	last_commit_message TEXT NOT NULL DEFAULT '',
	last_commit_time TEXT,
	origin_error INTEGER NOT NULL DEFAULT 0,
	origin_error_since TEXT,
	path_missing INTEGER NOT NULL DEFAULT 0,
	last_seen TEXT NOT NULL,
	PRIMARY KEY(node_id, repo_id),
	FOREIGN KEY(repo_id) REFERENCES repos(repo_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS git_states_repo_role ON git_states(repo_id, role, last_seen);

CREATE TABLE IF NOT EXISTS db_drift (
	db_key TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT '',
	attention_level TEXT NOT NULL DEFAULT '' CHECK(attention_level IN ('','warn','urgent')),
	schema_hash TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	last_ok_at TEXT,
	drift_detected_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_actions (
	action_id TEXT PRIMARY KEY,
	family_key TEXT NOT NULL,
	desired_head TEXT NOT NULL,
	requested_at TEXT NOT NULL,
	completed_at TEXT,
	results_json TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS sync_actions_family ON sync_actions(family_key, requested_at);

CREATE TABLE IF NOT EXISTS drift_marks (
	repo_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	first_detected_at TEXT NOT NULL,
	FOREIGN KEY(repo_id) REFERENCES repos(repo_id) ON DELETE CASCADE
);
`,
		DownSQL: `
DROP TABLE IF EXISTS drift_marks;
DROP TABLE IF EXISTS sync_actions;
DROP TABLE IF EXISTS db_drift;
DROP TABLE IF EXISTS git_states;
DROP TABLE IF EXISTS nodes;
DROP TABLE IF EXISTS repos;
DROP TABLE IF EXISTS schema_migrations;
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
		if err != sql.ErrNoRows {
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
