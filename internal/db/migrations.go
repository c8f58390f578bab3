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

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS device_profiles (
	profile_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	vendor TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	prompt_patterns TEXT NOT NULL,
	commands TEXT NOT NULL,
	error_markers TEXT NOT NULL DEFAULT '[]',
	detection_command TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS templates (
	template_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	body TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL DEFAULT '[]',
	config_schema TEXT NOT NULL DEFAULT '{}',
	is_baseline INTEGER NOT NULL DEFAULT 0,
	profile_id INTEGER,
	created_at TEXT NOT NULL,
	FOREIGN KEY(profile_id) REFERENCES device_profiles(profile_id)
);

CREATE TABLE IF NOT EXISTS macros (
	macro_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL DEFAULT '[]',
	config_schema TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	template_id INTEGER,
	macro_id INTEGER,
	status TEXT NOT NULL CHECK(status IN ('queued','running','completed','failed')),
	created_at TEXT NOT NULL,
	FOREIGN KEY(template_id) REFERENCES templates(template_id),
	FOREIGN KEY(macro_id) REFERENCES macros(macro_id)
);

CREATE TABLE IF NOT EXISTS job_targets (
	target_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	port TEXT NOT NULL,
	variables TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL CHECK(status IN ('queued','running','completed','failed')),
	log TEXT NOT NULL DEFAULT '',
	verification_results TEXT NOT NULL DEFAULT '[]',
	failure_category TEXT,
	remediation TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS job_targets_job_id
ON job_targets(job_id);

CREATE INDEX IF NOT EXISTS jobs_created_at
ON jobs(created_at DESC);
`,
		DownSQL: `
DROP TABLE IF EXISTS job_targets;
DROP TABLE IF EXISTS jobs;
DROP TABLE IF EXISTS macros;
DROP TABLE IF EXISTS templates;
DROP TABLE IF EXISTS device_profiles;
DROP TABLE IF EXISTS settings;
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
