package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// schemaStatements are applied in order on startup. Every statement is
// idempotent so restarts are safe. pgx's extended protocol executes one
// statement per Exec, hence the slice rather than one script.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id          TEXT PRIMARY KEY,
		email       TEXT NOT NULL UNIQUE,
		pass_hash   TEXT NOT NULL,
		role        TEXT NOT NULL,
		is_active   BOOLEAN NOT NULL DEFAULT TRUE,
		created_by  TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_login  TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS invitations (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash  TEXT NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS devices (
		id            TEXT PRIMARY KEY,
		agent_id      TEXT NOT NULL UNIQUE,
		hostname      TEXT NOT NULL,
		name          TEXT NOT NULL,
		user_id       TEXT NOT NULL REFERENCES users(id),
		registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		status        TEXT NOT NULL DEFAULT 'online',
		last_seen     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices (last_seen)`,

	`CREATE TABLE IF NOT EXISTS device_assignments (
		device_id   TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		assigned_by TEXT NOT NULL,
		assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (device_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS logs (
		id        BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		host      TEXT NOT NULL DEFAULT '',
		agent_id  TEXT NOT NULL,
		message   TEXT NOT NULL DEFAULT '',
		fields    JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_agent_time ON logs (agent_id, timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS metrics (
		id        BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		agent_id  TEXT NOT NULL,
		cpu       JSONB NOT NULL DEFAULT '{}'::jsonb,
		memory    JSONB NOT NULL DEFAULT '{}'::jsonb,
		disk      JSONB NOT NULL DEFAULT '{}'::jsonb,
		network   JSONB NOT NULL DEFAULT '{}'::jsonb,
		process   JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_agent_time ON metrics (agent_id, timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS processes (
		agent_id           TEXT NOT NULL,
		collected_at       TIMESTAMPTZ NOT NULL,
		pid                INTEGER NOT NULL,
		name               TEXT NOT NULL DEFAULT '',
		ppid               INTEGER NOT NULL DEFAULT 0,
		username           TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT '',
		cmdline            TEXT NOT NULL DEFAULT '',
		exe                TEXT NOT NULL DEFAULT '',
		cpu_percent        DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_percent     DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_rss         BIGINT NOT NULL DEFAULT 0,
		memory_vms         BIGINT NOT NULL DEFAULT 0,
		num_threads        INTEGER NOT NULL DEFAULT 0,
		num_fds            INTEGER NOT NULL DEFAULT 0,
		num_connections    INTEGER NOT NULL DEFAULT 0,
		connection_details TEXT[] NOT NULL DEFAULT '{}',
		PRIMARY KEY (agent_id, pid)
	)`,

	`CREATE TABLE IF NOT EXISTS processes_history (
		id                 BIGSERIAL PRIMARY KEY,
		agent_id           TEXT NOT NULL,
		collected_at       TIMESTAMPTZ NOT NULL,
		pid                INTEGER NOT NULL,
		name               TEXT NOT NULL DEFAULT '',
		ppid               INTEGER NOT NULL DEFAULT 0,
		username           TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT '',
		cmdline            TEXT NOT NULL DEFAULT '',
		exe                TEXT NOT NULL DEFAULT '',
		cpu_percent        DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_percent     DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_rss         BIGINT NOT NULL DEFAULT 0,
		memory_vms         BIGINT NOT NULL DEFAULT 0,
		num_threads        INTEGER NOT NULL DEFAULT 0,
		num_fds            INTEGER NOT NULL DEFAULT 0,
		num_connections    INTEGER NOT NULL DEFAULT 0,
		connection_details TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processes_history_agent_time ON processes_history (agent_id, collected_at DESC)`,

	`CREATE TABLE IF NOT EXISTS commands (
		id                BIGSERIAL PRIMARY KEY,
		timestamp         TIMESTAMPTZ NOT NULL,
		agent_id          TEXT NOT NULL,
		username          TEXT NOT NULL DEFAULT '',
		command           TEXT NOT NULL,
		shell             TEXT NOT NULL DEFAULT '',
		source            TEXT NOT NULL DEFAULT '',
		working_directory TEXT NOT NULL DEFAULT '',
		exit_code         INTEGER,
		dedup_hash        TEXT NOT NULL,
		UNIQUE (agent_id, dedup_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_agent_time ON commands (agent_id, timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS incidents (
		id               BIGSERIAL PRIMARY KEY,
		name             TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		severity         TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'open',
		alert_count      INTEGER NOT NULL DEFAULT 0,
		affected_devices TEXT[] NOT NULL DEFAULT '{}',
		attack_vector    TEXT NOT NULL DEFAULT 'unknown',
		metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved_at      TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id                TEXT PRIMARY KEY,
		rule_name         TEXT NOT NULL,
		severity          TEXT NOT NULL,
		details           JSONB NOT NULL DEFAULT '{}'::jsonb,
		agent_id          TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		assignment_status TEXT NOT NULL DEFAULT 'unassigned',
		incident_id       BIGINT REFERENCES incidents(id) ON DELETE SET NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_agent_time ON alerts (agent_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_ungrouped ON alerts (created_at) WHERE incident_id IS NULL`,

	`CREATE TABLE IF NOT EXISTS alert_assignments (
		id           BIGSERIAL PRIMARY KEY,
		alert_id     TEXT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
		assigned_to  TEXT NOT NULL REFERENCES users(id),
		assigned_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		status       TEXT NOT NULL DEFAULT 'investigating',
		notes        TEXT NOT NULL DEFAULT '',
		resolution   TEXT,
		resolved_at  TIMESTAMPTZ,
		escalated_at TIMESTAMPTZ,
		escalated_to TEXT
	)`,
	// At most one live assignment per alert; resolved rows stay as history.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_assignments_active
		ON alert_assignments (alert_id) WHERE status != 'resolved'`,
}

func (s *Store) migrate(ctx context.Context) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for i, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema statement %d: %w", i, err)
			}
		}
		return nil
	})
}
