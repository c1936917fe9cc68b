package repository

import (
	"context"
	"fmt"

	"shopfloor-telemetry/internal/resilience"
)

// collaboratorDDL 设备登记 / 班组服务拥有的表。独立部署时才由本服务创建。
var collaboratorDDL = []string{
	`CREATE TABLE IF NOT EXISTS machines (
		id                BIGSERIAL PRIMARY KEY,
		name              TEXT NOT NULL,
		code              TEXT NOT NULL UNIQUE,
		status            TEXT NOT NULL DEFAULT 'STOPPED',
		rate              DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (rate >= 0),
		team_code         TEXT NOT NULL DEFAULT '',
		operator_id       TEXT,
		status_changed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS shift_teams (
		code             TEXT PRIMARY KEY,
		cycle_number     INTEGER NOT NULL DEFAULT 1,
		cycle_start_date DATE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS shift_team_members (
		team_code TEXT NOT NULL REFERENCES shift_teams(code) ON DELETE CASCADE,
		user_id   TEXT NOT NULL,
		is_leader BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (team_code, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS machine_status_transitions (
		id         BIGSERIAL PRIMARY KEY,
		machine_id BIGINT NOT NULL,
		new_status TEXT NOT NULL,
		changed_at TIMESTAMPTZ NOT NULL
	)`,
}

// coreDDL 本服务拥有的表与索引（幂等）
var coreDDL = []string{
	`CREATE TABLE IF NOT EXISTS shift_production_records (
		id                UUID PRIMARY KEY,
		machine_id        BIGINT NOT NULL,
		operator_id       TEXT NOT NULL,
		team_code         TEXT NOT NULL,
		shift_label       TEXT NOT NULL,
		shift_date        DATE NOT NULL,
		window_start      TIMESTAMPTZ NOT NULL,
		window_end        TIMESTAMPTZ NOT NULL,
		total_production  DOUBLE PRECISION NOT NULL DEFAULT 0,
		target_production DOUBLE PRECISION NOT NULL DEFAULT 0,
		efficiency        DOUBLE PRECISION NOT NULL DEFAULT 0,
		downtime_minutes  DOUBLE PRECISION NOT NULL DEFAULT 0,
		quality_passed    INTEGER NOT NULL DEFAULT 0,
		quality_failed    INTEGER NOT NULL DEFAULT 0,
		is_active         BOOLEAN NOT NULL DEFAULT TRUE,
		is_archived       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_shift_production_active
		ON shift_production_records (machine_id, operator_id, shift_date, shift_label)
		WHERE is_active AND NOT is_archived`,
	`CREATE INDEX IF NOT EXISTS idx_shift_production_machine_window
		ON shift_production_records (machine_id, window_start, window_end)`,
	`CREATE INDEX IF NOT EXISTS idx_shift_production_expiry
		ON shift_production_records (window_end) WHERE is_active AND NOT is_archived`,
	`CREATE TABLE IF NOT EXISTS rate_change_events (
		id         BIGSERIAL PRIMARY KEY,
		machine_id BIGINT NOT NULL,
		rate       DOUBLE PRECISION NOT NULL,
		changed_by TEXT NOT NULL,
		changed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_change_machine_time
		ON rate_change_events (machine_id, changed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_status_transitions_machine_time
		ON machine_status_transitions (machine_id, changed_at)`,
	`CREATE TABLE IF NOT EXISTS production_archives (
		id          UUID PRIMARY KEY,
		record_id   UUID NOT NULL,
		snapshot    JSONB NOT NULL,
		checksum    TEXT NOT NULL,
		reason      TEXT NOT NULL,
		archived_by TEXT NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_production_archives_record
		ON production_archives (record_id)`,
}

// Migrate creates the service's tables and indexes. The status transition
// index needs the transitions table, so standalone deployments pass
// withCollaborators=true.
func Migrate(ctx context.Context, db *resilience.DB, withCollaborators bool) error {
	stmts := coreDDL
	if withCollaborators {
		stmts = append(append([]string{}, collaboratorDDL...), coreDDL...)
	}
	return db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		for i, stmt := range stmts {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration step %d failed: %w", i+1, err)
			}
		}
		return nil
	})
}
