package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopfloor-telemetry/internal/models"
	"shopfloor-telemetry/internal/resilience"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ProductionRepository shift production records and their archives
type ProductionRepository struct {
	db     *resilience.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewProductionRepository creates a new production repository
func NewProductionRepository(db *resilience.DB, logger *zap.Logger) *ProductionRepository {
	return &ProductionRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

const recordColumns = `
	id, machine_id, operator_id, team_code, shift_label, shift_date,
	window_start, window_end, total_production, target_production, efficiency,
	downtime_minutes, quality_passed, quality_failed, is_active, is_archived,
	created_at, updated_at`

func scanRecord(s rowScanner) (*models.ShiftProductionRecord, error) {
	var rec models.ShiftProductionRecord
	var label string
	if err := s.Scan(
		&rec.ID,
		&rec.MachineID,
		&rec.OperatorID,
		&rec.TeamCode,
		&label,
		&rec.ShiftDate,
		&rec.WindowStart,
		&rec.WindowEnd,
		&rec.TotalProduction,
		&rec.TargetProduction,
		&rec.Efficiency,
		&rec.DowntimeMinutes,
		&rec.QualityPassed,
		&rec.QualityFailed,
		&rec.IsActive,
		&rec.IsArchived,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.ShiftLabel = models.ShiftLabel(label)
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*models.ShiftProductionRecord, error) {
	defer rows.Close()
	var out []*models.ShiftProductionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan production record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindActive 查询唯一键对应的活动记录；不存在时返回 ErrNoActiveRecord
func (r *ProductionRepository) FindActive(ctx context.Context, key models.RecordKey) (*models.ShiftProductionRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM shift_production_records
		WHERE machine_id = $1 AND operator_id = $2 AND shift_date = $3 AND shift_label = $4
		  AND is_active AND NOT is_archived`

	var rec *models.ShiftProductionRecord
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		var err error
		rec, err = scanRecord(q.QueryRowContext(ctx, query,
			key.MachineID, key.OperatorID, key.ShiftDate, string(key.ShiftLabel)))
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNoActiveRecord
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find active record: %w", err)
	}
	return rec, nil
}

// Create inserts rec as the active record for its key. If another writer
// created it first, the existing record is returned instead.
func (r *ProductionRepository) Create(ctx context.Context, rec *models.ShiftProductionRecord) (*models.ShiftProductionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	query := `
		INSERT INTO shift_production_records (
			id, machine_id, operator_id, team_code, shift_label, shift_date,
			window_start, window_end, total_production, target_production, efficiency,
			downtime_minutes, quality_passed, quality_failed, is_active, is_archived,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, TRUE, FALSE, $15, $16)
		ON CONFLICT (machine_id, operator_id, shift_date, shift_label)
			WHERE is_active AND NOT is_archived
		DO NOTHING
		RETURNING ` + recordColumns

	var created *models.ShiftProductionRecord
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		var err error
		created, err = scanRecord(q.QueryRowContext(ctx, query,
			rec.ID, rec.MachineID, rec.OperatorID, rec.TeamCode, string(rec.ShiftLabel), rec.ShiftDate,
			rec.WindowStart, rec.WindowEnd, rec.TotalProduction, rec.TargetProduction, rec.Efficiency,
			rec.DowntimeMinutes, rec.QualityPassed, rec.QualityFailed,
			rec.CreatedAt, rec.UpdatedAt,
		))
		if errors.Is(err, sql.ErrNoRows) {
			created = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create production record: %w", err)
	}
	if created != nil {
		r.logger.Info("Production record created",
			zap.String("record_id", created.ID),
			zap.Int64("machine_id", created.MachineID),
			zap.String("operator_id", created.OperatorID),
			zap.String("shift_label", string(created.ShiftLabel)),
		)
		return created, nil
	}

	// lost the race to a concurrent creator
	return r.FindActive(ctx, rec.Key())
}

// AddProduction adds delta to the record's total and advances updated_at to
// now, but only if updated_at still equals prevUpdatedAt. applied is false
// when another writer got there first (or the record was archived).
func (r *ProductionRepository) AddProduction(ctx context.Context, id string, delta float64, prevUpdatedAt, now time.Time) (total float64, applied bool, err error) {
	query := `
		UPDATE shift_production_records
		SET total_production = total_production + $2,
		    efficiency = CASE WHEN target_production > 0
		                      THEN (total_production + $2) / target_production * 100
		                      ELSE 0 END,
		    updated_at = $4
		WHERE id = $1 AND updated_at = $3 AND is_active AND NOT is_archived
		RETURNING total_production
	`

	err = r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		scanErr := q.QueryRowContext(ctx, query, id, delta, prevUpdatedAt, now).Scan(&total)
		if errors.Is(scanErr, sql.ErrNoRows) {
			applied = false
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		applied = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to add production: %w", err)
	}
	return total, applied, nil
}

// ListExpiredActive 查询班次已结束但仍处于活动状态的记录
func (r *ProductionRepository) ListExpiredActive(ctx context.Context, now time.Time) ([]*models.ShiftProductionRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM shift_production_records
		WHERE is_active AND NOT is_archived AND window_end <= $1
		ORDER BY window_end, machine_id`

	var out []*models.ShiftProductionRecord
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		rows, err := q.QueryContext(ctx, query, now)
		if err != nil {
			return err
		}
		out, err = collectRecords(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expired records: %w", err)
	}
	return out, nil
}

// ListByMachineWindow returns every record (active or archived) of the
// machine whose shift window overlaps [start, end), optionally restricted
// to the given teams.
func (r *ProductionRepository) ListByMachineWindow(ctx context.Context, machineID int64, start, end time.Time, teamCodes []string) ([]*models.ShiftProductionRecord, error) {
	where := []string{"machine_id = $1", "window_start < $3", "window_end > $2"}
	args := []any{machineID, start, end}
	argN := 4

	if len(teamCodes) > 0 {
		where = append(where, fmt.Sprintf("team_code = ANY($%d)", argN))
		args = append(args, pq.Array(teamCodes))
	}

	query := `SELECT ` + recordColumns + `
		FROM shift_production_records
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY window_start, created_at`

	var out []*models.ShiftProductionRecord
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = collectRecords(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list production records: %w", err)
	}
	return out, nil
}

// GetCurrentByMachine returns the machine's most recently updated active
// record, or ErrNoActiveRecord.
func (r *ProductionRepository) GetCurrentByMachine(ctx context.Context, machineID int64) (*models.ShiftProductionRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM shift_production_records
		WHERE machine_id = $1 AND is_active AND NOT is_archived
		ORDER BY updated_at DESC
		LIMIT 1`

	var rec *models.ShiftProductionRecord
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		var err error
		rec, err = scanRecord(q.QueryRowContext(ctx, query, machineID))
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNoActiveRecord
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get current record: %w", err)
	}
	return rec, nil
}

// Archive snapshots the active record, stores the snapshot with its
// checksum and flips the record to archived, all in one transaction.
func (r *ProductionRepository) Archive(ctx context.Context, recordID string, reason models.ArchiveReason, archivedBy string) (*models.ProductionArchive, error) {
	var archive *models.ProductionArchive

	err := r.db.Tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+`
			FROM shift_production_records
			WHERE id = $1 AND is_active AND NOT is_archived
			FOR UPDATE`, recordID))
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNoActiveRecord
		}
		if err != nil {
			return err
		}

		checksum, raw, err := models.SnapshotChecksum(*rec)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}

		archive = &models.ProductionArchive{
			ID:         uuid.New().String(),
			RecordID:   rec.ID,
			Snapshot:   *rec,
			Checksum:   checksum,
			Reason:     reason,
			ArchivedBy: archivedBy,
			ArchivedAt: r.now(),
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO production_archives (id, record_id, snapshot, checksum, reason, archived_by, archived_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, archive.ID, archive.RecordID, string(raw), archive.Checksum, string(archive.Reason), archive.ArchivedBy, archive.ArchivedAt); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE shift_production_records
			SET is_active = FALSE, is_archived = TRUE
			WHERE id = $1
		`, rec.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive record %s: %w", recordID, err)
	}

	r.logger.Info("Production record archived",
		zap.String("record_id", archive.RecordID),
		zap.String("archive_id", archive.ID),
		zap.String("reason", string(archive.Reason)),
		zap.Float64("total_production", archive.Snapshot.TotalProduction),
	)
	return archive, nil
}
