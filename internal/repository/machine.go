package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shopfloor-telemetry/internal/models"
	"shopfloor-telemetry/internal/resilience"

	"go.uber.org/zap"
)

// MachineRepository machine registry access (read-only except rate)
type MachineRepository struct {
	db     *resilience.DB
	logger *zap.Logger
}

// NewMachineRepository creates a new machine repository
func NewMachineRepository(db *resilience.DB, logger *zap.Logger) *MachineRepository {
	return &MachineRepository{
		db:     db,
		logger: logger,
	}
}

const machineColumns = `id, name, code, status, rate, team_code, operator_id, status_changed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMachine(s rowScanner) (models.Machine, error) {
	var m models.Machine
	var status string
	var operatorID sql.NullString
	if err := s.Scan(
		&m.ID,
		&m.Name,
		&m.Code,
		&status,
		&m.Rate,
		&m.TeamCode,
		&operatorID,
		&m.StatusChangedAt,
	); err != nil {
		return m, err
	}
	m.Status = models.MachineStatus(status)
	if operatorID.Valid {
		m.OperatorID = operatorID.String
	}
	return m, nil
}

// ListRunning 获取所有运行中的设备
func (r *MachineRepository) ListRunning(ctx context.Context) ([]models.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE status = $1 ORDER BY id`

	var machines []models.Machine
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		machines = machines[:0]
		rows, err := q.QueryContext(ctx, query, string(models.StatusRunning))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMachine(rows)
			if err != nil {
				return fmt.Errorf("failed to scan machine: %w", err)
			}
			machines = append(machines, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list running machines: %w", err)
	}
	return machines, nil
}

// GetMachine 按ID查询设备
func (r *MachineRepository) GetMachine(ctx context.Context, id int64) (*models.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE id = $1`

	var m models.Machine
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		var err error
		m, err = scanMachine(q.QueryRowContext(ctx, query, id))
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrMachineNotFound
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get machine %d: %w", id, err)
	}
	return &m, nil
}

// UpdateRate sets the machine's rate and appends the rate-change event in
// one transaction.
func (r *MachineRepository) UpdateRate(ctx context.Context, id int64, rate float64, changedBy string, at time.Time) (*models.RateChangeEvent, error) {
	ev := &models.RateChangeEvent{MachineID: id, Rate: rate, ChangedBy: changedBy, Timestamp: at}

	err := r.db.Tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE machines SET rate = $2 WHERE id = $1`, id, rate)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return models.ErrMachineNotFound
		}
		return tx.QueryRowContext(ctx, insertRateEventSQL, id, rate, changedBy, at).Scan(&ev.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update rate for machine %d: %w", id, err)
	}

	r.logger.Info("Machine rate updated",
		zap.Int64("machine_id", id),
		zap.Float64("rate", rate),
		zap.String("changed_by", changedBy),
	)
	return ev, nil
}
