package repository

import (
	"context"
	"fmt"
	"time"

	"shopfloor-telemetry/internal/models"
	"shopfloor-telemetry/internal/resilience"

	"go.uber.org/zap"
)

// StatusLogRepository reads the machine status transition log.
type StatusLogRepository struct {
	db     *resilience.DB
	logger *zap.Logger
}

// NewStatusLogRepository creates a new status log repository
func NewStatusLogRepository(db *resilience.DB, logger *zap.Logger) *StatusLogRepository {
	return &StatusLogRepository{
		db:     db,
		logger: logger,
	}
}

// ListBetween returns transitions in [start, end) in chronological order.
// Served by idx_status_transitions_machine_time.
func (r *StatusLogRepository) ListBetween(ctx context.Context, machineID int64, start, end time.Time) ([]models.StatusTransition, error) {
	query := `
		SELECT machine_id, new_status, changed_at
		FROM machine_status_transitions
		WHERE machine_id = $1 AND changed_at >= $2 AND changed_at < $3
		ORDER BY changed_at, id
	`

	var out []models.StatusTransition
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		out = out[:0]
		rows, err := q.QueryContext(ctx, query, machineID, start, end)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t models.StatusTransition
			var status string
			if err := rows.Scan(&t.MachineID, &status, &t.Timestamp); err != nil {
				return fmt.Errorf("failed to scan status transition: %w", err)
			}
			t.NewStatus = models.MachineStatus(status)
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list status transitions: %w", err)
	}
	return out, nil
}
