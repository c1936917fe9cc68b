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

const insertRateEventSQL = `
	INSERT INTO rate_change_events (machine_id, rate, changed_by, changed_at)
	VALUES ($1, $2, $3, $4)
	RETURNING id
`

const rateEventColumns = `id, machine_id, rate, changed_by, changed_at`

// RateLogRepository append-only rate change log
type RateLogRepository struct {
	db     *resilience.DB
	logger *zap.Logger
}

// NewRateLogRepository creates a new rate log repository
func NewRateLogRepository(db *resilience.DB, logger *zap.Logger) *RateLogRepository {
	return &RateLogRepository{
		db:     db,
		logger: logger,
	}
}

func scanRateEvent(s rowScanner) (models.RateChangeEvent, error) {
	var ev models.RateChangeEvent
	err := s.Scan(&ev.ID, &ev.MachineID, &ev.Rate, &ev.ChangedBy, &ev.Timestamp)
	return ev, err
}

// Last returns the most recent event at or before at, or nil if the machine
// has none.
func (r *RateLogRepository) Last(ctx context.Context, machineID int64, at time.Time) (*models.RateChangeEvent, error) {
	query := `
		SELECT ` + rateEventColumns + `
		FROM rate_change_events
		WHERE machine_id = $1 AND changed_at <= $2
		ORDER BY changed_at DESC, id DESC
		LIMIT 1
	`

	var ev *models.RateChangeEvent
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		e, err := scanRateEvent(q.QueryRowContext(ctx, query, machineID, at))
		if errors.Is(err, sql.ErrNoRows) {
			ev = nil
			return nil
		}
		if err != nil {
			return err
		}
		ev = &e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get last rate event: %w", err)
	}
	return ev, nil
}

// Append 追加一条产速变更
func (r *RateLogRepository) Append(ctx context.Context, ev *models.RateChangeEvent) error {
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		return q.QueryRowContext(ctx, insertRateEventSQL,
			ev.MachineID, ev.Rate, ev.ChangedBy, ev.Timestamp,
		).Scan(&ev.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to append rate event: %w", err)
	}
	return nil
}

// ListBetween returns events with changed_at in (start, end], oldest first.
func (r *RateLogRepository) ListBetween(ctx context.Context, machineID int64, start, end time.Time) ([]models.RateChangeEvent, error) {
	query := `
		SELECT ` + rateEventColumns + `
		FROM rate_change_events
		WHERE machine_id = $1 AND changed_at > $2 AND changed_at <= $3
		ORDER BY changed_at, id
	`

	var events []models.RateChangeEvent
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		events = events[:0]
		rows, err := q.QueryContext(ctx, query, machineID, start, end)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			ev, err := scanRateEvent(rows)
			if err != nil {
				return fmt.Errorf("failed to scan rate event: %w", err)
			}
			events = append(events, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list rate events: %w", err)
	}
	return events, nil
}
