package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shopfloor-telemetry/internal/models"
	"shopfloor-telemetry/internal/resilience"

	"go.uber.org/zap"
)

// TeamRepository shift team access (read-only)
type TeamRepository struct {
	db     *resilience.DB
	logger *zap.Logger
}

// NewTeamRepository creates a new team repository
func NewTeamRepository(db *resilience.DB, logger *zap.Logger) *TeamRepository {
	return &TeamRepository{
		db:     db,
		logger: logger,
	}
}

// GetTeam 查询班组及成员（组长排在前面）
func (r *TeamRepository) GetTeam(ctx context.Context, code string) (*models.ShiftTeam, error) {
	var team models.ShiftTeam
	err := r.db.Do(ctx, func(ctx context.Context, q resilience.Querier) error {
		team = models.ShiftTeam{}
		err := q.QueryRowContext(ctx,
			`SELECT code, cycle_number, cycle_start_date FROM shift_teams WHERE code = $1`, code,
		).Scan(&team.Code, &team.CycleNumber, &team.CycleStartDate)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrTeamNotFound
		}
		if err != nil {
			return err
		}

		rows, err := q.QueryContext(ctx, `
			SELECT user_id, is_leader
			FROM shift_team_members
			WHERE team_code = $1
			ORDER BY is_leader DESC, user_id
		`, code)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m models.TeamMember
			if err := rows.Scan(&m.UserID, &m.IsLeader); err != nil {
				return fmt.Errorf("failed to scan team member: %w", err)
			}
			team.Members = append(team.Members, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get team %s: %w", code, err)
	}
	return &team, nil
}
