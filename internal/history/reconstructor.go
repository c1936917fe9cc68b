package history

import (
	"context"
	"sort"
	"time"

	"shopfloor-telemetry/internal/models"

	"go.uber.org/zap"
)

// MinCoverage is the share of the window that must be explained by logged
// transitions before the per-status split is trusted.
const MinCoverage = 0.5

// MachineReader 设备查询
type MachineReader interface {
	GetMachine(ctx context.Context, id int64) (*models.Machine, error)
}

// StatusLog reads transitions in [start, end), oldest first.
type StatusLog interface {
	ListBetween(ctx context.Context, machineID int64, start, end time.Time) ([]models.StatusTransition, error)
}

// RecordReader reads production records overlapping a window.
type RecordReader interface {
	ListByMachineWindow(ctx context.Context, machineID int64, start, end time.Time, teamCodes []string) ([]*models.ShiftProductionRecord, error)
}

// Reconstructor answers "how did this machine spend [start, end)" from the
// status transition log. Produced units always come from the persisted
// production records and are never derived from rate.
type Reconstructor struct {
	machines MachineReader
	statuses StatusLog
	records  RecordReader
	logger   *zap.Logger
}

// NewReconstructor 创建历史状态重建器
func NewReconstructor(machines MachineReader, statuses StatusLog, records RecordReader, logger *zap.Logger) *Reconstructor {
	return &Reconstructor{
		machines: machines,
		statuses: statuses,
		records:  records,
		logger:   logger,
	}
}

// History returns the status breakdown plus the authoritative production
// of every record overlapping the window, optionally limited to teamCode.
func (r *Reconstructor) History(ctx context.Context, machineID int64, start, end time.Time, teamCode string) (*models.ProductionHistory, error) {
	if end.Before(start) {
		return nil, models.ErrInvalidWindow
	}

	machine, err := r.machines.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}

	transitions, err := r.statuses.ListBetween(ctx, machineID, start, end)
	if err != nil {
		return nil, err
	}

	breakdown, err := Reconstruct(machine.Status, transitions, start, end)
	if err != nil {
		return nil, err
	}
	breakdown.MachineID = machineID

	var teams []string
	if teamCode != "" {
		teams = []string{teamCode}
	}
	records, err := r.records.ListByMachineWindow(ctx, machineID, start, end, teams)
	if err != nil {
		return nil, err
	}

	h := &models.ProductionHistory{Breakdown: breakdown, Records: records}
	for _, rec := range records {
		h.TotalProduction += rec.TotalProduction
	}

	if breakdown.FallbackApplied {
		r.logger.Debug("Status log too sparse, window attributed to current status",
			zap.Int64("machine_id", machineID),
			zap.Int("transitions", breakdown.TransitionCount),
			zap.Float64("covered_minutes", breakdown.CoveredMinutes),
			zap.Float64("total_minutes", breakdown.TotalMinutes),
		)
	}
	return h, nil
}

// Reconstruct replays transitions over [start, end). The status in effect
// before the first transition is assumed to be current. Only minutes after
// the first logged transition count as coverage; below MinCoverage the
// whole window goes to current.
func Reconstruct(current models.MachineStatus, transitions []models.StatusTransition, start, end time.Time) (models.StatusBreakdown, error) {
	b := models.StatusBreakdown{
		Start:         start,
		End:           end,
		CurrentStatus: current,
	}
	if end.Before(start) {
		return b, models.ErrInvalidWindow
	}
	b.TotalMinutes = end.Sub(start).Minutes()
	if b.TotalMinutes == 0 {
		return b, nil
	}

	events := inWindow(transitions, start, end)
	b.TransitionCount = len(events)

	cursor := start
	status := current
	logged := false
	for _, ev := range events {
		seg := ev.Timestamp.Sub(cursor).Minutes()
		if addMinutes(&b, status, seg) && logged {
			b.CoveredMinutes += seg
		}
		cursor = ev.Timestamp
		status = ev.NewStatus
		logged = true
	}
	seg := end.Sub(cursor).Minutes()
	if addMinutes(&b, status, seg) && logged {
		b.CoveredMinutes += seg
	}

	if b.CoveredMinutes < MinCoverage*b.TotalMinutes {
		b.RunningMinutes, b.StoppedMinutes, b.MaintenanceMinutes, b.OffShiftMinutes = 0, 0, 0, 0
		addMinutes(&b, current, b.TotalMinutes)
		b.FallbackApplied = true
	}

	b.Efficiency = b.RunningMinutes / b.TotalMinutes * 100
	return b, nil
}

func inWindow(transitions []models.StatusTransition, start, end time.Time) []models.StatusTransition {
	out := make([]models.StatusTransition, 0, len(transitions))
	for _, t := range transitions {
		if !t.Timestamp.Before(start) && t.Timestamp.Before(end) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// addMinutes adds to status's bucket and reports whether status has one.
func addMinutes(b *models.StatusBreakdown, status models.MachineStatus, minutes float64) bool {
	switch status {
	case models.StatusRunning:
		b.RunningMinutes += minutes
	case models.StatusStopped:
		b.StoppedMinutes += minutes
	case models.StatusMaintenance:
		b.MaintenanceMinutes += minutes
	case models.StatusOffShift:
		b.OffShiftMinutes += minutes
	default:
		return false
	}
	return true
}

