// Package shift computes the four-shift 12-day rotation purely from calendar
// time. Nothing here is persisted, so the cycle day cannot drift across
// restarts.
package shift

import (
	"fmt"
	"time"

	"shopfloor-telemetry/internal/config"
	"shopfloor-telemetry/internal/models"
)

// CycleLength 轮转周期（天）
const CycleLength = 12

// ErrInvalidCycleDay is returned for cycle days outside [1,12].
var ErrInvalidCycleDay = fmt.Errorf("cycle day out of range [1,%d]: %w", CycleLength, models.ErrInvalidArgument)

// Options 轮转引擎参数
type Options struct {
	Epoch          time.Time
	Location       *time.Location
	DayStartHour   int
	NightStartHour int
	// TeamOffsets shifts a team's phase by N days. Missing teams use 0.
	TeamOffsets map[string]int
}

// Rotation 倒班轮转引擎（无状态，可并发调用）
type Rotation struct {
	loc        *time.Location
	epochDay   int64
	dayStart   int
	nightStart int
	offsets    map[string]int
}

// New 创建轮转引擎
func New(opts Options) *Rotation {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	dayStart, nightStart := opts.DayStartHour, opts.NightStartHour
	if dayStart == 0 && nightStart == 0 {
		dayStart, nightStart = 7, 19
	}
	offsets := make(map[string]int, len(opts.TeamOffsets))
	for k, v := range opts.TeamOffsets {
		offsets[k] = v
	}
	return &Rotation{
		loc:        loc,
		epochDay:   civilDay(opts.Epoch, loc),
		dayStart:   dayStart,
		nightStart: nightStart,
		offsets:    offsets,
	}
}

// NewFromConfig 根据配置创建轮转引擎
func NewFromConfig(cfg config.ShiftConfig) (*Rotation, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load shift timezone: %w", err)
	}
	epoch, err := time.ParseInLocation("2006-01-02", cfg.Epoch, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse shift epoch: %w", err)
	}
	return New(Options{
		Epoch:          epoch,
		Location:       loc,
		DayStartHour:   cfg.DayStartHour,
		NightStartHour: cfg.NightStartHour,
		TeamOffsets:    cfg.TeamOffsets,
	}), nil
}

// Location returns the location calendar dates are evaluated in.
func (r *Rotation) Location() *time.Location { return r.loc }

// civilDay returns the number of whole days between 1970-01-01 and the
// calendar date of t in loc. DST transitions do not affect it.
func civilDay(t time.Time, loc *time.Location) int64 {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// DaysSinceEpoch 日期距纪元的天数（纪元之前为负）
func (r *Rotation) DaysSinceEpoch(date time.Time) int64 {
	return civilDay(date, r.loc) - r.epochDay
}

// CycleDayNumber = (daysSince(epoch, date) mod 12) + 1, using the global cycle.
func (r *Rotation) CycleDayNumber(date time.Time) int {
	return cycleDay(r.DaysSinceEpoch(date))
}

// TeamCycleDay applies the team's configured phase offset before the modulo.
func (r *Rotation) TeamCycleDay(teamCode string, date time.Time) int {
	return cycleDay(r.DaysSinceEpoch(date) + int64(r.offsets[teamCode]))
}

func cycleDay(days int64) int {
	m := days % CycleLength
	if m < 0 {
		m += CycleLength
	}
	return int(m) + 1
}

// CurrentShiftLabel maps cycle days 1-3, 4-6, 7-9, 10-12 to SHIFT_1..SHIFT_4.
func CurrentShiftLabel(cycleDay int) (models.ShiftLabel, error) {
	switch {
	case cycleDay >= 1 && cycleDay <= 3:
		return models.Shift1, nil
	case cycleDay >= 4 && cycleDay <= 6:
		return models.Shift2, nil
	case cycleDay >= 7 && cycleDay <= 9:
		return models.Shift3, nil
	case cycleDay >= 10 && cycleDay <= 12:
		return models.Shift4, nil
	}
	return "", fmt.Errorf("cycle day %d: %w", cycleDay, ErrInvalidCycleDay)
}

// IsNightShift SHIFT_2 与 SHIFT_4 为夜班（19:00-次日07:00）
func IsNightShift(label models.ShiftLabel) bool {
	return label == models.Shift2 || label == models.Shift4
}

// GetActiveShiftWindow returns the team's window for the calendar date of
// date. Day shifts span 07:00-19:00, night shifts 19:00-07:00 next day.
func (r *Rotation) GetActiveShiftWindow(teamCode string, date time.Time) models.ActiveShiftWindow {
	y, m, d := date.In(r.loc).Date()
	return r.windowFor(teamCode, y, m, d)
}

// ResolveStaffedWindow returns the window covering instant when the team's
// shift is staffed at that moment. Instants before the day-shift start hour
// belong to the previous date's (possibly night) shift.
func (r *Rotation) ResolveStaffedWindow(teamCode string, instant time.Time) (models.ActiveShiftWindow, bool) {
	local := instant.In(r.loc)
	y, m, d := local.Date()
	if local.Hour() < r.dayStart {
		y, m, d = time.Date(y, m, d-1, 12, 0, 0, 0, r.loc).Date()
	}
	w := r.windowFor(teamCode, y, m, d)
	if !w.IsWorkDay || !w.Contains(instant) {
		return w, false
	}
	return w, true
}

// Schedule 返回从 from 所在日期开始、连续 days 天的轮转表
func (r *Rotation) Schedule(teamCode string, from time.Time, days int) []models.ActiveShiftWindow {
	if days <= 0 {
		return nil
	}
	y, m, d := from.In(r.loc).Date()
	out := make([]models.ActiveShiftWindow, 0, days)
	for i := 0; i < days; i++ {
		yy, mm, dd := time.Date(y, m, d+i, 12, 0, 0, 0, r.loc).Date()
		out = append(out, r.windowFor(teamCode, yy, mm, dd))
	}
	return out
}

func (r *Rotation) windowFor(teamCode string, y int, m time.Month, d int) models.ActiveShiftWindow {
	shiftDate := time.Date(y, m, d, 0, 0, 0, 0, r.loc)
	day := r.TeamCycleDay(teamCode, shiftDate)
	label, err := CurrentShiftLabel(day)
	if err != nil {
		label = models.ShiftRest
	}

	w := models.ActiveShiftWindow{
		TeamCode:   teamCode,
		ShiftLabel: label,
		CycleDay:   day,
		IsWorkDay:  label != models.ShiftRest,
		IsNight:    IsNightShift(label),
		ShiftDate:  shiftDate,
	}
	if w.IsNight {
		w.WindowStart = time.Date(y, m, d, r.nightStart, 0, 0, 0, r.loc)
		w.WindowEnd = time.Date(y, m, d+1, r.dayStart, 0, 0, 0, r.loc)
	} else {
		w.WindowStart = time.Date(y, m, d, r.dayStart, 0, 0, 0, r.loc)
		w.WindowEnd = time.Date(y, m, d, r.nightStart, 0, 0, 0, r.loc)
	}
	return w
}
