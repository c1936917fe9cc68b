package models

import "time"

// ShiftLabel 班次标签
type ShiftLabel string

const (
	Shift1    ShiftLabel = "SHIFT_1"
	Shift2    ShiftLabel = "SHIFT_2"
	Shift3    ShiftLabel = "SHIFT_3"
	Shift4    ShiftLabel = "SHIFT_4"
	ShiftRest ShiftLabel = "REST"
)

// ShiftTeam 班组（只读）
type ShiftTeam struct {
	Code           string       `json:"code"`
	CycleNumber    int          `json:"cycleNumber"`
	CycleStartDate time.Time    `json:"cycleStartDate"`
	Members        []TeamMember `json:"members"`
}

// TeamMember 班组成员
type TeamMember struct {
	UserID   string `json:"userId"`
	IsLeader bool   `json:"isLeader"`
}

// Leader returns the first member flagged as leader.
func (t *ShiftTeam) Leader() (string, bool) {
	for _, m := range t.Members {
		if m.IsLeader {
			return m.UserID, true
		}
	}
	return "", false
}

// ActiveShiftWindow 当前班次窗口（纯计算，不落库）
type ActiveShiftWindow struct {
	TeamCode    string     `json:"teamCode"`
	ShiftLabel  ShiftLabel `json:"shiftLabel"`
	CycleDay    int        `json:"cycleDay"`
	IsWorkDay   bool       `json:"isWorkDay"`
	IsNight     bool       `json:"isNight"`
	ShiftDate   time.Time  `json:"shiftDate"`
	WindowStart time.Time  `json:"windowStart"`
	WindowEnd   time.Time  `json:"windowEnd"`
}

// Contains reports whether t falls inside [WindowStart, WindowEnd).
func (w ActiveShiftWindow) Contains(t time.Time) bool {
	return !t.Before(w.WindowStart) && t.Before(w.WindowEnd)
}

// Duration 班次时长
func (w ActiveShiftWindow) Duration() time.Duration {
	return w.WindowEnd.Sub(w.WindowStart)
}
