package models

import "time"

// MachineStatus 设备运行状态
type MachineStatus string

const (
	StatusRunning     MachineStatus = "RUNNING"
	StatusStopped     MachineStatus = "STOPPED"
	StatusMaintenance MachineStatus = "MAINTENANCE"
	StatusOffShift    MachineStatus = "OFF_SHIFT"
)

// Valid reports whether s is one of the four registry statuses.
func (s MachineStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusStopped, StatusMaintenance, StatusOffShift:
		return true
	}
	return false
}

// Machine 设备（由设备登记服务维护，本服务只读，rate 除外）
type Machine struct {
	ID     int64         `json:"id"`
	Name   string        `json:"name"`
	Code   string        `json:"code"`
	Status MachineStatus `json:"status"`
	Rate   float64       `json:"rate"` // units/minute

	TeamCode        string    `json:"teamCode"`
	OperatorID      string    `json:"operatorId,omitempty"`
	StatusChangedAt time.Time `json:"statusChangedAt"`
}

// RateChangeEvent 产速变更记录（追加写）
type RateChangeEvent struct {
	ID        int64     `json:"id"`
	MachineID int64     `json:"machineId"`
	Rate      float64   `json:"rate"`
	ChangedBy string    `json:"changedBy"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemActor is recorded as changedBy when the accumulator observes a new rate.
const SystemActor = "system"

// StatusTransition 设备状态变更记录（由外部服务写入，本服务只读）
type StatusTransition struct {
	MachineID int64         `json:"machineId"`
	NewStatus MachineStatus `json:"newStatus"`
	Timestamp time.Time     `json:"timestamp"`
}
