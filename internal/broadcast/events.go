package broadcast

import "time"

// 事件名称
const (
	EventProductionUpdate = "production:realtime-update"
	EventShiftReset       = "shift:reset"
	EventRateChanged      = "rate:changed"
)

// ProductionUpdate is emitted after every successful accumulator update.
type ProductionUpdate struct {
	MachineID             int64     `json:"machineId"`
	MachineName           string    `json:"machineName"`
	TotalProduction       float64   `json:"totalProduction"`
	IncrementalProduction float64   `json:"incrementalProduction"`
	CurrentRate           float64   `json:"currentRate"`
	TeamCode              string    `json:"teamCode"`
	ShiftLabel            string    `json:"shiftLabel"`
	Timestamp             time.Time `json:"timestamp"`
}

// ShiftReset is emitted when a record is archived.
type ShiftReset struct {
	MachineID          int64     `json:"machineId"`
	TeamCode           string    `json:"teamCode"`
	ArchivedProduction float64   `json:"archivedProduction"`
	Reason             string    `json:"reason"`
	Timestamp          time.Time `json:"timestamp"`
}

// RateChanged 产速变更事件
type RateChanged struct {
	MachineID int64     `json:"machineId"`
	NewRate   float64   `json:"newRate"`
	ChangedBy string    `json:"changedBy"`
	Timestamp time.Time `json:"timestamp"`
}
