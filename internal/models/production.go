package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RecordKey identifies the single active record per machine/operator/shift.
type RecordKey struct {
	MachineID  int64
	OperatorID string
	ShiftDate  time.Time
	ShiftLabel ShiftLabel
}

// ShiftProductionRecord 班次产量累计记录
type ShiftProductionRecord struct {
	ID               string     `json:"id"`
	MachineID        int64      `json:"machineId"`
	OperatorID       string     `json:"operatorId"`
	TeamCode         string     `json:"teamCode"`
	ShiftLabel       ShiftLabel `json:"shiftLabel"`
	ShiftDate        time.Time  `json:"shiftDate"`
	WindowStart      time.Time  `json:"windowStart"`
	WindowEnd        time.Time  `json:"windowEnd"`
	TotalProduction  float64    `json:"totalProduction"`
	TargetProduction float64    `json:"targetProduction"`
	Efficiency       float64    `json:"efficiency"`
	DowntimeMinutes  float64    `json:"downtimeMinutes"`
	QualityPassed    int        `json:"qualityPassed"`
	QualityFailed    int        `json:"qualityFailed"`
	IsActive         bool       `json:"isActive"`
	IsArchived       bool       `json:"isArchived"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Key 记录唯一键
func (r *ShiftProductionRecord) Key() RecordKey {
	return RecordKey{
		MachineID:  r.MachineID,
		OperatorID: r.OperatorID,
		ShiftDate:  r.ShiftDate,
		ShiftLabel: r.ShiftLabel,
	}
}

// ArchiveReason 归档原因
type ArchiveReason string

const (
	ArchiveShiftEnd    ArchiveReason = "SHIFT_END"
	ArchiveManualReset ArchiveReason = "MANUAL_RESET"
)

// ProductionArchive 归档快照（不可变）
type ProductionArchive struct {
	ID         string                `json:"id"`
	RecordID   string                `json:"recordId"`
	Snapshot   ShiftProductionRecord `json:"snapshot"`
	Checksum   string                `json:"checksum"`
	Reason     ArchiveReason         `json:"reason"`
	ArchivedBy string                `json:"archivedBy"`
	ArchivedAt time.Time             `json:"archivedAt"`
}

// SnapshotChecksum returns the hex SHA-256 of the snapshot's JSON encoding.
// Times are normalised to UTC so the checksum does not depend on the
// location the record was loaded in.
func SnapshotChecksum(rec ShiftProductionRecord) (string, []byte, error) {
	rec.ShiftDate = rec.ShiftDate.UTC()
	rec.WindowStart = rec.WindowStart.UTC()
	rec.WindowEnd = rec.WindowEnd.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), raw, nil
}

// StatusBreakdown 历史状态分布（分钟）
type StatusBreakdown struct {
	MachineID          int64         `json:"machineId"`
	Start              time.Time     `json:"start"`
	End                time.Time     `json:"end"`
	TotalMinutes       float64       `json:"totalMinutes"`
	RunningMinutes     float64       `json:"runningMinutes"`
	StoppedMinutes     float64       `json:"stoppedMinutes"`
	MaintenanceMinutes float64       `json:"maintenanceMinutes"`
	OffShiftMinutes    float64       `json:"offShiftMinutes"`
	Efficiency         float64       `json:"efficiency"`
	CoveredMinutes     float64       `json:"coveredMinutes"`
	FallbackApplied    bool          `json:"fallbackApplied"`
	CurrentStatus      MachineStatus `json:"currentStatus"`
	TransitionCount    int           `json:"transitionCount"`
}

// BucketedMinutes 已归类分钟数之和
func (b *StatusBreakdown) BucketedMinutes() float64 {
	return b.RunningMinutes + b.StoppedMinutes + b.MaintenanceMinutes + b.OffShiftMinutes
}

// ProductionHistory getProductionHistory 返回值
type ProductionHistory struct {
	Breakdown       StatusBreakdown          `json:"breakdown"`
	TotalProduction float64                  `json:"totalProduction"`
	Records         []*ShiftProductionRecord `json:"records"`
}

// CurrentProduction getCurrentProduction 返回值
type CurrentProduction struct {
	Machine   Machine                `json:"machine"`
	Window    *ActiveShiftWindow     `json:"window,omitempty"`
	Record    *ShiftProductionRecord `json:"record,omitempty"`
	Stale     bool                   `json:"stale"`
	FetchedAt time.Time              `json:"fetchedAt"`
}
