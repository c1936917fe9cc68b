package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"shopfloor-telemetry/internal/accumulator"
	"shopfloor-telemetry/internal/broadcast"
	"shopfloor-telemetry/internal/config"
	"shopfloor-telemetry/internal/metrics"
	"shopfloor-telemetry/internal/models"
	"shopfloor-telemetry/internal/report"
	"shopfloor-telemetry/internal/resilience"

	"go.uber.org/zap"
)

// MaxScheduleDays 轮转表最多查询天数
const MaxScheduleDays = 366

// ProductionService 对外暴露的产量与排班操作
type ProductionService interface {
	UpdateMachineRate(ctx context.Context, machineID int64, rate float64, actorID string) (*models.RateChangeEvent, error)
	GetCurrentProduction(ctx context.Context, machineID int64) (*models.CurrentProduction, error)
	GetProductionHistory(ctx context.Context, req HistoryRequest) (*models.ProductionHistory, error)
	ResetShift(ctx context.Context, machineID int64, operatorID, teamCode string) (*models.ProductionArchive, error)
	GetRotationSchedule(ctx context.Context, teamCode string, days int) ([]models.ActiveShiftWindow, error)
	ExportProductionHistory(ctx context.Context, req HistoryRequest) (*Export, error)
	Health(ctx context.Context) HealthReport
}

// MachineStore 设备读写（仅 rate 可写）
type MachineStore interface {
	GetMachine(ctx context.Context, id int64) (*models.Machine, error)
	UpdateRate(ctx context.Context, id int64, rate float64, changedBy string, at time.Time) (*models.RateChangeEvent, error)
}

// TeamStore 班组查询
type TeamStore interface {
	GetTeam(ctx context.Context, code string) (*models.ShiftTeam, error)
}

// RecordStore 班次记录读取与归档
type RecordStore interface {
	FindActive(ctx context.Context, key models.RecordKey) (*models.ShiftProductionRecord, error)
	GetCurrentByMachine(ctx context.Context, machineID int64) (*models.ShiftProductionRecord, error)
	Archive(ctx context.Context, recordID string, reason models.ArchiveReason, archivedBy string) (*models.ProductionArchive, error)
}

// HistorySource 历史重建
type HistorySource interface {
	History(ctx context.Context, machineID int64, start, end time.Time, teamCode string) (*models.ProductionHistory, error)
}

// Calendar 班次日历
type Calendar interface {
	ResolveStaffedWindow(teamCode string, instant time.Time) (models.ActiveShiftWindow, bool)
	Schedule(teamCode string, from time.Time, days int) []models.ActiveShiftWindow
}

// Events 事件广播
type Events interface {
	ShiftReset(ctx context.Context, ev broadcast.ShiftReset)
	RateChanged(ctx context.Context, ev broadcast.RateChanged)
	Transports() []string
}

// Database is the health view of the store.
type Database interface {
	Ping(ctx context.Context) error
	Stats() resilience.HealthStats
}

// Deps 服务依赖；Cache/Breaker/Metrics/DB 可为 nil
type Deps struct {
	Machines MachineStore
	Teams    TeamStore
	Records  RecordStore
	History  HistorySource
	Calendar Calendar
	Events   Events
	Cache    *resilience.Cache
	Breaker  *resilience.Breaker
	Metrics  *metrics.Metrics
	DB       Database
}

// HistoryRequest 历史查询请求
type HistoryRequest struct {
	MachineID int64
	Start     time.Time
	End       time.Time
	TeamCode  string // 可选
}

// Export 导出文件
type Export struct {
	Filename    string
	ContentType string
	Data        []byte
}

// HealthReport 健康检查
type HealthReport struct {
	Status         string                     `json:"status"`
	Database       resilience.HealthStats     `json:"database"`
	DatabaseError  string                     `json:"databaseError,omitempty"`
	Breaker        resilience.BreakerSnapshot `json:"breaker"`
	Transports     []string                   `json:"transports"`
	CacheFallbacks int                        `json:"cacheFallbackEntries"`
	Time           time.Time                  `json:"time"`
}

// Health statuses.
const (
	HealthOK          = "ok"
	HealthDegraded    = "degraded"
	HealthUnavailable = "unavailable"
)

type productionService struct {
	deps   Deps
	cache  config.CacheConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewProductionService 创建 ProductionService 实例
func NewProductionService(deps Deps, cacheCfg config.CacheConfig, logger *zap.Logger) ProductionService {
	return newProductionService(deps, cacheCfg, logger, time.Now)
}

func newProductionService(deps Deps, cacheCfg config.CacheConfig, logger *zap.Logger, now func() time.Time) *productionService {
	if cacheCfg.CurrentTTL <= 0 {
		cacheCfg.CurrentTTL = 5 * time.Second
	}
	if cacheCfg.StaleTTL <= 0 {
		cacheCfg.StaleTTL = 10 * time.Minute
	}
	if cacheCfg.RateTTL <= 0 {
		cacheCfg.RateTTL = time.Minute
	}
	return &productionService{deps: deps, cache: cacheCfg, logger: logger, now: now}
}

// UpdateMachineRate 修改设备产速并记录变更
func (s *productionService) UpdateMachineRate(ctx context.Context, machineID int64, rate float64, actorID string) (*models.RateChangeEvent, error) {
	if err := s.allow(); err != nil {
		return nil, err
	}
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return nil, models.ErrInvalidRate
	}
	if actorID == "" {
		return nil, fmt.Errorf("actor id is required: %w", models.ErrInvalidArgument)
	}

	ev, err := s.deps.Machines.UpdateRate(ctx, machineID, rate, actorID, s.now())
	if err != nil {
		return nil, s.fail(err)
	}

	if c := s.deps.Cache; c != nil {
		c.Set(ctx, accumulator.RateCacheKey(s.cache.KeyPrefix, machineID), accumulator.FormatRate(rate), s.cache.RateTTL)
		c.Delete(ctx, s.currentKey(machineID))
	}

	s.logger.Info("Machine rate updated",
		zap.Int64("machine_id", machineID),
		zap.Float64("rate", rate),
		zap.String("changed_by", actorID),
	)
	s.deps.Events.RateChanged(ctx, broadcast.RateChanged{
		MachineID: machineID,
		NewRate:   rate,
		ChangedBy: actorID,
		Timestamp: ev.Timestamp,
	})
	return ev, nil
}

// GetCurrentProduction is served from the short-TTL cache when possible.
// When the store is unavailable the last known copy is returned with
// Stale set.
func (s *productionService) GetCurrentProduction(ctx context.Context, machineID int64) (*models.CurrentProduction, error) {
	if err := s.allow(); err != nil {
		return nil, err
	}

	if c := s.deps.Cache; c != nil {
		var cached models.CurrentProduction
		if c.GetJSON(ctx, s.currentKey(machineID), &cached) {
			return &cached, nil
		}
	}

	cp, err := s.loadCurrent(ctx, machineID)
	if err != nil {
		err = s.fail(err)
		if errors.Is(err, resilience.ErrServiceUnavailable) {
			if stale, ok := s.staleCopy(ctx, machineID); ok {
				s.logger.Warn("Serving stale current production",
					zap.Int64("machine_id", machineID),
					zap.Error(err),
				)
				return stale, nil
			}
		}
		return nil, err
	}

	if c := s.deps.Cache; c != nil {
		c.SetJSON(ctx, s.currentKey(machineID), cp, s.cache.CurrentTTL)
		c.SetJSON(ctx, s.staleKey(machineID), cp, s.cache.StaleTTL)
	}
	return cp, nil
}

func (s *productionService) loadCurrent(ctx context.Context, machineID int64) (*models.CurrentProduction, error) {
	machine, err := s.deps.Machines.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	cp := &models.CurrentProduction{Machine: *machine, FetchedAt: now}

	if machine.TeamCode != "" {
		if w, ok := s.deps.Calendar.ResolveStaffedWindow(machine.TeamCode, now); ok {
			cp.Window = &w
		}
	}

	rec, err := s.deps.Records.GetCurrentByMachine(ctx, machineID)
	switch {
	case errors.Is(err, models.ErrNoActiveRecord):
	case err != nil:
		return nil, err
	default:
		cp.Record = rec
	}
	return cp, nil
}

func (s *productionService) staleCopy(ctx context.Context, machineID int64) (*models.CurrentProduction, bool) {
	if s.deps.Cache == nil {
		return nil, false
	}
	var cp models.CurrentProduction
	if !s.deps.Cache.GetJSON(ctx, s.staleKey(machineID), &cp) {
		return nil, false
	}
	cp.Stale = true
	return &cp, true
}

// GetProductionHistory 查询历史状态分布与产量
func (s *productionService) GetProductionHistory(ctx context.Context, req HistoryRequest) (*models.ProductionHistory, error) {
	if err := s.allow(); err != nil {
		return nil, err
	}
	if req.End.Before(req.Start) {
		return nil, models.ErrInvalidWindow
	}
	h, err := s.deps.History.History(ctx, req.MachineID, req.Start, req.End, req.TeamCode)
	if err != nil {
		return nil, s.fail(err)
	}
	return h, nil
}

// ExportProductionHistory 导出历史为 XLSX
func (s *productionService) ExportProductionHistory(ctx context.Context, req HistoryRequest) (*Export, error) {
	h, err := s.GetProductionHistory(ctx, req)
	if err != nil {
		return nil, err
	}
	machine, err := s.deps.Machines.GetMachine(ctx, req.MachineID)
	if err != nil {
		return nil, s.fail(err)
	}
	data, err := report.GenerateHistoryWorkbook(*machine, h)
	if err != nil {
		return nil, fmt.Errorf("failed to generate history export: %w", err)
	}
	return &Export{
		Filename:    report.HistoryFilename(req.MachineID, req.Start, req.End),
		ContentType: report.ContentType,
		Data:        data,
	}, nil
}

// ResetShift archives the operator's active record on the machine with
// reason MANUAL_RESET and broadcasts shift:reset.
func (s *productionService) ResetShift(ctx context.Context, machineID int64, operatorID, teamCode string) (*models.ProductionArchive, error) {
	if err := s.allow(); err != nil {
		return nil, err
	}
	if operatorID == "" || teamCode == "" {
		return nil, fmt.Errorf("operator id and team code are required: %w", models.ErrInvalidArgument)
	}

	if _, err := s.deps.Machines.GetMachine(ctx, machineID); err != nil {
		return nil, s.fail(err)
	}

	rec, err := s.findResettable(ctx, machineID, operatorID, teamCode)
	if err != nil {
		return nil, s.fail(err)
	}

	archive, err := s.deps.Records.Archive(ctx, rec.ID, models.ArchiveManualReset, operatorID)
	if err != nil {
		return nil, s.fail(err)
	}

	if c := s.deps.Cache; c != nil {
		c.Delete(ctx, s.currentKey(machineID))
	}
	s.deps.Metrics.RecordArchived(string(models.ArchiveManualReset))
	s.logger.Info("Shift reset",
		zap.Int64("machine_id", machineID),
		zap.String("operator_id", operatorID),
		zap.String("team_code", teamCode),
		zap.String("record_id", rec.ID),
		zap.Float64("archived_production", archive.Snapshot.TotalProduction),
	)
	s.deps.Events.ShiftReset(ctx, broadcast.ShiftReset{
		MachineID:          machineID,
		TeamCode:           teamCode,
		ArchivedProduction: archive.Snapshot.TotalProduction,
		Reason:             string(archive.Reason),
		Timestamp:          archive.ArchivedAt,
	})
	return archive, nil
}

// findResettable looks up the record for the team's current window first,
// then the machine's latest active record if it belongs to the operator.
func (s *productionService) findResettable(ctx context.Context, machineID int64, operatorID, teamCode string) (*models.ShiftProductionRecord, error) {
	if w, ok := s.deps.Calendar.ResolveStaffedWindow(teamCode, s.now()); ok {
		rec, err := s.deps.Records.FindActive(ctx, models.RecordKey{
			MachineID:  machineID,
			OperatorID: operatorID,
			ShiftDate:  w.ShiftDate,
			ShiftLabel: w.ShiftLabel,
		})
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, models.ErrNoActiveRecord) {
			return nil, err
		}
	}

	rec, err := s.deps.Records.GetCurrentByMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if rec.OperatorID != operatorID || rec.TeamCode != teamCode {
		return nil, models.ErrNoActiveRecord
	}
	return rec, nil
}

// GetRotationSchedule 返回班组从今天起 days 天的轮转表
func (s *productionService) GetRotationSchedule(ctx context.Context, teamCode string, days int) ([]models.ActiveShiftWindow, error) {
	if err := s.allow(); err != nil {
		return nil, err
	}
	if days < 1 || days > MaxScheduleDays {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", models.ErrInvalidDays, days, MaxScheduleDays)
	}
	if _, err := s.deps.Teams.GetTeam(ctx, teamCode); err != nil {
		return nil, s.fail(err)
	}
	return s.deps.Calendar.Schedule(teamCode, s.now(), days), nil
}

// Health 汇总数据库、熔断器与广播通道状态
func (s *productionService) Health(ctx context.Context) HealthReport {
	hr := HealthReport{Status: HealthOK, Time: s.now(), Transports: s.deps.Events.Transports()}

	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(ctx); err != nil {
			hr.Status = HealthUnavailable
			hr.DatabaseError = err.Error()
		}
		hr.Database = s.deps.DB.Stats()
	}
	if s.deps.Breaker != nil {
		hr.Breaker = s.deps.Breaker.Snapshot()
		if hr.Breaker.State == resilience.Open.String() {
			hr.Status = HealthUnavailable
		}
	}
	if s.deps.Cache != nil {
		hr.CacheFallbacks = s.deps.Cache.FallbackLen()
		if hr.CacheFallbacks > 0 && hr.Status == HealthOK {
			hr.Status = HealthDegraded
		}
	}
	return hr
}

func (s *productionService) allow() error {
	if s.deps.Breaker == nil {
		return nil
	}
	return s.deps.Breaker.Allow()
}

// fail records critical errors on the breaker and passes err through.
func (s *productionService) fail(err error) error {
	if s.deps.Breaker != nil && resilience.IsCritical(err) {
		s.deps.Breaker.RecordError(err)
	}
	return err
}

func (s *productionService) currentKey(machineID int64) string {
	return s.cache.KeyPrefix + "current:" + strconv.FormatInt(machineID, 10)
}

func (s *productionService) staleKey(machineID int64) string {
	return s.cache.KeyPrefix + "current-stale:" + strconv.FormatInt(machineID, 10)
}
