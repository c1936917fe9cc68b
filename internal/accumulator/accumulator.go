package accumulator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"shopfloor-telemetry/internal/broadcast"
	"shopfloor-telemetry/internal/config"
	"shopfloor-telemetry/internal/metrics"
	"shopfloor-telemetry/internal/models"
	"shopfloor-telemetry/internal/resilience"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Rate attribution modes.
const (
	AttributionEndOfInterval = "end_of_interval"
	AttributionSegmented     = "segmented"
)

// MachineSource 运行中设备
type MachineSource interface {
	ListRunning(ctx context.Context) ([]models.Machine, error)
}

// TeamSource 班组查询
type TeamSource interface {
	GetTeam(ctx context.Context, code string) (*models.ShiftTeam, error)
}

// RecordStore is the persisted side of the shift production records.
type RecordStore interface {
	FindActive(ctx context.Context, key models.RecordKey) (*models.ShiftProductionRecord, error)
	Create(ctx context.Context, rec *models.ShiftProductionRecord) (*models.ShiftProductionRecord, error)
	AddProduction(ctx context.Context, id string, delta float64, prevUpdatedAt, now time.Time) (float64, bool, error)
	ListExpiredActive(ctx context.Context, now time.Time) ([]*models.ShiftProductionRecord, error)
	Archive(ctx context.Context, recordID string, reason models.ArchiveReason, archivedBy string) (*models.ProductionArchive, error)
}

// RateLog 产速变更日志
type RateLog interface {
	Last(ctx context.Context, machineID int64, at time.Time) (*models.RateChangeEvent, error)
	Append(ctx context.Context, ev *models.RateChangeEvent) error
	ListBetween(ctx context.Context, machineID int64, start, end time.Time) ([]models.RateChangeEvent, error)
}

// WindowResolver maps an instant to the team's staffed shift window.
type WindowResolver interface {
	ResolveStaffedWindow(teamCode string, instant time.Time) (models.ActiveShiftWindow, bool)
}

// Events 事件广播
type Events interface {
	ProductionUpdated(ctx context.Context, ev broadcast.ProductionUpdate)
	ShiftReset(ctx context.Context, ev broadcast.ShiftReset)
	RateChanged(ctx context.Context, ev broadcast.RateChanged)
}

// Deps are the accumulator's collaborators. Cache, Breaker, Faults and
// Metrics may be nil.
type Deps struct {
	Machines MachineSource
	Teams    TeamSource
	Records  RecordStore
	Rates    RateLog
	Windows  WindowResolver
	Events   Events
	Cache    *resilience.Cache
	Breaker  *resilience.Breaker
	Faults   *resilience.FaultHandler
	Metrics  *metrics.Metrics
}

// Options 累加器参数
type Options struct {
	TickInterval         time.Duration
	MinElapsed           time.Duration
	Concurrency          int
	ArchiveSweepInterval time.Duration
	Attribution          string
	CacheKeyPrefix       string
	CacheTTL             time.Duration
}

// OptionsFromConfig 从配置构建参数
func OptionsFromConfig(acc config.AccumulatorConfig, cache config.CacheConfig) Options {
	return Options{
		TickInterval:         acc.TickInterval,
		MinElapsed:           acc.MinElapsed,
		Concurrency:          acc.Concurrency,
		ArchiveSweepInterval: acc.ArchiveSweepInterval,
		Attribution:          acc.RateAttribution,
		CacheKeyPrefix:       cache.KeyPrefix,
		CacheTTL:             cache.RateTTL,
	}
}

// TickStats summarises one tick.
type TickStats struct {
	Machines   int
	Updated    int
	Created    int
	Skipped    int
	NotStaffed int
	Conflicts  int
	Errors     int
	Archived   int
}

// Accumulator advances each running machine's production record once per
// tick by rate × elapsed wall time since the record's last update.
type Accumulator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	inflight  sync.Map // machine id -> struct{}
	lastSweep atomic.Int64

	mu      sync.Mutex
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	ticksWG sync.WaitGroup
}

// New 创建实时产量累加器
func New(deps Deps, opts Options, logger *zap.Logger) *Accumulator {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.MinElapsed <= 0 {
		opts.MinElapsed = 500 * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.ArchiveSweepInterval <= 0 {
		opts.ArchiveSweepInterval = time.Minute
	}
	if opts.Attribution == "" {
		opts.Attribution = AttributionEndOfInterval
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	return &Accumulator{
		deps:   deps,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces time.Now, for tests.
func (a *Accumulator) SetClock(now func() time.Time) { a.now = now }

// Start runs Tick every TickInterval until Stop is called. Each tick runs
// in its own goroutine so a slow tick never delays the next one.
func (a *Accumulator) Start(ctx context.Context) {
	a.mu.Lock()
	if a.stopCh != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.stopCh = stop
	a.mu.Unlock()

	tickCtx := context.WithoutCancel(ctx)

	a.logger.Info("Starting production accumulator",
		zap.Duration("interval", a.opts.TickInterval),
		zap.Int("concurrency", a.opts.Concurrency),
		zap.String("attribution", a.opts.Attribution),
	)

	a.loopWG.Add(1)
	go func() {
		defer a.loopWG.Done()
		ticker := time.NewTicker(a.opts.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				a.ticksWG.Add(1)
				go func() {
					defer a.ticksWG.Done()
					defer a.guard(0)
					if _, err := a.Tick(tickCtx); err != nil {
						a.logger.Error("Accumulator tick failed", zap.Error(err))
					}
				}()
			}
		}
	}()
}

// Stop cancels the timer and waits for in-flight ticks to finish.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	stop := a.stopCh
	a.stopCh = nil
	a.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	a.loopWG.Wait()
	a.ticksWG.Wait()
	a.logger.Info("Production accumulator stopped")
}

// Tick processes every running machine once. Per-machine failures are
// logged and counted, never returned; the error is only for failures that
// prevent the tick as a whole (listing machines).
func (a *Accumulator) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	if b := a.deps.Breaker; b != nil {
		if err := b.Allow(); err != nil {
			a.deps.Metrics.TickSkipped()
			a.logger.Debug("Accumulator tick skipped, circuit open", zap.Error(err))
			return stats, nil
		}
	}

	started := time.Now()
	now := a.now()

	machines, err := a.deps.Machines.ListRunning(ctx)
	if err != nil {
		a.recordCritical(err)
		return stats, fmt.Errorf("failed to list running machines: %w", err)
	}
	stats.Machines = len(machines)

	var updated, created, skipped, notStaffed, conflicts, errCount atomic.Int64

	var g errgroup.Group
	g.SetLimit(a.opts.Concurrency)
	for _, m := range machines {
		m := m
		if _, busy := a.inflight.LoadOrStore(m.ID, struct{}{}); busy {
			skipped.Add(1)
			a.deps.Metrics.MachineResult(metrics.ResultSkipped, 0)
			continue
		}
		g.Go(func() error {
			defer a.inflight.Delete(m.ID)
			defer a.guard(m.ID)

			result, delta, err := a.updateMachine(ctx, m, now)
			if err != nil {
				errCount.Add(1)
				a.recordCritical(err)
				a.logger.Error("Failed to update machine production",
					zap.Int64("machine_id", m.ID),
					zap.String("machine_code", m.Code),
					zap.Error(err),
				)
				a.deps.Metrics.MachineResult(metrics.ResultError, 0)
				return nil
			}
			switch result {
			case metrics.ResultUpdated:
				updated.Add(1)
			case metrics.ResultCreated:
				created.Add(1)
			case metrics.ResultNotStaffed:
				notStaffed.Add(1)
			case metrics.ResultConflict:
				conflicts.Add(1)
			default:
				skipped.Add(1)
			}
			a.deps.Metrics.MachineResult(result, delta)
			return nil
		})
	}
	_ = g.Wait()

	stats.Updated = int(updated.Load())
	stats.Created = int(created.Load())
	stats.Skipped = int(skipped.Load())
	stats.NotStaffed = int(notStaffed.Load())
	stats.Conflicts = int(conflicts.Load())
	stats.Errors = int(errCount.Load())

	if a.sweepDue(now) {
		stats.Archived = a.SweepExpired(ctx, now)
	}

	a.deps.Metrics.TickObserved(time.Since(started))
	if stats.Errors > 0 {
		a.logger.Warn("Accumulator tick completed with errors",
			zap.Int("machine_count", stats.Machines),
			zap.Int("updated_count", stats.Updated),
			zap.Int("error_count", stats.Errors),
		)
	} else {
		a.logger.Debug("Accumulator tick completed",
			zap.Int("machine_count", stats.Machines),
			zap.Int("updated_count", stats.Updated),
			zap.Int("created_count", stats.Created),
			zap.Int("skipped_count", stats.Skipped+stats.NotStaffed+stats.Conflicts),
		)
	}
	return stats, nil
}

// updateMachine applies one accumulation step and returns the metrics
// result label together with the units added.
func (a *Accumulator) updateMachine(ctx context.Context, m models.Machine, now time.Time) (string, float64, error) {
	if m.TeamCode == "" {
		return metrics.ResultNotStaffed, 0, nil
	}
	window, ok := a.deps.Windows.ResolveStaffedWindow(m.TeamCode, now)
	if !ok {
		return metrics.ResultNotStaffed, 0, nil
	}

	operatorID, err := a.resolveOperator(ctx, m)
	if err != nil {
		return "", 0, err
	}

	key := models.RecordKey{
		MachineID:  m.ID,
		OperatorID: operatorID,
		ShiftDate:  window.ShiftDate,
		ShiftLabel: window.ShiftLabel,
	}
	rec, err := a.deps.Records.FindActive(ctx, key)
	if errors.Is(err, models.ErrNoActiveRecord) {
		rec, err = a.deps.Records.Create(ctx, &models.ShiftProductionRecord{
			MachineID:        m.ID,
			OperatorID:       operatorID,
			TeamCode:         m.TeamCode,
			ShiftLabel:       window.ShiftLabel,
			ShiftDate:        window.ShiftDate,
			WindowStart:      window.WindowStart,
			WindowEnd:        window.WindowEnd,
			TargetProduction: m.Rate * window.Duration().Minutes(),
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if err != nil {
			return "", 0, err
		}
		if rec.UpdatedAt.Equal(now) {
			a.observeRate(ctx, m, now)
			return metrics.ResultCreated, 0, nil
		}
	}
	if err != nil {
		return "", 0, err
	}

	if now.Sub(rec.UpdatedAt) < a.opts.MinElapsed {
		return metrics.ResultSkipped, 0, nil
	}

	a.observeRate(ctx, m, now)

	from := latest(rec.UpdatedAt, window.WindowStart, m.StatusChangedAt)
	delta := 0.0
	if now.After(from) {
		delta, err = a.produced(ctx, m, from, now)
		if err != nil {
			return "", 0, err
		}
	}

	total, applied, err := a.deps.Records.AddProduction(ctx, rec.ID, delta, rec.UpdatedAt, now)
	if err != nil {
		return "", 0, err
	}
	if !applied {
		return metrics.ResultConflict, 0, nil
	}

	a.deps.Events.ProductionUpdated(ctx, broadcast.ProductionUpdate{
		MachineID:             m.ID,
		MachineName:           m.Name,
		TotalProduction:       total,
		IncrementalProduction: delta,
		CurrentRate:           m.Rate,
		TeamCode:              m.TeamCode,
		ShiftLabel:            string(window.ShiftLabel),
		Timestamp:             now,
	})
	return metrics.ResultUpdated, delta, nil
}

// produced returns the units made in (from, to]. End-of-interval mode
// applies the current rate to the whole interval; segmented mode integrates
// over the rate changes logged inside it.
func (a *Accumulator) produced(ctx context.Context, m models.Machine, from, to time.Time) (float64, error) {
	if a.opts.Attribution != AttributionSegmented {
		return m.Rate / 60 * to.Sub(from).Seconds(), nil
	}

	rate := m.Rate
	prior, err := a.deps.Rates.Last(ctx, m.ID, from)
	if err != nil {
		return 0, err
	}
	if prior != nil {
		rate = prior.Rate
	}
	changes, err := a.deps.Rates.ListBetween(ctx, m.ID, from, to)
	if err != nil {
		return 0, err
	}
	return Integrate(rate, changes, from, to), nil
}

// Integrate sums rate/60 × seconds piecewise over [from, to], starting at
// initialRate and switching at each change. Changes outside the interval
// are ignored; changes must be in chronological order.
func Integrate(initialRate float64, changes []models.RateChangeEvent, from, to time.Time) float64 {
	total := 0.0
	cursor := from
	rate := initialRate
	for _, c := range changes {
		if !c.Timestamp.After(cursor) {
			if !c.Timestamp.Before(from) {
				rate = c.Rate
			}
			continue
		}
		if c.Timestamp.After(to) {
			break
		}
		total += rate / 60 * c.Timestamp.Sub(cursor).Seconds()
		cursor = c.Timestamp
		rate = c.Rate
	}
	if to.After(cursor) {
		total += rate / 60 * to.Sub(cursor).Seconds()
	}
	return total
}

// observeRate appends a rate-change event when the machine's rate differs
// from the last one logged. Failures are logged; the audit trail never
// blocks accumulation.
func (a *Accumulator) observeRate(ctx context.Context, m models.Machine, now time.Time) {
	key := RateCacheKey(a.opts.CacheKeyPrefix, m.ID)
	cached := ""
	if a.deps.Cache != nil {
		cached, _ = a.deps.Cache.Get(ctx, key)
	}
	current := FormatRate(m.Rate)
	if cached == current {
		return
	}

	if cached == "" {
		last, err := a.deps.Rates.Last(ctx, m.ID, now)
		if err != nil {
			a.recordCritical(err)
			a.logger.Warn("Failed to read last rate event", zap.Int64("machine_id", m.ID), zap.Error(err))
			return
		}
		if last != nil && last.Rate == m.Rate {
			a.setCache(ctx, key, current)
			return
		}
	}

	ev := &models.RateChangeEvent{MachineID: m.ID, Rate: m.Rate, ChangedBy: models.SystemActor, Timestamp: now}
	if err := a.deps.Rates.Append(ctx, ev); err != nil {
		a.recordCritical(err)
		a.logger.Warn("Failed to append rate event", zap.Int64("machine_id", m.ID), zap.Error(err))
		return
	}
	a.setCache(ctx, key, current)

	a.logger.Info("Machine rate change observed",
		zap.Int64("machine_id", m.ID),
		zap.Float64("rate", m.Rate),
	)
	a.deps.Events.RateChanged(ctx, broadcast.RateChanged{
		MachineID: m.ID,
		NewRate:   m.Rate,
		ChangedBy: models.SystemActor,
		Timestamp: now,
	})
}

// resolveOperator returns the machine's assigned operator, or its team's
// leader when none is assigned.
func (a *Accumulator) resolveOperator(ctx context.Context, m models.Machine) (string, error) {
	if m.OperatorID != "" {
		return m.OperatorID, nil
	}

	key := a.opts.CacheKeyPrefix + "team-leader:" + m.TeamCode
	if a.deps.Cache != nil {
		if v, ok := a.deps.Cache.Get(ctx, key); ok && v != "" {
			return v, nil
		}
	}

	team, err := a.deps.Teams.GetTeam(ctx, m.TeamCode)
	if err != nil {
		return "", err
	}
	leader, ok := team.Leader()
	if !ok {
		return "", fmt.Errorf("team %s has no leader: %w", m.TeamCode, models.ErrNoOperator)
	}
	a.setCache(ctx, key, leader)
	return leader, nil
}

// SweepExpired archives every active record whose window has ended and
// returns how many were archived.
func (a *Accumulator) SweepExpired(ctx context.Context, now time.Time) int {
	a.lastSweep.Store(now.UnixNano())

	expired, err := a.deps.Records.ListExpiredActive(ctx, now)
	if err != nil {
		a.recordCritical(err)
		a.logger.Error("Failed to list expired production records", zap.Error(err))
		return 0
	}

	archived := 0
	for _, rec := range expired {
		archive, err := a.deps.Records.Archive(ctx, rec.ID, models.ArchiveShiftEnd, models.SystemActor)
		if errors.Is(err, models.ErrNoActiveRecord) {
			continue
		}
		if err != nil {
			a.recordCritical(err)
			a.logger.Error("Failed to archive production record",
				zap.String("record_id", rec.ID),
				zap.Int64("machine_id", rec.MachineID),
				zap.Error(err),
			)
			continue
		}
		archived++
		a.deps.Metrics.RecordArchived(string(models.ArchiveShiftEnd))
		a.deps.Events.ShiftReset(ctx, broadcast.ShiftReset{
			MachineID:          rec.MachineID,
			TeamCode:           rec.TeamCode,
			ArchivedProduction: archive.Snapshot.TotalProduction,
			Reason:             string(archive.Reason),
			Timestamp:          now,
		})
	}

	if archived > 0 {
		a.logger.Info("Archived finished shift records", zap.Int("archived_count", archived))
	}
	if a.deps.Cache != nil {
		a.deps.Cache.Sweep()
	}
	return archived
}

func (a *Accumulator) sweepDue(now time.Time) bool {
	last := a.lastSweep.Load()
	return last == 0 || now.Sub(time.Unix(0, last)) >= a.opts.ArchiveSweepInterval
}

// guard recovers a panic inside a machine update so it cannot take down
// the tick. Must be deferred directly.
func (a *Accumulator) guard(machineID int64) {
	r := recover()
	if r == nil {
		return
	}
	component := "accumulator"
	if machineID != 0 {
		component = "accumulator:machine:" + strconv.FormatInt(machineID, 10)
	}
	if a.deps.Faults != nil {
		a.deps.Faults.Report(component, r)
		return
	}
	a.logger.Error("Recovered panic in accumulator",
		zap.String("component", component),
		zap.Any("fault", r),
		zap.Stack("stack"),
	)
}

func (a *Accumulator) recordCritical(err error) {
	if a.deps.Breaker != nil && resilience.IsCritical(err) {
		a.deps.Breaker.RecordError(err)
	}
}

// RateCacheKey is where the last logged rate of a machine is cached.
func RateCacheKey(prefix string, machineID int64) string {
	return prefix + "rate:" + strconv.FormatInt(machineID, 10)
}

// FormatRate is the cached representation of a rate.
func FormatRate(rate float64) string {
	return strconv.FormatFloat(rate, 'f', -1, 64)
}

func (a *Accumulator) setCache(ctx context.Context, key, value string) {
	if a.deps.Cache != nil {
		a.deps.Cache.Set(ctx, key, value, a.opts.CacheTTL)
	}
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
