package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"shopfloor-telemetry/internal/accumulator"
	"shopfloor-telemetry/internal/broadcast"
	"shopfloor-telemetry/internal/config"
	"shopfloor-telemetry/internal/models"
	"shopfloor-telemetry/internal/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---- mocks ----

type mockMachines struct{ mock.Mock }

func (m *mockMachines) GetMachine(ctx context.Context, id int64) (*models.Machine, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Machine), args.Error(1)
}

func (m *mockMachines) UpdateRate(ctx context.Context, id int64, rate float64, changedBy string, at time.Time) (*models.RateChangeEvent, error) {
	args := m.Called(ctx, id, rate, changedBy, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RateChangeEvent), args.Error(1)
}

type mockTeams struct{ mock.Mock }

func (m *mockTeams) GetTeam(ctx context.Context, code string) (*models.ShiftTeam, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ShiftTeam), args.Error(1)
}

type mockRecords struct{ mock.Mock }

func (m *mockRecords) FindActive(ctx context.Context, key models.RecordKey) (*models.ShiftProductionRecord, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ShiftProductionRecord), args.Error(1)
}

func (m *mockRecords) GetCurrentByMachine(ctx context.Context, machineID int64) (*models.ShiftProductionRecord, error) {
	args := m.Called(ctx, machineID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ShiftProductionRecord), args.Error(1)
}

func (m *mockRecords) Archive(ctx context.Context, recordID string, reason models.ArchiveReason, archivedBy string) (*models.ProductionArchive, error) {
	args := m.Called(ctx, recordID, reason, archivedBy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProductionArchive), args.Error(1)
}

type mockHistory struct{ mock.Mock }

func (m *mockHistory) History(ctx context.Context, machineID int64, start, end time.Time, teamCode string) (*models.ProductionHistory, error) {
	args := m.Called(ctx, machineID, start, end, teamCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProductionHistory), args.Error(1)
}

type fakeCalendar struct {
	staffed  bool
	window   models.ActiveShiftWindow
	lastDays int
}

func (f *fakeCalendar) ResolveStaffedWindow(team string, _ time.Time) (models.ActiveShiftWindow, bool) {
	w := f.window
	w.TeamCode = team
	return w, f.staffed
}

func (f *fakeCalendar) Schedule(team string, _ time.Time, days int) []models.ActiveShiftWindow {
	f.lastDays = days
	out := make([]models.ActiveShiftWindow, days)
	for i := range out {
		out[i] = models.ActiveShiftWindow{TeamCode: team, CycleDay: i%12 + 1}
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	resets []broadcast.ShiftReset
	rates  []broadcast.RateChanged
}

func (r *recordingEvents) ShiftReset(_ context.Context, ev broadcast.ShiftReset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, ev)
}

func (r *recordingEvents) RateChanged(_ context.Context, ev broadcast.RateChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates = append(r.rates, ev)
}

func (r *recordingEvents) Transports() []string { return []string{"redis"} }

type fakeDB struct{ pingErr error }

func (f fakeDB) Ping(context.Context) error { return f.pingErr }

func (f fakeDB) Stats() resilience.HealthStats {
	return resilience.HealthStats{Connected: f.pingErr == nil}
}

// ---- harness ----

var (
	serviceNow  = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	windowStart = time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
)

type testService struct {
	svc      *productionService
	machines *mockMachines
	teams    *mockTeams
	records  *mockRecords
	history  *mockHistory
	calendar *fakeCalendar
	events   *recordingEvents
	cache    *resilience.Cache
	breaker  *resilience.Breaker
	now      time.Time
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	ts := &testService{
		machines: &mockMachines{},
		teams:    &mockTeams{},
		records:  &mockRecords{},
		history:  &mockHistory{},
		calendar: &fakeCalendar{
			staffed: true,
			window: models.ActiveShiftWindow{
				ShiftLabel:  models.Shift1,
				IsWorkDay:   true,
				ShiftDate:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
				WindowStart: windowStart,
				WindowEnd:   windowStart.Add(12 * time.Hour),
			},
		},
		events: &recordingEvents{},
		now:    serviceNow,
	}
	clock := func() time.Time { return ts.now }
	ts.cache = resilience.NewCache(nil, zap.NewNop(), resilience.WithCacheClock(clock))
	ts.breaker = resilience.NewBreaker(resilience.BreakerConfig{Threshold: 3, Window: time.Minute, Cooldown: time.Minute}, zap.NewNop(), resilience.WithClock(clock))

	ts.svc = newProductionService(Deps{
		Machines: ts.machines,
		Teams:    ts.teams,
		Records:  ts.records,
		History:  ts.history,
		Calendar: ts.calendar,
		Events:   ts.events,
		Cache:    ts.cache,
		Breaker:  ts.breaker,
		DB:       fakeDB{},
	}, config.CacheConfig{KeyPrefix: "t:", CurrentTTL: 5 * time.Second, StaleTTL: 10 * time.Minute, RateTTL: time.Minute}, zap.NewNop(), clock)
	return ts
}

func (ts *testService) assertMocks(t *testing.T) {
	ts.machines.AssertExpectations(t)
	ts.teams.AssertExpectations(t)
	ts.records.AssertExpectations(t)
	ts.history.AssertExpectations(t)
}

func press7() *models.Machine {
	return &models.Machine{ID: 7, Name: "Press 7", Code: "P-07", Status: models.StatusRunning, Rate: 120, TeamCode: "A", OperatorID: "op-7"}
}

func unavailable() error {
	return fmt.Errorf("failed to get machine: %w", resilience.ErrServiceUnavailable)
}

// ---- tests ----

func TestUpdateMachineRate(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	ev := &models.RateChangeEvent{ID: 1, MachineID: 7, Rate: 90, ChangedBy: "u-1", Timestamp: serviceNow}
	ts.machines.On("UpdateRate", ctx, int64(7), 90.0, "u-1", serviceNow).Return(ev, nil).Once()

	got, err := ts.svc.UpdateMachineRate(ctx, 7, 90, "u-1")

	require.NoError(t, err)
	assert.Equal(t, ev, got)
	require.Len(t, ts.events.rates, 1)
	assert.Equal(t, 90.0, ts.events.rates[0].NewRate)
	assert.Equal(t, "u-1", ts.events.rates[0].ChangedBy)

	cached, ok := ts.cache.Get(ctx, accumulator.RateCacheKey("t:", 7))
	assert.True(t, ok)
	assert.Equal(t, "90", cached)
	ts.assertMocks(t)
}

func TestUpdateMachineRate_Validation(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	for _, rate := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := ts.svc.UpdateMachineRate(ctx, 7, rate, "u-1")
		assert.True(t, errors.Is(err, models.ErrInvalidRate), "rate %v", rate)
		assert.True(t, errors.Is(err, models.ErrInvalidArgument))
	}

	_, err := ts.svc.UpdateMachineRate(ctx, 7, 10, "")
	assert.True(t, errors.Is(err, models.ErrInvalidArgument))

	ts.machines.On("UpdateRate", ctx, int64(99), 10.0, "u-1", serviceNow).Return(nil, models.ErrMachineNotFound).Once()
	_, err = ts.svc.UpdateMachineRate(ctx, 99, 10, "u-1")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Equal(t, 0, ts.breaker.ErrorCount())
	assert.Empty(t, ts.events.rates)
	ts.assertMocks(t)
}

func TestGetCurrentProduction_CachedThenStale(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	rec := &models.ShiftProductionRecord{ID: "rec-1", MachineID: 7, TotalProduction: 120, UpdatedAt: serviceNow}

	ts.machines.On("GetMachine", ctx, int64(7)).Return(press7(), nil).Once()
	ts.records.On("GetCurrentByMachine", ctx, int64(7)).Return(rec, nil).Once()

	cp, err := ts.svc.GetCurrentProduction(ctx, 7)
	require.NoError(t, err)
	assert.False(t, cp.Stale)
	require.NotNil(t, cp.Record)
	assert.Equal(t, 120.0, cp.Record.TotalProduction)
	require.NotNil(t, cp.Window)
	assert.Equal(t, "A", cp.Window.TeamCode)

	// served from cache, no further store calls
	cp, err = ts.svc.GetCurrentProduction(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 120.0, cp.Record.TotalProduction)

	// past the short TTL with the store down: last known copy, flagged stale
	ts.now = ts.now.Add(time.Minute)
	ts.machines.On("GetMachine", ctx, int64(7)).Return(nil, unavailable()).Once()

	cp, err = ts.svc.GetCurrentProduction(ctx, 7)
	require.NoError(t, err)
	assert.True(t, cp.Stale)
	assert.Equal(t, 120.0, cp.Record.TotalProduction)
	assert.Equal(t, 1, ts.breaker.ErrorCount())
	ts.assertMocks(t)
}

func TestGetCurrentProduction_NoRecordAndErrors(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	ts.calendar.staffed = false

	ts.machines.On("GetMachine", ctx, int64(7)).Return(press7(), nil).Once()
	ts.records.On("GetCurrentByMachine", ctx, int64(7)).Return(nil, models.ErrNoActiveRecord).Once()

	cp, err := ts.svc.GetCurrentProduction(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, cp.Record)
	assert.Nil(t, cp.Window)

	ts.machines.On("GetMachine", ctx, int64(8)).Return(nil, unavailable()).Once()
	_, err = ts.svc.GetCurrentProduction(ctx, 8)
	assert.True(t, errors.Is(err, resilience.ErrServiceUnavailable))

	ts.machines.On("GetMachine", ctx, int64(9)).Return(nil, models.ErrMachineNotFound).Once()
	_, err = ts.svc.GetCurrentProduction(ctx, 9)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	ts.assertMocks(t)
}

func TestOperations_RejectedWhileBreakerOpen(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ts.breaker.RecordError(resilience.ErrServiceUnavailable)
	}
	require.Equal(t, resilience.Open, ts.breaker.State())

	checks := map[string]error{}
	_, checks["rate"] = ts.svc.UpdateMachineRate(ctx, 7, 10, "u-1")
	_, checks["current"] = ts.svc.GetCurrentProduction(ctx, 7)
	_, checks["history"] = ts.svc.GetProductionHistory(ctx, HistoryRequest{MachineID: 7, Start: windowStart, End: serviceNow})
	_, checks["export"] = ts.svc.ExportProductionHistory(ctx, HistoryRequest{MachineID: 7, Start: windowStart, End: serviceNow})
	_, checks["reset"] = ts.svc.ResetShift(ctx, 7, "op-7", "A")
	_, checks["schedule"] = ts.svc.GetRotationSchedule(ctx, "A", 7)

	for name, err := range checks {
		retry, ok := resilience.RetryAfter(err)
		assert.True(t, ok, name)
		assert.Equal(t, time.Minute, retry, name)
		assert.True(t, errors.Is(err, resilience.ErrServiceUnavailable), name)
	}
	ts.assertMocks(t)

	hr := ts.svc.Health(ctx)
	assert.Equal(t, HealthUnavailable, hr.Status)
	assert.Equal(t, "OPEN", hr.Breaker.State)
}

func TestResetShift_ArchivesCurrentWindowRecord(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	rec := &models.ShiftProductionRecord{ID: "rec-1", MachineID: 7, OperatorID: "op-7", TeamCode: "A", TotalProduction: 321}
	archive := &models.ProductionArchive{ID: "arc-1", RecordID: "rec-1", Snapshot: *rec, Reason: models.ArchiveManualReset, ArchivedBy: "op-7", ArchivedAt: serviceNow}

	ts.machines.On("GetMachine", ctx, int64(7)).Return(press7(), nil).Once()
	ts.records.On("FindActive", ctx, models.RecordKey{
		MachineID:  7,
		OperatorID: "op-7",
		ShiftDate:  ts.calendar.window.ShiftDate,
		ShiftLabel: models.Shift1,
	}).Return(rec, nil).Once()
	ts.records.On("Archive", ctx, "rec-1", models.ArchiveManualReset, "op-7").Return(archive, nil).Once()

	got, err := ts.svc.ResetShift(ctx, 7, "op-7", "A")

	require.NoError(t, err)
	assert.Equal(t, archive, got)
	require.Len(t, ts.events.resets, 1)
	assert.Equal(t, 321.0, ts.events.resets[0].ArchivedProduction)
	assert.Equal(t, "MANUAL_RESET", ts.events.resets[0].Reason)
	assert.Equal(t, "A", ts.events.resets[0].TeamCode)
	ts.assertMocks(t)
}

func TestResetShift_FallbackAndMismatch(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	ts.calendar.staffed = false
	rec := &models.ShiftProductionRecord{ID: "rec-9", MachineID: 7, OperatorID: "op-7", TeamCode: "A", TotalProduction: 50}

	ts.machines.On("GetMachine", ctx, int64(7)).Return(press7(), nil).Twice()
	ts.records.On("GetCurrentByMachine", ctx, int64(7)).Return(rec, nil).Twice()
	ts.records.On("Archive", ctx, "rec-9", models.ArchiveManualReset, "op-7").
		Return(&models.ProductionArchive{RecordID: "rec-9", Snapshot: *rec, Reason: models.ArchiveManualReset}, nil).Once()

	_, err := ts.svc.ResetShift(ctx, 7, "op-7", "A")
	require.NoError(t, err)

	_, err = ts.svc.ResetShift(ctx, 7, "someone-else", "A")
	assert.True(t, errors.Is(err, models.ErrNoActiveRecord))

	_, err = ts.svc.ResetShift(ctx, 7, "", "A")
	assert.True(t, errors.Is(err, models.ErrInvalidArgument))
	assert.Len(t, ts.events.resets, 1)
	ts.assertMocks(t)
}

func TestGetRotationSchedule(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	for _, days := range []int{0, -3, MaxScheduleDays + 1} {
		_, err := ts.svc.GetRotationSchedule(ctx, "A", days)
		assert.True(t, errors.Is(err, models.ErrInvalidDays), "days %d", days)
	}

	ts.teams.On("GetTeam", ctx, "A").Return(&models.ShiftTeam{Code: "A"}, nil).Once()
	ts.teams.On("GetTeam", ctx, "Z").Return(nil, models.ErrTeamNotFound).Once()

	schedule, err := ts.svc.GetRotationSchedule(ctx, "A", 12)
	require.NoError(t, err)
	assert.Len(t, schedule, 12)
	assert.Equal(t, 12, ts.calendar.lastDays)

	_, err = ts.svc.GetRotationSchedule(ctx, "Z", 7)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	ts.assertMocks(t)
}

func TestHistoryAndExport(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	req := HistoryRequest{MachineID: 7, Start: windowStart, End: serviceNow, TeamCode: "A"}
	h := &models.ProductionHistory{
		Breakdown:       models.StatusBreakdown{MachineID: 7, Start: req.Start, End: req.End, TotalMinutes: 120, RunningMinutes: 120, Efficiency: 100},
		TotalProduction: 240,
	}

	_, err := ts.svc.GetProductionHistory(ctx, HistoryRequest{MachineID: 7, Start: serviceNow, End: windowStart})
	assert.True(t, errors.Is(err, models.ErrInvalidWindow))

	ts.history.On("History", ctx, int64(7), req.Start, req.End, "A").Return(h, nil).Twice()
	ts.machines.On("GetMachine", ctx, int64(7)).Return(press7(), nil).Once()

	got, err := ts.svc.GetProductionHistory(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 240.0, got.TotalProduction)

	export, err := ts.svc.ExportProductionHistory(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "machine-7-history-20240301T0700-20240301T0900.xlsx", export.Filename)
	assert.NotEmpty(t, export.Data)
	ts.assertMocks(t)
}

func TestHealth(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	hr := ts.svc.Health(ctx)
	assert.Equal(t, HealthOK, hr.Status)
	assert.Equal(t, []string{"redis"}, hr.Transports)
	assert.True(t, hr.Database.Connected)

	// cache writes while Redis is absent land in the fallback map
	ts.cache.Set(ctx, "k", "v", time.Minute)
	assert.Equal(t, HealthDegraded, ts.svc.Health(ctx).Status)

	ts.svc.deps.DB = fakeDB{pingErr: errors.New("connection refused")}
	hr = ts.svc.Health(ctx)
	assert.Equal(t, HealthUnavailable, hr.Status)
	assert.Equal(t, "connection refused", hr.DatabaseError)
}
