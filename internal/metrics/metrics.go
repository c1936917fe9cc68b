package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Machine update outcomes recorded per tick.
const (
	ResultUpdated    = "updated"
	ResultCreated    = "created"
	ResultSkipped    = "skipped"
	ResultNotStaffed = "not_staffed"
	ResultConflict   = "conflict"
	ResultError      = "error"
)

// Metrics holds the service's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticksTotal        prometheus.Counter
	ticksSkipped      prometheus.Counter
	tickDuration      prometheus.Histogram
	machineUpdates    *prometheus.CounterVec
	producedUnits     prometheus.Counter
	recordsArchived   *prometheus.CounterVec
	breakerState      prometheus.Gauge
	cacheFallbacks    *prometheus.CounterVec
	broadcastFailures *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewMetrics 创建并注册全部指标
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accumulator_ticks_total",
			Help: "Accumulator ticks executed.",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accumulator_ticks_skipped_total",
			Help: "Accumulator ticks skipped because the circuit breaker was open.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "accumulator_tick_duration_seconds",
			Help:    "Wall time of one accumulator tick.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		machineUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accumulator_machine_updates_total",
			Help: "Per-machine accumulator outcomes.",
		}, []string{"result"}),
		producedUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accumulator_produced_units_total",
			Help: "Units added to production records.",
		}),
		recordsArchived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "production_records_archived_total",
			Help: "Production records archived, by reason.",
		}, []string{"reason"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "circuit_breaker_open",
			Help: "1 while the circuit breaker is open, 0 otherwise.",
		}),
		cacheFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_fallback_total",
			Help: "Cache operations served by the in-memory fallback.",
		}, []string{"op"}),
		broadcastFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_failures_total",
			Help: "Dropped event publishes by transport and event.",
		}, []string{"transport", "event"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticksTotal,
		m.ticksSkipped,
		m.tickDuration,
		m.machineUpdates,
		m.producedUnits,
		m.recordsArchived,
		m.breakerState,
		m.cacheFallbacks,
		m.broadcastFailures,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// TickObserved records one completed tick.
func (m *Metrics) TickObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.ticksTotal.Inc()
	m.tickDuration.Observe(d.Seconds())
}

// TickSkipped 熔断打开时跳过的 tick
func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

// MachineResult records one per-machine outcome; units > 0 only for updates.
func (m *Metrics) MachineResult(result string, units float64) {
	if m == nil {
		return
	}
	m.machineUpdates.WithLabelValues(result).Inc()
	if units > 0 {
		m.producedUnits.Add(units)
	}
}

// RecordArchived 归档计数
func (m *Metrics) RecordArchived(reason string) {
	if m == nil {
		return
	}
	m.recordsArchived.WithLabelValues(reason).Inc()
}

// SetBreakerOpen mirrors the breaker state.
func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.breakerState.Set(1)
	} else {
		m.breakerState.Set(0)
	}
}

// CacheFallback counts one fallback to memory.
func (m *Metrics) CacheFallback(op string) {
	if m == nil {
		return
	}
	m.cacheFallbacks.WithLabelValues(op).Inc()
}

// BroadcastFailure counts one dropped publish.
func (m *Metrics) BroadcastFailure(transport, event string) {
	if m == nil {
		return
	}
	m.broadcastFailures.WithLabelValues(transport, event).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request count and latency under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
