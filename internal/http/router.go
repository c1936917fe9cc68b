package httpapi

import (
	"net/http"

	"shopfloor-telemetry/internal/metrics"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Gate rejects requests while the circuit breaker is open.
type Gate interface {
	Allow() error
}

// FaultReporter receives panics recovered from handlers.
type FaultReporter interface {
	Report(component string, fault any)
}

// NewRouter 注册全部路由
func NewRouter(h *ProductionHandler, gate Gate, faults FaultReporter, m *metrics.Metrics, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware(m))
	r.Use(recoverMiddleware(faults, logger))

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(breakerMiddleware(gate))

	api.HandleFunc("/machines/{id}/rate", h.UpdateRate).Methods(http.MethodPut)
	api.HandleFunc("/machines/{id}/production", h.GetCurrentProduction).Methods(http.MethodGet)
	api.HandleFunc("/machines/{id}/history", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/machines/{id}/history/export", h.ExportHistory).Methods(http.MethodGet)
	api.HandleFunc("/machines/{id}/reset-shift", h.ResetShift).Methods(http.MethodPost)
	api.HandleFunc("/teams/{code}/rotation", h.GetRotation).Methods(http.MethodGet)

	return r
}

func breakerMiddleware(gate Gate) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gate != nil {
				if err := gate.Allow(); err != nil {
					writeError(w, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func recoverMiddleware(faults FaultReporter, logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if faults != nil {
					faults.Report("http:"+r.Method+" "+r.URL.Path, rec)
				} else {
					logger.Error("Recovered panic in handler",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Any("fault", rec),
					)
				}
				writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// metricsMiddleware labels requests with the matched route template so ids
// do not explode label cardinality.
func metricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.WrapHandler(route, next).ServeHTTP(w, r)
		})
	}
}
