package resilience

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FaultHandler escalates unrecovered panics: log as critical, count toward
// the breaker, then exit the process after a delay so a supervisor can
// restart it from a known state.
type FaultHandler struct {
	logger    *zap.Logger
	breaker   *Breaker
	exitDelay time.Duration
	enabled   bool
	exit      func(code int)

	once sync.Once
}

// NewFaultHandler 创建故障处理器
func NewFaultHandler(logger *zap.Logger, breaker *Breaker, exitOnFault bool, exitDelay time.Duration) *FaultHandler {
	return &FaultHandler{
		logger:    logger,
		breaker:   breaker,
		exitDelay: exitDelay,
		enabled:   exitOnFault,
		exit:      os.Exit,
	}
}

// SetExitFunc replaces os.Exit, for tests.
func (h *FaultHandler) SetExitFunc(fn func(code int)) { h.exit = fn }

// Recover must be deferred directly: defer h.Recover("component").
func (h *FaultHandler) Recover(component string) {
	if r := recover(); r != nil {
		h.Report(component, r)
	}
}

// Go runs fn in a goroutine guarded by Recover.
func (h *FaultHandler) Go(component string, fn func()) {
	go func() {
		defer h.Recover(component)
		fn()
	}()
}

// Report handles a fault value captured by the caller.
func (h *FaultHandler) Report(component string, fault any) {
	h.logger.Error("Unhandled fault",
		zap.String("severity", "CRITICAL"),
		zap.String("component", component),
		zap.Any("fault", fault),
		zap.Stack("stack"),
	)
	if h.breaker != nil {
		h.breaker.RecordError(fmt.Errorf("fault in %s: %v", component, fault))
	}
	if !h.enabled {
		return
	}
	h.once.Do(func() {
		h.logger.Error("Scheduling process exit after unhandled fault", zap.Duration("delay", h.exitDelay))
		time.AfterFunc(h.exitDelay, func() {
			_ = h.logger.Sync()
			h.exit(1)
		})
	})
}
