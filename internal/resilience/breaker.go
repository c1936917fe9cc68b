package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig 熔断器参数
type BreakerConfig struct {
	Threshold int           // critical errors within Window that open the circuit
	Window    time.Duration // rolling error window
	Cooldown  time.Duration // time the circuit stays open
}

// BreakerSnapshot is the health view of the breaker.
type BreakerSnapshot struct {
	State      string    `json:"state"`
	ErrorCount int       `json:"errorCount"`
	OpenedAt   time.Time `json:"openedAt,omitempty"`
	RetryAfter int       `json:"retryAfterSeconds,omitempty"`
}

// Breaker is a process-wide circuit breaker over critical errors.
// CLOSED -> (errors in window >= threshold) -> OPEN -> (cooldown elapsed) -> CLOSED.
type Breaker struct {
	cfg    BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	errors   []time.Time
	openedAt time.Time

	onStateChange func(State)
}

// BreakerOption 可选参数
type BreakerOption func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateHook is called (outside the lock) on every state transition.
func WithStateHook(fn func(State)) BreakerOption {
	return func(b *Breaker) { b.onStateChange = fn }
}

// NewBreaker 创建熔断器
func NewBreaker(cfg BreakerConfig, logger *zap.Logger, opts ...BreakerOption) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	b := &Breaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RecordError counts one critical error. Errors recorded while the circuit
// is already open are ignored.
func (b *Breaker) RecordError(cause error) {
	b.mu.Lock()
	changed := b.refreshLocked()
	if b.state == Open {
		b.mu.Unlock()
		return
	}

	now := b.now()
	b.errors = append(b.errors, now)
	b.pruneLocked(now)
	count := len(b.errors)

	fields := []zap.Field{zap.Int("error_count", count), zap.Int("threshold", b.cfg.Threshold)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	b.logger.Warn("Critical error recorded", fields...)

	if count >= b.cfg.Threshold {
		b.state = Open
		b.openedAt = now
		changed = true
		b.logger.Error("Circuit breaker opened",
			zap.Int("error_count", count),
			zap.Duration("cooldown", b.cfg.Cooldown),
		)
	}
	state := b.state
	b.mu.Unlock()
	b.notify(changed, state)
}

// Allow returns a *CircuitOpenError while the circuit is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	changed := b.refreshLocked()
	var err error
	if b.state == Open {
		err = &CircuitOpenError{RetryAfter: b.openedAt.Add(b.cfg.Cooldown).Sub(b.now())}
	}
	state := b.state
	b.mu.Unlock()
	b.notify(changed, state)
	return err
}

// Execute gates op behind the breaker and records critical failures.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := op(ctx)
	if IsCritical(err) {
		b.RecordError(err)
	}
	return err
}

// State 当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	changed := b.refreshLocked()
	s := b.state
	b.mu.Unlock()
	b.notify(changed, s)
	return s
}

// ErrorCount returns the number of critical errors inside the rolling window.
func (b *Breaker) ErrorCount() int {
	b.mu.Lock()
	changed := b.refreshLocked()
	b.pruneLocked(b.now())
	n, state := len(b.errors), b.state
	b.mu.Unlock()
	b.notify(changed, state)
	return n
}

// Snapshot 健康检查视图
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	changed := b.refreshLocked()
	b.pruneLocked(b.now())
	snap := BreakerSnapshot{State: b.state.String(), ErrorCount: len(b.errors)}
	if b.state == Open {
		snap.OpenedAt = b.openedAt
		snap.RetryAfter = RetryAfterSeconds(b.openedAt.Add(b.cfg.Cooldown).Sub(b.now()))
	}
	state := b.state
	b.mu.Unlock()
	b.notify(changed, state)
	return snap
}

// refreshLocked auto-closes an open circuit once the cooldown has elapsed.
func (b *Breaker) refreshLocked() bool {
	if b.state != Open {
		return false
	}
	if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
		return false
	}
	b.state = Closed
	b.errors = nil
	b.openedAt = time.Time{}
	b.logger.Info("Circuit breaker closed after cooldown")
	return true
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.errors) && !b.errors[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.errors = append(b.errors[:0], b.errors[i:]...)
	}
}

func (b *Breaker) notify(changed bool, s State) {
	if changed && b.onStateChange != nil {
		b.onStateChange(s)
	}
}
