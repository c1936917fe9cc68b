package resilience

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrServiceUnavailable 基础设施暂不可用（重试后仍失败，或熔断打开）
var ErrServiceUnavailable = errors.New("service temporarily unavailable")

// CircuitOpenError is returned to every inbound operation while the breaker
// is open. It unwraps to ErrServiceUnavailable.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open, retry after %ds", RetryAfterSeconds(e.RetryAfter))
}

func (e *CircuitOpenError) Unwrap() error { return ErrServiceUnavailable }

// RetryAfter extracts the retry hint from a breaker error.
func RetryAfter(err error) (time.Duration, bool) {
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return open.RetryAfter, true
	}
	return 0, false
}

// RetryAfterSeconds rounds up to whole seconds, minimum 1.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// IsCritical reports whether err should count toward the breaker: an
// infrastructure failure that survived the retry. Breaker rejections
// themselves do not count.
func IsCritical(err error) bool {
	if err == nil {
		return false
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return false
	}
	return errors.Is(err, ErrServiceUnavailable)
}

// unavailable wraps cause so it matches ErrServiceUnavailable.
func unavailable(cause error) error {
	return fmt.Errorf("%w: %w", ErrServiceUnavailable, cause)
}
