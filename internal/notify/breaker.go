package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/signet/internal/observability"
)

// ErrCircuitOpen is returned while the breaker rejects notifications.
var ErrCircuitOpen = errors.New("notifier circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all notifications through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen allows trial notifications through.
	BreakerHalfOpen
	// BreakerOpen rejects all notifications immediately.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after a run of consecutive failures, stays open for a
// cool-down, then lets trial notifications through until enough succeed.
// It is safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
	now              func() time.Time
	onChange         func(BreakerState)
}

// NewCircuitBreaker creates a breaker. failureThreshold consecutive failures
// open it; after timeout it half-opens; successThreshold trial successes close
// it again. Non-positive arguments select defaults of 5, 2 and 30s.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
	}
}

// Allow returns ErrCircuitOpen while the breaker is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()
	if cb.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a delivered notification.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.setState(BreakerClosed)
		}
	}
}

// RecordFailure records a failed delivery.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.openedAt = cb.now()
			cb.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		// Any failure in half-open immediately reopens.
		cb.openedAt = cb.now()
		cb.successes = 0
		cb.setState(BreakerOpen)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// maybeHalfOpen moves an expired open breaker to half-open. Must be called
// with lock held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.timeout {
		cb.successes = 0
		cb.setState(BreakerHalfOpen)
	}
}

// setState must be called with lock held.
func (cb *CircuitBreaker) setState(s BreakerState) {
	cb.state = s
	if cb.onChange != nil {
		cb.onChange(s)
	}
}

// BreakerNotifier guards a Notifier with a CircuitBreaker so a failing
// notification service is not hammered by every workflow mutation.
type BreakerNotifier struct {
	next    Notifier
	breaker *CircuitBreaker
}

// NewBreakerNotifier wraps next. The breaker state is exported through
// metrics when m is non-nil.
func NewBreakerNotifier(next Notifier, breaker *CircuitBreaker, m *observability.Metrics) *BreakerNotifier {
	breaker.onChange = func(s BreakerState) { m.SetNotifierCircuitState(float64(s)) }
	return &BreakerNotifier{next: next, breaker: breaker}
}

// Notify implements Notifier.
func (b *BreakerNotifier) Notify(ctx context.Context, n Notification) error {
	if err := b.breaker.Allow(); err != nil {
		return err
	}
	if err := b.next.Notify(ctx, n); err != nil {
		b.breaker.RecordFailure()
		return err
	}
	b.breaker.RecordSuccess()
	return nil
}

// State returns the breaker state.
func (b *BreakerNotifier) State() BreakerState {
	return b.breaker.State()
}
