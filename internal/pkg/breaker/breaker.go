// Package breaker implements the three-state circuit breaker that guards the
// upstream email provider. One process-scoped instance exists per provider;
// callers check Ready before an upstream call and record the classified
// outcome afterwards, so the mutex is never held across the call itself.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the current position of the breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Ready while the breaker is open and the cooldown
// has not yet elapsed. Callers must not reach the provider.
var ErrOpen = errors.New("circuit breaker is open")

const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultCooldown         = 60 * time.Second
)

// Breaker tracks consecutive service failures and trips open when they reach
// the failure threshold. While open, calls fail fast until the cooldown
// elapses; the breaker then admits traffic half-open and closes again after
// enough consecutive successes. Client errors never trip the breaker — they
// walk the failure counter back toward zero instead.
type Breaker struct {
	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	mu        sync.Mutex
	state     State
	failures  int // consecutive service failures (closed state)
	successes int // consecutive successes (half-open state)
	openedAt  time.Time
	now       func() time.Time
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithFailureThreshold overrides the consecutive-failure trip count.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold overrides the half-open close count.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithCooldown overrides the open-state cooldown.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// withClock injects a clock for tests.
func withClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed Breaker with the default thresholds.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		cooldown:         DefaultCooldown,
		state:            StateClosed,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ready reports whether a call may proceed. In the open state it returns
// ErrOpen until the cooldown elapses, at which point the breaker moves to
// half-open and admits the call.
func (b *Breaker) Ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
	}
	return nil
}

// RecordSuccess notes a successful provider call. In half-open, enough
// consecutive successes close the breaker; in closed it clears the failure
// streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// RecordServiceFailure notes a 5xx/429/timeout/connection failure. In the
// closed state the streak counter trips the breaker at the threshold; in
// half-open a single failure reopens and restarts the cooldown.
func (b *Breaker) RecordServiceFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	}
}

// RecordClientError notes a non-retryable caller mistake (4xx other than
// 429, invalid recipient). It decrements the failure streak, floored at 0,
// so steady client errors cannot hold the breaker at the edge of tripping.
func (b *Breaker) RecordClientError() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed && b.failures > 0 {
		b.failures--
	}
}

// trip must be called with the mutex held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

// State returns the current state for health reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive service-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
