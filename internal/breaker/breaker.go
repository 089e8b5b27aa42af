// Package breaker implements a three-state circuit breaker used to gate
// calls to failing dependencies: the pub/sub bus, per-account broker
// clients, and the order execution path.
//
// States: Closed (normal), Open (rejecting), HalfOpen (probing).
// A breach of the failure threshold opens the breaker; after the recovery
// timeout one probe window is allowed, and a run of consecutive successes
// closes it again. Any failure while half-open re-opens immediately.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const defaultHalfOpenMaxAttempts = 3

// Breaker is a mutex-guarded circuit breaker. The zero value is not usable;
// construct with New.
type Breaker struct {
	mu sync.Mutex

	failureThreshold    int
	recoveryTimeout     time.Duration
	halfOpenMaxAttempts int

	state             State
	failures          int
	halfOpenInFlight  int
	halfOpenSuccesses int
	openedAt          time.Time
	lastFailureAt     time.Time

	// now is swappable for tests.
	now func() time.Time
}

// New creates a breaker. halfOpenMaxAttempts <= 0 selects the default (3).
func New(failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxAttempts int) *Breaker {
	if halfOpenMaxAttempts <= 0 {
		halfOpenMaxAttempts = defaultHalfOpenMaxAttempts
	}
	return &Breaker{
		failureThreshold:    failureThreshold,
		recoveryTimeout:     recoveryTimeout,
		halfOpenMaxAttempts: halfOpenMaxAttempts,
		state:               Closed,
		now:                 time.Now,
	}
}

// CanExecute reports whether a call may proceed. In Open it transitions to
// HalfOpen once the recovery timeout has elapsed; in HalfOpen it admits at
// most halfOpenMaxAttempts concurrent probes.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.recoveryTimeout {
			return false
		}
		b.state = HalfOpen
		b.halfOpenInFlight = 1
		b.halfOpenSuccesses = 0
		return true
	case HalfOpen:
		if b.halfOpenInFlight >= b.halfOpenMaxAttempts {
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess notes a successful call. In HalfOpen, halfOpenMaxAttempts
// consecutive successes are required before the breaker closes.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.halfOpenSuccesses++
		b.failures = 0
		if b.halfOpenSuccesses >= b.halfOpenMaxAttempts {
			b.state = Closed
			b.halfOpenInFlight = 0
			b.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure notes a failed call. In Closed it opens the breaker once
// the threshold is reached; in HalfOpen it re-opens immediately.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = b.now()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	case HalfOpen:
		b.open()
	}
}

// open transitions to Open. Caller holds b.mu.
func (b *Breaker) open() {
	b.state = Open
	b.openedAt = b.now()
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports observable breaker internals for health and metrics.
type Snapshot struct {
	State         State
	Failures      int
	OpenedAt      time.Time
	LastFailureAt time.Time
}

// Stats returns a point-in-time snapshot.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:         b.state,
		Failures:      b.failures,
		OpenedAt:      b.openedAt,
		LastFailureAt: b.lastFailureAt,
	}
}

// Reset forces the breaker back to Closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
}
