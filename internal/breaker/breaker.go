// Package breaker implements the three-state circuit breaker that lets the
// executor fail fast once a probe stream's failure rate crosses a threshold.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// The breaker never opens on fewer than minSamples observations, and a
// half-open breaker closes after recoverySuccesses consecutive successes.
const (
	minSamples        = 10
	recoverySuccesses = 3
)

// Breaker tracks success/failure counts for one request stream. It is owned
// by a single executor and mutated only through RecordSuccess, RecordFailure
// and IsOpen.
type Breaker struct {
	mu               sync.Mutex
	failureThreshold float64
	recoveryTimeout  time.Duration

	state           State
	failures        int
	successes       int
	consecutiveOKs  int
	lastFailureTime time.Time
}

func New(failureThreshold float64, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 || failureThreshold > 1 {
		failureThreshold = 0.5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
	}
}

// RecordSuccess counts a successful probe. Three consecutive successes close
// a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	if b.state == StateHalfOpen {
		b.consecutiveOKs++
		if b.consecutiveOKs >= recoverySuccesses {
			b.state = StateClosed
			b.consecutiveOKs = 0
		}
		return
	}
	b.consecutiveOKs = 0
}

// RecordFailure counts a failed probe and timestamps it. A closed breaker
// opens once at least minSamples have been observed and the failure rate
// reaches the threshold; a half-open breaker reopens on any failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailureTime = time.Now()
	b.consecutiveOKs = 0
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
	case StateClosed:
		total := b.failures + b.successes
		if total >= minSamples && b.failureRateLocked() >= b.failureThreshold {
			b.state = StateOpen
		}
	}
}

// IsOpen reports whether callers must fail fast. Observing an open breaker
// after the recovery window performs the open -> half_open transition and
// resets the recovery success count; it is not a pure query.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return false
	}
	if time.Since(b.lastFailureTime) > b.recoveryTimeout {
		b.state = StateHalfOpen
		b.consecutiveOKs = 0
		return false
	}
	return true
}

// FailureRate is failures/(failures+successes), zero with no samples.
func (b *Breaker) FailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureRateLocked()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset clears all counters and returns the breaker to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.consecutiveOKs = 0
	b.lastFailureTime = time.Time{}
}

func (b *Breaker) failureRateLocked() float64 {
	total := b.failures + b.successes
	if total == 0 {
		return 0
	}
	return float64(b.failures) / float64(total)
}
