package broker

import (
	"sync"
	"time"
)

// circuitState is the breaker's position.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// circuitBreaker guards the transport: failureThreshold consecutive
// failures open it; after cooldown a half-open probe is allowed;
// successThreshold consecutive successes close it again.
type circuitBreaker struct {
	mu               sync.Mutex
	state            circuitState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time
}

func newCircuitBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *circuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &circuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// allow reports whether a call may proceed. While open, it permits a
// single probe once the cooldown has elapsed by moving to half-open.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed, circuitHalfOpen:
		return true
	case circuitOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = circuitHalfOpen
			cb.successes = 0
			return true
		}
		return false
	}
	return false
}

// recordSuccess counts a successful call; in half-open it closes the
// breaker once successThreshold consecutive successes are observed.
func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		cb.failures = 0
	case circuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = circuitClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// recordFailure counts a failed call; in closed it opens the breaker at
// failureThreshold consecutive failures, in half-open it re-opens
// immediately.
func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = circuitOpen
			cb.openedAt = time.Now()
		}
	case circuitHalfOpen:
		cb.state = circuitOpen
		cb.openedAt = time.Now()
	}
}

// isOpen reports whether the breaker is in the open state.
func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == circuitOpen
}

// reset closes the breaker unconditionally, used after an explicit health
// probe succeeds.
func (cb *circuitBreaker) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = circuitClosed
	cb.failures = 0
	cb.successes = 0
}
