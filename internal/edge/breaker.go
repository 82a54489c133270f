package edge

import (
	"sync"
	"time"

	"krepost.org/internal/obs"
)

// Breaker states.
const (
	stateClosed = iota
	stateHalfOpen
	stateOpen
)

// Breaker is a per-route circuit breaker. After threshold consecutive
// failures the route opens for the cooldown period; the first request
// after cooldown becomes a single half-open probe whose outcome decides
// between closing and re-opening. Timeouts count as failures.
type Breaker struct {
	route     string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu            sync.Mutex
	state         int
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewBreaker constructs a closed breaker for the route.
func NewBreaker(route string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		route:     route,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	obs.BreakerState.WithLabelValues(route).Set(stateClosed)
	return b
}

// Allow reports whether a request may proceed. The state check and the
// half-open probe claim happen under one lock so concurrent requests
// cannot both become the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(stateHalfOpen)
		b.probeInFlight = true
		return true
	case stateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Record reports a request outcome to the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateHalfOpen:
		b.probeInFlight = false
		if success {
			b.failures = 0
			b.transition(stateClosed)
		} else {
			b.openedAt = b.now()
			b.transition(stateOpen)
		}
	case stateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(stateOpen)
		}
	}
}

func (b *Breaker) transition(state int) {
	b.state = state
	obs.BreakerState.WithLabelValues(b.route).Set(float64(state))
}
