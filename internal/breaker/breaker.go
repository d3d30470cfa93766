// Package breaker implements a per-dependency circuit breaker. The breaker
// opens after N consecutive failures, rejects calls while open, and allows a
// single half-open probe after a cooldown.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the circuit is open.
var ErrOpen = errors.New("circuit open")

type state int

const (
	closed state = iota
	open
	halfOpen
)

type Breaker struct {
	mu           sync.Mutex
	state        state
	failures     int
	maxFailures  int
	cooldown     time.Duration
	openedAt     time.Time
	now          func() time.Time // overridable for tests
}

// New creates a breaker that opens after maxFailures consecutive failures and
// probes again after cooldown.
func New(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Allow reports whether a call may proceed. While open, it returns ErrOpen
// until the cooldown elapses; the first caller after cooldown gets the
// half-open probe slot.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case closed:
		return nil
	case open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = halfOpen
		return nil
	case halfOpen:
		// One probe in flight at a time.
		return ErrOpen
	}
	return nil
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.state = closed
	b.mu.Unlock()
}

// Failure records a failed call. In half-open state the circuit re-opens
// immediately; in closed state it opens once maxFailures is reached.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == halfOpen || b.failures >= b.maxFailures {
		b.state = open
		b.openedAt = b.now()
	}
}

// State returns a human-readable state name for diagnostics.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
