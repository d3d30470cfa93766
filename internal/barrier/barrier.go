// Package barrier implements the one-shot synchronization points of the
// accept/attach handshake. Each barrier is created before the action that
// could resolve it and waited on with a fallback timeout: crossing the
// fallback downgrades to best-effort rather than failing the call.
package barrier

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/metrics"
)

// Kind names one of the three barriers.
type Kind string

const (
	// SessionReady is set when the realtime service acknowledges the session
	// config (session.updated). Prevents greeting a session that isn't
	// configured yet.
	SessionReady Kind = "session-ready"
	// CallerReady is set when the mixer reports participant-join for the
	// caller label. Prevents the agent speaking into an empty mixer.
	CallerReady Kind = "caller-ready"
	// HumanAnswered is set when the human leg answers (status callback) or
	// joins the mixer (fallback signal).
	HumanAnswered Kind = "human-answered"
)

// Fallback timeouts per kind.
const (
	SessionReadyFallback  = 3 * time.Second
	CallerReadyFallback   = 8 * time.Second
	HumanAnsweredFallback = 45 * time.Second
)

// Barrier is a one-shot event. Multiple resolutions are harmless.
type Barrier struct {
	ch   chan struct{}
	once sync.Once
}

func (b *Barrier) resolve() {
	b.once.Do(func() { close(b.ch) })
}

// Done exposes the resolution channel for select-based waits.
func (b *Barrier) Done() <-chan struct{} {
	return b.ch
}

type key struct {
	conference string
	kind       Kind
}

// Coordinator tracks the live barriers of all in-flight calls.
type Coordinator struct {
	mu       sync.Mutex
	barriers map[key]*Barrier
	log      zerolog.Logger
}

func NewCoordinator(log zerolog.Logger) *Coordinator {
	return &Coordinator{
		barriers: make(map[key]*Barrier),
		log:      log.With().Str("component", "barrier").Logger(),
	}
}

// Create registers a barrier for the call. It MUST be called before the
// action that could resolve the barrier. Creating an existing barrier
// returns the existing one.
func (c *Coordinator) Create(conference string, kind Kind) *Barrier {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{conference, kind}
	if b, ok := c.barriers[k]; ok {
		return b
	}
	b := &Barrier{ch: make(chan struct{})}
	c.barriers[k] = b
	return b
}

// Resolve fires the barrier. A resolver arriving before its barrier exists
// is a bug in the caller's ordering; the signal is logged and dropped.
func (c *Coordinator) Resolve(conference string, kind Kind) bool {
	c.mu.Lock()
	b, ok := c.barriers[key{conference, kind}]
	c.mu.Unlock()

	if !ok {
		metrics.BarrierEarlySignalsTotal.WithLabelValues(string(kind)).Inc()
		c.log.Warn().
			Str("conference", conference).
			Str("barrier", string(kind)).
			Msg("signal arrived before barrier existed — dropped")
		return false
	}
	b.resolve()
	return true
}

// Wait blocks until the barrier resolves, the fallback elapses, or the
// context is canceled. Returns true only for a real resolution; a fallback
// crossing logs a warning, tags the metric, and the caller proceeds
// best-effort.
func (c *Coordinator) Wait(ctx context.Context, conference string, kind Kind, fallback time.Duration) bool {
	c.mu.Lock()
	b, ok := c.barriers[key{conference, kind}]
	c.mu.Unlock()

	if !ok {
		c.log.Warn().
			Str("conference", conference).
			Str("barrier", string(kind)).
			Msg("wait on nonexistent barrier")
		return false
	}

	timer := time.NewTimer(fallback)
	defer timer.Stop()

	select {
	case <-b.ch:
		return true
	case <-timer.C:
		metrics.BarrierTimeoutsTotal.WithLabelValues(string(kind)).Inc()
		c.log.Warn().
			Str("conference", conference).
			Str("barrier", string(kind)).
			Dur("fallback", fallback).
			Msg("barrier fallback elapsed — proceeding best-effort")
		return false
	case <-ctx.Done():
		return false
	}
}

// Remove drops all barriers for a call. Pending waiters are released as
// unresolved via their context or fallback timers.
func (c *Coordinator) Remove(conference string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, kind := range []Kind{SessionReady, CallerReady, HumanAnswered} {
		delete(c.barriers, key{conference, kind})
	}
}
