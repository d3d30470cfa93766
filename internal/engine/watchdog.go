package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/carrier"
	"github.com/nightclinic/callbridge/internal/metrics"
)

// Watchdog pacing. The checks never tear down the SIP leg — destroying it
// also destroys the realtime session — they only extend the wait. At the
// fallback threshold the caller leg is redirected to a human; the hard cap
// reaps orphaned SIP calls whose caller left before attachment completed.
var watchdogChecks = []time.Duration{15 * time.Second, 30 * time.Second, 45 * time.Second}

const (
	watchdogFallbackAt = 60 * time.Second
	watchdogHardCap    = 10 * time.Minute
)

// sipWatchdog guards one pending SIP attachment.
type sipWatchdog struct {
	id           string
	conference   string
	callerLegID  string
	environment  string
	startedAt    time.Time

	mu         sync.Mutex
	sipCallSid string
	canceled   bool
	// Set when cancel(true) ran before the carrier returned the SIP leg id;
	// the leg is reaped as soon as the id arrives.
	terminatePending bool
	cancelCh         chan struct{}

	engine *Engine
	log    zerolog.Logger
}

func (e *Engine) startWatchdog(conference, callerLegID string) *sipWatchdog {
	w := &sipWatchdog{
		id:          uuid.NewString(),
		conference:  conference,
		callerLegID: callerLegID,
		environment: e.cfg.Environment,
		startedAt:   time.Now(),
		cancelCh:    make(chan struct{}),
		engine:      e,
		log: e.log.With().
			Str("component", "sip-watchdog").
			Str("conference", conference).
			Logger(),
	}

	e.mu.Lock()
	e.watchdogs[conference] = w
	e.mu.Unlock()

	go w.run()
	return w
}

// setSIPCallSid records the SIP leg id once the carrier returns it. If the
// call was already torn down while the add request was in flight, the new
// leg is hung up immediately.
func (w *sipWatchdog) setSIPCallSid(sid string) {
	w.mu.Lock()
	w.sipCallSid = sid
	terminate := w.terminatePending
	w.mu.Unlock()

	if terminate {
		w.hangupSIP(sid)
	}
}

func (w *sipWatchdog) hangupSIP(sid string) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()
	if err := w.engine.carrier.HangupCall(ctx, sid); err != nil {
		w.log.Warn().Err(err).Str("sip_call_sid", sid).Msg("pending SIP hangup failed")
	} else {
		w.log.Info().Str("sip_call_sid", sid).Msg("terminated pending SIP leg")
	}
}

// cancel stops the watchdog. With terminateSIP, any pending SIP leg is hung
// up immediately (the caller is already gone; the realtime session must not
// run on).
func (w *sipWatchdog) cancel(terminateSIP bool) {
	w.mu.Lock()
	if w.canceled {
		w.mu.Unlock()
		return
	}
	w.canceled = true
	sid := w.sipCallSid
	if terminateSIP && sid == "" {
		w.terminatePending = true
	}
	close(w.cancelCh)
	w.mu.Unlock()

	w.engine.mu.Lock()
	delete(w.engine.watchdogs, w.conference)
	w.engine.mu.Unlock()

	if terminateSIP && sid != "" {
		w.hangupSIP(sid)
	}
}

func (w *sipWatchdog) run() {
	for _, at := range w.engine.watchdogChecks {
		select {
		case <-w.cancelCh:
			return
		case <-time.After(time.Until(w.startedAt.Add(at))):
		}
		// Not bound yet. The SIP leg stays up — only extend the wait.
		w.log.Warn().
			Dur("waited", time.Since(w.startedAt)).
			Msg("realtime webhook still pending — extending wait")
	}

	select {
	case <-w.cancelCh:
		return
	case <-time.After(time.Until(w.startedAt.Add(w.engine.watchdogFallbackAt))):
	}

	// Attachment never completed: route the caller to a human. Marking the
	// call transferred ends it, and the call's cleanup hook cancels this
	// watchdog and hangs up the pending SIP leg; the hard cap below only runs
	// if the watchdog was not cancelled.
	w.log.Error().Msg("SIP attachment timed out — routing caller to human")
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	if err := w.engine.carrier.UpdateLegTwiML(ctx, w.callerLegID,
		carrier.FallbackTwiML(w.engine.cfg.HumanAgentNumber)); err != nil {
		w.log.Error().Err(err).Msg("fallback TwiML update failed")
	}
	cancelCtx()
	w.engine.markTransferred(w.conference, "sip attachment timeout")

	select {
	case <-w.cancelCh:
		return
	case <-time.After(time.Until(w.startedAt.Add(w.engine.watchdogHardCap))):
	}

	// Hard cap: the SIP call is orphaned (caller likely hung up before
	// attachment). Terminate it so the realtime session cannot run away.
	w.mu.Lock()
	sid := w.sipCallSid
	w.mu.Unlock()
	if sid != "" {
		metrics.OrphanedSIPCallsTotal.Inc()
		w.engine.lifecycle.Diagnostics().RecordOrphan()
		w.log.Error().Str("sip_call_sid", sid).Msg("orphaned SIP call reaped at hard cap")
		ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
		_ = w.engine.carrier.HangupCall(ctx, sid)
		cancelCtx()
	}
	w.engine.lifecycle.CallEnded(w.conference, "timeout", "timeout")
}
