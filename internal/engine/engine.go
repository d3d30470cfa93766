// Package engine orchestrates the accept/attach handshake: it answers the
// carrier's incoming-call webhook with hold TwiML, splices the realtime
// agent into the mixer over SIP, executes the accept handshake inside the
// realtime service's narrow window, and has the agent speak first into a
// populated mixer.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/barrier"
	"github.com/nightclinic/callbridge/internal/carrier"
	"github.com/nightclinic/callbridge/internal/database"
	"github.com/nightclinic/callbridge/internal/lifecycle"
	"github.com/nightclinic/callbridge/internal/metrics"
	"github.com/nightclinic/callbridge/internal/realtime"
	"github.com/nightclinic/callbridge/internal/redact"
	"github.com/nightclinic/callbridge/internal/registry"
	"github.com/nightclinic/callbridge/internal/session"
)

// CarrierControl is the carrier control-plane surface the engine drives.
type CarrierControl interface {
	AddSIPParticipant(ctx context.Context, conferenceName, sipURI string, opts carrier.ParticipantOptions) (string, error)
	DialParticipant(ctx context.Context, conferenceName, number string, opts carrier.ParticipantOptions) (string, error)
	UpdateLegTwiML(ctx context.Context, callSid, twiml string) error
	HangupCall(ctx context.Context, callSid string) error
}

// EventStream is one call's realtime event transport.
type EventStream interface {
	Events() <-chan realtime.Event
	SendResponseCreate(instructions string) error
	Close()
}

// RealtimeControl is the realtime service surface the engine drives.
type RealtimeControl interface {
	Accept(ctx context.Context, callID string, cfg *realtime.CallConfig) (int, error)
	Hangup(ctx context.Context, callID string) error
	OpenStream(ctx context.Context, callID string) (EventStream, error)
}

// CallLogDB is the call_logs surface used during the call.
type CallLogDB interface {
	FindOrCreateCallLog(ctx context.Context, c *database.CallLogRow) (int64, error)
	AppendTranscript(ctx context.Context, callLogID int64, line string) error
	SetCallLogIdentifier(ctx context.Context, callLogID int64, kind, value string) error
	SetSummary(ctx context.Context, callLogID int64, summary string) error
	SetTicketNumber(ctx context.Context, callLogID int64, ticketNumber string) error
}

// Config carries the engine's environment.
type Config struct {
	// Domain is the public base URL for webhook callbacks.
	Domain string
	// Environment tags outgoing SIP headers; mismatched webhooks are logged,
	// not rejected.
	Environment string

	SIPDomain          string
	ProjectID          string
	Voice              string
	Model              string
	TranscriptionModel string

	DefaultAgentSlug string
	HumanAgentNumber string

	MaxCallDuration time.Duration
}

type Engine struct {
	store     *session.Store
	registry  *registry.Registry
	barriers  *barrier.Coordinator
	carrier   CarrierControl
	realtime  RealtimeControl
	lifecycle *lifecycle.Coordinator
	db        CallLogDB
	cfg       Config
	log       zerolog.Logger

	mu          sync.Mutex
	watchdogs   map[string]*sipWatchdog
	streams     map[string]EventStream
	ctxs        map[string]context.Context
	cancels     map[string]context.CancelFunc
	escalations map[string]*EscalationDetail // keyed by realtimeCallId

	ctx    context.Context
	cancel context.CancelFunc

	// Pacing knobs, shortened in tests.
	watchdogChecks     []time.Duration
	watchdogFallbackAt time.Duration
	watchdogHardCap    time.Duration
	humanAnswerWait    time.Duration
	bgTaskWait         time.Duration
}

type Options struct {
	Store     *session.Store
	Registry  *registry.Registry
	Barriers  *barrier.Coordinator
	Carrier   CarrierControl
	Realtime  RealtimeControl
	Lifecycle *lifecycle.Coordinator
	DB        CallLogDB
	Config    Config
	Log       zerolog.Logger
}

func New(opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	maxDur := opts.Config.MaxCallDuration
	if maxDur == 0 {
		maxDur = 10 * time.Minute
	}
	opts.Config.MaxCallDuration = maxDur
	return &Engine{
		store:       opts.Store,
		registry:    opts.Registry,
		barriers:    opts.Barriers,
		carrier:     opts.Carrier,
		realtime:    opts.Realtime,
		lifecycle:   opts.Lifecycle,
		db:          opts.DB,
		cfg:         opts.Config,
		log:         opts.Log.With().Str("component", "engine").Logger(),
		watchdogs:   make(map[string]*sipWatchdog),
		streams:     make(map[string]EventStream),
		ctxs:        make(map[string]context.Context),
		cancels:     make(map[string]context.CancelFunc),
		escalations: make(map[string]*EscalationDetail),
		ctx:         ctx,
		cancel:      cancel,

		watchdogChecks:     watchdogChecks,
		watchdogFallbackAt: watchdogFallbackAt,
		watchdogHardCap:    watchdogHardCap,
		humanAnswerWait:    barrier.HumanAnsweredFallback,
		bgTaskWait:         2 * time.Second,
	}
}

// Stop cancels all per-call supervisors.
func (e *Engine) Stop() {
	e.cancel()
}

// ConferenceNameFor derives the deterministic mixer name for a carrier leg,
// letting later webhooks reverse-resolve the session.
func ConferenceNameFor(carrierLegID string) string {
	return "conf_" + carrierLegID
}

// HandleIncomingCall is step A: create the session, register identifiers,
// create the caller-ready barrier, kick off the SIP attach, and return the
// hold TwiML that parks the caller in the mixer.
func (e *Engine) HandleIncomingCall(ctx context.Context, ev *carrier.IncomingCall) (string, error) {
	conference := ConferenceNameFor(ev.CallSid)
	log := e.log.With().Str("conference", conference).Logger()

	s := &session.Session{
		ConferenceName: conference,
		CarrierLegID:   ev.CallSid,
		CallerE164:     ev.From,
		DialedE164:     ev.To,
		CallToken:      ev.CallToken,
		AgentSlug:      e.cfg.DefaultAgentSlug,
	}
	if err := e.store.Create(s); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	// Per-call supervisor: everything about this call is canceled together.
	callCtx, cancel := context.WithTimeout(e.ctx, e.cfg.MaxCallDuration)
	e.mu.Lock()
	e.ctxs[conference] = callCtx
	e.cancels[conference] = cancel
	e.mu.Unlock()
	e.lifecycle.RegisterCleanup(conference, func() { e.cleanupCall(conference) })

	// The barrier must exist before the TwiML that causes the caller to join.
	e.barriers.Create(conference, barrier.CallerReady)

	// Step B runs in the background under the supervisor; the webhook
	// response cannot wait on the carrier control plane.
	go e.attachAgent(callCtx, s.Clone())

	log.Info().
		Str("caller", redact.Phone(ev.From)).
		Str("dialed", ev.To).
		Msg("incoming call — caller on hold")

	return carrier.HoldTwiML(carrier.HoldOptions{
		Greeting:             "Please hold while I connect you.",
		ConferenceName:       conference,
		EventCallbackURL:     e.cfg.Domain + "/conference-events",
		RecordingCallbackURL: e.cfg.Domain + "/recording-status",
	}), nil
}

// attachAgent is step B: splice the realtime agent into the mixer via SIP,
// with the correlation headers the realtime webhook echoes back.
func (e *Engine) attachAgent(ctx context.Context, s *session.Session) {
	log := e.log.With().Str("conference", s.ConferenceName).Logger()

	w := e.startWatchdog(s.ConferenceName, s.CarrierLegID)

	sipURI := e.buildSIPURI(s)
	sid, err := e.carrier.AddSIPParticipant(ctx, s.ConferenceName, sipURI, carrier.ParticipantOptions{
		Label:            carrier.LabelAgent,
		CallToken:        s.CallToken,
		EventCallbackURL: e.cfg.Domain + "/conference-events",
	})
	if err != nil {
		log.Error().Err(err).Msg("SIP participant add failed — routing caller to human")
		w.cancel(false)
		e.fallbackToHuman(ctx, s.ConferenceName, s.CarrierLegID, "sip attach failed: "+err.Error())
		return
	}
	w.setSIPCallSid(sid)
	log.Debug().Str("sip_call_sid", sid).Msg("SIP participant requested")
}

// buildSIPURI assembles the realtime SIP target with correlation headers.
func (e *Engine) buildSIPURI(s *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sip:%s@%s;transport=tls", e.cfg.ProjectID, e.cfg.SIPDomain)
	params := url.Values{}
	params.Set("X-conferenceName", s.ConferenceName)
	params.Set("X-CallerPhone", s.CallerE164)
	params.Set("X-Environment", e.cfg.Environment)
	if s.AgentSlug != "" {
		params.Set("X-agentSlug", s.AgentSlug)
	}
	return b.String() + "?" + params.Encode()
}

// bgTaskResult carries the background DB task's output into step C-9.
type bgTaskResult struct {
	callLogID int64
	err       error
}

// HandleRealtimeIncoming is step C: the realtime service called back with
// the SIP headers. Execute the accept handshake and trigger the greeting.
func (e *Engine) HandleRealtimeIncoming(ev *realtime.WebhookEvent) error {
	conference := ev.Header("X-conferenceName")
	callID := ev.Data.CallID
	log := e.log.With().Str("conference", conference).Str("call_id", callID).Logger()

	// Cross-environment events are logged, never rejected: with a single
	// webhook endpoint configured, rejecting would break the call.
	if env := ev.Header("X-Environment"); env != "" && env != e.cfg.Environment {
		metrics.CrossEnvironmentEvents.Inc()
		e.lifecycle.Diagnostics().RecordCrossEnvironment()
		log.Warn().
			Str("event_env", env).
			Str("server_env", e.cfg.Environment).
			Msg("cross-environment realtime webhook — continuing")
	}

	ctx := e.ctx
	resolveCtx, cancelResolve := context.WithTimeout(ctx, 5*time.Second)
	s, ok := e.registry.Resolve(resolveCtx, registry.KindConference, conference)
	cancelResolve()
	if !ok {
		log.Warn().Msg("realtime webhook for unknown conference — dropped")
		return fmt.Errorf("no session for conference %q", conference)
	}

	// Cancel the pending SIP watchdog: the attachment completed.
	e.mu.Lock()
	w := e.watchdogs[conference]
	callCtx := e.callContext(conference)
	e.mu.Unlock()
	if w != nil {
		w.cancel(false)
	}

	if err := e.registry.MergeIdentifier(conference, registry.KindRealtimeCall, callID); err != nil {
		log.Warn().Err(err).Msg("realtime call id binding conflict")
	}
	if _, err := e.store.Upsert(conference, session.Patch{RealtimeCallID: session.Str(callID)}); err != nil {
		log.Warn().Err(err).Msg("session update failed")
	}

	// Step C-3: the DB work (agent record, call log, coordinator mappings)
	// runs in the background. Awaiting it here would burn the accept window.
	bgCh := make(chan bgTaskResult, 1)
	go e.backgroundDBTask(callCtx, s.Clone(), callID, bgCh)

	agent := e.agentFor(s.AgentSlug)

	// Steps C-4/C-5: accept with the pinned audio config.
	acceptStart := time.Now()
	cfg := &realtime.CallConfig{
		Model:        e.cfg.Model,
		Instructions: agent.Instructions,
		Audio: &realtime.AudioConfig{
			Output: realtime.AudioOutput{Voice: e.cfg.Voice},
			Input: realtime.AudioInput{
				Transcription: &realtime.TranscriptionConfig{Model: e.cfg.TranscriptionModel},
			},
		},
	}
	attempts, err := e.realtime.Accept(callCtx, callID, cfg)
	e.lifecycle.Diagnostics().RecordAccept(conference, attempts, time.Since(acceptStart))
	if err != nil {
		// Step C-6: accept exhausted — the AI never engaged. Route the caller
		// to a human if the carrier leg is usable, else fail outright.
		log.Error().Err(err).Int("attempts", attempts).Msg("accept failed")
		e.lifecycle.Diagnostics().RecordAcceptFailure()
		_, _ = e.store.Upsert(conference, session.Patch{RetryCount: session.IntP(attempts - 1)})
		e.acceptExhausted(ctx, s, attempts, bgCh)
		return err
	}
	metrics.AcceptLatency.Observe(time.Since(acceptStart).Seconds())
	log.Info().Int("attempts", attempts).Msg("realtime call accepted")

	// Step C-7: the session-ready barrier exists before the stream that
	// resolves it is opened.
	e.barriers.Create(conference, barrier.SessionReady)

	stream, err := e.realtime.OpenStream(callCtx, callID)
	if err != nil {
		log.Error().Err(err).Msg("event stream open failed")
		e.fallbackToHuman(ctx, conference, s.CarrierLegID, "event stream open failed")
		return err
	}
	e.mu.Lock()
	e.streams[conference] = stream
	e.mu.Unlock()

	go e.consumeStream(conference, stream)

	e.barriers.Wait(callCtx, conference, barrier.SessionReady, barrier.SessionReadyFallback)

	// Step C-8: never greet an empty mixer.
	e.barriers.Wait(callCtx, conference, barrier.CallerReady, barrier.CallerReadyFallback)

	// Step C-9: pick up the call log id if the background task finished.
	e.awaitBackgroundTask(conference, bgCh, log)

	if _, err := e.store.Upsert(conference, session.Patch{
		State:               session.StateP(session.StateConnected),
		RealtimeEstablished: session.Bool(true),
	}); err != nil {
		log.Warn().Err(err).Msg("session connect update failed")
	}

	// Step C-10: the agent speaks.
	if err := stream.SendResponseCreate(agent.Greeting); err != nil {
		log.Error().Err(err).Msg("greeting send failed")
		e.lifecycle.CallEnded(conference, lifecycle.OutcomeFailed, "failed")
		return err
	}
	log.Info().Msg("greeting sent — agent speaking")
	return nil
}

// backgroundDBTask finds-or-creates the call log and registers the
// identifier mappings. DB failure never aborts the call.
func (e *Engine) backgroundDBTask(ctx context.Context, s *session.Session, callID string, out chan<- bgTaskResult) {
	dbCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	id, err := e.db.FindOrCreateCallLog(dbCtx, &database.CallLogRow{
		ConferenceName: s.ConferenceName,
		CarrierLegID:   s.CarrierLegID,
		RealtimeCallID: callID,
		CallerE164:     s.CallerE164,
		DialedE164:     s.DialedE164,
		AgentSlug:      s.AgentSlug,
		Direction:      "inbound",
		StartTime:      s.CreatedAt,
		Status:         "in_progress",
	})
	if err != nil {
		e.log.Warn().Err(err).Str("conference", s.ConferenceName).Msg("call log create failed — call continues")
		out <- bgTaskResult{err: err}
		return
	}

	if _, err := e.store.Upsert(s.ConferenceName, session.Patch{CallLogID: session.Int64(id)}); err != nil {
		e.log.Warn().Err(err).Msg("call log id backfill failed")
	}
	out <- bgTaskResult{callLogID: id}
}

// awaitBackgroundTask is the opportunistic wait of step C-9.
func (e *Engine) awaitBackgroundTask(conference string, bgCh <-chan bgTaskResult, log zerolog.Logger) {
	select {
	case res := <-bgCh:
		if res.err != nil {
			log.Warn().Err(res.err).Msg("background DB task failed — transcript correlation degraded")
		}
	case <-time.After(e.bgTaskWait):
		log.Debug().Msg("background DB task still pending — continuing")
	}
}

// acceptExhausted is step C-6: route the caller to a human when the leg id
// is known, otherwise fail the session. The leg id comes from the session
// record and the fallback TwiML dials the configured human number; with no
// leg id the session records fallback_number_unresolved and fails.
func (e *Engine) acceptExhausted(ctx context.Context, s *session.Session, attempts int, bgCh <-chan bgTaskResult) {
	conference := s.ConferenceName
	summary := fmt.Sprintf("accept failed after %d", attempts)

	// Pick up the call log id before the terminal transition so the
	// transfer marking lands on the log.
	var callLogID int64
	select {
	case res := <-bgCh:
		callLogID = res.callLogID
	case <-time.After(e.bgTaskWait):
	}
	if callLogID != 0 {
		_, _ = e.store.Upsert(conference, session.Patch{CallLogID: session.Int64(callLogID)})
	}

	if s.CarrierLegID == "" {
		e.log.Error().Str("conference", conference).Msg("accept exhausted with no carrier leg — failing session")
		_, _ = e.store.Upsert(conference, session.Patch{LastError: session.Str("fallback_number_unresolved")})
		e.lifecycle.CallEnded(conference, lifecycle.OutcomeFailed, "failed")
		return
	}

	e.fallbackToHuman(ctx, conference, s.CarrierLegID, summary)

	if callLogID != 0 {
		dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.db.SetSummary(dbCtx, callLogID, summary); err != nil {
			e.log.Warn().Err(err).Msg("summary write failed")
		}
		cancel()
	}
}

// fallbackToHuman redirects the caller leg to the on-call human and marks
// the call transferred.
func (e *Engine) fallbackToHuman(ctx context.Context, conference, callerLegID, reason string) {
	log := e.log.With().Str("conference", conference).Logger()

	updCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := e.carrier.UpdateLegTwiML(updCtx, callerLegID, carrier.FallbackTwiML(e.cfg.HumanAgentNumber))
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("fallback leg update failed — failing session")
		_, _ = e.store.Upsert(conference, session.Patch{LastError: session.Str(reason)})
		e.lifecycle.CallEnded(conference, lifecycle.OutcomeFailed, "failed")
		return
	}
	e.markTransferred(conference, reason)
}

// markTransferred latches the transfer flag and emits the terminal signal.
func (e *Engine) markTransferred(conference, reason string) {
	_, _ = e.store.Upsert(conference, session.Patch{
		TransferredToHuman: session.Bool(true),
		LastError:          session.Str(reason),
	})
	e.lifecycle.CallEnded(conference, lifecycle.OutcomeTransferred, "transferred")
}

// consumeStream pumps the realtime event stream: barrier resolution,
// transcript appends, and the error allow-list. Transport close is a
// terminal signal.
func (e *Engine) consumeStream(conference string, stream EventStream) {
	log := e.log.With().Str("conference", conference).Logger()

	for ev := range stream.Events() {
		switch ev := ev.(type) {
		case realtime.SessionUpdated:
			e.barriers.Resolve(conference, barrier.SessionReady)
		case realtime.InputTranscriptionCompleted:
			e.appendTranscript(conference, "Caller: "+ev.Transcript)
		case realtime.OutputTranscriptDone:
			e.appendTranscript(conference, "Agent: "+ev.Transcript)
		case realtime.ResponseDone:
			if ev.Status == "failed" {
				log.Warn().Msg("agent response failed")
			}
		case realtime.ErrorEvent:
			if ev.NonFatal() {
				log.Warn().Str("code", ev.Code).Str("message", ev.Message).Msg("non-fatal realtime error — agent continues")
				continue
			}
			log.Error().Str("code", ev.Code).Str("message", ev.Message).Msg("fatal realtime error")
			e.lifecycle.CallEnded(conference, lifecycle.OutcomeFailed, "failed")
			return
		case realtime.Disconnected:
			e.lifecycle.CallEnded(conference, lifecycle.OutcomeCompleted, "completed")
			return
		}
	}

	// Transport closed: the agent side ended.
	log.Debug().Msg("realtime stream closed")
	e.lifecycle.CallEnded(conference, lifecycle.OutcomeCompleted, "completed")
}

// appendTranscript writes one labeled line in arrival order.
func (e *Engine) appendTranscript(conference, line string) {
	s, ok := e.store.Get(conference)
	if !ok || s.CallLogID == 0 {
		e.log.Debug().Str("conference", conference).Msg("transcript line dropped — no call log yet")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.db.AppendTranscript(ctx, s.CallLogID, line); err != nil {
		e.log.Warn().Err(err).Msg("transcript append failed")
	}
	e.log.Debug().
		Str("conference", conference).
		Str("line", redact.Transcript(line)).
		Msg("transcript line")
}

// HandleRealtimeDisconnected routes the webhook-delivered disconnect.
func (e *Engine) HandleRealtimeDisconnected(ctx context.Context, callID string) {
	if s, ok := e.registry.Resolve(ctx, registry.KindRealtimeCall, callID); ok {
		e.lifecycle.CallEnded(s.ConferenceName, lifecycle.OutcomeCompleted, "completed")
	}
}

// HandleConferenceEvent routes mixer callbacks: identifier merges, barrier
// resolutions, and termination signals.
func (e *Engine) HandleConferenceEvent(ctx context.Context, ev *carrier.ConferenceEvent) {
	conference := ev.FriendlyName
	if conference == "" {
		if s, ok := e.registry.Resolve(ctx, registry.KindMixer, ev.ConferenceSid); ok {
			conference = s.ConferenceName
		} else {
			e.log.Warn().Str("conference_sid", ev.ConferenceSid).Msg("conference event without resolvable mixer")
			return
		}
	}

	// The carrier-assigned mixer id may be new; merge it (pending if the
	// session hasn't finished registering).
	if ev.ConferenceSid != "" {
		if err := e.registry.MergeIdentifier(conference, registry.KindMixer, ev.ConferenceSid); err != nil {
			e.log.Warn().Err(err).Msg("mixer id binding conflict")
		}
		_, _ = e.store.Upsert(conference, session.Patch{MixerID: session.Str(ev.ConferenceSid)})
	}

	switch ev.Kind {
	case carrier.ParticipantJoin:
		switch ev.ParticipantLabel {
		case carrier.LabelCustomer:
			e.barriers.Resolve(conference, barrier.CallerReady)
		case carrier.LabelHuman:
			// Fallback human-answered signal when the status callback is lost.
			e.barriers.Resolve(conference, barrier.HumanAnswered)
		}
	case carrier.ParticipantLeave:
		if ev.ParticipantLabel == carrier.LabelCustomer {
			e.lifecycle.CallEnded(conference, lifecycle.OutcomeCompleted, "completed")
		}
	case carrier.ConferenceEnd:
		e.lifecycle.CallEnded(conference, lifecycle.OutcomeCompleted, "completed")
	}
}

// HandleStatusCallback routes per-leg status callbacks. The human leg is
// identified by the query tag set when dialing it; everything else resolves
// through the registry as the caller leg.
func (e *Engine) HandleStatusCallback(ctx context.Context, ev *carrier.StatusEvent, leg, conference string) {
	if leg == "human" && conference != "" {
		if ev.Answered() {
			e.barriers.Resolve(conference, barrier.HumanAnswered)
		}
		return
	}

	s, ok := e.registry.Resolve(ctx, registry.KindCarrierLeg, ev.CallSid)
	if ok {
		e.lifecycle.HandleCallerStatus(ctx, s.ConferenceName, ev)
		return
	}
	// The session may already be gone; the coordinator keeps terminal
	// records for late auxiliary updates.
	if info, found := e.lifecycle.LookupEnded(ev.CallSid); found {
		e.lifecycle.HandleCallerStatus(ctx, info.Conference, ev)
		return
	}
	e.log.Debug().Str("call_sid", redact.Identifier(ev.CallSid)).Msg("status callback for unknown leg — ignored")
}

// HandleRecordingStatus stores the finished recording URL.
func (e *Engine) HandleRecordingStatus(ctx context.Context, ev *carrier.RecordingEvent) {
	if ev.RecordingStatus != "completed" || ev.RecordingURL == "" {
		return
	}

	var callLogID int64
	if s, ok := e.registry.Resolve(ctx, registry.KindMixer, ev.ConferenceSid); ok {
		callLogID = s.CallLogID
	} else if info, found := e.lifecycle.LookupEndedByMixer(ev.ConferenceSid); found {
		callLogID = info.CallLogID
	}
	if callLogID == 0 {
		e.log.Warn().Str("conference_sid", ev.ConferenceSid).Msg("recording for unknown mixer — dropped")
		return
	}
	e.lifecycle.RecordingCompleted(ctx, callLogID, ev.RecordingURL)
}

// SetTicketNumber links a ticket opened during the call to its call log.
// Invoked by the agent tool layer.
func (e *Engine) SetTicketNumber(ctx context.Context, realtimeCallID, ticketNumber string) error {
	s, ok := e.registry.Resolve(ctx, registry.KindRealtimeCall, realtimeCallID)
	if !ok {
		return fmt.Errorf("no session for realtime call %q", realtimeCallID)
	}
	if s.CallLogID == 0 {
		return fmt.Errorf("call log not created yet for %s", s.ConferenceName)
	}
	return e.db.SetTicketNumber(ctx, s.CallLogID, ticketNumber)
}

// callContext returns the per-call supervisor context. Must be called with
// e.mu held. Falls back to the engine root for sessions reloaded after a
// restart, which never went through HandleIncomingCall.
func (e *Engine) callContext(conference string) context.Context {
	if ctx, ok := e.ctxs[conference]; ok {
		return ctx
	}
	return e.ctx
}

// cleanupCall is the lifecycle cleanup hook: cancel the supervisor, reap
// the watchdog (terminating any still-pending SIP leg), close the stream,
// drop barriers and escalation details.
func (e *Engine) cleanupCall(conference string) {
	e.mu.Lock()
	cancel := e.cancels[conference]
	delete(e.cancels, conference)
	delete(e.ctxs, conference)
	w := e.watchdogs[conference]
	stream := e.streams[conference]
	delete(e.streams, conference)
	var escalationKey string
	for key, detail := range e.escalations {
		if detail.Conference == conference {
			escalationKey = key
		}
	}
	delete(e.escalations, escalationKey)
	e.mu.Unlock()

	if w != nil {
		w.cancel(true)
	}
	if stream != nil {
		stream.Close()
	}
	e.barriers.Remove(conference)
	if cancel != nil {
		cancel()
	}
}
