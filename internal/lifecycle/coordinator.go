// Package lifecycle aggregates termination signals from the carrier, the
// realtime transport, and the watchdog into exactly one call-ended event per
// call log, then drives the post-call pipeline (carrier reconcile, cost
// recompute, transcript finalize, grading, ticket push).
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/carrier"
	"github.com/nightclinic/callbridge/internal/database"
	"github.com/nightclinic/callbridge/internal/grading"
	"github.com/nightclinic/callbridge/internal/metrics"
	"github.com/nightclinic/callbridge/internal/session"
	"github.com/nightclinic/callbridge/internal/ticketing"
)

// Terminal outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeTransferred = "transferred"
	OutcomeTimeout     = "timeout"
)

// CallLogStore is the call_logs surface the coordinator writes through.
type CallLogStore interface {
	GetCallLog(ctx context.Context, callLogID int64) (*database.CallLogRow, error)
	FinalizeCallEnd(ctx context.Context, callLogID int64, endTime time.Time, status, disposition string, transferred bool) error
	ApplyCarrierReconciliation(ctx context.Context, callLogID int64, durationSecs, twilioCostCents int, answeredBy string) error
	ApplyCarrierDuration(ctx context.Context, callLogID int64, durationSecs int, answeredBy string) error
	SetAgentCost(ctx context.Context, callLogID int64, openaiCostCents int) error
	SetGrade(ctx context.Context, callLogID int64, score float32, sentiment, outcome string) error
	SetRecordingURL(ctx context.Context, callLogID int64, url string) error
	SetSummary(ctx context.Context, callLogID int64, summary string) error
}

// CarrierReconciler fetches the carrier-authoritative record for a leg.
type CarrierReconciler interface {
	FetchCallRecord(ctx context.Context, callSid string) (*carrier.CallRecord, error)
}

// EndedCall keeps enough of a finished call around for late auxiliary
// signals (status callbacks, recording completion) after the session record
// is gone.
type EndedCall struct {
	Conference     string
	CallLogID      int64
	CarrierLegID   string
	MixerID        string
	AgentSlug      string
	Outcome        string
	Transferred    bool
	TicketCreating bool
	EndedAt        time.Time
}

type Options struct {
	Store   *session.Store
	DB      CallLogStore
	Carrier CarrierReconciler
	Grader  *grading.Client
	Tickets *ticketing.Client

	TicketCreatingAgents map[string]bool
	CentsPerMin          int
	MaxCallDuration      time.Duration

	Log zerolog.Logger
}

type Coordinator struct {
	store   *session.Store
	db      CallLogStore
	carrier CarrierReconciler
	grader  *grading.Client
	tickets *ticketing.Client

	ticketAgents map[string]bool
	centsPerMin  int
	maxDuration  time.Duration

	mu       sync.Mutex
	ended    map[string]*EndedCall // conference → terminal record
	byLeg    map[string]string     // carrierLegId → conference
	byMixer  map[string]string     // mixerId → conference
	cleanups map[string]func()     // per-call supervisor cancel hooks

	diag *Diagnostics
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Pipeline pacing, shortened in tests.
	reconcileDelay   time.Duration
	reconcileRetries []time.Duration
	transcriptPoll   time.Duration
	transcriptWindow time.Duration
}

func NewCoordinator(opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	maxDur := opts.MaxCallDuration
	if maxDur == 0 {
		maxDur = 10 * time.Minute
	}
	return &Coordinator{
		store:        opts.Store,
		db:           opts.DB,
		carrier:      opts.Carrier,
		grader:       opts.Grader,
		tickets:      opts.Tickets,
		ticketAgents: opts.TicketCreatingAgents,
		centsPerMin:  opts.CentsPerMin,
		maxDuration:  maxDur,
		ended:        make(map[string]*EndedCall),
		byLeg:        make(map[string]string),
		byMixer:      make(map[string]string),
		cleanups:     make(map[string]func()),
		diag:         NewDiagnostics(),
		log:          opts.Log.With().Str("component", "lifecycle").Logger(),
		ctx:          ctx,
		cancel:       cancel,

		reconcileDelay:   3 * time.Second,
		reconcileRetries: []time.Duration{15 * time.Second, 45 * time.Second, 120 * time.Second},
		transcriptPoll:   2 * time.Second,
		transcriptWindow: 15 * time.Second,
	}
}

// Diagnostics exposes the trace store for the engine and API.
func (co *Coordinator) Diagnostics() *Diagnostics {
	return co.diag
}

// Start begins the stale-call scan loop.
func (co *Coordinator) Start() {
	co.wg.Add(1)
	go co.staleScanLoop()
}

// Stop cancels pending pipeline work and waits for it to drain.
func (co *Coordinator) Stop() {
	co.cancel()
	co.wg.Wait()
}

// RegisterCleanup installs the per-call supervisor cancel hook, invoked once
// when the first terminal signal lands.
func (co *Coordinator) RegisterCleanup(conference string, fn func()) {
	co.mu.Lock()
	co.cleanups[conference] = fn
	co.mu.Unlock()
}

// CallEnded records a terminal signal for the call. The first source wins:
// it transitions the record, fires the cleanup hook, and starts the
// post-call pipeline. Later signals return false and update auxiliary fields
// only (via HandleCallerStatus / RecordingCompleted).
func (co *Coordinator) CallEnded(conference, outcome, disposition string) bool {
	co.mu.Lock()
	if _, done := co.ended[conference]; done {
		co.mu.Unlock()
		return false
	}

	s, ok := co.store.Get(conference)
	info := &EndedCall{
		Conference: conference,
		Outcome:    outcome,
		EndedAt:    time.Now(),
	}
	if ok {
		info.CallLogID = s.CallLogID
		info.CarrierLegID = s.CarrierLegID
		info.MixerID = s.MixerID
		info.AgentSlug = s.AgentSlug
		info.Transferred = s.TransferredToHuman || outcome == OutcomeTransferred
		info.TicketCreating = co.ticketAgents[s.AgentSlug]
	}
	co.ended[conference] = info
	if info.CarrierLegID != "" {
		co.byLeg[info.CarrierLegID] = conference
	}
	if info.MixerID != "" {
		co.byMixer[info.MixerID] = conference
	}
	cleanup := co.cleanups[conference]
	delete(co.cleanups, conference)
	co.mu.Unlock()

	metrics.CallsEndedTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeTimeout {
		co.diag.RecordTimeout()
	}

	var startedAt time.Time
	if ok {
		startedAt = s.CreatedAt
	}
	co.diag.RecordEnd(Trace{
		Conference:    conference,
		Outcome:       outcome,
		FailureReason: failureReason(ok, s, outcome),
		Transferred:   info.Transferred,
		StartedAt:     startedAt,
		EndedAt:       info.EndedAt,
	})

	co.log.Info().
		Str("conference", conference).
		Str("outcome", outcome).
		Str("disposition", disposition).
		Bool("transferred", info.Transferred).
		Msg("call ended")

	// Terminal transition: finalize the call log, then drop the session.
	if info.CallLogID != 0 {
		ctx, cancelCtx := context.WithTimeout(co.ctx, 10*time.Second)
		status := "completed"
		if outcome == OutcomeFailed {
			status = "failed"
		}
		if info.Transferred && disposition == "completed" {
			disposition = "transferred"
		}
		if err := co.db.FinalizeCallEnd(ctx, info.CallLogID, info.EndedAt, status, disposition, info.Transferred); err != nil {
			co.log.Warn().Err(err).Int64("call_log_id", info.CallLogID).Msg("finalize call end failed")
		}
		cancelCtx()
	}
	co.store.Delete(conference)

	if cleanup != nil {
		cleanup()
	}

	co.wg.Add(1)
	go func() {
		defer co.wg.Done()
		co.runPostCall(info)
	}()
	return true
}

func failureReason(ok bool, s *session.Session, outcome string) string {
	if outcome == OutcomeCompleted || outcome == OutcomeTransferred {
		return ""
	}
	if ok && s.LastError != "" {
		return s.LastError
	}
	return outcome
}

// LookupEnded returns the terminal record for a carrier leg, for late
// auxiliary updates after session deletion.
func (co *Coordinator) LookupEnded(carrierLegID string) (*EndedCall, bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	conference, ok := co.byLeg[carrierLegID]
	if !ok {
		return nil, false
	}
	info, ok := co.ended[conference]
	return info, ok
}

// LookupEndedByMixer returns the terminal record for a mixer id (recording
// callbacks arrive after the call ends).
func (co *Coordinator) LookupEndedByMixer(mixerID string) (*EndedCall, bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	conference, ok := co.byMixer[mixerID]
	if !ok {
		return nil, false
	}
	info, ok := co.ended[conference]
	return info, ok
}

// HandleCallerStatus processes a terminal status callback for the caller
// leg. If the call is still live it becomes the call-ended signal; if the
// call already ended it back-fills duration and answered-by only.
func (co *Coordinator) HandleCallerStatus(ctx context.Context, conference string, ev *carrier.StatusEvent) {
	if !ev.Terminal() {
		return
	}

	disposition := dispositionFromStatus(ev.CallStatus)
	outcome := OutcomeCompleted
	if ev.CallStatus == "failed" || ev.CallStatus == "canceled" {
		outcome = OutcomeFailed
	}

	if co.CallEnded(conference, outcome, disposition) {
		return
	}

	// Already ended — auxiliary update: a late carrier callback fills in
	// duration on a call ended by participant-leave. Must never touch the
	// transferredToHuman latch.
	co.mu.Lock()
	info := co.ended[conference]
	co.mu.Unlock()
	if info == nil || info.CallLogID == 0 || ev.CallDuration == 0 {
		return
	}
	if err := co.db.ApplyCarrierDuration(ctx, info.CallLogID, ev.CallDuration, ev.AnsweredBy); err != nil {
		co.log.Warn().Err(err).Int64("call_log_id", info.CallLogID).Msg("late duration backfill failed")
	}
}

// RecordingCompleted stores the recording URL on the call log.
func (co *Coordinator) RecordingCompleted(ctx context.Context, callLogID int64, url string) {
	if callLogID == 0 || url == "" {
		return
	}
	if err := co.db.SetRecordingURL(ctx, callLogID, url); err != nil {
		co.log.Warn().Err(err).Int64("call_log_id", callLogID).Msg("set recording url failed")
	}
}

func dispositionFromStatus(status string) string {
	switch status {
	case "busy":
		return "busy"
	case "no-answer":
		return "no_answer"
	case "failed", "canceled":
		return "failed"
	default:
		return "completed"
	}
}

// staleScanLoop finds sessions with no terminal signal past the hard
// wall-clock cap and synthesizes a timeout ending. The reconcile step still
// runs and can back-fill the real duration.
func (co *Coordinator) staleScanLoop() {
	defer co.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-co.ctx.Done():
			return
		case <-ticker.C:
			for _, s := range co.store.All() {
				if time.Since(s.CreatedAt) > co.maxDuration {
					co.log.Warn().
						Str("conference", s.ConferenceName).
						Dur("age", time.Since(s.CreatedAt)).
						Msg("stale call past hard cap — synthesizing call-ended")
					co.CallEnded(s.ConferenceName, OutcomeTimeout, "timeout")
				}
			}
			co.pruneEnded()
		}
	}
}

// pruneEnded drops terminal records older than an hour; auxiliary signals
// no longer arrive by then.
func (co *Coordinator) pruneEnded() {
	cutoff := time.Now().Add(-1 * time.Hour)
	co.mu.Lock()
	for conference, info := range co.ended {
		if info.EndedAt.Before(cutoff) {
			delete(co.ended, conference)
			if info.CarrierLegID != "" {
				delete(co.byLeg, info.CarrierLegID)
			}
			if info.MixerID != "" {
				delete(co.byMixer, info.MixerID)
			}
		}
	}
	co.mu.Unlock()
}
