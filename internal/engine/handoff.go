package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/nightclinic/callbridge/internal/barrier"
	"github.com/nightclinic/callbridge/internal/carrier"
	"github.com/nightclinic/callbridge/internal/lifecycle"
	"github.com/nightclinic/callbridge/internal/redact"
	"github.com/nightclinic/callbridge/internal/registry"
	"github.com/nightclinic/callbridge/internal/session"
)

// EscalationDetail is the transient side-record created when the agent
// invokes the escalate tool; the handoff path consumes and deletes it.
type EscalationDetail struct {
	RealtimeCallID string `json:"realtime_call_id"`
	Conference     string `json:"-"`
	Reason         string `json:"reason"`
	CallerType     string `json:"caller_type"`
	PatientName    string `json:"patient_name,omitempty"`
	Symptoms       string `json:"symptoms,omitempty"`
	CreatedAt      time.Time `json:"-"`
}

// Escalate is invoked by the agent tool layer: record the escalation detail
// and hand the call off to the on-call human. The human is dialed into the
// same mixer; when the human-answered barrier resolves, the AI leg hangs up
// and the transfer flag latches. On timeout the human leg is abandoned and
// the AI stays with the caller.
func (e *Engine) Escalate(ctx context.Context, detail *EscalationDetail) error {
	s, ok := e.registry.Resolve(ctx, registry.KindRealtimeCall, detail.RealtimeCallID)
	if !ok {
		return fmt.Errorf("no session for realtime call %q", detail.RealtimeCallID)
	}
	conference := s.ConferenceName
	log := e.log.With().Str("conference", conference).Logger()

	detail.Conference = conference
	detail.CreatedAt = time.Now()
	e.mu.Lock()
	if _, exists := e.escalations[detail.RealtimeCallID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("escalation already in progress for %s", conference)
	}
	e.escalations[detail.RealtimeCallID] = detail
	callCtx := e.callContext(conference)
	e.mu.Unlock()

	log.Info().
		Str("reason", detail.Reason).
		Str("caller_type", detail.CallerType).
		Str("patient", redact.Transcript(detail.PatientName)).
		Msg("escalation requested — dialing human")

	if _, err := e.store.Upsert(conference, session.Patch{
		State:                  session.StateP(session.StateTransferring),
		HumanTransferInitiated: session.Bool(true),
	}); err != nil {
		e.clearEscalation(detail.RealtimeCallID)
		return fmt.Errorf("mark transferring: %w", err)
	}

	// The barrier must exist before the dial that could resolve it.
	e.barriers.Create(conference, barrier.HumanAnswered)

	humanLegSid, err := e.carrier.DialParticipant(ctx, conference, e.cfg.HumanAgentNumber,
		carrier.ParticipantOptions{
			Label:             carrier.LabelHuman,
			StatusCallbackURL: fmt.Sprintf("%s/status-callback?leg=human&conference=%s", e.cfg.Domain, conference),
		})
	if err != nil {
		e.clearEscalation(detail.RealtimeCallID)
		return fmt.Errorf("dial human: %w", err)
	}

	go e.awaitHumanAnswer(callCtx, conference, detail.RealtimeCallID, humanLegSid)
	return nil
}

// awaitHumanAnswer resolves the handoff: on answer, latch the transfer flag
// exactly once and hang up the AI; on timeout, abandon the human leg so the
// caller is never stranded.
func (e *Engine) awaitHumanAnswer(ctx context.Context, conference, realtimeCallID, humanLegSid string) {
	log := e.log.With().Str("conference", conference).Logger()

	answered := e.barriers.Wait(ctx, conference, barrier.HumanAnswered, e.humanAnswerWait)
	if !answered {
		log.Warn().Msg("human never answered — abandoning human leg, AI stays connected")
		hangCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.carrier.HangupCall(hangCtx, humanLegSid); err != nil {
			log.Warn().Err(err).Msg("human leg hangup failed")
		}
		cancel()
		_, _ = e.store.Upsert(conference, session.Patch{
			State: session.StateP(session.StateConnected),
		})
		e.clearEscalation(realtimeCallID)
		return
	}

	// The latch is set at the moment the barrier resolves — never reset by
	// later signals.
	if _, err := e.store.Upsert(conference, session.Patch{
		TransferredToHuman: session.Bool(true),
	}); err != nil {
		log.Warn().Err(err).Msg("transfer latch update failed")
	}

	hangCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := e.realtime.Hangup(hangCtx, realtimeCallID); err != nil {
		log.Warn().Err(err).Msg("AI hangup failed after transfer")
	}
	cancel()

	// Handoff complete: consume the escalation detail.
	e.clearEscalation(realtimeCallID)

	log.Info().Msg("caller transferred to human")
	e.lifecycle.CallEnded(conference, lifecycle.OutcomeTransferred, "transferred")
}

// Escalation returns the pending escalation detail for a realtime call.
func (e *Engine) Escalation(realtimeCallID string) (*EscalationDetail, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.escalations[realtimeCallID]
	return d, ok
}

func (e *Engine) clearEscalation(realtimeCallID string) {
	e.mu.Lock()
	delete(e.escalations, realtimeCallID)
	e.mu.Unlock()
}
