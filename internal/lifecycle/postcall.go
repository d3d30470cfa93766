package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/carrier"
	"github.com/nightclinic/callbridge/internal/database"
	"github.com/nightclinic/callbridge/internal/redact"
	"github.com/nightclinic/callbridge/internal/ticketing"
)

// minGradeableTranscript gates grading and ticket push on a non-trivial
// transcript.
const minGradeableTranscript = 50

// runPostCall drives the serial enrichment pipeline after the single
// call-ended event. Each step is isolated: a grading failure must not block
// the ticket push.
func (co *Coordinator) runPostCall(info *EndedCall) {
	if info.CallLogID == 0 {
		// No call log ever existed (e.g. caller hung up before the realtime
		// webhook and the background DB task never ran). Nothing to enrich.
		co.log.Debug().Str("conference", info.Conference).Msg("post-call skipped — no call log")
		return
	}

	log := co.log.With().Str("conference", info.Conference).Int64("call_log_id", info.CallLogID).Logger()

	// 1. Carrier reconcile — authoritative duration and cost.
	duration := co.reconcile(info, log)

	// 2. Agent-side cost recompute from the reconciled duration.
	if duration > 0 && co.centsPerMin > 0 {
		cents := (duration*co.centsPerMin + 59) / 60
		ctx, cancel := context.WithTimeout(co.ctx, 10*time.Second)
		if err := co.db.SetAgentCost(ctx, info.CallLogID, cents); err != nil {
			log.Warn().Err(err).Msg("agent cost write failed")
		}
		cancel()
	}

	// 3. Transcript finalize — transcription events trail the audio, so poll
	// for the longest non-empty transcript inside the window.
	transcript := co.finalizeTranscript(info.CallLogID, log)

	// 4. Grade.
	if co.grader.Enabled() && len(transcript) > minGradeableTranscript {
		ctx, cancel := context.WithTimeout(co.ctx, 60*time.Second)
		grade, err := co.grader.GradeTranscript(ctx, info.AgentSlug, transcript)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("grading failed")
		} else {
			ctx, cancel := context.WithTimeout(co.ctx, 10*time.Second)
			if err := co.db.SetGrade(ctx, info.CallLogID, grade.QualityScore, grade.Sentiment, grade.Outcome); err != nil {
				log.Warn().Err(err).Msg("grade write failed")
			}
			cancel()
		}
	}

	// 5. Ticket push, gated on agent type, ticket link, and transcript.
	co.pushTicket(info, transcript, log)

	log.Debug().Msg("post-call pipeline complete")
}

// reconcile fetches the carrier record with delayed retries while the
// carrier finalizes. Returns the authoritative duration in seconds, or 0.
func (co *Coordinator) reconcile(info *EndedCall, log zerolog.Logger) int {
	if info.CarrierLegID == "" {
		log.Warn().Msg("no carrier leg id — reconcile skipped")
		return 0
	}

	delays := append([]time.Duration{co.reconcileDelay}, co.reconcileRetries...)
	for i, delay := range delays {
		select {
		case <-co.ctx.Done():
			return 0
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(co.ctx, 10*time.Second)
		rec, err := co.carrier.FetchCallRecord(ctx, info.CarrierLegID)
		cancel()

		switch {
		case err == nil && rec.DurationSecs > 0:
			ctx, cancel := context.WithTimeout(co.ctx, 10*time.Second)
			werr := co.db.ApplyCarrierReconciliation(ctx, info.CallLogID, rec.DurationSecs, rec.PriceCents, rec.AnsweredBy)
			cancel()
			if werr != nil {
				log.Warn().Err(werr).Msg("reconciliation write failed")
				return 0
			}
			log.Debug().Int("duration_s", rec.DurationSecs).Int("cost_cents", rec.PriceCents).Msg("carrier reconciled")
			return rec.DurationSecs
		case errors.Is(err, carrier.ErrNotReady):
			log.Debug().Int("attempt", i+1).Msg("carrier record not ready — delaying reconcile")
		case err != nil:
			log.Warn().Err(err).Int("attempt", i+1).Msg("carrier reconcile fetch failed")
		default:
			// Zero duration on a finalized record: nothing billable.
			return 0
		}
	}
	log.Warn().Msg("carrier reconcile exhausted — duration stays estimated")
	return 0
}

// finalizeTranscript polls the call log for the longest non-empty transcript
// inside the finalize window.
func (co *Coordinator) finalizeTranscript(callLogID int64, log zerolog.Logger) string {
	deadline := time.Now().Add(co.transcriptWindow)
	var best string
	for {
		ctx, cancel := context.WithTimeout(co.ctx, 5*time.Second)
		row, err := co.db.GetCallLog(ctx, callLogID)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("transcript poll failed")
		} else if len(row.Transcript) > len(best) {
			best = row.Transcript
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-co.ctx.Done():
			return best
		case <-time.After(co.transcriptPoll):
		}
	}
	log.Debug().Str("transcript", redact.Transcript(best)).Int("length", len(best)).Msg("transcript finalized")
	return best
}

// pushTicket sends the finalized bundle to the external ticketing API when
// all three gates hold: ticket-creating agent, linked ticket, and a
// non-trivial transcript.
func (co *Coordinator) pushTicket(info *EndedCall, transcript string, log zerolog.Logger) {
	if !co.tickets.Enabled() || !info.TicketCreating {
		return
	}
	if len(transcript) <= minGradeableTranscript {
		return
	}

	ctx, cancel := context.WithTimeout(co.ctx, 10*time.Second)
	row, err := co.db.GetCallLog(ctx, info.CallLogID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("ticket push skipped — call log read failed")
		return
	}
	if row.TicketNumber == "" {
		return
	}

	bundle := bundleFromRow(row)
	ctx, cancel = context.WithTimeout(co.ctx, 60*time.Second)
	defer cancel()
	if err := co.tickets.PushCallBundle(ctx, bundle); err != nil {
		log.Warn().Err(err).Str("ticket", row.TicketNumber).Msg("ticket push failed")
		return
	}
	log.Info().Str("ticket", row.TicketNumber).Msg("call bundle pushed to ticketing")
}

func bundleFromRow(row *database.CallLogRow) *ticketing.CallBundle {
	bundle := &ticketing.CallBundle{
		TicketNumber:       row.TicketNumber,
		Transcript:         row.Transcript,
		RecordingURL:       row.RecordingURL,
		DurationSeconds:    row.DurationSecs,
		TwilioCostCents:    row.TwilioCostCents,
		OpenAICostCents:    row.OpenAICostCents,
		TransferredToHuman: row.TransferredToHuman,
		Sentiment:          row.PatientSentiment,
		Outcome:            row.AgentOutcome,
	}
	if row.QualityScore != nil {
		bundle.QualityScore = *row.QualityScore
	}
	return bundle
}
