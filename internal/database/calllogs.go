package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// CallLogRow mirrors one row of call_logs, the canonical per-call record.
type CallLogRow struct {
	CallLogID      int64
	ConferenceName string
	CarrierLegID   string
	RealtimeCallID string
	MixerID        string
	CallerE164     string
	DialedE164     string
	AgentSlug      string
	Direction      string
	StartTime      time.Time
	EndTime        *time.Time
	DurationSecs   int
	Status         string
	Disposition    string
	AnsweredBy     string
	Transcript     string
	RecordingURL   string

	TransferredToHuman bool

	TwilioCostCents int
	OpenAICostCents int
	TotalCostCents  int
	CostIsEstimated bool

	QualityScore     *float32
	PatientSentiment string
	AgentOutcome     string
	TicketNumber     string
	Summary          string
}

const callLogColumns = `
	call_log_id, conference_name, carrier_leg_id, realtime_call_id, mixer_id,
	caller_e164, dialed_e164, agent_slug, direction,
	start_time, end_time, duration_seconds, status, disposition, answered_by,
	transcript, recording_url, transferred_to_human,
	twilio_cost_cents, openai_cost_cents, total_cost_cents, cost_is_estimated,
	quality_score, patient_sentiment, agent_outcome, ticket_number, summary`

func scanCallLogRow(row pgx.Row) (*CallLogRow, error) {
	var c CallLogRow
	var carrierLeg, realtimeCall, mixer *string
	err := row.Scan(
		&c.CallLogID, &c.ConferenceName, &carrierLeg, &realtimeCall, &mixer,
		&c.CallerE164, &c.DialedE164, &c.AgentSlug, &c.Direction,
		&c.StartTime, &c.EndTime, &c.DurationSecs, &c.Status, &c.Disposition, &c.AnsweredBy,
		&c.Transcript, &c.RecordingURL, &c.TransferredToHuman,
		&c.TwilioCostCents, &c.OpenAICostCents, &c.TotalCostCents, &c.CostIsEstimated,
		&c.QualityScore, &c.PatientSentiment, &c.AgentOutcome, &c.TicketNumber, &c.Summary,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if carrierLeg != nil {
		c.CarrierLegID = *carrierLeg
	}
	if realtimeCall != nil {
		c.RealtimeCallID = *realtimeCall
	}
	if mixer != nil {
		c.MixerID = *mixer
	}
	return &c, nil
}

// FindOrCreateCallLog returns the call log for a conference, creating it on
// first use. The unique index on conference_name makes concurrent calls
// converge on one row.
func (db *DB) FindOrCreateCallLog(ctx context.Context, c *CallLogRow) (int64, error) {
	var id int64
	err := withRetry(ctx, func(ctx context.Context) error {
		return db.Pool.QueryRow(ctx, `
			INSERT INTO call_logs (
				conference_name, carrier_leg_id, realtime_call_id, mixer_id,
				caller_e164, dialed_e164, agent_slug, direction, start_time, status
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (conference_name) DO UPDATE SET
				carrier_leg_id = COALESCE(call_logs.carrier_leg_id, EXCLUDED.carrier_leg_id),
				realtime_call_id = COALESCE(call_logs.realtime_call_id, EXCLUDED.realtime_call_id),
				mixer_id = COALESCE(call_logs.mixer_id, EXCLUDED.mixer_id),
				updated_at = now()
			RETURNING call_log_id`,
			c.ConferenceName, nullable(c.CarrierLegID), nullable(c.RealtimeCallID), nullable(c.MixerID),
			c.CallerE164, c.DialedE164, c.AgentSlug, c.Direction, c.StartTime, c.Status,
		).Scan(&id)
	})
	return id, err
}

// GetCallLog fetches a call log by id.
func (db *DB) GetCallLog(ctx context.Context, callLogID int64) (*CallLogRow, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+callLogColumns+` FROM call_logs WHERE call_log_id = $1`, callLogID)
	return scanCallLogRow(row)
}

// SetCallLogIdentifier backfills a late-arriving identifier column.
func (db *DB) SetCallLogIdentifier(ctx context.Context, callLogID int64, kind, value string) error {
	col, ok := sessionIdentifierColumns[kind]
	if !ok || col == "conference_name" {
		return errors.New("unsupported call log identifier kind: " + kind)
	}
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx,
			`UPDATE call_logs SET `+col+` = $2, updated_at = now() WHERE call_log_id = $1`,
			callLogID, value)
		return err
	})
}

// AppendTranscript appends a labeled line to the transcript in arrival order.
func (db *DB) AppendTranscript(ctx context.Context, callLogID int64, line string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx, `
			UPDATE call_logs
			SET transcript = CASE WHEN transcript = '' THEN $2 ELSE transcript || E'\n' || $2 END,
			    updated_at = now()
			WHERE call_log_id = $1`,
			callLogID, line)
		return err
	})
}

// SetRecordingURL stores the recording location reported by the carrier.
func (db *DB) SetRecordingURL(ctx context.Context, callLogID int64, url string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx,
			`UPDATE call_logs SET recording_url = $2, updated_at = now() WHERE call_log_id = $1`,
			callLogID, url)
		return err
	})
}

// FinalizeCallEnd marks the call ended. Idempotent: a second terminal write
// for the same call leaves the row unchanged (the first signal wins). The
// transferred_to_human flag only latches on, never off.
func (db *DB) FinalizeCallEnd(ctx context.Context, callLogID int64, endTime time.Time, status, disposition string, transferred bool) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx, `
			UPDATE call_logs SET
				end_time = COALESCE(end_time, $2),
				status = CASE WHEN status = 'in_progress' THEN $3 ELSE status END,
				disposition = CASE WHEN disposition = '' THEN $4 ELSE disposition END,
				transferred_to_human = transferred_to_human OR $5,
				updated_at = now()
			WHERE call_log_id = $1`,
			callLogID, endTime, status, disposition, transferred)
		return err
	})
}

// ApplyCarrierReconciliation writes the carrier-authoritative duration and
// cost. This is the only path allowed to write duration_seconds with
// cost_is_estimated = false.
func (db *DB) ApplyCarrierReconciliation(ctx context.Context, callLogID int64, durationSecs, twilioCostCents int, answeredBy string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx, `
			UPDATE call_logs SET
				duration_seconds = $2,
				twilio_cost_cents = $3,
				total_cost_cents = $3 + openai_cost_cents,
				cost_is_estimated = false,
				answered_by = CASE WHEN answered_by = '' THEN $4 ELSE answered_by END,
				updated_at = now()
			WHERE call_log_id = $1`,
			callLogID, durationSecs, twilioCostCents, answeredBy)
		return err
	})
}

// ApplyCarrierDuration writes the duration from a late status callback when
// no priced record has been written yet. The cost_is_estimated guard makes
// replayed callbacks no-ops, leaving the row byte-identical.
func (db *DB) ApplyCarrierDuration(ctx context.Context, callLogID int64, durationSecs int, answeredBy string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx, `
			UPDATE call_logs SET
				duration_seconds = $2,
				cost_is_estimated = false,
				answered_by = CASE WHEN answered_by = '' THEN $3 ELSE answered_by END,
				updated_at = now()
			WHERE call_log_id = $1 AND cost_is_estimated`,
			callLogID, durationSecs, answeredBy)
		return err
	})
}

// SetAgentCost writes the recomputed agent-side cost.
func (db *DB) SetAgentCost(ctx context.Context, callLogID int64, openaiCostCents int) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx, `
			UPDATE call_logs SET
				openai_cost_cents = $2,
				total_cost_cents = twilio_cost_cents + $2,
				updated_at = now()
			WHERE call_log_id = $1`,
			callLogID, openaiCostCents)
		return err
	})
}

// SetGrade stores the transcript grading results.
func (db *DB) SetGrade(ctx context.Context, callLogID int64, score float32, sentiment, outcome string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx, `
			UPDATE call_logs SET
				quality_score = $2, patient_sentiment = $3, agent_outcome = $4,
				updated_at = now()
			WHERE call_log_id = $1`,
			callLogID, score, sentiment, outcome)
		return err
	})
}

// SetTicketNumber records the external ticket cross-link.
func (db *DB) SetTicketNumber(ctx context.Context, callLogID int64, ticketNumber string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx,
			`UPDATE call_logs SET ticket_number = $2, updated_at = now() WHERE call_log_id = $1`,
			callLogID, ticketNumber)
		return err
	})
}

// SetSummary records a short operator-facing note (e.g. accept exhaustion).
func (db *DB) SetSummary(ctx context.Context, callLogID int64, summary string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx,
			`UPDATE call_logs SET summary = $2, updated_at = now() WHERE call_log_id = $1`,
			callLogID, summary)
		return err
	})
}

// CallStats summarizes the last-24h call_logs for the diagnostics endpoint.
type CallStats struct {
	TotalCalls      int
	SuccessfulCalls int
	FailedCalls     int
	TransferredCalls int
}

// CallStats24h aggregates the last 24 hours of call logs.
func (db *DB) CallStats24h(ctx context.Context) (*CallStats, error) {
	var s CallStats
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'completed' AND disposition NOT IN ('failed')),
		       count(*) FILTER (WHERE status = 'failed' OR disposition = 'failed'),
		       count(*) FILTER (WHERE transferred_to_human)
		FROM call_logs
		WHERE start_time > now() - interval '24 hours'`,
	).Scan(&s.TotalCalls, &s.SuccessfulCalls, &s.FailedCalls, &s.TransferredCalls)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
