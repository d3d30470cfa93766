package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// SessionRow mirrors one row of active_call_sessions. Identifier columns use
// empty string for "not yet known".
type SessionRow struct {
	ConferenceName string
	CarrierLegID   string
	RealtimeCallID string
	MixerID        string
	CallLogID      int64
	CallerE164     string
	DialedE164     string
	CallToken      string
	AgentSlug      string
	State          string

	RealtimeEstablished    bool
	HumanTransferInitiated bool
	TransferredToHuman     bool

	LastError  string
	RetryCount int

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

const sessionColumns = `
	conference_name, carrier_leg_id, realtime_call_id, mixer_id, call_log_id,
	caller_e164, dialed_e164, call_token, agent_slug, state,
	realtime_established, human_transfer_initiated, transferred_to_human,
	last_error, retry_count, created_at, updated_at, expires_at`

func scanSessionRow(row pgx.Row) (*SessionRow, error) {
	var s SessionRow
	var carrierLeg, realtimeCall, mixer *string
	var callLogID *int64
	err := row.Scan(
		&s.ConferenceName, &carrierLeg, &realtimeCall, &mixer, &callLogID,
		&s.CallerE164, &s.DialedE164, &s.CallToken, &s.AgentSlug, &s.State,
		&s.RealtimeEstablished, &s.HumanTransferInitiated, &s.TransferredToHuman,
		&s.LastError, &s.RetryCount, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if carrierLeg != nil {
		s.CarrierLegID = *carrierLeg
	}
	if realtimeCall != nil {
		s.RealtimeCallID = *realtimeCall
	}
	if mixer != nil {
		s.MixerID = *mixer
	}
	if callLogID != nil {
		s.CallLogID = *callLogID
	}
	return &s, nil
}

// nullable converts empty string to NULL so the partial identifier indexes
// stay small and lookups never match on "".
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// UpsertSession writes the full session row, inserting or replacing by
// conference_name. The write is retried on transient failure.
func (db *DB) UpsertSession(ctx context.Context, s *SessionRow) error {
	var callLogID *int64
	if s.CallLogID != 0 {
		callLogID = &s.CallLogID
	}
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx, `
			INSERT INTO active_call_sessions (
				conference_name, carrier_leg_id, realtime_call_id, mixer_id, call_log_id,
				caller_e164, dialed_e164, call_token, agent_slug, state,
				realtime_established, human_transfer_initiated, transferred_to_human,
				last_error, retry_count, created_at, updated_at, expires_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			ON CONFLICT (conference_name) DO UPDATE SET
				carrier_leg_id = EXCLUDED.carrier_leg_id,
				realtime_call_id = EXCLUDED.realtime_call_id,
				mixer_id = EXCLUDED.mixer_id,
				call_log_id = EXCLUDED.call_log_id,
				agent_slug = EXCLUDED.agent_slug,
				state = EXCLUDED.state,
				realtime_established = EXCLUDED.realtime_established,
				human_transfer_initiated = EXCLUDED.human_transfer_initiated,
				transferred_to_human = active_call_sessions.transferred_to_human OR EXCLUDED.transferred_to_human,
				last_error = EXCLUDED.last_error,
				retry_count = EXCLUDED.retry_count,
				updated_at = EXCLUDED.updated_at,
				expires_at = EXCLUDED.expires_at`,
			s.ConferenceName, nullable(s.CarrierLegID), nullable(s.RealtimeCallID), nullable(s.MixerID), callLogID,
			s.CallerE164, s.DialedE164, s.CallToken, s.AgentSlug, s.State,
			s.RealtimeEstablished, s.HumanTransferInitiated, s.TransferredToHuman,
			s.LastError, s.RetryCount, s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
		)
		return err
	})
}

// DeleteSession removes the durable row for a terminal session.
func (db *DB) DeleteSession(ctx context.Context, conferenceName string) error {
	_, err := db.Pool.Exec(ctx,
		`DELETE FROM active_call_sessions WHERE conference_name = $1`, conferenceName)
	return err
}

// LoadActiveSessions returns all sessions in a non-terminal state, for the
// startup cache reload.
func (db *DB) LoadActiveSessions(ctx context.Context) ([]*SessionRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM active_call_sessions
		WHERE state IN ('initializing', 'connected', 'transferring')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionRow
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// sessionIdentifierColumns maps identifier kinds to their indexed columns.
// Keys must match registry kind names.
var sessionIdentifierColumns = map[string]string{
	"conferenceName": "conference_name",
	"carrierLegId":   "carrier_leg_id",
	"mixerId":        "mixer_id",
	"realtimeCallId": "realtime_call_id",
}

// FindSessionByIdentifier looks up a session by one of its identifier
// columns. Returns ErrNotFound when no row matches.
func (db *DB) FindSessionByIdentifier(ctx context.Context, kind, value string) (*SessionRow, error) {
	col, ok := sessionIdentifierColumns[kind]
	if !ok {
		return nil, errors.New("unknown identifier kind: " + kind)
	}
	row := db.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM active_call_sessions WHERE `+col+` = $1`, value)
	return scanSessionRow(row)
}

// SweepSessions deletes durable session rows that are expired and terminal,
// or older than maxAge regardless of state (safety net for leaked records).
// Returns the number of rows deleted.
func (db *DB) SweepSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM active_call_sessions
		WHERE (expires_at < now() AND state IN ('completed', 'failed'))
		   OR updated_at < now() - make_interval(secs => $1)`,
		maxAge.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
