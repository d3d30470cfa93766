package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/breaker"
)

// ErrNotReady is returned by FetchCallRecord while the carrier has not yet
// finalized duration and cost for a leg.
var ErrNotReady = errors.New("carrier record not finalized")

const (
	requestRetries  = 3
	retryBaseDelay  = 300 * time.Millisecond
	retryMaxDelay   = 2 * time.Second
	retryJitterMax  = 100 * time.Millisecond
)

// Client talks to the carrier control plane (Twilio REST). All requests are
// basic-auth'd with the account credentials and guarded by a shared circuit
// breaker.
type Client struct {
	http       *http.Client
	apiBase    string
	accountSID string
	authToken  string
	fromNumber string
	breaker    *breaker.Breaker
	log        zerolog.Logger
}

type Options struct {
	APIBase    string
	AccountSID string
	AuthToken  string
	FromNumber string
	Log        zerolog.Logger
}

func NewClient(opts Options) *Client {
	return &Client{
		http:       &http.Client{Timeout: 10 * time.Second},
		apiBase:    strings.TrimRight(opts.APIBase, "/"),
		accountSID: opts.AccountSID,
		authToken:  opts.AuthToken,
		fromNumber: opts.FromNumber,
		breaker:    breaker.New(5, 30*time.Second),
		log:        opts.Log.With().Str("component", "carrier").Logger(),
	}
}

// ParticipantOptions configures a splice into an existing mixer.
type ParticipantOptions struct {
	Label string
	// CallToken authorizes adding a participant to a token-protected call.
	CallToken string
	// EventCallbackURL receives conference status callbacks for the new leg.
	EventCallbackURL string
	// StatusCallbackURL receives per-leg status callbacks (answered etc.).
	StatusCallbackURL string
}

// AddSIPParticipant dials a SIP URI into the named mixer and returns the new
// leg's CallSid. The from number must be a carrier-verified DID. Transient
// failures are retried with bounded exponential backoff and jitter.
func (c *Client) AddSIPParticipant(ctx context.Context, conferenceName, sipURI string, opts ParticipantOptions) (string, error) {
	form := url.Values{}
	form.Set("From", c.fromNumber)
	form.Set("To", sipURI)
	form.Set("Label", opts.Label)
	form.Set("EarlyMedia", "true")
	if opts.CallToken != "" {
		form.Set("CallToken", opts.CallToken)
	}
	if opts.EventCallbackURL != "" {
		form.Set("ConferenceStatusCallback", opts.EventCallbackURL)
		form.Set("ConferenceStatusCallbackEvent", "start end join leave")
	}
	return c.addParticipant(ctx, conferenceName, form)
}

// DialParticipant dials a phone number into the named mixer (the human
// handoff leg) and returns the new leg's CallSid.
func (c *Client) DialParticipant(ctx context.Context, conferenceName, number string, opts ParticipantOptions) (string, error) {
	form := url.Values{}
	form.Set("From", c.fromNumber)
	form.Set("To", number)
	form.Set("Label", opts.Label)
	form.Set("EarlyMedia", "true")
	if opts.StatusCallbackURL != "" {
		form.Set("StatusCallback", opts.StatusCallbackURL)
		form.Set("StatusCallbackEvent", "answered completed")
	}
	return c.addParticipant(ctx, conferenceName, form)
}

func (c *Client) addParticipant(ctx context.Context, conferenceName string, form url.Values) (string, error) {
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Conferences/%s/Participants.json",
		c.accountSID, url.PathEscape(conferenceName))

	var callSid string
	err := c.withRetry(ctx, "add-participant", func(ctx context.Context) error {
		body, err := c.do(ctx, http.MethodPost, path, form)
		if err != nil {
			return err
		}
		var resp struct {
			CallSid string `json:"call_sid"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decode participant response: %w", err)
		}
		callSid = resp.CallSid
		return nil
	})
	return callSid, err
}

// UpdateLegTwiML redirects a live leg to new TwiML (the fallback-to-human
// path).
func (c *Client) UpdateLegTwiML(ctx context.Context, callSid, twiml string) error {
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", c.accountSID, callSid)
	form := url.Values{}
	form.Set("Twiml", twiml)
	return c.withRetry(ctx, "update-leg", func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodPost, path, form)
		return err
	})
}

// HangupCall terminates a leg.
func (c *Client) HangupCall(ctx context.Context, callSid string) error {
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", c.accountSID, callSid)
	form := url.Values{}
	form.Set("Status", "completed")
	return c.withRetry(ctx, "hangup", func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodPost, path, form)
		return err
	})
}

// CallRecord is the carrier-authoritative view of a finished leg.
type CallRecord struct {
	CallSid      string
	Status       string
	DurationSecs int
	PriceCents   int // absolute value; carrier reports negative prices
	AnsweredBy   string
}

// FetchCallRecord loads the carrier's record for a leg. Returns ErrNotReady
// while the carrier has not finalized duration (caller schedules delayed
// reconciliation).
func (c *Client) FetchCallRecord(ctx context.Context, callSid string) (*CallRecord, error) {
	path := fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", c.accountSID, callSid)

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Sid        string `json:"sid"`
		Status     string `json:"status"`
		Duration   string `json:"duration"`
		Price      string `json:"price"`
		AnsweredBy string `json:"answered_by"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode call record: %w", err)
	}

	rec := &CallRecord{CallSid: resp.Sid, Status: resp.Status, AnsweredBy: resp.AnsweredBy}
	if resp.Duration == "" {
		return nil, ErrNotReady
	}
	rec.DurationSecs, err = strconv.Atoi(resp.Duration)
	if err != nil {
		return nil, fmt.Errorf("bad duration %q: %w", resp.Duration, err)
	}
	if resp.Price != "" {
		if dollars, err := strconv.ParseFloat(resp.Price, 64); err == nil {
			rec.PriceCents = int(math.Round(math.Abs(dollars) * 100))
		}
	}
	return rec, nil
}

// do issues one authenticated request and returns the response body.
// Non-2xx statuses become errors carrying the carrier's message.
func (c *Client) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("carrier: %w", err)
	}

	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}

	if resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			c.breaker.Failure()
			return nil, &transientError{status: resp.StatusCode, body: string(body)}
		}
		c.breaker.Success()
		return nil, fmt.Errorf("carrier %s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(body), 200))
	}

	c.breaker.Success()
	return body, nil
}

// transientError marks carrier 5xx responses as retryable.
type transientError struct {
	status int
	body   string
}

func (e *transientError) Error() string {
	return fmt.Sprintf("carrier status %d: %s", e.status, truncate(e.body, 200))
}

func retryable(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	// Network-level failures (timeouts, resets) are also worth retrying.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || attempt > requestRetries || !retryable(err) {
			return err
		}
		c.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("carrier request retrying")

		jitter := time.Duration(rand.Int63n(int64(retryJitterMax)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
