// Package ticketing pushes finalized call bundles to the external ticketing
// API, cross-linking the call log with the ticket opened during the call.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	pushRetries    = 3
	pushBaseDelay  = 500 * time.Millisecond
	pushMaxDelay   = 5 * time.Second
	pushJitterMax  = 250 * time.Millisecond
)

type Client struct {
	http    *http.Client
	apiBase string
	apiKey  string
	log     zerolog.Logger
}

type Options struct {
	APIBase string
	APIKey  string
	Log     zerolog.Logger
}

func NewClient(opts Options) *Client {
	return &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		apiBase: strings.TrimRight(opts.APIBase, "/"),
		apiKey:  opts.APIKey,
		log:     opts.Log.With().Str("component", "ticketing").Logger(),
	}
}

// Enabled reports whether a ticketing backend is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.apiBase != ""
}

// CallBundle is the finalized call payload attached to a ticket.
type CallBundle struct {
	TicketNumber       string  `json:"ticket_number"`
	Transcript         string  `json:"transcript"`
	RecordingURL       string  `json:"recording_url,omitempty"`
	DurationSeconds    int     `json:"duration_seconds"`
	TwilioCostCents    int     `json:"twilio_cost_cents"`
	OpenAICostCents    int     `json:"openai_cost_cents"`
	TransferredToHuman bool    `json:"transferred_to_human"`
	QualityScore       float32 `json:"quality_score,omitempty"`
	Sentiment          string  `json:"sentiment,omitempty"`
	Outcome            string  `json:"outcome,omitempty"`
}

// PushCallBundle attaches the bundle to its ticket. 5xx responses are
// retried with backoff; 4xx is fatal.
func (c *Client) PushCallBundle(ctx context.Context, bundle *CallBundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/v1/tickets/%s/call", c.apiBase, bundle.TicketNumber)

	delay := pushBaseDelay
	var lastErr error
	for attempt := 1; attempt <= 1+pushRetries; attempt++ {
		status, err := c.post(ctx, path, payload)
		switch {
		case err != nil:
			lastErr = err
		case status < 300:
			return nil
		case status >= 500:
			lastErr = fmt.Errorf("ticketing: status %d", status)
		default:
			return fmt.Errorf("ticketing: status %d", status)
		}

		if attempt == 1+pushRetries {
			break
		}
		c.log.Warn().Err(lastErr).Int("attempt", attempt).Str("ticket", bundle.TicketNumber).Msg("ticket push retrying")
		jitter := time.Duration(rand.Int63n(int64(pushJitterMax)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > pushMaxDelay {
			delay = pushMaxDelay
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, url string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, nil
}
