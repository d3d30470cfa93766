package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/metrics"
)

// Accept retry policy: the realtime service may not have indexed the call
// yet, so 404s are retried inside the narrow accept window. Any other status
// is fatal.
const (
	AcceptAttempts  = 8
	acceptBaseDelay = 200 * time.Millisecond
	acceptMaxDelay  = 3 * time.Second
	acceptJitterMax = 100 * time.Millisecond
)

// ErrAcceptExhausted is returned when every accept attempt got a 404.
var ErrAcceptExhausted = errors.New("accept retries exhausted")

// CallConfig is the initial session configuration sent with accept.
type CallConfig struct {
	Type         string       `json:"type"`
	Model        string       `json:"model,omitempty"`
	Instructions string       `json:"instructions,omitempty"`
	Audio        *AudioConfig `json:"audio,omitempty"`
}

type AudioConfig struct {
	Input  AudioInput  `json:"input"`
	Output AudioOutput `json:"output"`
}

type AudioInput struct {
	Format        AudioFormat          `json:"format"`
	TurnDetection *TurnDetection       `json:"turn_detection,omitempty"`
	Transcription *TranscriptionConfig `json:"transcription,omitempty"`
}

type AudioOutput struct {
	Format AudioFormat `json:"format"`
	Voice  string      `json:"voice,omitempty"`
}

type AudioFormat struct {
	Type string `json:"type"`
}

type TurnDetection struct {
	Type              string `json:"type"`
	Eagerness         string `json:"eagerness,omitempty"`
	CreateResponse    bool   `json:"create_response"`
	InterruptResponse bool   `json:"interrupt_response"`
}

type TranscriptionConfig struct {
	Model string `json:"model"`
}

// carrierCodec is the only audio format the carrier's SIP leg speaks.
const carrierCodec = "audio/pcmu"

// Normalize pins the audio codec to carrier PCM μ-law and injects the
// semantic turn-detection policy when absent. SDK defaults of PCM16 or
// missing turn detection would leave the agent deaf or mute on a PSTN leg.
func (c *CallConfig) Normalize() {
	if c.Type == "" {
		c.Type = "realtime"
	}
	if c.Audio == nil {
		c.Audio = &AudioConfig{}
	}
	c.Audio.Input.Format = AudioFormat{Type: carrierCodec}
	c.Audio.Output.Format = AudioFormat{Type: carrierCodec}
	if c.Audio.Input.TurnDetection == nil || c.Audio.Input.TurnDetection.Type == "" {
		c.Audio.Input.TurnDetection = &TurnDetection{
			Type:              "semantic_vad",
			Eagerness:         "medium",
			CreateResponse:    true,
			InterruptResponse: true,
		}
	}
}

// Client talks to the realtime REST surface.
type Client struct {
	http      *http.Client
	apiBase   string
	apiKey    string
	projectID string
	log       zerolog.Logger
}

type ClientOptions struct {
	APIBase   string
	APIKey    string
	ProjectID string
	Log       zerolog.Logger
}

func NewClient(opts ClientOptions) *Client {
	return &Client{
		http:      &http.Client{Timeout: 10 * time.Second},
		apiBase:   strings.TrimRight(opts.APIBase, "/"),
		apiKey:    opts.APIKey,
		projectID: opts.ProjectID,
		log:       opts.Log.With().Str("component", "realtime").Logger(),
	}
}

// Accept admits an incoming SIP call with the initial session config.
// Only 404s are retried — the service may not have indexed the call yet.
// Returns the number of attempts made alongside any error.
func (c *Client) Accept(ctx context.Context, callID string, cfg *CallConfig) (int, error) {
	cfg.Normalize()
	body, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("encode accept config: %w", err)
	}

	delay := acceptBaseDelay
	for attempt := 1; attempt <= AcceptAttempts; attempt++ {
		metrics.AcceptAttemptsTotal.Inc()
		if attempt > 1 {
			metrics.AcceptRetriesTotal.Inc()
		}

		status, respBody, err := c.post(ctx, "/v1/realtime/calls/"+callID+"/accept", body)
		if err != nil {
			return attempt, fmt.Errorf("accept attempt %d: %w", attempt, err)
		}
		switch {
		case status < 300:
			return attempt, nil
		case status == http.StatusNotFound:
			c.log.Debug().
				Str("call_id", callID).
				Int("attempt", attempt).
				Msg("accept 404 — call not indexed yet")
		default:
			return attempt, fmt.Errorf("accept attempt %d: status %d: %s", attempt, status, truncate(respBody, 200))
		}

		if attempt == AcceptAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(acceptJitterMax)))
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > acceptMaxDelay {
			delay = acceptMaxDelay
		}
	}

	metrics.AcceptFailuresTotal.Inc()
	return AcceptAttempts, ErrAcceptExhausted
}

// Hangup terminates the realtime side of a call.
func (c *Client) Hangup(ctx context.Context, callID string) error {
	status, body, err := c.post(ctx, "/v1/realtime/calls/"+callID+"/hangup", nil)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusNotFound {
		return fmt.Errorf("hangup: status %d: %s", status, truncate(body, 200))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (int, string, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, reader)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.projectID != "" {
		req.Header.Set("OpenAI-Project", c.projectID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, string(respBody), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
