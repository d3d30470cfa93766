// Package grading calls the transcript grading service for quality score,
// caller sentiment, and outcome tagging.
package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
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
		http:    &http.Client{Timeout: 30 * time.Second},
		apiBase: strings.TrimRight(opts.APIBase, "/"),
		apiKey:  opts.APIKey,
		log:     opts.Log.With().Str("component", "grading").Logger(),
	}
}

// Enabled reports whether a grading backend is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.apiBase != ""
}

// Grade is the grading service's verdict on a call transcript.
type Grade struct {
	QualityScore float32 `json:"quality_score"`
	Sentiment    string  `json:"sentiment"`
	Outcome      string  `json:"outcome"`
}

// GradeTranscript submits a transcript for grading.
func (c *Client) GradeTranscript(ctx context.Context, agentSlug, transcript string) (*Grade, error) {
	payload, err := json.Marshal(map[string]string{
		"agent":      agentSlug,
		"transcript": transcript,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/v1/grade", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("grading: status %d", resp.StatusCode)
	}

	var g Grade
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, fmt.Errorf("decode grade: %w", err)
	}
	return &g, nil
}
