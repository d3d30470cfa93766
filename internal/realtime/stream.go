package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Stream is the realtime WebSocket event stream for one call. Incoming
// frames are parsed into typed events and delivered on Events(); the channel
// closes when the transport closes.
type Stream struct {
	conn *websocket.Conn
	ch   chan Event
	log  zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// OpenStream connects the event stream for an accepted call. The wss URL is
// derived from the REST base.
func (c *Client) OpenStream(ctx context.Context, callID string) (*Stream, error) {
	wsBase := strings.Replace(c.apiBase, "https://", "wss://", 1)
	wsBase = strings.Replace(wsBase, "http://", "ws://", 1)
	url := wsBase + "/v1/realtime?call_id=" + callID

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	if c.projectID != "" {
		header.Set("OpenAI-Project", c.projectID)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial event stream: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	s := &Stream{
		conn: conn,
		ch:   make(chan Event, 64),
		log:  c.log.With().Str("call_id", callID).Logger(),
	}
	go s.readLoop()
	return s, nil
}

// Events delivers typed stream events. The channel closes on transport close.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

func (s *Stream) readLoop() {
	defer close(s.ch)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("event stream closed")
			}
			return
		}
		ev, err := ParseEvent(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("unparseable stream event, skipping")
			continue
		}
		s.ch <- ev
	}
}

// SendResponseCreate asks the agent to speak. This is the greeting trigger —
// the moment the AI talks.
func (s *Stream) SendResponseCreate(instructions string) error {
	msg := map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"instructions": instructions,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the transport. Safe to call multiple times.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}
