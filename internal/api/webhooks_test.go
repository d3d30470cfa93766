package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/carrier"
	"github.com/nightclinic/callbridge/internal/engine"
	"github.com/nightclinic/callbridge/internal/realtime"
)

// stubOrch records which orchestrator entry points ran.
type stubOrch struct {
	mu         sync.Mutex
	incoming   []*carrier.IncomingCall
	realtimeIn []*realtime.WebhookEvent
	disconns   []string
	confEvents []*carrier.ConferenceEvent
	statuses   []*carrier.StatusEvent
	recordings []*carrier.RecordingEvent
	escalated  []*engine.EscalationDetail
	tickets    map[string]string
}

func newStubOrch() *stubOrch {
	return &stubOrch{tickets: make(map[string]string)}
}

func (s *stubOrch) HandleIncomingCall(ctx context.Context, ev *carrier.IncomingCall) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming = append(s.incoming, ev)
	return carrier.HoldTwiML(carrier.HoldOptions{Greeting: "hold", ConferenceName: "conf_" + ev.CallSid}), nil
}

func (s *stubOrch) HandleRealtimeIncoming(ev *realtime.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realtimeIn = append(s.realtimeIn, ev)
	return nil
}

func (s *stubOrch) HandleRealtimeDisconnected(ctx context.Context, callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconns = append(s.disconns, callID)
}

func (s *stubOrch) HandleConferenceEvent(ctx context.Context, ev *carrier.ConferenceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confEvents = append(s.confEvents, ev)
}

func (s *stubOrch) HandleStatusCallback(ctx context.Context, ev *carrier.StatusEvent, leg, conference string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, ev)
}

func (s *stubOrch) HandleRecordingStatus(ctx context.Context, ev *carrier.RecordingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings = append(s.recordings, ev)
}

func (s *stubOrch) Escalate(ctx context.Context, d *engine.EscalationDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalated = append(s.escalated, d)
	return nil
}

func (s *stubOrch) SetTicketNumber(ctx context.Context, callID, ticket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[callID] = ticket
	return nil
}

func (s *stubOrch) realtimeInCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.realtimeIn)
}

const testSecret = "whsec_dGVzdC1zZWNyZXQta2V5"

func signBody(id, ts string, body []byte) string {
	key, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(testSecret, "whsec_"))
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + ts + "." + string(body)))
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestIncomingCallWebhook(t *testing.T) {
	orch := newStubOrch()
	h := NewWebhooksHandler(orch, testSecret, zerolog.Nop())

	form := url.Values{
		"CallSid": {"CAhappy"}, "From": {"+16265551212"}, "To": {"+19095554321"}, "CallToken": {"tok"},
	}
	req := httptest.NewRequest(http.MethodPost, "/incoming-call", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	h.IncomingCall(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content type = %q, want text/xml", ct)
	}
	if !strings.Contains(rec.Body.String(), "conf_CAhappy") {
		t.Errorf("body missing conference TwiML:\n%s", rec.Body.String())
	}
	if len(orch.incoming) != 1 || orch.incoming[0].From != "+16265551212" {
		t.Errorf("orchestrator saw %+v", orch.incoming)
	}
}

func TestRealtimeWebhook(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"realtime.call.incoming","data":{"call_id":"rc1","sip_headers":[]}}`)

	t.Run("verified_event_dispatches", func(t *testing.T) {
		orch := newStubOrch()
		h := NewWebhooksHandler(orch, testSecret, zerolog.Nop())

		req := httptest.NewRequest(http.MethodPost, "/realtime", strings.NewReader(string(body)))
		req.Header.Set("webhook-id", "evt_1")
		req.Header.Set("webhook-timestamp", "1700000000")
		req.Header.Set("webhook-signature", signBody("evt_1", "1700000000", body))
		rec := httptest.NewRecorder()

		h.Realtime(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		// Dispatch is async; wait for the handler goroutine.
		deadline := time.Now().Add(time.Second)
		for orch.realtimeInCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if orch.realtimeInCount() != 1 {
			t.Fatal("verified webhook did not run the correlation path")
		}
	})

	t.Run("bad_signature_rejected_no_mutation", func(t *testing.T) {
		orch := newStubOrch()
		h := NewWebhooksHandler(orch, testSecret, zerolog.Nop())

		req := httptest.NewRequest(http.MethodPost, "/realtime", strings.NewReader(string(body)))
		req.Header.Set("webhook-id", "evt_1")
		req.Header.Set("webhook-timestamp", "1700000000")
		req.Header.Set("webhook-signature", signBody("evt_OTHER", "1700000000", body))
		rec := httptest.NewRecorder()

		h.Realtime(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		time.Sleep(20 * time.Millisecond)
		if orch.realtimeInCount() != 0 {
			t.Error("rejected webhook still mutated state")
		}
	})

	t.Run("disconnected_event", func(t *testing.T) {
		orch := newStubOrch()
		h := NewWebhooksHandler(orch, testSecret, zerolog.Nop())
		dBody := []byte(`{"id":"evt_2","type":"realtime.call.disconnected","data":{"call_id":"rc2"}}`)

		req := httptest.NewRequest(http.MethodPost, "/realtime", strings.NewReader(string(dBody)))
		req.Header.Set("webhook-id", "evt_2")
		req.Header.Set("webhook-timestamp", "1700000001")
		req.Header.Set("webhook-signature", signBody("evt_2", "1700000001", dBody))
		rec := httptest.NewRecorder()

		h.Realtime(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if len(orch.disconns) != 1 || orch.disconns[0] != "rc2" {
			t.Errorf("disconnects = %v", orch.disconns)
		}
	})
}

func TestConferenceEventsWebhook(t *testing.T) {
	orch := newStubOrch()
	h := NewWebhooksHandler(orch, testSecret, zerolog.Nop())

	form := url.Values{
		"StatusCallbackEvent": {"participant-join"},
		"FriendlyName":        {"conf_CA1"},
		"ConferenceSid":       {"CF1"},
		"CallSid":             {"CA1"},
		"ParticipantLabel":    {"customer"},
	}
	req := httptest.NewRequest(http.MethodPost, "/conference-events", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	h.ConferenceEvents(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(orch.confEvents) != 1 || orch.confEvents[0].Kind != carrier.ParticipantJoin {
		t.Errorf("events = %+v", orch.confEvents)
	}
}

func TestStatusCallbackIdempotentReplay(t *testing.T) {
	orch := newStubOrch()
	h := NewWebhooksHandler(orch, testSecret, zerolog.Nop())

	form := url.Values{
		"CallSid": {"CA1"}, "CallStatus": {"completed"}, "CallDuration": {"42"},
	}
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/status-callback", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		h.StatusCallback(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	// Both deliveries reach the orchestrator; idempotence lives in the
	// lifecycle coordinator's transition guard.
	if len(orch.statuses) != 2 {
		t.Errorf("statuses = %d, want 2", len(orch.statuses))
	}
}

func TestEscalateIntake(t *testing.T) {
	orch := newStubOrch()
	h := NewWebhooksHandler(orch, testSecret, zerolog.Nop())

	body := `{"realtime_call_id":"rc1","reason":"chest pain","caller_type":"patient"}`
	req := httptest.NewRequest(http.MethodPost, "/internal/escalate", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.Escalate(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(orch.escalated) != 1 || orch.escalated[0].Reason != "chest pain" {
		t.Errorf("escalations = %+v", orch.escalated)
	}

	// Missing call id is rejected.
	req = httptest.NewRequest(http.MethodPost, "/internal/escalate", strings.NewReader(`{"reason":"x"}`))
	rec = httptest.NewRecorder()
	h.Escalate(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSetTicketIntake(t *testing.T) {
	orch := newStubOrch()
	h := NewWebhooksHandler(orch, testSecret, zerolog.Nop())

	body := `{"realtime_call_id":"rc1","ticket_number":"TKT-42"}`
	req := httptest.NewRequest(http.MethodPost, "/internal/ticket", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.SetTicket(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if orch.tickets["rc1"] != "TKT-42" {
		t.Errorf("tickets = %v", orch.tickets)
	}
}
