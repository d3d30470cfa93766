package carrier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(serverURL string) *Client {
	return NewClient(Options{
		APIBase:    serverURL,
		AccountSID: "AC123",
		AuthToken:  "token",
		FromNumber: "+19095550100",
		Log:        zerolog.Nop(),
	})
}

func TestAddSIPParticipant(t *testing.T) {
	t.Run("success_returns_call_sid", func(t *testing.T) {
		var gotForm map[string]string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/2010-04-01/Accounts/AC123/Conferences/conf_CA1/Participants.json" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			user, pass, _ := r.BasicAuth()
			if user != "AC123" || pass != "token" {
				t.Error("missing basic auth")
			}
			_ = r.ParseForm()
			gotForm = map[string]string{
				"From":      r.PostForm.Get("From"),
				"To":        r.PostForm.Get("To"),
				"Label":     r.PostForm.Get("Label"),
				"CallToken": r.PostForm.Get("CallToken"),
			}
			w.Write([]byte(`{"call_sid":"CAsip1"}`))
		}))
		defer srv.Close()

		c := newTestClient(srv.URL)
		sid, err := c.AddSIPParticipant(context.Background(), "conf_CA1",
			"sip:proj@sip.api.openai.com;transport=tls",
			ParticipantOptions{Label: LabelAgent, CallToken: "tok1", EventCallbackURL: "https://cb/conference-events"})
		if err != nil {
			t.Fatalf("AddSIPParticipant: %v", err)
		}
		if sid != "CAsip1" {
			t.Errorf("sid = %q, want CAsip1", sid)
		}
		if gotForm["From"] != "+19095550100" {
			t.Errorf("From = %q, want verified DID", gotForm["From"])
		}
		if gotForm["Label"] != "ai-agent" || gotForm["CallToken"] != "tok1" {
			t.Errorf("form = %v", gotForm)
		}
	})

	t.Run("retries_5xx_then_succeeds", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"call_sid":"CAsip2"}`))
		}))
		defer srv.Close()

		c := newTestClient(srv.URL)
		sid, err := c.AddSIPParticipant(context.Background(), "conf_CA2", "sip:x@y", ParticipantOptions{Label: LabelAgent})
		if err != nil {
			t.Fatalf("AddSIPParticipant: %v", err)
		}
		if sid != "CAsip2" || calls.Load() != 3 {
			t.Errorf("sid=%q calls=%d, want CAsip2 after 3 attempts", sid, calls.Load())
		}
	})

	t.Run("4xx_is_fatal_no_retry", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"invalid CallToken"}`))
		}))
		defer srv.Close()

		c := newTestClient(srv.URL)
		if _, err := c.AddSIPParticipant(context.Background(), "conf_CA3", "sip:x@y", ParticipantOptions{}); err == nil {
			t.Fatal("expected error")
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls.Load())
		}
	})
}

func TestFetchCallRecord(t *testing.T) {
	t.Run("finalized_record", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"sid":"CA1","status":"completed","duration":"42","price":"-0.0850","answered_by":"human"}`))
		}))
		defer srv.Close()

		rec, err := newTestClient(srv.URL).FetchCallRecord(context.Background(), "CA1")
		if err != nil {
			t.Fatalf("FetchCallRecord: %v", err)
		}
		if rec.DurationSecs != 42 {
			t.Errorf("DurationSecs = %d, want 42", rec.DurationSecs)
		}
		if rec.PriceCents != 9 {
			t.Errorf("PriceCents = %d, want 9 (rounded abs cents)", rec.PriceCents)
		}
		if rec.AnsweredBy != "human" {
			t.Errorf("AnsweredBy = %q", rec.AnsweredBy)
		}
	})

	t.Run("not_ready", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"sid":"CA1","status":"in-progress","duration":"","price":""}`))
		}))
		defer srv.Close()

		if _, err := newTestClient(srv.URL).FetchCallRecord(context.Background(), "CA1"); !errors.Is(err, ErrNotReady) {
			t.Errorf("err = %v, want ErrNotReady", err)
		}
	})
}

func TestUpdateLegTwiML(t *testing.T) {
	var gotTwiml string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotTwiml = r.PostForm.Get("Twiml")
		w.Write([]byte(`{"sid":"CA1"}`))
	}))
	defer srv.Close()

	twiml := FallbackTwiML("+19095550111")
	if err := newTestClient(srv.URL).UpdateLegTwiML(context.Background(), "CA1", twiml); err != nil {
		t.Fatalf("UpdateLegTwiML: %v", err)
	}
	if gotTwiml != twiml {
		t.Errorf("Twiml form field = %q", gotTwiml)
	}
}
