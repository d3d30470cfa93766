package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRequestID(t *testing.T) {
	t.Run("generates_when_missing", func(t *testing.T) {
		var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
		handler = RequestID(handler)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Header().Get("X-Request-ID") == "" {
			t.Error("no request id generated")
		}
	})

	t.Run("preserves_incoming", func(t *testing.T) {
		var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
		handler = RequestID(handler)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "abc123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("X-Request-ID"); got != "abc123" {
			t.Errorf("request id = %q, want abc123", got)
		}
	})
}

func TestRecoverer(t *testing.T) {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler = Recoverer(Logger(zerolog.Nop())(handler))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler = RateLimiter(1, 2)(handler)

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.1.2.3:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes[rec.Code]++
	}
	if codes[http.StatusTooManyRequests] == 0 {
		t.Error("burst of 5 with limit 1/2 never rate-limited")
	}
	if codes[http.StatusOK] < 2 {
		t.Errorf("codes = %v, want at least the burst allowed", codes)
	}
}

func TestMaxBodySize(t *testing.T) {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			WriteError(w, http.StatusRequestEntityTooLarge, "too large")
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	handler = MaxBodySize(16)(handler)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a=1&", 100)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(r *http.Request)
		expect string
	}{
		{"x_forwarded_for_first", func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
		}, "1.2.3.4"},
		{"x_real_ip", func(r *http.Request) {
			r.Header.Set("X-Real-IP", "5.6.7.8")
		}, "5.6.7.8"},
		{"remote_addr", func(r *http.Request) {
			r.RemoteAddr = "9.9.9.9:4321"
		}, "9.9.9.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)
			if got := clientIP(req); got != tc.expect {
				t.Errorf("clientIP = %q, want %q", got, tc.expect)
			}
		})
	}
}
