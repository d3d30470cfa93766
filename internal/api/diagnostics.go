package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nightclinic/callbridge/internal/lifecycle"
	"github.com/nightclinic/callbridge/internal/redact"
	"github.com/nightclinic/callbridge/internal/session"
)

// DiagnosticsHandler serves the operator health surface.
type DiagnosticsHandler struct {
	store *session.Store
	diag  *lifecycle.Diagnostics
}

func NewDiagnosticsHandler(store *session.Store, diag *lifecycle.Diagnostics) *DiagnosticsHandler {
	return &DiagnosticsHandler{store: store, diag: diag}
}

func (h *DiagnosticsHandler) Routes(r chi.Router) {
	r.Get("/diagnostics", h.Summary)
	r.Get("/diagnostics/active", h.Active)
	r.Get("/diagnostics/recent-failures", h.RecentFailures)
}

func (h *DiagnosticsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary := h.diag.Summarize(h.store.DBErrorCount())
	WriteJSON(w, http.StatusOK, summary)
}

// activeCall is the in-flight call view. Identifiers are suffix-redacted
// when the PHI flag is on.
type activeCall struct {
	Conference     string    `json:"conference"`
	CarrierLegID   string    `json:"carrier_leg_id,omitempty"`
	RealtimeCallID string    `json:"realtime_call_id,omitempty"`
	Caller         string    `json:"caller"`
	AgentSlug      string    `json:"agent_slug"`
	State          string    `json:"state"`
	Transferring   bool      `json:"transferring"`
	StartedAt      time.Time `json:"started_at"`
	AgeSeconds     int       `json:"age_seconds"`
}

func (h *DiagnosticsHandler) Active(w http.ResponseWriter, r *http.Request) {
	sessions := h.store.All()
	calls := make([]activeCall, 0, len(sessions))
	for _, s := range sessions {
		calls = append(calls, activeCall{
			Conference:     s.ConferenceName,
			CarrierLegID:   redact.Identifier(s.CarrierLegID),
			RealtimeCallID: redact.Identifier(s.RealtimeCallID),
			Caller:         redact.Phone(s.CallerE164),
			AgentSlug:      s.AgentSlug,
			State:          string(s.State),
			Transferring:   s.HumanTransferInitiated,
			StartedAt:      s.CreatedAt,
			AgeSeconds:     int(time.Since(s.CreatedAt).Seconds()),
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"count": len(calls),
		"calls": calls,
	})
}

func (h *DiagnosticsHandler) RecentFailures(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			WriteError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}
	failures := h.diag.RecentFailures(limit)
	if failures == nil {
		failures = []lifecycle.Trace{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"count":    len(failures),
		"failures": failures,
	})
}
