package api

import (
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/carrier"
	"github.com/nightclinic/callbridge/internal/engine"
	"github.com/nightclinic/callbridge/internal/metrics"
	"github.com/nightclinic/callbridge/internal/realtime"
)

// Orchestrator is the engine surface the webhook handlers drive.
type Orchestrator interface {
	HandleIncomingCall(ctx context.Context, ev *carrier.IncomingCall) (string, error)
	HandleRealtimeIncoming(ev *realtime.WebhookEvent) error
	HandleRealtimeDisconnected(ctx context.Context, callID string)
	HandleConferenceEvent(ctx context.Context, ev *carrier.ConferenceEvent)
	HandleStatusCallback(ctx context.Context, ev *carrier.StatusEvent, leg, conference string)
	HandleRecordingStatus(ctx context.Context, ev *carrier.RecordingEvent)
	Escalate(ctx context.Context, detail *engine.EscalationDetail) error
	SetTicketNumber(ctx context.Context, realtimeCallID, ticketNumber string) error
}

// WebhooksHandler terminates the carrier and realtime webhook surfaces.
type WebhooksHandler struct {
	orch          Orchestrator
	webhookSecret string
	log           zerolog.Logger
}

func NewWebhooksHandler(orch Orchestrator, webhookSecret string, log zerolog.Logger) *WebhooksHandler {
	return &WebhooksHandler{
		orch:          orch,
		webhookSecret: webhookSecret,
		log:           log.With().Str("component", "webhooks").Logger(),
	}
}

// IncomingCall answers the carrier's new-call webhook with hold TwiML.
func (h *WebhooksHandler) IncomingCall(w http.ResponseWriter, r *http.Request) {
	metrics.WebhookEventsTotal.WithLabelValues("incoming-call").Inc()
	if err := r.ParseForm(); err != nil {
		WriteError(w, http.StatusBadRequest, "bad form")
		return
	}
	ev, err := carrier.ParseIncomingCall(r.PostForm)
	if err != nil {
		h.log.Warn().Err(err).Msg("bad incoming-call webhook")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	twiml, err := h.orch.HandleIncomingCall(r.Context(), ev)
	if err != nil {
		h.log.Error().Err(err).Str("call_sid", ev.CallSid).Msg("incoming call handling failed")
		// Never leave the caller with dead air: fall back to an apology.
		WriteTwiML(w, carrier.FallbackTwiML(""))
		return
	}
	WriteTwiML(w, twiml)
}

// ConferenceEvents receives mixer join/leave/start/end callbacks.
func (h *WebhooksHandler) ConferenceEvents(w http.ResponseWriter, r *http.Request) {
	metrics.WebhookEventsTotal.WithLabelValues("conference-events").Inc()
	if err := r.ParseForm(); err != nil {
		WriteError(w, http.StatusBadRequest, "bad form")
		return
	}
	ev, err := carrier.ParseConferenceEvent(r.PostForm)
	if err != nil {
		h.log.Debug().Err(err).Msg("unmodeled conference event — ignored")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.orch.HandleConferenceEvent(r.Context(), ev)
	w.WriteHeader(http.StatusNoContent)
}

// StatusCallback receives per-leg status callbacks. The human handoff leg is
// tagged via query parameters when it is dialed.
func (h *WebhooksHandler) StatusCallback(w http.ResponseWriter, r *http.Request) {
	metrics.WebhookEventsTotal.WithLabelValues("status-callback").Inc()
	if err := r.ParseForm(); err != nil {
		WriteError(w, http.StatusBadRequest, "bad form")
		return
	}
	ev, err := carrier.ParseStatusEvent(r.PostForm)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	leg := r.URL.Query().Get("leg")
	conference := r.URL.Query().Get("conference")
	h.orch.HandleStatusCallback(r.Context(), ev, leg, conference)
	w.WriteHeader(http.StatusNoContent)
}

// RecordingStatus receives recording completion callbacks.
func (h *WebhooksHandler) RecordingStatus(w http.ResponseWriter, r *http.Request) {
	metrics.WebhookEventsTotal.WithLabelValues("recording-status").Inc()
	if err := r.ParseForm(); err != nil {
		WriteError(w, http.StatusBadRequest, "bad form")
		return
	}
	ev, err := carrier.ParseRecordingEvent(r.PostForm)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.orch.HandleRecordingStatus(r.Context(), ev)
	w.WriteHeader(http.StatusNoContent)
}

// Realtime receives the signed realtime webhook. Signature failures reject
// with 401 and mutate nothing; verified events run the full correlation
// path. The accept handshake runs in the background — the realtime service
// only needs the 200.
func (h *WebhooksHandler) Realtime(w http.ResponseWriter, r *http.Request) {
	metrics.WebhookEventsTotal.WithLabelValues("realtime").Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad body")
		return
	}

	err = realtime.VerifySignature(
		h.webhookSecret,
		r.Header.Get("webhook-id"),
		r.Header.Get("webhook-timestamp"),
		body,
		r.Header.Get("webhook-signature"),
	)
	if err != nil {
		metrics.WebhookSignatureFailures.Inc()
		h.log.Warn().Str("webhook_id", r.Header.Get("webhook-id")).Msg("realtime webhook signature rejected")
		WriteError(w, http.StatusUnauthorized, "signature mismatch")
		return
	}

	ev, err := realtime.ParseWebhookEvent(body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch ev.Type {
	case "realtime.call.incoming":
		go func() {
			if err := h.orch.HandleRealtimeIncoming(ev); err != nil {
				h.log.Warn().Err(err).Str("call_id", ev.Data.CallID).Msg("realtime incoming handling failed")
			}
		}()
	case "realtime.call.disconnected":
		h.orch.HandleRealtimeDisconnected(r.Context(), ev.Data.CallID)
	default:
		h.log.Debug().Str("type", ev.Type).Msg("unmodeled realtime webhook — ignored")
	}
	w.WriteHeader(http.StatusOK)
}

// Escalate is the agent tool layer's escalation intake.
func (h *WebhooksHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	var detail engine.EscalationDetail
	if err := decodeJSON(r, &detail); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if detail.RealtimeCallID == "" {
		WriteError(w, http.StatusBadRequest, "realtime_call_id required")
		return
	}
	if err := h.orch.Escalate(r.Context(), &detail); err != nil {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "escalating"})
}

// SetTicket links a ticket opened mid-call to the call log.
func (h *WebhooksHandler) SetTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RealtimeCallID string `json:"realtime_call_id"`
		TicketNumber   string `json:"ticket_number"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RealtimeCallID == "" || req.TicketNumber == "" {
		WriteError(w, http.StatusBadRequest, "realtime_call_id and ticket_number required")
		return
	}
	if err := h.orch.SetTicketNumber(r.Context(), req.RealtimeCallID, req.TicketNumber); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "linked"})
}
