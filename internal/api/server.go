package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nightclinic/callbridge/internal/config"
	"github.com/nightclinic/callbridge/internal/database"
	"github.com/nightclinic/callbridge/internal/lifecycle"
	"github.com/nightclinic/callbridge/internal/metrics"
	"github.com/nightclinic/callbridge/internal/session"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Config       *config.Config
	DB           *database.DB
	Store        *session.Store
	Orchestrator Orchestrator
	Diagnostics  *lifecycle.Diagnostics
	Version      string
	StartTime    time.Time
	Log          zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)
	r.Use(MaxBodySize(1 << 20))

	// Liveness + metrics (unauthenticated).
	health := NewHealthHandler(opts.DB, opts.Store, opts.Version, opts.StartTime)
	r.Get("/healthz", health.ServeHTTP)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Carrier webhooks (form-encoded) and the signed realtime webhook.
	wh := NewWebhooksHandler(opts.Orchestrator, opts.Config.OpenAIWebhookSecret, opts.Log)
	r.Post("/incoming-call", wh.IncomingCall)
	r.Post("/conference-events", wh.ConferenceEvents)
	r.Post("/status-callback", wh.StatusCallback)
	r.Post("/recording-status", wh.RecordingStatus)
	r.Post("/realtime", wh.Realtime)

	// Agent tool intakes.
	r.Post("/internal/escalate", wh.Escalate)
	r.Post("/internal/ticket", wh.SetTicket)

	// Operator surface.
	NewDiagnosticsHandler(opts.Store, opts.Diagnostics).Routes(r)

	srv := &http.Server{
		Addr:         opts.Config.HTTPAddr,
		Handler:      r,
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
	}

	return &Server{http: srv, log: opts.Log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

// decodeJSON reads a small JSON request body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
