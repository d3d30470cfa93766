package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	callbridge "github.com/nightclinic/callbridge"
	"github.com/nightclinic/callbridge/internal/api"
	"github.com/nightclinic/callbridge/internal/barrier"
	"github.com/nightclinic/callbridge/internal/carrier"
	"github.com/nightclinic/callbridge/internal/config"
	"github.com/nightclinic/callbridge/internal/database"
	"github.com/nightclinic/callbridge/internal/engine"
	"github.com/nightclinic/callbridge/internal/grading"
	"github.com/nightclinic/callbridge/internal/lifecycle"
	"github.com/nightclinic/callbridge/internal/realtime"
	"github.com/nightclinic/callbridge/internal/redact"
	"github.com/nightclinic/callbridge/internal/registry"
	"github.com/nightclinic/callbridge/internal/session"
	"github.com/nightclinic/callbridge/internal/ticketing"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// realtimeControl adapts the realtime client to the engine's stream
// interface.
type realtimeControl struct {
	*realtime.Client
}

func (rc realtimeControl) OpenStream(ctx context.Context, callID string) (engine.EventStream, error) {
	return rc.Client.OpenStream(ctx, callID)
}

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.Domain, "domain", "", "Public base URL for webhooks (overrides DOMAIN)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	redact.SetEnabled(cfg.RedactPHI())
	log.Info().
		Str("version", version).
		Str("env", cfg.AppEnv).
		Bool("phi_redaction", cfg.RedactPHI()).
		Msg("callbridge starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx, callbridge.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("schema initialization failed")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	// Session store + identifier registry (dual-write cache with the
	// registry as its index). In-flight calls reload on startup.
	store := session.NewStore(db, log)
	reg := registry.New(store, log)
	store.SetIndexer(reg)
	if err := store.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("session store start failed")
	}
	defer store.Stop()

	// External collaborators.
	carrierClient := carrier.NewClient(carrier.Options{
		APIBase:    cfg.TwilioAPIBase,
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioFromNumber,
		Log:        log,
	})
	realtimeClient := realtime.NewClient(realtime.ClientOptions{
		APIBase:   cfg.OpenAIAPIBase,
		APIKey:    cfg.OpenAIAPIKey,
		ProjectID: cfg.OpenAIProjectID,
		Log:       log,
	})
	grader := grading.NewClient(grading.Options{
		APIBase: cfg.GradingAPIBase,
		APIKey:  cfg.GradingAPIKey,
		Log:     log,
	})
	tickets := ticketing.NewClient(ticketing.Options{
		APIBase: cfg.TicketingAPIBase,
		APIKey:  cfg.TicketingAPIKey,
		Log:     log,
	})

	// Lifecycle coordinator and accept/attach engine.
	coord := lifecycle.NewCoordinator(lifecycle.Options{
		Store:                store,
		DB:                   db,
		Carrier:              carrierClient,
		Grader:               grader,
		Tickets:              tickets,
		TicketCreatingAgents: cfg.TicketCreatingAgentSet(),
		CentsPerMin:          cfg.OpenAIAudioCentsPerMin,
		MaxCallDuration:      cfg.MaxCallDuration,
		Log:                  log,
	})
	coord.Start()
	defer coord.Stop()

	eng := engine.New(engine.Options{
		Store:     store,
		Registry:  reg,
		Barriers:  barrier.NewCoordinator(log),
		Carrier:   carrierClient,
		Realtime:  realtimeControl{realtimeClient},
		Lifecycle: coord,
		DB:        db,
		Config: engine.Config{
			Domain:             cfg.Domain,
			Environment:        cfg.AppEnv,
			SIPDomain:          cfg.OpenAISIPDomain,
			ProjectID:          cfg.OpenAIProjectID,
			Voice:              cfg.RealtimeVoice,
			Model:              cfg.RealtimeModel,
			TranscriptionModel: cfg.TranscriptionModel,
			DefaultAgentSlug:   cfg.DefaultAgentSlug,
			HumanAgentNumber:   cfg.HumanAgentNumber,
			MaxCallDuration:    cfg.MaxCallDuration,
		},
		Log: log,
	})
	defer eng.Stop()

	srv := api.NewServer(api.ServerOptions{
		Config:       cfg,
		DB:           db,
		Store:        store,
		Orchestrator: eng,
		Diagnostics:  coord.Diagnostics(),
		Version:      version,
		StartTime:    startTime,
		Log:          log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("callbridge stopped")
}
