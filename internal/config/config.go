package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Public base URL for webhook callbacks (e.g. https://calls.example.com).
	Domain string `env:"DOMAIN,required"`
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	// Carrier (Twilio) control plane
	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID,required"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN,required"`
	// Verified DID used as the `from` number when splicing the SIP leg.
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER,required"`
	TwilioAPIBase    string `env:"TWILIO_API_BASE" envDefault:"https://api.twilio.com"`

	// Realtime speech service (OpenAI)
	OpenAIAPIKey        string `env:"OPENAI_API_KEY,required"`
	OpenAIProjectID     string `env:"OPENAI_PROJECT_ID"`
	OpenAIWebhookSecret string `env:"OPENAI_WEBHOOK_SECRET,required"`
	OpenAIAPIBase       string `env:"OPENAI_API_BASE" envDefault:"https://api.openai.com"`
	OpenAISIPDomain     string `env:"OPENAI_SIP_DOMAIN" envDefault:"sip.api.openai.com"`
	RealtimeVoice       string `env:"REALTIME_VOICE" envDefault:"alloy"`
	RealtimeModel       string `env:"REALTIME_MODEL" envDefault:"gpt-realtime"`
	TranscriptionModel  string `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`

	// Live human fallback destination (E.164).
	HumanAgentNumber string `env:"HUMAN_AGENT_NUMBER,required"`

	// Default agent when the dialed number has no explicit mapping.
	DefaultAgentSlug string `env:"DEFAULT_AGENT_SLUG" envDefault:"no-ivr"`
	// Comma-separated slugs of agents whose calls push tickets.
	TicketCreatingAgents string `env:"TICKET_CREATING_AGENTS" envDefault:"no-ivr"`

	// External ticketing API (optional — ticket push disabled when empty)
	TicketingAPIBase string `env:"TICKETING_API_BASE"`
	TicketingAPIKey  string `env:"TICKETING_API_KEY"`

	// Transcript grading service (optional — grading disabled when empty)
	GradingAPIBase string `env:"GRADING_API_BASE"`
	GradingAPIKey  string `env:"GRADING_API_KEY"`

	// Realtime audio cost, agent side.
	OpenAIAudioCentsPerMin int `env:"OPENAI_AUDIO_CENTS_PER_MIN" envDefault:"19"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"100"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// When true, caller numbers and transcript text appear unredacted in logs;
	// when false, redaction is on. Unset means redaction follows APP_ENV (on in
	// production).
	DisablePHILogging *bool `env:"DISABLE_PHI_LOGGING"`

	// Hard wall-clock cap for any call.
	MaxCallDuration time.Duration `env:"MAX_CALL_DURATION" envDefault:"10m"`
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	if c.AppEnv != "development" && c.AppEnv != "production" {
		return fmt.Errorf("APP_ENV must be development or production, got %q", c.AppEnv)
	}
	if !strings.HasPrefix(c.HumanAgentNumber, "+") {
		return fmt.Errorf("HUMAN_AGENT_NUMBER must be E.164 (leading +), got %q", c.HumanAgentNumber)
	}
	if !strings.HasPrefix(c.TwilioFromNumber, "+") {
		return fmt.Errorf("TWILIO_FROM_NUMBER must be E.164 (leading +), got %q", c.TwilioFromNumber)
	}
	if !strings.HasPrefix(c.OpenAIWebhookSecret, "whsec_") {
		return fmt.Errorf("OPENAI_WEBHOOK_SECRET must start with whsec_")
	}
	return nil
}

// RedactPHI reports whether PHI redaction is active. Explicit env value wins;
// otherwise redaction is on in production and off in development.
func (c *Config) RedactPHI() bool {
	if c.DisablePHILogging != nil {
		return !*c.DisablePHILogging
	}
	return c.AppEnv == "production"
}

// TicketCreatingAgentSet returns the ticket-creating agent slugs as a set.
func (c *Config) TicketCreatingAgentSet() map[string]bool {
	set := make(map[string]bool)
	for _, s := range strings.Split(c.TicketCreatingAgents, ",") {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	return set
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile  string
	HTTPAddr string
	LogLevel string
	Domain   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.Domain != "" {
		cfg.Domain = overrides.Domain
	}

	cfg.Domain = strings.TrimRight(cfg.Domain, "/")

	return cfg, nil
}
