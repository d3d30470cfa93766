package config

import (
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://cb:cb@localhost/cb")
	t.Setenv("DOMAIN", "https://calls.example.com/")
	t.Setenv("TWILIO_ACCOUNT_SID", "ACxxxxxxxx")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	t.Setenv("TWILIO_FROM_NUMBER", "+19095550100")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_WEBHOOK_SECRET", "whsec_dGVzdA==")
	t.Setenv("HUMAN_AGENT_NUMBER", "+19095550111")
}

func TestLoad(t *testing.T) {
	t.Run("defaults_and_domain_trim", func(t *testing.T) {
		setRequiredEnv(t)

		cfg, err := Load(Overrides{EnvFile: "/nonexistent/.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Domain != "https://calls.example.com" {
			t.Errorf("Domain = %q, want trailing slash trimmed", cfg.Domain)
		}
		if cfg.AppEnv != "development" {
			t.Errorf("AppEnv = %q, want development", cfg.AppEnv)
		}
		if cfg.DefaultAgentSlug != "no-ivr" {
			t.Errorf("DefaultAgentSlug = %q, want no-ivr", cfg.DefaultAgentSlug)
		}
		if cfg.OpenAIAudioCentsPerMin != 19 {
			t.Errorf("OpenAIAudioCentsPerMin = %d, want 19", cfg.OpenAIAudioCentsPerMin)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("overrides_win", func(t *testing.T) {
		setRequiredEnv(t)

		cfg, err := Load(Overrides{
			EnvFile:  "/nonexistent/.env",
			HTTPAddr: ":9999",
			LogLevel: "debug",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9999" {
			t.Errorf("HTTPAddr = %q, want :9999", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
	})

	t.Run("validate_rejects_bad_values", func(t *testing.T) {
		setRequiredEnv(t)
		cfg, err := Load(Overrides{EnvFile: "/nonexistent/.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}

		cfg.AppEnv = "staging"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for APP_ENV=staging")
		}
		cfg.AppEnv = "production"

		cfg.HumanAgentNumber = "9095550111"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for non-E.164 human number")
		}
		cfg.HumanAgentNumber = "+19095550111"

		cfg.OpenAIWebhookSecret = "plain-secret"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for webhook secret without whsec_ prefix")
		}
	})

	t.Run("redact_phi_follows_env", func(t *testing.T) {
		setRequiredEnv(t)
		cfg, err := Load(Overrides{EnvFile: "/nonexistent/.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}

		if cfg.RedactPHI() {
			t.Error("development should not redact by default")
		}
		cfg.AppEnv = "production"
		if !cfg.RedactPHI() {
			t.Error("production should redact by default")
		}

		off := true
		cfg.DisablePHILogging = &off
		if cfg.RedactPHI() {
			t.Error("explicit DISABLE_PHI_LOGGING=true should win over APP_ENV")
		}
	})

	t.Run("ticket_creating_agent_set", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("TICKET_CREATING_AGENTS", "no-ivr, triage ,")
		cfg, err := Load(Overrides{EnvFile: "/nonexistent/.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		set := cfg.TicketCreatingAgentSet()
		if !set["no-ivr"] || !set["triage"] {
			t.Errorf("set = %v, want no-ivr and triage", set)
		}
		if len(set) != 2 {
			t.Errorf("set size = %d, want 2", len(set))
		}
	})
}
