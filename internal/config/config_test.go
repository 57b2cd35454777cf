package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":5050" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":5050")
	}
	if cfg.OpenAIVoice != "shimmer" {
		t.Fatalf("OpenAIVoice = %q, want %q", cfg.OpenAIVoice, "shimmer")
	}
	if cfg.OpenAITemperature != 0.78 {
		t.Fatalf("OpenAITemperature = %v, want 0.78", cfg.OpenAITemperature)
	}
	if cfg.OpenAIMaxOutputTokens != 500 {
		t.Fatalf("OpenAIMaxOutputTokens = %d, want 500", cfg.OpenAIMaxOutputTokens)
	}
	if cfg.OpenAIDialAttempts != 2 {
		t.Fatalf("OpenAIDialAttempts = %d, want 2", cfg.OpenAIDialAttempts)
	}
	if cfg.VADThreshold != 0.43 || cfg.VADPrefixPadding != 400*time.Millisecond || cfg.VADSilenceDuration != 540*time.Millisecond {
		t.Fatalf("VAD = (%v, %v, %v), want (0.43, 400ms, 540ms)", cfg.VADThreshold, cfg.VADPrefixPadding, cfg.VADSilenceDuration)
	}
	if cfg.SettleDelay != 100*time.Millisecond {
		t.Fatalf("SettleDelay = %v, want 100ms", cfg.SettleDelay)
	}
	if !cfg.EnableTools {
		t.Fatalf("EnableTools = false, want true")
	}
	if cfg.AssistantSpeaksFirst {
		t.Fatalf("AssistantSpeaksFirst = true, want false")
	}
	if cfg.Instructions != DefaultInstructions {
		t.Fatalf("Instructions did not default to the built-in persona")
	}
	if cfg.TwilioConfigured() {
		t.Fatalf("TwilioConfigured() = true with empty credentials")
	}
}

func TestLoadFallsBackToPort(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PORT", "8081")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8081" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8081")
	}

	t.Setenv("APP_BIND_ADDR", "127.0.0.1:9000")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("BindAddr = %q, want explicit value", cfg.BindAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_TEMPERATURE", "0.9")
	t.Setenv("OPENAI_VAD_SILENCE_DURATION", "700ms")
	t.Setenv("RELAY_ENABLE_TOOLS", "off")
	t.Setenv("RELAY_ASSISTANT_SPEAKS_FIRST", "yes")
	t.Setenv("APP_PUBLIC_BASE_URL", "https://relay.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpenAITemperature != 0.9 {
		t.Fatalf("OpenAITemperature = %v, want 0.9", cfg.OpenAITemperature)
	}
	if cfg.VADSilenceDuration != 700*time.Millisecond {
		t.Fatalf("VADSilenceDuration = %v, want 700ms", cfg.VADSilenceDuration)
	}
	if cfg.EnableTools {
		t.Fatalf("EnableTools = true, want false")
	}
	if !cfg.AssistantSpeaksFirst {
		t.Fatalf("AssistantSpeaksFirst = false, want true")
	}
	if cfg.PublicBaseURL != "https://relay.example.com" {
		t.Fatalf("PublicBaseURL = %q, want trailing slash trimmed", cfg.PublicBaseURL)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing api key", env: map[string]string{}},
		{name: "bad temperature", env: map[string]string{"OPENAI_API_KEY": "k", "OPENAI_TEMPERATURE": "2"}},
		{name: "zero dial attempts", env: map[string]string{"OPENAI_API_KEY": "k", "OPENAI_DIAL_ATTEMPTS": "0"}},
		{name: "unparsable duration", env: map[string]string{"OPENAI_API_KEY": "k", "RELAY_SETTLE_DELAY": "soon"}},
		{name: "unparsable bool", env: map[string]string{"OPENAI_API_KEY": "k", "RELAY_ENABLE_TOOLS": "maybe"}},
		{name: "signature without token", env: map[string]string{"OPENAI_API_KEY": "k", "TWILIO_VALIDATE_SIGNATURE": "true"}},
		{name: "half supabase", env: map[string]string{"OPENAI_API_KEY": "k", "SUPABASE_URL": "https://x.supabase.co"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want validation error")
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"PORT",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_PUBLIC_BASE_URL",
		"OPENAI_API_KEY",
		"OPENAI_REALTIME_URL",
		"OPENAI_REALTIME_MODEL",
		"OPENAI_VOICE",
		"OPENAI_TEMPERATURE",
		"OPENAI_MAX_OUTPUT_TOKENS",
		"OPENAI_DIAL_ATTEMPTS",
		"OPENAI_VAD_THRESHOLD",
		"OPENAI_VAD_PREFIX_PADDING",
		"OPENAI_VAD_SILENCE_DURATION",
		"RELAY_INSTRUCTIONS",
		"RELAY_SETTLE_DELAY",
		"RELAY_ENABLE_TOOLS",
		"RELAY_ASSISTANT_SPEAKS_FIRST",
		"RELAY_OPENING_PROMPT",
		"RELAY_LOG_TIMING",
		"RELAY_TOOL_TIMEOUT",
		"TWILIO_ACCOUNT_SID",
		"TWILIO_AUTH_TOKEN",
		"TWILIO_PHONE_NUMBER",
		"TWILIO_VALIDATE_SIGNATURE",
		"TWILIO_SAY_LANGUAGE",
		"TWILIO_HOLD_MESSAGE",
		"TWILIO_DEFAULT_GREETING",
		"DATABASE_URL",
		"APPOINTMENTS_DIR",
		"RECORDINGS_DIR",
		"SUPABASE_URL",
		"SUPABASE_SERVICE_ROLE_KEY",
		"SUPABASE_BUCKET",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
