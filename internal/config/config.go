package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultInstructions is the persona used when RELAY_INSTRUCTIONS is unset.
const DefaultInstructions = `Your main goal is to consistently lead users to schedule a meeting with a consultant. Always aim to persuade them to book a time, even in general replies. Speak with a São Paulo business district accent, specifically from the Faria Lima area.
 # Details
 - Position yourself as Carol from Estratégia Investimentos
 - You are conducting cold calls
 - The meeting should be scheduled for next week
 - When the customer agrees on a day and time, collect their name and email and call schedule_appointment
 # Tone and Speech
 - Speak at a fast pace to maintain engagement.
 - Use a persuasive and confident tone of voice paulista
 - Be emotionally engaging and friendly
 - Project enthusiasm and conviction in your voice`

const (
	defaultOpeningPrompt = "Inicie uma ligação como Carol da Estratégia Investimentos fazendo uma chamada a frio para agendar uma reunião com um consultor na próxima semana."
	defaultHoldMessage   = "Por favor, aguarde enquanto conectamos sua chamada com Carol da Estratégia Investimentos"
	defaultGreeting      = "Olá, aqui é a Carol da Estratégia Investimentos"
)

// Config contains all runtime settings for the media relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	PublicBaseURL    string

	AllowAnyOrigin bool

	OpenAIAPIKey          string
	OpenAIRealtimeURL     string
	OpenAIRealtimeModel   string
	OpenAIVoice           string
	OpenAITemperature     float64
	OpenAIMaxOutputTokens int
	OpenAIDialAttempts    int

	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilenceDuration time.Duration

	Instructions         string
	SettleDelay          time.Duration
	EnableTools          bool
	AssistantSpeaksFirst bool
	OpeningPrompt        string
	LogTiming            bool
	ToolTimeout          time.Duration

	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioPhoneNumber       string
	TwilioValidateSignature bool
	TwilioSayLanguage       string
	TwilioHoldMessage       string
	TwilioDefaultGreeting   string

	DatabaseURL     string
	AppointmentsDir string
	RecordingsDir   string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ""),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		PublicBaseURL:    strings.TrimRight(stringsTrimSpace("APP_PUBLIC_BASE_URL"), "/"),
		AllowAnyOrigin:   false,

		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIRealtimeURL:   envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIRealtimeModel: envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-mini-realtime-preview-2024-12-17"),
		OpenAIVoice:         envOrDefault("OPENAI_VOICE", "shimmer"),

		Instructions:  envOrDefault("RELAY_INSTRUCTIONS", DefaultInstructions),
		OpeningPrompt: envOrDefault("RELAY_OPENING_PROMPT", defaultOpeningPrompt),

		TwilioAccountSID:      stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:       stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber:     stringsTrimSpace("TWILIO_PHONE_NUMBER"),
		TwilioSayLanguage:     envOrDefault("TWILIO_SAY_LANGUAGE", "pt-BR"),
		TwilioHoldMessage:     envOrDefault("TWILIO_HOLD_MESSAGE", defaultHoldMessage),
		TwilioDefaultGreeting: envOrDefault("TWILIO_DEFAULT_GREETING", defaultGreeting),

		DatabaseURL:     stringsTrimSpace("DATABASE_URL"),
		AppointmentsDir: envOrDefault("APPOINTMENTS_DIR", "data/appointments"),
		RecordingsDir:   envOrDefault("RECORDINGS_DIR", "recordings"),

		SupabaseURL:    stringsTrimSpace("SUPABASE_URL"),
		SupabaseKey:    stringsTrimSpace("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket: envOrDefault("SUPABASE_BUCKET", "voice-recording"),

		ShutdownTimeout:       15 * time.Second,
		OpenAITemperature:     0.78,
		OpenAIMaxOutputTokens: 500,
		OpenAIDialAttempts:    2,
		VADThreshold:          0.43,
		VADPrefixPadding:      400 * time.Millisecond,
		VADSilenceDuration:    540 * time.Millisecond,
		SettleDelay:           100 * time.Millisecond,
		EnableTools:           true,
		ToolTimeout:           5 * time.Second,
	}
	if cfg.BindAddr == "" {
		// Hosting platforms hand out the port through PORT.
		if port := stringsTrimSpace("PORT"); port != "" {
			cfg.BindAddr = ":" + port
		} else {
			cfg.BindAddr = ":5050"
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAITemperature, err = floatFromEnv("OPENAI_TEMPERATURE", cfg.OpenAITemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIMaxOutputTokens, err = intFromEnv("OPENAI_MAX_OUTPUT_TOKENS", cfg.OpenAIMaxOutputTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIDialAttempts, err = intFromEnv("OPENAI_DIAL_ATTEMPTS", cfg.OpenAIDialAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("OPENAI_VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADPrefixPadding, err = durationFromEnv("OPENAI_VAD_PREFIX_PADDING", cfg.VADPrefixPadding)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceDuration, err = durationFromEnv("OPENAI_VAD_SILENCE_DURATION", cfg.VADSilenceDuration)
	if err != nil {
		return Config{}, err
	}

	cfg.SettleDelay, err = durationFromEnv("RELAY_SETTLE_DELAY", cfg.SettleDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.EnableTools, err = boolFromEnv("RELAY_ENABLE_TOOLS", cfg.EnableTools)
	if err != nil {
		return Config{}, err
	}
	cfg.AssistantSpeaksFirst, err = boolFromEnv("RELAY_ASSISTANT_SPEAKS_FIRST", cfg.AssistantSpeaksFirst)
	if err != nil {
		return Config{}, err
	}
	cfg.LogTiming, err = boolFromEnv("RELAY_LOG_TIMING", cfg.LogTiming)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolTimeout, err = durationFromEnv("RELAY_TOOL_TIMEOUT", cfg.ToolTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TwilioValidateSignature, err = boolFromEnv("TWILIO_VALIDATE_SIGNATURE", cfg.TwilioValidateSignature)
	if err != nil {
		return Config{}, err
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.OpenAITemperature < 0.6 || cfg.OpenAITemperature > 1.2 {
		return Config{}, fmt.Errorf("OPENAI_TEMPERATURE must be between 0.6 and 1.2")
	}
	if cfg.OpenAIMaxOutputTokens <= 0 {
		return Config{}, fmt.Errorf("OPENAI_MAX_OUTPUT_TOKENS must be positive")
	}
	if cfg.OpenAIDialAttempts <= 0 {
		return Config{}, fmt.Errorf("OPENAI_DIAL_ATTEMPTS must be positive")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("OPENAI_VAD_THRESHOLD must be between 0 and 1")
	}
	if cfg.VADPrefixPadding < 0 || cfg.VADSilenceDuration < 0 {
		return Config{}, fmt.Errorf("OPENAI_VAD durations must be >= 0")
	}
	if cfg.SettleDelay < 0 {
		return Config{}, fmt.Errorf("RELAY_SETTLE_DELAY must be >= 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_TOOL_TIMEOUT must be positive")
	}
	if cfg.TwilioValidateSignature && cfg.TwilioAuthToken == "" {
		return Config{}, fmt.Errorf("TWILIO_VALIDATE_SIGNATURE requires TWILIO_AUTH_TOKEN")
	}
	if (cfg.SupabaseURL == "") != (cfg.SupabaseKey == "") {
		return Config{}, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY must be set together")
	}

	return cfg, nil
}

// TwilioConfigured reports whether outbound calls and recording downloads can
// authenticate against the provider.
func (c Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
