package app

import (
	"context"

	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/realtime"
	"github.com/ent0n29/voicebridge/internal/relay"
)

// relayConfig derives the per-call relay settings from the process config.
func relayConfig(cfg config.Config) relay.Config {
	opts := realtime.SessionOptions{
		Voice:              cfg.OpenAIVoice,
		Instructions:       cfg.Instructions,
		Temperature:        cfg.OpenAITemperature,
		MaxOutputTokens:    cfg.OpenAIMaxOutputTokens,
		VADThreshold:       cfg.VADThreshold,
		VADPrefixPadding:   cfg.VADPrefixPadding,
		VADSilenceDuration: cfg.VADSilenceDuration,
	}
	if cfg.EnableTools {
		opts.Tools = append(opts.Tools, relay.AppointmentTool())
	}

	out := relay.Config{
		Session:     realtime.NewSessionConfig(opts),
		SettleDelay: cfg.SettleDelay,
		EnableTools: cfg.EnableTools,
		LogTiming:   cfg.LogTiming,
	}
	if cfg.AssistantSpeaksFirst {
		out.OpeningPrompt = cfg.OpeningPrompt
	}
	return out
}

func modelDialer(cfg config.Config) relay.ModelDialer {
	d := realtime.NewDialer(realtime.DialerConfig{
		APIKey:   cfg.OpenAIAPIKey,
		BaseURL:  cfg.OpenAIRealtimeURL,
		Model:    cfg.OpenAIRealtimeModel,
		Attempts: cfg.OpenAIDialAttempts,
	})
	return relay.DialerFunc(func(ctx context.Context) (relay.Conn, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}
