// Package realtime opens sockets to the OpenAI Realtime API and builds the
// session configuration sent on them.
package realtime

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/gorilla/websocket"
)

// AudioFormat is the narrowband telephony codec used in both directions.
const AudioFormat = "g711_ulaw"

type DialerConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// HandshakeTimeout bounds the websocket upgrade. Zero means 10s.
	HandshakeTimeout time.Duration
	// Attempts is how many times a transiently rejected handshake is tried.
	// Zero means 1.
	Attempts     int
	RetryBackoff time.Duration
}

// HandshakeError is a handshake the server answered with a non-101 status.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("dial realtime websocket: %v (status %d)", e.Err, e.Status)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

type Dialer struct {
	cfg    DialerConfig
	dialer *websocket.Dialer
}

func NewDialer(cfg DialerConfig) *Dialer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// URL is the socket endpoint including the model query parameter.
func (d *Dialer) URL() (string, error) {
	u, err := url.Parse(d.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if d.cfg.Model != "" {
		q.Set("model", d.cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a model socket. Handshakes rejected with a transient status are
// retried with capped exponential backoff.
func (d *Dialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := d.URL()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	for attempt := 0; ; attempt++ {
		conn, resp, err := d.dialer.DialContext(ctx, target, headers)
		if err == nil {
			return conn, nil
		}
		if resp == nil {
			return nil, fmt.Errorf("dial realtime websocket: %w", err)
		}
		herr := &HandshakeError{Status: resp.StatusCode, Err: err}
		if attempt+1 >= d.cfg.Attempts || !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, herr
		}

		wait := reliability.ExponentialBackoff(attempt, d.cfg.RetryBackoff, 4*time.Second)
		log.Printf("realtime: handshake rejected with %d, retrying in %s", resp.StatusCode, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, herr
		case <-timer.C:
		}
	}
}

type SessionOptions struct {
	Voice              string
	Instructions       string
	Temperature        float64
	MaxOutputTokens    int
	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilenceDuration time.Duration
	Tools              []protocol.Tool
}

// NewSessionConfig builds the one-time session.update payload. Tools, when
// present, are offered with automatic tool choice.
func NewSessionConfig(opts SessionOptions) protocol.SessionConfig {
	cfg := protocol.SessionConfig{
		TurnDetection: &protocol.TurnDetection{
			Type:              "server_vad",
			Threshold:         opts.VADThreshold,
			PrefixPaddingMS:   int(opts.VADPrefixPadding / time.Millisecond),
			SilenceDurationMS: int(opts.VADSilenceDuration / time.Millisecond),
		},
		InputAudioFormat:        AudioFormat,
		OutputAudioFormat:       AudioFormat,
		Voice:                   opts.Voice,
		Instructions:            opts.Instructions,
		Modalities:              []string{"text", "audio"},
		Temperature:             opts.Temperature,
		MaxResponseOutputTokens: opts.MaxOutputTokens,
	}
	if len(opts.Tools) > 0 {
		cfg.Tools = opts.Tools
		cfg.ToolChoice = "auto"
	}
	return cfg
}
