// Package telephony adapts Twilio for the relay: placing outbound calls, the
// TwiML documents that point calls at the media stream endpoint, and webhook
// signature validation.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/policy"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

const (
	MediaStreamPath       = "/media-stream"
	RecordingCallbackPath = "/recording-completed"

	recordingNotice = "Esta chamada está sendo gravada. "
)

type Config struct {
	AccountSID      string
	AuthToken       string
	From            string
	SayLanguage     string
	HoldMessage     string
	DefaultGreeting string
}

// CallCreator is the slice of the Twilio REST API used to place calls.
type CallCreator interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
}

type Caller struct {
	cfg     Config
	api     CallCreator
	metrics *observability.Metrics
}

func NewCaller(cfg Config, metrics *observability.Metrics) *Caller {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewCallerWithAPI(cfg, client.Api, metrics)
}

func NewCallerWithAPI(cfg Config, api CallCreator, metrics *observability.Metrics) *Caller {
	return &Caller{cfg: cfg, api: api, metrics: metrics}
}

// PlaceCall dials `to` with recording enabled. The call speaks the recording
// notice plus message (or the default greeting) and then connects its audio to
// the media stream endpoint on host. It returns the Twilio call SID.
func (c *Caller) PlaceCall(ctx context.Context, to, message, host string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", errors.New("destination number is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	greeting := strings.TrimSpace(message)
	if greeting == "" {
		greeting = c.cfg.DefaultGreeting
	}
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: recordingNotice + greeting, Language: c.cfg.SayLanguage},
		connectStream(host),
	})
	if err != nil {
		return "", fmt.Errorf("build call twiml: %w", err)
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.cfg.From)
	params.SetTwiml(doc)
	params.SetRecord(true)
	params.SetRecordingStatusCallback(RecordingCallbackURL(host))
	params.SetRecordingStatusCallbackEvent([]string{"completed"})

	call, err := c.api.CreateCall(params)
	if err != nil {
		c.metrics.OutboundCall("failed")
		return "", fmt.Errorf("create call: %w", err)
	}
	c.metrics.OutboundCall("placed")

	sid := ""
	if call != nil && call.Sid != nil {
		sid = *call.Sid
	}
	log.Printf("telephony: placed call %s to %s", sid, policy.Redact(to))
	return sid, nil
}

// IncomingCallTwiML answers an inbound call: hold message, one second pause,
// then the media stream.
func IncomingCallTwiML(cfg Config, host string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: cfg.HoldMessage, Language: cfg.SayLanguage},
		&twiml.VoicePause{Length: "1"},
		connectStream(host),
	})
}

func connectStream(host string) *twiml.VoiceConnect {
	return &twiml.VoiceConnect{
		InnerElements: []twiml.Element{&twiml.VoiceStream{Url: MediaStreamURL(host)}},
	}
}

func MediaStreamURL(host string) string {
	return "wss://" + host + MediaStreamPath
}

func RecordingCallbackURL(host string) string {
	return "https://" + host + RecordingCallbackPath
}

// ExternalHost is the host Twilio should use to reach this server: the
// configured public base URL when set, then X-Forwarded-Host, then Host.
func ExternalHost(r *http.Request, publicBaseURL string) string {
	if base := strings.TrimSpace(publicBaseURL); base != "" {
		if u, err := url.Parse(base); err == nil && u.Host != "" {
			return u.Host
		}
		return strings.TrimSuffix(base, "/")
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(host)
	}
	return r.Host
}
