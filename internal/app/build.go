package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ent0n29/voicebridge/internal/appointment"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/httpapi"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/recording"
	"github.com/ent0n29/voicebridge/internal/relay"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/telephony"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Calls        *session.Manager
	Appointments appointment.Store
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown, after calls have drained, to
	// release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := appointment.NewStore(ctx, cfg.DatabaseURL, cfg.AppointmentsDir)
	if err != nil {
		return nil, fmt.Errorf("appointment store init failed: %w", err)
	}
	log.Printf("appointment store: %s", storeMode(store))

	recordings, err := recording.NewStorage(cfg.RecordingsDir, cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("recording storage init failed: %w", err)
	}

	calls := session.NewManager(0)

	deps := httpapi.Deps{
		Calls:      calls,
		Dialer:     modelDialer(cfg),
		Relay:      relayConfig(cfg),
		Dispatcher: relay.NewDispatcher(store, cfg.ToolTimeout, metrics),
		Metrics:    metrics,
	}
	if local, ok := recordings.(*recording.LocalStorage); ok {
		deps.RecordingsDir = local.Dir()
		log.Printf("recordings: local directory %s", local.Dir())
	} else {
		log.Printf("recordings: supabase bucket %s", cfg.SupabaseBucket)
	}
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		deps.Ready = pinger.Ping
	}

	if cfg.TwilioConfigured() {
		deps.Placer = telephony.NewCaller(telephony.Config{
			AccountSID:      cfg.TwilioAccountSID,
			AuthToken:       cfg.TwilioAuthToken,
			From:            cfg.TwilioPhoneNumber,
			SayLanguage:     cfg.TwilioSayLanguage,
			HoldMessage:     cfg.TwilioHoldMessage,
			DefaultGreeting: cfg.TwilioDefaultGreeting,
		}, metrics)
		deps.Recordings = recording.NewFetcher(cfg.TwilioAccountSID, cfg.TwilioAuthToken, recordings, metrics)
	} else {
		log.Printf("twilio credentials not set: /make-call and recording downloads disabled")
	}

	api := httpapi.New(cfg, deps)

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Calls:        calls,
		Appointments: store,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

func storeMode(store appointment.Store) string {
	switch store.(type) {
	case *appointment.PostgresStore:
		return "postgres"
	case *appointment.FileStore:
		return "file"
	default:
		return "in-memory"
	}
}
