package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/recording"
	"github.com/ent0n29/voicebridge/internal/relay"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/telephony"
)

// CallPlacer starts outbound calls.
type CallPlacer interface {
	PlaceCall(ctx context.Context, to, message, host string) (string, error)
}

// RecordingFetcher handles recording status callbacks.
type RecordingFetcher interface {
	Fetch(ctx context.Context, cb recording.Callback) (string, error)
}

type Deps struct {
	Calls      *session.Manager
	Dialer     relay.ModelDialer
	Relay      relay.Config
	Dispatcher *relay.Dispatcher
	// Placer is nil when Twilio credentials are absent.
	Placer     CallPlacer
	Recordings RecordingFetcher
	// RecordingsDir is served under /recordings/ when set.
	RecordingsDir string
	// Ready reports whether backing stores are reachable.
	Ready   func(ctx context.Context) error
	Metrics *observability.Metrics
}

type Server struct {
	cfg      config.Config
	deps     Deps
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Twilio does not send an Origin header.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"message": "Twilio Media Stream Server is running!"})
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		if s.cfg.TwilioValidateSignature {
			r.Use(telephony.RequireSignature(s.cfg.TwilioAuthToken, s.cfg.PublicBaseURL))
		}
		r.HandleFunc("/incoming-call", s.handleIncomingCall)
		r.HandleFunc("/recording-completed", s.handleRecordingCompleted)
	})
	r.Post("/make-call", s.handleMakeCall)
	r.Get("/media-stream", s.handleMediaStream)

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	if dir := strings.TrimSpace(s.deps.RecordingsDir); dir != "" {
		r.Handle("/recordings/*", http.StripPrefix("/recordings/", http.FileServer(http.Dir(dir))))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.deps.Calls.ActiveCount(),
		"telephony":    s.deps.Placer != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleMediaStream bridges one Twilio media stream to a fresh model socket
// for the lifetime of the websocket.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	call := s.deps.Calls.Create(cancel)
	s.metrics.CallStarted()
	log.Printf("call %s: media stream connected from %s", call.ID, r.RemoteAddr)

	rl := relay.New(call.ID, conn, s.deps.Dialer, s.deps.Relay, relay.Options{
		Dispatcher: s.deps.Dispatcher,
		Tracker:    s.deps.Calls,
		Metrics:    s.metrics,
	})

	reason := "completed"
	if err := rl.Run(ctx); err != nil {
		log.Printf("call %s: %v", call.ID, err)
		reason = "model_unavailable"
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "model unavailable"))
		_ = conn.Close()
	} else if ctx.Err() != nil && r.Context().Err() == nil {
		reason = "cancelled"
	}

	if _, err := s.deps.Calls.End(call.ID, reason); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("call %s: end: %v", call.ID, err)
	}
	s.metrics.CallEnded(reason)
	log.Printf("call %s: ended (%s)", call.ID, reason)
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.deps.Calls.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"active": s.deps.Calls.ActiveCount(),
		"calls":  calls,
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	call, err := s.deps.Calls.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "call_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, call)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
