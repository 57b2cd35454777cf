// Package relay pairs one telephony media stream with one realtime model
// socket and keeps assistant playback consistent with what the caller heard.
package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

// loggedEvents are the model events worth a log line on every occurrence.
var loggedEvents = map[protocol.ServerEventType]bool{
	protocol.TypeError:             true,
	"response.content.done":        true,
	"rate_limits.updated":          true,
	protocol.TypeResponseDone:      true,
	"input_audio_buffer.committed": true,
	protocol.TypeSpeechStopped:     true,
	protocol.TypeSpeechStarted:     true,
	protocol.TypeSessionCreated:    true,
}

type Config struct {
	Session     protocol.SessionConfig
	SettleDelay time.Duration
	// OpeningPrompt, when set, makes the assistant speak first.
	OpeningPrompt string
	EnableTools   bool
	LogTiming     bool
}

// Tracker receives call lifecycle notifications.
type Tracker interface {
	AttachStream(callID, streamSID, callSID string) error
	RecordInterruption(callID string) error
	RecordAppointment(callID string) error
}

type Options struct {
	Dispatcher *Dispatcher
	Tracker    Tracker
	Metrics    *observability.Metrics
}

// Relay owns both sockets of one call. Create one per accepted media stream
// and call Run once.
type Relay struct {
	id      string
	cfg     Config
	caller  *socket
	dialer  ModelDialer
	tools   *Dispatcher
	tracker Tracker
	metrics *observability.Metrics

	mu              sync.Mutex
	state           callState
	model           *socket
	modelOpen       bool
	closed          bool
	speechStoppedAt time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

func New(id string, caller Conn, dialer ModelDialer, cfg Config, opts Options) *Relay {
	return &Relay{
		id:      id,
		cfg:     cfg,
		caller:  newSocket(caller),
		dialer:  dialer,
		tools:   opts.Dispatcher,
		tracker: opts.Tracker,
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
}

// Run dials the model and pumps frames until the caller socket closes or ctx
// is cancelled. Both sockets are closed when it returns. A dial failure is
// returned without touching the caller socket.
func (r *Relay) Run(ctx context.Context) error {
	dialStarted := time.Now()
	conn, err := r.dialer.Dial(ctx)
	if err != nil {
		r.metrics.ProviderError("openai", "dial")
		return fmt.Errorf("dial model: %w", err)
	}
	r.metrics.ObserveStage("model_dial", time.Since(dialStarted))

	model := newSocket(conn)
	r.mu.Lock()
	r.model = model
	r.modelOpen = true
	r.mu.Unlock()
	log.Printf("relay %s: model socket open", r.id)

	stop := context.AfterFunc(ctx, func() {
		r.caller.close()
		model.close()
	})
	defer stop()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.configureSession()
	}()

	modelDone := make(chan struct{})
	go func() {
		defer close(modelDone)
		r.pumpModel(ctx)
	}()

	r.pumpCaller()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	close(r.done)
	model.close()
	r.caller.close()
	<-modelDone
	r.wg.Wait()
	log.Printf("relay %s: closed", r.id)
	return nil
}

func (r *Relay) configureSession() {
	timer := time.NewTimer(r.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-r.done:
		return
	case <-timer.C:
	}

	if err := r.sendModel(protocol.NewSessionUpdate(r.cfg.Session)); err != nil {
		log.Printf("relay %s: send session update: %v", r.id, err)
		return
	}
	log.Printf("relay %s: session configured (voice=%s tools=%d)", r.id, r.cfg.Session.Voice, len(r.cfg.Session.Tools))

	if r.cfg.OpeningPrompt == "" {
		return
	}
	if err := r.sendModel(protocol.NewUserText(r.cfg.OpeningPrompt)); err != nil {
		log.Printf("relay %s: send opening prompt: %v", r.id, err)
		return
	}
	if err := r.sendModel(protocol.NewResponseCreate()); err != nil {
		log.Printf("relay %s: request opening response: %v", r.id, err)
	}
}

func (r *Relay) sendModel(ev protocol.ClientEvent) error {
	r.mu.Lock()
	open := r.modelOpen && !r.closed
	model := r.model
	r.mu.Unlock()
	if !open {
		return ErrModelClosed
	}
	if err := model.writeJSON(ev); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	r.metrics.Message("to_model", ev.EventName())
	return nil
}

func (r *Relay) sendCaller(frame protocol.OutboundFrame) error {
	if err := r.caller.writeJSON(frame); err != nil {
		return fmt.Errorf("write caller: %w", err)
	}
	r.metrics.Message("to_caller", frame.EventName())
	return nil
}

func (r *Relay) pumpCaller() {
	for {
		_, raw, err := r.caller.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				log.Printf("relay %s: caller read: %v", r.id, err)
			}
			return
		}
		frame, err := protocol.ParseMediaStreamFrame(raw)
		if err != nil {
			log.Printf("relay %s: dropping caller frame: %v", r.id, err)
			r.metrics.MalformedFrame("caller")
			continue
		}
		r.handleCallerFrame(frame)
	}
}

func (r *Relay) handleCallerFrame(frame protocol.InboundFrame) {
	switch f := frame.(type) {
	case protocol.StartFrame:
		r.mu.Lock()
		r.state.startStream(f.StreamSID)
		r.mu.Unlock()
		r.metrics.Message("from_caller", string(protocol.EventStart))
		log.Printf("relay %s: stream %s started (call %s)", r.id, f.StreamSID, f.CallSID)
		if r.tracker != nil {
			if err := r.tracker.AttachStream(r.id, f.StreamSID, f.CallSID); err != nil {
				log.Printf("relay %s: track stream: %v", r.id, err)
			}
		}
	case protocol.MediaFrame:
		r.mu.Lock()
		r.state.observeMedia(f.Timestamp)
		open := r.modelOpen && !r.closed
		r.mu.Unlock()
		r.metrics.Message("from_caller", string(protocol.EventMedia))
		if r.cfg.LogTiming {
			log.Printf("relay %s: media timestamp %dms", r.id, f.Timestamp)
		}
		if !open {
			return
		}
		if err := r.sendModel(protocol.NewInputAudioAppend(f.Payload)); err != nil {
			log.Printf("relay %s: forward caller audio: %v", r.id, err)
		}
	case protocol.MarkFrame:
		r.mu.Lock()
		r.state.ackMark()
		r.mu.Unlock()
		r.metrics.Message("from_caller", string(protocol.EventMark))
	case protocol.StopFrame:
		r.mu.Lock()
		r.state.stopStream()
		r.mu.Unlock()
		r.metrics.Message("from_caller", string(protocol.EventStop))
		log.Printf("relay %s: stream %s stopped", r.id, f.StreamSID)
	case protocol.OtherFrame:
		log.Printf("relay %s: ignoring caller event %q", r.id, f.Event)
	}
}

func (r *Relay) pumpModel(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.modelOpen = false
		r.mu.Unlock()
	}()
	for {
		_, raw, err := r.model.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			closing := r.closed
			r.mu.Unlock()
			if closing || isExpectedClose(err) {
				log.Printf("relay %s: model socket closed", r.id)
			} else {
				log.Printf("relay %s: model read: %v", r.id, err)
				r.metrics.ProviderError("openai", "socket")
			}
			return
		}
		ev, err := protocol.ParseServerEvent(raw)
		if err != nil {
			log.Printf("relay %s: dropping model frame: %v", r.id, err)
			r.metrics.MalformedFrame("model")
			continue
		}
		r.handleModelEvent(ctx, ev)
	}
}

func (r *Relay) handleModelEvent(ctx context.Context, ev protocol.ServerEvent) {
	if loggedEvents[ev.EventType()] {
		log.Printf("relay %s: model event %s", r.id, ev.EventType())
	}
	r.metrics.Message("from_model", string(ev.EventType()))

	switch e := ev.(type) {
	case protocol.SessionCreated:
		log.Printf("relay %s: model session %s (%s)", r.id, e.SessionID, e.Model)
	case protocol.AudioDelta:
		r.forwardAudio(e)
	case protocol.SpeechStarted:
		r.handleSpeechStarted()
	case protocol.ResponseDone:
		r.handleResponseDone(ctx, e)
	case protocol.ServerError:
		severity := "permanent"
		if reliability.IsRetryableModelError(e.Kind, e.Code) {
			severity = "transient"
		}
		log.Printf("relay %s: %s model error %s/%s: %s", r.id, severity, e.Kind, e.Code, e.Message)
		code := e.Code
		if code == "" {
			code = e.Kind
		}
		r.metrics.ProviderError("openai", code)
	case protocol.OtherEvent:
		if e.Type == protocol.TypeSpeechStopped {
			r.mu.Lock()
			r.speechStoppedAt = time.Now()
			r.mu.Unlock()
		}
	}
}

func (r *Relay) forwardAudio(e protocol.AudioDelta) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	first := !r.state.responseStarted
	streamSID, ok := r.state.beginAudio(e.ItemID)
	responseStart := r.state.responseStart
	var turnLatency time.Duration
	if ok && first && !r.speechStoppedAt.IsZero() {
		turnLatency = time.Since(r.speechStoppedAt)
		r.speechStoppedAt = time.Time{}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if first && r.cfg.LogTiming {
		log.Printf("relay %s: response start at %dms", r.id, responseStart)
	}
	if turnLatency > 0 {
		r.metrics.ObserveStage("speech_stop_to_first_audio", turnLatency)
	}
	if err := r.sendCaller(protocol.NewMedia(streamSID, e.Delta)); err != nil {
		log.Printf("relay %s: forward assistant audio: %v", r.id, err)
		return
	}
	if err := r.sendCaller(protocol.NewMark(streamSID, markName)); err != nil {
		log.Printf("relay %s: send mark: %v", r.id, err)
	}
}

func (r *Relay) handleSpeechStarted() {
	r.mu.Lock()
	latest := r.state.latestMediaTimestamp
	in, ok := r.state.interrupt()
	r.speechStoppedAt = time.Time{}
	r.mu.Unlock()
	if !ok {
		return
	}

	if r.cfg.LogTiming {
		log.Printf("relay %s: truncating at %dms (latest %dms)", r.id, in.AudioEndMS, latest)
	}
	if in.ItemID != "" {
		if err := r.sendModel(protocol.NewItemTruncate(in.ItemID, in.AudioEndMS)); err != nil {
			log.Printf("relay %s: send truncate: %v", r.id, err)
		}
	}
	if in.StreamSID != "" {
		if err := r.sendCaller(protocol.NewClear(in.StreamSID)); err != nil {
			log.Printf("relay %s: send clear: %v", r.id, err)
		}
	}
	r.metrics.Interruption(in.AudioEndMS)
	if r.tracker != nil {
		if err := r.tracker.RecordInterruption(r.id); err != nil {
			log.Printf("relay %s: track interruption: %v", r.id, err)
		}
	}
}

func (r *Relay) handleResponseDone(ctx context.Context, e protocol.ResponseDone) {
	if !r.cfg.EnableTools || r.tools == nil {
		return
	}
	calls := appointmentCalls(e.Output)
	if len(calls) == 0 {
		return
	}

	r.mu.Lock()
	streamSID := r.state.streamSID
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		booked := r.tools.Handle(ctx, r.id, streamSID, calls, r.sendModel)
		if r.tracker == nil {
			return
		}
		for i := 0; i < booked; i++ {
			if err := r.tracker.RecordAppointment(r.id); err != nil {
				log.Printf("relay %s: track appointment: %v", r.id, err)
			}
		}
	}()
}
