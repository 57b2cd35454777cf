// Command callsim plays the telephony side of a media stream against a running
// relay: it streams caller audio, acknowledges playback marks at the pace the
// audio would have played, and reports what the assistant sent back.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/protocol"
)

const frameMS = 20

type options struct {
	url       string
	wavPath   string
	outPath   string
	duration  time.Duration
	bargeInAt time.Duration
	verbose   bool
}

type inboundMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type inboundStart struct {
	StreamSID  string   `json:"streamSid"`
	CallSID    string   `json:"callSid"`
	AccountSID string   `json:"accountSid"`
	Tracks     []string `json:"tracks"`
}

type markBody struct {
	Name string `json:"name"`
}

type frame struct {
	Event          protocol.Event `json:"event"`
	SequenceNumber string         `json:"sequenceNumber,omitempty"`
	StreamSID      string         `json:"streamSid,omitempty"`
	Start          *inboundStart  `json:"start,omitempty"`
	Media          *inboundMedia  `json:"media,omitempty"`
	Mark           *markBody      `json:"mark,omitempty"`
}

type report struct {
	mediaFrames int
	marks       int
	acked       int
	clears      int
	firstAudio  time.Duration
	assistant   []byte
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	flag.StringVar(&cfg.url, "url", "ws://127.0.0.1:5050/media-stream", "media stream websocket URL")
	flag.StringVar(&cfg.wavPath, "wav", "", "caller audio (PCM16 WAV, any rate); silence when empty")
	flag.StringVar(&cfg.outPath, "out", "", "write assistant audio to this WAV file")
	flag.DurationVar(&cfg.duration, "duration", 20*time.Second, "how long to keep the call open")
	flag.DurationVar(&cfg.bargeInAt, "barge-in-at", 0, "replay the caller audio at this offset to interrupt the assistant")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print frame progress")
	flag.Parse()

	if cfg.url == "" {
		return options{}, fmt.Errorf("url is required")
	}
	if cfg.duration <= 0 {
		return options{}, fmt.Errorf("duration must be > 0")
	}
	return cfg, nil
}

func loadCallerAudio(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return audio.EncodeMulaw(audio.Resample(pcm, rate, audio.TelephonyRate)), nil
}

// caller owns the simulated telephony socket. Writes are serialized because
// mark acknowledgements fire from timers.
type caller struct {
	conn      *websocket.Conn
	streamSID string
	verbose   bool

	writeMu sync.Mutex
	seq     int

	mu       sync.Mutex
	playhead time.Time
	pending  []*time.Timer
	rep      report
}

func (c *caller) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	f.SequenceNumber = strconv.Itoa(c.seq)
	return c.conn.WriteJSON(f)
}

func startFrame(streamSID, callSID string) frame {
	return frame{
		Event:     protocol.EventStart,
		StreamSID: streamSID,
		Start:     &inboundStart{StreamSID: streamSID, CallSID: callSID, AccountSID: "ACsimulator", Tracks: []string{"inbound"}},
	}
}

func mediaFrame(streamSID string, chunk int, payload []byte) frame {
	return frame{
		Event:     protocol.EventMedia,
		StreamSID: streamSID,
		Media: &inboundMedia{
			Track:     "inbound",
			Chunk:     strconv.Itoa(chunk),
			Timestamp: strconv.Itoa((chunk - 1) * frameMS),
			Payload:   base64.StdEncoding.EncodeToString(payload),
		},
	}
}

// frames splits mu-law audio into 20ms frames, padding the tail with silence.
func frames(ulaw []byte) [][]byte {
	size := audio.TelephonyRate * frameMS / 1000
	var out [][]byte
	for off := 0; off < len(ulaw); off += size {
		f := make([]byte, size)
		n := copy(f, ulaw[off:])
		for i := n; i < size; i++ {
			f[i] = audio.MulawSilence
		}
		out = append(out, f)
	}
	return out
}

func run(cfg options) error {
	speech, err := loadCallerAudio(cfg.wavPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration+10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.url, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	c := &caller{conn: conn, streamSID: "MZ" + uuid.NewString()[:8], verbose: cfg.verbose}
	if err := c.send(frame{Event: protocol.EventConnected}); err != nil {
		return err
	}
	if err := c.send(startFrame(c.streamSID, "CA"+uuid.NewString()[:8])); err != nil {
		return err
	}
	if cfg.verbose {
		fmt.Printf("callsim: stream=%s url=%s\n", c.streamSID, cfg.url)
	}

	readDone := make(chan error, 1)
	go func() { readDone <- c.readLoop() }()

	speechFrames := frames(speech)
	silence := bytes.Repeat([]byte{audio.MulawSilence}, audio.TelephonyRate*frameMS/1000)

	started := time.Now()
	var spokeUntil time.Time
	bargeFrame := int(cfg.bargeInAt / (frameMS * time.Millisecond))
	ticker := time.NewTicker(frameMS * time.Millisecond)
	defer ticker.Stop()

	total := int(cfg.duration / (frameMS * time.Millisecond))
	for chunk := 1; chunk <= total; chunk++ {
		select {
		case err := <-readDone:
			return fmt.Errorf("relay closed the stream: %w", err)
		case <-ticker.C:
		}

		payload := silence
		idx := chunk - 1
		if bargeFrame > 0 && idx >= bargeFrame {
			idx -= bargeFrame
		}
		if idx < len(speechFrames) {
			payload = speechFrames[idx]
			spokeUntil = time.Now()
		}
		if err := c.send(mediaFrame(c.streamSID, chunk, payload)); err != nil {
			return fmt.Errorf("send media: %w", err)
		}
	}

	_ = c.send(frame{Event: protocol.EventStop, StreamSID: c.streamSID})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.stopTimers()

	c.mu.Lock()
	rep := c.rep
	c.mu.Unlock()
	fmt.Printf("callsim: %s elapsed, %d media frames, %d marks (%d acked), %d clears\n",
		time.Since(started).Round(time.Millisecond), rep.mediaFrames, rep.marks, rep.acked, rep.clears)
	if rep.firstAudio > 0 {
		fmt.Printf("callsim: first assistant audio %s after call start\n", rep.firstAudio.Round(time.Millisecond))
	}
	if !spokeUntil.IsZero() && cfg.verbose {
		fmt.Printf("callsim: caller audio ended at %s\n", spokeUntil.Sub(started).Round(time.Millisecond))
	}

	if cfg.outPath != "" && len(rep.assistant) > 0 {
		if err := audio.WriteWAVPCM16LEFile(cfg.outPath, audio.DecodeMulaw(rep.assistant), audio.TelephonyRate); err != nil {
			return fmt.Errorf("write %s: %w", cfg.outPath, err)
		}
		fmt.Printf("callsim: assistant audio written to %s\n", cfg.outPath)
	}
	return nil
}

func (c *caller) readLoop() error {
	began := time.Now()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg struct {
			Event protocol.Event `json:"event"`
			Media struct {
				Payload string `json:"payload"`
			} `json:"media"`
			Mark markBody `json:"mark"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case protocol.EventMedia:
			chunk, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			c.play(chunk, time.Since(began))
		case protocol.EventMark:
			c.scheduleAck(msg.Mark.Name)
		case protocol.EventClear:
			c.clear()
		}
	}
}

// play queues assistant audio behind whatever is still "playing".
func (c *caller) play(chunk []byte, sinceStart time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rep.mediaFrames == 0 {
		c.rep.firstAudio = sinceStart
	}
	c.rep.mediaFrames++
	c.rep.assistant = append(c.rep.assistant, chunk...)

	now := time.Now()
	if c.playhead.Before(now) {
		c.playhead = now
	}
	c.playhead = c.playhead.Add(time.Duration(len(chunk)) * time.Second / audio.TelephonyRate)
}

// scheduleAck echoes a mark once the audio queued before it has played.
func (c *caller) scheduleAck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rep.marks++
	delay := time.Until(c.playhead)
	t := time.AfterFunc(delay, func() {
		if err := c.send(frame{Event: protocol.EventMark, StreamSID: c.streamSID, Mark: &markBody{Name: name}}); err != nil {
			return
		}
		c.mu.Lock()
		c.rep.acked++
		c.mu.Unlock()
	})
	c.pending = append(c.pending, t)
}

// clear drops buffered playback; marks for that audio are never acknowledged.
func (c *caller) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rep.clears++
	for _, t := range c.pending {
		t.Stop()
	}
	c.pending = nil
	c.playhead = time.Now()
	if c.verbose {
		fmt.Println("callsim: playback cleared (barge-in)")
	}
}

func (c *caller) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.pending {
		t.Stop()
	}
	c.pending = nil
}
