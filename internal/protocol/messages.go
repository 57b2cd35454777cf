// Package protocol defines the frames exchanged on the two sockets of a call:
// the telephony media stream and the realtime model stream.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Event identifies media stream frame variants.
type Event string

const (
	EventConnected Event = "connected"
	EventStart     Event = "start"
	EventMedia     Event = "media"
	EventMark      Event = "mark"
	EventStop      Event = "stop"
	EventClear     Event = "clear"
)

var ErrInvalidFrame = errors.New("invalid frame")

// Millis is a millisecond count that decodes from either a JSON number or a
// numeric string. The media stream sends its counters as strings.
type Millis int64

func (m *Millis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
		if len(b) == 0 {
			*m = 0
			return nil
		}
	}
	if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		*m = Millis(n)
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("millis %q: %w", b, err)
	}
	*m = Millis(f)
	return nil
}

// InboundFrame is a frame received from the telephony side. The set of
// implementations is closed.
type InboundFrame interface {
	inboundFrame()
}

type StartFrame struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	CustomParameters map[string]string
}

type MediaFrame struct {
	StreamSID string
	Track     string
	Chunk     int64
	Timestamp int64
	Payload   string
}

type MarkFrame struct {
	StreamSID string
	Name      string
}

type StopFrame struct {
	StreamSID string
	CallSID   string
}

// OtherFrame carries any event the relay does not act on.
type OtherFrame struct {
	Event Event
}

func (StartFrame) inboundFrame() {}
func (MediaFrame) inboundFrame() {}
func (MarkFrame) inboundFrame()  {}
func (StopFrame) inboundFrame()  {}
func (OtherFrame) inboundFrame() {}

type inboundEnvelope struct {
	Event     Event  `json:"event"`
	StreamSID string `json:"streamSid"`
	Start     *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		AccountSID       string            `json:"accountSid"`
		Tracks           []string          `json:"tracks"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Track     string `json:"track"`
		Chunk     Millis `json:"chunk"`
		Timestamp Millis `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
	Stop *struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`
}

// ParseMediaStreamFrame decodes one telephony frame. Unknown events come back
// as OtherFrame; only undecodable or incomplete frames are errors.
func ParseMediaStreamFrame(raw []byte) (InboundFrame, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	switch env.Event {
	case EventStart:
		if env.Start == nil {
			return nil, fmt.Errorf("%w: start without body", ErrInvalidFrame)
		}
		sid := env.Start.StreamSID
		if sid == "" {
			sid = env.StreamSID
		}
		if sid == "" {
			return nil, fmt.Errorf("%w: start without streamSid", ErrInvalidFrame)
		}
		return StartFrame{
			StreamSID:        sid,
			CallSID:          env.Start.CallSID,
			AccountSID:       env.Start.AccountSID,
			Tracks:           env.Start.Tracks,
			CustomParameters: env.Start.CustomParameters,
		}, nil
	case EventMedia:
		if env.Media == nil {
			return nil, fmt.Errorf("%w: media without body", ErrInvalidFrame)
		}
		return MediaFrame{
			StreamSID: env.StreamSID,
			Track:     env.Media.Track,
			Chunk:     int64(env.Media.Chunk),
			Timestamp: int64(env.Media.Timestamp),
			Payload:   env.Media.Payload,
		}, nil
	case EventMark:
		f := MarkFrame{StreamSID: env.StreamSID}
		if env.Mark != nil {
			f.Name = env.Mark.Name
		}
		return f, nil
	case EventStop:
		f := StopFrame{StreamSID: env.StreamSID}
		if env.Stop != nil {
			f.CallSID = env.Stop.CallSID
		}
		return f, nil
	case "":
		return nil, fmt.Errorf("%w: missing event", ErrInvalidFrame)
	default:
		return OtherFrame{Event: env.Event}, nil
	}
}

type MediaPayload struct {
	Payload string `json:"payload"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// OutboundMedia plays base64 audio to the caller.
type OutboundMedia struct {
	Event     Event        `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

// OutboundMark asks the telephony side to echo a mark once the audio sent
// before it has been played.
type OutboundMark struct {
	Event     Event       `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

// OutboundClear drops any audio buffered for playback.
type OutboundClear struct {
	Event     Event  `json:"event"`
	StreamSID string `json:"streamSid"`
}

// OutboundFrame is a frame sent to the telephony side.
type OutboundFrame interface {
	EventName() string
	outboundFrame()
}

func (f OutboundMedia) EventName() string { return string(f.Event) }
func (f OutboundMark) EventName() string  { return string(f.Event) }
func (f OutboundClear) EventName() string { return string(f.Event) }

func (OutboundMedia) outboundFrame() {}
func (OutboundMark) outboundFrame()  {}
func (OutboundClear) outboundFrame() {}

func NewMedia(streamSID, payload string) OutboundMedia {
	return OutboundMedia{Event: EventMedia, StreamSID: streamSID, Media: MediaPayload{Payload: payload}}
}

func NewMark(streamSID, name string) OutboundMark {
	return OutboundMark{Event: EventMark, StreamSID: streamSID, Mark: MarkPayload{Name: name}}
}

func NewClear(streamSID string) OutboundClear {
	return OutboundClear{Event: EventClear, StreamSID: streamSID}
}
