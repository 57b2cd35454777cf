package protocol

import (
	"encoding/json"
	"fmt"
)

// ServerEventType identifies realtime model events.
type ServerEventType string

const (
	TypeSessionCreated      ServerEventType = "session.created"
	TypeSessionUpdated      ServerEventType = "session.updated"
	TypeResponseAudioDelta  ServerEventType = "response.audio.delta"
	TypeResponseOutputAudio ServerEventType = "response.output_audio.delta"
	TypeSpeechStarted       ServerEventType = "input_audio_buffer.speech_started"
	TypeSpeechStopped       ServerEventType = "input_audio_buffer.speech_stopped"
	TypeResponseDone        ServerEventType = "response.done"
	TypeError               ServerEventType = "error"
)

// ServerEvent is a message received from the model. The set of
// implementations is closed.
type ServerEvent interface {
	EventType() ServerEventType
	serverEvent()
}

type SessionCreated struct {
	SessionID string
	Model     string
}

type AudioDelta struct {
	ResponseID string
	ItemID     string
	Delta      string
}

type SpeechStarted struct {
	ItemID       string
	AudioStartMS int64
}

type ResponseDone struct {
	ResponseID string
	Status     string
	Output     []OutputItem
}

// OutputItem is one entry of a completed response. Function calls carry Name,
// CallID and the raw JSON Arguments string.
type OutputItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type ServerError struct {
	Kind    string
	Code    string
	Message string
	Param   string
}

// OtherEvent is any server event the relay does not branch on.
type OtherEvent struct {
	Type ServerEventType
}

func (SessionCreated) EventType() ServerEventType { return TypeSessionCreated }
func (AudioDelta) EventType() ServerEventType     { return TypeResponseAudioDelta }
func (SpeechStarted) EventType() ServerEventType  { return TypeSpeechStarted }
func (ResponseDone) EventType() ServerEventType   { return TypeResponseDone }
func (ServerError) EventType() ServerEventType    { return TypeError }
func (o OtherEvent) EventType() ServerEventType   { return o.Type }

func (SessionCreated) serverEvent() {}
func (AudioDelta) serverEvent()     {}
func (SpeechStarted) serverEvent()  {}
func (ResponseDone) serverEvent()   {}
func (ServerError) serverEvent()    {}
func (OtherEvent) serverEvent()     {}

type serverEnvelope struct {
	Type    ServerEventType `json:"type"`
	ItemID  string          `json:"item_id"`
	Delta   string          `json:"delta"`
	RespID  string          `json:"response_id"`
	StartMS int64           `json:"audio_start_ms"`
	Session *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"session"`
	Response *struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Output []OutputItem `json:"output"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

// ParseServerEvent decodes one model message.
func ParseServerEvent(raw []byte) (ServerEvent, error) {
	var env serverEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	switch env.Type {
	case TypeSessionCreated:
		ev := SessionCreated{}
		if env.Session != nil {
			ev.SessionID = env.Session.ID
			ev.Model = env.Session.Model
		}
		return ev, nil
	case TypeResponseAudioDelta, TypeResponseOutputAudio:
		if env.Delta == "" {
			return nil, fmt.Errorf("%w: audio delta without payload", ErrInvalidFrame)
		}
		return AudioDelta{ResponseID: env.RespID, ItemID: env.ItemID, Delta: env.Delta}, nil
	case TypeSpeechStarted:
		return SpeechStarted{ItemID: env.ItemID, AudioStartMS: env.StartMS}, nil
	case TypeResponseDone:
		ev := ResponseDone{}
		if env.Response != nil {
			ev.ResponseID = env.Response.ID
			ev.Status = env.Response.Status
			ev.Output = env.Response.Output
		}
		return ev, nil
	case TypeError:
		ev := ServerError{}
		if env.Error != nil {
			ev.Kind = env.Error.Type
			ev.Code = env.Error.Code
			ev.Message = env.Error.Message
			ev.Param = env.Error.Param
		}
		return ev, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	default:
		return OtherEvent{Type: env.Type}, nil
	}
}

// ClientEvent is a message sent to the model. The set of implementations is
// closed.
type ClientEvent interface {
	EventName() string
	clientEvent()
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type SessionConfig struct {
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	Voice                   string         `json:"voice"`
	Instructions            string         `json:"instructions"`
	Modalities              []string       `json:"modalities"`
	Temperature             float64        `json:"temperature"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type ItemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

type ItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ResponseCreate struct {
	Type string `json:"type"`
}

func (e SessionUpdate) EventName() string    { return e.Type }
func (e InputAudioAppend) EventName() string { return e.Type }
func (e ItemTruncate) EventName() string     { return e.Type }
func (e ItemCreate) EventName() string       { return e.Type }
func (e ResponseCreate) EventName() string   { return e.Type }

func (SessionUpdate) clientEvent()    {}
func (InputAudioAppend) clientEvent() {}
func (ItemTruncate) clientEvent()     {}
func (ItemCreate) clientEvent()       {}
func (ResponseCreate) clientEvent()   {}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: "session.update", Session: cfg}
}

func NewInputAudioAppend(audio string) InputAudioAppend {
	return InputAudioAppend{Type: "input_audio_buffer.append", Audio: audio}
}

func NewItemTruncate(itemID string, audioEndMS int64) ItemTruncate {
	return ItemTruncate{Type: "conversation.item.truncate", ItemID: itemID, ContentIndex: 0, AudioEndMS: audioEndMS}
}

func NewFunctionCallOutput(callID, output string) ItemCreate {
	return ItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{Type: "function_call_output", CallID: callID, Output: output},
	}
}

func NewUserText(text string) ItemCreate {
	return ItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: "response.create"}
}
