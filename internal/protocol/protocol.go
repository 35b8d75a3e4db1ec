package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind names an event exchanged between participants and the server.
type Kind string

// Membership
const (
	KindJoin         Kind = "join"
	KindJoined       Kind = "joined"
	KindDisconnected Kind = "disconnected"
	KindLeave        Kind = "leave"
)

// Document and metadata sync
const (
	KindCodeChange      Kind = "code-change"
	KindSyncCode        Kind = "sync-code"
	KindSyncCodeRequest Kind = "sync-code-request"
	KindLanguageChange  Kind = "language-change"
	KindInputChange     Kind = "input-change"
)

// Execution
const (
	KindRunStart  Kind = "run-start"
	KindRunInput  Kind = "run-input"
	KindRunStop   Kind = "run-stop"
	KindRunOutput Kind = "run-output"
)

// Chat and AI assistant
const (
	KindChatMessage      Kind = "chat-message"
	KindChatHistory      Kind = "chat-history"
	KindAIMessage        Kind = "ai-message"
	KindAIHistoryRequest Kind = "ai-history-request"
	KindAIHistorySync    Kind = "ai-history-sync"
	KindAIDocRequest     Kind = "ai-doc-request"
	KindAIDocResult      Kind = "ai-doc-result"
)

// Watch-together video
const (
	KindVideoJoin        Kind = "video-join"
	KindVideoPlay        Kind = "video-play"
	KindVideoPause       Kind = "video-pause"
	KindVideoSeek        Kind = "video-seek"
	KindVideoChange      Kind = "video-change"
	KindVideoStateSync   Kind = "video-state-sync"
	KindVideoSyncRequest Kind = "video-sync-request"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object, carry
	// fields of the wrong type, or lack a room identifier.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownKind is returned for well-formed frames whose type is not in
	// the catalog. Callers ignore these.
	ErrUnknownKind = errors.New("unknown event kind")
)

// Event is an inbound, room-scoped participant action.
type Event interface {
	Kind() Kind
	Room() string
}

// Target carries the room identifier shared by every inbound event.
type Target struct {
	RoomID string `json:"roomId"`
}

func (t Target) Room() string { return t.RoomID }

type Join struct {
	Target
	Username string `json:"username"`
}

func (*Join) Kind() Kind { return KindJoin }

type Leave struct {
	Target
}

func (*Leave) Kind() Kind { return KindLeave }

type CodeChange struct {
	Target
	Code string `json:"code"`
}

func (*CodeChange) Kind() Kind { return KindCodeChange }

type SyncCodeRequest struct {
	Target
}

func (*SyncCodeRequest) Kind() Kind { return KindSyncCodeRequest }

type LanguageChange struct {
	Target
	Language string `json:"language"`
}

func (*LanguageChange) Kind() Kind { return KindLanguageChange }

type InputChange struct {
	Target
	Input string `json:"input"`
}

func (*InputChange) Kind() Kind { return KindInputChange }

type RunStart struct {
	Target
	Code     string `json:"code"`
	Language string `json:"language"`
	Input    string `json:"input"`
}

func (*RunStart) Kind() Kind { return KindRunStart }

type RunInput struct {
	Target
	Input string `json:"input"`
}

func (*RunInput) Kind() Kind { return KindRunInput }

type RunStop struct {
	Target
}

func (*RunStop) Kind() Kind { return KindRunStop }

// RunOutput is both the outbound output event and the inbound relay used by
// clients that executed code through the batch HTTP endpoint themselves.
// Chunk marks an incremental piece to append; otherwise Output replaces the
// pane. Done marks the end of a run.
type RunOutput struct {
	Target
	Output   string `json:"output"`
	Chunk    bool   `json:"chunk,omitempty"`
	Done     bool   `json:"done,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

func (*RunOutput) Kind() Kind { return KindRunOutput }

// MessageBody is the client-supplied part of a chat or AI message.
type MessageBody struct {
	ID        FlexID `json:"id,omitempty"`
	Text      string `json:"text"`
	Sender    string `json:"sender,omitempty"`
	IsAI      bool   `json:"isAi,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// PostMessage accepts both the nested {message:{...}} shape and flat
// {text, isAi} fields.
type PostMessage struct {
	Target
	Message *MessageBody `json:"message,omitempty"`
	ID      FlexID       `json:"id,omitempty"`
	Text    string       `json:"text,omitempty"`
	IsAI    bool         `json:"isAi,omitempty"`

	kind Kind
}

func (p *PostMessage) Kind() Kind { return p.kind }

// NewPostMessage builds a chat or AI message event in the nested shape.
func NewPostMessage(kind Kind, roomID string, body MessageBody) *PostMessage {
	return &PostMessage{
		Target:  Target{RoomID: roomID},
		Message: &body,
		kind:    kind,
	}
}

// Body merges the nested and flat shapes, nested fields first.
func (p *PostMessage) Body() MessageBody {
	var body MessageBody
	if p.Message != nil {
		body = *p.Message
	}
	if body.Text == "" {
		body.Text = p.Text
	}
	if body.ID == "" {
		body.ID = p.ID
	}
	body.IsAI = body.IsAI || p.IsAI
	return body
}

type AIHistoryRequest struct {
	Target
}

func (*AIHistoryRequest) Kind() Kind { return KindAIHistoryRequest }

type AIDocRequest struct {
	Target
	Code     string `json:"code"`
	Language string `json:"language"`
	Username string `json:"username"`
}

func (*AIDocRequest) Kind() Kind { return KindAIDocRequest }

type VideoJoin struct {
	Target
}

func (*VideoJoin) Kind() Kind { return KindVideoJoin }

type VideoSyncRequest struct {
	Target
}

func (*VideoSyncRequest) Kind() Kind { return KindVideoSyncRequest }

// VideoAction covers play, pause, seek and source change. Timestamp is the
// client's action time in Unix milliseconds.
type VideoAction struct {
	Target
	CurrentTime float64 `json:"currentTime"`
	VideoURL    string  `json:"videoUrl,omitempty"`
	Timestamp   int64   `json:"timestamp,omitempty"`

	kind Kind
}

func (v *VideoAction) Kind() Kind { return v.kind }

// NewVideoAction builds a video action of the given kind, mostly for tests
// and for re-encoding relays.
func NewVideoAction(kind Kind, roomID string, position float64, url string, ts int64) *VideoAction {
	return &VideoAction{
		Target:      Target{RoomID: roomID},
		CurrentTime: position,
		VideoURL:    url,
		Timestamp:   ts,
		kind:        kind,
	}
}

// IsVideoAction reports whether kind mutates playback state.
func IsVideoAction(kind Kind) bool {
	switch kind {
	case KindVideoPlay, KindVideoPause, KindVideoSeek, KindVideoChange:
		return true
	}
	return false
}

var inbound = map[Kind]func() Event{
	KindJoin:             func() Event { return &Join{} },
	KindLeave:            func() Event { return &Leave{} },
	KindCodeChange:       func() Event { return &CodeChange{} },
	KindSyncCodeRequest:  func() Event { return &SyncCodeRequest{} },
	KindLanguageChange:   func() Event { return &LanguageChange{} },
	KindInputChange:      func() Event { return &InputChange{} },
	KindRunStart:         func() Event { return &RunStart{} },
	KindRunInput:         func() Event { return &RunInput{} },
	KindRunStop:          func() Event { return &RunStop{} },
	KindRunOutput:        func() Event { return &RunOutput{} },
	KindChatMessage:      func() Event { return &PostMessage{kind: KindChatMessage} },
	KindAIMessage:        func() Event { return &PostMessage{kind: KindAIMessage} },
	KindAIHistoryRequest: func() Event { return &AIHistoryRequest{} },
	KindAIDocRequest:     func() Event { return &AIDocRequest{} },
	KindVideoJoin:        func() Event { return &VideoJoin{} },
	KindVideoSyncRequest: func() Event { return &VideoSyncRequest{} },
	KindVideoPlay:        func() Event { return &VideoAction{kind: KindVideoPlay} },
	KindVideoPause:       func() Event { return &VideoAction{kind: KindVideoPause} },
	KindVideoSeek:        func() Event { return &VideoAction{kind: KindVideoSeek} },
	KindVideoChange:      func() Event { return &VideoAction{kind: KindVideoChange} },
}

// Inbound reports whether kind is accepted from participants.
func Inbound(kind Kind) bool {
	_, ok := inbound[kind]
	return ok
}

type header struct {
	Type Kind `json:"type"`
}

// Decode parses one frame into its typed event. Unknown kinds yield
// ErrUnknownKind; anything else that cannot be used yields ErrMalformed.
func Decode(data []byte) (Event, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	factory, ok := inbound[h.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, h.Type)
	}

	event := factory()
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, h.Type, err)
	}
	if event.Room() == "" {
		return nil, fmt.Errorf("%w: %s: missing roomId", ErrMalformed, h.Type)
	}
	return event, nil
}

// Encode renders payload as a flat JSON object with a "type" field in front.
// payload must marshal to a JSON object (or be nil).
func Encode(kind Kind, payload any) ([]byte, error) {
	typeField, err := json.Marshal(string(kind))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typeField)

	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", kind, err)
		}
		body = bytes.TrimSpace(body)
		if len(body) < 2 || body[0] != '{' {
			return nil, fmt.Errorf("encode %s: payload is not an object", kind)
		}
		if inner := body[1 : len(body)-1]; len(bytes.TrimSpace(inner)) > 0 {
			buf.WriteByte(',')
			buf.Write(inner)
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FlexID accepts message ids sent as JSON strings or numbers. Browser
// clients generate ids like Date.now() + Math.random().
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}
