package bridge

import (
	"encoding/json"
	"time"
)

// Agent -> daemon message types.
const (
	TypeHello          = "hello"
	TypeFrame          = "frame"
	TypeCamera         = "camera"
	TypeFullscreen     = "fullscreen"
	TypeDismiss        = "dismiss"
	TypeInterviewStart = "interview_start"
	TypeAnswer         = "answer"
	TypeFinal          = "final"
	TypeRestart        = "restart"
	TypePing           = "ping"
)

// Daemon -> agent message types.
const (
	TypeWelcome           = "welcome"
	TypeStatus            = "status"
	TypeCameraOpen        = "camera_open"
	TypeCameraClose       = "camera_close"
	TypeFullscreenRequest = "fullscreen_request"
	TypeFullscreenExit    = "fullscreen_exit"
	TypeRound             = "round"
	TypeError             = "error"
	TypePong              = "pong"
)

// Dismiss targets.
const (
	TargetGaze       = "gaze"
	TargetFullscreen = "fullscreen"
)

// Message is the envelope for every websocket frame in both directions.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix milliseconds
}

// NewMessage encodes payload into an envelope.
func NewMessage(typ string, payload any) (Message, error) {
	msg := Message{Type: typ, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v. A missing payload leaves v as is.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

type HelloPayload struct {
	UserAgent           string `json:"user_agent,omitempty"`
	FullscreenSupported bool   `json:"fullscreen_supported"`
	Fullscreen          bool   `json:"fullscreen"`
}

type WelcomePayload struct {
	AgentID string `json:"agent_id"`
	Version string `json:"version"`
}

// FramePayload carries one RGBA8 frame; Data is base64 on the wire.
type FramePayload struct {
	Seq    uint64 `json:"seq"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"`
}

// CameraOpenPayload asks the agent for a camera. The agent answers with a
// camera message.
type CameraOpenPayload struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FacingMode string `json:"facing_mode"`
	FrameRate  int    `json:"frame_rate"`
}

type CameraPayload struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// FullscreenPayload reports the page's fullscreen state. Reply is set when
// the message answers a fullscreen_request or fullscreen_exit; Error then
// says why the browser refused.
type FullscreenPayload struct {
	Active bool   `json:"active"`
	Reply  bool   `json:"reply,omitempty"`
	Error  string `json:"error,omitempty"`
}

type DismissPayload struct {
	Target string `json:"target"`
}

type InterviewStartPayload struct {
	Resume string `json:"resume"`
	Role   string `json:"role"`
}

type AnswerPayload struct {
	Answer string `json:"answer"`
}

type ErrorPayload struct {
	Message     string `json:"message"`
	RateLimited bool   `json:"rate_limited,omitempty"`
}

// RoundPayload tells the page where the interview stands after a command.
type RoundPayload struct {
	Stage     string `json:"stage"`
	Question  string `json:"question,omitempty"`
	Status    string `json:"status,omitempty"`
	Verdict   string `json:"verdict,omitempty"`
	Message   string `json:"message,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Rationale string `json:"rationale,omitempty"`
	// Verdicts holds the per-round verdicts, keyed by round number, on the
	// final decision.
	Verdicts map[int]string `json:"verdicts,omitempty"`
}
