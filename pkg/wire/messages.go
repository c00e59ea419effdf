// Package wire defines the JSON control messages exchanged with the remote
// speech endpoint. One object per message; the "type" field tags the kind.
package wire

import "encoding/json"

const (
	TypeSessionUpdate          = "session.update"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeInputAudioAppend       = "input_audio_buffer.append"
	TypeInputAudioCommit       = "input_audio_buffer.commit"
	TypeSessionCreated         = "session.created"
	TypeResponseAudioDelta     = "response.audio.delta"
	TypeTranscriptDelta        = "response.audio_transcript.delta"
	TypeResponseAudioDone      = "response.audio.done"
	TypeError                  = "error"
	TypePing                   = "ping"
	TypePong                   = "pong"
)

// Envelope is the minimal shape parsed first to dispatch on kind.
type Envelope struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// TurnDetection holds the server-side VAD configuration.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type Session struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
}

type SessionUpdate struct {
	Type    string  `json:"type"`
	Session Session `json:"session"`
}

func NewSessionUpdate(session Session) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: session}
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ConversationItemCreate struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: Item{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

type ResponseCreate struct {
	Type string `json:"type"`
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

// InputAudioAppend carries one text-safe encoded audio chunk.
type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func NewInputAudioAppend(audio string) InputAudioAppend {
	return InputAudioAppend{Type: TypeInputAudioAppend, Audio: audio}
}

type InputAudioCommit struct {
	Type string `json:"type"`
}

func NewInputAudioCommit() InputAudioCommit {
	return InputAudioCommit{Type: TypeInputAudioCommit}
}

type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

// Inbound events.

type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type AudioDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type TranscriptDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type AudioDone struct {
	Type string `json:"type"`
}

type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}
