package realtime

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Outbound event types.
const (
	TypeSessionUpdate  = "session.update"
	TypeItemCreate     = "conversation.item.create"
	TypeResponseCreate = "response.create"
)

// Inbound event types.
const (
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"
	TypeAudioDelta     = "response.audio.delta"
	TypeTextDelta      = "response.text.delta"
	TypeError          = "error"
)

var outputModalities = []string{"text", "audio"}

// Profile is the fixed voice and audio format sent with every session update.
type Profile struct {
	VoiceName          string `yaml:"voice_name"`
	VoiceType          string `yaml:"voice_type"`
	InputFormat        string `yaml:"input_audio_format"`
	OutputFormat       string `yaml:"output_audio_format"`
	TranscriptionModel string `yaml:"input_transcription_model"`
}

func DefaultProfile() Profile {
	return Profile{
		VoiceName:          "en-US-JennyNeural",
		VoiceType:          "azure-standard",
		InputFormat:        "pcm16",
		OutputFormat:       "pcm16",
		TranscriptionModel: "gpt-4o-mini-transcribe",
	}
}

type Voice struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type InputTranscription struct {
	Model string `json:"model"`
}

type SessionConfig struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   Voice              `json:"voice"`
	InputAudioFormat        string             `json:"input_audio_format"`
	InputAudioTranscription InputTranscription `json:"input_audio_transcription"`
	OutputAudioFormat       string             `json:"output_audio_format"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ItemCreate struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Item    Item   `json:"item"`
}

type ResponseConfig struct {
	Instructions string   `json:"instructions"`
	Modalities   []string `json:"modalities"`
}

type ResponseCreate struct {
	Type     string         `json:"type"`
	EventID  string         `json:"event_id,omitempty"`
	Response ResponseConfig `json:"response"`
}

// NewSessionUpdate builds a session.update from the current settings. Nothing
// is cached; every call rebuilds the instructions.
func NewSessionUpdate(s Settings, p Profile) SessionUpdate {
	return SessionUpdate{
		Type:    TypeSessionUpdate,
		EventID: newEventID(),
		Session: SessionConfig{
			Modalities:              outputModalities,
			Instructions:            BaseInstructions(s),
			Voice:                   Voice{Name: p.VoiceName, Type: p.VoiceType},
			InputAudioFormat:        p.InputFormat,
			InputAudioTranscription: InputTranscription{Model: p.TranscriptionModel},
			OutputAudioFormat:       p.OutputFormat,
		},
	}
}

func NewUserMessage(text string) ItemCreate {
	return ItemCreate{
		Type:    TypeItemCreate,
		EventID: newEventID(),
		Item: Item{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

func NewResponseCreate(s Settings) ResponseCreate {
	return ResponseCreate{
		Type:    TypeResponseCreate,
		EventID: newEventID(),
		Response: ResponseConfig{
			Instructions: ResponseInstructions(s),
			Modalities:   outputModalities,
		},
	}
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}

// ServerEvent is the subset of an inbound frame the client acts on. Fields stay
// raw because peers do not always send strings where they should.
type ServerEvent struct {
	Type  json.RawMessage `json:"type"`
	Delta json.RawMessage `json:"delta"`
	Error json.RawMessage `json:"error"`
}

// field renders a raw value for a log line: strings unquoted, anything else as
// compact JSON. set is false for a missing, null, false, zero or empty value.
func field(raw json.RawMessage) (text string, set bool) {
	if len(raw) == 0 {
		return "", false
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, str != ""
	}
	text = compact(raw)
	switch text {
	case "null", "false":
		return text, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n == 0 {
		return text, false
	}
	return text, true
}
