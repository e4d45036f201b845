package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Type identifies event variants on the wire.
type Type string

const (
	TypeAudioChunk    Type = "audio-chunk"
	TypeAudioStart    Type = "audio-start"
	TypeAudioStop     Type = "audio-stop"
	TypeDetect        Type = "detect"
	TypeDetection     Type = "detection"
	TypeNotDetected   Type = "not-detected"
	TypeVoiceStarted  Type = "voice-started"
	TypeVoiceStopped  Type = "voice-stopped"
	TypeTranscribe    Type = "transcribe"
	TypeTranscript    Type = "transcript"
	TypeRecognize     Type = "recognize"
	TypeIntent        Type = "intent"
	TypeNotRecognized Type = "not-recognized"
	TypeHandled       Type = "handled"
	TypeNotHandled    Type = "not-handled"
	TypeSynthesize    Type = "synthesize"
	TypePlayed        Type = "played"
	TypeDescribe      Type = "describe"
	TypeInfo          Type = "info"
	TypeError         Type = "error"
)

var (
	ErrUnsupportedType = errors.New("unsupported event type")
	ErrInvalidAudio    = errors.New("invalid audio chunk")
)

// Message is a typed event variant.
type Message interface {
	Event() Event
}

// AudioFormat describes raw PCM audio.
type AudioFormat struct {
	Rate     int
	Width    int
	Channels int
}

// BytesPerFrame is width*channels.
func (f AudioFormat) BytesPerFrame() int {
	return f.Width * f.Channels
}

type AudioChunk struct {
	AudioFormat
	Audio     []byte
	Timestamp *int64
}

type AudioStart struct {
	AudioFormat
	Timestamp *int64
}

type AudioStop struct {
	Timestamp *int64
}

// Detect narrows a wake component to the named wake words.
type Detect struct {
	Names []string `json:"names,omitempty"`
}

type Detection struct {
	Name      string `json:"name,omitempty"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

type NotDetected struct{}

type VoiceStarted struct {
	Timestamp *int64 `json:"timestamp,omitempty"`
}

type VoiceStopped struct {
	Timestamp *int64 `json:"timestamp,omitempty"`
	// Timeout is set when the segmenter gave up rather than heard silence.
	Timeout bool `json:"timeout,omitempty"`
}

// Transcribe precedes audio-start to pick an asr model or language.
type Transcribe struct {
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

type Transcript struct {
	Text string `json:"text"`
}

type Recognize struct {
	Text string `json:"text"`
}

type Entity struct {
	Name  string `json:"name"`
	Value any    `json:"value,omitempty"`
}

type Intent struct {
	Name     string   `json:"name"`
	Entities []Entity `json:"entities,omitempty"`
	Text     string   `json:"text,omitempty"`
}

type NotRecognized struct {
	Text string `json:"text,omitempty"`
}

type Handled struct {
	Text string `json:"text,omitempty"`
}

type NotHandled struct {
	Text string `json:"text,omitempty"`
}

type Synthesize struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type Played struct{}

type Describe struct{}

type ModelInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Installed   bool     `json:"installed"`
	Languages   []string `json:"languages,omitempty"`
}

type Info struct {
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Models      []ModelInfo `json:"models,omitempty"`
}

type Error struct {
	Text string `json:"text"`
	Code string `json:"code,omitempty"`
}

func (c AudioChunk) Event() Event {
	data := formatData(c.AudioFormat)
	if c.Timestamp != nil {
		data["timestamp"] = *c.Timestamp
	}
	audio := c.Audio
	if audio == nil {
		audio = []byte{}
	}
	return Event{Type: TypeAudioChunk, Data: data, Payload: audio}
}

// Samples returns the number of frames in the chunk.
func (c AudioChunk) Samples() int {
	if c.BytesPerFrame() <= 0 {
		return 0
	}
	return len(c.Audio) / c.BytesPerFrame()
}

func (s AudioStart) Event() Event {
	data := formatData(s.AudioFormat)
	if s.Timestamp != nil {
		data["timestamp"] = *s.Timestamp
	}
	return Event{Type: TypeAudioStart, Data: data}
}

func (s AudioStop) Event() Event {
	data := map[string]any{}
	if s.Timestamp != nil {
		data["timestamp"] = *s.Timestamp
	}
	return Event{Type: TypeAudioStop, Data: data}
}

func (d Detect) Event() Event        { return jsonEvent(TypeDetect, d) }
func (d Detection) Event() Event     { return jsonEvent(TypeDetection, d) }
func (NotDetected) Event() Event     { return Event{Type: TypeNotDetected} }
func (v VoiceStarted) Event() Event  { return jsonEvent(TypeVoiceStarted, v) }
func (v VoiceStopped) Event() Event  { return jsonEvent(TypeVoiceStopped, v) }
func (t Transcribe) Event() Event    { return jsonEvent(TypeTranscribe, t) }
func (t Transcript) Event() Event    { return jsonEvent(TypeTranscript, t) }
func (r Recognize) Event() Event     { return jsonEvent(TypeRecognize, r) }
func (i Intent) Event() Event        { return jsonEvent(TypeIntent, i) }
func (n NotRecognized) Event() Event { return jsonEvent(TypeNotRecognized, n) }
func (h Handled) Event() Event       { return jsonEvent(TypeHandled, h) }
func (n NotHandled) Event() Event    { return jsonEvent(TypeNotHandled, n) }
func (s Synthesize) Event() Event    { return jsonEvent(TypeSynthesize, s) }
func (Played) Event() Event          { return Event{Type: TypePlayed} }
func (Describe) Event() Event        { return Event{Type: TypeDescribe} }
func (i Info) Event() Event          { return jsonEvent(TypeInfo, i) }
func (e Error) Event() Event         { return jsonEvent(TypeError, e) }

// Parse converts a wire event into its typed variant.
func Parse(e Event) (Message, error) {
	switch e.Type {
	case TypeAudioChunk:
		return ParseAudioChunk(e)
	case TypeAudioStart:
		f, err := parseFormat(e.Data)
		if err != nil {
			return nil, err
		}
		return AudioStart{AudioFormat: f, Timestamp: Int64Field(e.Data, "timestamp")}, nil
	case TypeAudioStop:
		return AudioStop{Timestamp: Int64Field(e.Data, "timestamp")}, nil
	case TypeDetect:
		return decodeInto[Detect](e)
	case TypeDetection:
		return decodeInto[Detection](e)
	case TypeNotDetected:
		return NotDetected{}, nil
	case TypeVoiceStarted:
		return decodeInto[VoiceStarted](e)
	case TypeVoiceStopped:
		return decodeInto[VoiceStopped](e)
	case TypeTranscribe:
		return decodeInto[Transcribe](e)
	case TypeTranscript:
		return decodeInto[Transcript](e)
	case TypeRecognize:
		return decodeInto[Recognize](e)
	case TypeIntent:
		return decodeInto[Intent](e)
	case TypeNotRecognized:
		return decodeInto[NotRecognized](e)
	case TypeHandled:
		return decodeInto[Handled](e)
	case TypeNotHandled:
		return decodeInto[NotHandled](e)
	case TypeSynthesize:
		return decodeInto[Synthesize](e)
	case TypePlayed:
		return Played{}, nil
	case TypeDescribe:
		return Describe{}, nil
	case TypeInfo:
		return decodeInto[Info](e)
	case TypeError:
		return decodeInto[Error](e)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, e.Type)
	}
}

// ParseAudioChunk is the hot-path parser for audio-chunk events.
func ParseAudioChunk(e Event) (AudioChunk, error) {
	if e.Type != TypeAudioChunk {
		return AudioChunk{}, fmt.Errorf("%w: type %q", ErrInvalidAudio, e.Type)
	}
	f, err := parseFormat(e.Data)
	if err != nil {
		return AudioChunk{}, err
	}
	if len(e.Payload)%f.BytesPerFrame() != 0 {
		return AudioChunk{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidAudio, len(e.Payload), f.BytesPerFrame())
	}
	return AudioChunk{
		AudioFormat: f,
		Audio:       e.Payload,
		Timestamp:   Int64Field(e.Data, "timestamp"),
	}, nil
}

// Int64Field reads an integer field from event data. JSON numbers decode as
// float64, so non-integral values are rejected.
func Int64Field(data map[string]any, key string) *int64 {
	v, ok := data[key]
	if !ok || v == nil {
		return nil
	}
	var n int64
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return nil
		}
		n = int64(x)
	case int:
		n = int64(x)
	case int64:
		n = x
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	return &n
}

// StringField reads a string field from event data.
func StringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

func formatData(f AudioFormat) map[string]any {
	return map[string]any{
		"rate":     f.Rate,
		"width":    f.Width,
		"channels": f.Channels,
	}
}

// Format limits accepted from peers.
const (
	MaxRate     = 384000
	MaxWidth    = 8
	MaxChannels = 64
)

func parseFormat(data map[string]any) (AudioFormat, error) {
	rate := Int64Field(data, "rate")
	width := Int64Field(data, "width")
	channels := Int64Field(data, "channels")
	if rate == nil || width == nil || channels == nil {
		return AudioFormat{}, fmt.Errorf("%w: rate, width and channels are required", ErrInvalidAudio)
	}
	if *rate <= 0 || *width <= 0 || *channels <= 0 {
		return AudioFormat{}, fmt.Errorf("%w: non-positive format %d/%d/%d", ErrInvalidAudio, *rate, *width, *channels)
	}
	if *rate > MaxRate || *width > MaxWidth || *channels > MaxChannels {
		return AudioFormat{}, fmt.Errorf("%w: format %d/%d/%d out of range", ErrInvalidAudio, *rate, *width, *channels)
	}
	f := AudioFormat{Rate: int(*rate), Width: int(*width), Channels: int(*channels)}
	if f.BytesPerFrame() <= 0 {
		return AudioFormat{}, fmt.Errorf("%w: empty frame", ErrInvalidAudio)
	}
	return f, nil
}

func jsonEvent(t Type, v any) Event {
	raw, err := json.Marshal(v)
	if err != nil {
		return Event{Type: t}
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Event{Type: t}
	}
	return Event{Type: t, Data: data}
}

func decodeInto[T Message](e Event) (Message, error) {
	var out T
	if len(e.Data) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", e.Type, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", e.Type, err)
	}
	return out, nil
}
