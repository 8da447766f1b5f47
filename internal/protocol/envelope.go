// internal/protocol/envelope.go
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the canonical envelope protocol version.
const Version = "0.1"

// EventType identifies a device→server event.
type EventType string

const (
	EventHello       EventType = "hello"
	EventHeartbeat   EventType = "heartbeat"
	EventListenStart EventType = "listen_start"
	EventAudioChunk  EventType = "audio_chunk"
	EventListenStop  EventType = "listen_stop"
	EventAbort       EventType = "abort"
	EventImageReady  EventType = "image_ready"
	EventTelemetry   EventType = "telemetry"
	EventToolResult  EventType = "tool_result"
	EventError       EventType = "error"
)

// CommandType identifies a server→device command.
type CommandType string

const (
	CommandHelloAck   CommandType = "hello_ack"
	CommandAck        CommandType = "ack"
	CommandSTTPartial CommandType = "stt_partial"
	CommandSTTFinal   CommandType = "stt_final"
	CommandTTSStart   CommandType = "tts_start"
	CommandTTSChunk   CommandType = "tts_chunk"
	CommandTTSStop    CommandType = "tts_stop"
	CommandTaskUpdate CommandType = "task_update"
	CommandToolCall   CommandType = "tool_call"
	CommandSetConfig  CommandType = "set_config"
	CommandOTAPlan    CommandType = "ota_plan"
	CommandClose      CommandType = "close"
)

var eventTypes = map[EventType]bool{
	EventHello:       true,
	EventHeartbeat:   true,
	EventListenStart: true,
	EventAudioChunk:  true,
	EventListenStop:  true,
	EventAbort:       true,
	EventImageReady:  true,
	EventTelemetry:   true,
	EventToolResult:  true,
	EventError:       true,
}

// ErrInvalidControlPayload marks a control message that could not be parsed
// into a canonical envelope. Recoverable: the frame is dropped and the
// session continues.
var ErrInvalidControlPayload = errors.New("invalid control payload")

// Envelope is the canonical message shape for both device events and server
// commands. Seq is monotonic per direction per session; a negative Seq means
// the message is unsequenced and exempt from duplicate filtering.
type Envelope struct {
	Version   string         `json:"version"`
	MsgID     string         `json:"msg_id"`
	DeviceID  string         `json:"device_id"`
	SessionID string         `json:"session_id,omitempty"`
	Seq       int64          `json:"seq"`
	TS        int64          `json:"ts"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent builds a device event envelope, stamping version, msg_id and ts.
func NewEvent(t EventType, deviceID, sessionID string, seq int64, payload map[string]any) *Envelope {
	return newEnvelope(string(t), deviceID, sessionID, seq, payload)
}

// NewCommand builds a server command envelope, stamping version, msg_id and ts.
func NewCommand(t CommandType, deviceID, sessionID string, seq int64, payload map[string]any) *Envelope {
	return newEnvelope(string(t), deviceID, sessionID, seq, payload)
}

func newEnvelope(t, deviceID, sessionID string, seq int64, payload map[string]any) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		Version:   Version,
		MsgID:     uuid.New().String(),
		DeviceID:  deviceID,
		SessionID: sessionID,
		Seq:       seq,
		TS:        time.Now().UnixMilli(),
		Type:      t,
		Payload:   payload,
	}
}

// EventType returns the typed event kind, or false when the envelope does
// not carry a known device event type.
func (e *Envelope) EventType() (EventType, bool) {
	t := EventType(e.Type)
	return t, eventTypes[t]
}

// Encode serializes the envelope as canonical JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses raw JSON into an envelope. Missing msg_id and ts are filled
// server-side; device_id must resolve from the payload or the default.
// Unknown event types are preserved; callers route them to an error path.
func Decode(raw []byte, defaultDeviceID, defaultSessionID string) (*Envelope, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControlPayload, err)
	}
	return FromMap(data, defaultDeviceID, defaultSessionID)
}

// FromMap builds an envelope from a decoded control object, tolerating the
// field spellings seen across modem firmwares.
func FromMap(data map[string]any, defaultDeviceID, defaultSessionID string) (*Envelope, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidControlPayload)
	}
	env := &Envelope{
		Version:   stringField(data, "version", "v"),
		MsgID:     stringField(data, "msg_id", "msgId", "id"),
		DeviceID:  stringField(data, "device_id", "deviceId"),
		SessionID: stringField(data, "session_id", "sessionId"),
		Seq:       intField(data, -1, "seq"),
		TS:        intField(data, 0, "ts", "timestamp"),
		Type:      strings.ToLower(stringField(data, "type")),
	}
	if payload, ok := data["payload"].(map[string]any); ok {
		env.Payload = payload
	} else {
		env.Payload = map[string]any{}
	}
	if env.Version == "" {
		env.Version = Version
	}
	if env.MsgID == "" {
		env.MsgID = uuid.New().String()
	}
	if env.TS == 0 {
		env.TS = time.Now().UnixMilli()
	}
	if env.DeviceID == "" {
		env.DeviceID = defaultDeviceID
	}
	if env.SessionID == "" {
		env.SessionID = defaultSessionID
	}
	if env.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device_id", ErrInvalidControlPayload)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidControlPayload)
	}
	return env, nil
}

// String returns a compact payload value as a string, or "" when absent.
func (e *Envelope) String(keys ...string) string {
	return stringField(e.Payload, keys...)
}

// Int returns a payload value as int64, or def when absent or non-numeric.
func (e *Envelope) Int(def int64, keys ...string) int64 {
	return intField(e.Payload, def, keys...)
}

// Bool returns a payload value as bool, or def when absent.
func (e *Envelope) Bool(def bool, keys ...string) bool {
	for _, key := range keys {
		v, ok := e.Payload[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case bool:
			return val
		case string:
			switch strings.ToLower(strings.TrimSpace(val)) {
			case "1", "true", "yes", "on":
				return true
			case "0", "false", "no", "off":
				return false
			}
		case float64:
			return val != 0
		}
	}
	return def
}

func stringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := data[key]; ok && v != nil {
			switch val := v.(type) {
			case string:
				return strings.TrimSpace(val)
			case float64:
				return strings.TrimSpace(fmt.Sprintf("%v", val))
			}
		}
	}
	return ""
}

func intField(data map[string]any, def int64, keys ...string) int64 {
	for _, key := range keys {
		v, ok := data[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case float64:
			return int64(val)
		case int64:
			return val
		case int:
			return int64(val)
		case json.Number:
			if n, err := val.Int64(); err == nil {
				return n
			}
		case string:
			var n int64
			if _, err := fmt.Sscanf(strings.TrimSpace(val), "%d", &n); err == nil {
				return n
			}
		}
	}
	return def
}
