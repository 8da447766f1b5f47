// internal/transport/codec.go
package transport

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/iflabx/opencane/internal/profile"
	"github.com/iflabx/opencane/internal/protocol"
)

// decodeControl parses an inbound control payload. Malformed input yields an
// error-type envelope so the runtime can record it instead of losing it.
func decodeControl(raw []byte, deviceID, sessionID string) *protocol.Envelope {
	env, err := protocol.Decode(raw, deviceID, sessionID)
	if err != nil {
		return protocol.NewEvent(protocol.EventError, orUnknown(deviceID), sessionID, -1,
			map[string]any{"error": "invalid control payload"})
	}
	return env
}

// decodeAudio parses an uplink audio message in the profile's audio mode
// into an audio_chunk envelope. The returned error is recoverable; callers
// convert it to an error envelope.
func decodeAudio(raw []byte, p profile.Profile, deviceID, sessionID string) (*protocol.Envelope, error) {
	switch p.AudioMode {
	case profile.AudioJSONBase64:
		env, err := protocol.Decode(raw, deviceID, sessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: audio json", protocol.ErrInvalidAudioFrame)
		}
		if env.String("audio_b64", "audio") == "" {
			return nil, fmt.Errorf("%w: audio json missing base64 field", protocol.ErrInvalidAudioFrame)
		}
		env.Type = string(protocol.EventAudioChunk)
		return env, nil
	default:
		frame, err := protocol.DecodeFrame(raw, p.PacketMagic)
		if err != nil {
			return nil, err
		}
		return protocol.NewEvent(protocol.EventAudioChunk, deviceID, sessionID, int64(frame.Seq),
			map[string]any{
				"audio_b64":  base64.StdEncoding.EncodeToString(frame.Payload),
				"encoding":   "opus",
				"timestamp":  int64(frame.TimestampMS),
				"frame_kind": int64(frame.Kind),
				"flags":      int64(frame.Flags),
			}), nil
	}
}

// audioChunkWire splits a tts_chunk command into its wire form: commands
// carrying audio_b64 become framed binary packets for the down-audio topic,
// everything else stays canonical JSON for the down-control topic.
func audioChunkWire(env *protocol.Envelope, p profile.Profile) (audio []byte, ok bool) {
	if env.Type != string(protocol.CommandTTSChunk) {
		return nil, false
	}
	b64 := env.String("audio_b64")
	if b64 == "" {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, false
	}
	return protocol.EncodeFrame(data, p.PacketMagic, uint32(env.Seq), uint32(env.TS)), true
}

// renderTopic substitutes the device id into a profile topic template.
func renderTopic(template, deviceID string) string {
	return strings.ReplaceAll(template, "{device_id}", deviceID)
}

// topicMatches implements MQTT wildcard matching for + and a trailing #.
func topicMatches(pattern, topic string) bool {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")
	for i, token := range patternParts {
		if token == "#" {
			return i == len(patternParts)-1
		}
		if i >= len(topicParts) {
			return false
		}
		if token == "+" {
			continue
		}
		if token != topicParts[i] {
			return false
		}
	}
	return len(topicParts) == len(patternParts)
}

// deviceIDFromTopic extracts the device id bound to the first + wildcard.
func deviceIDFromTopic(pattern, topic string) string {
	if !topicMatches(pattern, topic) {
		return ""
	}
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")
	for i, token := range patternParts {
		if token == "+" && i < len(topicParts) {
			return topicParts[i]
		}
	}
	return ""
}

func orUnknown(deviceID string) string {
	if deviceID == "" {
		return "unknown"
	}
	return deviceID
}
