// internal/profile/registry.go
package profile

import (
	"fmt"
	"time"
)

// AudioMode selects how a modem carries uplink audio.
type AudioMode string

const (
	// AudioFramedPacket is the 16-byte-header binary packet mode.
	AudioFramedPacket AudioMode = "framed_packet"
	// AudioJSONBase64 carries base64 audio inside the JSON control payload.
	AudioJSONBase64 AudioMode = "json_b64"
)

// Profile is one named bundle of modem-specific transport parameters.
type Profile struct {
	Name string

	UpControlTopic   string
	UpAudioTopic     string
	DownControlTopic string
	DownAudioTopic   string

	QoSControl byte
	QoSAudio   byte

	KeepaliveSeconds int
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration

	AudioMode   AudioMode
	PacketMagic byte

	SupportsToolResult         bool
	SupportsTelemetryNormalize bool
}

// Overrides supersede individual profile fields at runtime. Nil pointers
// leave the profile value in place.
type Overrides struct {
	UpControlTopic   string `json:"up_control_topic,omitempty"`
	UpAudioTopic     string `json:"up_audio_topic,omitempty"`
	DownControlTopic string `json:"down_control_topic,omitempty"`
	DownAudioTopic   string `json:"down_audio_topic,omitempty"`

	QoSControl *byte `json:"qos_control,omitempty"`
	QoSAudio   *byte `json:"qos_audio,omitempty"`

	KeepaliveSeconds    *int `json:"keepalive_seconds,omitempty"`
	ReconnectMinSeconds *int `json:"reconnect_min_seconds,omitempty"`
	ReconnectMaxSeconds *int `json:"reconnect_max_seconds,omitempty"`

	AudioMode   string `json:"audio_mode,omitempty"`
	PacketMagic *byte  `json:"packet_magic,omitempty"`

	SupportsToolResult         *bool `json:"supports_tool_result,omitempty"`
	SupportsTelemetryNormalize *bool `json:"supports_telemetry_normalize,omitempty"`
}

var builtin = map[string]Profile{
	"ec600mcnle_v1": {
		Name:                       "ec600mcnle_v1",
		UpControlTopic:             "device/+/up/control",
		UpAudioTopic:               "device/+/up/audio",
		DownControlTopic:           "device/{device_id}/down/control",
		DownAudioTopic:             "device/{device_id}/down/audio",
		QoSControl:                 1,
		QoSAudio:                   0,
		KeepaliveSeconds:           60,
		ReconnectMin:               time.Second,
		ReconnectMax:               30 * time.Second,
		AudioMode:                  AudioFramedPacket,
		PacketMagic:                0xA1,
		SupportsToolResult:         true,
		SupportsTelemetryNormalize: true,
	},
	"a7670c_v1": {
		Name:             "a7670c_v1",
		UpControlTopic:   "cane/+/uplink/ctrl",
		UpAudioTopic:     "cane/+/uplink/audio",
		DownControlTopic: "cane/{device_id}/downlink/ctrl",
		DownAudioTopic:   "cane/{device_id}/downlink/audio",
		QoSControl:       1,
		QoSAudio:         0,
		KeepaliveSeconds: 45,
		ReconnectMin:     2 * time.Second,
		ReconnectMax:     60 * time.Second,
		AudioMode:        AudioJSONBase64,
		PacketMagic:      0xA1,
	},
	"sim7600g_h_v1": {
		Name:                       "sim7600g_h_v1",
		UpControlTopic:             "device/+/up/control",
		UpAudioTopic:               "device/+/up/audio",
		DownControlTopic:           "device/{device_id}/down/control",
		DownAudioTopic:             "device/{device_id}/down/audio",
		QoSControl:                 1,
		QoSAudio:                   0,
		KeepaliveSeconds:           90,
		ReconnectMin:               time.Second,
		ReconnectMax:               45 * time.Second,
		AudioMode:                  AudioFramedPacket,
		PacketMagic:                0xA2,
		SupportsTelemetryNormalize: true,
	},
	"ec800m_v1": {
		Name:               "ec800m_v1",
		UpControlTopic:     "device/+/up/control",
		UpAudioTopic:       "device/+/up/audio",
		DownControlTopic:   "device/{device_id}/down/control",
		DownAudioTopic:     "device/{device_id}/down/audio",
		QoSControl:         2,
		QoSAudio:           0,
		KeepaliveSeconds:   60,
		ReconnectMin:       time.Second,
		ReconnectMax:       30 * time.Second,
		AudioMode:          AudioFramedPacket,
		PacketMagic:        0xA1,
		SupportsToolResult: true,
	},
	"ml307r_dl_v1": {
		Name:             "ml307r_dl_v1",
		UpControlTopic:   "ml307/+/up",
		UpAudioTopic:     "ml307/+/up/audio",
		DownControlTopic: "ml307/{device_id}/down",
		DownAudioTopic:   "ml307/{device_id}/down/audio",
		QoSControl:       1,
		QoSAudio:         0,
		KeepaliveSeconds: 30,
		ReconnectMin:     time.Second,
		ReconnectMax:     20 * time.Second,
		AudioMode:        AudioJSONBase64,
		PacketMagic:      0xA1,
	},
}

// Names returns the built-in profile names.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	return names
}

// Resolve returns the named built-in profile with overrides applied.
// Unknown names are fatal at startup.
func Resolve(name string, ov *Overrides) (Profile, error) {
	p, ok := builtin[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown modem profile: %q", name)
	}
	if ov == nil {
		return p, nil
	}
	if ov.UpControlTopic != "" {
		p.UpControlTopic = ov.UpControlTopic
	}
	if ov.UpAudioTopic != "" {
		p.UpAudioTopic = ov.UpAudioTopic
	}
	if ov.DownControlTopic != "" {
		p.DownControlTopic = ov.DownControlTopic
	}
	if ov.DownAudioTopic != "" {
		p.DownAudioTopic = ov.DownAudioTopic
	}
	if ov.QoSControl != nil {
		p.QoSControl = *ov.QoSControl
	}
	if ov.QoSAudio != nil {
		p.QoSAudio = *ov.QoSAudio
	}
	if ov.KeepaliveSeconds != nil {
		p.KeepaliveSeconds = *ov.KeepaliveSeconds
	}
	if ov.ReconnectMinSeconds != nil {
		p.ReconnectMin = time.Duration(*ov.ReconnectMinSeconds) * time.Second
	}
	if ov.ReconnectMaxSeconds != nil {
		p.ReconnectMax = time.Duration(*ov.ReconnectMaxSeconds) * time.Second
	}
	if ov.AudioMode != "" {
		p.AudioMode = AudioMode(ov.AudioMode)
	}
	if ov.PacketMagic != nil {
		p.PacketMagic = *ov.PacketMagic
	}
	if ov.SupportsToolResult != nil {
		p.SupportsToolResult = *ov.SupportsToolResult
	}
	if ov.SupportsTelemetryNormalize != nil {
		p.SupportsTelemetryNormalize = *ov.SupportsTelemetryNormalize
	}
	if p.ReconnectMax < p.ReconnectMin {
		p.ReconnectMax = p.ReconnectMin
	}
	switch p.AudioMode {
	case AudioFramedPacket, AudioJSONBase64:
	default:
		return Profile{}, fmt.Errorf("profile %s: unknown audio mode %q", name, p.AudioMode)
	}
	return p, nil
}
