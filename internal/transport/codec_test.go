package transport

import (
	"encoding/base64"
	"testing"

	"github.com/iflabx/opencane/internal/profile"
	"github.com/iflabx/opencane/internal/protocol"
)

func framedProfile(t *testing.T) profile.Profile {
	t.Helper()
	p, err := profile.Resolve("ec600mcnle_v1", nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestTopicMatching(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"device/+/up/control", "device/dev-001/up/control", true},
		{"device/+/up/control", "device/dev-001/up/audio", false},
		{"device/+/up/control", "device/dev-001/up/control/extra", false},
		{"device/#", "device/dev-001/up/control", true},
		{"cane/+/uplink/ctrl", "cane/abc/uplink/ctrl", true},
	}
	for _, tc := range cases {
		if got := topicMatches(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("topicMatches(%q, %q) = %v", tc.pattern, tc.topic, got)
		}
	}
	if got := deviceIDFromTopic("device/+/up/audio", "device/dev-042/up/audio"); got != "dev-042" {
		t.Errorf("deviceIDFromTopic = %q", got)
	}
}

func TestDecodeControlMalformedYieldsErrorEnvelope(t *testing.T) {
	env := decodeControl([]byte("{broken"), "dev-001", "dev-001-default")
	if env.Type != string(protocol.EventError) {
		t.Errorf("expected error envelope, got %q", env.Type)
	}
	if env.DeviceID != "dev-001" {
		t.Errorf("device id not preserved: %q", env.DeviceID)
	}
}

func TestDecodeAudioFramed(t *testing.T) {
	p := framedProfile(t)
	audio := []byte{9, 8, 7}
	packet := protocol.EncodeFrame(audio, p.PacketMagic, 12, 3400)
	env, err := decodeAudio(packet, p, "dev-001", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != string(protocol.EventAudioChunk) || env.Seq != 12 {
		t.Errorf("unexpected envelope: type=%s seq=%d", env.Type, env.Seq)
	}
	decoded, err := base64.StdEncoding.DecodeString(env.String("audio_b64"))
	if err != nil || string(decoded) != string(audio) {
		t.Errorf("audio payload mismatch: %v %v", decoded, err)
	}
}

func TestDecodeAudioJSONBase64(t *testing.T) {
	p, err := profile.Resolve("a7670c_v1", nil)
	if err != nil {
		t.Fatal(err)
	}
	raw := []byte(`{"type":"audio_chunk","seq":3,"payload":{"audio_b64":"aGVsbG8=","encoding":"opus"}}`)
	env, err := decodeAudio(raw, p, "dev-002", "s2")
	if err != nil {
		t.Fatal(err)
	}
	if env.Seq != 3 || env.String("audio_b64") != "aGVsbG8=" {
		t.Errorf("unexpected envelope: %+v", env)
	}

	if _, err := decodeAudio([]byte(`{"type":"audio_chunk","payload":{}}`), p, "dev-002", "s2"); err == nil {
		t.Error("expected error for missing base64 field")
	}
}

func TestAudioChunkWire(t *testing.T) {
	p := framedProfile(t)
	env := protocol.NewCommand(protocol.CommandTTSChunk, "dev-001", "s1", 8, map[string]any{
		"audio_b64": base64.StdEncoding.EncodeToString([]byte("pcm")),
	})
	framed, ok := audioChunkWire(env, p)
	if !ok {
		t.Fatal("expected framed wire form")
	}
	frame, err := protocol.DecodeFrame(framed, p.PacketMagic)
	if err != nil {
		t.Fatal(err)
	}
	if string(frame.Payload) != "pcm" || frame.Seq != 8 {
		t.Errorf("frame mismatch: %+v", frame)
	}

	textChunk := protocol.NewCommand(protocol.CommandTTSChunk, "dev-001", "s1", 9, map[string]any{"text": "hi"})
	if _, ok := audioChunkWire(textChunk, p); ok {
		t.Error("text tts_chunk must stay on the control topic")
	}
}

func TestMockAdapterContract(t *testing.T) {
	m := NewMock()
	if err := m.Start(nil); err != nil {
		t.Fatal(err)
	}
	env := protocol.NewEvent(protocol.EventHeartbeat, "dev-001", "s1", 1, nil)
	m.Inject(env)
	got := <-m.Events()
	if got != env {
		t.Error("injected event not delivered")
	}
	if err := m.SendCommand(protocol.NewCommand(protocol.CommandAck, "dev-001", "s1", 1, nil)); err != nil {
		t.Fatal(err)
	}
	if len(m.Sent()) != 1 {
		t.Error("sent command not recorded")
	}
	m.SetOnline(false)
	if m.Online("dev-001") {
		t.Error("online flag not applied")
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
}
