package profile

import "testing"

func TestResolveBuiltins(t *testing.T) {
	for _, name := range Names() {
		p, err := Resolve(name, nil)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if p.Name != name {
			t.Errorf("%s: name mismatch %q", name, p.Name)
		}
		if p.QoSControl < 1 {
			t.Errorf("%s: control QoS must be at least 1", name)
		}
		if p.QoSAudio != 0 {
			t.Errorf("%s: audio QoS must be 0", name)
		}
		if p.ReconnectMax < p.ReconnectMin {
			t.Errorf("%s: reconnect range inverted", name)
		}
	}
}

func TestResolveUnknown(t *testing.T) {
	if _, err := Resolve("bg95_v9", nil); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestResolveOverrides(t *testing.T) {
	magic := byte(0xC3)
	qos := byte(2)
	keepalive := 15
	toolResult := true
	p, err := Resolve("a7670c_v1", &Overrides{
		DownControlTopic:   "custom/{device_id}/ctrl",
		PacketMagic:        &magic,
		QoSControl:         &qos,
		KeepaliveSeconds:   &keepalive,
		AudioMode:          string(AudioFramedPacket),
		SupportsToolResult: &toolResult,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.DownControlTopic != "custom/{device_id}/ctrl" {
		t.Error("topic override not applied")
	}
	if p.PacketMagic != magic || p.QoSControl != qos || p.KeepaliveSeconds != keepalive {
		t.Error("scalar overrides not applied")
	}
	if p.AudioMode != AudioFramedPacket || !p.SupportsToolResult {
		t.Error("mode/feature overrides not applied")
	}
}

func TestResolveRejectsBadAudioMode(t *testing.T) {
	if _, err := Resolve("ec600mcnle_v1", &Overrides{AudioMode: "carrier_pigeon"}); err == nil {
		t.Error("expected error for invalid audio mode override")
	}
}
