package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEvent(EventHello, "dev-001", "s1", 1, map[string]any{"capabilities": map[string]any{"mic": true}})
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if decoded.DeviceID != "dev-001" || decoded.SessionID != "s1" || decoded.Seq != 1 {
		t.Errorf("unexpected decode: %+v", decoded)
	}
	if decoded.MsgID != env.MsgID || decoded.TS != env.TS || decoded.Version != env.Version {
		t.Error("stamped fields did not survive round trip")
	}

	again, err := decoded.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(data) {
		t.Errorf("round trip not byte-identical:\n%s\n%s", data, again)
	}
}

func TestDecodeFillsDefaults(t *testing.T) {
	env, err := Decode([]byte(`{"type":"heartbeat"}`), "dev-002", "dev-002-default")
	if err != nil {
		t.Fatal(err)
	}
	if env.DeviceID != "dev-002" {
		t.Errorf("expected default device id, got %q", env.DeviceID)
	}
	if env.SessionID != "dev-002-default" {
		t.Errorf("expected default session id, got %q", env.SessionID)
	}
	if env.MsgID == "" || env.TS == 0 {
		t.Error("expected msg_id and ts to be stamped")
	}
	if env.Seq != -1 {
		t.Errorf("expected unsequenced seq -1, got %d", env.Seq)
	}
}

func TestDecodeAliases(t *testing.T) {
	raw := `{"type":"HELLO","deviceId":"dev-003","sessionId":"s9","seq":7,"timestamp":1234}`
	env, err := Decode([]byte(raw), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "hello" || env.DeviceID != "dev-003" || env.SessionID != "s9" {
		t.Errorf("alias decode failed: %+v", env)
	}
	if env.Seq != 7 || env.TS != 1234 {
		t.Errorf("numeric alias decode failed: seq=%d ts=%d", env.Seq, env.TS)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"payload":{}}`,
		`{"type":"hello"}`,
	}
	for _, raw := range cases {
		if _, err := Decode([]byte(raw), "", ""); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestPayloadAccessors(t *testing.T) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(`{"text":"hi","count":3,"notify":"yes"}`), &payload); err != nil {
		t.Fatal(err)
	}
	env := NewEvent(EventListenStop, "d", "s", 5, payload)
	if env.String("text") != "hi" {
		t.Error("string accessor failed")
	}
	if env.Int(0, "count") != 3 {
		t.Error("int accessor failed")
	}
	if !env.Bool(false, "notify") {
		t.Error("bool accessor failed")
	}
	if env.Bool(true, "missing") != true {
		t.Error("bool default failed")
	}
}
