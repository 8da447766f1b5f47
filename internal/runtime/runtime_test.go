package runtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/iflabx/opencane/internal/audio"
	"github.com/iflabx/opencane/internal/profile"
	"github.com/iflabx/opencane/internal/protocol"
	"github.com/iflabx/opencane/internal/safety"
	"github.com/iflabx/opencane/internal/session"
	"github.com/iflabx/opencane/internal/transport"
	"github.com/iflabx/opencane/pkg/provider"
)

type fakeDialogue struct {
	reply string
}

func (f *fakeDialogue) Reply(ctx context.Context, sessionContext, transcript string) (provider.Reply, error) {
	return provider.Reply{Text: f.reply}, nil
}

// slowMock delays each send so streaming is observable mid-flight.
type slowMock struct {
	*transport.Mock
	delay time.Duration
}

func (s *slowMock) SendCommand(env *protocol.Envelope) error {
	time.Sleep(s.delay)
	return s.Mock.SendCommand(env)
}

func newTestRuntime(t *testing.T, adapter transport.Adapter, reply string) *Runtime {
	return newTestRuntimeOpts(t, adapter, reply, DefaultOptions())
}

func newTestRuntimeOpts(t *testing.T, adapter transport.Adapter, reply string, opts Options) *Runtime {
	t.Helper()
	rt := New(opts, mustProfile(t), Deps{
		Adapter:  adapter,
		Sessions: session.NewManager(nil),
		Audio:    audio.NewPipeline(audio.DefaultOptions(), nil),
		Gate:     safety.New(safety.DefaultOptions()),
		Dialogue: &fakeDialogue{reply: reply},
	})
	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rt.Stop)
	return rt
}

func mustProfile(t *testing.T) profile.Profile {
	t.Helper()
	p, err := profile.Resolve("ec600mcnle_v1", nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func event(t protocol.EventType, seq int64, payload map[string]any) *protocol.Envelope {
	return protocol.NewEvent(t, "dev-001", "s1", seq, payload)
}

func audioChunk(seq int64) *protocol.Envelope {
	return event(protocol.EventAudioChunk, seq, map[string]any{
		"audio_b64": base64.StdEncoding.EncodeToString([]byte("pcm")),
		"is_speech": true,
	})
}

func waitFor(t *testing.T, mock *transport.Mock, cond func([]*protocol.Envelope) bool, why string) []*protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sent := mock.Sent()
		if cond(sent) {
			return sent
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; sent=%v", why, typesOf(mock.Sent()))
	return nil
}

func typesOf(cmds []*protocol.Envelope) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, fmt.Sprintf("%s/%d", c.Type, c.Seq))
	}
	return out
}

func hasType(cmds []*protocol.Envelope, t protocol.CommandType) bool {
	for _, c := range cmds {
		if c.Type == string(t) {
			return true
		}
	}
	return false
}

func runNominalTurn(t *testing.T, mock *transport.Mock) []*protocol.Envelope {
	t.Helper()
	mock.Inject(event(protocol.EventHello, 1, map[string]any{"capabilities": map[string]any{"mic": true}}))
	mock.Inject(event(protocol.EventListenStart, 2, nil))
	for seq := int64(3); seq <= 7; seq++ {
		mock.Inject(audioChunk(seq))
	}
	mock.Inject(event(protocol.EventListenStop, 8, map[string]any{"transcript": "what is ahead"}))
	return waitFor(t, mock, func(sent []*protocol.Envelope) bool {
		for _, c := range sent {
			if c.Type == string(protocol.CommandTTSStop) {
				return true
			}
		}
		return false
	}, "nominal turn tts_stop")
}

func TestNominalVoiceTurn(t *testing.T) {
	mock := transport.NewMock()
	newTestRuntime(t, mock, "The path ahead is clear.")
	sent := runNominalTurn(t, mock)

	if sent[0].Type != string(protocol.CommandHelloAck) {
		t.Fatalf("first command = %s", sent[0].Type)
	}

	// Acks for seq 2..8 in order.
	var ackSeqs []int64
	for _, c := range sent {
		if c.Type == string(protocol.CommandAck) {
			ackSeqs = append(ackSeqs, c.Int(-1, "ack_seq"))
		}
	}
	want := []int64{2, 3, 4, 5, 6, 7, 8}
	if len(ackSeqs) != len(want) {
		t.Fatalf("acks = %v", ackSeqs)
	}
	for i := range want {
		if ackSeqs[i] != want[i] {
			t.Errorf("ack[%d] = %d, want %d", i, ackSeqs[i], want[i])
		}
	}

	if !hasType(sent, protocol.CommandSTTFinal) {
		t.Error("missing stt_final")
	}
	if !hasType(sent, protocol.CommandTTSStart) || !hasType(sent, protocol.CommandTTSChunk) {
		t.Error("missing tts stream")
	}
	last := sent[len(sent)-1]
	if last.Type != string(protocol.CommandTTSStop) || last.Bool(true, "aborted") {
		t.Errorf("last command = %s aborted=%v", last.Type, last.Bool(true, "aborted"))
	}

	// Invariant 1: outbound seq strictly increasing.
	var prev int64
	for i, c := range sent {
		if c.Seq <= prev {
			t.Errorf("outbound seq not strictly increasing at %d: %v", i, typesOf(sent))
		}
		prev = c.Seq
	}
}

func TestDuplicateAndOutOfOrder(t *testing.T) {
	mock := transport.NewMock()
	newTestRuntime(t, mock, "ok")
	runNominalTurn(t, mock)
	before := len(mock.Sent())

	mock.Inject(audioChunk(5))
	mock.Inject(event(protocol.EventHeartbeat, 8, nil))

	sent := waitFor(t, mock, func(sent []*protocol.Envelope) bool {
		return len(sent) >= before+2
	}, "duplicate acks")

	extra := sent[before:]
	if len(extra) != 2 {
		t.Fatalf("extra commands = %v", typesOf(extra))
	}
	if extra[0].Type != string(protocol.CommandAck) || extra[0].Int(-1, "ack_seq") != 5 {
		t.Errorf("first re-ack = %v", extra[0])
	}
	if extra[1].Type != string(protocol.CommandAck) || extra[1].Int(-1, "ack_seq") != 8 {
		t.Errorf("second re-ack = %v", extra[1])
	}
}

func TestBargeIn(t *testing.T) {
	mock := transport.NewMock()
	slow := &slowMock{Mock: mock, delay: 5 * time.Millisecond}
	long := strings.Repeat("Keep to the middle of the hallway. ", 80)
	opts := DefaultOptions()
	opts.TTSTextChunkChars = 20 // many small chunks so the stream is observable
	newTestRuntimeOpts(t, slow, long, opts)

	mock.Inject(event(protocol.EventHello, 1, nil))
	mock.Inject(event(protocol.EventListenStart, 2, nil))
	mock.Inject(event(protocol.EventListenStop, 3, map[string]any{"transcript": "guide me"}))

	waitFor(t, mock, func(sent []*protocol.Envelope) bool {
		chunks := 0
		for _, c := range sent {
			if c.Type == string(protocol.CommandTTSChunk) {
				chunks++
			}
		}
		return chunks >= 3
	}, "tts streaming")

	mock.Inject(event(protocol.EventListenStart, 9, nil))

	sent := waitFor(t, mock, func(sent []*protocol.Envelope) bool {
		for _, c := range sent {
			if c.Type == string(protocol.CommandTTSStop) && c.Bool(false, "aborted") {
				return true
			}
		}
		return false
	}, "aborted tts_stop")

	// Invariant 4: nothing from the old turn after tts_stop{aborted:true}.
	stopIdx := -1
	for i, c := range sent {
		if c.Type == string(protocol.CommandTTSStop) && c.Bool(false, "aborted") {
			stopIdx = i
			break
		}
	}
	// Allow in-flight sends that were already past the turn check when the
	// lock was taken: there must be none, by construction.
	for _, c := range sent[stopIdx+1:] {
		if c.Type == string(protocol.CommandTTSChunk) {
			t.Errorf("old-turn tts_chunk after aborted stop: %v", typesOf(sent[stopIdx:]))
			break
		}
	}
}

func TestReconnectReplay(t *testing.T) {
	mock := transport.NewMock()
	rt := newTestRuntime(t, mock, "ok")
	sent := runNominalTurn(t, mock)
	k := sent[2].Seq // device saw everything up to the third command

	mock.SetOnline(false)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := rt.DispatchOperation(ctx, "dev-001", "s1", "set_config", map[string]any{"n": i}, ""); err != nil {
			t.Fatal(err)
		}
	}
	offlineCount := len(mock.Sent())
	if offlineCount != len(sent) {
		t.Fatal("commands leaked to an offline transport")
	}

	mock.SetOnline(true)
	mock.Inject(event(protocol.EventHello, 20, map[string]any{"last_recv_seq": k}))

	all := waitFor(t, mock, func(all []*protocol.Envelope) bool {
		for _, c := range all[offlineCount:] {
			if c.Type == string(protocol.CommandHelloAck) {
				return true
			}
		}
		return false
	}, "reconnect hello_ack")

	replayed := all[offlineCount:]
	// Every delivered command with seq > K replays in original order,
	// followed by the pending operations, then the hello_ack. The replay
	// window and pending_commands are disjoint: no seq is delivered twice.
	var replaySeqs []int64
	seen := map[int64]bool{}
	sawSetConfig := 0
	for _, c := range replayed {
		if c.Type == string(protocol.CommandHelloAck) {
			break
		}
		if c.Type == string(protocol.CommandSetConfig) {
			sawSetConfig++
		}
		if seen[c.Seq] {
			t.Errorf("seq %d delivered twice after reconnect: %v", c.Seq, typesOf(replayed))
		}
		seen[c.Seq] = true
		replaySeqs = append(replaySeqs, c.Seq)
	}
	for i := 1; i < len(replaySeqs); i++ {
		if replaySeqs[i] < replaySeqs[i-1] {
			t.Errorf("replay out of order: %v", replaySeqs)
		}
	}
	if sawSetConfig != 2 {
		t.Errorf("expected the two pending operations exactly once each, got %d", sawSetConfig)
	}
	for _, seq := range replaySeqs {
		if seq <= k {
			t.Errorf("replayed command at or below K=%d: %v", k, replaySeqs)
		}
	}
}

func TestTelemetryMergesAndAcks(t *testing.T) {
	mock := transport.NewMock()
	rt := newTestRuntime(t, mock, "ok")

	mock.Inject(event(protocol.EventHello, 1, nil))
	mock.Inject(event(protocol.EventTelemetry, 2, map[string]any{"battery": 76.5, "rssi": -71.0}))

	waitFor(t, mock, func(sent []*protocol.Envelope) bool {
		for _, c := range sent {
			if c.Type == string(protocol.CommandAck) && c.Int(-1, "ack_seq") == 2 {
				return true
			}
		}
		return false
	}, "telemetry ack")

	s := rt.Sessions().Get("dev-001", "s1")
	if s == nil || s.Telemetry["battery"] != 76.5 {
		t.Errorf("telemetry not merged: %+v", s)
	}
	if structured, ok := s.Metadata["telemetry_structured"].(map[string]any); !ok || structured["battery"] == nil {
		t.Errorf("telemetry not normalized: %+v", s.Metadata)
	}
}
