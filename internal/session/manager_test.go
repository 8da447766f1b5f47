package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/iflabx/opencane/internal/protocol"
)

func TestGetOrCreateDefaultSession(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	s := m.GetOrCreate(ctx, "dev-001", "")
	if s.SessionID != "dev-001-default" {
		t.Errorf("expected deterministic default session id, got %q", s.SessionID)
	}

	// Control events without a session id reuse the device's current session.
	named := m.GetOrCreate(ctx, "dev-001", "s1")
	reused := m.GetOrCreate(ctx, "dev-001", "")
	if reused != named {
		t.Error("expected latest session to be reused when session_id is absent")
	}
}

func TestCheckAndCommitSeq(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	s := m.GetOrCreate(ctx, "dev-001", "s1")

	cases := []struct {
		seq  int64
		want SeqResult
	}{
		{1, SeqNew},
		{2, SeqNew},
		{2, SeqDuplicate},
		{1, SeqDuplicate},
		{5, SeqNew}, // gap is new, no re-request
		{3, SeqDuplicate},
		{-1, SeqNew}, // unsequenced
	}
	for _, tc := range cases {
		if got := m.CheckAndCommitSeq(ctx, s, tc.seq); got != tc.want {
			t.Errorf("seq %d: got %v want %v", tc.seq, got, tc.want)
		}
	}
	if s.LastRecvSeq != 5 {
		t.Errorf("last_recv_seq = %d", s.LastRecvSeq)
	}
}

func TestNextOutboundSeqDistinct(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	s := m.GetOrCreate(ctx, "dev-001", "s1")

	const n = 200
	var wg sync.WaitGroup
	seen := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- m.NextOutboundSeq(ctx, s)
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	var max int64
	for seq := range seen {
		if unique[seq] {
			t.Fatalf("outbound seq %d allocated twice", seq)
		}
		unique[seq] = true
		if seq > max {
			max = seq
		}
	}
	if max != n {
		t.Errorf("expected max seq %d, got %d", n, max)
	}
}

func TestReplayWindowEviction(t *testing.T) {
	m := NewManager(nil, WithReplayWindow(4))
	ctx := context.Background()
	s := m.GetOrCreate(ctx, "dev-001", "s1")

	for i := 1; i <= 10; i++ {
		seq := m.NextOutboundSeq(ctx, s)
		m.RecordCommand(s, protocol.NewCommand(protocol.CommandAck, "dev-001", "s1", seq,
			map[string]any{"ack_seq": i}))
	}

	replay := m.ReplayAfter(s, 0)
	if len(replay) != 4 {
		t.Fatalf("expected ring of 4, got %d", len(replay))
	}
	for i, env := range replay {
		want := int64(7 + i)
		if env.Seq != want {
			t.Errorf("replay[%d].Seq = %d, want %d", i, env.Seq, want)
		}
	}

	partial := m.ReplayAfter(s, 8)
	if len(partial) != 2 {
		t.Errorf("expected 2 commands after seq 8, got %d", len(partial))
	}
}

func TestPendingOverflowDropsOldest(t *testing.T) {
	m := NewManager(nil, WithPendingLimit(3))
	ctx := context.Background()
	s := m.GetOrCreate(ctx, "dev-001", "s1")

	for i := 1; i <= 5; i++ {
		m.BufferPending(s, protocol.NewCommand(protocol.CommandTaskUpdate, "dev-001", "s1", int64(i),
			map[string]any{"n": fmt.Sprint(i)}))
	}
	drained := m.DrainPending(s)
	if len(drained) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(drained))
	}
	if drained[0].Seq != 3 || drained[2].Seq != 5 {
		t.Errorf("oldest-drop violated: first=%d last=%d", drained[0].Seq, drained[2].Seq)
	}
	if again := m.DrainPending(s); len(again) != 0 {
		t.Error("drain must empty the buffer")
	}
}

func TestCloseClearsLatest(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	s := m.GetOrCreate(ctx, "dev-001", "s1")
	m.Close(ctx, "dev-001", "s1", "idle_timeout")

	if s.State != StateClosing || s.CloseRsn != "idle_timeout" {
		t.Errorf("close state not applied: %v %q", s.State, s.CloseRsn)
	}
	// A new default session is created rather than reusing the closed one.
	next := m.GetOrCreate(ctx, "dev-001", "")
	if next == s {
		t.Error("closed session must not be reused")
	}
}
