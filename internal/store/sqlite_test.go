package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "opencane.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	sess := &DeviceSession{
		DeviceID:    "dev-001",
		SessionID:   "s1",
		State:       "ready",
		LastRecvSeq: 4,
		OutboundSeq: 2,
		Telemetry:   map[string]any{"battery": 80.0},
		CreatedAtMS: now,
		LastSeenMS:  now,
	}
	if err := s.UpsertDeviceSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDeviceSession(ctx, "dev-001", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRecvSeq != 4 || got.OutboundSeq != 2 || got.State != "ready" {
		t.Errorf("unexpected session: %+v", got)
	}
	if got.Telemetry["battery"] != 80.0 {
		t.Errorf("telemetry not persisted: %v", got.Telemetry)
	}

	sess.LastRecvSeq = 9
	if err := s.UpsertDeviceSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetDeviceSession(ctx, "dev-001", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRecvSeq != 9 {
		t.Errorf("upsert did not update seq: %d", got.LastRecvSeq)
	}

	if _, err := s.GetDeviceSession(ctx, "dev-001", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskGuardedTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	task := &DigitalTask{
		TaskID:      "t1",
		SessionID:   "s1",
		DeviceID:    "dev-001",
		Goal:        "book a checkup",
		Status:      "pending",
		Notify:      true,
		Speak:       true,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	if err := s.CreateDigitalTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	ok, err := s.UpdateTaskIfStatus(ctx, "t1", []string{"pending"}, func(dt *DigitalTask) {
		dt.Status = "running"
	})
	if err != nil || !ok {
		t.Fatalf("expected transition to succeed: ok=%v err=%v", ok, err)
	}

	// The task is no longer pending: a second pending->running guard must fail.
	ok, err = s.UpdateTaskIfStatus(ctx, "t1", []string{"pending"}, func(dt *DigitalTask) {
		dt.Status = "running"
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("guard allowed a transition from the wrong status")
	}

	got, err := s.GetDigitalTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "running" {
		t.Errorf("status = %q", got.Status)
	}
	if got.UpdatedAtMS < got.CreatedAtMS {
		t.Error("updated_at must never precede created_at")
	}
}

func TestPushQueueSharedIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	push := &PushUpdate{
		TaskID:   "t1",
		DeviceID: "dev-001",
		Status:   "running",
		Payload:  map[string]any{"message": "working"},
	}
	if err := s.EnqueuePushUpdate(ctx, push); err != nil {
		t.Fatal(err)
	}
	// Retries share the (device_id, task_id, status) identity.
	if err := s.EnqueuePushUpdate(ctx, push); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListPendingPushUpdates(ctx, "dev-001", time.Now().UnixMilli(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending push, got %d", len(pending))
	}

	if err := s.MarkPushUpdateRetry(ctx, pending[0].ID, "offline", time.Now().UnixMilli()+60_000); err != nil {
		t.Fatal(err)
	}
	pending, err = s.ListPendingPushUpdates(ctx, "dev-001", time.Now().UnixMilli(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Error("push with a future next_attempt_at must not be listed")
	}

	if err := s.MarkPushUpdateSent(ctx, 1, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
}

func TestObservabilitySamples(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		err := s.AppendObservabilitySample(ctx, &ObservabilitySample{
			TSMS:   base + int64(i*1000),
			Sample: map[string]any{"events": float64(i)},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	samples, err := s.ListObservabilitySamples(ctx, base+1000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Errorf("expected 2 samples after cutoff, got %d", len(samples))
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opencane.db")
	s1, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	s1.Close()
	// Reopen: migrations must be a no-op, not a failure.
	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	s2.Close()
}
