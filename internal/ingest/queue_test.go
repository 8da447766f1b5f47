package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRejectPolicyAtCapacity(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue(2, 1, Reject, func(ctx context.Context, job *Job) {
		<-block
		job.Status = StatusDone
	})
	q.Start(context.Background())
	defer func() {
		close(block)
		q.Stop(time.Second)
	}()

	ctx := context.Background()
	// One job occupies the worker; fill the buffer to exact capacity.
	if err := q.Enqueue(ctx, NewJob("s1", "d1", []byte{1}, "", "", "")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, NewJob("s1", "d1", []byte{1}, "", "", "")); err != nil {
			t.Fatal(err)
		}
	}

	err := q.Enqueue(ctx, NewJob("s1", "d1", []byte{1}, "", "", ""))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Stats().Rejected != 1 {
		t.Errorf("rejected count = %d", q.Stats().Rejected)
	}
}

func TestDropOldestPolicy(t *testing.T) {
	block := make(chan struct{})
	var processed atomic.Int32
	q := NewQueue(2, 1, DropOldest, func(ctx context.Context, job *Job) {
		if len(job.Bytes) > 0 && job.Bytes[0] != 0 {
			processed.Add(1)
		}
		job.Status = StatusDone
		<-block
	})
	q.Start(context.Background())
	defer q.Stop(time.Second)

	ctx := context.Background()
	q.Enqueue(ctx, NewJob("s1", "d1", []byte{0}, "", "", "")) // heads to the worker
	time.Sleep(50 * time.Millisecond)
	q.Enqueue(ctx, NewJob("s1", "d1", []byte{1}, "", "", ""))
	q.Enqueue(ctx, NewJob("s1", "d1", []byte{2}, "", "", ""))
	q.Enqueue(ctx, NewJob("s1", "d1", []byte{3}, "", "", "")) // evicts {1}

	if q.Stats().Dropped != 1 {
		t.Errorf("dropped count = %d", q.Stats().Dropped)
	}
	close(block)
	deadline := time.Now().Add(2 * time.Second)
	for processed.Load() != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if processed.Load() != 2 {
		t.Errorf("expected jobs 2 and 3 processed, got %d", processed.Load())
	}
}

func TestCancelSessionSkipsQueuedOnly(t *testing.T) {
	started := make(chan string, 8)
	release := make(chan struct{})
	q := NewQueue(8, 1, Reject, func(ctx context.Context, job *Job) {
		started <- job.JobID
		<-release
		job.Status = StatusDone
	})
	q.Start(context.Background())
	defer q.Stop(time.Second)

	ctx := context.Background()
	inflight := NewJob("s1", "d1", []byte{1}, "", "", "")
	q.Enqueue(ctx, inflight)
	<-started // in-flight now

	queued := NewJob("s1", "d1", []byte{2}, "", "", "")
	other := NewJob("s2", "d2", []byte{3}, "", "", "")
	q.Enqueue(ctx, queued)
	q.Enqueue(ctx, other)

	q.CancelSession("s1")
	close(release)

	select {
	case id := <-started:
		if id != other.JobID {
			t.Errorf("canceled session's queued job ran: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("other session's job never started")
	}
	if inflight.Status != StatusDone {
		t.Error("in-flight job must run to completion")
	}
}

func TestWaitPolicyBlocksUntilSpace(t *testing.T) {
	release := make(chan struct{})
	q := NewQueue(1, 1, Wait, func(ctx context.Context, job *Job) {
		<-release
		job.Status = StatusDone
	})
	q.Start(context.Background())
	defer q.Stop(time.Second)

	ctx := context.Background()
	q.Enqueue(ctx, NewJob("s1", "d1", []byte{1}, "", "", ""))
	time.Sleep(50 * time.Millisecond)
	q.Enqueue(ctx, NewJob("s1", "d1", []byte{2}, "", "", ""))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, NewJob("s1", "d1", []byte{3}, "", "", ""))
	}()
	select {
	case <-done:
		t.Fatal("wait-policy enqueue returned while full")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait-policy enqueue never completed")
	}
}

func TestStatsUtilization(t *testing.T) {
	q := NewQueue(4, 1, Reject, func(ctx context.Context, job *Job) { job.Status = StatusDone })
	// Not started: jobs stay queued.
	ctx := context.Background()
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.Enqueue(ctx, NewJob("s1", "d1", nil, "", "", ""))
	q.Enqueue(ctx, NewJob("s1", "d1", nil, "", "", ""))
	s := q.Stats()
	if s.Depth != 2 || s.Utilization != 0.5 {
		t.Errorf("stats = %+v", s)
	}
}
