package task

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iflabx/opencane/internal/store"
	"github.com/iflabx/opencane/pkg/provider"
)

type stubTools struct {
	mu       sync.Mutex
	delay    time.Duration
	mcp      provider.StepResult
	fallback provider.StepResult
	stages   []string
}

func (s *stubTools) Execute(ctx context.Context, step provider.Step) (provider.StepResult, error) {
	s.mu.Lock()
	s.stages = append(s.stages, step.Stage)
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return provider.StepResult{}, ctx.Err()
		}
	}
	if step.Stage == "mcp" {
		return s.mcp, nil
	}
	return s.fallback, nil
}

func (s *stubTools) stageLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.stages))
	copy(out, s.stages)
	return out
}

type recordedPush struct {
	status  string
	taskID  string
	speak   bool
	message string
}

type pushRecorder struct {
	mu     sync.Mutex
	pushes []recordedPush
}

func (r *pushRecorder) push(ctx context.Context, p *store.PushUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, _ := p.Payload["message"].(string)
	speak, _ := p.Payload["speak"].(bool)
	r.pushes = append(r.pushes, recordedPush{status: p.Status, taskID: p.TaskID, speak: speak, message: msg})
	return nil
}

func (r *pushRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pushes))
	for _, p := range r.pushes {
		out = append(out, p.status)
	}
	return out
}

func newExecutor(t *testing.T, tools provider.ToolExecutor, opts Options) (*Executor, *store.SQLite, *pushRecorder) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	e := New(st, tools, opts)
	rec := &pushRecorder{}
	e.SetPusher(rec.push)
	e.Start(context.Background())
	t.Cleanup(e.Shutdown)
	return e, st, rec
}

func waitForStatus(t *testing.T, e *Executor, taskID, want string, timeout time.Duration) *store.DigitalTask {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := e.Get(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(20 * time.Millisecond)
	}
	task, _ := e.Get(context.Background(), taskID)
	t.Fatalf("task %s never reached %s (now %v)", taskID, want, task)
	return nil
}

func TestMCPSuccessSkipsFallback(t *testing.T) {
	tools := &stubTools{mcp: provider.StepResult{Success: true, Output: "booked"}}
	e, _, _ := newExecutor(t, tools, DefaultOptions())

	task, err := e.Execute(context.Background(), ExecuteRequest{Goal: "book a checkup", SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	final := waitForStatus(t, e, task.TaskID, StatusSuccess, 3*time.Second)
	if final.Result["execution_path"] != "mcp" {
		t.Errorf("execution path = %v", final.Result["execution_path"])
	}
	stages := tools.stageLog()
	if len(stages) != 1 || stages[0] != "mcp" {
		t.Errorf("stages = %v", stages)
	}
}

func TestFallbackOnMCPFailure(t *testing.T) {
	tools := &stubTools{
		mcp:      provider.StepResult{Success: false, FallbackRequired: true},
		fallback: provider.StepResult{Success: true, Output: "done via web"},
	}
	e, _, _ := newExecutor(t, tools, DefaultOptions())

	task, _ := e.Execute(context.Background(), ExecuteRequest{Goal: "find pharmacy hours", SessionID: "s1"})
	final := waitForStatus(t, e, task.TaskID, StatusSuccess, 3*time.Second)
	if final.Result["execution_path"] != "web_exec_fallback" {
		t.Errorf("execution path = %v", final.Result["execution_path"])
	}
	stages := tools.stageLog()
	if len(stages) != 2 || stages[1] != "fallback" {
		t.Errorf("stages = %v", stages)
	}
}

func TestTimeoutForcesTerminalStatus(t *testing.T) {
	tools := &stubTools{delay: 2 * time.Second, mcp: provider.StepResult{Success: true}}
	e, _, rec := newExecutor(t, tools, DefaultOptions())

	start := time.Now()
	task, _ := e.Execute(context.Background(), ExecuteRequest{
		Goal: "long op", SessionID: "s1", DeviceID: "dev-001",
		TimeoutSeconds: 1, Notify: true,
	})
	waitForStatus(t, e, task.TaskID, StatusTimeout, 3*time.Second)
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("timeout took %v, want ~1.2s", elapsed)
	}

	want := []string{StatusPending, StatusRunning, StatusTimeout}
	deadline := time.Now().Add(time.Second)
	for len(rec.statuses()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := rec.statuses()
	if len(got) != len(want) {
		t.Fatalf("pushes = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("push[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestInterruptPrevious(t *testing.T) {
	tools := &stubTools{delay: 5 * time.Second, mcp: provider.StepResult{Success: true}}
	e, _, _ := newExecutor(t, tools, DefaultOptions())
	ctx := context.Background()

	first, _ := e.Execute(ctx, ExecuteRequest{Goal: "slow goal", DeviceID: "dev-001", SessionID: "s1"})
	waitForStatus(t, e, first.TaskID, StatusRunning, 2*time.Second)

	second, err := e.Execute(ctx, ExecuteRequest{
		Goal: "urgent goal", DeviceID: "dev-001", SessionID: "s1", InterruptPrevious: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	canceled := waitForStatus(t, e, first.TaskID, StatusCanceled, 2*time.Second)
	if canceled.Error != "interrupt_previous" {
		t.Errorf("cancel reason = %q", canceled.Error)
	}
	if second.Status != StatusPending && second.Status != StatusRunning {
		t.Errorf("second task status = %s", second.Status)
	}
}

func TestInterruptPreviousNoPriorIsNoop(t *testing.T) {
	tools := &stubTools{mcp: provider.StepResult{Success: true, Output: "ok"}}
	e, _, _ := newExecutor(t, tools, DefaultOptions())

	task, err := e.Execute(context.Background(), ExecuteRequest{
		Goal: "only task", DeviceID: "dev-009", InterruptPrevious: true,
	})
	if err != nil {
		t.Fatalf("interrupt_previous with no prior task must not error: %v", err)
	}
	waitForStatus(t, e, task.TaskID, StatusSuccess, 3*time.Second)
}

func TestRecoverTimesOutExpiredTasks(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	now := time.Now()

	expired := &store.DigitalTask{
		TaskID: "expired", SessionID: "s1", Goal: "g", Status: StatusRunning,
		TimeoutSeconds: 1, DeadlineMS: now.Add(-time.Minute).UnixMilli(),
		CreatedAtMS: now.Add(-2 * time.Minute).UnixMilli(), UpdatedAtMS: now.Add(-2 * time.Minute).UnixMilli(),
	}
	fresh := &store.DigitalTask{
		TaskID: "fresh", SessionID: "s1", Goal: "g", Status: StatusRunning,
		TimeoutSeconds: 600, DeadlineMS: now.Add(10 * time.Minute).UnixMilli(),
		CreatedAtMS: now.UnixMilli(), UpdatedAtMS: now.UnixMilli(),
	}
	if err := st.CreateDigitalTask(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateDigitalTask(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	tools := &stubTools{mcp: provider.StepResult{Success: true, Output: "ok"}}
	e := New(st, tools, DefaultOptions())
	e.Start(ctx)
	defer e.Shutdown()

	recovered, err := e.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 1 {
		t.Errorf("recovered = %d, want 1", recovered)
	}
	got, _ := st.GetDigitalTask(ctx, "expired")
	if got.Status != StatusTimeout {
		t.Errorf("expired task status = %s", got.Status)
	}
	waitForStatus(t, e, "fresh", StatusSuccess, 3*time.Second)
}
