// internal/task/executor.go
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/iflabx/opencane/internal/store"
	"github.com/iflabx/opencane/pkg/provider"
)

// Task statuses. Terminal statuses are sinks.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusTimeout  = "timeout"
	StatusCanceled = "canceled"
)

var runnableStatuses = []string{StatusPending, StatusRunning}

// ErrConflict is returned when a task id already exists.
var ErrConflict = errors.New("task: already exists")

// Options configure the executor.
type Options struct {
	DefaultTimeoutSeconds int
	MaxConcurrentTasks    int
	StatusRetryCount      int
	StatusRetryBackoff    time.Duration
}

// DefaultOptions returns the executor defaults.
func DefaultOptions() Options {
	return Options{
		DefaultTimeoutSeconds: 120,
		MaxConcurrentTasks:    4,
		StatusRetryCount:      2,
		StatusRetryBackoff:    300 * time.Millisecond,
	}
}

// ExecuteRequest creates one digital task.
type ExecuteRequest struct {
	Goal              string           `json:"goal"`
	SessionID         string           `json:"session_id"`
	DeviceID          string           `json:"device_id"`
	TaskID            string           `json:"task_id"`
	TimeoutSeconds    int              `json:"timeout_seconds"`
	Notify            bool             `json:"notify"`
	Speak             bool             `json:"speak"`
	InterruptPrevious bool             `json:"interrupt_previous"`
	Steps             []store.TaskStep `json:"steps"`
}

// PushFunc delivers one task_update push to the device. A non-nil error
// means the push was not delivered and will be retried.
type PushFunc func(ctx context.Context, p *store.PushUpdate) error

// Executor owns the digital task state machine: bounded concurrency,
// absolute deadlines, interrupt-previous, and the reliable push queue.
type Executor struct {
	opts  Options
	st    store.Store
	tools provider.ToolExecutor

	pusher PushFunc
	sem    *semaphore.Weighted

	mu            sync.Mutex
	cancels       map[string]context.CancelFunc
	cancelReasons map[string]string
	activeByDev   map[string]string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates an executor. tools may be nil, in which case every task fails.
func New(st store.Store, tools provider.ToolExecutor, opts Options) *Executor {
	if opts.DefaultTimeoutSeconds <= 0 {
		opts.DefaultTimeoutSeconds = 120
	}
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 4
	}
	if opts.StatusRetryBackoff <= 0 {
		opts.StatusRetryBackoff = 300 * time.Millisecond
	}
	return &Executor{
		opts:          opts,
		st:            st,
		tools:         tools,
		sem:           semaphore.NewWeighted(int64(opts.MaxConcurrentTasks)),
		cancels:       make(map[string]context.CancelFunc),
		cancelReasons: make(map[string]string),
		activeByDev:   make(map[string]string),
	}
}

// SetPusher registers the device push delivery function.
func (e *Executor) SetPusher(fn PushFunc) { e.pusher = fn }

// Start prepares the executor's lifecycle context.
func (e *Executor) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
}

// Shutdown cancels running tasks and waits for them to settle.
func (e *Executor) Shutdown() {
	if !e.started {
		return
	}
	e.cancel()
	e.wg.Wait()
}

// Execute creates and schedules a task. With interrupt_previous set, any
// non-terminal task on the same device is canceled first; no prior task is
// a no-op, not an error.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*store.DigitalTask, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, fmt.Errorf("task: goal is required")
	}
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		taskID = uuid.New().String()[:12]
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = "digital-" + taskID
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeoutSeconds
	}

	if existing, err := e.st.GetDigitalTask(ctx, taskID); err == nil && existing != nil {
		return existing, ErrConflict
	}

	if req.InterruptPrevious && req.DeviceID != "" {
		e.interruptPrevious(ctx, req.DeviceID, taskID)
	}

	now := time.Now()
	task := &store.DigitalTask{
		TaskID:         taskID,
		SessionID:      sessionID,
		DeviceID:       req.DeviceID,
		Goal:           goal,
		Status:         StatusPending,
		Steps:          append(req.Steps, step("accepted", "ok", "task accepted")),
		TimeoutSeconds: timeout,
		DeadlineMS:     now.Add(time.Duration(timeout) * time.Second).UnixMilli(),
		Notify:         req.Notify,
		Speak:          req.Speak,
		CreatedAtMS:    now.UnixMilli(),
		UpdatedAtMS:    now.UnixMilli(),
	}
	if err := e.st.CreateDigitalTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if req.DeviceID != "" {
		e.mu.Lock()
		e.activeByDev[req.DeviceID] = taskID
		e.mu.Unlock()
	}
	e.emitStatus(ctx, task, StatusPending, "Task accepted, starting now.")
	e.schedule(task)
	return task, nil
}

// Cancel transitions a runnable task to canceled and interrupts its
// in-flight tool call.
func (e *Executor) Cancel(ctx context.Context, taskID, reason string) (*store.DigitalTask, error) {
	if reason == "" {
		reason = "manual_cancel"
	}
	changed, err := e.st.UpdateTaskIfStatus(ctx, taskID, runnableStatuses, func(t *store.DigitalTask) {
		t.Status = StatusCanceled
		t.Error = reason
		t.Steps = append(t.Steps, step("canceled", "ok", reason))
	})
	if err != nil {
		return nil, err
	}
	task, getErr := e.st.GetDigitalTask(ctx, taskID)
	if getErr != nil {
		return nil, getErr
	}
	if !changed {
		return task, fmt.Errorf("task: already %s", task.Status)
	}
	e.mu.Lock()
	e.cancelReasons[taskID] = reason
	cancel := e.cancels[taskID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.emitStatus(ctx, task, StatusCanceled, "Task canceled.")
	return task, nil
}

// Get returns the persisted task.
func (e *Executor) Get(ctx context.Context, taskID string) (*store.DigitalTask, error) {
	return e.st.GetDigitalTask(ctx, taskID)
}

// List returns tasks matching the query.
func (e *Executor) List(ctx context.Context, q store.TaskQuery) ([]*store.DigitalTask, error) {
	return e.st.ListDigitalTasks(ctx, q)
}

// Stats returns status counts.
func (e *Executor) Stats(ctx context.Context, sessionID string) (map[string]int64, error) {
	return e.st.TaskStats(ctx, sessionID)
}

// Recover reloads unfinished tasks after restart. Tasks whose deadline has
// passed transition to timeout; the rest are rescheduled.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	tasks, err := e.st.ListUnfinishedTasks(ctx, 200)
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	recovered := 0
	for _, t := range tasks {
		if t.DeadlineMS > 0 && t.DeadlineMS < now {
			changed, _ := e.st.UpdateTaskIfStatus(ctx, t.TaskID, runnableStatuses, func(dt *store.DigitalTask) {
				dt.Status = StatusTimeout
				dt.Error = "deadline passed during restart"
				dt.Steps = append(dt.Steps, step("timeout", "error", "deadline passed during restart"))
			})
			if changed {
				if task, err := e.st.GetDigitalTask(ctx, t.TaskID); err == nil {
					e.emitStatus(ctx, task, StatusTimeout, "Task timed out.")
				}
			}
			continue
		}
		if t.Status == StatusRunning {
			e.st.UpdateTaskIfStatus(ctx, t.TaskID, []string{StatusRunning}, func(dt *store.DigitalTask) {
				dt.Status = StatusPending
				dt.Steps = append(dt.Steps, step("recovered", "ok", "task recovered after restart"))
			})
			t.Status = StatusPending
		}
		if t.DeviceID != "" {
			e.mu.Lock()
			e.activeByDev[t.DeviceID] = t.TaskID
			e.mu.Unlock()
		}
		e.schedule(t)
		recovered++
	}
	return recovered, nil
}

// FlushPending delivers queued pushes for a device, typically on hello.
func (e *Executor) FlushPending(ctx context.Context, deviceID string, limit int) (sent, retried int, err error) {
	if e.pusher == nil {
		return 0, 0, fmt.Errorf("task: no pusher configured")
	}
	items, err := e.st.ListPendingPushUpdates(ctx, deviceID, time.Now().UnixMilli(), limit)
	if err != nil {
		return 0, 0, err
	}
	for _, item := range items {
		if pushErr := e.pusher(ctx, item); pushErr != nil {
			delay := e.opts.StatusRetryBackoff * time.Duration(item.Attempts+1)
			e.st.MarkPushUpdateRetry(ctx, item.ID, pushErr.Error(), time.Now().Add(delay).UnixMilli())
			retried++
			continue
		}
		e.st.MarkPushUpdateSent(ctx, item.ID, time.Now().UnixMilli())
		sent++
	}
	return sent, retried, nil
}

func (e *Executor) interruptPrevious(ctx context.Context, deviceID, currentTaskID string) {
	e.mu.Lock()
	previous := e.activeByDev[deviceID]
	e.mu.Unlock()
	if previous == "" || previous == currentTaskID {
		return
	}
	prior, err := e.st.GetDigitalTask(ctx, previous)
	if err != nil || prior == nil {
		return
	}
	if prior.Status == StatusPending || prior.Status == StatusRunning {
		if _, err := e.Cancel(ctx, previous, "interrupt_previous"); err != nil {
			slog.Debug("interrupt previous failed", "task_id", previous, "error", err)
		}
	}
}

func (e *Executor) schedule(task *store.DigitalTask) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(task)
	}()
}

func (e *Executor) run(task *store.DigitalTask) {
	base := e.ctx
	if base == nil {
		base = context.Background()
	}
	deadline := time.UnixMilli(task.DeadlineMS)
	runCtx, cancel := context.WithDeadline(base, deadline)
	defer cancel()

	e.mu.Lock()
	e.cancels[task.TaskID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, task.TaskID)
		delete(e.cancelReasons, task.TaskID)
		if task.DeviceID != "" && e.activeByDev[task.DeviceID] == task.TaskID {
			delete(e.activeByDev, task.DeviceID)
		}
		e.mu.Unlock()
	}()

	// Bounded concurrency: extra tasks stay pending until a slot frees up.
	if err := e.sem.Acquire(runCtx, 1); err != nil {
		e.finishWithContextError(task, runCtx)
		return
	}
	defer e.sem.Release(1)

	changed, err := e.st.UpdateTaskIfStatus(runCtx, task.TaskID, []string{StatusPending}, func(t *store.DigitalTask) {
		t.Status = StatusRunning
		t.Steps = append(t.Steps, step("running", "ok", "task running"))
	})
	if err != nil || !changed {
		return
	}
	if running, err := e.st.GetDigitalTask(runCtx, task.TaskID); err == nil {
		e.emitStatus(runCtx, running, StatusRunning, "Working on it.")
	}

	result, runErr := e.executeStages(runCtx, task)
	switch {
	case runErr == nil:
		preview := shorten(result.Output, 120)
		message := "Task complete."
		if preview != "" {
			message = "Task complete. " + preview
		}
		e.transitionFromRunning(task, StatusSuccess, "", map[string]any{
			"text":           result.Output,
			"execution_path": result.path,
		}, message)
	case errors.Is(runErr, context.DeadlineExceeded):
		e.transitionFromRunning(task, StatusTimeout,
			fmt.Sprintf("timeout after %ds", task.TimeoutSeconds), nil,
			"Task timed out. Please try again later.")
	case errors.Is(runErr, context.Canceled):
		e.finishCanceled(task)
	default:
		e.transitionFromRunning(task, StatusFailed, runErr.Error(), nil, "Task failed.")
	}
}

type stageResult struct {
	Output string
	path   string
}

// executeStages runs the MCP-first strategy: any non-success MCP outcome
// falls back to the general web/exec path.
func (e *Executor) executeStages(ctx context.Context, task *store.DigitalTask) (stageResult, error) {
	if e.tools == nil {
		return stageResult{}, fmt.Errorf("no tool executor configured")
	}
	mcp, err := e.tools.Execute(ctx, provider.Step{
		TaskID:  task.TaskID,
		Goal:    task.Goal,
		Stage:   "mcp",
		Session: task.SessionID,
	})
	if err == nil && mcp.Success && !mcp.FallbackRequired {
		return stageResult{Output: mcp.Output, path: "mcp"}, nil
	}
	if ctx.Err() != nil {
		return stageResult{}, ctx.Err()
	}
	fallback, err := e.tools.Execute(ctx, provider.Step{
		TaskID:  task.TaskID,
		Goal:    task.Goal,
		Stage:   "fallback",
		Session: task.SessionID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return stageResult{}, ctx.Err()
		}
		return stageResult{}, err
	}
	if !fallback.Success {
		return stageResult{}, fmt.Errorf("fallback execution failed: %s", orText(fallback.Error, "no result"))
	}
	return stageResult{Output: fallback.Output, path: "web_exec_fallback"}, nil
}

func (e *Executor) transitionFromRunning(task *store.DigitalTask, status, errText string, result map[string]any, message string) {
	ctx := context.Background()
	stepStatus := "ok"
	if status != StatusSuccess {
		stepStatus = "error"
	}
	changed, err := e.st.UpdateTaskIfStatus(ctx, task.TaskID, []string{StatusRunning}, func(t *store.DigitalTask) {
		t.Status = status
		t.Error = errText
		if result != nil {
			t.Result = result
		}
		t.Steps = append(t.Steps, step(status, stepStatus, orText(errText, message)))
	})
	if err != nil || !changed {
		return
	}
	if final, err := e.st.GetDigitalTask(ctx, task.TaskID); err == nil {
		e.emitStatus(ctx, final, status, message)
	}
}

func (e *Executor) finishCanceled(task *store.DigitalTask) {
	ctx := context.Background()
	e.mu.Lock()
	reason := e.cancelReasons[task.TaskID]
	e.mu.Unlock()
	if reason == "" {
		reason = "canceled"
	}
	// Cancel() already transitioned and pushed; this covers runtime-shutdown
	// cancellation where the status row is still runnable.
	changed, _ := e.st.UpdateTaskIfStatus(ctx, task.TaskID, runnableStatuses, func(t *store.DigitalTask) {
		t.Status = StatusCanceled
		t.Error = reason
		t.Steps = append(t.Steps, step("canceled", "ok", reason))
	})
	if changed {
		if final, err := e.st.GetDigitalTask(ctx, task.TaskID); err == nil {
			e.emitStatus(ctx, final, StatusCanceled, "Task canceled.")
		}
	}
}

func (e *Executor) finishWithContextError(task *store.DigitalTask, ctx context.Context) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.transitionFromRunning(task, StatusTimeout,
			fmt.Sprintf("timeout after %ds", task.TimeoutSeconds), nil, "Task timed out.")
		// The task may still be pending; force the same transition from there.
		e.st.UpdateTaskIfStatus(context.Background(), task.TaskID, []string{StatusPending}, func(t *store.DigitalTask) {
			t.Status = StatusTimeout
			t.Error = fmt.Sprintf("timeout after %ds", task.TimeoutSeconds)
			t.Steps = append(t.Steps, step("timeout", "error", t.Error))
		})
		return
	}
	e.finishCanceled(task)
}

// emitStatus enqueues exactly one push per status transition and attempts
// immediate delivery with bounded retries. Undeliverable pushes stay queued
// for replay on the device's next hello.
func (e *Executor) emitStatus(ctx context.Context, task *store.DigitalTask, status, message string) {
	if !task.Notify || task.DeviceID == "" {
		return
	}
	push := &store.PushUpdate{
		TaskID:    task.TaskID,
		DeviceID:  task.DeviceID,
		SessionID: task.SessionID,
		Status:    status,
		Payload: map[string]any{
			"task_id": task.TaskID,
			"status":  status,
			"message": message,
			"speak":   task.Speak,
		},
	}
	if err := e.st.EnqueuePushUpdate(ctx, push); err != nil {
		slog.Debug("push enqueue failed", "task_id", task.TaskID, "status", status, "error", err)
	}
	if e.pusher == nil {
		return
	}
	attempts := e.opts.StatusRetryCount + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err := e.pusher(ctx, push)
		if err == nil {
			// Locate the queued row and mark it sent.
			if items, listErr := e.st.ListPendingPushUpdates(ctx, task.DeviceID, time.Now().UnixMilli(), 50); listErr == nil {
				for _, item := range items {
					if item.TaskID == task.TaskID && item.Status == status {
						e.st.MarkPushUpdateSent(ctx, item.ID, time.Now().UnixMilli())
					}
				}
			}
			return
		}
		if attempt == attempts {
			slog.Debug("task push queued after retries",
				"task_id", task.TaskID, "status", status, "error", err)
			return
		}
		select {
		case <-time.After(e.opts.StatusRetryBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

func step(stage, status, message string) store.TaskStep {
	return store.TaskStep{
		TS:      time.Now().UnixMilli(),
		Stage:   stage,
		Status:  status,
		Message: message,
	}
}

func shorten(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return strings.TrimSpace(text[:max-3]) + "..."
}

func orText(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
