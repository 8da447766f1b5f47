// internal/httpapi/server.go
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/iflabx/opencane/internal/ingest"
	"github.com/iflabx/opencane/internal/observe"
	"github.com/iflabx/opencane/internal/protocol"
	"github.com/iflabx/opencane/internal/runtime"
	"github.com/iflabx/opencane/internal/store"
	"github.com/iflabx/opencane/internal/task"
	"github.com/iflabx/opencane/internal/transport"
	"github.com/iflabx/opencane/internal/vector"
)

// Server is the control HTTP surface over the runtime.
type Server struct {
	rt      *runtime.Runtime
	tasks   *task.Executor
	st      store.Store
	index   vector.Index
	ingestQ *ingest.Queue
	mock    *transport.Mock

	security   SecurityConfig
	thresholds observe.Thresholds
	limiter    *rateLimiter
	replay     *replayProtector

	mux *http.ServeMux
}

// Deps are the collaborators the control surface reads from and writes to.
type Deps struct {
	Runtime *runtime.Runtime
	Tasks   *task.Executor
	Store   store.Store
	Index   vector.Index
	Ingest  *ingest.Queue
	// Mock, when set, backs POST /v1/device/event injection.
	Mock *transport.Mock
}

// NewServer builds the control API handler.
func NewServer(security SecurityConfig, thresholds observe.Thresholds, deps Deps) *Server {
	s := &Server{
		rt:         deps.Runtime,
		tasks:      deps.Tasks,
		st:         deps.Store,
		index:      deps.Index,
		ingestQ:    deps.Ingest,
		mock:       deps.Mock,
		security:   security,
		thresholds: thresholds,
		limiter:    newRateLimiter(security.RequestsPerMinute, security.Burst),
		replay:     newReplayProtector(security.ReplayWindowSec),
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/runtime/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/runtime/observability", s.handleObservability)
	s.mux.HandleFunc("GET /v1/runtime/observability/history", s.handleObservabilityHistory)

	s.mux.HandleFunc("POST /v1/device/register", s.deviceLifecycle("registered"))
	s.mux.HandleFunc("POST /v1/device/bind", s.deviceLifecycle("bound"))
	s.mux.HandleFunc("POST /v1/device/activate", s.deviceLifecycle("activated"))
	s.mux.HandleFunc("POST /v1/device/revoke", s.deviceLifecycle("revoked"))

	s.mux.HandleFunc("POST /v1/device/ops/dispatch", s.handleOpsDispatch)
	s.mux.HandleFunc("POST /v1/device/ops/", s.handleOpsAck)
	s.mux.HandleFunc("GET /v1/device/ops", s.handleOpsList)

	s.mux.HandleFunc("POST /v1/lifelog/enqueue_image", s.handleEnqueueImage)
	s.mux.HandleFunc("POST /v1/lifelog/query", s.handleLifelogQuery)
	s.mux.HandleFunc("GET /v1/lifelog/timeline", s.handleTimeline)
	s.mux.HandleFunc("GET /v1/lifelog/safety", s.handleSafetyEvents)
	s.mux.HandleFunc("GET /v1/lifelog/safety/stats", s.handleSafetyStats)

	s.mux.HandleFunc("POST /v1/digital-task/execute", s.handleTaskExecute)
	s.mux.HandleFunc("GET /v1/digital-task", s.handleTaskList)
	s.mux.HandleFunc("GET /v1/digital-task/stats", s.handleTaskStats)
	s.mux.HandleFunc("GET /v1/digital-task/", s.handleTaskGet)
	s.mux.HandleFunc("POST /v1/digital-task/", s.handleTaskCancel)

	s.mux.HandleFunc("POST /v1/device/event", s.handleInjectEvent)
}

// ServeHTTP applies auth, rate limiting and replay protection, then routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !s.limiter.allow(key) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}
	if s.security.Token != "" && bearerToken(r) != s.security.Token {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}
	if s.security.ReplayProtection && r.Method != http.MethodGet {
		nonce := r.Header.Get("X-Request-Nonce")
		ts := parseTimestampMS(r.Header.Get("X-Request-Timestamp"))
		if ok, reason := s.replay.validate(key, nonce, ts); !ok {
			writeError(w, http.StatusUnauthorized, "replay_rejected", reason)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// Listen serves the control API on addr until the listener is closed.
func (s *Server) Listen(addr string) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{Handler: s}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("control api stopped", "error", err)
		}
	}()
	slog.Info("control api listening", "addr", addr)
	return server, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.rt.Status()
	status["success"] = true
	if s.index != nil {
		status["vector_backend"] = s.index.Backend()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleObservability(w http.ResponseWriter, r *http.Request) {
	var utilization float64
	if s.ingestQ != nil {
		utilization = s.ingestQ.Stats().Utilization
	}
	report := observe.Evaluate(s.rt.Metrics().Snapshot(), utilization, s.thresholds)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"healthy": report.Healthy,
		"alerts":  report.Alerts,
		"rates":   report.Rates,
	})
}

func (s *Server) handleObservabilityHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	sinceMS := parseTimestampMS(r.URL.Query().Get("since"))
	if sinceMS == 0 {
		sinceMS = time.Now().Add(-24 * time.Hour).UnixMilli()
	}
	samples, err := s.st.ListObservabilitySamples(r.Context(), sinceMS, 500)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	points := make([]observe.Bucket, 0, len(samples))
	for _, sample := range samples {
		points = append(points, observe.Bucket{TSMS: sample.TSMS, Sample: sample.Sample})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "points": points})
}

func (s *Server) deviceLifecycle(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireStore(w) {
			return
		}
		var req struct {
			DeviceID string `json:"device_id"`
			Token    string `json:"token"`
			UserID   string `json:"user_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.DeviceID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "device_id is required")
			return
		}
		now := time.Now().UnixMilli()
		device := &store.Device{
			DeviceID:    req.DeviceID,
			Status:      status,
			UpdatedAtMS: now,
		}
		if existing, err := s.st.GetDevice(r.Context(), req.DeviceID); err == nil {
			device.Token = existing.Token
			device.UserID = existing.UserID
			device.CreatedAtMS = existing.CreatedAtMS
		} else {
			device.CreatedAtMS = now
		}
		if req.Token != "" {
			device.Token = req.Token
		}
		if req.UserID != "" {
			device.UserID = req.UserID
		}
		if err := s.st.UpsertDevice(r.Context(), device); err != nil {
			writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "device": device})
	}
}

func (s *Server) handleOpsDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID  string         `json:"device_id"`
		SessionID string         `json:"session_id"`
		OpType    string         `json:"op_type"`
		Payload   map[string]any `json:"payload"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.OpType == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "device_id and op_type are required")
		return
	}
	op, err := s.rt.DispatchOperation(r.Context(), req.DeviceID, req.SessionID, req.OpType, req.Payload, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "dispatch_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "operation": op})
}

// handleOpsAck serves POST /v1/device/ops/{operation_id}/ack.
func (s *Server) handleOpsAck(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/device/ops/")
	operationID, action, ok := strings.Cut(rest, "/")
	if !ok || action != "ack" || operationID == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown operation path")
		return
	}
	if err := s.st.MarkDeviceOperation(r.Context(), operationID, "acked", "", time.Now().UnixMilli()); err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	op, err := s.st.GetDeviceOperation(r.Context(), operationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "operation": op})
}

func (s *Server) handleOpsList(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	q := r.URL.Query()
	ops, err := s.st.ListDeviceOperations(r.Context(), store.OperationQuery{
		DeviceID: q.Get("device_id"),
		Status:   q.Get("status"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(ops), "items": ops})
}

// handleEnqueueImage mirrors an image_ready event arriving over HTTP.
func (s *Server) handleEnqueueImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		DeviceID  string `json:"device_id"`
		ImageB64  string `json:"image_base64"`
		Mime      string `json:"mime"`
		Question  string `json:"question"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.ImageB64 == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "session_id and image_base64 are required")
		return
	}
	image, err := base64.StdEncoding.DecodeString(req.ImageB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid image_base64")
		return
	}
	job := ingest.NewJob(req.SessionID, req.DeviceID, image, req.Mime, req.Question, "")
	if err := s.ingestQ.Enqueue(r.Context(), job); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": job.JobID})
}

func (s *Server) handleLifelogQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query     string `json:"query"`
		SessionID string `json:"session_id"`
		TopK      int    `json:"top_k"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "query is required")
		return
	}
	filters := map[string]string{}
	if req.SessionID != "" {
		filters["session_id"] = req.SessionID
	}
	hits, err := s.index.Query(r.Context(), req.Query, filters, req.TopK)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(hits), "items": hits})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	q := r.URL.Query()
	events, err := s.st.QueryLifelogEvents(r.Context(), store.EventQuery{
		SessionID: q.Get("session_id"),
		SinceMS:   parseTimestampMS(q.Get("since")),
		UntilMS:   parseTimestampMS(q.Get("until")),
		Limit:     100,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(events), "items": events})
}

func (s *Server) handleSafetyEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	events, err := s.st.QueryLifelogEvents(r.Context(), store.EventQuery{
		SessionID: r.URL.Query().Get("session_id"),
		EventType: "safety_policy",
		Limit:     100,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(events), "items": events})
}

func (s *Server) handleSafetyStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	events, err := s.st.QueryLifelogEvents(r.Context(), store.EventQuery{
		EventType: "safety_policy",
		Limit:     1000,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	downgraded := 0
	byRisk := map[string]int{}
	for _, ev := range events {
		if v, ok := ev.Payload["downgraded"].(bool); ok && v {
			downgraded++
		}
		byRisk[ev.RiskLevel]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"total":      len(events),
		"downgraded": downgraded,
		"by_risk":    byRisk,
	})
}

func (s *Server) handleTaskExecute(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	var req struct {
		Goal              string `json:"goal"`
		SessionID         string `json:"session_id"`
		DeviceID          string `json:"device_id"`
		TaskID            string `json:"task_id"`
		TimeoutSeconds    int    `json:"timeout_seconds"`
		Notify            *bool  `json:"notify"`
		Speak             *bool  `json:"speak"`
		InterruptPrevious bool             `json:"interrupt_previous"`
		Steps             []store.TaskStep `json:"steps"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "goal is required")
		return
	}
	created, err := s.tasks.Execute(r.Context(), task.ExecuteRequest{
		Goal:              req.Goal,
		SessionID:         req.SessionID,
		DeviceID:          req.DeviceID,
		TaskID:            req.TaskID,
		TimeoutSeconds:    req.TimeoutSeconds,
		Notify:            boolOr(req.Notify, true),
		Speak:             boolOr(req.Speak, true),
		InterruptPrevious: req.InterruptPrevious,
		Steps:             req.Steps,
	})
	if err != nil {
		code := "execute_failed"
		status := http.StatusBadRequest
		if created != nil {
			code = "conflict"
			status = http.StatusConflict
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accepted": true, "task": created})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	q := r.URL.Query()
	items, err := s.tasks.List(r.Context(), store.TaskQuery{
		SessionID: q.Get("session_id"),
		DeviceID:  q.Get("device_id"),
		Status:    q.Get("status"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(items), "items": items})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	stats, err := s.tasks.Stats(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

// handleTaskGet serves GET /v1/digital-task/{task_id}.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/v1/digital-task/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown task path")
		return
	}
	got, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": got})
}

// handleTaskCancel serves POST /v1/digital-task/{task_id}/cancel.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/digital-task/")
	taskID, action, ok := strings.Cut(rest, "/")
	if !ok || action != "cancel" || taskID == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown task path")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	decodeOptionalBody(r, &req)
	got, err := s.tasks.Cancel(r.Context(), taskID, req.Reason)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false, "error_code": "conflict", "message": err.Error(), "task": got,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": got})
}

// handleInjectEvent feeds a canonical envelope into the runtime for testing
// and replay. With the mock adapter it goes through the event stream so
// per-session ordering holds; otherwise it dispatches directly.
func (s *Server) handleInjectEvent(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !decodeBody(w, r, &body) {
		return
	}
	env, err := protocol.FromMap(body, "", "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if s.mock != nil {
		s.mock.Inject(env)
	} else if err := s.rt.HandleEvent(r.Context(), env); err != nil {
		writeError(w, http.StatusBadRequest, "handle_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "msg_id": env.MsgID})
}

// requireStore guards endpoints that need persistence when the runtime is
// running with a degraded (absent) store.
func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.st == nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "persistence is disabled")
		return false
	}
	return true
}

func (s *Server) requireTasks(w http.ResponseWriter) bool {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "tasks_unavailable", "digital task executor is disabled")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

func decodeOptionalBody(r *http.Request, out any) {
	json.NewDecoder(r.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success":    false,
		"error_code": code,
		"message":    message,
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
