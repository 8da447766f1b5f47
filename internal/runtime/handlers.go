// internal/runtime/handlers.go
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iflabx/opencane/internal/protocol"
	"github.com/iflabx/opencane/internal/session"
	"github.com/iflabx/opencane/internal/store"
)

// ackableEvents get one idempotent ack even when duplicate-filtered.
var ackableEvents = map[protocol.EventType]bool{
	protocol.EventHeartbeat:   true,
	protocol.EventListenStart: true,
	protocol.EventAudioChunk:  true,
	protocol.EventListenStop:  true,
	protocol.EventTelemetry:   true,
	protocol.EventToolResult:  true,
}

// HandleEvent dispatches one inbound envelope: resolve session, seq filter,
// then route by type.
func (r *Runtime) HandleEvent(ctx context.Context, env *protocol.Envelope) error {
	eventType, known := env.EventType()
	traceID := traceIDFor(env)
	r.metrics.RecordEvent(env.Type)
	slog.Debug("device event",
		"type", env.Type, "device_id", env.DeviceID, "session_id", env.SessionID,
		"seq", env.Seq, "trace_id", traceID)

	s := r.sessions.GetOrCreate(ctx, env.DeviceID, env.SessionID)
	if !r.authorize(ctx, s, env, traceID) {
		return nil
	}

	if r.sessions.CheckAndCommitSeq(ctx, s, env.Seq) == session.SeqDuplicate {
		r.metrics.RecordDuplicate(env.Type)
		// Never silently drop: re-emit the original acknowledgment.
		switch {
		case eventType == protocol.EventHello:
			r.onHello(ctx, s, env, traceID)
		case ackableEvents[eventType]:
			r.sendAck(ctx, s, env.Seq, traceID)
		}
		return nil
	}

	if !known {
		slog.Debug("unsupported device event type", "type", env.Type)
		return nil
	}

	switch eventType {
	case protocol.EventHello:
		r.onHello(ctx, s, env, traceID)
		r.recordLifelog(ctx, s, "hello", map[string]any{
			"trace_id": traceID, "capabilities": env.Payload["capabilities"],
		}, "P3", 0)
	case protocol.EventHeartbeat:
		// State is unchanged; heartbeats only refresh liveness.
		r.sessions.Touch(ctx, s)
		r.sendAck(ctx, s, env.Seq, traceID)
	case protocol.EventListenStart:
		r.onListenStart(ctx, s, env, traceID)
	case protocol.EventAudioChunk:
		partial := r.audio.AppendChunk(s.DeviceID, s.SessionID, env)
		r.sendAck(ctx, s, env.Seq, traceID)
		r.maybeEmitPartial(ctx, s, partial, traceID)
	case protocol.EventListenStop:
		r.onListenStop(ctx, s, env, traceID)
	case protocol.EventAbort:
		r.onAbort(ctx, s, env, traceID)
	case protocol.EventImageReady:
		r.onImageReady(ctx, s, env, traceID)
	case protocol.EventTelemetry:
		r.onTelemetry(ctx, s, env, traceID)
	case protocol.EventToolResult:
		r.onToolResult(ctx, s, env, traceID)
	case protocol.EventError:
		slog.Warn("device reported error",
			"device_id", s.DeviceID, "session_id", s.SessionID, "payload", env.Payload)
		r.recordLifelog(ctx, s, "device_error", map[string]any{
			"trace_id": traceID, "error": env.Payload,
		}, "P1", 0)
	}
	return nil
}

// onHello transitions to ready, replays the command window filtered by the
// device-declared last_recv_seq, flushes pending commands, and acks.
func (r *Runtime) onHello(ctx context.Context, s *session.Session, env *protocol.Envelope, traceID string) {
	if capabilities, ok := env.Payload["capabilities"].(map[string]any); ok {
		r.sessions.UpdateMetadata(ctx, s, capabilities)
	}
	r.sessions.SetState(ctx, s, session.StateReady)

	if lastRecv, ok := lastRecvSeqFromHello(env); ok {
		for _, cmd := range r.sessions.ReplayAfter(s, lastRecv) {
			if err := r.adapter.SendCommand(cmd); err != nil {
				slog.Warn("replay send failed", "seq", cmd.Seq, "error", err)
				break
			}
		}
	}
	for _, cmd := range r.sessions.DrainPending(s) {
		if err := r.adapter.SendCommand(cmd); err != nil {
			slog.Warn("pending flush failed", "seq", cmd.Seq, "error", err)
			r.sessions.BufferPending(s, cmd)
			break
		}
		// Delivered now, so it becomes replayable on the next reconnect.
		r.sessions.RecordCommand(s, cmd)
	}

	r.sendCommand(ctx, s, protocol.CommandHelloAck, map[string]any{
		"runtime":    "opencane-runtime",
		"protocol":   env.Version,
		"session_id": s.SessionID,
		"ack_seq":    env.Seq,
	}, traceID)

	if r.tasks != nil {
		device := s.DeviceID
		r.spawn(func() {
			sent, retried, err := r.tasks.FlushPending(r.ctx, device, 20)
			if err == nil && (sent > 0 || retried > 0) {
				slog.Debug("task push flush", "device_id", device, "sent", sent, "retry", retried)
			}
		})
	}
}

func (r *Runtime) onListenStart(ctx context.Context, s *session.Session, env *protocol.Envelope, traceID string) {
	if s.State == session.StateSpeaking {
		// Barge-in: cancel the turn and emit the abort marker under the
		// session send lock so no old-turn chunk can slip in after it.
		lock := r.sendLock(s.DeviceID, s.SessionID)
		lock.Lock()
		r.cancelTurn(s.DeviceID, s.SessionID)
		r.sendTTSStop(ctx, s, true, "barge_in", traceID)
		lock.Unlock()
		r.recordLifelog(ctx, s, "voice_interrupt", map[string]any{
			"trace_id": traceID, "reason": "barge_in",
		}, "P3", 1.0)
	}
	r.sessions.SetState(ctx, s, session.StateListening)
	r.audio.StartCapture(s.DeviceID, s.SessionID)
	r.clearPartial(s.DeviceID, s.SessionID)
	r.sendAck(ctx, s, env.Seq, traceID)
	r.recordLifelog(ctx, s, "listen_start", map[string]any{
		"trace_id": traceID, "seq": env.Seq,
	}, "P3", 0)
}

func (r *Runtime) onListenStop(ctx context.Context, s *session.Session, env *protocol.Envelope, traceID string) {
	r.clearPartial(s.DeviceID, s.SessionID)
	r.sessions.SetState(ctx, s, session.StateThinking)
	r.sendAck(ctx, s, env.Seq, traceID)

	turnCtx, turnID := r.beginTurn(s.DeviceID, s.SessionID)
	r.spawn(func() { r.processVoiceTurn(turnCtx, s, env, turnID, traceID) })
}

func (r *Runtime) onAbort(ctx context.Context, s *session.Session, env *protocol.Envelope, traceID string) {
	reason := env.String("reason")
	if reason == "" {
		reason = "device_abort"
	}
	r.cancelTurn(s.DeviceID, s.SessionID)
	r.audio.Reset(s.DeviceID, s.SessionID)
	r.clearPartial(s.DeviceID, s.SessionID)
	if r.tasks != nil && env.Bool(false, "cancel_task") && s.ActiveTaskID != "" {
		if _, err := r.tasks.Cancel(ctx, s.ActiveTaskID, "device_abort"); err != nil {
			slog.Debug("abort task cancel failed", "task_id", s.ActiveTaskID, "error", err)
		}
	}
	r.sessions.SetState(ctx, s, session.StateReady)
	r.sendTTSStop(ctx, s, true, reason, traceID)
	r.recordLifelog(ctx, s, "abort", map[string]any{
		"trace_id": traceID, "reason": reason,
	}, "P3", 0)
}

func (r *Runtime) onImageReady(ctx context.Context, s *session.Session, env *protocol.Envelope, traceID string) {
	r.sendAck(ctx, s, env.Seq, traceID)
	if r.ingestQ == nil {
		return
	}
	image, err := imageBytesFromPayload(env)
	if err != nil {
		r.recordLifelog(ctx, s, "image_rejected", map[string]any{
			"trace_id": traceID, "error": err.Error(),
		}, "P2", 0)
		return
	}
	job := newImageJob(s, image, env, traceID)
	if err := r.ingestQ.Enqueue(ctx, job); err != nil {
		slog.Warn("image enqueue failed", "session_id", s.SessionID, "error", err)
		r.metrics.RecordError()
		r.recordLifelog(ctx, s, "image_rejected", map[string]any{
			"trace_id": traceID, "error": err.Error(),
		}, "P2", 0)
	}
}

func (r *Runtime) onTelemetry(ctx context.Context, s *session.Session, env *protocol.Envelope, traceID string) {
	telemetry := env.Payload
	r.sessions.UpdateTelemetry(ctx, s, telemetry)

	payload := map[string]any{"trace_id": traceID, "telemetry": telemetry}
	if r.prof.SupportsTelemetryNormalize {
		if structured := normalizeTelemetry(telemetry, env.TS); structured != nil {
			r.sessions.UpdateMetadata(ctx, s, map[string]any{
				"telemetry_structured": structured,
			})
			payload["telemetry_structured"] = structured
			if r.opts.TelemetryPersistSamples && r.st != nil {
				sample := &store.ObservabilitySample{
					TSMS: env.TS,
					Sample: map[string]any{
						"kind":       "telemetry",
						"device_id":  s.DeviceID,
						"session_id": s.SessionID,
						"sample":     structured,
						"raw":        telemetry,
						"trace_id":   traceID,
					},
				}
				if err := r.st.AppendObservabilitySample(ctx, sample); err != nil {
					slog.Debug("telemetry sample persist failed", "error", err)
				}
			}
		}
	}
	r.sendAck(ctx, s, env.Seq, traceID)
	r.recordLifelog(ctx, s, "telemetry", payload, "P3", 0)
}

func (r *Runtime) onToolResult(ctx context.Context, s *session.Session, env *protocol.Envelope, traceID string) {
	r.sendAck(ctx, s, env.Seq, traceID)

	operationID := env.String("operation_id", "operationId", "op_id")
	errText := env.String("error")
	success := env.Bool(errText == "", "success")
	payload := map[string]any{
		"trace_id":     traceID,
		"operation_id": operationID,
		"tool_name":    env.String("tool_name", "toolName", "name"),
		"success":      success,
		"result":       env.Payload["result"],
		"error":        errText,
	}

	if !r.prof.SupportsToolResult {
		payload["accepted"] = false
		payload["reason"] = "feature_disabled"
		r.recordLifelog(ctx, s, "tool_result_ignored", payload, "P3", 1.0)
		return
	}
	payload["accepted"] = true
	risk := "P3"
	if !success && errText != "" {
		risk = "P2"
	}
	r.recordLifelog(ctx, s, "tool_result", payload, risk, 0.9)

	if operationID != "" && r.st != nil {
		status := "acked"
		ackedAt := time.Now().UnixMilli()
		if !success {
			status = "failed"
		}
		if err := r.st.MarkDeviceOperation(ctx, operationID, status, errText, ackedAt); err != nil {
			slog.Debug("device operation mark failed", "operation_id", operationID, "error", err)
		}
	}
}

// authorize enforces device auth when enabled. hello must present a token
// matching the registered device record; later events require a passed hello.
func (r *Runtime) authorize(ctx context.Context, s *session.Session, env *protocol.Envelope, traceID string) bool {
	if !r.opts.DeviceAuthEnabled {
		return true
	}
	if env.Type != string(protocol.EventHello) {
		if passed, _ := s.Metadata["auth_passed"].(bool); passed {
			return true
		}
		return r.denyDevice(ctx, s, "unauthenticated_session", env.Type, traceID)
	}

	token := deviceTokenFromPayload(env)
	if token == "" {
		return r.denyDevice(ctx, s, "missing_device_token", env.Type, traceID)
	}
	if r.st == nil {
		return r.denyDevice(ctx, s, "device_auth_service_unavailable", env.Type, traceID)
	}
	device, err := r.st.GetDevice(ctx, s.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && r.opts.AllowUnboundDevices {
			r.sessions.UpdateMetadata(ctx, s, map[string]any{"auth_passed": true, "auth_reason": "unbound_allowed"})
			return true
		}
		return r.denyDevice(ctx, s, "device_not_registered", env.Type, traceID)
	}
	if device.Token != token {
		return r.denyDevice(ctx, s, "device_token_mismatch", env.Type, traceID)
	}
	if device.Status == "revoked" {
		return r.denyDevice(ctx, s, "device_revoked", env.Type, traceID)
	}
	if r.opts.RequireActivatedDevices && device.Status != "activated" {
		return r.denyDevice(ctx, s, "device_not_activated", env.Type, traceID)
	}
	r.sessions.UpdateMetadata(ctx, s, map[string]any{
		"auth_passed":    true,
		"auth_reason":    "ok",
		"binding_status": device.Status,
		"binding_user":   device.UserID,
	})
	return true
}

func (r *Runtime) denyDevice(ctx context.Context, s *session.Session, reason, eventType, traceID string) bool {
	slog.Warn("device auth denied",
		"device_id", s.DeviceID, "session_id", s.SessionID, "reason", reason)
	r.sessions.UpdateMetadata(ctx, s, map[string]any{"auth_passed": false, "auth_reason": reason})
	r.sendCommand(ctx, s, protocol.CommandClose, map[string]any{"reason": reason}, traceID)
	r.sessions.Close(ctx, s.DeviceID, s.SessionID, reason)
	r.recordLifelog(ctx, s, "device_auth_denied", map[string]any{
		"trace_id": traceID, "reason": reason, "event_type": eventType,
	}, "P1", 1.0)
	return false
}

// sendCommand allocates the next outbound seq, records the command for
// replay (audio is never replayed), and hands it to the adapter. Offline or
// backpressured commands land in pending_commands and the operation log.
func (r *Runtime) sendCommand(ctx context.Context, s *session.Session, t protocol.CommandType, payload map[string]any, traceID string) *protocol.Envelope {
	seq := r.sessions.NextOutboundSeq(ctx, s)
	env := protocol.NewCommand(t, s.DeviceID, s.SessionID, seq, payload)
	r.metrics.RecordCommand(string(t))
	slog.Debug("device command",
		"type", env.Type, "device_id", env.DeviceID, "session_id", env.SessionID,
		"seq", seq, "trace_id", traceID)

	carriesAudio := t == protocol.CommandTTSChunk && env.String("audio_b64") != ""

	// Offline or failed sends go to pending_commands + the operation log;
	// only delivered commands enter the replay window. The two paths stay
	// disjoint so a reconnect never double-delivers.
	if !r.adapter.Online(s.DeviceID) {
		if !carriesAudio {
			if !r.sessions.BufferPending(s, env) {
				slog.Warn("pending command buffer overflow, oldest dropped",
					"device_id", s.DeviceID, "session_id", s.SessionID)
			}
			r.persistOperation(ctx, env)
		}
		return env
	}
	if err := r.adapter.SendCommand(env); err != nil {
		slog.Warn("command send failed, buffered for replay",
			"type", env.Type, "seq", seq, "error", err)
		if !carriesAudio {
			r.sessions.BufferPending(s, env)
			r.persistOperation(ctx, env)
		}
		return env
	}
	if !carriesAudio {
		r.sessions.RecordCommand(s, env)
	}
	return env
}

func (r *Runtime) sendAck(ctx context.Context, s *session.Session, ackSeq int64, traceID string) {
	r.sendCommand(ctx, s, protocol.CommandAck, map[string]any{"ack_seq": ackSeq}, traceID)
}

func (r *Runtime) sendTTSStop(ctx context.Context, s *session.Session, aborted bool, reason, traceID string) {
	payload := map[string]any{"aborted": aborted}
	if reason != "" {
		payload["reason"] = reason
	}
	r.sendCommand(ctx, s, protocol.CommandTTSStop, payload, traceID)
}

// DispatchOperation sends a control-plane operation (set_config, tool_call,
// ota_plan) to the device's current session and records it in the
// operation log.
func (r *Runtime) DispatchOperation(ctx context.Context, deviceID, sessionID, opType string, payload map[string]any, traceID string) (*store.DeviceOperation, error) {
	commandType, ok := operationCommandType(opType)
	if !ok {
		return nil, fmt.Errorf("unsupported op_type: %s", opType)
	}
	var s *session.Session
	if sessionID != "" {
		s = r.sessions.Get(deviceID, sessionID)
	} else {
		s = r.sessions.GetLatest(deviceID)
	}
	if s == nil {
		return nil, fmt.Errorf("device session not found")
	}
	if traceID == "" {
		traceID = uuid.New().String()
	}

	op := &store.DeviceOperation{
		OperationID: uuid.New().String(),
		DeviceID:    deviceID,
		Type:        string(commandType),
		Payload:     payload,
		Status:      "queued",
		CreatedAtMS: time.Now().UnixMilli(),
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	if r.st != nil {
		if err := r.st.CreateDeviceOperation(ctx, op); err != nil {
			return nil, fmt.Errorf("persist operation: %w", err)
		}
	}
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["operation_id"] = op.OperationID
	cmd := r.sendCommand(ctx, s, commandType, body, traceID)
	op.Status = "sent"
	if r.st != nil {
		r.st.MarkDeviceOperation(ctx, op.OperationID, "sent", "", time.Now().UnixMilli())
	}
	r.recordLifelog(ctx, s, "device_operation_dispatch", map[string]any{
		"trace_id": traceID, "op_type": opType, "seq": cmd.Seq, "operation_id": op.OperationID,
	}, "P3", 1.0)
	return op, nil
}

// persistOperation mirrors an offline-buffered command into the operation
// log so it survives a restart.
func (r *Runtime) persistOperation(ctx context.Context, env *protocol.Envelope) {
	if r.st == nil {
		return
	}
	op := &store.DeviceOperation{
		OperationID: env.MsgID,
		DeviceID:    env.DeviceID,
		Type:        env.Type,
		Payload:     env.Payload,
		Status:      "queued",
		CreatedAtMS: time.Now().UnixMilli(),
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	if err := r.st.CreateDeviceOperation(ctx, op); err != nil {
		slog.Debug("operation log persist failed", "msg_id", env.MsgID, "error", err)
	}
}

func (r *Runtime) recordLifelog(ctx context.Context, s *session.Session, eventType string, payload map[string]any, risk string, confidence float64) {
	if r.st == nil {
		return
	}
	ev := &store.LifelogEvent{
		SessionID:  s.SessionID,
		EventType:  eventType,
		Payload:    payload,
		RiskLevel:  risk,
		Confidence: confidence,
		TSMS:       time.Now().UnixMilli(),
	}
	if err := r.st.AppendLifelogEvent(ctx, ev); err != nil {
		slog.Debug("lifelog append failed", "event_type", eventType, "error", err)
	}
}

// maybeEmitPartial sends stt_partial with the original suppression
// heuristics: identical text within 1s and sub-3-char growth within 250ms
// stay silent.
func (r *Runtime) maybeEmitPartial(ctx context.Context, s *session.Session, text, traceID string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if r.opts.PartialMaxChars > 0 && len(text) > r.opts.PartialMaxChars {
		text = strings.TrimRight(text[:r.opts.PartialMaxChars-3], " ") + "..."
	}
	key := s.DeviceID + "/" + s.SessionID
	now := time.Now()
	r.mu.Lock()
	last, ok := r.partials[key]
	if ok {
		if text == last.text && now.Sub(last.at) < time.Second {
			r.mu.Unlock()
			return
		}
		growth := len(text) - len(last.text)
		if strings.HasPrefix(text, last.text) && growth >= 0 && growth < 3 && now.Sub(last.at) < 250*time.Millisecond {
			r.mu.Unlock()
			return
		}
	}
	r.partials[key] = partialState{text: text, at: now}
	r.mu.Unlock()
	r.sendCommand(ctx, s, protocol.CommandSTTPartial, map[string]any{"text": text}, traceID)
}

func (r *Runtime) clearPartial(deviceID, sessionID string) {
	r.mu.Lock()
	delete(r.partials, deviceID+"/"+sessionID)
	r.mu.Unlock()
}

func traceIDFor(env *protocol.Envelope) string {
	if trace := env.String("trace_id", "traceId"); trace != "" {
		return trace
	}
	return env.MsgID
}

func deviceTokenFromPayload(env *protocol.Envelope) string {
	token := env.String("device_token", "deviceToken", "auth_token", "token", "authorization")
	return strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
}

func lastRecvSeqFromHello(env *protocol.Envelope) (int64, bool) {
	if v := env.Int(-1, "last_recv_seq", "lastRecvSeq"); v >= 0 {
		return v, true
	}
	if resume, ok := env.Payload["resume"].(map[string]any); ok {
		nested := &protocol.Envelope{Payload: resume}
		if v := nested.Int(-1, "last_recv_seq", "lastRecvSeq"); v >= 0 {
			return v, true
		}
	}
	return 0, false
}

func operationCommandType(opType string) (protocol.CommandType, bool) {
	switch strings.ToLower(strings.TrimSpace(opType)) {
	case "set_config":
		return protocol.CommandSetConfig, true
	case "tool_call":
		return protocol.CommandToolCall, true
	case "ota_plan":
		return protocol.CommandOTAPlan, true
	}
	return "", false
}
