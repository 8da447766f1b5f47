// internal/runtime/speak.go
package runtime

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/iflabx/opencane/internal/protocol"
	"github.com/iflabx/opencane/internal/safety"
	"github.com/iflabx/opencane/internal/session"
	"github.com/iflabx/opencane/internal/store"
	"github.com/iflabx/opencane/internal/task"
	"github.com/iflabx/opencane/internal/transport"
	"github.com/iflabx/opencane/internal/vision"
	"github.com/iflabx/opencane/pkg/provider"
)

// processVoiceTurn finalizes the segment, hands the transcript to the
// dialogue engine (or routes it to the digital-task executor), and streams
// the spoken reply.
func (r *Runtime) processVoiceTurn(ctx context.Context, s *session.Session, env *protocol.Envelope, turnID, traceID string) {
	turnStarted := time.Now()
	sttStarted := time.Now()
	transcript, segStats, sttErr := r.audio.Finalize(ctx, s.DeviceID, s.SessionID, env)
	sttLatency := time.Since(sttStarted)

	if sttErr != nil || transcript.Text == "" {
		r.speak(ctx, s, turnID, speakRequest{
			Text:       "I could not understand the audio. Please try again.",
			Source:     "stt_error",
			RiskLevel:  "P2",
			Confidence: 1.0,
			TraceID:    traceID,
		})
		r.sessions.SetState(ctx, s, session.StateReady)
		r.metrics.RecordVoiceTurn(false, float64(time.Since(turnStarted).Milliseconds()),
			float64(sttLatency.Milliseconds()), 0)
		r.recordLifelog(ctx, s, "voice_turn", map[string]any{
			"trace_id": traceID, "transcript": "", "success": false,
			"stt_latency_ms": sttLatency.Milliseconds(),
			"segment":        segStats,
		}, "P2", 0)
		return
	}

	r.sendCommand(ctx, s, protocol.CommandSTTFinal, map[string]any{"text": transcript.Text}, traceID)

	if r.routeToDigitalTask(ctx, s, transcript.Text, env, traceID) {
		r.sessions.SetState(ctx, s, session.StateReady)
		r.metrics.RecordVoiceTurn(true, float64(time.Since(turnStarted).Milliseconds()),
			float64(sttLatency.Milliseconds()), 0)
		r.recordLifelog(ctx, s, "digital_task_turn", map[string]any{
			"trace_id": traceID, "transcript": transcript.Text, "routed": true,
		}, "P3", 0.8)
		return
	}

	reply, dialogLatency := r.dialogueReply(ctx, s, transcript, traceID)
	r.speak(ctx, s, turnID, speakRequest{
		Text:       reply.Text,
		Source:     "dialogue_reply",
		RiskLevel:  "P3",
		Confidence: 0.75,
		TraceID:    traceID,
	})
	r.sessions.SetState(ctx, s, session.StateReady)
	r.metrics.RecordVoiceTurn(true, float64(time.Since(turnStarted).Milliseconds()),
		float64(sttLatency.Milliseconds()), float64(dialogLatency.Milliseconds()))
	r.recordLifelog(ctx, s, "voice_turn", map[string]any{
		"trace_id":           traceID,
		"transcript":         transcript.Text,
		"response":           shorten(reply.Text, 1000),
		"success":            true,
		"stt_latency_ms":     sttLatency.Milliseconds(),
		"dialog_latency_ms":  dialogLatency.Milliseconds(),
		"total_latency_ms":   time.Since(turnStarted).Milliseconds(),
		"stt_confidence":     transcript.Confidence,
		"segment":            segStats,
		"transcript_carried": env.String("transcript") != "",
	}, "P3", 0.7)
}

func (r *Runtime) dialogueReply(ctx context.Context, s *session.Session, transcript provider.Transcript, traceID string) (provider.Reply, time.Duration) {
	if r.dialogue == nil {
		return provider.Reply{Text: "I heard you, but no assistant is configured."}, 0
	}
	started := time.Now()
	sessionContext := r.ctxBuild.Build(ctx, r.st, s)
	reply, err := r.dialogue.Reply(ctx, sessionContext, transcript.Text)
	latency := time.Since(started)
	if err != nil {
		if ctx.Err() != nil {
			return provider.Reply{}, latency
		}
		slog.Warn("dialogue engine failed", "session_id", s.SessionID, "error", err)
		return provider.Reply{Text: "I could not work that out right now. Please try again."}, latency
	}
	if reply.ThoughtTrace != "" && r.st != nil {
		trace := &store.ThoughtTrace{
			SessionID: s.SessionID,
			TraceID:   traceID,
			Content:   reply.ThoughtTrace,
			TSMS:      time.Now().UnixMilli(),
		}
		if err := r.st.AppendThoughtTrace(ctx, trace); err != nil {
			slog.Debug("thought trace persist failed", "error", err)
		}
	}
	return reply, latency
}

// taskIntentPrefixes route transcripts straight to the digital task
// executor.
var taskIntentPrefixes = []string{
	"help me", "book", "reserve", "register", "schedule", "order",
}

func (r *Runtime) routeToDigitalTask(ctx context.Context, s *session.Session, transcript string, env *protocol.Envelope, traceID string) bool {
	if r.tasks == nil {
		return false
	}
	intent := strings.EqualFold(env.String("intent"), "digital_task") || env.Bool(false, "digital_task")
	if !intent {
		lower := strings.ToLower(strings.TrimSpace(transcript))
		for _, prefix := range taskIntentPrefixes {
			if strings.HasPrefix(lower, prefix) {
				intent = true
				break
			}
		}
	}
	if !intent {
		return false
	}
	created, err := r.tasks.Execute(ctx, task.ExecuteRequest{
		Goal:              transcript,
		SessionID:         s.SessionID,
		DeviceID:          s.DeviceID,
		Notify:            true,
		Speak:             true,
		InterruptPrevious: true,
	})
	if err != nil {
		slog.Warn("digital task route failed", "session_id", s.SessionID, "error", err)
		turnID := r.currentTurnID(s)
		r.speak(ctx, s, turnID, speakRequest{
			Text:       "I could not start that task. Please try again later.",
			Source:     "digital_task_route",
			RiskLevel:  "P2",
			Confidence: 1.0,
			TraceID:    traceID,
		})
		return true
	}
	r.mu.Lock()
	s.ActiveTaskID = created.TaskID
	r.mu.Unlock()
	slog.Info("digital task routed from voice",
		"device_id", s.DeviceID, "session_id", s.SessionID, "task_id", created.TaskID)
	return true
}

func (r *Runtime) currentTurnID(s *session.Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.turns[s.DeviceID+"/"+s.SessionID]; t != nil {
		return t.id
	}
	return ""
}

type speakRequest struct {
	Text       string
	Source     string
	RiskLevel  string
	Confidence float64
	TraceID    string
	// SkipSafety carries text that already passed the gate.
	SkipSafety bool
}

// speak runs the safety and interaction gates, then streams tts_start /
// tts_chunk / tts_stop. An empty or suppressed result emits a bare tts_stop.
func (r *Runtime) speak(ctx context.Context, s *session.Session, turnID string, req speakRequest) {
	text := strings.TrimSpace(req.Text)

	if text != "" && !req.SkipSafety && r.gate != nil {
		decision := r.gate.Evaluate(safety.Input{
			Text:       text,
			Source:     req.Source,
			RiskLevel:  req.RiskLevel,
			Confidence: req.Confidence,
			SessionID:  s.SessionID,
		})
		r.metrics.RecordSafety(decision.Downgraded)
		r.recordLifelog(ctx, s, "safety_policy", map[string]any{
			"trace_id":    req.TraceID,
			"source":      decision.Source,
			"downgraded":  decision.Downgraded,
			"reason":      decision.Reason,
			"rule_ids":    decision.RuleIDs,
			"input_text":  shorten(text, 300),
			"output_text": shorten(decision.Text, 300),
			"risk_level":  decision.RiskLevel,
		}, decision.RiskLevel, decision.Confidence)
		text = decision.Text
		req.RiskLevel = decision.RiskLevel
	}

	if text != "" && r.interact != nil {
		decision := r.interact.Evaluate(text, req.Source, req.RiskLevel)
		r.metrics.RecordInteraction(!decision.ShouldSpeak)
		if !decision.ShouldSpeak {
			r.recordLifelog(ctx, s, "interaction_policy", map[string]any{
				"trace_id": req.TraceID, "source": req.Source,
				"should_speak": false, "reason": decision.Reason,
			}, req.RiskLevel, req.Confidence)
			r.sendTTSStop(ctx, s, false, "interaction_policy_silent", req.TraceID)
			return
		}
		text = decision.Text
	}

	if text == "" {
		r.sendTTSStop(ctx, s, false, "", req.TraceID)
		return
	}

	if r.opts.TTSMode == TTSServerAudio && r.tts != nil {
		if r.speakAudio(ctx, s, turnID, text, req.TraceID) {
			return
		}
	}
	r.speakText(ctx, s, turnID, text, req.TraceID)
}

func (r *Runtime) speakText(ctx context.Context, s *session.Session, turnID, text, traceID string) {
	r.sessions.SetState(ctx, s, session.StateSpeaking)
	if !r.sendTurnCommand(ctx, s, turnID, protocol.CommandTTSStart, map[string]any{
		"text": shorten(text, 80),
	}, traceID) {
		return
	}
	for _, chunk := range chunkText(text, r.opts.TTSTextChunkChars) {
		if !r.sendTurnCommand(ctx, s, turnID, protocol.CommandTTSChunk, map[string]any{"text": chunk}, traceID) {
			// Barge-in already emitted tts_stop{aborted:true}.
			return
		}
	}
	r.sendTurnCommand(ctx, s, turnID, protocol.CommandTTSStop, map[string]any{"aborted": false}, traceID)
}

// sendTurnCommand emits a command belonging to a turn, holding the session
// send lock while checking the turn is still current. Returns false once the
// turn has been superseded.
func (r *Runtime) sendTurnCommand(ctx context.Context, s *session.Session, turnID string, t protocol.CommandType, payload map[string]any, traceID string) bool {
	lock := r.sendLock(s.DeviceID, s.SessionID)
	lock.Lock()
	defer lock.Unlock()
	if turnID != "" && !r.turnActive(s.DeviceID, s.SessionID, turnID) {
		return false
	}
	r.sendCommand(ctx, s, t, payload, traceID)
	return true
}

func (r *Runtime) speakAudio(ctx context.Context, s *session.Session, turnID, text, traceID string) bool {
	var audio []byte
	err := provider.DefaultRetryPolicy().Execute(ctx, func() error {
		data, synthErr := r.tts.Synthesize(ctx, text)
		if synthErr != nil {
			return synthErr
		}
		audio = data
		return nil
	})
	if err != nil || len(audio) == 0 {
		slog.Warn("server_audio synthesis failed, falling back to device_text",
			"session_id", s.SessionID, "error", err)
		return false
	}

	r.sessions.SetState(ctx, s, session.StateSpeaking)
	if !r.sendTurnCommand(ctx, s, turnID, protocol.CommandTTSStart, map[string]any{
		"text":     shorten(text, 80),
		"mode":     TTSServerAudio,
		"encoding": "wav",
	}, traceID) {
		return true
	}
	for offset := 0; offset < len(audio); offset += r.opts.TTSAudioChunkBytes {
		end := offset + r.opts.TTSAudioChunkBytes
		if end > len(audio) {
			end = len(audio)
		}
		if !r.sendTurnCommand(ctx, s, turnID, protocol.CommandTTSChunk, map[string]any{
			"audio_b64": base64.StdEncoding.EncodeToString(audio[offset:end]),
			"encoding":  "wav",
		}, traceID) {
			return true
		}
	}
	r.sendTurnCommand(ctx, s, turnID, protocol.CommandTTSStop, map[string]any{"aborted": false}, traceID)
	return true
}

// DispatchVisionDigest is the vision pipeline's completion callback: it
// records the lifelog event and speaks the bounded digest.
func (r *Runtime) DispatchVisionDigest(ctx context.Context, d vision.Digest) {
	s := r.sessions.Get(d.DeviceID, d.SessionID)
	if s == nil {
		s = r.sessions.GetLatest(d.DeviceID)
	}
	if s == nil {
		slog.Debug("vision digest with no session", "session_id", d.SessionID)
		return
	}
	r.recordLifelog(ctx, s, "image_ingested", map[string]any{
		"trace_id": d.TraceID,
		"job_id":   d.JobID,
		"dedup":    d.Dedup,
		"failed":   d.Failed,
		"summary":  shorten(d.Result.Summary, 300),
	}, orRisk(d.Result.RiskLevel), d.Result.Confidence)

	confidence := d.Result.Confidence
	if confidence == 0 {
		confidence = 0.7
	}
	turnCtx, turnID := r.beginTurn(s.DeviceID, s.SessionID)
	r.speak(turnCtx, s, turnID, speakRequest{
		Text:       d.Text,
		Source:     "vision_reply",
		RiskLevel:  orRisk(d.Result.RiskLevel),
		Confidence: confidence,
		TraceID:    d.TraceID,
	})
	r.sessions.SetState(ctx, s, session.StateReady)
}

// PushTaskUpdate delivers one task_update to the device. Registered as the
// executor's pusher; returns an error when the device has no session so the
// executor's retry/queue path takes over.
func (r *Runtime) PushTaskUpdate(ctx context.Context, p *store.PushUpdate) error {
	s := r.sessions.Get(p.DeviceID, p.SessionID)
	if s == nil {
		s = r.sessions.GetLatest(p.DeviceID)
	}
	if s == nil || !r.adapter.Online(p.DeviceID) {
		return transport.ErrOffline
	}
	message, _ := p.Payload["message"].(string)
	shouldSpeak, _ := p.Payload["speak"].(bool)
	traceID := "digital-task"

	safeMessage := message
	if message != "" && r.gate != nil {
		decision := r.gate.Evaluate(safety.Input{
			Text:       message,
			Source:     "task_update",
			RiskLevel:  taskStatusRisk(p.Status),
			Confidence: 0.9,
			SessionID:  s.SessionID,
		})
		r.metrics.RecordSafety(decision.Downgraded)
		safeMessage = decision.Text
	}

	r.sendCommand(ctx, s, protocol.CommandTaskUpdate, map[string]any{
		"task_id": p.TaskID,
		"status":  p.Status,
		"message": safeMessage,
	}, traceID)
	if shouldSpeak && safeMessage != "" {
		turnCtx, turnID := r.beginTurn(s.DeviceID, s.SessionID)
		r.speak(turnCtx, s, turnID, speakRequest{
			Text:       safeMessage,
			Source:     "task_update",
			RiskLevel:  taskStatusRisk(p.Status),
			Confidence: 0.9,
			TraceID:    traceID,
			SkipSafety: true,
		})
		r.sessions.SetState(ctx, s, session.StateReady)
	}
	return nil
}

func taskStatusRisk(status string) string {
	switch status {
	case task.StatusFailed, task.StatusTimeout:
		return "P2"
	}
	return "P3"
}

func orRisk(risk string) string {
	if risk == "" {
		return "P3"
	}
	return risk
}

func chunkText(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var chunks []string
	for offset := 0; offset < len(text); offset += size {
		end := offset + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[offset:end])
	}
	return chunks
}

func shorten(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return strings.TrimSpace(text[:max-3]) + "..."
}
