// internal/runtime/runtime.go
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iflabx/opencane/internal/audio"
	"github.com/iflabx/opencane/internal/ingest"
	"github.com/iflabx/opencane/internal/observe"
	"github.com/iflabx/opencane/internal/profile"
	"github.com/iflabx/opencane/internal/safety"
	"github.com/iflabx/opencane/internal/session"
	"github.com/iflabx/opencane/internal/store"
	"github.com/iflabx/opencane/internal/task"
	"github.com/iflabx/opencane/internal/transport"
	"github.com/iflabx/opencane/pkg/provider"
)

// TTS output modes.
const (
	TTSDeviceText  = "device_text"
	TTSServerAudio = "server_audio"
)

// Options configure the connection runtime.
type Options struct {
	TTSMode            string
	TTSAudioChunkBytes int
	TTSTextChunkChars  int

	NoHeartbeatTimeout time.Duration
	IdleTimeout        time.Duration

	DeviceAuthEnabled       bool
	AllowUnboundDevices     bool
	RequireActivatedDevices bool

	TelemetryPersistSamples bool

	// ContextTokenBudget caps the dialogue context handed to the engine.
	ContextTokenBudget int
	PartialMaxChars    int
}

// DefaultOptions returns the runtime defaults.
func DefaultOptions() Options {
	return Options{
		TTSMode:                 TTSDeviceText,
		TTSAudioChunkBytes:      4096,
		TTSTextChunkChars:       220,
		NoHeartbeatTimeout:      60 * time.Second,
		IdleTimeout:             30 * time.Minute,
		RequireActivatedDevices: true,
		ContextTokenBudget:      1024,
		PartialMaxChars:         160,
	}
}

// turn tracks one in-flight response so barge-in and abort can cancel it
// before any new-turn command is emitted.
type turn struct {
	id     string
	cancel context.CancelFunc
}

type partialState struct {
	text string
	at   time.Time
}

// Runtime is the central dispatcher: it consumes the adapter's event stream,
// drives the per-session state machine, and fans commands back out.
type Runtime struct {
	opts    Options
	prof    profile.Profile
	adapter transport.Adapter

	sessions *session.Manager
	audio    *audio.Pipeline
	ingestQ  *ingest.Queue
	tasks    *task.Executor
	gate     *safety.Gate
	interact safety.InteractionPolicy
	st       store.Store
	metrics  *observe.Metrics

	tts      provider.TTS
	dialogue provider.Dialogue
	ctxBuild *ContextBuilder

	mu        sync.Mutex
	turns     map[string]*turn
	partials  map[string]partialState
	sendLocks map[string]*sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	running  bool
}

// Deps are the collaborators injected at construction. Tasks, Gate,
// Interact, TTS and Dialogue may be nil; those paths then degrade per the
// error policy.
type Deps struct {
	Adapter  transport.Adapter
	Sessions *session.Manager
	Audio    *audio.Pipeline
	Ingest   *ingest.Queue
	Tasks    *task.Executor
	Gate     *safety.Gate
	Interact safety.InteractionPolicy
	Store    store.Store
	Metrics  *observe.Metrics
	TTS      provider.TTS
	Dialogue provider.Dialogue
}

// New wires the runtime.
func New(opts Options, prof profile.Profile, deps Deps) *Runtime {
	if opts.TTSAudioChunkBytes < 256 {
		opts.TTSAudioChunkBytes = 4096
	}
	if opts.TTSTextChunkChars <= 0 {
		opts.TTSTextChunkChars = 220
	}
	if opts.NoHeartbeatTimeout < 10*time.Second {
		opts.NoHeartbeatTimeout = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.NewMetrics()
	}
	return &Runtime{
		opts:     opts,
		prof:     prof,
		adapter:  deps.Adapter,
		sessions: deps.Sessions,
		audio:    deps.Audio,
		ingestQ:  deps.Ingest,
		tasks:    deps.Tasks,
		gate:     deps.Gate,
		interact: deps.Interact,
		st:       deps.Store,
		metrics:  metrics,
		tts:      deps.TTS,
		dialogue: deps.Dialogue,
		ctxBuild:  NewContextBuilder(opts.ContextTokenBudget),
		turns:     make(map[string]*turn),
		partials:  make(map[string]partialState),
		sendLocks: make(map[string]*sync.Mutex),
	}
}

// sendLock serializes turn-scoped command emission per session so a
// barge-in's tts_stop strictly precedes any later old-turn send attempt.
func (r *Runtime) sendLock(deviceID, sessionID string) *sync.Mutex {
	key := deviceID + "/" + sessionID
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.sendLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.sendLocks[key] = lock
	}
	return lock
}

// Metrics exposes the runtime counters.
func (r *Runtime) Metrics() *observe.Metrics { return r.metrics }

// Sessions exposes the session manager for the control surface.
func (r *Runtime) Sessions() *session.Manager { return r.sessions }

// IngestStats returns the image queue stats, or a zero value when no queue
// is wired.
func (r *Runtime) IngestStats() ingest.Stats {
	if r.ingestQ == nil {
		return ingest.Stats{}
	}
	return r.ingestQ.Stats()
}

// Start launches the event loop and the heartbeat watchdog.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	if err := r.adapter.Start(r.ctx); err != nil {
		return err
	}
	r.inflight.Add(2)
	go r.eventLoop()
	go r.watchdogLoop()
	slog.Info("device runtime started", "adapter", r.adapter.Name(), "profile", r.prof.Name)
	return nil
}

// Stop closes open sessions, stops the adapter, and waits for in-flight
// work.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	for _, snap := range r.sessions.Snapshots() {
		if snap.State == session.StateClosing {
			continue
		}
		r.sessions.Close(context.Background(), snap.DeviceID, snap.SessionID, "runtime_stop")
	}
	r.adapter.Stop()
	r.cancel()
	r.inflight.Wait()
	slog.Info("device runtime stopped")
}

func (r *Runtime) eventLoop() {
	defer r.inflight.Done()
	for env := range r.adapter.Events() {
		if err := r.HandleEvent(r.ctx, env); err != nil {
			slog.Error("handle event failed",
				"type", env.Type, "device_id", env.DeviceID, "error", err)
			r.metrics.RecordError()
		}
	}
}

func (r *Runtime) watchdogLoop() {
	defer r.inflight.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepStale()
		case <-r.ctx.Done():
			return
		}
	}
}

// sweepStale closes sessions without a heartbeat inside the liveness window.
func (r *Runtime) sweepStale() {
	now := time.Now()
	for _, snap := range r.sessions.Snapshots() {
		if snap.State == session.StateClosing {
			continue
		}
		if now.Sub(snap.LastSeenAt) > r.opts.NoHeartbeatTimeout {
			slog.Info("closing stale session",
				"device_id", snap.DeviceID, "session_id", snap.SessionID)
			r.closeSession(snap.DeviceID, snap.SessionID, "heartbeat_timeout")
		}
	}
}

// CloseIdleSessions closes sessions idle past the lifetime bound. The caller
// wires it to a periodic schedule.
func (r *Runtime) CloseIdleSessions() int {
	now := time.Now()
	closed := 0
	for _, snap := range r.sessions.Snapshots() {
		if snap.State == session.StateClosing {
			continue
		}
		if now.Sub(snap.LastSeenAt) > r.opts.IdleTimeout {
			r.closeSession(snap.DeviceID, snap.SessionID, "idle_timeout")
			closed++
		}
	}
	return closed
}

func (r *Runtime) closeSession(deviceID, sessionID, reason string) {
	r.cancelTurn(deviceID, sessionID)
	if r.ingestQ != nil {
		r.ingestQ.CancelSession(sessionID)
	}
	r.audio.Reset(deviceID, sessionID)
	r.clearPartial(deviceID, sessionID)
	r.sessions.Close(context.Background(), deviceID, sessionID, reason)
	r.adapter.CloseSession(deviceID, sessionID, reason)
}

// Status is the runtime status view for the control surface.
func (r *Runtime) Status() map[string]any {
	status := map[string]any{
		"adapter":   r.adapter.Name(),
		"transport": r.adapter.Transport(),
		"profile":   r.prof.Name,
		"sessions":  r.sessions.Snapshots(),
		"metrics":   r.metrics.Snapshot(),
	}
	if r.ingestQ != nil {
		status["ingest_queue"] = r.ingestQ.Stats()
	}
	return status
}

// beginTurn cancels any prior turn and registers a new one for the session.
func (r *Runtime) beginTurn(deviceID, sessionID string) (context.Context, string) {
	r.cancelTurn(deviceID, sessionID)
	turnCtx, cancel := context.WithCancel(r.ctx)
	id := uuid.New().String()
	r.mu.Lock()
	r.turns[deviceID+"/"+sessionID] = &turn{id: id, cancel: cancel}
	r.mu.Unlock()
	return turnCtx, id
}

func (r *Runtime) cancelTurn(deviceID, sessionID string) {
	r.mu.Lock()
	t := r.turns[deviceID+"/"+sessionID]
	delete(r.turns, deviceID+"/"+sessionID)
	r.mu.Unlock()
	if t != nil {
		t.cancel()
	}
}

// turnActive reports whether the given turn is still the session's current
// one. Speak loops check it before every send so a barge-in's tts_stop is
// the last command of the old turn.
func (r *Runtime) turnActive(deviceID, sessionID, turnID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.turns[deviceID+"/"+sessionID]
	return t != nil && t.id == turnID
}

func (r *Runtime) spawn(fn func()) {
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		fn()
	}()
}
