// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iflabx/opencane/internal/protocol"
	"github.com/iflabx/opencane/internal/store"
)

// State is the high-level runtime state for one device session.
type State string

const (
	StateAuthed      State = "authed"
	StateReady       State = "ready"
	StateListening   State = "listening"
	StateThinking    State = "thinking"
	StateSpeaking    State = "speaking"
	StateInterrupted State = "interrupted"
	StateClosing     State = "closing"
)

// SeqResult classifies an inbound sequence number.
type SeqResult int

const (
	SeqNew SeqResult = iota
	SeqDuplicate
)

// ErrUnauthorized is returned when device auth is enabled and the session's
// hello did not pass validation.
var ErrUnauthorized = errors.New("session: unauthorized")

// DefaultReplayWindow is the number of recently sent commands retained for
// post-reconnect replay.
const DefaultReplayWindow = 64

// DefaultPendingLimit bounds commands buffered while the device is offline.
const DefaultPendingLimit = 128

// Session is the in-memory runtime state for one (device_id, session_id).
// All fields are guarded by the Manager's mutex; callers mutate sessions
// only through Manager methods.
type Session struct {
	DeviceID  string
	SessionID string
	State     State

	LastRecvSeq int64
	OutboundSeq int64

	Telemetry map[string]any
	Metadata  map[string]any

	// replay is a ring of the last N sent commands keyed by outbound seq.
	replay []*protocol.Envelope
	// pending holds commands awaiting delivery while the device is offline.
	pending []*protocol.Envelope

	ActiveTurnID string
	ActiveTaskID string

	CreatedAt  time.Time
	LastSeenAt time.Time
	ClosedAt   time.Time
	CloseRsn   string
}

// Snapshot is a copyable view of a session for status surfaces.
type Snapshot struct {
	DeviceID    string         `json:"device_id"`
	SessionID   string         `json:"session_id"`
	State       State          `json:"state"`
	LastRecvSeq int64          `json:"last_recv_seq"`
	OutboundSeq int64          `json:"outbound_seq"`
	Telemetry   map[string]any `json:"telemetry,omitempty"`
	PendingLen  int            `json:"pending_commands"`
	CreatedAt   time.Time      `json:"created_at"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
	CloseReason string         `json:"close_reason,omitempty"`
}

// Manager tracks active sessions, performs sequence de-duplication, and is
// the single writer for the per-session seq counters.
type Manager struct {
	mu             sync.Mutex
	sessions       map[key]*Session
	latestByDevice map[string]*Session

	store        store.Store
	replayWindow int
	pendingLimit int
}

type key struct {
	deviceID  string
	sessionID string
}

// Option configures a Manager.
type Option func(*Manager)

// WithReplayWindow overrides the replay ring size.
func WithReplayWindow(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.replayWindow = n
		}
	}
}

// WithPendingLimit overrides the offline command buffer size.
func WithPendingLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pendingLimit = n
		}
	}
}

// NewManager creates a Manager. st may be nil for tests; persistence is then
// skipped entirely.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		sessions:       make(map[key]*Session),
		latestByDevice: make(map[string]*Session),
		store:          st,
		replayWindow:   DefaultReplayWindow,
		pendingLimit:   DefaultPendingLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate resolves the session for the event. When sessionID is empty the
// device's current session is reused, or "{device_id}-default" is created —
// never a random id.
func (m *Manager) GetOrCreate(ctx context.Context, deviceID, sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(ctx, deviceID, sessionID)
}

func (m *Manager) getOrCreateLocked(ctx context.Context, deviceID, sessionID string) *Session {
	if sessionID == "" {
		if existing := m.latestByDevice[deviceID]; existing != nil && existing.State != StateClosing {
			return existing
		}
		sessionID = deviceID + "-default"
	}
	k := key{deviceID, sessionID}
	if s, ok := m.sessions[k]; ok {
		return s
	}
	now := time.Now()
	s := &Session{
		DeviceID:    deviceID,
		SessionID:   sessionID,
		State:       StateAuthed,
		LastRecvSeq: -1,
		Telemetry:   map[string]any{},
		Metadata:    map[string]any{},
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	m.sessions[k] = s
	m.latestByDevice[deviceID] = s
	m.persistLocked(ctx, s)
	return s
}

// Get returns the session if it exists.
func (m *Manager) Get(deviceID, sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key{deviceID, sessionID}]
}

// GetLatest returns the device's most recent session.
func (m *Manager) GetLatest(deviceID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestByDevice[deviceID]
}

// CheckAndCommitSeq classifies an inbound seq and commits it when new.
// Negative seqs are unsequenced and always new. Any seq above last_recv_seq
// is new (gaps included; the device retransmits if it cares); anything at or
// below is a duplicate. The decision persists to the store.
func (m *Manager) CheckAndCommitSeq(ctx context.Context, s *Session, seq int64) SeqResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.LastSeenAt = time.Now()
	if seq < 0 {
		return SeqNew
	}
	if seq <= s.LastRecvSeq {
		return SeqDuplicate
	}
	s.LastRecvSeq = seq
	m.persistLocked(ctx, s)
	return SeqNew
}

// NextOutboundSeq allocates the next server→device seq for the session.
// Strictly monotonic, never reused; persists on every allocation.
func (m *Manager) NextOutboundSeq(ctx context.Context, s *Session) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.OutboundSeq++
	m.persistLocked(ctx, s)
	return s.OutboundSeq
}

// SetState transitions the session's state and touches last_seen.
func (m *Manager) SetState(ctx context.Context, s *Session, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.State = state
	s.LastSeenAt = time.Now()
	if state != StateClosing {
		s.ClosedAt = time.Time{}
		s.CloseRsn = ""
	}
	m.persistLocked(ctx, s)
}

// Touch refreshes the session's liveness timestamp.
func (m *Manager) Touch(ctx context.Context, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.LastSeenAt = time.Now()
	m.persistLocked(ctx, s)
}

// UpdateTelemetry shallow-merges kv into the session telemetry.
func (m *Manager) UpdateTelemetry(ctx context.Context, s *Session, kv map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range kv {
		s.Telemetry[k] = v
	}
	s.LastSeenAt = time.Now()
	m.persistLocked(ctx, s)
}

// UpdateMetadata shallow-merges kv into the session metadata.
func (m *Manager) UpdateMetadata(ctx context.Context, s *Session, kv map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range kv {
		s.Metadata[k] = v
	}
	m.persistLocked(ctx, s)
}

// RecordCommand appends a sent command to the replay ring, evicting FIFO
// when full. It records whatever it is given; the runtime does not pass
// audio-bearing commands (audio is not replayed after reconnect).
func (m *Manager) RecordCommand(s *Session, env *protocol.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.replay = append(s.replay, env)
	if len(s.replay) > m.replayWindow {
		s.replay = s.replay[len(s.replay)-m.replayWindow:]
	}
}

// ReplayAfter returns recorded commands with seq > lastRecvSeq in send order.
func (m *Manager) ReplayAfter(s *Session, lastRecvSeq int64) []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range s.replay {
		if env.Seq > lastRecvSeq {
			out = append(out, env)
		}
	}
	return out
}

// BufferPending appends a command for later delivery, dropping the oldest on
// overflow. Returns false when an entry was evicted.
func (m *Manager) BufferPending(s *Session, env *protocol.Envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	fit := true
	s.pending = append(s.pending, env)
	if len(s.pending) > m.pendingLimit {
		s.pending = s.pending[len(s.pending)-m.pendingLimit:]
		fit = false
	}
	return fit
}

// DrainPending removes and returns all buffered commands in order.
func (m *Manager) DrainPending(s *Session) []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// Close marks the session closing and clears the latest-by-device pointer.
func (m *Manager) Close(ctx context.Context, deviceID, sessionID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key{deviceID, sessionID}]
	if !ok {
		return
	}
	now := time.Now()
	s.State = StateClosing
	s.LastSeenAt = now
	s.ClosedAt = now
	s.CloseRsn = reason
	if current := m.latestByDevice[deviceID]; current != nil && current.SessionID == sessionID {
		delete(m.latestByDevice, deviceID)
	}
	if m.store != nil {
		if err := m.store.CloseDeviceSession(ctx, deviceID, sessionID, reason, now.UnixMilli()); err != nil {
			slog.Debug("session close persist failed", "device_id", deviceID, "session_id", sessionID, "error", err)
		}
	}
}

// Snapshots returns a status view of every tracked session.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		telemetry := make(map[string]any, len(s.Telemetry))
		for k, v := range s.Telemetry {
			telemetry[k] = v
		}
		out = append(out, Snapshot{
			DeviceID:    s.DeviceID,
			SessionID:   s.SessionID,
			State:       s.State,
			LastRecvSeq: s.LastRecvSeq,
			OutboundSeq: s.OutboundSeq,
			Telemetry:   telemetry,
			PendingLen:  len(s.pending),
			CreatedAt:   s.CreatedAt,
			LastSeenAt:  s.LastSeenAt,
			CloseReason: s.CloseRsn,
		})
	}
	return out
}

// Count returns the number of tracked, non-closing sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.State != StateClosing {
			n++
		}
	}
	return n
}

func (m *Manager) persistLocked(ctx context.Context, s *Session) {
	if m.store == nil {
		return
	}
	row := &store.DeviceSession{
		DeviceID:    s.DeviceID,
		SessionID:   s.SessionID,
		State:       string(s.State),
		LastRecvSeq: s.LastRecvSeq,
		OutboundSeq: s.OutboundSeq,
		Telemetry:   s.Telemetry,
		Metadata:    s.Metadata,
		CreatedAtMS: s.CreatedAt.UnixMilli(),
		LastSeenMS:  s.LastSeenAt.UnixMilli(),
		CloseReason: s.CloseRsn,
	}
	if !s.ClosedAt.IsZero() {
		row.ClosedAtMS = s.ClosedAt.UnixMilli()
	}
	if err := m.store.UpsertDeviceSession(ctx, row); err != nil {
		slog.Debug("session persist failed", "device_id", s.DeviceID, "session_id", s.SessionID, "error", err)
	}
}
