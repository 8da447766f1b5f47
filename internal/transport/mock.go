// internal/transport/mock.go
package transport

import (
	"context"
	"sync"

	"github.com/iflabx/opencane/internal/protocol"
)

// Mock is an in-process adapter for tests and the event-injection endpoint.
// Inbound events are injected directly; outbound commands are recorded and
// readable through Sent.
type Mock struct {
	mu      sync.Mutex
	events  chan *protocol.Envelope
	sent    []*protocol.Envelope
	online  bool
	closed  map[string]string
	limit   int
	started bool
}

var _ Adapter = (*Mock)(nil)

// NewMock creates a Mock adapter. The outbound record is bounded at the
// default queue size; SendCommand returns ErrBackpressure once it is full.
func NewMock() *Mock {
	return &Mock{
		events: make(chan *protocol.Envelope, eventQueueSize),
		online: true,
		closed: make(map[string]string),
		limit:  eventQueueSize,
	}
}

func (m *Mock) Name() string      { return "mock" }
func (m *Mock) Transport() string { return "mock" }

func (m *Mock) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *Mock) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		close(m.events)
		m.started = false
	}
	return nil
}

func (m *Mock) Events() <-chan *protocol.Envelope { return m.events }

// Inject feeds one inbound event into the adapter stream.
func (m *Mock) Inject(env *protocol.Envelope) {
	m.events <- env
}

func (m *Mock) SendCommand(env *protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) >= m.limit {
		return ErrBackpressure
	}
	m.sent = append(m.sent, env)
	return nil
}

// Sent returns a copy of all commands sent so far.
func (m *Mock) Sent() []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}

// Reset clears the outbound record.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// SetOnline toggles the simulated link state.
func (m *Mock) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

func (m *Mock) Online(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Mock) CloseSession(deviceID, sessionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[deviceID+"/"+sessionID] = reason
	return nil
}

// CloseReason reports the recorded close reason for a session, if any.
func (m *Mock) CloseReason(deviceID, sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[deviceID+"/"+sessionID]
}
