// internal/transport/transport.go
package transport

import (
	"context"
	"errors"

	"github.com/iflabx/opencane/internal/protocol"
)

// ErrBackpressure is returned by SendCommand when the adapter's bounded
// output queue is full. The command stays with the caller for replay.
var ErrBackpressure = errors.New("transport: output queue full")

// ErrOffline reports that the transport cannot currently reach the device.
var ErrOffline = errors.New("transport: device offline")

// Adapter terminates one device transport and maps raw traffic to canonical
// envelopes. Events() is an infinite stream closed only by Stop; it is not
// restartable. Duplicate detection is not the adapter's job.
type Adapter interface {
	Name() string
	Transport() string

	Start(ctx context.Context) error
	Stop() error

	// Events yields inbound canonical envelopes. Malformed inbound payloads
	// surface as error-type envelopes rather than disappearing.
	Events() <-chan *protocol.Envelope

	// SendCommand is non-blocking with a bounded internal output queue.
	SendCommand(env *protocol.Envelope) error

	// Online reports whether the transport currently reaches the device.
	Online(deviceID string) bool

	// CloseSession tears down transport-level state for one session.
	CloseSession(deviceID, sessionID, reason string) error
}

const eventQueueSize = 256
