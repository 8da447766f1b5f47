// internal/transport/websocket.go
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iflabx/opencane/internal/profile"
	"github.com/iflabx/opencane/internal/protocol"
)

// WSConfig carries listener settings for the WebSocket adapter.
type WSConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	RequireToken bool   `json:"require_token"`
	Token        string `json:"token"`

	// WriteQueue bounds per-connection outbound commands; 0 uses the default.
	WriteQueue int `json:"write_queue"`
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// WS is the WebSocket ingress adapter. Text frames carry canonical JSON
// control messages; binary frames carry framed audio packets.
type WS struct {
	cfg     WSConfig
	profile profile.Profile

	server *http.Server
	events chan *protocol.Envelope

	mu        sync.Mutex
	byDevice  map[string]*wsConn
	bySession map[string]*wsConn

	running bool
	wg      sync.WaitGroup
}

var _ Adapter = (*WS)(nil)

// NewWS creates a WebSocket adapter using the profile's packet magic for
// binary audio frames.
func NewWS(cfg WSConfig, p profile.Profile) *WS {
	return &WS{
		cfg:       cfg,
		profile:   p,
		events:    make(chan *protocol.Envelope, eventQueueSize),
		byDevice:  make(map[string]*wsConn),
		bySession: make(map[string]*wsConn),
	}
}

func (a *WS) Name() string      { return "websocket" }
func (a *WS) Transport() string { return "ws" }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (a *WS) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleUpgrade)
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ws listen: %w", err)
	}
	a.server = &http.Server{Handler: mux}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("ws server stopped", "error", err)
		}
	}()
	slog.Info("ws adapter listening", "addr", addr)
	return nil
}

func (a *WS) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	conns := make([]*wsConn, 0, len(a.byDevice))
	for _, c := range a.byDevice {
		conns = append(conns, c)
	}
	a.byDevice = make(map[string]*wsConn)
	a.bySession = make(map[string]*wsConn)
	a.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		a.server.Shutdown(ctx)
	}
	a.wg.Wait()
	close(a.events)
	return nil
}

func (a *WS) Events() <-chan *protocol.Envelope { return a.events }

func (a *WS) Online(deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.byDevice[deviceID]
	return ok
}

func (a *WS) SendCommand(env *protocol.Envelope) error {
	a.mu.Lock()
	c := a.bySession[env.DeviceID+"/"+env.SessionID]
	if c == nil {
		c = a.byDevice[env.DeviceID]
	}
	a.mu.Unlock()
	if c == nil {
		return fmt.Errorf("ws: no socket for %s/%s", env.DeviceID, env.SessionID)
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (a *WS) CloseSession(deviceID, sessionID, reason string) error {
	a.mu.Lock()
	c := a.bySession[deviceID+"/"+sessionID]
	delete(a.bySession, deviceID+"/"+sessionID)
	a.mu.Unlock()
	if c != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
	}
	return nil
}

func (a *WS) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	deviceID := firstOf(query.Get("device_id"), query.Get("device-id"))
	sessionID := firstOf(query.Get("session_id"), query.Get("session-id"))
	token := firstOf(query.Get("token"), query.Get("authorization"))
	token = strings.TrimPrefix(token, "Bearer ")

	if a.cfg.RequireToken && a.cfg.Token != "" && token != a.cfg.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}

	queue := a.cfg.WriteQueue
	if queue <= 0 {
		queue = eventQueueSize
	}
	c := &wsConn{conn: conn, send: make(chan []byte, queue), done: make(chan struct{})}
	a.register(deviceID, sessionID, c)

	a.wg.Add(2)
	go a.writePump(c)
	go a.readPump(c, deviceID, sessionID)
}

func (a *WS) readPump(c *wsConn, deviceID, sessionID string) {
	defer a.wg.Done()
	defer func() {
		close(c.done)
		a.unregister(deviceID, sessionID, c)
		c.conn.Close()
	}()
	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if deviceID == "" {
				continue
			}
			env, err := decodeAudio(message, a.profile, deviceID, orDefault(sessionID, deviceID))
			if err != nil {
				a.deliver(protocol.NewEvent(protocol.EventError, deviceID, orDefault(sessionID, deviceID), -1,
					map[string]any{"error": "invalid audio packet"}))
				continue
			}
			a.deliver(env)
		case websocket.TextMessage:
			env := decodeControl(message, deviceID, orDefault(sessionID, deviceID))
			if env.Type == string(protocol.EventHello) {
				// hello binds the socket to its declared identity.
				a.unregister(deviceID, sessionID, c)
				deviceID, sessionID = env.DeviceID, env.SessionID
				a.register(deviceID, sessionID, c)
			}
			a.deliver(env)
		}
	}
}

func (a *WS) writePump(c *wsConn) {
	defer a.wg.Done()
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (a *WS) deliver(env *protocol.Envelope) {
	select {
	case a.events <- env:
	default:
		slog.Warn("ws event queue full, dropping message", "type", env.Type)
	}
}

func (a *WS) register(deviceID, sessionID string, c *wsConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if deviceID != "" {
		a.byDevice[deviceID] = c
	}
	if deviceID != "" && sessionID != "" {
		a.bySession[deviceID+"/"+sessionID] = c
	}
}

func (a *WS) unregister(deviceID, sessionID string, c *wsConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if deviceID != "" && a.byDevice[deviceID] == c {
		delete(a.byDevice, deviceID)
	}
	key := deviceID + "/" + sessionID
	if a.bySession[key] == c {
		delete(a.bySession, key)
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func orDefault(sessionID, deviceID string) string {
	if sessionID != "" {
		return sessionID
	}
	return deviceID + "-default"
}
