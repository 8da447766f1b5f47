// internal/transport/mqtt.go
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/iflabx/opencane/internal/profile"
	"github.com/iflabx/opencane/internal/protocol"
)

// MQTTConfig carries broker settings for the MQTT adapters.
type MQTTConfig struct {
	BrokerURL  string `json:"broker_url"`
	ClientID   string `json:"client_id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	TLSEnabled bool   `json:"tls_enabled"`

	// OutboundQueue bounds commands waiting for the publisher; 0 uses the
	// default.
	OutboundQueue int `json:"outbound_queue"`
}

type outboundItem struct {
	topic   string
	payload []byte
	qos     byte
}

// MQTT is the profile-driven adapter for cellular modem modules. One
// instance serves every device on the broker; per-device addressing happens
// through topic templates.
type MQTT struct {
	name    string
	cfg     MQTTConfig
	profile profile.Profile

	client mqtt.Client
	events chan *protocol.Envelope
	out    chan outboundItem

	connected atomic.Bool
	running   atomic.Bool

	mu              sync.Mutex
	sessionByDevice map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Adapter = (*MQTT)(nil)

// NewMQTT creates the generic profile-driven MQTT adapter.
func NewMQTT(cfg MQTTConfig, p profile.Profile) *MQTT {
	return newMQTT("generic_mqtt", cfg, p)
}

// NewEC600 creates the legacy EC600 adapter: the same transport pinned to
// the ec600mcnle_v1 profile defaults.
func NewEC600(cfg MQTTConfig) (*MQTT, error) {
	p, err := profile.Resolve("ec600mcnle_v1", nil)
	if err != nil {
		return nil, err
	}
	return newMQTT("ec600", cfg, p), nil
}

func newMQTT(name string, cfg MQTTConfig, p profile.Profile) *MQTT {
	queue := cfg.OutboundQueue
	if queue <= 0 {
		queue = eventQueueSize
	}
	return &MQTT{
		name:            name,
		cfg:             cfg,
		profile:         p,
		events:          make(chan *protocol.Envelope, eventQueueSize),
		out:             make(chan outboundItem, queue),
		sessionByDevice: make(map[string]string),
	}
}

func (a *MQTT) Name() string      { return a.name }
func (a *MQTT) Transport() string { return "mqtt" }

func (a *MQTT) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return nil
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.BrokerURL).
		SetClientID(a.cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(time.Duration(a.profile.KeepaliveSeconds) * time.Second).
		SetAutoReconnect(false)
	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}
	if a.cfg.TLSEnabled {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetOnConnectHandler(a.onConnect)
	opts.SetConnectionLostHandler(a.onConnectionLost)

	a.client = mqtt.NewClient(opts)
	if token := a.client.Connect(); token.Wait() && token.Error() != nil {
		// Initial connect failures fall into the reconnect loop; the link is
		// cellular and expected to flap.
		slog.Warn("mqtt initial connect failed", "adapter", a.name, "error", token.Error())
		a.scheduleReconnect(1)
	}

	a.wg.Add(1)
	go a.publishLoop()
	return nil
}

func (a *MQTT) Stop() error {
	if !a.running.Swap(false) {
		return nil
	}
	a.cancel()
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(250)
	}
	a.connected.Store(false)
	a.wg.Wait()
	close(a.events)
	return nil
}

func (a *MQTT) Events() <-chan *protocol.Envelope { return a.events }

func (a *MQTT) Online(deviceID string) bool {
	return a.connected.Load()
}

func (a *MQTT) SendCommand(env *protocol.Envelope) error {
	topic := renderTopic(a.profile.DownControlTopic, env.DeviceID)
	qos := a.profile.QoSControl

	var payload []byte
	if framed, ok := audioChunkWire(env, a.profile); ok {
		topic = renderTopic(a.profile.DownAudioTopic, env.DeviceID)
		qos = a.profile.QoSAudio
		payload = framed
	} else {
		encoded, err := env.Encode()
		if err != nil {
			return fmt.Errorf("encode command: %w", err)
		}
		payload = encoded
	}

	select {
	case a.out <- outboundItem{topic: topic, payload: payload, qos: qos}:
		return nil
	default:
		return ErrBackpressure
	}
}

func (a *MQTT) CloseSession(deviceID, sessionID, reason string) error {
	a.mu.Lock()
	if a.sessionByDevice[deviceID] == sessionID {
		delete(a.sessionByDevice, deviceID)
	}
	a.mu.Unlock()
	return nil
}

func (a *MQTT) publishLoop() {
	defer a.wg.Done()
	for {
		select {
		case item := <-a.out:
			if !a.connected.Load() {
				slog.Warn("mqtt publish skipped while disconnected", "adapter", a.name, "topic", item.topic)
				continue
			}
			token := a.client.Publish(item.topic, item.qos, false, item.payload)
			token.Wait()
			if err := token.Error(); err != nil {
				slog.Warn("mqtt publish failed", "adapter", a.name, "topic", item.topic, "error", err)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *MQTT) onConnect(client mqtt.Client) {
	a.connected.Store(true)
	slog.Info("mqtt connected", "adapter", a.name, "broker", a.cfg.BrokerURL, "profile", a.profile.Name)
	if token := client.Subscribe(a.profile.UpControlTopic, a.profile.QoSControl, a.onControl); token.Wait() && token.Error() != nil {
		slog.Error("mqtt subscribe control failed", "adapter", a.name, "error", token.Error())
	}
	if token := client.Subscribe(a.profile.UpAudioTopic, a.profile.QoSAudio, a.onAudio); token.Wait() && token.Error() != nil {
		slog.Error("mqtt subscribe audio failed", "adapter", a.name, "error", token.Error())
	}
}

func (a *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	a.connected.Store(false)
	if !a.running.Load() {
		return
	}
	slog.Warn("mqtt connection lost", "adapter", a.name, "error", err)
	a.scheduleReconnect(1)
}

// scheduleReconnect retries with exponential backoff and full jitter within
// the profile's [reconnect_min, reconnect_max] range.
func (a *MQTT) scheduleReconnect(attempt int) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for ; a.running.Load(); attempt++ {
			delay := a.backoffDelay(attempt)
			select {
			case <-time.After(delay):
			case <-a.ctx.Done():
				return
			}
			token := a.client.Connect()
			token.Wait()
			if token.Error() == nil {
				return
			}
			slog.Warn("mqtt reconnect failed", "adapter", a.name, "attempt", attempt, "error", token.Error())
		}
	}()
}

func (a *MQTT) backoffDelay(attempt int) time.Duration {
	max := a.profile.ReconnectMin << uint(attempt-1)
	if max > a.profile.ReconnectMax || max <= 0 {
		max = a.profile.ReconnectMax
	}
	if max <= a.profile.ReconnectMin {
		return a.profile.ReconnectMin
	}
	// Full jitter: uniform in [min, max].
	span := int64(max - a.profile.ReconnectMin)
	return a.profile.ReconnectMin + time.Duration(rand.Int63n(span))
}

func (a *MQTT) onControl(_ mqtt.Client, msg mqtt.Message) {
	deviceID := deviceIDFromTopic(a.profile.UpControlTopic, msg.Topic())
	env := decodeControl(msg.Payload(), deviceID, a.defaultSession(deviceID))
	if env.Type == string(protocol.EventHello) || env.SessionID != "" {
		a.rememberSession(env.DeviceID, env.SessionID)
	}
	a.deliver(env)
}

func (a *MQTT) onAudio(_ mqtt.Client, msg mqtt.Message) {
	deviceID := deviceIDFromTopic(a.profile.UpAudioTopic, msg.Topic())
	if deviceID == "" {
		return
	}
	sessionID := a.defaultSession(deviceID)
	env, err := decodeAudio(msg.Payload(), a.profile, deviceID, sessionID)
	if err != nil {
		a.deliver(protocol.NewEvent(protocol.EventError, deviceID, sessionID, -1,
			map[string]any{"error": "invalid audio packet"}))
		return
	}
	a.deliver(env)
}

func (a *MQTT) deliver(env *protocol.Envelope) {
	select {
	case a.events <- env:
	default:
		slog.Warn("mqtt event queue full, dropping message", "adapter", a.name, "type", env.Type)
	}
}

func (a *MQTT) defaultSession(deviceID string) string {
	if deviceID == "" {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessionByDevice[deviceID]; ok {
		return s
	}
	return deviceID + "-default"
}

func (a *MQTT) rememberSession(deviceID, sessionID string) {
	if deviceID == "" || sessionID == "" {
		return
	}
	a.mu.Lock()
	a.sessionByDevice[deviceID] = sessionID
	a.mu.Unlock()
}
