// Package emitter publishes session snapshots to an MQTT broker so a hosting
// page can mirror the live panel.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/andresmejia3/poise/internal/session"
)

// SessionPlaceholder is replaced by the session id in the topic template.
const SessionPlaceholder = "{session_id}"

var ErrNotConnected = errors.New("mqtt not connected")

// Options configure the emitter.
type Options struct {
	Broker         string
	ClientID       string
	Topic          string // template, may contain SessionPlaceholder
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Buffer         int
}

// MQTTEmitter publishes snapshots. Observe never blocks; snapshots are queued
// and published by Start, and the oldest queued snapshot is dropped when the
// queue is full.
type MQTTEmitter struct {
	opts Options
	// NewClient builds the paho client. Tests replace it.
	NewClient func(*mqtt.ClientOptions) mqtt.Client

	client mqtt.Client
	queue  chan session.Snapshot

	mu        sync.RWMutex
	connected bool
	published uint64
	dropped   uint64
	errors    uint64
}

func NewMQTTEmitter(opts Options) *MQTTEmitter {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 8
	}
	return &MQTTEmitter{
		opts:      opts,
		NewClient: mqtt.NewClient,
		queue:     make(chan session.Snapshot, opts.Buffer),
	}
}

// Connect establishes the broker connection.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.opts.Broker)
	opts.SetClientID(e.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established", "broker", e.opts.Broker, "client_id", e.opts.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", e.opts.Broker)
	}

	e.client = e.NewClient(opts)
	slog.Info("connecting to mqtt broker", "broker", e.opts.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(e.opts.ConnectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Observe queues a snapshot. It is meant to be passed to Session.Subscribe.
func (e *MQTTEmitter) Observe(snap session.Snapshot) {
	for {
		select {
		case e.queue <- snap:
			return
		default:
		}
		select {
		case <-e.queue:
			e.mu.Lock()
			e.dropped++
			e.mu.Unlock()
		default:
		}
	}
}

// Start publishes queued snapshots until ctx ends.
func (e *MQTTEmitter) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-e.queue:
			if err := e.Publish(snap); err != nil {
				slog.Debug("snapshot not published", "session", snap.ID, "err", err)
			}
		}
	}
}

// Publish sends one snapshot as JSON.
func (e *MQTTEmitter) Publish(snap session.Snapshot) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	topic := Topic(e.opts.Topic, snap.ID)
	token := e.client.Publish(topic, e.opts.QoS, false, payload)
	if !token.WaitTimeout(e.opts.PublishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	slog.Debug("snapshot published", "topic", topic, "size", len(payload))
	return nil
}

// Close disconnects from the broker.
func (e *MQTTEmitter) Close() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats are lifetime publish counters.
type Stats struct {
	Connected bool
	Published uint64
	Dropped   uint64
	Errors    uint64
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Dropped: e.dropped, Errors: e.errors}
}

// Topic fills the session placeholder in a topic template.
func Topic(template, sessionID string) string {
	return strings.ReplaceAll(template, SessionPlaceholder, sessionID)
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
