// Package controller keeps one Zigbee2MQTT gateway's topology, device values
// and availability in sync with the broker and exposes queries, commands and
// events to in-process consumers.
package controller

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"z2m-hub/internal/cache"
	"z2m-hub/internal/events"
	"z2m-hub/internal/mqtt"
	"z2m-hub/internal/schema"
	"z2m-hub/internal/store"
	"z2m-hub/internal/topic"
)

const (
	defaultTopologyTimeout   = 5 * time.Second
	defaultNetworkMapTimeout = 5 * time.Minute
)

// Transport is the broker session a controller drives.
type Transport interface {
	Subscribe(pattern string, qos byte) error
	Unsubscribe(pattern string) error
	Publish(topic string, payload []byte)
	Connected() bool
	Close()
}

// Dialer opens a Transport that reports to h.
type Dialer func(cfg mqtt.Config, h mqtt.Handlers, logger *slog.Logger) (Transport, error)

// DialMQTT is the production Dialer.
func DialMQTT(cfg mqtt.Config, h mqtt.Handlers, logger *slog.Logger) (Transport, error) {
	s, err := mqtt.Dial(cfg, h, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Config identifies one gateway.
type Config struct {
	// ID keys the persisted topology snapshot.
	ID        string
	BaseTopic string
	MQTT      mqtt.Config
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore persists topology snapshots and preloads them on construction.
func WithStore(s store.Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithDialer replaces the broker dialer.
func WithDialer(d Dialer) Option {
	return func(c *Controller) { c.dial = d }
}

// WithTopologyTimeout bounds how long GetDevices waits for the bridge.
func WithTopologyTimeout(d time.Duration) Option {
	return func(c *Controller) { c.topologyTimeout = d }
}

// Controller is the single owner of a gateway connection.
type Controller struct {
	cfg       Config
	ns        topic.Namespace
	logger    *slog.Logger
	hub       *events.Hub
	values    *cache.Values
	validator *schema.Validator
	store     store.Store
	dial      Dialer
	index     index

	topologyTimeout time.Duration

	// ingestMu serializes message processing.
	ingestMu sync.Mutex

	mu           sync.RWMutex
	transport    Transport
	connected    bool
	closed       bool
	lastErr      error
	bridge       bridgeSnapshot
	availability map[string]bool
	warmed       map[string]struct{}
}

// New creates a controller. Call Start to connect.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	if cfg.ID == "" {
		cfg.ID = "default"
	}
	ns := topic.New(cfg.BaseTopic)
	cfg.BaseTopic = ns.Base()
	if cfg.MQTT.WillTopic == "" {
		cfg.MQTT.WillTopic = "z2m-hub/" + cfg.ID + "/status"
	}

	log := logger.With("component", "controller", "server", cfg.ID)
	c := &Controller{
		cfg:             cfg,
		ns:              ns,
		logger:          log,
		hub:             events.NewHub(log),
		values:          cache.New(),
		validator:       schema.NewValidator(),
		dial:            DialMQTT,
		topologyTimeout: defaultTopologyTimeout,
		availability:    make(map[string]bool),
		warmed:          make(map[string]struct{}),
		bridge:          bridgeSnapshot{state: BridgeUnknown},
	}
	for _, o := range opts {
		o(c)
	}
	c.preload()
	return c
}

// Start dials the broker. An invalid host is logged once and leaves the
// controller inert; it never panics or retries.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return mqtt.ErrClosed
	}
	if c.transport != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	t, err := c.dial(c.cfg.MQTT, mqtt.Handlers{
		OnState:   c.handleTransportState,
		OnMessage: c.HandleMessage,
	}, c.logger)
	if err != nil {
		c.logger.Error("cannot connect to broker", "host", c.cfg.MQTT.Host, "err", err)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.cfg.MQTT.Host, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Close()
		return mqtt.ErrClosed
	}
	c.transport = t
	c.mu.Unlock()

	// The transport tracks the pattern and issues it on every (re)connect,
	// including one that completed before dial returned.
	if err := t.Subscribe(c.ns.Wildcard(), c.cfg.MQTT.QoS); err != nil {
		c.logger.Warn("subscribe failed", "pattern", c.ns.Wildcard(), "err", err)
	}
	return nil
}

// Events returns the hub consumers register on.
func (c *Controller) Events() *events.Hub { return c.hub }

// ID returns the server id.
func (c *Controller) ID() string { return c.cfg.ID }

// BaseTopic returns the base topic without a trailing slash.
func (c *Controller) BaseTopic() string { return c.ns.Base() }

// Topic joins the base topic with suffix.
func (c *Controller) Topic(suffix string) string { return c.ns.Topic(suffix) }

// Connected reports whether the broker session is up.
func (c *Controller) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Controller) handleTransportState(state mqtt.State, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	t := c.transport
	wasConnected := c.connected
	switch state {
	case mqtt.StateConnected:
		c.connected = true
		c.lastErr = nil
		c.bridge.state = BridgeWaiting
	case mqtt.StateError:
		c.lastErr = err
		if t != nil && t.Connected() {
			// Failed publish on a live session.
			c.mu.Unlock()
			c.logger.Warn("broker error", "err", err)
			return
		}
		c.connected = false
	case mqtt.StateReconnecting:
		c.mu.Unlock()
		c.logger.Debug("reconnecting to broker")
		return
	default:
		c.connected = false
		if err != nil {
			c.lastErr = err
		}
	}
	connected := c.connected
	if !connected && c.bridge.state != BridgeUnknown {
		c.bridge.state = BridgeOffline
	}
	c.mu.Unlock()

	if connected {
		// Subscriptions are restored after this returns, so the retained
		// state the broker replays lands in an empty cache.
		c.values.Clear()
		c.logger.Info("connected to broker", "base_topic", c.ns.Base())
	} else if wasConnected {
		c.logger.Warn("disconnected from broker", "state", state, "err", err)
	}

	c.hub.Emit(events.Event{
		Type:   events.ConnectivityChanged,
		Online: connected,
		State:  string(state),
		Err:    err,
	})
}

func (c *Controller) publish(t string, payload []byte) bool {
	c.mu.RLock()
	tr := c.transport
	closed := c.closed
	c.mu.RUnlock()
	if tr == nil || closed {
		c.logger.Warn("publish without broker session", "topic", t)
		return false
	}
	tr.Publish(t, payload)
	return true
}

// Close tears the controller down: consumers get a stopping event, every
// listener is dropped, late messages are ignored and the session is closed.
func (c *Controller) Close() {
	// Holding ingestMu orders stopping after any message already being
	// ingested and before any later one.
	c.ingestMu.Lock()
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		c.ingestMu.Unlock()
		return
	}

	c.hub.Emit(events.Event{Type: events.Stopping})
	c.hub.Clear()

	c.mu.Lock()
	c.closed = true
	t := c.transport
	c.transport = nil
	c.connected = false
	c.mu.Unlock()
	c.ingestMu.Unlock()

	c.values.Clear()
	if t != nil {
		if err := t.Unsubscribe(c.ns.Wildcard()); err != nil {
			c.logger.Debug("unsubscribe on close", "err", err)
		}
		t.Close()
	}
	c.logger.Info("controller closed")
}
