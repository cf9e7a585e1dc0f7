// Package mqtt owns the broker session: connect, reconnect with capped
// backoff, subscription restore and lifecycle reporting.
package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// State is a session lifecycle state.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateOffline      State = "offline"
	StateClosed       State = "closed"
	StateError        State = "error"
)

// Handlers receive session output. Both run on paho goroutines; OnMessage is
// called sequentially in arrival order.
type Handlers struct {
	OnState   func(state State, err error)
	OnMessage func(topic string, payload []byte)
}

// Supervisor wraps one paho client.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	client   pahomqtt.Client
	subs     map[string]byte
	handlers *Handlers

	connected atomic.Bool
	closed    atomic.Bool
}

// Dial validates cfg and starts connecting in the background. Connection
// progress is reported through h.OnState.
func Dial(cfg Config, h Handlers, logger *slog.Logger) (*Supervisor, error) {
	s, err := newSupervisor(cfg, h, logger)
	if err != nil {
		return nil, err
	}
	s.connect()
	return s, nil
}

func newSupervisor(cfg Config, h Handlers, logger *slog.Logger) (*Supervisor, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger.With("component", "mqtt", "broker", BrokerURL(cfg)),
		subs:     make(map[string]byte),
		handlers: &h,
	}

	opts := buildClientOptions(cfg).
		SetOnConnectHandler(func(_ pahomqtt.Client) { s.onConnect() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { s.onConnectionLost(err) }).
		SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
			s.logger.Debug("reconnecting")
			s.notify(StateReconnecting, nil)
		})
	s.client = pahomqtt.NewClient(opts)
	return s, nil
}

func (s *Supervisor) connect() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}

	s.logger.Info("connecting", "client_id", s.cfg.ClientID)
	token := client.Connect()
	go func() {
		if !token.WaitTimeout(connectTimeout) {
			if s.closed.Load() {
				return
			}
			s.logger.Warn("broker unreachable, retrying in background")
			s.notify(StateOffline, ErrTimeout)
			return
		}
		if err := token.Error(); err != nil && !s.closed.Load() {
			s.logger.Error("connect failed", "err", err)
			s.notify(StateError, fmt.Errorf("mqtt connect: %w", err))
		}
	}()
}

func (s *Supervisor) onConnect() {
	if s.closed.Load() {
		return
	}
	s.connected.Store(true)
	s.logger.Info("connected")
	// Handlers reset per-session state before the broker replays retained
	// messages for the restored subscriptions.
	s.notify(StateConnected, nil)
	s.restoreSubscriptions()
}

func (s *Supervisor) onConnectionLost(err error) {
	s.connected.Store(false)
	if s.closed.Load() {
		return
	}
	s.logger.Warn("connection lost", "err", err)
	s.notify(StateDisconnected, err)
}

func (s *Supervisor) restoreSubscriptions() {
	s.mu.Lock()
	client := s.client
	filters := make(map[string]byte, len(s.subs))
	for pattern, qos := range s.subs {
		filters[pattern] = qos
	}
	s.mu.Unlock()
	if client == nil || len(filters) == 0 {
		return
	}

	token := client.SubscribeMultiple(filters, s.dispatch)
	go s.await(token, "resubscribe")
}

func (s *Supervisor) notify(state State, err error) {
	s.mu.Lock()
	h := s.handlers
	s.mu.Unlock()
	if h == nil || h.OnState == nil {
		return
	}
	h.OnState(state, err)
}

func (s *Supervisor) dispatch(_ pahomqtt.Client, msg pahomqtt.Message) {
	s.mu.Lock()
	h := s.handlers
	s.mu.Unlock()
	if h == nil || h.OnMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panic", "topic", msg.Topic(), "panic", r)
		}
	}()
	h.OnMessage(msg.Topic(), msg.Payload())
}

// await reports a failed token through the error state.
func (s *Supervisor) await(token pahomqtt.Token, op string) {
	if !token.WaitTimeout(publishTimeout) {
		if !s.closed.Load() {
			s.logger.Warn("broker did not acknowledge", "op", op)
			s.notify(StateError, fmt.Errorf("%s: %w", op, ErrTimeout))
		}
		return
	}
	if err := token.Error(); err != nil && !s.closed.Load() {
		s.logger.Warn("broker operation failed", "op", op, "err", err)
		s.notify(StateError, fmt.Errorf("%s: %w", op, err))
	}
}

// Connected reports whether a session is currently established.
func (s *Supervisor) Connected() bool { return s.connected.Load() }

// Subscribe tracks pattern and issues it when a session is up. Tracked
// patterns are re-issued on every reconnect. Repeated calls are no-ops.
func (s *Supervisor) Subscribe(pattern string, qos byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	if prev, ok := s.subs[pattern]; ok && prev == qos {
		s.mu.Unlock()
		return nil
	}
	s.subs[pattern] = qos
	client := s.client
	s.mu.Unlock()

	if client == nil || !s.connected.Load() {
		return nil
	}
	go s.await(client.Subscribe(pattern, qos, s.dispatch), "subscribe "+pattern)
	return nil
}

// Unsubscribe stops tracking pattern and removes it from the session.
func (s *Supervisor) Unsubscribe(pattern string) error {
	s.mu.Lock()
	_, ok := s.subs[pattern]
	delete(s.subs, pattern)
	client := s.client
	s.mu.Unlock()

	if !ok || client == nil || !s.connected.Load() {
		return nil
	}
	go s.await(client.Unsubscribe(pattern), "unsubscribe "+pattern)
	return nil
}

// Subscriptions returns the tracked patterns.
func (s *Supervisor) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for pattern := range s.subs {
		out = append(out, pattern)
	}
	return out
}

// Publish sends payload without retain. Failures surface as StateError.
func (s *Supervisor) Publish(topic string, payload []byte) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || s.closed.Load() {
		return
	}
	if !s.connected.Load() {
		s.logger.Warn("publish while disconnected", "topic", topic)
		s.notify(StateError, fmt.Errorf("publish %s: %w", topic, ErrNotConnected))
		return
	}
	go s.await(client.Publish(topic, s.cfg.QoS, false, payload), "publish "+topic)
}

// Close tears the session down. Handlers are dropped before the disconnect so
// nothing is delivered afterwards.
func (s *Supervisor) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	client := s.client
	patterns := make([]string, 0, len(s.subs))
	for pattern := range s.subs {
		patterns = append(patterns, pattern)
	}
	s.subs = make(map[string]byte)
	s.handlers = nil
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		if len(patterns) > 0 && client.IsConnected() {
			client.Unsubscribe(patterns...)
		}
		client.Disconnect(0)
	}
	s.connected.Store(false)
	s.logger.Info("closed")
}
