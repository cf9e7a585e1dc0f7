// Package events fans controller events out to in-process consumers.
package events

import (
	"log/slog"
	"sync"

	"z2m-hub/internal/z2m"
)

// Type identifies the kind of an event.
type Type string

// Event types
const (
	MessageReceived     Type = "message"
	AvailabilityChanged Type = "availability"
	ConnectivityChanged Type = "connectivity"
	BridgeStateChanged  Type = "bridge_state"
	BridgeMessage       Type = "bridge_message"
	Stopping            Type = "stopping"
)

// Event is one notification from a controller. Which fields are set
// depends on Type:
//
//	message        Topic, Item (nil for unknown senders), Payload (raw), Merged
//	availability   Topic (base topic), Item, Online
//	connectivity   Online (transport connected), State, Err
//	bridge_state   Topic, Online, Changed
//	bridge_message Topic, Payload
//	stopping       none
type Event struct {
	Type    Type        `json:"type"`
	Topic   string      `json:"topic,omitempty"`
	Item    *z2m.Item   `json:"item,omitempty"`
	Payload z2m.Payload `json:"payload"`
	Merged  z2m.Payload `json:"merged"`
	Online  bool        `json:"online"`
	Changed bool        `json:"changed,omitempty"`
	State   string      `json:"state,omitempty"`
	Err     error       `json:"-"`
}

// Handler is a callback for events. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler func(Event)

type registration struct {
	id      uint64
	typ     Type // empty = all types
	handler Handler
}

// Hub is a publish/subscribe hub delivering events to handlers in
// registration order. There is no limit on the number of handlers.
type Hub struct {
	mu     sync.RWMutex
	regs   []registration
	nextID uint64
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function; calling it more than once is harmless.
func (h *Hub) On(typ Type, handler Handler) func() {
	return h.add(typ, handler)
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (h *Hub) OnAll(handler Handler) func() {
	return h.add("", handler)
}

func (h *Hub) add(typ Type, handler Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.regs = append(h.regs, registration{id: id, typ: typ, handler: handler})
	return func() { h.remove(id) }
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, r := range h.regs {
		if r.id == id {
			h.regs = append(h.regs[:i:i], h.regs[i+1:]...)
			return
		}
	}
}

// Emit delivers event to all matching handlers in registration order.
// A panicking handler is recovered and does not affect the others.
func (h *Hub) Emit(event Event) {
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.regs))
	for _, r := range h.regs {
		if r.typ == "" || r.typ == event.Type {
			handlers = append(handlers, r.handler)
		}
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			handler(event)
		}()
	}
}

// Clear removes every handler.
func (h *Hub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regs = nil
}

// Len returns the number of registered handlers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.regs)
}
