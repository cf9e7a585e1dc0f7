package controller

import (
	"z2m-hub/internal/events"
	"z2m-hub/internal/topic"
	"z2m-hub/internal/z2m"
)

// HandleMessage ingests one broker message. It is the transport's message
// handler and is safe to call from tests.
func (c *Controller) HandleMessage(t string, raw []byte) {
	c.ingestMu.Lock()
	defer c.ingestMu.Unlock()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message ingestion panic", "topic", t, "panic", r)
		}
	}()

	kind, name := c.ns.Classify(t)
	switch kind {
	case topic.KindBridge:
		c.handleBridge(t, name, raw)
	case topic.KindCommand, topic.KindForeign:
		return
	case topic.KindAvailability:
		c.handleAvailability(name, raw)
	case topic.KindState:
		c.handleState(t, name, raw)
	}
}

func (c *Controller) handleAvailability(name string, raw []byte) {
	base := c.ns.Topic(name)
	online := z2m.ParseOnline(raw)

	c.mu.Lock()
	c.availability[base] = online
	c.mu.Unlock()

	c.hub.Emit(events.Event{
		Type:   events.AvailabilityChanged,
		Topic:  base,
		Item:   c.DeviceOrGroupByKey(name),
		Online: online,
	})
}

func (c *Controller) handleState(t, name string, raw []byte) {
	p := z2m.ParsePayload(raw)
	merged, evicted := c.values.Upsert(t, p)
	if evicted != "" {
		c.logger.Debug("value cache full, evicted", "topic", evicted)
	}

	c.hub.Emit(events.Event{
		Type:    events.MessageReceived,
		Topic:   t,
		Item:    c.DeviceOrGroupByKey(name),
		Payload: p,
		Merged:  merged,
	})
}
