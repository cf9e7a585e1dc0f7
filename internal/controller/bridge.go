package controller

import (
	"encoding/json"
	"errors"

	"z2m-hub/internal/events"
	"z2m-hub/internal/schema"
	"z2m-hub/internal/store"
	"z2m-hub/internal/topic"
	"z2m-hub/internal/z2m"
)

// BridgeState is the gateway process state as last reported on bridge/state.
type BridgeState string

const (
	BridgeUnknown BridgeState = "unknown"
	BridgeWaiting BridgeState = "waiting"
	BridgeOnline  BridgeState = "online"
	BridgeOffline BridgeState = "offline"
)

// bridgeSnapshot is the topology last published by the gateway. Slices are
// replaced wholesale and never mutated in place, so readers may keep them.
type bridgeSnapshot struct {
	devices       []z2m.Device
	devicesLoaded bool
	deviceVersion uint64

	groups       []z2m.Group
	groupsLoaded bool
	groupVersion uint64

	info  *z2m.BridgeInfo
	state BridgeState
}

// preload seeds the topology from the store so queries answer before the
// gateway republishes.
func (c *Controller) preload() {
	if c.store == nil {
		return
	}
	if snap, err := c.store.LoadDevices(c.cfg.ID); err == nil {
		c.bridge.devices = snap.Devices
		c.bridge.devicesLoaded = true
		c.bridge.deviceVersion++
		c.logger.Info("loaded device snapshot", "devices", len(snap.Devices), "saved_at", snap.SavedAt)
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("load device snapshot", "err", err)
	}
	if snap, err := c.store.LoadGroups(c.cfg.ID); err == nil {
		c.bridge.groups = snap.Groups
		c.bridge.groupsLoaded = true
		c.bridge.groupVersion++
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("load group snapshot", "err", err)
	}
	if snap, err := c.store.LoadBridgeInfo(c.cfg.ID); err == nil {
		c.bridge.info = snap.Info
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("load bridge info", "err", err)
	}
}

// handleBridge processes one bridge/... message. Every bridge topic ends in a
// bridge_message event.
func (c *Controller) handleBridge(full, rel string, raw []byte) {
	switch rel {
	case topic.BridgeDevices:
		c.replaceDevices(raw)
	case topic.BridgeGroups:
		c.replaceGroups(raw)
	case topic.BridgeInfo:
		c.replaceInfo(raw)
	case topic.BridgeState:
		c.updateBridgeState(full, raw)
	}

	c.hub.Emit(events.Event{
		Type:    events.BridgeMessage,
		Topic:   full,
		Payload: z2m.ParsePayload(raw),
	})
}

func (c *Controller) replaceDevices(raw []byte) {
	if err := c.validator.Validate(schema.Devices, raw); err != nil {
		c.logger.Warn("ignoring device list", "err", err)
		return
	}
	var devices []z2m.Device
	if err := json.Unmarshal(raw, &devices); err != nil {
		c.logger.Warn("failed to parse device list", "err", err)
		return
	}

	c.mu.Lock()
	c.bridge.devices = devices
	c.bridge.devicesLoaded = true
	c.bridge.deviceVersion++
	c.mu.Unlock()
	c.logger.Debug("device list replaced", "devices", len(devices))

	if c.store != nil {
		if err := c.store.SaveDevices(c.cfg.ID, devices); err != nil {
			c.logger.Warn("persist device list", "err", err)
		}
	}
	c.warmUp(devices)
}

func (c *Controller) replaceGroups(raw []byte) {
	if err := c.validator.Validate(schema.Groups, raw); err != nil {
		c.logger.Warn("ignoring group list", "err", err)
		return
	}
	var groups []z2m.Group
	if err := json.Unmarshal(raw, &groups); err != nil {
		c.logger.Warn("failed to parse group list", "err", err)
		return
	}

	c.mu.Lock()
	c.bridge.groups = groups
	c.bridge.groupsLoaded = true
	c.bridge.groupVersion++
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveGroups(c.cfg.ID, groups); err != nil {
			c.logger.Warn("persist group list", "err", err)
		}
	}
}

func (c *Controller) replaceInfo(raw []byte) {
	var info *z2m.BridgeInfo
	if err := c.validator.Validate(schema.Info, raw); err != nil {
		c.logger.Warn("failed to parse bridge info", "err", err)
	} else {
		info = new(z2m.BridgeInfo)
		if err := json.Unmarshal(raw, info); err != nil {
			c.logger.Warn("failed to parse bridge info", "err", err)
			info = nil
		}
	}

	c.mu.Lock()
	c.bridge.info = info
	c.mu.Unlock()

	if c.store != nil && info != nil {
		if err := c.store.SaveBridgeInfo(c.cfg.ID, info); err != nil {
			c.logger.Warn("persist bridge info", "err", err)
		}
	}
}

func (c *Controller) updateBridgeState(full string, raw []byte) {
	online := z2m.ParseOnline(raw)
	next := BridgeOffline
	if online {
		next = BridgeOnline
	}

	c.mu.Lock()
	prev := c.bridge.state
	c.bridge.state = next
	c.mu.Unlock()

	changed := prev != next
	if changed {
		if online {
			c.logger.Debug("bridge online")
		} else {
			c.logger.Warn("bridge offline")
		}
	}

	c.hub.Emit(events.Event{
		Type:    events.BridgeStateChanged,
		Topic:   full,
		Online:  online,
		Changed: changed,
		State:   string(next),
	})
}

// warmUp asks every device without a cached state for its readable
// properties, once per IEEE address for the controller's lifetime.
func (c *Controller) warmUp(devices []z2m.Device) {
	for i := range devices {
		d := &devices[i]
		if d.Definition == nil || d.IEEEAddress == "" {
			continue
		}
		name := d.TopicName()
		if c.values.Has(c.ns.Topic(name)) {
			continue
		}
		props := d.ReadableProperties()
		if len(props) == 0 {
			continue
		}

		c.mu.Lock()
		_, done := c.warmed[d.IEEEAddress]
		c.warmed[d.IEEEAddress] = struct{}{}
		c.mu.Unlock()
		if done {
			continue
		}

		req := make(map[string]string, len(props))
		for _, p := range props {
			req[p] = ""
		}
		body, _ := json.Marshal(req)
		c.publish(c.ns.Get(name), body)
	}
}
