package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"z2m-hub/internal/events"
	"z2m-hub/internal/topic"
	"z2m-hub/internal/z2m"
)

// ErrTopologyTimeout is returned by GetDevices when the gateway did not
// publish its topology in time.
var ErrTopologyTimeout = errors.New("topology not received")

func (c *Controller) topologyReady(withGroups bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bridge.devicesLoaded && (!withGroups || c.bridge.groupsLoaded)
}

func (c *Controller) topologyItems(withGroups bool) (devices, groups []*z2m.Item) {
	c.mu.RLock()
	devs, grps := c.bridge.devices, c.bridge.groups
	c.mu.RUnlock()

	devices = make([]*z2m.Item, 0, len(devs))
	for i := range devs {
		t := c.ns.Topic(devs[i].TopicName())
		values, _ := c.values.Get(t)
		devices = append(devices, z2m.NewDeviceItem(&devs[i], t, values))
	}
	if !withGroups {
		return devices, nil
	}
	groups = make([]*z2m.Item, 0, len(grps))
	for i := range grps {
		t := c.ns.Topic(grps[i].TopicName())
		values, _ := c.values.Get(t)
		groups = append(groups, z2m.NewGroupItem(&grps[i], t, values))
	}
	return devices, groups
}

// GetDevices returns the device topology, and the group topology when
// withGroups is set, with current values attached. When the topology is
// not known yet it asks the gateway and waits for it, up to the topology
// timeout or until ctx is done; on failure both slices are empty.
func (c *Controller) GetDevices(ctx context.Context, withGroups bool) (devices, groups []*z2m.Item, err error) {
	if c.topologyReady(withGroups) {
		devices, groups = c.topologyItems(withGroups)
		return devices, groups, nil
	}

	c.logger.Debug("waiting for device list")
	ready := make(chan struct{}, 1)
	unsubscribe := c.hub.On(events.BridgeMessage, func(events.Event) {
		if c.topologyReady(withGroups) {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(c.topologyTimeout)
	defer timer.Stop()

	c.mu.RLock()
	needDevices := !c.bridge.devicesLoaded
	needGroups := withGroups && !c.bridge.groupsLoaded
	c.mu.RUnlock()
	if needDevices {
		c.publish(c.ns.Topic(topic.RequestDevices), nil)
	}
	if needGroups {
		c.publish(c.ns.Topic(topic.RequestGroups), nil)
	}

	select {
	case <-ready:
	case <-timer.C:
		err = ErrTopologyTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	// The topology may have landed between the last event and the deadline.
	if err != nil && !c.topologyReady(withGroups) {
		c.logger.Error("getDevices timeout", "err", err)
		devices = []*z2m.Item{}
		if withGroups {
			groups = []*z2m.Item{}
		}
		return devices, groups, fmt.Errorf("get devices: %w", err)
	}
	devices, groups = c.topologyItems(withGroups)
	return devices, groups, nil
}

// BridgeInfo returns the last bridge/info record, or nil.
func (c *Controller) BridgeInfo() *z2m.BridgeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bridge.info == nil {
		return nil
	}
	info := *c.bridge.info
	return &info
}

// BridgeState returns the gateway state.
func (c *Controller) BridgeState() BridgeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bridge.state
}

// Availability returns the availability of the device or group whose base
// topic is t.
func (c *Controller) Availability(t string) z2m.Availability {
	c.mu.RLock()
	online, ok := c.availability[t]
	c.mu.RUnlock()
	if !ok {
		return z2m.AvailabilityUnknown
	}
	return z2m.AvailabilityOf(online)
}

// AvailabilityColor returns blue for unknown, red for offline and green for
// online.
func (c *Controller) AvailabilityColor(t string) string {
	return c.Availability(t).Color()
}

// Values returns the cached state payload at the full topic t.
func (c *Controller) Values(t string) (z2m.Payload, bool) {
	return c.values.Get(t)
}

// Status values.
const (
	StatusMQTTOffline = "mqtt_offline"
	StatusZ2MOffline  = "z2m_offline"
	StatusOnline      = "online"
	StatusUnknown     = "unknown"
)

// Status is the health summary served by the admin API.
type Status struct {
	Online         bool             `json:"online"`
	State          string           `json:"state"`
	ErrorComponent string           `json:"error_component,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	MQTT           MQTTStatus       `json:"mqtt"`
	Zigbee2MQTT    Zigbee2MQTTState `json:"zigbee2mqtt"`
	Stats          Stats            `json:"stats"`
}

type MQTTStatus struct {
	Connected bool   `json:"connected"`
	HasClient bool   `json:"has_client"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
}

type Zigbee2MQTTState struct {
	BridgeState BridgeState       `json:"bridge_state"`
	BaseTopic   string            `json:"base_topic"`
	Version     string            `json:"version,omitempty"`
	PermitJoin  bool              `json:"permit_join"`
	LogLevel    string            `json:"log_level"`
	Coordinator *CoordinatorState `json:"coordinator,omitempty"`
}

type CoordinatorState struct {
	Type     string `json:"type"`
	Revision string `json:"revision"`
}

type Stats struct {
	Devices int `json:"devices"`
	Groups  int `json:"groups"`
	Values  int `json:"values"`
}

// Status summarizes broker and gateway health.
func (c *Controller) Status() Status {
	c.mu.RLock()
	connected := c.connected
	hasClient := c.transport != nil
	bridge := c.bridge
	lastErr := c.lastErr
	c.mu.RUnlock()

	port := c.cfg.MQTT.Port
	if port <= 0 || port > 65535 {
		port = 1883
	}
	st := Status{
		MQTT: MQTTStatus{
			Connected: connected,
			HasClient: hasClient,
			Host:      c.cfg.MQTT.Host,
			Port:      port,
		},
		Zigbee2MQTT: Zigbee2MQTTState{
			BridgeState: bridge.state,
			BaseTopic:   c.ns.Base(),
			LogLevel:    "info",
		},
		Stats: Stats{
			Devices: len(bridge.devices),
			Groups:  len(bridge.groups),
			Values:  c.values.Len(),
		},
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if info := bridge.info; info != nil {
		st.Zigbee2MQTT.Version = info.Version
		st.Zigbee2MQTT.PermitJoin = info.PermitJoin
		if info.LogLevel != "" {
			st.Zigbee2MQTT.LogLevel = info.LogLevel
		}
		if info.Coordinator.Type != "" {
			rev := info.Coordinator.Revision()
			if rev == "" {
				rev = "Unknown"
			}
			st.Zigbee2MQTT.Coordinator = &CoordinatorState{Type: info.Coordinator.Type, Revision: rev}
		}
	}

	switch {
	case !connected || !hasClient:
		st.State, st.ErrorComponent = StatusMQTTOffline, "mqtt"
	case bridge.state == BridgeOnline:
		st.State, st.Online = StatusOnline, true
	case bridge.state == BridgeOffline, bridge.state == BridgeWaiting:
		st.State, st.ErrorComponent = StatusZ2MOffline, "zigbee2mqtt"
	default:
		st.State, st.ErrorComponent = StatusUnknown, "unknown"
	}
	return st
}

// NetworkMap requests a network scan and waits for the gateway's response.
// The returned payload is the bridge/response/networkmap message.
func (c *Controller) NetworkMap(ctx context.Context, kind string) (z2m.Payload, error) {
	response := c.ns.Topic(topic.ResponseNetworkMap)
	got := make(chan z2m.Payload, 1)
	unsubscribe := c.hub.On(events.BridgeMessage, func(ev events.Event) {
		if ev.Topic != response {
			return
		}
		select {
		case got <- ev.Payload:
		default:
		}
	})
	defer unsubscribe()

	if r := c.RequestNetworkMap(kind); r.Error {
		return z2m.Payload{}, errors.New(r.Description)
	}

	timer := time.NewTimer(defaultNetworkMapTimeout)
	defer timer.Stop()
	select {
	case p := <-got:
		return p, nil
	case <-timer.C:
		return z2m.Payload{}, fmt.Errorf("network map: %w", ErrTopologyTimeout)
	case <-ctx.Done():
		return z2m.Payload{}, ctx.Err()
	}
}
