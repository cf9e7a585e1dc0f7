package controller

import (
	"encoding/json"
	"strconv"
	"strings"

	"z2m-hub/internal/topic"
)

// Result descriptions.
const (
	DescSent           = "command sent"
	DescNoDevice       = "no such device"
	DescNoGroup        = "no such group"
	DescNoItem         = "no such device or group"
	DescEmpty          = "can not be empty"
	DescNotConnected   = "MQTT not connected"
	DescUnknownCommand = "unknown command"
)

// DefaultPermitJoinTime is the pairing window used when none is given.
const DefaultPermitJoinTime = 180

var logLevels = map[string]bool{"info": true, "debug": true, "warning": true, "error": true}

var networkMapTypes = map[string]bool{"raw": true, "graphviz": true, "plantuml": true}

// Result is the synchronous outcome of a command. A successful result only
// means the request was handed to the broker.
type Result struct {
	Success     bool   `json:"success,omitempty"`
	Error       bool   `json:"error,omitempty"`
	Description string `json:"description"`
	Time        int    `json:"time,omitempty"`
}

func sent() Result { return Result{Success: true, Description: DescSent} }

func failed(desc string) Result { return Result{Error: true, Description: desc} }

func (c *Controller) send(t string, payload any) Result {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			c.logger.Warn("cannot encode command", "topic", t, "err", err)
			return failed(err.Error())
		}
	}
	if !c.publish(t, body) {
		return failed(DescNotConnected)
	}
	return sent()
}

// RenameDevice asks the gateway to rename a device.
func (c *Controller) RenameDevice(key, name string) Result {
	dev := c.DeviceByKey(key)
	if dev == nil {
		return failed(DescNoDevice)
	}
	if strings.TrimSpace(name) == "" {
		return failed(DescEmpty)
	}
	r := c.send(c.ns.Topic(topic.RequestDeviceRename), map[string]string{
		"from": dev.Device.FriendlyName,
		"to":   name,
	})
	c.logger.Info("rename device", "device", key, "to", name)
	return r
}

// RemoveDevice force-removes a device from the network.
func (c *Controller) RemoveDevice(key string) Result {
	dev := c.DeviceByKey(key)
	if dev == nil {
		return failed(DescNoDevice)
	}
	r := c.send(c.ns.Topic(topic.DeviceRemove), map[string]any{
		"id":    dev.Device.IEEEAddress,
		"force": true,
	})
	c.logger.Info("remove device", "device", dev.Device.FriendlyName)
	return r
}

// SetDeviceOptions changes gateway-side options of a device.
func (c *Controller) SetDeviceOptions(key string, options map[string]any) Result {
	dev := c.DeviceByKey(key)
	if dev == nil {
		return failed(DescNoDevice)
	}
	if options == nil {
		options = map[string]any{}
	}
	r := c.send(c.ns.Topic(topic.RequestDeviceOptions), map[string]any{
		"id":      dev.Device.IEEEAddress,
		"options": options,
	})
	c.logger.Info("set device options", "device", dev.Device.FriendlyName)
	return r
}

// RenameGroup asks the gateway to rename a group.
func (c *Controller) RenameGroup(key, name string) Result {
	grp := c.GroupByKey(key)
	if grp == nil {
		return failed(DescNoGroup)
	}
	if strings.TrimSpace(name) == "" {
		return failed(DescEmpty)
	}
	r := c.send(c.ns.Topic(topic.RequestGroupRename), map[string]string{
		"from": grp.Group.FriendlyName,
		"to":   name,
	})
	c.logger.Info("rename group", "group", key, "to", name)
	return r
}

// RemoveGroup deletes a group.
func (c *Controller) RemoveGroup(key string) Result {
	grp := c.GroupByKey(key)
	if grp == nil {
		return failed(DescNoGroup)
	}
	r := c.send(c.ns.Topic(topic.RequestGroupRemove), map[string]any{"id": grp.Group.ID})
	c.logger.Info("remove group", "group", grp.Group.FriendlyName)
	return r
}

// AddGroup creates a group.
func (c *Controller) AddGroup(name string) Result {
	if strings.TrimSpace(name) == "" {
		return failed(DescEmpty)
	}
	r := c.send(c.ns.Topic(topic.RequestGroupAdd), map[string]string{"friendly_name": name})
	c.logger.Info("add group", "group", name)
	return r
}

// AddDeviceToGroup adds a device to a group. Both must exist.
func (c *Controller) AddDeviceToGroup(device, group string) Result {
	dev := c.DeviceByKey(device)
	if dev == nil {
		return failed(DescNoDevice)
	}
	grp := c.GroupByKey(group)
	if grp == nil {
		return failed(DescNoGroup)
	}
	r := c.send(c.ns.Topic(topic.RequestGroupMembersAdd), map[string]string{
		"group":  group,
		"device": device,
	})
	c.logger.Info("add device to group", "device", dev.Device.FriendlyName, "group", grp.Group.FriendlyName)
	return r
}

// RemoveDeviceFromGroup removes a member from a group. The device need not
// be known any more, so stale members of removed devices can be cleaned up.
func (c *Controller) RemoveDeviceFromGroup(device, group string) Result {
	grp := c.GroupByKey(group)
	if grp == nil {
		return failed(DescNoGroup)
	}
	r := c.send(c.ns.Topic(topic.RequestGroupMembersRemove), map[string]string{
		"group":  group,
		"device": device,
	})
	c.logger.Info("remove device from group", "device", device, "group", grp.Group.FriendlyName)
	return r
}

// SetLogLevel changes the gateway log level. Unknown levels fall back to info.
func (c *Controller) SetLogLevel(level string) Result {
	if !logLevels[level] {
		level = "info"
	}
	r := c.send(c.ns.Topic(topic.RequestOptions), map[string]any{
		"options": map[string]any{
			"advanced": map[string]any{"log_level": level},
		},
	})
	c.logger.Info("set bridge log level", "level", level)
	return r
}

// Restart asks the gateway process to restart.
func (c *Controller) Restart() Result {
	r := c.send(c.ns.Topic(topic.RequestRestart), nil)
	c.logger.Info("restarting zigbee2mqtt")
	return r
}

// SetPermitJoin opens or closes the pairing window. seconds <= 0 selects
// DefaultPermitJoinTime. It requires a live broker session.
func (c *Controller) SetPermitJoin(enable bool, seconds int) Result {
	if !c.Connected() {
		c.logger.Warn("cannot set permit_join: broker not connected")
		return failed(DescNotConnected)
	}
	if !enable {
		c.logger.Info("permit join disabled")
		return c.send(c.ns.Topic(topic.RequestPermitJoin), map[string]any{"value": false})
	}

	if seconds <= 0 {
		seconds = DefaultPermitJoinTime
	}
	r := c.send(c.ns.Topic(topic.RequestPermitJoin), map[string]any{
		"value": true,
		"time":  seconds,
	})
	if r.Success {
		r.Time = seconds
	}
	c.logger.Info("permit join enabled", "seconds", seconds)
	return r
}

// SetState publishes payload to <name>/set of a device or group.
func (c *Controller) SetState(key string, payload map[string]any) Result {
	it := c.DeviceOrGroupByKey(key)
	if it == nil {
		return failed(DescNoItem)
	}
	if len(payload) == 0 {
		return failed(DescEmpty)
	}
	return c.send(c.ns.Set(it.TopicName()), payload)
}

// RequestState asks a device or group to publish the given properties. With
// no properties every readable property of a device is requested.
func (c *Controller) RequestState(key string, props []string) Result {
	it := c.DeviceOrGroupByKey(key)
	if it == nil {
		return failed(DescNoItem)
	}
	if len(props) == 0 && it.Device != nil {
		props = it.Device.ReadableProperties()
	}
	if len(props) == 0 {
		props = []string{"state"}
	}
	req := make(map[string]string, len(props))
	for _, p := range props {
		req[p] = ""
	}
	return c.send(c.ns.Get(it.TopicName()), req)
}

// RequestNetworkMap asks the gateway to scan the mesh. The response arrives
// on bridge/response/networkmap; see NetworkMap to wait for it.
func (c *Controller) RequestNetworkMap(kind string) Result {
	if !networkMapTypes[kind] {
		kind = "graphviz"
	}
	r := c.send(c.ns.Topic(topic.RequestNetworkMap), map[string]any{
		"type":   kind,
		"routes": false,
	})
	c.logger.Info("refreshing network map", "type", kind)
	return r
}

// CommandKind names an operation accepted by Execute.
type CommandKind string

const (
	CmdRenameDevice          CommandKind = "rename_device"
	CmdRemoveDevice          CommandKind = "remove_device"
	CmdSetDeviceOptions      CommandKind = "set_device_options"
	CmdRenameGroup           CommandKind = "rename_group"
	CmdRemoveGroup           CommandKind = "remove_group"
	CmdAddGroup              CommandKind = "add_group"
	CmdAddDeviceToGroup      CommandKind = "add_device_to_group"
	CmdRemoveDeviceFromGroup CommandKind = "remove_device_from_group"
	CmdSetLogLevel           CommandKind = "set_log_level"
	CmdRestart               CommandKind = "restart"
	CmdPermitJoin            CommandKind = "permit_join"
	CmdSetState              CommandKind = "set_state"
	CmdRequestState          CommandKind = "request_state"
	CmdNetworkMap            CommandKind = "networkmap"
)

// Command is the generic form of every command, as received from the HTTP
// API and Lua scripts. Fields unused by a kind are ignored.
type Command struct {
	Kind       CommandKind    `json:"kind"`
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Device     string         `json:"device,omitempty"`
	Group      string         `json:"group,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Properties []string       `json:"properties,omitempty"`
	LogLevel   string         `json:"log_level,omitempty"`
	Enable     bool           `json:"enable,omitempty"`
	// Time is the permit-join window; numbers and numeric strings are accepted.
	Time any    `json:"time,omitempty"`
	Type string `json:"type,omitempty"`
}

// Execute dispatches cmd by kind.
func (c *Controller) Execute(cmd Command) Result {
	switch cmd.Kind {
	case CmdRenameDevice:
		return c.RenameDevice(cmd.ID, cmd.Name)
	case CmdRemoveDevice:
		return c.RemoveDevice(cmd.ID)
	case CmdSetDeviceOptions:
		return c.SetDeviceOptions(cmd.ID, cmd.Options)
	case CmdRenameGroup:
		return c.RenameGroup(cmd.ID, cmd.Name)
	case CmdRemoveGroup:
		return c.RemoveGroup(cmd.ID)
	case CmdAddGroup:
		return c.AddGroup(cmd.Name)
	case CmdAddDeviceToGroup:
		return c.AddDeviceToGroup(cmd.Device, cmd.Group)
	case CmdRemoveDeviceFromGroup:
		return c.RemoveDeviceFromGroup(cmd.Device, cmd.Group)
	case CmdSetLogLevel:
		return c.SetLogLevel(cmd.LogLevel)
	case CmdRestart:
		return c.Restart()
	case CmdPermitJoin:
		seconds, ok := parseSeconds(cmd.Time)
		if !ok {
			c.logger.Warn("invalid permit join time, using default", "time", cmd.Time)
		}
		return c.SetPermitJoin(cmd.Enable, seconds)
	case CmdSetState:
		return c.SetState(cmd.ID, cmd.Payload)
	case CmdRequestState:
		return c.RequestState(cmd.ID, cmd.Properties)
	case CmdNetworkMap:
		return c.RequestNetworkMap(cmd.Type)
	default:
		return failed(DescUnknownCommand)
	}
}

// parseSeconds accepts a JSON number or numeric string. A missing value is
// valid and yields 0.
func parseSeconds(v any) (int, bool) {
	switch t := v.(type) {
	case nil:
		return 0, true
	case int:
		return t, t > 0
	case int64:
		return int(t), t > 0
	case float64:
		return int(t), t >= 1
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil && n > 0
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil && n > 0
	default:
		return 0, false
	}
}
