// Package z2m holds the Zigbee2MQTT wire model shared by the controller,
// the store and the consumers of controller events.
package z2m

import "strconv"

// Expose access flags.
const (
	AccessState = 1 << iota // published in the device state
	AccessSet               // writable through <name>/set
	AccessGet               // readable through <name>/get
)

// Device is one entry of the bridge/devices topology snapshot.
type Device struct {
	IEEEAddress        string      `json:"ieee_address"`
	FriendlyName       string      `json:"friendly_name"`
	NetworkAddress     int         `json:"network_address,omitempty"`
	Type               string      `json:"type,omitempty"`
	PowerSource        string      `json:"power_source,omitempty"`
	ModelID            string      `json:"model_id,omitempty"`
	Manufacturer       string      `json:"manufacturer,omitempty"`
	InterviewCompleted bool        `json:"interview_completed"`
	Supported          bool        `json:"supported"`
	Disabled           bool        `json:"disabled"`
	Definition         *Definition `json:"definition,omitempty"`
}

// Definition describes a supported device model.
type Definition struct {
	Model       string   `json:"model"`
	Vendor      string   `json:"vendor"`
	Description string   `json:"description,omitempty"`
	Exposes     []Expose `json:"exposes,omitempty"`
}

// Expose describes one capability of a device. Composite and specific
// exposes (light, switch, climate...) carry their properties in Features.
type Expose struct {
	Type        string   `json:"type"`
	Name        string   `json:"name,omitempty"`
	Property    string   `json:"property,omitempty"`
	Label       string   `json:"label,omitempty"`
	Access      int      `json:"access,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	ValueMin    *float64 `json:"value_min,omitempty"`
	ValueMax    *float64 `json:"value_max,omitempty"`
	ValueStep   *float64 `json:"value_step,omitempty"`
	ValueOn     any      `json:"value_on,omitempty"`
	ValueOff    any      `json:"value_off,omitempty"`
	Values      []string `json:"values,omitempty"`
	Features    []Expose `json:"features,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Readable reports whether the property can be requested with a get.
func (e Expose) Readable() bool { return e.Access&AccessGet != 0 }

// Writable reports whether the property can be changed with a set.
func (e Expose) Writable() bool { return e.Access&AccessSet != 0 }

// Key returns the state property name, falling back to Name.
func (e Expose) Key() string {
	if e.Property != "" {
		return e.Property
	}
	return e.Name
}

// Group is one entry of the bridge/groups topology snapshot.
type Group struct {
	ID           int           `json:"id"`
	FriendlyName string        `json:"friendly_name"`
	Members      []GroupMember `json:"members"`
	Scenes       []GroupScene  `json:"scenes,omitempty"`
}

// GroupMember references a device endpoint belonging to a group.
type GroupMember struct {
	IEEEAddress string `json:"ieee_address"`
	Endpoint    int    `json:"endpoint"`
}

// GroupScene is a scene stored on a group.
type GroupScene struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// BridgeInfo is the bridge/info record.
type BridgeInfo struct {
	Version     string      `json:"version"`
	Commit      string      `json:"commit,omitempty"`
	PermitJoin  bool        `json:"permit_join"`
	LogLevel    string      `json:"log_level"`
	Coordinator Coordinator `json:"coordinator"`
}

// Coordinator describes the radio adapter of the gateway.
type Coordinator struct {
	Type        string         `json:"type"`
	IEEEAddress string         `json:"ieee_address,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Revision returns coordinator.meta.revision as a string, or "".
func (c Coordinator) Revision() string {
	switch v := c.Meta["revision"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// ReadableProperties returns the property names of every expose, nested
// features included, that carries the get access flag.
func (d *Device) ReadableProperties() []string {
	if d.Definition == nil {
		return nil
	}
	var props []string
	seen := make(map[string]bool)
	var walk func([]Expose)
	walk = func(exposes []Expose) {
		for _, e := range exposes {
			if k := e.Key(); k != "" && e.Readable() && !seen[k] {
				seen[k] = true
				props = append(props, k)
			}
			walk(e.Features)
		}
	}
	walk(d.Definition.Exposes)
	return props
}

// FindExpose returns the expose (nested features included) for property.
func (d *Device) FindExpose(property string) (Expose, bool) {
	if d.Definition == nil {
		return Expose{}, false
	}
	var find func([]Expose) (Expose, bool)
	find = func(exposes []Expose) (Expose, bool) {
		for _, e := range exposes {
			if e.Key() == property && e.Type != "composite" {
				return e, true
			}
			if f, ok := find(e.Features); ok {
				return f, true
			}
		}
		return Expose{}, false
	}
	return find(d.Definition.Exposes)
}

// TopicName is the name a device publishes under.
func (d *Device) TopicName() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	return d.IEEEAddress
}

// TopicName is the name a group publishes under.
func (g *Group) TopicName() string {
	if g.FriendlyName != "" {
		return g.FriendlyName
	}
	return strconv.Itoa(g.ID)
}
