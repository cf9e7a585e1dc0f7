// Package topic builds and classifies topics in the Zigbee2MQTT namespace.
package topic

import "strings"

// DefaultBase is the base topic Zigbee2MQTT uses out of the box.
const DefaultBase = "zigbee2mqtt"

// Bridge topic suffixes, relative to the base topic.
const (
	BridgeDevices = "bridge/devices"
	BridgeGroups  = "bridge/groups"
	BridgeInfo    = "bridge/info"
	BridgeState   = "bridge/state"
	BridgeEvent   = "bridge/event"

	RequestDevices            = "bridge/request/devices/get"
	RequestGroups             = "bridge/request/groups/get"
	RequestRestart            = "bridge/request/restart"
	RequestOptions            = "bridge/request/options"
	RequestPermitJoin         = "bridge/request/permit_join"
	RequestDeviceRename       = "bridge/request/device/rename"
	RequestDeviceOptions      = "bridge/request/device/options"
	RequestGroupRename        = "bridge/request/group/rename"
	RequestGroupAdd           = "bridge/request/group/add"
	RequestGroupRemove        = "bridge/request/group/remove"
	RequestGroupMembersAdd    = "bridge/request/group/members/add"
	RequestGroupMembersRemove = "bridge/request/group/members/remove"
	RequestNetworkMap         = "bridge/request/networkmap"
	ResponseNetworkMap        = "bridge/response/networkmap"

	// DeviceRemove is not under bridge/request; gateways accept it there.
	DeviceRemove = "bridge/device/remove"
)

const (
	bridgePrefix       = "bridge/"
	suffixSet          = "/set"
	suffixGet          = "/get"
	suffixAvailability = "/availability"
)

// Kind is the classification of an inbound topic.
type Kind int

const (
	KindForeign      Kind = iota // not below the base topic
	KindBridge                   // bridge/... control topics
	KindAvailability             // <name>/availability
	KindCommand                  // <name>/set, <name>/get (our own echoes)
	KindState                    // <name>
)

func (k Kind) String() string {
	switch k {
	case KindBridge:
		return "bridge"
	case KindAvailability:
		return "availability"
	case KindCommand:
		return "command"
	case KindState:
		return "state"
	default:
		return "foreign"
	}
}

// Namespace builds topics below one base topic. The zero value is not
// usable; construct with New.
type Namespace struct {
	base string
}

// New returns a namespace rooted at base. Trailing slashes are stripped and
// an empty base falls back to DefaultBase.
func New(base string) Namespace {
	base = strings.TrimSpace(base)
	base = strings.TrimRight(base, "/")
	if base == "" {
		base = DefaultBase
	}
	return Namespace{base: base}
}

// Base returns the base topic without a trailing slash.
func (n Namespace) Base() string { return n.base }

// Topic joins the base with suffix. A missing leading slash on suffix is
// added; an empty suffix yields the base itself.
func (n Namespace) Topic(suffix string) string {
	if suffix == "" {
		return n.base
	}
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return n.base + suffix
}

// Wildcard returns the subscription pattern covering the whole namespace.
func (n Namespace) Wildcard() string { return n.base + "/#" }

// Set returns the command topic for a device or group.
func (n Namespace) Set(name string) string { return n.Topic(name) + suffixSet }

// Get returns the property-request topic for a device or group.
func (n Namespace) Get(name string) string { return n.Topic(name) + suffixGet }

// Availability returns the availability topic for a device or group.
func (n Namespace) Availability(name string) string {
	return n.Topic(name) + suffixAvailability
}

// Relative strips the base topic and separator from t. ok is false when t
// is not below the base.
func (n Namespace) Relative(t string) (rel string, ok bool) {
	rel, ok = strings.CutPrefix(t, n.base+"/")
	return rel, ok && rel != ""
}

// Classify returns the kind of t and the name it refers to: the bridge
// suffix for bridge topics, the friendly name for device and group topics.
func (n Namespace) Classify(t string) (Kind, string) {
	rel, ok := n.Relative(t)
	if !ok {
		return KindForeign, ""
	}
	switch {
	case strings.HasPrefix(rel, bridgePrefix):
		return KindBridge, rel
	case strings.HasSuffix(rel, suffixSet), strings.HasSuffix(rel, suffixGet),
		strings.Contains(rel, suffixSet+"/"), strings.Contains(rel, suffixGet+"/"):
		return KindCommand, rel
	case strings.HasSuffix(rel, suffixAvailability):
		return KindAvailability, strings.TrimSuffix(rel, suffixAvailability)
	default:
		return KindState, rel
	}
}
