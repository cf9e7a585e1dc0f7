package z2m

import "strconv"

// ItemKind tells devices and groups apart.
type ItemKind string

const (
	KindDevice ItemKind = "device"
	KindGroup  ItemKind = "group"
)

// Item is a resolved device or group: a copy of the topology record with
// views derived from its cached state layered on top. Items are built on
// every lookup and never stored.
type Item struct {
	Kind          ItemKind                  `json:"kind"`
	Device        *Device                   `json:"device,omitempty"`
	Group         *Group                    `json:"group,omitempty"`
	Topic         string                    `json:"topic"`
	CurrentValues Payload                   `json:"current_values"`
	Format        map[string]string         `json:"format,omitempty"`
	HomeKit       map[string]map[string]any `json:"homekit,omitempty"`
}

// FriendlyName returns the friendly name of the underlying record.
func (it *Item) FriendlyName() string {
	switch {
	case it.Device != nil:
		return it.Device.FriendlyName
	case it.Group != nil:
		return it.Group.FriendlyName
	default:
		return ""
	}
}

// ID returns the stable identity: the IEEE address of a device or the
// numeric id of a group.
func (it *Item) ID() string {
	switch {
	case it.Device != nil:
		return it.Device.IEEEAddress
	case it.Group != nil:
		return strconv.Itoa(it.Group.ID)
	default:
		return ""
	}
}

// TopicName returns the name the item publishes under.
func (it *Item) TopicName() string {
	switch {
	case it.Device != nil:
		return it.Device.TopicName()
	case it.Group != nil:
		return it.Group.TopicName()
	default:
		return ""
	}
}

// NewDeviceItem returns an item wrapping a shallow copy of d.
func NewDeviceItem(d *Device, topic string, values Payload) *Item {
	dev := *d
	it := &Item{Kind: KindDevice, Device: &dev, Topic: topic}
	it.attach(values)
	return it
}

// NewGroupItem returns an item wrapping a shallow copy of g.
func NewGroupItem(g *Group, topic string, values Payload) *Item {
	grp := *g
	it := &Item{Kind: KindGroup, Group: &grp, Topic: topic}
	it.attach(values)
	return it
}

func (it *Item) attach(values Payload) {
	if !values.Valid() {
		return
	}
	it.CurrentValues = values
	it.Format = FormatPayload(values, it.Device)
	it.HomeKit = HomeKitPayload(values)
}
