package controller

import (
	"strconv"
	"sync"

	"z2m-hub/internal/z2m"
)

// index maps lookup keys to topology records. Each kind is rebuilt lazily
// when its topology version differs from the version it was built from.
type index struct {
	mu sync.Mutex

	devices       map[string]*z2m.Device
	deviceVersion uint64

	groups       map[string]*z2m.Group
	groupVersion uint64

	rebuilds int
}

func (ix *index) device(key string, devices []z2m.Device, version uint64) *z2m.Device {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.devices == nil || ix.deviceVersion != version {
		ix.devices = make(map[string]*z2m.Device, 2*len(devices))
		for i := range devices {
			d := &devices[i]
			if d.IEEEAddress != "" {
				ix.devices[d.IEEEAddress] = d
			}
			if d.FriendlyName != "" {
				ix.devices[d.FriendlyName] = d
			}
		}
		ix.deviceVersion = version
		ix.rebuilds++
	}
	return ix.devices[key]
}

func (ix *index) group(key string, groups []z2m.Group, version uint64) *z2m.Group {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.groups == nil || ix.groupVersion != version {
		ix.groups = make(map[string]*z2m.Group, 2*len(groups))
		for i := range groups {
			g := &groups[i]
			ix.groups[strconv.Itoa(g.ID)] = g
			if g.FriendlyName != "" {
				ix.groups[g.FriendlyName] = g
			}
		}
		ix.groupVersion = version
		ix.rebuilds++
	}
	return ix.groups[key]
}

// DeviceByKey resolves a device by IEEE address or friendly name.
func (c *Controller) DeviceByKey(key string) *z2m.Item {
	c.mu.RLock()
	devices, version := c.bridge.devices, c.bridge.deviceVersion
	c.mu.RUnlock()

	d := c.index.device(key, devices, version)
	if d == nil {
		return nil
	}
	t := c.ns.Topic(d.TopicName())
	values, _ := c.values.Get(t)
	return z2m.NewDeviceItem(d, t, values)
}

// GroupByKey resolves a group by numeric id or friendly name.
func (c *Controller) GroupByKey(key string) *z2m.Item {
	c.mu.RLock()
	groups, version := c.bridge.groups, c.bridge.groupVersion
	c.mu.RUnlock()

	g := c.index.group(key, groups, version)
	if g == nil {
		return nil
	}
	t := c.ns.Topic(g.TopicName())
	values, _ := c.values.Get(t)
	return z2m.NewGroupItem(g, t, values)
}

// DeviceOrGroupByKey tries devices first, then groups.
func (c *Controller) DeviceOrGroupByKey(key string) *z2m.Item {
	if it := c.DeviceByKey(key); it != nil {
		return it
	}
	return c.GroupByKey(key)
}
