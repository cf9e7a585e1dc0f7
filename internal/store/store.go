package store

import (
	"errors"

	"z2m-hub/internal/z2m"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists the last topology seen per server id so a restarted
// controller can answer topology queries before the bridge republishes.
type Store interface {
	SaveDevices(server string, devices []z2m.Device) error
	LoadDevices(server string) (*DeviceSnapshot, error)

	SaveGroups(server string, groups []z2m.Group) error
	LoadGroups(server string) (*GroupSnapshot, error)

	SaveBridgeInfo(server string, info *z2m.BridgeInfo) error
	LoadBridgeInfo(server string) (*InfoSnapshot, error)

	// Servers lists the server ids that have any persisted topology.
	Servers() ([]string, error)
	// DeleteServer drops everything stored for a server id.
	DeleteServer(server string) error

	Close() error
}
