package store

import (
	"time"

	"z2m-hub/internal/z2m"
)

// DeviceSnapshot is one persisted bridge/devices array.
type DeviceSnapshot struct {
	SavedAt time.Time    `json:"saved_at"`
	Devices []z2m.Device `json:"devices"`
}

// GroupSnapshot is one persisted bridge/groups array.
type GroupSnapshot struct {
	SavedAt time.Time   `json:"saved_at"`
	Groups  []z2m.Group `json:"groups"`
}

// InfoSnapshot is the last persisted bridge/info document.
type InfoSnapshot struct {
	SavedAt time.Time       `json:"saved_at"`
	Info    *z2m.BridgeInfo `json:"info"`
}
