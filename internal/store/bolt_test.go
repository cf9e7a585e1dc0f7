package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"z2m-hub/internal/z2m"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadDevices(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	devices := []z2m.Device{
		{
			IEEEAddress:        "0x00124b0012345678",
			FriendlyName:       "lamp1",
			Type:               "Router",
			InterviewCompleted: true,
			Supported:          true,
			Definition: &z2m.Definition{
				Model:  "LED1545G12",
				Vendor: "IKEA",
				Exposes: []z2m.Expose{
					{Type: "numeric", Name: "brightness", Property: "brightness", Access: 7},
				},
			},
		},
		{IEEEAddress: "0x00158d0001a2b3c4", FriendlyName: "door"},
	}

	if err := s.SaveDevices("srv1", devices); err != nil {
		t.Fatal(err)
	}

	snap, err := s.LoadDevices("srv1")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.SavedAt.Equal(fixed) {
		t.Errorf("saved_at = %v, want %v", snap.SavedAt, fixed)
	}
	if len(snap.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(snap.Devices))
	}
	got := snap.Devices[0]
	if got.FriendlyName != "lamp1" || got.IEEEAddress != "0x00124b0012345678" {
		t.Errorf("device = %+v", got)
	}
	if got.Definition == nil || len(got.Definition.Exposes) != 1 || got.Definition.Exposes[0].Access != 7 {
		t.Errorf("definition not round-tripped: %+v", got.Definition)
	}
}

func TestSaveDevicesReplaces(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevices("srv1", []z2m.Device{{IEEEAddress: "0x1"}, {IEEEAddress: "0x2"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveDevices("srv1", nil); err != nil {
		t.Fatal(err)
	}

	snap, err := s.LoadDevices("srv1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Devices == nil || len(snap.Devices) != 0 {
		t.Errorf("devices = %#v, want empty non-nil", snap.Devices)
	}
}

func TestSaveAndLoadGroups(t *testing.T) {
	s := newTestStore(t)

	groups := []z2m.Group{
		{ID: 1, FriendlyName: "living", Members: []z2m.GroupMember{{IEEEAddress: "0x1", Endpoint: 1}}},
	}
	if err := s.SaveGroups("srv1", groups); err != nil {
		t.Fatal(err)
	}

	snap, err := s.LoadGroups("srv1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Groups) != 1 || snap.Groups[0].FriendlyName != "living" || len(snap.Groups[0].Members) != 1 {
		t.Errorf("groups = %+v", snap.Groups)
	}
}

func TestBridgeInfo(t *testing.T) {
	s := newTestStore(t)

	info := &z2m.BridgeInfo{Version: "1.35.0", PermitJoin: true, LogLevel: "info"}
	if err := s.SaveBridgeInfo("srv1", info); err != nil {
		t.Fatal(err)
	}
	snap, err := s.LoadBridgeInfo("srv1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Info == nil || snap.Info.Version != "1.35.0" || !snap.Info.PermitJoin {
		t.Errorf("info = %+v", snap.Info)
	}
}

func TestLoadNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.LoadDevices("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadDevices err = %v, want ErrNotFound", err)
	}
	if _, err := s.LoadGroups("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadGroups err = %v, want ErrNotFound", err)
	}
	if _, err := s.LoadBridgeInfo("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadBridgeInfo err = %v, want ErrNotFound", err)
	}
}

func TestServersIsolatedAndDeleted(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevices("srv1", []z2m.Device{{IEEEAddress: "0x1"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveGroups("srv1", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveDevices("home/attic", []z2m.Device{{IEEEAddress: "0x2"}, {IEEEAddress: "0x3"}}); err != nil {
		t.Fatal(err)
	}

	servers, err := s.Servers()
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 2 || servers[0] != "home/attic" || servers[1] != "srv1" {
		t.Fatalf("servers = %v", servers)
	}

	snap, err := s.LoadDevices("home/attic")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Devices) != 2 {
		t.Errorf("home/attic devices = %d, want 2", len(snap.Devices))
	}

	if err := s.DeleteServer("srv1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadDevices("srv1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("srv1 still present: %v", err)
	}
	servers, _ = s.Servers()
	if len(servers) != 1 {
		t.Errorf("servers after delete = %v", servers)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveDevices("srv1", []z2m.Device{{IEEEAddress: "0x1", FriendlyName: "a"}}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	snap, err := s.LoadDevices("srv1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Devices) != 1 || snap.Devices[0].FriendlyName != "a" {
		t.Errorf("devices = %+v", snap.Devices)
	}
}
