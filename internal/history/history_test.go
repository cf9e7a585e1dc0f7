package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"z2m-hub/internal/events"
	"z2m-hub/internal/z2m"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

type recordingWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *recordingWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *recordingWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var ts = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func lampItem() *z2m.Item {
	return z2m.NewDeviceItem(&z2m.Device{IEEEAddress: "0x01", FriendlyName: "lamp1"}, "zigbee2mqtt/lamp1", z2m.Payload{})
}

func message(item *z2m.Item, fields map[string]any) events.Event {
	return events.Event{
		Type:    events.MessageReceived,
		Topic:   "zigbee2mqtt/lamp1",
		Item:    item,
		Payload: z2m.ObjectPayload(fields),
	}
}

func TestNewPoint(t *testing.T) {
	p := NewPoint("home", message(lampItem(), map[string]any{
		"state":       "ON",
		"brightness":  128.0,
		"linkquality": 87.0,
		"update":      map[string]any{"state": "idle", "installed_version": 16.0},
		"color":       map[string]any{"x": 0.3, "y": 0.4},
		"effect":      "blink",
		"occupancy":   false,
		"last_seen":   nil,
	}), ts)
	if p == nil {
		t.Fatal("point is nil")
	}
	if p.Name() != Measurement {
		t.Errorf("name = %q", p.Name())
	}

	line := write.PointToLineProtocol(p, time.Second)
	for _, want := range []string{
		"device=lamp1", "kind=device", "server=home",
		"state=true", "brightness=128", "linkquality=87", "occupancy=false",
		"color_x=0.3", "color_y=0.4", "update_installed_version=16",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	for _, unwanted := range []string{"effect", "last_seen", "update_state"} {
		if strings.Contains(line, unwanted) {
			t.Errorf("line %q contains %q", line, unwanted)
		}
	}
	if !strings.Contains(line, "1777636800") {
		t.Errorf("line %q missing timestamp", line)
	}
}

func TestNewPointSkips(t *testing.T) {
	tests := []struct {
		name string
		ev   events.Event
	}{
		{"text payload", events.Event{Type: events.MessageReceived, Payload: z2m.TextPayload("42")}},
		{"no payload", events.Event{Type: events.MessageReceived}},
		{"only strings", message(lampItem(), map[string]any{"action": "single"})},
		{"other event", events.Event{Type: events.AvailabilityChanged, Payload: z2m.ObjectPayload(map[string]any{"a": 1.0})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if p := NewPoint("home", tt.ev, ts); p != nil {
				t.Errorf("point = %s, want nil", write.PointToLineProtocol(p, time.Second))
			}
		})
	}
}

func TestNewPointUnknownSender(t *testing.T) {
	p := NewPoint("home", message(nil, map[string]any{"temperature": 21.5}), ts)
	if p == nil {
		t.Fatal("point is nil")
	}
	line := write.PointToLineProtocol(p, time.Second)
	if !strings.Contains(line, "device=zigbee2mqtt/lamp1") || strings.Contains(line, "kind=") {
		t.Errorf("line = %q", line)
	}
}

func TestSinkRecordsMessageEvents(t *testing.T) {
	w := &recordingWriter{}
	s := NewSink(w, "home", testLogger())
	s.now = func() time.Time { return ts }
	hub := events.NewHub(testLogger())
	s.Attach(hub)

	hub.Emit(message(lampItem(), map[string]any{"brightness": 1.0}))
	hub.Emit(message(lampItem(), map[string]any{"action": "single"}))
	hub.Emit(events.Event{Type: events.BridgeStateChanged, Online: true})

	if got := s.Written(); got != 1 {
		t.Errorf("written = %d, want 1", got)
	}

	s.Close()
	if hub.Len() != 0 {
		t.Errorf("hub handlers after close = %d", hub.Len())
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}
	s.Record(message(lampItem(), map[string]any{"brightness": 2.0}))
	if len(w.points) != 1 {
		t.Errorf("points after close = %d", len(w.points))
	}
	s.Close()
	if w.flushes != 1 {
		t.Errorf("second close flushed again")
	}
}

func TestSinkAttachReplaces(t *testing.T) {
	s := NewSink(&recordingWriter{}, "home", testLogger())
	hub := events.NewHub(testLogger())
	s.Attach(hub)
	s.Attach(hub)
	if hub.Len() != 1 {
		t.Errorf("hub handlers = %d, want 1", hub.Len())
	}
}

func TestConnectValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no url", Config{Org: "o", Bucket: "b"}},
		{"no org", Config{URL: "http://localhost:8086", Bucket: "b"}},
		{"no bucket", Config{URL: "http://localhost:8086", Org: "o"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Connect(context.Background(), tt.cfg, "home", testLogger())
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
