// Package history records device state messages in InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"z2m-hub/internal/events"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement is the InfluxDB measurement all state points are written to.
const Measurement = "z2m_state"

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
	pingTimeout          = 10 * time.Second
)

var (
	ErrInvalidConfig    = errors.New("invalid history config")
	ErrConnectionFailed = errors.New("influxdb connection failed")
)

// Config selects the InfluxDB bucket to write to.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.URL) == "":
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	case c.Org == "":
		return fmt.Errorf("%w: org is required", ErrInvalidConfig)
	case c.Bucket == "":
		return fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	}
	return nil
}

// PointWriter is the part of the InfluxDB write API the sink uses.
type PointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Sink turns message events into points. Writes are batched and never
// block the emitting goroutine.
type Sink struct {
	writer PointWriter
	client influxdb2.Client
	server string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	unsub   func()
	closed  bool
	written uint64
}

// Connect pings the server and returns a sink writing to cfg.Bucket.
// Points are tagged with server.
func Connect(ctx context.Context, cfg Config, server string, logger *slog.Logger) (*Sink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(uint(flush/time.Millisecond)),
	)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := NewSink(writeAPI, server, logger)
	s.client = client
	go func() {
		for err := range writeAPI.Errors() {
			s.logger.Warn("influxdb write failed", "err", err)
		}
	}()
	s.logger.Info("history sink connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return s, nil
}

// NewSink returns a sink over an existing writer.
func NewSink(w PointWriter, server string, logger *slog.Logger) *Sink {
	return &Sink{
		writer: w,
		server: server,
		logger: logger.With("component", "history"),
		now:    time.Now,
	}
}

// Attach starts recording message events from hub.
func (s *Sink) Attach(hub *events.Hub) {
	unsub := hub.On(events.MessageReceived, s.Record)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		s.unsub()
	}
	s.unsub = unsub
}

// Record writes one point for ev. Events without numeric or boolean
// fields are skipped.
func (s *Sink) Record(ev events.Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	p := NewPoint(s.server, ev, s.now())
	if p == nil {
		return
	}
	s.writer.WritePoint(p)

	s.mu.Lock()
	s.written++
	s.mu.Unlock()
}

// Written returns the number of points handed to the writer.
func (s *Sink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close stops recording, flushes pending points and closes the client.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
}

// NewPoint builds the point for a message event, or nil when the payload
// has nothing to record. The device tag is the friendly name of the sender,
// or the topic for unknown senders. Nested objects are flattened one level
// as parent_child, ON/OFF strings become booleans and other strings are
// dropped.
func NewPoint(server string, ev events.Event, ts time.Time) *write.Point {
	if ev.Type != events.MessageReceived || !ev.Payload.IsObject() {
		return nil
	}

	fields := make(map[string]any)
	for k, v := range ev.Payload.Fields {
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range nested {
				if fv, ok := fieldValue(nv); ok {
					fields[k+"_"+nk] = fv
				}
			}
			continue
		}
		if fv, ok := fieldValue(v); ok {
			fields[k] = fv
		}
	}
	if len(fields) == 0 {
		return nil
	}

	tags := map[string]string{"server": server}
	if ev.Item != nil {
		tags["device"] = ev.Item.FriendlyName()
		tags["kind"] = string(ev.Item.Kind)
	} else {
		tags["device"] = ev.Topic
	}
	return write.NewPoint(Measurement, tags, fields, ts)
}

func fieldValue(v any) (any, bool) {
	switch t := v.(type) {
	case float64, bool:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		switch strings.ToUpper(t) {
		case "ON":
			return true, true
		case "OFF":
			return false, true
		}
	}
	return nil, false
}
