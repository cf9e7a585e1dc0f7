package z2m

import (
	"bytes"
	"encoding/json"
	"maps"
)

// Payload is a device or group state message. It is either an object
// (Fields non-nil) or a scalar kept as its raw text. The zero value means
// "no payload".
type Payload struct {
	Fields map[string]any
	Text   string
	valid  bool
}

// ObjectPayload wraps fields as an object payload.
func ObjectPayload(fields map[string]any) Payload {
	if fields == nil {
		fields = map[string]any{}
	}
	return Payload{Fields: fields, valid: true}
}

// TextPayload wraps s as a scalar payload.
func TextPayload(s string) Payload {
	return Payload{Text: s, valid: true}
}

// ParsePayload decodes raw. JSON objects become object payloads; anything
// else, valid JSON scalars and malformed JSON alike, is kept as text.
func ParsePayload(raw []byte) Payload {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]any
		if err := json.Unmarshal(trimmed, &fields); err == nil && fields != nil {
			return ObjectPayload(fields)
		}
	}
	return TextPayload(string(raw))
}

// Valid reports whether p holds a payload.
func (p Payload) Valid() bool { return p.valid }

// IsObject reports whether p is an object payload.
func (p Payload) IsObject() bool { return p.valid && p.Fields != nil }

// Get returns a field of an object payload.
func (p Payload) Get(key string) (any, bool) {
	if !p.IsObject() {
		return nil, false
	}
	v, ok := p.Fields[key]
	return v, ok
}

// Merge returns the result of applying next on top of p: a shallow,
// key-by-key overwrite when both are objects, next otherwise. p is never
// modified.
func (p Payload) Merge(next Payload) Payload {
	if !p.IsObject() || !next.IsObject() {
		return next
	}
	merged := make(map[string]any, len(p.Fields)+len(next.Fields))
	maps.Copy(merged, p.Fields)
	maps.Copy(merged, next.Fields)
	return ObjectPayload(merged)
}

// Bytes returns the wire form of p.
func (p Payload) Bytes() []byte {
	if !p.valid {
		return nil
	}
	if p.Fields == nil {
		return []byte(p.Text)
	}
	data, err := json.Marshal(p.Fields)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// MarshalJSON encodes objects as objects, scalars as strings and the zero
// payload as null.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch {
	case !p.valid:
		return []byte("null"), nil
	case p.Fields != nil:
		return json.Marshal(p.Fields)
	default:
		return json.Marshal(p.Text)
	}
}

// UnmarshalJSON accepts any JSON value; non-objects are stored as text.
func (p *Payload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*p = Payload{}
	case len(trimmed) > 0 && trimmed[0] == '{':
		var fields map[string]any
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return err
		}
		*p = ObjectPayload(fields)
	case len(trimmed) > 0 && trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*p = TextPayload(s)
	default:
		*p = TextPayload(string(trimmed))
	}
	return nil
}

// ParseOnline interprets a bridge/state or availability message. Only
// {"state":"online"} and the bare string online count as online.
func ParseOnline(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '{':
		var msg struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return false
		}
		return msg.State == "online"
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return false
		}
		return s == "online"
	default:
		return string(trimmed) == "online"
	}
}

// Availability is the tri-state availability of a device or group.
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityOffline
	AvailabilityOnline
)

// AvailabilityOf maps a known online flag to an Availability.
func AvailabilityOf(online bool) Availability {
	if online {
		return AvailabilityOnline
	}
	return AvailabilityOffline
}

func (a Availability) String() string {
	switch a {
	case AvailabilityOnline:
		return "online"
	case AvailabilityOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Color is the status-dot color used by display consumers.
func (a Availability) Color() string {
	switch a {
	case AvailabilityOnline:
		return "green"
	case AvailabilityOffline:
		return "red"
	default:
		return "blue"
	}
}
