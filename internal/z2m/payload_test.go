package z2m

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantObject bool
		wantText   string
	}{
		{"object", `{"brightness":100}`, true, ""},
		{"object with spaces", "  {\"a\":1}\n", true, ""},
		{"number", `5`, false, "5"},
		{"bare string", `online`, false, "online"},
		{"json string", `"ON"`, false, `"ON"`},
		{"malformed", `{"a":`, false, `{"a":`},
		{"empty", ``, false, ""},
		{"array", `[1,2]`, false, "[1,2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParsePayload([]byte(tt.raw))
			if !p.Valid() {
				t.Fatal("payload not valid")
			}
			if p.IsObject() != tt.wantObject {
				t.Fatalf("IsObject() = %v, want %v", p.IsObject(), tt.wantObject)
			}
			if !tt.wantObject && p.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", p.Text, tt.wantText)
			}
		})
	}
}

func TestMergeObjects(t *testing.T) {
	a := ObjectPayload(map[string]any{"a": 1.0})
	b := ObjectPayload(map[string]any{"b": 2.0})

	got := a.Merge(b)
	want := map[string]any{"a": 1.0, "b": 2.0}
	if !reflect.DeepEqual(got.Fields, want) {
		t.Errorf("merged = %v, want %v", got.Fields, want)
	}
	if len(a.Fields) != 1 {
		t.Errorf("receiver modified: %v", a.Fields)
	}
}

func TestMergeOverwritesKeys(t *testing.T) {
	a := ObjectPayload(map[string]any{"state": "ON", "brightness": 10.0})
	b := ObjectPayload(map[string]any{"brightness": 200.0})
	got := a.Merge(b)
	if got.Fields["brightness"] != 200.0 || got.Fields["state"] != "ON" {
		t.Errorf("merged = %v", got.Fields)
	}
}

func TestMergeScalarReplaces(t *testing.T) {
	obj := ObjectPayload(map[string]any{"a": 1.0})
	scalar := TextPayload("5")

	if got := obj.Merge(scalar); got.IsObject() || got.Text != "5" {
		t.Errorf("object then scalar = %+v, want scalar 5", got)
	}
	if got := scalar.Merge(obj); !got.IsObject() {
		t.Errorf("scalar then object = %+v, want object", got)
	}
	var zero Payload
	if got := zero.Merge(obj); !reflect.DeepEqual(got.Fields, obj.Fields) {
		t.Errorf("zero then object = %+v", got)
	}
}

func TestPayloadJSON(t *testing.T) {
	type wrapper struct {
		P Payload `json:"p"`
	}
	tests := []struct {
		name string
		in   Payload
		want string
	}{
		{"zero", Payload{}, `{"p":null}`},
		{"text", TextPayload("online"), `{"p":"online"}`},
		{"object", ObjectPayload(map[string]any{"a": 1}), `{"p":{"a":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(wrapper{P: tt.in})
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.want {
				t.Errorf("marshal = %s, want %s", data, tt.want)
			}
		})
	}

	var w wrapper
	if err := json.Unmarshal([]byte(`{"p":{"brightness":3}}`), &w); err != nil {
		t.Fatal(err)
	}
	if v, ok := w.P.Get("brightness"); !ok || v != 3.0 {
		t.Errorf("brightness = %v, %v", v, ok)
	}
}

func TestParseOnline(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"object online", `{"state":"online"}`, true},
		{"bare online", `online`, true},
		{"object offline", `{"state":"offline"}`, false},
		{"bare offline", `offline`, false},
		{"malformed", `{"state":`, false},
		{"empty", ``, false},
		{"json string online", `"online"`, true},
		{"missing state", `{"status":"online"}`, false},
		{"uppercase", `ONLINE`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseOnline([]byte(tt.raw)); got != tt.want {
				t.Errorf("ParseOnline(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestAvailabilityColor(t *testing.T) {
	tests := []struct {
		a    Availability
		want string
	}{
		{AvailabilityUnknown, "blue"},
		{AvailabilityOffline, "red"},
		{AvailabilityOnline, "green"},
	}
	for _, tt := range tests {
		if got := tt.a.Color(); got != tt.want {
			t.Errorf("%v.Color() = %q, want %q", tt.a, got, tt.want)
		}
	}
	if AvailabilityOf(true) != AvailabilityOnline || AvailabilityOf(false) != AvailabilityOffline {
		t.Error("AvailabilityOf mapping wrong")
	}
}
