package schema

import "testing"

func TestValidateDevices(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"empty array", `[]`, false},
		{"minimal", `[{"ieee_address":"0x1","friendly_name":"lamp"}]`, false},
		{"coordinator without definition", `[{"ieee_address":"0x0","friendly_name":"Coordinator","type":"Coordinator","definition":null}]`, false},
		{"nested features", `[{"ieee_address":"0x1","friendly_name":"lamp","definition":{"model":"m","vendor":"v","exposes":[{"type":"light","features":[{"type":"numeric","property":"brightness","access":7}]}]}}]`, false},
		{"not an array", `{"ieee_address":"0x1"}`, true},
		{"missing friendly name", `[{"ieee_address":"0x1"}]`, true},
		{"bad access", `[{"ieee_address":"0x1","friendly_name":"a","definition":{"exposes":[{"type":"binary","access":9}]}}]`, true},
		{"broken json", `[{"ieee_address":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(Devices, []byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateGroups(t *testing.T) {
	v := NewValidator()
	if err := v.Validate(Groups, []byte(`[{"id":1,"friendly_name":"living","members":[{"ieee_address":"0x1","endpoint":1}],"scenes":[]}]`)); err != nil {
		t.Errorf("valid groups rejected: %v", err)
	}
	if err := v.Validate(Groups, []byte(`[{"id":"1","friendly_name":"living"}]`)); err == nil {
		t.Error("string id accepted")
	}
}

func TestValidateInfo(t *testing.T) {
	v := NewValidator()
	if err := v.Validate(Info, []byte(`{"version":"1.35.0","permit_join":false,"log_level":"info","coordinator":{"type":"zStack3x0"}}`)); err != nil {
		t.Errorf("valid info rejected: %v", err)
	}
	if err := v.Validate(Info, []byte(`"online"`)); err == nil {
		t.Error("scalar info accepted")
	}
}

func TestValidateUnknownDocument(t *testing.T) {
	v := NewValidator()
	if err := v.Validate(Document("nope"), []byte(`{}`)); err == nil {
		t.Error("unknown document accepted")
	}
}

func TestCompiledSchemaCached(t *testing.T) {
	v := NewValidator()
	_ = v.Validate(Devices, []byte(`[]`))
	first := v.cache[Devices]
	_ = v.Validate(Devices, []byte(`[]`))
	if first == nil || v.cache[Devices] != first {
		t.Error("schema recompiled")
	}
}
