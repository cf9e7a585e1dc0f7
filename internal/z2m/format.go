package z2m

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatPayload renders every field of an object payload as display text,
// appending the unit declared by the device's expose when there is one.
// Scalar payloads render under the "value" key.
func FormatPayload(p Payload, dev *Device) map[string]string {
	if !p.Valid() {
		return nil
	}
	if !p.IsObject() {
		return map[string]string{"value": p.Text}
	}
	out := make(map[string]string, len(p.Fields))
	for k, v := range p.Fields {
		text := formatValue(v)
		if dev != nil {
			if e, ok := dev.FindExpose(k); ok && e.Unit != "" && text != "" {
				text += " " + e.Unit
			}
		}
		out[k] = text
	}
	return out
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

// HomeKit service names used as top-level keys of HomeKitPayload.
const (
	HKLightbulb         = "Lightbulb"
	HKSwitch            = "Switch"
	HKTemperatureSensor = "TemperatureSensor"
	HKHumiditySensor    = "HumiditySensor"
	HKLightSensor       = "LightSensor"
	HKMotionSensor      = "MotionSensor"
	HKContactSensor     = "ContactSensor"
	HKLeakSensor        = "LeakSensor"
	HKSmokeSensor       = "SmokeSensor"
	HKCOSensor          = "CarbonMonoxideSensor"
	HKBattery           = "Battery"
	HKWindowCovering    = "WindowCovering"
	HKLockMechanism     = "LockMechanism"
)

const lowBatteryPercent = 15

// HomeKitPayload translates a state payload into HomeKit service
// characteristics. Unknown fields are ignored; nil means nothing mapped.
func HomeKitPayload(p Payload) map[string]map[string]any {
	if !p.IsObject() {
		return nil
	}
	out := make(map[string]map[string]any)
	set := func(service, characteristic string, v any) {
		if out[service] == nil {
			out[service] = make(map[string]any)
		}
		out[service][characteristic] = v
	}
	f := p.Fields

	if state, ok := f["state"].(string); ok {
		on := strings.EqualFold(state, "ON")
		_, hasBrightness := f["brightness"]
		_, hasColorTemp := f["color_temp"]
		if hasBrightness || hasColorTemp {
			set(HKLightbulb, "On", on)
		} else if strings.EqualFold(state, "ON") || strings.EqualFold(state, "OFF") {
			set(HKSwitch, "On", on)
		}
	}
	if b, ok := number(f["brightness"]); ok {
		set(HKLightbulb, "Brightness", int(math.Round(clamp(b, 0, 254)/254*100)))
	}
	if ct, ok := number(f["color_temp"]); ok {
		set(HKLightbulb, "ColorTemperature", int(clamp(ct, 140, 500)))
	}
	if color, ok := f["color"].(map[string]any); ok {
		if h, ok := number(color["hue"]); ok {
			set(HKLightbulb, "Hue", h)
		}
		if s, ok := number(color["saturation"]); ok {
			set(HKLightbulb, "Saturation", s)
		}
	}
	if t, ok := number(f["temperature"]); ok {
		set(HKTemperatureSensor, "CurrentTemperature", t)
	}
	if h, ok := number(f["humidity"]); ok {
		set(HKHumiditySensor, "CurrentRelativeHumidity", h)
	}
	if lux, ok := number(f["illuminance_lux"]); ok {
		set(HKLightSensor, "CurrentAmbientLightLevel", math.Max(lux, 0.0001))
	} else if lux, ok := number(f["illuminance"]); ok {
		set(HKLightSensor, "CurrentAmbientLightLevel", math.Max(lux, 0.0001))
	}
	if occ, ok := f["occupancy"].(bool); ok {
		set(HKMotionSensor, "MotionDetected", occ)
	}
	if contact, ok := f["contact"].(bool); ok {
		// HomeKit: 0 = contact detected, 1 = not detected.
		set(HKContactSensor, "ContactSensorState", boolToInt(!contact))
	}
	if leak, ok := f["water_leak"].(bool); ok {
		set(HKLeakSensor, "LeakDetected", boolToInt(leak))
	}
	if smoke, ok := f["smoke"].(bool); ok {
		set(HKSmokeSensor, "SmokeDetected", boolToInt(smoke))
	}
	if co, ok := f["carbon_monoxide"].(bool); ok {
		set(HKCOSensor, "CarbonMonoxideDetected", boolToInt(co))
	}
	if bat, ok := number(f["battery"]); ok {
		set(HKBattery, "BatteryLevel", int(clamp(bat, 0, 100)))
		set(HKBattery, "StatusLowBattery", boolToInt(bat <= lowBatteryPercent))
	}
	if pos, ok := number(f["position"]); ok {
		p := int(clamp(pos, 0, 100))
		set(HKWindowCovering, "CurrentPosition", p)
		set(HKWindowCovering, "TargetPosition", p)
		set(HKWindowCovering, "PositionState", 2) // stopped
	}
	if lock, ok := f["lock_state"].(string); ok {
		state := 3 // unknown
		switch lock {
		case "locked":
			state = 1
		case "unlocked":
			state = 0
		}
		set(HKLockMechanism, "LockCurrentState", state)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
