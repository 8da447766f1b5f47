// internal/runtime/telemetry.go
package runtime

import (
	"math"
	"strings"
	"time"
)

// TelemetrySchemaVersion tags the normalized telemetry shape.
const TelemetrySchemaVersion = "opencane.telemetry.v1"

// normalizeTelemetry maps heterogeneous firmware telemetry payloads into one
// stable schema. Returns nil when nothing recognizable is present.
func normalizeTelemetry(payload map[string]any, tsMS int64) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	if tsMS <= 0 {
		tsMS = time.Now().UnixMilli()
	}
	out := map[string]any{
		"schema_version": TelemetrySchemaVersion,
		"ts_ms":          tsMS,
	}

	battery := map[string]any{}
	if v, ok := firstFloat(payload, "battery_percent", "battery", "bat", "soc"); ok {
		battery["percent"] = round2(math.Max(0, math.Min(100, v)))
	}
	if v, ok := firstFloat(payload, "battery_voltage_mv", "vbat_mv"); ok && v > 0 {
		battery["voltage_mv"] = int64(v)
	}
	if v, ok := firstBool(payload, "charging", "is_charging"); ok {
		battery["charging"] = v
	}
	if len(battery) > 0 {
		out["battery"] = battery
	}

	network := map[string]any{}
	if v, ok := firstFloat(payload, "rssi", "rssi_dbm"); ok {
		network["rssi_dbm"] = round2(v)
	}
	if v, ok := firstFloat(payload, "rsrp", "rsrp_dbm"); ok {
		network["rsrp_dbm"] = round2(v)
	}
	if v, ok := firstFloat(payload, "snr", "snr_db"); ok {
		network["snr_db"] = round2(v)
	}
	if v := firstString(payload, "network_type", "net_type", "rat"); v != "" {
		network["network_type"] = v
	}
	if len(network) > 0 {
		out["network"] = network
	}

	location := map[string]any{}
	lat, latOK := firstFloat(payload, "lat", "latitude")
	lon, lonOK := firstFloat(payload, "lon", "lng", "longitude")
	if latOK && lonOK {
		location["lat"] = lat
		location["lon"] = lon
	}
	if v, ok := firstFloat(payload, "accuracy_m", "gps_accuracy"); ok && v >= 0 {
		location["accuracy_m"] = round2(v)
	}
	if len(location) > 0 {
		out["location"] = location
	}

	motion := map[string]any{}
	if v, ok := firstFloat(payload, "heading_deg", "heading", "yaw"); ok {
		motion["heading_deg"] = round2(math.Mod(math.Mod(v, 360)+360, 360))
	}
	if v, ok := firstFloat(payload, "speed_mps", "speed"); ok && v >= 0 {
		motion["speed_mps"] = round2(v)
	}
	if v, ok := firstBool(payload, "moving", "is_moving"); ok {
		motion["moving"] = v
	}
	if v, ok := firstFloat(payload, "step_count", "steps"); ok && v >= 0 {
		motion["step_count"] = int64(v)
	}
	if len(motion) > 0 {
		out["motion"] = motion
	}

	if len(out) <= 2 {
		return nil
	}
	return out
}

func firstFloat(data map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch v := data[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}

func firstBool(data map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		switch v := data[key].(type) {
		case bool:
			return v, true
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "1", "true", "yes", "on":
				return true, true
			case "0", "false", "no", "off":
				return false, true
			}
		}
	}
	return false, false
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := data[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
