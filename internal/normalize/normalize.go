package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"helmguard/internal/model"
)

// Payload maps one raw key/value payload from any transport into a canonical
// Telemetry record. Resolution is alias-first: for each field the historical
// names are probed in order and the first present value wins. Missing sensor
// fields stay absent; the normalizer never fabricates defaults.
func Payload(obj map[string]any, loc *time.Location) (model.Telemetry, error) {
	if loc == nil {
		loc = time.UTC
	}
	m := lowerKeys(obj)

	deviceID := firstString(m, "deviceid", "device_id", "helmetid", "helmet_id", "device", "id")
	if deviceID == "" {
		return model.Telemetry{}, errors.New("payload has no device id")
	}

	ts, err := timestampOf(m, loc)
	if err != nil {
		return model.Telemetry{}, err
	}

	t := model.Telemetry{DeviceID: deviceID, Timestamp: ts}
	t.HeartRate = firstFloat(m, "hr", "heartrate", "heart_rate", "heart", "pulse")
	t.Temperature = firstFloat(m, "temp", "temperature", "bodytemp", "body_temp")
	t.GasLevel = firstFloat(m, "gas", "gaslevel", "gas_level", "mq2")
	t.Latitude = firstFloat(m, "lat", "latitude")
	t.Longitude = firstFloat(m, "lng", "lon", "longitude")
	t.AmbientTemp = firstFloat(m, "ambient", "ambienttemp", "ambient_temp")
	t.Battery = firstFloat(m, "battery", "batt", "batterylevel", "battery_level")
	t.UnsafeBehavior = firstString(m, "unsafebehavior", "unsafe_behavior", "unsafe", "behavior")

	if v, ok := firstValue(m, "helmet", "helmeton", "helmet_on", "worn"); ok {
		t.HelmetOn = helmetWorn(v)
	}
	if v := firstBool(m, "sos", "panic"); v != nil {
		t.SOS = *v
	}
	if v := firstBool(m, "fall", "falldetected", "fall_detected"); v != nil {
		t.Fall = *v
	}

	t.AccelMagnitude = firstFloat(m, "accel", "acceleration", "accelmag", "accel_mag")
	if t.AccelMagnitude == nil {
		t.AccelMagnitude = accelFromAxes(m)
	}
	return t, nil
}

// ScanMessage is a parsed helmet scan attempt before any attendance logic.
type ScanMessage struct {
	HelmetID  string
	Type      model.ScanType
	Timestamp time.Time
	Latitude  *float64
	Longitude *float64
}

// Scan parses a scan payload. deviceID may come from the transport (topic
// segment) and takes precedence over any id embedded in the payload.
func Scan(obj map[string]any, deviceID string, loc *time.Location) (ScanMessage, error) {
	if loc == nil {
		loc = time.UTC
	}
	m := lowerKeys(obj)
	if deviceID == "" {
		deviceID = firstString(m, "deviceid", "device_id", "helmetid", "helmet_id", "device", "id")
	}
	if deviceID == "" {
		return ScanMessage{}, errors.New("scan has no helmet id")
	}

	raw := strings.ToUpper(firstString(m, "type", "scantype", "scan_type", "direction"))
	var st model.ScanType
	switch raw {
	case "IN", "CHECKIN", "CHECK_IN":
		st = model.ScanIn
	case "OUT", "CHECKOUT", "CHECK_OUT":
		st = model.ScanOut
	default:
		return ScanMessage{}, fmt.Errorf("unknown scan type %q", raw)
	}

	ts, err := timestampOf(m, loc)
	if err != nil {
		return ScanMessage{}, err
	}

	return ScanMessage{
		HelmetID:  deviceID,
		Type:      st,
		Timestamp: ts,
		Latitude:  firstFloat(m, "lat", "latitude"),
		Longitude: firstFloat(m, "lng", "lon", "longitude"),
	}, nil
}

// timestampOf resolves the payload timestamp, accepting RFC3339-style strings
// and unix seconds/milliseconds (numeric or string). Absent means now.
func timestampOf(m map[string]any, loc *time.Location) (time.Time, error) {
	v, ok := firstValue(m, "timestamp", "time", "ts")
	if !ok {
		return time.Now().UTC(), nil
	}
	switch raw := v.(type) {
	case string:
		parsed, err := ParseTimestamp(raw, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
		}
		return parsed.UTC(), nil
	default:
		f, ok := toFloat(v)
		if !ok {
			return time.Time{}, fmt.Errorf("unsupported timestamp value: %v", raw)
		}
		if f > 1e12 { // milliseconds
			return time.Unix(0, int64(f)*int64(time.Millisecond)).UTC(), nil
		}
		return time.Unix(int64(f), 0).UTC(), nil
	}
}

func lowerKeys(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func firstValue(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func firstString(m map[string]any, keys ...string) string {
	v, ok := firstValue(m, keys...)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func firstFloat(m map[string]any, keys ...string) *float64 {
	v, ok := firstValue(m, keys...)
	if !ok {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}

func firstBool(m map[string]any, keys ...string) *bool {
	v, ok := firstValue(m, keys...)
	if !ok {
		return nil
	}
	b, ok := toBool(v)
	if !ok {
		return nil
	}
	return &b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off", "":
			return false, true
		}
		return false, false
	case float64:
		return b != 0, true
	case int:
		return b != 0, true
	}
	return false, false
}

// helmetWorn applies the wire convention: a literal boolean is taken as-is,
// any other value means worn unless it is the string "off".
func helmetWorn(v any) *bool {
	if b, ok := v.(bool); ok {
		return &b
	}
	worn := !strings.EqualFold(strings.TrimSpace(fmt.Sprint(v)), "off")
	return &worn
}

// accelFromAxes derives the acceleration magnitude from the three axis
// components when all are present.
func accelFromAxes(m map[string]any) *float64 {
	ax := firstFloat(m, "ax", "accx", "accel_x")
	ay := firstFloat(m, "ay", "accy", "accel_y")
	az := firstFloat(m, "az", "accz", "accel_z")
	if ax == nil || ay == nil || az == nil {
		return nil
	}
	mag := math.Sqrt(*ax**ax + *ay**ay + *az**az)
	return &mag
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
