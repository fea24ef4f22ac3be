package ingest

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var reKV = regexp.MustCompile(`(?i)([a-zA-Z_]+)=([^\s]+)`)

// ParseLine decodes one wire line into loose fields. Helmets on the line
// transports speak either JSON objects or flat key=value pairs; anything
// else is skipped with a nil result.
func ParseLine(line string) (map[string]any, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trim), &obj); err == nil {
			return obj, nil
		}
	}
	matches := reKV.FindAllStringSubmatch(trim, -1)
	if len(matches) == 0 {
		return nil, nil
	}
	obj := make(map[string]any, len(matches))
	for _, m := range matches {
		obj[strings.ToLower(m[1])] = coerce(m[2])
	}
	return obj, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// coerce turns a bare token into the type json.Unmarshal would have given:
// booleans and numbers where they parse, string otherwise.
func coerce(v string) any {
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// ClassifyFields decides whether a self-describing payload is a scan or a
// telemetry sample. Scan payloads carry an explicit scan marker; everything
// else is sensor data.
func ClassifyFields(obj map[string]any) Kind {
	for k := range obj {
		switch strings.ToLower(k) {
		case "scan", "scan_type", "scantype", "checkin", "check_in", "checkout", "check_out":
			return KindScan
		}
	}
	if t, ok := obj["type"]; ok {
		switch strings.ToUpper(strings.TrimSpace(toString(t))) {
		case "IN", "OUT", "CHECKIN", "CHECKOUT", "SCAN":
			return KindScan
		}
	}
	return KindData
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
