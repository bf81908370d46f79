package normalize

import (
	"strconv"
	"strings"
	"time"
)

var numericParameters = []string{"temperature", "pH", "turbidity", "dissolvedOxygen", "nitrate", "phosphate"}

// coerce returns a copy of obj with the loosely typed fields some backend
// revisions send rewritten into the shapes Reading decodes: numeric strings
// become numbers and an epoch-millisecond timestamp becomes RFC 3339. Values
// that cannot be rewritten are removed so the reading survives with a zero
// field. obj itself is never modified.
func coerce(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}

	if p, ok := obj["parameters"].(map[string]any); ok {
		out["parameters"] = coerceNumbers(p, numericParameters)
	}
	if l, ok := obj["location"].(map[string]any); ok {
		out["location"] = coerceNumbers(l, []string{"lat", "lng"})
	}
	if ts, ok := obj["timestamp"]; ok {
		if t, ok := coerceTime(ts); ok {
			out["timestamp"] = t
		} else {
			delete(out, "timestamp")
		}
	}
	if br, ok := obj["bloomRisk"]; ok {
		if _, isString := br.(string); !isString {
			delete(out, "bloomRisk")
		}
	}
	return out
}

func coerceNumbers(obj map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	for _, k := range keys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				delete(out, k)
				continue
			}
			out[k] = f
		default:
			delete(out, k)
		}
	}
	return out
}

// coerceTime accepts RFC 3339 strings, bare dates and epoch milliseconds.
func coerceTime(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if _, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return s, true
		}
		for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC().Format(time.RFC3339Nano), true
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano), true
		}
	case float64:
		return time.UnixMilli(int64(t)).UTC().Format(time.RFC3339Nano), true
	}
	return "", false
}
