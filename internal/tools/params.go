package tools

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CareCall/internal/timematch"
)

func localDate(tz string, at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	return timematch.LocalDate(tz, at)
}

func stringParam(params map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := params[k]; ok {
			if s, ok := v.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func floatParam(params map[string]interface{}, keys ...string) *float64 {
	for _, k := range keys {
		var f float64
		switch v := params[k].(type) {
		case float64:
			f = v
		case int:
			f = float64(v)
		case json.Number:
			n, err := v.Float64()
			if err != nil {
				continue
			}
			f = n
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				continue
			}
			f = n
		default:
			continue
		}
		return &f
	}
	return nil
}

// boolParam accepts only a JSON boolean.
func boolParam(params map[string]interface{}, key string) (bool, bool) {
	b, ok := params[key].(bool)
	return b, ok
}

// stringsParam accepts a list of strings or a single string.
func stringsParam(params map[string]interface{}, keys ...string) []string {
	for _, k := range keys {
		switch v := params[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return []string{s}
			}
		case []string:
			return trimAll(v)
		case []interface{}:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			if out = trimAll(out); len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
