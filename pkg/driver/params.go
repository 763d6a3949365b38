package driver

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// String reads a string value from a configuration or parameter map.
func String(m map[string]any, key, def string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%s must be a string, got %T", key, raw)
	}
}

// Int reads an integer value. Integral floats produced by JSON decoding are accepted.
func Int(m map[string]any, key string, def int) (int, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s must be an integer, got %v", key, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", key, raw)
	}
}

// Float reads a floating point value.
func Float(m map[string]any, key string, def float64) (float64, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a number: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, raw)
	}
}

// Bool reads a boolean value.
func Bool(m map[string]any, key string, def bool) (bool, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%s must be a boolean, got %T", key, raw)
	}
}

// Duration reads a duration. Strings use time.ParseDuration syntax, bare
// numbers are interpreted as seconds.
func Duration(m map[string]any, key string, def time.Duration) (time.Duration, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("%s must be a duration, got %T", key, raw)
	}
}
