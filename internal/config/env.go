package config

import (
	"strconv"
	"strings"
)

// ApplyEnvOverrides overlays environment variables onto a raw config
// map. An uppercase variable with `__` delimiters maps to a nested key:
// CONCURRENCY__PIPELINE=50 sets concurrency.pipeline. Only scalar
// targets are overridden; dict and list values are left alone. The new
// value is coerced to the type of the existing value, falling back to
// string when parsing fails. Applying the same environment twice is a
// no-op.
func ApplyEnvOverrides(cfg map[string]any, environ []string) map[string]any {
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		name, value := kv[:eq], kv[eq+1:]
		if !strings.Contains(name, "__") {
			continue
		}
		// Environment names are uppercase; config keys are lowercase.
		if name != strings.ToUpper(name) {
			continue
		}
		path := strings.Split(strings.ToLower(name), "__")
		overrideScalar(cfg, path, value)
	}
	return cfg
}

func overrideScalar(cfg map[string]any, path []string, value string) {
	cur := cfg
	for i, key := range path {
		existing, ok := cur[key]
		if !ok {
			return
		}
		if i == len(path)-1 {
			switch existing.(type) {
			case map[string]any, []any:
				// Structured targets must be edited through the file.
				return
			}
			cur[key] = coerce(existing, value)
			return
		}
		next, ok := existing.(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
}

// coerce converts the raw env string to the type of the existing value.
func coerce(existing any, value string) any {
	switch existing.(type) {
	case bool:
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		default:
			return false
		}
	case int, int64:
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		return value
	case float64:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			// An integer-typed file value overridden with an integral
			// float stays an int for downstream type assertions.
			if f == float64(int(f)) && !strings.Contains(value, ".") {
				return int(f)
			}
			return f
		}
		return value
	default:
		return value
	}
}
