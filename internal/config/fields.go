package config

import (
	"fmt"
	"strings"
	"time"
)

// Helpers for mapping raw config fields onto typed service configs. Errors
// name the config key so a rejected hot reload points at the offending line.

// ParseDurationField parses a Go duration string. Empty means zero.
func ParseDurationField(key, raw string) (time.Duration, error) {
	return parseDuration(key, raw, 0, 0)
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(key, raw, def, 0)
}

// ParseDurationAtLeast is ParseDurationOrDefault that also rejects values below min.
func ParseDurationAtLeast(key, raw string, def, min time.Duration) (time.Duration, error) {
	return parseDuration(key, raw, def, min)
}

func parseDuration(key, raw string, def, min time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. 1500ms, 10s, 720h): %w", key, raw, err)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative", key)
	case d == 0:
		return def, nil
	case d < min:
		return 0, fmt.Errorf("%s: must be at least %s", key, min)
	}
	return d, nil
}

// BoolOr dereferences an optional bool.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
