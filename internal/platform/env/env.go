// Package env reads configuration from the process environment with typed
// defaults. Parse failures are errors, not silent fallbacks, so a typo in a
// deployment manifest fails startup instead of running with defaults.
package env

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// String returns the value of key, or def when unset. Empty values count as
// set.
func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// Int parses key as a base-10 integer.
func Int(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return i, nil
}

// Bool parses key with strconv.ParseBool semantics (1/t/true/0/f/false).
func Bool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return b, nil
}

// Duration parses key with time.ParseDuration ("250ms", "1s", ...).
func Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return d, nil
}
