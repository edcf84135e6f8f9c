package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are Go duration strings ("250ms", "30s"). An empty field means
// "use the default".

// ParseDurationField parses raw for the config field at path. Empty gives 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw, 0)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseDurationAtLeast is ParseDurationOrDefault with a lower bound on
// explicit values.
func ParseDurationAtLeast(path, raw string, min, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw, min)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func parseDuration(path, raw string, min time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	case d > 0 && d < min:
		return 0, fmt.Errorf("%s: %s is below the minimum of %s", path, d, min)
	}
	return d, nil
}
