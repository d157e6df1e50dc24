package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Unlimited is the interval used for "max"/"unlimited": send every tick.
const Unlimited = time.Duration(-1)

// ParseInterval parses a stream interval.
//
//	"" | "off" | "0"          0, automatic sends disabled
//	"max" | "unlimited"       Unlimited
//	"10hz" | "0.5Hz"          1s / rate
//	Go duration               as is; negative durations mean Unlimited
func ParseInterval(path, raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "off", "0", "disabled":
		return 0, nil
	case "max", "unlimited", "-1":
		return Unlimited, nil
	}
	if num, ok := strings.CutSuffix(s, "hz"); ok {
		hz, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil || !(hz > 0) || math.IsInf(hz, 0) {
			return 0, fmt.Errorf("%s: invalid rate %q", path, raw)
		}
		d := time.Duration(float64(time.Second) / hz)
		if d <= 0 {
			return 0, fmt.Errorf("%s: rate %q is too high", path, raw)
		}
		return d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid interval %q: %w", path, raw, err)
	}
	if d < 0 {
		return Unlimited, nil
	}
	return d, nil
}

// FormatInterval is the inverse of ParseInterval for display.
func FormatInterval(d time.Duration) string {
	switch {
	case d == 0:
		return "off"
	case d < 0:
		return "max"
	default:
		return d.String()
	}
}
