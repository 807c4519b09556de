package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that unmarshals from either a bare number
// (milliseconds) or a string with a unit suffix. Accepted suffixes are
// ns, us, ms, s, m, h and d; "d" is handled here because the standard
// library parser stops at hours.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	case string:
		parsed, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("duration must be a number of milliseconds or a string, got %T", raw)
	}
}

// UnmarshalYAML lets channel seed files use the same duration syntax.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	case string:
		parsed, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("duration must be a number of milliseconds or a string, got %T", raw)
	}
}

// ParseDuration parses a duration string, extending time.ParseDuration
// with a "d" (day) suffix. "24h", "1d" and "86400000" (ms) are equivalent.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Bare number means milliseconds.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(n) * time.Millisecond), nil
	}

	if strings.HasSuffix(s, "d") {
		numPart := strings.TrimSuffix(s, "d")
		days, err := strconv.ParseFloat(numPart, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return Duration(time.Duration(days * float64(24*time.Hour))), nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(parsed), nil
}
