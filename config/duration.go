package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Seconds is a duration written either as a number of seconds or as a Go
// duration string ("20s", "1m30s").
type Seconds time.Duration

// Millis is a duration written either as a number of milliseconds or as a Go
// duration string.
type Millis time.Duration

// Duration returns s as a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// Duration returns m as a time.Duration.
func (m Millis) Duration() time.Duration { return time.Duration(m) }

// MarshalJSON writes the number of seconds.
func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(s).Seconds())
}

// UnmarshalJSON accepts a number of seconds or a duration string.
func (s *Seconds) UnmarshalJSON(data []byte) error {
	d, err := parseDuration(data, time.Second)
	if err != nil {
		return err
	}
	*s = Seconds(d)
	return nil
}

// MarshalJSON writes the number of milliseconds.
func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(m).Milliseconds())
}

// UnmarshalJSON accepts a number of milliseconds or a duration string.
func (m *Millis) UnmarshalJSON(data []byte) error {
	d, err := parseDuration(data, time.Millisecond)
	if err != nil {
		return err
	}
	*m = Millis(d)
	return nil
}

func parseDuration(data []byte, unit time.Duration) (time.Duration, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return time.Duration(x * float64(unit)), nil
	case string:
		return ParseDuration(x, unit)
	}
	return 0, fmt.Errorf("invalid duration %s", data)
}

// ParseDuration reads a Go duration string, or a bare number in unit.
func ParseDuration(s string, unit time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(unit)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
