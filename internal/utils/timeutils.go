package utils

import (
	"fmt"
	"strconv"
	"time"
)

// ParseTimestamp accepts RFC3339 strings or unix seconds (fractional allowed).
func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: expected RFC3339 or unix seconds", value)
	}
	whole := int64(secs)
	nanos := int64((secs - float64(whole)) * float64(time.Second))
	return time.Unix(whole, nanos).UTC(), nil
}

// DurationMinutes converts a pair of timestamps into minute duration.
func DurationMinutes(start, end time.Time) float64 {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Minutes()
}
