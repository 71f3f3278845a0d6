package timeparser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimestamp attempts to parse an operator-supplied timestamp with
// multiple formats. Bare integers are unix seconds; values without a zone are
// read in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.UTC
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}

	formats := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05", // YYYY-MM-DD HH:mm:ss
		"2006-01-02T15:04:05", // YYYY-MM-DDTHH:mm:ss
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		"2006-01-02",
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.ParseInLocation(format, s, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", s, lastErr)
}

// ParseSince accepts either a timestamp or a relative duration such as
// "15m" or "-2h", which is taken back from now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(strings.TrimPrefix(strings.TrimSpace(s), "-")); err == nil {
		return now.Add(-d), nil
	}
	return ParseTimestamp(s, now.Location())
}

// IsWithinTolerance checks if t lies within tolerance of ref.
func IsWithinTolerance(t, ref time.Time, tolerance time.Duration) bool {
	diff := t.Sub(ref)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// NotInFuture reports whether t is not later than ref by more than
// tolerance. Device clocks may lag but must not run ahead of the receiver.
func NotInFuture(t, ref time.Time, tolerance time.Duration) bool {
	return !t.After(ref) || IsWithinTolerance(t, ref, tolerance)
}
