// Package timefmt renders and validates canonical timestamps: wall-clock
// strings in the display timezone (Asia/Taipei by default), fixed layout
// "2006-01-02 15:04:05", no fractional seconds, no zone suffix.
package timefmt

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"
)

// Layout is the canonical timestamp layout persisted in every table.
const Layout = "2006-01-02 15:04:05"

// Inputs at or above this magnitude are treated as Unix milliseconds.
const millisThreshold = 1e10

// ErrInvalidTimeInput is returned for empty, non-numeric, or unparseable
// inputs and for strings that do not match the canonical form.
var ErrInvalidTimeInput = errors.New("invalid time input")

var canonicalRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)

var (
	locOnce sync.Once
	loc     *time.Location
)

// Location returns the display timezone, read once from TIMEZONE and
// defaulting to Asia/Taipei. An unknown zone name falls back to a fixed
// UTC+8 so startup never fails on a stripped-down tzdata.
func Location() *time.Location {
	locOnce.Do(func() {
		name := os.Getenv("TIMEZONE")
		if name == "" {
			name = "Asia/Taipei"
		}
		l, err := time.LoadLocation(name)
		if err != nil {
			l = time.FixedZone("UTC+8", 8*60*60)
		}
		loc = l
	})
	return loc
}

// Canonical converts a Unix seconds, Unix milliseconds (auto-detected by
// magnitude), canonical string, or time.Time input into the canonical string.
func Canonical(v any) (string, error) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return "", fmt.Errorf("%w: zero time", ErrInvalidTimeInput)
		}
		return x.In(Location()).Format(Layout), nil
	case int:
		return FromUnix(int64(x)), nil
	case int64:
		return FromUnix(x), nil
	case uint64:
		return FromUnix(int64(x)), nil
	case float64:
		return FromUnix(int64(x)), nil
	case string:
		if !Validate(x) {
			return "", fmt.Errorf("%w: %q", ErrInvalidTimeInput, x)
		}
		return x, nil
	default:
		return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidTimeInput, v)
	}
}

// FromUnix renders a Unix timestamp as a canonical string. Values at or
// above 1e10 are interpreted as milliseconds.
func FromUnix(ts int64) string {
	if ts >= millisThreshold || ts <= -millisThreshold {
		ts = ts / 1000
	}
	return time.Unix(ts, 0).In(Location()).Format(Layout)
}

// Now returns the current instant as a canonical string.
func Now() string {
	return time.Now().In(Location()).Format(Layout)
}

// Validate reports whether s matches the canonical form and names a real
// calendar instant (2023-02-29 is rejected even though it matches the regex).
func Validate(s string) bool {
	if !canonicalRe.MatchString(s) {
		return false
	}
	t, err := time.ParseInLocation(Layout, s, Location())
	if err != nil {
		return false
	}
	// ParseInLocation normalizes impossible dates instead of failing, so a
	// round-trip comparison catches them.
	return t.Format(Layout) == s
}

// Parse converts a canonical string back to a time.Time in the display zone.
func Parse(s string) (time.Time, error) {
	if !Validate(s) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimeInput, s)
	}
	return time.ParseInLocation(Layout, s, Location())
}
