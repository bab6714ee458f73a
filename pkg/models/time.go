package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// timeLayout is RFC 3339 with a fixed six-digit fraction. The width is
// load-bearing: time filters compare these TEXT columns lexically, and a
// variable-length fraction would misorder values within a second.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Time is a wall-clock timestamp persisted as an RFC 3339 UTC string.
// The zero value maps to SQL NULL in both directions, which keeps
// nullable columns (session ended_at, verified_until) on a single type.
type Time struct {
	time.Time
}

// Now returns the current wall-clock time truncated to microseconds,
// so values survive a store/load round trip bit-for-bit.
func Now() Time {
	return Time{time.Now().UTC().Truncate(time.Microsecond)}
}

// At wraps a time.Time, normalizing to UTC microsecond precision.
func At(t time.Time) Time {
	if t.IsZero() {
		return Time{}
	}
	return Time{t.UTC().Truncate(time.Microsecond)}
}

// Value implements driver.Valuer. Zero time becomes NULL.
func (t Time) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.UTC().Format(timeLayout), nil
}

// Scan implements sql.Scanner for NULL, TEXT, and driver-native time values.
func (t *Time) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = Time{}
		return nil
	case time.Time:
		*t = At(v)
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("models: cannot scan %T into Time", src)
	}
}

func (t *Time) parse(s string) error {
	if s == "" {
		*t = Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("models: parse timestamp %q: %w", s, err)
	}
	*t = At(parsed)
	return nil
}
