package models

import (
	"strconv"
	"time"
)

// ParseTime decodes the timestamp formats found in the source store: RFC3339
// strings and unix epoch seconds (threadr wrote both over its lifetime).
// Returns the zero time when the value is unparsable; the valid_timestamp
// validation rule rejects zero times downstream.
func ParseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}

// ParseDay decodes a YYYY-MM-DD day key from a usage aggregate.
func ParseDay(raw string) time.Time {
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
