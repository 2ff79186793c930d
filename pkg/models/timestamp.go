package models

import (
	"fmt"
	"strings"
	"time"
)

// timestampFormats are tried in order. Offset-less layouts are read as UTC.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00", // pandas to_csv output
	"2006-01-02 15:04:05-07:00",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an updated_at value into UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "nat") {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	var parseErr error
	for _, format := range timestampFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t.UTC(), nil
		}
		parseErr = err
	}

	return time.Time{}, fmt.Errorf("unable to parse time %q: %w", s, parseErr)
}

// ParseTimestampOrNil coerces s to a timestamp, returning nil when it cannot be parsed.
func ParseTimestampOrNil(s string) *time.Time {
	t, err := ParseTimestamp(s)
	if err != nil {
		return nil
	}
	return &t
}

// FormatTimestamp renders t the way the tables store it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
