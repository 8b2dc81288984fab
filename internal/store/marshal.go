package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/routinesync/internal/model"
)

// marshalTags converts canonical tags to a JSON array TEXT for storage.
// Uses json.Encoder with HTML escaping disabled so tags round-trip verbatim.
func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tags); err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalTags parses a JSON array TEXT. Empty input yields an empty slice.
func unmarshalTags(data string) ([]string, error) {
	tags := []string{}
	if data == "" {
		return tags, nil
	}
	if err := json.Unmarshal([]byte(data), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return tags, nil
}

// nullableDate maps a nil date to SQL NULL.
func nullableDate(d *model.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullableClockTime(c *model.ClockTime) sql.NullString {
	if c == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: c.String(), Valid: true}
}

func parseNullableDate(ns sql.NullString) (*model.Date, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := model.ParseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseNullableClockTime(ns sql.NullString) (*model.ClockTime, error) {
	if !ns.Valid {
		return nil, nil
	}
	c, err := model.ParseClockTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// unixNanos stores instants as integers so ORDER BY is exact.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseInstant(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
