package docmodel

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ParseRFC3339 parses a timezone-aware RFC 3339 timestamp. Naive
// timestamps (no "Z" or numeric offset) are rejected: the core fails
// closed rather than guessing a zone.
func ParseRFC3339(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasSuffix(trimmed, "Z") && !hasNumericOffset(trimmed) {
		return time.Time{}, fmt.Errorf("docmodel: date-time must be timezone-aware (include Z or offset): %q", s)
	}
	t, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("docmodel: invalid RFC3339 timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// hasNumericOffset reports whether s ends in a "+HH:MM" or "-HH:MM"
// offset, distinguishing it from a bare local-time string that merely
// contains dashes (the date portion).
func hasNumericOffset(s string) bool {
	if len(s) < 6 {
		return false
	}
	tail := s[len(s)-6:]
	if tail[0] != '+' && tail[0] != '-' {
		return false
	}
	return tail[3] == ':'
}

// FormatRFC3339 renders a time in UTC using "Z" rather than "+00:00",
// matching the canonical form the core persists and audits. Sub-second
// precision is preserved when present and trimmed when not, mirroring
// the source's datetime.isoformat() behavior.
func FormatRFC3339(t time.Time) string {
	u := t.UTC()
	s := u.Format(time.RFC3339Nano)
	s = strings.TrimSuffix(s, "Z")
	return s + "Z"
}

// IsExternalURIReference reports whether ref looks like a non-file,
// non-relative URI reference (used to reject agent_roles refs that
// point outside the repository tree).
func IsExternalURIReference(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" {
		return false
	}
	return strings.ToLower(u.Scheme) != "file"
}
