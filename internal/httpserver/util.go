package httpserver

import (
	"encoding/json"
	"io"
	"time"
)

// decodeJSON decodes a JSON request body into the destination struct.
// The reader will be closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// nowFunc is the process clock, in UTC. It is a plain function rather than
// a package variable, so tests cannot substitute it.
func nowFunc() time.Time {
	return time.Now().UTC()
}

// parseISO8601 parses an RFC 3339 timestamp, returning nil for an empty
// string (meaning "leave the field unset").
func parseISO8601(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
