package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. Handles and requests are both keyed by it.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether id is a well-formed ULID string.
func ValidID(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}
