package id

import "github.com/google/uuid"

func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID. Job and scene ids handed to the
// HTTP layer are checked with it before any store lookup.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
