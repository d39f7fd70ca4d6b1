package util

import "github.com/google/uuid"

// NewID returns an opaque unique identifier, optionally prefixed for
// readability in logs.
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
