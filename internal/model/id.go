package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string identifying an execution.
func NewID() string {
	return ulid.Make().String()
}

// NewClientID returns a random UUID suitable as an engine client identity.
// The engine uses it to route progress messages, so it only needs to be unique.
func NewClientID() string {
	return uuid.NewString()
}
