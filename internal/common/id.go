package common

import (
	"github.com/google/uuid"
)

// Identifier produces unique, time-ordered IDs. Injected so tests can
// pin IDs deterministically.
type Identifier func() string

// NewIdentifier returns the production identifier: UUIDv7, which sorts
// by creation time.
func NewIdentifier() Identifier {
	return func() string {
		id, err := uuid.NewV7()
		if err != nil {
			// NewV7 only fails if the entropy source does; fall back
			// to random UUIDs rather than propagating an error from
			// every call site.
			return uuid.New().String()
		}
		return id.String()
	}
}

// NewEntityID generates a unique entity ID with the "ent_" prefix
func NewEntityID(ident Identifier) string {
	return "ent_" + ident()
}

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID(ident Identifier) string {
	return "job_" + ident()
}

// NewBatchID generates a unique batch ID with the "bat_" prefix
func NewBatchID(ident Identifier) string {
	return "bat_" + ident()
}

// NewMessageID generates a unique bus message ID with the "msg_" prefix
func NewMessageID(ident Identifier) string {
	return "msg_" + ident()
}
