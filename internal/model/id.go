package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a fresh session identifier. Callers may supply their
// own IDs instead; these are only minted when a start request omits one.
func NewSessionID() string {
	return uuid.NewString()
}

// NewChunkID returns a ULID for an interaction chunk. ULIDs sort
// lexicographically by creation time, which keeps chunk listings in
// chronological order without a secondary sort key.
func NewChunkID() string {
	return ulid.Make().String()
}

// NewInsightID returns a ULID for an insight document.
func NewInsightID() string {
	return ulid.Make().String()
}
