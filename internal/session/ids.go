package session

import "github.com/google/uuid"

// newID generates a time-ordered, globally unique identifier suitable for
// session and utterance identifiers. Falls back to a random v4 identifier
// in the vanishingly unlikely case the v7 generator's entropy source fails.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewSessionID generates a time-ordered, globally unique session identifier.
// Exported for the transport layer, which allocates the identifier before
// any sub-session exists.
func NewSessionID() string {
	return newID()
}
