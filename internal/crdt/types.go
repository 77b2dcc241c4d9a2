// Package crdt implements the replicated mind-map document: LWW-element maps
// for notes, connections and metadata, with an RGA text sequence for note
// content so concurrent edits merge without coordination.
package crdt

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

// SessionID identifies one editing session. UUIDv7 keeps ids time-ordered.
type SessionID uuid.UUID

// NilSessionID is the zero value for SessionID.
var NilSessionID SessionID

// NewSessionID creates a new time-ordered session id.
func NewSessionID() SessionID {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 only fails when the entropy source does; fall back to v4.
		id = uuid.New()
	}
	return SessionID(id)
}

// String returns the canonical UUID string.
func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

// Compare orders SessionIDs lexicographically by their bytes.
func (s SessionID) Compare(other SessionID) int {
	a, b := uuid.UUID(s), uuid.UUID(other)
	return bytes.Compare(a[:], b[:])
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(s).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SessionID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*s = SessionID(u)
	return nil
}

// Timestamp is a Lamport timestamp: a per-session counter plus the session
// id as tiebreak. It totally orders concurrent writes for LWW resolution.
type Timestamp struct {
	Counter uint64    `json:"cnt"`
	SID     SessionID `json:"sid"`
}

// Compare returns -1, 0 or 1. Counters order first; equal counters fall back
// to the session id so the order is total.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Counter < other.Counter {
		return -1
	}
	if t.Counter > other.Counter {
		return 1
	}
	return t.SID.Compare(other.SID)
}

// After reports whether t wins an LWW race against other.
func (t Timestamp) After(other Timestamp) bool {
	return t.Compare(other) > 0
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool {
	return t.Counter == 0 && t.SID == NilSessionID
}

// String renders the timestamp for logging.
func (t Timestamp) String() string {
	data, _ := json.Marshal(t)
	return string(data)
}
