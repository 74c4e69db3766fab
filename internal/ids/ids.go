// Package ids generates the identifiers used by the delivery core: ULIDs for
// envelopes and UUIDs for connections and generated instance ids.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a time-sortable ULID encoded as a 26-character string.
func NewMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewConnectionID returns a random identifier for a live connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewInstanceID returns an identifier for a server process. It is called once
// at startup when no instance id is configured.
func NewInstanceID() string {
	return "instance-" + uuid.NewString()
}
