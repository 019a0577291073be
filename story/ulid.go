// ABOUTME: ULID generation helper using crypto/rand entropy.
// ABOUTME: Centralizes identifier creation for dialogue entries and pipeline runs.
package story

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// NewULID generates a new ULID using crypto/rand entropy.
func NewULID() ulid.ULID {
	return ulid.MustNew(ulid.Now(), rand.Reader)
}

// NewID returns a fresh ULID in its canonical string form.
func NewID() string {
	return NewULID().String()
}
