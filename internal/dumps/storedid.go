package dumps

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

// NewStoredID generates a fresh opaque stored id: 36 lowercase hex
// characters from 18 random bytes. The id keys the blob and derives its
// fan-out path; 144 bits of randomness makes collisions between concurrent
// creates vanishingly unlikely, and the UNIQUE constraint on stored_id
// backstops the impossible case.
func NewStoredID() string {
	var b [18]byte
	_, _ = io.ReadFull(rand.Reader, b[:])
	return hex.EncodeToString(b[:])
}
