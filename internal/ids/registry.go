// Package ids implements the identifier registry: allocation and
// validation of opaque UserIds, and validation of caller-asserted
// RoomIds.
package ids

import (
	"sync/atomic"

	"github.com/pion/randutil"
)

// UserID and RoomID are opaque unsigned 64-bit identifiers. Zero is
// never issued by the registry and is treated as "absent" by callers.
type UserID uint64
type RoomID uint64

// Registry allocates fresh UserIds from a monotonic counter salted
// with process-local randomness, so client bugs that assume IDs are
// small contiguous integers surface quickly instead of silently
// colliding with another user's guessed ID.
//
// RoomIds are always caller-asserted; the registry only validates
// them (non-zero).
type Registry struct {
	counter atomic.Uint64
	salt    uint64
}

// NewRegistry draws a random salt once and returns a ready Registry.
func NewRegistry() *Registry {
	salt, err := randutil.CryptoUint64()
	if err != nil {
		// The only failure mode is the OS entropy pool; fall back to a
		// fixed odd constant rather than refuse to start.
		salt = 0x9e3779b97f4a7c15
	}
	return &Registry{salt: salt}
}

// NewUserID allocates a fresh, unique-for-this-process UserID. Zero is
// reserved as "absent" and skipped.
func (r *Registry) NewUserID() UserID {
	for {
		n := r.counter.Add(1)
		if id := UserID(n ^ r.salt); id != 0 {
			return id
		}
	}
}

// ValidRoomID reports whether id is an acceptable caller-asserted
// RoomID. Zero is reserved as "absent".
func ValidRoomID(id RoomID) bool {
	return id != 0
}

// ValidUserID reports whether id is an acceptable caller-asserted
// UserID. Zero is reserved as "absent" (not yet allocated).
func ValidUserID(id UserID) bool {
	return id != 0
}
