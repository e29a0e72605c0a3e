package relay

import "math/rand"

// NewRNG wraps a math/rand source for injection into Server. Seeded
// construction is reserved for debug/test builds (see cmd/turnrelayd); the
// server draws relay-port offsets only from this source, so port selection
// stays replayable in tests. Nonces are not drawn from it: internal/auth
// mints them as random UUIDs, which no seed reproduces.
func NewRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
