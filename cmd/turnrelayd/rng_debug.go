//go:build debug

package main

import (
	"math/rand"

	"github.com/nullharbor/turnrelayd/internal/relay"
)

// newRNG seeds the server's randomness deterministically when built with
// the debug tag and a non-zero seed is given. Seeding is a development
// and test aid, never a production knob.
func newRNG(seed int64) *rand.Rand {
	if seed == 0 {
		return entropyRNG()
	}
	return relay.NewRNG(seed)
}
