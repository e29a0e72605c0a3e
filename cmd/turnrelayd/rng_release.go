//go:build !debug

package main

import "math/rand"

// newRNG always seeds from entropy in release builds: rng_seed is a
// debug-only knob, never wired into production randomness regardless of
// what's in the config.
func newRNG(seed int64) *rand.Rand {
	return entropyRNG()
}
