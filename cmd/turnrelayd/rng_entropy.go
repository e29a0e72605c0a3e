package main

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
)

// entropyRNG seeds a math/rand source from crypto-random entropy, used by
// both build variants whenever no debug seed applies.
func entropyRNG() *mrand.Rand {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is unrecoverable entropy starvation; an
		// unseedable RNG is startup-fatal.
		panic("turnrelayd: failed to read system entropy: " + err.Error())
	}
	return mrand.New(mrand.NewSource(int64(binary.BigEndian.Uint64(b[:]))))
}
