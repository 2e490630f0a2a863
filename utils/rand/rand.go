// Package rand is a wrapper around `crypto/rand` that uses the system RNG
// underneath to extract secure entropy.
//
// This package should be used instead of `math/rand` for any use-case
// requiring secure randomness, such as seeding the entropy pool.
//
// Functions in this package may return an error if the underlying system
// implementation fails to read new randoms. When that happens, this package
// considers it an irrecoverable exception.
package rand

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// HexString returns a random hex string encoding `byteLen` bytes of system
// entropy. The returned string is `2*byteLen` characters long.
//
// It returns:
//   - ("", exception) if crypto/rand fails to provide entropy which is likely a result of a system error.
//   - (random, nil) otherwise
func HexString(byteLen int) (string, error) {
	buffer := make([]byte, byteLen)
	if _, err := rand.Read(buffer); err != nil { // checking err in crypto/rand.Read is enough
		return "", fmt.Errorf("crypto/rand read failed: %w", err)
	}
	return hex.EncodeToString(buffer), nil
}
