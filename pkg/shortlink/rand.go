package shortlink

import (
	"crypto/rand"
	"encoding/binary"
)

// secureRandInt returns a uniform value in [0, n) from the system CSPRNG.
// n is a charset size, so the modulo bias over 64 bits is negligible.
func secureRandInt(n int) int {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}
