// Page checksum implementations.
//
// Every page ends in an 8-byte checksum over its page number and body. The
// page number is mixed in so that a page written to the wrong offset fails
// verification even when its bytes are intact. Two algorithms are supported,
// selectable via Config.Checksum and recorded in the header.
package quire

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Checksum algorithm constants.
const (
	AlgXXHash3 = 1 // Default, fastest
	AlgBlake2b = 2 // Best distribution
)

// validAlg reports whether alg is a known checksum algorithm.
func validAlg(alg int) bool {
	return alg == AlgXXHash3 || alg == AlgBlake2b
}

// checksum returns the checksum of body as page pgno.
func checksum(pgno uint32, body []byte, alg int) uint64 {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], pgno)

	switch alg {
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
		h.Write(n[:])
		h.Write(body)
		return binary.BigEndian.Uint64(h.Sum(nil))
	default:
		h := xxh3.New()
		h.Write(n[:])
		h.Write(body)
		return h.Sum64()
	}
}
