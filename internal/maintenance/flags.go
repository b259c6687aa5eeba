package maintenance

import (
	"crypto/rand"
	"encoding/binary"
)

// randomFlags draws a fresh 12-bit randomization value for the Teredo
// flags field (bits 0-11; bit 15, the deprecated cone flag, stays 0 per
// spec.md §3). Falls back to an all-zero value only if the OS random
// source is unavailable, which crypto/rand.Read never returns in
// practice on a supported platform.
func randomFlags() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:]) & 0x0fff
}
