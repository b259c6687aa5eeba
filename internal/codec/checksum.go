package codec

import (
	"encoding/binary"
	"net/netip"
)

// ICMPv6Checksum computes the ICMPv6 checksum over the IPv6 pseudo-header
// and the ICMPv6 message (spec.md §4.2): one's-complement 16-bit additions
// with end-around carry. msg must have its checksum field zeroed.
func ICMPv6Checksum(src, dst netip.Addr, msg []byte) uint16 {
	var sum uint32

	srcB := src.As16()
	dstB := dst.As16()
	sum += sum16(srcB[:])
	sum += sum16(dstB[:])

	var lenAndNext [8]byte
	binary.BigEndian.PutUint32(lenAndNext[0:4], uint32(len(msg)))
	lenAndNext[7] = NextHeaderICMPv6
	sum += sum16(lenAndNext[:])

	sum += sum16(msg)

	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// sum16 adds up b as a sequence of big-endian 16-bit words (zero-padding an
// odd trailing byte), without folding the carry.
func sum16(b []byte) uint32 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}
