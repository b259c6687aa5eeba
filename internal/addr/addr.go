// Package addr implements the pure, allocation-free IPv4/IPv6 address
// predicates and Teredo address field accessors of spec.md §3/§4.3.
package addr

import (
	"encoding/binary"
	"net/netip"
)

// teredoPrefix32 and teredoObsoletePrefix32 are the two valid 32-bit
// Teredo prefixes (spec.md §3): the canonical 2001:0000::/32 and the
// obsolete 3ffe:831f::/32.
const (
	teredoPrefix32         = 0x20010000
	teredoObsoletePrefix32 = 0x3ffe831f
)

// IsIPv4GlobalUnicast rejects 0/8, 10/8, 127/8, 169.254/16, 172.16/12,
// 192.168/16, 192.88.99/24, class D, class E, and the broadcast address.
func IsIPv4GlobalUnicast(ip netip.Addr) bool {
	if !ip.Is4() {
		return false
	}
	b := ip.As4()
	switch {
	case b[0] == 0: // 0.0.0.0/8
		return false
	case b[0] == 10: // 10.0.0.0/8
		return false
	case b[0] == 127: // 127.0.0.0/8
		return false
	case b[0] == 169 && b[1] == 254: // 169.254.0.0/16
		return false
	case b[0] == 172 && b[1]&0xf0 == 16: // 172.16.0.0/12
		return false
	case b[0] == 192 && b[1] == 168: // 192.168.0.0/16
		return false
	case b[0] == 192 && b[1] == 88 && b[2] == 99: // 192.88.99.0/24
		return false
	case b[0] >= 224 && b[0] <= 239: // class D (multicast)
		return false
	case b[0] >= 240: // class E + 255.255.255.255
		return false
	}
	return true
}

// IsIPv4PrivateUnicast accepts exactly 10/8, 172.16/12, 192.168/16, and
// 169.254/16 (link-local).
func IsIPv4PrivateUnicast(ip netip.Addr) bool {
	if !ip.Is4() {
		return false
	}
	b := ip.As4()
	switch {
	case b[0] == 10:
		return true
	case b[0] == 172 && b[1]&0xf0 == 16:
		return true
	case b[0] == 192 && b[1] == 168:
		return true
	case b[0] == 169 && b[1] == 254:
		return true
	}
	return false
}

// IsTeredo reports whether ip's upper 32 bits match a known Teredo prefix.
func IsTeredo(ip netip.Addr) bool {
	if !ip.Is6() {
		return false
	}
	b := ip.As16()
	prefix := binary.BigEndian.Uint32(b[0:4])
	return prefix == teredoPrefix32 || prefix == teredoObsoletePrefix32
}
