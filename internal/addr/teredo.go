package addr

import (
	"encoding/binary"
	"net/netip"
)

// TeredoAddress is the 16-byte layout of spec.md §3:
//
//	prefix(4) | server_ipv4(4) | flags(2) | port_obf(2) | ipv4_obf(4)
//
// The lower 6 bytes obfuscate the mapped port and IPv4 by bitwise NOT.
type TeredoAddress struct {
	Prefix    uint32
	ServerIP4 uint32
	Flags     uint16
	Port      uint16 // de-obfuscated
	IPv4      uint32 // de-obfuscated
}

// ConeFlag is the deprecated bit 15 of the flags field; always 0 here.
const ConeFlag uint16 = 1 << 15

// Encode composes the 16-byte on-wire IPv6 address.
func (t TeredoAddress) Encode() netip.Addr {
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], t.Prefix)
	binary.BigEndian.PutUint32(b[4:8], t.ServerIP4)
	binary.BigEndian.PutUint16(b[8:10], t.Flags)
	binary.BigEndian.PutUint16(b[10:12], ^t.Port)
	binary.BigEndian.PutUint32(b[12:16], ^t.IPv4)
	return netip.AddrFrom16(b)
}

// DecodeTeredoAddress extracts every field from a 16-byte Teredo IPv6
// address. The caller should have already confirmed IsTeredo(ip).
func DecodeTeredoAddress(ip netip.Addr) TeredoAddress {
	b := ip.As16()
	return TeredoAddress{
		Prefix:    binary.BigEndian.Uint32(b[0:4]),
		ServerIP4: binary.BigEndian.Uint32(b[4:8]),
		Flags:     binary.BigEndian.Uint16(b[8:10]),
		Port:      ^binary.BigEndian.Uint16(b[10:12]),
		IPv4:      ^binary.BigEndian.Uint32(b[12:16]),
	}
}

// ServerAddr returns the embedded Teredo server's IPv4 address
// (IN6_TEREDO_SERVER(D) in spec.md §4.7).
func (t TeredoAddress) ServerAddr() netip.Addr {
	return netip.AddrFrom4(u32ToBytes(t.ServerIP4))
}

// MappedAddr returns the embedded (de-obfuscated) client IPv4 address
// (IN6_TEREDO_IPV4(D) in spec.md §4.7).
func (t TeredoAddress) MappedAddr() netip.Addr {
	return netip.AddrFrom4(u32ToBytes(t.IPv4))
}

// IsCone reports the deprecated cone flag (bit 15). Addresses built by this
// implementation never set it; an address decoded from a peer may.
func (t TeredoAddress) IsCone() bool {
	return t.Flags&ConeFlag != 0
}

func u32ToBytes(v uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b
}

func ipv4ToU32(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}

// NewTeredoAddress builds a TeredoAddress from its logical fields, for use
// when building RAs (server role) or testing round-trips.
func NewTeredoAddress(prefix uint32, server netip.Addr, flags, port uint16, mapped netip.Addr) TeredoAddress {
	return TeredoAddress{
		Prefix:    prefix,
		ServerIP4: ipv4ToU32(server),
		Flags:     flags,
		Port:      port,
		IPv4:      ipv4ToU32(mapped),
	}
}
