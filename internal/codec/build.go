package codec

import (
	"encoding/binary"
	"net/netip"
)

// AllRoutersLinkLocal is ff02::2, the RA destination RFC 4861 reserves for
// routers; spec.md §4.6 requires RAs be addressed to it.
var AllRoutersLinkLocal = netip.MustParseAddr("ff02::2")

// AllNodesLinkLocal is ff02::1, the destination used by discovery bubbles
// (spec.md §4.8 / §6).
var AllNodesLinkLocal = netip.MustParseAddr("ff02::1")

// BuildBubble builds a Teredo bubble: an IPv6 header with NextHeader=NONE
// and zero payload, no ICMPv6 content.
func BuildBubble(src, dst netip.Addr) []byte {
	hdr := IPv6Header{NextHeader: NextHeaderNone, HopLimit: icmpv6HopLimit, Src: src, Dst: dst}
	return marshalIPv6Header(hdr, 0)
}

// BuildRS builds a Router Solicitation carrying an authentication header
// with the given nonce, addressed to the all-routers multicast group.
func BuildRS(src netip.Addr, nonce [8]byte) []byte {
	dst := AllRoutersLinkLocal
	msg := make([]byte, 8) // type,code,checksum,reserved(4)
	msg[0] = ICMPv6RouterSolicitation
	cksum := ICMPv6Checksum(src, dst, msg)
	binary.BigEndian.PutUint16(msg[2:4], cksum)

	ipv6 := marshalIPv6Header(IPv6Header{NextHeader: NextHeaderICMPv6, HopLimit: icmpv6HopLimit, Src: src, Dst: dst}, uint16(len(msg)))
	auth := buildAuthHeader(nonce, 0)
	out := make([]byte, 0, len(auth)+len(ipv6)+len(msg))
	out = append(out, auth...)
	out = append(out, ipv6...)
	out = append(out, msg...)
	return out
}

// RAParams describes the fields a server embeds in a Router Advertisement.
type RAParams struct {
	Src, Dst   netip.Addr
	Nonce      [8]byte
	TeredoPfx  uint64 // upper 64 bits of the advertised Teredo prefix
	MTU        uint32
	OrigIPv4   netip.Addr // origin-indication, if the RS arrived via relay
	OrigPort   uint16
	WithOrigin bool
}

// BuildRA builds a Router Advertisement with a Prefix Information option
// (the Teredo prefix, /64) and an MTU option, carrying the nonce from the
// solicitation in its own authentication header so the client can match it
// (spec.md §4.6).
func BuildRA(p RAParams) []byte {
	const curHopLimit = 0
	const flags = 0
	const routerLifetime = 1800
	msg := make([]byte, 16) // fixed RA header
	msg[0] = ICMPv6RouterAdvertisement
	msg[4] = curHopLimit
	msg[5] = flags
	binary.BigEndian.PutUint16(msg[6:8], routerLifetime)
	// reachable time / retrans timer left zero (unspecified)

	msg = append(msg, buildPrefixInformationOption(p.TeredoPfx)...)
	msg = append(msg, buildMTUOption(p.MTU)...)

	cksum := ICMPv6Checksum(p.Src, p.Dst, zeroChecksum(msg))
	binary.BigEndian.PutUint16(msg[2:4], cksum)

	var out []byte
	out = append(out, buildAuthHeader(p.Nonce, 1)...)
	if p.WithOrigin {
		out = append(out, buildOriginIndication(p.OrigIPv4, p.OrigPort)...)
	}
	out = append(out, marshalIPv6Header(IPv6Header{NextHeader: NextHeaderICMPv6, HopLimit: icmpv6HopLimit, Src: p.Src, Dst: p.Dst}, uint16(len(msg)))...)
	out = append(out, msg...)
	return out
}

// PrefixInformation is a decoded RA Prefix Information option.
type PrefixInformation struct {
	PrefixLen uint8
	Prefix64  uint64
}

// MTUOption is a decoded RA MTU option.
type MTUOption struct {
	MTU uint32
}

// ParseRAOptions scans an RA's ICMPv6 payload (after the fixed 16-byte
// header) for a Prefix Information option and an MTU option.
func ParseRAOptions(icmpPayload []byte) (PrefixInformation, MTUOption, bool) {
	if len(icmpPayload) <= 16 {
		return PrefixInformation{}, MTUOption{}, false
	}
	opts := icmpPayload[16:]
	var pi PrefixInformation
	var mtu MTUOption
	var havePI, haveMTU bool

	for len(opts) >= 8 {
		optType := opts[0]
		optLenUnits := int(opts[1])
		if optLenUnits == 0 {
			break
		}
		optLen := optLenUnits * 8
		if optLen > len(opts) {
			break
		}
		switch optType {
		case 3: // Prefix Information
			if optLen >= 32 {
				pi.PrefixLen = opts[2]
				pi.Prefix64 = binary.BigEndian.Uint64(opts[16:24])
				havePI = true
			}
		case 5: // MTU
			if optLen >= 8 {
				mtu.MTU = binary.BigEndian.Uint32(opts[4:8])
				haveMTU = true
			}
		}
		opts = opts[optLen:]
	}
	return pi, mtu, havePI && haveMTU
}

func buildPrefixInformationOption(prefix64 uint64) []byte {
	b := make([]byte, 32)
	b[0] = 3  // type
	b[1] = 4  // length in 8-byte units
	b[2] = 64 // prefix length
	b[3] = 0xc0 // L + A flags, on-link + autonomous
	binary.BigEndian.PutUint32(b[4:8], 0xffffffff)  // valid lifetime
	binary.BigEndian.PutUint32(b[8:12], 0xffffffff) // preferred lifetime
	binary.BigEndian.PutUint64(b[16:24], prefix64)
	return b
}

func buildMTUOption(mtu uint32) []byte {
	b := make([]byte, 8)
	b[0] = 5 // type
	b[1] = 1 // length in 8-byte units
	binary.BigEndian.PutUint32(b[4:8], mtu)
	return b
}

func zeroChecksum(msg []byte) []byte {
	out := append([]byte(nil), msg...)
	out[2] = 0
	out[3] = 0
	return out
}

// BuildEchoRequest builds an ICMPv6 Echo Request whose 4-byte payload is
// the ping cookie from internal/token (spec.md §4.7 non-Teredo-peer path).
func BuildEchoRequest(src, dst netip.Addr, id, seq uint16, cookie [4]byte) []byte {
	msg := make([]byte, 8+4)
	msg[0] = ICMPv6EchoRequest
	binary.BigEndian.PutUint16(msg[4:6], id)
	binary.BigEndian.PutUint16(msg[6:8], seq)
	copy(msg[8:12], cookie[:])
	cksum := ICMPv6Checksum(src, dst, msg)
	binary.BigEndian.PutUint16(msg[2:4], cksum)
	return append(marshalIPv6Header(IPv6Header{NextHeader: NextHeaderICMPv6, HopLimit: icmpv6HopLimit, Src: src, Dst: dst}, uint16(len(msg))), msg...)
}

// BuildEchoReply builds an ICMPv6 Echo Reply echoing back id/seq/payload.
func BuildEchoReply(src, dst netip.Addr, id, seq uint16, payload []byte) []byte {
	msg := make([]byte, 8+len(payload))
	msg[0] = ICMPv6EchoReply
	binary.BigEndian.PutUint16(msg[4:6], id)
	binary.BigEndian.PutUint16(msg[6:8], seq)
	copy(msg[8:], payload)
	cksum := ICMPv6Checksum(src, dst, msg)
	binary.BigEndian.PutUint16(msg[2:4], cksum)
	return append(marshalIPv6Header(IPv6Header{NextHeader: NextHeaderICMPv6, HopLimit: icmpv6HopLimit, Src: src, Dst: dst}, uint16(len(msg))), msg...)
}

// EchoCookie extracts the 4-byte cookie payload from a parsed Echo
// Request/Reply's IPv6Payload.
func EchoCookie(icmpPayload []byte) ([4]byte, bool) {
	var c [4]byte
	if len(icmpPayload) < 12 {
		return c, false
	}
	copy(c[:], icmpPayload[8:12])
	return c, true
}
