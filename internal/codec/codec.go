// Package codec parses and builds the Teredo UDP encapsulation of spec.md
// §4.2/§6: an optional authentication header, an optional origin-indication
// header, followed by a 40-byte IPv6 header and payload.
package codec

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	ipv6HeaderLen = 40
	icmpv6HopLimit = 255

	// NextHeaderNone is IPPROTO_NONE (59): the "no next header" value used
	// by Teredo bubbles.
	NextHeaderNone = 59
	// NextHeaderICMPv6 is IPPROTO_ICMPV6 (58).
	NextHeaderICMPv6 = 58

	// ICMPv6 message types relevant to Teredo.
	ICMPv6RouterSolicitation  = 133
	ICMPv6RouterAdvertisement = 134
	ICMPv6EchoRequest         = 128
	ICMPv6EchoReply           = 129

	authTagByte0 = 0x01
	authTagByte1 = 0x01
	origTagByte0 = 0x00
	origTagByte1 = 0x00
)

// IPv6Header is the fixed 40-byte IPv6 header.
type IPv6Header struct {
	TrafficClass uint8
	FlowLabel    uint32
	PayloadLen   uint16
	NextHeader   uint8
	HopLimit     uint8
	Src          netip.Addr
	Dst          netip.Addr
}

// TeredoPacket is a parsed view of one Teredo-encapsulated UDP payload, per
// spec.md §4.2.
type TeredoPacket struct {
	IPv6         IPv6Header
	IPv6Payload  []byte
	RawIPv6      []byte // the untouched 40-byte header + payload, for zero-copy forwarding
	SourceIPv4   netip.Addr // actual UDP source, supplied by the caller
	SourcePort   uint16
	AuthPresent  bool
	AuthFail     bool
	AuthNonce    [8]byte
	AuthClientID []byte
	OrigPresent  bool
	OrigIPv4     netip.Addr
	OrigPort     uint16
}

// Parse decodes a UDP payload into a TeredoPacket. udpSrcIP/udpSrcPort are
// the actual UDP 5-tuple source, supplied by the caller (C9), not anything
// embedded in the packet. verifyAuth indicates whether authentication
// verification is configured; when auth is present but verification is not
// configured, AuthFail is set per spec.md §4.2.
func Parse(payload []byte, udpSrcIP netip.Addr, udpSrcPort uint16, verifyAuth bool) (*TeredoPacket, error) {
	pkt := &TeredoPacket{SourceIPv4: udpSrcIP, SourcePort: udpSrcPort}
	rest := payload

	if len(rest) >= 2 && rest[0] == authTagByte0 && rest[1] == authTagByte1 {
		consumed, err := parseAuthHeader(rest, pkt, verifyAuth)
		if err != nil {
			return nil, err
		}
		rest = rest[consumed:]
	}

	if len(rest) >= 2 && rest[0] == origTagByte0 && rest[1] == origTagByte1 {
		consumed, err := parseOriginIndication(rest, pkt)
		if err != nil {
			return nil, err
		}
		rest = rest[consumed:]
	}

	if len(rest) < ipv6HeaderLen {
		return nil, fmt.Errorf("codec: truncated IPv6 header (%d bytes)", len(rest))
	}
	hdr, err := parseIPv6Header(rest[:ipv6HeaderLen])
	if err != nil {
		return nil, err
	}
	pkt.IPv6 = hdr
	payloadBytes := rest[ipv6HeaderLen:]
	if int(hdr.PayloadLen) > len(payloadBytes) {
		return nil, fmt.Errorf("codec: IPv6 payload length %d exceeds available %d bytes", hdr.PayloadLen, len(payloadBytes))
	}
	pkt.IPv6Payload = payloadBytes[:hdr.PayloadLen]
	pkt.RawIPv6 = rest[:ipv6HeaderLen+int(hdr.PayloadLen)]
	return pkt, nil
}

// IsBubble reports whether the packet is a Teredo bubble: an IPv6 header
// with NextHeader=NONE and zero payload length (spec.md §4.2).
func (p *TeredoPacket) IsBubble() bool {
	return p.IPv6.NextHeader == NextHeaderNone && p.IPv6.PayloadLen == 0
}

// ICMPv6Type returns the ICMPv6 message type if this packet's next header
// is ICMPv6 and the payload is long enough to carry a type byte.
func (p *TeredoPacket) ICMPv6Type() (byte, bool) {
	if p.IPv6.NextHeader != NextHeaderICMPv6 || len(p.IPv6Payload) < 1 {
		return 0, false
	}
	return p.IPv6Payload[0], true
}

// ParsePlainIPv6Header decodes a bare IPv6 packet's header, as read
// straight off the tunnel device for the outbound (IPv6->UDP) direction —
// no Teredo auth/origin-indication headers are present on that side.
func ParsePlainIPv6Header(b []byte) (IPv6Header, error) {
	return parseIPv6Header(b)
}

func parseIPv6Header(b []byte) (IPv6Header, error) {
	if len(b) < ipv6HeaderLen {
		return IPv6Header{}, fmt.Errorf("codec: short IPv6 header")
	}
	version := b[0] >> 4
	if version != 6 {
		return IPv6Header{}, fmt.Errorf("codec: not an IPv6 header (version=%d)", version)
	}
	flowWord := binary.BigEndian.Uint32(b[0:4])
	hdr := IPv6Header{
		TrafficClass: uint8((flowWord >> 20) & 0xff),
		FlowLabel:    flowWord & 0xfffff,
		PayloadLen:   binary.BigEndian.Uint16(b[4:6]),
		NextHeader:   b[6],
		HopLimit:     b[7],
	}
	var srcB, dstB [16]byte
	copy(srcB[:], b[8:24])
	copy(dstB[:], b[24:40])
	hdr.Src = netip.AddrFrom16(srcB)
	hdr.Dst = netip.AddrFrom16(dstB)
	return hdr, nil
}

func marshalIPv6Header(h IPv6Header, payloadLen uint16) []byte {
	b := make([]byte, ipv6HeaderLen)
	flowWord := (uint32(6) << 28) | (uint32(h.TrafficClass) << 20) | (h.FlowLabel & 0xfffff)
	binary.BigEndian.PutUint32(b[0:4], flowWord)
	binary.BigEndian.PutUint16(b[4:6], payloadLen)
	b[6] = h.NextHeader
	b[7] = h.HopLimit
	src := h.Src.As16()
	dst := h.Dst.As16()
	copy(b[8:24], src[:])
	copy(b[24:40], dst[:])
	return b
}
