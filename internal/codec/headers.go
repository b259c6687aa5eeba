package codec

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// parseAuthHeader parses an authentication header:
//
//	0x01 0x01 | id_len(1) | au_len(1) | client_id(id_len) | auth_data(au_len) | nonce(8) | confirmation(1)
//
// and returns the number of bytes consumed. Per spec.md §4.2: if auth is
// present but id/auth-data lengths are nonzero and verification is not
// configured, AuthFail is set; otherwise AuthFail is false.
func parseAuthHeader(b []byte, pkt *TeredoPacket, verifyAuth bool) (int, error) {
	const fixedLen = 2 + 1 + 1 // tag + id_len + au_len
	if len(b) < fixedLen {
		return 0, fmt.Errorf("codec: truncated auth header")
	}
	idLen := int(b[2])
	auLen := int(b[3])
	total := fixedLen + idLen + auLen + 8 + 1
	if len(b) < total {
		return 0, fmt.Errorf("codec: truncated auth header body")
	}

	pkt.AuthPresent = true
	off := fixedLen
	pkt.AuthClientID = append([]byte(nil), b[off:off+idLen]...)
	off += idLen
	// auth_data itself is not otherwise interpreted by the core datapath.
	off += auLen
	copy(pkt.AuthNonce[:], b[off:off+8])
	off += 8
	off++ // confirmation byte, not otherwise interpreted

	if (idLen != 0 || auLen != 0) && !verifyAuth {
		pkt.AuthFail = true
	}
	return total, nil
}

// buildAuthHeader builds an authentication header carrying only a nonce
// (no client id / auth data), as emitted by a qualifying client's RS.
func buildAuthHeader(nonce [8]byte, confirmation byte) []byte {
	b := make([]byte, 0, 4+8+1)
	b = append(b, authTagByte0, authTagByte1, 0, 0)
	b = append(b, nonce[:]...)
	b = append(b, confirmation)
	return b
}

// parseOriginIndication parses:
//
//	0x00 0x00 | port_obf(2) | ipv4_obf(4)
//
// where port/IP are bitwise-NOT of their real values, and returns the
// number of bytes consumed.
func parseOriginIndication(b []byte, pkt *TeredoPacket) (int, error) {
	const length = 2 + 2 + 4
	if len(b) < length {
		return 0, fmt.Errorf("codec: truncated origin indication header")
	}
	pkt.OrigPresent = true
	pkt.OrigPort = ^binary.BigEndian.Uint16(b[2:4])
	var ipB [4]byte
	binary.BigEndian.PutUint32(ipB[:], ^binary.BigEndian.Uint32(b[4:8]))
	pkt.OrigIPv4 = netip.AddrFrom4(ipB)
	return length, nil
}

// buildOriginIndication builds an origin-indication header embedding the
// given port/IPv4, bitwise-NOT obfuscated. Only a server emits this header,
// per RFC 4380 §5.2.1 and SPEC_FULL.md §10.
func buildOriginIndication(ip netip.Addr, port uint16) []byte {
	b := make([]byte, 8)
	b[0], b[1] = origTagByte0, origTagByte1
	binary.BigEndian.PutUint16(b[2:4], ^port)
	a4 := ip.As4()
	ipU32 := binary.BigEndian.Uint32(a4[:])
	binary.BigEndian.PutUint32(b[4:8], ^ipU32)
	return b
}
