// Package token implements the process-wide security tokens of spec.md
// §4.4: a keyed nonce binding an outgoing Router Solicitation to its
// expected Router Advertisement, and a time-windowed ping cookie binding an
// ICMPv6 echo probe to its reply, without per-peer state.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net/netip"
)

const secretSize = 32

// Generator holds the process-wide secret seeded from an OS random source
// at construction. It must not be rewindable by external input: the secret
// is read once from crypto/rand and never derived from request data.
type Generator struct {
	secret [secretSize]byte
}

// NewGenerator seeds a fresh Generator from crypto/rand.
func NewGenerator() (*Generator, error) {
	g := &Generator{}
	if _, err := rand.Read(g.secret[:]); err != nil {
		return nil, fmt.Errorf("token: seeding secret: %w", err)
	}
	return g, nil
}

// Nonce binds a pending Router Solicitation to its expected Router
// Advertisement: an 8-byte MAC over (deadline_seconds, dst_ip, dst_port).
func (g *Generator) Nonce(deadlineSeconds uint64, dstIP netip.Addr, dstPort uint16) [8]byte {
	mac := g.mac(noncePurpose, func(buf []byte) []byte {
		buf = binary.BigEndian.AppendUint64(buf, deadlineSeconds)
		a4 := dstIP.As4()
		buf = append(buf, a4[:]...)
		return binary.BigEndian.AppendUint16(buf, dstPort)
	})
	var out [8]byte
	copy(out[:], mac)
	return out
}

// PingCookie derives a 4-byte cookie bound to the coarse time window
// containing now, and to the (local, peer) IPv6 address pair, so a
// returning ICMPv6 echo reply can be validated without per-peer state.
// Cookies are valid for an approximately 30s window (cookieWindowSeconds).
func (g *Generator) PingCookie(now uint64, local, peer netip.Addr) [4]byte {
	window := now / cookieWindowSeconds
	mac := g.mac(cookiePurpose, func(buf []byte) []byte {
		buf = binary.BigEndian.AppendUint64(buf, window)
		la := local.As16()
		pa := peer.As16()
		buf = append(buf, la[:]...)
		buf = append(buf, pa[:]...)
		return buf
	})
	var out [4]byte
	copy(out[:], mac)
	return out
}

// VerifyPingCookie checks cookie against the current and the immediately
// preceding window, so a cookie issued just before a window boundary still
// validates (spec.md §4.4: "valid for a window of approximately 30s").
func (g *Generator) VerifyPingCookie(cookie [4]byte, now uint64, local, peer netip.Addr) bool {
	if g.PingCookie(now, local, peer) == cookie {
		return true
	}
	if now >= cookieWindowSeconds {
		if g.PingCookie(now-cookieWindowSeconds, local, peer) == cookie {
			return true
		}
	}
	return false
}

const (
	cookieWindowSeconds = 30
	noncePurpose        = "teredo-nonce"
	cookiePurpose       = "teredo-pingcookie"
)

func (g *Generator) mac(purpose string, fill func([]byte) []byte) []byte {
	h := hmac.New(sha256.New, g.secret[:])
	h.Write([]byte(purpose))
	buf := fill(make([]byte, 0, 64))
	h.Write(buf)
	return h.Sum(nil)
}
