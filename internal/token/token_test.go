package token

import (
	"net/netip"
	"testing"
)

func TestNonce_DeterministicForSameInputs(t *testing.T) {
	g, err := NewGenerator()
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	dst := netip.MustParseAddr("203.0.113.1")
	n1 := g.Nonce(1000, dst, 3544)
	n2 := g.Nonce(1000, dst, 3544)
	if n1 != n2 {
		t.Fatal("expected same nonce for identical inputs")
	}
}

func TestNonce_DiffersAcrossInputs(t *testing.T) {
	g, _ := NewGenerator()
	dst := netip.MustParseAddr("203.0.113.1")
	n1 := g.Nonce(1000, dst, 3544)
	n2 := g.Nonce(1001, dst, 3544)
	n3 := g.Nonce(1000, netip.MustParseAddr("203.0.113.2"), 3544)
	if n1 == n2 {
		t.Error("expected different nonce for different deadline")
	}
	if n1 == n3 {
		t.Error("expected different nonce for different destination")
	}
}

func TestNonce_DiffersAcrossGenerators(t *testing.T) {
	g1, _ := NewGenerator()
	g2, _ := NewGenerator()
	dst := netip.MustParseAddr("203.0.113.1")
	if g1.Nonce(1000, dst, 3544) == g2.Nonce(1000, dst, 3544) {
		t.Error("two independently seeded generators should not collide")
	}
}

func TestPingCookie_ValidatesWithinWindow(t *testing.T) {
	g, _ := NewGenerator()
	local := netip.MustParseAddr("2001:0:c000:201::1")
	peer := netip.MustParseAddr("2001:0:c000:202::1")

	cookie := g.PingCookie(1_700_000_000, local, peer)
	if !g.VerifyPingCookie(cookie, 1_700_000_005, local, peer) {
		t.Error("cookie should still validate a few seconds later, same window")
	}
}

func TestPingCookie_ValidatesAcrossPrecedingWindow(t *testing.T) {
	g, _ := NewGenerator()
	local := netip.MustParseAddr("2001:0:c000:201::1")
	peer := netip.MustParseAddr("2001:0:c000:202::1")

	issuedAt := uint64(cookieWindowSeconds) // window 1
	cookie := g.PingCookie(issuedAt, local, peer)
	checkedAt := issuedAt + cookieWindowSeconds + 1 // now in window 2
	if !g.VerifyPingCookie(cookie, checkedAt, local, peer) {
		t.Error("cookie from the immediately preceding window should still validate")
	}
}

func TestPingCookie_RejectsStaleOrWrongPeer(t *testing.T) {
	g, _ := NewGenerator()
	local := netip.MustParseAddr("2001:0:c000:201::1")
	peer := netip.MustParseAddr("2001:0:c000:202::1")
	other := netip.MustParseAddr("2001:0:c000:203::1")

	cookie := g.PingCookie(1_700_000_000, local, peer)
	if g.VerifyPingCookie(cookie, 1_700_000_000+3*cookieWindowSeconds, local, peer) {
		t.Error("expected a cookie several windows old to be rejected")
	}
	if g.VerifyPingCookie(cookie, 1_700_000_000, local, other) {
		t.Error("expected cookie bound to a different peer to be rejected")
	}
}
