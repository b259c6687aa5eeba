package addr

import (
	"net/netip"
	"testing"
)

func TestIsIPv4GlobalUnicast_RejectsReserved(t *testing.T) {
	rejected := []string{
		"0.1.2.3", "10.0.0.1", "127.0.0.1", "169.254.1.1",
		"172.16.0.1", "172.31.255.255", "192.168.1.1",
		"192.88.99.5", "224.0.0.1", "240.0.0.1", "255.255.255.255",
	}
	for _, s := range rejected {
		ip := netip.MustParseAddr(s)
		if IsIPv4GlobalUnicast(ip) {
			t.Errorf("expected %s to not be global unicast", s)
		}
	}
}

func TestIsIPv4GlobalUnicast_AcceptsPublic(t *testing.T) {
	accepted := []string{"8.8.8.8", "203.0.113.1", "1.1.1.1"}
	for _, s := range accepted {
		ip := netip.MustParseAddr(s)
		if !IsIPv4GlobalUnicast(ip) {
			t.Errorf("expected %s to be global unicast", s)
		}
	}
}

func TestIsIPv4PrivateUnicast(t *testing.T) {
	accepted := []string{"10.1.2.3", "172.16.5.5", "172.31.0.1", "192.168.0.1", "169.254.0.1"}
	for _, s := range accepted {
		if !IsIPv4PrivateUnicast(netip.MustParseAddr(s)) {
			t.Errorf("expected %s to be private unicast", s)
		}
	}
	rejected := []string{"8.8.8.8", "172.15.0.1", "172.32.0.1", "192.167.0.1"}
	for _, s := range rejected {
		if IsIPv4PrivateUnicast(netip.MustParseAddr(s)) {
			t.Errorf("expected %s to not be private unicast", s)
		}
	}
}

// Property: global unicast and private unicast are disjoint sets, and
// neither holds for 0/8, 127/8, class D, or class E (spec.md §8 property 3).
func TestGlobalAndPrivateUnicast_Disjoint(t *testing.T) {
	probes := []string{
		"0.5.5.5", "10.0.0.1", "127.0.0.1", "169.254.1.1", "172.16.1.1",
		"192.168.1.1", "192.88.99.1", "224.1.1.1", "240.1.1.1", "8.8.8.8",
	}
	for _, s := range probes {
		ip := netip.MustParseAddr(s)
		if IsIPv4GlobalUnicast(ip) && IsIPv4PrivateUnicast(ip) {
			t.Errorf("%s classified as both global and private unicast", s)
		}
	}

	neitherOnly := []string{"0.5.5.5", "127.0.0.1", "224.1.1.1", "240.1.1.1"}
	for _, s := range neitherOnly {
		ip := netip.MustParseAddr(s)
		if IsIPv4GlobalUnicast(ip) || IsIPv4PrivateUnicast(ip) {
			t.Errorf("%s must be neither global nor private unicast", s)
		}
	}
}

func TestIsTeredo(t *testing.T) {
	teredo := netip.MustParseAddr("2001:0000:cb00:7101:0000:0000:0072:9cb8")
	obsolete := netip.MustParseAddr("3ffe:831f:cb00:7101::1")
	notTeredo := netip.MustParseAddr("2001:db8::1")

	if !IsTeredo(teredo) {
		t.Error("expected canonical Teredo prefix to match")
	}
	if !IsTeredo(obsolete) {
		t.Error("expected obsolete Teredo prefix to match")
	}
	if IsTeredo(notTeredo) {
		t.Error("did not expect a non-Teredo prefix to match")
	}
}

// Property 2 (spec.md §8): Teredo address round-trip.
func TestTeredoAddress_RoundTrip(t *testing.T) {
	server := netip.MustParseAddr("203.0.113.1")
	mapped := netip.MustParseAddr("198.51.100.7")

	orig := NewTeredoAddress(teredoPrefix32, server, 0x0abc, 40000, mapped)
	encoded := orig.Encode()

	if !IsTeredo(encoded) {
		t.Fatal("encoded address should be recognized as Teredo")
	}

	decoded := DecodeTeredoAddress(encoded)
	if decoded != orig {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, orig)
	}
	if decoded.ServerAddr() != server {
		t.Errorf("server addr mismatch: got %v want %v", decoded.ServerAddr(), server)
	}
	if decoded.MappedAddr() != mapped {
		t.Errorf("mapped addr mismatch: got %v want %v", decoded.MappedAddr(), mapped)
	}
	if decoded.IsCone() {
		t.Error("cone flag must always decode false in this implementation")
	}
}

func TestTeredoAddress_RoundTrip_VariousPortsAndIPs(t *testing.T) {
	server := netip.MustParseAddr("192.0.2.1")
	cases := []struct {
		port uint16
		ip   string
	}{
		{0, "0.0.0.1"},
		{1, "255.255.255.254"},
		{65535, "10.0.0.1"},
		{40000, "198.51.100.7"},
	}
	for _, c := range cases {
		mapped := netip.MustParseAddr(c.ip)
		orig := NewTeredoAddress(teredoPrefix32, server, 0, c.port, mapped)
		decoded := DecodeTeredoAddress(orig.Encode())
		if decoded.Port != c.port || decoded.IPv4 != ipv4ToU32(mapped) {
			t.Errorf("round-trip failed for port=%d ip=%s: got %+v", c.port, c.ip, decoded)
		}
	}
}
