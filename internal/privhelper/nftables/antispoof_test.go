package nftables

import (
	"net/netip"
	"testing"

	nft "github.com/google/nftables"
)

type fakeConn struct {
	tables []*nft.Table
	chains []*nft.Chain
	rules  map[*nft.Chain][]*nft.Rule
}

func newFakeConn() *fakeConn {
	return &fakeConn{rules: make(map[*nft.Chain][]*nft.Rule)}
}

func (f *fakeConn) AddTable(t *nft.Table) *nft.Table {
	f.tables = append(f.tables, t)
	return t
}

func (f *fakeConn) AddChain(c *nft.Chain) *nft.Chain {
	f.chains = append(f.chains, c)
	return c
}

func (f *fakeConn) GetRules(_ *nft.Table, c *nft.Chain) ([]*nft.Rule, error) {
	out := make([]*nft.Rule, len(f.rules[c]))
	copy(out, f.rules[c])
	return out, nil
}

func (f *fakeConn) AddRule(r *nft.Rule) *nft.Rule {
	f.rules[r.Chain] = append(f.rules[r.Chain], r)
	return r
}

func (f *fakeConn) DelRule(r *nft.Rule) error {
	rules := f.rules[r.Chain]
	for i, existing := range rules {
		if existing == r {
			f.rules[r.Chain] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeConn) Flush() error        { return nil }
func (f *fakeConn) CloseLasting() error { return nil }

func TestBlockSource_InstallsDropRuleOnce(t *testing.T) {
	fc := newFakeConn()
	in, err := newWithConn(fc, 3544)
	if err != nil {
		t.Fatalf("newWithConn: %v", err)
	}

	src := netip.MustParseAddr("198.51.100.200")
	if err := in.BlockSource(src); err != nil {
		t.Fatalf("BlockSource: %v", err)
	}
	if len(fc.rules[in.chain]) != 1 {
		t.Fatalf("expected 1 rule installed, got %d", len(fc.rules[in.chain]))
	}

	// Re-blocking the same source must not duplicate the rule.
	if err := in.BlockSource(src); err != nil {
		t.Fatalf("BlockSource (repeat): %v", err)
	}
	if len(fc.rules[in.chain]) != 1 {
		t.Fatalf("expected idempotent BlockSource to leave 1 rule, got %d", len(fc.rules[in.chain]))
	}
}

func TestBlockSource_RejectsNonIPv4(t *testing.T) {
	fc := newFakeConn()
	in, err := newWithConn(fc, 3544)
	if err != nil {
		t.Fatalf("newWithConn: %v", err)
	}

	if err := in.BlockSource(netip.MustParseAddr("2001:db8::1")); err == nil {
		t.Fatal("expected an IPv6 address to be rejected")
	}
}

func TestUnblockSource_RemovesInstalledRule(t *testing.T) {
	fc := newFakeConn()
	in, err := newWithConn(fc, 3544)
	if err != nil {
		t.Fatalf("newWithConn: %v", err)
	}

	src := netip.MustParseAddr("198.51.100.200")
	if err := in.BlockSource(src); err != nil {
		t.Fatalf("BlockSource: %v", err)
	}
	if err := in.UnblockSource(src); err != nil {
		t.Fatalf("UnblockSource: %v", err)
	}
	if len(fc.rules[in.chain]) != 0 {
		t.Fatalf("expected rule removed, got %d remaining", len(fc.rules[in.chain]))
	}
}

func TestUnblockSource_NoRuleIsNoop(t *testing.T) {
	fc := newFakeConn()
	in, err := newWithConn(fc, 3544)
	if err != nil {
		t.Fatalf("newWithConn: %v", err)
	}

	if err := in.UnblockSource(netip.MustParseAddr("198.51.100.200")); err != nil {
		t.Fatalf("expected unblocking a never-blocked source to be a no-op, got %v", err)
	}
}
