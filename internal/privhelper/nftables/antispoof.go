// Package nftables installs the anti-spoof filter rule recommended by RFC
// 4380 §5.2.1: drop inbound Teredo UDP whose IPv4 source is a previously
// observed spoofing source. This is strictly additive hardening on top of
// the core's own per-packet spoof check in internal/relay — it protects
// against repeat offenders consuming bandwidth, not a substitute for it.
package nftables

import (
	"bytes"
	"fmt"
	"net/netip"

	nft "github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// conn is the subset of *nftables.Conn this package needs, so tests can
// substitute an in-memory fake instead of a real netlink socket.
type conn interface {
	AddTable(*nft.Table) *nft.Table
	AddChain(*nft.Chain) *nft.Chain
	GetRules(*nft.Table, *nft.Chain) ([]*nft.Rule, error)
	AddRule(*nft.Rule) *nft.Rule
	DelRule(*nft.Rule) error
	Flush() error
	CloseLasting() error
}

// Installer owns a dedicated filter/input chain and one DROP rule per
// blocked source address, tagged by UserData for idempotent add/remove
// (mirrors the teacher's nftables driver's appendIfMissingByTag pattern).
type Installer struct {
	conn  conn
	table *nft.Table
	chain *nft.Chain
	port  uint16
}

// New opens an nftables connection and ensures a dedicated base chain
// hooked at input, for UDP traffic on port udpPort.
func New(udpPort uint16) (*Installer, error) {
	c, err := nft.New(nft.AsLasting())
	if err != nil {
		return nil, fmt.Errorf("nftables: opening connection: %w", err)
	}
	return newWithConn(c, udpPort)
}

func newWithConn(conn conn, udpPort uint16) (*Installer, error) {
	table := &nft.Table{Family: nft.TableFamilyIPv4, Name: "teredo_antispoof"}
	conn.AddTable(table)

	hook := *nft.ChainHookInput
	prio := nft.ChainPriority(0)
	policy := nft.ChainPolicyAccept
	chain := &nft.Chain{
		Table:    table,
		Name:     "input",
		Type:     nft.ChainTypeFilter,
		Hooknum:  &hook,
		Priority: &prio,
		Policy:   &policy,
	}
	conn.AddChain(chain)

	if err := conn.Flush(); err != nil {
		_ = conn.CloseLasting()
		return nil, fmt.Errorf("nftables: installing base chain: %w", err)
	}

	return &Installer{conn: conn, table: table, chain: chain, port: udpPort}, nil
}

// BlockSource installs a DROP rule for UDP traffic from src to the
// configured Teredo port. Idempotent: re-blocking an already-blocked
// source is a no-op.
func (in *Installer) BlockSource(src netip.Addr) error {
	if !src.Is4() {
		return fmt.Errorf("nftables: BlockSource requires an IPv4 address, got %v", src)
	}
	tag := blockTag(src)

	rules, err := in.conn.GetRules(in.table, in.chain)
	if err != nil {
		return fmt.Errorf("nftables: listing rules: %w", err)
	}
	for _, r := range rules {
		if bytes.Equal(r.UserData, tag) {
			return nil
		}
	}

	addr4 := src.As4()
	in.conn.AddRule(&nft.Rule{
		Table: in.table,
		Chain: in.chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_UDP}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr4[:]},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(in.port)},
			&expr.Verdict{Kind: expr.VerdictDrop},
		},
		UserData: tag,
	})
	return in.conn.Flush()
}

// UnblockSource removes a previously installed DROP rule for src, if any.
func (in *Installer) UnblockSource(src netip.Addr) error {
	tag := blockTag(src)
	rules, err := in.conn.GetRules(in.table, in.chain)
	if err != nil {
		return fmt.Errorf("nftables: listing rules: %w", err)
	}
	for _, r := range rules {
		if bytes.Equal(r.UserData, tag) {
			if err := in.conn.DelRule(r); err != nil {
				return fmt.Errorf("nftables: deleting rule: %w", err)
			}
			break
		}
	}
	return in.conn.Flush()
}

func blockTag(src netip.Addr) []byte {
	return []byte("teredo:antispoof " + src.String())
}

// Close releases the nftables connection.
func (in *Installer) Close() error {
	return in.conn.CloseLasting()
}
