// Package relay implements the C7 datapath of spec.md §4.7: two
// concurrent pumps — IPv6 tunnel to UDP, and UDP to IPv6 tunnel — sharing
// the peer list (C5) and driving bubble/ping establishment.
package relay

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"teredod/internal/addr"
	"teredod/internal/clock"
	"teredod/internal/codec"
	"teredod/internal/maintenance"
	"teredod/internal/peerlist"
	"teredod/internal/token"
)

const (
	serverPort        = 3544
	bubbleRetryWindow = 2 * time.Second
	discoveryGroupV4  = "224.0.0.253"
)

// Tunnel is the external IPv6Tunnel collaborator of spec.md §6.
type Tunnel interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(buf []byte) error
	SetMTU(mtu uint16) error
	BringUp() error
}

// UDPIO is the C9 collaborator: dual-port send/recv, origin-indication
// preserved by the caller (C9 always reports the real UDP source; any
// origin-indication is interpreted by the codec, not by C9 itself).
type UDPIO interface {
	Send(buf []byte, dstIP netip.Addr, dstPort uint16, useSecondary bool) error
	Recv(buf []byte) (n int, srcIP netip.Addr, srcPort uint16, err error)
}

// Maintenance is the C6 collaborator consulted for inbound RAs.
type Maintenance interface {
	ProcessRA(pkt *codec.TeredoPacket) bool
}

// Discovery is the C8 collaborator consulted for inbound discovery bubbles.
type Discovery interface {
	HandleBubble(srcIP netip.Addr, srcPort uint16, pkt *codec.TeredoPacket)
}

// Logger matches spec.md §6's Logger collaborator.
type Logger interface {
	Info(msg string, args ...any)
	Notice(msg string, args ...any)
	Warning(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config wires an Engine to its collaborators.
type Config struct {
	Tunnel      Tunnel
	UDP         UDPIO
	Peers       *peerlist.PeerList
	Tokens      *token.Generator
	Clock       *clock.Clock
	Maintenance Maintenance
	Discovery   Discovery
	// State returns the current TeredoState, for our own Teredo address
	// (source of bubbles/pings we originate) and our server's IPv4.
	State  func() maintenance.TeredoState
	Logger Logger
}

// Engine runs the C7 relay datapath.
type Engine struct {
	cfg Config
}

// New builds a relay Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// RunOutbound drives the IPv6->UDP pump until ctx is cancelled or the
// tunnel read fails.
func (e *Engine) RunOutbound(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := e.cfg.Tunnel.ReadPacket(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay: reading tunnel: %w", err)
		}
		e.handleOutbound(buf[:n])
	}
}

// RunInbound drives the UDP->IPv6 pump until ctx is cancelled or the UDP
// recv fails.
func (e *Engine) RunInbound(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, srcIP, srcPort, err := e.cfg.UDP.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay: receiving UDP: %w", err)
		}
		e.handleInbound(buf[:n], srcIP, srcPort)
	}
}

func (e *Engine) handleOutbound(raw []byte) {
	hdr, err := codec.ParsePlainIPv6Header(raw)
	if err != nil {
		e.log().Info("dropping malformed outbound packet", "error", err)
		return
	}
	if mtu := e.cfg.State().MTU; mtu != 0 && len(raw) > int(mtu) {
		e.log().Notice("dropping outbound packet larger than the Teredo MTU", "size", len(raw), "mtu", mtu)
		return
	}
	dst := hdr.Dst
	if hdr.HopLimit == 0 || dst.IsUnspecified() || dst.IsLoopback() || dst.IsMulticast() {
		return
	}
	if addr.IsTeredo(dst) {
		decoded := addr.DecodeTeredoAddress(dst)
		mapped := decoded.MappedAddr()
		if !addr.IsIPv4GlobalUnicast(mapped) {
			return
		}
	}

	entry, created, ok := e.cfg.Peers.Lookup(dst)
	if !ok {
		e.log().Notice("peer list full, dropping outbound packet", "dest", dst)
		return
	}
	defer e.cfg.Peers.Release(entry)
	_ = created

	switch {
	case entry.Trusted:
		e.sendData(entry, raw)
	case addr.IsTeredo(dst):
		e.handleOutboundTeredoPeer(dst, entry, raw)
	default:
		e.handleOutboundNonTeredoPeer(dst, entry, raw)
	}
}

func (e *Engine) sendData(entry *peerlist.PeerEntry, raw []byte) {
	if err := e.cfg.UDP.Send(raw, entry.MappedIPv4, entry.MappedPort, false); err != nil {
		e.log().Info("sending data packet failed", "error", err)
		return
	}
	entry.LastTxTS = e.cfg.Clock.Now()
}

func (e *Engine) handleOutboundTeredoPeer(dst netip.Addr, entry *peerlist.PeerEntry, raw []byte) {
	entry.Enqueue(raw)

	if entry.BubblesExhausted() {
		e.cfg.Peers.Delete(dst)
		return
	}
	now := e.cfg.Clock.Now()
	if entry.BubblesSent != 0 && now.Sub(entry.LastXmitTS) < bubbleRetryWindow {
		return
	}

	decoded := addr.DecodeTeredoAddress(dst)
	ourAddr := e.ourTeredoAddr()
	bubble := codec.BuildBubble(ourAddr, dst)

	if err := e.cfg.UDP.Send(bubble, decoded.MappedAddr(), decoded.Port, false); err != nil {
		e.log().Info("sending direct bubble failed", "error", err)
	}
	if err := e.cfg.UDP.Send(bubble, decoded.ServerAddr(), serverPort, false); err != nil {
		e.log().Info("sending indirect bubble failed", "error", err)
	}
	entry.BubblesSent++
	entry.LastXmitTS = now

	if entry.BubblesExhausted() {
		e.cfg.Peers.Delete(dst)
	}
}

func (e *Engine) handleOutboundNonTeredoPeer(dst netip.Addr, entry *peerlist.PeerEntry, raw []byte) {
	entry.Enqueue(raw)

	if entry.PingsExhausted() {
		e.cfg.Peers.Delete(dst)
		return
	}
	now := e.cfg.Clock.Now()
	if entry.PingsSent != 0 && now.Sub(entry.LastXmitTS) < bubbleRetryWindow {
		return
	}

	state := e.cfg.State()
	serverIP := state.Addr.ServerAddr()
	ourAddr := state.Addr.Encode()
	cookie := e.cfg.Tokens.PingCookie(e.cfg.Clock.NowSeconds(), ourAddr, dst)
	req := codec.BuildEchoRequest(ourAddr, dst, 1, uint16(entry.PingsSent+1), cookie)

	if err := e.cfg.UDP.Send(req, serverIP, serverPort, false); err != nil {
		e.log().Info("sending echo request failed", "error", err)
	}
	entry.PingsSent++
	entry.LastXmitTS = now

	if entry.PingsExhausted() {
		e.cfg.Peers.Delete(dst)
	}
}

func (e *Engine) ourTeredoAddr() netip.Addr {
	return e.cfg.State().Addr.Encode()
}

func (e *Engine) handleInbound(raw []byte, srcIP netip.Addr, srcPort uint16) {
	pkt, err := codec.Parse(raw, srcIP, srcPort, false)
	if err != nil {
		return
	}

	effectiveIP, effectivePort := srcIP, srcPort
	if pkt.OrigPresent {
		effectiveIP, effectivePort = pkt.OrigIPv4, pkt.OrigPort
	}

	if typ, ok := pkt.ICMPv6Type(); ok && typ == codec.ICMPv6RouterAdvertisement && pkt.IPv6.Dst == codec.AllRoutersLinkLocal {
		e.cfg.Maintenance.ProcessRA(pkt)
		return
	}

	if e.isDiscoveryBubble(pkt) {
		if e.cfg.Discovery != nil {
			e.cfg.Discovery.HandleBubble(effectiveIP, effectivePort, pkt)
		}
		return
	}

	if addr.IsTeredo(pkt.IPv6.Src) {
		decoded := addr.DecodeTeredoAddress(pkt.IPv6.Src)
		if decoded.MappedAddr() != effectiveIP || decoded.Port != effectivePort {
			return // spoof rejection, S4
		}
	}

	if pkt.IsBubble() {
		e.acceptPeer(pkt.IPv6.Src, effectiveIP, effectivePort)
		return
	}

	if typ, ok := pkt.ICMPv6Type(); ok && typ == codec.ICMPv6EchoReply {
		if cookie, ok := codec.EchoCookie(pkt.IPv6Payload); ok {
			ourAddr := e.ourTeredoAddr()
			if e.cfg.Tokens.VerifyPingCookie(cookie, e.cfg.Clock.NowSeconds(), ourAddr, pkt.IPv6.Src) {
				e.acceptPeer(pkt.IPv6.Src, effectiveIP, effectivePort)
				return
			}
		}
	}

	if err := e.cfg.Tunnel.WritePacket(pkt.RawIPv6); err != nil {
		e.log().Info("writing packet to tunnel failed", "error", err)
	}
}

// acceptPeer marks a peer trusted on its confirmed UDP endpoint and flushes
// any payloads queued while it was untrusted, in FIFO order (property 5).
func (e *Engine) acceptPeer(peerIP netip.Addr, mappedIP netip.Addr, mappedPort uint16) {
	entry, _, ok := e.cfg.Peers.Lookup(peerIP)
	if !ok {
		return
	}
	entry.MappedIPv4 = mappedIP
	entry.MappedPort = mappedPort
	entry.Trusted = true
	entry.LastRxTS = e.cfg.Clock.Now()
	pending := entry.Drain()
	e.cfg.Peers.Release(entry)

	for _, payload := range pending {
		if err := e.cfg.UDP.Send(payload, mappedIP, mappedPort, false); err != nil {
			e.log().Info("flushing queued payload failed", "error", err)
		}
	}
}

// AcceptDiscoveredPeer adapts Engine to discovery.PeerAcceptor: a peer
// announced over the local-discovery multicast group (C8) is trusted the
// same way a confirmed bubble/ping reply would be.
func (e *Engine) AcceptDiscoveredPeer(peerIPv6, mappedIPv4 netip.Addr, mappedPort uint16) {
	e.acceptPeer(peerIPv6, mappedIPv4, mappedPort)
}

// isDiscoveryBubble identifies a local-discovery bubble by its IPv6
// destination alone (spec.md §4.7/§4.8: addressed to ff02::1). C9's plain
// net.UDPConn recv path has no portable way to recover the UDP
// destination address a packet actually arrived on, so unlike C8's own
// dedicated multicast listener (which only ever receives packets sent to
// 224.0.0.253 by construction of group membership), this path cannot also
// check the UDP-level source-group condition spec.md describes; the IPv6
// destination check is the operative, sufficient condition here.
func (e *Engine) isDiscoveryBubble(pkt *codec.TeredoPacket) bool {
	return pkt.IPv6.Dst == codec.AllNodesLinkLocal
}

func (e *Engine) log() Logger {
	if e.cfg.Logger != nil {
		return e.cfg.Logger
	}
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)    {}
func (noopLogger) Notice(string, ...any)  {}
func (noopLogger) Warning(string, ...any) {}
func (noopLogger) Error(string, ...any)   {}
