// Package discovery implements the C8 local-discovery subsystem of
// spec.md §4.8: a link-local multicast bubble announcer and receiver for
// peers sharing the same IPv4 LAN.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"time"

	"golang.org/x/net/ipv4"

	"teredod/internal/addr"
	"teredod/internal/clock"
	"teredod/internal/codec"
)

// Group and GroupPort are the multicast constants of spec.md §6.
const (
	Group     = "224.0.0.253"
	GroupPort = 3544

	minInterval = 200 * time.Second
	maxInterval = 299 * time.Second
)

// PeerAcceptor registers a discovered peer as trusted on its observed UDP
// endpoint (spec.md §4.8).
type PeerAcceptor interface {
	AcceptDiscoveredPeer(peerIPv6, mappedIPv4 netip.Addr, mappedPort uint16)
}

// Logger is the subset of spec.md §6's Logger this package needs.
type Logger interface {
	Info(msg string, args ...any)
	Warning(msg string, args ...any)
}

// Config parameterizes a Listener.
type Config struct {
	IfnameRegexp string
	Forced       bool // skip the private-unicast-address heuristic
	OurTeredoAddr func() netip.Addr
	Clock        *clock.Clock
	Peers        PeerAcceptor
	Logger       Logger
}

// Listener joins the discovery multicast group on every suitable
// interface and runs the announce/receive loops of spec.md §4.8.
type Listener struct {
	cfg    Config
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	group  *net.UDPAddr
	ifaces []net.Interface // successfully joined, announced on individually
}

// New enumerates IFF_MULTICAST interfaces (spec.md §4.8), optionally
// filtered by name regex and by presence of a private-unicast IPv4 address
// (skipped when Forced), and joins them to the discovery group.
func New(cfg Config) (*Listener, error) {
	var nameRe *regexp.Regexp
	if cfg.IfnameRegexp != "" {
		re, err := regexp.Compile(cfg.IfnameRegexp)
		if err != nil {
			return nil, fmt.Errorf("discovery: compiling interface regexp: %w", err)
		}
		nameRe = re
	}

	ifaces, err := selectInterfaces(nameRe, cfg.Forced)
	if err != nil {
		return nil, fmt.Errorf("discovery: enumerating interfaces: %w", err)
	}
	if len(ifaces) == 0 {
		return nil, fmt.Errorf("discovery: no suitable multicast interface found")
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", GroupPort))
	if err != nil {
		return nil, fmt.Errorf("discovery: opening multicast socket: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: net.ParseIP(Group), Port: GroupPort}

	var joined []net.Interface
	for _, ifc := range ifaces {
		ifc := ifc
		if err := pc.JoinGroup(&ifc, group); err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Warning("joining multicast group failed", "interface", ifc.Name, "error", err)
			}
			continue
		}
		joined = append(joined, ifc)
	}
	if len(joined) == 0 {
		conn.Close()
		return nil, fmt.Errorf("discovery: failed to join multicast group on any interface")
	}

	return &Listener{cfg: cfg, conn: conn, pc: pc, group: group, ifaces: joined}, nil
}

func selectInterfaces(nameRe *regexp.Regexp, forced bool) ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Interface
	for _, ifc := range all {
		if ifc.Flags&net.FlagMulticast == 0 {
			continue
		}
		if nameRe != nil && !nameRe.MatchString(ifc.Name) {
			continue
		}
		if !forced && !hasPrivateUnicastAddr(ifc) {
			continue
		}
		out = append(out, ifc)
	}
	return out, nil
}

func hasPrivateUnicastAddr(ifc net.Interface) bool {
	addrs, err := ifc.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipNet.IP.To4()
		if v4 == nil {
			continue
		}
		ipAddr, ok := netip.AddrFromSlice(v4)
		if !ok {
			continue
		}
		if addr.IsIPv4PrivateUnicast(ipAddr.Unmap()) {
			return true
		}
	}
	return false
}

// Run drives the sender and receiver loops until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- l.runSender(ctx) }()
	go func() { errCh <- l.runReceiver(ctx) }()
	err := <-errCh
	l.conn.Close()
	<-errCh
	return err
}

func (l *Listener) runSender(ctx context.Context) error {
	for {
		interval := nextInterval(uint64(l.cfg.Clock.Now().Unix()))
		if err := l.cfg.Clock.SleepFor(ctx, interval); err != nil {
			return err
		}
		bubble := codec.BuildBubble(l.cfg.OurTeredoAddr(), codec.AllNodesLinkLocal)
		// Try to send on each joined interface individually (rather than
		// letting the OS's default route pick one for us), the way
		// libteredo's discovery bubble sender walks every interface index
		// and sets IP_MULTICAST_IF before each send.
		for _, ifc := range l.ifaces {
			ifc := ifc
			if err := l.pc.SetMulticastInterface(&ifc); err != nil {
				if l.cfg.Logger != nil {
					l.cfg.Logger.Warning("selecting multicast interface failed", "interface", ifc.Name, "error", err)
				}
				continue
			}
			if _, err := l.conn.WriteTo(bubble, l.group); err != nil && l.cfg.Logger != nil {
				l.cfg.Logger.Warning("sending discovery bubble failed", "interface", ifc.Name, "error", err)
			}
		}
	}
}

// nextInterval derives a 200-299s interval from the low bits of the clock
// (spec.md §4.8: "randomized by low bits of the clock").
func nextInterval(nowSeconds uint64) time.Duration {
	span := uint64((maxInterval - minInterval) / time.Second)
	return minInterval + time.Duration(nowSeconds%span)*time.Second
}

func (l *Listener) runReceiver(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, _, src, err := l.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("discovery: reading multicast: %w", err)
		}
		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		srcIP, ok := netip.AddrFromSlice(udpSrc.IP.To4())
		if !ok {
			continue
		}
		l.processPacket(buf[:n], srcIP, uint16(udpSrc.Port))
	}
}

// processPacket handles one received multicast datagram: only a discovery
// bubble (empty payload, destined to ff02::1) registers its sender as a
// trusted peer.
func (l *Listener) processPacket(raw []byte, srcIP netip.Addr, srcPort uint16) {
	pkt, err := codec.Parse(raw, srcIP, srcPort, false)
	if err != nil {
		return
	}
	if !pkt.IsBubble() || pkt.IPv6.Dst != codec.AllNodesLinkLocal {
		return
	}
	if l.cfg.Peers != nil {
		l.cfg.Peers.AcceptDiscoveredPeer(pkt.IPv6.Src, srcIP, srcPort)
	}
}

// HandleBubble adapts Listener to relay.Discovery, for the (rare) case
// where a discovery bubble arrives via the main C9 socket rather than
// this package's own multicast listener.
func (l *Listener) HandleBubble(srcIP netip.Addr, srcPort uint16, pkt *codec.TeredoPacket) {
	if l.cfg.Peers != nil {
		l.cfg.Peers.AcceptDiscoveredPeer(pkt.IPv6.Src, srcIP, srcPort)
	}
}

// Close releases the multicast socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}
