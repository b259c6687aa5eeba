// Command teredod runs a Teredo tunnel endpoint (RFC 4380) in the client,
// relay, or server role, wiring the protocol core (internal/relay,
// internal/maintenance, internal/discovery) to its OS collaborators
// (internal/tundevice, internal/privhelper, internal/config,
// internal/logging).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"teredod/internal/clock"
	"teredod/internal/codec"
	"teredod/internal/config"
	"teredod/internal/discovery"
	"teredod/internal/logging"
	"teredod/internal/maintenance"
	"teredod/internal/peerlist"
	"teredod/internal/privhelper"
	"teredod/internal/privhelper/nftables"
	"teredod/internal/relay"
	"teredod/internal/token"
	"teredod/internal/tundevice"
	"teredod/internal/udpio"
)

// peerTTL is the C5 entry lifetime; spec.md §4.5 leaves the exact value
// implementation-chosen within [30s, 5min].
const peerTTL = 60 * time.Second

func main() {
	configPath := flag.String("config", "/etc/teredod/teredod.json", "path to the JSON configuration file")
	ifName := flag.String("ifname", "teredo0", "name of the IPv6 tunnel interface to create")
	flag.Parse()

	log := logging.NewRateLimited(logging.New(), time.Minute, 20)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("configuration load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watcher *config.Watcher
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				log.Notice("SIGHUP received, reloading configuration")
				if watcher != nil {
					watcher.ForceCheck()
				}
				continue
			}
			log.Notice("shutdown signal received", "signal", sig)
			cancel()
			return
		}
	}()

	if err := run(ctx, cfg, *ifName, *configPath, log, &watcher); err != nil && ctx.Err() == nil {
		log.Error("teredod exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Configuration, ifName, configPath string, log *logging.RateLimited, watcherOut **config.Watcher) error {
	clk := clock.New()
	tokens, err := token.NewGenerator()
	if err != nil {
		return fmt.Errorf("teredod: initializing security tokens: %w", err)
	}

	udpCfg := udpio.Config{PrimaryAddr: fmt.Sprintf(":%d", cfg.LocalPort)}
	if cfg.LocalIPv4.IsValid() {
		udpCfg.PrimaryAddr = net.JoinHostPort(cfg.LocalIPv4.String(), fmt.Sprintf("%d", cfg.LocalPort))
	}
	if cfg.Role == config.RoleServer {
		udpCfg.SecondaryAddr = net.JoinHostPort(adjacentAddr(cfg.LocalIPv4).String(), fmt.Sprintf("%d", cfg.LocalPort))
	}
	if cfg.BindIfName != "" {
		if ifc, err := net.InterfaceByName(cfg.BindIfName); err == nil {
			udpCfg.MulticastInterface = ifc
		} else {
			log.Warning("bind interface lookup failed, using default", "ifname", cfg.BindIfName, "error", err)
		}
	}
	udp, err := udpio.New(udpCfg)
	if err != nil {
		return fmt.Errorf("teredod: opening UDP endpoint: %w", err)
	}
	defer udp.Close()

	var antispoof *nftables.Installer
	if cfg.Flags.NftablesHarden {
		if inst, instErr := nftables.New(uint16(cfg.LocalPort)); instErr != nil {
			log.Warning("nftables anti-spoof hardening unavailable, continuing without it", "error", instErr)
		} else {
			antispoof = inst
			defer antispoof.Close()
		}
	}

	if cfg.Role == config.RoleServer {
		return runServer(ctx, cfg, configPath, udp, antispoof, log, watcherOut)
	}
	return runClientOrRelay(ctx, cfg, ifName, configPath, udp, tokens, clk, log, watcherOut)
}

// adjacentAddr computes the adjacent IPv4 address a Teredo server binds as
// its secondary qualification address, per RFC 4380 §5.2.1's requirement
// that the server's two addresses be physically adjacent.
func adjacentAddr(a netip.Addr) netip.Addr {
	b := a.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v++
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// stateBox publishes the maintenance FSM's TeredoState to readers that run
// on other goroutines (the relay engine's outbound pump, the discovery
// sender), per spec.md §9's "explicit RelayContext, no global state" note.
type stateBox struct {
	mu sync.RWMutex
	s  maintenance.TeredoState
}

func (b *stateBox) set(s maintenance.TeredoState) {
	b.mu.Lock()
	b.s = s
	b.mu.Unlock()
}

func (b *stateBox) get() maintenance.TeredoState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.s
}

// lazyAcceptor breaks the construction cycle between the discovery listener
// (which needs a discovery.PeerAcceptor) and the relay Engine (which needs a
// relay.Discovery and IS the PeerAcceptor): the listener is built first
// against this forwarding shim, and engine is filled in once constructed.
type lazyAcceptor struct {
	engine *relay.Engine
}

func (l *lazyAcceptor) AcceptDiscoveredPeer(peerIPv6, mappedIPv4 netip.Addr, mappedPort uint16) {
	if l.engine != nil {
		l.engine.AcceptDiscoveredPeer(peerIPv6, mappedIPv4, mappedPort)
	}
}

func runClientOrRelay(
	ctx context.Context,
	cfg config.Configuration,
	ifName, configPath string,
	udp *udpio.Endpoint,
	tokens *token.Generator,
	clk *clock.Clock,
	log *logging.RateLimited,
	watcherOut **config.Watcher,
) error {
	tun, err := tundevice.New(ifName, cfg.MTU)
	if err != nil {
		return fmt.Errorf("teredod: creating tunnel interface: %w", err)
	}
	defer tun.Close()
	if err := tun.BringUp(); err != nil {
		return fmt.Errorf("teredod: bringing up %s: %w", ifName, err)
	}

	helper := privhelper.New()
	peers := peerlist.New(clk, cfg.PeerList.Capacity, peerTTL, cfg.PeerList.PendingBytes)
	defer peers.Destroy()

	state := &stateBox{}
	fsm := maintenance.New(maintenance.Config{
		ServerName: cfg.ServerName,
		Sender:     &rsSender{udp: udp},
		Resolver:   dnsResolver{},
		Tokens:     tokens,
		Clock:      clk,
		Logger:     log,
		OnStateChange: func(s maintenance.TeredoState) {
			state.set(s)
			if !s.Up {
				log.Warning("teredo connectivity lost")
				return
			}
			addr6 := s.Addr.Encode()
			log.Notice("qualified", "address", addr6, "mtu", s.MTU)
			if err := helper.SetAddress(tun.Name(), addr6); err != nil {
				log.Warning("assigning tunnel address failed", "error", err)
			}
			if err := helper.SetRoute(tun.Name(), netip.PrefixFrom(addr6, 128)); err != nil {
				log.Warning("installing tunnel route failed", "error", err)
			}
			if err := tun.SetMTU(s.MTU); err != nil {
				log.Warning("applying qualified MTU failed", "error", err)
			}
		},
	})

	acceptor := &lazyAcceptor{}
	var disc *discovery.Listener
	if cfg.Discovery.Enabled {
		disc, err = discovery.New(discovery.Config{
			IfnameRegexp: cfg.Discovery.IfnameRE,
			Forced:       cfg.Discovery.Forced,
			OurTeredoAddr: func() netip.Addr {
				return state.get().Addr.Encode()
			},
			Clock:  clk,
			Peers:  acceptor,
			Logger: log,
		})
		if err != nil {
			log.Warning("local discovery unavailable, continuing without it", "error", err)
			disc = nil
		} else {
			defer disc.Close()
		}
	}

	// disc is assigned into a relay.Discovery interface field explicitly
	// (rather than the typed *discovery.Listener directly): a nil
	// *discovery.Listener stored in an interface value is itself non-nil,
	// which would defeat the engine's own `if e.cfg.Discovery != nil` check.
	var discoveryIface relay.Discovery
	if disc != nil {
		discoveryIface = disc
	}
	engine := relay.New(relay.Config{
		Tunnel:      tun,
		UDP:         udp,
		Peers:       peers,
		Tokens:      tokens,
		Clock:       clk,
		Maintenance: fsm,
		Discovery:   discoveryIface,
		State:       state.get,
		Logger:      log,
	})
	acceptor.engine = engine

	watcher := config.NewWatcher(configPath, 30*time.Second, func(fresh config.Configuration) {
		log.Notice("configuration changed, applying runtime-adjustable fields")
		peers.Reset(fresh.PeerList.Capacity)
		if err := tun.SetMTU(uint16(fresh.MTU)); err != nil {
			log.Warning("applying new MTU failed", "mtu", fresh.MTU, "error", err)
		}
		log.Notice("role, server, and discovery changes require a restart to take effect")
	}, log)
	*watcherOut = watcher

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { watcher.Watch(gctx); return nil })
	g.Go(func() error { return fsm.Run(gctx) })
	g.Go(func() error { return engine.RunInbound(gctx) })
	g.Go(func() error { return engine.RunOutbound(gctx) })
	if disc != nil {
		g.Go(func() error { return disc.Run(gctx) })
	}
	return g.Wait()
}

func runServer(
	ctx context.Context,
	cfg config.Configuration,
	configPath string,
	udp *udpio.Endpoint,
	antispoof *nftables.Installer,
	log *logging.RateLimited,
	watcherOut **config.Watcher,
) error {
	server := maintenance.NewServer(maintenance.RAConfig{
		Prefix32:    cfg.Prefix,
		PrimaryIP:   cfg.LocalIPv4,
		SecondaryIP: adjacentAddr(cfg.LocalIPv4),
		MTU:         uint32(cfg.MTU),
	}, &serverSender{udp: udp}, log)

	watcher := config.NewWatcher(configPath, 30*time.Second, func(config.Configuration) {
		log.Notice("configuration changed; server role requires a restart to apply changes")
	}, log)
	*watcherOut = watcher

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { watcher.Watch(gctx); return nil })
	g.Go(func() error { return serveRS(gctx, udp, server, log, antispoof, false) })
	if udp.HasSecondary() {
		g.Go(func() error { return serveRS(gctx, udp, server, log, antispoof, true) })
	}
	return g.Wait()
}

func serveRS(ctx context.Context, udp *udpio.Endpoint, server *maintenance.Server, log *logging.RateLimited, antispoof *nftables.Installer, secondary bool) error {
	buf := make([]byte, 2048)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			n       int
			srcIP   netip.Addr
			srcPort uint16
			err     error
		)
		if secondary {
			n, srcIP, srcPort, err = udp.RecvSecondary(buf)
		} else {
			n, srcIP, srcPort, err = udp.Recv(buf)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("teredod: receiving router solicitation: %w", err)
		}

		pkt, perr := codec.Parse(buf[:n], srcIP, srcPort, false)
		if perr != nil {
			continue
		}
		if err := server.HandleRS(pkt, !secondary); err != nil {
			log.Info("handling router solicitation failed", "error", err)
			if antispoof != nil && srcIP.Is4() {
				_ = antispoof.BlockSource(srcIP)
			}
		}
	}
}

// rsSender adapts udpio.Endpoint to maintenance.Sender for a client/relay's
// outbound Router Solicitations.
type rsSender struct {
	udp *udpio.Endpoint
}

func (s *rsSender) SendRouterSolicitation(nonce [8]byte, serverIP netip.Addr) error {
	rs := codec.BuildRS(netip.IPv6Unspecified(), nonce)
	return s.udp.Send(rs, serverIP, 3544, false)
}

// serverSender adapts udpio.Endpoint to maintenance.ServerSender.
type serverSender struct {
	udp *udpio.Endpoint
}

func (s *serverSender) SendFromPrimary(payload []byte, dstIP netip.Addr, dstPort uint16) error {
	return s.udp.Send(payload, dstIP, dstPort, false)
}

func (s *serverSender) SendFromSecondary(payload []byte, dstIP netip.Addr, dstPort uint16) error {
	return s.udp.Send(payload, dstIP, dstPort, true)
}

// dnsResolver adapts net.Resolver to maintenance.Resolver. No third-party
// library in the example pack addresses DNS resolution; this is the one
// collaborator left on the standard library for lack of a grounded
// alternative.
type dnsResolver struct{}

func (dnsResolver) ResolveIPv4(ctx context.Context, name string) (netip.Addr, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", name)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("teredod: no A record for %s", name)
	}
	addr, ok := netip.AddrFromSlice(ips[0].To4())
	if !ok {
		return netip.Addr{}, fmt.Errorf("teredod: resolved address for %s is not IPv4", name)
	}
	return addr, nil
}
