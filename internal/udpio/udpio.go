// Package udpio implements the C9 collaborator of spec.md §4.9: the
// concrete UDP transport underneath the relay datapath, with an optional
// second bound address for the server role's dual-socket qualification
// (SPEC_FULL.md §10).
package udpio

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// Config binds an Endpoint to its local addresses.
type Config struct {
	// PrimaryAddr is the address the primary socket binds to, e.g.
	// "0.0.0.0:3544".
	PrimaryAddr string
	// SecondaryAddr, if non-empty, binds a second socket for the server
	// role's dual-address qualification bounce.
	SecondaryAddr string
	// MulticastInterface, if set, is used as IP_MULTICAST_IF for traffic
	// sent to the local-discovery group (spec.md §4.8).
	MulticastInterface *net.Interface
}

// Endpoint is a dual-socket UDP transport implementing relay.UDPIO.
type Endpoint struct {
	primary   *net.UDPConn
	primaryPC *ipv4.PacketConn
	secondary *net.UDPConn
}

// New binds the primary (and, if configured, secondary) UDP socket.
func New(cfg Config) (*Endpoint, error) {
	primaryAddr, err := net.ResolveUDPAddr("udp4", cfg.PrimaryAddr)
	if err != nil {
		return nil, fmt.Errorf("udpio: resolving primary address: %w", err)
	}
	primary, err := net.ListenUDP("udp4", primaryAddr)
	if err != nil {
		return nil, fmt.Errorf("udpio: binding primary socket: %w", err)
	}

	pc := ipv4.NewPacketConn(primary)
	if cfg.MulticastInterface != nil {
		if err := pc.SetMulticastInterface(cfg.MulticastInterface); err != nil {
			primary.Close()
			return nil, fmt.Errorf("udpio: setting multicast interface: %w", err)
		}
	}

	ep := &Endpoint{primary: primary, primaryPC: pc}

	if cfg.SecondaryAddr != "" {
		secAddr, err := net.ResolveUDPAddr("udp4", cfg.SecondaryAddr)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("udpio: resolving secondary address: %w", err)
		}
		secondary, err := net.ListenUDP("udp4", secAddr)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("udpio: binding secondary socket: %w", err)
		}
		ep.secondary = secondary
	}

	return ep, nil
}

// Send transmits buf to dstIP:dstPort, from the secondary socket when
// useSecondary is set and a secondary socket was configured (server role
// RA bounce, SPEC_FULL.md §10); otherwise from the primary.
func (e *Endpoint) Send(buf []byte, dstIP netip.Addr, dstPort uint16, useSecondary bool) error {
	conn := e.primary
	if useSecondary && e.secondary != nil {
		conn = e.secondary
	}
	dst := &net.UDPAddr{IP: dstIP.AsSlice(), Port: int(dstPort)}
	_, err := conn.WriteToUDP(buf, dst)
	return err
}

// Recv reads one datagram from the primary socket, reporting its actual
// UDP source 5-tuple.
func (e *Endpoint) Recv(buf []byte) (int, netip.Addr, uint16, error) {
	n, src, err := e.primary.ReadFromUDP(buf)
	if err != nil {
		return 0, netip.Addr{}, 0, err
	}
	srcIP, ok := netip.AddrFromSlice(src.IP.To4())
	if !ok {
		srcIP, _ = netip.AddrFromSlice(src.IP.To16())
	}
	return n, srcIP.Unmap(), uint16(src.Port), nil
}

// RecvSecondary reads one datagram arriving on the secondary socket, used
// by the server role to detect which of its two addresses an RS arrived
// on (SPEC_FULL.md §10).
func (e *Endpoint) RecvSecondary(buf []byte) (int, netip.Addr, uint16, error) {
	if e.secondary == nil {
		return 0, netip.Addr{}, 0, fmt.Errorf("udpio: no secondary socket configured")
	}
	n, src, err := e.secondary.ReadFromUDP(buf)
	if err != nil {
		return 0, netip.Addr{}, 0, err
	}
	srcIP, ok := netip.AddrFromSlice(src.IP.To4())
	if !ok {
		srcIP, _ = netip.AddrFromSlice(src.IP.To16())
	}
	return n, srcIP.Unmap(), uint16(src.Port), nil
}

// HasSecondary reports whether a secondary socket was configured.
func (e *Endpoint) HasSecondary() bool {
	return e.secondary != nil
}

// Close releases both sockets.
func (e *Endpoint) Close() error {
	var err error
	if e.secondary != nil {
		if cerr := e.secondary.Close(); cerr != nil {
			err = cerr
		}
	}
	if cerr := e.primary.Close(); cerr != nil {
		err = cerr
	}
	return err
}
