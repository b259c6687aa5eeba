package maintenance

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"teredod/internal/codec"
)

// ServerSender transmits a built Router Advertisement from one of the
// server's two bound addresses (spec.md §4.9 / §6: a Teredo server binds a
// primary and a secondary IPv4 for the dual-socket qualification exchange).
type ServerSender interface {
	SendFromPrimary(payload []byte, dstIP netip.Addr, dstPort uint16) error
	SendFromSecondary(payload []byte, dstIP netip.Addr, dstPort uint16) error
}

// RAConfig carries the server's own identity (DESIGN.md's "Server
// identity" decision: passed explicitly, never read from a package-level
// global).
type RAConfig struct {
	Prefix32    uint32 // upper 32 bits of the advertised Teredo prefix
	PrimaryIP   netip.Addr
	SecondaryIP netip.Addr // zero value disables the dual-socket bounce
	MTU         uint32
}

// Server answers Router Solicitations in the Teredo server role
// (SPEC_FULL.md §10 "server role dual-socket qualification"): every RS is
// answered with an RA from the primary address; an RS received on the
// primary socket additionally gets a second RA bounced from the secondary
// address, per RFC 4380 §5.2.1, so a client's own qualification logic can
// observe whether both arrive.
type Server struct {
	cfg    RAConfig
	sender ServerSender
	logger Logger
}

// NewServer builds a Server responder.
func NewServer(cfg RAConfig, sender ServerSender, logger Logger) *Server {
	return &Server{cfg: cfg, sender: sender, logger: logger}
}

// HandleRS processes an inbound, already-decoded Router Solicitation.
// rxOnPrimary indicates which of the server's two sockets received it.
func (s *Server) HandleRS(pkt *codec.TeredoPacket, rxOnPrimary bool) error {
	if !pkt.AuthPresent || pkt.AuthFail {
		return nil
	}
	if typ, ok := pkt.ICMPv6Type(); !ok || typ != codec.ICMPv6RouterSolicitation {
		return nil
	}
	if pkt.IPv6.Dst != codec.AllRoutersLinkLocal {
		return nil
	}

	primaryRA := codec.BuildRA(codec.RAParams{
		Src:        s.serverIdentity(s.cfg.PrimaryIP),
		Dst:        pkt.IPv6.Src,
		Nonce:      pkt.AuthNonce,
		TeredoPfx:  uint64(s.cfg.Prefix32)<<32 | uint64(ipv4ToUint32(s.cfg.PrimaryIP)),
		MTU:        s.cfg.MTU,
		OrigIPv4:   pkt.SourceIPv4,
		OrigPort:   pkt.SourcePort,
		WithOrigin: true,
	})
	if err := s.sender.SendFromPrimary(primaryRA, pkt.SourceIPv4, pkt.SourcePort); err != nil {
		return fmt.Errorf("maintenance: sending RA from primary: %w", err)
	}

	if rxOnPrimary && s.cfg.SecondaryIP.IsValid() {
		secondaryRA := codec.BuildRA(codec.RAParams{
			Src:        s.serverIdentity(s.cfg.SecondaryIP),
			Dst:        pkt.IPv6.Src,
			Nonce:      pkt.AuthNonce,
			TeredoPfx:  uint64(s.cfg.Prefix32)<<32 | uint64(ipv4ToUint32(s.cfg.SecondaryIP)),
			MTU:        s.cfg.MTU,
			OrigIPv4:   pkt.SourceIPv4,
			OrigPort:   pkt.SourcePort,
			WithOrigin: true,
		})
		if err := s.sender.SendFromSecondary(secondaryRA, pkt.SourceIPv4, pkt.SourcePort); err != nil && s.logger != nil {
			s.logger.Info("sending RA from secondary failed", "error", err)
		}
	}
	return nil
}

// serverIdentity derives a stable link-local IPv6 source address for an RA
// from one of the server's bound IPv4 addresses.
func (s *Server) serverIdentity(from netip.Addr) netip.Addr {
	var b [16]byte
	b[0], b[1] = 0xfe, 0x80
	v4 := from.As4()
	copy(b[12:16], v4[:])
	return netip.AddrFrom16(b)
}

func ipv4ToUint32(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}
