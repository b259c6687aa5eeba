package maintenance

import (
	"errors"
	"net/netip"
	"testing"

	"teredod/internal/codec"
)

var errSendFailed = errors.New("send failed")

type sentRA struct {
	payload []byte
	dstIP   netip.Addr
	dstPort uint16
}

type fakeServerSender struct {
	primary   []sentRA
	secondary []sentRA
	primErr   error
	secErr    error
}

func (s *fakeServerSender) SendFromPrimary(payload []byte, dstIP netip.Addr, dstPort uint16) error {
	if s.primErr != nil {
		return s.primErr
	}
	s.primary = append(s.primary, sentRA{payload: payload, dstIP: dstIP, dstPort: dstPort})
	return nil
}

func (s *fakeServerSender) SendFromSecondary(payload []byte, dstIP netip.Addr, dstPort uint16) error {
	if s.secErr != nil {
		return s.secErr
	}
	s.secondary = append(s.secondary, sentRA{payload: payload, dstIP: dstIP, dstPort: dstPort})
	return nil
}

func buildRS(nonce [8]byte, src netip.Addr, srcIPv4 netip.Addr, srcPort uint16) *codec.TeredoPacket {
	raw := codec.BuildRS(src, nonce)
	pkt, err := codec.Parse(raw, srcIPv4, srcPort, false)
	if err != nil {
		panic(err)
	}
	return pkt
}

func serverConfig() RAConfig {
	return RAConfig{
		Prefix32:    0x20010000,
		PrimaryIP:   netip.MustParseAddr("192.0.2.1"),
		SecondaryIP: netip.MustParseAddr("192.0.2.2"),
		MTU:         1280,
	}
}

func TestHandleRS_SendsRAFromPrimaryOnly_WhenReceivedOnSecondary(t *testing.T) {
	sender := &fakeServerSender{}
	s := NewServer(serverConfig(), sender, nil)

	var nonce [8]byte
	nonce[0] = 0xAB
	clientSrc := netip.MustParseAddr("2001:db8::1")
	pkt := buildRS(nonce, clientSrc, netip.MustParseAddr("198.51.100.9"), 40000)

	if err := s.HandleRS(pkt, false); err != nil {
		t.Fatalf("HandleRS: %v", err)
	}
	if len(sender.primary) != 1 {
		t.Fatalf("expected 1 primary RA, got %d", len(sender.primary))
	}
	if len(sender.secondary) != 0 {
		t.Fatalf("expected no secondary RA when rxOnPrimary is false, got %d", len(sender.secondary))
	}
}

func TestHandleRS_BouncesFromBothAddresses_WhenReceivedOnPrimary(t *testing.T) {
	sender := &fakeServerSender{}
	s := NewServer(serverConfig(), sender, nil)

	var nonce [8]byte
	nonce[0] = 0xCD
	clientSrc := netip.MustParseAddr("2001:db8::2")
	pkt := buildRS(nonce, clientSrc, netip.MustParseAddr("198.51.100.9"), 40001)

	if err := s.HandleRS(pkt, true); err != nil {
		t.Fatalf("HandleRS: %v", err)
	}
	if len(sender.primary) != 1 {
		t.Fatalf("expected 1 primary RA, got %d", len(sender.primary))
	}
	if len(sender.secondary) != 1 {
		t.Fatalf("expected 1 secondary RA bounce, got %d", len(sender.secondary))
	}
}

func TestHandleRS_NoSecondaryBounce_WhenSecondaryIPUnset(t *testing.T) {
	sender := &fakeServerSender{}
	cfg := serverConfig()
	cfg.SecondaryIP = netip.Addr{}
	s := NewServer(cfg, sender, nil)

	var nonce [8]byte
	clientSrc := netip.MustParseAddr("2001:db8::3")
	pkt := buildRS(nonce, clientSrc, netip.MustParseAddr("198.51.100.9"), 40002)

	if err := s.HandleRS(pkt, true); err != nil {
		t.Fatalf("HandleRS: %v", err)
	}
	if len(sender.secondary) != 0 {
		t.Fatalf("expected no secondary bounce with unset secondary IP, got %d", len(sender.secondary))
	}
}

func TestHandleRS_RejectsAuthFailPacket(t *testing.T) {
	sender := &fakeServerSender{}
	s := NewServer(serverConfig(), sender, nil)

	pkt := buildRS([8]byte{}, netip.MustParseAddr("2001:db8::4"), netip.MustParseAddr("198.51.100.9"), 40003)
	pkt.AuthFail = true

	if err := s.HandleRS(pkt, false); err != nil {
		t.Fatalf("HandleRS: %v", err)
	}
	if len(sender.primary) != 0 {
		t.Fatalf("expected no RA sent for an auth-failed RS, got %d", len(sender.primary))
	}
}

func TestHandleRS_RejectsNonRSPacket(t *testing.T) {
	sender := &fakeServerSender{}
	s := NewServer(serverConfig(), sender, nil)

	bubble := codec.BuildBubble(netip.MustParseAddr("2001:db8::5"), codec.AllNodesLinkLocal)
	pkt, err := codec.Parse(bubble, netip.MustParseAddr("198.51.100.9"), 40004, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if err := s.HandleRS(pkt, false); err != nil {
		t.Fatalf("HandleRS: %v", err)
	}
	if len(sender.primary) != 0 {
		t.Fatalf("expected no RA sent for a non-RS packet, got %d", len(sender.primary))
	}
}

func TestHandleRS_PropagatesPrimarySendError(t *testing.T) {
	sender := &fakeServerSender{primErr: errSendFailed}
	s := NewServer(serverConfig(), sender, nil)

	pkt := buildRS([8]byte{}, netip.MustParseAddr("2001:db8::6"), netip.MustParseAddr("198.51.100.9"), 40005)
	if err := s.HandleRS(pkt, false); err == nil {
		t.Fatal("expected an error when the primary send fails")
	}
}

func TestHandleRS_SecondarySendFailureIsNonFatal(t *testing.T) {
	sender := &fakeServerSender{secErr: errSendFailed}
	s := NewServer(serverConfig(), sender, nil)

	pkt := buildRS([8]byte{}, netip.MustParseAddr("2001:db8::7"), netip.MustParseAddr("198.51.100.9"), 40006)
	if err := s.HandleRS(pkt, true); err != nil {
		t.Fatalf("expected a secondary send failure to be logged, not returned, got %v", err)
	}
	if len(sender.primary) != 1 {
		t.Fatalf("expected the primary RA to still be sent, got %d", len(sender.primary))
	}
}
