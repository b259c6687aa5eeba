// Package maintenance implements the client/relay qualification and
// NAT-binding refresh state machine of spec.md §4.6 (C6): Resolving ->
// Soliciting -> Qualified, with a Lost state on repeated timeout.
package maintenance

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"teredod/internal/addr"
	"teredod/internal/clock"
	"teredod/internal/codec"
	"teredod/internal/token"
)

// serverPort is the well-known Teredo server UDP port (RFC 4380 §5.2.1).
const serverPort = 3544

// Default timings, per spec.md §4.6.
const (
	DefaultRestartDelay        = 100 * time.Second
	DefaultQualificationDelay  = 4 * time.Second
	DefaultRefreshDelay        = 30 * time.Second
	DefaultQualificationRetries = 3
)

// Sender transmits a Router Solicitation to the server through C9.
type Sender interface {
	SendRouterSolicitation(nonce [8]byte, serverIP netip.Addr) error
}

// Resolver resolves a server name to an IPv4 address (DNS, or a test
// double). An error or a non-global-unicast result is treated as a
// resolution failure.
type Resolver interface {
	ResolveIPv4(ctx context.Context, name string) (netip.Addr, error)
}

// Logger is the subset of internal/logging.Logger the FSM needs.
type Logger interface {
	Info(msg string, args ...any)
	Notice(msg string, args ...any)
}

// TeredoState is the externally observed state of spec.md §3, published by
// OnStateChange whenever up, the address, or the MTU changes — never more
// than once per logical transition.
type TeredoState struct {
	Up   bool
	MTU  uint16
	Addr addr.TeredoAddress
	IPv4 uint32
}

// Config parameterizes an FSM instance.
type Config struct {
	ServerName           string
	Sender               Sender
	Resolver             Resolver
	Tokens               *token.Generator
	Clock                *clock.Clock
	Logger               Logger
	OnStateChange        func(TeredoState)
	RestartDelay         time.Duration
	QualificationDelay   time.Duration
	RefreshDelay         time.Duration
	QualificationRetries int
}

type fsmState int

const (
	stateResolving fsmState = iota
	stateSoliciting
	stateQualified
	stateLost
)

type wakeReason int

const (
	wakeNone wakeReason = iota
	wakeAccepted
	wakeTimedOut
	wakeCancelled
)

// FSM is the maintenance state machine of spec.md §4.6 (C6) —
// MaintenanceContext plus its driving loop. One FSM exists per
// server/relay the process qualifies against.
type FSM struct {
	cfg Config

	mu         sync.Mutex
	cond       *sync.Cond
	state      fsmState
	serverIP   netip.Addr
	nonce      [8]byte
	retries    int
	wakeReason wakeReason
	deadline   clock.Deadline

	up         bool
	lastTeredo addr.TeredoAddress
	lastMTU    uint16
}

// New builds an FSM in the Resolving state. Zero-valued delay/retry fields
// in cfg are replaced with their spec.md defaults.
func New(cfg Config) *FSM {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.QualificationDelay == 0 {
		cfg.QualificationDelay = DefaultQualificationDelay
	}
	if cfg.RefreshDelay == 0 {
		cfg.RefreshDelay = DefaultRefreshDelay
	}
	if cfg.QualificationRetries == 0 {
		cfg.QualificationRetries = DefaultQualificationRetries
	}
	f := &FSM{cfg: cfg, state: stateResolving}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// State reports the current coarse state, for tests and diagnostics.
func (f *FSM) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case stateResolving:
		return "resolving"
	case stateSoliciting:
		return "soliciting"
	case stateQualified:
		return "qualified"
	case stateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Up reports whether the TeredoState is currently up.
func (f *FSM) Up() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

// Run drives the FSM until ctx is cancelled, returning ctx.Err(). It never
// returns nil: cancellation is the only exit.
func (f *FSM) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.mu.Lock()
		state := f.state
		f.mu.Unlock()

		var err error
		switch state {
		case stateResolving:
			err = f.resolve(ctx)
		case stateSoliciting:
			err = f.solicit(ctx)
		case stateQualified:
			err = f.waitForRefresh(ctx)
		case stateLost:
			err = f.handleLost(ctx)
		}
		if err != nil {
			return err
		}
	}
}

// resolve implements the Resolving state: DNS-resolve the server name,
// retrying at a constant restart_delay on failure or non-global result.
func (f *FSM) resolve(ctx context.Context) error {
	b := backoff.NewConstantBackOff(f.cfg.RestartDelay)
	for {
		ip, err := f.cfg.Resolver.ResolveIPv4(ctx, f.cfg.ServerName)
		if err == nil && addr.IsIPv4GlobalUnicast(ip) {
			f.mu.Lock()
			f.serverIP = ip
			f.state = stateSoliciting
			f.mu.Unlock()
			return nil
		}
		if err == nil {
			err = fmt.Errorf("maintenance: resolved non-global address %v", ip)
		}
		if f.cfg.Logger != nil {
			f.cfg.Logger.Info("server resolution failed, retrying", "server", f.cfg.ServerName, "error", err)
		}
		if serr := f.cfg.Clock.SleepFor(ctx, b.NextBackOff()); serr != nil {
			return serr
		}
	}
}

// solicit implements the Soliciting state: send an RS, wait for either a
// matching RA (delivered via ProcessRA under f.mu, which broadcasts
// f.cond) or the qualification deadline.
func (f *FSM) solicit(ctx context.Context) error {
	f.mu.Lock()
	serverIP := f.serverIP
	deadline := f.cfg.Clock.DeadlineIn(f.cfg.QualificationDelay)
	if resynced, drifted := deadline.Resync(f.cfg.Clock.Now()); drifted {
		if f.cfg.Logger != nil {
			f.cfg.Logger.Info("resynchronizing qualification deadline")
		}
		deadline = resynced
	}
	f.deadline = deadline
	f.nonce = f.cfg.Tokens.Nonce(uint64(deadline.At.Unix()), serverIP, serverPort)
	f.retries++
	retries := f.retries
	nonce := f.nonce
	f.wakeReason = wakeNone
	f.mu.Unlock()

	if err := f.cfg.Sender.SendRouterSolicitation(nonce, serverIP); err != nil && f.cfg.Logger != nil {
		f.cfg.Logger.Info("sending router solicitation failed", "error", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := f.cfg.Clock.WaitUntil(ctx, deadline)
		f.mu.Lock()
		// A waiter left over from an already-accepted cycle must not wake a
		// later cycle, which has its own deadline.
		if f.wakeReason == wakeNone && f.deadline == deadline {
			if err != nil {
				f.wakeReason = wakeCancelled
			} else {
				f.wakeReason = wakeTimedOut
			}
			f.cond.Broadcast()
		}
		f.mu.Unlock()
		waitErr <- err
	}()

	f.mu.Lock()
	for f.wakeReason == wakeNone {
		f.cond.Wait()
	}
	reason := f.wakeReason
	f.mu.Unlock()

	switch reason {
	case wakeAccepted:
		f.mu.Lock()
		f.state = stateQualified
		f.retries = 0
		f.mu.Unlock()
		return nil
	case wakeCancelled:
		return <-waitErr
	default: // wakeTimedOut
		if f.cfg.Logger != nil {
			f.cfg.Logger.Info("no reply to router solicitation", "retries", retries)
		}
		if retries >= f.cfg.QualificationRetries {
			f.mu.Lock()
			f.state = stateLost
			f.mu.Unlock()
		}
		return nil
	}
}

// waitForRefresh implements the Qualified state: wait until the next
// refresh deadline, then fall back to Soliciting.
func (f *FSM) waitForRefresh(ctx context.Context) error {
	f.mu.Lock()
	deadline := f.cfg.Clock.DeadlineIn(f.cfg.RefreshDelay)
	if resynced, drifted := deadline.Resync(f.cfg.Clock.Now()); drifted {
		if f.cfg.Logger != nil {
			f.cfg.Logger.Info("resynchronizing refresh deadline")
		}
		deadline = resynced
	}
	f.mu.Unlock()

	if err := f.cfg.Clock.WaitUntil(ctx, deadline); err != nil {
		return err
	}
	f.mu.Lock()
	f.state = stateSoliciting
	f.mu.Unlock()
	return nil
}

// handleLost implements the Lost state: if previously up, fire the
// down-transition callback once, clear server_ip to force re-resolution,
// then wait restart_delay before returning to Resolving.
func (f *FSM) handleLost(ctx context.Context) error {
	f.mu.Lock()
	wasUp := f.up
	f.up = false
	f.serverIP = netip.Addr{}
	f.mu.Unlock()

	if wasUp {
		if f.cfg.Logger != nil {
			f.cfg.Logger.Notice("lost connectivity")
		}
		if f.cfg.OnStateChange != nil {
			f.cfg.OnStateChange(TeredoState{Up: false})
		}
	}

	if err := f.cfg.Clock.SleepFor(ctx, f.cfg.RestartDelay); err != nil {
		return err
	}
	f.mu.Lock()
	f.state = stateResolving
	f.mu.Unlock()
	return nil
}

// ProcessRA implements process_ra (spec.md §4.6): validates an inbound
// packet as the RA matching the currently pending solicitation, and if
// accepted, updates TeredoState, moves the FSM to Qualified, and wakes the
// soliciting goroutine. Called
// from the UDP->IPv6 pump (C7) under its own packet-handling path, not
// under the FSM's internal goroutines.
func (f *FSM) ProcessRA(pkt *codec.TeredoPacket) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != stateSoliciting || f.wakeReason != wakeNone {
		return false
	}
	if pkt.SourcePort != serverPort {
		return false
	}
	if !pkt.AuthPresent || pkt.AuthFail {
		return false
	}
	if pkt.IPv6.Dst != codec.AllRoutersLinkLocal {
		return false
	}
	if pkt.AuthNonce != f.nonce {
		return false
	}
	// Acceptance is already scoped to the current solicitation cycle by the
	// state+wakeReason+nonce checks above (solicit() mints a fresh nonce
	// every time it re-enters stateSoliciting, including for a refresh after
	// Qualified), so f.up must not gate acceptance here the way it used to:
	// a client that's already up still needs its periodic refresh RA
	// accepted, not rejected as if it were some stray out-of-cycle reply.
	if !f.serverIP.IsValid() || f.serverIP.Unmap().IsUnspecified() {
		return false
	}
	typ, ok := pkt.ICMPv6Type()
	if !ok || typ != codec.ICMPv6RouterAdvertisement {
		return false
	}
	pi, mtuOpt, ok := codec.ParseRAOptions(pkt.IPv6Payload)
	if !ok || mtuOpt.MTU == 0 {
		return false
	}
	if !pkt.OrigPresent {
		return false
	}

	prefix32 := uint32(pi.Prefix64 >> 32)
	serverIP32 := uint32(pi.Prefix64)
	candidateServer := netip.AddrFrom4(beBytes(serverIP32))
	if candidateServer != f.serverIP {
		return false
	}

	flags := f.flagsFor(pkt.OrigIPv4, pkt.OrigPort)
	newAddr := addr.NewTeredoAddress(prefix32, candidateServer, flags, pkt.OrigPort, pkt.OrigIPv4)
	if !addr.IsTeredo(newAddr.Encode()) {
		return false
	}

	f.wakeReason = wakeAccepted
	f.state = stateQualified
	f.retries = 0
	changed := !f.up || newAddr != f.lastTeredo || f.lastMTU != uint16(mtuOpt.MTU)
	f.up = true
	f.lastTeredo = newAddr
	f.lastMTU = uint16(mtuOpt.MTU)
	f.cond.Broadcast()

	if changed && f.cfg.OnStateChange != nil {
		f.cfg.OnStateChange(TeredoState{Up: true, MTU: uint16(mtuOpt.MTU), Addr: newAddr, IPv4: newAddr.IPv4})
	}
	return true
}

// flagsFor returns the previous flags if the mapped endpoint is unchanged
// (address is not new), or a freshly randomized 12-bit value otherwise
// (spec.md §4.6: "randomize lower 12 flag bits if the address is new").
func (f *FSM) flagsFor(mappedIPv4 netip.Addr, mappedPort uint16) uint16 {
	if f.up && f.lastTeredo.MappedAddr() == mappedIPv4 && f.lastTeredo.Port == mappedPort {
		return f.lastTeredo.Flags
	}
	return randomFlags()
}

func beBytes(v uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b
}
