// Package privhelper implements spec.md §6's PrivilegedHelper collaborator:
// the only component that needs elevated privileges, invoked solely when
// the maintenance FSM reports a newly qualified Teredo address.
package privhelper

import (
	"fmt"
	"net/netip"
	"os/exec"
)

// Helper matches spec.md §6's PrivilegedHelper: set_address(ip6),
// set_route(prefix).
type Helper interface {
	SetAddress(ifName string, addr netip.Addr) error
	SetRoute(ifName string, prefix netip.Prefix) error
}

// runner abstracts exec.Command+CombinedOutput so tests can observe the
// constructed command without actually invoking `ip`.
type runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// IPRouteHelper shells out to `ip addr`/`ip route`, in the style of the
// teacher's network/nat.go (exec.Command + CombinedOutput, wrapped errors).
type IPRouteHelper struct {
	run runner
}

// New builds the default, `ip`-based Helper.
func New() *IPRouteHelper {
	return &IPRouteHelper{run: execRunner}
}

// SetAddress assigns addr/128 to ifName.
func (h *IPRouteHelper) SetAddress(ifName string, addr netip.Addr) error {
	out, err := h.run("ip", "-6", "addr", "replace", addr.String()+"/128", "dev", ifName)
	if err != nil {
		return fmt.Errorf("privhelper: setting address %s on %s: %w, output: %s", addr, ifName, err, out)
	}
	return nil
}

// SetRoute installs a route for prefix via ifName.
func (h *IPRouteHelper) SetRoute(ifName string, prefix netip.Prefix) error {
	out, err := h.run("ip", "-6", "route", "replace", prefix.String(), "dev", ifName)
	if err != nil {
		return fmt.Errorf("privhelper: setting route %s via %s: %w, output: %s", prefix, ifName, err, out)
	}
	return nil
}
