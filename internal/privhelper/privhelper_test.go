package privhelper

import (
	"net/netip"
	"strings"
	"testing"
)

func TestSetAddress_InvokesExpectedCommand(t *testing.T) {
	var gotName string
	var gotArgs []string
	h := &IPRouteHelper{run: func(name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		return nil, nil
	}}

	if err := h.SetAddress("teredo0", netip.MustParseAddr("2001:0:4136:e378:8000:63bf:3fff:fdd2")); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}
	if gotName != "ip" {
		t.Fatalf("expected command %q, got %q", "ip", gotName)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "teredo0") || !strings.Contains(joined, "/128") {
		t.Errorf("expected args to reference the interface and a /128 mask, got %q", joined)
	}
}

func TestSetAddress_WrapsCommandFailure(t *testing.T) {
	h := &IPRouteHelper{run: func(string, ...string) ([]byte, error) {
		return []byte("RTNETLINK answers: Permission denied"), assertErr{}
	}}

	err := h.SetAddress("teredo0", netip.MustParseAddr("2001:db8::1"))
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if !strings.Contains(err.Error(), "Permission denied") {
		t.Errorf("expected wrapped error to include command output, got %q", err.Error())
	}
}

func TestSetRoute_InvokesExpectedCommand(t *testing.T) {
	var gotArgs []string
	h := &IPRouteHelper{run: func(_ string, args ...string) ([]byte, error) {
		gotArgs = args
		return nil, nil
	}}

	prefix := netip.MustParsePrefix("2001:0:4136:e378::/64")
	if err := h.SetRoute("teredo0", prefix); err != nil {
		t.Fatalf("SetRoute: %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, prefix.String()) {
		t.Errorf("expected args to reference the prefix, got %q", joined)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "exit status 2" }
