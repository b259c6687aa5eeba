// Package clock provides the coarse, shared time source every other core
// component reads deadlines from. A single clockwork.Clock is constructed
// once per RelayContext and threaded through explicitly — there is no
// package-level global clock.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source shared by the maintenance FSM, the peer list,
// and the relay datapath. now_seconds is cheap enough to call per packet;
// wait_until/sleep_for reference the same source so deadlines stay
// meaningful across suspension.
type Clock struct {
	c clockwork.Clock
}

// New wraps the real, monotonic system clock.
func New() *Clock {
	return &Clock{c: clockwork.NewRealClock()}
}

// NewFake builds a Clock around a clockwork.FakeClock for deterministic
// tests of C5/C6 aging and retry behavior.
func NewFake() (*Clock, clockwork.FakeClock) {
	fc := clockwork.NewFakeClock()
	return &Clock{c: fc}, fc
}

// NowSeconds returns the coarse (1Hz-resolution) time as whole Unix
// seconds. It is taken from the wall clock, so it is not monotonic and
// follows changes to the system time; Now and the Deadline helpers keep
// the monotonic reading. Safe to call on every packet.
func (k *Clock) NowSeconds() uint64 {
	return uint64(k.c.Now().Unix())
}

// NowPrecise returns the current time as (seconds, nanoseconds).
func (k *Clock) NowPrecise() (sec int64, nsec int32) {
	now := k.c.Now()
	return now.Unix(), int32(now.Nanosecond())
}

// Now returns the underlying time.Time, for comparison against a Deadline.
func (k *Clock) Now() time.Time { return k.c.Now() }

// Deadline is an absolute point in time at which a wait should fire.
type Deadline struct {
	At time.Time
}

// DeadlineIn builds a Deadline d after the current time.
func (k *Clock) DeadlineIn(d time.Duration) Deadline {
	return Deadline{At: k.c.Now().Add(d)}
}

// Expired reports whether the deadline has already passed.
func (d Deadline) Expired(now time.Time) bool {
	return !d.At.After(now)
}

// Resync reports whether the deadline is more than 0s in the past relative
// to now (clock drift / suspend detection per spec.md §4.1/§4.6), and
// returns a deadline reset to now if so.
func (d Deadline) Resync(now time.Time) (Deadline, bool) {
	if d.At.Before(now) {
		return Deadline{At: now}, true
	}
	return d, false
}

// WaitUntil blocks until the deadline, the context is cancelled, or — on a
// fake clock — the deadline is advanced past. Returns ctx.Err() on
// cancellation, nil otherwise.
func (k *Clock) WaitUntil(ctx context.Context, d Deadline) error {
	dur := d.At.Sub(k.c.Now())
	if dur <= 0 {
		return nil
	}
	timer := k.c.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// SleepFor blocks for d or until ctx is cancelled.
func (k *Clock) SleepFor(ctx context.Context, d time.Duration) error {
	return k.WaitUntil(ctx, k.DeadlineIn(d))
}
