// Package peerlist implements the bounded, aged PeerEntry map of spec.md
// §3/§4.5 (C5): the single shared mutable structure the relay datapath
// mutates concurrently.
package peerlist

import (
	"net/netip"
	"sync"
	"time"

	"teredod/internal/clock"
)

// Default bounds, per spec.md §4.5: TTL must be in [30s, 5min].
const (
	DefaultTTL            = 30 * time.Second
	DefaultQueueByteLimit = 4096
	maxBubblesOrPings     = 3
	sweepInterval         = 1 * time.Second
)

// PeerEntry is the per-peer state of spec.md §3. Access to its fields must
// be held exclusively between a PeerList.Lookup and the matching Release.
type PeerEntry struct {
	mu sync.Mutex

	MappedIPv4  netip.Addr
	MappedPort  uint16
	Trusted     bool
	BubblesSent int
	PingsSent   int
	LastRxTS    time.Time
	LastTxTS    time.Time
	LastXmitTS  time.Time
	Expiry      time.Time

	queue      [][]byte
	queueBytes int
	queueLimit int
}

func newPeerEntry(expiry time.Time, queueLimit int) *PeerEntry {
	return &PeerEntry{Expiry: expiry, queueLimit: queueLimit}
}

// Enqueue appends payload to the pending-packet FIFO, dropping the oldest
// queued payloads if the byte bound would be exceeded (spec.md §3
// invariant c). Must be called while holding the entry (between Lookup and
// Release).
func (e *PeerEntry) Enqueue(payload []byte) {
	e.queue = append(e.queue, append([]byte(nil), payload...))
	e.queueBytes += len(payload)
	for e.queueBytes > e.queueLimit && len(e.queue) > 0 {
		e.queueBytes -= len(e.queue[0])
		e.queue = e.queue[1:]
	}
}

// Drain removes and returns all queued payloads, in FIFO order (spec.md §8
// property 5).
func (e *PeerEntry) Drain() [][]byte {
	out := e.queue
	e.queue = nil
	e.queueBytes = 0
	return out
}

// QueueLen reports the number of currently queued payloads.
func (e *PeerEntry) QueueLen() int { return len(e.queue) }

// BubblesExhausted reports whether bubbles_sent has reached the spec.md
// §3 cap of 3 retries.
func (e *PeerEntry) BubblesExhausted() bool { return e.BubblesSent >= maxBubblesOrPings }

// PingsExhausted reports whether pings_sent has reached the spec.md §3 cap
// of 3 retries.
func (e *PeerEntry) PingsExhausted() bool { return e.PingsSent >= maxBubblesOrPings }

// PeerList is the bounded, concurrently-accessed map of spec.md §4.5.
//
// The backing store is a plain map guarded by mu: capacity enforcement and
// per-entry aging both need to reference the same injected clock.Clock (not
// a library's own wall-clock timer), per spec.md §4.1's contract that every
// deadline in the system reference the same clock source, so there is no
// off-the-shelf cache behavior left for a dedicated cache library to own —
// entry expiry here is a plain map delete driven by a time.Time comparison.
type PeerList struct {
	clk *clock.Clock

	mu         sync.Mutex // guards entries, capacity changes, and the create-on-miss path
	entries    map[netip.Addr]*PeerEntry
	capacity   int
	ttl        time.Duration
	queueLimit int

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New builds a PeerList with the given capacity (spec.md §4.5), per-entry
// TTL (clamped to [30s, 5min]; DefaultTTL is used by callers that don't
// need a different one), and per-peer pending-queue byte bound.
func New(clk *clock.Clock, capacity int, ttl time.Duration, queueByteLimit int) *PeerList {
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	if ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	pl := &PeerList{
		clk:        clk,
		entries:    make(map[netip.Addr]*PeerEntry),
		capacity:   capacity,
		ttl:        ttl,
		queueLimit: queueByteLimit,
		stopSweep:  make(chan struct{}),
	}
	go pl.sweepLoop()
	return pl
}

// Lookup returns the existing, unexpired entry for peerIP6 (locked,
// created=false), or creates and returns a new one (locked, created=true)
// if below capacity. Returns ok=false when at capacity and no live entry
// exists. The caller must call Release when done. A hit refreshes the
// entry's recency (its expiry is extended by the configured TTL).
func (pl *PeerList) Lookup(peerIP6 netip.Addr) (entry *PeerEntry, created bool, ok bool) {
	now := pl.clk.Now()

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if e, found := pl.entries[peerIP6]; found {
		e.mu.Lock()
		if e.Expiry.After(now) {
			e.Expiry = now.Add(pl.ttl)
			return e, false, true
		}
		e.mu.Unlock()
		delete(pl.entries, peerIP6)
	}
	if len(pl.entries) >= pl.capacity {
		return nil, false, false
	}
	e := newPeerEntry(now.Add(pl.ttl), pl.queueLimit)
	pl.entries[peerIP6] = e
	e.mu.Lock()
	return e, true, true
}

// Release ends the exclusive critical section on entry.
func (pl *PeerList) Release(entry *PeerEntry) {
	entry.mu.Unlock()
}

// Delete removes a peer entirely (e.g. once its bubble/ping retries are
// exhausted, per spec.md §3 invariant b).
func (pl *PeerList) Delete(peerIP6 netip.Addr) {
	pl.mu.Lock()
	delete(pl.entries, peerIP6)
	pl.mu.Unlock()
}

// Len reports the current number of entries; at no point may it exceed the
// configured capacity (spec.md §8 property 4).
func (pl *PeerList) Len() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.entries)
}

// Reset atomically adjusts capacity while the list remains in use.
func (pl *PeerList) Reset(maxEntries int) {
	pl.mu.Lock()
	pl.capacity = maxEntries
	pl.mu.Unlock()
}

// Destroy releases all entries and stops the background sweep.
func (pl *PeerList) Destroy() {
	pl.sweepOnce.Do(func() { close(pl.stopSweep) })
	pl.mu.Lock()
	pl.entries = make(map[netip.Addr]*PeerEntry)
	pl.mu.Unlock()
}

// sweepLoop reaps entries whose Expiry has passed at most once per second,
// independent of lookup traffic (spec.md §4.5). Runs against the real
// wall clock: background cleanliness is a liveness property of the
// production process, not something tests need to drive deterministically
// (tests rely on the opportunistic check in Lookup instead).
func (pl *PeerList) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pl.stopSweep:
			return
		case <-ticker.C:
			pl.sweepExpired()
		}
	}
}

func (pl *PeerList) sweepExpired() {
	now := pl.clk.Now()
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for key, e := range pl.entries {
		e.mu.Lock()
		expired := !e.Expiry.After(now)
		e.mu.Unlock()
		if expired {
			delete(pl.entries, key)
		}
	}
}
