// Package logging provides the structured Logger collaborator of
// spec.md §6 (Info/Notice/Warning/Error), plus a per-message rate limiter
// so a misbehaving peer can't flood the log (spec.md §7).
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Logger matches the narrow interface the maintenance, relay, and
// discovery packages each declare for themselves.
type Logger interface {
	Info(msg string, args ...any)
	Notice(msg string, args ...any)
	Warning(msg string, args ...any)
	Error(msg string, args ...any)
}

// levelNotice sits between slog's Info and Warn, matching spec.md §6's
// four-level scheme without inventing a parallel level type.
const levelNotice = slog.Level(1)

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	log *slog.Logger
}

// New builds a SlogLogger writing structured text to stderr.
func New() *SlogLogger {
	return &SlogLogger{log: slog.New(slog.NewTextHandler(os.Stderr, nil))}
}

// Wrap adapts an existing *slog.Logger.
func Wrap(l *slog.Logger) *SlogLogger {
	return &SlogLogger{log: l}
}

func (l *SlogLogger) Info(msg string, args ...any)    { l.log.Info(msg, args...) }
func (l *SlogLogger) Notice(msg string, args ...any) {
	l.log.Log(context.Background(), levelNotice, msg, args...)
}
func (l *SlogLogger) Warning(msg string, args ...any) { l.log.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any)   { l.log.Error(msg, args...) }

// RateLimited wraps a Logger so that repeated identical messages (keyed by
// the message text) are suppressed once a key has logged more than burst
// times within window; the suppressed count is flushed on the next
// admitted call for that key.
type RateLimited struct {
	next   Logger
	window time.Duration
	burst  int

	mu      sync.Mutex
	entries map[string]*rateEntry
}

type rateEntry struct {
	windowStart time.Time
	count       int
	suppressed  int
}

// NewRateLimited wraps next with a fixed-window limiter: at most burst
// messages per distinct msg within a window that opens at the first call
// for that msg, after which further calls are dropped (and counted) until
// the window rolls over.
func NewRateLimited(next Logger, window time.Duration, burst int) *RateLimited {
	return &RateLimited{next: next, window: window, burst: burst, entries: make(map[string]*rateEntry)}
}

// admit reports whether msg may log now, and the number of prior calls
// suppressed in the window just closed (0 unless this call just rolled
// over a window that had suppressions).
func (r *RateLimited) admit(msg string) (ok bool, rolledOverSuppressed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	e, seen := r.entries[msg]
	if !seen || now.Sub(e.windowStart) >= r.window {
		prevSuppressed := 0
		if seen {
			prevSuppressed = e.suppressed
		}
		e = &rateEntry{windowStart: now}
		r.entries[msg] = e
		e.count++
		return true, prevSuppressed
	}
	e.count++
	if e.count <= r.burst {
		return true, 0
	}
	e.suppressed++
	return false, 0
}

func (r *RateLimited) Info(msg string, args ...any) {
	if ok, dropped := r.admit(msg); ok {
		if dropped > 0 {
			r.next.Notice("suppressed repeated messages", "message", msg, "count", dropped)
		}
		r.next.Info(msg, args...)
	}
}

func (r *RateLimited) Notice(msg string, args ...any) {
	if ok, dropped := r.admit(msg); ok {
		if dropped > 0 {
			r.next.Notice("suppressed repeated messages", "message", msg, "count", dropped)
		}
		r.next.Notice(msg, args...)
	}
}

func (r *RateLimited) Warning(msg string, args ...any) {
	if ok, dropped := r.admit(msg); ok {
		if dropped > 0 {
			r.next.Notice("suppressed repeated messages", "message", msg, "count", dropped)
		}
		r.next.Warning(msg, args...)
	}
}

func (r *RateLimited) Error(msg string, args ...any) {
	if ok, dropped := r.admit(msg); ok {
		if dropped > 0 {
			r.next.Notice("suppressed repeated messages", "message", msg, "count", dropped)
		}
		r.next.Error(msg, args...)
	}
}
