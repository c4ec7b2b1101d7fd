package engine

import (
	"time"

	"taskgate/internal/model"
)

// clientWindow is the per-address counter record. Counts are reset together
// when the window rolls; blockedUntil is independent of the window.
type clientWindow struct {
	requests     int
	suspicious   int
	windowStart  time.Time
	blockedUntil time.Time
}

func newClientWindow(now time.Time) *clientWindow {
	return &clientWindow{windowStart: now}
}

// roll jumps the window forward only when traffic arrives after it expired.
func (w *clientWindow) roll(now time.Time, window time.Duration) {
	if w.expired(now, window) {
		w.requests = 0
		w.suspicious = 0
		w.windowStart = now
	}
}

func (w *clientWindow) expired(now time.Time, window time.Duration) bool {
	return now.Sub(w.windowStart) > window
}

func (w *clientWindow) blocked(now time.Time) bool {
	return !w.blockedUntil.IsZero() && now.Before(w.blockedUntil)
}

func (w *clientWindow) block(now time.Time, d time.Duration) {
	w.blockedUntil = now.Add(d)
}

func (w *clientWindow) stat(addr string, now time.Time) model.ClientStat {
	return model.ClientStat{
		ClientAddress:   addr,
		RequestCount:    w.requests,
		SuspiciousCount: w.suspicious,
		WindowStart:     w.windowStart,
		BlockedUntil:    w.blockedUntil,
		Blocked:         w.blocked(now),
	}
}
