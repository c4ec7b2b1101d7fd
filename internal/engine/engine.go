package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskgate/internal/clock"
	"taskgate/internal/config"
	"taskgate/internal/model"
)

const UnknownClient = "unknown"

type Limits struct {
	Window             time.Duration
	MaxRequests        int
	MaxSuspicious      int
	BlockDuration      time.Duration
	SuspiciousPrefixes []string
	SweepInterval      time.Duration
}

func LimitsFromConfig(cfg config.GateConfig) Limits {
	prefixes := make([]string, len(cfg.SuspiciousPrefixes))
	copy(prefixes, cfg.SuspiciousPrefixes)
	return Limits{
		Window:             cfg.Window,
		MaxRequests:        cfg.MaxRequestsPerWindow,
		MaxSuspicious:      cfg.MaxSuspiciousPerWindow,
		BlockDuration:      cfg.BlockDuration,
		SuspiciousPrefixes: prefixes,
		SweepInterval:      cfg.SweepInterval,
	}
}

func (l Limits) Suspicious(path string) bool {
	for _, p := range l.SuspiciousPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Tracker holds one counter record per client address. A single mutex makes
// the check, increment and block sequence atomic per address.
type Tracker struct {
	logger  *slog.Logger
	clock   clock.Clock
	limits  atomic.Value
	mu      sync.Mutex
	clients map[string]*clientWindow
}

func NewTracker(cfg config.GateConfig, clk clock.Clock, logger *slog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	t := &Tracker{
		logger:  logger,
		clock:   clk,
		clients: make(map[string]*clientWindow),
	}
	t.limits.Store(LimitsFromConfig(cfg))
	return t
}

func (t *Tracker) UpdateConfig(cfg config.GateConfig) {
	t.limits.Store(LimitsFromConfig(cfg))
}

func (t *Tracker) Limits() Limits {
	return t.limits.Load().(Limits)
}

// Evaluate admits or blocks one request. A request arriving while the client
// is blocked leaves every counter untouched.
func (t *Tracker) Evaluate(addr, path string, now time.Time) model.Decision {
	lim := t.Limits()
	if addr == "" {
		addr = UnknownClient
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.clients[addr]
	if !ok {
		w = newClientWindow(now)
		t.clients[addr] = w
	}
	w.roll(now, lim.Window)

	if w.blocked(now) {
		return model.Blocked(model.ReasonBlocked)
	}

	// Counts left over from before a block are not cleared on unblock; a
	// client released inside a still-open window resumes from them.
	w.requests++
	if lim.Suspicious(path) {
		w.suspicious++
	}

	if w.requests > lim.MaxRequests {
		w.block(now, lim.BlockDuration)
		return model.Blocked(model.ReasonRateLimit)
	}
	if w.suspicious > lim.MaxSuspicious {
		w.block(now, lim.BlockDuration)
		return model.Blocked(model.ReasonSuspicious)
	}
	return model.Admitted()
}

func (t *Tracker) Stat(addr string, now time.Time) (model.ClientStat, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.clients[addr]
	if !ok {
		return model.ClientStat{}, false
	}
	return w.stat(addr, now), true
}

func (t *Tracker) Snapshot(now time.Time) []model.ClientStat {
	t.mu.Lock()
	out := make([]model.ClientStat, 0, len(t.clients))
	for addr, w := range t.clients {
		out = append(out, w.stat(addr, now))
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClientAddress < out[j].ClientAddress })
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// Sweep drops records whose window has expired and whose block has lifted.
// Evaluate would reset such a record on its next call anyway, so removing it
// is not observable through Evaluate.
func (t *Tracker) Sweep(now time.Time) int {
	lim := t.Limits()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for addr, w := range t.clients {
		if w.expired(now, lim.Window) && !w.blocked(now) {
			delete(t.clients, addr)
			removed++
		}
	}
	return removed
}

func (t *Tracker) Start(ctx context.Context) {
	go func() {
		interval := t.Limits().SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed := t.Sweep(t.clock.Now())
				if removed > 0 && t.logger != nil {
					t.logger.Debug("tracker sweep", "removed", removed, "remaining", t.Len())
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Reset forgets every client record, lifting all blocks, and returns how
// many records were dropped.
func (t *Tracker) Reset() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.clients)
	t.clients = make(map[string]*clientWindow)
	return n
}
