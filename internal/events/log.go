// Package events keeps the in-memory security event log. Events are stored
// newest first; ids come from a counter that is never rewound, so trimming the
// oldest entries never causes an id to be reused.
package events

import (
	"sync"
	"time"

	"taskgate/internal/clock"
	"taskgate/internal/model"
)

// Sink receives every event after it has been appended.
type Sink interface {
	Publish(ev model.SecurityEvent)
}

type Log struct {
	mu     sync.RWMutex
	buf    []model.SecurityEvent // oldest first; reversed on read
	limit  int
	nextID int64
	clock  clock.Clock
	sinks  []Sink
}

func NewLog(limit int, clk clock.Clock) *Log {
	if limit <= 0 {
		limit = 10000
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Log{limit: limit, nextID: 1, clock: clk}
}

// AddSink must be called before the log is shared between goroutines.
func (l *Log) AddSink(s Sink) {
	if s != nil {
		l.sinks = append(l.sinks, s)
	}
}

func (l *Log) Record(clientAddress, requestPath, reason string, level model.Level) model.SecurityEvent {
	l.mu.Lock()
	ev := model.SecurityEvent{
		ID:            l.nextID,
		Timestamp:     l.clock.Now().UTC(),
		ClientAddress: clientAddress,
		RequestPath:   requestPath,
		Reason:        reason,
		Level:         level,
	}
	l.nextID++
	if len(l.buf) < l.limit {
		l.buf = append(l.buf, ev)
	} else {
		copy(l.buf, l.buf[1:])
		l.buf[len(l.buf)-1] = ev
	}
	l.mu.Unlock()

	for _, s := range l.sinks {
		s.Publish(ev)
	}
	return ev
}

func (l *Log) ListAll() []model.SecurityEvent {
	return l.List(0)
}

// List returns up to limit events, newest first. limit <= 0 means all.
func (l *Log) List(limit int) []model.SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.buf) {
		limit = len(l.buf)
	}
	out := make([]model.SecurityEvent, 0, limit)
	for i := len(l.buf) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.buf[i])
	}
	return out
}

func (l *Log) Since(ts time.Time) []model.SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.SecurityEvent, 0)
	for i := len(l.buf) - 1; i >= 0; i-- {
		if l.buf[i].Timestamp.Before(ts) {
			break
		}
		out = append(out, l.buf[i])
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buf)
}
