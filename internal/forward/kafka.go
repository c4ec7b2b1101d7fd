// Package forward publishes security events to an external feed. It is an
// export only; nothing is read back into the process.
package forward

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"taskgate/internal/config"
	"taskgate/internal/engine"
	"taskgate/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Forwarder struct {
	writer  messageWriter
	queue   chan model.SecurityEvent
	logger  *slog.Logger
	done    chan struct{}
	dropped int64
	mu      sync.Mutex
	// dropLog throttles the queue-full warning to one line per dropLogEvery.
	dropLog *engine.Cooldown
}

const dropLogEvery = 10 * time.Second

// NewKafka returns nil when forwarding is disabled.
func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) *Forwarder {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka forward disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("kafka forward enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newForwarder(w, cfg.Buffer, logger)
}

func newForwarder(w messageWriter, buffer int, logger *slog.Logger) *Forwarder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Forwarder{
		writer: w,
		queue:  make(chan model.SecurityEvent, buffer),
		logger:  logger,
		done:    make(chan struct{}),
		dropLog: engine.NewCooldown(),
	}
}

// Publish never blocks the request path; a full queue drops the event.
func (f *Forwarder) Publish(ev model.SecurityEvent) {
	if f == nil {
		return
	}
	select {
	case f.queue <- ev:
	default:
		f.mu.Lock()
		f.dropped++
		dropped := f.dropped
		f.mu.Unlock()
		if f.logger != nil && f.dropLog.Allow("queue_full", time.Now(), dropLogEvery) {
			f.logger.Warn("forward queue full, dropping events", "event_id", ev.ID, "dropped_total", dropped)
		}
	}
}

func (f *Forwarder) Dropped() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Start drains the queue until ctx is done, then closes the writer.
func (f *Forwarder) Start(ctx context.Context) {
	if f == nil {
		return
	}
	go func() {
		defer close(f.done)
		defer f.writer.Close()
		for {
			select {
			case ev := <-f.queue:
				f.write(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the drain goroutine has exited.
func (f *Forwarder) Wait() {
	if f == nil {
		return
	}
	<-f.done
}

func (f *Forwarder) write(ctx context.Context, ev model.SecurityEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.ClientAddress),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "level", Value: []byte(ev.Level)},
			{Key: "event_id", Value: []byte(strconv.FormatInt(ev.ID, 10))},
		},
		Time: ev.Timestamp,
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil && ctx.Err() == nil && f.logger != nil {
		f.logger.Warn("kafka write error", "err", err, "event_id", ev.ID)
	}
}
