package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/freelance-dispatch/internal/observability"
)

// Sink delivers events to one transport.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
	Close() error
}

// Bus queues events in memory and fans them out to every sink from a single
// worker goroutine. Publish never blocks: when the queue is full the event is
// dropped and counted.
type Bus struct {
	sinks   []Sink
	queue   chan Event
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewBus(logger *slog.Logger, buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	b := &Bus{
		sinks:   sinks,
		queue:   make(chan Event, buffer),
		logger:  logger,
		timeout: 2 * time.Second,
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) Publish(_ context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- e:
	default:
		observability.EventsDropped.Inc()
		b.logger.Warn("event queue full, dropping event", "type", e.Type, "key", e.Key)
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for e := range b.queue {
		for _, s := range b.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			if err := s.Deliver(ctx, e); err != nil {
				observability.EventSinkErrors.WithLabelValues(s.Name()).Inc()
				b.logger.Warn("event delivery failed", "sink", s.Name(), "type", e.Type, "key", e.Key, "error", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events, drains the queue and closes the sinks.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, s := range b.sinks {
		if err := s.Close(); err != nil {
			b.logger.Warn("closing event sink", "sink", s.Name(), "error", err)
		}
	}
	return nil
}
