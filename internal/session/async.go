package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dealcycle/identity-gateway/internal/telemetry"
)

const defaultEmitTimeout = 5 * time.Second

// ErrSinkClosed is returned by AsyncSink.Emit after Close.
var ErrSinkClosed = errors.New("session sink closed")

// ErrBufferFull is returned when an event is dropped because the buffer is full.
var ErrBufferFull = errors.New("session event buffer full")

// AsyncSink hands events to a single background worker so slow sinks never hold up a
// response. When the buffer is full the event is dropped and counted.
type AsyncSink struct {
	next    Sink
	events  chan Event
	metrics *telemetry.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncSink(next Sink, buffer int, metrics *telemetry.Metrics) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &AsyncSink{
		next:    next,
		events:  make(chan Event, buffer),
		metrics: metrics,
		timeout: defaultEmitTimeout,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) Emit(_ context.Context, ev Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.events <- ev:
		return nil
	default:
		if s.metrics != nil {
			s.metrics.RecordSessionEvent(ev.Name, "dropped")
		}
		return ErrBufferFull
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := safeEmit(ctx, s.next, ev); err != nil {
			slog.Warn("session event delivery failed", "event", ev.Name, "event_id", ev.EventID(), "error", err)
			if s.metrics != nil {
				s.metrics.RecordSessionEvent(ev.Name, "failed")
			}
		}
		cancel()
	}
}

// Close stops accepting events and waits for the buffer to drain or ctx to expire.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
