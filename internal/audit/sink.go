package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"medlock.org/internal/ids"
	"medlock.org/internal/obs"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 5 * time.Second
)

// Store persists batches of audit events.
type Store interface {
	Append(ctx context.Context, events []Event) error
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Sink buffers audit events and flushes them in batches. Events that signal a
// security incident or a failed outcome bypass the buffer and are written
// synchronously so a crash cannot silently lose them.
type Sink struct {
	store Store
	now   func() time.Time

	mu  sync.Mutex
	buf []Event

	batchSize     int
	flushInterval time.Duration

	flushC chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// SinkOption configures Sink behavior.
type SinkOption func(*Sink)

// WithBatchSize overrides the flush size threshold.
func WithBatchSize(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval overrides the flush timer period.
func WithFlushInterval(d time.Duration) SinkOption {
	return func(s *Sink) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) SinkOption {
	return func(s *Sink) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSink constructs a Sink and starts its background flush task.
func NewSink(store Store, opts ...SinkOption) *Sink {
	s := &Sink{
		store:         store,
		now:           time.Now,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		flushC:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush(context.Background(), "batch")
		case <-s.flushC:
			s.flush(context.Background(), "batch")
		case <-s.done:
			return
		}
	}
}

// Record accepts an event. Ordinary events are buffered and the call returns
// immediately; security-relevant events are flushed synchronously and any
// write error is returned to the caller for logging (the caller's own
// operation must not fail because of it).
func (s *Sink) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}

	if immediate(event) {
		return s.flushWith(ctx, event)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// The flush task is gone; write through rather than park the event.
		return s.write(ctx, []Event{event})
	}
	s.buf = append(s.buf, event)
	full := len(s.buf) >= s.batchSize
	s.mu.Unlock()

	if full {
		select {
		case s.flushC <- struct{}{}:
		default:
		}
	}
	return nil
}

// immediate reports whether the event must bypass batching.
func immediate(event Event) bool {
	if event.Failed() {
		return true
	}
	action := strings.ToLower(event.Action)
	return strings.Contains(action, "security") || strings.Contains(action, "breach")
}

// swap atomically takes ownership of the current buffer.
func (s *Sink) swap() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.buf
	s.buf = nil
	return batch
}

func (s *Sink) flush(ctx context.Context, kind string) {
	batch := s.swap()
	if len(batch) == 0 {
		return
	}
	obs.ObserveAuditFlush(kind)
	s.write(ctx, batch)
}

// flushWith drains the buffer plus the given event in one synchronous write.
func (s *Sink) flushWith(ctx context.Context, event Event) error {
	batch := append(s.swap(), event)
	obs.ObserveAuditFlush("immediate")
	return s.write(ctx, batch)
}

// write persists a batch, re-queuing it once on failure. A second failure is
// surfaced to the logs rather than to the original request path.
func (s *Sink) write(ctx context.Context, batch []Event) error {
	err := s.store.Append(ctx, batch)
	if err == nil {
		return nil
	}
	if retryErr := s.store.Append(ctx, batch); retryErr == nil {
		return nil
	}
	obs.ObserveAuditDrop(len(batch))
	obs.LogEntry(map[string]any{
		"ts":     s.now().UTC().Format(time.RFC3339Nano),
		"level":  "error",
		"msg":    "audit_write_failed",
		"events": len(batch),
		"error":  err.Error(),
	})
	return err
}

// Close drains the buffer and stops the background task. Safe to call once.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	batch := s.swap()
	if len(batch) == 0 {
		return nil
	}
	obs.ObserveAuditFlush("shutdown")
	return s.write(ctx, batch)
}
