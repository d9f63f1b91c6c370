package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memStore collects appended events and can be told to fail.
type memStore struct {
	mu       sync.Mutex
	events   []Event
	batches  int
	failures int
}

func (m *memStore) Append(ctx context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("store unavailable")
	}
	m.events = append(m.events, events...)
	m.batches++
	return nil
}

func (m *memStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *memStore) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func TestOrdinaryEventsAreBuffered(t *testing.T) {
	store := &memStore{}
	sink := NewSink(store, WithBatchSize(100), WithFlushInterval(time.Hour))
	defer sink.Close(context.Background())

	if err := sink.Record(context.Background(), Event{Action: "auth.login", Outcome: OutcomeSuccess}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := store.count(); got != 0 {
		t.Fatalf("expected buffered event, store has %d", got)
	}
}

func TestBatchFlushOnThreshold(t *testing.T) {
	store := &memStore{}
	sink := NewSink(store, WithBatchSize(3), WithFlushInterval(time.Hour))
	defer sink.Close(context.Background())

	for i := 0; i < 3; i++ {
		if err := sink.Record(context.Background(), Event{Action: "data.read", Outcome: OutcomeSuccess}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	waitFor(t, func() bool { return store.count() == 3 })
}

func TestFailureOutcomeFlushesImmediately(t *testing.T) {
	store := &memStore{}
	sink := NewSink(store, WithBatchSize(100), WithFlushInterval(time.Hour))
	defer sink.Close(context.Background())

	_ = sink.Record(context.Background(), Event{Action: "data.read", Outcome: OutcomeSuccess})
	if err := sink.Record(context.Background(), Event{Action: "auth.login", Outcome: OutcomeFailure}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Immediate flush carries the pending buffer along with it.
	if got := store.count(); got != 2 {
		t.Fatalf("expected 2 events after immediate flush, got %d", got)
	}
}

func TestSecurityActionFlushesImmediately(t *testing.T) {
	store := &memStore{}
	sink := NewSink(store, WithBatchSize(100), WithFlushInterval(time.Hour))
	defer sink.Close(context.Background())

	if err := sink.Record(context.Background(), Event{Action: "security.breach_detected", Outcome: OutcomeSuccess}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := store.count(); got != 1 {
		t.Fatalf("expected 1 event, got %d", got)
	}
}

func TestWriteFailureRetriesOnce(t *testing.T) {
	store := &memStore{failures: 1}
	sink := NewSink(store, WithBatchSize(100), WithFlushInterval(time.Hour))
	defer sink.Close(context.Background())

	if err := sink.Record(context.Background(), Event{Action: "auth.login", Outcome: OutcomeFailure}); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if got := store.count(); got != 1 {
		t.Fatalf("expected 1 event after retry, got %d", got)
	}
}

func TestPersistentWriteFailureIsSurfaced(t *testing.T) {
	store := &memStore{failures: 2}
	sink := NewSink(store, WithBatchSize(100), WithFlushInterval(time.Hour))
	defer sink.Close(context.Background())

	if err := sink.Record(context.Background(), Event{Action: "auth.login", Outcome: OutcomeFailure}); err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
}

func TestCloseDrainsBuffer(t *testing.T) {
	store := &memStore{}
	sink := NewSink(store, WithBatchSize(100), WithFlushInterval(time.Hour))

	for i := 0; i < 5; i++ {
		_ = sink.Record(context.Background(), Event{Action: "data.read", Outcome: OutcomeSuccess})
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := store.count(); got != 5 {
		t.Fatalf("expected drained buffer of 5, got %d", got)
	}
	// Second close is a no-op.
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRecordAfterCloseWritesThrough(t *testing.T) {
	store := &memStore{}
	sink := NewSink(store, WithBatchSize(100), WithFlushInterval(time.Hour))
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := sink.Record(context.Background(), Event{Action: "data.read", Outcome: OutcomeSuccess}); err != nil {
		t.Fatalf("Record after close: %v", err)
	}
	if got := store.count(); got != 1 {
		t.Fatalf("expected write-through after close, store has %d events", got)
	}
}

func TestConcurrentRecordNoDuplicatesOrLoss(t *testing.T) {
	store := &memStore{}
	sink := NewSink(store, WithBatchSize(7), WithFlushInterval(5*time.Millisecond))

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				outcome := OutcomeSuccess
				if i%10 == 0 {
					outcome = OutcomeFailure // forces immediate flushes interleaved with batches
				}
				_ = sink.Record(context.Background(), Event{
					Action:  fmt.Sprintf("data.read.%d.%d", w, i),
					Outcome: outcome,
				})
			}
		}(w)
	}
	wg.Wait()
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := store.snapshot()
	if len(events) != workers*perWorker {
		t.Fatalf("expected %d events, got %d", workers*perWorker, len(events))
	}
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		if seen[e.Action] {
			t.Fatalf("duplicate event %s", e.Action)
		}
		seen[e.Action] = true
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
