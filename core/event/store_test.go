package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// flakySink wraps a MemorySink and fails writes while failing is set.
type flakySink struct {
	*MemorySink
	mu      sync.Mutex
	failing bool
	writes  int
}

func (f *flakySink) WriteEvents(ctx context.Context, executionID string, events []Event) error {
	f.mu.Lock()
	f.writes++
	failing := f.failing
	f.mu.Unlock()

	if failing {
		return errors.New("sink unavailable")
	}
	return f.MemorySink.WriteEvents(ctx, executionID, events)
}

func (f *flakySink) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func makeEvents(n int, from int64) []Event {
	out := make([]Event, n)
	for i := range out {
		out[i] = Event{
			ID:        fmt.Sprintf("EV%04d", from+int64(i)),
			Index:     from + int64(i),
			Type:      NodeStarted,
			Timestamp: time.Now(),
		}
	}
	return out
}

func TestStoreBatching(t *testing.T) {
	ctx := context.Background()

	t.Run("size-triggered flush", func(t *testing.T) {
		sink := NewMemorySink()
		s := NewStore(sink, WithBatchSize(3), WithBatchTimeout(time.Hour))

		for _, ev := range makeEvents(2, 0) {
			if err := s.Append(ctx, "EX1", ev); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
		if got := s.Pending("EX1"); got != 2 {
			t.Errorf("expected 2 pending before the batch fills, got %d", got)
		}
		persisted, _ := sink.Events(ctx, "EX1", 0, 0)
		if len(persisted) != 0 {
			t.Errorf("expected nothing persisted yet, got %d", len(persisted))
		}

		if err := s.Append(ctx, "EX1", makeEvents(1, 2)[0]); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if got := s.Pending("EX1"); got != 0 {
			t.Errorf("expected empty batch after size flush, got %d", got)
		}
		persisted, _ = sink.Events(ctx, "EX1", 0, 0)
		if len(persisted) != 3 {
			t.Errorf("expected 3 persisted, got %d", len(persisted))
		}
	})

	t.Run("timeout-triggered flush", func(t *testing.T) {
		sink := NewMemorySink()
		s := NewStore(sink, WithBatchSize(100), WithBatchTimeout(20*time.Millisecond))

		if err := s.Append(ctx, "EX1", makeEvents(1, 0)[0]); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if s.Pending("EX1") == 0 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		persisted, _ := sink.Events(ctx, "EX1", 0, 0)
		if len(persisted) != 1 {
			t.Errorf("expected timeout flush to persist the event, got %d", len(persisted))
		}
	})

	t.Run("failed batch is retained and retried", func(t *testing.T) {
		sink := &flakySink{MemorySink: NewMemorySink()}
		s := NewStore(sink, WithBatchSize(2), WithBatchTimeout(time.Hour))

		sink.setFailing(true)
		events := makeEvents(2, 0)
		if err := s.Append(ctx, "EX1", events[0]); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := s.Append(ctx, "EX1", events[1]); err == nil {
			t.Fatal("expected the size flush to surface the sink error")
		}
		if got := s.Pending("EX1"); got != 2 {
			t.Errorf("expected failed batch retained, got %d pending", got)
		}

		sink.setFailing(false)
		if err := s.Flush(ctx, "EX1"); err != nil {
			t.Fatalf("retry Flush failed: %v", err)
		}
		persisted, _ := sink.Events(ctx, "EX1", 0, 0)
		if len(persisted) != 2 {
			t.Errorf("expected 2 persisted after retry, got %d", len(persisted))
		}
		if persisted[0].Index != 0 || persisted[1].Index != 1 {
			t.Errorf("retry lost ordering: %v", persisted)
		}
	})

	t.Run("flush of unknown execution is a no-op", func(t *testing.T) {
		s := NewStore(NewMemorySink())
		if err := s.Flush(ctx, "EXnothing"); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("flush all drains every execution", func(t *testing.T) {
		sink := NewMemorySink()
		s := NewStore(sink, WithBatchSize(100), WithBatchTimeout(time.Hour))

		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("EX%d", i)
			for _, ev := range makeEvents(3, 0) {
				if err := s.Append(ctx, id, ev); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}
		}
		if err := s.FlushAll(ctx); err != nil {
			t.Fatalf("FlushAll failed: %v", err)
		}
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("EX%d", i)
			persisted, _ := sink.Events(ctx, id, 0, 0)
			if len(persisted) != 3 {
				t.Errorf("%s: expected 3 persisted, got %d", id, len(persisted))
			}
		}
	})
}

func TestStoreNoLossNoDuplication(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	s := NewStore(sink, WithBatchSize(7), WithBatchTimeout(5*time.Millisecond))

	const total = 1000
	for _, ev := range makeEvents(total, 0) {
		if err := s.Append(ctx, "EX1", ev); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := s.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}

	persisted, err := s.Events(ctx, "EX1", 0, 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(persisted) != total {
		t.Fatalf("expected exactly %d events, got %d", total, len(persisted))
	}
	for i, ev := range persisted {
		if ev.Index != int64(i) {
			t.Fatalf("event %d: expected index %d, got %d", i, i, ev.Index)
		}
	}
}

func TestStoreReads(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	s := NewStore(sink, WithBatchSize(100), WithBatchTimeout(time.Hour))

	for _, ev := range makeEvents(10, 0) {
		if err := s.Append(ctx, "EX1", ev); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := s.Flush(ctx, "EX1"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	t.Run("from index", func(t *testing.T) {
		events, err := s.Events(ctx, "EX1", 7, 0)
		if err != nil {
			t.Fatalf("Events failed: %v", err)
		}
		if len(events) != 3 || events[0].Index != 7 {
			t.Errorf("expected indices 7..9, got %v", events)
		}
	})

	t.Run("limit", func(t *testing.T) {
		events, err := s.Events(ctx, "EX1", 0, 4)
		if err != nil {
			t.Fatalf("Events failed: %v", err)
		}
		if len(events) != 4 || events[3].Index != 3 {
			t.Errorf("expected first 4 events, got %v", events)
		}
	})

	t.Run("delete drops pending and persisted", func(t *testing.T) {
		if err := s.Append(ctx, "EX1", makeEvents(1, 10)[0]); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := s.DeleteEvents(ctx, "EX1"); err != nil {
			t.Fatalf("DeleteEvents failed: %v", err)
		}
		if got := s.Pending("EX1"); got != 0 {
			t.Errorf("expected no pending after delete, got %d", got)
		}
		events, err := s.Events(ctx, "EX1", 0, 0)
		if err != nil {
			t.Fatalf("Events failed: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("expected no persisted events after delete, got %d", len(events))
		}
	})
}

func TestStoreClose(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()
	s := NewStore(sink, WithBatchSize(100), WithBatchTimeout(time.Hour))

	for _, ev := range makeEvents(3, 0) {
		if err := s.Append(ctx, "EX1", ev); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The pending batch was flushed before the sink closed.
	sink.mu.RLock()
	persisted := len(sink.events["EX1"])
	sink.mu.RUnlock()
	if persisted != 3 {
		t.Errorf("expected 3 events flushed on close, got %d", persisted)
	}

	if _, err := sink.Events(ctx, "EX1", 0, 0); !errors.Is(err, errSinkClosed) {
		t.Errorf("expected reads to fail after close, got %v", err)
	}
}
