package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowgraph/flowcore/core/event"
)

func publishN(t *testing.T, q *Queue, typ event.Type, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := q.Publish(event.Event{Type: typ}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
}

func drainInto(ctx context.Context, it *Iterator) []event.Event {
	var out []event.Event
	for {
		ev, ok := it.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestQueuePublish(t *testing.T) {
	t.Run("stamps index id and timestamp", func(t *testing.T) {
		q := New()
		ev, err := q.Publish(event.Event{Type: event.NodeStarted})
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if ev.Index != 0 {
			t.Errorf("expected index 0, got %d", ev.Index)
		}
		if ev.ID == "" {
			t.Error("expected a generated event ID")
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected a timestamp")
		}

		ev, _ = q.Publish(event.Event{Type: event.NodeCompleted})
		if ev.Index != 1 {
			t.Errorf("expected index 1, got %d", ev.Index)
		}
		if q.NextIndex() != 2 {
			t.Errorf("expected next index 2, got %d", q.NextIndex())
		}
	})

	t.Run("preserves caller-supplied identity", func(t *testing.T) {
		q := New()
		ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		ev, _ := q.Publish(event.Event{ID: "EVfixed", Type: event.NodeStarted, Timestamp: ts})
		if ev.ID != "EVfixed" || !ev.Timestamp.Equal(ts) {
			t.Errorf("caller identity was overwritten: %+v", ev)
		}
	})

	t.Run("after close", func(t *testing.T) {
		q := New()
		q.Close()
		if _, err := q.Publish(event.Event{Type: event.NodeStarted}); err != ErrClosed {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}

func TestQueueSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("receives events in publish order", func(t *testing.T) {
		q := New()
		it := q.Subscribe()
		defer it.Close()

		publishN(t, q, event.NodeStarted, 5)
		q.Close()

		events := drainInto(ctx, it)
		if len(events) != 5 {
			t.Fatalf("expected 5 events, got %d", len(events))
		}
		for i, ev := range events {
			if ev.Index != int64(i) {
				t.Errorf("event %d: expected index %d, got %d", i, i, ev.Index)
			}
		}
	})

	t.Run("no history for late subscribers", func(t *testing.T) {
		q := New()
		publishN(t, q, event.NodeStarted, 3)

		it := q.Subscribe()
		defer it.Close()
		publishN(t, q, event.NodeCompleted, 1)
		q.Close()

		events := drainInto(ctx, it)
		if len(events) != 1 || events[0].Index != 3 {
			t.Fatalf("expected only the post-subscribe event, got %+v", events)
		}
	})

	t.Run("independent subscribers see the same stream", func(t *testing.T) {
		q := New()
		a := q.Subscribe()
		b := q.Subscribe()
		defer a.Close()
		defer b.Close()

		publishN(t, q, event.NodeStarted, 4)
		q.Close()

		ea := drainInto(ctx, a)
		eb := drainInto(ctx, b)
		if len(ea) != 4 || len(eb) != 4 {
			t.Fatalf("expected both subscribers to get 4 events, got %d and %d", len(ea), len(eb))
		}
		for i := range ea {
			if ea[i].ID != eb[i].ID {
				t.Errorf("event %d: subscribers diverged: %s vs %s", i, ea[i].ID, eb[i].ID)
			}
		}
	})

	t.Run("subscribe after close ends immediately", func(t *testing.T) {
		q := New()
		q.Close()
		it := q.Subscribe()
		if _, ok := it.Next(ctx); ok {
			t.Error("expected an ended stream")
		}
	})

	t.Run("next blocks until publish", func(t *testing.T) {
		q := New()
		it := q.Subscribe()
		defer it.Close()

		got := make(chan event.Event, 1)
		go func() {
			ev, _ := it.Next(ctx)
			got <- ev
		}()

		time.Sleep(10 * time.Millisecond)
		if _, err := q.Publish(event.Event{Type: event.FlowCompleted}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case ev := <-got:
			if ev.Type != event.FlowCompleted {
				t.Errorf("expected flow.completed, got %s", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("Next did not wake on publish")
		}
	})

	t.Run("next honors context cancellation", func(t *testing.T) {
		q := New()
		it := q.Subscribe()
		defer it.Close()

		shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer shortCancel()
		if _, ok := it.Next(shortCtx); ok {
			t.Error("expected Next to end on context cancellation")
		}
	})
}

func TestQueueOverflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("drops oldest non-terminal", func(t *testing.T) {
		q := New(WithCapacity(3))
		it := q.Subscribe()
		defer it.Close()

		publishN(t, q, event.NodeStarted, 5)
		q.Close()

		events := drainInto(ctx, it)
		if len(events) != 3 {
			t.Fatalf("expected buffer capped at 3, got %d", len(events))
		}
		// Indices 0 and 1 were dropped to admit 3 and 4.
		want := []int64{2, 3, 4}
		for i, ev := range events {
			if ev.Index != want[i] {
				t.Errorf("event %d: expected index %d, got %d", i, want[i], ev.Index)
			}
		}
	})

	t.Run("never drops terminal events", func(t *testing.T) {
		q := New(WithCapacity(2))
		it := q.Subscribe()
		defer it.Close()

		if _, err := q.Publish(event.Event{Type: event.FlowFailed}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		publishN(t, q, event.NodeStarted, 4)
		if _, err := q.Publish(event.Event{Type: event.FlowCompleted}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		q.Close()

		events := drainInto(ctx, it)
		var terminal int
		for _, ev := range events {
			if ev.Type.Terminal() {
				terminal++
			}
		}
		if terminal != 2 {
			t.Errorf("expected both terminal events to survive overflow, got %d of 2", terminal)
		}
	})

	t.Run("grows past capacity when only terminal events are buffered", func(t *testing.T) {
		q := New(WithCapacity(1))
		it := q.Subscribe()
		defer it.Close()

		if _, err := q.Publish(event.Event{Type: event.FlowFailed}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if _, err := q.Publish(event.Event{Type: event.FlowCompleted}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		q.Close()

		events := drainInto(ctx, it)
		if len(events) != 2 {
			t.Fatalf("expected both terminal events, got %d", len(events))
		}
	})

	t.Run("slow subscriber does not block publish", func(t *testing.T) {
		q := New(WithCapacity(2))
		it := q.Subscribe()
		defer it.Close()

		done := make(chan struct{})
		go func() {
			publishN(t, q, event.NodeStarted, 100)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("publisher blocked behind an idle subscriber")
		}
	})
}

func TestQueueClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("iterators drain then end", func(t *testing.T) {
		q := New()
		it := q.Subscribe()
		publishN(t, q, event.NodeStarted, 3)
		q.Close()

		events := drainInto(ctx, it)
		if len(events) != 3 {
			t.Errorf("expected buffered events to survive close, got %d", len(events))
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		q := New()
		q.Close()
		q.Close()
		if !q.Closed() {
			t.Error("expected closed queue")
		}
	})

	t.Run("onclose fires exactly once", func(t *testing.T) {
		q := New()
		var mu sync.Mutex
		calls := 0
		q.OnClose(func() {
			mu.Lock()
			calls++
			mu.Unlock()
		})

		q.Close()
		q.Close()

		mu.Lock()
		if calls != 1 {
			t.Errorf("expected 1 close callback, got %d", calls)
		}
		mu.Unlock()
	})

	t.Run("onclose after close fires immediately", func(t *testing.T) {
		q := New()
		q.Close()

		fired := false
		q.OnClose(func() { fired = true })
		if !fired {
			t.Error("expected immediate callback on a closed queue")
		}
	})

	t.Run("iterator close detaches from fan-out", func(t *testing.T) {
		q := New()
		it := q.Subscribe()
		it.Close()

		publishN(t, q, event.NodeStarted, 2)
		q.Close()

		if events := drainInto(ctx, it); len(events) != 0 {
			t.Errorf("closed iterator still received %d events", len(events))
		}
	})
}

func TestQueueConcurrentPublish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := New(WithCapacity(1000))
	it := q.Subscribe()
	defer it.Close()

	const publishers, perPublisher = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				if _, err := q.Publish(event.Event{Type: event.NodeStarted}); err != nil {
					t.Errorf("Publish failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	q.Close()

	events := drainInto(ctx, it)
	if len(events) != publishers*perPublisher {
		t.Fatalf("expected %d events, got %d", publishers*perPublisher, len(events))
	}
	for i, ev := range events {
		if ev.Index != int64(i) {
			t.Fatalf("event %d: expected index %d, got %d (out of order or gapped)", i, i, ev.Index)
		}
	}
}
