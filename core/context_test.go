package core

import (
	"sync"
	"testing"
)

func TestExecutionContextEmit(t *testing.T) {
	ec := newExecutionContext("EX1", "flow-1", nil, nil, false)

	first := ec.Emit("order.created", map[string]any{"id": 1}, "node-a")
	second := ec.Emit("order.shipped", nil, "node-b")

	if first.ID == "" || first.ID == second.ID {
		t.Errorf("expected distinct event ids, got %q and %q", first.ID, second.ID)
	}
	if first.Processed || second.Processed {
		t.Error("new emissions must start unprocessed")
	}

	events := ec.EmittedEvents()
	if len(events) != 2 || events[0].Type != "order.created" || events[1].Type != "order.shipped" {
		t.Fatalf("emission order lost: %+v", events)
	}
}

func TestExecutionContextTakeUnprocessed(t *testing.T) {
	ec := newExecutionContext("EX1", "flow-1", nil, nil, false)
	ec.Emit("a", nil, "n1")
	ec.Emit("b", nil, "n1")

	if !ec.hasUnprocessed() {
		t.Fatal("expected unprocessed emissions")
	}

	taken := ec.takeUnprocessed()
	if len(taken) != 2 || taken[0].Type != "a" {
		t.Fatalf("expected both emissions in order, got %+v", taken)
	}
	if ec.hasUnprocessed() {
		t.Error("expected nothing left after take")
	}
	if len(ec.takeUnprocessed()) != 0 {
		t.Error("second take must be empty")
	}

	// New emissions after a take are picked up by the next one.
	ec.Emit("c", nil, "n2")
	taken = ec.takeUnprocessed()
	if len(taken) != 1 || taken[0].Type != "c" {
		t.Errorf("expected only the new emission, got %+v", taken)
	}
}

func TestExecutionContextTakeIsExclusive(t *testing.T) {
	ec := newExecutionContext("EX1", "flow-1", nil, nil, false)
	for i := 0; i < 100; i++ {
		ec.Emit("e", nil, "n")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := len(ec.takeUnprocessed())
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 100 {
		t.Errorf("expected each emission taken exactly once, got %d", total)
	}
}

func TestExecutionContextCancel(t *testing.T) {
	ec := newExecutionContext("EX1", "flow-1", nil, nil, false)

	select {
	case <-ec.Context().Done():
		t.Fatal("context cancelled prematurely")
	default:
	}

	ec.Cancel()
	select {
	case <-ec.Context().Done():
	default:
		t.Error("expected context cancelled")
	}
}
