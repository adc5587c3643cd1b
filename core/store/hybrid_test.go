package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowgraph/flowcore/core/flow"
)

// fakeInstance is a minimal live-execution handle for hybrid store tests.
type fakeInstance struct {
	rec Record
}

func (f *fakeInstance) Record() Record { return f.rec }

func liveAt(id string, status Status, createdAt time.Time) *fakeInstance {
	return &fakeInstance{rec: Record{
		ID:        id,
		FlowID:    "flow-1",
		FlowName:  "Test",
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}}
}

func TestHybridGet(t *testing.T) {
	ctx := context.Background()
	h := NewHybrid[*fakeInstance](NewMemoryDurable(), 0)
	now := time.Now()

	t.Run("unknown id", func(t *testing.T) {
		if _, err := h.Get(ctx, "EXmissing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("live instance wins", func(t *testing.T) {
		inst := liveAt("EX1", StatusRunning, now)
		h.Put("EX1", inst)

		rec, err := h.Get(ctx, "EX1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.Status != StatusRunning {
			t.Errorf("expected running, got %s", rec.Status)
		}

		// A stale durable record must not shadow the live view.
		stale := inst.rec
		stale.Status = StatusCompleted
		if err := h.durable.Save(ctx, stale); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		rec, _ = h.Get(ctx, "EX1")
		if rec.Status != StatusRunning {
			t.Errorf("durable record shadowed the live instance: %s", rec.Status)
		}
	})

	t.Run("durable fallback after removal", func(t *testing.T) {
		inst := liveAt("EX2", StatusCompleted, now)
		h.Put("EX2", inst)
		if err := h.Persist(ctx, inst); err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
		h.Remove("EX2")

		if _, ok := h.Live("EX2"); ok {
			t.Fatal("expected instance removed from the registry")
		}
		rec, err := h.Get(ctx, "EX2")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.Status != StatusCompleted {
			t.Errorf("expected persisted record, got %s", rec.Status)
		}
	})
}

func TestHybridDelete(t *testing.T) {
	ctx := context.Background()
	h := NewHybrid[*fakeInstance](NewMemoryDurable(), 0)

	inst := liveAt("EX1", StatusCompleted, time.Now())
	h.Put("EX1", inst)
	if err := h.Persist(ctx, inst); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	if err := h.Delete(ctx, "EX1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := h.Live("EX1"); ok {
		t.Error("expected live instance gone")
	}
	if _, err := h.Get(ctx, "EX1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an unknown execution is a no-op for the memory backend.
	if err := h.Delete(ctx, "EXmissing"); err != nil {
		t.Errorf("expected nil deleting unknown id, got %v", err)
	}
}

func TestHybridList(t *testing.T) {
	ctx := context.Background()
	h := NewHybrid[*fakeInstance](NewMemoryDurable(), 0)
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	// Two durable-only records, one live-only, and one in both views.
	for i, id := range []string{"EX1", "EX2"} {
		inst := liveAt(id, StatusCompleted, base.Add(time.Duration(i)*time.Minute))
		if err := h.durable.Save(ctx, inst.rec); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	h.Put("EX3", liveAt("EX3", StatusRunning, base.Add(2*time.Minute)))

	overlap := liveAt("EX2", StatusRunning, base.Add(time.Minute))
	h.Put("EX2", overlap)

	records, err := h.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	// Newest first.
	want := []string{"EX3", "EX2", "EX1"}
	for i, rec := range records {
		if rec.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], rec.ID)
		}
	}

	// The live view wins for EX2.
	if records[1].Status != StatusRunning {
		t.Errorf("expected live status for EX2, got %s", records[1].Status)
	}

	t.Run("limit", func(t *testing.T) {
		records, err := h.List(ctx, 2)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(records) != 2 || records[0].ID != "EX3" {
			t.Errorf("expected the 2 newest records, got %v", records)
		}
	})
}

func TestHybridFlow(t *testing.T) {
	ctx := context.Background()
	h := NewHybrid[*fakeInstance](NewMemoryDurable(), 10)

	root := &flow.Flow{
		ID:    "flow-1",
		Name:  "Root",
		Nodes: []*flow.Node{{ID: "n1", Type: "set"}},
	}
	flowData, err := root.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	t.Run("record with its own flow", func(t *testing.T) {
		rec := Record{ID: "EX1", FlowID: "flow-1", FlowData: flowData}
		f, err := h.Flow(ctx, rec)
		if err != nil {
			t.Fatalf("Flow failed: %v", err)
		}
		if f.ID != "flow-1" || len(f.Nodes) != 1 {
			t.Errorf("unexpected flow: %+v", f)
		}
	})

	t.Run("child walks to the root", func(t *testing.T) {
		if err := h.durable.Save(ctx, Record{ID: "EXroot", FlowID: "flow-1", FlowData: flowData}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if err := h.durable.Save(ctx, Record{ID: "EXmid", FlowID: "flow-1", ParentID: "EXroot"}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		leaf := Record{ID: "EXleaf", FlowID: "flow-1", ParentID: "EXmid"}
		f, err := h.Flow(ctx, leaf)
		if err != nil {
			t.Fatalf("Flow failed: %v", err)
		}
		if len(f.Nodes) != 1 {
			t.Errorf("expected the root's flow definition, got %+v", f)
		}
	})

	t.Run("walk through a live parent", func(t *testing.T) {
		h.Put("EXlive", &fakeInstance{rec: Record{ID: "EXlive", FlowID: "flow-1", FlowData: flowData}})

		child := Record{ID: "EXchild", FlowID: "flow-1", ParentID: "EXlive"}
		f, err := h.Flow(ctx, child)
		if err != nil {
			t.Fatalf("Flow failed: %v", err)
		}
		if len(f.Nodes) != 1 {
			t.Errorf("expected the live parent's flow, got %+v", f)
		}
	})

	t.Run("orphan falls back to a shell", func(t *testing.T) {
		rec := Record{ID: "EXorphan", FlowID: "flow-9", FlowName: "Lost", ParentID: "EXgone"}
		f, err := h.Flow(ctx, rec)
		if err != nil {
			t.Fatalf("Flow failed: %v", err)
		}
		if f.ID != "flow-9" || f.Name != "Lost" || len(f.Nodes) != 0 {
			t.Errorf("expected a shell flow, got %+v", f)
		}
	})

	t.Run("cyclic parent links terminate", func(t *testing.T) {
		if err := h.durable.Save(ctx, Record{ID: "EXa", FlowID: "flow-1", ParentID: "EXb"}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if err := h.durable.Save(ctx, Record{ID: "EXb", FlowID: "flow-1", ParentID: "EXa"}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		rec, _ := h.durable.Get(ctx, "EXa")
		f, err := h.Flow(ctx, rec)
		if err != nil {
			t.Fatalf("Flow failed: %v", err)
		}
		if len(f.Nodes) != 0 {
			t.Errorf("expected a shell for a cyclic chain, got %+v", f)
		}
	})
}

func TestHybridLiveIDs(t *testing.T) {
	h := NewHybrid[*fakeInstance](NewMemoryDurable(), 0)
	now := time.Now()

	h.Put("EX1", liveAt("EX1", StatusRunning, now))
	h.Put("EX2", liveAt("EX2", StatusRunning, now))

	ids := h.LiveIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 live ids, got %d", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["EX1"] || !seen["EX2"] {
		t.Errorf("unexpected live ids: %v", ids)
	}
}
