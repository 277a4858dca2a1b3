package memory

import (
	"context"
	"testing"
	"time"
)

func TestPopDue_OrderAndRemoval(t *testing.T) {
	ctx := context.Background()
	idx := New()
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	idx.Enqueue(ctx, "c", now.Add(-time.Second))
	idx.Enqueue(ctx, "a", now.Add(-3*time.Second))
	idx.Enqueue(ctx, "b", now.Add(-2*time.Second))
	idx.Enqueue(ctx, "future", now.Add(time.Hour))

	ids, err := idx.PopDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("PopDue: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	// Popped ids are gone; the future entry stays.
	again, _ := idx.PopDue(ctx, now, 10)
	if len(again) != 0 {
		t.Errorf("second PopDue returned %v, want empty", again)
	}
	if !idx.Contains("future") {
		t.Error("future entry was removed")
	}
}

func TestPopDue_Limit(t *testing.T) {
	ctx := context.Background()
	idx := New()
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	for _, id := range []string{"a", "b", "c", "d"} {
		idx.Enqueue(ctx, id, now.Add(-time.Second))
	}

	ids, _ := idx.PopDue(ctx, now, 2)
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}
	if idx.Len() != 2 {
		t.Errorf("index has %d entries left, want 2", idx.Len())
	}
}

func TestEnqueue_ReplacesExistingEntry(t *testing.T) {
	ctx := context.Background()
	idx := New()
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	idx.Enqueue(ctx, "m1", now.Add(-time.Second))
	idx.Enqueue(ctx, "m1", now.Add(time.Minute)) // reinsert with later due time

	if idx.Len() != 1 {
		t.Fatalf("index has %d entries, want 1 (no duplicates)", idx.Len())
	}

	ids, _ := idx.PopDue(ctx, now, 10)
	if len(ids) != 0 {
		t.Errorf("entry popped before its new due time: %v", ids)
	}

	ids, _ = idx.PopDue(ctx, now.Add(2*time.Minute), 10)
	if len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("got %v, want [m1]", ids)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	ctx := context.Background()
	idx := New()

	idx.Enqueue(ctx, "m1", time.Now())
	if err := idx.Remove(ctx, "m1"); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := idx.Remove(ctx, "m1"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("index not empty after remove")
	}
}
