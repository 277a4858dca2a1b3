// Package memory implements the due-time index in process memory.
//
// It backs single-instance deployments and tests; the contract is identical
// to the Redis implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Index struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func New() *Index {
	return &Index{entries: make(map[string]time.Time)}
}

// Enqueue registers id at dueAt, replacing any prior entry for the same id.
func (i *Index) Enqueue(ctx context.Context, id string, dueAt time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[id] = dueAt
	return nil
}

// PopDue atomically removes and returns up to limit ids with due time <= now,
// in ascending due-time order.
func (i *Index) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	ids := i.dueLocked(now, limit)
	for _, id := range ids {
		delete(i.entries, id)
	}
	return ids, nil
}

func (i *Index) dueLocked(now time.Time, limit int) []string {
	var ids []string
	for id, dueAt := range i.entries {
		if !dueAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(a, b int) bool {
		ta, tb := i.entries[ids[a]], i.entries[ids[b]]
		if ta.Equal(tb) {
			return ids[a] < ids[b]
		}
		return ta.Before(tb)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// Remove deletes id from the index. Removing an absent id is a no-op.
func (i *Index) Remove(ctx context.Context, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, id)
	return nil
}

// Ping always succeeds; the index lives in process memory.
func (i *Index) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of entries. Test helper.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}

// Contains reports whether id is present. Test helper.
func (i *Index) Contains(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.entries[id]
	return ok
}
