package docmanager

import (
	"context"
	"testing"
	"time"

	"docsync/internal/docid"
	"docsync/internal/store"
)

func TestCompactSquashesFragments(t *testing.T) {
	opts := testOptions()
	opts.MaxBatchUpdates = 1
	mem := store.NewMemoryStore()
	m := newTestManager(t, mem, opts)
	ctx := context.Background()

	updates := edits(t, "a", "a", "b", "c", "d", "e")
	for _, update := range updates {
		if err := m.BatchPush(ctx, "ws1", "doc1", "", [][]byte{update}); err != nil {
			t.Fatalf("BatchPush() error = %v", err)
		}
	}

	result, err := m.Compact(ctx, "ws1", "doc1")
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if result.Before != 5 || result.After != 1 {
		t.Fatalf("unexpected compaction result %+v", result)
	}
	fragments, err := mem.ReadAll(ctx, docid.New("ws1", "doc1"))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(fragments) != 1 || fragments[0].Origin != store.OriginCompaction {
		t.Fatalf("expected one compaction fragment, got %+v", fragments)
	}

	doc, err := m.Get(ctx, "ws1", "doc1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	assertSameState(t, doc, reference(t, updates))
}

func TestCompactSingleFragmentIsNoop(t *testing.T) {
	mem := store.NewMemoryStore()
	m := newTestManager(t, mem, testOptions())
	ctx := context.Background()
	if err := m.BatchPush(ctx, "ws1", "doc1", "", edits(t, "a", "x")); err != nil {
		t.Fatalf("BatchPush() error = %v", err)
	}
	result, err := m.Compact(ctx, "ws1", "doc1")
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if result.Before != 1 || result.After != 1 {
		t.Fatalf("unexpected compaction result %+v", result)
	}
}

func TestSweepCompactsOverThreshold(t *testing.T) {
	opts := testOptions()
	opts.MaxBatchUpdates = 1
	opts.CompactThreshold = 3
	opts.IdleTTL = time.Hour
	mem := store.NewMemoryStore()
	m := newTestManager(t, mem, opts)
	ctx := context.Background()

	for _, update := range edits(t, "a", "x", "y", "z") {
		if err := m.BatchPush(ctx, "ws1", "doc1", "", [][]byte{update}); err != nil {
			t.Fatalf("BatchPush() error = %v", err)
		}
	}
	m.sweep(time.Now())

	count, err := mem.Count(ctx, docid.New("ws1", "doc1"))
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("expected sweep to compact to 1 fragment, got %d", count)
	}
}

func TestSweepCountsFragmentsStoredEarlier(t *testing.T) {
	opts := testOptions()
	opts.CompactThreshold = 3
	opts.IdleTTL = time.Hour
	mem := store.NewMemoryStore()
	ctx := context.Background()
	id := docid.New("ws1", "doc1")

	earlier := edits(t, "a", "x", "y")
	if err := mem.Append(ctx, id, []store.Update{{Data: earlier[0]}, {Data: earlier[1]}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	m := newTestManager(t, mem, opts)
	later := edits(t, "b", "z")
	if err := m.BatchPush(ctx, "ws1", "doc1", "", later); err != nil {
		t.Fatalf("BatchPush() error = %v", err)
	}
	m.sweep(time.Now())

	count, err := mem.Count(ctx, id)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("expected fragments from before start to trigger compaction, got %d fragments", count)
	}
	doc, err := m.Get(ctx, "ws1", "doc1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	assertSameState(t, doc, reference(t, earlier[:2], later))
}

func TestSweepEvictsIdleDocuments(t *testing.T) {
	opts := testOptions()
	opts.IdleTTL = time.Minute
	m := newTestManager(t, store.NewMemoryStore(), opts)
	ctx := context.Background()

	updates := edits(t, "a", "x")
	if err := m.BatchPush(ctx, "ws1", "doc1", "", updates); err != nil {
		t.Fatalf("BatchPush() error = %v", err)
	}
	if _, err := m.Get(ctx, "ws1", "doc1"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := cachedDocs(m); got != 1 {
		t.Fatalf("expected 1 cached document, got %d", got)
	}

	m.sweep(time.Now().Add(2 * time.Minute))
	if got := cachedDocs(m); got != 0 {
		t.Fatalf("expected idle document to be evicted, got %d cached", got)
	}

	doc, err := m.Get(ctx, "ws1", "doc1")
	if err != nil {
		t.Fatalf("Get() after eviction error = %v", err)
	}
	assertSameState(t, doc, reference(t, updates))
}

func cachedDocs(m *Manager) int {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	n := 0
	for _, e := range entries {
		e.flushMu.Lock()
		if e.doc != nil {
			n++
		}
		e.flushMu.Unlock()
	}
	return n
}
