package docmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/go-logr/logr"

	"docsync/internal/crdt"
	"docsync/internal/docid"
	"docsync/internal/journal"
	"docsync/internal/store"
)

type fakeStore struct {
	*store.MemoryStore
	appendFn func(context.Context, docid.DocumentID, []store.Update) error
}

func (f *fakeStore) Append(ctx context.Context, id docid.DocumentID, updates []store.Update) error {
	if f.appendFn != nil {
		if err := f.appendFn(ctx, id, updates); err != nil {
			return err
		}
	}
	return f.MemoryStore.Append(ctx, id, updates)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Debounce = 10 * time.Millisecond
	opts.RetryInterval = time.Millisecond
	opts.StoreTimeout = time.Second
	opts.MaintenanceInterval = 0
	return opts
}

func newTestManager(t *testing.T, s updateStore, opts Options) *Manager {
	t.Helper()
	m := New(s, opts, logr.Discard())
	t.Cleanup(func() {
		_ = m.Close(context.Background())
	})
	return m
}

// edits returns one incremental update per key written by a fresh client.
func edits(t *testing.T, actor string, keys ...string) [][]byte {
	t.Helper()
	client := automerge.New()
	updates := make([][]byte, 0, len(keys))
	for _, key := range keys {
		if err := client.Path(key).Set(actor + ":" + key); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
		if _, err := client.Commit(key, automerge.CommitOptions{AllowEmpty: true}); err != nil {
			t.Fatalf("commit %s: %v", key, err)
		}
		updates = append(updates, client.SaveIncremental())
	}
	return updates
}

func reference(t *testing.T, updates ...[][]byte) *crdt.Doc {
	t.Helper()
	doc := crdt.New()
	for _, group := range updates {
		for _, update := range group {
			if err := doc.ApplyUpdate(update); err != nil {
				t.Fatalf("apply reference update: %v", err)
			}
		}
	}
	return doc
}

func assertSameState(t *testing.T, got, want *crdt.Doc) {
	t.Helper()
	if got == nil {
		t.Fatal("document is nil")
	}
	if !bytes.Equal(got.EncodeStateVector(), want.EncodeStateVector()) {
		t.Fatal("document state differs from reference")
	}
}

func TestBatchPushThenGetRebuildsDocument(t *testing.T) {
	mem := store.NewMemoryStore()
	m := newTestManager(t, mem, testOptions())
	ctx := context.Background()

	updates := edits(t, "a", "title", "body", "footer")
	if err := m.BatchPush(ctx, "ws1", "doc1", "conn-1", updates); err != nil {
		t.Fatalf("BatchPush() error = %v", err)
	}

	fragments, err := mem.ReadAll(ctx, docid.New("ws1", "doc1"))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(fragments) != 3 {
		t.Fatalf("expected 3 persisted fragments, got %d", len(fragments))
	}
	for _, fragment := range fragments {
		if fragment.Origin != "conn-1" {
			t.Fatalf("expected origin conn-1, got %q", fragment.Origin)
		}
	}

	doc, err := m.Get(ctx, "ws1", "doc1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	assertSameState(t, doc, reference(t, updates))
}

func TestGetUnknownDocumentReturnsNil(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore(), testOptions())
	doc, err := m.Get(context.Background(), "ws1", "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc != nil {
		t.Fatal("expected nil document for a guid without fragments")
	}
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore(), testOptions())
	ctx := context.Background()
	first := edits(t, "a", "title")
	if err := m.BatchPush(ctx, "ws1", "doc1", "", first); err != nil {
		t.Fatalf("BatchPush() error = %v", err)
	}
	copyA, err := m.Get(ctx, "ws1", "doc1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := copyA.ApplyUpdate(edits(t, "b", "local")[0]); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	copyB, err := m.Get(ctx, "ws1", "doc1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	assertSameState(t, copyB, reference(t, first))
}

func TestBatchPushRejectsInvalidDocument(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore(), testOptions())
	err := m.BatchPush(context.Background(), "", "doc", "", [][]byte{{1}})
	if !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
}

func TestBatchPushFlushesOnCountThreshold(t *testing.T) {
	opts := testOptions()
	opts.Debounce = time.Hour
	opts.MaxBatchUpdates = 2
	m := newTestManager(t, store.NewMemoryStore(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.BatchPush(ctx, "ws1", "doc1", "", edits(t, "a", "x", "y")); err != nil {
		t.Fatalf("BatchPush() error = %v", err)
	}
}

func TestBatchPushFlushesOnByteThreshold(t *testing.T) {
	opts := testOptions()
	opts.Debounce = time.Hour
	opts.MaxBatchBytes = 1
	m := newTestManager(t, store.NewMemoryStore(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.BatchPush(ctx, "ws1", "doc1", "", edits(t, "a", "x")); err != nil {
		t.Fatalf("BatchPush() error = %v", err)
	}
}

func TestBatchPushKeepsUpdatesWhenCallerGoesAway(t *testing.T) {
	opts := testOptions()
	opts.Debounce = 50 * time.Millisecond
	mem := store.NewMemoryStore()
	m := newTestManager(t, mem, opts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	updates := edits(t, "a", "title", "body")
	if err := m.BatchPush(ctx, "ws1", "doc1", "", updates); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	doc, err := m.Get(context.Background(), "ws1", "doc1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	assertSameState(t, doc, reference(t, updates))
}

func TestFlushRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	fake := &fakeStore{
		MemoryStore: store.NewMemoryStore(),
		appendFn: func(context.Context, docid.DocumentID, []store.Update) error {
			if attempts.Add(1) < 3 {
				return errors.New("connection reset")
			}
			return nil
		},
	}
	opts := testOptions()
	opts.FlushRetries = 5
	m := newTestManager(t, fake, opts)

	if err := m.BatchPush(context.Background(), "ws1", "doc1", "", edits(t, "a", "x")); err != nil {
		t.Fatalf("BatchPush() error = %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFlushFailsAfterBoundedRetries(t *testing.T) {
	var attempts atomic.Int32
	storeErr := errors.New("database unavailable")
	fake := &fakeStore{
		MemoryStore: store.NewMemoryStore(),
		appendFn: func(context.Context, docid.DocumentID, []store.Update) error {
			attempts.Add(1)
			return storeErr
		},
	}
	opts := testOptions()
	opts.FlushRetries = 4
	m := newTestManager(t, fake, opts)

	err := m.BatchPush(context.Background(), "ws1", "doc1", "", edits(t, "a", "x"))
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if got := attempts.Load(); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
}

func TestConcurrentPushesAreAllPersistedInCallerOrder(t *testing.T) {
	opts := testOptions()
	opts.MaxBatchUpdates = 5
	mem := store.NewMemoryStore()
	m := newTestManager(t, mem, opts)
	ctx := context.Background()

	const writers = 8
	perWriter := make([][][]byte, writers)
	for i := range perWriter {
		perWriter[i] = edits(t, string(rune('a'+i)), "k1", "k2", "k3")
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers*3)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(updates [][]byte) {
			defer wg.Done()
			for _, update := range updates {
				if err := m.BatchPush(ctx, "ws1", "doc1", "", [][]byte{update}); err != nil {
					errs <- err
				}
			}
		}(perWriter[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("BatchPush() error = %v", err)
	}

	fragments, err := mem.ReadAll(ctx, docid.New("ws1", "doc1"))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(fragments) != writers*3 {
		t.Fatalf("expected %d fragments, got %d", writers*3, len(fragments))
	}
	position := make(map[string]int, len(fragments))
	for i, fragment := range fragments {
		position[string(fragment.Data)] = i
	}
	for _, updates := range perWriter {
		for i := 1; i < len(updates); i++ {
			if position[string(updates[i-1])] > position[string(updates[i])] {
				t.Fatal("fragments of one writer were persisted out of order")
			}
		}
	}

	doc, err := m.Get(ctx, "ws1", "doc1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	assertSameState(t, doc, reference(t, perWriter...))
}

func TestCloseFlushesAndRejectsNewPushes(t *testing.T) {
	opts := testOptions()
	opts.Debounce = time.Hour
	mem := store.NewMemoryStore()
	m := New(mem, opts, logr.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = m.BatchPush(ctx, "ws1", "doc1", "", edits(t, "a", "x"))

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	count, err := mem.Count(context.Background(), docid.New("ws1", "doc1"))
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("expected buffered update to be flushed on close, got %d fragments", count)
	}
	if err := m.BatchPush(context.Background(), "ws1", "doc1", "", edits(t, "b", "y")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseRacingPushesLeavesNothingBehind(t *testing.T) {
	opts := testOptions()
	opts.Debounce = 5 * time.Millisecond
	mem := store.NewMemoryStore()
	m := New(mem, opts, logr.Discard())
	ctx := context.Background()

	const pushes = 64
	updates := edits(t, "a", "x")
	var accepted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, pushes)
	for i := 0; i < pushes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := m.BatchPush(ctx, "ws1", fmt.Sprintf("doc-%d", i), "", updates)
			switch {
			case err == nil:
				accepted.Add(1)
			case !errors.Is(err, ErrClosed):
				errs <- err
			}
		}(i)
	}
	close(start)
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	stored := func() int {
		total := 0
		for i := 0; i < pushes; i++ {
			n, err := mem.Count(ctx, docid.New("ws1", fmt.Sprintf("doc-%d", i)))
			if err != nil {
				t.Fatalf("Count() error = %v", err)
			}
			total += n
		}
		return total
	}
	atClose := stored()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("BatchPush() error = %v", err)
	}
	time.Sleep(10 * opts.Debounce)
	if got := stored(); got != atClose {
		t.Fatalf("store changed after Close returned: %d fragments at close, %d later", atClose, got)
	}
	if int64(atClose) != accepted.Load() {
		t.Fatalf("expected %d accepted pushes to be stored by Close, got %d", accepted.Load(), atClose)
	}
}

func TestRecoverReplaysJournaledUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open() error = %v", err)
	}
	defer j.Close()

	updates := edits(t, "a", "x", "y")
	id := docid.New("ws1", "doc1")
	if _, err := j.Append(id, []store.Update{{Data: updates[0]}, {Data: updates[1]}}); err != nil {
		t.Fatalf("journal.Append() error = %v", err)
	}

	mem := store.NewMemoryStore()
	opts := testOptions()
	opts.Journal = j
	m := newTestManager(t, mem, opts)

	recovered, err := m.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if recovered != 2 {
		t.Fatalf("expected 2 recovered updates, got %d", recovered)
	}
	pending, err := j.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected journal to be drained, got %d entries", len(pending))
	}
	doc, err := m.Get(context.Background(), "ws1", "doc1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	assertSameState(t, doc, reference(t, updates))
}

func TestBatchPushAcksJournalAfterFlush(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open() error = %v", err)
	}
	defer j.Close()

	opts := testOptions()
	opts.Journal = j
	m := newTestManager(t, store.NewMemoryStore(), opts)
	if err := m.BatchPush(context.Background(), "ws1", "doc1", "", edits(t, "a", "x")); err != nil {
		t.Fatalf("BatchPush() error = %v", err)
	}
	pending, err := j.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending journal entries, got %d", len(pending))
	}
}

func TestGetSeesUpdatesFromAnotherProcess(t *testing.T) {
	mem := store.NewMemoryStore()
	first := newTestManager(t, mem, testOptions())
	second := newTestManager(t, mem, testOptions())
	ctx := context.Background()

	early := edits(t, "a", "title")
	if err := first.BatchPush(ctx, "ws1", "doc1", "", early); err != nil {
		t.Fatalf("BatchPush() error = %v", err)
	}
	if _, err := first.Get(ctx, "ws1", "doc1"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	late := edits(t, "b", "body")
	if err := second.BatchPush(ctx, "ws1", "doc1", "", late); err != nil {
		t.Fatalf("BatchPush() error = %v", err)
	}
	doc, err := first.Get(ctx, "ws1", "doc1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	assertSameState(t, doc, reference(t, early, late))
}
