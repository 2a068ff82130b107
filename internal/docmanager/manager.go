// Package docmanager owns durable document state. It batches update fragments
// per document before appending them to the update store, rebuilds documents
// from persisted fragments on demand, and compacts long fragment logs.
//
// Durability: BatchPush returns once the batch holding its fragments has been
// committed to the store. A batch waits at most Options.Debounce before it is
// written, so without a journal a crash loses at most that window of
// fragments that no caller has been told were accepted. With a journal the
// fragments are on local disk before they enter the buffer and are replayed by
// Recover on the next start.
package docmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"docsync/internal/crdt"
	"docsync/internal/docid"
	"docsync/internal/journal"
	"docsync/internal/metrics"
	"docsync/internal/store"
)

var (
	ErrClosed          = errors.New("doc manager closed")
	ErrInvalidDocument = errors.New("invalid document id")
	errEvicted         = errors.New("entry evicted")
)

type updateStore interface {
	Append(ctx context.Context, id docid.DocumentID, updates []store.Update) error
	ReadAll(ctx context.Context, id docid.DocumentID) ([]store.Fragment, error)
	ReadSince(ctx context.Context, id docid.DocumentID, afterSeq int64) ([]store.Fragment, error)
	Squash(ctx context.Context, id docid.DocumentID, throughSeq int64, snapshot []byte) error
	Count(ctx context.Context, id docid.DocumentID) (int, error)
}

type Options struct {
	// Debounce bounds how long a fragment may sit in a buffer before a flush.
	Debounce        time.Duration
	MaxBatchUpdates int
	MaxBatchBytes   int
	// FlushRetries is the total number of store attempts per flush.
	FlushRetries        int
	RetryInterval       time.Duration
	StoreTimeout        time.Duration
	IdleTTL             time.Duration
	CompactThreshold    int
	MaintenanceInterval time.Duration
	Journal             *journal.Journal
	Metrics             metrics.Sink
}

func DefaultOptions() Options {
	return Options{
		Debounce:            100 * time.Millisecond,
		MaxBatchUpdates:     64,
		MaxBatchBytes:       1 << 20,
		FlushRetries:        5,
		RetryInterval:       50 * time.Millisecond,
		StoreTimeout:        5 * time.Second,
		IdleTTL:             10 * time.Minute,
		CompactThreshold:    200,
		MaintenanceInterval: 30 * time.Second,
	}
}

type Manager struct {
	store   updateStore
	opts    Options
	log     logr.Logger
	metrics metrics.Sink

	mu      sync.Mutex
	entries map[docid.DocumentID]*entry
	loads   singleflight.Group

	closed    atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type pendingUpdate struct {
	update     store.Update
	journalKey uint64
	journaled  bool
}

type batch struct {
	updates []pendingUpdate
	bytes   int
	done    chan struct{}
	err     error
}

type entry struct {
	id docid.DocumentID

	// bufMu guards the open batch, its timer and the evicted flag.
	bufMu   sync.Mutex
	open    *batch
	timer   *time.Timer
	evicted bool

	// flushMu serialises flush, load and compaction of this document.
	flushMu sync.Mutex
	doc     *crdt.Doc
	// persisted is a lower bound on the fragments stored for this document.
	// It is exact once counted is set.
	persisted int
	counted   bool
	// lastSeq is the highest stored sequence folded into doc.
	lastSeq int64

	lastUsed atomic.Int64
}

func (e *entry) touch() {
	e.lastUsed.Store(time.Now().UnixNano())
}

func (e *entry) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastUsed.Load()))
}

func (e *entry) isEvicted() bool {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	return e.evicted
}

func New(s updateStore, opts Options, log logr.Logger) *Manager {
	defaults := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.MaxBatchUpdates <= 0 {
		opts.MaxBatchUpdates = defaults.MaxBatchUpdates
	}
	if opts.MaxBatchBytes <= 0 {
		opts.MaxBatchBytes = defaults.MaxBatchBytes
	}
	if opts.FlushRetries <= 0 {
		opts.FlushRetries = 1
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaults.RetryInterval
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaults.StoreTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Manager{
		store:   s,
		opts:    opts,
		log:     log.WithName("docmanager"),
		metrics: opts.Metrics,
		entries: make(map[docid.DocumentID]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs idle eviction and threshold compaction until Close.
func (m *Manager) Start() {
	go m.maintain()
}

func (m *Manager) entry(id docid.DocumentID) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{id: id}
		e.touch()
		m.entries[id] = e
	}
	return e
}

func (m *Manager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.opts.StoreTimeout)
}

// Get rebuilds the document from persisted fragments and returns a private
// copy. It returns nil when the store holds no fragments for the document.
func (m *Manager) Get(ctx context.Context, workspaceID, guid string) (*crdt.Doc, error) {
	id := docid.New(workspaceID, guid)
	if !id.Valid() {
		return nil, ErrInvalidDocument
	}
	for {
		e := m.entry(id)
		e.touch()
		doc, err := m.load(ctx, e)
		if errors.Is(err, errEvicted) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, nil
		}
		return doc.Clone()
	}
}

func (m *Manager) load(ctx context.Context, e *entry) (*crdt.Doc, error) {
	v, err, _ := m.loads.Do(e.id.String(), func() (any, error) {
		e.flushMu.Lock()
		defer e.flushMu.Unlock()
		if e.isEvicted() {
			return nil, errEvicted
		}
		loadCtx, cancel := m.storeContext(ctx)
		defer cancel()
		if e.doc != nil {
			if err := m.refresh(loadCtx, e); err != nil {
				return nil, err
			}
			return e.doc, nil
		}

		fragments, err := m.store.ReadAll(loadCtx, e.id)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.id, err)
		}
		e.persisted = len(fragments)
		e.counted = true
		if len(fragments) == 0 {
			return nil, nil
		}
		doc, err := rebuild(fragments)
		if err != nil {
			return nil, fmt.Errorf("rebuild %s: %w", e.id, err)
		}
		e.doc = doc
		e.lastSeq = fragments[len(fragments)-1].Seq
		m.metrics.Gauge(metrics.CachedDocs, nil, 1)
		m.log.V(1).Info("loaded document", "doc", e.id.String(), "fragments", len(fragments))
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	doc, _ := v.(*crdt.Doc)
	return doc, nil
}

// refresh folds fragments stored since the last load into the cached document.
// Other processes append to the same store, so the cache alone can be stale.
// Must be called with e.flushMu held.
func (m *Manager) refresh(ctx context.Context, e *entry) error {
	fragments, err := m.store.ReadSince(ctx, e.id, e.lastSeq)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", e.id, err)
	}
	for _, fragment := range fragments {
		if err := e.doc.ApplyUpdate(fragment.Data); err != nil {
			return fmt.Errorf("refresh %s: fragment %d: %w", e.id, fragment.Seq, err)
		}
		e.lastSeq = fragment.Seq
	}
	return nil
}

func rebuild(fragments []store.Fragment) (*crdt.Doc, error) {
	doc := crdt.New()
	for _, fragment := range fragments {
		if err := doc.ApplyUpdate(fragment.Data); err != nil {
			return nil, fmt.Errorf("fragment %d: %w", fragment.Seq, err)
		}
	}
	return doc, nil
}

// BatchPush buffers updates for the document and waits until they are
// committed to the store. Updates stay buffered and are still written when ctx
// ends first; only the wait is abandoned.
func (m *Manager) BatchPush(ctx context.Context, workspaceID, guid, origin string, updates [][]byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	id := docid.New(workspaceID, guid)
	if !id.Valid() {
		return ErrInvalidDocument
	}
	if len(updates) == 0 {
		return nil
	}

	pending := make([]pendingUpdate, len(updates))
	stored := make([]store.Update, len(updates))
	for i, data := range updates {
		stored[i] = store.Update{Data: data, Origin: origin}
		pending[i] = pendingUpdate{update: stored[i]}
	}
	if m.opts.Journal != nil {
		keys, err := m.opts.Journal.Append(id, stored)
		if err != nil {
			return fmt.Errorf("journal %s: %w", id, err)
		}
		for i, key := range keys {
			pending[i].journalKey = key
			pending[i].journaled = true
		}
	}

	b, err := m.enqueue(id, pending)
	if err != nil {
		m.forget(id, pending)
		return err
	}
	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forget drops journal records of updates that were rejected before buffering.
func (m *Manager) forget(id docid.DocumentID, pending []pendingUpdate) {
	if m.opts.Journal == nil {
		return
	}
	keys := make([]uint64, 0, len(pending))
	for _, p := range pending {
		if p.journaled {
			keys = append(keys, p.journalKey)
		}
	}
	if err := m.opts.Journal.Ack(keys); err != nil {
		m.log.Error(err, "journal ack of rejected updates failed", "doc", id.String())
	}
}

// enqueue adds pending to the open batch of the document. closed is checked
// under bufMu so a batch is either seen by the final Flush of Close or
// rejected.
func (m *Manager) enqueue(id docid.DocumentID, pending []pendingUpdate) (*batch, error) {
	for {
		e := m.entry(id)
		e.bufMu.Lock()
		if m.closed.Load() {
			e.bufMu.Unlock()
			return nil, ErrClosed
		}
		if e.evicted {
			e.bufMu.Unlock()
			continue
		}
		if e.open == nil {
			e.open = &batch{done: make(chan struct{})}
		}
		b := e.open
		b.updates = append(b.updates, pending...)
		for _, p := range pending {
			b.bytes += len(p.update.Data)
		}

		full := len(b.updates) >= m.opts.MaxBatchUpdates || b.bytes >= m.opts.MaxBatchBytes
		switch {
		case full:
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			go m.flush(e)
		case e.timer == nil:
			// The window starts with the first buffered fragment and is not
			// extended by later pushes.
			e.timer = time.AfterFunc(m.opts.Debounce, func() { m.flush(e) })
		}
		e.bufMu.Unlock()
		e.touch()
		return b, nil
	}
}

// flush writes whatever batch is open for e. Triggers that lose the race find
// no open batch and return.
func (m *Manager) flush(e *entry) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.bufMu.Lock()
	b := e.open
	e.open = nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.bufMu.Unlock()
	if b == nil {
		return
	}

	b.err = m.write(e, b)
	close(b.done)
}

// write must be called with e.flushMu held.
func (m *Manager) write(e *entry, b *batch) error {
	stop := m.metrics.Timer(metrics.FlushDuration, nil)
	defer stop()

	updates := make([]store.Update, len(b.updates))
	for i, p := range b.updates {
		updates[i] = p.update
	}

	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.StoreTimeout)
		defer cancel()
		return m.store.Append(ctx, e.id, updates)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.RetryInterval
	policy.MaxInterval = 20 * m.opts.RetryInterval
	policy.MaxElapsedTime = 0
	err := backoff.RetryNotify(op, backoff.WithMaxRetries(policy, uint64(m.opts.FlushRetries-1)), func(err error, wait time.Duration) {
		m.log.V(1).Info("flush attempt failed, retrying", "doc", e.id.String(), "attempt", attempt, "wait", wait, "err", err.Error())
	})
	if err != nil {
		m.metrics.Count(metrics.FlushTotal, metrics.Labels{"result": "error"})
		// Peers already received these fragments over the live broadcast.
		m.log.Error(err, "flush failed after retries; connected peers may hold updates the store does not",
			"doc", e.id.String(), "updates", len(updates), "attempts", attempt)
		return fmt.Errorf("persist %s: %w", e.id, err)
	}
	m.metrics.Count(metrics.FlushTotal, metrics.Labels{"result": "ok"})
	for range updates {
		m.metrics.Count(metrics.FlushedUpdates, nil)
	}
	e.persisted += len(updates)

	if e.doc != nil {
		for _, update := range updates {
			if err := e.doc.ApplyUpdate(update.Data); err != nil {
				m.log.Error(err, "cached document rejected a persisted update; dropping cache", "doc", e.id.String())
				e.doc = nil
				m.metrics.Gauge(metrics.CachedDocs, nil, -1)
				break
			}
		}
	}

	if m.opts.Journal != nil {
		keys := make([]uint64, 0, len(b.updates))
		for _, p := range b.updates {
			if p.journaled {
				keys = append(keys, p.journalKey)
			}
		}
		if err := m.opts.Journal.Ack(keys); err != nil {
			m.log.Error(err, "journal ack failed; updates will be replayed on restart", "doc", e.id.String())
		}
	}
	return nil
}

// Flush writes every open buffer and waits for the writes to finish,
// including writes already started by a size or debounce trigger.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var mu sync.Mutex
	var failures []error
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e.bufMu.Lock()
		b := e.open
		e.bufMu.Unlock()
		g.Go(func() error {
			// flush takes flushMu, so it also waits out an in-flight write.
			m.flush(e)
			if b == nil {
				return nil
			}
			select {
			case <-b.done:
			case <-gctx.Done():
				return gctx.Err()
			}
			if b.err != nil {
				mu.Lock()
				failures = append(failures, b.err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(failures...)
}

// Close stops maintenance and flushes all buffers. BatchPush fails afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.closed.Store(true)
	m.closeOnce.Do(func() {
		close(m.stop)
	})
	return m.Flush(ctx)
}

// Recover replays journaled fragments left behind by a previous process.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.opts.Journal == nil {
		return 0, nil
	}
	pending, err := m.opts.Journal.Pending()
	if err != nil {
		return 0, err
	}

	type group struct {
		updates []store.Update
		keys    []uint64
	}
	order := make([]docid.DocumentID, 0)
	groups := make(map[docid.DocumentID]*group)
	for _, p := range pending {
		g, ok := groups[p.DocID]
		if !ok {
			g = &group{}
			groups[p.DocID] = g
			order = append(order, p.DocID)
		}
		g.updates = append(g.updates, p.Update)
		g.keys = append(g.keys, p.Key)
	}

	recovered := 0
	for _, id := range order {
		g := groups[id]
		storeCtx, cancel := m.storeContext(ctx)
		err := m.store.Append(storeCtx, id, g.updates)
		cancel()
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", id, err)
		}
		if err := m.opts.Journal.Ack(g.keys); err != nil {
			return recovered, err
		}
		recovered += len(g.updates)
		m.log.Info("recovered journaled updates", "doc", id.String(), "updates", len(g.updates))
	}
	return recovered, nil
}
