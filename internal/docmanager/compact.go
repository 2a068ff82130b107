package docmanager

import (
	"context"
	"fmt"
	"time"

	"docsync/internal/docid"
	"docsync/internal/metrics"
)

type CompactResult struct {
	Before int `json:"before"`
	After  int `json:"after"`
}

// Compact replaces the persisted fragments of a document with one snapshot
// fragment. Fragments appended by other processes after the read are kept.
func (m *Manager) Compact(ctx context.Context, workspaceID, guid string) (CompactResult, error) {
	id := docid.New(workspaceID, guid)
	if !id.Valid() {
		return CompactResult{}, ErrInvalidDocument
	}
	e := m.entry(id)
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	fragments, err := m.store.ReadAll(storeCtx, id)
	if err != nil {
		return CompactResult{}, fmt.Errorf("read %s: %w", id, err)
	}
	result := CompactResult{Before: len(fragments), After: len(fragments)}
	e.counted = true
	if len(fragments) < 2 {
		e.persisted = len(fragments)
		return result, nil
	}

	doc, err := rebuild(fragments)
	if err != nil {
		return result, fmt.Errorf("rebuild %s: %w", id, err)
	}
	through := fragments[len(fragments)-1].Seq
	if err := m.store.Squash(storeCtx, id, through, doc.Snapshot()); err != nil {
		m.metrics.Count(metrics.CompactionTotal, metrics.Labels{"result": "error"})
		return result, fmt.Errorf("squash %s: %w", id, err)
	}

	if e.doc == nil && !e.isEvicted() {
		m.metrics.Gauge(metrics.CachedDocs, nil, 1)
	}
	if !e.isEvicted() {
		e.doc = doc
		e.lastSeq = through
	}
	e.persisted = 1
	result.After = 1
	m.metrics.Count(metrics.CompactionTotal, metrics.Labels{"result": "ok"})
	m.log.Info("compacted document", "doc", id.String(), "before", result.Before, "through", through)
	return result, nil
}

func (m *Manager) maintain() {
	defer close(m.done)
	interval := m.opts.MaintenanceInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep compacts documents over the fragment threshold and evicts idle ones.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if m.opts.CompactThreshold > 0 && m.persistedCount(e) >= m.opts.CompactThreshold {
			if _, err := m.Compact(context.Background(), e.id.WorkspaceID, e.id.GUID); err != nil {
				m.log.Error(err, "threshold compaction failed", "doc", e.id.String())
			}
		}
		if m.opts.IdleTTL > 0 && e.idleFor(now) > m.opts.IdleTTL {
			m.evict(e)
		}
	}
}

// persistedCount asks the store once per entry, so fragments written before a
// restart or by other processes count towards the threshold.
func (m *Manager) persistedCount(e *entry) int {
	if !e.flushMu.TryLock() {
		return 0
	}
	defer e.flushMu.Unlock()
	if !e.counted {
		ctx, cancel := m.storeContext(context.Background())
		defer cancel()
		n, err := m.store.Count(ctx, e.id)
		if err != nil {
			m.log.Error(err, "counting fragments failed", "doc", e.id.String())
			return e.persisted
		}
		e.persisted = n
		e.counted = true
	}
	return e.persisted
}

// evict drops an idle entry unless it has buffered updates or work in flight.
func (m *Manager) evict(e *entry) bool {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	if e.open != nil || e.evicted {
		return false
	}
	if !e.flushMu.TryLock() {
		return false
	}
	e.evicted = true
	if e.doc != nil {
		e.doc = nil
		m.metrics.Gauge(metrics.CachedDocs, nil, -1)
	}
	e.flushMu.Unlock()

	m.mu.Lock()
	if m.entries[e.id] == e {
		delete(m.entries, e.id)
	}
	m.mu.Unlock()
	m.log.V(1).Info("evicted idle document", "doc", e.id.String())
	return true
}
