package store

import (
	"context"
	"sync"
	"time"

	"docsync/internal/docid"
	"docsync/internal/rbac"
)

// MemoryStore keeps fragments and grants in process memory. It backs tests and
// single-node development runs without Postgres.
type MemoryStore struct {
	// OpenAccess grants Owner on every workspace to every user.
	OpenAccess bool

	mu         sync.RWMutex
	logs       map[docid.DocumentID]*memoryLog
	workspaces map[string]*memoryWorkspace
	seq        int64
}

type memoryLog struct {
	mu        sync.Mutex
	fragments []Fragment
}

type memoryWorkspace struct {
	public bool
	grants map[string]rbac.Level
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:       make(map[docid.DocumentID]*memoryLog),
		workspaces: make(map[string]*memoryWorkspace),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) log(id docid.DocumentID, create bool) *memoryLog {
	s.mu.RLock()
	entry, ok := s.logs[id]
	s.mu.RUnlock()
	if ok || !create {
		return entry
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok = s.logs[id]; !ok {
		entry = &memoryLog{}
		s.logs[id] = entry
	}
	return entry
}

func (s *MemoryStore) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *MemoryStore) Append(ctx context.Context, id docid.DocumentID, updates []Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	entry := s.log(id, true)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for _, update := range updates {
		entry.fragments = append(entry.fragments, Fragment{
			Seq:       s.nextSeq(),
			DocID:     id,
			Data:      append([]byte(nil), update.Data...),
			Origin:    update.Origin,
			CreatedAt: time.Now(),
		})
	}
	return nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, id docid.DocumentID) ([]Fragment, error) {
	return s.ReadSince(ctx, id, 0)
}

func (s *MemoryStore) ReadSince(ctx context.Context, id docid.DocumentID, afterSeq int64) ([]Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry := s.log(id, false)
	if entry == nil {
		return nil, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]Fragment, 0, len(entry.fragments))
	for _, fragment := range entry.fragments {
		if fragment.Seq > afterSeq {
			out = append(out, fragment)
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, id docid.DocumentID) (int, error) {
	fragments, err := s.ReadAll(ctx, id)
	return len(fragments), err
}

func (s *MemoryStore) Squash(ctx context.Context, id docid.DocumentID, throughSeq int64, snapshot []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := s.log(id, false)
	if entry == nil {
		return ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	kept := make([]Fragment, 0, len(entry.fragments))
	removed := 0
	for _, fragment := range entry.fragments {
		if fragment.Seq <= throughSeq {
			removed++
			continue
		}
		kept = append(kept, fragment)
	}
	if removed == 0 {
		return ErrNotFound
	}
	entry.fragments = append(kept, Fragment{
		Seq:       s.nextSeq(),
		DocID:     id,
		Data:      append([]byte(nil), snapshot...),
		Origin:    OriginCompaction,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemoryStore) CreateWorkspace(_ context.Context, workspaceID string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.workspaces[workspaceID]; ok {
		ws.public = public
		return nil
	}
	s.workspaces[workspaceID] = &memoryWorkspace{public: public, grants: make(map[string]rbac.Level)}
	return nil
}

func (s *MemoryStore) Grant(ctx context.Context, workspaceID, userID string, level rbac.Level) error {
	s.mu.Lock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		ws = &memoryWorkspace{grants: make(map[string]rbac.Level)}
		s.workspaces[workspaceID] = ws
	}
	ws.grants[userID] = level
	s.mu.Unlock()
	return ctx.Err()
}

func (s *MemoryStore) Check(ctx context.Context, workspaceID, userID string, min rbac.Level) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.OpenAccess {
		return true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return false, nil
	}
	return effectiveLevel(ws.public, userID, ws.grants[userID]).Allows(min), nil
}

func (s *MemoryStore) WorkspaceExists(ctx context.Context, workspaceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.OpenAccess {
		return true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workspaces[workspaceID]
	return ok, nil
}
