package registry

import (
	"context"
	"sort"
	"sync"
)

// Fabric carries room broadcasts and room membership between processes.
// Handlers passed to Subscribe receive every message published to the room,
// including messages published by the subscribing process.
type Fabric interface {
	Publish(ctx context.Context, room string, msg []byte) error
	Subscribe(ctx context.Context, room string, handler func([]byte)) (Subscription, error)
	AddMember(ctx context.Context, room, connID string) error
	RemoveMember(ctx context.Context, room, connID string) error
	Members(ctx context.Context, room string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

type Subscription interface {
	Close() error
}

// MemoryFabric is an in-process Fabric. Registries sharing one MemoryFabric
// behave like separate processes sharing a broker.
type MemoryFabric struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[string]map[int]func([]byte)
	members map[string]map[string]struct{}
}

func NewMemoryFabric() *MemoryFabric {
	return &MemoryFabric{
		subs:    make(map[string]map[int]func([]byte)),
		members: make(map[string]map[string]struct{}),
	}
}

// Publish delivers synchronously, so messages from one publisher arrive in
// publish order.
func (f *MemoryFabric) Publish(ctx context.Context, room string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.RLock()
	handlers := make([]func([]byte), 0, len(f.subs[room]))
	for _, handler := range f.subs[room] {
		handlers = append(handlers, handler)
	}
	f.mu.RUnlock()
	for _, handler := range handlers {
		handler(msg)
	}
	return nil
}

func (f *MemoryFabric) Subscribe(ctx context.Context, room string, handler func([]byte)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.subs[room] == nil {
		f.subs[room] = make(map[int]func([]byte))
	}
	f.subs[room][id] = handler
	return &memorySubscription{fabric: f, room: room, id: id}, nil
}

func (f *MemoryFabric) AddMember(ctx context.Context, room, connID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[room] == nil {
		f.members[room] = make(map[string]struct{})
	}
	f.members[room][connID] = struct{}{}
	return nil
}

func (f *MemoryFabric) RemoveMember(ctx context.Context, room, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[room], connID)
	if len(f.members[room]) == 0 {
		delete(f.members, room)
	}
	return nil
}

func (f *MemoryFabric) Members(ctx context.Context, room string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.members[room]))
	for id := range f.members[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (f *MemoryFabric) Ping(context.Context) error { return nil }

func (f *MemoryFabric) Close() error { return nil }

type memorySubscription struct {
	fabric *MemoryFabric
	room   string
	id     int
	once   sync.Once
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.fabric.mu.Lock()
		defer s.fabric.mu.Unlock()
		delete(s.fabric.subs[s.room], s.id)
		if len(s.fabric.subs[s.room]) == 0 {
			delete(s.fabric.subs, s.room)
		}
	})
	return nil
}
