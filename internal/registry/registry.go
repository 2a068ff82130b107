// Package registry tracks which live connections belong to which rooms and fans
// room broadcasts out to them. Connections are local to one process; rooms span
// every process attached to the same Fabric.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/go-logr/logr"

	"docsync/internal/metrics"
)

var (
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrDuplicateConnection = errors.New("connection already registered")
)

// Sink receives broadcast payloads for one connection. Send must not block.
type Sink interface {
	Send(payload []byte) error
}

type SinkFunc func(payload []byte) error

func (f SinkFunc) Send(payload []byte) error { return f(payload) }

type envelope struct {
	Except  string `json:"except,omitempty"`
	Payload []byte `json:"payload"`
}

type connection struct {
	id   string
	sink Sink

	// mu serialises joins, leaves and teardown for this connection.
	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

type room struct {
	key string

	mu      sync.Mutex
	members map[string]Sink
	sub     Subscription
	dead    bool
}

type Registry struct {
	fabric  Fabric
	log     logr.Logger
	metrics metrics.Sink

	// mu guards the maps only; room state has its own lock.
	mu    sync.Mutex
	conns map[string]*connection
	rooms map[string]*room
}

func New(fabric Fabric, sink metrics.Sink, log logr.Logger) *Registry {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Registry{
		fabric:  fabric,
		log:     log.WithName("registry"),
		metrics: sink,
		conns:   make(map[string]*connection),
		rooms:   make(map[string]*room),
	}
}

func (r *Registry) Connect(connID string, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return ErrDuplicateConnection
	}
	r.conns[connID] = &connection{id: connID, sink: sink, rooms: make(map[string]struct{})}
	r.metrics.Gauge(metrics.SocketConnections, nil, 1)
	return nil
}

func (r *Registry) connection(connID string) (*connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return c, nil
}

func (r *Registry) roomFor(key string, create bool) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[key]
	if !ok && create {
		rm = &room{key: key, members: make(map[string]Sink)}
		r.rooms[key] = rm
	}
	return rm
}

func (r *Registry) dropRoom(rm *room) {
	r.mu.Lock()
	if r.rooms[rm.key] == rm {
		delete(r.rooms, rm.key)
	}
	r.mu.Unlock()
}

// Join adds the connection to the room. Joining a room twice is a no-op.
func (r *Registry) Join(ctx context.Context, connID, key string) error {
	c, err := r.connection(connID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrUnknownConnection
	}
	if _, ok := c.rooms[key]; ok {
		return nil
	}

	for {
		rm := r.roomFor(key, true)
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		if rm.sub == nil {
			sub, err := r.fabric.Subscribe(ctx, key, func(msg []byte) { r.deliver(rm, msg) })
			if err != nil {
				r.abandonIfEmpty(rm)
				rm.mu.Unlock()
				return err
			}
			rm.sub = sub
		}
		if err := r.fabric.AddMember(ctx, key, connID); err != nil {
			sub := r.abandonIfEmpty(rm)
			rm.mu.Unlock()
			if sub != nil {
				_ = sub.Close()
			}
			return err
		}
		rm.members[connID] = c.sink
		rm.mu.Unlock()

		c.rooms[key] = struct{}{}
		r.log.V(2).Info("joined room", "conn", connID, "room", key)
		return nil
	}
}

// abandonIfEmpty retires a room that has no local members. Caller holds rm.mu
// and closes the returned subscription after unlocking.
func (r *Registry) abandonIfEmpty(rm *room) Subscription {
	if len(rm.members) > 0 {
		return nil
	}
	rm.dead = true
	sub := rm.sub
	rm.sub = nil
	r.dropRoom(rm)
	return sub
}

// Leave removes the connection from the room and reports whether it was a
// member.
func (r *Registry) Leave(ctx context.Context, connID, key string) (bool, error) {
	c, err := r.connection(connID)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.leave(ctx, c, key)
}

// leave must be called with c.mu held.
func (r *Registry) leave(ctx context.Context, c *connection, key string) (bool, error) {
	if _, ok := c.rooms[key]; !ok {
		return false, nil
	}
	delete(c.rooms, key)

	var sub Subscription
	if rm := r.roomFor(key, false); rm != nil {
		rm.mu.Lock()
		delete(rm.members, c.id)
		sub = r.abandonIfEmpty(rm)
		rm.mu.Unlock()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			r.log.V(1).Info("closing room subscription failed", "room", key, "err", err.Error())
		}
	}
	if err := r.fabric.RemoveMember(ctx, key, c.id); err != nil {
		return true, err
	}
	r.log.V(2).Info("left room", "conn", c.id, "room", key)
	return true, nil
}

func (r *Registry) IsMember(connID, key string) bool {
	rm := r.roomFor(key, false)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.members[connID]
	return ok
}

// MembersOf lists the members of the room across every attached process.
func (r *Registry) MembersOf(ctx context.Context, key string) ([]string, error) {
	return r.fabric.Members(ctx, key)
}

// Broadcast sends payload to every member of the room except the connection
// named by except.
func (r *Registry) Broadcast(ctx context.Context, key, except string, payload []byte) error {
	msg, err := json.Marshal(envelope{Except: except, Payload: payload})
	if err != nil {
		return err
	}
	return r.fabric.Publish(ctx, key, msg)
}

func (r *Registry) deliver(rm *room, msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.log.Error(err, "dropping malformed room message", "room", rm.key)
		return
	}

	rm.mu.Lock()
	targets := make(map[string]Sink, len(rm.members))
	for id, sink := range rm.members {
		if id != env.Except {
			targets[id] = sink
		}
	}
	rm.mu.Unlock()

	for id, sink := range targets {
		if err := sink.Send(env.Payload); err != nil {
			r.metrics.Count(metrics.BroadcastDropped, nil)
			r.log.V(1).Info("broadcast not delivered", "room", rm.key, "conn", id, "err", err.Error())
		}
	}
}

// Disconnect removes the connection from every room it joined. Fabric errors
// are logged and teardown continues.
func (r *Registry) Disconnect(ctx context.Context, connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
		r.metrics.Gauge(metrics.SocketConnections, nil, -1)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	keys := make([]string, 0, len(c.rooms))
	for key := range c.rooms {
		keys = append(keys, key)
	}
	for _, key := range keys {
		if _, err := r.leave(ctx, c, key); err != nil {
			r.log.Error(err, "removing member from fabric failed", "conn", connID, "room", key)
		}
	}
}

func (r *Registry) Ping(ctx context.Context) error {
	return r.fabric.Ping(ctx)
}
