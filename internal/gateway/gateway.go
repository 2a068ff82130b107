// Package gateway runs the sync protocol for client connections: handshake
// into workspace rooms, live update fan-out, state reconciliation and awareness
// relay. Transport concerns live in server.go.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"docsync/internal/crdt"
	"docsync/internal/docid"
	"docsync/internal/metrics"
	"docsync/internal/rbac"
	"docsync/internal/registry"
)

type docManager interface {
	Get(ctx context.Context, workspaceID, guid string) (*crdt.Doc, error)
	BatchPush(ctx context.Context, workspaceID, guid, origin string, updates [][]byte) error
}

type permissionOracle interface {
	Check(ctx context.Context, workspaceID, userID string, min rbac.Level) (bool, error)
	WorkspaceExists(ctx context.Context, workspaceID string) (bool, error)
}

type roomRegistry interface {
	Connect(connID string, sink registry.Sink) error
	Join(ctx context.Context, connID, room string) error
	Leave(ctx context.Context, connID, room string) (bool, error)
	IsMember(connID, room string) bool
	Broadcast(ctx context.Context, room, except string, payload []byte) error
	Disconnect(ctx context.Context, connID string)
}

type Options struct {
	OracleTimeout  time.Duration
	HandlerTimeout time.Duration
	Metrics        metrics.Sink
}

// Session is the protocol state of one connection. It is owned by the
// connection's read loop and is not safe for concurrent use.
type Session struct {
	ID     string
	UserID string
	// writable records, per joined workspace, whether the Write check passed
	// at handshake.
	writable map[string]bool
}

func NewSession(userID string) *Session {
	return &Session{ID: uuid.NewString(), UserID: userID, writable: make(map[string]bool)}
}

type handlerFunc func(ctx context.Context, s *Session, data json.RawMessage) (any, error)

type Gateway struct {
	docs     docManager
	oracle   permissionOracle
	rooms    roomRegistry
	log      logr.Logger
	metrics  metrics.Sink
	opts     Options
	handlers map[string]handlerFunc
}

func New(docs docManager, oracle permissionOracle, rooms roomRegistry, opts Options, log logr.Logger) *Gateway {
	if opts.OracleTimeout <= 0 {
		opts.OracleTimeout = 3 * time.Second
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 15 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	g := &Gateway{
		docs:    docs,
		oracle:  oracle,
		rooms:   rooms,
		log:     log.WithName("gateway"),
		metrics: opts.Metrics,
		opts:    opts,
	}
	g.handlers = map[string]handlerFunc{
		EventHandshake:       g.handshake,
		EventLeave:           g.leave,
		EventPushUpdates:     g.pushUpdates,
		EventDocLoad:         g.loadDoc,
		EventAwarenessInit:   g.awarenessInit,
		EventAwarenessUpdate: g.awarenessUpdate,

		legacyHandshake:     g.handshake,
		legacyLeave:         g.leave,
		legacyPushUpdates:   g.pushUpdates,
		legacyAwarenessInit: g.awarenessInit,
	}
	return g
}

// Open registers the session with the room registry. Broadcasts for rooms the
// session joins are handed to sink.
func (g *Gateway) Open(s *Session, sink registry.Sink) error {
	if err := g.rooms.Connect(s.ID, sink); err != nil {
		return err
	}
	g.log.V(1).Info("connection opened", "conn", s.ID, "user", s.UserID)
	return nil
}

// Close removes the session from every room. Buffered updates it pushed are
// still flushed by the doc manager.
func (g *Gateway) Close(ctx context.Context, s *Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.HandlerTimeout)
	defer cancel()
	g.rooms.Disconnect(ctx, s.ID)
	g.log.V(1).Info("connection closed", "conn", s.ID)
}

// Dispatch runs one request to completion and never panics.
func (g *Gateway) Dispatch(ctx context.Context, s *Session, req Request) Reply {
	reply := Reply{ID: req.ID}
	handler, ok := g.handlers[req.Event]
	if !ok {
		reply.Error = unknownEvent(req.Event)
		return reply
	}

	labels := metrics.Labels{"event": req.Event}
	g.metrics.Count(metrics.SocketCounter, labels)
	stop := g.metrics.Timer(metrics.SocketTimer, labels)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, g.opts.HandlerTimeout)
	defer cancel()

	data, err := g.invoke(ctx, handler, s, req)
	if err != nil {
		reply.Error = g.toEventError(s, req.Event, err)
		g.metrics.Count(metrics.SocketErrors, metrics.Labels{"event": req.Event, "name": reply.Error.Name})
		return reply
	}
	reply.Data = data
	return reply
}

func (g *Gateway) invoke(ctx context.Context, handler handlerFunc, s *Session, req Request) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			g.log.Error(err, "recovered from handler panic", "event", req.Event, "conn", s.ID, "stack", string(debug.Stack()))
		}
	}()
	return handler(ctx, s, req.Data)
}

func (g *Gateway) toEventError(s *Session, event string, err error) *EventError {
	var evErr *EventError
	if errors.As(err, &evErr) {
		return evErr
	}
	retryable := errors.Is(err, context.DeadlineExceeded)
	g.log.Error(err, "event failed", "event", event, "conn", s.ID, "user", s.UserID, "retryable", retryable)
	return internalError(retryable)
}

func (g *Gateway) check(ctx context.Context, workspaceID, userID string, level rbac.Level) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.OracleTimeout)
	defer cancel()
	ok, err := g.oracle.Check(ctx, workspaceID, userID, level)
	if err != nil {
		return false, fmt.Errorf("permission check %s: %w", workspaceID, err)
	}
	return ok, nil
}

func (g *Gateway) push(ctx context.Context, room, except, event string, data any) error {
	payload, err := json.Marshal(Push{Event: event, Data: data})
	if err != nil {
		return err
	}
	return g.rooms.Broadcast(ctx, room, except, payload)
}

func (g *Gateway) handshake(ctx context.Context, s *Session, data json.RawMessage) (any, error) {
	workspaceID, evErr := decodeWorkspaceID(data)
	if evErr != nil {
		return nil, evErr
	}
	canRead, err := g.check(ctx, workspaceID, s.UserID, rbac.LevelRead)
	if err != nil {
		return nil, err
	}
	if !canRead {
		return nil, accessDenied(workspaceID)
	}
	canWrite, err := g.check(ctx, workspaceID, s.UserID, rbac.LevelWrite)
	if err != nil {
		return nil, err
	}
	if err := g.rooms.Join(ctx, s.ID, docid.WorkspaceRoom(workspaceID)); err != nil {
		return nil, fmt.Errorf("join %s: %w", workspaceID, err)
	}
	s.writable[workspaceID] = canWrite
	return clientIDReply{ClientID: s.ID}, nil
}

func (g *Gateway) leave(ctx context.Context, s *Session, data json.RawMessage) (any, error) {
	workspaceID, evErr := decodeWorkspaceID(data)
	if evErr != nil {
		return nil, evErr
	}
	if !g.rooms.IsMember(s.ID, docid.WorkspaceRoom(workspaceID)) {
		return nil, notInWorkspace(workspaceID)
	}
	delete(s.writable, workspaceID)
	if _, err := g.rooms.Leave(ctx, s.ID, docid.AwarenessRoom(workspaceID)); err != nil {
		return nil, fmt.Errorf("leave awareness %s: %w", workspaceID, err)
	}
	if _, err := g.rooms.Leave(ctx, s.ID, docid.WorkspaceRoom(workspaceID)); err != nil {
		return nil, fmt.Errorf("leave %s: %w", workspaceID, err)
	}
	return emptyReply{}, nil
}

func (g *Gateway) pushUpdates(ctx context.Context, s *Session, data json.RawMessage) (any, error) {
	var req pushUpdatesRequest
	if evErr := decodeObject(data, &req); evErr != nil {
		return nil, evErr
	}
	if req.WorkspaceID == "" {
		return nil, invalidPayload("workspaceId is required")
	}
	id := docid.New(req.WorkspaceID, req.GUID)
	if !g.rooms.IsMember(s.ID, docid.WorkspaceRoom(id.WorkspaceID)) {
		return nil, notInWorkspace(id.WorkspaceID)
	}
	if !s.writable[id.WorkspaceID] {
		return nil, accessDenied(id.WorkspaceID)
	}
	if len(req.Updates) == 0 {
		return acceptedReply{Accepted: true}, nil
	}
	blobs := make([][]byte, len(req.Updates))
	for i, update := range req.Updates {
		blob, err := base64.StdEncoding.DecodeString(update)
		if err != nil {
			return nil, invalidPayload(fmt.Sprintf("update %d is not valid base64", i))
		}
		blobs[i] = blob
	}

	// Peers get the fragments before they are durable.
	broadcastErr := g.push(ctx, docid.WorkspaceRoom(id.WorkspaceID), s.ID, EventServerUpdates, serverUpdates{
		WorkspaceID: id.WorkspaceID,
		GUID:        id.GUID,
		Updates:     req.Updates,
	})
	if broadcastErr != nil {
		g.log.Error(broadcastErr, "broadcasting updates failed", "doc", id.String(), "conn", s.ID)
	}

	if err := g.docs.BatchPush(ctx, id.WorkspaceID, id.GUID, s.ID, blobs); err != nil {
		return nil, fmt.Errorf("persist updates %s: %w", id, err)
	}
	if broadcastErr != nil {
		// Persisted but not relayed; a retry is harmless since fragments are idempotent.
		return nil, internalError(true)
	}
	return acceptedReply{Accepted: true}, nil
}

func (g *Gateway) loadDoc(ctx context.Context, s *Session, data json.RawMessage) (any, error) {
	var req docLoadRequest
	if evErr := decodeObject(data, &req); evErr != nil {
		return nil, evErr
	}
	if req.WorkspaceID == "" {
		return nil, invalidPayload("workspaceId is required")
	}
	id := docid.New(req.WorkspaceID, req.GUID)

	if !g.rooms.IsMember(s.ID, docid.WorkspaceRoom(id.WorkspaceID)) {
		canRead, err := g.check(ctx, id.WorkspaceID, s.UserID, rbac.LevelRead)
		if err != nil {
			return nil, err
		}
		if !canRead {
			return nil, accessDenied(id.WorkspaceID)
		}
	}

	var stateVector []byte
	if req.StateVector != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.StateVector)
		if err != nil {
			return nil, invalidPayload("stateVector is not valid base64")
		}
		stateVector = decoded
	}

	doc, err := g.docs.Get(ctx, id.WorkspaceID, id.GUID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	if doc == nil {
		if !id.IsWorkspace() {
			return nil, docNotFound(id.WorkspaceID, id.GUID)
		}
		ctx, cancel := context.WithTimeout(ctx, g.opts.OracleTimeout)
		defer cancel()
		exists, err := g.oracle.WorkspaceExists(ctx, id.WorkspaceID)
		if err != nil {
			return nil, fmt.Errorf("workspace lookup %s: %w", id.WorkspaceID, err)
		}
		if !exists {
			return nil, workspaceNotFound(id.WorkspaceID)
		}
		return nil, docNotFound(id.WorkspaceID, id.GUID)
	}

	missing, err := doc.EncodeStateAsUpdate(stateVector)
	if errors.Is(err, crdt.ErrInvalidStateVector) {
		return nil, invalidPayload("stateVector is malformed")
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", id, err)
	}
	return docLoadReply{
		Missing: base64.StdEncoding.EncodeToString(missing),
		State:   base64.StdEncoding.EncodeToString(doc.EncodeStateVector()),
	}, nil
}

func (g *Gateway) awarenessInit(ctx context.Context, s *Session, data json.RawMessage) (any, error) {
	workspaceID, evErr := decodeWorkspaceID(data)
	if evErr != nil {
		return nil, evErr
	}
	if !g.rooms.IsMember(s.ID, docid.WorkspaceRoom(workspaceID)) {
		return nil, notInWorkspace(workspaceID)
	}
	if err := g.rooms.Join(ctx, s.ID, docid.AwarenessRoom(workspaceID)); err != nil {
		return nil, fmt.Errorf("join awareness %s: %w", workspaceID, err)
	}
	notice := awarenessInitNotice{WorkspaceID: workspaceID, ClientID: s.ID}
	if err := g.push(ctx, docid.WorkspaceRoom(workspaceID), s.ID, EventNewAwarenessClient, notice); err != nil {
		return nil, fmt.Errorf("announce awareness %s: %w", workspaceID, err)
	}
	return clientIDReply{ClientID: s.ID}, nil
}

func (g *Gateway) awarenessUpdate(ctx context.Context, s *Session, data json.RawMessage) (any, error) {
	workspaceID, evErr := decodeWorkspaceID(data)
	if evErr != nil {
		return nil, evErr
	}
	if !g.rooms.IsMember(s.ID, docid.AwarenessRoom(workspaceID)) {
		return nil, notInWorkspace(workspaceID)
	}
	// The payload is relayed exactly as received.
	if err := g.push(ctx, docid.AwarenessRoom(workspaceID), s.ID, EventAwarenessBroadcast, data); err != nil {
		return nil, fmt.Errorf("relay awareness %s: %w", workspaceID, err)
	}
	return emptyReply{}, nil
}
