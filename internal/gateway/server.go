package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"docsync/internal/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	ErrSlowConsumer = errors.New("outbound queue full")
	errConnClosed   = errors.New("connection closed")
)

type tokenVerifier interface {
	FromRequest(r *http.Request) (auth.Claims, error)
}

type ServerOptions struct {
	OutboundQueue   int
	MaxMessageBytes int64
	// AllowedOrigin is matched against the Origin header; "*" or empty accepts any.
	AllowedOrigin  string
	AllowAnonymous bool
}

// Server upgrades HTTP requests to websocket connections and runs the sync
// protocol on them.
type Server struct {
	gateway  *Gateway
	tokens   tokenVerifier
	opts     ServerOptions
	upgrader websocket.Upgrader
	log      logr.Logger
}

func NewServer(gw *Gateway, tokens tokenVerifier, opts ServerOptions, log logr.Logger) *Server {
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = 256
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 10 << 20
	}
	s := &Server{
		gateway: gw,
		tokens:  tokens,
		opts:    opts,
		log:     log.WithName("ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.opts.AllowedOrigin == "" || s.opts.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.opts.AllowedOrigin
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	claims, err := s.tokens.FromRequest(r)
	switch {
	case err == nil:
		return claims.Sub, nil
	case errors.Is(err, auth.ErrMissingToken) && s.opts.AllowAnonymous:
		return "", nil
	default:
		return "", err
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "UNAUTHORIZED", "error": "Sign in required"})
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.V(1).Info("websocket upgrade failed", "err", err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{
		server:  s,
		ws:      ws,
		session: NewSession(userID),
		out:     make(chan []byte, s.opts.OutboundQueue),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	c.serve(ctx)
}

type conn struct {
	server  *Server
	ws      *websocket.Conn
	session *Session
	out     chan []byte
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
}

// Send queues payload for the write loop. A full queue closes the connection
// rather than stalling the broadcaster.
func (c *conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.server.log.Info("closing slow connection", "conn", c.session.ID, "queue", cap(c.out))
		c.shutdown()
		return ErrSlowConsumer
	}
}

func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *conn) serve(ctx context.Context) {
	if err := c.server.gateway.Open(c.session, c); err != nil {
		c.server.log.Error(err, "registering connection failed")
		c.shutdown()
		_ = c.ws.Close()
		return
	}
	defer c.server.gateway.Close(ctx, c.session)

	go c.writeLoop()
	c.readLoop(ctx)
	c.shutdown()
}

// readLoop handles one message at a time so replies keep request order.
func (c *conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(c.server.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.V(1).Info("connection dropped", "conn", c.session.ID, "err", err.Error())
			}
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.reply(Reply{Error: invalidPayload("message is not valid JSON")})
			continue
		}
		c.reply(c.server.gateway.Dispatch(ctx, c.session, req))
	}
}

func (c *conn) reply(reply Reply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		c.server.log.Error(err, "encoding reply failed", "conn", c.session.ID, "id", reply.ID)
		payload, _ = json.Marshal(Reply{ID: reply.ID, Error: internalError(false)})
	}
	_ = c.Send(payload)
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case payload := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
