// Package server is the per-connection protocol handler: it accepts
// WebSocket connections, drives the session registry, the process
// controller, and the stream drainer, and owns the heartbeat/reconnection
// logic that keeps sessions usable over unreliable networks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"cmdbridge/internal/advisor"
	"cmdbridge/internal/config"
	"cmdbridge/internal/protocol"
	"cmdbridge/internal/registry"
	"cmdbridge/internal/watch"
)

const (
	writeDeadline = 10 * time.Second
	minSendBuffer = 256
	sweepInterval = 30 * time.Second
)

var capabilities = []string{"execute", "control", "reconnect"}

// Server routes messages between WebSocket clients, the session registry,
// and running processes.
type Server struct {
	cfg     config.Config
	reg     *registry.Registry
	advisor advisor.TimeoutAdvisor
	sampler advisor.ResourceSampler
	hook    advisor.Hook
	watch   *watch.Watcher
	log     *slog.Logger

	upgrader websocket.Upgrader
}

// Option overrides a collaborator on construction.
type Option func(*Server)

// WithAdvisor replaces the default timeout advisor.
func WithAdvisor(a advisor.TimeoutAdvisor) Option {
	return func(s *Server) { s.advisor = a }
}

// WithSampler replaces the default resource sampler.
func WithSampler(rs advisor.ResourceSampler) Option {
	return func(s *Server) { s.sampler = rs }
}

// WithHook installs the best-effort execution hook.
func WithHook(h advisor.Hook) Option {
	return func(s *Server) { s.hook = h }
}

// New creates a server with the given configuration.
func New(cfg config.Config, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		reg:     registry.New(cfg.MaxSessions, cfg.QueueCapacity, cfg.ReconnectTokenTTL.Std()),
		advisor: advisor.HeuristicAdvisor{Base: cfg.DefaultExecTimeout.Std()},
		sampler: advisor.LoadavgSampler{},
		hook:    advisor.NopHook{},
		log:     log,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.AcceptTimeout.Std(),
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.watch = watch.New(s.onActivity, log)
	return s
}

// Registry exposes the session table for the status endpoints and tests.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Read-only status endpoints.
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// Start launches the idle-session sweeper. It returns immediately; the
// sweeper stops when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.reg.EvictIdle(s.cfg.SessionIdleTimeout.Std()); n > 0 {
					s.log.Info("evicted idle sessions", "count", n)
				}
			}
		}
	}()
}

// Shutdown stops the watcher. In-flight executions are reaped by their own
// deferred cleanup paths.
func (s *Server) Shutdown() {
	s.watch.Shutdown()
}

// client is one WebSocket connection. It implements registry.Conn: Send is
// non-blocking so a slow client degrades into the session's bounded queue
// instead of stalling the server.
type client struct {
	srv  *Server
	conn *websocket.Conn
	sess *registry.Session

	send       chan *protocol.Message
	stopped    chan struct{}
	writerDone chan struct{}

	// unsent is the message the write pump pulled but could not put on the
	// wire. Written by writePump before writerDone closes, read only after.
	unsent *protocol.Message
}

// sendBufferSize must absorb a full backlog replay in one burst: Redeem
// pushes every queued message through the non-blocking Send before the write
// pump starts draining.
func (s *Server) sendBufferSize() int {
	if n := s.cfg.QueueCapacity + 16; n > minSendBuffer {
		return n
	}
	return minSendBuffer
}

// Send hands a message to the write pump without blocking. False means the
// buffer was full or the pump has stopped; the registry queues the message.
func (c *client) Send(msg *protocol.Message) bool {
	select {
	case <-c.stopped:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close tears the connection down. Implements registry.Conn for eviction.
func (c *client) Close() error {
	return c.conn.Close()
}

// handleWebSocket upgrades the connection and runs the hello handshake: the
// first client message must be session.hello, within the accept timeout.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		srv:        s,
		conn:       conn,
		send:       make(chan *protocol.Message, s.sendBufferSize()),
		stopped:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	hello, err := c.readHello()
	if err != nil {
		c.rejectAndClose(protocol.ErrInvalidMessage, err.Error())
		return
	}

	if hello.SessionID != "" {
		if !s.resumeSession(c, hello) {
			return
		}
	} else {
		if !s.freshSession(c) {
			return
		}
	}

	go c.writePump()
	c.readPump()
}

// readHello waits (bounded) for the mandatory first message.
func (c *client) readHello() (*protocol.HelloPayload, error) {
	deadline := c.srv.cfg.AcceptTimeout.Std()
	c.conn.SetReadDeadline(time.Now().Add(deadline))

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errors.New("no hello received within accept timeout")
	}
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.TypeHello {
		return nil, errors.New("first message must be session.hello")
	}
	var p protocol.HelloPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// freshSession registers a new session. A full registry is unrecoverable
// for this connection: the error is sent and the connection closed.
func (s *Server) freshSession(c *client) bool {
	sess, err := s.reg.Register(c)
	if err != nil {
		c.rejectAndClose(protocol.ErrCapacityExceeded, err.Error())
		return false
	}
	c.sess = sess

	token, _ := s.reg.Token(sess.ID)
	welcome, _ := protocol.NewMessage(protocol.TypeWelcome, protocol.WelcomePayload{
		SessionID:        sess.ID,
		ReconnectToken:   token,
		Capabilities:     capabilities,
		HeartbeatSeconds: int(s.cfg.HeartbeatInterval.Std().Seconds()),
	})
	c.Send(welcome)

	s.log.Info("session registered", "session_id", sess.ID)
	return true
}

// resumeSession redeems a reconnect token. The registry sends the welcome
// and replays the queued backlog atomically before any live traffic.
func (s *Server) resumeSession(c *client, hello *protocol.HelloPayload) bool {
	sess, err := s.reg.Redeem(hello.SessionID, hello.ReconnectToken, c,
		func(sessionID, newToken string) *protocol.Message {
			welcome, _ := protocol.NewMessage(protocol.TypeWelcome, protocol.WelcomePayload{
				SessionID:        sessionID,
				ReconnectToken:   newToken,
				Resumed:          true,
				Capabilities:     capabilities,
				HeartbeatSeconds: int(s.cfg.HeartbeatInterval.Std().Seconds()),
			})
			return welcome
		})
	if err != nil {
		code := protocol.ErrTokenInvalid
		if errors.Is(err, registry.ErrTokenExpired) {
			code = protocol.ErrTokenExpired
		}
		c.rejectAndClose(code, err.Error())
		return false
	}
	c.sess = sess
	s.log.Info("session resumed", "session_id", sess.ID)
	return true
}

// rejectAndClose writes one error message straight to the socket (the write
// pump isn't running yet) and closes.
func (c *client) rejectAndClose(code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = c.conn.WriteJSON(msg)
	_ = c.conn.Close()
}

// readPump reads client messages until the connection dies. Control
// requests are dispatched inline, so per-session ordering is strict FIFO by
// construction.
func (c *client) readPump() {
	graceful := false
	defer func() {
		close(c.stopped)
		c.conn.Close()
		// Wait for the write pump, then rescue everything Send accepted but
		// the wire never carried: those messages predate anything queued
		// after the stop, so they go to the front of the session queue.
		<-c.writerDone
		if msgs := c.stranded(); len(msgs) > 0 {
			_ = c.srv.reg.Requeue(c.sess.ID, msgs)
		}
		c.srv.connectionLost(c.sess.ID, graceful)
	}()

	idleLimit := c.srv.cfg.HeartbeatInterval.Std() * time.Duration(c.srv.cfg.HeartbeatMultiplier)
	c.conn.SetReadDeadline(time.Now().Add(idleLimit))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(idleLimit))
		c.srv.reg.Touch(c.sess.ID)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				graceful = true
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(idleLimit))
		c.srv.reg.Touch(c.sess.ID)

		msg, err := protocol.ValidateClientMessage(raw)
		if err != nil {
			c.sendError(protocol.ErrInvalidMessage, err.Error())
			continue
		}

		switch msg.Type {
		case protocol.TypeHello:
			c.sendError(protocol.ErrInvalidMessage, "hello is only valid as the first message")
		case protocol.TypeExecute:
			c.srv.handleExecute(c, msg)
		case protocol.TypeControl:
			c.srv.handleControl(c, msg)
		}
	}
}

// writePump serializes all socket writes and drives the heartbeat ping.
func (c *client) writePump() {
	ticker := time.NewTicker(c.srv.cfg.HeartbeatInterval.Std())
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case <-c.stopped:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.unsent = msg
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// stranded collects the messages Send accepted but the write pump never put
// on the wire: the one whose write failed plus whatever is still buffered.
// Only called after writerDone; order is the order Send accepted them.
func (c *client) stranded() []*protocol.Message {
	var msgs []*protocol.Message
	if c.unsent != nil {
		msgs = append(msgs, c.unsent)
	}
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// connectionLost decides the session's fate when its connection goes away.
// A graceful close retires the session (cancelling any running process); a
// dead connection detaches it so the client can resume within the token
// window while output keeps queueing.
func (s *Server) connectionLost(sessionID string, graceful bool) {
	if graceful {
		if h := s.reg.Process(sessionID); h != nil {
			go h.ForceCleanup()
		}
		s.reg.Remove(sessionID)
		s.watch.Unwatch(sessionID)
		s.log.Info("session closed", "session_id", sessionID)
		return
	}

	if _, err := s.reg.Detach(sessionID); err == nil {
		s.log.Info("connection lost, session detached",
			"session_id", sessionID,
			"token_ttl", s.cfg.ReconnectTokenTTL.Std())
	}
}

// sendError reports a protocol-level error without closing the connection.
func (c *client) sendError(code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	_ = c.srv.reg.Deliver(c.sess.ID, msg)
}

// onActivity forwards workdir activity notifications to the session.
func (s *Server) onActivity(sessionID string, events int) {
	msg, err := protocol.NewMessage(protocol.TypeFilesActivity, protocol.FilesActivityPayload{
		SessionID: sessionID,
		Events:    events,
	})
	if err != nil {
		return
	}
	_ = s.reg.Deliver(sessionID, msg)
}
