// Package registry is the thread-safe table of active sessions. Every
// mutation goes through one mutex: the registry is not a per-execution hot
// path, and a single critical section makes the capacity limit trivially
// race-free.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"cmdbridge/internal/proc"
	"cmdbridge/internal/protocol"
)

var (
	ErrCapacityExceeded      = errors.New("maximum session count reached")
	ErrSessionNotFound       = errors.New("session not found")
	ErrProcessAlreadyRunning = errors.New("session already owns a running process")
	ErrTokenExpired          = errors.New("reconnect token expired")
	ErrTokenInvalid          = errors.New("reconnect token invalid")
	ErrSessionLive           = errors.New("session already has a live connection")
)

// Conn is the registry's view of a client connection: a non-blocking send
// and a close. The server's websocket client implements it.
type Conn interface {
	// Send attempts a non-blocking delivery; false means the message was
	// not handed to the transport and must be queued instead.
	Send(*protocol.Message) bool
	Close() error
}

// Session is one logical client connection. It is live while conn is
// non-nil; detached otherwise, in which case the ring queues undelivered
// messages until the reconnect token expires.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time

	conn  Conn
	queue *Ring

	// token is issued at registration and sent to the client in the
	// welcome message; tokenExpiry is armed only when the session detaches.
	token       string
	tokenExpiry time.Time

	process *proc.Handle
}

// Info is a read-only snapshot for the status endpoints.
type Info struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Live         bool      `json:"live"`
	ProcessState string    `json:"processState,omitempty"`
}

// Registry tracks sessions and enforces the concurrent-session cap.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	max      int
	queueCap int
	tokenTTL time.Duration

	now func() time.Time // swapped in tests
}

// New creates a registry with the given capacity, per-session queue
// capacity, and reconnect token lifetime.
func New(maxSessions, queueCap int, tokenTTL time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		max:      maxSessions,
		queueCap: queueCap,
		tokenTTL: tokenTTL,
		now:      time.Now,
	}
}

// Register creates a session owning conn. Fails with ErrCapacityExceeded at
// the cap; safe under concurrent calls from many connections.
func (r *Registry) Register(conn Conn) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.max {
		return nil, ErrCapacityExceeded
	}

	now := r.now()
	s := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		LastActivity: now,
		conn:         conn,
		queue:        NewRing(r.queueCap),
		token:        uuid.New().String(),
	}
	r.sessions[s.ID] = s
	return s, nil
}

// Token returns the session's reconnect token.
func (r *Registry) Token(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", ErrSessionNotFound
	}
	return s.token, nil
}

// AttachProcess records the session's running process. A session owns zero
// or one process at a time.
func (r *Registry) AttachProcess(id string, h *proc.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.process != nil && !s.process.State().Terminal() {
		return ErrProcessAlreadyRunning
	}
	s.process = h
	s.LastActivity = r.now()
	return nil
}

// DetachProcess clears the process handle. Idempotent.
func (r *Registry) DetachProcess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.process = nil
	}
}

// Process returns the session's running process handle, or nil.
func (r *Registry) Process(id string) *proc.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.process == nil || s.process.State().Terminal() {
		return nil
	}
	return s.process
}

// Touch updates the session's last-activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivity = r.now()
	}
}

// Deliver routes a message to the session: straight to the live connection
// when possible, into the bounded queue on any send failure or while
// detached. Messages are never dropped silently below the queue's own
// oldest-first eviction.
func (r *Registry) Deliver(id string, msg *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.conn != nil && s.conn.Send(msg) {
		return nil
	}
	s.queue.Push(msg)
	return nil
}

// Requeue inserts msgs ahead of anything already queued for the session. A
// dying connection hands back the messages it accepted but never wrote; they
// predate whatever was queued after its send stopped accepting, so they must
// replay first. The ring's drop-oldest behavior still applies if the combined
// backlog exceeds its capacity.
func (r *Registry) Requeue(id string, msgs []*protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	later := s.queue.Drain()
	for _, msg := range msgs {
		s.queue.Push(msg)
	}
	for _, msg := range later {
		s.queue.Push(msg)
	}
	return nil
}

// Detach drops the session's connection and arms the reconnect token's
// expiry window. Output produced while detached accumulates in the queue.
// Returns the token the client must present to resume.
func (r *Registry) Detach(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", ErrSessionNotFound
	}
	s.conn = nil
	s.tokenExpiry = r.now().Add(r.tokenTTL)
	return s.token, nil
}

// Redeem reattaches conn to a detached session if the token matches and has
// not expired. Under the same critical section it sends the welcome built by
// the caller (carrying the freshly rotated token), then replays every queued
// message in original order, so no live traffic can interleave with the
// backlog and the client always sees welcome, then backlog, then live.
func (r *Registry) Redeem(id, token string, conn Conn, welcome func(sessionID, newToken string) *protocol.Message) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrTokenInvalid
	}
	if s.conn != nil {
		return nil, ErrSessionLive
	}
	if token == "" || token != s.token {
		return nil, ErrTokenInvalid
	}
	if !s.tokenExpiry.IsZero() && r.now().After(s.tokenExpiry) {
		return nil, ErrTokenExpired
	}

	s.token = uuid.New().String()
	s.tokenExpiry = time.Time{}
	s.LastActivity = r.now()

	if welcome != nil {
		conn.Send(welcome(s.ID, s.token))
	}
	for _, msg := range s.queue.Drain() {
		if !conn.Send(msg) {
			// The fresh connection's buffer can't even hold the backlog;
			// requeue the remainder for the next attempt.
			s.queue.Push(msg)
		}
	}

	s.conn = conn
	return s, nil
}

// Remove deletes the session unconditionally and closes its connection if
// live. Used on graceful close and token expiry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok && s.conn != nil {
		_ = s.conn.Close()
	}
}

// EvictIdle removes sessions idle past maxIdle with no outstanding (live)
// reconnect window, plus detached sessions whose token has expired. Returns
// the count evicted. Sessions still running a process are never evicted.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	now := r.now()
	var evicted []*Session
	for id, s := range r.sessions {
		if s.process != nil && !s.process.State().Terminal() {
			continue
		}
		expiredToken := s.conn == nil && !s.tokenExpiry.IsZero() && now.After(s.tokenExpiry)
		idle := now.Sub(s.LastActivity) > maxIdle
		reconnectable := s.conn == nil && !expiredToken
		if expiredToken || (idle && !reconnectable) {
			delete(r.sessions, id)
			evicted = append(evicted, s)
		}
	}
	r.mu.Unlock()

	for _, s := range evicted {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}
	return len(evicted)
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// QueueLen returns the number of undelivered messages for a session.
func (r *Registry) QueueLen(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.queue.Len()
	}
	return 0
}

// List returns a snapshot of all sessions for the status endpoints.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, snapshot(s))
	}
	return result
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return snapshot(s), nil
}

func snapshot(s *Session) Info {
	info := Info{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		Live:         s.conn != nil,
	}
	if s.process != nil {
		info.ProcessState = string(s.process.State())
	}
	return info
}
