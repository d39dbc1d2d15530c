package registry

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdbridge/internal/proc"
	"cmdbridge/internal/protocol"
)

// fakeConn records delivered messages. accept=false simulates a stalled
// transport whose non-blocking send always fails.
type fakeConn struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	accept bool
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{accept: true} }

func (c *fakeConn) Send(msg *protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accept {
		return false
	}
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func textMsg(t *testing.T, body string) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.TypeOutput, protocol.OutputPayload{Data: []byte(body)})
	require.NoError(t, err)
	return msg
}

// The capacity check and the insert share one critical section, so a stampede
// of concurrent registrations can never overshoot the cap.
func TestRegisterEnforcesCapUnderConcurrency(t *testing.T) {
	r := New(10, 5, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, full int
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Register(newFakeConn())
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				ok++
			case ErrCapacityExceeded:
				full++
			default:
				t.Errorf("unexpected register error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 40, full)
	assert.Equal(t, 10, r.Count())
}

func TestRegisterAfterRemoveFreesCapacity(t *testing.T) {
	r := New(1, 5, time.Minute)

	s, err := r.Register(newFakeConn())
	require.NoError(t, err)

	_, err = r.Register(newFakeConn())
	require.ErrorIs(t, err, ErrCapacityExceeded)

	r.Remove(s.ID)
	_, err = r.Register(newFakeConn())
	require.NoError(t, err)
}

func TestAttachProcessIsExclusive(t *testing.T) {
	r := New(5, 5, time.Minute)
	s, err := r.Register(newFakeConn())
	require.NoError(t, err)

	h, err := proc.Start(proc.Command{Line: "sleep 5", Grace: 200 * time.Millisecond})
	require.NoError(t, err)
	defer h.ForceCleanup()

	require.NoError(t, r.AttachProcess(s.ID, h))
	assert.Same(t, h, r.Process(s.ID))

	h2, err := proc.Start(proc.Command{Line: "sleep 5", Grace: 200 * time.Millisecond})
	require.NoError(t, err)
	defer h2.ForceCleanup()

	assert.ErrorIs(t, r.AttachProcess(s.ID, h2), ErrProcessAlreadyRunning)

	// A terminal process no longer blocks the slot.
	h.ForceCleanup()
	require.Eventually(t, func() bool { return h.State().Terminal() },
		2*time.Second, 20*time.Millisecond)
	assert.Nil(t, r.Process(s.ID))
	require.NoError(t, r.AttachProcess(s.ID, h2))

	r.DetachProcess(s.ID)
	r.DetachProcess(s.ID) // idempotent
	assert.Nil(t, r.Process(s.ID))

	assert.ErrorIs(t, r.AttachProcess("missing", h2), ErrSessionNotFound)
}

func TestDeliverFallsBackToQueue(t *testing.T) {
	r := New(5, 5, time.Minute)
	conn := newFakeConn()
	s, err := r.Register(conn)
	require.NoError(t, err)

	require.NoError(t, r.Deliver(s.ID, textMsg(t, "live")))
	assert.Len(t, conn.messages(), 1)
	assert.Equal(t, 0, r.QueueLen(s.ID))

	// A stalled connection degrades into the queue instead of blocking.
	conn.mu.Lock()
	conn.accept = false
	conn.mu.Unlock()
	require.NoError(t, r.Deliver(s.ID, textMsg(t, "stalled")))
	assert.Equal(t, 1, r.QueueLen(s.ID))

	assert.ErrorIs(t, r.Deliver("missing", textMsg(t, "x")), ErrSessionNotFound)
}

func TestDetachRedeemReplaysBacklogInOrder(t *testing.T) {
	r := New(5, 10, time.Minute)
	s, err := r.Register(newFakeConn())
	require.NoError(t, err)

	token, err := r.Detach(s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, r.Deliver(s.ID, textMsg(t, body)))
	}
	assert.Equal(t, 3, r.QueueLen(s.ID))

	welcome, err := protocol.NewMessage(protocol.TypeWelcome, protocol.WelcomePayload{SessionID: s.ID})
	require.NoError(t, err)

	conn2 := newFakeConn()
	var rotated string
	resumed, err := r.Redeem(s.ID, token, conn2, func(_, newToken string) *protocol.Message {
		rotated = newToken
		return welcome
	})
	require.NoError(t, err)
	assert.Equal(t, s.ID, resumed.ID)
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, token, rotated)

	msgs := conn2.messages()
	require.Len(t, msgs, 4)
	assert.Same(t, welcome, msgs[0])
	for i, body := range []string{"a", "b", "c"} {
		var p protocol.OutputPayload
		require.NoError(t, json.Unmarshal(msgs[i+1].Payload, &p))
		assert.Equal(t, body, string(p.Data))
	}
	assert.Equal(t, 0, r.QueueLen(s.ID))

	// Live traffic after redeem goes straight to the new connection.
	require.NoError(t, r.Deliver(s.ID, textMsg(t, "d")))
	assert.Len(t, conn2.messages(), 5)
}

// Messages handed back by a dying connection predate anything queued after
// its send stopped accepting, so Requeue puts them in front.
func TestRequeuePrecedesQueuedMessages(t *testing.T) {
	r := New(5, 10, time.Minute)
	s, err := r.Register(newFakeConn())
	require.NoError(t, err)

	_, err = r.Detach(s.ID)
	require.NoError(t, err)
	for _, body := range []string{"c", "d"} {
		require.NoError(t, r.Deliver(s.ID, textMsg(t, body)))
	}

	require.NoError(t, r.Requeue(s.ID, []*protocol.Message{textMsg(t, "a"), textMsg(t, "b")}))
	assert.Equal(t, 4, r.QueueLen(s.ID))

	token := currentToken(t, r, s.ID)
	conn2 := newFakeConn()
	_, err = r.Redeem(s.ID, token, conn2, nil)
	require.NoError(t, err)

	msgs := conn2.messages()
	require.Len(t, msgs, 4)
	for i, body := range []string{"a", "b", "c", "d"} {
		var p protocol.OutputPayload
		require.NoError(t, json.Unmarshal(msgs[i].Payload, &p))
		assert.Equal(t, body, string(p.Data))
	}

	assert.ErrorIs(t, r.Requeue("missing", nil), ErrSessionNotFound)
}

func currentToken(t *testing.T, r *Registry, id string) string {
	t.Helper()
	token, err := r.Token(id)
	require.NoError(t, err)
	return token
}

func TestRedeemRejectsBadTokenAndLiveSession(t *testing.T) {
	r := New(5, 5, time.Minute)
	s, err := r.Register(newFakeConn())
	require.NoError(t, err)

	// Still attached: the session is not resumable.
	_, err = r.Redeem(s.ID, "whatever", newFakeConn(), nil)
	assert.ErrorIs(t, err, ErrSessionLive)

	token, err := r.Detach(s.ID)
	require.NoError(t, err)

	_, err = r.Redeem(s.ID, "wrong-token", newFakeConn(), nil)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = r.Redeem(s.ID, "", newFakeConn(), nil)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = r.Redeem("missing", token, newFakeConn(), nil)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = r.Redeem(s.ID, token, newFakeConn(), nil)
	require.NoError(t, err)
}

func TestRedeemRejectsExpiredToken(t *testing.T) {
	r := New(5, 5, time.Minute)
	base := time.Now()
	r.now = func() time.Time { return base }

	s, err := r.Register(newFakeConn())
	require.NoError(t, err)

	token, err := r.Detach(s.ID)
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(time.Minute + time.Second) }
	_, err = r.Redeem(s.ID, token, newFakeConn(), nil)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestEvictIdle(t *testing.T) {
	r := New(5, 5, time.Minute)
	base := time.Now()
	r.now = func() time.Time { return base }

	running, err := r.Register(newFakeConn())
	require.NoError(t, err)
	h, err := proc.Start(proc.Command{Line: "sleep 5", Grace: 200 * time.Millisecond})
	require.NoError(t, err)
	defer h.ForceCleanup()
	require.NoError(t, r.AttachProcess(running.ID, h))

	idleConn := newFakeConn()
	idle, err := r.Register(idleConn)
	require.NoError(t, err)

	detached, err := r.Register(newFakeConn())
	require.NoError(t, err)
	_, err = r.Detach(detached.ID)
	require.NoError(t, err)

	// Two hours later: the idle live session and the expired detached one go;
	// the session with a running process stays no matter how stale.
	r.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 2, r.EvictIdle(time.Hour))
	assert.Equal(t, 1, r.Count())
	assert.True(t, idleConn.closed)

	_, err = r.Get(running.ID)
	assert.NoError(t, err)
	_, err = r.Get(idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSnapshotsReflectState(t *testing.T) {
	r := New(5, 5, time.Minute)
	s, err := r.Register(newFakeConn())
	require.NoError(t, err)

	info, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.True(t, info.Live)
	assert.Empty(t, info.ProcessState)

	_, err = r.Detach(s.ID)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 1)
	assert.False(t, list[0].Live)
}
