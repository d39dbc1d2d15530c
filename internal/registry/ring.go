package registry

import (
	"sync"

	"cmdbridge/internal/protocol"
)

// Ring is a fixed-capacity circular buffer of undelivered wire messages.
// When full, the oldest message is overwritten: a client reconnecting after
// a long absence gets the newest capacity-many messages, not the oldest.
type Ring struct {
	mu       sync.Mutex
	buf      []*protocol.Message
	capacity int
	pos      int // next write position
	full     bool
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	return &Ring{
		buf:      make([]*protocol.Message, capacity),
		capacity: capacity,
	}
}

// Push adds a message, overwriting the oldest if full.
func (r *Ring) Push(msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.pos] = msg
	r.pos = (r.pos + 1) % r.capacity
	if r.pos == 0 {
		r.full = true
	}
}

// Len returns the number of buffered messages.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.capacity
	}
	return r.pos
}

// Drain returns all buffered messages in chronological order and empties
// the ring.
func (r *Ring) Drain() []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*protocol.Message
	if !r.full {
		result = make([]*protocol.Message, r.pos)
		copy(result, r.buf[:r.pos])
	} else {
		result = make([]*protocol.Message, r.capacity)
		copy(result, r.buf[r.pos:])
		copy(result[r.capacity-r.pos:], r.buf[:r.pos])
	}

	for i := range r.buf {
		r.buf[i] = nil
	}
	r.pos = 0
	r.full = false
	return result
}
