package server

import "github.com/npezzotti/ghostchat/internal/types"

// history is a fixed-capacity ring of the most recent messages in a room.
// When full, pushing a message evicts the oldest one. Not safe for
// concurrent use; the owning Room serializes access.
type history struct {
	buf   []*types.Message
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1
	}

	return &history{buf: make([]*types.Message, capacity)}
}

// push appends msg and reports whether the oldest message was evicted.
func (h *history) push(msg *types.Message) bool {
	capacity := len(h.buf)
	if h.size < capacity {
		h.buf[(h.start+h.size)%capacity] = msg
		h.size++
		return false
	}

	h.buf[h.start] = msg
	h.start = (h.start + 1) % capacity
	return true
}

// snapshot returns the retained messages, oldest first.
func (h *history) snapshot() []*types.Message {
	out := make([]*types.Message, h.size)
	for i := range h.size {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}

	return out
}

func (h *history) len() int {
	return h.size
}

func (h *history) capacity() int {
	return len(h.buf)
}
