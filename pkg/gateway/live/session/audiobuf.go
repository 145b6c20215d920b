package session

import "sync"

// turnBuffer accumulates raw audio bytes for one direction of a turn. A take
// hands the accumulated slice to the caller and installs a fresh backing
// buffer, so appends that race with an in-flight upload land in the next
// turn's buffer instead of mutating the one being uploaded.
type turnBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *turnBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
}

// TakeAndClear returns the accumulated bytes and resets the buffer. The
// returned slice is owned by the caller.
func (b *turnBuffer) TakeAndClear() []byte {
	b.mu.Lock()
	out := b.buf
	b.buf = nil
	b.mu.Unlock()
	return out
}

func (b *turnBuffer) Clear() {
	b.mu.Lock()
	b.buf = nil
	b.mu.Unlock()
}

func (b *turnBuffer) Len() int {
	b.mu.Lock()
	n := len(b.buf)
	b.mu.Unlock()
	return n
}
