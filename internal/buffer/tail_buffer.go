// Package buffer provides a bounded tail buffer for transcript caching.
package buffer

import (
	"sync"
)

// TailBuffer is a thread-safe buffer that keeps only the most recent bytes
// up to a fixed capacity. Writes append and trim from the front, so the
// content is always a suffix of everything ever written.
//
// It backs the per-session history cache and the out-of-band output buffer:
// a reconnecting client replays at most the last capacity bytes of output.
type TailBuffer struct {
	mu       sync.RWMutex
	data     []byte
	capacity int
}

// NewTailBuffer creates a TailBuffer with the given capacity in bytes.
// A non-positive capacity defaults to 1.
func NewTailBuffer(capacity int) *TailBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &TailBuffer{
		data:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Append adds data to the end of the buffer, discarding the oldest bytes
// when the capacity would be exceeded.
func (b *TailBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.capacity {
		b.data = b.data[:b.capacity]
		copy(b.data, p[len(p)-b.capacity:])
		return
	}

	overflow := len(b.data) + len(p) - b.capacity
	if overflow > 0 {
		n := copy(b.data, b.data[overflow:])
		b.data = b.data[:n]
	}
	b.data = append(b.data, p...)
}

// AppendString appends string data, trimming as Append does.
func (b *TailBuffer) AppendString(s string) {
	b.Append([]byte(s))
}

// Replace discards the current content and installs data, trimmed to the
// last capacity bytes. Used when authoritative server history supersedes
// whatever was accumulated locally.
func (b *TailBuffer) Replace(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) > b.capacity {
		data = data[len(data)-b.capacity:]
	}
	b.data = b.data[:0]
	b.data = append(b.data, data...)
}

// Bytes returns a copy of the current content.
func (b *TailBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// String returns the current content as a string.
func (b *TailBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return string(b.data)
}

// Reset removes all content.
func (b *TailBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
}

// Len returns the current number of buffered bytes.
func (b *TailBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Cap returns the buffer capacity.
func (b *TailBuffer) Cap() int {
	return b.capacity
}
