// Package ring provides a fixed-size buffer that overwrites its oldest entry.
package ring

import "sync"

// Buffer keeps the last Capacity values pushed. It is safe for concurrent use.
type Buffer[T any] struct {
	buf  []T
	size int
	head int // write position
	full bool
	mu   sync.RWMutex
}

// New creates a buffer holding up to size values. Default size is 16.
func New[T any](size int) *Buffer[T] {
	if size <= 0 {
		size = 16
	}
	return &Buffer[T]{
		buf:  make([]T, size),
		size: size,
	}
}

// Push appends v, dropping the oldest value when full.
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf[b.head] = v
	b.head = (b.head + 1) % b.size
	if b.head == 0 {
		b.full = true
	}
}

// Items returns a copy of the values, oldest first.
func (b *Buffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		result := make([]T, b.head)
		copy(result, b.buf[:b.head])
		return result
	}

	// Wrap-around: head -> end + start -> head
	result := make([]T, b.size)
	n := copy(result, b.buf[b.head:])
	copy(result[n:], b.buf[:b.head])
	return result
}
