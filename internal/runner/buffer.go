package runner

import "sync"

// tailSize is how much of stdout/stderr is kept for failure diagnostics.
const tailSize = 4096

// TailBuffer is a thread-safe ring buffer that keeps the last N bytes written.
type TailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int // write position (wraps around)
	full bool
}

// NewTailBuffer creates a ring buffer with the given capacity.
func NewTailBuffer(size int) *TailBuffer {
	if size <= 0 {
		size = tailSize
	}
	return &TailBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write appends p, overwriting the oldest bytes once full.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range p {
		b.buf[b.pos] = c
		b.pos = (b.pos + 1) % b.size
		if b.pos == 0 {
			b.full = true
		}
	}
	return len(p), nil
}

// Bytes returns the buffered content in write order.
func (b *TailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		return append([]byte(nil), b.buf[:b.pos]...)
	}
	result := make([]byte, b.size)
	copy(result, b.buf[b.pos:])
	copy(result[b.size-b.pos:], b.buf[:b.pos])
	return result
}

func (b *TailBuffer) String() string {
	return string(b.Bytes())
}
