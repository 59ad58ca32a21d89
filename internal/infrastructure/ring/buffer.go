// ABOUTME: Circular ring buffer that keeps the most recent bytes written
// ABOUTME: Drops oldest data on overflow; used to keep the tail of encoder stderr
package ring

import "sync"

type Buffer struct {
	buf []byte
	w   int // read head
	n   int // bytes stored
	mu  sync.Mutex
}

func New(size int) *Buffer {
	return &Buffer{buf: make([]byte, size)}
}

// Write never fails; it always reports len(p) so it can back an exec.Cmd stream.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	written := len(p)
	if len(b.buf) == 0 {
		return written, nil
	}

	// Only the newest len(buf) bytes can survive
	if len(p) > len(b.buf) {
		p = p[len(p)-len(b.buf):]
	}

	for len(p) > 0 {
		space := len(b.buf) - b.n
		if space == 0 {
			// Drop oldest 25%
			drop := len(b.buf) / 4
			if drop == 0 {
				drop = 1
			}
			b.w = (b.w + drop) % len(b.buf)
			b.n -= drop
			space = len(b.buf) - b.n
		}

		chunk := len(p)
		if chunk > space {
			chunk = space
		}

		end := (b.w + b.n) % len(b.buf)
		right := len(b.buf) - end
		if right > chunk {
			right = chunk
		}

		copy(b.buf[end:end+right], p[:right])
		if right < chunk {
			copy(b.buf[0:chunk-right], p[right:chunk])
		}

		b.n += chunk
		p = p[chunk:]
	}

	return written, nil
}

func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, b.n)
	if b.n == 0 {
		return out
	}

	head := b.w
	tail := (b.w + b.n) % len(b.buf)

	if head < tail {
		copy(out, b.buf[head:tail])
	} else {
		copy(out, b.buf[head:])
		copy(out[len(b.buf)-head:], b.buf[:tail])
	}

	return out
}

// String returns the buffered bytes as text.
func (b *Buffer) String() string {
	return string(b.Snapshot())
}
