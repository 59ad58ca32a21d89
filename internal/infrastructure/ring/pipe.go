// ABOUTME: Bounded blocking byte pipe backed by a ring
// ABOUTME: Writers block while full, readers block while empty, order is FIFO
package ring

import (
	"errors"
	"io"
	"sync"
)

// ErrClosedPipe is returned to a writer after the reader has gone away.
var ErrClosedPipe = errors.New("ring: write on closed pipe")

// Pipe connects exactly one writer to one reader. Unlike io.Pipe it holds up
// to Cap bytes, so a producer can run ahead of its consumer by a fixed amount
// and no further.
type Pipe struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf []byte
	r   int // read position
	n   int // bytes stored

	werr  error // set by CloseWrite, returned to the reader once drained
	rerr  error // set by CloseRead, returned to the writer immediately
	waits int64
}

func NewPipe(size int) *Pipe {
	if size <= 0 {
		size = 1
	}
	p := &Pipe{buf: make([]byte, size)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.n == 0 {
		if p.rerr != nil {
			return 0, p.rerr
		}
		if p.werr != nil {
			return 0, p.werr
		}
		p.cond.Wait()
	}

	if p.rerr != nil {
		return 0, p.rerr
	}

	total := 0
	for total < len(b) && p.n > 0 {
		end := p.r + p.n
		if end > len(p.buf) {
			end = len(p.buf)
		}
		c := copy(b[total:], p.buf[p.r:end])
		p.r = (p.r + c) % len(p.buf)
		p.n -= c
		total += c
	}

	p.cond.Broadcast()
	return total, nil
}

// Write blocks until every byte of b is buffered or the pipe is closed.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	written := 0
	blocked := false
	for written < len(b) {
		if p.rerr != nil {
			return written, p.rerr
		}
		if p.werr != nil {
			return written, ErrClosedPipe
		}

		space := len(p.buf) - p.n
		if space == 0 {
			if !blocked {
				blocked = true
				p.waits++
			}
			p.cond.Wait()
			continue
		}

		end := (p.r + p.n) % len(p.buf)
		right := len(p.buf) - end
		if right > space {
			right = space
		}
		c := copy(p.buf[end:end+right], b[written:])
		p.n += c
		written += c

		p.cond.Broadcast()
	}

	return written, nil
}

// CloseWrite ends the stream; the reader drains what is buffered and then
// sees err, or io.EOF when err is nil. Only the first close takes effect.
func (p *Pipe) CloseWrite(err error) {
	if err == nil {
		err = io.EOF
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.werr == nil {
		p.werr = err
	}
	p.cond.Broadcast()
}

// CloseRead abandons the stream; pending and future writes and reads fail
// with err, buffered data is discarded.
func (p *Pipe) CloseRead(err error) {
	if err == nil {
		err = ErrClosedPipe
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rerr == nil {
		p.rerr = err
	}
	p.n = 0
	p.cond.Broadcast()
}

// ReadErr is the error passed to CloseRead, or nil while the reader is open.
func (p *Pipe) ReadErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rerr
}

// Len is the number of bytes buffered and not yet read.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func (p *Pipe) Cap() int {
	return len(p.buf)
}

// Waits counts writes that had to block on a full pipe.
func (p *Pipe) Waits() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waits
}
