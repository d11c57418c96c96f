package queue

import "github.com/GriffinCanCode/vorify-live/internal/chunk"

// ring is a FIFO of chunks backed by a circular slice that grows on demand.
type ring struct {
	buf  []*chunk.Chunk
	head int
	size int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 8
	}
	return &ring{buf: make([]*chunk.Chunk, capacity)}
}

func (r *ring) len() int { return r.size }

func (r *ring) push(c *chunk.Chunk) {
	if r.size == len(r.buf) {
		r.grow()
	}
	r.buf[(r.head+r.size)%len(r.buf)] = c
	r.size++
}

func (r *ring) pop() *chunk.Chunk {
	if r.size == 0 {
		return nil
	}
	c := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return c
}

func (r *ring) grow() {
	next := make([]*chunk.Chunk, len(r.buf)*2)
	for i := 0; i < r.size; i++ {
		next[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.buf = next
	r.head = 0
}
