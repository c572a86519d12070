package generic

import "sync"

// Pool is a typed sync.Pool. An optional reset hook runs on every Put so
// callers never observe state left behind by a previous user.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T) T
}

func NewPool[T any](generate func() T) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
	}
}

func NewResetPool[T any](generate func() T, reset func(T) T) *Pool[T] {
	p := NewPool[T](generate)
	p.reset = reset
	return p
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	if p.reset != nil {
		value = p.reset(value)
	}
	p.pool.Put(value)
}

// NewBufferPool pools byte slices of at least size bytes capacity. Slices are
// handed out with zero length.
func NewBufferPool(size int) *Pool[*[]byte] {
	return NewResetPool(
		func() *[]byte {
			buf := make([]byte, 0, size)
			return &buf
		},
		func(buf *[]byte) *[]byte {
			*buf = (*buf)[:0]
			return buf
		},
	)
}
