package runner

import "sync"

// emitter is an ordered callback list. Listeners are appended under the lock
// and dispatched in registration order from the owning session's read loop,
// so a single listener never observes events out of order.
type emitter[T any] struct {
	mu  sync.Mutex
	fns []func(T)
}

func (e *emitter[T]) listen(fn func(T)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fns = append(e.fns, fn)
}

func (e *emitter[T]) emit(v T) {
	e.mu.Lock()
	fns := make([]func(T), len(e.fns))
	copy(fns, e.fns)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
