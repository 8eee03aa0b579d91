package backend

import "sync"

// Owner holds exclusive ownership of a backend handle and releases it
// exactly once, whichever exit path reaches Release first. Pair it with
// defer so no call site frees manually.
type Owner[T any] struct {
	v       T
	release func(T) error

	once     sync.Once
	err      error
	released bool
	mu       sync.Mutex
}

// Own takes ownership of v; release runs at most once.
func Own[T any](v T, release func(T) error) *Owner[T] {
	return &Owner[T]{v: v, release: release}
}

// Get returns the owned handle and false once it has been released.
func (o *Owner[T]) Get() (T, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		var zero T
		return zero, false
	}
	return o.v, true
}

// Release frees the handle. Subsequent calls return the first result.
func (o *Owner[T]) Release() error {
	o.once.Do(func() {
		o.mu.Lock()
		o.released = true
		v := o.v
		var zero T
		o.v = zero
		o.mu.Unlock()
		if o.release != nil {
			o.err = o.release(v)
		}
	})
	return o.err
}

// Released reports whether Release has run.
func (o *Owner[T]) Released() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.released
}
