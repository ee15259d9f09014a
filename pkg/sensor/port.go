package sensor

import "sync"

// InPort is a single-slot input port. Writers overwrite the slot; the reader
// consumes it once per new value.
type InPort[T any] struct {
	mu    sync.Mutex
	value T
	fresh bool
}

func (p *InPort[T]) Write(v T) {
	p.mu.Lock()
	p.value = v
	p.fresh = true
	p.mu.Unlock()
}

// IsNew reports whether a value arrived since the last Read.
func (p *InPort[T]) IsNew() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fresh
}

// Read returns the latest value and clears the new flag.
func (p *InPort[T]) Read() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fresh = false
	return p.value
}
