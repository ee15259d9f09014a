package nui

import (
	"sync"
	"time"
)

// pendingGrab runs a blocking grab call with a deadline. At most one call is
// in flight: a caller that times out leaves it running and the next caller
// waits on the same result instead of starting another.
type pendingGrab[T any] struct {
	mu       sync.Mutex
	ch       chan T
	inflight sync.WaitGroup
}

func (p *pendingGrab[T]) next(timeout time.Duration, grab func() T) (T, bool) {
	p.mu.Lock()
	if p.ch == nil {
		ch := make(chan T, 1)
		p.ch = ch
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			ch <- grab()
		}()
	}
	ch := p.ch
	p.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case v := <-ch:
		p.mu.Lock()
		if p.ch == ch {
			p.ch = nil
		}
		p.mu.Unlock()
		return v, true
	case <-t.C:
		var zero T
		return zero, false
	}
}

// wait blocks until no grab is in flight or timeout elapses. It reports
// whether the grabs finished.
func (p *pendingGrab[T]) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
