// Package watch provides observable values: the latest value is replayed to
// every new subscriber, and a slow subscriber only ever misses intermediate
// values, never blocking the publisher.
package watch

import "sync"

// Value holds the current value of type T and fans changes out to subscribers.
type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	subs   map[*subscriber[T]]struct{}
	closed bool
}

type subscriber[T any] struct {
	ch chan T
}

// New returns a Value holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		cur:  initial,
		subs: make(map[*subscriber[T]]struct{}),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores val and offers it to every subscriber. A subscriber that has
// not consumed its previous value has it replaced by val.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.cur = val
	for s := range v.subs {
		offer(s.ch, val)
	}
}

// Subscribe returns a channel that immediately yields the current value and
// then every later value the subscriber keeps up with. The returned cancel
// func closes the channel; it is safe to call more than once.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{ch: make(chan T, 1)}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	s.ch <- v.cur
	v.subs[s] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			if _, ok := v.subs[s]; ok {
				delete(v.subs, s)
				close(s.ch)
			}
		})
	}
}

// Close ends every subscription. Later Set calls are ignored.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for s := range v.subs {
		close(s.ch)
	}
	v.subs = nil
}

// offer delivers val without blocking, dropping the oldest buffered value.
// Callers hold the Value's lock, so no other sender races on ch.
func offer[T any](ch chan T, val T) {
	for {
		select {
		case ch <- val:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
