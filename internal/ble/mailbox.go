package ble

import "sync"

// mailbox is an unbounded FIFO of closures for the Manager's loop. post never
// blocks, so adapter callbacks cannot stall on a busy loop.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// post enqueues fn. Reports false if the mailbox is closed.
func (mb *mailbox) post(fn func()) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.queue = append(mb.queue, fn)
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
	return true
}

// drain removes and returns everything queued.
func (mb *mailbox) drain() []func() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	q := mb.queue
	mb.queue = nil
	return q
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	mb.queue = nil
}
