package concurrency

import "sync"

// spinIterations bounds the latency-optimization spin in Pop: the
// reference implementation's InQueue::Pop tries an uncontended lock
// acquisition up to 100 times before parking on the condition variable.
// The spin must stay bounded so it never starves other producers trying
// to acquire the same lock to push.
const spinIterations = 100

// mailbox is a worker's private inbound FIFO of routines: an intrusive
// singly-linked list (push at tail, pop at head) protected by one mutex
// and one condition variable. A routine appears in at most one mailbox
// at a time and carries its own linkage field, so push never allocates.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	head   *routine
	tail   *routine
	closed bool
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// push appends r to the tail of the queue and wakes one waiting popper.
// Pushes from a single producer goroutine are observed by the consumer
// in push order.
func (mb *mailbox) push(r *routine) {
	mb.mu.Lock()
	r.next = nil
	if mb.tail == nil {
		mb.head = r
		mb.tail = r
	} else {
		mb.tail.next = r
		mb.tail = r
	}
	mb.mu.Unlock()
	mb.cond.Signal()
}

// pop removes and returns the routine at the head of the queue, blocking
// until one is available or the mailbox is closed. It first spins a
// bounded number of iterations attempting an uncontended dequeue (a
// latency optimization for the common case where the queue is briefly
// non-empty between pushes) before parking on the condition variable.
func (mb *mailbox) pop() (*routine, bool) {
	for i := 0; i < spinIterations; i++ {
		if mb.mu.TryLock() {
			if mb.head != nil {
				r := mb.dequeueLocked()
				mb.mu.Unlock()
				return r, true
			}
			if mb.closed {
				mb.mu.Unlock()
				return nil, false
			}
			mb.mu.Unlock()
		}
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	for mb.head == nil && !mb.closed {
		mb.cond.Wait()
	}
	if mb.head == nil {
		return nil, false
	}
	return mb.dequeueLocked(), true
}

// dequeueLocked removes the head element. Caller must hold mb.mu.
func (mb *mailbox) dequeueLocked() *routine {
	r := mb.head
	mb.head = r.next
	if mb.head == nil {
		mb.tail = nil
	}
	r.next = nil
	return r
}

// isEmpty reports whether the mailbox currently has no pending routines.
func (mb *mailbox) isEmpty() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.head == nil
}

// closeForShutdown marks the mailbox closed, waking any blocked popper.
// Routines still queued are popped first; pop reports false only once
// the queue is empty.
func (mb *mailbox) closeForShutdown() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	mb.cond.Broadcast()
}
