package concurrency

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nbcore/runtime/rlog"
)

// timerEvent pairs a deadline with the routine due to fire at it.
type timerEvent struct {
	deadline time.Time
	r        *routine
}

// timerHeap is a deadline-ordered min-heap of pending timer events.
type timerHeap []*timerEvent

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEvent)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// timekeeper owns a monotonic timerfd and a dedicated goroutine blocked
// reading it. It is the sole auxiliary thread type, besides the poller,
// that performs no user work of its own: it only hands due routines to
// the pool. The timer set is guarded by a spin mutex (a plain
// sync.Mutex; held only for brief heap operations and the hand-off of
// due routines to the pool).
type timekeeper struct {
	pool *Pool
	log  rlog.Logger

	mu   sync.Mutex
	heap timerHeap

	fd   int
	done chan struct{}
}

func newTimekeeper(pool *Pool, log rlog.Logger) (*timekeeper, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	tk := &timekeeper{
		pool: pool,
		log:  log,
		fd:   fd,
		done: make(chan struct{}),
	}
	go tk.run()
	return tk, nil
}

// scheduleIn inserts {now+d, r} into the timer set, re-arming the
// timerfd if the insertion changed the earliest deadline.
func (tk *timekeeper) scheduleIn(d time.Duration, r *routine) {
	deadline := time.Now().Add(d)

	tk.mu.Lock()
	wasEarliest := tk.heap.Len() == 0 || deadline.Before(tk.heap[0].deadline)
	heap.Push(&tk.heap, &timerEvent{deadline: deadline, r: r})
	if wasEarliest {
		tk.armLocked()
	}
	tk.mu.Unlock()
}

// armLocked arms the timerfd to the heap's earliest deadline, or
// disarms it if the heap is empty. Caller must hold tk.mu.
func (tk *timekeeper) armLocked() {
	var spec unix.ItimerSpec
	if tk.heap.Len() > 0 {
		d := time.Until(tk.heap[0].deadline)
		if d < time.Nanosecond {
			d = time.Nanosecond // timerfd_settime with a zero value disarms; fire ASAP instead
		}
		spec.Value = unix.NsecToTimespec(d.Nanoseconds())
	}
	// spec zero value (both fields zero) disarms the timer.
	_ = unix.TimerfdSettime(tk.fd, 0, &spec, nil)
}

// run is the timekeeper's dedicated blocking thread: read(timerfd)
// blocks until expiration, then under lock it pops every due event and
// hands its routine to the pool, then re-arms to the new earliest
// deadline (or leaves it disarmed).
func (tk *timekeeper) run() {
	defer close(tk.done)
	buf := make([]byte, 8)
	for {
		// Closing the fd does not wake a read blocked on it, so wait for
		// readiness with a timeout and stop once Pool.Shutdown has
		// detached this timekeeper.
		pfd := []unix.PollFd{{Fd: int32(tk.fd), Events: unix.POLLIN}}
		_, perr := unix.Poll(pfd, 100)
		tk.pool.mu.Lock()
		detached := tk.pool.timekeeper != tk
		tk.pool.mu.Unlock()
		if detached {
			return
		}
		if perr != nil || pfd[0].Revents&unix.POLLIN == 0 {
			continue
		}
		n, err := unix.Read(tk.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EBADF {
				return // fd closed by shutdown
			}
			return
		}
		if n != 8 {
			continue
		}

		now := time.Now()
		tk.mu.Lock()
		for tk.heap.Len() > 0 && !tk.heap[0].deadline.After(now) {
			ev := heap.Pop(&tk.heap).(*timerEvent)
			tk.pool.Schedule(ev.r.fn)
		}
		tk.armLocked()
		tk.mu.Unlock()
	}
}

// shutdown requires the timer set to be empty: callers are responsible
// for cancelling or letting pending timers fire before calling
// Pool.Shutdown. This is a documented precondition, enforced here only
// by the panic below.
func (tk *timekeeper) shutdown() {
	tk.mu.Lock()
	pending := tk.heap.Len()
	tk.mu.Unlock()
	if pending != 0 {
		panic(fmt.Sprintf("timekeeper: shutdown with %d pending timers", pending))
	}
	_ = unix.Close(tk.fd)
	<-tk.done
}
