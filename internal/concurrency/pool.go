package concurrency

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbcore/runtime/rerrors"
	"github.com/nbcore/runtime/rlog"
)

// Affinity is a stable binding of a long-lived object's callbacks to a
// single worker, obtained once via Pool.NextAffinity at construction
// time. Routing a schedule call by affinity instead of round-robin
// yields lock-free, single-threaded execution for that object.
type Affinity int

// NoAffinity is the zero value: schedule calls without an affinity use
// the pool's plain round-robin cursor.
const NoAffinity Affinity = -1

// Pool is the fixed-size worker pool: the runtime handle user code and
// the poller/timekeeper schedule work on. It is legal to call Schedule*
// only between Start and Shutdown.
type Pool struct {
	mu         sync.Mutex
	workers    []*worker
	dispatchRR uint64 // round-robin cursor for plain Schedule calls
	affinityRR uint64 // independent cursor for NextAffinity, decoupled from dispatch order
	timekeeper *timekeeper
	started    bool
	shutdownCh chan struct{}
	log        rlog.Logger
}

// NewPool constructs an unstarted pool; Start sets its worker count.
func NewPool(log rlog.Logger) *Pool {
	if log == nil {
		log = rlog.Nop
	}
	return &Pool{log: log, shutdownCh: make(chan struct{})}
}

// Start allocates n workers and the timekeeper, and begins running them.
// It returns an error if n is zero or exceeds runtime.NumCPU() — the
// pool never oversubscribes cores.
func (p *Pool) Start(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("pool: %w", rerrors.ErrAlreadyRunning)
	}
	if n <= 0 {
		return fmt.Errorf("pool: %w", rerrors.ErrNoWorkers)
	}
	if cores := runtime.NumCPU(); n > cores {
		return fmt.Errorf("pool: requested %d workers exceeds %d available cores: %w", n, cores, rerrors.ErrTooManyWorkers)
	}

	p.workers = make([]*worker, n)
	for i := 0; i < n; i++ {
		w := newWorker(i, p.log)
		p.workers[i] = w
		w.start()
	}

	tk, err := newTimekeeper(p, rlog.Scoped(p.log, "/timekeeper"))
	if err != nil {
		for _, w := range p.workers {
			w.stop()
		}
		p.workers = nil
		return fmt.Errorf("pool: start timekeeper: %w", err)
	}
	p.timekeeper = tk

	p.started = true
	return nil
}

// NumWorkers returns the number of workers started.
func (p *Pool) NumWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// NextAffinity returns the next affinity slot from a cursor kept
// independent of the plain dispatch round-robin cursor, mirroring the
// reference implementation's separate RRCpuId counter
// (src/schd/schd-helper.h) versus NonBlockingThreadPool::nextTh_.
func (p *Pool) NextAffinity() Affinity {
	p.mu.Lock()
	n := len(p.workers)
	p.mu.Unlock()
	if n == 0 {
		return NoAffinity
	}
	idx := atomic.AddUint64(&p.affinityRR, 1) - 1
	return Affinity(idx % uint64(n))
}

// Schedule enqueues fn for round-robin dispatch across the pool.
func (p *Pool) Schedule(fn func()) {
	p.scheduleRoutine(newRoutine(fn), NoAffinity)
}

// ScheduleAffinity enqueues fn on the worker bound to aff, or
// round-robin if aff is NoAffinity.
func (p *Pool) ScheduleAffinity(aff Affinity, fn func()) {
	p.scheduleRoutine(newRoutine(fn), aff)
}

func (p *Pool) scheduleRoutine(r *routine, aff Affinity) {
	p.mu.Lock()
	n := len(p.workers)
	if n == 0 {
		p.mu.Unlock()
		panic("pool: Schedule called outside Start/Shutdown")
	}
	var w *worker
	if aff != NoAffinity {
		w = p.workers[int(aff)%n]
	} else {
		idx := p.dispatchRR % uint64(n)
		p.dispatchRR++
		w = p.workers[idx]
	}
	p.mu.Unlock()
	w.push(r)
}

// ScheduleIn schedules fn to run no earlier than now+d, via the
// timekeeper.
func (p *Pool) ScheduleIn(d time.Duration, fn func()) {
	p.mu.Lock()
	tk := p.timekeeper
	p.mu.Unlock()
	if tk == nil {
		panic("pool: ScheduleIn called outside Start/Shutdown")
	}
	tk.scheduleIn(d, newRoutine(fn))
}

// ScheduleBarrier fans a helper routine out to every worker; when every
// worker has drained everything that was queued ahead of the fan-out,
// fn runs via ordinary dispatch. This is the sole cross-worker
// synchronization primitive the channel layer uses to quiesce in-flight
// callbacks before tearing down.
func (p *Pool) ScheduleBarrier(fn func()) {
	p.mu.Lock()
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()

	if len(workers) == 0 {
		panic("pool: ScheduleBarrier called outside Start/Shutdown")
	}

	var pending atomic.Int64
	pending.Store(int64(len(workers)))

	barrierDone := func() {
		if pending.Add(-1) == 0 {
			p.Schedule(fn)
		}
	}

	for _, w := range workers {
		w.push(newRoutine(barrierDone))
	}
}

// Shutdown stops the timekeeper, then stops every worker in order, and
// wakes anything blocked in Wait.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	tk := p.timekeeper
	workers := p.workers
	p.timekeeper = nil
	p.workers = nil
	p.started = false
	p.mu.Unlock()

	if tk != nil {
		tk.shutdown()
	}
	for _, w := range workers {
		w.stop()
	}

	close(p.shutdownCh)
}

// Wait blocks until Shutdown has been called.
func (p *Pool) Wait() {
	<-p.shutdownCh
}
