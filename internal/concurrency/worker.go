package concurrency

import (
	"sync/atomic"

	"github.com/nbcore/runtime/rlog"
)

// worker pops routines from its mailbox and runs them serially on a
// dedicated goroutine, one at a time, until the mailbox is closed for
// shutdown. Between pop and completion of run, the worker holds
// exclusive ownership of the routine: nothing else observes or mutates
// it concurrently.
type worker struct {
	id      int
	mailbox *mailbox
	log     rlog.Logger
	running atomic.Bool
	done    chan struct{}
}

func newWorker(id int, log rlog.Logger) *worker {
	return &worker{
		id:      id,
		mailbox: newMailbox(),
		log:     rlog.Scoped(log, "/th/"),
		done:    make(chan struct{}),
	}
}

// start launches the worker's run loop on its own goroutine.
func (w *worker) start() {
	w.running.Store(true)
	go w.loop()
}

// loop is the hot path: pop, run, repeat. The only cancellation point is
// inside mailbox.pop; once a routine has been popped it runs to
// completion unconditionally.
func (w *worker) loop() {
	defer close(w.done)
	for {
		r, ok := w.mailbox.pop()
		if !ok {
			w.running.Store(false)
			return
		}
		r.run()
	}
}

// push enqueues a routine for this worker.
func (w *worker) push(r *routine) {
	w.mailbox.push(r)
}

// stop signals shutdown and blocks until the worker goroutine has
// returned. Precondition: the caller must guarantee no further routines
// will be pushed to this worker. Pool.Shutdown detaches its worker slice
// under its lock before calling stop, so later Schedule calls find no
// workers.
func (w *worker) stop() {
	w.mailbox.closeForShutdown()
	<-w.done
}
