package tcp

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/nbcore/runtime/internal/concurrency"
	"github.com/nbcore/runtime/poller"
	"github.com/nbcore/runtime/rerrors"
	"github.com/nbcore/runtime/rlog"
)

// iovMax bounds the number of buffers passed to a single writev(2)
// call, matching the reference implementation's use of IOV_MAX.
const iovMax = 1024

// DefaultWriteBacklog is the default bound on a channel's pending write
// buffers.
const DefaultWriteBacklog = 128

// Client is the upper-layer consumer a Channel delivers write
// completions to once registered.
type Client interface {
	// OnWriteDone is invoked once per fully flushed buffer, with the
	// byte size of that buffer — never a running cumulative total.
	// status is negative on I/O failure, in which case the channel is
	// tainted and the client must unregister and close.
	OnWriteDone(ch *Channel, status int)
}

// ReadDoneFunc is invoked at most once per Read call: from a later
// EPOLLIN dispatch once the buffer is full, or with -1 when a read
// fails. A Read that fills its buffer synchronously returns true and
// does not invoke it. status is the
// number of bytes delivered (always buf.Len() on success) or -1 on
// error.
type ReadDoneFunc func(ch *Channel, status int, buf Buffer)

// readCtx tracks the single in-flight read, if any.
type readCtx struct {
	buf       Buffer
	bytesRead int
	onDone    ReadDoneFunc
}

// Channel is a bidirectional, non-blocking byte stream bound to one
// socket. Its correctness depends on the exact ordering, affinity, and
// barrier semantics the pool and poller guarantee: event dispatch
// always arrives as a pool routine, never inline from the poller's
// wait thread.
type Channel struct {
	fd       int
	pool     *concurrency.Pool
	poll     poller.Poller
	affinity concurrency.Affinity
	log      rlog.Logger

	maxBacklog int

	mu           sync.Mutex
	writeBacklog *queue.Queue // FIFO of *Buffer, front() is the buffer currently draining
	read         *readCtx
	client       Client
	unregDone    func(status int)
	registered   bool
	closed       bool
}

// newChannel constructs a channel over an already-connected, non-
// blocking fd. Unexported: channels are only produced by Listener.Accept
// and Connector.Connect.
func newChannel(fd int, pool *concurrency.Pool, poll poller.Poller, log rlog.Logger) *Channel {
	return &Channel{
		fd:           fd,
		pool:         pool,
		poll:         poll,
		affinity:     pool.NextAffinity(),
		log:          rlog.Scoped(log, fmt.Sprintf("/chan/%d", fd)),
		maxBacklog:   DefaultWriteBacklog,
		writeBacklog: queue.New(),
	}
}

// Fd returns the underlying file descriptor, for diagnostics only.
func (c *Channel) Fd() int { return c.fd }

// RegisterClient attaches the upper layer and begins edge-triggered
// EPOLLIN|EPOLLOUT delivery. Idempotent-by-invariant: calling it twice
// without an intervening UnregisterClient is a contract violation.
func (c *Channel) RegisterClient(client Client) error {
	c.mu.Lock()
	if c.registered {
		c.mu.Unlock()
		rerrors.Fatal("tcp: RegisterClient called while already registered")
	}
	if c.closed {
		c.mu.Unlock()
		return rerrors.ErrClosed
	}
	c.client = client
	c.registered = true
	c.mu.Unlock()

	return c.poll.Add(c.fd, poller.EventRead|poller.EventWrite, func(ev poller.Events) {
		c.pool.ScheduleAffinity(c.affinity, func() { c.onEvent(ev) })
	})
}

// UnregisterClient synchronously removes the channel's poller
// registration, then fans a barrier across the pool so every routine
// already queued for this channel's fd drains before onDone fires. This
// is the only thing that makes detach-then-close safe, because
// epoll.Remove is a happens-before fence for new dispatches and the
// barrier drains older ones.
func (c *Channel) UnregisterClient(client Client, onDone func(status int)) {
	c.mu.Lock()
	if !c.registered || c.client != client {
		c.mu.Unlock()
		rerrors.Fatal("tcp: UnregisterClient without a matching registration")
	}
	c.unregDone = onDone
	c.mu.Unlock()

	if err := c.poll.Remove(c.fd); err != nil {
		c.log.Log(rlog.LevelError, "", fmt.Sprintf("unregister: poll.Remove: %v", err))
	}

	// The poller's own first hop (waitLoop -> pool.Schedule) is plain
	// round-robin, not affinity-routed: an in-flight wrapper routine for
	// this fd's last dispatch could still be sitting in any worker's
	// mailbox, waiting to make the second, affinity-routed hop into
	// onEvent. The drain must therefore fan out to every worker, not just
	// this channel's own affinity slot.
	c.pool.ScheduleBarrier(c.barrierDone)
}

// barrierDone runs once every worker has drained everything queued
// ahead of the fan-out: it is therefore guaranteed no further
// event-triggered routine for this fd is in flight. It detaches the
// client and delivers the completion.
func (c *Channel) barrierDone() {
	c.mu.Lock()
	client := c.client
	onDone := c.unregDone
	c.writeBacklog = queue.New()
	c.read = nil
	c.client = nil
	c.unregDone = nil
	c.registered = false
	c.mu.Unlock()

	_ = client
	if onDone != nil {
		onDone(0)
	}
}

// EnqueueWrite appends buf to the write backlog. If the backlog was
// empty, it attempts a synchronous drain and returns the number of
// bytes written immediately (which may be less than len(buf) on a
// partial writev — the residual stays at the front of the backlog).
// Otherwise it returns 0 after a further drain attempt whose fully
// flushed buffers are reported through OnWriteDone; what remains drains
// on a later EPOLLOUT.
// Returns rerrors.ErrBusy if the backlog is already at MAX_BACKLOG.
func (c *Channel) EnqueueWrite(buf Buffer) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, rerrors.ErrClosed
	}
	if c.writeBacklog.Length() >= c.maxBacklog {
		return 0, rerrors.ErrBusy
	}

	wasEmpty := c.writeBacklog.Length() == 0
	c.writeBacklog.Add(&buf)

	if wasEmpty {
		return c.drainWriteLocked(false), nil
	}
	c.drainWriteLocked(true)
	return 0, nil
}

// Read installs buf as the single in-flight read context and attempts a
// synchronous drain. Precondition: no read already pending — violating
// it is a contract violation (fatal). Returns true if the buffer was
// filled synchronously, in which case onDone is not invoked; false means
// either that completion will arrive later from an EPOLLIN dispatch, at
// which point onDone fires once with buf.Len() bytes delivered, or that
// a read error has already been reported through onDone with -1.
func (c *Channel) Read(buf Buffer, onDone ReadDoneFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		rerrors.Fatal("tcp: Read called on a closed channel")
	}
	if c.read != nil {
		rerrors.Fatal("tcp: Read called with a read already pending")
	}

	c.read = &readCtx{buf: buf, onDone: onDone}
	return c.drainReadLocked(false)
}

// Close releases the socket. Precondition: no registered client — the
// caller must have completed UnregisterClient first. Double close is a
// contract violation (fatal).
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.registered {
		c.mu.Unlock()
		rerrors.Fatal("tcp: Close called while a client is still registered")
	}
	if c.closed {
		c.mu.Unlock()
		rerrors.Fatal("tcp: double Close")
	}
	c.closed = true
	c.mu.Unlock()

	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	return unix.Close(c.fd)
}

// onEvent is the poller's dispatch callback. The poller always hands
// readiness to the pool round-robin first (see poller.New); RegisterClient
// wraps that hop in a second c.pool.ScheduleAffinity(c.affinity, ...) so
// onEvent itself only ever runs on this channel's own affinity worker,
// never inline from the poller's wait thread and never concurrently with
// another onEvent call for the same channel.
func (c *Channel) onEvent(events poller.Events) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.registered {
		return // raced with UnregisterClient; barrier will settle this
	}

	if events&poller.EventRead != 0 {
		c.drainReadLocked(true)
	}
	if events&poller.EventWrite != 0 {
		c.drainWriteLocked(true)
	}
}

// drainReadLocked drains the socket into the pending read buffer until
// either the buffer is full, EAGAIN, a zero-byte read (treated as "no
// more data right now", not EOF), or an error. Caller must hold c.mu.
func (c *Channel) drainReadLocked(isAsync bool) bool {
	if c.read == nil {
		return false
	}
	rc := c.read

	for {
		if rc.bytesRead >= rc.buf.Len() {
			break
		}
		dst := rc.buf.Bytes()[rc.bytesRead:]
		n, err := unix.Read(c.fd, dst)

		if err != nil {
			if err == unix.EAGAIN {
				return false
			}
			c.log.Log(rlog.LevelError, "", fmt.Sprintf("read: %v", err))
			c.read = nil
			onDone := rc.onDone
			c.mu.Unlock()
			onDone(c, -1, Buffer{})
			c.mu.Lock()
			return false
		}

		if n == 0 {
			// No more bytes right now; not treated as EOF.
			break
		}

		rc.bytesRead += n

		if rc.bytesRead == rc.buf.Len() {
			c.read = nil
			if isAsync {
				onDone := rc.onDone
				buf := rc.buf
				c.mu.Unlock()
				onDone(c, buf.Len(), buf)
				c.mu.Lock()
			}
			return true
		}
	}

	return false
}

// drainWriteLocked writes pending backlog buffers via writev(2) over up
// to iovMax front buffers, trimming exactly the bytes the kernel
// accepted and invoking OnWriteDone once per fully flushed buffer with
// that buffer's own size. Caller must hold c.mu.
func (c *Channel) drainWriteLocked(isAsync bool) int {
	total := 0

	for {
		n := c.writeBacklog.Length()
		if n == 0 {
			break
		}
		if n > iovMax {
			n = iovMax
		}

		iovecs := make([][]byte, n)
		for i := 0; i < n; i++ {
			buf := c.writeBacklog.Get(i).(*Buffer)
			iovecs[i] = buf.Bytes()
		}

		written, err := unix.Writev(c.fd, iovecs)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			c.log.Log(rlog.LevelError, "", fmt.Sprintf("writev: %v", err))
			if isAsync && c.client != nil {
				client := c.client
				c.mu.Unlock()
				client.OnWriteDone(c, -1)
				c.mu.Lock()
			}
			return -1
		}
		if written == 0 {
			break
		}

		total += written
		remaining := written
		for remaining > 0 {
			front := c.writeBacklog.Peek().(*Buffer)
			if remaining >= front.Len() {
				flushed := c.writeBacklog.Remove().(*Buffer)
				remaining -= flushed.Len()
				if isAsync && c.client != nil {
					client := c.client
					size := flushed.Len()
					c.mu.Unlock()
					client.OnWriteDone(c, size)
					c.mu.Lock()
				}
			} else {
				// front is a pointer stored directly in the backlog, so
				// mutating it in place advances the queue's own element
				// without a separate Set/replace operation.
				front.Cut(remaining)
				remaining = 0
			}
		}
	}

	return total
}
