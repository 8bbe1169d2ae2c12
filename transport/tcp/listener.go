package tcp

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nbcore/runtime/internal/concurrency"
	"github.com/nbcore/runtime/poller"
	"github.com/nbcore/runtime/rlog"
)

// DefaultListenBacklog is the kernel listen(2) backlog, matching the
// original TCPServer's MAXBACKLOG.
const DefaultListenBacklog = 1024

// OnAccept is scheduled via the pool for every accepted connection (or
// accept failure). status is 0 on success with ch non-nil, or -1 with
// ch nil on failure.
type OnAccept func(status int, ch *Channel)

// Listener binds, listens, and drives the accept state machine: it
// registers the listening socket for EPOLLIN and, on each edge-
// triggered wakeup, drains accept4(2) until EAGAIN so a burst of
// simultaneous connectors is never partially dropped.
type Listener struct {
	fd   int
	pool *concurrency.Pool
	poll poller.Poller
	log  rlog.Logger

	mu     sync.Mutex
	onConn OnAccept
	closed bool
}

// Listen binds addr, listens with DefaultListenBacklog, registers for
// EPOLLIN, and begins delivering accepted connections to onConn via the
// pool.
func Listen(addr *unix.SockaddrInet4, pool *concurrency.Pool, poll poller.Poller, log rlog.Logger, onConn OnAccept) (*Listener, error) {
	if log == nil {
		log = rlog.Nop
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("listener: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listener: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listener: bind: %w", err)
	}
	if err := unix.Listen(fd, DefaultListenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listener: listen: %w", err)
	}

	l := &Listener{
		fd:     fd,
		pool:   pool,
		poll:   poll,
		log:    rlog.Scoped(log, fmt.Sprintf("/listener/%d", fd)),
		onConn: onConn,
	}

	if err := poll.Add(fd, poller.EventRead, l.onEvent); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listener: poll.Add: %w", err)
	}

	return l, nil
}

// onEvent is the poller's dispatch callback for the listening socket; it
// runs as a pool routine. Edge-triggered semantics require draining
// accept4 until EAGAIN, since the kernel only signals the level
// transition once even if several connections arrived in the same
// readiness window. Each accepted connection (or accept failure) is
// delivered via its own fresh l.pool.Schedule call, matching
// Connector.onEvent, so a burst of simultaneously accepted connections
// fans out across the pool instead of running serially, non-preemptibly,
// inside this one drain routine.
func (l *Listener) onEvent(poller.Events) {
	for {
		connFd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			l.log.Log(rlog.LevelError, "", fmt.Sprintf("accept4: %v", err))
			l.pool.Schedule(func() { l.deliver(-1, nil) })
			continue
		}

		ch := newChannel(connFd, l.pool, l.poll, l.log)
		l.pool.Schedule(func() { l.deliver(0, ch) })
	}
}

func (l *Listener) deliver(status int, ch *Channel) {
	l.mu.Lock()
	cb := l.onConn
	l.mu.Unlock()
	if cb != nil {
		cb(status, ch)
	}
}

// Shutdown unregisters the listening socket so no new connections are
// delivered, then closes it.
func (l *Listener) Shutdown() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.onConn = nil
	l.mu.Unlock()

	if err := l.poll.Remove(l.fd); err != nil {
		l.log.Log(rlog.LevelError, "", fmt.Sprintf("shutdown: poll.Remove: %v", err))
	}
	_ = unix.Shutdown(l.fd, unix.SHUT_RDWR)
	return unix.Close(l.fd)
}
