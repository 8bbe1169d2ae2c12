//go:build linux

package poller

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nbcore/runtime/internal/concurrency"
	"github.com/nbcore/runtime/rlog"
)

const maxEpollEvents = 128

// registration tracks the dispatch callback installed for one fd.
type registration struct {
	dispatch Dispatch
}

// epollPoller is the Linux epoll(7) edge-triggered implementation of
// Poller. Every event it observes is re-dispatched through pool.Schedule
// — the wait goroutine itself runs no user code.
type epollPoller struct {
	epfd int
	pool *concurrency.Pool
	log  rlog.Logger

	mu   sync.Mutex
	regs map[int]*registration

	closed   sync.Once
	closeCh  chan struct{}
	doneCh   chan struct{}
}

// New creates an epoll instance and starts its background wait loop,
// scheduling dispatch routines onto pool.
func New(pool *concurrency.Pool, log rlog.Logger) (Poller, error) {
	if log == nil {
		log = rlog.Nop
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	p := &epollPoller{
		epfd:    epfd,
		pool:    pool,
		log:     rlog.Scoped(log, "/poller"),
		regs:    make(map[int]*registration),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go p.waitLoop()
	return p, nil
}

func toEpollEvents(interest Events) uint32 {
	var ev uint32
	if interest&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev | unix.EPOLLET
}

func fromEpollEvents(raw uint32) Events {
	var ev Events
	if raw&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if raw&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if raw&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ev |= EventError
	}
	return ev
}

// Add registers fd with epoll_ctl(ADD) for the given interest, always in
// edge-triggered mode.
func (p *epollPoller) Add(fd int, interest Events, dispatch Dispatch) error {
	if dispatch == nil {
		return fmt.Errorf("poller: dispatch must not be nil")
	}

	p.mu.Lock()
	if _, exists := p.regs[fd]; exists {
		p.mu.Unlock()
		return fmt.Errorf("poller: fd %d already registered", fd)
	}
	p.regs[fd] = &registration{dispatch: dispatch}
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.mu.Lock()
		delete(p.regs, fd)
		p.mu.Unlock()
		return fmt.Errorf("epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Remove unregisters fd. The epoll_ctl(DEL) call happens synchronously
// before this returns, which is the happens-before fence new dispatch
// scheduling relies on: once Remove returns, no further readiness on fd
// can reach the wait loop.
func (p *epollPoller) Remove(fd int) error {
	p.mu.Lock()
	_, exists := p.regs[fd]
	delete(p.regs, fd)
	p.mu.Unlock()
	if !exists {
		return fmt.Errorf("poller: fd %d not registered", fd)
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// waitLoop is the dedicated background thread calling epoll_wait and
// re-dispatching readiness onto the pool. It performs no user work
// itself.
func (p *epollPoller) waitLoop() {
	defer close(p.doneCh)
	var events [maxEpollEvents]unix.EpollEvent
	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		// Finite timeout: closing epfd does not wake a blocked
		// epoll_wait, so the loop must come back to see closeCh.
		n, err := unix.EpollWait(p.epfd, events[:], 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EBADF {
				return // epoll fd closed by Close
			}
			p.log.Log(rlog.LevelError, "", fmt.Sprintf("epoll_wait: %v", err))
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ev := fromEpollEvents(events[i].Events)

			p.mu.Lock()
			reg, ok := p.regs[fd]
			if !ok {
				p.mu.Unlock()
				continue // raced with Remove; drop
			}

			// Scheduled under p.mu so that no dispatch for fd can follow
			// a Remove that has already returned.
			dispatch := reg.dispatch
			p.pool.Schedule(func() { dispatch(ev) })
			p.mu.Unlock()
		}
	}
}

// Close stops the wait loop and releases the epoll fd.
func (p *epollPoller) Close() error {
	var err error
	p.closed.Do(func() {
		close(p.closeCh)
		err = unix.Close(p.epfd)
		<-p.doneCh
	})
	return err
}
