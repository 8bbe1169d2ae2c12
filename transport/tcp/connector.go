package tcp

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nbcore/runtime/internal/concurrency"
	"github.com/nbcore/runtime/poller"
	"github.com/nbcore/runtime/rlog"
)

// ConnectorConfig holds the per-socket options the reference connector
// applied (original_source/core/net/tcp-linux.cc TCPConnector::Connect):
// Nagle's algorithm left enabled unless explicitly disabled, and a
// generous default send/receive window.
type ConnectorConfig struct {
	NoDelay    bool // disable Nagle's algorithm; original default is false
	WindowSize int  // SO_SNDBUF/SO_RCVBUF size; original default is 640KiB
}

// DefaultConnectorConfig matches the original connector's defaults.
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{NoDelay: false, WindowSize: 640 * 1024}
}

// OnConnect is scheduled via the pool once a connect attempt resolves.
// status is 0 on success with ch non-nil, or -1 with ch nil on failure.
type OnConnect func(status int, ch *Channel)

// Connector drives the non-blocking connect state machine: create
// socket, set options, bind local, issue connect expecting EINPROGRESS,
// register EPOLLOUT, and on readiness distinguish success (EPOLLOUT
// alone) from failure (EPOLLERR).
type Connector struct {
	pool *concurrency.Pool
	poll poller.Poller
	log  rlog.Logger
	cfg  ConnectorConfig

	mu      sync.Mutex
	pending map[int]OnConnect
	closed  bool
}

// NewConnector constructs a Connector bound to pool and poll.
func NewConnector(pool *concurrency.Pool, poll poller.Poller, log rlog.Logger, cfg ConnectorConfig) *Connector {
	if log == nil {
		log = rlog.Nop
	}
	return &Connector{
		pool:    pool,
		poll:    poll,
		log:     rlog.Scoped(log, "/connector"),
		cfg:     cfg,
		pending: make(map[int]OnConnect),
	}
}

// Connect issues a non-blocking connect to addr.Remote, binding first to
// addr.Local (the zero value binds to the wildcard address and an
// ephemeral port, matching the original's bind-before-connect step).
// cb is delivered via the pool once the connect resolves.
func (c *Connector) Connect(addr SocketAddress, cb OnConnect) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("connector: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("connector: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(c.cfg.NoDelay)); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("connector: setsockopt TCP_NODELAY: %w", err)
	}
	if c.cfg.WindowSize > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, c.cfg.WindowSize)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, c.cfg.WindowSize)
	}

	if err := unix.Bind(fd, toSockaddrInet4(addr.Local)); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("connector: bind: %w", err)
	}

	err = unix.Connect(fd, toSockaddrInet4(addr.Remote))
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return fmt.Errorf("connector: connect: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = unix.Close(fd)
		return fmt.Errorf("connector: shut down")
	}
	c.pending[fd] = cb
	c.mu.Unlock()

	if err := c.poll.Add(fd, poller.EventWrite, func(ev poller.Events) { c.onEvent(fd, ev) }); err != nil {
		c.mu.Lock()
		delete(c.pending, fd)
		c.mu.Unlock()
		_ = unix.Close(fd)
		return fmt.Errorf("connector: poll.Add: %w", err)
	}
	return nil
}

// onEvent resolves one pending connect: EPOLLOUT alone means success,
// EPOLLERR means failure. The fd is removed from the poller before the
// result is delivered so the registration lifecycle stays clean.
func (c *Connector) onEvent(fd int, events poller.Events) {
	if err := c.poll.Remove(fd); err != nil {
		c.log.Log(rlog.LevelError, "", fmt.Sprintf("onEvent: poll.Remove: %v", err))
	}

	c.mu.Lock()
	cb, ok := c.pending[fd]
	delete(c.pending, fd)
	c.mu.Unlock()
	if !ok {
		return
	}

	if events&poller.EventError != 0 {
		c.log.Log(rlog.LevelError, "", fmt.Sprintf("connect failed fd=%d", fd))
		_ = unix.Close(fd)
		c.pool.Schedule(func() { cb(-1, nil) })
		return
	}

	ch := newChannel(fd, c.pool, c.poll, c.log)
	c.pool.Schedule(func() { cb(0, ch) })
}

// Shutdown removes every pending connect from the poller and delivers a
// failure for each, then closes their sockets.
func (c *Connector) Shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[int]OnConnect)
	c.mu.Unlock()

	for fd, cb := range pending {
		if err := c.poll.Remove(fd); err != nil {
			c.log.Log(rlog.LevelError, "", fmt.Sprintf("shutdown: poll.Remove: %v", err))
		}
		_ = unix.Close(fd)
		cbCopy := cb
		c.pool.Schedule(func() { cbCopy(-1, nil) })
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
