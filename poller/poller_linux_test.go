//go:build linux

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nbcore/runtime/internal/concurrency"
)

func newTestPool(t *testing.T) *concurrency.Pool {
	p := concurrency.NewPool(nil)
	require.NoError(t, p.Start(2))
	t.Cleanup(p.Shutdown)
	return p
}

func TestPollerDispatchesOnPipeReadiness(t *testing.T) {
	pool := newTestPool(t)
	pl, err := New(pool, nil)
	require.NoError(t, err)
	defer pl.Close()

	var fds [2]int
	err = unix.Pipe2(fds[:], unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	gotEvents := make(chan Events, 1)
	require.NoError(t, pl.Add(fds[0], EventRead, func(ev Events) {
		gotEvents <- ev
	}))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-gotEvents:
		require.NotZero(t, ev&EventRead)
	case <-time.After(time.Second):
		t.Fatal("dispatch never fired")
	}
}

func TestPollerAddDuplicateFdFails(t *testing.T) {
	pool := newTestPool(t)
	pl, err := New(pool, nil)
	require.NoError(t, err)
	defer pl.Close()

	var fds [2]int
	err = unix.Pipe2(fds[:], unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, pl.Add(fds[0], EventRead, func(Events) {}))
	err = pl.Add(fds[0], EventRead, func(Events) {})
	require.Error(t, err)
}

func TestPollerRemoveStopsFurtherDispatch(t *testing.T) {
	pool := newTestPool(t)
	pl, err := New(pool, nil)
	require.NoError(t, err)
	defer pl.Close()

	var fds [2]int
	err = unix.Pipe2(fds[:], unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	calls := make(chan Events, 8)
	require.NoError(t, pl.Add(fds[0], EventRead, func(ev Events) { calls <- ev }))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("first dispatch never arrived")
	}

	require.NoError(t, pl.Remove(fds[0]))

	_, err = unix.Write(fds[1], []byte("y"))
	require.NoError(t, err)

	select {
	case <-calls:
		t.Fatal("dispatch fired after Remove")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPollerRemoveUnknownFdFails(t *testing.T) {
	pool := newTestPool(t)
	pl, err := New(pool, nil)
	require.NoError(t, err)
	defer pl.Close()

	err = pl.Remove(999999)
	require.Error(t, err)
}
