package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxFIFOOrder(t *testing.T) {
	mb := newMailbox()
	var order []int
	done := make(chan struct{})

	go func() {
		for i := 0; i < 5; i++ {
			r, ok := mb.pop()
			require.True(t, ok)
			r.run()
		}
		close(done)
	}()

	for i := 0; i < 5; i++ {
		n := i
		mb.push(newRoutine(func() { order = append(order, n) }))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pops")
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestMailboxPopBlocksUntilPush(t *testing.T) {
	mb := newMailbox()
	result := make(chan *routine, 1)

	go func() {
		r, ok := mb.pop()
		require.True(t, ok)
		result <- r
	}()

	select {
	case <-result:
		t.Fatal("pop returned before any push")
	case <-time.After(50 * time.Millisecond):
	}

	mb.push(newRoutine(func() {}))

	select {
	case <-result:
	case <-time.After(time.Second):
		t.Fatal("pop never returned after push")
	}
}

func TestMailboxCloseUnblocksPop(t *testing.T) {
	mb := newMailbox()
	done := make(chan bool, 1)

	go func() {
		_, ok := mb.pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	mb.closeForShutdown()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("closeForShutdown did not unblock pop")
	}
}

func TestMailboxIsEmpty(t *testing.T) {
	mb := newMailbox()
	assert.True(t, mb.isEmpty())
	mb.push(newRoutine(func() {}))
	assert.False(t, mb.isEmpty())
	r, ok := mb.pop()
	require.True(t, ok)
	r.run()
	assert.True(t, mb.isEmpty())
}
