package tcp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type echoClient struct {
	ch *Channel
}

func (e *echoClient) OnWriteDone(ch *Channel, status int) {}

func addrOn(port int) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
}

func TestListenerConnectorEchoRoundTrip(t *testing.T) {
	pool, pl := newTestRuntime(t)

	const port = 18991
	payload := []byte("the quick brown fox")

	accepted := make(chan *Channel, 1)
	lst, err := Listen(addrOn(port), pool, pl, nil, func(status int, ch *Channel) {
		require.Equal(t, 0, status)
		accepted <- ch
	})
	require.NoError(t, err)
	defer lst.Shutdown()

	connector := NewConnector(pool, pl, nil, DefaultConnectorConfig())
	connected := make(chan *Channel, 1)
	err = connector.Connect(SocketAddress{Remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}}, func(status int, ch *Channel) {
		require.Equal(t, 0, status)
		connected <- ch
	})
	require.NoError(t, err)

	var serverCh, clientCh *Channel
	select {
	case serverCh = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted")
	}
	select {
	case clientCh = <-connected:
	case <-time.After(time.Second):
		t.Fatal("client never connected")
	}

	serverClient := &echoClient{ch: serverCh}
	clientClient := &echoClient{ch: clientCh}
	require.NoError(t, serverCh.RegisterClient(serverClient))
	require.NoError(t, clientCh.RegisterClient(clientClient))

	gotServer := make(chan []byte, 1)
	serverCh.Read(NewBuffer(make([]byte, len(payload))), func(c *Channel, status int, b Buffer) {
		gotServer <- append([]byte(nil), b.Bytes()...)
	})

	_, err = clientCh.EnqueueWrite(NewBuffer(payload))
	require.NoError(t, err)

	select {
	case b := <-gotServer:
		require.Equal(t, payload, b)
	case <-time.After(time.Second):
		t.Fatal("server never received echoed payload")
	}
}

func TestListenerDrainsConcurrentAcceptBurst(t *testing.T) {
	pool, pl := newTestRuntime(t)

	const port = 18992
	const n = 32

	var mu sync.Mutex
	seen := map[int]bool{}
	accepted := make(chan struct{}, n)

	lst, err := Listen(addrOn(port), pool, pl, nil, func(status int, ch *Channel) {
		if status != 0 {
			return
		}
		mu.Lock()
		seen[ch.Fd()] = true
		mu.Unlock()
		accepted <- struct{}{}
	})
	require.NoError(t, err)
	defer lst.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", "127.0.0.1:18992")
			if err == nil {
				defer conn.Close()
			}
		}()
	}
	wg.Wait()

	count := 0
	timeout := time.After(2 * time.Second)
	for count < n {
		select {
		case <-accepted:
			count++
		case <-timeout:
			t.Fatalf("only %d/%d connections delivered", count, n)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
}

func TestConnectorFailureDeliversErrorStatus(t *testing.T) {
	pool, pl := newTestRuntime(t)

	connector := NewConnector(pool, pl, nil, DefaultConnectorConfig())
	result := make(chan int, 1)
	// Port 1 is privileged/unused in test sandboxes; connect should fail.
	err := connector.Connect(SocketAddress{Remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}}, func(status int, ch *Channel) {
		result <- status
	})
	require.NoError(t, err)

	select {
	case status := <-result:
		require.Equal(t, -1, status)
	case <-time.After(2 * time.Second):
		t.Fatal("connector never delivered a result")
	}
}
