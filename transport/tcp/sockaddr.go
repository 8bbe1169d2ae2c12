package tcp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SocketAddress pairs a local and remote address for a connection.
type SocketAddress struct {
	Local  *net.TCPAddr
	Remote *net.TCPAddr
}

// ResolveAddress parses "host:port" into a SocketAddress with only the
// remote side set; the local side defaults to the wildcard address
// (any local IP, ephemeral port), matching the original connector's
// bind-to-zero-value-before-connect behavior.
func ResolveAddress(hostport string) (SocketAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp4", hostport)
	if err != nil {
		return SocketAddress{}, fmt.Errorf("resolve %q: %w", hostport, err)
	}
	return SocketAddress{Remote: addr}, nil
}

// toSockaddrInet4 converts a *net.TCPAddr to the raw kernel sockaddr
// form used by the unix syscalls. A nil addr maps to the wildcard
// address (INADDR_ANY, port 0).
func toSockaddrInet4(addr *net.TCPAddr) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{}
	if addr == nil {
		return sa
	}
	sa.Port = addr.Port
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa
}
