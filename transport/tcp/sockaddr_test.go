package tcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveAddressSetsRemoteOnly(t *testing.T) {
	addr, err := ResolveAddress("127.0.0.1:9999")
	require.NoError(t, err)
	require.Nil(t, addr.Local)
	require.NotNil(t, addr.Remote)
	require.Equal(t, 9999, addr.Remote.Port)
}

func TestToSockaddrInet4NilIsWildcard(t *testing.T) {
	sa := toSockaddrInet4(nil)
	require.Equal(t, 0, sa.Port)
	require.Equal(t, [4]byte{0, 0, 0, 0}, sa.Addr)
}
