package ws

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/pkg/types"
)

func TestWS_DialAccept(t *testing.T) {
	ctx := context.Background()
	l, err := Listen(ctx, "127.0.0.1:0", ListenOptions{Path: "ws"})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, types.ProtocolWS, l.Protocol())

	di := types.NewWSDialInfo(false, l.Addr(), l.Path())
	c, err := Dial(ctx, di, DialOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	s, err := l.Accept()
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, types.ProtocolWS, c.Flow().Protocol())
	assert.Equal(t, l.Addr(), c.Flow().Remote.Socket)
	assert.Equal(t, c.Flow().Local, s.Flow().Remote.Socket)

	require.NoError(t, c.Send([]byte("envelope")))
	require.NoError(t, s.SetReadDeadline(time.Now().Add(2*time.Second)))
	got, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("envelope"), got)
}

func TestWS_WrongPathRejected(t *testing.T) {
	ctx := context.Background()
	l, err := Listen(ctx, "127.0.0.1:0", ListenOptions{Path: "ws"})
	require.NoError(t, err)
	defer l.Close()

	di := types.NewWSDialInfo(false, l.Addr(), "/other")
	_, err = Dial(ctx, di, DialOptions{Timeout: time.Second})
	assert.Error(t, err)
}

func TestWS_AcceptAfterClose(t *testing.T) {
	l, err := Listen(context.Background(), "127.0.0.1:0", ListenOptions{})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.Accept()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWS_DialRejectsTCP(t *testing.T) {
	_, err := Dial(context.Background(), types.NewDialInfo(types.ProtocolTCP, netip.MustParseAddrPort("127.0.0.1:1")), DialOptions{})
	assert.Error(t, err)
}
