package udp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/pkg/types"
)

type datagram struct {
	data []byte
	flow types.Flow
}

func TestUDP_SendRecv(t *testing.T) {
	ctx := context.Background()
	a, err := Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	got := make(chan datagram, 4)
	b.Start(func(data []byte, flow types.Flow) { got <- datagram{data, flow} })
	a.Start(func([]byte, types.Flow) {})

	flow, err := a.SendTo(b.LocalAddr(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolUDP, flow.Protocol())
	assert.Equal(t, b.LocalAddr(), flow.Remote.Socket)

	select {
	case d := <-got:
		assert.Equal(t, []byte("hello"), d.data)
		assert.Equal(t, a.LocalAddr(), d.flow.Remote.Socket)
		assert.Equal(t, b.LocalAddr(), d.flow.Local)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}

	// 空数据报用于打洞
	_, err = a.SendTo(b.LocalAddr(), nil)
	require.NoError(t, err)
	select {
	case d := <-got:
		assert.Empty(t, d.data)
	case <-time.After(2 * time.Second):
		t.Fatal("empty datagram not received")
	}
}

func TestUDP_SendAfterClose(t *testing.T) {
	a, err := Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	a.Start(nil)
	require.NoError(t, a.Close())
	_, err = a.SendTo(a.LocalAddr(), []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}
