package transport

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/pkg/types"
)

func loopbackConfig() Config {
	return Config{
		UDP: ListenConfig{Enabled: true, Listen: "127.0.0.1:0"},
		TCP: ListenConfig{Enabled: true, Listen: "127.0.0.1:0"},
		WS:  ListenConfig{Enabled: true, Listen: "127.0.0.1:0", Path: "ws"},
	}
}

func TestManager_AcceptAndConnect(t *testing.T) {
	ctx := context.Background()
	server := NewManager(loopbackConfig())
	accepted := make(chan ProtocolConnection, 4)
	datagrams := make(chan types.Flow, 4)
	server.SetHandlers(
		func(c ProtocolConnection) { accepted <- c },
		func(_ []byte, f types.Flow) { datagrams <- f },
	)
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	client := NewManager(loopbackConfig())
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	tcpAddr, ok := server.ListenAddress(types.ProtocolTCP)
	require.True(t, ok)

	c, err := client.Connect(ctx, netip.AddrPort{}, types.NewDialInfo(types.ProtocolTCP, tcpAddr), 2*time.Second)
	require.NoError(t, err)
	defer c.Close()

	select {
	case s := <-accepted:
		assert.Equal(t, c.Flow().Local, s.Flow().Remote.Socket)
		_ = s.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("accept callback not invoked")
	}

	wsAddr, ok := server.ListenAddress(types.ProtocolWS)
	require.True(t, ok)
	wc, err := client.Connect(ctx, netip.AddrPort{}, types.NewWSDialInfo(false, wsAddr, "ws"), 2*time.Second)
	require.NoError(t, err)
	defer wc.Close()
	assert.Equal(t, types.ProtocolWS, wc.Flow().Protocol())

	udpAddr, ok := server.ListenAddress(types.ProtocolUDP)
	require.True(t, ok)
	flow, err := client.SendDatagram(udpAddr, []byte{})
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolUDP, flow.Protocol())
	select {
	case f := <-datagrams:
		assert.Equal(t, types.ProtocolUDP, f.Protocol())
	case <-time.After(2 * time.Second):
		t.Fatal("datagram callback not invoked")
	}
}

func TestManager_ConnectRejectsUDPAndDisabled(t *testing.T) {
	m := NewManager(Config{UDP: ListenConfig{Enabled: true}, TCP: ListenConfig{Enabled: true}})
	_, err := m.Connect(context.Background(), netip.AddrPort{}, types.NewDialInfo(types.ProtocolUDP, netip.MustParseAddrPort("127.0.0.1:1")), time.Second)
	assert.ErrorIs(t, err, ErrNotConnectionOriented)

	_, err = m.Connect(context.Background(), netip.AddrPort{}, types.NewWSDialInfo(false, netip.MustParseAddrPort("127.0.0.1:1"), ""), time.Second)
	assert.ErrorIs(t, err, ErrProtocolDisabled)

	assert.Equal(t, types.NewProtocolTypeSet(types.ProtocolUDP, types.ProtocolTCP), m.OutboundProtocols())
}

func TestManager_PreferredLocalAddress(t *testing.T) {
	m := NewManager(Config{TCP: ListenConfig{Enabled: true, Listen: "0.0.0.0:0"}})
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	la, ok := m.ListenAddress(types.ProtocolTCP)
	require.True(t, ok)

	di := types.NewDialInfo(types.ProtocolTCP, netip.MustParseAddrPort("10.1.2.3:5150"))
	pref := m.PreferredLocalAddress(di)
	assert.Equal(t, la.Port(), pref.Port())
	assert.True(t, pref.Addr().IsUnspecified())

	// 未监听的协议使用临时端口
	assert.False(t, m.PreferredLocalAddress(types.NewWSDialInfo(false, di.Socket, "")).IsValid())
}

func TestManager_StopIdempotent(t *testing.T) {
	m := NewManager(loopbackConfig())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	_, err := m.SendDatagram(netip.MustParseAddrPort("127.0.0.1:1"), nil)
	assert.ErrorIs(t, err, ErrNotStarted)
}
