package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/receipt"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

// countSelections 统计联系方式选择次数
func countSelections(env *testEnv) *int {
	n := new(int)
	inner := env.nm.selectContactMethod
	env.nm.selectContactMethod = func(req routing.ContactMethodRequest) routing.ContactMethod {
		*n++
		return inner(req)
	}
	return n
}

// ============================================================================
// 直连
// ============================================================================

func TestSendData_Direct(t *testing.T) {
	env := newTestEnv(t, nil)
	dest := tcpDetail("9.9.9.9:5150")
	target := env.register(t, peerInfo(newIdentity(t).BestNodeID(), 1, dest))

	res := env.nm.SendData(context.Background(), target, []byte("a"))
	require.True(t, res.IsValue(), res.String())
	assert.Equal(t, routing.ContactDirect, res.Value.ContactMethod.Kind)
	assert.Equal(t, dest.DialInfo, res.Value.ContactMethod.DialInfo)
	assert.Nil(t, res.Value.RelayContactMethod)

	sends := env.ll.dialSends()
	require.Len(t, sends, 1)
	assert.Equal(t, []byte("a"), sends[0].data)

	last, ok := target.LastFlow()
	require.True(t, ok)
	assert.Equal(t, res.Value.Flow, last)
}

func TestSendData_CachedContactMethod(t *testing.T) {
	env := newTestEnv(t, nil)
	calls := countSelections(env)
	target := env.register(t, peerInfo(newIdentity(t).BestNodeID(), 1, tcpDetail("9.9.9.9:5150")))

	for i := 0; i < 3; i++ {
		res := env.nm.SendData(context.Background(), target, []byte("a"))
		require.True(t, res.IsValue(), res.String())
		assert.Equal(t, routing.ContactDirect, res.Value.ContactMethod.Kind)
	}
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, env.nm.cache.len())

	// 后续发送复用最近 Flow
	assert.Len(t, env.ll.dialSends(), 1)
	assert.Len(t, env.ll.flowSends(), 2)
	assert.Equal(t, KindStats{Success: 3}, env.nm.ContactMethodStats()[routing.ContactDirect])
}

func TestSendData_NewPeerInfoInvalidatesCache(t *testing.T) {
	env := newTestEnv(t, nil)
	calls := countSelections(env)
	id := newIdentity(t).BestNodeID()
	target := env.register(t, peerInfo(id, 1, tcpDetail("9.9.9.9:5150")))

	require.True(t, env.nm.SendData(context.Background(), target, []byte("a")).IsValue())
	env.register(t, peerInfo(id, 2, tcpDetail("9.9.9.9:5151")))
	require.True(t, env.nm.SendData(context.Background(), target, []byte("a")).IsValue())
	assert.Equal(t, 2, *calls)
}

func TestSendData_DirectFailureMarksDialInfo(t *testing.T) {
	env := newTestEnv(t, nil)
	dest := tcpDetail("9.9.9.9:5150")
	env.ll.failDials[dest.DialInfo] = true
	target := env.register(t, peerInfo(newIdentity(t).BestNodeID(), 1, dest))

	res := env.nm.SendData(context.Background(), target, []byte("a"))
	assert.Equal(t, types.ResultNoConnection, res.Kind)
	_, failed := env.filter.GetDialInfoFailedTS(dest.DialInfo)
	assert.True(t, failed)
	assert.Equal(t, 0, env.nm.cache.len())
	assert.Equal(t, uint64(1), env.nm.ContactMethodStats()[routing.ContactDirect].Failure)
}

func TestSendData_StaleFlowFallsBackToDialInfo(t *testing.T) {
	env := newTestEnv(t, nil)
	dest := tcpDetail("9.9.9.9:5150")
	target := env.register(t, peerInfo(newIdentity(t).BestNodeID(), 1, dest))
	target.SetLastFlow(tcpFlow("9.9.9.9:5150"), env.rt.Now())
	env.ll.failFlows = true

	res := env.nm.SendData(context.Background(), target, []byte("a"))
	require.True(t, res.IsValue(), res.String())
	assert.Len(t, env.ll.dialSends(), 1)
}

func TestSendData_ExistingWithoutFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	target, err := env.rt.RegisterNodeWithID(types.RoutingDomainPublicInternet, newIdentity(t).BestNodeID(), tcpFlow("9.9.9.9:1"), env.rt.Now())
	require.NoError(t, err)

	res := env.nm.SendData(context.Background(), target, []byte("a"))
	require.True(t, res.IsValue(), res.String())
	assert.Equal(t, routing.ContactExisting, res.Value.ContactMethod.Kind)

	env.ll.failFlows = true
	res = env.nm.SendData(context.Background(), target, []byte("a"))
	assert.Equal(t, types.ResultNoConnection, res.Kind)
	_, ok := target.LastFlow()
	assert.False(t, ok)
}

func TestSendData_NotStarted(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.nm.Stop(context.Background()))
	target := env.register(t, peerInfo(newIdentity(t).BestNodeID(), 1, tcpDetail("9.9.9.9:5150")))

	res := env.nm.SendData(context.Background(), target, []byte("a"))
	assert.Equal(t, types.ResultServiceUnavailable, res.Kind)
}

// ============================================================================
// 中继
// ============================================================================

func TestSendData_InboundRelay(t *testing.T) {
	env := newTestEnv(t, nil)
	relayDI := tcpDetail("8.8.8.8:5150")
	relayID := newIdentity(t).BestNodeID()
	env.register(t, peerInfo(relayID, 1, relayDI))

	pi := peerInfo(newIdentity(t).BestNodeID(), 1)
	pi.NodeInfo.NetworkClass = types.NetworkClassOutboundOnly
	pi.NodeInfo.RelayIDs = types.TypedKeyGroup{relayID}
	target := env.register(t, pi)

	res := env.nm.SendData(context.Background(), target, []byte("a"))
	require.True(t, res.IsValue(), res.String())
	assert.Equal(t, routing.ContactInboundRelay, res.Value.ContactMethod.Kind)
	require.NotNil(t, res.Value.RelayContactMethod)
	assert.Equal(t, routing.ContactDirect, res.Value.RelayContactMethod.Kind)
	assert.Equal(t, relayDI.DialInfo, env.ll.dialSends()[0].di)
}

func TestSendData_RelayLoop(t *testing.T) {
	env := newTestEnv(t, nil)
	id := newIdentity(t).BestNodeID()
	target := env.register(t, peerInfo(id, 1, tcpDetail("9.9.9.9:5150")))
	env.nm.selectContactMethod = func(routing.ContactMethodRequest) routing.ContactMethod {
		return routing.ContactMethod{Kind: routing.ContactInboundRelay, RelayID: id}
	}

	res := env.nm.SendData(context.Background(), target, []byte("a"))
	assert.Equal(t, types.ResultNoConnection, res.Kind)
	assert.Empty(t, env.ll.dialSends())
}

func TestSendData_OutboundRelayUsesOwnRelay(t *testing.T) {
	env := newTestEnv(t, nil)
	relayDI := tcpDetail("8.8.8.8:5150")
	relay := env.register(t, peerInfo(newIdentity(t).BestNodeID(), 1, relayDI))
	env.rt.SetRelayNode(types.RoutingDomainPublicInternet, relay)

	targetID := newIdentity(t).BestNodeID()
	target := env.register(t, peerInfo(targetID, 1))
	// 只有发往目标时走出站中继，发往中继本身仍用真实选择
	inner := env.nm.selectContactMethod
	env.nm.selectContactMethod = func(req routing.ContactMethodRequest) routing.ContactMethod {
		if req.Target != nil && req.Target.NodeIDs.Contains(targetID) {
			return routing.ContactMethod{Kind: routing.ContactOutboundRelay, RelayID: relay.BestNodeID()}
		}
		return inner(req)
	}

	res := env.nm.SendData(context.Background(), target, []byte("a"))
	require.True(t, res.IsValue(), res.String())
	assert.Equal(t, routing.ContactOutboundRelay, res.Value.ContactMethod.Kind)
	require.NotNil(t, res.Value.RelayContactMethod)
	assert.Equal(t, routing.ContactDirect, res.Value.RelayContactMethod.Kind)
	assert.Equal(t, relayDI.DialInfo, env.ll.dialSends()[0].di)

	// 到中继的 Flow 被加入优先集合
	env.ll.mu.Lock()
	defer env.ll.mu.Unlock()
	require.Len(t, env.ll.priority, 1)
	assert.Equal(t, relayDI.DialInfo.Socket, env.ll.priority[0].Remote.Socket)
}

func TestUpdateProtections(t *testing.T) {
	env := newTestEnv(t, nil)
	relayDI := tcpDetail("8.8.8.8:5150")
	relay := env.register(t, peerInfo(newIdentity(t).BestNodeID(), 1, relayDI, udpDetail("8.8.8.8:5151", types.DialInfoClassDirect)))
	env.rt.SetRelayNode(types.RoutingDomainPublicInternet, relay)

	env.ll.mu.Lock()
	defer env.ll.mu.Unlock()
	last := env.ll.protections[len(env.ll.protections)-1]
	require.Len(t, last, 1)
	assert.Equal(t, []types.DialInfo{relayDI.DialInfo}, last[0].DialInfos)
}

// ============================================================================
// 信令
// ============================================================================

// signalSetup 目标在 NAT 后，本节点可入站
func signalSetup(t *testing.T, env *testEnv) (target routing.NodeRef, relayDI types.DialInfoDetail) {
	t.Helper()
	env.rt.SetOwnNodeInfo(types.RoutingDomainPublicInternet, nodeInfo(tcpDetail("5.6.7.8:5150")))

	relayDI = tcpDetail("8.8.8.8:5150")
	relayID := newIdentity(t).BestNodeID()
	env.register(t, peerInfo(relayID, 1, relayDI))

	pi := peerInfo(newIdentity(t).BestNodeID(), 1, udpDetail("9.9.9.9:5150", types.DialInfoClassPortRestrictedNAT))
	pi.NodeInfo.NetworkClass = types.NetworkClassOutboundOnly
	pi.NodeInfo.RelayIDs = types.TypedKeyGroup{relayID}
	return env.register(t, pi), relayDI
}

func TestSendData_ReverseConnect(t *testing.T) {
	env := newTestEnv(t, nil)
	target, _ := signalSetup(t, env)
	back := tcpFlow("9.9.9.9:40000")

	env.rpc.onSignal = func(_, _ routing.NodeRef, info SignalInfo) {
		assert.Equal(t, SignalReverseConnect, info.Kind)
		assert.Equal(t, env.ownID(), info.PeerInfo.NodeIDs[0])
		err := env.nm.HandleReturnedReceipt(info.Receipt, receipt.ReturnedInBand, target.BestNodeID(), back, types.RouteID{})
		assert.NoError(t, err)
	}

	res := env.nm.SendData(context.Background(), target, []byte("a"))
	require.True(t, res.IsValue(), res.String())
	assert.Equal(t, routing.ContactSignalReverse, res.Value.ContactMethod.Kind)
	assert.Equal(t, back.Flow, res.Value.Flow.Flow)

	sends := env.ll.flowSends()
	require.Len(t, sends, 1)
	assert.Equal(t, back.Flow, sends[0].flow)
	assert.Equal(t, []byte("a"), sends[0].data)
}

func TestSendData_SignalTimeoutFallsBackToRelay(t *testing.T) {
	env := newTestEnv(t, nil)
	target, relayDI := signalSetup(t, env)

	env.rpc.onSignal = func(_, _ routing.NodeRef, _ SignalInfo) {
		env.clock.Add(env.nm.cfg.ReverseConnectionReceiptTime + time.Second)
		env.receipts.Tick()
	}

	res := env.nm.SendData(context.Background(), target, []byte("a"))
	require.True(t, res.IsValue(), res.String())
	assert.Equal(t, routing.ContactInboundRelay, res.Value.ContactMethod.Kind)
	require.NotNil(t, res.Value.RelayContactMethod)
	assert.Equal(t, relayDI.DialInfo, res.Value.RelayContactMethod.DialInfo)

	stats := env.nm.ContactMethodStats()
	assert.Equal(t, uint64(1), stats[routing.ContactSignalReverse].Failure)
	assert.Equal(t, uint64(1), stats[routing.ContactInboundRelay].Success)
}

func TestHandleSignal(t *testing.T) {
	t.Run("反向连接", func(t *testing.T) {
		env := newTestEnv(t, nil)
		caller := newIdentity(t).BestNodeID()
		err := env.nm.HandleSignal(context.Background(), SignalInfo{
			Kind:     SignalReverseConnect,
			Receipt:  []byte("rcpt"),
			PeerInfo: peerInfo(caller, 1, tcpDetail("5.6.7.8:5150")),
		})
		require.NoError(t, err)
		require.Len(t, env.rpc.returned, 1)
		assert.Equal(t, caller, env.rpc.returned[0].target.BestNodeID())
		assert.Equal(t, []byte("rcpt"), env.rpc.returned[0].data)
	})

	t.Run("打洞", func(t *testing.T) {
		env := newTestEnv(t, nil)
		caller := newIdentity(t).BestNodeID()
		udp := udpDetail("5.6.7.8:5151", types.DialInfoClassPortRestrictedNAT)
		err := env.nm.HandleSignal(context.Background(), SignalInfo{
			Kind:     SignalHolePunch,
			Receipt:  []byte("rcpt"),
			PeerInfo: peerInfo(caller, 1, tcpDetail("5.6.7.8:5150"), udp),
		})
		require.NoError(t, err)

		sends := env.ll.dialSends()
		require.Len(t, sends, 1)
		assert.Equal(t, udp.DialInfo, sends[0].di)
		assert.Empty(t, sends[0].data)

		require.Len(t, env.rpc.returned, 1)
		last, ok := env.rpc.returned[0].target.LastFlow()
		require.True(t, ok)
		assert.Equal(t, types.ProtocolUDP, last.Flow.Protocol())
	})

	t.Run("能力关闭", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.SignalEnabled = false })
		err := env.nm.HandleSignal(context.Background(), SignalInfo{
			Kind:     SignalReverseConnect,
			PeerInfo: peerInfo(newIdentity(t).BestNodeID(), 1),
		})
		assert.ErrorIs(t, err, ErrInvalidSignal)
	})

	t.Run("缺少节点信息", func(t *testing.T) {
		env := newTestEnv(t, nil)
		err := env.nm.HandleSignal(context.Background(), SignalInfo{Kind: SignalReverseConnect})
		assert.ErrorIs(t, err, ErrInvalidSignal)
	})
}

func TestSignalKind_String(t *testing.T) {
	assert.Equal(t, "HolePunch", SignalHolePunch.String())
	assert.Equal(t, "SignalKind(9)", SignalKind(9).String())
}
