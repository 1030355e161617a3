package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/network"
	"github.com/dep2p/go-overlay/internal/core/receipt"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
// 直连问答
// ============================================================================

func TestStatus_Direct(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b"}, nil)
	a, b := tn.node("a"), tn.node("b")
	a.learn(t, b)

	res := a.proc.Status(context.Background(), Direct(a.ref(t, b)))
	require.True(t, res.IsValue(), res.String())
	require.NotNil(t, res.Value.Observed)
	assert.Equal(t, types.NewPeerAddress(a.addr, types.ProtocolTCP), *res.Value.Observed)
	assert.Equal(t, b.rt.OwnPeerInfo(types.RoutingDomainPublicInternet).Timestamp(), res.Value.NodeInfoTS)
	assert.Equal(t, 0, a.proc.waiters.len())

	// b 通过提问携带的节点信息认识了 a
	_, ok := b.rt.LookupNodeRef(a.nodeID())
	assert.True(t, ok)
}

func TestQuestion_Timeout(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b"}, func(name string, cfg *Config) {
		if name == "a" {
			cfg.Timeout = 100 * time.Millisecond
		}
	})
	a, b := tn.node("a"), tn.node("b")
	a.learn(t, b)
	tn.setDrop(func(from, _ *testNode) bool { return from == b })

	res := a.proc.Status(context.Background(), Direct(a.ref(t, b)))
	assert.True(t, res.IsTimeout(), res.String())
	assert.Equal(t, 0, a.proc.waiters.len())
}

func TestQuestion_NoConnection(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b"}, nil)
	a := tn.node("a")
	ghost := newTestNet(t, []string{"ghost"}, nil).node("ghost")
	a.learn(t, ghost)

	res := a.proc.Status(context.Background(), Direct(a.ref(t, ghost)))
	assert.Equal(t, types.ResultNoConnection, res.Kind)
	assert.Equal(t, 0, a.proc.waiters.len())
}

func TestQuestion_CallerCancelled(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b"}, nil)
	a, b := tn.node("a"), tn.node("b")
	a.learn(t, b)
	tn.setDrop(func(from, _ *testNode) bool { return from == b })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	res := a.proc.Status(ctx, Direct(a.ref(t, b)))
	assert.Equal(t, types.ResultNoConnection, res.Kind)
	assert.Equal(t, 0, a.proc.waiters.len())
}

func TestProcessor_Stopped(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b"}, nil)
	a, b := tn.node("a"), tn.node("b")
	a.learn(t, b)
	require.NoError(t, a.proc.Stop(context.Background()))

	res := a.proc.Status(context.Background(), Direct(a.ref(t, b)))
	assert.Equal(t, types.ResultServiceUnavailable, res.Kind)
	assert.ErrorIs(t, a.proc.EnqueueMessage(network.Message{}), ErrNotStarted)

	// 重复停止无副作用
	assert.NoError(t, a.proc.Stop(context.Background()))
}

func TestFindNode(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b", "c", "d"}, nil)
	a, b, c, d := tn.node("a"), tn.node("b"), tn.node("c"), tn.node("d")
	a.learn(t, b)
	b.learn(t, c, d)

	res := a.proc.FindNode(context.Background(), Direct(a.ref(t, b)), c.nodeID())
	require.True(t, res.IsValue(), res.String())

	var got []types.TypedKey
	for _, pi := range res.Value {
		got = append(got, pi.NodeIDs[0])
	}
	// 自己的节点信息被过滤
	assert.ElementsMatch(t, []types.TypedKey{c.nodeID(), d.nodeID()}, got)
}

func TestFindNode_CapabilityFilter(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b", "c"}, nil)
	a, b, c := tn.node("a"), tn.node("b"), tn.node("c")

	ni := testNodeInfo(c.addr)
	ni.Capabilities = []types.Capability{types.CapabilityRoute}
	c.rt.SetOwnNodeInfo(types.RoutingDomainPublicInternet, ni)
	a.learn(t, b)
	b.learn(t, c)

	res := a.proc.FindNode(context.Background(), Direct(a.ref(t, b)), c.nodeID(), types.CapabilityDHT)
	require.True(t, res.IsValue(), res.String())
	assert.Empty(t, res.Value)
}

// ============================================================================
// 节点解析
// ============================================================================

func TestResolveNode_Local(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b"}, nil)
	a, b := tn.node("a"), tn.node("b")
	a.learn(t, b)

	nr, err := a.proc.ResolveNode(context.Background(), b.nodeID())
	require.NoError(t, err)
	assert.True(t, nr.NodeIDs().Contains(b.nodeID()))
}

func TestResolveNode_ViaFindNode(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b", "c"}, nil)
	a, b, c := tn.node("a"), tn.node("b"), tn.node("c")
	a.learn(t, b)
	b.learn(t, c)

	nr, err := a.proc.ResolveNode(context.Background(), c.nodeID())
	require.NoError(t, err)
	assert.True(t, nr.NodeIDs().Contains(c.nodeID()))
}

func TestResolveNode_NotFound(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b", "c"}, nil)
	a, b, c := tn.node("a"), tn.node("b"), tn.node("c")
	a.learn(t, b)
	b.learn(t, c)

	cs := a.id.Registry().Best()
	unknown := types.NewTypedKey(cs.Kind(), cs.GenerateHash([]byte(t.Name())))
	_, err := a.proc.ResolveNode(context.Background(), unknown)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	// 扇出过程中认识了 c
	_, ok := a.rt.LookupNodeRef(c.nodeID())
	assert.True(t, ok)
}

// ============================================================================
// 入站检查
// ============================================================================

func TestDecodeFailurePunishesSender(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b"}, nil)
	a, b := tn.node("a"), tn.node("b")

	res := a.net.deliver(b.id.NodeIDs(), []byte{0xff, 0x00, 0x13})
	require.True(t, res.IsValue())

	require.Eventually(t, func() bool {
		return b.filter.IsNodeIDPunished(a.nodeID())
	}, 2*time.Second, 10*time.Millisecond)
	p, ok := b.filter.NodePunishment(a.nodeID())
	require.True(t, ok)
	assert.Equal(t, addrfilter.ReasonFailedToDecodeOperation, p.Reason)
}

func TestMismatchedSenderPeerInfoIgnored(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b", "c"}, nil)
	a, b, c := tn.node("a"), tn.node("b"), tn.node("c")

	// a 冒充 c 的节点信息
	op := &Operation{
		OpID:           1,
		Kind:           KindStatement,
		SenderPeerInfo: c.rt.OwnPeerInfo(types.RoutingDomainPublicInternet),
		Statement:      &Statement{ReturnReceipt: &ReturnReceiptStatement{Receipt: []byte("r")}},
	}
	body, err := op.Encode()
	require.NoError(t, err)
	require.True(t, a.net.deliver(b.id.NodeIDs(), body).IsValue())

	require.Eventually(t, func() bool { return len(b.net.receiptCalls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	_, ok := b.rt.LookupNodeRef(c.nodeID())
	assert.False(t, ok)
}

// ============================================================================
// 语句
// ============================================================================

func TestSendSignal_ViaRelay(t *testing.T) {
	tn := newTestNet(t, []string{"a", "relay", "c"}, nil)
	a, relay, c := tn.node("a"), tn.node("relay"), tn.node("c")
	a.learn(t, relay, c)

	info := network.SignalInfo{
		Kind:     network.SignalReverseConnect,
		Receipt:  []byte("receipt"),
		PeerInfo: a.rt.OwnPeerInfo(types.RoutingDomainPublicInternet),
	}
	require.NoError(t, a.proc.SendSignal(context.Background(), a.ref(t, relay), a.ref(t, c), info))

	require.Eventually(t, func() bool { return c.net.signalCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	c.net.mu.Lock()
	got := c.net.signals[0]
	c.net.mu.Unlock()
	assert.Equal(t, info.Kind, got.Kind)
	assert.Equal(t, info.Receipt, got.Receipt)

	a.net.mu.Lock()
	assert.Equal(t, []types.TypedKey{relay.nodeID()}, a.net.vias)
	a.net.mu.Unlock()
}

func TestSendReturnReceipt_Direct(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b"}, nil)
	a, b := tn.node("a"), tn.node("b")
	a.learn(t, b)

	require.NoError(t, a.proc.SendReturnReceipt(context.Background(), a.ref(t, b), []byte("rcpt")))
	require.Eventually(t, func() bool { return len(b.net.receiptCalls()) == 1 }, 2*time.Second, 10*time.Millisecond)

	got := b.net.receiptCalls()[0]
	assert.Equal(t, []byte("rcpt"), got.data)
	assert.Equal(t, receipt.ReturnedInBand, got.kind)
	assert.Equal(t, a.nodeID(), got.inbound)
}

// ============================================================================
// DHT 提问
// ============================================================================

func testRecordKey(t *testing.T, n *testNode) types.RecordKey {
	t.Helper()
	cs := n.id.Registry().Best()
	return types.NewTypedKey(cs.Kind(), cs.GenerateHash([]byte(t.Name())))
}

func TestDHTQuestions_Direct(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b", "c"}, nil)
	a, b, c := tn.node("a"), tn.node("b"), tn.node("c")
	a.learn(t, b)
	b.learn(t, c)
	h := &fakeDHT{}
	b.proc.SetDHTHandler(h)

	key := testRecordKey(t, a)
	ctx := context.Background()
	dest := Direct(a.ref(t, b))

	value := types.SignedValueData{Value: types.ValueData{Seq: 3, Data: []byte("hello"), Writer: a.nodeID().Value}}
	set := a.proc.SetValue(ctx, dest, key, 1, value, nil)
	require.True(t, set.IsValue(), set.String())
	assert.True(t, set.Value.Set)
	require.Len(t, set.Value.Peers, 1)
	assert.True(t, set.Value.Peers[0].NodeIDs.Contains(c.nodeID()))

	get := a.proc.GetValue(ctx, dest, key, 1, true)
	require.True(t, get.IsValue(), get.String())
	require.NotNil(t, get.Value.Value)
	assert.True(t, get.Value.Value.Value.Equal(value.Value))

	watch := a.proc.WatchValue(ctx, dest, WatchValueQuestion{
		Key:        key,
		Subkeys:    types.SingleSubkey(1),
		Expiration: 1000,
		Count:      5,
		Watcher:    a.nodeID().Value,
	})
	require.True(t, watch.IsValue(), watch.String())
	assert.True(t, watch.Value.Accepted)
	assert.EqualValues(t, 7, watch.Value.WatchID)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.gets, 1)
	assert.True(t, h.gets[0].WantDescriptor)
	require.Len(t, h.sets, 1)
	assert.Equal(t, types.ValueSubkey(1), h.sets[0].Subkey)
	require.Len(t, h.watchers, 1)
	assert.Equal(t, DestDirect, h.watchers[0].Kind)
	assert.True(t, h.watchers[0].Node.NodeIDs().Contains(a.nodeID()))
}

func TestDHTQuestions_Disabled(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b"}, func(name string, cfg *Config) {
		switch name {
		case "a":
			cfg.Timeout = 100 * time.Millisecond
		case "b":
			cfg.DHTEnabled = false
		}
	})
	a, b := tn.node("a"), tn.node("b")
	a.learn(t, b)
	b.proc.SetDHTHandler(&fakeDHT{})

	res := a.proc.GetValue(context.Background(), Direct(a.ref(t, b)), testRecordKey(t, a), 0, false)
	assert.True(t, res.IsTimeout(), res.String())
}

func TestValueChanged_Direct(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b"}, nil)
	a, b := tn.node("a"), tn.node("b")
	a.learn(t, b)
	h := &fakeDHT{}
	b.proc.SetDHTHandler(h)

	res := a.proc.ValueChanged(context.Background(), Direct(a.ref(t, b)), ValueChangedStatement{
		Key:     testRecordKey(t, a),
		Subkeys: types.SubkeyRangeOf(0, 3),
		Count:   2,
		WatchID: 9,
	})
	require.True(t, res.IsValue(), res.String())
	require.Eventually(t, func() bool { return h.changedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
