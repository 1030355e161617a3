package rpc

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/network"
	"github.com/dep2p/go-overlay/internal/core/receipt"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
// 内存网络：每个节点一个处理器，信封正文直接投递到目标队列
// ============================================================================

type testNode struct {
	name   string
	id     *identity.Identity
	rt     *routing.RoutingTable
	filter *addrfilter.Filter
	net    *fakeNetwork
	proc   *Processor
	addr   netip.AddrPort
}

func (n *testNode) nodeID() types.TypedKey {
	return n.id.BestNodeID()
}

// ref n 路由表中 other 的引用
func (n *testNode) ref(t *testing.T, other *testNode) routing.NodeRef {
	t.Helper()
	nr, ok := n.rt.LookupNodeRef(other.nodeID())
	require.True(t, ok, "%s 不认识 %s", n.name, other.name)
	return nr
}

// learn 让 n 认识 others
func (n *testNode) learn(t *testing.T, others ...*testNode) {
	t.Helper()
	for _, o := range others {
		_, err := n.rt.RegisterNodeWithPeerInfo(o.rt.OwnPeerInfo(types.RoutingDomainPublicInternet))
		require.NoError(t, err)
	}
}

type testNet struct {
	mu    sync.Mutex
	nodes []*testNode
	drop  func(from, to *testNode) bool
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 4
	cfg.QueueSize = 256
	cfg.Timeout = 2 * time.Second
	return cfg
}

func testNodeInfo(addr netip.AddrPort) types.NodeInfo {
	return types.NodeInfo{
		NetworkClass:      types.NetworkClassInboundCapable,
		OutboundProtocols: types.ProtocolSetAll,
		AddressTypes:      types.AddressSetAll,
		EnvelopeSupport:   []uint8{0},
		Capabilities:      types.AllCapabilities,
		DialInfoDetails: []types.DialInfoDetail{{
			Class:    types.DialInfoClassDirect,
			DialInfo: types.NewDialInfo(types.ProtocolTCP, addr),
		}},
	}
}

// newTestNet 创建 len(names) 个互不认识的节点，tweak 可调整单个节点的配置
func newTestNet(t *testing.T, names []string, tweak func(name string, cfg *Config)) *testNet {
	t.Helper()
	tn := &testNet{}
	for i, name := range names {
		clk := clock.New()
		id, err := identity.New(crypto.DefaultRegistry(), crypto.NewMemKeystore())
		require.NoError(t, err)
		filter := addrfilter.New(addrfilter.DefaultConfig(), clk, nil)
		rt, err := routing.New(routing.DefaultConfig(), clk, id, filter, nil)
		require.NoError(t, err)

		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{1, 2, 3, byte(i + 1)}), 5150)
		rt.SetOwnNodeInfo(types.RoutingDomainPublicInternet, testNodeInfo(addr))

		cfg := testConfig()
		if tweak != nil {
			tweak(name, &cfg)
		}
		n := &testNode{name: name, id: id, rt: rt, filter: filter, addr: addr}
		n.net = &fakeNetwork{tn: tn, self: n}
		n.proc, err = NewProcessor(cfg, clk, rt, n.net, filter, nil, nil)
		require.NoError(t, err)
		require.NoError(t, n.proc.Start(context.Background()))
		proc := n.proc
		t.Cleanup(func() { _ = proc.Stop(context.Background()) })
		tn.nodes = append(tn.nodes, n)
	}
	return tn
}

// mesh 所有节点互相认识
func (tn *testNet) mesh(t *testing.T) {
	t.Helper()
	for _, n := range tn.nodes {
		for _, o := range tn.nodes {
			if n != o {
				n.learn(t, o)
			}
		}
	}
}

func (tn *testNet) node(name string) *testNode {
	for _, n := range tn.nodes {
		if n.name == name {
			return n
		}
	}
	return nil
}

func (tn *testNet) find(ids types.TypedKeyGroup) *testNode {
	for _, n := range tn.nodes {
		if n.id.MatchesAny(ids) {
			return n
		}
	}
	return nil
}

func (tn *testNet) setDrop(f func(from, to *testNode) bool) {
	tn.mu.Lock()
	tn.drop = f
	tn.mu.Unlock()
}

func (tn *testNet) dropped(from, to *testNode) bool {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return tn.drop != nil && tn.drop(from, to)
}

// ============================================================================
// fakeNetwork
// ============================================================================

type receiptCall struct {
	data    []byte
	kind    receipt.EventKind
	inbound types.TypedKey
	route   types.RouteID
}

type fakeNetwork struct {
	tn   *testNet
	self *testNode

	mu       sync.Mutex
	signals  []network.SignalInfo
	receipts []receiptCall
	vias     []types.TypedKey
}

func (f *fakeNetwork) SendEnvelope(_ context.Context, dest routing.NodeRef, body []byte) types.NetworkResult[network.SendDataResult] {
	return f.deliver(dest.NodeIDs(), body)
}

func (f *fakeNetwork) SendEnvelopeVia(_ context.Context, nextHop routing.NodeRef, recipient types.TypedKeyGroup, body []byte) types.NetworkResult[network.SendDataResult] {
	f.mu.Lock()
	f.vias = append(f.vias, nextHop.BestNodeID())
	f.mu.Unlock()
	return f.deliver(recipient, body)
}

func (f *fakeNetwork) deliver(to types.TypedKeyGroup, body []byte) types.NetworkResult[network.SendDataResult] {
	target := f.tn.find(to)
	if target == nil {
		return types.NoConnection[network.SendDataResult]("no route to %s", to)
	}
	if f.tn.dropped(f.self, target) {
		return types.Value(network.SendDataResult{})
	}
	sender, err := target.rt.RegisterNodeWithPeerInfo(f.self.rt.OwnPeerInfo(types.RoutingDomainPublicInternet))
	if err != nil {
		return types.NoConnection[network.SendDataResult]("register sender: %v", err)
	}
	msg := network.Message{
		Body:     append([]byte(nil), body...),
		Sender:   sender,
		Domain:   types.RoutingDomainPublicInternet,
		Flow:     types.UniqueFlow{Flow: types.NewFlowNoLocal(types.NewPeerAddress(f.self.addr, types.ProtocolTCP)), ConnectionID: 1},
		Received: target.rt.Now(),
	}
	if err := target.proc.EnqueueMessage(msg); err != nil {
		return types.NoConnection[network.SendDataResult]("enqueue: %v", err)
	}
	return types.Value(network.SendDataResult{})
}

func (f *fakeNetwork) HandleSignal(_ context.Context, info network.SignalInfo) error {
	f.mu.Lock()
	f.signals = append(f.signals, info)
	f.mu.Unlock()
	return nil
}

func (f *fakeNetwork) HandleReturnedReceipt(data []byte, kind receipt.EventKind, inbound types.TypedKey, _ types.UniqueFlow, route types.RouteID) error {
	f.mu.Lock()
	f.receipts = append(f.receipts, receiptCall{data: data, kind: kind, inbound: inbound, route: route})
	f.mu.Unlock()
	return nil
}

func (f *fakeNetwork) signalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

func (f *fakeNetwork) receiptCalls() []receiptCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]receiptCall(nil), f.receipts...)
}

// ============================================================================
// fakeDHT
// ============================================================================

type fakeDHT struct {
	mu       sync.Mutex
	value    *types.SignedValueData
	gets     []GetValueQuestion
	sets     []SetValueQuestion
	watchers []Destination
	changed  []ValueChangedStatement
}

func (d *fakeDHT) HandleGetValue(_ context.Context, q *GetValueQuestion) (*GetValueAnswer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gets = append(d.gets, *q)
	return &GetValueAnswer{Value: d.value}, nil
}

func (d *fakeDHT) HandleSetValue(_ context.Context, q *SetValueQuestion) (*SetValueAnswer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sets = append(d.sets, *q)
	v := q.Value
	d.value = &v
	return &SetValueAnswer{Set: true}, nil
}

func (d *fakeDHT) HandleWatchValue(_ context.Context, q *WatchValueQuestion, watcher Destination) (*WatchValueAnswer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchers = append(d.watchers, watcher)
	return &WatchValueAnswer{Accepted: true, Expiration: q.Expiration, WatchID: 7}, nil
}

func (d *fakeDHT) HandleValueChanged(_ context.Context, s *ValueChangedStatement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changed = append(d.changed, *s)
	return nil
}

func (d *fakeDHT) changedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.changed)
}
