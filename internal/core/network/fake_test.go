package network

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/connmgr"
	"github.com/dep2p/go-overlay/internal/core/envelope"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/receipt"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              fakeLowLevel
// ============================================================================

type sentPacket struct {
	flow types.Flow
	di   types.DialInfo
	data []byte
}

type fakeLowLevel struct {
	mu          sync.Mutex
	onFlow      []sentPacket
	onDial      []sentPacket
	failFlows   bool
	failDials   map[types.DialInfo]bool
	priority    []types.Flow
	protections [][]connmgr.ProtectedRelay
}

func newFakeLowLevel() *fakeLowLevel {
	return &fakeLowLevel{failDials: make(map[types.DialInfo]bool)}
}

func (l *fakeLowLevel) SendOnFlow(_ context.Context, flow types.Flow, data []byte) (types.UniqueFlow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failFlows {
		return types.UniqueFlow{}, errors.New("flow closed")
	}
	l.onFlow = append(l.onFlow, sentPacket{flow: flow, data: data})
	return uniqueFlowFor(flow), nil
}

func (l *fakeLowLevel) SendToDialInfo(_ context.Context, di types.DialInfo, data []byte) (types.UniqueFlow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failDials[di] {
		return types.UniqueFlow{}, errors.New("connect refused")
	}
	l.onDial = append(l.onDial, sentPacket{di: di, data: data})
	return uniqueFlowFor(types.NewFlowNoLocal(di.PeerAddress())), nil
}

func (l *fakeLowLevel) AddPriorityFlow(flow types.Flow) {
	l.mu.Lock()
	l.priority = append(l.priority, flow)
	l.mu.Unlock()
}

func (l *fakeLowLevel) UpdateProtections(relays []connmgr.ProtectedRelay) {
	l.mu.Lock()
	l.protections = append(l.protections, relays)
	l.mu.Unlock()
}

func (l *fakeLowLevel) flowSends() []sentPacket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentPacket(nil), l.onFlow...)
}

func (l *fakeLowLevel) dialSends() []sentPacket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentPacket(nil), l.onDial...)
}

func uniqueFlowFor(flow types.Flow) types.UniqueFlow {
	uf := types.UniqueFlow{Flow: flow}
	if flow.Protocol().IsConnectionOriented() {
		uf.ConnectionID = 7
	}
	return uf
}

// ============================================================================
//                              fakeRPC
// ============================================================================

type returnedReceipt struct {
	target routing.NodeRef
	data   []byte
}

type fakeRPC struct {
	mu       sync.Mutex
	messages []Message
	signals  []SignalInfo
	returned []returnedReceipt

	onSignal func(relay, target routing.NodeRef, info SignalInfo)
	resolve  func(id types.TypedKey) (routing.NodeRef, error)
}

func (r *fakeRPC) EnqueueMessage(msg Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	return nil
}

func (r *fakeRPC) SendSignal(_ context.Context, relay, target routing.NodeRef, info SignalInfo) error {
	r.mu.Lock()
	r.signals = append(r.signals, info)
	cb := r.onSignal
	r.mu.Unlock()
	if cb != nil {
		cb(relay, target, info)
	}
	return nil
}

func (r *fakeRPC) SendReturnReceipt(_ context.Context, target routing.NodeRef, data []byte) error {
	r.mu.Lock()
	r.returned = append(r.returned, returnedReceipt{target: target, data: data})
	r.mu.Unlock()
	return nil
}

func (r *fakeRPC) ResolveNode(_ context.Context, id types.TypedKey) (routing.NodeRef, error) {
	if r.resolve == nil {
		return routing.NodeRef{}, errors.New("not found")
	}
	return r.resolve(id)
}

func (r *fakeRPC) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// ============================================================================
//                              测试环境
// ============================================================================

type testEnv struct {
	nm       *Manager
	rt       *routing.RoutingTable
	clock    *clock.Mock
	filter   *addrfilter.Filter
	receipts *receipt.Manager
	ll       *fakeLowLevel
	rpc      *fakeRPC
	id       *identity.Identity
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))

	id := newIdentity(t)
	f := addrfilter.New(addrfilter.DefaultConfig(), clk, nil)
	rt, err := routing.New(routing.DefaultConfig(), clk, id, f, nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	receipts := receipt.NewManager(clk, time.Second)
	ll := newFakeLowLevel()
	nm, err := NewManager(cfg, clk, rt, f, receipts, ll, nil, nil)
	require.NoError(t, err)
	rpc := &fakeRPC{}
	nm.SetRPC(rpc)
	require.NoError(t, nm.Start(context.Background()))
	t.Cleanup(func() { _ = nm.Stop(context.Background()) })

	return &testEnv{nm: nm, rt: rt, clock: clk, filter: f, receipts: receipts, ll: ll, rpc: rpc, id: id}
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.New(crypto.DefaultRegistry(), crypto.NewMemKeystore())
	require.NoError(t, err)
	return id
}

func (env *testEnv) ownID() types.TypedKey {
	return env.id.BestNodeID()
}

// seal 以 from 的身份封装发给 to 的信封
func seal(t *testing.T, from *identity.Identity, to types.TypedKey, ts types.Timestamp, body, networkKey []byte) []byte {
	t.Helper()
	cs, ok := from.Registry().Get(to.Kind)
	require.True(t, ok)
	sender, _ := from.NodeID(to.Kind)
	secret, _ := from.Secret(to.Kind)
	data, err := envelope.Seal(cs, &envelope.Envelope{
		Version:     envelope.Version0,
		Timestamp:   ts,
		Nonce:       cs.RandomNonce(),
		SenderID:    sender.Value,
		RecipientID: to.Value,
	}, body, secret, networkKey)
	require.NoError(t, err)
	return data
}

func tcpDetail(addr string) types.DialInfoDetail {
	return types.DialInfoDetail{
		Class:    types.DialInfoClassDirect,
		DialInfo: types.NewDialInfo(types.ProtocolTCP, netip.MustParseAddrPort(addr)),
	}
}

func udpDetail(addr string, class types.DialInfoClass) types.DialInfoDetail {
	return types.DialInfoDetail{
		Class:    class,
		DialInfo: types.NewDialInfo(types.ProtocolUDP, netip.MustParseAddrPort(addr)),
	}
}

func nodeInfo(details ...types.DialInfoDetail) types.NodeInfo {
	return types.NodeInfo{
		NetworkClass:      types.NetworkClassInboundCapable,
		OutboundProtocols: types.ProtocolSetAll,
		AddressTypes:      types.AddressSetAll,
		EnvelopeSupport:   []uint8{0},
		Capabilities:      types.AllCapabilities,
		DialInfoDetails:   details,
	}
}

func peerInfo(id types.TypedKey, ts types.Timestamp, details ...types.DialInfoDetail) *types.PeerInfo {
	ni := nodeInfo(details...)
	ni.Timestamp = ts
	return &types.PeerInfo{
		RoutingDomain: types.RoutingDomainPublicInternet,
		NodeIDs:       types.TypedKeyGroup{id},
		NodeInfo:      ni,
	}
}

// register 登记一个远端节点
func (env *testEnv) register(t *testing.T, pi *types.PeerInfo) routing.NodeRef {
	t.Helper()
	nr, err := env.rt.RegisterNodeWithPeerInfo(pi)
	require.NoError(t, err)
	return nr
}

func tcpFlow(addr string) types.UniqueFlow {
	pa := types.NewPeerAddress(netip.MustParseAddrPort(addr), types.ProtocolTCP)
	return types.UniqueFlow{Flow: types.NewFlowNoLocal(pa), ConnectionID: 1}
}

func udpFlow(addr string) types.UniqueFlow {
	pa := types.NewPeerAddress(netip.MustParseAddrPort(addr), types.ProtocolUDP)
	return types.UniqueFlow{Flow: types.NewFlowNoLocal(pa)}
}
