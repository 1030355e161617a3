package routing

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/storage/engine"
	"github.com/dep2p/go-overlay/internal/core/storage/engine/badger"
	"github.com/dep2p/go-overlay/internal/core/storage/kv"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
// 测试辅助
// ============================================================================

type testEnv struct {
	rt     *RoutingTable
	clock  *clock.Mock
	filter *addrfilter.Filter
	id     *identity.Identity
	cs     crypto.CryptoSystem
}

func newTestEnv(t *testing.T, cfg Config, store *kv.Table, id *identity.Identity) *testEnv {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	if id == nil {
		var err error
		id, err = identity.New(crypto.DefaultRegistry(), crypto.NewMemKeystore())
		require.NoError(t, err)
	}
	f := addrfilter.New(addrfilter.DefaultConfig(), clk, nil)
	rt, err := New(cfg, clk, id, f, store)
	require.NoError(t, err)
	return &testEnv{rt: rt, clock: clk, filter: f, id: id, cs: id.Registry().Best()}
}

func newTestStore(t *testing.T) *kv.TableStore {
	t.Helper()
	eng, err := badger.New(engine.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return kv.NewTableStore(eng)
}

func (env *testEnv) newKey(t *testing.T) types.TypedKey {
	t.Helper()
	kp, err := env.cs.GenerateKeyPair()
	require.NoError(t, err)
	return types.NewTypedKey(env.cs.Kind(), kp.Key)
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

func makePeerInfo(id types.TypedKey, ts types.Timestamp, details ...types.DialInfoDetail) *types.PeerInfo {
	return &types.PeerInfo{
		RoutingDomain: types.RoutingDomainPublicInternet,
		NodeIDs:       types.TypedKeyGroup{id},
		NodeInfo: types.NodeInfo{
			NetworkClass:      types.NetworkClassInboundCapable,
			OutboundProtocols: types.ProtocolSetAll,
			AddressTypes:      types.AddressSetAll,
			EnvelopeSupport:   []uint8{0},
			Capabilities:      types.AllCapabilities,
			DialInfoDetails:   details,
			Timestamp:         ts,
		},
	}
}

func tcpFlow(addr string) types.UniqueFlow {
	pa := types.NewPeerAddress(netip.MustParseAddrPort(addr), types.ProtocolTCP)
	return types.UniqueFlow{Flow: types.NewFlowNoLocal(pa), ConnectionID: 1}
}

func udpFlow(addr string) types.UniqueFlow {
	pa := types.NewPeerAddress(netip.MustParseAddrPort(addr), types.ProtocolUDP)
	return types.UniqueFlow{Flow: types.NewFlowNoLocal(pa)}
}

// ============================================================================
// 登记与查找
// ============================================================================

func TestRegisterNodeWithPeerInfo_Lookup(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	id := env.newKey(t)

	nr, err := env.rt.RegisterNodeWithPeerInfo(makePeerInfo(id, 10, tcpDetail("1.2.3.4:5150")))
	require.NoError(t, err)
	assert.Equal(t, id, nr.BestNodeID())
	assert.True(t, nr.IsInTable())
	assert.Equal(t, []uint8{0}, nr.EnvelopeSupport())

	got, ok := env.rt.LookupNodeRef(id)
	require.True(t, ok)
	assert.True(t, got.SameEntry(nr))
	assert.Equal(t, 1, env.rt.EntryCount())

	d, ok := got.BestRoutingDomain()
	require.True(t, ok)
	assert.Equal(t, types.RoutingDomainPublicInternet, d)
}

func TestRegisterNodeWithPeerInfo_Rejections(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)

	_, err := env.rt.RegisterNodeWithPeerInfo(nil)
	assert.ErrorIs(t, err, ErrInvalidPeerInfo)

	_, err = env.rt.RegisterNodeWithPeerInfo(makePeerInfo(env.id.BestNodeID(), 1))
	assert.ErrorIs(t, err, ErrOwnNode)

	alien := types.NewTypedKey(types.CryptoKind{'N', 'O', 'P', 'E'}, types.CryptoKey{1})
	_, err = env.rt.RegisterNodeWithPeerInfo(makePeerInfo(alien, 1))
	assert.ErrorIs(t, err, ErrNoSupportedKind)

	punished := env.newKey(t)
	env.filter.PunishNodeID(punished, addrfilter.ReasonFailedToDecryptEnvelopeBody)
	_, err = env.rt.RegisterNodeWithPeerInfo(makePeerInfo(punished, 1))
	assert.ErrorIs(t, err, ErrPunished)
}

func TestLookupNodeRef_HidesPunished(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	id := env.newKey(t)
	_, err := env.rt.RegisterNodeWithPeerInfo(makePeerInfo(id, 1))
	require.NoError(t, err)

	env.filter.PunishNodeID(id, addrfilter.ReasonFailedToDecryptEnvelopeBody)
	_, ok := env.rt.LookupNodeRef(id)
	assert.False(t, ok)
}

func TestPeerInfo_NewerReplacesOlder(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	id := env.newKey(t)

	nr, err := env.rt.RegisterNodeWithPeerInfo(makePeerInfo(id, 10, tcpDetail("1.2.3.4:1000")))
	require.NoError(t, err)
	_, err = env.rt.RegisterNodeWithPeerInfo(makePeerInfo(id, 5, tcpDetail("1.2.3.4:2000")))
	require.NoError(t, err)
	assert.Equal(t, uint16(1000), nr.BestPeerInfo().NodeInfo.DialInfoDetails[0].DialInfo.Socket.Port())

	_, err = env.rt.RegisterNodeWithPeerInfo(makePeerInfo(id, 20, tcpDetail("1.2.3.4:3000")))
	require.NoError(t, err)
	assert.Equal(t, uint16(3000), nr.BestPeerInfo().NodeInfo.DialInfoDetails[0].DialInfo.Socket.Port())
}

func TestRegisterPeerInfo_RegistersRelay(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	relayID := env.newKey(t)
	targetID := env.newKey(t)

	pi := makePeerInfo(targetID, 1)
	pi.NodeInfo.RelayIDs = types.TypedKeyGroup{relayID}
	pi.NodeInfo.RelayInfo = makePeerInfo(relayID, 1, tcpDetail("5.6.7.8:5150"))

	_, err := env.rt.RegisterNodeWithPeerInfo(pi)
	require.NoError(t, err)
	relay, ok := env.rt.LookupNodeRef(relayID)
	require.True(t, ok)
	assert.NotNil(t, relay.PeerInfo(types.RoutingDomainPublicInternet))
}

// ============================================================================
// 最近 Flow
// ============================================================================

func TestLastFlow_FilterAndSequencing(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	id := env.newKey(t)

	tcp := tcpFlow("1.2.3.4:5150")
	udp := udpFlow("1.2.3.4:5150")
	nr, err := env.rt.RegisterNodeWithID(types.RoutingDomainPublicInternet, id, tcp, 100)
	require.NoError(t, err)
	nr.SetLastFlow(udp, 200)

	got, ok := nr.LastFlow()
	require.True(t, ok)
	assert.Equal(t, udp, got)

	got, ok = nr.Filtered(types.DialInfoFilterAll.WithProtocols(types.NewProtocolTypeSet(types.ProtocolTCP))).LastFlow()
	require.True(t, ok)
	assert.Equal(t, tcp, got)

	got, ok = nr.WithSequencing(types.SequencingEnsureOrdered).LastFlow()
	require.True(t, ok)
	assert.Equal(t, tcp, got)

	// 路由域不匹配
	_, ok = nr.WithRoutingDomains(types.NewRoutingDomainSet(types.RoutingDomainLocalNetwork)).LastFlow()
	assert.False(t, ok)

	nr.ClearLastFlow(udp)
	got, ok = nr.LastFlow()
	require.True(t, ok)
	assert.Equal(t, tcp, got)

	nr.ClearLastFlows()
	_, ok = nr.LastFlow()
	assert.False(t, ok)
	assert.Equal(t, types.Timestamp(200), nr.Entry().LastSeen())
}

func TestRegisterNodeWithID_SameEntryAsPeerInfo(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	id := env.newKey(t)

	a, err := env.rt.RegisterNodeWithPeerInfo(makePeerInfo(id, 1))
	require.NoError(t, err)
	b, err := env.rt.RegisterNodeWithID(types.RoutingDomainPublicInternet, id, tcpFlow("1.2.3.4:1"), 5)
	require.NoError(t, err)
	assert.True(t, a.SameEntry(b))

	_, err = env.rt.RegisterNodeWithID(types.RoutingDomainPublicInternet, env.id.BestNodeID(), tcpFlow("1.2.3.4:1"), 5)
	assert.ErrorIs(t, err, ErrOwnNode)
}

// ============================================================================
// 最近节点与桶
// ============================================================================

func TestFindClosestNodes_SortedByDistance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BucketSize = 64
	env := newTestEnv(t, cfg, nil, nil)

	var ids []types.TypedKey
	for i := 0; i < 12; i++ {
		id := env.newKey(t)
		ids = append(ids, id)
		_, err := env.rt.RegisterNodeWithPeerInfo(makePeerInfo(id, 1))
		require.NoError(t, err)
	}
	target := env.newKey(t)

	got := env.rt.FindClosestNodes(5, target, nil)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		prev := env.cs.Distance(got[i-1].BestNodeID().Value, target.Value)
		cur := env.cs.Distance(got[i].BestNodeID().Value, target.Value)
		assert.LessOrEqual(t, prev.Compare(cur), 0)
	}

	// 过滤与惩罚
	env.filter.PunishNodeID(got[0].BestNodeID(), addrfilter.ReasonFailedToDecryptEnvelopeBody)
	again := env.rt.FindClosestNodes(5, target, FilterHasPeerInfo(types.RoutingDomainPublicInternet, types.CapabilityDHT))
	require.Len(t, again, 5)
	assert.False(t, again[0].SameEntry(got[0]))
	assert.True(t, again[0].SameEntry(got[1]))
}

// sameBucketKeys 生成落在同一个桶里的两个 ID
func sameBucketKeys(t *testing.T, env *testEnv) (types.TypedKey, types.TypedKey) {
	t.Helper()
	own := env.id.BestNodeID().Value
	byBucket := make(map[int]types.TypedKey)
	for i := 0; i < 256; i++ {
		k := env.newKey(t)
		idx := bucketIndex(env.cs, own, k.Value)
		if prev, ok := byBucket[idx]; ok {
			return prev, k
		}
		byBucket[idx] = k
	}
	t.Fatal("no bucket collision")
	return types.TypedKey{}, types.TypedKey{}
}

func TestBucket_KickStalestButNotRelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BucketSize = 1
	env := newTestEnv(t, cfg, nil, nil)
	a, b := sameBucketKeys(t, env)

	nrA, err := env.rt.RegisterNodeWithID(types.RoutingDomainPublicInternet, a, tcpFlow("1.1.1.1:1"), 1)
	require.NoError(t, err)
	env.rt.SetRelayNode(types.RoutingDomainPublicInternet, nrA)

	// A 是中继，不能被踢出
	nrB, err := env.rt.RegisterNodeWithID(types.RoutingDomainPublicInternet, b, tcpFlow("2.2.2.2:1"), 5)
	require.NoError(t, err)
	assert.False(t, nrB.IsInTable())
	_, ok := env.rt.LookupNodeRef(b)
	assert.False(t, ok)

	env.rt.SetRelayNode(types.RoutingDomainPublicInternet, NodeRef{})
	_, err = env.rt.RegisterNodeWithID(types.RoutingDomainPublicInternet, b, tcpFlow("2.2.2.2:1"), 6)
	require.NoError(t, err)
	_, ok = env.rt.LookupNodeRef(b)
	assert.True(t, ok)
	_, ok = env.rt.LookupNodeRef(a)
	assert.False(t, ok)

	// 被踢出的引用仍可使用
	assert.False(t, nrA.IsInTable())
	_, ok = nrA.LastFlow()
	assert.True(t, ok)
}

func TestBucket_FresherEntrySurvives(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BucketSize = 1
	env := newTestEnv(t, cfg, nil, nil)
	a, b := sameBucketKeys(t, env)

	_, err := env.rt.RegisterNodeWithID(types.RoutingDomainPublicInternet, a, tcpFlow("1.1.1.1:1"), 100)
	require.NoError(t, err)
	_, err = env.rt.RegisterNodeWithPeerInfo(makePeerInfo(b, 1))
	require.NoError(t, err)

	_, ok := env.rt.LookupNodeRef(a)
	assert.True(t, ok)
	_, ok = env.rt.LookupNodeRef(b)
	assert.False(t, ok)
}

// ============================================================================
// 路由域、中继与白名单
// ============================================================================

func TestRoutingDomainForAddress(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	env.rt.SetLocalNetworks([]netip.Prefix{netip.MustParsePrefix("192.168.1.0/24")})

	cases := []struct {
		addr   string
		domain types.RoutingDomain
		ok     bool
	}{
		{"8.8.8.8", types.RoutingDomainPublicInternet, true},
		{"192.168.1.20", types.RoutingDomainLocalNetwork, true},
		{"127.0.0.1", types.RoutingDomainLocalNetwork, true},
		{"::ffff:192.168.1.20", types.RoutingDomainLocalNetwork, true},
		{"0.0.0.0", 0, false},
		{"224.0.0.1", 0, false},
	}
	for _, c := range cases {
		d, ok := env.rt.RoutingDomainForAddress(netip.MustParseAddr(c.addr))
		assert.Equal(t, c.ok, ok, c.addr)
		if c.ok {
			assert.Equal(t, c.domain, d, c.addr)
		}
	}
}

func TestRelay_PublishesAndNotifies(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	relayID := env.newKey(t)
	relay, err := env.rt.RegisterNodeWithPeerInfo(makePeerInfo(relayID, 1, tcpDetail("9.9.9.9:5150")))
	require.NoError(t, err)

	before := env.rt.SetOwnNodeInfo(types.RoutingDomainPublicInternet, types.NodeInfo{
		NetworkClass:      types.NetworkClassOutboundOnly,
		OutboundProtocols: types.ProtocolSetAll,
		AddressTypes:      types.AddressSetAll,
	})
	assert.False(t, before.NodeInfo.HasRelay())

	notified := 0
	env.rt.OnRelaysChanged(func() { notified++ })
	env.rt.SetRelayNode(types.RoutingDomainPublicInternet, relay)
	env.rt.SetRelayNode(types.RoutingDomainLocalNetwork, relay)
	assert.Equal(t, 2, notified)

	own := env.rt.OwnPeerInfo(types.RoutingDomainPublicInternet)
	require.NotNil(t, own)
	assert.Equal(t, types.TypedKeyGroup{relayID}, own.NodeInfo.RelayIDs)
	require.NotNil(t, own.NodeInfo.RelayInfo)
	assert.Greater(t, own.Timestamp(), before.Timestamp())

	assert.True(t, env.rt.HasAnyRelay())
	assert.True(t, env.rt.IsRelayNode(relay))
	assert.Len(t, env.rt.RelayNodes(), 1)

	env.rt.SetRelayNode(types.RoutingDomainPublicInternet, NodeRef{})
	env.rt.SetRelayNode(types.RoutingDomainLocalNetwork, NodeRef{})
	assert.False(t, env.rt.HasAnyRelay())
	assert.False(t, env.rt.OwnPeerInfo(types.RoutingDomainPublicInternet).NodeInfo.HasRelay())
}

func TestClientAllowlist(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	id := env.newKey(t)
	assert.False(t, env.rt.IsClientAllowlisted(id))
	env.rt.AddClientAllowlist(id)
	assert.True(t, env.rt.IsClientAllowlisted(id))
}

// ============================================================================
// 持久化
// ============================================================================

func TestPersistence_SaveLoad(t *testing.T) {
	tables := newTestStore(t)
	cfg := DefaultConfig()
	cfg.BucketSize = 64
	env := newTestEnv(t, cfg, tables.Open(TableName), nil)

	var ids []types.TypedKey
	for i := 0; i < 5; i++ {
		id := env.newKey(t)
		ids = append(ids, id)
		_, err := env.rt.RegisterNodeWithPeerInfo(makePeerInfo(id, types.Timestamp(i+1), tcpDetail("1.2.3.4:5150")))
		require.NoError(t, err)
	}
	require.NoError(t, env.rt.Save())

	// 同一身份重新加载
	reloaded := newTestEnv(t, cfg, tables.Open(TableName), env.id)
	n, err := reloaded.rt.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	for _, id := range ids {
		nr, ok := reloaded.rt.LookupNodeRef(id)
		require.True(t, ok)
		require.NotNil(t, nr.PeerInfo(types.RoutingDomainPublicInternet))
	}

	// 引导主机变化使缓存失效
	cfg.Bootstrap = []string{"bootstrap.example.org"}
	other := newTestEnv(t, cfg, tables.Open(TableName), env.id)
	n, err = other.rt.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, other.rt.EntryCount())

	keys, err := tables.Open(TableName).Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPersistence_NoStore(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	assert.ErrorIs(t, env.rt.Save(), ErrNoStore)
	_, err := env.rt.Load()
	assert.ErrorIs(t, err, ErrNoStore)
}
