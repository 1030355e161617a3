package fanout

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

type testEnv struct {
	rt *routing.RoutingTable
	cs crypto.CryptoSystem
	f  *Fanout
}

func newTestEnv(t *testing.T, clk clock.Clock) *testEnv {
	t.Helper()
	id, err := identity.New(crypto.DefaultRegistry(), crypto.NewMemKeystore())
	require.NoError(t, err)
	filter := addrfilter.New(addrfilter.DefaultConfig(), clk, nil)
	rt, err := routing.New(routing.DefaultConfig(), clk, id, filter, nil)
	require.NoError(t, err)
	return &testEnv{rt: rt, cs: id.Registry().Best(), f: New(rt, clk, nil)}
}

func (env *testEnv) newPeerInfo(t *testing.T, port uint16) *types.PeerInfo {
	t.Helper()
	kp, err := env.cs.GenerateKeyPair()
	require.NoError(t, err)
	return &types.PeerInfo{
		RoutingDomain: types.RoutingDomainPublicInternet,
		NodeIDs:       types.TypedKeyGroup{types.NewTypedKey(env.cs.Kind(), kp.Key)},
		NodeInfo: types.NodeInfo{
			NetworkClass:      types.NetworkClassInboundCapable,
			OutboundProtocols: types.ProtocolSetAll,
			AddressTypes:      types.AddressSetAll,
			EnvelopeSupport:   []uint8{0},
			Capabilities:      types.AllCapabilities,
			DialInfoDetails: []types.DialInfoDetail{{
				Class:    types.DialInfoClassDirect,
				DialInfo: types.NewDialInfo(types.ProtocolTCP, netip.AddrPortFrom(netip.MustParseAddr("1.2.3.4"), port)),
			}},
			Timestamp: 1,
		},
	}
}

func (env *testEnv) addNodes(t *testing.T, n int) []routing.NodeRef {
	t.Helper()
	out := make([]routing.NodeRef, 0, n)
	for i := 0; i < n; i++ {
		nr, err := env.rt.RegisterNodeWithPeerInfo(env.newPeerInfo(t, uint16(1000+i)))
		require.NoError(t, err)
		out = append(out, nr)
	}
	return out
}

func (env *testEnv) coordinate(t *testing.T) types.TypedKey {
	t.Helper()
	return types.NewTypedKey(env.cs.Kind(), env.cs.GenerateHash([]byte(t.Name())))
}

func accept(context.Context, routing.NodeRef) (CallOutput, error) {
	return CallOutput{Disposition: DispositionAccepted}, nil
}

// ============================================================================
// 共识
// ============================================================================

func TestRun_AllAcceptedReachesConsensus(t *testing.T) {
	env := newTestEnv(t, clock.NewMock())
	env.addNodes(t, 6)

	res, err := env.f.Run(context.Background(), Call{
		Coordinate:     env.coordinate(t),
		NodeCount:      6,
		Tasks:          3,
		ConsensusCount: 4,
		Routine:        accept,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultConsensus, res.Kind)
	assert.GreaterOrEqual(t, len(res.ValueNodes), 4)
}

func TestRun_CloserPendingNodeBlocksConsensus(t *testing.T) {
	env := newTestEnv(t, clock.NewMock())
	env.addNodes(t, 5)
	coord := env.coordinate(t)
	closest := env.rt.FindClosestNodes(1, coord, nil)[0]

	release := make(chan struct{})
	var accepted atomic.Int32
	var mu sync.Mutex
	var seen []Result

	done := make(chan Result, 1)
	go func() {
		res, err := env.f.Run(context.Background(), Call{
			Coordinate:     coord,
			NodeCount:      5,
			Tasks:          5,
			ConsensusCount: 2,
			Routine: func(ctx context.Context, nr routing.NodeRef) (CallOutput, error) {
				if nr.SameEntry(closest) {
					<-release
				} else {
					accepted.Add(1)
				}
				return CallOutput{Disposition: DispositionAccepted}, nil
			},
			CheckDone: func(r Result) bool {
				mu.Lock()
				seen = append(seen, r)
				mu.Unlock()
				return false
			},
		})
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return accepted.Load() == 4 && len(seen) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	for _, r := range seen {
		assert.Equal(t, ResultIncomplete, r.Kind)
	}
	mu.Unlock()

	close(release)
	res := <-done
	assert.Equal(t, ResultConsensus, res.Kind)
	require.Len(t, res.ValueNodes, 2)
	assert.True(t, res.ValueNodes[0].SameEntry(closest))
}

func TestRun_Exhausted(t *testing.T) {
	env := newTestEnv(t, clock.NewMock())
	env.addNodes(t, 3)

	res, err := env.f.Run(context.Background(), Call{
		Coordinate:     env.coordinate(t),
		NodeCount:      3,
		Tasks:          2,
		ConsensusCount: 2,
		Routine: func(context.Context, routing.NodeRef) (CallOutput, error) {
			return CallOutput{Disposition: DispositionRejected}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultExhausted, res.Kind)
	assert.Empty(t, res.ValueNodes)
}

func TestRun_NoNodes(t *testing.T) {
	env := newTestEnv(t, clock.NewMock())
	res, err := env.f.Run(context.Background(), Call{
		Coordinate:     env.coordinate(t),
		NodeCount:      3,
		Tasks:          2,
		ConsensusCount: 1,
		Routine:        accept,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultExhausted, res.Kind)
}

func TestRun_DiscoversReturnedPeers(t *testing.T) {
	env := newTestEnv(t, clock.NewMock())
	first := env.addNodes(t, 1)[0]
	extra := env.newPeerInfo(t, 2000)

	var called sync.Map
	res, err := env.f.Run(context.Background(), Call{
		Coordinate:     env.coordinate(t),
		NodeCount:      4,
		Tasks:          1,
		ConsensusCount: 2,
		Routine: func(_ context.Context, nr routing.NodeRef) (CallOutput, error) {
			called.Store(nr.BestNodeID(), true)
			if nr.SameEntry(first) {
				return CallOutput{PeerInfos: []*types.PeerInfo{extra}, Disposition: DispositionAccepted}, nil
			}
			return CallOutput{Disposition: DispositionAccepted}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultConsensus, res.Kind)
	_, ok := called.Load(extra.NodeIDs[0])
	assert.True(t, ok)
}

func TestRun_CheckDoneStopsEarly(t *testing.T) {
	env := newTestEnv(t, clock.NewMock())
	env.addNodes(t, 5)

	var calls atomic.Int32
	res, err := env.f.Run(context.Background(), Call{
		Coordinate:     env.coordinate(t),
		NodeCount:      5,
		Tasks:          1,
		ConsensusCount: 5,
		Routine: func(context.Context, routing.NodeRef) (CallOutput, error) {
			calls.Add(1)
			return CallOutput{Disposition: DispositionAccepted}, nil
		},
		CheckDone: func(Result) bool { return true },
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, ResultIncomplete, res.Kind)
}

func TestRun_Timeout(t *testing.T) {
	env := newTestEnv(t, clock.New())
	env.addNodes(t, 2)

	res, err := env.f.Run(context.Background(), Call{
		Coordinate:     env.coordinate(t),
		NodeCount:      2,
		Tasks:          2,
		ConsensusCount: 2,
		Timeout:        50 * time.Millisecond,
		Routine: func(ctx context.Context, _ routing.NodeRef) (CallOutput, error) {
			<-ctx.Done()
			return CallOutput{}, ctx.Err()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultTimeout, res.Kind)
}

func TestRun_CallerCancelled(t *testing.T) {
	env := newTestEnv(t, clock.New())
	env.addNodes(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := env.f.Run(ctx, Call{
		Coordinate:     env.coordinate(t),
		NodeCount:      1,
		Tasks:          1,
		ConsensusCount: 1,
		Routine: func(ctx context.Context, _ routing.NodeRef) (CallOutput, error) {
			cancel()
			<-ctx.Done()
			return CallOutput{}, ctx.Err()
		},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_InvalidCall(t *testing.T) {
	env := newTestEnv(t, clock.NewMock())
	_, err := env.f.Run(context.Background(), Call{Coordinate: env.coordinate(t), NodeCount: 1, Tasks: 1})
	assert.ErrorIs(t, err, ErrInvalidCall)
}

// ============================================================================
// 队列
// ============================================================================

func TestQueue_Dispositions(t *testing.T) {
	env := newTestEnv(t, clock.NewMock())
	nodes := env.addNodes(t, 3)
	q := newQueue(env.cs, env.coordinate(t), 3)
	for _, nr := range nodes {
		require.True(t, q.add(nr))
	}
	assert.False(t, q.add(nodes[0]))

	a, b, c := q.nodes[0], q.nodes[1], q.nodes[2]
	q.apply(a, DispositionAccepted)
	q.apply(b, DispositionAcceptedNewer)
	assert.Equal(t, StatusStale, a.status)
	assert.Equal(t, StatusAccepted, b.status)

	q.apply(c, DispositionAcceptedNewerRestart)
	assert.Equal(t, []NodeStatus{StatusStale, StatusQueued, StatusAccepted}, q.statuses())

	// 较近的节点重新排队，阻止共识
	assert.Equal(t, ResultIncomplete, q.result(1).Kind)

	q.apply(b, DispositionInvalid)
	assert.Len(t, q.nodes, 2)
	r := q.result(1)
	assert.Equal(t, ResultConsensus, r.Kind)
	assert.Len(t, r.ValueNodes, 2)
}

func TestQueue_TrimDropsFarthestQueued(t *testing.T) {
	env := newTestEnv(t, clock.NewMock())
	nodes := env.addNodes(t, 4)
	q := newQueue(env.cs, env.coordinate(t), 2)
	for _, nr := range nodes {
		q.add(nr)
	}
	require.Len(t, q.nodes, 2)

	coord := env.coordinate(t)
	closest := env.rt.FindClosestNodes(2, coord, nil)
	assert.True(t, q.nodes[0].nr.SameEntry(closest[0]))
	assert.True(t, q.nodes[1].nr.SameEntry(closest[1]))
}

func TestDisposition_String(t *testing.T) {
	assert.Equal(t, "AcceptedNewerRestart", DispositionAcceptedNewerRestart.String())
	assert.Equal(t, "Exhausted", ResultExhausted.String())
	assert.Equal(t, "InProgress", StatusInProgress.String())
}
