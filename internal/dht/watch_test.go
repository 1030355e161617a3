package dht

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/rpc"
	"github.com/dep2p/go-overlay/pkg/types"
)

func (p *testPeer) directTo(t *testing.T, other *testPeer) rpc.Destination {
	t.Helper()
	p.learn(t, other)
	nr, ok := p.rt.LookupNodeRef(other.nodeID())
	require.True(t, ok)
	return rpc.Direct(nr)
}

func (p *testPeer) inboundWatches(key types.RecordKey) []inboundWatch {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	out := make([]inboundWatch, 0, len(p.engine.watches[key]))
	for _, w := range p.engine.watches[key] {
		out = append(out, *w)
	}
	return out
}

// ============================================================================
// 入站监听
// ============================================================================

func TestHandleWatchValue(t *testing.T) {
	mn := newMemNet(t, 2, func(cfg *Config) { cfg.MaxWatchesPerRecord = 2 })
	a, b := mn.peers[0], mn.peers[1]
	dest := b.directTo(t, a)
	o := newOwner(t, 4)
	ctx := context.Background()
	maxExp := b.engine.cfg.MaxWatchExpiration

	q := rpc.WatchValueQuestion{Key: o.key, Count: 3, Watcher: a.nodeID().Value}
	ans, err := b.engine.HandleWatchValue(ctx, &q, dest)
	require.NoError(t, err)
	assert.False(t, ans.Accepted, "未知记录")

	o.plant(t, b, 0, o.sign(t, 0, 0, "x"))
	before := b.rt.Now()
	q.Expiration = before.Add(24 * time.Hour)
	q.Subkeys = types.SubkeyRangeOf(2, 9)
	ans, err = b.engine.HandleWatchValue(ctx, &q, dest)
	require.NoError(t, err)
	require.True(t, ans.Accepted)
	assert.NotZero(t, ans.WatchID)
	assert.Greater(t, ans.Expiration, before)
	assert.LessOrEqual(t, ans.Expiration, b.rt.Now().Add(maxExp))

	ws := a.inboundWatches(o.key)
	assert.Empty(t, ws)
	ws = b.inboundWatches(o.key)
	require.Len(t, ws, 1)
	assert.Equal(t, "[2..3]", ws[0].subkeys.String())
	assert.EqualValues(t, 3, ws[0].count)

	t.Run("更新已有监听", func(t *testing.T) {
		u := q
		u.WatchID = ans.WatchID
		u.Count = 7
		u.Subkeys = nil
		got, err := b.engine.HandleWatchValue(ctx, &u, dest)
		require.NoError(t, err)
		require.True(t, got.Accepted)
		assert.Equal(t, ans.WatchID, got.WatchID)
		ws := b.inboundWatches(o.key)
		require.Len(t, ws, 1)
		assert.Equal(t, "[0..3]", ws[0].subkeys.String())
		assert.EqualValues(t, 7, ws[0].count)
	})

	t.Run("未知的监听 ID", func(t *testing.T) {
		u := q
		u.WatchID = 999
		got, err := b.engine.HandleWatchValue(ctx, &u, dest)
		require.NoError(t, err)
		assert.False(t, got.Accepted)
	})

	t.Run("已过期", func(t *testing.T) {
		u := q
		u.Expiration = before.Add(-time.Second)
		got, err := b.engine.HandleWatchValue(ctx, &u, dest)
		require.NoError(t, err)
		assert.False(t, got.Accepted)
	})

	t.Run("子键不在范围内", func(t *testing.T) {
		u := q
		u.Subkeys = types.SubkeyRangeOf(10, 20)
		got, err := b.engine.HandleWatchValue(ctx, &u, dest)
		require.NoError(t, err)
		assert.False(t, got.Accepted)
	})

	t.Run("监听数上限", func(t *testing.T) {
		second, err := b.engine.HandleWatchValue(ctx, &q, dest)
		require.NoError(t, err)
		require.True(t, second.Accepted)
		third, err := b.engine.HandleWatchValue(ctx, &q, dest)
		require.NoError(t, err)
		assert.False(t, third.Accepted)
		assert.Equal(t, 2, b.engine.InboundWatchCount(o.key))
	})

	t.Run("取消", func(t *testing.T) {
		c := rpc.WatchValueQuestion{Key: o.key, Count: 0, WatchID: ans.WatchID, Watcher: a.nodeID().Value}
		got, err := b.engine.HandleWatchValue(ctx, &c, dest)
		require.NoError(t, err)
		assert.True(t, got.Accepted)
		assert.Equal(t, 1, b.engine.InboundWatchCount(o.key))
	})
}

func TestExpireWatches(t *testing.T) {
	mn := newMemNet(t, 2, nil)
	a, b := mn.peers[0], mn.peers[1]
	dest := b.directTo(t, a)
	o := newOwner(t, 1)
	o.plant(t, b, 0, o.sign(t, 0, 0, "x"))

	q := rpc.WatchValueQuestion{Key: o.key, Count: 3, Expiration: b.rt.Now().Add(50 * time.Millisecond), Watcher: a.nodeID().Value}
	ans, err := b.engine.HandleWatchValue(context.Background(), &q, dest)
	require.NoError(t, err)
	require.True(t, ans.Accepted)

	require.Eventually(t, func() bool {
		b.engine.expireWatches()
		return b.engine.InboundWatchCount(o.key) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNotifyWatchers_SkipsExcluded(t *testing.T) {
	mn := newMemNet(t, 3, nil)
	a, b, c := mn.peers[0], mn.peers[1], mn.peers[2]
	o := newOwner(t, 1)
	o.plant(t, b, 0, o.sign(t, 0, 0, "x"))
	ctx := context.Background()

	for _, p := range []*testPeer{a, c} {
		q := rpc.WatchValueQuestion{Key: o.key, Count: 3, Expiration: b.rt.Now().Add(time.Hour), Watcher: p.nodeID().Value}
		ans, err := b.engine.HandleWatchValue(ctx, &q, b.directTo(t, p))
		require.NoError(t, err)
		require.True(t, ans.Accepted)
	}

	sv := o.sign(t, 0, 1, "y")
	excluded := a.nodeID().Value
	b.engine.notifyWatchers(o.key, 0, &sv, &excluded)

	counts := make(map[types.PublicKey]uint32)
	for _, w := range b.inboundWatches(o.key) {
		counts[w.watcher] = w.count
	}
	assert.EqualValues(t, 3, counts[a.nodeID().Value])
	assert.EqualValues(t, 2, counts[c.nodeID().Value])
}

// ============================================================================
// 出站监听与变化通知
// ============================================================================

func TestWatchValues_ReceivesChanges(t *testing.T) {
	mn := newMemNet(t, 2, nil)
	a, b := mn.peers[0], mn.peers[1]
	a.learn(t, b)
	o := newOwner(t, 2)
	o.create(t, a)
	ctx := context.Background()
	sub := a.subscribe(t)

	_, err := a.engine.SetValue(ctx, o.key, 0, []byte("v1"), nil)
	require.NoError(t, err)

	exp, err := a.engine.WatchValues(ctx, o.key, nil, 0, 5)
	require.NoError(t, err)
	assert.NotZero(t, exp)
	assert.True(t, a.engine.HasWatch(o.key))
	assert.Equal(t, 1, b.engine.InboundWatchCount(o.key))

	// 其他写入者直接更新 b
	_, err = b.engine.HandleSetValue(ctx, &rpc.SetValueQuestion{Key: o.key, Subkey: 0, Value: o.sign(t, 0, 1, "v2")})
	require.NoError(t, err)

	c := waitChange(t, sub, func(c ValueChange) bool { return c.Value != nil && c.Value.Seq == 1 })
	assert.Equal(t, []byte("v2"), c.Value.Data)
	assert.EqualValues(t, 4, c.Count)

	v, err := a.engine.GetValue(ctx, o.key, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v.Data)

	still, err := a.engine.CancelWatch(ctx, o.key, nil)
	require.NoError(t, err)
	assert.False(t, still)
	assert.False(t, a.engine.HasWatch(o.key))
	assert.Equal(t, 0, b.engine.InboundWatchCount(o.key))
}

func TestWatchValues_CountExhausted(t *testing.T) {
	mn := newMemNet(t, 2, nil)
	a, b := mn.peers[0], mn.peers[1]
	a.learn(t, b)
	o := newOwner(t, 1)
	o.create(t, a)
	ctx := context.Background()
	sub := a.subscribe(t)

	_, err := a.engine.SetValue(ctx, o.key, 0, []byte("v1"), nil)
	require.NoError(t, err)
	_, err = a.engine.WatchValues(ctx, o.key, nil, 0, 1)
	require.NoError(t, err)

	_, err = b.engine.HandleSetValue(ctx, &rpc.SetValueQuestion{Key: o.key, Subkey: 0, Value: o.sign(t, 0, 1, "v2")})
	require.NoError(t, err)

	c := waitChange(t, sub, func(c ValueChange) bool { return c.Count == 0 })
	require.NotNil(t, c.Value)
	assert.Equal(t, []byte("v2"), c.Value.Data)
	assert.False(t, a.engine.HasWatch(o.key))
	assert.Equal(t, 0, b.engine.InboundWatchCount(o.key))
}

func TestWatchValues_PartialCancel(t *testing.T) {
	mn := newMemNet(t, 2, nil)
	a, b := mn.peers[0], mn.peers[1]
	a.learn(t, b)
	o := newOwner(t, 4)
	o.create(t, a)
	ctx := context.Background()

	_, err := a.engine.SetValue(ctx, o.key, 0, []byte("v1"), nil)
	require.NoError(t, err)
	_, err = a.engine.WatchValues(ctx, o.key, types.SubkeyRangeOf(0, 3), 0, 10)
	require.NoError(t, err)

	still, err := a.engine.CancelWatch(ctx, o.key, types.SubkeyRangeOf(0, 1))
	require.NoError(t, err)
	assert.True(t, still)

	ws := b.inboundWatches(o.key)
	require.Len(t, ws, 1)
	assert.Equal(t, "[2..3]", ws[0].subkeys.String())
}

func TestWatchValues_NoPeers(t *testing.T) {
	mn := newMemNet(t, 1, nil)
	a := mn.peers[0]
	o := newOwner(t, 1)
	o.create(t, a)

	exp, err := a.engine.WatchValues(context.Background(), o.key, nil, 0, 3)
	require.NoError(t, err)
	assert.Zero(t, exp)
	assert.False(t, a.engine.HasWatch(o.key))
}

func TestHandleValueChanged_UnknownWatch(t *testing.T) {
	mn := newMemNet(t, 1, nil)
	a := mn.peers[0]
	o := newOwner(t, 1)
	o.create(t, a)

	sv := o.sign(t, 0, 3, "x")
	err := a.engine.HandleValueChanged(context.Background(), &rpc.ValueChangedStatement{
		Key: o.key, Subkeys: types.SingleSubkey(0), Count: 1, WatchID: 42, Value: &sv,
	})
	assert.ErrorIs(t, err, ErrUnknownWatch)
}

func TestCloseRecord_CancelsWatch(t *testing.T) {
	mn := newMemNet(t, 2, nil)
	a, b := mn.peers[0], mn.peers[1]
	a.learn(t, b)
	o := newOwner(t, 1)
	o.create(t, a)
	ctx := context.Background()

	_, err := a.engine.SetValue(ctx, o.key, 0, []byte("v1"), nil)
	require.NoError(t, err)
	_, err = a.engine.WatchValues(ctx, o.key, nil, 0, 3)
	require.NoError(t, err)
	require.Equal(t, 1, b.engine.InboundWatchCount(o.key))

	require.NoError(t, a.engine.CloseRecord(ctx, o.key))
	assert.Equal(t, 0, b.engine.InboundWatchCount(o.key))
}
