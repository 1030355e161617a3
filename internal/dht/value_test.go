package dht

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/rpc"
	"github.com/dep2p/go-overlay/internal/dht/schema"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
// GetValue
// ============================================================================

func TestGetValue_NewerValueArrivesLater(t *testing.T) {
	mn := newMemNet(t, 5, nil)
	a := mn.peers[0]
	a.learn(t, mn.peers[1:]...)
	o := newOwner(t, 1)
	o.create(t, a)
	sub := a.subscribe(t)

	// 按距离依次为 (5,A) (5,A) (7,B) (7,B)
	order := a.closest(t, o.key, mn.peers[1:])
	old, newer := o.sign(t, 0, 5, "A"), o.sign(t, 0, 7, "B")
	o.plant(t, order[0], 0, old)
	o.plant(t, order[1], 0, old)
	o.plant(t, order[2], 0, newer)
	o.plant(t, order[3], 0, newer)

	v, err := a.engine.GetValue(context.Background(), o.key, 0, true)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.EqualValues(t, 5, v.Seq)
	assert.Equal(t, []byte("A"), v.Data)

	c := waitChange(t, sub, func(c ValueChange) bool { return c.Value != nil && c.Value.Seq == 7 })
	assert.Equal(t, o.key, c.Key)
	assert.True(t, c.Subkeys.Contains(0))
	assert.Equal(t, []byte("B"), c.Value.Data)

	v, err = a.engine.GetValue(context.Background(), o.key, 0, false)
	require.NoError(t, err)
	assert.EqualValues(t, 7, v.Seq)
	assert.Equal(t, []byte("B"), v.Data)
}

func TestGetValue_IgnoresForgedValues(t *testing.T) {
	mn := newMemNet(t, 3, func(cfg *Config) { cfg.GetValue.Count = 1 })
	a, b, c := mn.peers[0], mn.peers[1], mn.peers[2]
	a.learn(t, b, c)
	o := newOwner(t, 1)
	o.create(t, a)

	order := a.closest(t, o.key, []*testPeer{b, c})
	o.plant(t, order[1], 0, o.sign(t, 0, 2, "real"))

	// 最近的节点持有签名被篡改的高序号值
	forged := o.sign(t, 0, 9, "forged")
	forged.Value.Data = []byte("tampered")
	rec, _ := order[0].engine.findRecord(o.key)
	require.Nil(t, rec)
	desc := o.desc
	_, err := order[0].engine.HandleSetValue(context.Background(), &rpc.SetValueQuestion{Key: o.key, Value: forged, Descriptor: &desc})
	require.Error(t, err)

	v, err := a.engine.GetValue(context.Background(), o.key, 0, true)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, []byte("real"), v.Data)
}

func TestGetValue_SubkeyOutOfRange(t *testing.T) {
	mn := newMemNet(t, 1, nil)
	a := mn.peers[0]
	o := newOwner(t, 2)
	o.create(t, a)

	_, err := a.engine.GetValue(context.Background(), o.key, 2, false)
	assert.ErrorIs(t, err, schema.ErrSubkeyOutOfRange)
}

func TestGetValue_NothingAnywhere(t *testing.T) {
	mn := newMemNet(t, 2, nil)
	a, b := mn.peers[0], mn.peers[1]
	a.learn(t, b)
	o := newOwner(t, 1)
	o.create(t, a)

	v, err := a.engine.GetValue(context.Background(), o.key, 0, true)
	require.NoError(t, err)
	assert.Nil(t, v)
}

// ============================================================================
// SetValue
// ============================================================================

func TestSetValue_PeerHoldsNewerValue(t *testing.T) {
	mn := newMemNet(t, 2, nil)
	a, b := mn.peers[0], mn.peers[1]
	a.learn(t, b)
	o := newOwner(t, 1)
	o.create(t, a)
	sub := a.subscribe(t)

	stored, err := a.engine.setLocalValue(o.key, 0, o.sign(t, 0, 2, "W"))
	require.NoError(t, err)
	require.True(t, stored)
	o.plant(t, b, 0, o.sign(t, 0, 4, "Y"))

	v, err := a.engine.SetValue(context.Background(), o.key, 0, []byte("X"), nil)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.EqualValues(t, 4, v.Seq)
	assert.Equal(t, []byte("Y"), v.Data)

	local, err := a.engine.GetValue(context.Background(), o.key, 0, false)
	require.NoError(t, err)
	assert.EqualValues(t, 4, local.Seq)
	assert.Equal(t, []byte("Y"), local.Data)

	c := waitChange(t, sub, func(c ValueChange) bool { return c.Value != nil })
	assert.EqualValues(t, 4, c.Value.Seq)
	assert.Empty(t, a.engine.OfflineSubkeys(o.key))
}

func TestSetValue_SameSeqConflictKeepsOwnValue(t *testing.T) {
	mn := newMemNet(t, 2, nil)
	a, b := mn.peers[0], mn.peers[1]
	a.learn(t, b)
	o := newOwner(t, 1)
	o.create(t, a)
	ctx := context.Background()

	stored, err := a.engine.setLocalValue(o.key, 0, o.sign(t, 0, 0, "W"))
	require.NoError(t, err)
	require.True(t, stored)
	// b 已经有同序号的另一个值
	o.plant(t, b, 0, o.sign(t, 0, 1, "Z"))

	v, err := a.engine.SetValue(ctx, o.key, 0, []byte("X"), nil)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.EqualValues(t, 1, v.Seq)
	assert.Equal(t, []byte("X"), v.Data)

	local, err := a.engine.GetValue(ctx, o.key, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("X"), local.Data)

	ans, err := b.engine.HandleGetValue(ctx, &rpc.GetValueQuestion{Key: o.key, Subkey: 0})
	require.NoError(t, err)
	require.NotNil(t, ans.Value)
	assert.Equal(t, []byte("Z"), ans.Value.Value.Data)

	// 没有节点接受，子键进入离线队列
	assert.True(t, a.engine.OfflineSubkeys(o.key).Contains(0))
}

func TestSetValue_Propagates(t *testing.T) {
	mn := newMemNet(t, 3, func(cfg *Config) { cfg.SetValue.Count = 2 })
	a, b, c := mn.peers[0], mn.peers[1], mn.peers[2]
	a.learn(t, b, c)
	o := newOwner(t, 2)
	o.create(t, a)
	ctx := context.Background()

	v, err := a.engine.SetValue(ctx, o.key, 1, []byte("one"), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.Seq)

	v, err = a.engine.SetValue(ctx, o.key, 1, []byte("two"), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v.Seq)

	for _, p := range []*testPeer{b, c} {
		ans, err := p.engine.HandleGetValue(ctx, &rpc.GetValueQuestion{Key: o.key, Subkey: 1, WantDescriptor: true})
		require.NoError(t, err)
		require.NotNil(t, ans.Value, p.name)
		assert.Equal(t, []byte("two"), ans.Value.Value.Data)
		require.NotNil(t, ans.Descriptor)
		assert.True(t, ans.Descriptor.Equal(&o.desc))
	}
}

func TestSetValue_SameDataSkipsNetwork(t *testing.T) {
	mn := newMemNet(t, 2, nil)
	a, b := mn.peers[0], mn.peers[1]
	a.learn(t, b)
	o := newOwner(t, 1)
	o.create(t, a)
	ctx := context.Background()

	_, err := a.engine.SetValue(ctx, o.key, 0, []byte("same"), nil)
	require.NoError(t, err)
	mn.setDown(b, true)

	v, err := a.engine.SetValue(ctx, o.key, 0, []byte("same"), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.Seq)
	assert.Empty(t, a.engine.OfflineSubkeys(o.key))
}

func TestSetValue_MemberWriter(t *testing.T) {
	mn := newMemNet(t, 1, nil)
	a := mn.peers[0]
	o := newOwner(t, 1)
	member, err := o.cs.GenerateKeyPair()
	require.NoError(t, err)
	sch, err := schema.NewSMPL(1, schema.Member{Key: member.Key, Count: 2})
	require.NoError(t, err)
	kp := o.kp
	info, err := a.engine.CreateRecord(o.cs.Kind(), sch, &kp, types.SafetySelection{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.engine.SetValue(ctx, info.Key, 1, []byte("m"), &member)
	require.NoError(t, err)
	_, err = a.engine.SetValue(ctx, info.Key, 0, []byte("m"), &member)
	assert.ErrorIs(t, err, schema.ErrWriterNotAllowed)
	_, err = a.engine.SetValue(ctx, info.Key, 1, []byte("o"), nil)
	assert.ErrorIs(t, err, schema.ErrWriterNotAllowed)
}

// ============================================================================
// 离线队列
// ============================================================================

func TestOfflineQueue_RetriesWhenPeersAppear(t *testing.T) {
	mn := newMemNet(t, 2, nil)
	a, b := mn.peers[0], mn.peers[1]
	o := newOwner(t, 2)
	o.create(t, a)
	ctx := context.Background()

	v, err := a.engine.SetValue(ctx, o.key, 1, []byte("later"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("later"), v.Data)
	assert.True(t, a.engine.OfflineSubkeys(o.key).Contains(1))

	// 离线子键以本地值为准
	v, err = a.engine.GetValue(ctx, o.key, 1, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("later"), v.Data)

	a.engine.retryOffline(ctx)
	assert.True(t, a.engine.OfflineSubkeys(o.key).Contains(1))

	a.learn(t, b)
	a.engine.retryOffline(ctx)
	assert.Empty(t, a.engine.OfflineSubkeys(o.key))

	ans, err := b.engine.HandleGetValue(ctx, &rpc.GetValueQuestion{Key: o.key, Subkey: 1})
	require.NoError(t, err)
	require.NotNil(t, ans.Value)
	assert.Equal(t, []byte("later"), ans.Value.Value.Data)
}

func TestOfflineQueue_DroppedWithRecord(t *testing.T) {
	mn := newMemNet(t, 1, nil)
	a := mn.peers[0]
	o := newOwner(t, 1)
	o.create(t, a)
	ctx := context.Background()

	_, err := a.engine.SetValue(ctx, o.key, 0, []byte("x"), nil)
	require.NoError(t, err)
	require.False(t, a.engine.OfflineSubkeys(o.key).IsEmpty())

	require.NoError(t, a.engine.DeleteRecord(ctx, o.key))
	assert.Empty(t, a.engine.OfflineSubkeys(o.key))
}
