package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

func TestWaiterTable(t *testing.T) {
	tn := newTestNet(t, []string{"a", "b", "c"}, nil)
	a, b, c := tn.node("a"), tn.node("b"), tn.node("c")
	a.learn(t, b, c)
	fromB, fromC := a.ref(t, b), a.ref(t, c)

	wt := newWaiterTable()
	w, ok := wt.add(1, b.id.NodeIDs())
	require.True(t, ok)
	_, ok = wt.add(1, nil)
	assert.False(t, ok, "重复的操作 ID")

	ans := &Answer{Status: &StatusAnswer{}}
	assert.False(t, wt.complete(1, Reply{Answer: ans, Sender: fromC}), "发送方不符")
	assert.False(t, wt.complete(1, Reply{Answer: ans}), "直连回答缺少发送方")
	assert.False(t, wt.complete(2, Reply{Answer: ans, Sender: fromB}), "未登记")
	assert.True(t, wt.complete(1, Reply{Answer: ans, Sender: fromB}))
	r := <-w.ch
	assert.Same(t, ans, r.Answer)
	assert.Equal(t, 0, wt.len())

	// 经路由的回答不检查发送方
	w, _ = wt.add(3, b.id.NodeIDs())
	assert.True(t, wt.complete(3, Reply{Answer: ans, Routed: true}))
	assert.True(t, (<-w.ch).Routed)

	wt.add(4, nil)
	wt.add(5, types.TypedKeyGroup{b.nodeID()})
	assert.Equal(t, 2, wt.len())
	wt.remove(4)
	assert.Equal(t, 1, wt.len())
	wt.cancelAll()
	assert.Equal(t, 0, wt.len())
	assert.False(t, wt.complete(5, Reply{Answer: ans, Sender: routing.NodeRef{}, Routed: true}))
}
