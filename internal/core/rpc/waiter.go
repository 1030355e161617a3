package rpc

import (
	"sync"

	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

// Reply 收到的回答
type Reply struct {
	Answer *Answer

	// Sender 直连回答的发送方，经路由时无效
	Sender routing.NodeRef

	// Routed 是否经路由到达
	Routed bool
}

type answerWaiter struct {
	ch     chan Reply
	expect types.TypedKeyGroup
}

// waiterTable 按操作 ID 等待回答
type waiterTable struct {
	mu      sync.Mutex
	waiters map[uint64]*answerWaiter
}

func newWaiterTable() *waiterTable {
	return &waiterTable{waiters: make(map[uint64]*answerWaiter)}
}

// add 登记等待；expect 非空时只接受来自这些 ID 的直连回答
func (t *waiterTable) add(opID uint64, expect types.TypedKeyGroup) (*answerWaiter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.waiters[opID]; dup {
		return nil, false
	}
	w := &answerWaiter{ch: make(chan Reply, 1), expect: expect}
	t.waiters[opID] = w
	return w, true
}

// complete 交付回答，未登记或发送方不符时返回 false
func (t *waiterTable) complete(opID uint64, r Reply) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.waiters[opID]
	if !ok {
		return false
	}
	if len(w.expect) > 0 && !r.Routed && (!r.Sender.IsValid() || !w.expect.ContainsAny(r.Sender.NodeIDs())) {
		return false
	}
	delete(t.waiters, opID)
	w.ch <- r
	return true
}

func (t *waiterTable) remove(opID uint64) {
	t.mu.Lock()
	delete(t.waiters, opID)
	t.mu.Unlock()
}

func (t *waiterTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// cancelAll 停止时丢弃全部等待，等待方通过 ctx 退出
func (t *waiterTable) cancelAll() {
	t.mu.Lock()
	t.waiters = make(map[uint64]*answerWaiter)
	t.mu.Unlock()
}
