package eventbus

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dep2p/go-overlay/pkg/lib/log"
)

var logger = log.Logger("core/eventbus")

var (
	// ErrClosed 发射器已关闭
	ErrClosed = errors.New("eventbus: closed")
)

// ============================================================================
//                              Bus
// ============================================================================

// Bus 事件总线
type Bus struct {
	mu    sync.Mutex
	nodes map[reflect.Type]*node
}

// node 一种事件类型的订阅方与发射器
type node struct {
	mu        sync.Mutex
	typ       reflect.Type
	sinks     []sink
	emitters  int
	keepLast  bool
	last      any
	dropCount atomic.Int64
}

// sink 类型擦除后的订阅方
type sink interface {
	deliver(evt any) bool
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{nodes: make(map[reflect.Type]*node)}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// withNode 在 typ 的节点锁内执行 fn，节点不存在时创建
func (b *Bus) withNode(typ reflect.Type, fn func(*node)) {
	b.mu.Lock()
	n, ok := b.nodes[typ]
	if !ok {
		n = &node{typ: typ}
		b.nodes[typ] = n
	}
	n.mu.Lock()
	b.mu.Unlock()
	fn(n)
	n.mu.Unlock()
}

// dropIfUnused 没有订阅方和发射器时删除节点
func (b *Bus) dropIfUnused(typ reflect.Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[typ]
	if !ok {
		return
	}
	n.mu.Lock()
	unused := len(n.sinks) == 0 && n.emitters == 0
	n.mu.Unlock()
	if unused {
		delete(b.nodes, typ)
	}
}

// EventTypes 当前有订阅方或发射器的事件类型数
func (b *Bus) EventTypes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes)
}

func (n *node) emit(evt any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.keepLast {
		n.last = evt
	}
	for _, s := range n.sinks {
		if s.deliver(evt) {
			continue
		}
		if dropped := n.dropCount.Add(1); dropped%100 == 1 {
			logger.Warn("订阅方缓冲区已满，丢弃事件", "type", n.typ.String(), "dropped", dropped)
		}
	}
}

func (n *node) removeSink(s sink) {
	for i, x := range n.sinks {
		if x == s {
			n.sinks = append(n.sinks[:i], n.sinks[i+1:]...)
			return
		}
	}
}
