package eventbus

import (
	"sync"
	"sync/atomic"
)

// ============================================================================
//                              Subscription
// ============================================================================

// Subscription T 类型事件的订阅
type Subscription[T any] struct {
	bus       *Bus
	mu        sync.Mutex
	out       chan T
	closed    bool
	closeOnce sync.Once
}

// Subscribe 订阅 T 类型事件
func Subscribe[T any](b *Bus, opts ...SubscriptionOpt) (*Subscription[T], error) {
	settings := subscriptionSettings{buffer: 16}
	for _, opt := range opts {
		opt(&settings)
	}
	sub := &Subscription[T]{bus: b, out: make(chan T, settings.buffer)}
	b.withNode(typeOf[T](), func(n *node) {
		n.sinks = append(n.sinks, sub)
		if n.keepLast && n.last != nil {
			sub.deliver(n.last)
		}
	})
	return sub, nil
}

// Out 事件通道，Close 后关闭
func (s *Subscription[T]) Out() <-chan T {
	return s.out
}

func (s *Subscription[T]) deliver(evt any) bool {
	v, ok := evt.(T)
	if !ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- v:
		return true
	default:
		return false
	}
}

// Close 取消订阅，可重复调用
func (s *Subscription[T]) Close() error {
	s.closeOnce.Do(func() {
		typ := typeOf[T]()
		s.bus.withNode(typ, func(n *node) { n.removeSink(s) })
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
		s.bus.dropIfUnused(typ)
	})
	return nil
}

// ============================================================================
//                              Emitter
// ============================================================================

// Emitter T 类型事件的发射器
type Emitter[T any] struct {
	bus       *Bus
	node      *node
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewEmitter 创建 T 类型事件的发射器
func NewEmitter[T any](b *Bus, opts ...EmitterOpt) (*Emitter[T], error) {
	var settings emitterSettings
	for _, opt := range opts {
		opt(&settings)
	}
	em := &Emitter[T]{bus: b}
	b.withNode(typeOf[T](), func(n *node) {
		em.node = n
		n.emitters++
		if settings.stateful {
			n.keepLast = true
		}
	})
	return em, nil
}

// Emit 发射事件，不阻塞
func (e *Emitter[T]) Emit(evt T) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.node.emit(evt)
	return nil
}

// Close 关闭发射器
func (e *Emitter[T]) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		typ := typeOf[T]()
		e.bus.withNode(typ, func(n *node) { n.emitters-- })
		e.bus.dropIfUnused(typ)
	})
	return nil
}
