package network

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/dep2p/go-overlay/internal/core/envelope"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              中继转发
// ============================================================================

// relayItem 待转发的信封
type relayItem struct {
	// to 已知的下一跳；为空时按 resolve 在全网解析
	to      routing.NodeRef
	resolve types.TypedKey
	data    []byte
	ordered bool
}

// relayPool 有界队列 + 限并发的转发工作池
type relayPool struct {
	nm    *Manager
	queue chan relayItem
	sem   *semaphore.Weighted

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRelayPool(nm *Manager, workers, queueSize int) *relayPool {
	return &relayPool{
		nm:    nm,
		queue: make(chan relayItem, queueSize),
		sem:   semaphore.NewWeighted(int64(workers)),
	}
}

func (p *relayPool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.dispatch(p.ctx)
}

func (p *relayPool) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()

	// 丢弃残留
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

// enqueue 非阻塞入队
func (p *relayPool) enqueue(it relayItem) error {
	select {
	case p.queue <- it:
		return nil
	default:
		return ErrRelayQueueFull
	}
}

func (p *relayPool) dispatch(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.queue:
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer p.sem.Release(1)
				p.nm.forward(ctx, it)
			}()
		}
	}
}

// ============================================================================
//                              转发决策
// ============================================================================

// relayEnvelope 接收者不是本节点时决定是否转发
func (m *Manager) relayEnvelope(data []byte, env *envelope.Envelope, uf types.UniqueFlow) {
	sender := env.SenderTypedID()
	recipient := env.RecipientTypedID()
	it := relayItem{data: append([]byte(nil), data...), ordered: uf.Flow.Protocol().IsOrdered()}

	switch {
	case m.rt.IsClientAllowlisted(sender):
		// 本节点是发送者的中继，可以为它在全网解析接收者
		it.resolve = recipient
	case !m.cfg.RelayEnabled:
		logger.Debug("未启用中继，丢弃", "envelope", env.String())
		m.metrics.RelayPacket("disabled")
		return
	case m.rt.HasAnyRelay():
		// 自己也依赖中继的节点不再为别人转发
		m.metrics.RelayPacket("refused")
		return
	default:
		nr, ok := m.rt.LookupNodeRef(recipient)
		if !ok {
			m.metrics.RelayPacket("unknown")
			return
		}
		it.to = nr
	}

	if err := m.relays.enqueue(it); err != nil {
		m.metrics.RelayPacket("dropped")
		return
	}
	m.metrics.RelayPacket("queued")
}

// forward 转发一个信封
func (m *Manager) forward(ctx context.Context, it relayItem) {
	to := it.to
	if !to.IsValid() {
		rpc := m.getRPC()
		if rpc == nil {
			m.metrics.RelayPacket("failed")
			return
		}
		nr, err := rpc.ResolveNode(ctx, it.resolve)
		if err != nil || !nr.IsValid() {
			logger.Debug("解析中继目标失败", "target", it.resolve.ShortString(), "error", err)
			m.metrics.RelayPacket("failed")
			return
		}
		to = nr
	}
	if it.ordered {
		to = to.WithSequencing(types.SequencingEnsureOrdered)
	}
	res := m.SendData(ctx, to, it.data)
	if !res.IsValue() {
		logger.Debug("转发失败", "target", to.String(), "result", res.String())
		m.metrics.RelayPacket("failed")
		return
	}
	m.metrics.RelayPacket("sent")
}
