package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/fanout"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/network"
	"github.com/dep2p/go-overlay/internal/core/receipt"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/rpc")

// Network RPC 依赖的网络层能力
type Network interface {
	SendEnvelope(ctx context.Context, dest routing.NodeRef, body []byte) types.NetworkResult[network.SendDataResult]
	SendEnvelopeVia(ctx context.Context, nextHop routing.NodeRef, recipient types.TypedKeyGroup, body []byte) types.NetworkResult[network.SendDataResult]
	HandleSignal(ctx context.Context, info network.SignalInfo) error
	HandleReturnedReceipt(data []byte, kind receipt.EventKind, inbound types.TypedKey, flow types.UniqueFlow, route types.RouteID) error
}

// DHTHandler 入站 DHT 操作的处理方
//
// 回答中的 Peers 由处理器按记录键补充，处理方无需填写。
type DHTHandler interface {
	HandleGetValue(ctx context.Context, q *GetValueQuestion) (*GetValueAnswer, error)
	HandleSetValue(ctx context.Context, q *SetValueQuestion) (*SetValueAnswer, error)
	HandleWatchValue(ctx context.Context, q *WatchValueQuestion, watcher Destination) (*WatchValueAnswer, error)
	HandleValueChanged(ctx context.Context, s *ValueChangedStatement) error
}

// ============================================================================
//                              Processor
// ============================================================================

// Processor RPC 处理器
type Processor struct {
	cfg     Config
	clock   clock.Clock
	rt      *routing.RoutingTable
	id      *identity.Identity
	net     Network
	filter  *addrfilter.Filter
	metrics *metrics.Metrics
	fanout  *fanout.Fanout
	routes  *RouteSpecStore
	waiters *waiterTable

	queue chan network.Message

	mu  sync.RWMutex
	dht DHTHandler

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	routeHops atomic.Uint64
}

var _ network.RPC = (*Processor)(nil)

// NewProcessor 创建 RPC 处理器
func NewProcessor(cfg Config, clk clock.Clock, rt *routing.RoutingTable, net Network, filter *addrfilter.Filter,
	fo *fanout.Fanout, m *metrics.Metrics) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fo == nil {
		fo = fanout.New(rt, clk, m)
	}
	return &Processor{
		cfg:     cfg,
		clock:   clk,
		rt:      rt,
		id:      rt.Identity(),
		net:     net,
		filter:  filter,
		metrics: m,
		fanout:  fo,
		routes:  NewRouteSpecStore(rt, cfg.MaxRouteHopCount),
		waiters: newWaiterTable(),
		queue:   make(chan network.Message, cfg.QueueSize),
	}, nil
}

// SetDHTHandler 设置 DHT 处理方
func (p *Processor) SetDHTHandler(h DHTHandler) {
	p.mu.Lock()
	p.dht = h
	p.mu.Unlock()
}

func (p *Processor) dhtHandler() DHTHandler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dht
}

// Routes 路由存储
func (p *Processor) Routes() *RouteSpecStore {
	return p.routes
}

// RoutingTable 路由表
func (p *Processor) RoutingTable() *routing.RoutingTable {
	return p.rt
}

// Fanout 扇出执行器
func (p *Processor) Fanout() *fanout.Fanout {
	return p.fanout
}

// Config 配置
func (p *Processor) Config() Config {
	return p.cfg
}

// RouteHopsProcessed 本节点处理过的路由跳数
func (p *Processor) RouteHopsProcessed() uint64 {
	return p.routeHops.Load()
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动调度工作协程
func (p *Processor) Start(_ context.Context) error {
	if p.started.Swap(true) {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(p.ctx)
	}
	logger.Info("RPC 处理器已启动", "workers", p.cfg.Concurrency, "queue", p.cfg.QueueSize)
	return nil
}

// Stop 停止工作协程，未处理的消息被丢弃
func (p *Processor) Stop(_ context.Context) error {
	if !p.started.Swap(false) {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	p.waiters.cancelAll()
	for {
		select {
		case <-p.queue:
		default:
			logger.Info("RPC 处理器已停止")
			return nil
		}
	}
}

// EnqueueMessage 投递本地信封正文
func (p *Processor) EnqueueMessage(msg network.Message) error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			p.handleMessage(ctx, msg)
		}
	}
}

// ============================================================================
//                              入站
// ============================================================================

// routedOrigin 经路由到达的操作来源
type routedOrigin struct {
	// private 经本节点私有路由到达；否则只经过安全路由
	private     bool
	route       types.RouteID
	safetyKey   types.TypedKey
	replySafety types.SafetySelection
}

// inbound 一条待处理的入站操作
type inbound struct {
	op     *Operation
	sender routing.NodeRef
	flow   types.UniqueFlow
	domain types.RoutingDomain
	routed *routedOrigin
}

func (p *Processor) handleMessage(ctx context.Context, msg network.Message) {
	op, err := DecodeOperation(msg.Body)
	if err != nil {
		logger.Debug("操作解码失败", "sender", msg.Sender.String(), "error", err)
		if p.filter != nil && msg.Sender.IsValid() {
			p.filter.PunishNodeID(msg.Sender.BestNodeID(), addrfilter.ReasonFailedToDecodeOperation)
		}
		return
	}
	if pi := op.SenderPeerInfo; pi != nil && msg.Sender.IsValid() {
		if msg.Sender.NodeIDs().ContainsAny(pi.NodeIDs) && pi.RoutingDomain == msg.Domain {
			if _, err := p.rt.RegisterNodeWithPeerInfo(pi); err != nil {
				logger.Debug("登记发送方节点信息失败", "sender", msg.Sender.String(), "error", err)
			}
		}
	}
	p.dispatch(ctx, &inbound{op: op, sender: msg.Sender, flow: msg.Flow, domain: msg.Domain})
}

func (p *Processor) dispatch(ctx context.Context, in *inbound) {
	p.metrics.RPCOperation(in.op.Detail(), "in")
	switch in.op.Kind {
	case KindQuestion:
		ans, err := p.answerQuestion(ctx, in)
		if err != nil {
			logger.Debug("处理提问失败", "op", in.op.Detail(), "error", err)
			return
		}
		if ans != nil {
			p.reply(ctx, in, ans)
		}
	case KindStatement:
		if err := p.handleStatement(ctx, in); err != nil {
			logger.Debug("处理语句失败", "op", in.op.Detail(), "error", err)
		}
	case KindAnswer:
		r := Reply{Answer: in.op.Answer, Sender: in.sender, Routed: in.routed != nil}
		if !p.waiters.complete(in.op.OpID, r) {
			logger.Debug("回答无人等待", "op", in.op.Detail(), "opID", in.op.OpID)
		}
	}
}
