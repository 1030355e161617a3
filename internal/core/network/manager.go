package network

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/connmgr"
	"github.com/dep2p/go-overlay/internal/core/envelope"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/receipt"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/network")

// ============================================================================
//                              协作接口
// ============================================================================

// Message 本地投递给 RPC 的信封正文
type Message struct {
	Envelope *envelope.Envelope
	Body     []byte
	Sender   routing.NodeRef
	Domain   types.RoutingDomain
	Flow     types.UniqueFlow
	Received types.Timestamp
}

// RPC 网络层依赖的 RPC 能力
type RPC interface {
	// EnqueueMessage 投递本地信封正文，队列满时返回错误
	EnqueueMessage(msg Message) error

	// SendSignal 经 relay 向 target 发送信令语句
	SendSignal(ctx context.Context, relay, target routing.NodeRef, info SignalInfo) error

	// SendReturnReceipt 直接向 target 返回回执
	SendReturnReceipt(ctx context.Context, target routing.NodeRef, receipt []byte) error

	// ResolveNode 在全网解析节点
	ResolveNode(ctx context.Context, id types.TypedKey) (routing.NodeRef, error)
}

// BootstrapHandler 处理 BOOT/B01T 引导请求
type BootstrapHandler func(data []byte, flow types.UniqueFlow)

// ============================================================================
//                              Manager
// ============================================================================

// Manager 网络管理器
type Manager struct {
	cfg      Config
	clock    clock.Clock
	rt       *routing.RoutingTable
	id       *identity.Identity
	filter   *addrfilter.Filter
	receipts *receipt.Manager
	ll       LowLevel
	metrics  *metrics.Metrics
	bw       *metrics.BandwidthCounter
	cache    *contactCache
	relays   *relayPool

	mu        sync.RWMutex
	rpc       RPC
	bootstrap BootstrapHandler

	started atomic.Bool

	// selectContactMethod 联系方式选择函数
	selectContactMethod func(routing.ContactMethodRequest) routing.ContactMethod
}

// NewManager 创建网络管理器
func NewManager(cfg Config, clk clock.Clock, rt *routing.RoutingTable, filter *addrfilter.Filter,
	receipts *receipt.Manager, ll LowLevel, m *metrics.Metrics, bw *metrics.BandwidthCounter) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := newContactCache(cfg.ContactMethodCacheSize, m)
	if err != nil {
		return nil, err
	}
	nm := &Manager{
		cfg:                 cfg,
		clock:               clk,
		rt:                  rt,
		id:                  rt.Identity(),
		filter:              filter,
		receipts:            receipts,
		ll:                  ll,
		metrics:             m,
		bw:                  bw,
		cache:               cache,
		selectContactMethod: rt.GetContactMethod,
	}
	nm.relays = newRelayPool(nm, cfg.RelayWorkers, cfg.RelayQueueSize)
	rt.OnRelaysChanged(nm.updateProtections)
	return nm, nil
}

// SetRPC 设置 RPC 层
func (m *Manager) SetRPC(rpc RPC) {
	m.mu.Lock()
	m.rpc = rpc
	m.mu.Unlock()
}

func (m *Manager) getRPC() RPC {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rpc
}

// SetBootstrapHandler 设置引导请求处理函数
func (m *Manager) SetBootstrapHandler(h BootstrapHandler) {
	m.mu.Lock()
	m.bootstrap = h
	m.mu.Unlock()
}

// RoutingTable 路由表
func (m *Manager) RoutingTable() *routing.RoutingTable {
	return m.rt
}

// ContactMethodStats 各联系方式的成功/失败计数
func (m *Manager) ContactMethodStats() map[routing.ContactMethodKind]KindStats {
	return m.cache.snapshot()
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动中继工作池
func (m *Manager) Start(_ context.Context) error {
	if m.started.Swap(true) {
		return nil
	}
	m.relays.start()
	m.updateProtections()
	logger.Info("网络管理器已启动", "relayWorkers", m.cfg.RelayWorkers)
	return nil
}

// Stop 停止中继工作池，之后收到的数据被丢弃
func (m *Manager) Stop(_ context.Context) error {
	if !m.started.Swap(false) {
		return nil
	}
	m.relays.stop()
	logger.Info("网络管理器已停止")
	return nil
}

// IsStarted 是否已启动
func (m *Manager) IsStarted() bool {
	return m.started.Load()
}

// ============================================================================
//                              中继保护
// ============================================================================

// relayProtector 受保护连接的所有者
type relayProtector struct {
	nr routing.NodeRef
}

func (p relayProtector) String() string {
	return p.nr.String()
}

// OnRepeatedConnectionDrops 中继连接反复掉线，清除最近 Flow 以便重新选择
func (p relayProtector) OnRepeatedConnectionDrops() {
	logger.Warn("中继连接反复掉线", "relay", p.nr.String())
	p.nr.ClearLastFlows()
}

// updateProtections 中继集合变化时重算受保护地址
func (m *Manager) updateProtections() {
	var relays []connmgr.ProtectedRelay
	for _, nr := range m.rt.RelayNodes() {
		pr := connmgr.ProtectedRelay{Owner: relayProtector{nr: nr}}
		for _, d := range types.AllRoutingDomains {
			pi := nr.PeerInfo(d)
			if pi == nil {
				continue
			}
			for _, did := range pi.NodeInfo.DialInfoDetails {
				if did.DialInfo.Protocol.IsConnectionOriented() {
					pr.DialInfos = append(pr.DialInfos, did.DialInfo)
				}
			}
		}
		relays = append(relays, pr)
	}
	m.ll.UpdateProtections(relays)
}
