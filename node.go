package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/dep2p/go-overlay/internal/core/eventbus"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/network"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/internal/dht"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("overlay")

// ════════════════════════════════════════════════════════════════════════════
//                              节点状态
// ════════════════════════════════════════════════════════════════════════════

// NodeState 节点状态
type NodeState int

const (
	// StateIdle 已创建，未启动
	StateIdle NodeState = iota

	// StateStarting 启动中
	StateStarting

	// StateRunning 运行中
	StateRunning

	// StateStopping 停止中
	StateStopping

	// StateStopped 已停止，不能再启动
	StateStopped
)

// String 返回状态的字符串表示
func (s NodeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	// startTimeout Fx 应用启动超时
	startTimeout = 30 * time.Second

	// stopTimeout Fx 应用停止超时
	stopTimeout = 15 * time.Second
)

// ════════════════════════════════════════════════════════════════════════════
//                              Node
// ════════════════════════════════════════════════════════════════════════════

// Node overlay 节点
//
// Node 是门面，聚合身份、路由表、网络管理器与 DHT 引擎。
// 一个 Node 只能启动一次，Stop 之后需要创建新的 Node。
type Node struct {
	config *nodeConfig
	app    *fx.App

	identity *identity.Identity
	routing  *routing.RoutingTable
	network  *network.Manager
	dht      *dht.Engine
	bus      *eventbus.Bus
	metrics  *metrics.Metrics

	mu    sync.Mutex
	state NodeState
	subs  []ValueChangeSubscription
}

// New 创建节点，组装全部组件但不启动
func New(opts ...Option) (*Node, error) {
	cfg := newNodeConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	n := &Node{config: cfg}
	app, err := buildFxApp(cfg, n)
	if err != nil {
		return nil, err
	}
	n.app = app
	return n, nil
}

// Start 启动节点
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateStopping, StateStopped:
		return ErrNodeClosed
	case StateStarting, StateRunning:
		return ErrAlreadyStarted
	}

	n.state = StateStarting
	logger.Info("正在启动节点", "version", Version)

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := n.app.Start(startCtx); err != nil {
		n.state = StateStopped
		logger.Error("节点启动失败", "error", err)
		return fmt.Errorf("start failed: %w", err)
	}

	n.state = StateRunning
	logger.Info("节点已启动", "nodeIDs", n.identity.NodeIDs().String())
	return nil
}

// Stop 停止节点，关闭订阅并停止所有组件
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateRunning {
		state := n.state
		n.state = StateStopped
		n.mu.Unlock()
		if state == StateIdle || state == StateStopped {
			return nil
		}
		return ErrNotStarted
	}
	n.state = StateStopping
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	logger.Info("正在停止节点")
	var err error
	for _, s := range subs {
		err = multierr.Append(err, s.Close())
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	err = multierr.Append(err, n.app.Stop(stopCtx))

	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()

	if err != nil {
		logger.Warn("节点停止时出错", "error", err)
		return err
	}
	logger.Info("节点已停止")
	return nil
}

// Close 停止节点
func (n *Node) Close() error {
	return n.Stop(context.Background())
}

// State 当前状态
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// NodeIDs 本节点在各加密系统下的 ID
func (n *Node) NodeIDs() types.TypedKeyGroup {
	return n.identity.NodeIDs()
}

// PeerInfo 本节点在路由域中发布的信息，尚未确定时为 nil
func (n *Node) PeerInfo(domain types.RoutingDomain) *types.PeerInfo {
	return n.routing.OwnPeerInfo(domain)
}

// AddPeer 把已知节点加入路由表
func (n *Node) AddPeer(pi *types.PeerInfo) error {
	_, err := n.routing.RegisterNodeWithPeerInfo(pi)
	return err
}

// MetricsRegistry Prometheus 注册表
func (n *Node) MetricsRegistry() *prometheus.Registry {
	if n.metrics == nil {
		return nil
	}
	return n.metrics.Registry()
}

func (n *Node) checkRunning() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case StateRunning:
		return nil
	case StateStopping, StateStopped:
		return ErrNodeClosed
	}
	return ErrNotStarted
}
