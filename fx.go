package overlay

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/connmgr"
	"github.com/dep2p/go-overlay/internal/core/eventbus"
	"github.com/dep2p/go-overlay/internal/core/fanout"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/introspect"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/network"
	"github.com/dep2p/go-overlay/internal/core/receipt"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/internal/core/rpc"
	"github.com/dep2p/go-overlay/internal/core/storage"
	"github.com/dep2p/go-overlay/internal/core/transport"
	"github.com/dep2p/go-overlay/internal/dht"
)

// buildFxApp 构建 Fx 应用
//
// 加载顺序（按依赖）：
//  1. 基础：Clock → Metrics → EventBus → Storage → Identity
//  2. 网络：AddrFilter → Routing → Receipt → Transport → ConnMgr → Network
//  3. 操作：Fanout → RPC → DHT
//  4. 可选：Introspect
func buildFxApp(cfg *nodeConfig, node *Node) (*fx.App, error) {
	// ════════════════════════════════════════════════════════════════════════
	// 1. 配置验证（前置）
	// ════════════════════════════════════════════════════════════════════════
	if err := cfg.config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	clk := cfg.clock
	modules := []fx.Option{
		// 配置注入
		fx.Supply(cfg.config),
		fx.Provide(func() clock.Clock { return clk }),

		// ════════════════════════════════════════════════════════════════════
		// 2. 基础组件
		// ════════════════════════════════════════════════════════════════════
		metrics.Module(),
		eventbus.Module(),
		storage.Module(),
		identity.Module(),

		// ════════════════════════════════════════════════════════════════════
		// 3. 网络层
		// ════════════════════════════════════════════════════════════════════
		addrfilter.Module(),
		routing.Module(),
		receipt.Module(),
		transport.Module(),
		connmgr.Module(),
		network.Module(),

		// ════════════════════════════════════════════════════════════════════
		// 4. 操作层
		// ════════════════════════════════════════════════════════════════════
		fanout.Module(),
		rpc.Module(),
		dht.Module(),
	}

	if cfg.introspectAddr != "" {
		modules = append(modules, introspect.Module(cfg.introspectAddr))
	}

	// ════════════════════════════════════════════════════════════════════════
	// 5. 用户扩展（Fx Options）
	// ════════════════════════════════════════════════════════════════════════
	if len(cfg.userFxOptions) > 0 {
		modules = append(modules, cfg.userFxOptions...)
	}

	// ════════════════════════════════════════════════════════════════════════
	// 6. Node 组件注入
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, fx.Invoke(injectNodeComponents(node)))

	// 禁用 Fx 日志输出（避免干扰用户日志）
	modules = append(modules,
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
	)

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		return nil, fmt.Errorf("assemble node: %w", err)
	}
	return app, nil
}

// nodeInjectParams Node 组件注入参数
type nodeInjectParams struct {
	fx.In

	Identity     *identity.Identity
	RoutingTable *routing.RoutingTable
	Network      *network.Manager
	DHT          *dht.Engine
	Bus          *eventbus.Bus
	Metrics      *metrics.Metrics `optional:"true"`
}

// injectNodeComponents 创建 Node 组件注入函数
func injectNodeComponents(node *Node) interface{} {
	return func(p nodeInjectParams) {
		node.identity = p.Identity
		node.routing = p.RoutingTable
		node.network = p.Network
		node.dht = p.DHT
		node.bus = p.Bus
		node.metrics = p.Metrics
	}
}
