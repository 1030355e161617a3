package rpc

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/fanout"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/network"
	"github.com/dep2p/go-overlay/internal/core/routing"
)

// Params 模块依赖
type Params struct {
	fx.In

	UnifiedCfg   *config.Config `optional:"true"`
	Clock        clock.Clock
	RoutingTable *routing.RoutingTable
	Network      *network.Manager
	Filter       *addrfilter.Filter
	Fanout       *fanout.Fanout
	Metrics      *metrics.Metrics `optional:"true"`
}

// Module RPC Fx 模块
//
// 生命周期:
//   - OnStart: 启动调度工作协程并接入网络层
//   - OnStop: 停止调度
func Module() fx.Option {
	return fx.Module("rpc",
		fx.Provide(func(p Params) (*Processor, error) {
			return NewProcessor(ConfigFromUnified(p.UnifiedCfg), p.Clock, p.RoutingTable, p.Network, p.Filter, p.Fanout, p.Metrics)
		}),
		fx.Invoke(func(lc fx.Lifecycle, proc *Processor, nm *network.Manager) {
			nm.SetRPC(proc)
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					return proc.Start(ctx)
				},
				OnStop: func(ctx context.Context) error {
					return proc.Stop(ctx)
				},
			})
		}),
	)
}
