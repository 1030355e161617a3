package dht

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/eventbus"
	"github.com/dep2p/go-overlay/internal/core/fanout"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/internal/core/rpc"
	"github.com/dep2p/go-overlay/internal/core/storage/kv"
)

// Params 模块依赖
type Params struct {
	fx.In

	UnifiedCfg   *config.Config `optional:"true"`
	Clock        clock.Clock
	RoutingTable *routing.RoutingTable
	Processor    *rpc.Processor
	Fanout       *fanout.Fanout
	TableStore   *kv.TableStore
	Bus          *eventbus.Bus
	Metrics      *metrics.Metrics `optional:"true"`
}

// Module DHT Fx 模块
//
// 生命周期:
//   - OnStart: 注册为 RPC 的 DHT 处理方并启动后台任务
//   - OnStop: 停止后台任务
func Module() fx.Option {
	return fx.Module("dht",
		fx.Provide(func(p Params) (*Engine, error) {
			return New(ConfigFromUnified(p.UnifiedCfg), p.Clock, p.RoutingTable, p.Processor, p.Fanout, p.TableStore, p.Bus, p.Metrics)
		}),
		fx.Invoke(func(lc fx.Lifecycle, e *Engine, proc *rpc.Processor) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					proc.SetDHTHandler(e)
					return e.Start(ctx)
				},
				OnStop: func(ctx context.Context) error {
					proc.SetDHTHandler(nil)
					return e.Stop(ctx)
				},
			})
		}),
	)
}
