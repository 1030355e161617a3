package routing

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/storage/kv"
)

// Params 模块依赖
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
	Clock      clock.Clock
	Identity   *identity.Identity
	Filter     *addrfilter.Filter
	Tables     *kv.TableStore `optional:"true"`
}

// Module 路由表 Fx 模块
//
// 生命周期:
//   - OnStart: 加载持久化数据，启动定期保存
//   - OnStop: 保存
func Module() fx.Option {
	return fx.Module("routing",
		fx.Provide(func(p Params) (*RoutingTable, error) {
			var store *kv.Table
			if p.Tables != nil {
				store = p.Tables.Open(TableName)
			}
			return New(ConfigFromUnified(p.UnifiedCfg), p.Clock, p.Identity, p.Filter, store)
		}),
		fx.Invoke(func(lc fx.Lifecycle, rt *RoutingTable) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					return rt.Start(context.Background())
				},
				OnStop: func(_ context.Context) error {
					return rt.Stop()
				},
			})
		}),
	)
}
