package addrfilter

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/metrics"
)

// Params 模块依赖
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
	Clock      clock.Clock
	Metrics    *metrics.Metrics `optional:"true"`
}

// Module 地址过滤器 Fx 模块
func Module() fx.Option {
	return fx.Module("addrfilter",
		fx.Provide(func(p Params) *Filter {
			return New(ConfigFromUnified(p.UnifiedCfg), p.Clock, p.Metrics)
		}),
		fx.Invoke(func(lc fx.Lifecycle, f *Filter) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					f.Start(context.Background())
					return nil
				},
				OnStop: func(context.Context) error {
					f.Stop()
					return nil
				},
			})
		}),
	)
}
