package connmgr

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/transport"
)

// Params 模块依赖
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
	Clock      clock.Clock
	Transport  *transport.Manager
	Filter     *addrfilter.Filter
	Metrics    *metrics.Metrics `optional:"true"`
}

// Module 连接管理器 Fx 模块
func Module() fx.Option {
	return fx.Module("connmgr",
		fx.Provide(func(p Params) (*Manager, error) {
			return NewManager(ConfigFromUnified(p.UnifiedCfg), p.Clock, p.Transport, p.Filter, p.Metrics)
		}),
		fx.Invoke(func(lc fx.Lifecycle, m *Manager) {
			lc.Append(fx.Hook{
				OnStart: m.Start,
				OnStop: func(ctx context.Context) error {
					return m.Stop(ctx)
				},
			})
		}),
	)
}
