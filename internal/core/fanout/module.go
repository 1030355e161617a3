package fanout

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/routing"
)

// Params 模块依赖
type Params struct {
	fx.In

	Clock        clock.Clock
	RoutingTable *routing.RoutingTable
	Metrics      *metrics.Metrics `optional:"true"`
}

// Module 扇出 Fx 模块
func Module() fx.Option {
	return fx.Module("fanout",
		fx.Provide(func(p Params) *Fanout {
			return New(p.RoutingTable, p.Clock, p.Metrics)
		}),
	)
}
