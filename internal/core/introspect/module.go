package introspect

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/internal/core/connmgr"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/network"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/internal/dht"
)

// ModuleInput 模块输入
type ModuleInput struct {
	fx.In

	Clock        clock.Clock
	RoutingTable *routing.RoutingTable
	Network      *network.Manager          `optional:"true"`
	ConnMgr      *connmgr.Manager          `optional:"true"`
	DHT          *dht.Engine               `optional:"true"`
	Metrics      *metrics.Metrics          `optional:"true"`
	Bandwidth    *metrics.BandwidthCounter `optional:"true"`
}

// Module 返回 introspect fx 模块，addr 为空时使用 DefaultAddr
func Module(addr string) fx.Option {
	return fx.Module("introspect",
		fx.Provide(func(in ModuleInput) *Server {
			return New(addr, in.Clock, Sources{
				RoutingTable: in.RoutingTable,
				Network:      in.Network,
				ConnMgr:      in.ConnMgr,
				DHT:          in.DHT,
				Metrics:      in.Metrics,
				Bandwidth:    in.Bandwidth,
			})
		}),
		fx.Invoke(func(lc fx.Lifecycle, s *Server) {
			lc.Append(fx.Hook{
				OnStart: s.Start,
				OnStop:  s.Stop,
			})
		}),
	)
}
