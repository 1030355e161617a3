package metrics

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
)

// Module 指标 Fx 模块
func Module() fx.Option {
	return fx.Module("metrics",
		fx.Provide(
			New,
			func(clk clock.Clock) *BandwidthCounter { return NewBandwidthCounter(clk) },
		),
	)
}
