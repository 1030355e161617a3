package receipt

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
)

// DefaultTickInterval 过期检查间隔
const DefaultTickInterval = time.Second

// Module 回执管理器 Fx 模块
func Module() fx.Option {
	return fx.Module("receipt",
		fx.Provide(func(clk clock.Clock) *Manager {
			return NewManager(clk, DefaultTickInterval)
		}),
		fx.Invoke(func(lc fx.Lifecycle, m *Manager) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					m.Start(context.Background())
					return nil
				},
				OnStop: func(context.Context) error {
					m.Stop()
					return nil
				},
			})
		}),
	)
}
