package transport

import (
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
)

// Params 模块依赖
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
}

// Module 传输 Fx 模块
//
// 监听的启动与停止由网络管理器负责，它需要先注册入站回调。
func Module() fx.Option {
	return fx.Module("transport",
		fx.Provide(func(p Params) *Manager {
			return NewManager(ConfigFromUnified(p.UnifiedCfg))
		}),
	)
}
