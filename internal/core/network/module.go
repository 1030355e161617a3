package network

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/connmgr"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/receipt"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/internal/core/transport"
	"github.com/dep2p/go-overlay/pkg/types"
)

// Params 模块依赖
type Params struct {
	fx.In

	UnifiedCfg   *config.Config `optional:"true"`
	Clock        clock.Clock
	RoutingTable *routing.RoutingTable
	Filter       *addrfilter.Filter
	Receipts     *receipt.Manager
	ConnMgr      *connmgr.Manager
	Transport    *transport.Manager
	Metrics      *metrics.Metrics          `optional:"true"`
	Bandwidth    *metrics.BandwidthCounter `optional:"true"`
}

// Module 网络管理器 Fx 模块
//
// 生命周期:
//   - OnStart: 启动网络管理器，注册入站回调后开始监听
//   - OnStop: 停止监听，然后停止网络管理器
func Module() fx.Option {
	return fx.Module("network",
		fx.Provide(func(p Params) (*Manager, error) {
			ll := NewLowLevel(p.ConnMgr, p.Transport, p.Bandwidth)
			return NewManager(ConfigFromUnified(p.UnifiedCfg), p.Clock, p.RoutingTable, p.Filter,
				p.Receipts, ll, p.Metrics, p.Bandwidth)
		}),
		fx.Invoke(func(lc fx.Lifecycle, nm *Manager, conns *connmgr.Manager, tr *transport.Manager) {
			conns.SetRecvFunc(func(data []byte, flow types.Flow, id types.ConnectionID) {
				if _, err := nm.OnRecvEnvelope(data, types.UniqueFlow{Flow: flow, ConnectionID: id}); err != nil {
					logger.Debug("处理入站数据失败", "flow", flow.String(), "error", err)
				}
			})
			tr.SetHandlers(conns.OnAccept, func(data []byte, flow types.Flow) {
				if _, err := nm.OnRecvEnvelope(data, types.UniqueFlow{Flow: flow}); err != nil {
					logger.Debug("处理入站数据报失败", "flow", flow.String(), "error", err)
				}
			})
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if err := nm.Start(ctx); err != nil {
						return err
					}
					return tr.Start(context.Background())
				},
				OnStop: func(ctx context.Context) error {
					err := tr.Stop()
					if serr := nm.Stop(ctx); err == nil {
						err = serr
					}
					return err
				},
			})
		}),
	)
}
