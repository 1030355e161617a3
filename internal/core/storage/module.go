// Package storage 提供节点的持久化表存储
//
// 所有组件共用一个 BadgerDB 引擎，通过 kv.TableStore 按表名隔离：
//   - routing_table: 路由表桶与条目
//   - local_records / remote_records: DHT 记录
package storage

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/storage/engine"
	"github.com/dep2p/go-overlay/internal/core/storage/engine/badger"
	"github.com/dep2p/go-overlay/internal/core/storage/kv"
	"github.com/dep2p/go-overlay/pkg/lib/log"
)

var logger = log.Logger("core/storage")

// Params 模块依赖
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Engine     engine.Engine
	TableStore *kv.TableStore
}

// Module 返回存储 Fx 模块
//
// 生命周期:
//   - OnStart: 启动引擎后台 GC
//   - OnStop: 关闭引擎
func Module() fx.Option {
	return fx.Module("storage",
		fx.Provide(ProvideStorage),
		fx.Invoke(registerLifecycle),
	)
}

// EngineConfigFromUnified 从统一配置生成引擎配置
func EngineConfigFromUnified(cfg *config.Config) *engine.Config {
	if cfg == nil {
		return engine.InMemoryConfig()
	}
	if cfg.Storage.InMemory {
		return engine.InMemoryConfig()
	}
	return engine.DefaultConfig(cfg.Storage.DBPath())
}

// ProvideStorage 创建引擎与表存储
func ProvideStorage(p Params) (Result, error) {
	ecfg := EngineConfigFromUnified(p.UnifiedCfg)
	logger.Debug("创建存储引擎", "path", ecfg.Path, "inMemory", ecfg.InMemory)
	eng, err := badger.New(ecfg)
	if err != nil {
		logger.Error("创建存储引擎失败", "error", err)
		return Result{}, err
	}
	return Result{Engine: eng, TableStore: kv.NewTableStore(eng)}, nil
}

func registerLifecycle(lc fx.Lifecycle, eng engine.Engine) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := eng.Start(); err != nil {
				logger.Error("存储引擎启动失败", "error", err)
				return err
			}
			logger.Info("存储引擎启动成功")
			return nil
		},
		OnStop: func(_ context.Context) error {
			if err := eng.Close(); err != nil {
				logger.Warn("存储引擎关闭失败", "error", err)
				return err
			}
			logger.Info("存储引擎已关闭")
			return nil
		},
	})
}
