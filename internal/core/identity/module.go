package identity

import (
	"fmt"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/identity")

// ============================================================================
//                              模块输入输出
// ============================================================================

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
}

// ModuleOutput 模块输出服务
type ModuleOutput struct {
	fx.Out

	Registry *crypto.Registry
	Identity *Identity
}

// ============================================================================
//                              服务提供
// ============================================================================

// RegistryFromUnified 按配置的加密系统顺序构建注册表
func RegistryFromUnified(cfg *config.Config) (*crypto.Registry, error) {
	if cfg == nil {
		return crypto.DefaultRegistry(), nil
	}
	reg := crypto.NewRegistry()
	for _, name := range cfg.Identity.CryptoKinds {
		kind, err := types.CryptoKindFromString(name)
		if err != nil {
			return nil, err
		}
		switch kind {
		case types.CryptoKindVLD0:
			reg.Register(crypto.NewVLD0())
		default:
			return nil, fmt.Errorf("%w: %s", crypto.ErrUnsupportedKind, name)
		}
	}
	return reg, nil
}

// ProvideServices 提供注册表与身份
//
// 优先级：KeyDir 非空时使用文件密钥库，否则使用内存密钥库。
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	reg, err := RegistryFromUnified(input.UnifiedCfg)
	if err != nil {
		return ModuleOutput{}, err
	}

	var ks crypto.Keystore = crypto.NewMemKeystore()
	if input.UnifiedCfg != nil && input.UnifiedCfg.Identity.KeyDir != "" {
		fks, err := crypto.NewFSKeystore(input.UnifiedCfg.Identity.KeyDir, []byte(input.UnifiedCfg.Identity.KeyPassword))
		if err != nil {
			return ModuleOutput{}, fmt.Errorf("打开密钥库失败: %w", err)
		}
		ks = fks
	}

	id, err := New(reg, ks)
	if err != nil {
		logger.Error("加载节点身份失败", "error", err)
		return ModuleOutput{}, err
	}
	logger.Info("节点身份就绪", "nodeIDs", id.NodeIDs().String())
	return ModuleOutput{Registry: reg, Identity: id}, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("identity",
		fx.Provide(ProvideServices),
	)
}
