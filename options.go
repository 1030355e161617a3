package overlay

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
)

// Option 节点选项
type Option func(*nodeConfig) error

// nodeConfig 选项汇总后的节点配置
type nodeConfig struct {
	config *config.Config
	clock  clock.Clock

	// introspectAddr 非空时启动本地自省服务
	introspectAddr string

	// userFxOptions 追加到 Fx 应用的选项
	userFxOptions []fx.Option
}

func newNodeConfig() *nodeConfig {
	return &nodeConfig{
		config: config.NewConfig(),
		clock:  clock.New(),
	}
}

// WithConfig 使用完整配置
func WithConfig(cfg *config.Config) Option {
	return func(nc *nodeConfig) error {
		if cfg == nil {
			return fmt.Errorf("overlay: nil config")
		}
		nc.config = cfg
		return nil
	}
}

// WithConfigFile 从 JSON 文件加载配置
func WithConfigFile(path string) Option {
	return func(nc *nodeConfig) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		nc.config = cfg
		return nil
	}
}

// WithDataDir 设置数据目录
func WithDataDir(dir string) Option {
	return func(nc *nodeConfig) error {
		nc.config.Storage.DataDir = dir
		return nil
	}
}

// WithInMemoryStorage 使用内存数据库，节点停止后数据丢失
func WithInMemoryStorage() Option {
	return func(nc *nodeConfig) error {
		nc.config.Storage.InMemory = true
		return nil
	}
}

// WithClock 替换时间源，测试用
func WithClock(clk clock.Clock) Option {
	return func(nc *nodeConfig) error {
		nc.clock = clk
		return nil
	}
}

// WithIntrospect 在 addr 上启动本地自省 HTTP 服务（诊断 JSON、/metrics、pprof）
func WithIntrospect(addr string) Option {
	return func(nc *nodeConfig) error {
		if addr == "" {
			return fmt.Errorf("overlay: empty introspect address")
		}
		nc.introspectAddr = addr
		return nil
	}
}

// WithFxOptions 追加 Fx 选项
//
// 可用于注入额外组件或通过 fx.Populate 取出内部组件：
//
//	var engine *dht.Engine
//	node, err := overlay.New(overlay.WithFxOptions(fx.Populate(&engine)))
func WithFxOptions(opts ...fx.Option) Option {
	return func(nc *nodeConfig) error {
		nc.userFxOptions = append(nc.userFxOptions, opts...)
		return nil
	}
}
