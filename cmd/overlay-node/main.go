// Package main 提供 overlay 节点命令行入口
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	overlay "github.com/dep2p/go-overlay"
	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("overlay/cmd")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
//
//	命令行参数：运行时覆盖（这次运行想怎么跑）
//	JSON 配置文件：节点的固定配置
//
// 优先级：命令行 > 环境变量 > 配置文件 > 默认值
//
// ═══════════════════════════════════════════════════════════════════════════
var (
	configFile = flag.String("config", "", "配置文件路径")
	initConfig = flag.String("init", "", "把默认配置写到指定路径后退出")
	dataDir    = flag.String("data-dir", "", "数据目录（默认: ./data）")
	keyDir     = flag.String("key-dir", "", "密钥目录，为空则使用临时身份")
	udpListen  = flag.String("udp", "", "UDP 监听地址")
	tcpListen  = flag.String("tcp", "", "TCP 监听地址")
	wsListen   = flag.String("ws", "", "WS 监听地址")

	logLevel   = flag.String("log-level", "info", "日志级别 (debug/info/warn/error)")
	logFile    = flag.String("log", "", "日志文件路径（默认: <data-dir>/logs/overlay.log）")
	logConsole = flag.Bool("log-console", false, "日志输出到控制台而不是文件")
	logMaxSize = flag.Int("log-max-size", 100, "单个日志文件大小上限（MB）")
	logBackups = flag.Int("log-backups", 5, "保留的旧日志文件数")

	introspectAddr = flag.String("introspect", "", "本地自省服务地址（诊断、/metrics、pprof），如 127.0.0.1:6060")

	showVersion = flag.Bool("version", false, "显示版本信息")
	showHelp    = flag.Bool("help", false, "显示帮助信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		fmt.Println(overlay.VersionInfo())
		return nil
	}
	if *showHelp {
		printHelp()
		return nil
	}
	if *initConfig != "" {
		if err := config.NewConfig().SaveFile(*initConfig); err != nil {
			return fmt.Errorf("写入默认配置失败: %w", err)
		}
		fmt.Printf("默认配置已写入 %s\n", *initConfig)
		return nil
	}

	cfg, err := buildConfig()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	logPath, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("启动 overlay 节点", "version", overlay.Version, "commit", overlay.GitCommit, "buildDate", overlay.BuildDate)
	opts := []overlay.Option{overlay.WithConfig(cfg)}
	if *introspectAddr != "" {
		opts = append(opts, overlay.WithIntrospect(*introspectAddr))
	}
	node, err := overlay.New(opts...)
	if err != nil {
		return fmt.Errorf("创建节点失败: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}

	printNodeInfo(node, cfg, logPath)
	fmt.Println("节点已启动，按 Ctrl+C 退出")
	<-ctx.Done()

	fmt.Println("\n正在关闭节点...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return node.Stop(shutdownCtx)
}

// buildConfig 合并配置文件、环境变量与命令行参数
func buildConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadFile(*configFile); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg, os.Getenv); err != nil {
		return nil, err
	}

	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *keyDir != "" {
		cfg.Identity.KeyDir = *keyDir
	}
	if *udpListen != "" {
		cfg.Network.UDP.Enabled = true
		cfg.Network.UDP.Listen = *udpListen
	}
	if *tcpListen != "" {
		cfg.Network.TCP.Enabled = true
		cfg.Network.TCP.Listen = *tcpListen
	}
	if *wsListen != "" {
		cfg.Network.WS.Enabled = true
		cfg.Network.WS.Listen = *wsListen
	}
	return cfg, cfg.Validate()
}

// setupLogging 设置日志输出
//
// 默认写入 <data-dir>/logs/overlay.log，由 lumberjack 按大小轮转。
func setupLogging(cfg *config.Config) (string, io.Closer, error) {
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return "", nil, err
	}
	if *logConsole {
		log.SetOutputWithLevel(os.Stderr, level)
		return "", io.NopCloser(nil), nil
	}

	path := *logFile
	if path == "" {
		path = filepath.Join(cfg.Storage.LogPath(), "overlay.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    *logMaxSize,
		MaxBackups: *logBackups,
		MaxAge:     30,
		Compress:   true,
	}
	log.SetOutputWithLevel(w, level)
	return path, w, nil
}

// printNodeInfo 打印节点信息
func printNodeInfo(node *overlay.Node, cfg *config.Config, logPath string) {
	fmt.Println()
	fmt.Println("╔════════════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  Overlay Node %-57s║\n", overlay.Version)
	fmt.Println("╠════════════════════════════════════════════════════════════════════════╣")
	for _, id := range node.NodeIDs() {
		fmt.Printf("║  Node ID: %-61s║\n", id.String())
	}
	fmt.Printf("║  Data:    %-61s║\n", cfg.Storage.DataDir)
	if pi := node.PeerInfo(types.RoutingDomainPublicInternet); pi != nil {
		for _, d := range pi.NodeInfo.DialInfoDetails {
			fmt.Printf("║  Dial:    %-61s║\n", d.DialInfo.String())
		}
	}
	if logPath != "" {
		fmt.Printf("║  Log:     %-61s║\n", logPath)
	}
	fmt.Println("╚════════════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("overlay-node - overlay 网络节点")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  overlay-node [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  OVERLAY_DATA_DIR      数据目录")
	fmt.Println("  OVERLAY_KEY_DIR       密钥目录")
	fmt.Println("  OVERLAY_KEY_PASSWORD  密钥文件密码")
	fmt.Println("  OVERLAY_BOOTSTRAP     引导主机名（逗号分隔）")
	fmt.Println("  OVERLAY_NETWORK_KEY   网络密钥")
	fmt.Println("  OVERLAY_IN_MEMORY     使用内存数据库 (true/false)")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  overlay-node -init overlay.json")
	fmt.Println("  overlay-node -config overlay.json -log-level debug -introspect 127.0.0.1:6060")
	fmt.Println("  overlay-node -data-dir ./data/node2 -udp :5160 -tcp :5160 -ws :5161")
}
