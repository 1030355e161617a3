package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/transport/frame"
	"github.com/dep2p/go-overlay/internal/core/transport/tcp"
	"github.com/dep2p/go-overlay/internal/core/transport/udp"
	"github.com/dep2p/go-overlay/internal/core/transport/ws"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/transport")

var (
	// ErrNotStarted 传输管理器未启动
	ErrNotStarted = errors.New("transport: not started")

	// ErrProtocolDisabled 协议未启用
	ErrProtocolDisabled = errors.New("transport: protocol disabled")

	// ErrNotConnectionOriented UDP 不能建立连接
	ErrNotConnectionOriented = errors.New("transport: protocol is not connection oriented")
)

// ProtocolConnection 面向连接的低层协议连接
type ProtocolConnection interface {
	// Flow 连接对应的 Flow（含本地端点）
	Flow() types.Flow

	// Send 发送一条完整消息
	Send(data []byte) error

	// Recv 接收一条完整消息
	Recv() ([]byte, error)

	// SetReadDeadline 设置读截止时间
	SetReadDeadline(t time.Time) error

	// Close 关闭连接
	Close() error
}

var (
	_ ProtocolConnection = (*tcp.Conn)(nil)
	_ ProtocolConnection = (*ws.Conn)(nil)
)

// AcceptFunc 入站连接回调
type AcceptFunc func(conn ProtocolConnection)

// DatagramFunc UDP 数据报回调
type DatagramFunc func(data []byte, flow types.Flow)

// IsInvalidFraming 是否为分帧错误
func IsInvalidFraming(err error) bool {
	return errors.Is(err, frame.ErrInvalidFraming)
}

// IsTransient 建连失败是否值得重试
//
// 端口复用冲突与连接被重置属于瞬时失败；拒绝连接、超时、路由不可达不重试。
func IsTransient(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) ||
		errors.Is(err, syscall.EADDRNOTAVAIL) ||
		errors.Is(err, syscall.ECONNRESET)
}

// ============================================================================
//                              配置
// ============================================================================

// ListenConfig 单个协议的监听配置
type ListenConfig struct {
	Enabled  bool
	Listen   string
	Path     string
	CertFile string
	KeyFile  string
}

// Config 传输配置
type Config struct {
	UDP ListenConfig
	TCP ListenConfig
	WS  ListenConfig
	WSS ListenConfig

	// WSSClientTLS WSS 出站的 TLS 配置
	WSSClientTLS *tls.Config
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建
func ConfigFromUnified(cfg *config.Config) Config {
	nc := config.DefaultNetworkConfig()
	if cfg != nil {
		nc = cfg.Network
	}
	conv := func(p config.ProtocolConfig) ListenConfig {
		return ListenConfig{Enabled: p.Enabled, Listen: p.Listen, Path: p.Path, CertFile: p.CertFile, KeyFile: p.KeyFile}
	}
	return Config{
		UDP: ListenConfig{Enabled: nc.UDP.Enabled, Listen: nc.UDP.Listen},
		TCP: conv(nc.TCP),
		WS:  conv(nc.WS),
		WSS: conv(nc.WSS),
	}
}

// enabled 协议是否启用
func (c Config) enabled(p types.ProtocolType) bool {
	switch p {
	case types.ProtocolUDP:
		return c.UDP.Enabled
	case types.ProtocolTCP:
		return c.TCP.Enabled
	case types.ProtocolWS:
		return c.WS.Enabled
	case types.ProtocolWSS:
		return c.WSS.Enabled
	}
	return false
}

// ============================================================================
//                              Manager
// ============================================================================

// Manager 传输管理器
type Manager struct {
	cfg Config

	mu         sync.RWMutex
	started    bool
	udp        *udp.Socket
	tcp        *tcp.Listener
	ws         *ws.Listener
	wss        *ws.Listener
	onAccept   AcceptFunc
	onDatagram DatagramFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建传输管理器
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// SetHandlers 设置入站回调，必须在 Start 之前调用
func (m *Manager) SetHandlers(onAccept AcceptFunc, onDatagram DatagramFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAccept = onAccept
	m.onDatagram = onDatagram
}

// OutboundProtocols 可用于出站的协议集合
func (m *Manager) OutboundProtocols() types.ProtocolTypeSet {
	var ps []types.ProtocolType
	for _, p := range types.AllProtocols {
		if m.cfg.enabled(p) {
			ps = append(ps, p)
		}
	}
	return types.NewProtocolTypeSet(ps...)
}

// Start 启动所有已启用协议的监听
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	var err error
	if m.cfg.UDP.Enabled && m.cfg.UDP.Listen != "" {
		if m.udp, err = udp.Listen(ctx, m.cfg.UDP.Listen); err != nil {
			return m.abortStart(err)
		}
		onDatagram := m.onDatagram
		m.udp.Start(func(data []byte, flow types.Flow) {
			if onDatagram != nil {
				onDatagram(data, flow)
			}
		})
		logger.Info("UDP 监听已启动", "addr", m.udp.LocalAddr())
	}
	if m.cfg.TCP.Enabled && m.cfg.TCP.Listen != "" {
		if m.tcp, err = tcp.Listen(ctx, m.cfg.TCP.Listen); err != nil {
			return m.abortStart(err)
		}
		l := m.tcp
		m.spawnAccept(runCtx, func() (ProtocolConnection, error) { return l.Accept() })
		logger.Info("TCP 监听已启动", "addr", m.tcp.Addr())
	}
	if m.cfg.WS.Enabled && m.cfg.WS.Listen != "" {
		if m.ws, err = ws.Listen(ctx, m.cfg.WS.Listen, ws.ListenOptions{Path: m.cfg.WS.Path}); err != nil {
			return m.abortStart(err)
		}
		l := m.ws
		m.spawnAccept(runCtx, func() (ProtocolConnection, error) { return l.Accept() })
		logger.Info("WS 监听已启动", "addr", m.ws.Addr())
	}
	if m.cfg.WSS.Enabled && m.cfg.WSS.Listen != "" {
		m.wss, err = ws.Listen(ctx, m.cfg.WSS.Listen, ws.ListenOptions{
			Path: m.cfg.WSS.Path, CertFile: m.cfg.WSS.CertFile, KeyFile: m.cfg.WSS.KeyFile,
		})
		if err != nil {
			return m.abortStart(err)
		}
		l := m.wss
		m.spawnAccept(runCtx, func() (ProtocolConnection, error) { return l.Accept() })
		logger.Info("WSS 监听已启动", "addr", m.wss.Addr())
	}

	m.started = true
	return nil
}

// abortStart 启动中途失败时关闭已打开的监听（调用方持有锁，此时还没有回调在运行）
func (m *Manager) abortStart(err error) error {
	m.cancel()
	_ = m.detachListeners().close()
	m.wg.Wait()
	return err
}

func (m *Manager) spawnAccept(ctx context.Context, accept func() (ProtocolConnection, error)) {
	onAccept := m.onAccept
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			c, err := accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, ws.ErrClosed) {
					return
				}
				logger.Debug("接受连接失败", "err", err)
				continue
			}
			if onAccept == nil {
				_ = c.Close()
				continue
			}
			onAccept(c)
		}
	}()
}

type listeners struct {
	udp     *udp.Socket
	tcp     *tcp.Listener
	ws, wss *ws.Listener
}

// detachListeners 取出并清空监听器（调用方持有锁）
func (m *Manager) detachListeners() listeners {
	ls := listeners{udp: m.udp, tcp: m.tcp, ws: m.ws, wss: m.wss}
	m.udp, m.tcp, m.ws, m.wss = nil, nil, nil, nil
	return ls
}

func (ls listeners) close() error {
	var err error
	if ls.tcp != nil {
		err = multierr.Append(err, ls.tcp.Close())
	}
	if ls.ws != nil {
		err = multierr.Append(err, ls.ws.Close())
	}
	if ls.wss != nil {
		err = multierr.Append(err, ls.wss.Close())
	}
	if ls.udp != nil {
		err = multierr.Append(err, ls.udp.Close())
	}
	return err
}

// Stop 关闭所有监听并等待接受循环退出
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.cancel()
	ls := m.detachListeners()
	m.mu.Unlock()

	// UDP 接收回调可能重入 SendDatagram，关闭时不能持锁
	err := ls.close()
	m.wg.Wait()
	logger.Info("传输已停止")
	return err
}

// ListenAddress 协议的实际监听地址
func (m *Manager) ListenAddress(p types.ProtocolType) (netip.AddrPort, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch p {
	case types.ProtocolUDP:
		if m.udp != nil {
			return m.udp.LocalAddr(), true
		}
	case types.ProtocolTCP:
		if m.tcp != nil {
			return m.tcp.Addr(), true
		}
	case types.ProtocolWS:
		if m.ws != nil {
			return m.ws.Addr(), true
		}
	case types.ProtocolWSS:
		if m.wss != nil {
			return m.wss.Addr(), true
		}
	}
	return netip.AddrPort{}, false
}

// PreferredLocalAddress 出站到 di 时应绑定的本地地址
//
// 使用同协议监听端口，IP 取与目标同族的未指定地址。未监听时返回零值（临时端口）。
func (m *Manager) PreferredLocalAddress(di types.DialInfo) netip.AddrPort {
	ap, ok := m.ListenAddress(di.Protocol)
	if !ok {
		return netip.AddrPort{}
	}
	if ap.Addr().IsUnspecified() {
		if di.Socket.Addr().Is4() {
			return netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port())
		}
		return netip.AddrPortFrom(netip.IPv6Unspecified(), ap.Port())
	}
	// 已绑定到具体地址但地址族不同时无法复用
	if ap.Addr().Is4() != di.Socket.Addr().Is4() {
		return netip.AddrPort{}
	}
	return ap
}

// Connect 建立面向连接的协议连接
func (m *Manager) Connect(ctx context.Context, local netip.AddrPort, di types.DialInfo, timeout time.Duration) (ProtocolConnection, error) {
	if !m.cfg.enabled(di.Protocol) {
		return nil, fmt.Errorf("%w: %s", ErrProtocolDisabled, di.Protocol)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	switch di.Protocol {
	case types.ProtocolTCP:
		return tcp.Dial(ctx, local, di.Socket, timeout)
	case types.ProtocolWS, types.ProtocolWSS:
		return ws.Dial(ctx, di, ws.DialOptions{Local: local, Timeout: timeout, TLSConfig: m.cfg.WSSClientTLS})
	}
	return nil, ErrNotConnectionOriented
}

// SendDatagram 发送 UDP 数据报
func (m *Manager) SendDatagram(remote netip.AddrPort, data []byte) (types.Flow, error) {
	m.mu.RLock()
	s := m.udp
	m.mu.RUnlock()
	if s == nil {
		return types.Flow{}, ErrNotStarted
	}
	return s.SendTo(remote, data)
}
