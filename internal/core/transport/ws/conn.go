// Package ws 基于 WebSocket 的协议连接（WS/WSS）
//
// 每条 WebSocket 二进制消息承载一个信封；文本消息视为分帧错误。
package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dep2p/go-overlay/internal/core/transport/frame"
	"github.com/dep2p/go-overlay/internal/core/transport/reuse"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/transport/ws")

// ErrClosed 连接或监听器已关闭
var ErrClosed = errors.New("ws: closed")

// ============================================================================
//                              Conn
// ============================================================================

// Conn WebSocket 协议连接
type Conn struct {
	ws   *websocket.Conn
	flow types.Flow

	wmu    sync.Mutex
	closed atomic.Bool
}

func newConn(c *websocket.Conn, protocol types.ProtocolType) (*Conn, error) {
	remote, err := netip.ParseAddrPort(c.RemoteAddr().String())
	if err != nil {
		return nil, fmt.Errorf("ws: remote address: %w", err)
	}
	local, err := netip.ParseAddrPort(c.LocalAddr().String())
	if err != nil {
		return nil, fmt.Errorf("ws: local address: %w", err)
	}
	c.SetReadLimit(frame.MaxFrameSize)
	return &Conn{
		ws:   c,
		flow: types.NewFlow(types.NewPeerAddress(remote, protocol), local),
	}, nil
}

// Flow 连接对应的 Flow
func (c *Conn) Flow() types.Flow {
	return c.flow
}

// Send 发送一条二进制消息
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(data) > frame.MaxFrameSize {
		return frame.ErrFrameTooLarge
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Recv 接收一条消息
func (c *Conn) Recv() ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, fmt.Errorf("%w: %v", frame.ErrInvalidFraming, err)
		}
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: message type %d", frame.ErrInvalidFraming, mt)
	}
	return data, nil
}

// SetReadDeadline 设置读截止时间
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close 关闭连接
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

// ============================================================================
//                              Dial
// ============================================================================

// DialOptions 拨号选项
type DialOptions struct {
	// Local 绑定的本地地址，无效时使用临时端口
	Local netip.AddrPort

	// Timeout 建连与握手超时
	Timeout time.Duration

	// TLSConfig WSS 客户端 TLS 配置
	TLSConfig *tls.Config
}

// Dial 建立 WS/WSS 连接
func Dial(ctx context.Context, di types.DialInfo, opts DialOptions) (*Conn, error) {
	if di.Protocol != types.ProtocolWS && di.Protocol != types.ProtocolWSS {
		return nil, fmt.Errorf("ws: unsupported protocol %s", di.Protocol)
	}
	nd := reuse.Dialer(opts.Local, opts.Timeout)
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			// 不解析 URL 中的主机，直接连接拨号信息中的套接字地址
			return nd.DialContext(ctx, "tcp", di.Socket.String())
		},
		HandshakeTimeout: opts.Timeout,
		TLSClientConfig:  opts.TLSConfig,
	}
	c, _, err := dialer.DialContext(ctx, di.URL(), nil)
	if err != nil {
		return nil, err
	}
	conn, err := newConn(c, di.Protocol)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return conn, nil
}

// ============================================================================
//                              Listener
// ============================================================================

// ListenOptions 监听选项
type ListenOptions struct {
	// Path 请求路径，如 "ws"
	Path string

	// CertFile / KeyFile 非空时为 WSS
	CertFile string
	KeyFile  string

	// AcceptQueue 待接受连接队列长度
	AcceptQueue int
}

// Listener WS/WSS 监听器
type Listener struct {
	protocol types.ProtocolType
	path     string
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	addr     netip.AddrPort

	conns  chan *Conn
	done   chan struct{}
	closed atomic.Bool
}

// Listen 监听地址
func Listen(ctx context.Context, addr string, opts ListenOptions) (*Listener, error) {
	protocol := types.ProtocolWS
	if opts.CertFile != "" {
		protocol = types.ProtocolWSS
	}
	path := opts.Path
	if path == "" {
		path = "ws"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	queue := opts.AcceptQueue
	if queue <= 0 {
		queue = 64
	}

	nl, err := reuse.ListenConfig().Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ws: 监听失败: %w", err)
	}
	ap, err := netip.ParseAddrPort(nl.Addr().String())
	if err != nil {
		_ = nl.Close()
		return nil, fmt.Errorf("ws: 获取监听地址失败: %w", err)
	}

	l := &Listener{
		protocol: protocol,
		path:     path,
		listener: nl,
		addr:     ap,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(chan *Conn, queue),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		var err error
		if protocol == types.ProtocolWSS {
			err = l.server.ServeTLS(nl, opts.CertFile, opts.KeyFile)
		} else {
			err = l.server.Serve(nl)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("WebSocket 服务退出", "addr", ap, "err", err)
		}
	}()
	return l, nil
}

func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WebSocket 升级失败", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn, err := newConn(c, l.protocol)
	if err != nil {
		_ = c.Close()
		return
	}
	select {
	case l.conns <- conn:
	case <-l.done:
		_ = conn.Close()
	default:
		logger.Debug("WebSocket 接受队列已满", "remote", r.RemoteAddr)
		_ = conn.Close()
	}
}

// Accept 接受连接
func (l *Listener) Accept() (*Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

// Addr 实际监听地址
func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}

// Protocol WS 或 WSS
func (l *Listener) Protocol() types.ProtocolType {
	return l.protocol
}

// Path 请求路径
func (l *Listener) Path() string {
	return l.path
}

// Close 关闭监听器
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.done)
	return l.server.Close()
}
