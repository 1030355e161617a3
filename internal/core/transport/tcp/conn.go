// Package tcp 基于 TCP 的协议连接
//
// 每条消息按 uvarint 长度前缀分帧。监听与出站都启用端口复用。
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dep2p/go-overlay/internal/core/transport/frame"
	"github.com/dep2p/go-overlay/internal/core/transport/reuse"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("tcp: connection closed")

// ============================================================================
//                              Conn
// ============================================================================

// Conn TCP 协议连接
type Conn struct {
	conn *net.TCPConn
	flow types.Flow
	r    *bufio.Reader

	wmu    sync.Mutex
	closed atomic.Bool
}

func newConn(c *net.TCPConn) (*Conn, error) {
	remote, err := netip.ParseAddrPort(c.RemoteAddr().String())
	if err != nil {
		return nil, fmt.Errorf("tcp: remote address: %w", err)
	}
	local, err := netip.ParseAddrPort(c.LocalAddr().String())
	if err != nil {
		return nil, fmt.Errorf("tcp: local address: %w", err)
	}
	_ = c.SetNoDelay(true)
	_ = c.SetKeepAlive(true)
	return &Conn{
		conn: c,
		flow: types.NewFlow(types.NewPeerAddress(remote, types.ProtocolTCP), local),
		r:    bufio.NewReader(c),
	}, nil
}

// Flow 连接对应的 Flow
func (c *Conn) Flow() types.Flow {
	return c.flow
}

// Send 发送一条消息
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return frame.Write(c.conn, data)
}

// Recv 接收一条消息
func (c *Conn) Recv() ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return frame.Read(c.r)
}

// SetReadDeadline 设置读截止时间
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close 关闭连接
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		return c.conn.Close()
	}
	return nil
}

// ============================================================================
//                              Dial
// ============================================================================

// Dial 建立 TCP 连接
//
// local 有效时绑定该本地地址（端口复用），否则使用临时端口。
func Dial(ctx context.Context, local, remote netip.AddrPort, timeout time.Duration) (*Conn, error) {
	tc, err := reuse.DialTCP(ctx, local, remote, timeout)
	if err != nil {
		return nil, err
	}
	c, err := newConn(tc)
	if err != nil {
		_ = tc.Close()
		return nil, err
	}
	return c, nil
}

// ============================================================================
//                              Listener
// ============================================================================

// Listener TCP 监听器
type Listener struct {
	listener *net.TCPListener
	addr     netip.AddrPort
	closed   atomic.Bool
}

// Listen 监听地址，如 ":5150"
func Listen(ctx context.Context, addr string) (*Listener, error) {
	l, err := reuse.ListenConfig().Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: 监听失败: %w", err)
	}
	tl, ok := l.(*net.TCPListener)
	if !ok {
		_ = l.Close()
		return nil, fmt.Errorf("tcp: 不是 TCP 监听器")
	}
	ap, err := netip.ParseAddrPort(tl.Addr().String())
	if err != nil {
		_ = tl.Close()
		return nil, fmt.Errorf("tcp: 获取监听地址失败: %w", err)
	}
	return &Listener{listener: tl, addr: ap}, nil
}

// Accept 接受连接
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.listener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn, err := newConn(c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return conn, nil
}

// Addr 实际监听地址
func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}

// Close 关闭监听器
func (l *Listener) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		return l.listener.Close()
	}
	return nil
}
