// Package udp 无连接的 UDP 套接字
//
// UDP 不进入连接表。每个数据报按 (远端, 本地) 生成 Flow 交给上层。
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/dep2p/go-overlay/internal/core/transport/frame"
	"github.com/dep2p/go-overlay/internal/core/transport/reuse"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/transport/udp")

var (
	// ErrClosed 套接字已关闭
	ErrClosed = errors.New("udp: socket closed")

	// ErrAddressFamily 套接字不支持该地址族
	ErrAddressFamily = errors.New("udp: address family not supported by socket")
)

// Handler 数据报处理函数
type Handler func(data []byte, flow types.Flow)

// Socket UDP 套接字
type Socket struct {
	conn  *net.UDPConn
	local netip.AddrPort

	handler Handler
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// Listen 绑定地址，如 ":5150"
func Listen(ctx context.Context, addr string) (*Socket, error) {
	pc, err := reuse.ListenConfig().ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: 监听失败: %w", err)
	}
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("udp: 不是 UDP 套接字")
	}
	local, err := netip.ParseAddrPort(uc.LocalAddr().String())
	if err != nil {
		_ = uc.Close()
		return nil, fmt.Errorf("udp: 获取本地地址失败: %w", err)
	}
	return &Socket{conn: uc, local: local}, nil
}

// LocalAddr 本地地址
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.local
}

// Start 启动接收循环
func (s *Socket) Start(h Handler) {
	s.handler = h
	s.wg.Add(1)
	go s.recvLoop()
}

func (s *Socket) recvLoop() {
	defer s.wg.Done()
	buf := make([]byte, frame.MaxFrameSize)
	for {
		n, remote, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Debug("UDP 接收失败", "err", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		flow := types.NewFlow(types.NewPeerAddress(remote, types.ProtocolUDP), s.local)
		if s.handler != nil {
			s.handler(data, flow)
		}
	}
}

// SendTo 发送数据报，返回所用 Flow
func (s *Socket) SendTo(remote netip.AddrPort, data []byte) (types.Flow, error) {
	if s.closed.Load() {
		return types.Flow{}, ErrClosed
	}
	if len(data) > frame.MaxFrameSize {
		return types.Flow{}, frame.ErrFrameTooLarge
	}
	target := remote
	// 只绑定 IPv6 的套接字不能发往 IPv4，双栈套接字需要映射地址
	if remote.Addr().Is4() && s.local.Addr().Is6() && !s.local.Addr().Is4In6() {
		if !s.local.Addr().IsUnspecified() {
			return types.Flow{}, ErrAddressFamily
		}
		target = netip.AddrPortFrom(netip.AddrFrom16(remote.Addr().As16()), remote.Port())
	}
	if _, err := s.conn.WriteToUDPAddrPort(data, target); err != nil {
		return types.Flow{}, err
	}
	return types.NewFlow(types.NewPeerAddress(remote, types.ProtocolUDP), s.local), nil
}

// Close 关闭套接字并等待接收循环退出
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.conn.Close()
	s.wg.Wait()
	return err
}
