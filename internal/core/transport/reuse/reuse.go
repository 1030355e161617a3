// Package reuse 端口复用
//
// 监听套接字与出站套接字同时设置 SO_REUSEADDR/SO_REUSEPORT，
// 出站连接才能绑定到监听端口，对端看到的源端口与发布的拨号信息一致。
package reuse

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dep2p/go-overlay/pkg/lib/log"
)

var logger = log.Logger("core/transport/reuse")

// Control 设置 SO_REUSEADDR 和 SO_REUSEPORT
func Control(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			opErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			logger.Debug("设置 SO_REUSEPORT 失败", "err", err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// ListenConfig 带端口复用的监听配置
func ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: Control}
}

// Dialer 创建拨号器
//
// local 无效时使用临时端口，不设置复用选项。
func Dialer(local netip.AddrPort, timeout time.Duration) *net.Dialer {
	d := &net.Dialer{Timeout: timeout}
	if local.IsValid() {
		d.LocalAddr = net.TCPAddrFromAddrPort(local)
		d.Control = Control
	}
	return d
}

// DialTCP 拨号 TCP
func DialTCP(ctx context.Context, local, remote netip.AddrPort, timeout time.Duration) (*net.TCPConn, error) {
	c, err := Dialer(local, timeout).DialContext(ctx, "tcp", remote.String())
	if err != nil {
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("reuse: not a tcp connection")
	}
	return tc, nil
}
