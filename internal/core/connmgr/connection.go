package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/internal/core/transport"
	"github.com/dep2p/go-overlay/pkg/types"
)

// RecvFunc 连接收到一条消息时的回调
type RecvFunc func(data []byte, flow types.Flow, id types.ConnectionID)

// ============================================================================
//                              NetworkConnection
// ============================================================================

// NetworkConnection 连接管理器独占的连接记录
//
// refCount 与 protector 只在连接表的锁内读写。
type NetworkConnection struct {
	id          types.ConnectionID
	dialInfo    *types.DialInfo
	flow        types.Flow
	established time.Time
	lastSend    atomic.Int64
	lastRecv    atomic.Int64

	refCount  int
	protector Protector

	proto  transport.ProtocolConnection
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	clock  clock.Clock

	closeOnce sync.Once
}

func newNetworkConnection(parent context.Context, id types.ConnectionID, pc transport.ProtocolConnection,
	di *types.DialInfo, clk clock.Clock, queue int) *NetworkConnection {
	ctx, cancel := context.WithCancel(parent)
	return &NetworkConnection{
		id:          id,
		dialInfo:    di,
		flow:        pc.Flow(),
		established: clk.Now(),
		proto:       pc,
		sendCh:      make(chan []byte, queue),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		clock:       clk,
	}
}

// ID 连接 ID
func (nc *NetworkConnection) ID() types.ConnectionID {
	return nc.id
}

// Flow 连接的 Flow
func (nc *NetworkConnection) Flow() types.Flow {
	return nc.flow
}

// UniqueFlow Flow + 连接 ID
func (nc *NetworkConnection) UniqueFlow() types.UniqueFlow {
	return types.UniqueFlow{Flow: nc.flow, ConnectionID: nc.id}
}

// DialInfo 出站连接的原始拨号信息，入站连接为 nil
func (nc *NetworkConnection) DialInfo() *types.DialInfo {
	return nc.dialInfo
}

// Established 建立时间
func (nc *NetworkConnection) Established() time.Time {
	return nc.established
}

// LastSend 最近一次发送时间
func (nc *NetworkConnection) LastSend() time.Time {
	return time.Unix(0, nc.lastSend.Load())
}

// LastRecv 最近一次接收时间
func (nc *NetworkConnection) LastRecv() time.Time {
	return time.Unix(0, nc.lastRecv.Load())
}

// Handle 创建连接句柄
func (nc *NetworkConnection) Handle() ConnectionHandle {
	return ConnectionHandle{id: nc.id, flow: nc.flow, sendCh: nc.sendCh, done: nc.done}
}

// String 文本
func (nc *NetworkConnection) String() string {
	if nc == nil {
		return "<nil>"
	}
	return fmt.Sprintf("#%d %s", nc.id, nc.flow)
}

// close 请求关闭（处理协程退出时关闭底层连接）
func (nc *NetworkConnection) close() {
	nc.cancel()
}

// closeNow 未启动处理协程的连接直接关闭
func (nc *NetworkConnection) closeNow() {
	nc.closeOnce.Do(func() {
		nc.cancel()
		_ = nc.proto.Close()
		close(nc.done)
	})
}

// run 连接处理循环
//
// 接收协程每次读取前把读截止时间设为 now+inactivity，所以空闲计时只由接收重置。
// 任一方向出错或上下文取消都会结束两个协程，关闭底层连接，最后调用 onDead。
func (nc *NetworkConnection) run(inactivity time.Duration, onRecv RecvFunc, onFraming func(types.Flow), onDead func(*NetworkConnection)) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer nc.cancel()
		for {
			if inactivity > 0 {
				_ = nc.proto.SetReadDeadline(time.Now().Add(inactivity))
			}
			data, err := nc.proto.Recv()
			if err != nil {
				if nc.ctx.Err() == nil {
					nc.logRecvError(err, onFraming)
				}
				return
			}
			nc.lastRecv.Store(nc.clock.Now().UnixNano())
			if onRecv != nil {
				onRecv(data, nc.flow, nc.id)
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer nc.cancel()
		for {
			select {
			case <-nc.ctx.Done():
				return
			case msg := <-nc.sendCh:
				if err := nc.proto.Send(msg); err != nil {
					logger.Debug("连接发送失败", "conn", nc, "err", err)
					return
				}
				nc.lastSend.Store(nc.clock.Now().UnixNano())
			}
		}
	}()

	<-nc.ctx.Done()
	nc.closeOnce.Do(func() {
		_ = nc.proto.Close()
		close(nc.done)
	})
	wg.Wait()
	if onDead != nil {
		onDead(nc)
	}
}

func (nc *NetworkConnection) logRecvError(err error, onFraming func(types.Flow)) {
	var ne net.Error
	switch {
	case transport.IsInvalidFraming(err):
		logger.Debug("连接分帧错误", "conn", nc, "err", err)
		if onFraming != nil {
			onFraming(nc.flow)
		}
	case errors.Is(err, io.EOF):
		logger.Debug("连接被对端关闭", "conn", nc)
	case errors.As(err, &ne) && ne.Timeout():
		logger.Debug("连接空闲超时", "conn", nc)
	default:
		logger.Debug("连接接收失败", "conn", nc, "err", err)
	}
}

// ============================================================================
//                              ConnectionHandle
// ============================================================================

// ConnectionHandle 连接句柄
//
// 句柄可以比连接活得更久，连接关闭后发送返回 ErrConnectionClosed。
type ConnectionHandle struct {
	id     types.ConnectionID
	flow   types.Flow
	sendCh chan<- []byte
	done   <-chan struct{}
}

// ID 连接 ID
func (h ConnectionHandle) ID() types.ConnectionID {
	return h.id
}

// Flow 连接的 Flow
func (h ConnectionHandle) Flow() types.Flow {
	return h.flow
}

// UniqueFlow Flow + 连接 ID
func (h ConnectionHandle) UniqueFlow() types.UniqueFlow {
	return types.UniqueFlow{Flow: h.flow, ConnectionID: h.id}
}

// IsValid 是否为有效句柄
func (h ConnectionHandle) IsValid() bool {
	return h.sendCh != nil
}

// Send 把消息放入连接的发送队列
func (h ConnectionHandle) Send(ctx context.Context, data []byte) error {
	if h.sendCh == nil {
		return ErrConnectionClosed
	}
	select {
	case <-h.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case h.sendCh <- data:
		return nil
	case <-h.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// String 文本
func (h ConnectionHandle) String() string {
	return fmt.Sprintf("#%d %s", h.id, h.flow)
}
