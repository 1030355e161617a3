package network

import (
	"context"
	"fmt"

	"github.com/dep2p/go-overlay/internal/core/connmgr"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/transport"
	"github.com/dep2p/go-overlay/pkg/types"
)

// LowLevel 低层发送与连接簿记
type LowLevel interface {
	// SendOnFlow 通过已有 Flow 发送；面向连接的 Flow 必须仍在连接表中
	SendOnFlow(ctx context.Context, flow types.Flow, data []byte) (types.UniqueFlow, error)

	// SendToDialInfo 发送到拨号信息，必要时建立新连接
	SendToDialInfo(ctx context.Context, di types.DialInfo, data []byte) (types.UniqueFlow, error)

	// AddPriorityFlow 把 Flow 加入优先集合
	AddPriorityFlow(flow types.Flow)

	// UpdateProtections 按中继集合更新受保护地址
	UpdateProtections(relays []connmgr.ProtectedRelay)
}

// connLowLevel 基于连接管理器与 UDP 传输的 LowLevel
type connLowLevel struct {
	conns *connmgr.Manager
	tr    *transport.Manager
	bw    *metrics.BandwidthCounter
}

// NewLowLevel 创建默认 LowLevel
func NewLowLevel(conns *connmgr.Manager, tr *transport.Manager, bw *metrics.BandwidthCounter) LowLevel {
	return &connLowLevel{conns: conns, tr: tr, bw: bw}
}

func (l *connLowLevel) SendOnFlow(ctx context.Context, flow types.Flow, data []byte) (types.UniqueFlow, error) {
	if !flow.Protocol().IsConnectionOriented() {
		f, err := l.tr.SendDatagram(flow.Remote.Socket, data)
		if err != nil {
			return types.UniqueFlow{}, err
		}
		l.logSent(f, len(data))
		return types.UniqueFlow{Flow: f}, nil
	}
	h, ok := l.conns.GetConnection(flow)
	if !ok {
		return types.UniqueFlow{}, fmt.Errorf("%w: %s", ErrNoConnection, flow)
	}
	if err := h.Send(ctx, data); err != nil {
		return types.UniqueFlow{}, err
	}
	l.logSent(flow, len(data))
	return h.UniqueFlow(), nil
}

func (l *connLowLevel) SendToDialInfo(ctx context.Context, di types.DialInfo, data []byte) (types.UniqueFlow, error) {
	if !di.Protocol.IsConnectionOriented() {
		f, err := l.tr.SendDatagram(di.Socket, data)
		if err != nil {
			return types.UniqueFlow{}, err
		}
		l.logSent(f, len(data))
		return types.UniqueFlow{Flow: f}, nil
	}
	res := l.conns.GetOrCreateConnection(ctx, di)
	if !res.IsValue() {
		return types.UniqueFlow{}, fmt.Errorf("%w: %s", ErrNoConnection, res)
	}
	h := res.Value
	if err := h.Send(ctx, data); err != nil {
		return types.UniqueFlow{}, err
	}
	l.logSent(h.Flow(), len(data))
	return h.UniqueFlow(), nil
}

func (l *connLowLevel) AddPriorityFlow(flow types.Flow) {
	if flow.Protocol().IsConnectionOriented() {
		l.conns.AddPriorityFlow(flow)
	}
}

func (l *connLowLevel) UpdateProtections(relays []connmgr.ProtectedRelay) {
	l.conns.UpdateProtections(relays)
}

func (l *connLowLevel) logSent(flow types.Flow, n int) {
	if l.bw != nil {
		l.bw.LogSent(flow.RemoteAddr(), n)
	}
}
