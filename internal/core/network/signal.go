package network

import (
	"context"
	"fmt"
	"time"

	"github.com/dep2p/go-overlay/internal/core/envelope"
	"github.com/dep2p/go-overlay/internal/core/receipt"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              信令
// ============================================================================

// SignalKind 信令类型
type SignalKind uint8

const (
	// SignalReverseConnect 请求对端反向连接
	SignalReverseConnect SignalKind = iota
	// SignalHolePunch 请求对端配合 UDP 打洞
	SignalHolePunch
)

// String 文本
func (k SignalKind) String() string {
	switch k {
	case SignalReverseConnect:
		return "ReverseConnect"
	case SignalHolePunch:
		return "HolePunch"
	}
	return fmt.Sprintf("SignalKind(%d)", uint8(k))
}

// SignalInfo 经中继转交的信令
type SignalInfo struct {
	Kind     SignalKind      `cbor:"1,keyasint"`
	Receipt  []byte          `cbor:"2,keyasint"`
	PeerInfo *types.PeerInfo `cbor:"3,keyasint"`
}

// newReceipt 签发回执并登记等待
func (m *Manager) newReceipt(expiry time.Duration) ([]byte, *receipt.Waiter, error) {
	cs := m.id.Registry().Best()
	nodeID, ok := m.id.NodeID(cs.Kind())
	if !ok {
		return nil, nil, fmt.Errorf("network: no node id for %s", cs.Kind())
	}
	secret, _ := m.id.Secret(cs.Kind())
	nonce := cs.RandomNonce()
	data, err := envelope.SignReceipt(cs, &envelope.Receipt{
		Version:  envelope.Version0,
		Nonce:    nonce,
		SenderID: nodeID.Value,
	}, secret)
	if err != nil {
		return nil, nil, err
	}
	w, err := m.receipts.RecordSingleShot(nonce, m.clock.Now().Add(expiry))
	if err != nil {
		return nil, nil, err
	}
	return data, w, nil
}

// resolveRelay 按联系方式取中继节点引用
func (m *Manager) resolveRelay(domain types.RoutingDomain, cm routing.ContactMethod) (routing.NodeRef, bool) {
	if cm.Kind == routing.ContactOutboundRelay {
		if nr, ok := m.rt.RelayNode(domain); ok {
			return nr, true
		}
	}
	return m.rt.LookupNodeRef(cm.RelayID)
}

// awaitReturned 等待回执并在返回的 Flow 上发送数据
func (m *Manager) awaitReturned(ctx context.Context, w *receipt.Waiter, target routing.NodeRef, data []byte) types.NetworkResult[types.UniqueFlow] {
	ev := w.Wait(ctx)
	switch ev.Kind {
	case receipt.ReturnedInBand, receipt.ReturnedOutOfBand:
	case receipt.Expired:
		return types.Timeout[types.UniqueFlow]()
	case receipt.Cancelled:
		return types.NoConnection[types.UniqueFlow]("signal cancelled")
	default:
		return types.NoConnection[types.UniqueFlow]("unexpected receipt %s", ev.Kind)
	}
	if ev.Kind == receipt.ReturnedInBand && !target.NodeIDs().Contains(ev.InboundNode) {
		return types.NoConnection[types.UniqueFlow]("receipt returned by wrong node")
	}
	uf, err := m.ll.SendOnFlow(ctx, ev.Flow.Flow, data)
	if err != nil {
		return types.NoConnection[types.UniqueFlow]("send on returned flow: %v", err)
	}
	return types.Value(uf)
}

// sendReverse 经中继请求目标反向连接本节点
func (m *Manager) sendReverse(ctx context.Context, domain types.RoutingDomain, cm routing.ContactMethod, target routing.NodeRef, data []byte) types.NetworkResult[types.UniqueFlow] {
	rpc := m.getRPC()
	if rpc == nil {
		return types.ServiceUnavailable[types.UniqueFlow]("no rpc")
	}
	relay, ok := m.resolveRelay(domain, cm)
	if !ok {
		return types.NoConnection[types.UniqueFlow]("relay %s unknown", cm.RelayID.ShortString())
	}
	own := m.rt.OwnPeerInfo(domain)
	if own == nil {
		return types.NoConnection[types.UniqueFlow]("no published peer info")
	}
	rcpt, w, err := m.newReceipt(m.cfg.ReverseConnectionReceiptTime)
	if err != nil {
		return types.NoConnection[types.UniqueFlow]("receipt: %v", err)
	}
	if target.OrderedOnly() {
		target = target.WithSequencing(types.SequencingEnsureOrdered)
	}
	if err := rpc.SendSignal(ctx, relay, target, SignalInfo{Kind: SignalReverseConnect, Receipt: rcpt, PeerInfo: own}); err != nil {
		m.receipts.Cancel(w.Nonce())
		return types.NoConnection[types.UniqueFlow]("signal: %v", err)
	}
	return m.awaitReturned(ctx, w, target, data)
}

// sendHolePunch 经中继协调 UDP 打洞
func (m *Manager) sendHolePunch(ctx context.Context, domain types.RoutingDomain, cm routing.ContactMethod, target routing.NodeRef, data []byte) types.NetworkResult[types.UniqueFlow] {
	rpc := m.getRPC()
	if rpc == nil {
		return types.ServiceUnavailable[types.UniqueFlow]("no rpc")
	}
	relay, ok := m.resolveRelay(domain, cm)
	if !ok {
		return types.NoConnection[types.UniqueFlow]("relay %s unknown", cm.RelayID.ShortString())
	}
	own := m.rt.OwnPeerInfo(domain)
	pi := target.PeerInfo(domain)
	if own == nil || pi == nil {
		return types.NoConnection[types.UniqueFlow]("missing peer info")
	}
	udp := target.DialInfoFilter().WithProtocols(types.NewProtocolTypeSet(types.ProtocolUDP))
	did, ok := pi.NodeInfo.FirstFilteredDialInfoDetail(udp)
	if !ok {
		return types.NoConnection[types.UniqueFlow]("target has no udp dial info")
	}

	rcpt, w, err := m.newReceipt(m.cfg.HolePunchReceiptTime)
	if err != nil {
		return types.NoConnection[types.UniqueFlow]("receipt: %v", err)
	}

	// 先发一个空包在本端 NAT 上打开映射
	if _, err := m.ll.SendToDialInfo(ctx, did.DialInfo, nil); err != nil {
		m.receipts.Cancel(w.Nonce())
		return types.NoConnection[types.UniqueFlow]("hole punch: %v", err)
	}
	select {
	case <-ctx.Done():
		m.receipts.Cancel(w.Nonce())
		return types.NoConnection[types.UniqueFlow]("hole punch cancelled")
	case <-m.clock.After(m.cfg.HolePunchDelay):
	}

	if err := rpc.SendSignal(ctx, relay, target, SignalInfo{Kind: SignalHolePunch, Receipt: rcpt, PeerInfo: own}); err != nil {
		m.receipts.Cancel(w.Nonce())
		return types.NoConnection[types.UniqueFlow]("signal: %v", err)
	}
	if _, err := m.ll.SendToDialInfo(ctx, did.DialInfo, nil); err != nil {
		logger.Debug("第二次打洞包发送失败", "dialInfo", did.DialInfo.String(), "error", err)
	}
	return m.awaitReturned(ctx, w, target.Filtered(udp), data)
}

// ============================================================================
//                              信令处理
// ============================================================================

// HandleSignal 处理经中继收到的信令
func (m *Manager) HandleSignal(ctx context.Context, info SignalInfo) error {
	if !m.cfg.SignalEnabled {
		return fmt.Errorf("%w: signal capability disabled", ErrInvalidSignal)
	}
	if info.PeerInfo == nil || !info.PeerInfo.Validate() {
		return fmt.Errorf("%w: missing peer info", ErrInvalidSignal)
	}
	rpc := m.getRPC()
	if rpc == nil {
		return ErrNoRPC
	}
	nr, err := m.rt.RegisterNodeWithPeerInfo(info.PeerInfo)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	domain := info.PeerInfo.RoutingDomain

	switch info.Kind {
	case SignalReverseConnect:
		logger.Debug("反向连接", "node", nr.String())
		return rpc.SendReturnReceipt(ctx, nr, info.Receipt)

	case SignalHolePunch:
		udp := nr.DialInfoFilter().WithProtocols(types.NewProtocolTypeSet(types.ProtocolUDP))
		did, ok := info.PeerInfo.NodeInfo.FirstFilteredDialInfoDetail(udp)
		if !ok {
			return fmt.Errorf("%w: no udp dial info", ErrInvalidSignal)
		}
		uf, err := m.ll.SendToDialInfo(ctx, did.DialInfo, nil)
		if err != nil {
			return err
		}
		udpNR := nr.Filtered(udp).WithRoutingDomains(types.NewRoutingDomainSet(domain))
		udpNR.SetLastFlow(uf, m.rt.Now())
		logger.Debug("打洞", "node", nr.String(), "flow", uf.String())
		return rpc.SendReturnReceipt(ctx, udpNR, info.Receipt)
	}
	return fmt.Errorf("%w: kind %s", ErrInvalidSignal, info.Kind)
}
