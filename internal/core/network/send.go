package network

import (
	"context"
	"fmt"

	"github.com/dep2p/go-overlay/internal/core/envelope"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              发送
// ============================================================================

// SendDataResult 一次发送的结果
type SendDataResult struct {
	// ContactMethod 实际使用的联系方式
	ContactMethod routing.ContactMethod

	// RelayContactMethod 经中继发送时到中继使用的联系方式
	RelayContactMethod *routing.ContactMethod

	// Flow 数据离开本节点使用的 Flow
	Flow types.UniqueFlow
}

// SendData 把已封装的数据发给目标节点
//
// 按联系方式缓存或选择结果发送；信令超时时退回目标的入站中继。
func (m *Manager) SendData(ctx context.Context, target routing.NodeRef, data []byte) types.NetworkResult[SendDataResult] {
	if !m.started.Load() {
		return types.ServiceUnavailable[SendDataResult]("network manager not started")
	}
	return m.sendData(ctx, target, data, false)
}

// contactRequest 构造联系方式选择请求与缓存键
func (m *Manager) contactRequest(target routing.NodeRef) (routing.ContactMethodRequest, contactKey) {
	domain, ok := target.BestRoutingDomain()
	if !ok {
		domain = types.RoutingDomainPublicInternet
	}
	req := routing.ContactMethodRequest{
		Domain:       domain,
		Own:          m.rt.OwnPeerInfo(domain),
		Target:       target.PeerInfo(domain),
		Filter:       target.DialInfoFilter(),
		Sequencing:   target.Sequencing(),
		DialInfoSort: m.dialInfoSort,
	}
	key := contactKey{
		nodeIDs:    target.NodeIDs().String(),
		domain:     domain,
		filter:     req.Filter,
		sequencing: req.Sequencing,
	}
	if req.Own != nil {
		key.ownTS = req.Own.Timestamp()
	}
	if req.Target != nil {
		key.targetTS = req.Target.Timestamp()
		key.failures = failureSignature(req.Target.NodeInfo.DialInfoDetails, m.filter.GetDialInfoFailedTS)
	}
	return req, key
}

// dialInfoSort 没失败过的在前，失败较早的在前
func (m *Manager) dialInfoSort(a, b types.DialInfoDetail) bool {
	ta, fa := m.filter.GetDialInfoFailedTS(a.DialInfo)
	tb, fb := m.filter.GetDialInfoFailedTS(b.DialInfo)
	if fa != fb {
		return !fa
	}
	return fa && ta < tb
}

func (m *Manager) sendData(ctx context.Context, target routing.NodeRef, data []byte, relaying bool) types.NetworkResult[SendDataResult] {
	req, key := m.contactRequest(target)
	cm, ok := m.cache.get(key)
	if !ok {
		cm = m.selectContactMethod(req)
	}

	for {
		res := m.tryContactMethod(ctx, req.Domain, cm, target, data, relaying)
		if res.IsValue() {
			m.cache.success(key, res.Value.ContactMethod)
			return res
		}
		m.cache.failure(key, cm)

		if res.IsTimeout() && (cm.Kind == routing.ContactSignalReverse || cm.Kind == routing.ContactSignalHolePunch) {
			logger.Debug("信令超时，改用入站中继", "target", target.String(), "method", cm.String())
			cm = routing.ContactMethod{Kind: routing.ContactInboundRelay, RelayID: cm.RelayID}
			continue
		}
		return res
	}
}

// tryContactMethod 按单一联系方式发送
func (m *Manager) tryContactMethod(ctx context.Context, domain types.RoutingDomain, cm routing.ContactMethod,
	target routing.NodeRef, data []byte, relaying bool) types.NetworkResult[SendDataResult] {
	wrap := func(r types.NetworkResult[types.UniqueFlow]) types.NetworkResult[SendDataResult] {
		if r.IsValue() {
			m.recordFlow(target, r.Value)
		}
		return types.MapResult(r, func(uf types.UniqueFlow) SendDataResult {
			return SendDataResult{ContactMethod: cm, Flow: uf}
		})
	}

	switch cm.Kind {
	case routing.ContactUnreachable, routing.ContactExisting:
		return wrap(m.sendOnLastFlow(ctx, target, data))

	case routing.ContactDirect:
		filtered := target.Filtered(types.DialInfoFilter{
			Protocols:    types.NewProtocolTypeSet(cm.DialInfo.Protocol),
			AddressTypes: types.NewAddressTypeSet(cm.DialInfo.AddressType()),
		})
		if r := m.sendOnLastFlow(ctx, filtered, data); r.IsValue() {
			return wrap(r)
		}
		uf, err := m.ll.SendToDialInfo(ctx, cm.DialInfo, data)
		if err != nil {
			m.filter.SetDialInfoFailed(cm.DialInfo)
			return types.NoConnection[SendDataResult]("direct %s: %v", cm.DialInfo, err)
		}
		return wrap(types.Value(uf))

	case routing.ContactSignalReverse:
		if r := m.sendOnLastFlow(ctx, target, data); r.IsValue() {
			return wrap(r)
		}
		return wrap(m.sendReverse(ctx, domain, cm, target, data))

	case routing.ContactSignalHolePunch:
		if r := m.sendOnLastFlow(ctx, target, data); r.IsValue() {
			return wrap(r)
		}
		return wrap(m.sendHolePunch(ctx, domain, cm, target, data))

	case routing.ContactInboundRelay, routing.ContactOutboundRelay:
		if relaying {
			return types.NoConnection[SendDataResult]("relay loop")
		}
		relay, ok := m.resolveRelay(domain, cm)
		if !ok {
			return types.NoConnection[SendDataResult]("relay %s unknown", cm.RelayID.ShortString())
		}
		if relay.SameEntry(target) {
			return types.NoConnection[SendDataResult]("relay loop")
		}
		r := m.sendData(ctx, relay, data, true)
		return types.MapResult(r, func(rr SendDataResult) SendDataResult {
			rcm := rr.ContactMethod
			return SendDataResult{ContactMethod: cm, RelayContactMethod: &rcm, Flow: rr.Flow}
		})
	}
	return types.NoConnection[SendDataResult]("unknown contact method %s", cm.Kind)
}

// sendOnLastFlow 在最近 Flow 上发送，失败时清除该 Flow
func (m *Manager) sendOnLastFlow(ctx context.Context, target routing.NodeRef, data []byte) types.NetworkResult[types.UniqueFlow] {
	last, ok := target.LastFlow()
	if !ok {
		return types.NoConnection[types.UniqueFlow]("no last flow for %s", target.String())
	}
	uf, err := m.ll.SendOnFlow(ctx, last.Flow, data)
	if err != nil {
		target.ClearLastFlow(last)
		return types.NoConnection[types.UniqueFlow]("last flow %s: %v", last, err)
	}
	return types.Value(uf)
}

// recordFlow 记录成功使用的 Flow
func (m *Manager) recordFlow(target routing.NodeRef, uf types.UniqueFlow) {
	target.SetLastFlow(uf, m.rt.Now())
	if m.rt.IsRelayNode(target) {
		m.ll.AddPriorityFlow(uf.Flow)
	}
}

// ============================================================================
//                              信封发送
// ============================================================================

// SendEnvelope 封装 body 发给 dest
func (m *Manager) SendEnvelope(ctx context.Context, dest routing.NodeRef, body []byte) types.NetworkResult[SendDataResult] {
	return m.SendEnvelopeVia(ctx, dest, dest.NodeIDs(), body)
}

// SendEnvelopeVia 封装发给 recipient 的信封，交给 nextHop 发送
func (m *Manager) SendEnvelopeVia(ctx context.Context, nextHop routing.NodeRef, recipient types.TypedKeyGroup, body []byte) types.NetworkResult[SendDataResult] {
	data, err := m.SealEnvelope(nextHop, recipient, body)
	if err != nil {
		return types.InvalidMessage[SendDataResult]("seal: %v", err)
	}
	return m.SendData(ctx, nextHop, data)
}

// SealEnvelope 选择共同的加密系统与信封版本并封装
func (m *Manager) SealEnvelope(nextHop routing.NodeRef, recipient types.TypedKeyGroup, body []byte) ([]byte, error) {
	kinds := m.id.Registry().CommonKinds(recipient.Kinds())
	if len(kinds) == 0 {
		return nil, fmt.Errorf("network: no common crypto kind with %s", recipient)
	}
	kind := kinds[0]
	cs, _ := m.id.Registry().Get(kind)
	to, _ := recipient.Get(kind)
	from, ok := m.id.NodeID(kind)
	if !ok {
		return nil, fmt.Errorf("network: no node id for %s", kind)
	}
	secret, _ := m.id.Secret(kind)

	version, ok := nextHop.BestEnvelopeVersion(envelope.SupportedVersions)
	if !ok {
		version = envelope.Version0
	}
	return envelope.Seal(cs, &envelope.Envelope{
		Version:     version,
		CryptoKind:  kind,
		Timestamp:   m.rt.Now(),
		Nonce:       cs.RandomNonce(),
		SenderID:    from.Value,
		RecipientID: to.Value,
	}, body, secret, m.cfg.NetworkKey)
}
