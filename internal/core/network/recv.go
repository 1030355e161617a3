package network

import (
	"errors"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/envelope"
	"github.com/dep2p/go-overlay/internal/core/receipt"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              入站信封
// ============================================================================

// OnRecvEnvelope 处理一个入站帧或数据报
//
// 返回 true 表示在本地处理完毕（包括保活包、引导请求、回执和投递给 RPC 的信封）；
// 被丢弃、被惩罚或交给中继的返回 false。对端输入引起的问题不返回错误。
func (m *Manager) OnRecvEnvelope(data []byte, uf types.UniqueFlow) (bool, error) {
	if !m.started.Load() {
		return false, nil
	}
	remote := uf.Flow.RemoteAddr()
	if m.bw != nil {
		m.bw.LogRecv(remote, len(data))
	}

	// 保活或打洞包
	if len(data) == 0 {
		return true, nil
	}
	if len(data) < 4 {
		m.filter.PunishIPAddr(remote, addrfilter.ReasonShortPacket)
		m.metrics.Envelope("short")
		return false, nil
	}

	domain, ok := m.rt.RoutingDomainForAddress(remote)
	if !ok {
		logger.Debug("来源地址不属于任何路由域", "flow", uf.String())
		m.metrics.Envelope("no_domain")
		return false, nil
	}

	magic, _ := envelope.Magic(data)
	switch magic {
	case envelope.MagicBootstrapV0, envelope.MagicBootstrapV1:
		m.mu.RLock()
		h := m.bootstrap
		m.mu.RUnlock()
		if h != nil {
			h(data, uf)
		} else {
			logger.Debug("未设置引导处理函数", "flow", uf.String())
		}
		m.metrics.Envelope("bootstrap")
		return true, nil
	case envelope.MagicReceipt:
		m.handleOutOfBandReceipt(data, uf)
		m.metrics.Envelope("receipt")
		return true, nil
	}

	env, err := envelope.Open(m.id.Registry(), data)
	if err != nil {
		logger.Debug("信封解码失败", "flow", uf.String(), "error", err)
		m.filter.PunishIPAddr(remote, addrfilter.ReasonFailedToDecodeEnvelope)
		m.metrics.Envelope("decode_failed")
		return false, nil
	}

	now := m.rt.Now()
	behind := types.Timestamp(m.cfg.MaxTimestampBehind.Microseconds())
	ahead := types.Timestamp(m.cfg.MaxTimestampAhead.Microseconds())
	if (now > behind && env.Timestamp < now-behind) || env.Timestamp > now+ahead {
		logger.Debug("信封时间戳偏差过大", "envelope", env.String(), "now", now)
		m.metrics.Envelope("skew")
		return false, nil
	}

	sender := env.SenderTypedID()
	if m.filter.IsNodeIDPunished(sender) {
		m.metrics.Envelope("punished")
		return false, nil
	}

	recipient := env.RecipientTypedID()
	if !m.id.IsOwn(recipient) {
		m.relayEnvelope(data, env, uf)
		return false, nil
	}

	cs, ok := m.id.Registry().Get(env.CryptoKind)
	if !ok {
		return false, nil
	}
	secret, ok := m.id.Secret(env.CryptoKind)
	if !ok {
		return false, nil
	}
	body, err := envelope.DecryptBody(cs, env, data, secret, m.cfg.NetworkKey)
	if err != nil {
		logger.Debug("信封正文解密失败", "envelope", env.String(), "error", err)
		m.filter.PunishNodeID(sender, addrfilter.ReasonFailedToDecryptEnvelopeBody)
		m.metrics.Envelope("decrypt_failed")
		return false, nil
	}

	nr, err := m.rt.RegisterNodeWithID(domain, sender, uf, now)
	if err != nil {
		logger.Debug("登记发送者失败", "sender", sender.ShortString(), "error", err)
		m.metrics.Envelope("register_failed")
		return false, nil
	}
	nr.AddEnvelopeVersion(env.Version)

	// 把本节点当作中继的客户端加入白名单
	if pi := nr.PeerInfo(domain); pi != nil && m.id.MatchesAny(pi.NodeInfo.RelayIDs) {
		m.rt.AddClientAllowlist(sender)
	}

	rpc := m.getRPC()
	if rpc == nil {
		return true, ErrNoRPC
	}
	m.metrics.Envelope("local")
	err = rpc.EnqueueMessage(Message{
		Envelope: env,
		Body:     body,
		Sender:   nr,
		Domain:   domain,
		Flow:     uf,
		Received: now,
	})
	return true, err
}

// ============================================================================
//                              回执
// ============================================================================

// handleOutOfBandReceipt RCPT 数据包
func (m *Manager) handleOutOfBandReceipt(data []byte, uf types.UniqueFlow) {
	r, err := envelope.OpenReceipt(m.id.Registry(), data)
	if err != nil {
		logger.Debug("回执解码失败", "flow", uf.String(), "error", err)
		return
	}
	if !m.id.IsOwn(r.SenderTypedID()) {
		logger.Debug("回执不是本节点签发", "sender", r.SenderTypedID().ShortString())
		return
	}
	m.receipts.Handle(r.Nonce, receipt.Event{Kind: receipt.ReturnedOutOfBand, Flow: uf, ExtraData: r.ExtraData})
}

// HandleReturnedReceipt RPC 层收到的回执
//
// kind 为 ReturnedInBand 时 inbound 是送回回执的节点，flow 是它使用的 Flow；
// 经路由返回时 route 为私有路由 ID。
func (m *Manager) HandleReturnedReceipt(data []byte, kind receipt.EventKind, inbound types.TypedKey, flow types.UniqueFlow, route types.RouteID) error {
	r, err := envelope.OpenReceipt(m.id.Registry(), data)
	if err != nil {
		return err
	}
	if !m.id.IsOwn(r.SenderTypedID()) {
		return errors.New("network: receipt not issued by this node")
	}
	ev := receipt.Event{Kind: kind, InboundNode: inbound, Flow: flow, PrivateRoute: route, ExtraData: r.ExtraData}
	if !m.receipts.Handle(r.Nonce, ev) {
		logger.Debug("回执未登记或已完成", "kind", kind.String())
	}
	return nil
}
