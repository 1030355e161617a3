package rpc

import (
	"context"
	"fmt"

	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              入站提问
// ============================================================================

// answerQuestion 处理入站提问，返回 nil 表示不回答
func (p *Processor) answerQuestion(ctx context.Context, in *inbound) (*Answer, error) {
	q := in.op.Question
	switch {
	case q.Status != nil:
		return &Answer{Status: p.answerStatus(in)}, nil
	case q.FindNode != nil:
		return &Answer{FindNode: &FindNodeAnswer{Peers: p.closestPeers(in.domain, q.FindNode.NodeID, q.FindNode.Capabilities...)}}, nil
	case q.GetValue != nil:
		h, err := p.requireDHT(false)
		if err != nil {
			return nil, err
		}
		a, err := h.HandleGetValue(ctx, q.GetValue)
		if err != nil {
			return nil, err
		}
		a.Peers = p.closestPeers(in.domain, q.GetValue.Key, types.CapabilityDHT)
		return &Answer{GetValue: a}, nil
	case q.SetValue != nil:
		h, err := p.requireDHT(false)
		if err != nil {
			return nil, err
		}
		a, err := h.HandleSetValue(ctx, q.SetValue)
		if err != nil {
			return nil, err
		}
		a.Peers = p.closestPeers(in.domain, q.SetValue.Key, types.CapabilityDHT)
		return &Answer{SetValue: a}, nil
	case q.WatchValue != nil:
		h, err := p.requireDHT(true)
		if err != nil {
			return nil, err
		}
		watcher, err := p.watcherDestination(in)
		if err != nil {
			return nil, err
		}
		a, err := h.HandleWatchValue(ctx, q.WatchValue, watcher)
		if err != nil {
			return nil, err
		}
		a.Peers = p.closestPeers(in.domain, q.WatchValue.Key, types.CapabilityDHT, types.CapabilityDHTWatch)
		return &Answer{WatchValue: a}, nil
	}
	return nil, fmt.Errorf("%w: unhandled question", ErrInvalidOperation)
}

func (p *Processor) answerStatus(in *inbound) *StatusAnswer {
	a := &StatusAnswer{}
	if pi := p.rt.OwnPeerInfo(in.domain); pi != nil {
		a.NodeInfoTS = pi.Timestamp()
	}
	if in.routed == nil && !in.flow.Flow.IsZero() {
		remote := in.flow.Flow.Remote
		a.Observed = &remote
	}
	return a
}

func (p *Processor) requireDHT(watch bool) (DHTHandler, error) {
	if !p.cfg.DHTEnabled || (watch && !p.cfg.WatchEnabled) {
		return nil, fmt.Errorf("%w: dht", ErrCapabilityDisabled)
	}
	h := p.dhtHandler()
	if h == nil {
		return nil, fmt.Errorf("%w: no dht handler", ErrCapabilityDisabled)
	}
	return h, nil
}

// watcherDestination 变化通知的去向
func (p *Processor) watcherDestination(in *inbound) (Destination, error) {
	if in.routed == nil {
		return Direct(in.sender), nil
	}
	pr := in.op.Question.RespondTo.PrivateRoute
	if pr == nil {
		return Destination{}, fmt.Errorf("%w: routed watch without private route", ErrInvalidOperation)
	}
	return PrivateRouteTo(pr, in.routed.replySafety), nil
}

// closestPeers 本地路由表中离 key 最近且具备能力的节点信息
func (p *Processor) closestPeers(domain types.RoutingDomain, key types.TypedKey, caps ...types.Capability) []*types.PeerInfo {
	nodes := p.rt.FindClosestNodes(p.cfg.MaxFindNodeCount, key, routing.FilterHasPeerInfo(domain, caps...))
	out := make([]*types.PeerInfo, 0, len(nodes))
	for _, nr := range nodes {
		if pi := nr.PeerInfo(domain); pi != nil {
			out = append(out, pi)
		}
	}
	return out
}

// ============================================================================
//                              出站提问
// ============================================================================

// Status 探测目标状态
func (p *Processor) Status(ctx context.Context, dest Destination) types.NetworkResult[*StatusAnswer] {
	res := p.question(ctx, dest, &Question{Status: &StatusQuestion{}})
	if !res.IsValue() {
		return types.CastResult[*StatusAnswer](res)
	}
	if res.Value.Answer.Status == nil {
		return types.InvalidMessage[*StatusAnswer]("expected status answer, got %s", res.Value.Answer.Detail())
	}
	return types.Value(res.Value.Answer.Status)
}

// FindNode 向目标查询离 id 最近的节点，返回的节点信息已去掉无效项
func (p *Processor) FindNode(ctx context.Context, dest Destination, id types.TypedKey, caps ...types.Capability) types.NetworkResult[[]*types.PeerInfo] {
	res := p.question(ctx, dest, &Question{FindNode: &FindNodeQuestion{NodeID: id, Capabilities: caps}})
	if !res.IsValue() {
		return types.CastResult[[]*types.PeerInfo](res)
	}
	a := res.Value.Answer.FindNode
	if a == nil {
		return types.InvalidMessage[[]*types.PeerInfo]("expected find node answer, got %s", res.Value.Answer.Detail())
	}
	return types.Value(p.filterPeers(a.Peers, caps...))
}

// GetValue 读取子键
func (p *Processor) GetValue(ctx context.Context, dest Destination, key types.RecordKey, subkey types.ValueSubkey, wantDescriptor bool) types.NetworkResult[*GetValueAnswer] {
	res := p.question(ctx, dest, &Question{GetValue: &GetValueQuestion{Key: key, Subkey: subkey, WantDescriptor: wantDescriptor}})
	if !res.IsValue() {
		return types.CastResult[*GetValueAnswer](res)
	}
	a := res.Value.Answer.GetValue
	if a == nil {
		return types.InvalidMessage[*GetValueAnswer]("expected get value answer, got %s", res.Value.Answer.Detail())
	}
	a.Peers = p.filterPeers(a.Peers, types.CapabilityDHT)
	return types.Value(a)
}

// SetValue 写入子键
func (p *Processor) SetValue(ctx context.Context, dest Destination, key types.RecordKey, subkey types.ValueSubkey,
	value types.SignedValueData, descriptor *types.SignedValueDescriptor) types.NetworkResult[*SetValueAnswer] {
	res := p.question(ctx, dest, &Question{SetValue: &SetValueQuestion{Key: key, Subkey: subkey, Value: value, Descriptor: descriptor}})
	if !res.IsValue() {
		return types.CastResult[*SetValueAnswer](res)
	}
	a := res.Value.Answer.SetValue
	if a == nil {
		return types.InvalidMessage[*SetValueAnswer]("expected set value answer, got %s", res.Value.Answer.Detail())
	}
	a.Peers = p.filterPeers(a.Peers, types.CapabilityDHT)
	return types.Value(a)
}

// WatchValue 监听子键
func (p *Processor) WatchValue(ctx context.Context, dest Destination, q WatchValueQuestion) types.NetworkResult[*WatchValueAnswer] {
	res := p.question(ctx, dest, &Question{WatchValue: &q})
	if !res.IsValue() {
		return types.CastResult[*WatchValueAnswer](res)
	}
	a := res.Value.Answer.WatchValue
	if a == nil {
		return types.InvalidMessage[*WatchValueAnswer]("expected watch value answer, got %s", res.Value.Answer.Detail())
	}
	a.Peers = p.filterPeers(a.Peers, types.CapabilityDHT, types.CapabilityDHTWatch)
	return types.Value(a)
}

// filterPeers 去掉无效、本节点与不具备能力的节点信息
func (p *Processor) filterPeers(peers []*types.PeerInfo, caps ...types.Capability) []*types.PeerInfo {
	out := peers[:0]
	for _, pi := range peers {
		if pi == nil || !pi.Validate() || p.id.MatchesAny(pi.NodeIDs) {
			continue
		}
		if !pi.NodeInfo.HasAllCapabilities(caps...) {
			continue
		}
		out = append(out, pi)
	}
	return out
}
