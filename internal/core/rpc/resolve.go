package rpc

import (
	"context"
	"fmt"

	"github.com/dep2p/go-overlay/internal/core/fanout"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ResolveNode 在全网解析节点
//
// 本地已有节点信息时直接返回，否则以节点 ID 为坐标扇出 FindNode，
// 任一回答带回了目标节点信息即结束。
func (p *Processor) ResolveNode(ctx context.Context, id types.TypedKey) (routing.NodeRef, error) {
	if nr, ok := p.lookupWithInfo(id); ok {
		return nr, nil
	}

	hasInfo := routing.FilterHasPeerInfo(types.RoutingDomainPublicInternet)
	res, err := p.fanout.Run(ctx, fanout.Call{
		Coordinate:     id,
		NodeCount:      p.cfg.MinPeerCount,
		Tasks:          p.cfg.ResolveNodeFanout,
		ConsensusCount: p.cfg.ResolveNodeCount,
		Timeout:        p.cfg.ResolveNodeTimeout,
		Filter:         hasInfo,
		Routine: func(ctx context.Context, nr routing.NodeRef) (fanout.CallOutput, error) {
			r := p.FindNode(ctx, Direct(nr), id)
			if !r.IsValue() {
				return fanout.CallOutput{Disposition: fanout.DispositionTimeout}, nil
			}
			out := fanout.CallOutput{PeerInfos: r.Value, Disposition: fanout.DispositionRejected}
			for _, pi := range r.Value {
				if pi.NodeIDs.Contains(id) {
					out.Disposition = fanout.DispositionAccepted
				}
			}
			return out, nil
		},
		CheckDone: func(fanout.Result) bool {
			_, ok := p.lookupWithInfo(id)
			return ok
		},
	})
	if err != nil {
		return routing.NodeRef{}, err
	}
	if nr, ok := p.lookupWithInfo(id); ok {
		return nr, nil
	}
	return routing.NodeRef{}, fmt.Errorf("%w: %s (%s)", ErrNodeNotFound, id.ShortString(), res.Kind)
}

func (p *Processor) lookupWithInfo(id types.TypedKey) (routing.NodeRef, bool) {
	nr, ok := p.rt.LookupNodeRef(id)
	if !ok {
		return routing.NodeRef{}, false
	}
	if _, ok := nr.BestRoutingDomain(); !ok {
		return routing.NodeRef{}, false
	}
	return nr, true
}
