package rpc

import (
	"context"
	"fmt"

	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/lib/codec"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              路由处理
// ============================================================================

// processRoute 处理发给本节点的一跳
//
// 安全路由部分：解密本跳数据，标记 0 转发给下一跳，标记 1 取出私有路由第一跳后转发。
// 私有路由部分：解密本跳数据、对操作签名后转发；私有路由为空时本节点是终点。
func (p *Processor) processRoute(ctx context.Context, st *RouteStatement) error {
	if !p.cfg.RouteEnabled {
		return fmt.Errorf("%w: route", ErrCapabilityDisabled)
	}
	sr := &st.SafetyRoute
	if err := sr.Validate(p.cfg.MaxRouteHopCount); err != nil {
		return err
	}
	p.routeHops.Add(1)

	cs, ok := p.id.Registry().Get(sr.PublicKey.Kind)
	if !ok {
		return fmt.Errorf("%w: unsupported crypto kind %s", ErrInvalidRoute, sr.PublicKey.Kind)
	}
	secret, ok := p.id.Secret(sr.PublicKey.Kind)
	if !ok {
		return fmt.Errorf("%w: no node secret for %s", ErrInvalidRoute, sr.PublicKey.Kind)
	}

	if sr.Data != nil {
		tag, plain, err := decryptHop(cs, sr.Data, sr.PublicKey.Value, secret)
		if err != nil {
			return err
		}
		switch tag {
		case hopTagRouteHop:
			var hop RouteHop
			if err := codec.Unmarshal(plain, &hop); err != nil {
				return fmt.Errorf("%w: safety hop: %v", ErrInvalidRoute, err)
			}
			if hop.NextHop == nil || sr.HopCount < 2 {
				return fmt.Errorf("%w: safety route ended early", ErrInvalidRoute)
			}
			next := &RouteStatement{
				SafetyRoute: SafetyRoute{PublicKey: sr.PublicKey, HopCount: sr.HopCount - 1, Data: hop.NextHop},
				Operation:   st.Operation,
			}
			return p.resultErr(p.forwardRoute(ctx, hop.Node, hop.PeerInfo, routing.NodeRef{}, next))
		case hopTagPrivateRoute:
			var pr PrivateRoute
			if err := codec.Unmarshal(plain, &pr); err != nil {
				return fmt.Errorf("%w: private route: %v", ErrInvalidRoute, err)
			}
			if sr.HopCount != 1 {
				return fmt.Errorf("%w: safety route has %d hops left at private route", ErrInvalidRoute, sr.HopCount)
			}
			if err := pr.Validate(p.cfg.MaxRouteHopCount); err != nil {
				return err
			}
			hop, rest, err := pr.popFirstHop()
			if err != nil {
				return err
			}
			next := &RouteStatement{
				SafetyRoute: SafetyRoute{PublicKey: sr.PublicKey, Private: rest},
				Operation:   st.Operation,
			}
			return p.resultErr(p.forwardRoute(ctx, hop.Node, hop.PeerInfo, routing.NodeRef{}, next))
		default:
			return fmt.Errorf("%w: unknown hop tag %d", ErrInvalidRoute, tag)
		}
	}

	pr := sr.Private
	switch {
	case pr.IsEmpty():
		return p.deliverRouted(ctx, sr, &st.Operation)
	case pr.FirstHop != nil:
		hop, rest, err := pr.popFirstHop()
		if err != nil {
			return err
		}
		next := &RouteStatement{SafetyRoute: SafetyRoute{PublicKey: sr.PublicKey, Private: rest}, Operation: st.Operation}
		return p.resultErr(p.forwardRoute(ctx, hop.Node, hop.PeerInfo, routing.NodeRef{}, next))
	}

	tag, plain, err := decryptHop(cs, pr.Data, pr.PublicKey.Value, secret)
	if err != nil {
		return err
	}
	if tag != hopTagRouteHop {
		return fmt.Errorf("%w: private route hop tag %d", ErrInvalidRoute, tag)
	}
	var hop RouteHop
	if err := codec.Unmarshal(plain, &hop); err != nil {
		return fmt.Errorf("%w: private hop: %v", ErrInvalidRoute, err)
	}
	rest := &PrivateRoute{PublicKey: pr.PublicKey, HopCount: pr.HopCount - 1, Data: hop.NextHop}
	if rest.IsEmpty() != (rest.HopCount == 0) {
		return fmt.Errorf("%w: private route hop count mismatch", ErrInvalidRoute)
	}

	op := st.Operation
	own, _ := p.id.NodeID(sr.PublicKey.Kind)
	sig, err := cs.Sign(own.Value, secret, op.Data)
	if err != nil {
		return err
	}
	op.Signatures = append(append([]types.Signature(nil), op.Signatures...), sig)

	next := &RouteStatement{SafetyRoute: SafetyRoute{PublicKey: sr.PublicKey, Private: rest}, Operation: op}
	return p.resultErr(p.forwardRoute(ctx, hop.Node, hop.PeerInfo, routing.NodeRef{}, next))
}

func (p *Processor) resultErr(res types.NetworkResult[struct{}]) error {
	if res.IsValue() {
		return nil
	}
	return fmt.Errorf("rpc: forward route: %s", res.String())
}

// forwardRoute 把 Route 语句发给下一跳，下一跳是本节点时就地处理
func (p *Processor) forwardRoute(ctx context.Context, id types.TypedKey, pi *types.PeerInfo, nr routing.NodeRef, st *RouteStatement) types.NetworkResult[struct{}] {
	if p.id.IsOwn(id) {
		if err := p.processRoute(ctx, st); err != nil {
			return types.InvalidMessage[struct{}]("%v", err)
		}
		return types.Value(struct{}{})
	}
	if !nr.IsValid() {
		if pi != nil && pi.NodeIDs.Contains(id) {
			if ref, err := p.rt.RegisterNodeWithPeerInfo(pi); err == nil {
				nr = ref
			}
		}
		if !nr.IsValid() {
			ref, ok := p.rt.LookupNodeRef(id)
			if !ok {
				return types.NoConnection[struct{}]("unknown next hop %s", id.ShortString())
			}
			nr = ref
		}
	}
	nr = nr.WithSequencing(st.Operation.Sequencing)
	return p.statement(ctx, Direct(nr), &Statement{Route: st})
}

// deliverRouted 终点：解密操作并按普通入站操作处理
func (p *Processor) deliverRouted(ctx context.Context, sr *SafetyRoute, op *RoutedOperation) error {
	pr := sr.Private
	cs, _ := p.id.Registry().Get(pr.PublicKey.Kind)

	var (
		body   []byte
		origin routedOrigin
		err    error
	)
	if p.id.IsOwn(pr.PublicKey) {
		secret, _ := p.id.Secret(pr.PublicKey.Kind)
		body, err = openOperation(cs, op, sr.PublicKey.Value, secret)
		if err != nil {
			return err
		}
		origin = routedOrigin{safetyKey: sr.PublicKey, replySafety: types.UnsafeSelection(op.Sequencing)}
	} else {
		spec, ok := p.routes.Lookup(pr.PublicKey.Value)
		if !ok {
			return fmt.Errorf("%w: %s", ErrRouteNotFound, pr.PublicKey.ShortString())
		}
		if err := spec.ValidateSignatures(cs, op.Data, op.Signatures); err != nil {
			return err
		}
		body, err = openOperation(cs, op, sr.PublicKey.Value, spec.secret)
		if err != nil {
			return err
		}
		origin = routedOrigin{
			private:     true,
			route:       spec.ID.Value,
			safetyKey:   sr.PublicKey,
			replySafety: types.SafeSelection(spec.ReplySafety()),
		}
	}

	inner, err := DecodeOperation(body)
	if err != nil {
		return err
	}
	if inner.SenderPeerInfo != nil {
		return fmt.Errorf("%w: routed operation carries sender peer info", ErrInvalidOperation)
	}
	if inner.Statement != nil && inner.Statement.Route != nil {
		return fmt.Errorf("%w: nested route statement", ErrInvalidOperation)
	}
	p.dispatch(ctx, &inbound{op: inner, domain: types.RoutingDomainPublicInternet, routed: &origin})
	return nil
}
