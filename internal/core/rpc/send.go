package rpc

import (
	"context"
	"math/rand"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              发送
// ============================================================================

func newOpID() uint64 {
	return rand.Uint64()
}

// sendOperation 按目标发送操作
//
// 直连与中继且不使用安全路由时直接封装信封；否则编译安全路由，
// 把加密后的操作装进 Route 语句发给第一跳。
func (p *Processor) sendOperation(ctx context.Context, dest Destination, op *Operation) types.NetworkResult[struct{}] {
	if !p.started.Load() {
		return types.ServiceUnavailable[struct{}]("rpc not started")
	}
	p.metrics.RPCOperation(op.Detail(), "out")

	if !dest.IsRouted() {
		if op.SenderPeerInfo == nil && op.Kind != KindAnswer {
			domain, ok := dest.Node.BestRoutingDomain()
			if !ok {
				domain = types.RoutingDomainPublicInternet
			}
			op.SenderPeerInfo = p.rt.OwnPeerInfo(domain)
		}
		body, err := op.Encode()
		if err != nil {
			return types.InvalidMessage[struct{}]("encode: %v", err)
		}
		var res types.NetworkResult[struct{}]
		switch dest.Kind {
		case DestRelay:
			res = types.MapResult(p.net.SendEnvelopeVia(ctx, dest.Relay, dest.Node.NodeIDs(), body), discard)
		default:
			res = types.MapResult(p.net.SendEnvelope(ctx, dest.Node, body), discard)
		}
		return res
	}

	pr := dest.Route
	if dest.Kind != DestPrivateRoute {
		var err error
		pr, err = StubPrivateRouteFor(dest.Node, p.id.Registry().Best().Kind())
		if err != nil {
			return types.NoConnection[struct{}]("%v", err)
		}
	}
	cr, err := p.routes.compileSafetyRoute(dest.Safety, pr)
	if err != nil {
		return types.NoConnection[struct{}]("compile safety route: %v", err)
	}
	body, err := op.Encode()
	if err != nil {
		return types.InvalidMessage[struct{}]("encode: %v", err)
	}
	routed, err := sealOperation(cr.cs, pr.PublicKey.Value, cr.secret, dest.Safety.GetSequencing(), body)
	if err != nil {
		return types.InvalidMessage[struct{}]("seal routed operation: %v", err)
	}
	st := &RouteStatement{SafetyRoute: cr.safetyRoute, Operation: routed}
	return p.forwardRoute(ctx, cr.firstHop, cr.firstHopInfo, cr.firstHopRef, st)
}

func discard[T any](T) struct{} { return struct{}{} }

// question 发送提问并等待回答
func (p *Processor) question(ctx context.Context, dest Destination, q *Question) types.NetworkResult[Reply] {
	if dest.IsRouted() {
		pr, err := p.replyRoute(dest.Safety)
		if err != nil {
			return types.NoConnection[Reply]("reply route: %v", err)
		}
		q.RespondTo = RespondTo{PrivateRoute: pr}
	}
	op := &Operation{OpID: newOpID(), Kind: KindQuestion, Question: q}
	var expect types.TypedKeyGroup
	if !dest.IsRouted() {
		expect = dest.Node.NodeIDs()
	}
	w, ok := p.waiters.add(op.OpID, expect)
	if !ok {
		return types.AlreadyExists[Reply]("operation id collision")
	}

	res := p.sendOperation(ctx, dest, op)
	if !res.IsValue() {
		p.waiters.remove(op.OpID)
		return types.CastResult[Reply](res)
	}

	wctx, cancel := p.clock.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	select {
	case r := <-w.ch:
		return types.Value(r)
	case <-wctx.Done():
		p.waiters.remove(op.OpID)
		if ctx.Err() != nil {
			return types.NoConnection[Reply]("cancelled: %v", ctx.Err())
		}
		return types.Timeout[Reply]()
	case <-p.ctx.Done():
		return types.ServiceUnavailable[Reply]("rpc stopped")
	}
}

// replyRoute 经路由提问时让对方回答的私有路由
func (p *Processor) replyRoute(safety types.SafetySelection) (*PrivateRoute, error) {
	if !safety.IsSafe() {
		return p.routes.StubPrivateRoute(p.id.Registry().Best().Kind())
	}
	ss := *safety.Safe
	if ss.PreferredRoute != nil {
		if _, ok := p.routes.Lookup(*ss.PreferredRoute); ok {
			return p.routes.AssemblePrivateRoute(*ss.PreferredRoute)
		}
	}
	spec, err := p.routes.AllocateAuto(ss.HopCount, ss.Stability, ss.Sequencing, nil)
	if err != nil {
		return nil, err
	}
	return p.routes.AssemblePrivateRoute(spec.ID.Value)
}

// statement 发送语句
func (p *Processor) statement(ctx context.Context, dest Destination, s *Statement) types.NetworkResult[struct{}] {
	return p.sendOperation(ctx, dest, &Operation{OpID: newOpID(), Kind: KindStatement, Statement: s})
}

// reply 回答入站提问：直连提问直接回给发送方，经路由的提问回到 RespondTo 私有路由
func (p *Processor) reply(ctx context.Context, in *inbound, ans *Answer) {
	var dest Destination
	if in.routed == nil {
		dest = Direct(in.sender)
	} else {
		pr := in.op.Question.RespondTo.PrivateRoute
		if pr == nil {
			logger.Debug("经路由的提问没有回答路由", "op", in.op.Detail())
			return
		}
		dest = PrivateRouteTo(pr, in.routed.replySafety)
	}
	op := &Operation{OpID: in.op.OpID, Kind: KindAnswer, Answer: ans}
	if res := p.sendOperation(ctx, dest, op); !res.IsValue() {
		logger.Debug("发送回答失败", "op", ans.Detail(), "dest", dest.String(), "result", res.String())
	}
}
