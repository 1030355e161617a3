package rpc

import (
	"context"
	"fmt"

	"github.com/dep2p/go-overlay/internal/core/network"
	"github.com/dep2p/go-overlay/internal/core/receipt"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              入站语句
// ============================================================================

func (p *Processor) handleStatement(ctx context.Context, in *inbound) error {
	s := in.op.Statement
	switch {
	case s.Signal != nil:
		if in.routed != nil {
			return fmt.Errorf("%w: routed signal", ErrInvalidOperation)
		}
		return p.net.HandleSignal(ctx, *s.Signal)
	case s.ReturnReceipt != nil:
		return p.handleReturnReceipt(in, s.ReturnReceipt.Receipt)
	case s.Route != nil:
		return p.processRoute(ctx, s.Route)
	case s.ValueChanged != nil:
		h, err := p.requireDHT(true)
		if err != nil {
			return err
		}
		return h.HandleValueChanged(ctx, s.ValueChanged)
	}
	return fmt.Errorf("%w: unhandled statement", ErrInvalidOperation)
}

func (p *Processor) handleReturnReceipt(in *inbound, data []byte) error {
	switch {
	case in.routed == nil:
		return p.net.HandleReturnedReceipt(data, receipt.ReturnedInBand, in.sender.BestNodeID(), in.flow, types.RouteID{})
	case in.routed.private:
		return p.net.HandleReturnedReceipt(data, receipt.ReturnedPrivate, types.TypedKey{}, types.UniqueFlow{}, in.routed.route)
	default:
		return p.net.HandleReturnedReceipt(data, receipt.ReturnedSafety, types.TypedKey{}, types.UniqueFlow{}, types.RouteID{})
	}
}

// ============================================================================
//                              出站语句
// ============================================================================

// SendSignal 经 relay 向 target 发送信令
func (p *Processor) SendSignal(ctx context.Context, relay, target routing.NodeRef, info network.SignalInfo) error {
	res := p.statement(ctx, Relay(relay, target), &Statement{Signal: &info})
	if !res.IsValue() {
		return fmt.Errorf("rpc: send signal: %s", res.String())
	}
	return nil
}

// SendReturnReceipt 直接向 target 返回回执
func (p *Processor) SendReturnReceipt(ctx context.Context, target routing.NodeRef, data []byte) error {
	return p.ReturnReceipt(ctx, Direct(target), data)
}

// ReturnReceipt 向任意目标返回回执
func (p *Processor) ReturnReceipt(ctx context.Context, dest Destination, data []byte) error {
	res := p.statement(ctx, dest, &Statement{ReturnReceipt: &ReturnReceiptStatement{Receipt: data}})
	if !res.IsValue() {
		return fmt.Errorf("rpc: return receipt: %s", res.String())
	}
	return nil
}

// ValueChanged 通知监听方子键变化
func (p *Processor) ValueChanged(ctx context.Context, dest Destination, s ValueChangedStatement) types.NetworkResult[struct{}] {
	return p.statement(ctx, dest, &Statement{ValueChanged: &s})
}
