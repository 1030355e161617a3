package dht

import (
	"context"
	"fmt"
	"sync"

	"github.com/dep2p/go-overlay/internal/core/fanout"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/internal/dht/record"
	"github.com/dep2p/go-overlay/internal/dht/schema"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              出站读取
// ============================================================================

type getRequest struct {
	key    types.RecordKey
	subkey types.ValueSubkey
	safety types.SafetySelection

	// descriptor 已知描述符，nil 时向节点索取
	descriptor *types.SignedValueDescriptor
	schema     schema.Schema

	// last 调用方已知的值
	last *types.SignedValueData
}

type getResult struct {
	final      bool
	kind       fanout.ResultKind
	value      *types.SignedValueData
	descriptor *types.SignedValueDescriptor
	schema     schema.Schema
	valueNodes []routing.NodeRef
}

// getState 各调用共享的候选值
type getState struct {
	mu             sync.Mutex
	descriptor     *types.SignedValueDescriptor
	schema         schema.Schema
	value          *types.SignedValueData
	partialPending bool
}

func (st *getState) snapshot(res fanout.Result, final bool) getResult {
	return getResult{
		final:      final,
		kind:       res.Kind,
		value:      st.value,
		descriptor: st.descriptor,
		schema:     st.schema,
		valueNodes: res.ValueNodes,
	}
}

// outboundGet 以记录键为坐标扇出 GetValue
//
// partial 非 nil 时，每当候选值变为更新的值就尝试发送一个部分结果，
// 通道已满时跳过。最终结果由返回值给出。
func (e *Engine) outboundGet(ctx context.Context, req getRequest, partial chan<- getResult) (getResult, error) {
	cs, err := e.cryptoSystem(req.key.Kind)
	if err != nil {
		return getResult{}, err
	}
	st := &getState{descriptor: req.descriptor, schema: req.schema, value: req.last}

	routine := func(ctx context.Context, nr routing.NodeRef) (fanout.CallOutput, error) {
		st.mu.Lock()
		wantDescriptor := st.descriptor == nil
		st.mu.Unlock()

		r := e.tr.GetValue(ctx, destination(nr, req.safety), req.key, req.subkey, wantDescriptor)
		if !r.IsValue() {
			logger.Debug("GetValue 无回答", "node", nr.String(), "result", r.String())
			return fanout.CallOutput{Disposition: fanout.DispositionTimeout}, nil
		}
		a := r.Value
		out := fanout.CallOutput{PeerInfos: a.Peers}

		st.mu.Lock()
		defer st.mu.Unlock()

		if a.Descriptor != nil && st.descriptor == nil {
			sch, err := record.ValidateDescriptor(cs, req.key, a.Descriptor)
			if err != nil {
				logger.Debug("节点返回无效描述符", "node", nr.String(), "err", err)
				out.Disposition = fanout.DispositionInvalid
				return out, nil
			}
			d := *a.Descriptor
			st.descriptor, st.schema = &d, sch
		}
		if a.Value == nil {
			out.Disposition = fanout.DispositionRejected
			return out, nil
		}
		if st.descriptor == nil {
			out.Disposition = fanout.DispositionInvalid
			return out, nil
		}
		if err := record.ValidateValue(cs, st.schema, req.key, st.descriptor.Owner, req.subkey, a.Value); err != nil {
			logger.Debug("节点返回无效值", "node", nr.String(), "err", err)
			out.Disposition = fanout.DispositionInvalid
			return out, nil
		}

		switch {
		case st.value == nil || a.Value.Value.Seq > st.value.Value.Seq:
			v := *a.Value
			st.value = &v
			st.partialPending = true
			out.Disposition = fanout.DispositionAcceptedNewer
		case a.Value.Value.Seq == st.value.Value.Seq && a.Value.Value.Equal(st.value.Value):
			out.Disposition = fanout.DispositionAccepted
		default:
			// 同序号不同内容或旧值
			out.Disposition = fanout.DispositionStale
		}
		return out, nil
	}

	checkDone := func(res fanout.Result) bool {
		if partial == nil {
			return false
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.partialPending && len(res.ValueNodes) > 0 {
			st.partialPending = false
			select {
			case partial <- st.snapshot(res, false):
			default:
			}
		}
		return false
	}

	res, err := e.fanout.Run(ctx, fanout.Call{
		Coordinate:     req.key,
		NodeCount:      e.cfg.MinPeerCount,
		Tasks:          e.cfg.GetValue.Fanout,
		ConsensusCount: e.cfg.GetValue.Count,
		Timeout:        e.cfg.GetValue.Timeout,
		Filter:         dhtFilter(),
		Routine:        routine,
		CheckDone:      checkDone,
	})
	e.metrics.DHTValue("get", res.Kind.String())

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(res, true), err
}

// ============================================================================
//                              GetValue
// ============================================================================

// GetValue 读取子键
//
// 本地已有值且不要求刷新时直接返回。否则向网络读取并返回第一个结果，
// 之后到达的更新值在后台写入本地，最终值与返回给调用方的不同时发布
// ValueChange。离线队列中的子键以本地值为准，不访问网络。
func (e *Engine) GetValue(ctx context.Context, key types.RecordKey, subkey types.ValueSubkey, forceRefresh bool) (*types.ValueData, error) {
	_, safety, err := e.openState(key)
	if err != nil {
		return nil, err
	}
	rec, sch, err := e.localRecord(key)
	if err != nil {
		return nil, err
	}
	if subkey > sch.MaxSubkey() {
		return nil, fmt.Errorf("%w: %d", schema.ErrSubkeyOutOfRange, subkey)
	}
	last, _ := rec.Get(subkey)
	if last != nil && !forceRefresh {
		return valueOf(last), nil
	}
	if e.isOffline(key, subkey) {
		return valueOf(last), nil
	}

	desc := rec.Descriptor
	req := getRequest{key: key, subkey: subkey, safety: safety, descriptor: &desc, schema: sch, last: last}
	results := make(chan getResult, 1)
	first := make(chan getResult, 1)
	started := e.goBackground(func(ctx context.Context) {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.processGetResults(key, subkey, results, first)
		}()
		final, err := e.outboundGet(ctx, req, results)
		if err != nil {
			logger.Debug("读取扇出中断", "key", key.ShortString(), "subkey", subkey, "err", err)
		}
		results <- final
	})
	if !started {
		return nil, ErrNotStarted
	}

	select {
	case r := <-first:
		return valueOf(r.value), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// processGetResults 消费读取结果：第一个交给调用方，更新的值写入本地
func (e *Engine) processGetResults(key types.RecordKey, subkey types.ValueSubkey, results <-chan getResult, first chan<- getResult) {
	var (
		delivered *types.SignedValueData
		sent      bool
	)
	for r := range results {
		if r.value != nil {
			if _, err := e.setLocalValue(key, subkey, *r.value); err != nil {
				logger.Warn("写入读取结果失败", "key", key.ShortString(), "subkey", subkey, "err", err)
			}
		}
		if !sent {
			sent = true
			delivered = r.value
			first <- r
		}
		if !r.final {
			continue
		}
		if r.value != nil && (delivered == nil || !r.value.Value.Equal(delivered.Value)) {
			logger.Debug("读取得到更新的值", "key", key.ShortString(), "subkey", subkey, "seq", r.value.Value.Seq)
			e.emit(ValueChange{Key: key, Subkeys: types.SingleSubkey(subkey), Value: valueOf(r.value)})
		}
		return
	}
}
