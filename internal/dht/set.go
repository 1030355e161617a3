package dht

import (
	"bytes"
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
//                              出站写入
// ============================================================================

type setRequest struct {
	key        types.RecordKey
	subkey     types.ValueSubkey
	safety     types.SafetySelection
	descriptor types.SignedValueDescriptor
	schema     schema.Schema
	value      types.SignedValueData
}

type setState struct {
	mu     sync.Mutex
	value  types.SignedValueData
	misses int
}

// outboundSet 以记录键为坐标扇出 SetValue，返回网络上最终的值
//
// 节点拒绝并返回更新的值时，候选值换成该值并重新求共识；
// 连续未接受的节点数达到共识数且已有一半接受时提前结束。
func (e *Engine) outboundSet(ctx context.Context, req setRequest) (types.SignedValueData, fanout.Result, error) {
	cs, err := e.cryptoSystem(req.key.Kind)
	if err != nil {
		return req.value, fanout.Result{}, err
	}
	consensus := e.cfg.SetValue.Count
	st := &setState{value: req.value}

	routine := func(ctx context.Context, nr routing.NodeRef) (fanout.CallOutput, error) {
		st.mu.Lock()
		candidate := st.value
		st.mu.Unlock()

		r := e.tr.SetValue(ctx, destination(nr, req.safety), req.key, req.subkey, candidate, &req.descriptor)
		if !r.IsValue() {
			logger.Debug("SetValue 无回答", "node", nr.String(), "result", r.String())
			return fanout.CallOutput{Disposition: fanout.DispositionTimeout}, nil
		}
		a := r.Value
		out := fanout.CallOutput{PeerInfos: a.Peers}

		if a.Value == nil {
			if a.Set {
				out.Disposition = fanout.DispositionAccepted
				return out, nil
			}
			st.mu.Lock()
			st.misses++
			st.mu.Unlock()
			out.Disposition = fanout.DispositionRejected
			return out, nil
		}
		if err := record.ValidateValue(cs, req.schema, req.key, req.descriptor.Owner, req.subkey, a.Value); err != nil {
			logger.Debug("节点返回无效值", "node", nr.String(), "err", err)
			out.Disposition = fanout.DispositionInvalid
			return out, nil
		}

		st.mu.Lock()
		defer st.mu.Unlock()
		got := a.Value.Value
		switch {
		case got.Equal(st.value.Value) && !got.Equal(candidate.Value):
			// 节点已经有了其他调用换上的候选值
			out.Disposition = fanout.DispositionAccepted
		case got.Equal(candidate.Value):
			out.Disposition = fanout.DispositionInvalid
		case got.Seq > st.value.Value.Seq:
			st.value = *a.Value
			st.misses = 0
			out.Disposition = fanout.DispositionAcceptedNewerRestart
		case got.Seq < candidate.Value.Seq:
			out.Disposition = fanout.DispositionInvalid
		default:
			// 同序号不同内容：节点保留先到的值。这里只记为拒绝，
			// 不换候选值，调用方拿回自己的值，由下一次更高序号的写入覆盖。
			st.misses++
			out.Disposition = fanout.DispositionRejected
		}
		return out, nil
	}

	checkDone := func(res fanout.Result) bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(res.ValueNodes) >= (consensus+1)/2 && st.misses >= consensus
	}

	res, err := e.fanout.Run(ctx, fanout.Call{
		Coordinate:     req.key,
		NodeCount:      e.cfg.MinPeerCount,
		Tasks:          e.cfg.SetValue.Fanout,
		ConsensusCount: consensus,
		Timeout:        e.cfg.SetValue.Timeout,
		Filter:         dhtFilter(),
		Routine:        routine,
		CheckDone:      checkDone,
	})
	e.metrics.DHTValue("set", res.Kind.String())

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.value, res, err
}

// offlineWorthy 没有任何节点持有值
func offlineWorthy(res fanout.Result) bool {
	return res.Kind != fanout.ResultConsensus && len(res.ValueNodes) == 0
}

// ============================================================================
//                              SetValue
// ============================================================================

// SetValue 写入子键，返回网络上最终的值
//
// writer 为 nil 时使用打开记录时的写入者。数据与本地值相同时不访问网络。
// 返回值与写入的数据不同说明网络上已有更新的值，该值会写入本地并发布
// ValueChange。没有任何节点接受时子键进入离线队列。
func (e *Engine) SetValue(ctx context.Context, key types.RecordKey, subkey types.ValueSubkey, data []byte, writer *types.KeyPair) (*types.ValueData, error) {
	openWriter, safety, err := e.openState(key)
	if err != nil {
		return nil, err
	}
	cs, err := e.cryptoSystem(key.Kind)
	if err != nil {
		return nil, err
	}
	if writer == nil {
		writer = openWriter
	} else if err := e.checkWriter(cs, writer); err != nil {
		return nil, err
	}
	if writer == nil {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, key.ShortString())
	}

	rec, sch, err := e.localRecord(key)
	if err != nil {
		return nil, err
	}
	last, _ := rec.Get(subkey)
	if last != nil && last.Value.Writer == writer.Key && bytes.Equal(last.Value.Data, data) {
		return valueOf(last), nil
	}
	var seq types.ValueSeqNum
	if last != nil {
		seq = last.Value.Seq + 1
	}
	vd, err := types.NewValueData(seq, data, writer.Key)
	if err != nil {
		return nil, err
	}
	if err := sch.CheckSubkeyValueData(rec.Owner(), subkey, &vd); err != nil {
		return nil, err
	}
	sv, err := record.SignValue(cs, key, subkey, vd, writer.Secret)
	if err != nil {
		return nil, err
	}
	if _, err := e.setLocalValue(key, subkey, sv); err != nil {
		return nil, err
	}

	final, res, err := e.outboundSet(ctx, setRequest{
		key: key, subkey: subkey, safety: safety,
		descriptor: rec.Descriptor, schema: sch, value: sv,
	})
	if err != nil {
		e.addOffline(key, subkey, safety)
		return nil, err
	}
	if offlineWorthy(res) {
		logger.Debug("写入未送达任何节点，加入离线队列", "key", key.ShortString(), "subkey", subkey, "result", res.Kind.String())
		e.addOffline(key, subkey, safety)
	}
	e.adoptNewer(key, subkey, sv, final)
	return valueOf(&final), nil
}

// adoptNewer 网络上的值比写入的新时写入本地并发布
func (e *Engine) adoptNewer(key types.RecordKey, subkey types.ValueSubkey, sent, final types.SignedValueData) {
	if final.Value.Equal(sent.Value) {
		return
	}
	if _, err := e.setLocalValue(key, subkey, final); err != nil {
		logger.Warn("写入更新的值失败", "key", key.ShortString(), "subkey", subkey, "err", err)
		return
	}
	e.emit(ValueChange{Key: key, Subkeys: types.SingleSubkey(subkey), Value: valueOf(&final)})
}
