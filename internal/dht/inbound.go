package dht

import (
	"context"
	"fmt"

	"github.com/dep2p/go-overlay/internal/core/rpc"
	"github.com/dep2p/go-overlay/internal/dht/record"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              入站读写
// ============================================================================

// findRecord 本地记录优先，其次远端缓存
func (e *Engine) findRecord(key types.RecordKey) (*record.Record, *record.Store) {
	if rec, ok := e.local.Get(key); ok {
		return rec, e.local
	}
	if rec, ok := e.remote.Get(key); ok {
		return rec, e.remote
	}
	return nil, nil
}

// HandleGetValue 回答 GetValue，没有记录时只由处理器附上更近的节点
func (e *Engine) HandleGetValue(_ context.Context, q *rpc.GetValueQuestion) (*rpc.GetValueAnswer, error) {
	a := &rpc.GetValueAnswer{}
	rec, _ := e.findRecord(q.Key)
	if rec == nil {
		e.metrics.DHTValue("inbound_get", "miss")
		return a, nil
	}
	a.Value, _ = rec.Get(q.Subkey)
	if q.WantDescriptor {
		d := rec.Descriptor
		a.Descriptor = &d
	}
	e.metrics.DHTValue("inbound_get", "hit")
	return a, nil
}

// HandleSetValue 回答 SetValue
//
// 未知记录必须附带描述符，存入远端缓存。只接受序号更大的值；
// 同序号不同内容时保留先到的值并返回它。
func (e *Engine) HandleSetValue(_ context.Context, q *rpc.SetValueQuestion) (*rpc.SetValueAnswer, error) {
	a, changed, err := e.storeInbound(q)
	if err != nil {
		e.metrics.DHTValue("inbound_set", "invalid")
		return nil, err
	}
	if changed {
		e.metrics.DHTValue("inbound_set", "stored")
		e.notifyWatchers(q.Key, q.Subkey, &q.Value, nil)
	} else {
		e.metrics.DHTValue("inbound_set", "kept")
	}
	return a, nil
}

func (e *Engine) storeInbound(q *rpc.SetValueQuestion) (*rpc.SetValueAnswer, bool, error) {
	cs, err := e.cryptoSystem(q.Key.Kind)
	if err != nil {
		return nil, false, err
	}

	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	rec, store := e.findRecord(q.Key)
	switch {
	case rec == nil && q.Descriptor == nil:
		return &rpc.SetValueAnswer{}, false, nil
	case rec == nil:
		sch, err := record.ValidateDescriptor(cs, q.Key, q.Descriptor)
		if err != nil {
			return nil, false, err
		}
		rec = record.New(q.Key, *q.Descriptor, sch, e.rt.Now())
		store = e.remote
	case q.Descriptor != nil && !q.Descriptor.Equal(&rec.Descriptor):
		return nil, false, fmt.Errorf("%w: %s", ErrDescriptorMismatch, q.Key.ShortString())
	}

	sch, err := rec.Schema()
	if err != nil {
		return nil, false, err
	}
	if err := record.ValidateValue(cs, sch, q.Key, rec.Owner(), q.Subkey, &q.Value); err != nil {
		return nil, false, err
	}

	if old, ok := rec.Get(q.Subkey); ok {
		switch {
		case old.Value.Seq > q.Value.Value.Seq:
			return &rpc.SetValueAnswer{Value: old}, false, nil
		case old.Value.Seq == q.Value.Value.Seq && old.Value.Equal(q.Value.Value):
			return &rpc.SetValueAnswer{Set: true}, false, nil
		case old.Value.Seq == q.Value.Value.Seq:
			return &rpc.SetValueAnswer{Value: old}, false, nil
		}
	}

	if err := rec.Set(q.Subkey, q.Value); err != nil {
		return nil, false, err
	}
	rec.LastTouched = e.rt.Now()
	if err := store.Put(rec); err != nil {
		return nil, false, err
	}
	return &rpc.SetValueAnswer{Set: true}, true, nil
}
