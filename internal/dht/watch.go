package dht

import (
	"context"
	"fmt"
	"sync"

	"github.com/dep2p/go-overlay/internal/core/fanout"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/internal/core/rpc"
	"github.com/dep2p/go-overlay/internal/dht/record"
	"github.com/dep2p/go-overlay/internal/dht/schema"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              入站监听
// ============================================================================

// inboundWatch 其他节点在本节点登记的监听
type inboundWatch struct {
	id         uint64
	watcher    types.PublicKey
	dest       rpc.Destination
	subkeys    types.ValueSubkeyRangeSet
	expiration types.Timestamp
	count      uint32
}

// HandleWatchValue 登记、更新或取消监听
//
// 只监听本节点持有的记录。有效期截断到上限，子键为空表示全部子键，
// Count 为 0 表示取消。
func (e *Engine) HandleWatchValue(_ context.Context, q *rpc.WatchValueQuestion, watcher rpc.Destination) (*rpc.WatchValueAnswer, error) {
	rec, _ := e.findRecord(q.Key)
	if rec == nil {
		return &rpc.WatchValueAnswer{}, nil
	}
	sch, err := rec.Schema()
	if err != nil {
		return nil, err
	}
	now := e.rt.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.watches[q.Key]

	if q.Count == 0 {
		e.setWatchesLocked(q.Key, removeWatch(list, q.WatchID, q.Watcher))
		return &rpc.WatchValueAnswer{Accepted: true, WatchID: q.WatchID}, nil
	}

	maxExp := now.Add(e.cfg.MaxWatchExpiration)
	exp := q.Expiration
	if exp == 0 || exp > maxExp {
		exp = maxExp
	}
	if exp <= now {
		return &rpc.WatchValueAnswer{}, nil
	}
	subkeys := schema.Subkeys(sch)
	if !q.Subkeys.IsEmpty() {
		subkeys = q.Subkeys.Intersect(subkeys)
	}
	if subkeys.IsEmpty() {
		return &rpc.WatchValueAnswer{}, nil
	}

	if q.WatchID != 0 {
		for _, w := range list {
			if w.id == q.WatchID && w.watcher == q.Watcher {
				w.dest, w.subkeys, w.expiration, w.count = watcher, subkeys, exp, q.Count
				return &rpc.WatchValueAnswer{Accepted: true, Expiration: exp, WatchID: w.id}, nil
			}
		}
		return &rpc.WatchValueAnswer{}, nil
	}
	if len(list) >= e.cfg.MaxWatchesPerRecord {
		logger.Debug("记录监听数已满", "key", q.Key.ShortString(), "watches", len(list))
		return &rpc.WatchValueAnswer{}, nil
	}
	e.nextWatchID++
	w := &inboundWatch{
		id:         e.nextWatchID,
		watcher:    q.Watcher,
		dest:       watcher,
		subkeys:    subkeys,
		expiration: exp,
		count:      q.Count,
	}
	e.watches[q.Key] = append(list, w)
	logger.Debug("登记入站监听", "key", q.Key.ShortString(), "id", w.id, "subkeys", subkeys.String(), "count", q.Count)
	return &rpc.WatchValueAnswer{Accepted: true, Expiration: exp, WatchID: w.id}, nil
}

func removeWatch(list []*inboundWatch, id uint64, watcher types.PublicKey) []*inboundWatch {
	out := make([]*inboundWatch, 0, len(list))
	for _, w := range list {
		if w.id == id && w.watcher == watcher {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (e *Engine) setWatchesLocked(key types.RecordKey, list []*inboundWatch) {
	if len(list) == 0 {
		delete(e.watches, key)
		return
	}
	e.watches[key] = list
}

// InboundWatchCount 记录上的有效入站监听数
func (e *Engine) InboundWatchCount(key types.RecordKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watches[key])
}

// notifyWatchers 子键变化后向覆盖它的入站监听发送 ValueChanged
//
// exclude 非 nil 时跳过该监听者，它的剩余次数不变。
func (e *Engine) notifyWatchers(key types.RecordKey, subkey types.ValueSubkey, sv *types.SignedValueData, exclude *types.PublicKey) {
	type note struct {
		dest rpc.Destination
		stmt rpc.ValueChangedStatement
	}
	now := e.rt.Now()
	v := *sv

	var notes []note
	e.mu.Lock()
	list := e.watches[key]
	kept := make([]*inboundWatch, 0, len(list))
	for _, w := range list {
		if w.expiration <= now {
			continue
		}
		if w.subkeys.Contains(subkey) && (exclude == nil || w.watcher != *exclude) {
			w.count--
			notes = append(notes, note{dest: w.dest, stmt: rpc.ValueChangedStatement{
				Key:     key,
				Subkeys: types.SingleSubkey(subkey),
				Count:   w.count,
				WatchID: w.id,
				Value:   &v,
			}})
			if w.count == 0 {
				continue
			}
		}
		kept = append(kept, w)
	}
	e.setWatchesLocked(key, kept)
	e.mu.Unlock()

	for _, n := range notes {
		n := n
		ok := e.goBackground(func(ctx context.Context) {
			if r := e.tr.ValueChanged(ctx, n.dest, n.stmt); !r.IsValue() {
				logger.Debug("发送变化通知失败", "dest", n.dest.String(), "result", r.String())
			}
		})
		if !ok {
			return
		}
	}
}

// expireWatches 清理过期的入站与出站监听
func (e *Engine) expireWatches() {
	now := e.rt.Now()
	var ended []ValueChange

	e.mu.Lock()
	for key, list := range e.watches {
		kept := make([]*inboundWatch, 0, len(list))
		for _, w := range list {
			if w.expiration > now {
				kept = append(kept, w)
			}
		}
		e.setWatchesLocked(key, kept)
	}
	for key, or := range e.opened {
		if or.watch != nil && or.watch.expiration <= now {
			ended = append(ended, ValueChange{Key: key, Subkeys: or.watch.subkeys})
			or.watch = nil
		}
	}
	e.mu.Unlock()

	for _, c := range ended {
		logger.Debug("出站监听已过期", "key", c.Key.ShortString())
		e.emit(c)
	}
}

// ============================================================================
//                              出站监听
// ============================================================================

type watchNode struct {
	nr         routing.NodeRef
	id         uint64
	expiration types.Timestamp
}

// outboundWatch 本节点在其他节点登记的监听
type outboundWatch struct {
	subkeys    types.ValueSubkeyRangeSet
	expiration types.Timestamp
	count      uint32
	safety     types.SafetySelection
	nodes      []watchNode
}

func (w *outboundWatch) hasID(id uint64) bool {
	for _, n := range w.nodes {
		if n.id == id {
			return true
		}
	}
	return false
}

// watcherKey 本节点在该加密系统下的公钥
func (e *Engine) watcherKey(kind types.CryptoKind) types.PublicKey {
	if id, ok := e.id.NodeID(kind); ok {
		return id.Value
	}
	return e.id.BestNodeID().Value
}

// WatchValues 在离记录最近的节点上登记监听，返回实际有效期
//
// 返回 0 表示没有节点接受。count 为 0 等同于 CancelWatch。
// 已有监听时向原节点更新，不再接受的原节点会收到取消。
func (e *Engine) WatchValues(ctx context.Context, key types.RecordKey, subkeys types.ValueSubkeyRangeSet, expiration types.Timestamp, count uint32) (types.Timestamp, error) {
	_, safety, err := e.openState(key)
	if err != nil {
		return 0, err
	}
	_, sch, err := e.localRecord(key)
	if err != nil {
		return 0, err
	}
	full := schema.Subkeys(sch)
	if subkeys.IsEmpty() {
		subkeys = full
	} else {
		subkeys = subkeys.Intersect(full)
	}
	if subkeys.IsEmpty() {
		return 0, fmt.Errorf("%w: no subkeys in range", schema.ErrSubkeyOutOfRange)
	}
	if count == 0 {
		_, err := e.CancelWatch(ctx, key, subkeys)
		return 0, err
	}

	watcher := e.watcherKey(key.Kind)
	prevIDs := make(map[types.TypedKey]uint64)
	e.mu.Lock()
	if or := e.opened[key]; or != nil && or.watch != nil {
		for _, n := range or.watch.nodes {
			prevIDs[n.nr.BestNodeID()] = n.id
		}
	}
	e.mu.Unlock()

	var (
		mu       sync.Mutex
		accepted []watchNode
	)
	res, err := e.fanout.Run(ctx, fanout.Call{
		Coordinate:     key,
		NodeCount:      e.cfg.MinPeerCount,
		Tasks:          e.cfg.WatchValue.Fanout,
		ConsensusCount: e.cfg.WatchValue.Count,
		Timeout:        e.cfg.WatchValue.Timeout,
		Filter:         dhtFilter(types.CapabilityDHTWatch),
		Routine: func(ctx context.Context, nr routing.NodeRef) (fanout.CallOutput, error) {
			q := rpc.WatchValueQuestion{
				Key:        key,
				Subkeys:    subkeys,
				Expiration: expiration,
				Count:      count,
				WatchID:    prevIDs[nr.BestNodeID()],
				Watcher:    watcher,
			}
			r := e.tr.WatchValue(ctx, destination(nr, safety), q)
			if !r.IsValue() {
				return fanout.CallOutput{Disposition: fanout.DispositionTimeout}, nil
			}
			out := fanout.CallOutput{PeerInfos: r.Value.Peers, Disposition: fanout.DispositionRejected}
			if r.Value.Accepted && r.Value.WatchID != 0 {
				mu.Lock()
				accepted = append(accepted, watchNode{nr: nr, id: r.Value.WatchID, expiration: r.Value.Expiration})
				mu.Unlock()
				out.Disposition = fanout.DispositionAccepted
			}
			return out, nil
		},
	})
	e.metrics.DHTValue("watch", res.Kind.String())
	if err != nil {
		return 0, err
	}

	mu.Lock()
	nodes := append([]watchNode(nil), accepted...)
	mu.Unlock()

	w := &outboundWatch{subkeys: subkeys, count: count, safety: safety, nodes: nodes}
	for i, n := range nodes {
		if i == 0 || n.expiration < w.expiration {
			w.expiration = n.expiration
		}
	}

	e.mu.Lock()
	or, ok := e.opened[key]
	var old *outboundWatch
	if ok {
		old = or.watch
		if len(nodes) > 0 {
			or.watch = w
		} else {
			or.watch = nil
		}
	}
	e.mu.Unlock()

	if !ok {
		e.cancelWatchNodes(ctx, key, w)
		return 0, fmt.Errorf("%w: %s", ErrRecordNotOpen, key.ShortString())
	}
	if old != nil {
		e.cancelWatchNodes(ctx, key, old.without(nodes))
	}
	logger.Debug("出站监听", "key", key.ShortString(), "nodes", len(nodes), "result", res.Kind.String())
	if len(nodes) == 0 {
		return 0, nil
	}
	return w.expiration, nil
}

// without 去掉仍在 keep 中的节点
func (w *outboundWatch) without(keep []watchNode) *outboundWatch {
	out := &outboundWatch{safety: w.safety}
	for _, n := range w.nodes {
		found := false
		for _, k := range keep {
			if k.nr.BestNodeID() == n.nr.BestNodeID() && k.id == n.id {
				found = true
				break
			}
		}
		if !found {
			out.nodes = append(out.nodes, n)
		}
	}
	return out
}

// CancelWatch 取消部分或全部子键的出站监听，返回是否仍有监听
func (e *Engine) CancelWatch(ctx context.Context, key types.RecordKey, subkeys types.ValueSubkeyRangeSet) (bool, error) {
	e.mu.Lock()
	or, ok := e.opened[key]
	if !ok {
		e.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrRecordNotOpen, key.ShortString())
	}
	w := or.watch
	if w == nil {
		e.mu.Unlock()
		return false, nil
	}
	if subkeys.IsEmpty() {
		subkeys = w.subkeys
	}
	remaining := w.subkeys.Difference(subkeys)
	if remaining.IsEmpty() {
		or.watch = nil
		e.mu.Unlock()
		e.cancelWatchNodes(ctx, key, w)
		return false, nil
	}
	exp, count := w.expiration, w.count
	e.mu.Unlock()

	newExp, err := e.WatchValues(ctx, key, remaining, exp, count)
	return newExp != 0, err
}

// cancelWatchNodes 通知节点取消监听，失败只记录日志
func (e *Engine) cancelWatchNodes(ctx context.Context, key types.RecordKey, w *outboundWatch) {
	watcher := e.watcherKey(key.Kind)
	for _, n := range w.nodes {
		q := rpc.WatchValueQuestion{Key: key, Count: 0, WatchID: n.id, Watcher: watcher}
		if r := e.tr.WatchValue(ctx, destination(n.nr, w.safety), q); !r.IsValue() {
			logger.Debug("取消监听失败", "key", key.ShortString(), "node", n.nr.String(), "result", r.String())
		}
	}
}

// HasWatch 记录是否有出站监听
func (e *Engine) HasWatch(key types.RecordKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	or, ok := e.opened[key]
	return ok && or.watch != nil
}

// HandleValueChanged 处理出站监听收到的变化通知
//
// 值必须通过模式与签名检查，比本地新时写入并发布 ValueChange；
// 多个监听节点发来的重复通知只发布一次。
func (e *Engine) HandleValueChanged(_ context.Context, s *rpc.ValueChangedStatement) error {
	e.mu.Lock()
	or, ok := e.opened[s.Key]
	if !ok || or.watch == nil || !or.watch.hasID(s.WatchID) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s id %d", ErrUnknownWatch, s.Key.ShortString(), s.WatchID)
	}
	w := or.watch
	// 发来通知的节点已经持有该值
	var sender *types.PublicKey
	for _, n := range w.nodes {
		if n.id == s.WatchID {
			id := n.nr.BestNodeID().Value
			sender = &id
			break
		}
	}
	if s.Count == 0 {
		kept := w.nodes[:0:0]
		for _, n := range w.nodes {
			if n.id != s.WatchID {
				kept = append(kept, n)
			}
		}
		w.nodes = kept
		if len(kept) == 0 {
			or.watch = nil
		}
	}
	if s.Count < w.count {
		w.count = s.Count
	}
	e.mu.Unlock()

	change := ValueChange{Key: s.Key, Subkeys: s.Subkeys, Count: s.Count}
	if s.Value == nil {
		e.emit(change)
		return nil
	}

	subkey, ok := s.Subkeys.First()
	if !ok {
		return fmt.Errorf("%w: value without subkey", rpc.ErrInvalidOperation)
	}
	rec, sch, err := e.localRecord(s.Key)
	if err != nil {
		return err
	}
	cs, err := e.cryptoSystem(s.Key.Kind)
	if err != nil {
		return err
	}
	if err := record.ValidateValue(cs, sch, s.Key, rec.Owner(), subkey, s.Value); err != nil {
		return err
	}
	stored, err := e.storeLocalValue(s.Key, subkey, *s.Value, sender)
	if err != nil {
		return err
	}
	if stored || s.Count == 0 {
		change.Value = valueOf(s.Value)
		e.emit(change)
	}
	return nil
}
