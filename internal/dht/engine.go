package dht

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-overlay/internal/core/eventbus"
	"github.com/dep2p/go-overlay/internal/core/fanout"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/internal/core/rpc"
	"github.com/dep2p/go-overlay/internal/core/storage/kv"
	"github.com/dep2p/go-overlay/internal/dht/record"
	"github.com/dep2p/go-overlay/internal/dht/schema"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("dht")

// Transport 引擎使用的 RPC 操作，由 *rpc.Processor 实现
type Transport interface {
	GetValue(ctx context.Context, dest rpc.Destination, key types.RecordKey, subkey types.ValueSubkey, wantDescriptor bool) types.NetworkResult[*rpc.GetValueAnswer]
	SetValue(ctx context.Context, dest rpc.Destination, key types.RecordKey, subkey types.ValueSubkey,
		value types.SignedValueData, descriptor *types.SignedValueDescriptor) types.NetworkResult[*rpc.SetValueAnswer]
	WatchValue(ctx context.Context, dest rpc.Destination, q rpc.WatchValueQuestion) types.NetworkResult[*rpc.WatchValueAnswer]
	ValueChanged(ctx context.Context, dest rpc.Destination, s rpc.ValueChangedStatement) types.NetworkResult[struct{}]
}

var _ rpc.DHTHandler = (*Engine)(nil)

// RecordInfo 打开或创建记录后的描述
type RecordInfo struct {
	Key        types.RecordKey
	Descriptor types.SignedValueDescriptor
	Schema     schema.Schema

	// OwnerSecret 只在创建记录时返回
	OwnerSecret *types.SecretKey
}

// Owner 所有者公钥
func (ri RecordInfo) Owner() types.PublicKey {
	return ri.Descriptor.Owner
}

// openedRecord 本节点打开的记录
type openedRecord struct {
	writer *types.KeyPair
	safety types.SafetySelection
	watch  *outboundWatch
}

// Engine DHT 引擎
type Engine struct {
	cfg     Config
	clock   clock.Clock
	rt      *routing.RoutingTable
	id      *identity.Identity
	reg     *crypto.Registry
	tr      Transport
	fanout  *fanout.Fanout
	metrics *metrics.Metrics

	local   *record.Store
	remote  *record.Store
	emitter *eventbus.Emitter[ValueChange]

	// storeMu 串行化记录的读改写
	storeMu sync.Mutex

	mu          sync.Mutex
	opened      map[types.RecordKey]*openedRecord
	watches     map[types.RecordKey][]*inboundWatch
	nextWatchID uint64
	offline     map[types.RecordKey]*offlineEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建引擎，从表存储恢复本地记录与远端缓存
func New(cfg Config, clk clock.Clock, rt *routing.RoutingTable, tr Transport, fo *fanout.Fanout,
	ts *kv.TableStore, bus *eventbus.Bus, m *metrics.Metrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	local, err := record.NewLocalStore(ts)
	if err != nil {
		return nil, fmt.Errorf("dht: load local records: %w", err)
	}
	remote, err := record.NewRemoteStore(ts, cfg.RemoteMaxRecords, cfg.RemoteRecordTTL, clk.Now())
	if err != nil {
		return nil, fmt.Errorf("dht: load remote records: %w", err)
	}
	emitter, err := eventbus.NewEmitter[ValueChange](bus)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		clock:   clk,
		rt:      rt,
		id:      rt.Identity(),
		reg:     rt.Registry(),
		tr:      tr,
		fanout:  fo,
		metrics: m,
		local:   local,
		remote:  remote,
		emitter: emitter,
		opened:  make(map[types.RecordKey]*openedRecord),
		watches: make(map[types.RecordKey][]*inboundWatch),
		offline: make(map[types.RecordKey]*offlineEntry),
	}, nil
}

// Start 启动离线重试与监听清理
func (e *Engine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.tickLoop(e.ctx)
	logger.Info("DHT 引擎已启动", "localRecords", e.local.Len(), "remoteRecords", e.remote.Len())
	return nil
}

// Stop 停止后台任务并等待进行中的延后处理
func (e *Engine) Stop(_ context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	if cancel != nil {
		cancel()
	}
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	e.wg.Wait()
	logger.Info("DHT 引擎已停止")
	return e.emitter.Close()
}

// goBackground 在引擎生命周期内运行 fn，引擎未运行时返回 false
func (e *Engine) goBackground(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	if e.ctx == nil || e.ctx.Err() != nil {
		e.mu.Unlock()
		return false
	}
	ctx := e.ctx
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
	return true
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()
	t := e.clock.Ticker(e.cfg.OfflineRetryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.expireWatches()
			e.retryOffline(ctx)
		}
	}
}

// ============================================================================
//                              记录生命周期
// ============================================================================

func (e *Engine) cryptoSystem(kind types.CryptoKind) (crypto.CryptoSystem, error) {
	cs, ok := e.reg.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	return cs, nil
}

func (e *Engine) checkWriter(cs crypto.CryptoSystem, writer *types.KeyPair) error {
	if writer != nil && !cs.ValidateKeyPair(writer.Key, writer.Secret) {
		return ErrInvalidWriter
	}
	return nil
}

// CreateRecord 创建新记录并打开
//
// owner 为 nil 时生成新的所有者密钥对，通过 RecordInfo.OwnerSecret 返回。
func (e *Engine) CreateRecord(kind types.CryptoKind, sch schema.Schema, owner *types.KeyPair, safety types.SafetySelection) (RecordInfo, error) {
	cs, err := e.cryptoSystem(kind)
	if err != nil {
		return RecordInfo{}, err
	}
	if owner == nil {
		kp, err := cs.GenerateKeyPair()
		if err != nil {
			return RecordInfo{}, err
		}
		owner = &kp
	} else if err := e.checkWriter(cs, owner); err != nil {
		return RecordInfo{}, err
	}

	data := sch.Data()
	key := record.KeyFor(cs, owner.Key, data)
	desc, err := record.NewDescriptor(cs, *owner, data)
	if err != nil {
		return RecordInfo{}, err
	}

	e.storeMu.Lock()
	if e.local.Has(key) {
		e.storeMu.Unlock()
		return RecordInfo{}, fmt.Errorf("%w: %s", ErrRecordExists, key.ShortString())
	}
	err = e.local.Put(record.New(key, desc, sch, e.rt.Now()))
	e.storeMu.Unlock()
	if err != nil {
		return RecordInfo{}, err
	}

	writer := *owner
	e.mu.Lock()
	e.opened[key] = &openedRecord{writer: &writer, safety: safety}
	e.mu.Unlock()

	logger.Debug("创建记录", "key", key.ShortString(), "schema", sch.Kind().String(), "subkeys", sch.SubkeyCount())
	secret := owner.Secret
	return RecordInfo{Key: key, Descriptor: desc, Schema: sch, OwnerSecret: &secret}, nil
}

// OpenRecord 打开记录，本地没有时从网络取回描述符
//
// 重复打开会替换写入者与安全选择，已有的出站监听保留。
func (e *Engine) OpenRecord(ctx context.Context, key types.RecordKey, writer *types.KeyPair, safety types.SafetySelection) (RecordInfo, error) {
	cs, err := e.cryptoSystem(key.Kind)
	if err != nil {
		return RecordInfo{}, err
	}
	if err := e.checkWriter(cs, writer); err != nil {
		return RecordInfo{}, err
	}

	rec, ok := e.local.Get(key)
	if !ok {
		rec, err = e.fetchRecord(ctx, key, safety)
		if err != nil {
			return RecordInfo{}, err
		}
	}
	sch, err := rec.Schema()
	if err != nil {
		return RecordInfo{}, err
	}

	var w *types.KeyPair
	if writer != nil {
		kp := *writer
		w = &kp
	}
	e.mu.Lock()
	if or, ok := e.opened[key]; ok {
		or.writer = w
		or.safety = safety
	} else {
		e.opened[key] = &openedRecord{writer: w, safety: safety}
	}
	e.mu.Unlock()

	return RecordInfo{Key: key, Descriptor: rec.Descriptor, Schema: sch}, nil
}

// fetchRecord 从网络读取描述符与子键 0，写入本地存储
func (e *Engine) fetchRecord(ctx context.Context, key types.RecordKey, safety types.SafetySelection) (*record.Record, error) {
	res, err := e.outboundGet(ctx, getRequest{key: key, subkey: 0, safety: safety}, nil)
	if err != nil {
		return nil, err
	}
	if res.descriptor == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key.ShortString())
	}

	e.storeMu.Lock()
	defer e.storeMu.Unlock()
	if rec, ok := e.local.Get(key); ok {
		return rec, nil
	}
	rec := record.New(key, *res.descriptor, res.schema, e.rt.Now())
	if res.value != nil {
		if err := rec.Set(0, *res.value); err != nil {
			return nil, err
		}
	}
	if err := e.local.Put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CloseRecord 关闭记录并取消出站监听
func (e *Engine) CloseRecord(ctx context.Context, key types.RecordKey) error {
	e.mu.Lock()
	or, ok := e.opened[key]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordNotOpen, key.ShortString())
	}
	delete(e.opened, key)
	w := or.watch
	or.watch = nil
	e.mu.Unlock()

	if w != nil {
		e.cancelWatchNodes(ctx, key, w)
	}
	return nil
}

// DeleteRecord 关闭并删除本地记录
func (e *Engine) DeleteRecord(ctx context.Context, key types.RecordKey) error {
	if e.isOpen(key) {
		if err := e.CloseRecord(ctx, key); err != nil {
			return err
		}
	}
	e.mu.Lock()
	delete(e.offline, key)
	delete(e.watches, key)
	e.mu.Unlock()

	e.storeMu.Lock()
	defer e.storeMu.Unlock()
	if !e.local.Has(key) {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, key.ShortString())
	}
	return e.local.Delete(key)
}

// RecordKeys 本地记录键
func (e *Engine) RecordKeys() []types.RecordKey {
	return e.local.Keys()
}

func (e *Engine) isOpen(key types.RecordKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.opened[key]
	return ok
}

// openState 打开状态的快照
func (e *Engine) openState(key types.RecordKey) (writer *types.KeyPair, safety types.SafetySelection, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	or, ok := e.opened[key]
	if !ok {
		return nil, safety, fmt.Errorf("%w: %s", ErrRecordNotOpen, key.ShortString())
	}
	return or.writer, or.safety, nil
}

// destination 按记录的安全选择构造目标
func destination(nr routing.NodeRef, safety types.SafetySelection) rpc.Destination {
	d := rpc.Direct(nr)
	if safety.IsSafe() {
		d = d.WithSafety(safety)
	}
	return d
}

// dhtFilter 具备 DHT 能力的节点
func dhtFilter(caps ...types.Capability) func(routing.NodeRef) bool {
	return routing.FilterHasPeerInfo(types.RoutingDomainPublicInternet, append([]types.Capability{types.CapabilityDHT}, caps...)...)
}

// ============================================================================
//                              本地存储
// ============================================================================

// localRecord 本地记录及其模式
func (e *Engine) localRecord(key types.RecordKey) (*record.Record, schema.Schema, error) {
	rec, ok := e.local.Get(key)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key.ShortString())
	}
	sch, err := rec.Schema()
	if err != nil {
		return nil, nil, err
	}
	return rec, sch, nil
}

// setLocalValue 写入本地记录，只接受更新的序号，返回是否写入
//
// 写入后通知入站监听。
func (e *Engine) setLocalValue(key types.RecordKey, subkey types.ValueSubkey, sv types.SignedValueData) (bool, error) {
	return e.storeLocalValue(key, subkey, sv, nil)
}

// storeLocalValue 同 setLocalValue，通知时跳过 exclude
func (e *Engine) storeLocalValue(key types.RecordKey, subkey types.ValueSubkey, sv types.SignedValueData, exclude *types.PublicKey) (bool, error) {
	e.storeMu.Lock()
	rec, ok := e.local.Get(key)
	if !ok {
		e.storeMu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrRecordNotFound, key.ShortString())
	}
	if old, ok := rec.Get(subkey); ok && old.Value.Seq >= sv.Value.Seq {
		e.storeMu.Unlock()
		return false, nil
	}
	if err := rec.Set(subkey, sv); err != nil {
		e.storeMu.Unlock()
		return false, err
	}
	rec.LastTouched = e.rt.Now()
	err := e.local.Put(rec)
	e.storeMu.Unlock()
	if err != nil {
		return false, err
	}
	e.notifyWatchers(key, subkey, &sv, exclude)
	return true, nil
}

func (e *Engine) emit(change ValueChange) {
	if err := e.emitter.Emit(change); err != nil {
		logger.Debug("发布值变化失败", "key", change.Key.ShortString(), "err", err)
	}
}

func valueOf(sv *types.SignedValueData) *types.ValueData {
	if sv == nil {
		return nil
	}
	v := sv.Value
	return &v
}
