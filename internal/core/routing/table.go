package routing

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/storage/kv"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/routing")

// RoutingTable 路由表
type RoutingTable struct {
	cfg      Config
	clock    clock.Clock
	registry *crypto.Registry
	identity *identity.Identity
	filter   *addrfilter.Filter
	store    *kv.Table

	// mu 保护以下字段；持有 mu 时可以再获取条目锁，反之不行
	mu          sync.RWMutex
	entries     map[types.TypedKey]*BucketEntry
	buckets     map[types.CryptoKind][]bucket
	ownPeerInfo map[types.RoutingDomain]*types.PeerInfo
	relays      map[types.RoutingDomain]NodeRef
	localNets   []netip.Prefix

	allowlist *expirable.LRU[types.TypedKey, struct{}]

	listenMu       sync.Mutex
	relayListeners []func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建路由表，store 可为 nil（不持久化）
func New(cfg Config, clk clock.Clock, id *identity.Identity, filter *addrfilter.Filter, store *kv.Table) (*RoutingTable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &RoutingTable{
		cfg:         cfg,
		clock:       clk,
		registry:    id.Registry(),
		identity:    id,
		filter:      filter,
		store:       store,
		entries:     make(map[types.TypedKey]*BucketEntry),
		buckets:     make(map[types.CryptoKind][]bucket),
		ownPeerInfo: make(map[types.RoutingDomain]*types.PeerInfo),
		relays:      make(map[types.RoutingDomain]NodeRef),
		localNets:   append([]netip.Prefix(nil), cfg.LocalNetworks...),
		allowlist:   expirable.NewLRU[types.TypedKey, struct{}](cfg.ClientAllowlistSize, nil, cfg.ClientAllowlistTimeout),
	}
	return rt, nil
}

// Identity 本节点身份
func (rt *RoutingTable) Identity() *identity.Identity {
	return rt.identity
}

// Registry 加密系统注册表
func (rt *RoutingTable) Registry() *crypto.Registry {
	return rt.registry
}

// Now 当前时间戳
func (rt *RoutingTable) Now() types.Timestamp {
	return types.TimestampFromTime(rt.clock.Now())
}

// ============================================================================
//                              登记
// ============================================================================

// supportedIDs 本地支持的加密系统下的 ID
func (rt *RoutingTable) supportedIDs(ids types.TypedKeyGroup) types.TypedKeyGroup {
	var out types.TypedKeyGroup
	for _, id := range ids {
		if rt.registry.Supports(id.Kind) {
			out = append(out, id)
		}
	}
	return out
}

func (rt *RoutingTable) checkIDs(ids types.TypedKeyGroup) (types.TypedKeyGroup, error) {
	if rt.identity.MatchesAny(ids) {
		return nil, ErrOwnNode
	}
	sup := rt.supportedIDs(ids)
	if len(sup) == 0 {
		return nil, ErrNoSupportedKind
	}
	if rt.filter != nil && rt.filter.IsAnyNodeIDPunished(sup) {
		return nil, ErrPunished
	}
	return sup, nil
}

// findOrCreateLocked 按任一 ID 找到条目，找不到则创建，并把新 ID 编入索引与桶
func (rt *RoutingTable) findOrCreateLocked(ids types.TypedKeyGroup, seen types.Timestamp) *BucketEntry {
	var e *BucketEntry
	for _, id := range ids {
		if x, ok := rt.entries[id]; ok {
			e = x
			break
		}
	}
	if e == nil {
		e = newBucketEntry(nil)
	}
	e.addNodeIDs(ids)
	e.touch(seen)

	indexed := false
	for _, id := range e.NodeIDs() {
		if rt.entries[id] == e {
			indexed = true
			continue
		}
		if !ids.Contains(id) {
			continue
		}
		if rt.addToBucketLocked(id, e) {
			rt.entries[id] = e
			indexed = true
		}
	}
	e.mu.Lock()
	e.inTable = indexed
	e.mu.Unlock()
	return e
}

// RegisterNodeWithPeerInfo 按节点信息登记，时间戳更新时替换已有信息
//
// 附带的中继节点信息一并登记。返回的引用限定在节点信息所属的路由域。
func (rt *RoutingTable) RegisterNodeWithPeerInfo(pi *types.PeerInfo) (NodeRef, error) {
	return rt.registerPeerInfo(pi, true)
}

func (rt *RoutingTable) registerPeerInfo(pi *types.PeerInfo, withRelay bool) (NodeRef, error) {
	if pi == nil || !pi.Validate() {
		return NodeRef{}, ErrInvalidPeerInfo
	}
	ids, err := rt.checkIDs(pi.NodeIDs)
	if err != nil {
		return NodeRef{}, err
	}

	if withRelay && pi.NodeInfo.RelayInfo != nil {
		if _, err := rt.registerPeerInfo(pi.NodeInfo.RelayInfo, false); err != nil && err != ErrOwnNode {
			logger.Debug("登记中继节点信息失败", "node", pi.NodeIDs.String(), "error", err)
		}
	}

	rt.mu.Lock()
	e := rt.findOrCreateLocked(ids, 0)
	rt.mu.Unlock()

	if e.updatePeerInfo(pi) {
		logger.Debug("更新节点信息", "node", ids.String(), "domain", pi.RoutingDomain.String(), "ts", pi.Timestamp())
	}
	return newNodeRef(rt, e).WithRoutingDomains(types.NewRoutingDomainSet(pi.RoutingDomain)), nil
}

// RegisterNodeWithID 按节点 ID 与收到消息的 Flow 登记
func (rt *RoutingTable) RegisterNodeWithID(domain types.RoutingDomain, id types.TypedKey, flow types.UniqueFlow, ts types.Timestamp) (NodeRef, error) {
	ids, err := rt.checkIDs(types.TypedKeyGroup{id})
	if err != nil {
		return NodeRef{}, err
	}
	rt.mu.Lock()
	e := rt.findOrCreateLocked(ids, ts)
	rt.mu.Unlock()

	e.setLastFlow(flow, ts)
	return newNodeRef(rt, e).WithRoutingDomains(types.NewRoutingDomainSet(domain)), nil
}

// LookupNodeRef 按节点 ID 查找，被惩罚的节点视为不存在
func (rt *RoutingTable) LookupNodeRef(id types.TypedKey) (NodeRef, bool) {
	rt.mu.RLock()
	e, ok := rt.entries[id]
	rt.mu.RUnlock()
	if !ok {
		return NodeRef{}, false
	}
	nr := newNodeRef(rt, e)
	if nr.IsPunished() {
		return NodeRef{}, false
	}
	return nr, true
}

// LookupAnyNodeRef 按任一节点 ID 查找
func (rt *RoutingTable) LookupAnyNodeRef(ids types.TypedKeyGroup) (NodeRef, bool) {
	for _, id := range ids {
		if nr, ok := rt.LookupNodeRef(id); ok {
			return nr, true
		}
	}
	return NodeRef{}, false
}

// RemoveNode 移除节点
func (rt *RoutingTable) RemoveNode(nr NodeRef) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.removeEntryLocked(nr.entry)
}

// EntryCount 表中条目数
func (rt *RoutingTable) EntryCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.uniqueEntriesLocked())
}

func (rt *RoutingTable) uniqueEntriesLocked() []*BucketEntry {
	seen := make(map[*BucketEntry]struct{}, len(rt.entries))
	out := make([]*BucketEntry, 0, len(rt.entries))
	for _, e := range rt.entries {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Entries 表中所有条目的引用
func (rt *RoutingTable) Entries() []NodeRef {
	rt.mu.RLock()
	es := rt.uniqueEntriesLocked()
	rt.mu.RUnlock()
	out := make([]NodeRef, 0, len(es))
	for _, e := range es {
		out = append(out, newNodeRef(rt, e))
	}
	return out
}

// ============================================================================
//                              最近节点
// ============================================================================

// FindClosestNodes 按到 target 的距离返回最近的 count 个节点
//
// 只考虑具有 target 同一加密系统 ID 的条目；filter 为 nil 表示不过滤。
// 被惩罚的节点被排除。
func (rt *RoutingTable) FindClosestNodes(count int, target types.TypedKey, filter func(NodeRef) bool) []NodeRef {
	cs, ok := rt.registry.Get(target.Kind)
	if !ok || count <= 0 {
		return nil
	}

	type candidate struct {
		nr   NodeRef
		dist types.CryptoKey
	}
	rt.mu.RLock()
	cands := make([]candidate, 0, len(rt.entries))
	for id, e := range rt.entries {
		if id.Kind != target.Kind {
			continue
		}
		cands = append(cands, candidate{nr: newNodeRef(rt, e), dist: cs.Distance(id.Value, target.Value)})
	}
	rt.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool { return cands[i].dist.Compare(cands[j].dist) < 0 })

	out := make([]NodeRef, 0, count)
	for _, c := range cands {
		if c.nr.IsPunished() {
			continue
		}
		if filter != nil && !filter(c.nr) {
			continue
		}
		out = append(out, c.nr)
		if len(out) == count {
			break
		}
	}
	return out
}

// FilterHasPeerInfo 只保留在 domain 有节点信息且具备能力的节点
func FilterHasPeerInfo(domain types.RoutingDomain, caps ...types.Capability) func(NodeRef) bool {
	return func(nr NodeRef) bool {
		pi := nr.PeerInfo(domain)
		return pi != nil && pi.NodeInfo.HasAllCapabilities(caps...)
	}
}

// ============================================================================
//                              路由域
// ============================================================================

// SetLocalNetworks 设置本地网段
func (rt *RoutingTable) SetLocalNetworks(prefixes []netip.Prefix) {
	rt.mu.Lock()
	rt.localNets = append([]netip.Prefix(nil), prefixes...)
	rt.mu.Unlock()
}

// RoutingDomainForAddress 地址所属的路由域
//
// 本地网段与回环地址属于 LocalNetwork，其他单播地址属于 PublicInternet。
func (rt *RoutingTable) RoutingDomainForAddress(addr netip.Addr) (types.RoutingDomain, bool) {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsMulticast() {
		return 0, false
	}
	if addr.IsLoopback() {
		return types.RoutingDomainLocalNetwork, true
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, p := range rt.localNets {
		if p.Contains(addr) {
			return types.RoutingDomainLocalNetwork, true
		}
	}
	if addr.IsGlobalUnicast() {
		return types.RoutingDomainPublicInternet, true
	}
	return 0, false
}

// ============================================================================
//                              本节点信息
// ============================================================================

// SetOwnNodeInfo 设置本节点在 domain 发布的节点信息
//
// 中继字段由当前中继填充，时间戳为当前时间。
func (rt *RoutingTable) SetOwnNodeInfo(domain types.RoutingDomain, ni types.NodeInfo) *types.PeerInfo {
	rt.mu.Lock()
	pi := rt.publishLocked(domain, ni)
	rt.mu.Unlock()
	logger.Info("发布本节点信息", "domain", domain.String(), "dialInfos", len(pi.NodeInfo.DialInfoDetails), "relay", pi.NodeInfo.HasRelay())
	return pi
}

func (rt *RoutingTable) publishLocked(domain types.RoutingDomain, ni types.NodeInfo) *types.PeerInfo {
	ni.RelayIDs = nil
	ni.RelayInfo = nil
	if relay, ok := rt.relays[domain]; ok {
		ni.RelayIDs = relay.NodeIDs()
		if rpi := relay.PeerInfo(domain); rpi != nil {
			cp := *rpi
			cp.NodeInfo.RelayInfo = nil
			ni.RelayInfo = &cp
		}
	}
	ts := rt.Now()
	if prev, ok := rt.ownPeerInfo[domain]; ok && ts <= prev.Timestamp() {
		ts = prev.Timestamp() + 1
	}
	ni.Timestamp = ts
	pi := &types.PeerInfo{RoutingDomain: domain, NodeIDs: rt.identity.NodeIDs(), NodeInfo: ni}
	rt.ownPeerInfo[domain] = pi
	return pi
}

// OwnPeerInfo 本节点在 domain 发布的节点信息，未发布返回 nil
func (rt *RoutingTable) OwnPeerInfo(domain types.RoutingDomain) *types.PeerInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.ownPeerInfo[domain]
}

// ============================================================================
//                              中继
// ============================================================================

// SetRelayNode 设置 domain 使用的中继，无效引用表示清除
//
// 已发布的本节点信息随之更新，然后通知监听者。
func (rt *RoutingTable) SetRelayNode(domain types.RoutingDomain, nr NodeRef) {
	rt.mu.Lock()
	if nr.IsValid() {
		rt.relays[domain] = nr
	} else {
		delete(rt.relays, domain)
	}
	if prev, ok := rt.ownPeerInfo[domain]; ok {
		rt.publishLocked(domain, prev.NodeInfo)
	}
	rt.mu.Unlock()

	logger.Info("中继变更", "domain", domain.String(), "relay", nr.String())
	rt.listenMu.Lock()
	listeners := append([]func(){}, rt.relayListeners...)
	rt.listenMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// OnRelaysChanged 注册中继变更回调
func (rt *RoutingTable) OnRelaysChanged(fn func()) {
	rt.listenMu.Lock()
	rt.relayListeners = append(rt.relayListeners, fn)
	rt.listenMu.Unlock()
}

// RelayNode domain 使用的中继
func (rt *RoutingTable) RelayNode(domain types.RoutingDomain) (NodeRef, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	nr, ok := rt.relays[domain]
	return nr, ok
}

// RelayNodes 所有中继（按条目去重）
func (rt *RoutingTable) RelayNodes() []NodeRef {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []NodeRef
	for _, d := range types.AllRoutingDomains {
		nr, ok := rt.relays[d]
		if !ok {
			continue
		}
		dup := false
		for _, x := range out {
			if x.SameEntry(nr) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, nr)
		}
	}
	return out
}

// HasAnyRelay 任一路由域使用中继
func (rt *RoutingTable) HasAnyRelay() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.relays) > 0
}

// IsRelayNode nr 是否为本节点的中继
func (rt *RoutingTable) IsRelayNode(nr NodeRef) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.isRelayEntryLocked(nr.entry)
}

func (rt *RoutingTable) isRelayEntryLocked(e *BucketEntry) bool {
	for _, r := range rt.relays {
		if r.entry == e {
			return true
		}
	}
	return false
}

// ============================================================================
//                              客户端白名单
// ============================================================================

// AddClientAllowlist 允许该节点把本节点当作完整中继
func (rt *RoutingTable) AddClientAllowlist(id types.TypedKey) {
	rt.allowlist.Add(id, struct{}{})
}

// IsClientAllowlisted 是否在白名单中
func (rt *RoutingTable) IsClientAllowlisted(id types.TypedKey) bool {
	return rt.allowlist.Contains(id)
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 加载持久化数据并启动定期保存
func (rt *RoutingTable) Start(ctx context.Context) error {
	if rt.store != nil {
		n, err := rt.Load()
		if err != nil {
			logger.Warn("加载路由表失败", "error", err)
		} else {
			logger.Info("加载路由表", "entries", n)
		}
	}
	if rt.store == nil || rt.cfg.PersistInterval <= 0 {
		return nil
	}

	ctx, rt.cancel = context.WithCancel(ctx)
	ticker := rt.clock.Ticker(rt.cfg.PersistInterval)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rt.Save(); err != nil {
					logger.Warn("保存路由表失败", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop 停止定期保存并保存一次
func (rt *RoutingTable) Stop() error {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
	if rt.store == nil {
		return nil
	}
	return rt.Save()
}
