package rpc

import (
	"fmt"
	"sync"

	"github.com/dep2p/go-overlay/internal/core/identity"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              RouteSpec
// ============================================================================

// RouteSpec 本节点分配的一条路由
//
// 同一条路由既可以作为安全路由发送，也可以组装成私有路由发布。
// Hops 不包含本节点。
type RouteSpec struct {
	ID         types.TypedKey
	Hops       []types.TypedKey
	Stability  types.Stability
	Sequencing types.Sequencing
	Created    types.Timestamp

	secret  types.SecretKey
	hopRefs []routing.NodeRef
}

// ReplySafety 经该路由收到的提问用它作为回答的安全路由
func (s *RouteSpec) ReplySafety() types.SafetySpec {
	id := s.ID.Value
	return types.SafetySpec{
		PreferredRoute: &id,
		HopCount:       len(s.Hops),
		Stability:      s.Stability,
		Sequencing:     s.Sequencing,
	}
}

// ValidateSignatures 检查私有路由上每一跳的签名
func (s *RouteSpec) ValidateSignatures(cs crypto.CryptoSystem, data []byte, sigs []types.Signature) error {
	if len(sigs) != len(s.Hops) {
		return fmt.Errorf("%w: %d signatures for %d hops", ErrInvalidRoute, len(sigs), len(s.Hops))
	}
	for i, hop := range s.Hops {
		if err := cs.Verify(hop.Value, data, sigs[i]); err != nil {
			return fmt.Errorf("%w: hop %d signature: %v", ErrInvalidRoute, i, err)
		}
	}
	return nil
}

// ============================================================================
//                              RouteSpecStore
// ============================================================================

// RouteSpecStore 本节点分配的路由（仅内存）
type RouteSpecStore struct {
	rt      *routing.RoutingTable
	id      *identity.Identity
	maxHops int

	mu    sync.Mutex
	specs map[types.RouteID]*RouteSpec
}

// NewRouteSpecStore 创建路由存储
func NewRouteSpecStore(rt *routing.RoutingTable, maxHops int) *RouteSpecStore {
	return &RouteSpecStore{
		rt:      rt,
		id:      rt.Identity(),
		maxHops: maxHops,
		specs:   make(map[types.RouteID]*RouteSpec),
	}
}

// Allocate 用给定的节点作为各跳分配路由
func (s *RouteSpecStore) Allocate(hops []routing.NodeRef, stability types.Stability, seq types.Sequencing) (*RouteSpec, error) {
	if len(hops) == 0 || len(hops) > s.maxHops {
		return nil, fmt.Errorf("%w: %d hops (max %d)", ErrInvalidRoute, len(hops), s.maxHops)
	}
	cs := s.id.Registry().Best()
	ids := make([]types.TypedKey, 0, len(hops))
	seen := make(map[types.TypedKey]struct{}, len(hops))
	for _, nr := range hops {
		id, ok := nr.NodeIDs().Get(cs.Kind())
		if !ok {
			return nil, fmt.Errorf("%w: hop %s lacks %s", ErrInvalidRoute, nr, cs.Kind())
		}
		if s.id.IsOwn(id) {
			return nil, fmt.Errorf("%w: own node as hop", ErrInvalidRoute)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate hop %s", ErrInvalidRoute, id.ShortString())
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	kp, err := cs.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	spec := &RouteSpec{
		ID:         types.NewTypedKey(cs.Kind(), kp.Key),
		Hops:       ids,
		Stability:  stability,
		Sequencing: seq,
		Created:    s.rt.Now(),
		secret:     kp.Secret,
		hopRefs:    append([]routing.NodeRef(nil), hops...),
	}
	s.mu.Lock()
	s.specs[kp.Key] = spec
	s.mu.Unlock()
	logger.Debug("分配路由", "route", spec.ID.ShortString(), "hops", len(ids))
	return spec, nil
}

// AllocateAuto 从路由表中挑选支持路由能力的节点分配路由
func (s *RouteSpecStore) AllocateAuto(hopCount int, stability types.Stability, seq types.Sequencing, avoid types.TypedKeyGroup) (*RouteSpec, error) {
	if hopCount <= 0 || hopCount > s.maxHops {
		return nil, fmt.Errorf("%w: %d hops (max %d)", ErrInvalidRoute, hopCount, s.maxHops)
	}
	cs := s.id.Registry().Best()
	target := types.NewTypedKey(cs.Kind(), types.CryptoKey(cs.RandomSharedSecret()))
	hasRoute := routing.FilterHasPeerInfo(types.RoutingDomainPublicInternet, types.CapabilityRoute)
	nodes := s.rt.FindClosestNodes(hopCount, target, func(nr routing.NodeRef) bool {
		return hasRoute(nr) && !nr.NodeIDs().ContainsAny(avoid)
	})
	if len(nodes) < hopCount {
		return nil, fmt.Errorf("%w: want %d have %d", ErrNotEnoughNodes, hopCount, len(nodes))
	}
	return s.Allocate(nodes, stability, seq)
}

// Lookup 按路由公钥查找
func (s *RouteSpecStore) Lookup(id types.RouteID) (*RouteSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.specs[id]
	return spec, ok
}

// Release 释放路由
func (s *RouteSpecStore) Release(id types.RouteID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.specs[id]; !ok {
		return false
	}
	delete(s.specs, id)
	return true
}

// List 所有路由 ID
func (s *RouteSpecStore) List() []types.RouteID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RouteID, 0, len(s.specs))
	for id := range s.specs {
		out = append(out, id)
	}
	return out
}

// AssemblePrivateRoute 把路由组装成可发布的私有路由
//
// 从终点（本节点）向外逐层加密，第一跳附带节点信息以便发送方连接。
func (s *RouteSpecStore) AssemblePrivateRoute(id types.RouteID) (*PrivateRoute, error) {
	spec, ok := s.Lookup(id)
	if !ok {
		return nil, ErrRouteNotFound
	}
	cs, ok := s.id.Registry().Get(spec.ID.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported crypto kind %s", ErrInvalidRoute, spec.ID.Kind)
	}
	own, ok := s.id.NodeID(spec.ID.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: no node id for %s", ErrInvalidRoute, spec.ID.Kind)
	}

	hop := RouteHop{Node: own}
	for i := len(spec.Hops) - 1; i >= 0; i-- {
		data, err := encryptHop(cs, spec.Hops[i].Value, spec.secret, hopTagRouteHop, hop)
		if err != nil {
			return nil, err
		}
		hop = RouteHop{Node: spec.Hops[i], NextHop: data}
	}
	if pi := spec.hopRefs[0].PeerInfo(types.RoutingDomainPublicInternet); pi != nil {
		hop.PeerInfo = pi
	}
	return &PrivateRoute{
		PublicKey: spec.ID,
		HopCount:  uint8(len(spec.Hops) + 1),
		FirstHop:  &hop,
	}, nil
}

// StubPrivateRoute 只含本节点的私有路由，表示"直接回给我"
func (s *RouteSpecStore) StubPrivateRoute(kind types.CryptoKind) (*PrivateRoute, error) {
	own, ok := s.id.NodeID(kind)
	if !ok {
		return nil, fmt.Errorf("%w: no node id for %s", ErrInvalidRoute, kind)
	}
	return &PrivateRoute{
		PublicKey: own,
		HopCount:  1,
		FirstHop:  &RouteHop{Node: own, PeerInfo: s.rt.OwnPeerInfo(types.RoutingDomainPublicInternet)},
	}, nil
}

// StubPrivateRouteFor 指向远端节点的私有路由，用于经安全路由直接发给该节点
func StubPrivateRouteFor(nr routing.NodeRef, kind types.CryptoKind) (*PrivateRoute, error) {
	id, ok := nr.NodeIDs().Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: node %s lacks %s", ErrInvalidRoute, nr, kind)
	}
	return &PrivateRoute{
		PublicKey: id,
		HopCount:  1,
		FirstHop:  &RouteHop{Node: id, PeerInfo: nr.PeerInfo(types.RoutingDomainPublicInternet)},
	}, nil
}

// ============================================================================
//                              安全路由编译
// ============================================================================

// compiledRoute 编译好的安全路由
type compiledRoute struct {
	cs          crypto.CryptoSystem
	safetyRoute SafetyRoute
	secret      types.SecretKey

	// firstHop 第一跳节点 ID 与可选节点信息
	firstHop     types.TypedKey
	firstHopInfo *types.PeerInfo
	firstHopRef  routing.NodeRef
}

// compileSafetyRoute 按安全选择编译发往 pr 的安全路由
//
// Unsafe 时以本节点 ID 为安全路由公钥、跳数为 0，由本节点取出私有路由第一跳；
// 安全路由公钥与私有路由公钥相同时为自环测试，同样跳过安全路由各跳。
func (s *RouteSpecStore) compileSafetyRoute(safety types.SafetySelection, pr *PrivateRoute) (*compiledRoute, error) {
	if err := pr.Validate(s.maxHops); err != nil {
		return nil, err
	}
	cs, ok := s.id.Registry().Get(pr.PublicKey.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported crypto kind %s", ErrInvalidRoute, pr.PublicKey.Kind)
	}

	var spec *RouteSpec
	if safety.IsSafe() {
		var err error
		spec, err = s.safetySpec(*safety.Safe, pr)
		if err != nil {
			return nil, err
		}
		if spec.ID.Kind != pr.PublicKey.Kind {
			return nil, fmt.Errorf("%w: safety route kind %s differs from private route %s", ErrInvalidRoute, spec.ID.Kind, pr.PublicKey.Kind)
		}
	}

	if spec == nil || spec.ID == pr.PublicKey {
		key, secret, err := s.directKey(cs.Kind(), spec)
		if err != nil {
			return nil, err
		}
		hop, rest, err := pr.popFirstHop()
		if err != nil {
			return nil, err
		}
		return &compiledRoute{
			cs:           cs,
			safetyRoute:  SafetyRoute{PublicKey: key, Private: rest},
			secret:       secret,
			firstHop:     hop.Node,
			firstHopInfo: hop.PeerInfo,
		}, nil
	}

	// 从最后一跳向外加密：最后一跳得到私有路由，其余各跳得到下一跳
	m := len(spec.Hops)
	data, err := encryptHop(cs, spec.Hops[m-1].Value, spec.secret, hopTagPrivateRoute, pr)
	if err != nil {
		return nil, err
	}
	for i := m - 2; i >= 0; i-- {
		data, err = encryptHop(cs, spec.Hops[i].Value, spec.secret, hopTagRouteHop, RouteHop{Node: spec.Hops[i+1], NextHop: data})
		if err != nil {
			return nil, err
		}
	}
	return &compiledRoute{
		cs:          cs,
		safetyRoute: SafetyRoute{PublicKey: spec.ID, HopCount: uint8(m), Data: data},
		secret:      spec.secret,
		firstHop:    spec.Hops[0],
		firstHopRef: spec.hopRefs[0],
	}, nil
}

// safetySpec 首选路由，否则按跳数自动分配一条避开私有路由第一跳的路由
func (s *RouteSpecStore) safetySpec(ss types.SafetySpec, pr *PrivateRoute) (*RouteSpec, error) {
	if ss.PreferredRoute != nil {
		if spec, ok := s.Lookup(*ss.PreferredRoute); ok {
			return spec, nil
		}
	}
	avoid := types.TypedKeyGroup{pr.PublicKey}
	if pr.FirstHop != nil {
		avoid = append(avoid, pr.FirstHop.Node)
	}
	return s.AllocateAuto(ss.HopCount, ss.Stability, ss.Sequencing, avoid)
}

// directKey 零跳安全路由使用的密钥：自环时用路由密钥，否则用节点密钥
func (s *RouteSpecStore) directKey(kind types.CryptoKind, spec *RouteSpec) (types.TypedKey, types.SecretKey, error) {
	if spec != nil {
		return spec.ID, spec.secret, nil
	}
	own, ok := s.id.NodeID(kind)
	if !ok {
		return types.TypedKey{}, types.SecretKey{}, fmt.Errorf("%w: no node id for %s", ErrInvalidRoute, kind)
	}
	secret, _ := s.id.Secret(kind)
	return own, secret, nil
}
