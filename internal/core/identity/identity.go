package identity

import (
	"fmt"

	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              Identity
// ============================================================================

// Identity 节点在各加密系统下的密钥对
//
// 创建后只读，可并发使用。
type Identity struct {
	registry *crypto.Registry
	pairs    []types.TypedKeyPair
}

// New 按注册表优先级为每个加密系统加载或生成密钥
func New(reg *crypto.Registry, ks crypto.Keystore) (*Identity, error) {
	kinds := reg.Kinds()
	if len(kinds) == 0 {
		return nil, ErrNoCryptoKinds
	}
	id := &Identity{registry: reg}
	for _, kind := range kinds {
		cs, _ := reg.Get(kind)
		kp, err := crypto.LoadOrCreate(ks, "node-"+kind.String(), cs)
		if err != nil {
			return nil, fmt.Errorf("identity: load %s key: %w", kind, err)
		}
		id.pairs = append(id.pairs, kp)
	}
	return id, nil
}

// FromKeyPairs 直接使用给定密钥对
func FromKeyPairs(reg *crypto.Registry, pairs ...types.TypedKeyPair) (*Identity, error) {
	if len(pairs) == 0 {
		return nil, ErrNoCryptoKinds
	}
	for _, kp := range pairs {
		cs, ok := reg.Get(kp.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: %s", crypto.ErrUnsupportedKind, kp.Kind)
		}
		if !cs.ValidateKeyPair(kp.Key, kp.Secret) {
			return nil, crypto.ErrInvalidSecretKey
		}
	}
	return &Identity{registry: reg, pairs: append([]types.TypedKeyPair(nil), pairs...)}, nil
}

// Registry 加密系统注册表
func (id *Identity) Registry() *crypto.Registry {
	return id.registry
}

// KeyPairs 所有密钥对（按优先级）
func (id *Identity) KeyPairs() []types.TypedKeyPair {
	out := make([]types.TypedKeyPair, len(id.pairs))
	copy(out, id.pairs)
	return out
}

// NodeIDs 所有节点 ID
func (id *Identity) NodeIDs() types.TypedKeyGroup {
	out := make(types.TypedKeyGroup, 0, len(id.pairs))
	for _, kp := range id.pairs {
		out = append(out, kp.TypedKey())
	}
	return out
}

// NodeID 指定加密系统下的节点 ID
func (id *Identity) NodeID(kind types.CryptoKind) (types.TypedKey, bool) {
	for _, kp := range id.pairs {
		if kp.Kind == kind {
			return kp.TypedKey(), true
		}
	}
	return types.TypedKey{}, false
}

// Secret 指定加密系统下的私钥
func (id *Identity) Secret(kind types.CryptoKind) (types.SecretKey, bool) {
	for _, kp := range id.pairs {
		if kp.Kind == kind {
			return kp.Secret, true
		}
	}
	return types.SecretKey{}, false
}

// BestNodeID 最优先加密系统下的节点 ID
func (id *Identity) BestNodeID() types.TypedKey {
	return id.pairs[0].TypedKey()
}

// IsOwn 是否为本节点的某个 ID
func (id *Identity) IsOwn(tk types.TypedKey) bool {
	for _, kp := range id.pairs {
		if kp.Kind == tk.Kind && kp.Key == tk.Value {
			return true
		}
	}
	return false
}

// MatchesAny 集合中是否有本节点的 ID
func (id *Identity) MatchesAny(ids types.TypedKeyGroup) bool {
	for _, tk := range ids {
		if id.IsOwn(tk) {
			return true
		}
	}
	return false
}

// Sign 用指定加密系统的密钥签名
func (id *Identity) Sign(kind types.CryptoKind, data []byte) (types.Signature, error) {
	cs, ok := id.registry.Get(kind)
	if !ok {
		return types.Signature{}, fmt.Errorf("%w: %s", crypto.ErrUnsupportedKind, kind)
	}
	for _, kp := range id.pairs {
		if kp.Kind == kind {
			return cs.Sign(kp.Key, kp.Secret, data)
		}
	}
	return types.Signature{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}
