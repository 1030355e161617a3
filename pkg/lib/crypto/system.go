package crypto

import (
	"sort"
	"sync"

	"github.com/dep2p/go-overlay/pkg/types"
)

// CryptoSystem 一种加密系统的全部操作
type CryptoSystem interface {
	// Kind 加密系统标识
	Kind() types.CryptoKind

	// GenerateKeyPair 生成新密钥对
	GenerateKeyPair() (types.KeyPair, error)

	// ValidateKeyPair 检查私钥是否对应公钥
	ValidateKeyPair(key types.PublicKey, secret types.SecretKey) bool

	// ComputeDH 原始 DH 结果
	ComputeDH(key types.PublicKey, secret types.SecretKey) (types.SharedSecret, error)

	// GenerateSharedSecret DH 结果再与 domain 混合
	GenerateSharedSecret(key types.PublicKey, secret types.SecretKey, domain []byte) (types.SharedSecret, error)

	// EncryptAEAD 认证加密
	EncryptAEAD(body []byte, nonce types.Nonce, secret types.SharedSecret, ad []byte) ([]byte, error)

	// DecryptAEAD 认证解密
	DecryptAEAD(body []byte, nonce types.Nonce, secret types.SharedSecret, ad []byte) ([]byte, error)

	// Sign 签名
	Sign(key types.PublicKey, secret types.SecretKey, data []byte) (types.Signature, error)

	// Verify 验证签名
	Verify(key types.PublicKey, data []byte, sig types.Signature) error

	// GenerateHash 哈希
	GenerateHash(data []byte) types.HashDigest

	// Distance 两个值之间的距离（越小越近）
	Distance(a, b types.CryptoKey) types.CryptoKey

	// RandomNonce 随机 nonce
	RandomNonce() types.Nonce

	// RandomSharedSecret 随机对称密钥
	RandomSharedSecret() types.SharedSecret
}

// ============================================================================
//                              Registry
// ============================================================================

// Registry 加密系统注册表
type Registry struct {
	mu      sync.RWMutex
	systems map[types.CryptoKind]CryptoSystem
	order   []types.CryptoKind
}

// NewRegistry 创建注册表
//
// 传入顺序即优先级，第一个为 Best()。
func NewRegistry(systems ...CryptoSystem) *Registry {
	r := &Registry{systems: make(map[types.CryptoKind]CryptoSystem)}
	for _, s := range systems {
		r.Register(s)
	}
	return r
}

// DefaultRegistry 只包含 VLD0 的注册表
func DefaultRegistry() *Registry {
	return NewRegistry(NewVLD0())
}

// Register 注册加密系统
func (r *Registry) Register(s CryptoSystem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.systems[s.Kind()]; !ok {
		r.order = append(r.order, s.Kind())
	}
	r.systems[s.Kind()] = s
}

// Get 获取指定加密系统
func (r *Registry) Get(kind types.CryptoKind) (CryptoSystem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.systems[kind]
	return s, ok
}

// Best 最优先的加密系统
func (r *Registry) Best() CryptoSystem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	return r.systems[r.order[0]]
}

// Kinds 按优先级返回所有加密系统标识
func (r *Registry) Kinds() []types.CryptoKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.CryptoKind, len(r.order))
	copy(out, r.order)
	return out
}

// Supports 是否支持
func (r *Registry) Supports(kind types.CryptoKind) bool {
	_, ok := r.Get(kind)
	return ok
}

// CommonKinds 与对方共同支持的加密系统（按本地优先级）
func (r *Registry) CommonKinds(remote []types.CryptoKind) []types.CryptoKind {
	var out []types.CryptoKind
	for _, k := range r.Kinds() {
		for _, rk := range remote {
			if k == rk {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

// CompareDistance 比较 a、b 到 target 的距离：-1 表示 a 更近
func CompareDistance(cs CryptoSystem, target, a, b types.CryptoKey) int {
	da := cs.Distance(target, a)
	db := cs.Distance(target, b)
	return da.Compare(db)
}

// SortByDistance 按到 target 的距离排序
func SortByDistance(cs CryptoSystem, target types.CryptoKey, keys []types.CryptoKey) {
	sort.SliceStable(keys, func(i, j int) bool {
		return CompareDistance(cs, target, keys[i], keys[j]) < 0
	})
}
