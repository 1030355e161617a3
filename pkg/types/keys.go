package types

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
//                              CryptoKind
// ============================================================================

// CryptoKind 加密系统标识（四字符 FourCC）
type CryptoKind [4]byte

// CryptoKindVLD0 默认加密系统：Ed25519 + X25519 + XChaCha20-Poly1305 + BLAKE3
var CryptoKindVLD0 = CryptoKind{'V', 'L', 'D', '0'}

// String 返回 FourCC 文本
func (k CryptoKind) String() string {
	return string(k[:])
}

// CryptoKindFromString 解析 FourCC
func CryptoKindFromString(s string) (CryptoKind, error) {
	var k CryptoKind
	if len(s) != 4 {
		return k, fmt.Errorf("invalid crypto kind %q", s)
	}
	copy(k[:], s)
	return k, nil
}

// ============================================================================
//                              CryptoKey
// ============================================================================

// CryptoKeyLength 密钥长度
const CryptoKeyLength = 32

// CryptoKey 32 字节密钥材料
//
// 公钥、私钥、节点 ID、哈希摘要、共享密钥在线上的表示都是 32 字节，
// 因此共用同一底层类型，用别名区分语义。
type CryptoKey [CryptoKeyLength]byte

type (
	// PublicKey 公钥
	PublicKey = CryptoKey
	// SecretKey 私钥（Ed25519 seed）
	SecretKey = CryptoKey
	// NodeID 节点 ID，等于节点公钥
	NodeID = CryptoKey
	// HashDigest 哈希摘要
	HashDigest = CryptoKey
	// SharedSecret DH 派生的共享密钥
	SharedSecret = CryptoKey
	// RouteID 路由 ID，等于路由公钥
	RouteID = CryptoKey
)

// ErrInvalidKeyLength 密钥长度错误
var ErrInvalidKeyLength = errors.New("types: invalid key length")

// CryptoKeyFromBytes 从字节创建密钥
func CryptoKeyFromBytes(b []byte) (CryptoKey, error) {
	var k CryptoKey
	if len(b) != CryptoKeyLength {
		return k, ErrInvalidKeyLength
	}
	copy(k[:], b)
	return k, nil
}

// Bytes 返回字节切片
func (k CryptoKey) Bytes() []byte {
	return k[:]
}

// IsZero 检查是否为全零
func (k CryptoKey) IsZero() bool {
	return k == CryptoKey{}
}

// String 返回 Base58 文本
func (k CryptoKey) String() string {
	return Base58Encode(k[:])
}

// ShortString 返回日志用短文本
func (k CryptoKey) ShortString() string {
	s := k.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Compare 字节序比较
func (k CryptoKey) Compare(other CryptoKey) int {
	return bytes.Compare(k[:], other[:])
}

// Signature Ed25519 签名
type Signature [64]byte

// Nonce XChaCha20 随机数
type Nonce [24]byte

// ============================================================================
//                              TypedKey
// ============================================================================

// TypedKey 带加密系统标识的密钥
type TypedKey struct {
	Kind  CryptoKind
	Value CryptoKey
}

// TypedNodeID 带类型的节点 ID
type TypedNodeID = TypedKey

// RecordKey DHT 记录键
type RecordKey = TypedKey

// NewTypedKey 创建 TypedKey
func NewTypedKey(kind CryptoKind, value CryptoKey) TypedKey {
	return TypedKey{Kind: kind, Value: value}
}

// String 返回 "KIND:base58"
func (tk TypedKey) String() string {
	return tk.Kind.String() + ":" + tk.Value.String()
}

// ShortString 日志用短文本
func (tk TypedKey) ShortString() string {
	return tk.Kind.String() + ":" + tk.Value.ShortString()
}

// ParseTypedKey 解析 "KIND:base58"
func ParseTypedKey(s string) (TypedKey, error) {
	var tk TypedKey
	kind, val, ok := strings.Cut(s, ":")
	if !ok {
		return tk, fmt.Errorf("invalid typed key %q", s)
	}
	k, err := CryptoKindFromString(kind)
	if err != nil {
		return tk, err
	}
	raw, err := Base58Decode(val)
	if err != nil {
		return tk, err
	}
	key, err := CryptoKeyFromBytes(raw)
	if err != nil {
		return tk, err
	}
	return TypedKey{Kind: k, Value: key}, nil
}

// TypedKeyGroup 每种加密系统至多一个密钥的集合
type TypedKeyGroup []TypedKey

// Get 获取指定加密系统的密钥
func (g TypedKeyGroup) Get(kind CryptoKind) (TypedKey, bool) {
	for _, tk := range g {
		if tk.Kind == kind {
			return tk, true
		}
	}
	return TypedKey{}, false
}

// Contains 是否包含该 TypedKey
func (g TypedKeyGroup) Contains(tk TypedKey) bool {
	for _, x := range g {
		if x == tk {
			return true
		}
	}
	return false
}

// ContainsValue 是否包含该值（忽略加密系统）
func (g TypedKeyGroup) ContainsValue(v CryptoKey) bool {
	for _, x := range g {
		if x.Value == v {
			return true
		}
	}
	return false
}

// ContainsAny 两个集合是否有交集
func (g TypedKeyGroup) ContainsAny(other TypedKeyGroup) bool {
	for _, x := range other {
		if g.Contains(x) {
			return true
		}
	}
	return false
}

// Kinds 返回所有加密系统
func (g TypedKeyGroup) Kinds() []CryptoKind {
	out := make([]CryptoKind, 0, len(g))
	for _, tk := range g {
		out = append(out, tk.Kind)
	}
	return out
}

// Add 添加或替换同类密钥
func (g TypedKeyGroup) Add(tk TypedKey) TypedKeyGroup {
	for i, x := range g {
		if x.Kind == tk.Kind {
			g[i] = tk
			return g
		}
	}
	return append(g, tk)
}

// Bytes 所有密钥按顺序拼接
func (g TypedKeyGroup) Bytes() []byte {
	out := make([]byte, 0, len(g)*(4+CryptoKeyLength))
	for _, tk := range g {
		out = append(out, tk.Kind[:]...)
		out = append(out, tk.Value[:]...)
	}
	return out
}

// String 逗号分隔文本
func (g TypedKeyGroup) String() string {
	parts := make([]string, 0, len(g))
	for _, tk := range g {
		parts = append(parts, tk.String())
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// KeyPair 公私钥对
type KeyPair struct {
	Key    PublicKey
	Secret SecretKey
}

// TypedKeyPair 带类型的密钥对
type TypedKeyPair struct {
	Kind   CryptoKind
	Key    PublicKey
	Secret SecretKey
}

// TypedKey 返回公钥部分
func (p TypedKeyPair) TypedKey() TypedKey {
	return TypedKey{Kind: p.Kind, Value: p.Key}
}
