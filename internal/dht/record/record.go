// Package record 提供 DHT 记录、签名校验与持久化存储
package record

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dep2p/go-overlay/internal/dht/schema"
	"github.com/dep2p/go-overlay/pkg/lib/codec"
	"github.com/dep2p/go-overlay/pkg/lib/crypto"
	"github.com/dep2p/go-overlay/pkg/types"
)

var (
	// ErrInvalidDescriptor 描述符签名或记录键不匹配
	ErrInvalidDescriptor = errors.New("record: invalid descriptor")

	// ErrInvalidSignature 子键数据签名无效
	ErrInvalidSignature = errors.New("record: invalid value signature")

	// ErrRecordTooLarge 记录数据总量超出上限
	ErrRecordTooLarge = errors.New("record: record too large")
)

// ============================================================================
//                              签名
// ============================================================================

// valuePreimage 子键数据签名覆盖的内容
type valuePreimage struct {
	Key    types.RecordKey   `cbor:"1,keyasint"`
	Subkey types.ValueSubkey `cbor:"2,keyasint"`
	Seq    types.ValueSeqNum `cbor:"3,keyasint"`
	Writer types.PublicKey   `cbor:"4,keyasint"`
	Data   []byte            `cbor:"5,keyasint"`
}

type descriptorPreimage struct {
	Owner      types.PublicKey `cbor:"1,keyasint"`
	SchemaData []byte          `cbor:"2,keyasint"`
}

// SignValue 写入者签名子键数据
func SignValue(cs crypto.CryptoSystem, key types.RecordKey, subkey types.ValueSubkey, v types.ValueData, secret types.SecretKey) (types.SignedValueData, error) {
	msg := codec.MustMarshal(valuePreimage{Key: key, Subkey: subkey, Seq: v.Seq, Writer: v.Writer, Data: v.Data})
	sig, err := cs.Sign(v.Writer, secret, msg)
	if err != nil {
		return types.SignedValueData{}, err
	}
	return types.SignedValueData{Value: v, Signature: sig}, nil
}

// VerifyValue 校验子键数据签名
func VerifyValue(cs crypto.CryptoSystem, key types.RecordKey, subkey types.ValueSubkey, sv *types.SignedValueData) error {
	v := sv.Value
	msg := codec.MustMarshal(valuePreimage{Key: key, Subkey: subkey, Seq: v.Seq, Writer: v.Writer, Data: v.Data})
	if err := cs.Verify(v.Writer, msg, sv.Signature); err != nil {
		return fmt.Errorf("%w: subkey %d: %v", ErrInvalidSignature, subkey, err)
	}
	return nil
}

// KeyFor 记录键为 hash(owner || schemaData)
func KeyFor(cs crypto.CryptoSystem, owner types.PublicKey, schemaData []byte) types.RecordKey {
	buf := make([]byte, 0, len(owner)+len(schemaData))
	buf = append(buf, owner[:]...)
	buf = append(buf, schemaData...)
	return types.NewTypedKey(cs.Kind(), cs.GenerateHash(buf))
}

// NewDescriptor 所有者签名模式数据
func NewDescriptor(cs crypto.CryptoSystem, owner types.KeyPair, schemaData []byte) (types.SignedValueDescriptor, error) {
	msg := codec.MustMarshal(descriptorPreimage{Owner: owner.Key, SchemaData: schemaData})
	sig, err := cs.Sign(owner.Key, owner.Secret, msg)
	if err != nil {
		return types.SignedValueDescriptor{}, err
	}
	return types.SignedValueDescriptor{Owner: owner.Key, SchemaData: schemaData, Signature: sig}, nil
}

// ValidateDescriptor 校验描述符签名、记录键与模式数据，返回解析出的模式
func ValidateDescriptor(cs crypto.CryptoSystem, key types.RecordKey, d *types.SignedValueDescriptor) (schema.Schema, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: missing", ErrInvalidDescriptor)
	}
	if key.Kind != cs.Kind() || KeyFor(cs, d.Owner, d.SchemaData) != key {
		return nil, fmt.Errorf("%w: key mismatch for %s", ErrInvalidDescriptor, key.ShortString())
	}
	msg := codec.MustMarshal(descriptorPreimage{Owner: d.Owner, SchemaData: d.SchemaData})
	if err := cs.Verify(d.Owner, msg, d.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	s, err := schema.Decode(d.SchemaData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return s, nil
}

// ValidateValue 模式检查加签名校验
func ValidateValue(cs crypto.CryptoSystem, s schema.Schema, key types.RecordKey, owner types.PublicKey, subkey types.ValueSubkey, sv *types.SignedValueData) error {
	if err := s.CheckSubkeyValueData(owner, subkey, &sv.Value); err != nil {
		return err
	}
	return VerifyValue(cs, key, subkey, sv)
}

// ============================================================================
//                              Record
// ============================================================================

// Record 一条记录及其已知的子键数据
type Record struct {
	Key         types.RecordKey                             `cbor:"1,keyasint"`
	Descriptor  types.SignedValueDescriptor                 `cbor:"2,keyasint"`
	Subkeys     map[types.ValueSubkey]types.SignedValueData `cbor:"3,keyasint"`
	LastTouched types.Timestamp                             `cbor:"4,keyasint"`

	schema schema.Schema
}

// New 从已校验的描述符创建空记录
func New(key types.RecordKey, d types.SignedValueDescriptor, s schema.Schema, now types.Timestamp) *Record {
	return &Record{
		Key:         key,
		Descriptor:  d,
		Subkeys:     make(map[types.ValueSubkey]types.SignedValueData),
		LastTouched: now,
		schema:      s,
	}
}

// Owner 所有者公钥
func (r *Record) Owner() types.PublicKey {
	return r.Descriptor.Owner
}

// Schema 记录模式，从持久化恢复的记录首次调用时解析
func (r *Record) Schema() (schema.Schema, error) {
	if r.schema != nil {
		return r.schema, nil
	}
	s, err := schema.Decode(r.Descriptor.SchemaData)
	if err != nil {
		return nil, err
	}
	r.schema = s
	return s, nil
}

// Get 子键数据
func (r *Record) Get(subkey types.ValueSubkey) (*types.SignedValueData, bool) {
	sv, ok := r.Subkeys[subkey]
	if !ok {
		return nil, false
	}
	return &sv, true
}

// Set 写入子键数据，不做签名与序号检查
func (r *Record) Set(subkey types.ValueSubkey, sv types.SignedValueData) error {
	size := r.DataSize() + len(sv.Value.Data)
	if old, ok := r.Subkeys[subkey]; ok {
		size -= len(old.Value.Data)
	}
	if size > schema.MaxRecordDataSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}
	if r.Subkeys == nil {
		r.Subkeys = make(map[types.ValueSubkey]types.SignedValueData)
	}
	r.Subkeys[subkey] = sv
	return nil
}

// DataSize 全部子键数据字节数
func (r *Record) DataSize() int {
	n := 0
	for _, sv := range r.Subkeys {
		n += len(sv.Value.Data)
	}
	return n
}

// StoredSubkeys 已有数据的子键
func (r *Record) StoredSubkeys() types.ValueSubkeyRangeSet {
	keys := make([]types.ValueSubkey, 0, len(r.Subkeys))
	for k := range r.Subkeys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var out types.ValueSubkeyRangeSet
	for _, k := range keys {
		out = out.Insert(k)
	}
	return out
}

// Clone 深拷贝子键表
func (r *Record) Clone() *Record {
	c := *r
	c.Subkeys = make(map[types.ValueSubkey]types.SignedValueData, len(r.Subkeys))
	for k, v := range r.Subkeys {
		c.Subkeys[k] = v
	}
	return &c
}
