// Package schema 定义 DHT 记录的子键布局与写入权限
//
// 模式数据以 4 字节类型标识开头，后接 CBOR 编码的模式体：
//   - DFLT: 全部子键只允许所有者写入
//   - SMPL: 所有者子键之后按顺序分配给成员
package schema

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-overlay/pkg/lib/codec"
	"github.com/dep2p/go-overlay/pkg/types"
)

var (
	// ErrInvalidSchema 模式数据无法解析或不合法
	ErrInvalidSchema = errors.New("schema: invalid schema")

	// ErrSubkeyOutOfRange 子键超出模式范围
	ErrSubkeyOutOfRange = errors.New("schema: subkey out of range")

	// ErrWriterNotAllowed 写入者无权写入该子键
	ErrWriterNotAllowed = errors.New("schema: writer not allowed")
)

// MaxSubkeyCount 单条记录的子键数上限
const MaxSubkeyCount = 1024

// MaxRecordDataSize 单条记录全部子键数据之和的上限
const MaxRecordDataSize = 1 << 20

// Kind 模式类型标识
type Kind [4]byte

var (
	// KindDFLT 默认模式
	KindDFLT = Kind{'D', 'F', 'L', 'T'}

	// KindSMPL 成员模式
	KindSMPL = Kind{'S', 'M', 'P', 'L'}
)

// String 文本
func (k Kind) String() string {
	return string(k[:])
}

// Schema 记录模式
type Schema interface {
	Kind() Kind

	// SubkeyCount 子键总数
	SubkeyCount() int

	// MaxSubkey 最大子键编号
	MaxSubkey() types.ValueSubkey

	// Data 编码后的模式数据，用于描述符与记录键
	Data() []byte

	// CheckSubkeyValueData 检查 writer 能否写入 subkey 以及数据长度
	CheckSubkeyValueData(owner types.PublicKey, subkey types.ValueSubkey, value *types.ValueData) error

	// IsMember 是否为成员（所有者之外可写入的公钥）
	IsMember(key types.PublicKey) bool
}

// Subkeys 模式的全部子键
func Subkeys(s Schema) types.ValueSubkeyRangeSet {
	return types.SubkeyRangeOf(0, s.MaxSubkey())
}

// ============================================================================
//                              DFLT
// ============================================================================

// DFLT 只有所有者可写
type DFLT struct {
	OwnerCount uint16 `cbor:"1,keyasint"`
}

// NewDFLT 创建默认模式
func NewDFLT(ownerCount uint16) (*DFLT, error) {
	s := &DFLT{OwnerCount: ownerCount}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DFLT) validate() error {
	if s.OwnerCount == 0 {
		return fmt.Errorf("%w: DFLT needs at least one subkey", ErrInvalidSchema)
	}
	if int(s.OwnerCount) > MaxSubkeyCount {
		return fmt.Errorf("%w: %d subkeys exceeds %d", ErrInvalidSchema, s.OwnerCount, MaxSubkeyCount)
	}
	return nil
}

func (s *DFLT) Kind() Kind                    { return KindDFLT }
func (s *DFLT) SubkeyCount() int              { return int(s.OwnerCount) }
func (s *DFLT) MaxSubkey() types.ValueSubkey  { return types.ValueSubkey(s.OwnerCount) - 1 }
func (s *DFLT) IsMember(types.PublicKey) bool { return false }
func (s *DFLT) Data() []byte                  { return encode(KindDFLT, s) }

func (s *DFLT) CheckSubkeyValueData(owner types.PublicKey, subkey types.ValueSubkey, value *types.ValueData) error {
	if err := checkCommon(s, subkey, value); err != nil {
		return err
	}
	if value.Writer != owner {
		return fmt.Errorf("%w: subkey %d belongs to owner", ErrWriterNotAllowed, subkey)
	}
	return nil
}

// ============================================================================
//                              SMPL
// ============================================================================

// Member 成员及其子键数
type Member struct {
	Key   types.PublicKey `cbor:"1,keyasint"`
	Count uint16          `cbor:"2,keyasint"`
}

// SMPL 所有者子键在前，成员按列出顺序各占连续的一段
type SMPL struct {
	OwnerCount uint16   `cbor:"1,keyasint"`
	Members    []Member `cbor:"2,keyasint"`
}

// NewSMPL 创建成员模式
func NewSMPL(ownerCount uint16, members ...Member) (*SMPL, error) {
	s := &SMPL{OwnerCount: ownerCount, Members: members}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SMPL) validate() error {
	total := s.SubkeyCount()
	if total == 0 {
		return fmt.Errorf("%w: SMPL needs at least one subkey", ErrInvalidSchema)
	}
	if total > MaxSubkeyCount {
		return fmt.Errorf("%w: %d subkeys exceeds %d", ErrInvalidSchema, total, MaxSubkeyCount)
	}
	seen := make(map[types.PublicKey]struct{}, len(s.Members))
	for _, m := range s.Members {
		if m.Count == 0 {
			return fmt.Errorf("%w: member %s has no subkeys", ErrInvalidSchema, m.Key.ShortString())
		}
		if _, dup := seen[m.Key]; dup {
			return fmt.Errorf("%w: duplicate member %s", ErrInvalidSchema, m.Key.ShortString())
		}
		seen[m.Key] = struct{}{}
	}
	return nil
}

func (s *SMPL) Kind() Kind   { return KindSMPL }
func (s *SMPL) Data() []byte { return encode(KindSMPL, s) }

func (s *SMPL) SubkeyCount() int {
	n := int(s.OwnerCount)
	for _, m := range s.Members {
		n += int(m.Count)
	}
	return n
}

func (s *SMPL) MaxSubkey() types.ValueSubkey {
	return types.ValueSubkey(s.SubkeyCount()) - 1
}

func (s *SMPL) IsMember(key types.PublicKey) bool {
	for _, m := range s.Members {
		if m.Key == key {
			return true
		}
	}
	return false
}

// MemberRange 成员的子键范围
func (s *SMPL) MemberRange(key types.PublicKey) (types.ValueSubkeyRangeSet, bool) {
	start := types.ValueSubkey(s.OwnerCount)
	for _, m := range s.Members {
		if m.Key == key {
			return types.SubkeyRangeOf(start, start+types.ValueSubkey(m.Count)-1), true
		}
		start += types.ValueSubkey(m.Count)
	}
	return types.ValueSubkeyRangeSet{}, false
}

func (s *SMPL) CheckSubkeyValueData(owner types.PublicKey, subkey types.ValueSubkey, value *types.ValueData) error {
	if err := checkCommon(s, subkey, value); err != nil {
		return err
	}
	if subkey < types.ValueSubkey(s.OwnerCount) {
		if value.Writer != owner {
			return fmt.Errorf("%w: subkey %d belongs to owner", ErrWriterNotAllowed, subkey)
		}
		return nil
	}
	start := types.ValueSubkey(s.OwnerCount)
	for _, m := range s.Members {
		end := start + types.ValueSubkey(m.Count)
		if subkey < end {
			if value.Writer != m.Key {
				return fmt.Errorf("%w: subkey %d belongs to member %s", ErrWriterNotAllowed, subkey, m.Key.ShortString())
			}
			return nil
		}
		start = end
	}
	return fmt.Errorf("%w: %d", ErrSubkeyOutOfRange, subkey)
}

// ============================================================================
//                              编解码
// ============================================================================

func checkCommon(s Schema, subkey types.ValueSubkey, value *types.ValueData) error {
	if value == nil {
		return fmt.Errorf("%w: nil value", ErrInvalidSchema)
	}
	if subkey > s.MaxSubkey() {
		return fmt.Errorf("%w: %d > %d", ErrSubkeyOutOfRange, subkey, s.MaxSubkey())
	}
	if len(value.Data) > types.MaxSubkeyDataLength {
		return fmt.Errorf("%w: %d bytes", types.ErrValueTooLarge, len(value.Data))
	}
	return nil
}

func encode(kind Kind, body any) []byte {
	return append(kind[:], codec.MustMarshal(body)...)
}

// Decode 解析模式数据
func Decode(data []byte) (Schema, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSchema, len(data))
	}
	if len(data) > types.MaxSubkeyDataLength {
		return nil, fmt.Errorf("%w: schema data too large", ErrInvalidSchema)
	}
	var kind Kind
	copy(kind[:], data[:4])
	switch kind {
	case KindDFLT:
		var s DFLT
		if err := codec.Unmarshal(data[4:], &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
		}
		if err := s.validate(); err != nil {
			return nil, err
		}
		return &s, nil
	case KindSMPL:
		var s SMPL
		if err := codec.Unmarshal(data[4:], &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
		}
		if err := s.validate(); err != nil {
			return nil, err
		}
		return &s, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchema, kind.String())
}
