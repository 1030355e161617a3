package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ============================================================================
//                              ValueData
// ============================================================================

// MaxSubkeyDataLength 单个子键数据的最大长度
const MaxSubkeyDataLength = 32768

// ErrValueTooLarge 子键数据过大
var ErrValueTooLarge = errors.New("types: value data too large")

// ValueSubkey 子键编号
type ValueSubkey = uint32

// ValueSeqNum 子键序号
type ValueSeqNum = uint32

// ValueData 子键的一个版本
type ValueData struct {
	Seq    ValueSeqNum `cbor:"1,keyasint"`
	Data   []byte      `cbor:"2,keyasint"`
	Writer PublicKey   `cbor:"3,keyasint"`
}

// NewValueData 创建子键数据
func NewValueData(seq ValueSeqNum, data []byte, writer PublicKey) (ValueData, error) {
	if len(data) > MaxSubkeyDataLength {
		return ValueData{}, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(data))
	}
	return ValueData{Seq: seq, Data: data, Writer: writer}, nil
}

// Equal 序号、数据与写入者全部相同
func (v ValueData) Equal(o ValueData) bool {
	return v.Seq == o.Seq && v.Writer == o.Writer && bytes.Equal(v.Data, o.Data)
}

// TotalSize 占用的字节数
func (v ValueData) TotalSize() int {
	return 4 + len(v.Data) + CryptoKeyLength
}

// SignedValueData 写入者签名的子键数据
type SignedValueData struct {
	Value     ValueData `cbor:"1,keyasint"`
	Signature Signature `cbor:"2,keyasint"`
}

// SignedValueDescriptor 记录所有者签名的模式描述
type SignedValueDescriptor struct {
	Owner      PublicKey `cbor:"1,keyasint"`
	SchemaData []byte    `cbor:"2,keyasint"`
	Signature  Signature `cbor:"3,keyasint"`
}

// Equal 字节相等
func (d *SignedValueDescriptor) Equal(o *SignedValueDescriptor) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.Owner == o.Owner && d.Signature == o.Signature && bytes.Equal(d.SchemaData, o.SchemaData)
}

// ============================================================================
//                              ValueSubkeyRangeSet
// ============================================================================

// SubkeyRange 闭区间 [Start, End]
type SubkeyRange struct {
	Start ValueSubkey `cbor:"1,keyasint"`
	End   ValueSubkey `cbor:"2,keyasint"`
}

// ValueSubkeyRangeSet 有序且不相交的子键区间集合
type ValueSubkeyRangeSet []SubkeyRange

// SingleSubkey 只含一个子键的集合
func SingleSubkey(s ValueSubkey) ValueSubkeyRangeSet {
	return ValueSubkeyRangeSet{{Start: s, End: s}}
}

// SubkeyRangeOf 一个区间的集合
func SubkeyRangeOf(start, end ValueSubkey) ValueSubkeyRangeSet {
	if end < start {
		return nil
	}
	return ValueSubkeyRangeSet{{Start: start, End: end}}
}

// IsEmpty 是否为空
func (s ValueSubkeyRangeSet) IsEmpty() bool {
	return len(s) == 0
}

// Contains 是否包含子键
func (s ValueSubkeyRangeSet) Contains(k ValueSubkey) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].End >= k })
	return i < len(s) && s[i].Start <= k
}

// Len 子键个数
func (s ValueSubkeyRangeSet) Len() uint64 {
	var n uint64
	for _, r := range s {
		n += uint64(r.End-r.Start) + 1
	}
	return n
}

// Insert 加入子键，返回新集合
func (s ValueSubkeyRangeSet) Insert(k ValueSubkey) ValueSubkeyRangeSet {
	return s.Union(SingleSubkey(k))
}

// Union 并集
func (s ValueSubkeyRangeSet) Union(o ValueSubkeyRangeSet) ValueSubkeyRangeSet {
	all := make([]SubkeyRange, 0, len(s)+len(o))
	all = append(all, s...)
	all = append(all, o...)
	return normalizeRanges(all)
}

// Intersect 交集
func (s ValueSubkeyRangeSet) Intersect(o ValueSubkeyRangeSet) ValueSubkeyRangeSet {
	var out []SubkeyRange
	i, j := 0, 0
	for i < len(s) && j < len(o) {
		lo := max(s[i].Start, o[j].Start)
		hi := min(s[i].End, o[j].End)
		if lo <= hi {
			out = append(out, SubkeyRange{Start: lo, End: hi})
		}
		if s[i].End < o[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}

// Difference 差集
func (s ValueSubkeyRangeSet) Difference(o ValueSubkeyRangeSet) ValueSubkeyRangeSet {
	var out []SubkeyRange
	for _, r := range s {
		start := uint64(r.Start)
		end := uint64(r.End)
		for _, x := range o {
			if uint64(x.End) < start || uint64(x.Start) > end {
				continue
			}
			if uint64(x.Start) > start {
				out = append(out, SubkeyRange{Start: ValueSubkey(start), End: x.Start - 1})
			}
			start = uint64(x.End) + 1
			if start > end {
				break
			}
		}
		if start <= end {
			out = append(out, SubkeyRange{Start: ValueSubkey(start), End: ValueSubkey(end)})
		}
	}
	return out
}

// First 最小的子键
func (s ValueSubkeyRangeSet) First() (ValueSubkey, bool) {
	if len(s) == 0 {
		return 0, false
	}
	return s[0].Start, true
}

// Subkeys 展开为子键列表，最多 limit 个
func (s ValueSubkeyRangeSet) Subkeys(limit int) []ValueSubkey {
	var out []ValueSubkey
	for _, r := range s {
		for k := uint64(r.Start); k <= uint64(r.End); k++ {
			if len(out) >= limit {
				return out
			}
			out = append(out, ValueSubkey(k))
		}
	}
	return out
}

// String 文本
func (s ValueSubkeyRangeSet) String() string {
	parts := make([]string, 0, len(s))
	for _, r := range s {
		if r.Start == r.End {
			parts = append(parts, fmt.Sprint(r.Start))
		} else {
			parts = append(parts, fmt.Sprintf("%d..%d", r.Start, r.End))
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func normalizeRanges(rs []SubkeyRange) ValueSubkeyRangeSet {
	if len(rs) == 0 {
		return nil
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	out := []SubkeyRange{rs[0]}
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if uint64(r.Start) <= uint64(last.End)+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
