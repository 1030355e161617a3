// Package codec 提供统一的 CBOR 编解码
//
// 编码使用规范模式（Canonical），同一值总是得到相同字节，
// 签名覆盖的结构可以直接对编码结果签名。
// 解码使用严格模式：拒绝重复键和不定长编码，并限制嵌套深度与元素数量，
// 用于处理来自网络的不可信输入。
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
		MaxNestedLevels:  32,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor dec mode: %v", err))
	}
	decMode = dm
}

// Marshal 规范编码
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// MustMarshal 规范编码，失败则 panic（仅用于编码本地构造的值）
func MustMarshal(v any) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("codec: marshal %T: %v", v, err))
	}
	return b
}

// Unmarshal 严格解码
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage 延迟解码的 CBOR 片段
type RawMessage = cbor.RawMessage
