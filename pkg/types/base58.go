package types

import (
	"errors"

	"github.com/mr-tron/base58"
)

// ErrInvalidBase58 无效的 Base58 文本
var ErrInvalidBase58 = errors.New("types: invalid base58")

// Base58Encode 将字节切片编码为 Base58 字符串
func Base58Encode(input []byte) string {
	if len(input) == 0 {
		return ""
	}
	return base58.Encode(input)
}

// Base58Decode 解码 Base58 字符串
func Base58Decode(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrInvalidBase58
	}
	out, err := base58.Decode(s)
	if err != nil {
		return nil, ErrInvalidBase58
	}
	return out, nil
}
