package dht

import "github.com/dep2p/go-overlay/pkg/types"

// ValueChange 记录子键变化
//
// 来源有两种：出站监听收到的 ValueChanged 语句，以及读取或写入过程中
// 从网络得到的比调用方已知更新的值。
type ValueChange struct {
	Key     types.RecordKey
	Subkeys types.ValueSubkeyRangeSet

	// Count 监听剩余的通知次数，非监听来源为 0
	Count uint32

	// Value 第一个变化子键的新值，可能为 nil
	Value *types.ValueData
}
