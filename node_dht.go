package overlay

import (
	"context"

	"github.com/dep2p/go-overlay/internal/core/eventbus"
	"github.com/dep2p/go-overlay/internal/dht"
	"github.com/dep2p/go-overlay/internal/dht/schema"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              类型别名
// ════════════════════════════════════════════════════════════════════════════

type (
	// Schema 记录模式
	Schema = schema.Schema

	// SchemaMember SMPL 模式成员
	SchemaMember = schema.Member

	// RecordInfo 创建或打开记录后的描述
	RecordInfo = dht.RecordInfo

	// ValueChange 记录子键变化
	ValueChange = dht.ValueChange
)

// NewDFLTSchema 只有所有者可写的模式
func NewDFLTSchema(ownerCount uint16) (Schema, error) {
	return schema.NewDFLT(ownerCount)
}

// NewSMPLSchema 所有者加成员的模式
func NewSMPLSchema(ownerCount uint16, members ...SchemaMember) (Schema, error) {
	return schema.NewSMPL(ownerCount, members...)
}

// ════════════════════════════════════════════════════════════════════════════
//                              记录操作
// ════════════════════════════════════════════════════════════════════════════

// CreateRecord 创建记录，owner 为 nil 时生成新的所有者密钥
func (n *Node) CreateRecord(kind types.CryptoKind, sch Schema, owner *types.KeyPair, safety types.SafetySelection) (RecordInfo, error) {
	if err := n.checkRunning(); err != nil {
		return RecordInfo{}, err
	}
	return n.dht.CreateRecord(kind, sch, owner, safety)
}

// OpenRecord 打开记录，本地没有时从网络获取描述符
func (n *Node) OpenRecord(ctx context.Context, key types.RecordKey, writer *types.KeyPair, safety types.SafetySelection) (RecordInfo, error) {
	if err := n.checkRunning(); err != nil {
		return RecordInfo{}, err
	}
	return n.dht.OpenRecord(ctx, key, writer, safety)
}

// CloseRecord 关闭记录并取消其监听
func (n *Node) CloseRecord(ctx context.Context, key types.RecordKey) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	return n.dht.CloseRecord(ctx, key)
}

// DeleteRecord 删除本地副本
func (n *Node) DeleteRecord(ctx context.Context, key types.RecordKey) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	return n.dht.DeleteRecord(ctx, key)
}

// RecordKeys 本地持有的记录
func (n *Node) RecordKeys() []types.RecordKey {
	if n.checkRunning() != nil {
		return nil
	}
	return n.dht.RecordKeys()
}

// GetValue 读取子键
func (n *Node) GetValue(ctx context.Context, key types.RecordKey, subkey types.ValueSubkey, forceRefresh bool) (*types.ValueData, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	return n.dht.GetValue(ctx, key, subkey, forceRefresh)
}

// SetValue 写入子键，返回网络上最终的值
//
// 返回值与 data 不同说明网络上已有更新的值。没有节点接受时子键进入离线队列，
// 节点后台重试。
func (n *Node) SetValue(ctx context.Context, key types.RecordKey, subkey types.ValueSubkey, data []byte, writer *types.KeyPair) (*types.ValueData, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	return n.dht.SetValue(ctx, key, subkey, data, writer)
}

// OfflineSubkeys 尚未写到网络的子键
func (n *Node) OfflineSubkeys(key types.RecordKey) types.ValueSubkeyRangeSet {
	if n.checkRunning() != nil {
		return types.ValueSubkeyRangeSet{}
	}
	return n.dht.OfflineSubkeys(key)
}

// WatchValues 监听子键变化，返回实际生效的过期时间，0 表示没有节点接受
func (n *Node) WatchValues(ctx context.Context, key types.RecordKey, subkeys types.ValueSubkeyRangeSet, expiration types.Timestamp, count uint32) (types.Timestamp, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}
	return n.dht.WatchValues(ctx, key, subkeys, expiration, count)
}

// CancelWatch 取消部分或全部子键的监听，返回是否仍有监听
func (n *Node) CancelWatch(ctx context.Context, key types.RecordKey, subkeys types.ValueSubkeyRangeSet) (bool, error) {
	if err := n.checkRunning(); err != nil {
		return false, err
	}
	return n.dht.CancelWatch(ctx, key, subkeys)
}

// ════════════════════════════════════════════════════════════════════════════
//                              变化订阅
// ════════════════════════════════════════════════════════════════════════════

// ValueChangeSubscription ValueChange 订阅
type ValueChangeSubscription interface {
	// Out 事件通道，订阅关闭后关闭
	Out() <-chan ValueChange

	// Close 取消订阅
	Close() error
}

// SubscribeValueChanges 订阅记录变化，缓冲区满时丢弃事件
func (n *Node) SubscribeValueChanges(buf int) (ValueChangeSubscription, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	if buf <= 0 {
		buf = 16
	}
	sub, err := eventbus.Subscribe[ValueChange](n.bus, eventbus.BufSize(buf))
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return sub, nil
}
