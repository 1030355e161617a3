package rpc

import (
	"fmt"

	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/pkg/types"
)

// DestinationKind 目标类别
type DestinationKind uint8

const (
	// DestDirect 直接发给节点
	DestDirect DestinationKind = iota
	// DestRelay 经中继发给节点
	DestRelay
	// DestPrivateRoute 经私有路由发给路由所有者
	DestPrivateRoute
)

// Destination 操作的目标
type Destination struct {
	Kind DestinationKind

	// Node 直连与中继时的目标节点
	Node routing.NodeRef

	// Relay 中继节点
	Relay routing.NodeRef

	// Route 私有路由
	Route *PrivateRoute

	// Safety 安全选择，Safe 时经安全路由发送
	Safety types.SafetySelection
}

// Direct 直连目标
func Direct(nr routing.NodeRef) Destination {
	return Destination{Kind: DestDirect, Node: nr, Safety: types.UnsafeSelection(nr.Sequencing())}
}

// Relay 经 relay 转发给 target
func Relay(relay, target routing.NodeRef) Destination {
	return Destination{Kind: DestRelay, Node: target, Relay: relay, Safety: types.UnsafeSelection(target.Sequencing())}
}

// PrivateRouteTo 经私有路由的目标
func PrivateRouteTo(pr *PrivateRoute, safety types.SafetySelection) Destination {
	return Destination{Kind: DestPrivateRoute, Route: pr, Safety: safety}
}

// WithSafety 替换安全选择
func (d Destination) WithSafety(s types.SafetySelection) Destination {
	d.Safety = s
	return d
}

// IsRouted 是否经安全路由或私有路由
func (d Destination) IsRouted() bool {
	return d.Kind == DestPrivateRoute || d.Safety.IsSafe()
}

// Target 直连或中继的目标节点 ID
func (d Destination) Target() types.TypedKeyGroup {
	if d.Kind == DestPrivateRoute {
		return nil
	}
	return d.Node.NodeIDs()
}

// String 日志文本
func (d Destination) String() string {
	safe := ""
	if d.Safety.IsSafe() {
		safe = fmt.Sprintf(" safe(hops=%d)", d.Safety.Safe.HopCount)
	}
	switch d.Kind {
	case DestDirect:
		return "Direct(" + d.Node.String() + ")" + safe
	case DestRelay:
		return "Relay(" + d.Relay.String() + "->" + d.Node.String() + ")" + safe
	case DestPrivateRoute:
		return d.Route.String() + safe
	}
	return fmt.Sprintf("Destination(%d)", uint8(d.Kind))
}
