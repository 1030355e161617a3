package routing

import (
	"fmt"

	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              ContactMethod
// ============================================================================

// ContactMethodKind 联系方式类型
type ContactMethodKind uint8

const (
	// ContactUnreachable 不可达，只能尝试最近 Flow
	ContactUnreachable ContactMethodKind = iota
	// ContactExisting 只能使用已有 Flow
	ContactExisting
	// ContactDirect 直接连接拨号信息
	ContactDirect
	// ContactSignalReverse 经中继请求对端反向连接
	ContactSignalReverse
	// ContactSignalHolePunch 经中继协调 UDP 打洞
	ContactSignalHolePunch
	// ContactInboundRelay 经对端的中继转发
	ContactInboundRelay
	// ContactOutboundRelay 经本节点的中继转发
	ContactOutboundRelay
)

// String 文本
func (k ContactMethodKind) String() string {
	switch k {
	case ContactUnreachable:
		return "Unreachable"
	case ContactExisting:
		return "Existing"
	case ContactDirect:
		return "Direct"
	case ContactSignalReverse:
		return "SignalReverse"
	case ContactSignalHolePunch:
		return "SignalHolePunch"
	case ContactInboundRelay:
		return "InboundRelay"
	case ContactOutboundRelay:
		return "OutboundRelay"
	}
	return fmt.Sprintf("ContactMethodKind(%d)", uint8(k))
}

// ContactMethod 选定的联系方式
//
//	Direct:                  DialInfo
//	SignalReverse/HolePunch: RelayID, TargetID
//	InboundRelay/OutboundRelay: RelayID
type ContactMethod struct {
	Kind     ContactMethodKind
	DialInfo types.DialInfo
	RelayID  types.TypedKey
	TargetID types.TypedKey
}

// String 文本
func (cm ContactMethod) String() string {
	switch cm.Kind {
	case ContactDirect:
		return "Direct(" + cm.DialInfo.String() + ")"
	case ContactSignalReverse, ContactSignalHolePunch:
		return fmt.Sprintf("%s(%s,%s)", cm.Kind, cm.RelayID.ShortString(), cm.TargetID.ShortString())
	case ContactInboundRelay, ContactOutboundRelay:
		return fmt.Sprintf("%s(%s)", cm.Kind, cm.RelayID.ShortString())
	}
	return cm.Kind.String()
}

// ContactMethodRequest 联系方式选择的输入
type ContactMethodRequest struct {
	Domain types.RoutingDomain

	// Own 本节点发布的节点信息，nil 视为只出站且无中继
	Own *types.PeerInfo

	// Target 目标节点信息，nil 表示只通过 Flow 认识该节点
	Target *types.PeerInfo

	// Filter 目标引用上的拨号过滤器
	Filter types.DialInfoFilter

	Sequencing types.Sequencing

	// DialInfoSort 拨号信息排序，用于把最近失败的排到后面
	DialInfoSort func(a, b types.DialInfoDetail) bool
}

// GetContactMethod 选择联系方式
func (rt *RoutingTable) GetContactMethod(req ContactMethodRequest) ContactMethod {
	return SelectContactMethod(rt.identity.NodeIDs(), req)
}

// SelectContactMethod 根据双方节点信息选择联系方式
//
// ownIDs 用于识别目标把本节点当作中继的情况。
func SelectContactMethod(ownIDs types.TypedKeyGroup, req ContactMethodRequest) ContactMethod {
	if req.Target == nil {
		return ContactMethod{Kind: ContactExisting}
	}
	own := req.Own
	if own == nil {
		own = &types.PeerInfo{
			RoutingDomain: req.Domain,
			NodeInfo: types.NodeInfo{
				NetworkClass:      types.NetworkClassOutboundOnly,
				OutboundProtocols: types.ProtocolSetAll,
				AddressTypes:      types.AddressSetAll,
			},
		}
	}
	target := req.Target
	targetID := target.NodeIDs[0]

	// 本节点能拨出的
	filter := req.Filter.Intersect(own.NodeInfo.DialInfoFilter())
	if req.Sequencing == types.SequencingEnsureOrdered {
		filter = filter.WithProtocols(types.ProtocolSetAll.Ordered())
	}

	if di, ok := directDialInfo(target, filter, req.Sequencing, req.DialInfoSort); ok {
		return ContactMethod{Kind: ContactDirect, DialInfo: di}
	}
	if req.Domain == types.RoutingDomainLocalNetwork {
		return ContactMethod{Kind: ContactUnreachable}
	}

	ni := &target.NodeInfo
	if ni.HasRelay() {
		// 目标的中继就是本节点：目标是本节点的客户端，只能走它连过来的 Flow
		if ownIDs.ContainsAny(ni.RelayIDs) {
			return ContactMethod{Kind: ContactExisting}
		}
		relayID := ni.RelayIDs[0]

		if hasSignalDialInfo(target, filter) {
			// 反向连接：目标能直接拨通本节点
			targetCanDial := ni.DialInfoFilter()
			if req.Sequencing == types.SequencingEnsureOrdered {
				targetCanDial = targetCanDial.WithProtocols(types.ProtocolSetAll.Ordered())
			}
			if own.NodeInfo.NetworkClass == types.NetworkClassInboundCapable && hasDirectDialInfo(own, targetCanDial) {
				return ContactMethod{Kind: ContactSignalReverse, RelayID: relayID, TargetID: targetID}
			}

			// 打洞：双方都有 UDP 拨号信息
			udp := types.NewProtocolTypeSet(types.ProtocolUDP)
			if filter.Protocols.Contains(types.ProtocolUDP) && targetCanDial.Protocols.Contains(types.ProtocolUDP) {
				_, targetUDP := target.NodeInfo.FirstFilteredDialInfoDetail(filter.WithProtocols(udp))
				_, ownUDP := own.NodeInfo.FirstFilteredDialInfoDetail(targetCanDial.WithProtocols(udp))
				if targetUDP && ownUDP {
					return ContactMethod{Kind: ContactSignalHolePunch, RelayID: relayID, TargetID: targetID}
				}
			}
		}
		return ContactMethod{Kind: ContactInboundRelay, RelayID: relayID}
	}

	if own.NodeInfo.HasRelay() {
		return ContactMethod{Kind: ContactOutboundRelay, RelayID: own.NodeInfo.RelayIDs[0]}
	}
	if len(ni.DialInfoDetails) == 0 {
		return ContactMethod{Kind: ContactExisting}
	}
	return ContactMethod{Kind: ContactUnreachable}
}

// directDialInfo 不需要信令即可连接的第一个拨号信息
func directDialInfo(pi *types.PeerInfo, filter types.DialInfoFilter, seq types.Sequencing, less func(a, b types.DialInfoDetail) bool) (types.DialInfo, bool) {
	var cands []types.DialInfoDetail
	for _, d := range pi.NodeInfo.FilteredDialInfoDetails(filter) {
		if d.Class.RequiresSignal() || d.Class == types.DialInfoClassBlocked {
			continue
		}
		cands = append(cands, d)
	}
	if len(cands) == 0 {
		return types.DialInfo{}, false
	}
	cands = types.SortDialInfoDetails(cands, less)
	if seq == types.SequencingPreferOrdered {
		cands = types.SortDialInfoDetails(cands, func(a, b types.DialInfoDetail) bool {
			return a.DialInfo.Protocol.IsOrdered() && !b.DialInfo.Protocol.IsOrdered()
		})
	}
	return cands[0].DialInfo, true
}

func hasDirectDialInfo(pi *types.PeerInfo, filter types.DialInfoFilter) bool {
	_, ok := directDialInfo(pi, filter, types.SequencingNoPreference, nil)
	return ok
}

func hasSignalDialInfo(pi *types.PeerInfo, filter types.DialInfoFilter) bool {
	for _, d := range pi.NodeInfo.FilteredDialInfoDetails(filter) {
		if d.Class.RequiresSignal() {
			return true
		}
	}
	return false
}
