package types

// ============================================================================
//                              RoutingDomain
// ============================================================================

// RoutingDomain 路由域
type RoutingDomain uint8

const (
	// RoutingDomainPublicInternet 公网
	RoutingDomainPublicInternet RoutingDomain = iota
	// RoutingDomainLocalNetwork 局域网
	RoutingDomainLocalNetwork
)

// AllRoutingDomains 所有路由域
var AllRoutingDomains = []RoutingDomain{RoutingDomainPublicInternet, RoutingDomainLocalNetwork}

// String 文本
func (d RoutingDomain) String() string {
	if d == RoutingDomainLocalNetwork {
		return "LocalNetwork"
	}
	return "PublicInternet"
}

// RoutingDomainSet 路由域集合
type RoutingDomainSet uint8

// RoutingDomainSetAll 全部路由域
const RoutingDomainSetAll RoutingDomainSet = 0x03

// NewRoutingDomainSet 构造集合
func NewRoutingDomainSet(ds ...RoutingDomain) RoutingDomainSet {
	var s RoutingDomainSet
	for _, d := range ds {
		s |= 1 << d
	}
	return s
}

// Contains 是否包含
func (s RoutingDomainSet) Contains(d RoutingDomain) bool {
	return s&(1<<d) != 0
}

// ============================================================================
//                              NetworkClass / Capability
// ============================================================================

// NetworkClass 节点网络类别
type NetworkClass uint8

const (
	// NetworkClassInvalid 未知
	NetworkClassInvalid NetworkClass = iota
	// NetworkClassInboundCapable 可接受入站连接
	NetworkClassInboundCapable
	// NetworkClassOutboundOnly 只能出站
	NetworkClassOutboundOnly
	// NetworkClassWebApp 浏览器环境
	NetworkClassWebApp
)

// Capability 节点能力（FourCC）
type Capability [4]byte

// 已知能力
var (
	CapabilityRoute      = Capability{'R', 'O', 'U', 'T'}
	CapabilitySignal     = Capability{'S', 'G', 'N', 'L'}
	CapabilityRelay      = Capability{'R', 'L', 'A', 'Y'}
	CapabilityValidate   = Capability{'D', 'I', 'A', 'L'}
	CapabilityDHT        = Capability{'D', 'H', 'T', 'V'}
	CapabilityDHTWatch   = Capability{'D', 'H', 'T', 'W'}
	CapabilityAppMessage = Capability{'A', 'P', 'P', 'M'}
)

// AllCapabilities 默认发布的能力
var AllCapabilities = []Capability{
	CapabilityRoute, CapabilitySignal, CapabilityRelay, CapabilityValidate,
	CapabilityDHT, CapabilityDHTWatch, CapabilityAppMessage,
}

// String 文本
func (c Capability) String() string {
	return string(c[:])
}

// ============================================================================
//                              NodeInfo / PeerInfo
// ============================================================================

// NodeInfo 节点在某路由域发布的信息
type NodeInfo struct {
	NetworkClass      NetworkClass     `cbor:"1,keyasint"`
	OutboundProtocols ProtocolTypeSet  `cbor:"2,keyasint"`
	AddressTypes      AddressTypeSet   `cbor:"3,keyasint"`
	EnvelopeSupport   []uint8          `cbor:"4,keyasint,omitempty"`
	CryptoSupport     []CryptoKind     `cbor:"5,keyasint,omitempty"`
	Capabilities      []Capability     `cbor:"6,keyasint,omitempty"`
	DialInfoDetails   []DialInfoDetail `cbor:"7,keyasint,omitempty"`
	RelayIDs          TypedKeyGroup    `cbor:"8,keyasint,omitempty"`
	RelayInfo         *PeerInfo        `cbor:"9,keyasint,omitempty"`
	Timestamp         Timestamp        `cbor:"10,keyasint"`
}

// HasCapability 是否具备能力
func (ni *NodeInfo) HasCapability(c Capability) bool {
	for _, x := range ni.Capabilities {
		if x == c {
			return true
		}
	}
	return false
}

// HasAllCapabilities 是否具备全部能力
func (ni *NodeInfo) HasAllCapabilities(cs ...Capability) bool {
	for _, c := range cs {
		if !ni.HasCapability(c) {
			return false
		}
	}
	return true
}

// HasRelay 是否使用中继
func (ni *NodeInfo) HasRelay() bool {
	return len(ni.RelayIDs) > 0
}

// SupportsEnvelope 是否支持该信封版本
func (ni *NodeInfo) SupportsEnvelope(v uint8) bool {
	for _, x := range ni.EnvelopeSupport {
		if x == v {
			return true
		}
	}
	return false
}

// FilteredDialInfoDetails 满足过滤器的拨号信息
func (ni *NodeInfo) FilteredDialInfoDetails(f DialInfoFilter) []DialInfoDetail {
	out := make([]DialInfoDetail, 0, len(ni.DialInfoDetails))
	for _, d := range ni.DialInfoDetails {
		if d.DialInfo.MatchesFilter(f) {
			out = append(out, d)
		}
	}
	return out
}

// FirstFilteredDialInfoDetail 第一个满足过滤器的拨号信息
func (ni *NodeInfo) FirstFilteredDialInfoDetail(f DialInfoFilter) (DialInfoDetail, bool) {
	for _, d := range ni.DialInfoDetails {
		if d.DialInfo.MatchesFilter(f) {
			return d, true
		}
	}
	return DialInfoDetail{}, false
}

// HasDirectDialInfo 是否存在可直接连接的拨号信息
func (ni *NodeInfo) HasDirectDialInfo() bool {
	for _, d := range ni.DialInfoDetails {
		if !d.Class.RequiresSignal() && d.Class != DialInfoClassBlocked {
			return true
		}
	}
	return false
}

// OrderedOnly 是否只支持有序协议
func (ni *NodeInfo) OrderedOnly() bool {
	return ni.OutboundProtocols.OnlyOrdered()
}

// DialInfoFilter 节点自身支持的拨号过滤器
func (ni *NodeInfo) DialInfoFilter() DialInfoFilter {
	return DialInfoFilter{Protocols: ni.OutboundProtocols, AddressTypes: ni.AddressTypes}
}

// PeerInfo 节点 ID 集合 + 节点信息
type PeerInfo struct {
	RoutingDomain RoutingDomain `cbor:"1,keyasint"`
	NodeIDs       TypedKeyGroup `cbor:"2,keyasint"`
	NodeInfo      NodeInfo      `cbor:"3,keyasint"`
}

// Timestamp 节点信息时间戳
func (pi *PeerInfo) Timestamp() Timestamp {
	return pi.NodeInfo.Timestamp
}

// Validate 基本合法性检查
func (pi *PeerInfo) Validate() bool {
	return len(pi.NodeIDs) > 0
}
