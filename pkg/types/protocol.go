package types

import (
	"net/netip"
	"strings"
)

// ============================================================================
//                              ProtocolType
// ============================================================================

// ProtocolType 传输协议
type ProtocolType uint8

const (
	// ProtocolUDP 无连接 UDP
	ProtocolUDP ProtocolType = iota
	// ProtocolTCP 面向连接 TCP
	ProtocolTCP
	// ProtocolWS WebSocket
	ProtocolWS
	// ProtocolWSS 安全 WebSocket
	ProtocolWSS
)

// ConnectionOrientedProtocols 面向连接的协议（各有一个连接表分区）
var ConnectionOrientedProtocols = []ProtocolType{ProtocolTCP, ProtocolWS, ProtocolWSS}

// AllProtocols 所有协议
var AllProtocols = []ProtocolType{ProtocolUDP, ProtocolTCP, ProtocolWS, ProtocolWSS}

// String 返回协议名
func (p ProtocolType) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolWS:
		return "ws"
	case ProtocolWSS:
		return "wss"
	}
	return "unknown"
}

// ParseProtocolType 解析协议名
func ParseProtocolType(s string) (ProtocolType, bool) {
	switch strings.ToLower(s) {
	case "udp":
		return ProtocolUDP, true
	case "tcp":
		return ProtocolTCP, true
	case "ws":
		return ProtocolWS, true
	case "wss":
		return ProtocolWSS, true
	}
	return 0, false
}

// IsOrdered 是否保证发送顺序
func (p ProtocolType) IsOrdered() bool {
	return p != ProtocolUDP
}

// IsConnectionOriented 是否面向连接
func (p ProtocolType) IsConnectionOriented() bool {
	return p != ProtocolUDP
}

// LowLevel 底层协议（WS/WSS 底层都是 TCP，用于端口冲突检测）
func (p ProtocolType) LowLevel() LowLevelProtocolType {
	if p == ProtocolUDP {
		return LowLevelUDP
	}
	return LowLevelTCP
}

// LowLevelProtocolType 底层协议
type LowLevelProtocolType uint8

const (
	// LowLevelUDP UDP
	LowLevelUDP LowLevelProtocolType = iota
	// LowLevelTCP TCP
	LowLevelTCP
)

// ProtocolTypeSet 协议集合（位图）
type ProtocolTypeSet uint8

// ProtocolSetAll 全部协议
const ProtocolSetAll ProtocolTypeSet = 0x0f

// NewProtocolTypeSet 从协议列表构造
func NewProtocolTypeSet(ps ...ProtocolType) ProtocolTypeSet {
	var s ProtocolTypeSet
	for _, p := range ps {
		s |= 1 << p
	}
	return s
}

// Contains 是否包含
func (s ProtocolTypeSet) Contains(p ProtocolType) bool {
	return s&(1<<p) != 0
}

// Intersect 交集
func (s ProtocolTypeSet) Intersect(o ProtocolTypeSet) ProtocolTypeSet {
	return s & o
}

// IsEmpty 是否为空
func (s ProtocolTypeSet) IsEmpty() bool {
	return s == 0
}

// OnlyOrdered 集合内是否只有有序协议
func (s ProtocolTypeSet) OnlyOrdered() bool {
	return !s.IsEmpty() && !s.Contains(ProtocolUDP)
}

// Ordered 过滤出有序协议
func (s ProtocolTypeSet) Ordered() ProtocolTypeSet {
	return s &^ NewProtocolTypeSet(ProtocolUDP)
}

// ============================================================================
//                              AddressType
// ============================================================================

// AddressType 地址族
type AddressType uint8

const (
	// AddressIPv4 IPv4
	AddressIPv4 AddressType = iota
	// AddressIPv6 IPv6
	AddressIPv6
)

// String 返回地址族名
func (a AddressType) String() string {
	if a == AddressIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// AddressTypeOf 获取地址的地址族
func AddressTypeOf(addr netip.Addr) AddressType {
	if addr.Unmap().Is4() {
		return AddressIPv4
	}
	return AddressIPv6
}

// AddressTypeSet 地址族集合
type AddressTypeSet uint8

// AddressSetAll 全部地址族
const AddressSetAll AddressTypeSet = 0x03

// NewAddressTypeSet 从地址族列表构造
func NewAddressTypeSet(as ...AddressType) AddressTypeSet {
	var s AddressTypeSet
	for _, a := range as {
		s |= 1 << a
	}
	return s
}

// Contains 是否包含
func (s AddressTypeSet) Contains(a AddressType) bool {
	return s&(1<<a) != 0
}

// Intersect 交集
func (s AddressTypeSet) Intersect(o AddressTypeSet) AddressTypeSet {
	return s & o
}
