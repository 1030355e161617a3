package types

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// DialInfo 发起新连接所需的信息
//
// Request 仅用于 WS/WSS，表示 URL 路径部分。
type DialInfo struct {
	Protocol ProtocolType
	Socket   netip.AddrPort
	Request  string
}

// NewDialInfo 创建 DialInfo
func NewDialInfo(protocol ProtocolType, socket netip.AddrPort) DialInfo {
	return DialInfo{Protocol: protocol, Socket: canonicalAddrPort(socket)}
}

// NewWSDialInfo 创建 WS/WSS DialInfo
func NewWSDialInfo(secure bool, socket netip.AddrPort, request string) DialInfo {
	p := ProtocolWS
	if secure {
		p = ProtocolWSS
	}
	if request == "" {
		request = "/ws"
	}
	return DialInfo{Protocol: p, Socket: canonicalAddrPort(socket), Request: request}
}

// PeerAddress 转为 PeerAddress
func (d DialInfo) PeerAddress() PeerAddress {
	return PeerAddress{Socket: d.Socket, Protocol: d.Protocol}
}

// AddressType 地址族
func (d DialInfo) AddressType() AddressType {
	return AddressTypeOf(d.Socket.Addr())
}

// MatchesFilter 是否满足过滤器
func (d DialInfo) MatchesFilter(f DialInfoFilter) bool {
	return f.Protocols.Contains(d.Protocol) && f.AddressTypes.Contains(d.AddressType())
}

// URL WS/WSS 的 URL
func (d DialInfo) URL() string {
	scheme := "ws"
	if d.Protocol == ProtocolWSS {
		scheme = "wss"
	}
	req := d.Request
	if !strings.HasPrefix(req, "/") {
		req = "/" + req
	}
	return fmt.Sprintf("%s://%s%s", scheme, d.Socket, req)
}

// String 文本
func (d DialInfo) String() string {
	if d.Request != "" {
		return fmt.Sprintf("%s|%s|%s", d.Protocol, d.Socket, d.Request)
	}
	return fmt.Sprintf("%s|%s", d.Protocol, d.Socket)
}

// DialInfoClass 拨号信息类别
type DialInfoClass uint8

const (
	// DialInfoClassDirect 可直接连接
	DialInfoClassDirect DialInfoClass = iota
	// DialInfoClassMapped 经端口映射
	DialInfoClassMapped
	// DialInfoClassFullConeNAT 全锥形 NAT
	DialInfoClassFullConeNAT
	// DialInfoClassBlocked 入站被阻断
	DialInfoClassBlocked
	// DialInfoClassAddressRestrictedNAT 地址限制 NAT
	DialInfoClassAddressRestrictedNAT
	// DialInfoClassPortRestrictedNAT 端口限制 NAT
	DialInfoClassPortRestrictedNAT
)

// RequiresSignal 是否需要信令才能到达
func (c DialInfoClass) RequiresSignal() bool {
	return c == DialInfoClassAddressRestrictedNAT || c == DialInfoClassPortRestrictedNAT
}

// DialInfoDetail 拨号信息 + 类别
type DialInfoDetail struct {
	Class    DialInfoClass
	DialInfo DialInfo
}

// DialInfoFilter 协议与地址族过滤器
type DialInfoFilter struct {
	Protocols    ProtocolTypeSet
	AddressTypes AddressTypeSet
}

// DialInfoFilterAll 不过滤
var DialInfoFilterAll = DialInfoFilter{Protocols: ProtocolSetAll, AddressTypes: AddressSetAll}

// Intersect 交集
func (f DialInfoFilter) Intersect(o DialInfoFilter) DialInfoFilter {
	return DialInfoFilter{
		Protocols:    f.Protocols.Intersect(o.Protocols),
		AddressTypes: f.AddressTypes.Intersect(o.AddressTypes),
	}
}

// WithProtocols 限定协议
func (f DialInfoFilter) WithProtocols(ps ProtocolTypeSet) DialInfoFilter {
	f.Protocols = f.Protocols.Intersect(ps)
	return f
}

// IsDead 过滤器是否不可能匹配
func (f DialInfoFilter) IsDead() bool {
	return f.Protocols == 0 || f.AddressTypes == 0
}

// SortDialInfoDetails 按给定比较函数稳定排序（不修改入参）
func SortDialInfoDetails(in []DialInfoDetail, less func(a, b DialInfoDetail) bool) []DialInfoDetail {
	out := make([]DialInfoDetail, len(in))
	copy(out, in)
	if less != nil {
		sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out
}
