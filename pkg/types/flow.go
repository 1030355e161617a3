package types

import (
	"fmt"
	"net/netip"
)

// ============================================================================
//                              PeerAddress
// ============================================================================

// PeerAddress 远端套接字地址 + 协议
//
// 同一套接字地址上的不同协议视为不同的 PeerAddress。
type PeerAddress struct {
	Socket   netip.AddrPort
	Protocol ProtocolType
}

// NewPeerAddress 创建 PeerAddress
func NewPeerAddress(socket netip.AddrPort, protocol ProtocolType) PeerAddress {
	return PeerAddress{Socket: canonicalAddrPort(socket), Protocol: protocol}
}

// AddressType 地址族
func (pa PeerAddress) AddressType() AddressType {
	return AddressTypeOf(pa.Socket.Addr())
}

// String 返回 "proto:addr:port"
func (pa PeerAddress) String() string {
	return pa.Protocol.String() + ":" + pa.Socket.String()
}

// ============================================================================
//                              Flow
// ============================================================================

// Flow 面向连接路径的身份
//
// Local 无效（零值）表示未指定本地端点。四个字段全部参与相等比较。
type Flow struct {
	Remote PeerAddress
	Local  netip.AddrPort
}

// NewFlow 创建 Flow
func NewFlow(remote PeerAddress, local netip.AddrPort) Flow {
	return Flow{Remote: remote, Local: canonicalAddrPort(local)}
}

// NewFlowNoLocal 创建无本地端点的 Flow
func NewFlowNoLocal(remote PeerAddress) Flow {
	return Flow{Remote: remote}
}

// Protocol 协议
func (f Flow) Protocol() ProtocolType {
	return f.Remote.Protocol
}

// AddressType 地址族
func (f Flow) AddressType() AddressType {
	return f.Remote.AddressType()
}

// HasLocal 是否带本地端点
func (f Flow) HasLocal() bool {
	return f.Local.IsValid()
}

// RemoteAddr 远端 IP
func (f Flow) RemoteAddr() netip.Addr {
	return f.Remote.Socket.Addr()
}

// IsZero 是否为空 Flow
func (f Flow) IsZero() bool {
	return f == Flow{}
}

// MatchesFilter 是否满足拨号过滤器
func (f Flow) MatchesFilter(filter DialInfoFilter) bool {
	return filter.Protocols.Contains(f.Protocol()) && filter.AddressTypes.Contains(f.AddressType())
}

// String 文本
func (f Flow) String() string {
	if f.HasLocal() {
		return fmt.Sprintf("%s;L:%s", f.Remote, f.Local)
	}
	return f.Remote.String()
}

// ============================================================================
//                              UniqueFlow
// ============================================================================

// ConnectionID 连接 ID，节点内单调递增，0 表示无
type ConnectionID uint64

// UniqueFlow Flow + 可选连接 ID
type UniqueFlow struct {
	Flow         Flow
	ConnectionID ConnectionID
}

// HasConnectionID 是否有连接 ID
func (u UniqueFlow) HasConnectionID() bool {
	return u.ConnectionID != 0
}

// String 文本
func (u UniqueFlow) String() string {
	if u.HasConnectionID() {
		return fmt.Sprintf("%s#%d", u.Flow, u.ConnectionID)
	}
	return u.Flow.String()
}

func canonicalAddrPort(ap netip.AddrPort) netip.AddrPort {
	if !ap.IsValid() {
		return ap
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
