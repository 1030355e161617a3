package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dep2p/go-overlay/pkg/types"
)

func testKey(b byte) types.TypedKey {
	return types.NewTypedKey(types.CryptoKindVLD0, types.CryptoKey{b})
}

func ownInfo(class types.NetworkClass, relay *types.TypedKey, details ...types.DialInfoDetail) *types.PeerInfo {
	pi := makePeerInfo(testKey(1), 1, details...)
	pi.NodeInfo.NetworkClass = class
	if relay != nil {
		pi.NodeInfo.RelayIDs = types.TypedKeyGroup{*relay}
	}
	return pi
}

func targetInfo(relay *types.TypedKey, details ...types.DialInfoDetail) *types.PeerInfo {
	pi := makePeerInfo(testKey(2), 1, details...)
	if relay != nil {
		pi.NodeInfo.RelayIDs = types.TypedKeyGroup{*relay}
	}
	return pi
}

func TestSelectContactMethod(t *testing.T) {
	ownIDs := types.TypedKeyGroup{testKey(1)}
	relay := testKey(3)
	ownRelay := testKey(4)
	self := testKey(1)

	tcp1 := tcpDetail("1.2.3.4:1")
	tcp2 := tcpDetail("1.2.3.4:2")
	udpDirect := udpDetail("1.2.3.4:3", types.DialInfoClassDirect)
	udpNAT := udpDetail("1.2.3.4:4", types.DialInfoClassPortRestrictedNAT)
	blocked := udpDetail("1.2.3.4:5", types.DialInfoClassBlocked)
	ownTCP := tcpDetail("5.6.7.8:1")
	ownUDP := udpDetail("5.6.7.8:2", types.DialInfoClassPortRestrictedNAT)

	preferPort2 := func(a, b types.DialInfoDetail) bool {
		return a.DialInfo.Socket.Port() == 2 && b.DialInfo.Socket.Port() != 2
	}

	cases := []struct {
		name string
		req  ContactMethodRequest
		want ContactMethod
	}{
		{
			name: "无目标信息",
			req:  ContactMethodRequest{Domain: types.RoutingDomainPublicInternet},
			want: ContactMethod{Kind: ContactExisting},
		},
		{
			name: "直连",
			req: ContactMethodRequest{
				Domain: types.RoutingDomainPublicInternet,
				Target: targetInfo(nil, tcp1),
				Filter: types.DialInfoFilterAll,
			},
			want: ContactMethod{Kind: ContactDirect, DialInfo: tcp1.DialInfo},
		},
		{
			name: "无偏好取第一个",
			req: ContactMethodRequest{
				Domain: types.RoutingDomainPublicInternet,
				Target: targetInfo(nil, udpDirect, tcp1),
				Filter: types.DialInfoFilterAll,
			},
			want: ContactMethod{Kind: ContactDirect, DialInfo: udpDirect.DialInfo},
		},
		{
			name: "优先有序协议",
			req: ContactMethodRequest{
				Domain:     types.RoutingDomainPublicInternet,
				Target:     targetInfo(nil, udpDirect, tcp1),
				Filter:     types.DialInfoFilterAll,
				Sequencing: types.SequencingPreferOrdered,
			},
			want: ContactMethod{Kind: ContactDirect, DialInfo: tcp1.DialInfo},
		},
		{
			name: "只允许有序协议时排除 UDP",
			req: ContactMethodRequest{
				Domain:     types.RoutingDomainPublicInternet,
				Target:     targetInfo(nil, udpDirect),
				Filter:     types.DialInfoFilterAll,
				Sequencing: types.SequencingEnsureOrdered,
			},
			want: ContactMethod{Kind: ContactUnreachable},
		},
		{
			name: "排序函数生效",
			req: ContactMethodRequest{
				Domain:       types.RoutingDomainPublicInternet,
				Target:       targetInfo(nil, tcp1, tcp2),
				Filter:       types.DialInfoFilterAll,
				DialInfoSort: preferPort2,
			},
			want: ContactMethod{Kind: ContactDirect, DialInfo: tcp2.DialInfo},
		},
		{
			name: "过滤器排除全部拨号信息",
			req: ContactMethodRequest{
				Domain: types.RoutingDomainPublicInternet,
				Target: targetInfo(nil, tcp1),
				Filter: types.DialInfoFilterAll.WithProtocols(types.NewProtocolTypeSet(types.ProtocolUDP)),
			},
			want: ContactMethod{Kind: ContactUnreachable},
		},
		{
			name: "本地网络无直连",
			req: ContactMethodRequest{
				Domain: types.RoutingDomainLocalNetwork,
				Target: targetInfo(&relay),
				Filter: types.DialInfoFilterAll,
			},
			want: ContactMethod{Kind: ContactUnreachable},
		},
		{
			name: "反向连接",
			req: ContactMethodRequest{
				Domain: types.RoutingDomainPublicInternet,
				Own:    ownInfo(types.NetworkClassInboundCapable, nil, ownTCP),
				Target: targetInfo(&relay, udpNAT),
				Filter: types.DialInfoFilterAll,
			},
			want: ContactMethod{Kind: ContactSignalReverse, RelayID: relay, TargetID: testKey(2)},
		},
		{
			name: "打洞",
			req: ContactMethodRequest{
				Domain: types.RoutingDomainPublicInternet,
				Own:    ownInfo(types.NetworkClassOutboundOnly, nil, ownUDP),
				Target: targetInfo(&relay, udpNAT),
				Filter: types.DialInfoFilterAll,
			},
			want: ContactMethod{Kind: ContactSignalHolePunch, RelayID: relay, TargetID: testKey(2)},
		},
		{
			name: "只允许有序协议时不打洞",
			req: ContactMethodRequest{
				Domain:     types.RoutingDomainPublicInternet,
				Own:        ownInfo(types.NetworkClassOutboundOnly, nil, ownUDP),
				Target:     targetInfo(&relay, udpNAT),
				Filter:     types.DialInfoFilterAll,
				Sequencing: types.SequencingEnsureOrdered,
			},
			want: ContactMethod{Kind: ContactInboundRelay, RelayID: relay},
		},
		{
			name: "入站中继",
			req: ContactMethodRequest{
				Domain: types.RoutingDomainPublicInternet,
				Target: targetInfo(&relay),
				Filter: types.DialInfoFilterAll,
			},
			want: ContactMethod{Kind: ContactInboundRelay, RelayID: relay},
		},
		{
			name: "目标的中继是本节点",
			req: ContactMethodRequest{
				Domain: types.RoutingDomainPublicInternet,
				Target: targetInfo(&self, udpNAT),
				Filter: types.DialInfoFilterAll,
			},
			want: ContactMethod{Kind: ContactExisting},
		},
		{
			name: "出站中继",
			req: ContactMethodRequest{
				Domain: types.RoutingDomainPublicInternet,
				Own:    ownInfo(types.NetworkClassOutboundOnly, &ownRelay),
				Target: targetInfo(nil, blocked),
				Filter: types.DialInfoFilterAll,
			},
			want: ContactMethod{Kind: ContactOutboundRelay, RelayID: ownRelay},
		},
		{
			name: "目标无拨号信息",
			req: ContactMethodRequest{
				Domain: types.RoutingDomainPublicInternet,
				Target: targetInfo(nil),
				Filter: types.DialInfoFilterAll,
			},
			want: ContactMethod{Kind: ContactExisting},
		},
		{
			name: "目标被阻断",
			req: ContactMethodRequest{
				Domain: types.RoutingDomainPublicInternet,
				Target: targetInfo(nil, blocked),
				Filter: types.DialInfoFilterAll,
			},
			want: ContactMethod{Kind: ContactUnreachable},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := SelectContactMethod(ownIDs, c.req)
			assert.Equal(t, c.want, got, got.String())
		})
	}
}

func TestContactMethod_String(t *testing.T) {
	assert.Equal(t, "Existing", ContactMethod{Kind: ContactExisting}.String())
	assert.Contains(t, ContactMethod{Kind: ContactInboundRelay, RelayID: testKey(3)}.String(), "InboundRelay(")
	assert.Equal(t, "ContactMethodKind(99)", ContactMethodKind(99).String())
}
