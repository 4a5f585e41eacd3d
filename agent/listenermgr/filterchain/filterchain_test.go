// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package filterchain

import (
	"net"
	"testing"

	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_listener_v3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func chainWithMatch(match *envoy_listener_v3.FilterChainMatch) *envoy_listener_v3.FilterChain {
	return &envoy_listener_v3.FilterChain{FilterChainMatch: match}
}

func cidr(prefix string, length uint32) *envoy_core_v3.CidrRange {
	return &envoy_core_v3.CidrRange{
		AddressPrefix: prefix,
		PrefixLen:     wrapperspb.UInt32(length),
	}
}

// localAddrsOpt pins the local interface set so source classification does
// not depend on the host the tests run on.
func localAddrsOpt() Option {
	return WithLocalAddrs([]net.IP{net.ParseIP("10.1.2.3")})
}

func TestMatcher_DestinationPortPriority(t *testing.T) {
	m, err := NewMatcher([]*envoy_listener_v3.FilterChain{
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			DestinationPort: wrapperspb.UInt32(8080),
		}),
		chainWithMatch(nil),
	}, localAddrsOpt())
	require.NoError(t, err)

	idx, ok := m.Match(&SocketInfo{DstPort: 8080})
	require.True(t, ok)
	require.Equal(t, 0, idx)

	idx, ok = m.Match(&SocketInfo{DstPort: 9090})
	require.True(t, ok)
	require.Equal(t, 1, idx)
}

func TestMatcher_LongestPrefixWins(t *testing.T) {
	m, err := NewMatcher([]*envoy_listener_v3.FilterChain{
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			PrefixRanges: []*envoy_core_v3.CidrRange{cidr("192.168.0.0", 16)},
		}),
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			PrefixRanges: []*envoy_core_v3.CidrRange{cidr("192.168.1.0", 24)},
		}),
		chainWithMatch(nil),
	}, localAddrsOpt())
	require.NoError(t, err)

	for _, tc := range []struct {
		ip     string
		expect int
	}{
		{"192.168.1.7", 1},
		{"192.168.2.7", 0},
		{"10.0.0.1", 2},
		{"2001:db8::1", 2},
	} {
		idx, ok := m.Match(&SocketInfo{DstIP: net.ParseIP(tc.ip)})
		require.True(t, ok, "ip %s", tc.ip)
		require.Equal(t, tc.expect, idx, "ip %s", tc.ip)
	}
}

func TestMatcher_PrefixNormalization(t *testing.T) {
	// Host bits beyond the prefix length are dropped, so these two ranges
	// describe the same network and collide.
	_, err := NewMatcher([]*envoy_listener_v3.FilterChain{
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			PrefixRanges: []*envoy_core_v3.CidrRange{cidr("192.168.1.5", 24)},
		}),
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			PrefixRanges: []*envoy_core_v3.CidrRange{cidr("192.168.1.9", 24)},
		}),
	}, localAddrsOpt())
	require.ErrorIs(t, err, ErrDuplicateRules)
}

func TestMatcher_ServerNames(t *testing.T) {
	m, err := NewMatcher([]*envoy_listener_v3.FilterChain{
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			ServerNames: []string{"www.example.com"},
		}),
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			ServerNames: []string{"*.sub.example.com"},
		}),
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			ServerNames: []string{"*.example.com"},
		}),
		chainWithMatch(nil),
	}, localAddrsOpt())
	require.NoError(t, err)

	for _, tc := range []struct {
		sni    string
		expect int
	}{
		{"www.example.com", 0},
		{"WWW.Example.COM", 0},
		{"a.sub.example.com", 1},
		{"b.example.com", 2},
		{"example.com", 3},
		{"other.test", 3},
		{"", 3},
	} {
		idx, ok := m.Match(&SocketInfo{SNI: tc.sni})
		require.True(t, ok, "sni %q", tc.sni)
		require.Equal(t, tc.expect, idx, "sni %q", tc.sni)
	}
}

func TestMatcher_PartialWildcardRejected(t *testing.T) {
	for _, name := range []string{"*w.example.com", "w*.example.com", "*.e*.com", "*"} {
		_, err := NewMatcher([]*envoy_listener_v3.FilterChain{
			chainWithMatch(&envoy_listener_v3.FilterChainMatch{ServerNames: []string{name}}),
		}, localAddrsOpt())
		require.ErrorIs(t, err, ErrPartialWildcard, "name %q", name)
	}
}

func TestMatcher_MalformedCIDR(t *testing.T) {
	_, err := NewMatcher([]*envoy_listener_v3.FilterChain{
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			PrefixRanges: []*envoy_core_v3.CidrRange{cidr("not-an-ip", 8)},
		}),
	}, localAddrsOpt())
	require.Error(t, err)
	require.Equal(t, "malformed IP address: not-an-ip", err.Error())
}

func TestMatcher_DuplicateRules(t *testing.T) {
	match := &envoy_listener_v3.FilterChainMatch{
		TransportProtocol: "tls",
		ServerNames:       []string{"example.com"},
	}
	_, err := NewMatcher([]*envoy_listener_v3.FilterChain{
		chainWithMatch(match),
		chainWithMatch(match),
	}, localAddrsOpt())
	require.ErrorIs(t, err, ErrDuplicateRules)

	// Overlap on a single normalized rule tuple is a duplicate too.
	_, err = NewMatcher([]*envoy_listener_v3.FilterChain{
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			ServerNames: []string{"a.example.com", "b.example.com"},
		}),
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			ServerNames: []string{"b.example.com"},
		}),
	}, localAddrsOpt())
	require.ErrorIs(t, err, ErrDuplicateRules)
}

func TestMatcher_TransportProtocol(t *testing.T) {
	m, err := NewMatcher([]*envoy_listener_v3.FilterChain{
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{TransportProtocol: "tls"}),
		chainWithMatch(nil),
	}, localAddrsOpt())
	require.NoError(t, err)

	idx, ok := m.Match(&SocketInfo{Transport: "tls"})
	require.True(t, ok)
	require.Equal(t, 0, idx)

	idx, ok = m.Match(&SocketInfo{Transport: "raw_buffer"})
	require.True(t, ok)
	require.Equal(t, 1, idx)
}

// The three-chain source type arrangement: local sources get the first chain,
// external sources negotiating http/1.1 the second, anything else the third.
func TestMatcher_SourceType(t *testing.T) {
	m, err := NewMatcher([]*envoy_listener_v3.FilterChain{
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			SourceType: envoy_listener_v3.FilterChainMatch_SAME_IP_OR_LOOPBACK,
		}),
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			SourceType:           envoy_listener_v3.FilterChainMatch_EXTERNAL,
			ApplicationProtocols: []string{"http/1.1"},
		}),
		chainWithMatch(nil),
	}, localAddrsOpt())
	require.NoError(t, err)

	idx, ok := m.Match(&SocketInfo{SrcIP: net.ParseIP("127.0.0.1")})
	require.True(t, ok)
	require.Equal(t, 0, idx)

	idx, ok = m.Match(&SocketInfo{
		SrcIP: net.ParseIP("8.8.8.8"),
		ALPN:  []string{"h2", "http/1.1"},
	})
	require.True(t, ok)
	require.Equal(t, 1, idx)

	idx, ok = m.Match(&SocketInfo{SrcIP: net.ParseIP("8.8.8.8")})
	require.True(t, ok)
	require.Equal(t, 2, idx)

	// An interface address that is not loopback still counts as local.
	idx, ok = m.Match(&SocketInfo{SrcIP: net.ParseIP("10.1.2.3")})
	require.True(t, ok)
	require.Equal(t, 0, idx)

	// Pipe sources (no source IP) are local.
	idx, ok = m.Match(&SocketInfo{})
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestMatcher_NoMatch(t *testing.T) {
	m, err := NewMatcher([]*envoy_listener_v3.FilterChain{
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			ServerNames: []string{"example.com"},
		}),
	}, localAddrsOpt())
	require.NoError(t, err)

	_, ok := m.Match(&SocketInfo{SNI: "other.com"})
	require.False(t, ok)
}

// Greedy descent: once the more specific destination prefix branch is taken,
// a failure at a deeper criterion does not fall back to the wildcard chain.
func TestMatcher_NoBacktracking(t *testing.T) {
	m, err := NewMatcher([]*envoy_listener_v3.FilterChain{
		chainWithMatch(&envoy_listener_v3.FilterChainMatch{
			PrefixRanges: []*envoy_core_v3.CidrRange{cidr("192.168.1.0", 24)},
			ServerNames:  []string{"example.com"},
		}),
		chainWithMatch(nil),
	}, localAddrsOpt())
	require.NoError(t, err)

	_, ok := m.Match(&SocketInfo{
		DstIP: net.ParseIP("192.168.1.7"),
		SNI:   "other.com",
	})
	require.False(t, ok)

	idx, ok := m.Match(&SocketInfo{DstIP: net.ParseIP("10.0.0.1")})
	require.True(t, ok)
	require.Equal(t, 1, idx)
}

func TestMatcher_NeedsTLSInspector(t *testing.T) {
	cases := []struct {
		name   string
		match  *envoy_listener_v3.FilterChainMatch
		expect bool
	}{
		{"nil match", nil, false},
		{"sni", &envoy_listener_v3.FilterChainMatch{ServerNames: []string{"example.com"}}, true},
		{"alpn", &envoy_listener_v3.FilterChainMatch{ApplicationProtocols: []string{"h2"}}, true},
		{"tls transport", &envoy_listener_v3.FilterChainMatch{TransportProtocol: "tls"}, true},
		{"custom transport", &envoy_listener_v3.FilterChainMatch{TransportProtocol: "custom"}, false},
		{
			"custom transport with sni",
			&envoy_listener_v3.FilterChainMatch{TransportProtocol: "custom", ServerNames: []string{"example.com"}},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := NewMatcher([]*envoy_listener_v3.FilterChain{chainWithMatch(tc.match)}, localAddrsOpt())
			require.NoError(t, err)
			require.Equal(t, tc.expect, m.NeedsTLSInspector())
		})
	}
}

// countingConnInfo records how many times each accessor was consulted.
type countingConnInfo struct {
	SocketInfo
	calls map[string]int
}

func newCountingConnInfo(si SocketInfo) *countingConnInfo {
	return &countingConnInfo{SocketInfo: si, calls: make(map[string]int)}
}

func (c *countingConnInfo) DestinationPort() uint16 {
	c.calls["destination_port"]++
	return c.SocketInfo.DestinationPort()
}

func (c *countingConnInfo) DestinationIP() net.IP {
	c.calls["destination_ip"]++
	return c.SocketInfo.DestinationIP()
}

func (c *countingConnInfo) ServerName() string {
	c.calls["server_name"]++
	return c.SocketInfo.ServerName()
}

func (c *countingConnInfo) TransportProtocol() string {
	c.calls["transport_protocol"]++
	return c.SocketInfo.TransportProtocol()
}

func (c *countingConnInfo) ApplicationProtocols() []string {
	c.calls["application_protocols"]++
	return c.SocketInfo.ApplicationProtocols()
}

func (c *countingConnInfo) SourceIP() net.IP {
	c.calls["source_ip"]++
	return c.SocketInfo.SourceIP()
}

// Metadata accessors are only consulted when a surviving chain constrains the
// corresponding criterion.
func TestMatcher_ShortCircuit(t *testing.T) {
	t.Run("unconstrained reads nothing", func(t *testing.T) {
		m, err := NewMatcher([]*envoy_listener_v3.FilterChain{chainWithMatch(nil)}, localAddrsOpt())
		require.NoError(t, err)

		ci := newCountingConnInfo(SocketInfo{})
		_, ok := m.Match(ci)
		require.True(t, ok)
		require.Empty(t, ci.calls)
	})

	t.Run("sni only", func(t *testing.T) {
		m, err := NewMatcher([]*envoy_listener_v3.FilterChain{
			chainWithMatch(&envoy_listener_v3.FilterChainMatch{ServerNames: []string{"example.com"}}),
			chainWithMatch(nil),
		}, localAddrsOpt())
		require.NoError(t, err)

		ci := newCountingConnInfo(SocketInfo{SNI: "example.com"})
		idx, ok := m.Match(ci)
		require.True(t, ok)
		require.Equal(t, 0, idx)
		require.Equal(t, map[string]int{"server_name": 1}, ci.calls)
	})

	t.Run("sni not read once candidates stop constraining it", func(t *testing.T) {
		// The SNI constraint lives behind port 8443 only; connections on
		// another port never read the server name.
		m, err := NewMatcher([]*envoy_listener_v3.FilterChain{
			chainWithMatch(&envoy_listener_v3.FilterChainMatch{
				DestinationPort: wrapperspb.UInt32(8443),
				ServerNames:     []string{"example.com"},
			}),
			chainWithMatch(nil),
		}, localAddrsOpt())
		require.NoError(t, err)

		ci := newCountingConnInfo(SocketInfo{DstPort: 9000, SNI: "example.com"})
		idx, ok := m.Match(ci)
		require.True(t, ok)
		require.Equal(t, 1, idx)
		require.Equal(t, map[string]int{"destination_port": 1}, ci.calls)
	})

	t.Run("source only", func(t *testing.T) {
		m, err := NewMatcher([]*envoy_listener_v3.FilterChain{
			chainWithMatch(&envoy_listener_v3.FilterChainMatch{
				SourceType: envoy_listener_v3.FilterChainMatch_EXTERNAL,
			}),
			chainWithMatch(nil),
		}, localAddrsOpt())
		require.NoError(t, err)

		ci := newCountingConnInfo(SocketInfo{SrcIP: net.ParseIP("8.8.8.8")})
		idx, ok := m.Match(ci)
		require.True(t, ok)
		require.Equal(t, 0, idx)
		require.Equal(t, map[string]int{"source_ip": 1}, ci.calls)
	})
}
