// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package filterchain compiles the declarative filter chain match rules of a
// listener into a multi-dimensional lookup structure, and classifies accepted
// sockets into at most one filter chain.
//
// The lookup is a fixed-priority dispatch over six criteria: destination
// port, destination IP (longest prefix), server name (exact then longest
// wildcard suffix), transport protocol, application protocols, and source
// type. A more specific criterion always beats a less specific one regardless
// of the order chains were declared in. Descent is greedy: once a branch is
// chosen at one level there is no backtracking to a less specific branch when
// a deeper level fails, matching how Envoy dispatches connections for this
// configuration format.
package filterchain

import (
	"errors"
	"fmt"
	"net"
	"strings"

	radix "github.com/armon/go-radix"
	envoy_listener_v3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"

	"github.com/hashicorp/gantry/ipaddr"
)

var (
	// ErrDuplicateRules is returned when two chains normalize to the same
	// matching rules.
	ErrDuplicateRules = errors.New("multiple filter chains with the same matching rules are defined")

	// ErrPartialWildcard is returned for server names like "*w.example.com";
	// only a full leading-label wildcard ("*.example.com") is supported.
	ErrPartialWildcard = errors.New(`partial wildcards are not supported in "server_names"`)
)

// ConnInfo supplies the connection metadata consulted during classification.
// Implementations may compute values lazily: the matcher reads a field only
// when some surviving chain constrains it.
type ConnInfo interface {
	// DestinationPort is the local port the connection was accepted on.
	DestinationPort() uint16

	// DestinationIP is the local address the connection was accepted on.
	DestinationIP() net.IP

	// ServerName is the SNI value sniffed from the client hello, or empty.
	ServerName() string

	// TransportProtocol is the detected transport, e.g. "tls" or
	// "raw_buffer".
	TransportProtocol() string

	// ApplicationProtocols is the ALPN list from the client hello, in client
	// preference order.
	ApplicationProtocols() []string

	// SourceIP is the peer address, or nil for pipe connections.
	SourceIP() net.IP
}

// Matcher is the compiled form of a listener's filter chain match rules. It
// is immutable and safe for concurrent use by every worker.
type Matcher struct {
	root           portLevel
	needsInspector bool
	localAddrs     []net.IP
}

// Option customizes matcher construction.
type Option func(*Matcher)

// WithLocalAddrs overrides the set of local interface addresses used to
// classify connection sources as SAME_IP_OR_LOOPBACK. Without this option the
// matcher snapshots the host's interface addresses at build time.
func WithLocalAddrs(addrs []net.IP) Option {
	return func(m *Matcher) {
		m.localAddrs = addrs
	}
}

type portLevel struct {
	exact    map[uint16]*ipLevel
	wildcard *ipLevel
}

type ipLevel struct {
	// trie maps family-tagged prefix bit strings to the next level. Chains
	// without prefix ranges live in wildcard, not the trie.
	trie     *radix.Tree
	wildcard *sniLevel
}

type sniLevel struct {
	exact map[string]*transportLevel
	// suffix holds wildcard server names, keyed by the suffix including its
	// leading dot (".example.com" for "*.example.com").
	suffix   map[string]*transportLevel
	wildcard *transportLevel
}

type transportLevel struct {
	exact    map[string]*alpnLevel
	wildcard *alpnLevel
}

type alpnLevel struct {
	exact    map[string]*sourceLevel
	wildcard *sourceLevel
}

type sourceLevel struct {
	local    *chainRef
	external *chainRef
	any      *chainRef
}

type chainRef struct {
	index int
}

// NewMatcher compiles the match rules of chains. The returned matcher yields
// indexes into the given slice. Construction fails on malformed CIDR ranges,
// partial-wildcard server names, and rule sets where two chains normalize to
// the same matching rules.
func NewMatcher(chains []*envoy_listener_v3.FilterChain, opts ...Option) (*Matcher, error) {
	m := &Matcher{}
	for _, opt := range opts {
		opt(m)
	}
	if m.localAddrs == nil {
		// Best effort; loopback classification still works without it.
		m.localAddrs, _ = ipaddr.LocalAddrs()
	}

	for i, chain := range chains {
		if err := m.insert(i, chain.GetFilterChainMatch()); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NeedsTLSInspector reports whether any chain constrains a criterion that can
// only be observed by sniffing the TLS client hello. A chain pinning the
// transport protocol to a non-TLS value does not count.
func (m *Matcher) NeedsTLSInspector() bool {
	return m.needsInspector
}

// Match classifies the socket described by ci. It returns the index of the
// selected chain, or ok=false when no chain applies.
func (m *Matcher) Match(ci ConnInfo) (int, bool) {
	ipl := m.root.wildcard
	if len(m.root.exact) > 0 {
		if exact, ok := m.root.exact[ci.DestinationPort()]; ok {
			ipl = exact
		}
	}
	if ipl == nil {
		return 0, false
	}

	snl := ipl.wildcard
	if ipl.trie != nil && ipl.trie.Len() > 0 {
		if _, v, ok := ipl.trie.LongestPrefix(ipBitsKey(ci.DestinationIP(), -1)); ok {
			snl = v.(*sniLevel)
		}
	}
	if snl == nil {
		return 0, false
	}

	tpl := snl.wildcard
	if len(snl.exact) > 0 || len(snl.suffix) > 0 {
		if found := snl.find(strings.ToLower(ci.ServerName())); found != nil {
			tpl = found
		}
	}
	if tpl == nil {
		return 0, false
	}

	apl := tpl.wildcard
	if len(tpl.exact) > 0 {
		if exact, ok := tpl.exact[ci.TransportProtocol()]; ok {
			apl = exact
		}
	}
	if apl == nil {
		return 0, false
	}

	srl := apl.wildcard
	if len(apl.exact) > 0 {
		for _, proto := range ci.ApplicationProtocols() {
			if exact, ok := apl.exact[proto]; ok {
				srl = exact
				break
			}
		}
	}
	if srl == nil {
		return 0, false
	}

	ref := srl.any
	if srl.local != nil || srl.external != nil {
		if specific := srl.pick(m.sourceIsLocal(ci.SourceIP())); specific != nil {
			ref = specific
		}
	}
	if ref == nil {
		return 0, false
	}
	return ref.index, true
}

func (s *sniLevel) find(name string) *transportLevel {
	if next, ok := s.exact[name]; ok {
		return next
	}
	// Longest wildcard suffix wins, so scan dots left to right. A trailing
	// dot is never looked up as a suffix.
	for pos := strings.IndexByte(name, '.'); pos >= 0 && pos < len(name)-1; {
		if next, ok := s.suffix[name[pos:]]; ok {
			return next
		}
		rest := strings.IndexByte(name[pos+1:], '.')
		if rest < 0 {
			break
		}
		pos += 1 + rest
	}
	return nil
}

func (s *sourceLevel) pick(local bool) *chainRef {
	if local {
		return s.local
	}
	return s.external
}

func (m *Matcher) sourceIsLocal(ip net.IP) bool {
	if ip == nil {
		// Pipe connections are always local.
		return true
	}
	return ipaddr.IsLocal(ip, m.localAddrs)
}

func (m *Matcher) insert(index int, match *envoy_listener_v3.FilterChainMatch) error {
	var (
		serverNames = match.GetServerNames()
		transport   = match.GetTransportProtocol()
		alpns       = match.GetApplicationProtocols()
	)
	if transport == "tls" || (transport == "" && (len(serverNames) > 0 || len(alpns) > 0)) {
		m.needsInspector = true
	}

	prefixKeys, err := normalizePrefixes(match.GetPrefixRanges())
	if err != nil {
		return err
	}
	names, err := normalizeServerNames(serverNames)
	if err != nil {
		return err
	}

	ipls, err := m.root.descend(match)
	if err != nil {
		return err
	}
	for _, ipl := range ipls {
		snls := ipl.descend(prefixKeys)
		for _, snl := range snls {
			tpls := snl.descend(names)
			for _, tpl := range tpls {
				apls := tpl.descend(transport)
				for _, apl := range apls {
					srls := apl.descend(alpns)
					for _, srl := range srls {
						if err := srl.place(index, match.GetSourceType()); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}

func (p *portLevel) descend(match *envoy_listener_v3.FilterChainMatch) ([]*ipLevel, error) {
	if match.GetDestinationPort() == nil {
		if p.wildcard == nil {
			p.wildcard = &ipLevel{}
		}
		return []*ipLevel{p.wildcard}, nil
	}
	port := match.GetDestinationPort().GetValue()
	if port > 65535 {
		return nil, fmt.Errorf("invalid destination_port %d", port)
	}
	if p.exact == nil {
		p.exact = make(map[uint16]*ipLevel)
	}
	next, ok := p.exact[uint16(port)]
	if !ok {
		next = &ipLevel{}
		p.exact[uint16(port)] = next
	}
	return []*ipLevel{next}, nil
}

func (l *ipLevel) descend(prefixKeys []string) []*sniLevel {
	if len(prefixKeys) == 0 {
		if l.wildcard == nil {
			l.wildcard = &sniLevel{}
		}
		return []*sniLevel{l.wildcard}
	}
	if l.trie == nil {
		l.trie = radix.New()
	}
	out := make([]*sniLevel, 0, len(prefixKeys))
	for _, key := range prefixKeys {
		if v, ok := l.trie.Get(key); ok {
			out = append(out, v.(*sniLevel))
			continue
		}
		next := &sniLevel{}
		l.trie.Insert(key, next)
		out = append(out, next)
	}
	return out
}

func (s *sniLevel) descend(names []serverName) []*transportLevel {
	if len(names) == 0 {
		if s.wildcard == nil {
			s.wildcard = &transportLevel{}
		}
		return []*transportLevel{s.wildcard}
	}
	out := make([]*transportLevel, 0, len(names))
	for _, name := range names {
		table := &s.exact
		if name.wildcard {
			table = &s.suffix
		}
		if *table == nil {
			*table = make(map[string]*transportLevel)
		}
		next, ok := (*table)[name.key]
		if !ok {
			next = &transportLevel{}
			(*table)[name.key] = next
		}
		out = append(out, next)
	}
	return out
}

func (t *transportLevel) descend(transport string) []*alpnLevel {
	if transport == "" {
		if t.wildcard == nil {
			t.wildcard = &alpnLevel{}
		}
		return []*alpnLevel{t.wildcard}
	}
	if t.exact == nil {
		t.exact = make(map[string]*alpnLevel)
	}
	next, ok := t.exact[transport]
	if !ok {
		next = &alpnLevel{}
		t.exact[transport] = next
	}
	return []*alpnLevel{next}
}

func (a *alpnLevel) descend(alpns []string) []*sourceLevel {
	if len(alpns) == 0 {
		if a.wildcard == nil {
			a.wildcard = &sourceLevel{}
		}
		return []*sourceLevel{a.wildcard}
	}
	if a.exact == nil {
		a.exact = make(map[string]*sourceLevel)
	}
	out := make([]*sourceLevel, 0, len(alpns))
	seen := make(map[string]bool, len(alpns))
	for _, proto := range alpns {
		if seen[proto] {
			continue
		}
		seen[proto] = true
		next, ok := a.exact[proto]
		if !ok {
			next = &sourceLevel{}
			a.exact[proto] = next
		}
		out = append(out, next)
	}
	return out
}

func (s *sourceLevel) place(index int, st envoy_listener_v3.FilterChainMatch_ConnectionSourceType) error {
	var slot **chainRef
	switch st {
	case envoy_listener_v3.FilterChainMatch_SAME_IP_OR_LOOPBACK:
		slot = &s.local
	case envoy_listener_v3.FilterChainMatch_EXTERNAL:
		slot = &s.external
	default:
		slot = &s.any
	}
	if *slot != nil {
		return ErrDuplicateRules
	}
	*slot = &chainRef{index: index}
	return nil
}

type serverName struct {
	key      string
	wildcard bool
}

func normalizeServerNames(names []string) ([]serverName, error) {
	out := make([]serverName, 0, len(names))
	seen := make(map[serverName]bool, len(names))
	for _, raw := range names {
		name := strings.ToLower(raw)
		var sn serverName
		if !strings.Contains(name, "*") {
			sn = serverName{key: name}
		} else {
			if !strings.HasPrefix(name, "*.") || strings.Contains(name[2:], "*") {
				return nil, ErrPartialWildcard
			}
			sn = serverName{key: name[1:], wildcard: true}
		}
		if seen[sn] {
			continue
		}
		seen[sn] = true
		out = append(out, sn)
	}
	return out, nil
}
