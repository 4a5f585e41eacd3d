// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package filterchain

import (
	"fmt"
	"net"
	"strings"

	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
)

// normalizePrefixes converts CIDR ranges into the family-tagged bit string
// keys used by the destination IP trie. Bits beyond the prefix length are
// dropped, so ranges that denote the same network normalize to the same key.
func normalizePrefixes(ranges []*envoy_core_v3.CidrRange) ([]string, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(ranges))
	seen := make(map[string]bool, len(ranges))
	for _, r := range ranges {
		ip := net.ParseIP(r.GetAddressPrefix())
		if ip == nil {
			return nil, fmt.Errorf("malformed IP address: %s", r.GetAddressPrefix())
		}
		maxBits := 128
		if ip.To4() != nil {
			maxBits = 32
		}
		prefixLen := int(r.GetPrefixLen().GetValue())
		if prefixLen > maxBits {
			return nil, fmt.Errorf("invalid prefix length %d for address %s", prefixLen, r.GetAddressPrefix())
		}
		key := ipBitsKey(ip, prefixLen)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out, nil
}

// ipBitsKey renders ip as a family tag followed by its first prefixLen bits,
// one byte per bit so the radix tree's longest-prefix lookup walks the
// address bit by bit. A negative prefixLen means the full address.
func ipBitsKey(ip net.IP, prefixLen int) string {
	var (
		family byte = '6'
		bytes       = ip.To16()
	)
	if ip4 := ip.To4(); ip4 != nil {
		family = '4'
		bytes = ip4
	}
	maxBits := len(bytes) * 8
	if prefixLen < 0 || prefixLen > maxBits {
		prefixLen = maxBits
	}

	var b strings.Builder
	b.Grow(2 + prefixLen)
	b.WriteByte(family)
	b.WriteByte('|')
	for i := 0; i < prefixLen; i++ {
		if bytes[i/8]&(1<<uint(7-i%8)) != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
