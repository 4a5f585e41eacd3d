// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package filterchain

import "net"

// SocketInfo is a plain-value ConnInfo for callers that already hold all of
// the connection metadata, for example after the listener filter chain has
// run to completion.
type SocketInfo struct {
	DstPort   uint16
	DstIP     net.IP
	SNI       string
	Transport string
	ALPN      []string
	SrcIP     net.IP
}

func (s *SocketInfo) DestinationPort() uint16        { return s.DstPort }
func (s *SocketInfo) DestinationIP() net.IP          { return s.DstIP }
func (s *SocketInfo) ServerName() string             { return s.SNI }
func (s *SocketInfo) TransportProtocol() string      { return s.Transport }
func (s *SocketInfo) ApplicationProtocols() []string { return s.ALPN }
func (s *SocketInfo) SourceIP() net.IP               { return s.SrcIP }
