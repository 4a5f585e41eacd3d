// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package listenermgr

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
)

// SocketType distinguishes stream from datagram listen sockets.
type SocketType int

const (
	SocketTypeStream SocketType = iota
	SocketTypeDatagram
)

func (t SocketType) String() string {
	if t == SocketTypeDatagram {
		return "datagram"
	}
	return "stream"
}

// Socket is a listen socket owned by a Listener. Workers duplicate the
// descriptor for their accept loops; the manager only opens and closes it.
type Socket interface {
	// Address is the canonical bound address, "ip:port" or a pipe path.
	Address() string
	Close() error
}

// sharedSocket reference-counts a Socket so it can be donated from a
// superseded listener to its successor without dropping the kernel accept
// queue. The underlying socket closes when the last holder releases it.
type sharedSocket struct {
	inner Socket

	mu     sync.Mutex
	refs   int
	closed bool
}

func newSharedSocket(inner Socket) *sharedSocket {
	return &sharedSocket{inner: inner, refs: 1}
}

// acquire registers another holder and returns the receiver.
func (s *sharedSocket) acquire() *sharedSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return s
}

// release drops one holder, closing the socket when none remain.
func (s *sharedSocket) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	s.closed = true
	return s.inner.Close()
}

func (s *sharedSocket) Address() string {
	return s.inner.Address()
}

// nullSocket stands in for listeners with bind_to_port=false; they share an
// upstream socket and never touch the kernel themselves.
type nullSocket struct {
	addr string
}

func (s *nullSocket) Address() string { return s.addr }
func (s *nullSocket) Close() error    { return nil }

// canonicalAddress renders the configured address proto into the canonical
// string form used for duplicate detection, socket donation, and stats
// scoping.
func canonicalAddress(addr *envoy_core_v3.Address) (string, SocketType, error) {
	if pipe := addr.GetPipe(); pipe != nil {
		if pipe.GetPath() == "" {
			return "", 0, fmt.Errorf("empty pipe path")
		}
		return pipe.GetPath(), SocketTypeStream, nil
	}

	sa := addr.GetSocketAddress()
	if sa == nil {
		return "", 0, fmt.Errorf("listener address is required")
	}
	ip := net.ParseIP(sa.GetAddress())
	if ip == nil {
		return "", 0, fmt.Errorf("malformed IP address: %s", sa.GetAddress())
	}

	st := SocketTypeStream
	if sa.GetProtocol() == envoy_core_v3.SocketAddress_UDP {
		st = SocketTypeDatagram
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(sa.GetPortValue()))), st, nil
}
