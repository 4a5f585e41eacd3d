// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package listenermgr maintains the running set of accepting sockets for the
// gateway. It consumes declarative listener configurations pushed by the
// control plane, compiles each into an immutable Listener (bound socket,
// socket options, filter chain match engine, filter factories), and walks
// every version through the warming, active and draining states while
// dispatching it to the worker threads that own the accept loops.
//
// All manager state is mutated under a single lock, mirroring a main-thread
// discipline: cross-thread calls to workers are messages that return
// immediately, and their completion callbacks re-enter the manager.
package listenermgr

import (
	envoy_listener_v3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
)

// TransportSocketFactory produces the transport layer for connections
// dispatched to a filter chain. Implementations live outside this package;
// the manager only needs to know whether the transport is secure.
type TransportSocketFactory interface {
	ImplementsSecureTransport() bool
}

// RawBufferTransport is the plaintext transport used by filter chains that
// configure no transport socket.
type RawBufferTransport struct{}

func (RawBufferTransport) ImplementsSecureTransport() bool { return false }

// InitTarget is an asynchronous initializer a filter factory depends on, for
// example a dynamic route configuration subscription. A listener with pending
// targets stays in the warming state.
type InitTarget interface {
	// Initialize starts the target. The target must invoke ready exactly
	// once, from any goroutine, when it no longer blocks the listener.
	Initialize(ready func())
}

// FilterChain is the compiled form of one configured filter chain.
type FilterChain struct {
	Match                  *envoy_listener_v3.FilterChainMatch
	TransportSocketFactory TransportSocketFactory
	NetworkFilterFactories []NetworkFilterFactory
}

// State is the lifecycle state of a listener, managed exclusively by the
// Manager.
type State int

const (
	StateWarming State = iota
	StateActive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateWarming:
		return "warming"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}
