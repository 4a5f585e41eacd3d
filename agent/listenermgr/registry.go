// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package listenermgr

import (
	"fmt"
	"sync"

	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"google.golang.org/protobuf/types/known/anypb"
)

// NetworkFilterFactory builds one network filter instance per accepted
// connection. Connection plumbing lives in the worker layer; the manager
// only compiles and orders the factories.
type NetworkFilterFactory interface {
	Name() string
}

// ListenerFilterFactory builds one accept-time filter instance per accepted
// connection.
type ListenerFilterFactory interface {
	Name() string
}

// SocketOptionProvider is implemented by listener filter factories that
// contribute listen-socket options, for example original-dst filters needing
// IP_TRANSPARENT.
type SocketOptionProvider interface {
	ListenSocketOptions() []SocketOption
}

// InitTargetProvider is implemented by filter factories whose configuration
// depends on asynchronous initializers. Pending targets keep the listener
// warming.
type InitTargetProvider interface {
	InitTargets() []InitTarget
}

// NetworkFilterConfigFactory translates a named filter config from the
// listener proto into a NetworkFilterFactory.
type NetworkFilterConfigFactory interface {
	Name() string
	CreateFilterFactory(cfg *anypb.Any) (NetworkFilterFactory, error)
}

// ListenerFilterConfigFactory is the accept-time counterpart of
// NetworkFilterConfigFactory.
type ListenerFilterConfigFactory interface {
	Name() string
	CreateFilterFactory(cfg *anypb.Any) (ListenerFilterFactory, error)
}

var (
	registryMu      sync.RWMutex
	networkFilters  = make(map[string]NetworkFilterConfigFactory)
	listenerFilters = make(map[string]ListenerFilterConfigFactory)
)

// RegisterNetworkFilter makes a network filter available by name. Later
// registrations replace earlier ones.
func RegisterNetworkFilter(f NetworkFilterConfigFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	networkFilters[f.Name()] = f
}

// RegisterListenerFilter makes a listener filter available by name.
func RegisterListenerFilter(f ListenerFilterConfigFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	listenerFilters[f.Name()] = f
}

func networkFilterConfigFactory(name string) (NetworkFilterConfigFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := networkFilters[name]
	if !ok {
		return nil, notRegistered(name)
	}
	return f, nil
}

func listenerFilterConfigFactory(name string) (ListenerFilterConfigFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := listenerFilters[name]
	if !ok {
		return nil, notRegistered(name)
	}
	return f, nil
}

func notRegistered(name string) error {
	return fmt.Errorf("Didn't find a registered implementation for name: '%s'", name)
}

// tlsInspectorFactory is the built-in accept-time filter that sniffs the TLS
// client hello for SNI, ALPN and the transport protocol. It is auto-injected
// when filter chain match rules require that metadata.
type tlsInspectorFactory struct{}

func (tlsInspectorFactory) Name() string { return wellknown.TlsInspector }

type tlsInspectorConfigFactory struct{}

func (tlsInspectorConfigFactory) Name() string { return wellknown.TlsInspector }

func (tlsInspectorConfigFactory) CreateFilterFactory(*anypb.Any) (ListenerFilterFactory, error) {
	return tlsInspectorFactory{}, nil
}

func init() {
	RegisterListenerFilter(tlsInspectorConfigFactory{})
}
