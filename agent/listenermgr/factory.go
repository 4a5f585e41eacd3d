// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package listenermgr

import (
	"fmt"
	"sync/atomic"
	"time"

	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_listener_v3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	envoy_tls_v3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/gantry/tlsutil"
)

// ListenerComponentFactory is the seam through which the manager builds a
// listener's parts. Tests substitute a mock; the production implementation
// wires the filter registries, the TLS loader and the platform socket
// factory.
type ListenerComponentFactory interface {
	// CreateNetworkFilterFactoryList resolves the ordered per-connection
	// filter factories for one filter chain.
	CreateNetworkFilterFactoryList(filters []*envoy_listener_v3.Filter) ([]NetworkFilterFactory, error)

	// CreateListenerFilterFactoryList resolves the ordered accept-time
	// filter factories.
	CreateListenerFilterFactoryList(filters []*envoy_listener_v3.ListenerFilter) ([]ListenerFilterFactory, error)

	// CreateTransportSocketFactory builds the downstream transport for one
	// filter chain. A nil transport socket yields the raw buffer transport.
	CreateTransportSocketFactory(ts *envoy_core_v3.TransportSocket) (TransportSocketFactory, error)

	// CreateListenSocket opens (or fakes, for bind_to_port=false) the listen
	// socket, applying opts at the prebind, bound and listening states.
	CreateListenSocket(addr string, st SocketType, opts []SocketOption, bindToPort bool) (Socket, error)

	// CreateDrainManager returns the listener-local drain manager.
	CreateDrainManager(dt envoy_listener_v3.Listener_DrainType) DrainManager

	// NextListenerTag returns a process-unique tag for a new listener
	// version.
	NextListenerTag() uint64
}

// DefaultDrainTime bounds a listener drain when the server provides no
// override; it mirrors the server-wide drain period default.
const DefaultDrainTime = 600 * time.Second

// ProdComponentFactory is the production ListenerComponentFactory.
type ProdComponentFactory struct {
	Logger hclog.Logger

	// DrainTime bounds each listener's drain sequence. Zero means
	// DefaultDrainTime.
	DrainTime time.Duration

	// Ops overrides the platform socket-option primitive; nil selects the
	// real setsockopt implementation.
	Ops SockOpts

	tag atomic.Uint64
}

var _ ListenerComponentFactory = (*ProdComponentFactory)(nil)

func (f *ProdComponentFactory) CreateNetworkFilterFactoryList(filters []*envoy_listener_v3.Filter) ([]NetworkFilterFactory, error) {
	out := make([]NetworkFilterFactory, 0, len(filters))
	for _, filter := range filters {
		cf, err := networkFilterConfigFactory(filter.GetName())
		if err != nil {
			return nil, err
		}
		factory, err := cf.CreateFilterFactory(filter.GetTypedConfig())
		if err != nil {
			return nil, fmt.Errorf("creating filter '%s': %w", filter.GetName(), err)
		}
		out = append(out, factory)
	}
	return out, nil
}

func (f *ProdComponentFactory) CreateListenerFilterFactoryList(filters []*envoy_listener_v3.ListenerFilter) ([]ListenerFilterFactory, error) {
	out := make([]ListenerFilterFactory, 0, len(filters))
	for _, filter := range filters {
		cf, err := listenerFilterConfigFactory(filter.GetName())
		if err != nil {
			return nil, err
		}
		factory, err := cf.CreateFilterFactory(filter.GetTypedConfig())
		if err != nil {
			return nil, fmt.Errorf("creating listener filter '%s': %w", filter.GetName(), err)
		}
		out = append(out, factory)
	}
	return out, nil
}

func (f *ProdComponentFactory) CreateTransportSocketFactory(ts *envoy_core_v3.TransportSocket) (TransportSocketFactory, error) {
	if ts == nil || ts.GetTypedConfig() == nil {
		return RawBufferTransport{}, nil
	}
	dtc := &envoy_tls_v3.DownstreamTlsContext{}
	if err := ts.GetTypedConfig().UnmarshalTo(dtc); err != nil {
		return nil, fmt.Errorf("unsupported transport socket '%s': %w", ts.GetName(), err)
	}
	return tlsutil.NewServerContext(dtc)
}

func (f *ProdComponentFactory) CreateListenSocket(addr string, st SocketType, opts []SocketOption, bindToPort bool) (Socket, error) {
	if !bindToPort {
		return &nullSocket{addr: addr}, nil
	}
	ops := f.Ops
	if ops == nil {
		ops = platformSockOpts()
	}
	return createListenSocket(addr, st, opts, ops)
}

func (f *ProdComponentFactory) CreateDrainManager(envoy_listener_v3.Listener_DrainType) DrainManager {
	drainTime := f.DrainTime
	if drainTime == 0 {
		drainTime = DefaultDrainTime
	}
	return NewTimedDrainManager(drainTime)
}

func (f *ProdComponentFactory) NextListenerTag() uint64 {
	return f.tag.Add(1)
}
