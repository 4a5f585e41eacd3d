// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package listenermgr

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_listener_v3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/gantry/agent/listenermgr/filterchain"
	"github.com/hashicorp/gantry/lib/stringslice"
	"github.com/hashicorp/gantry/logging"
)

const (
	// DefaultPerConnectionBufferLimitBytes bounds per-connection buffering
	// when the configuration does not.
	DefaultPerConnectionBufferLimitBytes = 1024 * 1024

	// DefaultListenerFiltersTimeout bounds the accept-time filter chain when
	// the configuration does not. Zero in the configuration disables the
	// timeout entirely.
	DefaultListenerFiltersTimeout = 15 * time.Second
)

// Listener is the immutable, versioned compiled form of one listener
// configuration. It owns its listen socket (possibly shared with a
// predecessor or successor version on the same address), its filter
// factories and its filter chain match engine. The state field is mutated
// exclusively by the Manager.
type Listener struct {
	name        string
	address     string
	socketType  SocketType
	bindToPort  bool
	versionInfo string
	lastUpdated time.Time
	modifiable  bool
	hash        uint64
	tag         uint64

	drainType                envoy_listener_v3.Listener_DrainType
	perConnBufferLimit       uint32
	filtersTimeout           time.Duration
	continueOnFiltersTimeout bool
	reverseWriteFilterOrder  bool
	metadata                 *envoy_core_v3.Metadata
	config                   *envoy_listener_v3.Listener

	socketOptions           []SocketOption
	listenerFilterFactories []ListenerFilterFactory
	filterChains            []*FilterChain
	matcher                 *filterchain.Matcher
	socket                  *sharedSocket
	localDrain              DrainManager
	serverDrain             DrainManager
	logger                  hclog.Logger

	init *initManager

	// The fields below are guarded by the Manager's lock.
	state        State
	createFailed bool
	destroyed    bool
	onDestroy    func()
}

type listenerBuildOpts struct {
	config      *envoy_listener_v3.Listener
	versionInfo string
	modifiable  bool
	hash        uint64
	factory     ListenerComponentFactory
	logger      hclog.Logger
	localAddrs  []net.IP
	serverDrain DrainManager
	// donate carries the listen socket of a same-address predecessor. When
	// set, no new socket is opened and no options are applied; the kernel
	// accept queue survives the update.
	donate *sharedSocket
	now    time.Time
}

// buildListener compiles a normalized configuration. It acquires no manager
// state: on error everything allocated here is released and the caller's
// listener sets are untouched.
func buildListener(opts listenerBuildOpts) (*Listener, error) {
	cfg := opts.config

	address, socketType, err := canonicalAddress(cfg.GetAddress())
	if err != nil {
		return nil, err
	}

	l := &Listener{
		name:        cfg.GetName(),
		address:     address,
		socketType:  socketType,
		bindToPort:  true,
		versionInfo: opts.versionInfo,
		lastUpdated: opts.now,
		modifiable:  opts.modifiable,
		hash:        opts.hash,
		drainType:   cfg.GetDrainType(),
		metadata:    cfg.GetMetadata(),
		config:      cfg,
		serverDrain: opts.serverDrain,
		state:       StateWarming,
		logger: opts.logger.Named(logging.Listener).
			With("name", cfg.GetName(), "address", address),
	}
	if cfg.GetBindToPort() != nil {
		l.bindToPort = cfg.GetBindToPort().GetValue()
	}

	l.perConnBufferLimit = DefaultPerConnectionBufferLimitBytes
	if cfg.GetPerConnectionBufferLimitBytes() != nil {
		l.perConnBufferLimit = cfg.GetPerConnectionBufferLimitBytes().GetValue()
	}
	l.filtersTimeout = DefaultListenerFiltersTimeout
	if cfg.GetListenerFiltersTimeout() != nil {
		l.filtersTimeout = cfg.GetListenerFiltersTimeout().AsDuration()
	}
	l.continueOnFiltersTimeout = cfg.GetContinueOnListenerFiltersTimeout()
	if md := cfg.GetMetadata().GetFilterMetadata()["gantry"]; md != nil {
		if v, ok := md.GetFields()["reverse_write_filter_order"]; ok {
			l.reverseWriteFilterOrder = v.GetBoolValue()
		}
	}

	if l.socketOptions, err = socketOptionsFromConfig(cfg); err != nil {
		return nil, err
	}

	if l.listenerFilterFactories, err = opts.factory.CreateListenerFilterFactoryList(cfg.GetListenerFilters()); err != nil {
		return nil, err
	}

	for _, fc := range cfg.GetFilterChains() {
		tsf, err := opts.factory.CreateTransportSocketFactory(fc.GetTransportSocket())
		if err != nil {
			return nil, err
		}
		nff, err := opts.factory.CreateNetworkFilterFactoryList(fc.GetFilters())
		if err != nil {
			return nil, err
		}
		l.filterChains = append(l.filterChains, &FilterChain{
			Match:                  fc.GetFilterChainMatch(),
			TransportSocketFactory: tsf,
			NetworkFilterFactories: nff,
		})
	}

	if l.matcher, err = filterchain.NewMatcher(cfg.GetFilterChains(), filterchain.WithLocalAddrs(opts.localAddrs)); err != nil {
		if errors.Is(err, filterchain.ErrDuplicateRules) || errors.Is(err, filterchain.ErrPartialWildcard) {
			return nil, fmt.Errorf("error adding listener '%s': %s", address, err)
		}
		return nil, err
	}

	if l.matcher.NeedsTLSInspector() && !l.hasListenerFilter(wellknown.TlsInspector) {
		cf, err := listenerFilterConfigFactory(wellknown.TlsInspector)
		if err != nil {
			return nil, err
		}
		inspector, err := cf.CreateFilterFactory(nil)
		if err != nil {
			return nil, err
		}
		l.listenerFilterFactories = append([]ListenerFilterFactory{inspector}, l.listenerFilterFactories...)
	}

	var targets []InitTarget
	for _, lf := range l.listenerFilterFactories {
		if p, ok := lf.(SocketOptionProvider); ok {
			l.socketOptions = append(l.socketOptions, p.ListenSocketOptions()...)
		}
		if p, ok := lf.(InitTargetProvider); ok {
			targets = append(targets, p.InitTargets()...)
		}
	}
	for _, fc := range l.filterChains {
		for _, nf := range fc.NetworkFilterFactories {
			if p, ok := nf.(InitTargetProvider); ok {
				targets = append(targets, p.InitTargets()...)
			}
		}
	}
	l.init = newInitManager(targets)

	// The socket comes last so nothing is bound when an earlier step fails.
	if opts.donate != nil {
		l.socket = opts.donate.acquire()
	} else {
		raw, err := opts.factory.CreateListenSocket(address, socketType, l.socketOptions, l.bindToPort)
		if err != nil {
			return nil, err
		}
		l.socket = newSharedSocket(raw)
	}

	l.localDrain = opts.factory.CreateDrainManager(cfg.GetDrainType())
	l.tag = opts.factory.NextListenerTag()

	return l, nil
}

func (l *Listener) hasListenerFilter(name string) bool {
	names := make([]string, 0, len(l.listenerFilterFactories))
	for _, f := range l.listenerFilterFactories {
		names = append(names, f.Name())
	}
	return stringslice.Contains(names, name)
}

// Name is the configuration name, the primary key for updates.
func (l *Listener) Name() string { return l.name }

// Address is the canonical configured address.
func (l *Listener) Address() string { return l.address }

// BoundAddress is the address of the listen socket, which differs from
// Address when binding to an ephemeral port.
func (l *Listener) BoundAddress() string { return l.socket.Address() }

// Tag is the process-unique tag of this listener version.
func (l *Listener) Tag() uint64 { return l.tag }

// VersionInfo is the control plane's opaque version for this configuration.
func (l *Listener) VersionInfo() string { return l.versionInfo }

// LastUpdated is the wall-clock time of admission.
func (l *Listener) LastUpdated() time.Time { return l.lastUpdated }

// Config is the normalized configuration this listener was compiled from.
// Callers must not mutate it.
func (l *Listener) Config() *envoy_listener_v3.Listener { return l.config }

// State is the lifecycle state, managed by the Manager.
func (l *Listener) State() State { return l.state }

// BindToPort reports whether the listener binds a kernel socket.
func (l *Listener) BindToPort() bool { return l.bindToPort }

// SocketType reports whether the listener accepts stream or datagram
// traffic.
func (l *Listener) SocketType() SocketType { return l.socketType }

// DrainType is the configured drain policy.
func (l *Listener) DrainType() envoy_listener_v3.Listener_DrainType { return l.drainType }

// PerConnectionBufferLimitBytes is the per-connection buffer bound.
func (l *Listener) PerConnectionBufferLimitBytes() uint32 { return l.perConnBufferLimit }

// ListenerFiltersTimeout bounds the accept-time filter chain; zero disables.
func (l *Listener) ListenerFiltersTimeout() time.Duration { return l.filtersTimeout }

// ContinueOnListenerFiltersTimeout reports whether a timed-out accept filter
// chain still dispatches the connection.
func (l *Listener) ContinueOnListenerFiltersTimeout() bool { return l.continueOnFiltersTimeout }

// ReverseWriteFilterOrder reports whether write filters run in reverse
// declaration order.
func (l *Listener) ReverseWriteFilterOrder() bool { return l.reverseWriteFilterOrder }

// Metadata is the opaque configuration metadata surfaced to filters.
func (l *Listener) Metadata() *envoy_core_v3.Metadata { return l.metadata }

// SocketOptions is the compiled, ordered option list.
func (l *Listener) SocketOptions() []SocketOption { return l.socketOptions }

// ListenerFilterFactories is the ordered accept-time filter factory list,
// with the TLS inspector prepended when the match rules require it.
func (l *Listener) ListenerFilterFactories() []ListenerFilterFactory {
	return l.listenerFilterFactories
}

// FilterChains is the compiled filter chain list, in declaration order.
func (l *Listener) FilterChains() []*FilterChain { return l.filterChains }

// FindFilterChain classifies an accepted socket into at most one filter
// chain. A nil result means the connection is dropped once the accept-time
// filter chain completes.
func (l *Listener) FindFilterChain(ci filterchain.ConnInfo) *FilterChain {
	idx, ok := l.matcher.Match(ci)
	if !ok {
		return nil
	}
	return l.filterChains[idx]
}

// DrainClose reports whether connections on this listener should be closed,
// consulting the listener-local drain first and the server-wide drain only
// when the local one says no.
func (l *Listener) DrainClose() bool {
	if l.localDrain.DrainClose() {
		return true
	}
	return l.serverDrain != nil && l.serverDrain.DrainClose()
}

// destroy releases the listener's resources. Safe to call once per listener;
// the Manager guards re-entry with its lock.
func (l *Listener) destroy() error {
	if l.destroyed {
		return nil
	}
	l.destroyed = true
	l.init.cancel()
	if l.onDestroy != nil {
		l.onDestroy()
	}
	return l.socket.release()
}

// initManager counts the pending readiness signals that keep a listener
// warming. The watcher fires exactly once, when the last target completes.
type initManager struct {
	mu        sync.Mutex
	targets   []InitTarget
	pending   int
	watcher   func()
	started   bool
	cancelled bool
}

func newInitManager(targets []InitTarget) *initManager {
	return &initManager{targets: targets, pending: len(targets)}
}

func (im *initManager) pendingCount() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.pending
}

// start kicks off every target. onReady runs synchronously when there is
// nothing to wait for.
func (im *initManager) start(onReady func()) {
	im.mu.Lock()
	if im.started || im.cancelled {
		im.mu.Unlock()
		return
	}
	im.started = true
	im.watcher = onReady
	pending := im.pending
	targets := im.targets
	im.mu.Unlock()

	if pending == 0 {
		onReady()
		return
	}
	for _, t := range targets {
		t.Initialize(im.targetReady)
	}
}

func (im *initManager) targetReady() {
	im.mu.Lock()
	if im.cancelled || im.pending == 0 {
		im.mu.Unlock()
		return
	}
	im.pending--
	fire := im.pending == 0 && im.watcher != nil
	watcher := im.watcher
	im.mu.Unlock()

	if fire {
		watcher()
	}
}

// cancel marks the manager done without firing the watcher. Used when a
// warming listener is destroyed; late ready() calls from targets become
// no-ops.
func (im *initManager) cancel() {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.cancelled = true
}
