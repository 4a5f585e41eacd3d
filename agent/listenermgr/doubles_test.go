// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package listenermgr

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	metrics "github.com/armon/go-metrics"
	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_listener_v3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// testListenerConfig is a minimal valid listener proto with one catch-all
// filter chain.
func testListenerConfig(name, addr string, port uint32) *envoy_listener_v3.Listener {
	return &envoy_listener_v3.Listener{
		Name:         name,
		Address:      socketAddress(addr, port),
		FilterChains: []*envoy_listener_v3.FilterChain{{}},
	}
}

func socketAddress(addr string, port uint32) *envoy_core_v3.Address {
	return &envoy_core_v3.Address{
		Address: &envoy_core_v3.Address_SocketAddress{
			SocketAddress: &envoy_core_v3.SocketAddress{
				Address:       addr,
				PortSpecifier: &envoy_core_v3.SocketAddress_PortValue{PortValue: port},
			},
		},
	}
}

func noBind(cfg *envoy_listener_v3.Listener) *envoy_listener_v3.Listener {
	cfg.BindToPort = wrapperspb.Bool(false)
	return cfg
}

// testSocket stands in for a bound kernel socket.
type testSocket struct {
	addr string

	mu     sync.Mutex
	closed bool
}

func (s *testSocket) Address() string { return s.addr }

func (s *testSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *testSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// manualDrain is a DrainManager completed explicitly by the test.
type manualDrain struct {
	mu         sync.Mutex
	draining   bool
	onComplete func()
}

func (d *manualDrain) StartDrainSequence(onComplete func()) {
	d.mu.Lock()
	d.draining = true
	d.onComplete = onComplete
	d.mu.Unlock()
}

func (d *manualDrain) DrainClose() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

func (d *manualDrain) StartParentShutdownSequence() {}

func (d *manualDrain) complete() {
	d.mu.Lock()
	cb := d.onComplete
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// manualInitTarget is an InitTarget signalled explicitly by the test.
type manualInitTarget struct {
	mu          sync.Mutex
	ready       func()
	initialized bool
}

func (t *manualInitTarget) Initialize(ready func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = true
	t.ready = ready
}

func (t *manualInitTarget) signalReady() {
	t.mu.Lock()
	cb := t.ready
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (t *manualInitTarget) wasInitialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// stubFilterFactory is both a network and a listener filter factory. Filters
// named "test.init" surface the component factory's queued init targets;
// filters named "test.sockopt" contribute the queued listen socket options.
type stubFilterFactory struct {
	name    string
	targets []InitTarget
	opts    []SocketOption
}

func (f *stubFilterFactory) Name() string { return f.name }

func (f *stubFilterFactory) InitTargets() []InitTarget { return f.targets }

func (f *stubFilterFactory) ListenSocketOptions() []SocketOption { return f.opts }

// failingSockOpts rejects every option application.
type failingSockOpts struct{}

func (failingSockOpts) SetSocketOption(uintptr, SocketOption) error {
	return errors.New("setsockopt: operation not permitted")
}

// testComponentFactory is the test ListenerComponentFactory. It fabricates
// sockets and drain managers the tests can inspect and complete by hand.
type testComponentFactory struct {
	mu          sync.Mutex
	tag         uint64
	sockets     []*testSocket
	drains      []*manualDrain
	nextTargets []InitTarget
	nextOpts    []SocketOption
	failOptions bool
}

func (f *testComponentFactory) CreateNetworkFilterFactoryList(filters []*envoy_listener_v3.Filter) ([]NetworkFilterFactory, error) {
	out := make([]NetworkFilterFactory, 0, len(filters))
	for _, filter := range filters {
		out = append(out, f.stubFor(filter.GetName()))
	}
	return out, nil
}

func (f *testComponentFactory) CreateListenerFilterFactoryList(filters []*envoy_listener_v3.ListenerFilter) ([]ListenerFilterFactory, error) {
	out := make([]ListenerFilterFactory, 0, len(filters))
	for _, filter := range filters {
		out = append(out, f.stubFor(filter.GetName()))
	}
	return out, nil
}

func (f *testComponentFactory) stubFor(name string) *stubFilterFactory {
	stub := &stubFilterFactory{name: name}
	f.mu.Lock()
	switch name {
	case "test.init":
		stub.targets = f.nextTargets
		f.nextTargets = nil
	case "test.sockopt":
		stub.opts = f.nextOpts
		f.nextOpts = nil
	}
	f.mu.Unlock()
	return stub
}

func (f *testComponentFactory) CreateTransportSocketFactory(ts *envoy_core_v3.TransportSocket) (TransportSocketFactory, error) {
	return RawBufferTransport{}, nil
}

func (f *testComponentFactory) CreateListenSocket(addr string, st SocketType, opts []SocketOption, bindToPort bool) (Socket, error) {
	f.mu.Lock()
	failOptions := f.failOptions
	f.mu.Unlock()
	if failOptions {
		if err := applySocketOptions(failingSockOpts{}, 0, opts, StatePreBind); err != nil {
			return nil, fmt.Errorf("MockListenerComponentFactory: %w", err)
		}
	}
	if !bindToPort {
		return &nullSocket{addr: addr}, nil
	}
	s := &testSocket{addr: addr}
	f.mu.Lock()
	f.sockets = append(f.sockets, s)
	f.mu.Unlock()
	return s, nil
}

func (f *testComponentFactory) CreateDrainManager(envoy_listener_v3.Listener_DrainType) DrainManager {
	d := &manualDrain{}
	f.mu.Lock()
	f.drains = append(f.drains, d)
	f.mu.Unlock()
	return d
}

func (f *testComponentFactory) NextListenerTag() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tag++
	return f.tag
}

func (f *testComponentFactory) queueInitTarget(t InitTarget) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTargets = append(f.nextTargets, t)
}

func (f *testComponentFactory) lastDrain() *manualDrain {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.drains) == 0 {
		return nil
	}
	return f.drains[len(f.drains)-1]
}

// testWorker records the messages it receives and acknowledges them
// synchronously.
type testWorker struct {
	mu       sync.Mutex
	added    []uint64
	removed  []uint64
	stopped  []uint64
	started  bool
	stopCnt  int
	failAdds bool
}

func (w *testWorker) AddListener(l *Listener, completion func(success bool)) {
	w.mu.Lock()
	w.added = append(w.added, l.Tag())
	fail := w.failAdds
	w.mu.Unlock()
	completion(!fail)
}

func (w *testWorker) RemoveListener(l *Listener, completion func(success bool)) {
	w.mu.Lock()
	w.removed = append(w.removed, l.Tag())
	w.mu.Unlock()
	completion(true)
}

func (w *testWorker) StopListener(l *Listener) {
	w.mu.Lock()
	w.stopped = append(w.stopped, l.Tag())
	w.mu.Unlock()
}

func (w *testWorker) Start(GuardDog) {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
}

func (w *testWorker) Stop() {
	w.mu.Lock()
	w.stopCnt++
	w.mu.Unlock()
}

func (w *testWorker) addedTags() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.added...)
}

func (w *testWorker) removedTags() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.removed...)
}

func (w *testWorker) stoppedTags() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.stopped...)
}

type testGuardDog struct{}

func (testGuardDog) Touch(string) {}

// setupMetrics installs a fresh in-memory sink as the global metrics
// destination and returns it for inspection.
func setupMetrics(t *testing.T) *metrics.InmemSink {
	t.Helper()
	sink := metrics.NewInmemSink(time.Hour, time.Hour)
	cfg := metrics.DefaultConfig("")
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	if _, err := metrics.NewGlobal(cfg, sink); err != nil {
		t.Fatalf("installing metrics sink: %v", err)
	}
	return sink
}

func counterValue(sink *metrics.InmemSink, name string) float64 {
	data := sink.Data()
	if len(data) == 0 {
		return 0
	}
	sample, ok := data[len(data)-1].Counters[name]
	if !ok {
		return 0
	}
	return sample.Sum
}

func gaugeValue(sink *metrics.InmemSink, name string) (float32, bool) {
	data := sink.Data()
	if len(data) == 0 {
		return 0, false
	}
	g, ok := data[len(data)-1].Gauges[name]
	if !ok {
		return 0, false
	}
	return g.Value, true
}
