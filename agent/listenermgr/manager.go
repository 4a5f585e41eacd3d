// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package listenermgr

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/cespare/xxhash/v2"
	envoy_listener_v3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"
	"google.golang.org/protobuf/proto"

	"github.com/hashicorp/gantry/ipaddr"
	"github.com/hashicorp/gantry/logging"
)

// ManagerConfig carries the manager's collaborators.
type ManagerConfig struct {
	Logger hclog.Logger

	// ComponentFactory builds listener sub-components. Required.
	ComponentFactory ListenerComponentFactory

	// Workers are the accept-loop threads listeners are dispatched to. The
	// set is fixed for the life of the manager.
	Workers []Worker

	// ServerDrainManager is consulted by every listener's composite drain
	// decision. Optional.
	ServerDrainManager DrainManager

	// LocalAddrs overrides the local interface addresses used for source
	// type classification. Defaults to the host's interfaces.
	LocalAddrs []net.IP
}

// Manager owns the warming, active and draining listener sets and the
// worker dispatch protocol around them. All three sets are mutated under one
// lock; worker and drain completions re-enter through manager methods.
type Manager struct {
	logger      hclog.Logger
	factory     ListenerComponentFactory
	workers     []Worker
	serverDrain DrainManager
	localAddrs  []net.IP

	mu             sync.Mutex
	workersStarted bool
	workersStopped bool
	active         map[string]*Listener
	warming        map[string]*Listener
	draining       []*drainingEntry
	ldsVersion     string
}

// drainingEntry is one draining listener version. Multiple versions of the
// same name may drain concurrently.
type drainingEntry struct {
	listener    *Listener
	drainStart  time.Time
	pendingAcks int
	removed     bool
}

// NewManager builds a Manager. ComponentFactory is required.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	localAddrs := cfg.LocalAddrs
	if localAddrs == nil {
		localAddrs, _ = ipaddr.LocalAddrs()
	}
	m := &Manager{
		logger:      logger.Named(logging.ListenerManager),
		factory:     cfg.ComponentFactory,
		workers:     cfg.Workers,
		serverDrain: cfg.ServerDrainManager,
		localAddrs:  localAddrs,
		active:      make(map[string]*Listener),
		warming:     make(map[string]*Listener),
	}
	m.mu.Lock()
	m.updateGaugesLocked()
	m.mu.Unlock()
	return m
}

// AddOrUpdateListener admits a listener configuration. It returns true iff a
// new version was admitted; an exact duplicate of the current version, or any
// operation on a not-modifiable listener, returns false without error.
// Configuration and resource errors are returned with no listener state
// mutated and no counters incremented.
func (m *Manager) AddOrUpdateListener(config *envoy_listener_v3.Listener, versionInfo string, modifiable bool) (bool, error) {
	cfg, hash, err := normalizeConfig(config, modifiable)
	if err != nil {
		return false, err
	}
	name := cfg.GetName()
	address, _, err := canonicalAddress(cfg.GetAddress())
	if err != nil {
		return false, err
	}
	bindToPort := true
	if cfg.GetBindToPort() != nil {
		bindToPort = cfg.GetBindToPort().GetValue()
	}

	m.mu.Lock()
	existingWarming := m.warming[name]
	existingActive := m.active[name]
	existing := existingWarming
	if existing == nil {
		existing = existingActive
	}
	if existing != nil {
		if !existing.modifiable {
			m.mu.Unlock()
			m.logger.Warn("duplicate static listener can not be updated", "name", name)
			return false, nil
		}
		if existing.hash == hash {
			m.mu.Unlock()
			m.logger.Debug("duplicate listener configuration ignored", "name", name, "version", versionInfo)
			return false, nil
		}
		if existing.address != address {
			m.mu.Unlock()
			return false, fmt.Errorf("error updating listener: '%s' has a different address '%s' from existing listener", name, address)
		}
	}
	if other := m.findByAddressLocked(address, name); other != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("error adding listener: '%s' has duplicate address '%s' as existing listener", name, address)
	}

	var donate *sharedSocket
	if bindToPort {
		if existing != nil && existing.bindToPort {
			donate = existing.socket
		} else {
			for _, e := range m.draining {
				if e.listener.address == address && e.listener.bindToPort {
					donate = e.listener.socket
					break
				}
			}
		}
	}

	l, err := buildListener(listenerBuildOpts{
		config:      cfg,
		versionInfo: versionInfo,
		modifiable:  modifiable,
		hash:        hash,
		factory:     m.factory,
		logger:      m.logger,
		localAddrs:  m.localAddrs,
		serverDrain: m.serverDrain,
		donate:      donate,
		now:         time.Now(),
	})
	if err != nil {
		m.mu.Unlock()
		return false, err
	}

	isUpdate := existing != nil
	if existingWarming != nil {
		// A superseded warming version never drains; it is destroyed on the
		// spot and its pending init targets are released.
		delete(m.warming, name)
		m.destroyLocked(existingWarming)
	}

	var followUp func()
	if !m.workersStarted {
		if old := m.active[name]; old != nil {
			m.destroyLocked(old)
		}
		l.state = StateActive
		m.active[name] = l
	} else {
		l.state = StateWarming
		m.warming[name] = l
		followUp = func() {
			l.init.start(func() { m.onListenerWarmed(l) })
		}
	}

	if isUpdate {
		metrics.IncrCounter(metricListenerModified, 1)
		m.logger.Debug("updated listener", "name", name, "address", address)
	} else {
		metrics.IncrCounter(metricListenerAdded, 1)
		m.logger.Debug("added listener", "name", name, "address", address)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if followUp != nil {
		followUp()
	}
	return true, nil
}

// RemoveListener removes a listener by name. Warming versions are destroyed
// immediately; the active version drains first and is destroyed once every
// worker has acknowledged removal. Unknown and not-modifiable listeners
// return false.
func (m *Manager) RemoveListener(name string) bool {
	m.mu.Lock()
	warming := m.warming[name]
	active := m.active[name]
	if warming == nil && active == nil {
		m.mu.Unlock()
		m.logger.Debug("unknown listener can not be removed", "name", name)
		return false
	}
	known := warming
	if known == nil {
		known = active
	}
	if !known.modifiable {
		m.mu.Unlock()
		m.logger.Warn("static listener can not be removed", "name", name)
		return false
	}

	if warming != nil {
		delete(m.warming, name)
		m.destroyLocked(warming)
	}
	var entry *drainingEntry
	if active != nil {
		delete(m.active, name)
		entry = m.beginDrainLocked(active)
	}
	metrics.IncrCounter(metricListenerRemoved, 1)
	m.updateGaugesLocked()
	workers := m.dispatchableWorkersLocked()
	m.mu.Unlock()

	if entry != nil {
		for _, w := range workers {
			w.StopListener(active)
		}
		active.localDrain.StartDrainSequence(func() { m.onDrainComplete(entry) })
	}
	return true
}

// StartWorkers dispatches every active listener to every worker and starts
// the workers. Called exactly once; later calls are no-ops.
func (m *Manager) StartWorkers(g GuardDog) {
	m.mu.Lock()
	if m.workersStarted {
		m.mu.Unlock()
		return
	}
	m.workersStarted = true
	actives := m.sortedActiveLocked()
	workers := append([]Worker(nil), m.workers...)
	m.mu.Unlock()

	for _, w := range workers {
		for _, l := range actives {
			l := l
			w.AddListener(l, func(ok bool) { m.onWorkerAddDone(l, ok) })
		}
		w.Start(g)
	}
}

// StopWorkers stops every worker. A no-op before StartWorkers: workers that
// were never started are neither started nor stopped.
func (m *Manager) StopWorkers() {
	m.mu.Lock()
	if !m.workersStarted || m.workersStopped {
		m.mu.Unlock()
		return
	}
	m.workersStopped = true
	actives := m.sortedActiveLocked()
	workers := append([]Worker(nil), m.workers...)
	m.mu.Unlock()

	for _, l := range actives {
		for _, w := range workers {
			w.StopListener(l)
		}
	}
	for _, w := range workers {
		w.Stop()
	}
}

// StopListeners stops accepting on every active listener without removing
// any of them, the admin "stop listeners" operation.
func (m *Manager) StopListeners() {
	m.mu.Lock()
	actives := m.sortedActiveLocked()
	workers := m.dispatchableWorkersLocked()
	m.mu.Unlock()

	for _, l := range actives {
		for _, w := range workers {
			w.StopListener(l)
		}
	}
}

// SetLDSVersion records the most recent version reported by the listener
// discovery feed; it becomes the top-level version of the config dump.
func (m *Manager) SetLDSVersion(version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ldsVersion = version
}

// Listeners snapshots the three listener sets; active and warming are sorted
// by name, draining is in drain-start order.
func (m *Manager) Listeners() (active, warming, draining []*Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active = m.sortedActiveLocked()
	warming = make([]*Listener, 0, len(m.warming))
	for _, l := range m.warming {
		warming = append(warming, l)
	}
	sort.Slice(warming, func(i, j int) bool { return warming[i].name < warming[j].name })
	draining = make([]*Listener, 0, len(m.draining))
	for _, e := range m.draining {
		draining = append(draining, e.listener)
	}
	return active, warming, draining
}

// Shutdown destroys every listener and releases every socket. Errors from
// individual listeners are aggregated; shutdown always makes progress.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	var all []*Listener
	for _, l := range m.active {
		all = append(all, l)
	}
	for _, l := range m.warming {
		all = append(all, l)
	}
	for _, e := range m.draining {
		all = append(all, e.listener)
	}
	m.active = make(map[string]*Listener)
	m.warming = make(map[string]*Listener)
	m.draining = nil
	m.updateGaugesLocked()
	m.mu.Unlock()

	var merr *multierror.Error
	for _, l := range all {
		if err := l.destroy(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("destroying listener '%s': %w", l.name, err))
		}
	}
	return merr.ErrorOrNil()
}

// onListenerWarmed promotes a warmed listener to active. The predecessor, if
// any, has accepting stopped before the successor is published, then drains.
func (m *Manager) onListenerWarmed(l *Listener) {
	m.mu.Lock()
	if m.warming[l.name] != l {
		// Superseded or removed while warming.
		m.mu.Unlock()
		return
	}
	delete(m.warming, l.name)
	old := m.active[l.name]
	m.active[l.name] = l
	l.state = StateActive
	var entry *drainingEntry
	if old != nil {
		entry = m.beginDrainLocked(old)
	}
	workers := m.dispatchableWorkersLocked()
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Debug("listener warmed", "name", l.name, "address", l.address)
	if old != nil {
		for _, w := range workers {
			w.StopListener(old)
		}
	}
	for _, w := range workers {
		w.AddListener(l, func(ok bool) { m.onWorkerAddDone(l, ok) })
	}
	if entry != nil {
		old.localDrain.StartDrainSequence(func() { m.onDrainComplete(entry) })
	}
}

// onWorkerAddDone handles a worker's addListener acknowledgment. The first
// failure takes the whole listener version back out through the drain path.
func (m *Manager) onWorkerAddDone(l *Listener, ok bool) {
	if ok {
		return
	}
	m.mu.Lock()
	if l.createFailed {
		m.mu.Unlock()
		return
	}
	l.createFailed = true
	metrics.IncrCounter(metricListenerCreateFailure, 1)
	var entry *drainingEntry
	if m.active[l.name] == l {
		delete(m.active, l.name)
		entry = m.beginDrainLocked(l)
		m.updateGaugesLocked()
	}
	workers := m.dispatchableWorkersLocked()
	m.mu.Unlock()

	m.logger.Error("worker failed to add listener", "name", l.name, "address", l.address)
	if entry != nil {
		for _, w := range workers {
			w.StopListener(l)
		}
		l.localDrain.StartDrainSequence(func() { m.onDrainComplete(entry) })
	}
}

// onDrainComplete runs when a draining listener's drain window has elapsed;
// the listener is detached from every worker and destroyed after the last
// acknowledgment.
func (m *Manager) onDrainComplete(entry *drainingEntry) {
	m.mu.Lock()
	workers := m.dispatchableWorkersLocked()
	entry.pendingAcks = len(workers)
	m.mu.Unlock()

	if len(workers) == 0 {
		m.finishDrainRemoval(entry)
		return
	}
	for _, w := range workers {
		w.RemoveListener(entry.listener, func(bool) { m.finishDrainRemoval(entry) })
	}
}

func (m *Manager) finishDrainRemoval(entry *drainingEntry) {
	m.mu.Lock()
	if entry.removed {
		m.mu.Unlock()
		return
	}
	if entry.pendingAcks > 0 {
		entry.pendingAcks--
		if entry.pendingAcks > 0 {
			m.mu.Unlock()
			return
		}
	}
	entry.removed = true
	for i, e := range m.draining {
		if e == entry {
			m.draining = append(m.draining[:i], m.draining[i+1:]...)
			break
		}
	}
	m.destroyLocked(entry.listener)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Debug("listener removal complete", "name", entry.listener.name, "address", entry.listener.address)
}

func (m *Manager) beginDrainLocked(l *Listener) *drainingEntry {
	l.state = StateDraining
	entry := &drainingEntry{listener: l, drainStart: time.Now()}
	m.draining = append(m.draining, entry)
	return entry
}

func (m *Manager) destroyLocked(l *Listener) {
	if err := l.destroy(); err != nil {
		m.logger.Warn("error destroying listener", "name", l.name, "error", err)
	}
}

func (m *Manager) findByAddressLocked(address, excludeName string) *Listener {
	for _, l := range m.warming {
		if l.name != excludeName && l.address == address {
			return l
		}
	}
	for _, l := range m.active {
		if l.name != excludeName && l.address == address {
			return l
		}
	}
	return nil
}

// dispatchableWorkersLocked is the worker set cross-thread messages go to;
// empty before StartWorkers.
func (m *Manager) dispatchableWorkersLocked() []Worker {
	if !m.workersStarted {
		return nil
	}
	return append([]Worker(nil), m.workers...)
}

func (m *Manager) sortedActiveLocked() []*Listener {
	out := make([]*Listener, 0, len(m.active))
	for _, l := range m.active {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (m *Manager) updateGaugesLocked() {
	metrics.SetGauge(gaugeListenersWarming, float32(len(m.warming)))
	metrics.SetGauge(gaugeListenersActive, float32(len(m.active)))
	metrics.SetGauge(gaugeListenersDraining, float32(len(m.draining)))
}

// normalizeConfig clones the configuration, fills in a generated name for
// anonymous static listeners, and hashes the result for exact-duplicate
// detection.
func normalizeConfig(config *envoy_listener_v3.Listener, modifiable bool) (*envoy_listener_v3.Listener, uint64, error) {
	if config == nil {
		return nil, 0, errors.New("nil listener configuration")
	}
	cfg := proto.Clone(config).(*envoy_listener_v3.Listener)
	if cfg.GetName() == "" {
		if modifiable {
			return nil, 0, errors.New("error adding listener: listener name is required for dynamic listeners")
		}
		name, err := uuid.GenerateUUID()
		if err != nil {
			return nil, 0, fmt.Errorf("generating listener name: %w", err)
		}
		cfg.Name = name
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("hashing listener configuration: %w", err)
	}
	return cfg, xxhash.Sum64(b), nil
}
