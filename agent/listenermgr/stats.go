// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package listenermgr

import (
	"strings"

	metrics "github.com/armon/go-metrics"
)

// Metric names are normative; tests and dashboards assert on them.
var (
	metricListenerAdded         = []string{"listener_manager", "listener_added"}
	metricListenerModified      = []string{"listener_manager", "listener_modified"}
	metricListenerRemoved       = []string{"listener_manager", "listener_removed"}
	metricListenerCreateFailure = []string{"listener_manager", "listener_create_failure"}

	gaugeListenersWarming  = []string{"listener_manager", "total_listeners_warming"}
	gaugeListenersActive   = []string{"listener_manager", "total_listeners_active"}
	gaugeListenersDraining = []string{"listener_manager", "total_listeners_draining"}
)

var addressSanitizer = strings.NewReplacer(":", "_", ".", "_")

// SanitizeAddress renders a bound address into the form used in stat names,
// replacing ':' and '.' with '_'. "[::1]:10000" becomes "[__1]_10000".
func SanitizeAddress(addr string) string {
	return addressSanitizer.Replace(addr)
}

// Scope is a listener's stats namespace. User filters publish their own
// counters and gauges under it.
type Scope struct {
	address string
}

// Scope returns the stats scope keyed by this listener's sanitized address.
func (l *Listener) Scope() *Scope {
	return &Scope{address: l.address}
}

func (s *Scope) key(name string) []string {
	return []string{"listener", SanitizeAddress(s.address), name}
}

// CounterName is the fully-qualified metric name a counter is published
// under, e.g. "listener.[__1]_10000.foo".
func (s *Scope) CounterName(name string) string {
	return strings.Join(s.key(name), ".")
}

func (s *Scope) IncrCounter(name string, val float32) {
	metrics.IncrCounter(s.key(name), val)
}

func (s *Scope) SetGauge(name string, val float32) {
	metrics.SetGauge(s.key(name), val)
}
