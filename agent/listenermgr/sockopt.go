// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package listenermgr

import (
	"fmt"

	envoy_core_v3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	envoy_listener_v3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
)

// SocketState is the lifecycle point at which a socket option is applied.
type SocketState int

const (
	// StatePreBind applies after socket creation, before bind.
	StatePreBind SocketState = iota
	// StateBound applies after bind, before listen.
	StateBound
	// StateListening applies after listen.
	StateListening
)

func (s SocketState) String() string {
	switch s {
	case StatePreBind:
		return "prebind"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	default:
		return "unknown"
	}
}

// SocketOption is a single platform socket option and the state it is applied
// in. Exactly one of IntValue and BufValue is meaningful; BufValue wins when
// non-nil.
type SocketOption struct {
	Description string
	Level       int64
	Name        int64
	IntValue    int64
	BufValue    []byte
	State       SocketState
}

// SockOpts is the platform primitive used to apply socket options. The
// production implementation issues setsockopt; tests substitute a recorder.
type SockOpts interface {
	SetSocketOption(fd uintptr, opt SocketOption) error
}

// socketOptionsFromConfig expands the listener's well-known fields and
// user-supplied socket_options into the ordered option list. Well-known
// fields with no platform equivalent fail here, at build time.
func socketOptionsFromConfig(cfg *envoy_listener_v3.Listener) ([]SocketOption, error) {
	var opts []SocketOption

	if cfg.GetTransparent().GetValue() {
		expanded, err := transparentSocketOptions()
		if err != nil {
			return nil, err
		}
		opts = append(opts, expanded...)
	}
	if cfg.GetFreebind().GetValue() {
		expanded, err := freebindSocketOptions()
		if err != nil {
			return nil, err
		}
		opts = append(opts, expanded...)
	}
	if cfg.GetTcpFastOpenQueueLength() != nil {
		expanded, err := tcpFastOpenSocketOptions(int64(cfg.GetTcpFastOpenQueueLength().GetValue()))
		if err != nil {
			return nil, err
		}
		opts = append(opts, expanded...)
	}

	for _, o := range cfg.GetSocketOptions() {
		opt := SocketOption{
			Description: o.GetDescription(),
			Level:       o.GetLevel(),
			Name:        o.GetName(),
		}
		switch v := o.GetValue().(type) {
		case *envoy_core_v3.SocketOption_IntValue:
			opt.IntValue = v.IntValue
		case *envoy_core_v3.SocketOption_BufValue:
			opt.BufValue = v.BufValue
		}
		switch o.GetState() {
		case envoy_core_v3.SocketOption_STATE_PREBIND:
			opt.State = StatePreBind
		case envoy_core_v3.SocketOption_STATE_BOUND:
			opt.State = StateBound
		case envoy_core_v3.SocketOption_STATE_LISTENING:
			opt.State = StateListening
		default:
			return nil, fmt.Errorf("unsupported socket option state %v", o.GetState())
		}
		opts = append(opts, opt)
	}

	return opts, nil
}

// applySocketOptions applies every option declared for state. The first
// failure aborts; callers treat that as fatal to listener creation.
func applySocketOptions(ops SockOpts, fd uintptr, opts []SocketOption, state SocketState) error {
	for _, opt := range opts {
		if opt.State != state {
			continue
		}
		if err := ops.SetSocketOption(fd, opt); err != nil {
			return fmt.Errorf("Setting socket options failed: %w", err)
		}
	}
	return nil
}
