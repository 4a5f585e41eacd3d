// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package logging

const (
	Gateway         string = "gateway"
	Listener        string = "listener"
	ListenerManager string = "listener_manager"
	FilterChain     string = "filter_chain"
	TLSUtil         string = "tlsutil"
	Worker          string = "worker"
)
