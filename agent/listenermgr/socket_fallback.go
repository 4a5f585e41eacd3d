// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package listenermgr

import "errors"

// noSockOpts rejects every option; non-Linux platforms have no production
// socket factory, so this only exists to satisfy the component factory.
type noSockOpts struct{}

func (noSockOpts) SetSocketOption(uintptr, SocketOption) error {
	return errors.New("socket options are not supported on this platform")
}

func platformSockOpts() SockOpts { return noSockOpts{} }

func createListenSocket(addr string, st SocketType, opts []SocketOption, ops SockOpts) (Socket, error) {
	return nil, errors.New("listen sockets are not supported on this platform")
}
