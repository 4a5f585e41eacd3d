// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package listenermgr

import "errors"

func transparentSocketOptions() ([]SocketOption, error) {
	return nil, errors.New("transparent listeners are not supported on this platform")
}

func freebindSocketOptions() ([]SocketOption, error) {
	return nil, errors.New("freebind listeners are not supported on this platform")
}

func tcpFastOpenSocketOptions(int64) ([]SocketOption, error) {
	return nil, errors.New("TCP fast open is not supported on this platform")
}
