// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

//go:build linux

package listenermgr

import (
	"golang.org/x/sys/unix"
)

func transparentSocketOptions() ([]SocketOption, error) {
	return []SocketOption{
		{
			Description: "IP_TRANSPARENT",
			Level:       unix.SOL_IP,
			Name:        unix.IP_TRANSPARENT,
			IntValue:    1,
			State:       StatePreBind,
		},
	}, nil
}

func freebindSocketOptions() ([]SocketOption, error) {
	return []SocketOption{
		{
			Description: "IP_FREEBIND",
			Level:       unix.SOL_IP,
			Name:        unix.IP_FREEBIND,
			IntValue:    1,
			State:       StatePreBind,
		},
	}, nil
}

func tcpFastOpenSocketOptions(queueLength int64) ([]SocketOption, error) {
	return []SocketOption{
		{
			Description: "TCP_FASTOPEN",
			Level:       unix.SOL_TCP,
			Name:        unix.TCP_FASTOPEN,
			IntValue:    queueLength,
			State:       StateListening,
		},
	}, nil
}
