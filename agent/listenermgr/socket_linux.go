// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

//go:build linux

package listenermgr

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// realSockOpts applies options with setsockopt.
type realSockOpts struct{}

func (realSockOpts) SetSocketOption(fd uintptr, opt SocketOption) error {
	if opt.BufValue != nil {
		return unix.SetsockoptString(int(fd), int(opt.Level), int(opt.Name), string(opt.BufValue))
	}
	return unix.SetsockoptInt(int(fd), int(opt.Level), int(opt.Name), int(opt.IntValue))
}

func platformSockOpts() SockOpts { return realSockOpts{} }

type listenSocket struct {
	fd   int
	addr string
}

func (s *listenSocket) Address() string { return s.addr }
func (s *listenSocket) Close() error    { return unix.Close(s.fd) }

// createListenSocket opens, configures and binds a listen socket, applying
// socket options at the prebind, bound and listening states. Only the
// address family of the literal is required to be available; single-family
// hosts can still bind single-family literals.
func createListenSocket(addr string, st SocketType, opts []SocketOption, ops SockOpts) (Socket, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return createPipeSocket(addr, opts, ops)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("malformed IP address: %s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in address '%s': %w", addr, err)
	}

	family := unix.AF_INET6
	var sa unix.Sockaddr
	if ip4 := ip.To4(); ip4 != nil {
		family = unix.AF_INET
		var raw [4]byte
		copy(raw[:], ip4)
		sa = &unix.SockaddrInet4{Port: port, Addr: raw}
	} else {
		var raw [16]byte
		copy(raw[:], ip.To16())
		sa = &unix.SockaddrInet6{Port: port, Addr: raw}
	}

	typ := unix.SOCK_STREAM
	if st == SocketTypeDatagram {
		typ = unix.SOCK_DGRAM
	}

	fd, err := unix.Socket(family, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot create socket for '%s': %w", addr, err)
	}
	fail := func(err error) (Socket, error) {
		unix.Close(fd)
		return nil, err
	}

	if err := applySocketOptions(ops, uintptr(fd), opts, StatePreBind); err != nil {
		return fail(err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(fmt.Errorf("cannot set SO_REUSEADDR on '%s': %w", addr, err))
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail(fmt.Errorf("cannot bind '%s': %w", addr, err))
	}
	if err := applySocketOptions(ops, uintptr(fd), opts, StateBound); err != nil {
		return fail(err)
	}
	if st == SocketTypeStream {
		if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
			return fail(fmt.Errorf("cannot listen on '%s': %w", addr, err))
		}
	}
	if err := applySocketOptions(ops, uintptr(fd), opts, StateListening); err != nil {
		return fail(err)
	}

	bound := addr
	if lsa, err := unix.Getsockname(fd); err == nil {
		switch a := lsa.(type) {
		case *unix.SockaddrInet4:
			bound = net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
		case *unix.SockaddrInet6:
			bound = net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
		}
	}

	return &listenSocket{fd: fd, addr: bound}, nil
}

func createPipeSocket(path string, opts []SocketOption, ops SockOpts) (Socket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot create socket for '%s': %w", path, err)
	}
	fail := func(err error) (Socket, error) {
		unix.Close(fd)
		return nil, err
	}

	if err := applySocketOptions(ops, uintptr(fd), opts, StatePreBind); err != nil {
		return fail(err)
	}
	// Unlink any stale socket file left by a previous process.
	os.Remove(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		return fail(fmt.Errorf("cannot bind '%s': %w", path, err))
	}
	if err := applySocketOptions(ops, uintptr(fd), opts, StateBound); err != nil {
		return fail(err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail(fmt.Errorf("cannot listen on '%s': %w", path, err))
	}
	if err := applySocketOptions(ops, uintptr(fd), opts, StateListening); err != nil {
		return fail(err)
	}

	return &listenSocket{fd: fd, addr: path}, nil
}
