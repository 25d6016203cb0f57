// Package loopengine implements the non-blocking, edge-triggered connection
// engine: listener setup (C3) and the single-threaded event loop (C4) that
// drives accept/read readiness for an arbitrary number of connections using
// Linux epoll.
package loopengine

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listener owns the bound, listening, non-blocking TCP socket (C3).
type Listener struct {
	FD   int
	Addr net.Addr
}

// Listen creates a non-blocking IPv4 TCP socket, sets SO_REUSEADDR, binds to
// the given address, and starts listening with the given backlog (clamped
// to a minimum of 10). Any failure here is a StartupError: fatal to the
// process.
func Listen(address string, backlog int) (*Listener, error) {
	if backlog < 10 {
		backlog = 10
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("parsing listen address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing port %q: %w", portStr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.SockaddrInet4
	sa.Port = port
	if host != "" && host != "0.0.0.0" {
		ip := net.ParseIP(host).To4()
		if ip == nil {
			unix.Close(fd)
			return nil, fmt.Errorf("invalid IPv4 address %q", host)
		}
		copy(sa.Addr[:], ip)
	}

	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}

	boundAddr, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	boundSA, ok := boundAddr.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("unexpected sockaddr type %T", boundAddr)
	}

	return &Listener{
		FD:   fd,
		Addr: &net.TCPAddr{IP: net.IP(boundSA.Addr[:]), Port: boundSA.Port},
	}, nil
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.FD)
}
