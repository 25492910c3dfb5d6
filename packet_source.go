package udpnib

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/lorenzosaino/go-sysctl"
	"golang.org/x/sys/unix"
)

// PacketSource is where the ReceiveEngine gets datagrams from.
type PacketSource interface {
	// Recv copies the next datagram into p without blocking and returns its true
	// length, which may exceed len(p). It returns ErrWouldBlock when none is queued.
	Recv(p []byte) (int, error)
	Close() error
}

// UDPSource is a non-blocking UDP socket bound to one port.
type UDPSource struct {
	fd   int
	addr string
}

// NewUDPSource opens a non-blocking UDP socket on iface:port with a receive
// buffer of sockBuf bytes. iface is an IPv4 address, or "any" or "" for all interfaces.
func NewUDPSource(iface string, port int, sockBuf int) (*UDPSource, error) {
	sa := &unix.SockaddrInet4{Port: port}
	if iface != "" && iface != "any" {
		ip := net.ParseIP(iface).To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: interface %q is not an IPv4 address", ErrBadConfig, iface)
		}
		copy(sa.Addr[:], ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("could not create UDP socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("could not set SO_REUSEADDR: %w", err)
	}
	if sockBuf > 0 {
		checkReceiveBufferLimit(sockBuf)
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, sockBuf); err != nil {
			ProblemLogger.Printf("could not set UDP receive buffer to %d bytes: %v", sockBuf, err)
		}
		if got, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF); err == nil && got < sockBuf {
			// Linux reports double the usable size, so this is only a warning.
			ProblemLogger.Printf("UDP receive buffer is %d bytes, %d requested", got, sockBuf)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("could not bind UDP socket to %s:%d: %w", iface, port, err)
	}
	return &UDPSource{fd: fd, addr: fmt.Sprintf("%s:%d", iface, port)}, nil
}

// checkReceiveBufferLimit warns when the kernel will silently cap SO_RCVBUF below want.
func checkReceiveBufferLimit(want int) {
	val, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		return
	}
	max, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return
	}
	if max < want {
		ProblemLogger.Printf("net.core.rmem_max is %d bytes, below the %d requested; raise it to avoid packet loss", max, want)
	}
}

// LocalPort returns the bound UDP port, useful after binding port 0.
func (s *UDPSource) LocalPort() int {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port
	}
	return 0
}

// Recv implements PacketSource.
func (s *UDPSource) Recv(p []byte) (int, error) {
	for {
		n, _, err := unix.Recvfrom(s.fd, p, unix.MSG_TRUNC)
		if err == nil {
			return n, nil
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("recvfrom on %s: %w", s.addr, err)
	}
}

// Close implements PacketSource.
func (s *UDPSource) Close() error {
	return unix.Close(s.fd)
}
