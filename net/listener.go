//go:build linux

package net

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"
)

//Listener is a listening TCP socket usable by both completion queue backends.
//The descriptor is created blocking: io_uring parks blocking socket ops on its internal poller,
//while O_NONBLOCK would make them complete with EAGAIN.
//The net.Listener view (Accept) is built lazily, because it switches the shared file description to non-blocking mode.
type Listener struct {
	fd   int
	addr *net.TCPAddr

	mu     sync.Mutex
	file   *os.File
	ln     net.Listener
	lnErr  error
	closed bool
}

//Listen create, bind and listen a TCP socket on host:port with the given backlog.
//Port 0 picks an ephemeral port, see Addr.
func Listen(host string, port int, backlog int) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	if tcpAddr.IP == nil {
		tcpAddr.IP = net.IPv4zero
	}

	family := unix.AF_INET6
	if tcpAddr.IP.To4() != nil {
		family = unix.AF_INET
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}

	if err = listen(fd, tcpAddr, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("getsockname", err)
	}

	bound := sockaddrnet.SockaddrToTCPAddr(sa)
	if bound == nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("unexpected listener address family %T", sa)
	}

	return &Listener{fd: fd, addr: bound}, nil
}

func listen(fd int, addr *net.TCPAddr, backlog int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}

	sa := sockaddrnet.NetAddrToSockaddr(addr)
	if sa == nil {
		return fmt.Errorf("unsupported listen address %s", addr)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return os.NewSyscallError("bind", err)
	}

	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return os.NewSyscallError("listen", err)
	}
	return nil
}

func (l *Listener) Fd() int {
	return l.fd
}

func (l *Listener) Addr() net.Addr {
	return l.addr
}

//Accept wait for and return the next connection through the Go runtime poller.
func (l *Listener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, net.ErrClosed
	}
	if l.ln == nil && l.lnErr == nil {
		l.file = os.NewFile(uintptr(l.fd), "tcp-listener")
		l.ln, l.lnErr = net.FileListener(l.file)
	}
	ln, err := l.ln, l.lnErr
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return ln.Accept()
}

var errListenerClosed = errors.New("listener already closed")

//Close shut the socket down, waking every pending accept, and release the descriptor.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errListenerClosed
	}
	l.closed = true

	_ = unix.Shutdown(l.fd, unix.SHUT_RDWR)

	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}

	if l.file != nil {
		//file owns fd since Accept wrapped it
		return joinErr(err, l.file.Close())
	}
	if cErr := unix.Close(l.fd); cErr != nil {
		return joinErr(err, os.NewSyscallError("close", cErr))
	}
	return err
}

func joinErr(err1, err2 error) error {
	if err1 == nil {
		return err2
	}
	if err2 == nil {
		return err1
	}
	return fmt.Errorf("%w; %s", err1, err2.Error())
}
