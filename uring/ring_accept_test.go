//go:build linux

package uring

import (
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func makeTCPListener(t *testing.T) (*net.TCPListener, uintptr) {
	t.Helper()

	var fdescr uintptr

	var listenConfig = net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var err error
			_ = c.Control(func(fd uintptr) {
				if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					return
				}
				if err = syscall.SetNonblock(int(fd), false); err != nil {
					return
				}
				fdescr = fd
			})
			return err
		},
	}

	l, err := listenConfig.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = l.Close()
	})

	return l.(*net.TCPListener), fdescr
}

func dial(t *testing.T, addr net.Addr, connChan chan<- net.Conn) {
	c, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if !assert.NoError(t, err) {
		close(connChan)
		return
	}

	connChan <- c
}

func waitOne(t *testing.T, ring *Ring) CQEvent {
	t.Helper()

	cqe, err := ring.WaitCQEvents(1)
	require.NoError(t, err)

	event := *cqe
	ring.SeenCQE(cqe)
	return event
}

// Test that IORING_OP_ACCEPT works and returns the peer address.
func TestAccept(t *testing.T) {
	ring := newRing(t, 64)

	l, listenerFd := makeTCPListener(t)

	clientConnChan := make(chan net.Conn, 1)
	go dial(t, l.Addr(), clientConnChan)

	op := Accept(listenerFd, unix.SOCK_CLOEXEC)
	require.NoError(t, ring.QueueSQE(op, 0, 1))
	_, err := ring.Submit()
	require.NoError(t, err)

	cqe := waitOne(t, ring)
	if cqe.Error() == syscall.EINVAL {
		t.Skipf("Skipped, accept not supported on this kernel")
	}
	require.NoError(t, cqe.Error())
	assert.Equal(t, uint64(1), cqe.UserData)

	connFd := int(cqe.Res)
	defer syscall.Close(connFd)

	c, ok := <-clientConnChan
	require.True(t, ok)
	defer c.Close()

	rAddr, err := op.Addr()
	require.NoError(t, err)
	assert.Equal(t, c.LocalAddr().String(), rAddr.String())
}

// Test a recv followed by a send on an accepted socket: the echo round trip.
func TestAcceptRecvSend(t *testing.T) {
	ring := newRing(t, 64)

	l, listenerFd := makeTCPListener(t)

	clientConnChan := make(chan net.Conn, 1)
	go dial(t, l.Addr(), clientConnChan)

	require.NoError(t, ring.QueueSQE(Accept(listenerFd, unix.SOCK_CLOEXEC), 0, 1))
	_, err := ring.Submit()
	require.NoError(t, err)

	cqe := waitOne(t, ring)
	require.NoError(t, cqe.Error())
	connFd := uintptr(cqe.Res)
	defer syscall.Close(int(connFd))

	c, ok := <-clientConnChan
	require.True(t, ok)
	defer c.Close()

	const msg = "hello world"
	_, err = c.Write([]byte(msg))
	require.NoError(t, err)

	buff := make([]byte, 128)
	require.NoError(t, ring.QueueSQE(Recv(connFd, buff, 0), 0, 2))
	_, err = ring.Submit()
	require.NoError(t, err)

	cqe = waitOne(t, ring)
	require.NoError(t, cqe.Error())
	require.Equal(t, uint64(2), cqe.UserData)
	require.Equal(t, len(msg), int(cqe.Res))
	assert.Equal(t, msg, string(buff[:cqe.Res]))

	require.NoError(t, ring.QueueSQE(Send(connFd, buff[:cqe.Res], 0), 0, 3))
	_, err = ring.Submit()
	require.NoError(t, err)

	cqe = waitOne(t, ring)
	require.NoError(t, cqe.Error())
	assert.Equal(t, len(msg), int(cqe.Res))

	reply := make([]byte, len(msg))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = c.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, msg, string(reply))
}

// Test we can cancel IORING_OP_ACCEPT.
func TestAcceptCancel(t *testing.T) {
	ring := newRing(t, 32)

	_, listenerFd := makeTCPListener(t)

	require.NoError(t, ring.QueueSQE(Accept(listenerFd, 0), 0, 1))
	_, err := ring.Submit()
	require.NoError(t, err)

	require.NoError(t, ring.QueueSQE(Cancel(1, 0), 0, 2))
	_, err = ring.Submit()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		cqe := waitOne(t, ring)

		if cqe.UserData == 1 {
			assert.True(t, cqe.Error() == syscall.EINTR || cqe.Error() == syscall.ECANCELED)
		} else if cqe.UserData == 2 {
			assert.True(t, cqe.Error() == syscall.EALREADY || cqe.Error() == nil)
		}
	}
}

//TestRecvLinkTimeout test recv with linked IORING_OP_LINK_TIMEOUT sqe.
func TestRecvLinkTimeout(t *testing.T) {
	ring := newRing(t, 8)

	l, listenerFd := makeTCPListener(t)

	clientConnChan := make(chan net.Conn, 1)
	go dial(t, l.Addr(), clientConnChan)

	require.NoError(t, ring.QueueSQE(Accept(listenerFd, 0), 0, 1))
	_, err := ring.Submit()
	require.NoError(t, err)

	cqe := waitOne(t, ring)
	require.NoError(t, cqe.Error())
	connFd := uintptr(cqe.Res)
	defer syscall.Close(int(connFd))

	c, ok := <-clientConnChan
	require.True(t, ok)
	defer c.Close()

	buff := make([]byte, 16)
	require.NoError(t, ring.QueueSQE(Recv(connFd, buff, 0), SqeIOLinkFlag, 2))
	require.NoError(t, ring.QueueSQE(LinkTimeout(time.Millisecond*100), 0, 3))

	start := time.Now()
	_, err = ring.Submit()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		cqe = waitOne(t, ring)
		switch cqe.UserData {
		case 2:
			assert.ErrorIs(t, cqe.Error(), syscall.ECANCELED)
		case 3:
			assert.ErrorIs(t, cqe.Error(), syscall.ETIME)
		}
	}
	assert.GreaterOrEqual(t, time.Since(start), time.Millisecond*100)
}
