//go:build linux

package net

import (
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func listenLocal(t *testing.T) *Listener {
	t.Helper()

	l, err := Listen("127.0.0.1", 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = l.Close()
	})
	return l
}

func TestListen(t *testing.T) {
	l := listenLocal(t)

	addr, ok := l.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.NotZero(t, addr.Port)
	assert.Equal(t, "127.0.0.1", addr.IP.String())

	flags, err := unix.FcntlInt(uintptr(l.Fd()), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.O_NONBLOCK, "listener must stay blocking")
}

func TestListenAddrInUse(t *testing.T) {
	l := listenLocal(t)

	_, err := Listen("127.0.0.1", l.Addr().(*net.TCPAddr).Port, 0)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
}

func TestListenBadHost(t *testing.T) {
	_, err := Listen("256.0.0.1", 0, 0)
	assert.Error(t, err)
}

func TestListenerAccept(t *testing.T) {
	l := listenLocal(t)

	connections := make([]net.Conn, 100)

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		for i := 0; i < len(connections); i++ {
			c, err := net.Dial("tcp", l.Addr().String())
			assert.NoError(t, err)

			connections[i] = c
		}
	}()

	for i := 0; i < len(connections); i++ {
		c, err := l.Accept()
		require.NoError(t, err)
		assert.NoError(t, c.Close())
	}

	wg.Wait()

	for _, c := range connections {
		if c != nil {
			assert.NoError(t, c.Close())
		}
	}
}

func TestListenerCloseWakesAccept(t *testing.T) {
	l, err := Listen("127.0.0.1", 0, 0)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		errCh <- err
	}()

	time.Sleep(time.Millisecond * 50)
	require.NoError(t, l.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second * 2):
		t.Fatal("accept not woken by close")
	}

	assert.Error(t, l.Close())

	_, err = l.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
}
