//go:build linux

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	ringnet "github.com/godzie44/uring-echo/net"
	"github.com/godzie44/uring-echo/reactor"
	"github.com/godzie44/uring-echo/uring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testAcceptDepth = 4

type ServerTestSuite struct {
	suite.Suite

	newQueue func() (reactor.CompletionQueue, error)

	listener *ringnet.Listener
	queue    reactor.CompletionQueue
	srv      *Server

	stop func()
	done chan error
}

func (ts *ServerTestSuite) SetupTest() {
	ts.startServer()
}

func (ts *ServerTestSuite) startServer(opts ...Option) {
	ts.listener, ts.queue, ts.srv, ts.stop = nil, nil, nil, nil

	q, err := ts.newQueue()
	if errors.Is(err, uring.ErrRingSetup) {
		ts.T().Skipf("Skipped, io_uring unavailable: %s", err)
	}
	ts.Require().NoError(err)
	ts.queue = q

	ts.listener, err = ringnet.Listen("127.0.0.1", 0, 0)
	ts.Require().NoError(err)

	opts = append([]Option{WithAcceptDepth(testAcceptDepth), WithWorkers(4)}, opts...)
	ts.srv, err = New(ts.listener, ts.queue, opts...)
	ts.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	ts.done = make(chan error, 1)
	go func() {
		ts.done <- ts.srv.Run(ctx)
	}()
	ts.stop = cancel

	ts.Require().Eventually(func() bool {
		return ts.srv.Stats().Snapshot().OutstandingAccepts == testAcceptDepth
	}, time.Second*2, time.Millisecond*5)
}

func (ts *ServerTestSuite) TearDownTest() {
	ts.stopServer()
}

func (ts *ServerTestSuite) stopServer() {
	if ts.stop != nil {
		ts.stop()
		select {
		case err := <-ts.done:
			ts.Require().NoError(err)
		case <-time.After(time.Second * 5):
			ts.Fail("server did not stop")
		}
		ts.stop = nil
	}
	if ts.queue != nil {
		_ = ts.queue.Close()
	}
	if ts.listener != nil {
		_ = ts.listener.Close()
	}
}

func (ts *ServerTestSuite) dial() net.Conn {
	c, err := net.DialTimeout("tcp", ts.srv.Addr().String(), time.Second)
	ts.Require().NoError(err)
	return c
}

func (ts *ServerTestSuite) eventuallyIdle(accepted int64) {
	ts.Require().Eventually(func() bool {
		snap := ts.srv.Stats().Snapshot()
		return snap.Accepted == accepted &&
			snap.LiveConns == 0 &&
			snap.OutstandingContexts == 0 &&
			snap.OutstandingAccepts == testAcceptDepth
	}, time.Second*5, time.Millisecond*10, "stats: %+v", ts.srv.Stats().Snapshot())
}

func roundTrip(c net.Conn, msg []byte) ([]byte, error) {
	if err := c.SetDeadline(time.Now().Add(time.Second * 5)); err != nil {
		return nil, err
	}
	if _, err := c.Write(msg); err != nil {
		return nil, err
	}

	reply := make([]byte, len(msg))
	_, err := io.ReadFull(c, reply)
	return reply, err
}

func (ts *ServerTestSuite) TestEchoManyClients() {
	const clients = 50

	wg := sync.WaitGroup{}
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			c, err := net.DialTimeout("tcp", ts.srv.Addr().String(), time.Second*2)
			if !assert.NoError(ts.T(), err) {
				return
			}
			defer c.Close()

			msg := []byte(fmt.Sprintf("hello-%d", id))
			reply, err := roundTrip(c, msg)
			assert.NoError(ts.T(), err)
			assert.Equal(ts.T(), string(msg), string(reply))
		}(i)
	}
	wg.Wait()

	ts.eventuallyIdle(clients)

	snap := ts.srv.Stats().Snapshot()
	ts.Require().Equal(int64(clients), snap.Closed)
	ts.Require().Equal(int64(clients), snap.Sends)
	ts.Require().Zero(snap.DoubleReleases)
}

func (ts *ServerTestSuite) TestDisconnectWithoutSending() {
	c := ts.dial()
	ts.Require().NoError(c.Close())

	ts.eventuallyIdle(1)
	ts.Require().Zero(ts.srv.Stats().Snapshot().Sends)
}

func (ts *ServerTestSuite) TestSequentialMessagesOnOneConnection() {
	c := ts.dial()
	defer c.Close()

	for i := 0; i < 20; i++ {
		msg := []byte(fmt.Sprintf("message %d", i))
		reply, err := roundTrip(c, msg)
		ts.Require().NoError(err)
		ts.Require().Equal(string(msg), string(reply))
	}
}

func (ts *ServerTestSuite) TestLargePayloadKeepsOrder() {
	c := ts.dial()
	defer c.Close()

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := c.Write(payload)
		writeErr <- err
	}()

	ts.Require().NoError(c.SetReadDeadline(time.Now().Add(time.Second * 10)))
	reply := make([]byte, len(payload))
	_, err := io.ReadFull(c, reply)
	ts.Require().NoError(err)
	ts.Require().NoError(<-writeErr)
	ts.Require().Equal(payload, reply)
}

func (ts *ServerTestSuite) TestNoCrossConnectionLeakage() {
	const clients = 8

	wg := sync.WaitGroup{}
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			c, err := net.DialTimeout("tcp", ts.srv.Addr().String(), time.Second*2)
			if !assert.NoError(ts.T(), err) {
				return
			}
			defer c.Close()

			msg := make([]byte, 4096)
			for j := range msg {
				msg[j] = byte('a' + id)
			}
			for round := 0; round < 10; round++ {
				reply, err := roundTrip(c, msg)
				if !assert.NoError(ts.T(), err) {
					return
				}
				assert.Equal(ts.T(), msg, reply)
			}
		}(i)
	}
	wg.Wait()

	ts.eventuallyIdle(clients)
}

func (ts *ServerTestSuite) TestPipelineDepthRestored() {
	for i := 0; i < 10; i++ {
		c := ts.dial()
		reply, err := roundTrip(c, []byte("x"))
		ts.Require().NoError(err)
		ts.Require().Equal("x", string(reply))
		ts.Require().NoError(c.Close())
	}

	ts.eventuallyIdle(10)
	ts.Require().Zero(ts.srv.Pipeline().Missing())
}

func (ts *ServerTestSuite) TestIdleTimeout() {
	ts.stopServer()
	ts.startServer(WithIdleTimeout(time.Millisecond * 100))

	c := ts.dial()
	defer c.Close()

	reply, err := roundTrip(c, []byte("ping"))
	ts.Require().NoError(err)
	ts.Require().Equal("ping", string(reply))

	ts.Require().NoError(c.SetReadDeadline(time.Now().Add(time.Second * 3)))
	_, err = c.Read(make([]byte, 1))
	ts.Require().ErrorIs(err, io.EOF)

	ts.eventuallyIdle(1)
}

func (ts *ServerTestSuite) TestShutdownClosesConnections() {
	c := ts.dial()
	defer c.Close()

	_, err := roundTrip(c, []byte("ping"))
	ts.Require().NoError(err)

	ts.stopServer()

	ts.Require().NoError(c.SetReadDeadline(time.Now().Add(time.Second * 3)))
	_, err = c.Read(make([]byte, 1))
	ts.Require().Error(err)
	ts.Require().Zero(ts.srv.Stats().Snapshot().LiveConns)
}

func TestServerURing(t *testing.T) {
	suite.Run(t, &ServerTestSuite{newQueue: func() (reactor.CompletionQueue, error) {
		return reactor.NewURing(256)
	}})
}

func TestServerNetpoll(t *testing.T) {
	suite.Run(t, &ServerTestSuite{newQueue: func() (reactor.CompletionQueue, error) {
		return reactor.NewNetpoll(), nil
	}})
}

func TestRunStopsWhenQueueClosed(t *testing.T) {
	q := newFakeQueue()
	srv, err := New(&fakeSocket{}, q, WithAcceptDepth(2))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return q.submittedCount(reactor.OpAccept) == 2
	}, time.Second, time.Millisecond*5)

	assert.ErrorIs(t, srv.Run(context.Background()), errAlreadyRunning)

	require.NoError(t, q.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second * 2):
		t.Fatal("server did not stop on queue close")
	}
}

func TestRunFailsWhenNoAcceptArmed(t *testing.T) {
	q := newFakeQueue()
	q.setSubmitErr(errors.New("submit refused"))

	srv, err := New(&fakeSocket{}, q)
	require.NoError(t, err)

	err = srv.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoAcceptArmed)
}

func TestNewValidatesOptions(t *testing.T) {
	testCases := []Option{
		WithAcceptDepth(0),
		WithWorkers(-1),
		WithBufferSize(0),
		WithRetryInterval(0),
		WithIdleTimeout(-time.Second),
	}

	for _, opt := range testCases {
		_, err := New(&fakeSocket{}, newFakeQueue(), opt)
		assert.Error(t, err)
	}
}
