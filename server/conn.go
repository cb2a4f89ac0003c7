//go:build linux

package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/godzie44/uring-echo/reactor"
)

type ConnState int32

const (
	AwaitingRecv ConnState = iota
	Processing
	AwaitingSend
	Closed
)

func (s ConnState) String() string {
	switch s {
	case AwaitingRecv:
		return "awaiting-recv"
	case Processing:
		return "processing"
	case AwaitingSend:
		return "awaiting-send"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

//ConnectionState one accepted client connection.
//mu serializes submissions on the socket against its teardown: once closed is set under mu, nothing is submitted on the socket anymore.
type ConnectionState struct {
	id   uint64
	sock reactor.Socket
	peer net.Addr

	closed atomic.Bool

	mu      sync.Mutex
	state   ConnState
	sending bool
	//sendQ replies waiting for the outstanding send to finish, FIFO.
	sendQ *queue.Queue
}

func newConnectionState(id uint64, sock reactor.Socket, peer net.Addr) *ConnectionState {
	return &ConnectionState{
		id:    id,
		sock:  sock,
		peer:  peer,
		state: AwaitingRecv,
		sendQ: queue.New(),
	}
}

func (c *ConnectionState) ID() uint64 {
	return c.id
}

func (c *ConnectionState) Peer() net.Addr {
	return c.peer
}

func (c *ConnectionState) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ConnectionState) Closed() bool {
	return c.closed.Load()
}

func (c *ConnectionState) setState(s ConnState) {
	c.mu.Lock()
	if c.state != Closed {
		c.state = s
	}
	c.mu.Unlock()
}

//withOpen run fn under the connection lock if the connection is still open.
func (c *ConnectionState) withOpen(fn func() error) (open bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return false, nil
	}
	return true, fn()
}

//close mark the connection closed and collect replies that will never be sent.
//Return false if the connection was already closed.
func (c *ConnectionState) close() (pending []*reactor.IOContext, ok bool) {
	if !c.closed.CompareAndSwap(false, true) {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = Closed
	c.sending = false
	for c.sendQ.Length() > 0 {
		pending = append(pending, c.sendQ.Remove().(*reactor.IOContext))
	}
	return pending, true
}
