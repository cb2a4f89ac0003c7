//go:build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

//Acceptor listening socket usable by NetpollQueue.
type Acceptor interface {
	Socket
	Accept() (net.Conn, error)
}

//NetpollQueue CompletionQueue on top of the Go runtime poller.
//Every submitted operation runs as a blocking call on its own goroutine and posts its completion when done.
type NetpollQueue struct {
	opts options

	registry sync.Map

	results chan Completion
	done    chan struct{}
	closed  atomic.Bool
	running sync.WaitGroup
}

var _ CompletionQueue = (*NetpollQueue)(nil)

func NewNetpoll(opts ...Option) *NetpollQueue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &NetpollQueue{
		opts:    o,
		results: make(chan Completion, o.resultsBuff),
		done:    make(chan struct{}),
	}
}

func (q *NetpollQueue) Register(sock Socket, key any) error {
	switch sock.(type) {
	case Acceptor, net.Conn:
	default:
		return ErrUnsupportedSocket
	}
	if q.closed.Load() {
		return ErrQueueClosed
	}

	q.registry.Store(sock, key)
	return nil
}

func (q *NetpollQueue) Unregister(sock Socket, key any) {
	q.registry.CompareAndDelete(sock, key)
}

func (q *NetpollQueue) Submit(ctx *IOContext) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	key, ok := q.registry.Load(ctx.Socket)
	if !ok {
		return ErrNotRegistered
	}

	var run func() Completion
	switch ctx.Kind {
	case OpAccept:
		l, ok := ctx.Socket.(Acceptor)
		if !ok {
			return ErrUnsupportedSocket
		}
		run = func() Completion { return accept(l, ctx) }
	case OpRecv, OpSend:
		conn, ok := ctx.Socket.(net.Conn)
		if !ok {
			return ErrUnsupportedSocket
		}
		if ctx.Kind == OpRecv {
			run = func() Completion { return recv(conn, ctx) }
		} else {
			run = func() Completion { return send(conn, ctx) }
		}
	default:
		return fmt.Errorf("unknown op kind %d", ctx.Kind)
	}

	ctx.key = key

	q.running.Add(1)
	go func() {
		defer q.running.Done()

		c := run()
		c.Key, c.Ctx = key, ctx
		q.deliver(c)
	}()

	return nil
}

func accept(l Acceptor, ctx *IOContext) Completion {
	conn, err := l.Accept()
	if err != nil {
		return Completion{Err: &OpError{ctx.Kind, err}}
	}

	ctx.Accepted = conn
	ctx.Peer = conn.RemoteAddr()
	return Completion{}
}

func recv(conn net.Conn, ctx *IOContext) Completion {
	if err := conn.SetReadDeadline(ctx.Deadline); err != nil {
		return Completion{Err: &OpError{ctx.Kind, err}}
	}

	n, err := conn.Read(ctx.Buf)
	ctx.N = n
	if errors.Is(err, io.EOF) {
		return Completion{}
	}
	if err != nil {
		return Completion{Err: &OpError{ctx.Kind, err}}
	}
	return Completion{Bytes: n}
}

func send(conn net.Conn, ctx *IOContext) Completion {
	n, err := conn.Write(ctx.Payload())
	if err != nil {
		return Completion{Bytes: n, Err: &OpError{ctx.Kind, err}}
	}
	return Completion{Bytes: n}
}

func (q *NetpollQueue) deliver(c Completion) {
	select {
	case q.results <- c:
	case <-q.done:
		if c.Ctx != nil && c.Ctx.Accepted != nil {
			_ = c.Ctx.Accepted.Close()
		}
	}
}

func (q *NetpollQueue) Retrieve(ctx context.Context) (Completion, error) {
	select {
	case c := <-q.results:
		return c, nil
	case <-q.done:
		return Completion{}, ErrQueueClosed
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

//Close stop delivering completions. Operations still blocked in the poller finish once their sockets are closed.
func (q *NetpollQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return ErrQueueClosed
	}
	close(q.done)
	return nil
}

//Wait block until every submitted operation returned or timeout elapsed.
func (q *NetpollQueue) Wait(timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		q.running.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}
