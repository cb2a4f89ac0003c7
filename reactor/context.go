//go:build linux

package reactor

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godzie44/uring-echo/uring"
	"golang.org/x/sys/unix"
)

//OpKind kind of operation carried by IOContext.
type OpKind uint8

const (
	OpAccept OpKind = iota + 1
	OpRecv
	OpSend
)

func (k OpKind) String() string {
	switch k {
	case OpAccept:
		return "accept"
	case OpRecv:
		return "recv"
	case OpSend:
		return "send"
	default:
		return "unknown"
	}
}

//Socket is anything the queue can perform operations on.
type Socket interface {
	Close() error
}

//FdSocket socket backed by a kernel descriptor, required by the io_uring backend.
type FdSocket interface {
	Socket
	Fd() int
}

//FDSocket a connected socket accepted through io_uring.
type FDSocket struct {
	fd   int
	once sync.Once
}

func NewFDSocket(fd int) *FDSocket {
	return &FDSocket{fd: fd}
}

func (s *FDSocket) Fd() int {
	return s.fd
}

//Close shut the connection down (completing pending kernel ops on it) and release the descriptor.
//Only the first call has effect.
func (s *FDSocket) Close() (err error) {
	err = net.ErrClosed
	s.once.Do(func() {
		_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)
		err = unix.Close(s.fd)
	})
	return err
}

//IOContext one in-flight operation: its kind, target socket and buffer.
//A context is owned by the queue from Submit until its completion is retrieved,
//and must be retired exactly once afterwards.
type IOContext struct {
	Kind   OpKind
	Socket Socket

	//Buf fixed capacity buffer, recv fills it, send transmits Buf[Off:N].
	Buf []byte
	N   int
	Off int

	//Deadline optional, recv completes with os.ErrDeadlineExceeded once it passes.
	Deadline time.Time

	//Accepted and Peer are set by the queue when an accept completes successfully.
	Accepted Socket
	Peer     net.Addr

	key     any
	op      uring.Operation
	link    uring.Operation
	retired atomic.Bool
}

func NewIOContext(kind OpKind, sock Socket, buf []byte) *IOContext {
	return &IOContext{Kind: kind, Socket: sock, Buf: buf}
}

//Key return the registration key resolved when the context was submitted.
func (c *IOContext) Key() any {
	return c.key
}

//Payload return bytes that still need to be sent.
func (c *IOContext) Payload() []byte {
	return c.Buf[c.Off:c.N]
}

//Retire mark the context as done. Return false if it was already retired.
func (c *IOContext) Retire() bool {
	return c.retired.CompareAndSwap(false, true)
}

func (c *IOContext) Retired() bool {
	return c.retired.Load()
}

//Reset prepare a retired context for reuse.
func (c *IOContext) Reset(kind OpKind, sock Socket) {
	c.Kind = kind
	c.Socket = sock
	c.N, c.Off = 0, 0
	c.Deadline = time.Time{}
	c.Accepted, c.Peer = nil, nil
	c.key, c.op, c.link = nil, nil, nil
	c.retired.Store(false)
}
