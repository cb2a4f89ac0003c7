//go:build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrQueueClosed       = errors.New("completion queue closed")
	ErrNotRegistered     = errors.New("socket not registered")
	ErrUnsupportedSocket = errors.New("socket type not supported by backend")
	ErrUnknownCompletion = errors.New("completion without io context")
)

//Outcome classifies a completion.
type Outcome uint8

const (
	Success Outcome = iota
	Closed
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Closed:
		return "closed"
	default:
		return "failure"
	}
}

//Completion result of one submitted operation.
//Ctx is nil when the queue could not match a completion to a submitted context.
type Completion struct {
	Bytes int
	Key   any
	Ctx   *IOContext
	Err   error
}

func (c Completion) Outcome() Outcome {
	switch {
	case c.Err != nil || c.Ctx == nil:
		return Failure
	case c.Bytes == 0 && c.Ctx.Kind != OpAccept:
		return Closed
	default:
		return Success
	}
}

//CompletionQueue shared channel between submitters of async socket operations and the workers retrieving their results.
type CompletionQueue interface {
	//Register associate socket with a key. Key is reported with every completion of an op submitted on this socket.
	Register(sock Socket, key any) error
	//Unregister forget association, only if it still points to key.
	Unregister(sock Socket, key any)
	//Submit start async operation described by ctx. Never waits for I/O.
	Submit(ctx *IOContext) error
	//Retrieve block until a completion is available, ctx is cancelled or the queue is closed.
	Retrieve(ctx context.Context) (Completion, error)
	Close() error
}

//OpError error of operation with a known kind.
type OpError struct {
	Kind OpKind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *OpError) Unwrap() error {
	return e.Err
}
