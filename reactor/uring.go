//go:build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/godzie44/uring-echo/uring"
	"golang.org/x/sys/unix"
)

const (
	wakeNonce    = math.MaxUint64
	timeoutNonce = math.MaxUint64 - 1
	cancelNonce  = math.MaxUint64 - 2

	cqeBuffSize   = 1 << 7
	submitRetries = 16
	closeTick     = time.Millisecond * 100
	flushRetry    = time.Millisecond * 10
)

//URingQueue CompletionQueue on top of a single io_uring instance.
//Any goroutine may Submit, a dedicated reaper goroutine drains the CQ ring and hands completions over to Retrieve callers.
type URingQueue struct {
	ring *uring.Ring
	opts options

	registry *registry

	sqMu       sync.Mutex
	nonce      uint64
	retrying   bool
	ringClosed bool

	inflight   map[uint64]*IOContext
	inflightMu sync.Mutex

	results    chan Completion
	done       chan struct{}
	reaperDone chan struct{}

	closing atomic.Bool
	force   atomic.Bool
}

var _ CompletionQueue = (*URingQueue)(nil)

//RingError error of ring level operation.
type RingError struct {
	Err    error
	RingFd int
}

func (r *RingError) Error() string {
	return fmt.Sprintf("%s, ring fd: %d", r.Err.Error(), r.RingFd)
}

func (r *RingError) Unwrap() error {
	return r.Err
}

//NewURing create ring with given SQ size and start the reaper.
//Return error wrapping uring.ErrRingSetup if io_uring is unavailable or lacks required features.
func NewURing(entries uint32, opts ...Option) (*URingQueue, error) {
	if entries < 2 {
		return nil, fmt.Errorf("%w: at least 2 entries required", uring.ErrRingSetup)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cqSize := entries * 4
	if cqSize > uring.MaxEntries*2 {
		cqSize = uring.MaxEntries * 2
	}

	ring, err := uring.New(entries, uring.WithCQSize(cqSize), uring.WithClamp())
	if err != nil {
		return nil, err
	}

	if err = checkRingReq(ring); err != nil {
		_ = ring.Close()
		return nil, err
	}

	if o.iowqMaxWorkers > 0 {
		if err = ring.SetIOWQMaxWorkers(o.iowqMaxWorkers, o.iowqMaxWorkers); err != nil {
			_ = o.log.Log("level", "warn", "msg", "io-wq worker limit not applied", "err", err)
		}
	}

	q := &URingQueue{
		ring:       ring,
		opts:       o,
		registry:   newRegistry(o.granularity),
		inflight:   make(map[uint64]*IOContext, entries),
		results:    make(chan Completion, o.resultsBuff),
		done:       make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	go q.reap()

	return q, nil
}

func checkRingReq(ring *uring.Ring) error {
	if !ring.Params.FastPollFeature() {
		return fmt.Errorf("%w: IORING_FEAT_FAST_POLL not available", uring.ErrRingSetup)
	}

	probe, err := ring.Probe()
	if err != nil {
		return fmt.Errorf("%w: probe: %s", uring.ErrRingSetup, err.Error())
	}

	if !probe.Supported(uring.NopCode, uring.AcceptCode, uring.RecvCode, uring.SendCode, uring.AsyncCancelCode, uring.LinkTimeoutCode) {
		return fmt.Errorf("%w: required opcodes not supported", uring.ErrRingSetup)
	}
	return nil
}

func (q *URingQueue) Register(sock Socket, key any) error {
	fs, ok := sock.(FdSocket)
	if !ok {
		return ErrUnsupportedSocket
	}
	if q.closing.Load() {
		return ErrQueueClosed
	}

	q.registry.set(fs.Fd(), key)
	return nil
}

func (q *URingQueue) Unregister(sock Socket, key any) {
	if fs, ok := sock.(FdSocket); ok {
		q.registry.remove(fs.Fd(), key)
	}
}

func (q *URingQueue) Submit(ctx *IOContext) error {
	fs, ok := ctx.Socket.(FdSocket)
	if !ok {
		return ErrUnsupportedSocket
	}

	fd := fs.Fd()
	key, ok := q.registry.get(fd)
	if !ok {
		return ErrNotRegistered
	}

	op, err := prepareOp(ctx, fd)
	if err != nil {
		return err
	}
	ctx.key = key
	ctx.op = op

	q.sqMu.Lock()
	defer q.sqMu.Unlock()

	if q.closing.Load() {
		return ErrQueueClosed
	}

	ud := q.nextNonce()
	q.inflightMu.Lock()
	q.inflight[ud] = ctx
	q.inflightMu.Unlock()

	if err = q.queue(ctx, ud); err != nil {
		q.forget(ud)
		return &RingError{err, q.ring.Fd()}
	}

	//once queued the SQE belongs to the ring, its completion arrives even if this enter fails
	_ = q.flush()
	return nil
}

func prepareOp(ctx *IOContext, fd int) (uring.Operation, error) {
	switch ctx.Kind {
	case OpAccept:
		return uring.Accept(uintptr(fd), unix.SOCK_CLOEXEC), nil
	case OpRecv:
		if len(ctx.Buf) == 0 {
			return nil, &OpError{ctx.Kind, syscall.EINVAL}
		}
		return uring.Recv(uintptr(fd), ctx.Buf, 0), nil
	case OpSend:
		if len(ctx.Payload()) == 0 {
			return nil, &OpError{ctx.Kind, syscall.EINVAL}
		}
		return uring.Send(uintptr(fd), ctx.Payload(), 0), nil
	default:
		return nil, fmt.Errorf("unknown op kind %d", ctx.Kind)
	}
}

//queue must be called with sqMu held.
func (q *URingQueue) queue(ctx *IOContext, ud uint64) error {
	need := 1
	if ctx.Kind == OpRecv && !ctx.Deadline.IsZero() {
		need = 2
	}

	if err := q.reserve(need); err != nil {
		return err
	}

	if need == 1 {
		return q.ring.QueueSQE(ctx.op, 0, ud)
	}

	timeout := time.Until(ctx.Deadline)
	if timeout <= 0 {
		timeout = time.Nanosecond
	}
	ctx.link = uring.LinkTimeout(timeout)

	if err := q.ring.QueueSQE(ctx.op, uring.SqeIOLinkFlag, ud); err != nil {
		return err
	}
	return q.ring.QueueSQE(ctx.link, 0, timeoutNonce)
}

func (q *URingQueue) sqFree() int {
	return int(q.ring.Params.SQEntries()) - q.ring.SQPending()
}

//reserve make sure n SQEs can be queued, pushing pending ones to the kernel if needed.
func (q *URingQueue) reserve(n int) error {
	if q.sqFree() >= n {
		return nil
	}

	err := q.flush()
	if q.sqFree() < n {
		if err == nil {
			err = uring.ErrSQRingOverflow
		}
		return err
	}
	return nil
}

//submit must be called with sqMu held.
//On failure queued SQEs stay in the ring and go with the next io_uring_enter.
func (q *URingQueue) submit() (err error) {
	for i := 0; i < submitRetries; i++ {
		_, err = q.ring.Submit()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, syscall.EINTR):
			continue
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EBUSY):
			runtime.Gosched()
			continue
		default:
			return err
		}
	}
	return err
}

//flush submit queued SQEs, scheduling a background retry if the kernel refuses them.
//Must be called with sqMu held.
func (q *URingQueue) flush() error {
	err := q.submit()
	if err != nil {
		_ = q.opts.log.Log("level", "warn", "msg", "submit deferred", "pending", q.ring.SQPending(), "err", err)
		q.scheduleFlush()
	}
	return err
}

//scheduleFlush must be called with sqMu held.
func (q *URingQueue) scheduleFlush() {
	if q.retrying {
		return
	}
	q.retrying = true

	go func() {
		tick := time.NewTicker(flushRetry)
		defer tick.Stop()

		for {
			select {
			case <-q.reaperDone:
				q.sqMu.Lock()
				q.retrying = false
				q.sqMu.Unlock()
				return
			case <-tick.C:
			}

			if q.flushPending() {
				return
			}
		}
	}()
}

//flushPending submit SQEs stranded by a failed enter.
//Return true once nothing is left pending, clearing the retry flag.
func (q *URingQueue) flushPending() bool {
	q.sqMu.Lock()
	defer q.sqMu.Unlock()

	if q.ringClosed {
		q.retrying = false
		return true
	}

	if q.ring.SQPending() > 0 && q.submit() != nil {
		return false
	}
	q.retrying = false
	return true
}

func (q *URingQueue) nextNonce() uint64 {
	q.nonce++
	if q.nonce >= cancelNonce {
		q.nonce = 1
	}
	return q.nonce
}

func (q *URingQueue) forget(ud uint64) *IOContext {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()

	ctx, ok := q.inflight[ud]
	if !ok {
		return nil
	}
	delete(q.inflight, ud)
	return ctx
}

func (q *URingQueue) Retrieve(ctx context.Context) (Completion, error) {
	select {
	case c := <-q.results:
		return c, nil
	case <-q.done:
		return Completion{}, ErrQueueClosed
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

func (q *URingQueue) reap() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(q.reaperDone)

	cqeBuff := make([]*uring.CQEvent, cqeBuffSize)
	for {
		q.flushPending()

		_, err := q.ring.WaitCQEvents(1)
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.ETIME) {
			runtime.Gosched()
			continue
		}

		if err != nil {
			if q.closing.Load() {
				return
			}
			q.deliver(Completion{Err: &RingError{err, q.ring.Fd()}})
			time.Sleep(closeTick)
			continue
		}

		stop := false
		for n := q.ring.PeekCQEventBatch(cqeBuff); n > 0; n = q.ring.PeekCQEventBatch(cqeBuff) {
			for i := 0; i < n; i++ {
				cqe := *cqeBuff[i]

				switch cqe.UserData {
				case wakeNonce:
					stop = stop || q.canStop()
					continue
				case timeoutNonce, cancelNonce:
					continue
				}

				q.deliver(q.complete(cqe))
			}

			q.ring.AdvanceCQ(uint32(n))
		}

		if stop {
			return
		}
	}
}

func (q *URingQueue) canStop() bool {
	if !q.closing.Load() {
		return false
	}
	if q.force.Load() {
		return true
	}

	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	return len(q.inflight) == 0
}

func (q *URingQueue) complete(cqe uring.CQEvent) Completion {
	ctx := q.forget(cqe.UserData)
	if ctx == nil {
		return Completion{Err: fmt.Errorf("%w: user_data %d", ErrUnknownCompletion, cqe.UserData)}
	}

	c := Completion{Key: ctx.key, Ctx: ctx}

	if err := cqe.Error(); err != nil {
		if errors.Is(err, syscall.ECANCELED) && !ctx.Deadline.IsZero() && !q.closing.Load() {
			err = os.ErrDeadlineExceeded
		}
		c.Err = &OpError{ctx.Kind, err}
		return c
	}

	switch ctx.Kind {
	case OpAccept:
		ctx.Accepted = NewFDSocket(int(cqe.Res))
		if acc, ok := ctx.op.(*uring.AcceptOp); ok {
			if peer, err := acc.Addr(); err == nil {
				ctx.Peer = peer
			}
		}
	case OpRecv:
		c.Bytes = int(cqe.Res)
		ctx.N = c.Bytes
	case OpSend:
		c.Bytes = int(cqe.Res)
	}
	return c
}

//deliver hand completion to a Retrieve caller, or drop it once the queue is closed.
func (q *URingQueue) deliver(c Completion) {
	select {
	case q.results <- c:
	case <-q.done:
		if c.Ctx != nil && c.Ctx.Accepted != nil {
			_ = c.Ctx.Accepted.Close()
		}
	}
}

//Close cancel every in-flight operation, wait for their completions (bounded by the drain timeout), stop the reaper and release the ring.
//Pending and future Retrieve calls return ErrQueueClosed.
func (q *URingQueue) Close() error {
	if !q.closing.CompareAndSwap(false, true) {
		return ErrQueueClosed
	}
	close(q.done)

	deadline := time.Now().Add(q.opts.drainTimeout)
	tick := time.NewTicker(closeTick)
	defer tick.Stop()

	for {
		if err := q.cancelInflight(); err != nil {
			_ = q.opts.log.Log("level", "warn", "msg", "cancel in-flight ops", "err", err)
		}
		if err := q.wake(); err != nil {
			_ = q.opts.log.Log("level", "warn", "msg", "wake reaper", "err", err)
		}

		select {
		case <-q.reaperDone:
			q.sqMu.Lock()
			defer q.sqMu.Unlock()
			q.ringClosed = true
			return q.ring.Close()
		case <-tick.C:
			if time.Now().After(deadline) {
				q.force.Store(true)
			}
		}
	}
}

func (q *URingQueue) cancelInflight() error {
	q.inflightMu.Lock()
	targets := make([]uint64, 0, len(q.inflight))
	for ud := range q.inflight {
		targets = append(targets, ud)
	}
	q.inflightMu.Unlock()

	q.sqMu.Lock()
	defer q.sqMu.Unlock()

	for _, ud := range targets {
		if err := q.reserve(1); err != nil {
			return err
		}
		if err := q.ring.QueueSQE(uring.Cancel(ud, 0), 0, cancelNonce); err != nil {
			return err
		}
	}
	return q.flush()
}

func (q *URingQueue) wake() error {
	q.sqMu.Lock()
	defer q.sqMu.Unlock()

	if err := q.reserve(1); err != nil {
		return err
	}
	if err := q.ring.QueueSQE(uring.Nop(), 0, wakeNonce); err != nil {
		return err
	}
	return q.flush()
}

//InFlight return count of submitted operations whose completion was not reaped yet.
func (q *URingQueue) InFlight() int {
	q.inflightMu.Lock()
	defer q.inflightMu.Unlock()
	return len(q.inflight)
}
