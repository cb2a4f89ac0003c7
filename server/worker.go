//go:build linux

package server

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/godzie44/uring-echo/reactor"
	"golang.org/x/sync/errgroup"
)

const retrieveBackoff = time.Millisecond * 10

//WorkerPool fixed set of goroutines draining the completion queue.
type WorkerPool struct {
	size     int
	queue    reactor.CompletionQueue
	dispatch func(reactor.Completion)
	log      *throttledLogger
}

func NewWorkerPool(size int, q reactor.CompletionQueue, dispatch func(reactor.Completion), log *throttledLogger) *WorkerPool {
	return &WorkerPool{size: size, queue: q, dispatch: dispatch, log: log}
}

func (p *WorkerPool) Size() int {
	return p.size
}

//Run start workers and wait until ctx is done or the queue is closed.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			return p.work(gctx, id)
		})
	}
	return g.Wait()
}

func (p *WorkerPool) work(ctx context.Context, id int) error {
	for {
		c, err := p.queue.Retrieve(ctx)
		if err != nil {
			if errors.Is(err, reactor.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}

			p.log.Log("retrieve", "level", "error", "msg", "retrieve completion", "worker", id, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retrieveBackoff):
			}
			continue
		}

		p.safeDispatch(id, c)
	}
}

func (p *WorkerPool) safeDispatch(id int, c reactor.Completion) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Log("panic", "level", "error", "msg", "dispatch panic", "worker", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	p.dispatch(c)
}
