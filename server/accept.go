//go:build linux

package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/godzie44/uring-echo/reactor"
	"github.com/joeycumines/go-catrate"
)

var ErrNoAcceptArmed = errors.New("no accept operation could be armed")

const acceptErrCategory = "accept-error"

//AcceptPipeline keeps depth accept operations outstanding on the listener.
//Every accept completion arms exactly one replacement, slots that fail to arm are recorded as missing and re-armed by Run.
type AcceptPipeline struct {
	listener reactor.Socket
	queue    reactor.CompletionQueue
	pool     *contextPool
	stats    *Stats
	log      *throttledLogger

	depth   int
	retry   time.Duration
	limiter *catrate.Limiter

	missing atomic.Int64
}

func newAcceptPipeline(listener reactor.Socket, q reactor.CompletionQueue, pool *contextPool, stats *Stats, log *throttledLogger, o options) *AcceptPipeline {
	var limiter *catrate.Limiter
	if len(o.acceptRates) > 0 {
		limiter = catrate.NewLimiter(o.acceptRates)
	}

	return &AcceptPipeline{
		listener: listener,
		queue:    q,
		pool:     pool,
		stats:    stats,
		log:      log,
		depth:    o.acceptDepth,
		retry:    o.retryInterval,
		limiter:  limiter,
	}
}

func (p *AcceptPipeline) Depth() int {
	return p.depth
}

//Missing return count of slots waiting to be re-armed.
func (p *AcceptPipeline) Missing() int {
	return int(p.missing.Load())
}

//Start arm depth accepts. Fail only if none could be armed.
func (p *AcceptPipeline) Start() error {
	var (
		armed   int
		lastErr error
	)
	for i := 0; i < p.depth; i++ {
		if err := p.arm(); err != nil {
			lastErr = err
			continue
		}
		armed++
	}

	if armed == 0 {
		//nothing will ever complete, retry loop must not pick these up
		p.missing.Store(0)
		if lastErr != nil {
			return errors.Join(ErrNoAcceptArmed, lastErr)
		}
		return ErrNoAcceptArmed
	}
	return nil
}

func (p *AcceptPipeline) arm() error {
	ctx := p.pool.acquire(reactor.OpAccept, p.listener)

	err := p.queue.Submit(ctx)
	if err == nil {
		return nil
	}

	p.pool.release(ctx)
	p.stats.armFailures.Inc(1)
	p.missing.Add(1)

	if !errors.Is(err, reactor.ErrQueueClosed) {
		p.log.Log("arm", "level", "error", "msg", "arm accept", "err", err)
	}
	return err
}

//Completed arm a replacement for an accept that just completed. Must run before the completed context is retired.
func (p *AcceptPipeline) Completed(c reactor.Completion) {
	if c.Err != nil && p.limiter != nil {
		if _, ok := p.limiter.Allow(acceptErrCategory); !ok {
			p.missing.Add(1)
			return
		}
	}

	_ = p.arm()
}

//Run re-arm missing slots every retry interval until ctx is done.
func (p *AcceptPipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.rearmMissing()
		}
	}
}

func (p *AcceptPipeline) rearmMissing() {
	for {
		n := p.missing.Load()
		if n <= 0 {
			return
		}
		if !p.missing.CompareAndSwap(n, n-1) {
			continue
		}
		if err := p.arm(); err != nil {
			//arm recorded the slot as missing again
			return
		}
	}
}
