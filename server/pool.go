//go:build linux

package server

import (
	"sync"

	"github.com/godzie44/uring-echo/reactor"
)

//contextPool recycles IO contexts together with their buffers and accounts outstanding ones per kind.
type contextPool struct {
	bufSize int
	pool    sync.Pool
	stats   *Stats
}

func newContextPool(bufSize int, stats *Stats) *contextPool {
	p := &contextPool{bufSize: bufSize, stats: stats}
	p.pool.New = func() interface{} {
		return reactor.NewIOContext(0, nil, make([]byte, bufSize))
	}
	return p
}

func (p *contextPool) acquire(kind reactor.OpKind, sock reactor.Socket) *reactor.IOContext {
	ctx := p.pool.Get().(*reactor.IOContext)
	ctx.Reset(kind, sock)
	p.stats.outstanding(kind).Inc(1)
	return ctx
}

//release retire ctx and return it to the pool. A second release of the same context is counted and ignored.
func (p *contextPool) release(ctx *reactor.IOContext) {
	if !ctx.Retire() {
		p.stats.doubleReleases.Inc(1)
		return
	}
	p.stats.outstanding(ctx.Kind).Dec(1)

	if cap(ctx.Buf) < p.bufSize {
		ctx.Buf = make([]byte, p.bufSize)
	} else {
		ctx.Buf = ctx.Buf[:p.bufSize]
	}
	ctx.Socket = nil
	ctx.Accepted, ctx.Peer = nil, nil
	p.pool.Put(ctx)
}
