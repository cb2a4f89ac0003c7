//go:build linux

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godzie44/uring-echo/reactor"
	"golang.org/x/sync/errgroup"
)

//Listener listening socket the server accepts connections on.
type Listener interface {
	reactor.Socket
	Addr() net.Addr
}

var errAlreadyRunning = errors.New("server already running")

//Server echo server driven by a completion queue.
//Several servers may share a process, each owns its listener registration, pipeline, workers and stats.
type Server struct {
	listener Listener
	queue    reactor.CompletionQueue
	opts     options

	log      reactor.Logger
	throttle *throttledLogger

	stats    *Stats
	pool     *contextPool
	pipeline *AcceptPipeline
	workers  *WorkerPool

	conns   sync.Map
	nextID  atomic.Uint64
	running atomic.Bool
}

func New(l Listener, q reactor.CompletionQueue, opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	switch {
	case o.acceptDepth < 1:
		return nil, fmt.Errorf("accept depth must be positive, got %d", o.acceptDepth)
	case o.workers < 1:
		return nil, fmt.Errorf("workers must be positive, got %d", o.workers)
	case o.bufferSize < 1:
		return nil, fmt.Errorf("buffer size must be positive, got %d", o.bufferSize)
	case o.retryInterval <= 0:
		return nil, fmt.Errorf("retry interval must be positive, got %s", o.retryInterval)
	case o.idleTimeout < 0:
		return nil, fmt.Errorf("idle timeout must not be negative, got %s", o.idleTimeout)
	}

	s := &Server{
		listener: l,
		queue:    q,
		opts:     o,
		log:      o.log,
		throttle: newThrottledLogger(o.log, defaultLogRates),
		stats:    newStats(o.registry),
	}
	s.pool = newContextPool(o.bufferSize, s.stats)
	s.pipeline = newAcceptPipeline(l, q, s.pool, s.stats, s.throttle, o)
	s.workers = NewWorkerPool(o.workers, q, s.dispatch, s.throttle)

	return s, nil
}

func (s *Server) Stats() *Stats {
	return s.stats
}

func (s *Server) Pipeline() *AcceptPipeline {
	return s.pipeline
}

func (s *Server) Workers() *WorkerPool {
	return s.workers
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

//Run serve until ctx is done or the queue is closed, then close every live connection.
//Closing the queue and the listener is up to the caller.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer s.running.Store(false)

	if err := s.queue.Register(s.listener, s.pipeline); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	defer s.queue.Unregister(s.listener, s.pipeline)

	if err := s.pipeline.Start(); err != nil {
		return fmt.Errorf("start accept pipeline: %w", err)
	}

	_ = s.log.Log("level", "info", "msg", "listening", "addr", s.listener.Addr().String(),
		"workers", s.workers.Size(), "accept_depth", s.pipeline.Depth(), "buffer_size", s.opts.bufferSize)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		//workers only return once the queue is closed or ctx is done, either way the server stops
		defer cancel()
		return s.workers.Run(gctx)
	})
	g.Go(func() error {
		return s.pipeline.Run(gctx)
	})
	if s.opts.statsInterval > 0 {
		g.Go(func() error {
			return s.reportStats(gctx)
		})
	}

	err := g.Wait()
	s.closeAll()

	_ = s.log.Log("level", "info", "msg", "stopped", "addr", s.listener.Addr().String())
	return err
}

func (s *Server) closeAll() {
	s.conns.Range(func(_, v any) bool {
		s.teardown(v.(*ConnectionState), "shutdown")
		return true
	})
}

func (s *Server) reportStats(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := s.stats.Snapshot()
			_ = s.log.Log("level", "info", "msg", "stats",
				"live", snap.LiveConns, "accepted", snap.Accepted, "closed", snap.Closed,
				"accepts_outstanding", snap.OutstandingAccepts, "contexts_outstanding", snap.OutstandingContexts,
				"sends", snap.Sends, "bytes", snap.BytesEchoed, "rate_1m", snap.EchoRate1m,
				"arm_failures", snap.ArmFailures, "double_releases", snap.DoubleReleases)
		}
	}
}

func (s *Server) dispatch(c reactor.Completion) {
	if c.Ctx == nil {
		s.throttle.Log("orphan", "level", "error", "msg", "completion without io context", "err", c.Err)
		return
	}

	switch c.Ctx.Kind {
	case reactor.OpAccept:
		s.onAccept(c)
	case reactor.OpRecv:
		s.onRecv(c)
	case reactor.OpSend:
		s.onSend(c)
	default:
		s.throttle.Log("orphan", "level", "error", "msg", "completion of unknown kind", "kind", c.Ctx.Kind.String())
		s.pool.release(c.Ctx)
	}
}

func (s *Server) onAccept(c reactor.Completion) {
	defer s.pool.release(c.Ctx)

	if c.Outcome() == reactor.Success {
		s.startConnection(c.Ctx.Accepted, c.Ctx.Peer)
	} else {
		s.stats.acceptErrors.Inc(1)
		s.throttle.Log("accept", "level", "warn", "msg", "accept failed", "err", c.Err)
	}

	s.pipeline.Completed(c)
}

func (s *Server) startConnection(sock reactor.Socket, peer net.Addr) {
	conn := newConnectionState(s.nextID.Add(1), sock, peer)

	if err := s.queue.Register(sock, conn); err != nil {
		_ = sock.Close()
		s.throttle.Log("register", "level", "error", "msg", "register connection", "err", err)
		return
	}

	s.conns.Store(conn.id, conn)
	s.stats.accepted.Inc(1)
	s.stats.liveConns.Inc(1)

	_ = s.log.Log("level", "debug", "msg", "connection accepted", "conn", conn.id, "peer", addrString(peer))

	s.armRecv(conn)
}

func (s *Server) armRecv(conn *ConnectionState) {
	ctx := s.pool.acquire(reactor.OpRecv, conn.sock)
	if s.opts.idleTimeout > 0 {
		ctx.Deadline = time.Now().Add(s.opts.idleTimeout)
	}

	open, err := conn.withOpen(func() error {
		conn.state = AwaitingRecv
		return s.queue.Submit(ctx)
	})
	if !open || err != nil {
		s.pool.release(ctx)
	}
	if err != nil {
		s.teardown(conn, "submit recv: "+err.Error())
	}
}

func (s *Server) onRecv(c reactor.Completion) {
	defer s.pool.release(c.Ctx)

	conn, ok := c.Key.(*ConnectionState)
	if !ok {
		s.throttle.Log("orphan", "level", "error", "msg", "recv completion without connection")
		return
	}

	switch c.Outcome() {
	case reactor.Closed:
		s.teardown(conn, "peer closed")
		return
	case reactor.Failure:
		s.teardown(conn, c.Err.Error())
		return
	}

	conn.setState(Processing)

	reply := s.pool.acquire(reactor.OpSend, conn.sock)
	out := s.opts.handler.Handle(reply.Buf[:0], c.Ctx.Buf[:c.Bytes])
	if len(out) == 0 {
		s.pool.release(reply)
	} else {
		if !sameBuffer(out, reply.Buf) {
			//reply must own its bytes until the send completes
			out = append(reply.Buf[:0], out...)
		}
		reply.Buf = out[:cap(out)]
		reply.N = len(out)
		s.send(conn, reply)
	}

	s.armRecv(conn)
}

//send submit reply, or queue it behind the outstanding send.
func (s *Server) send(conn *ConnectionState, reply *reactor.IOContext) {
	queued := false
	open, err := conn.withOpen(func() error {
		if conn.sending {
			conn.sendQ.Add(reply)
			queued = true
			return nil
		}

		conn.sending = true
		conn.state = AwaitingSend
		if err := s.queue.Submit(reply); err != nil {
			conn.sending = false
			return err
		}
		return nil
	})

	if queued {
		return
	}
	if !open || err != nil {
		s.pool.release(reply)
	}
	if err != nil {
		s.teardown(conn, "submit send: "+err.Error())
	}
}

func (s *Server) onSend(c reactor.Completion) {
	ctx := c.Ctx

	conn, ok := c.Key.(*ConnectionState)
	if !ok {
		s.pool.release(ctx)
		s.throttle.Log("orphan", "level", "error", "msg", "send completion without connection")
		return
	}

	if c.Outcome() != reactor.Success {
		s.pool.release(ctx)
		reason := "peer closed"
		if c.Err != nil {
			reason = c.Err.Error()
		}
		s.teardown(conn, reason)
		return
	}

	s.stats.bytesEchoed.Inc(int64(c.Bytes))
	s.stats.echoRate.Mark(int64(c.Bytes))

	ctx.Off += c.Bytes
	if ctx.Off < ctx.N {
		//short write, the same context carries the remainder
		open, err := conn.withOpen(func() error {
			return s.queue.Submit(ctx)
		})
		if !open || err != nil {
			s.pool.release(ctx)
		}
		if err != nil {
			s.teardown(conn, "submit send: "+err.Error())
		}
		return
	}

	s.stats.sends.Inc(1)
	s.pool.release(ctx)

	var next *reactor.IOContext
	_, err := conn.withOpen(func() error {
		if conn.sendQ.Length() == 0 {
			conn.sending = false
			return nil
		}

		next = conn.sendQ.Remove().(*reactor.IOContext)
		if err := s.queue.Submit(next); err != nil {
			conn.sending = false
			return err
		}
		return nil
	})
	if err != nil {
		s.pool.release(next)
		s.teardown(conn, "submit send: "+err.Error())
	}
}

//teardown close conn exactly once: stop further submissions, drop queued replies, unregister and close the socket.
//Operations still in flight complete with an error or zero bytes and are retired by their completions.
func (s *Server) teardown(conn *ConnectionState, reason string) bool {
	pending, ok := conn.close()
	if !ok {
		return false
	}

	for _, ctx := range pending {
		s.pool.release(ctx)
	}

	s.queue.Unregister(conn.sock, conn)
	_ = conn.sock.Close()

	s.conns.Delete(conn.id)
	s.stats.liveConns.Dec(1)
	s.stats.closed.Inc(1)

	_ = s.log.Log("level", "debug", "msg", "connection closed", "conn", conn.id, "peer", addrString(conn.peer), "reason", reason)
	return true
}

//sameBuffer report whether a and b start at the same backing array element.
func sameBuffer(a, b []byte) bool {
	return cap(a) > 0 && cap(b) > 0 && &a[:1][0] == &b[:1][0]
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
