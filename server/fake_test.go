//go:build linux

package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/godzie44/uring-echo/reactor"
)

//submission kind is recorded at submit time, pooled contexts change kind when reused.
type submission struct {
	ctx  *reactor.IOContext
	kind reactor.OpKind
}

//fakeQueue in-memory CompletionQueue, completions are injected by tests.
type fakeQueue struct {
	mu         sync.Mutex
	registered map[reactor.Socket]any
	submitted  []submission
	submitErr  error

	//retrieveFailures Retrieve calls left that fail with errRetrieve
	retrieveFailures atomic.Int32

	results chan reactor.Completion
	done    chan struct{}
	once    sync.Once
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		registered: map[reactor.Socket]any{},
		results:    make(chan reactor.Completion, 64),
		done:       make(chan struct{}),
	}
}

func (q *fakeQueue) Register(sock reactor.Socket, key any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.registered[sock] = key
	return nil
}

func (q *fakeQueue) Unregister(sock reactor.Socket, key any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.registered[sock] == key {
		delete(q.registered, sock)
	}
}

func (q *fakeQueue) Submit(ctx *reactor.IOContext) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.submitErr != nil {
		return q.submitErr
	}
	if _, ok := q.registered[ctx.Socket]; !ok {
		return reactor.ErrNotRegistered
	}
	q.submitted = append(q.submitted, submission{ctx, ctx.Kind})
	return nil
}

func (q *fakeQueue) setSubmitErr(err error) {
	q.mu.Lock()
	q.submitErr = err
	q.mu.Unlock()
}

func (q *fakeQueue) submittedCount(kind reactor.OpKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, sub := range q.submitted {
		if sub.kind == kind {
			n++
		}
	}
	return n
}

func (q *fakeQueue) isRegistered(sock reactor.Socket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.registered[sock]
	return ok
}

var errRetrieve = errors.New("retrieve failed")

func (q *fakeQueue) Retrieve(ctx context.Context) (reactor.Completion, error) {
	if q.retrieveFailures.Add(-1) >= 0 {
		return reactor.Completion{}, errRetrieve
	}

	select {
	case c := <-q.results:
		return c, nil
	case <-q.done:
		return reactor.Completion{}, reactor.ErrQueueClosed
	case <-ctx.Done():
		return reactor.Completion{}, ctx.Err()
	}
}

func (q *fakeQueue) Close() error {
	q.once.Do(func() {
		close(q.done)
	})
	return nil
}

//fakeSocket counts Close calls.
type fakeSocket struct {
	closes atomic.Int32
}

func (s *fakeSocket) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeSocket) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
}

//recordLogger keeps every record as a key-value map.
type recordLogger struct {
	mu      sync.Mutex
	records []map[string]interface{}
}

func (l *recordLogger) Log(keyvals ...interface{}) error {
	rec := map[string]interface{}{}
	for i := 0; i+1 < len(keyvals); i += 2 {
		if k, ok := keyvals[i].(string); ok {
			rec[k] = keyvals[i+1]
		}
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
	return nil
}

func (l *recordLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.records {
		if rec["msg"] == msg {
			return true
		}
	}
	return false
}
