//go:build linux

package server

import (
	"runtime"
	"time"

	"github.com/godzie44/uring-echo/reactor"
	"github.com/rcrowley/go-metrics"
)

const (
	DefaultAcceptDepth   = 4
	DefaultBufferSize    = 1024
	DefaultRetryInterval = time.Millisecond * 100
)

type options struct {
	log           reactor.Logger
	acceptDepth   int
	workers       int
	bufferSize    int
	handler       Handler
	idleTimeout   time.Duration
	registry      metrics.Registry
	retryInterval time.Duration
	statsInterval time.Duration
	acceptRates   map[time.Duration]int
}

func defaultOptions() options {
	return options{
		log:           reactor.NopLogger(),
		acceptDepth:   DefaultAcceptDepth,
		workers:       runtime.GOMAXPROCS(0) * 2,
		bufferSize:    DefaultBufferSize,
		handler:       Echo{},
		retryInterval: DefaultRetryInterval,
		acceptRates: map[time.Duration]int{
			time.Second: 1000,
		},
	}
}

type Option func(o *options)

func WithLogger(l reactor.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

//WithAcceptDepth number of accept operations kept outstanding.
func WithAcceptDepth(n int) Option {
	return func(o *options) {
		o.acceptDepth = n
	}
}

//WithWorkers worker pool size, 0 means GOMAXPROCS*2.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n == 0 {
			n = runtime.GOMAXPROCS(0) * 2
		}
		o.workers = n
	}
}

func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

func WithHandler(h Handler) Option {
	return func(o *options) {
		if h != nil {
			o.handler = h
		}
	}
}

//WithIdleTimeout close connections that send nothing for d, 0 disables.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

//WithRetryInterval how often missing accept slots are re-armed.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.retryInterval = d
	}
}

//WithStatsInterval log a stats line every d, 0 disables.
func WithStatsInterval(d time.Duration) Option {
	return func(o *options) {
		o.statsInterval = d
	}
}

//WithAcceptErrorRates limit how fast failed accepts are re-armed inline, excess goes to the retry loop.
func WithAcceptErrorRates(rates map[time.Duration]int) Option {
	return func(o *options) {
		o.acceptRates = rates
	}
}
