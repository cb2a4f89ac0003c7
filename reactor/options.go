//go:build linux

package reactor

import "time"

type options struct {
	log            Logger
	iowqMaxWorkers uint32
	granularity    int
	drainTimeout   time.Duration
	resultsBuff    int
}

func defaultOptions() options {
	return options{
		log:          &nopLogger{},
		granularity:  8,
		drainTimeout: time.Second,
		resultsBuff:  cqeBuffSize,
	}
}

type Option func(o *options)

func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

//WithIOWQMaxWorkers cap the kernel io-wq worker threads of the ring (io_uring backend only, ignored when unsupported).
func WithIOWQMaxWorkers(n uint32) Option {
	return func(o *options) {
		o.iowqMaxWorkers = n
	}
}

//WithDrainTimeout how long Close waits for cancelled operations to complete.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		o.drainTimeout = d
	}
}
