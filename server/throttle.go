//go:build linux

package server

import (
	"time"

	"github.com/godzie44/uring-echo/reactor"
	"github.com/joeycumines/go-catrate"
)

var defaultLogRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

//throttledLogger drop log records of a category once it exceeds its rate.
type throttledLogger struct {
	log     reactor.Logger
	limiter *catrate.Limiter
}

func newThrottledLogger(l reactor.Logger, rates map[time.Duration]int) *throttledLogger {
	return &throttledLogger{log: l, limiter: catrate.NewLimiter(rates)}
}

func (t *throttledLogger) Log(category string, keyvals ...interface{}) {
	if _, ok := t.limiter.Allow(category); ok {
		_ = t.log.Log(keyvals...)
	}
}
