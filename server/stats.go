//go:build linux

package server

import (
	"github.com/godzie44/uring-echo/reactor"
	"github.com/rcrowley/go-metrics"
)

//Stats server counters, kept in a go-metrics registry.
type Stats struct {
	registry metrics.Registry

	outstandingAccepts metrics.Counter
	outstandingRecvs   metrics.Counter
	outstandingSends   metrics.Counter

	liveConns      metrics.Counter
	accepted       metrics.Counter
	closed         metrics.Counter
	sends          metrics.Counter
	acceptErrors   metrics.Counter
	armFailures    metrics.Counter
	doubleReleases metrics.Counter
	bytesEchoed    metrics.Counter

	echoRate metrics.Meter
}

func newStats(r metrics.Registry) *Stats {
	if r == nil {
		r = metrics.NewRegistry()
	}

	return &Stats{
		registry:           r,
		outstandingAccepts: metrics.GetOrRegisterCounter("accept.outstanding", r),
		outstandingRecvs:   metrics.GetOrRegisterCounter("recv.outstanding", r),
		outstandingSends:   metrics.GetOrRegisterCounter("send.outstanding", r),
		liveConns:          metrics.GetOrRegisterCounter("conn.live", r),
		accepted:           metrics.GetOrRegisterCounter("conn.accepted", r),
		closed:             metrics.GetOrRegisterCounter("conn.closed", r),
		sends:              metrics.GetOrRegisterCounter("send.completed", r),
		acceptErrors:       metrics.GetOrRegisterCounter("accept.errors", r),
		armFailures:        metrics.GetOrRegisterCounter("accept.arm_failures", r),
		doubleReleases:     metrics.GetOrRegisterCounter("context.double_releases", r),
		bytesEchoed:        metrics.GetOrRegisterCounter("echo.bytes", r),
		echoRate:           metrics.GetOrRegisterMeter("echo.rate", r),
	}
}

func (s *Stats) outstanding(kind reactor.OpKind) metrics.Counter {
	switch kind {
	case reactor.OpAccept:
		return s.outstandingAccepts
	case reactor.OpRecv:
		return s.outstandingRecvs
	default:
		return s.outstandingSends
	}
}

//Snapshot point in time copy of server counters.
type Snapshot struct {
	//OutstandingAccepts accept operations currently armed.
	OutstandingAccepts int64
	//OutstandingContexts recv and send operations in flight or queued.
	OutstandingContexts int64

	LiveConns      int64
	Accepted       int64
	Closed         int64
	Sends          int64
	AcceptErrors   int64
	ArmFailures    int64
	DoubleReleases int64
	BytesEchoed    int64

	//EchoRate1m bytes per second, one minute moving average.
	EchoRate1m float64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		OutstandingAccepts:  s.outstandingAccepts.Count(),
		OutstandingContexts: s.outstandingRecvs.Count() + s.outstandingSends.Count(),
		LiveConns:           s.liveConns.Count(),
		Accepted:            s.accepted.Count(),
		Closed:              s.closed.Count(),
		Sends:               s.sends.Count(),
		AcceptErrors:        s.acceptErrors.Count(),
		ArmFailures:         s.armFailures.Count(),
		DoubleReleases:      s.doubleReleases.Count(),
		BytesEchoed:         s.bytesEchoed.Count(),
		EchoRate1m:          s.echoRate.Rate1(),
	}
}

//Registry expose underlying metrics registry (for exporters).
func (s *Stats) Registry() metrics.Registry {
	return s.registry
}
