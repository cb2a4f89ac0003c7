//go:build linux

package uring

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

//ringParams is the kernel's struct io_uring_params.
type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFD         uint32
	resv         [3]uint32

	sqOff sqRingOffsets
	cqOff cqRingOffsets
}

func (p *ringParams) SQEntries() uint32 {
	return p.sqEntries
}

func (p *ringParams) CQEntries() uint32 {
	return p.cqEntries
}

func (p *ringParams) SingleMMapFeature() bool {
	return p.features&featSingleMMap != 0
}

//FastPollFeature reports IORING_FEAT_FAST_POLL: socket ops that would block are
//parked on an internal poll instead of a worker thread.
func (p *ringParams) FastPollFeature() bool {
	return p.features&featFastPoll != 0
}
