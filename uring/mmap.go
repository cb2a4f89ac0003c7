//go:build linux

package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func (r *Ring) allocRing(p *ringParams) error {
	sqSize := int(p.sqOff.array) + int(p.sqEntries)*int(unsafe.Sizeof(uint32(0)))
	cqSize := int(p.cqOff.cqes) + int(p.cqEntries)*int(unsafe.Sizeof(CQEvent{}))

	if p.SingleMMapFeature() {
		if cqSize > sqSize {
			sqSize = cqSize
		}
		cqSize = sqSize
	}

	sqBuff, err := unix.Mmap(r.fd, offSQRing, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}
	r.sqRing.buff = sqBuff

	if p.SingleMMapFeature() {
		r.cqRing.buff = sqBuff
	} else {
		cqBuff, err := unix.Mmap(r.fd, offCQRing, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			r.freeRing()
			return err
		}
		r.cqRing.buff = cqBuff
	}

	sqeSize := int(p.sqEntries) * int(unsafe.Sizeof(SQEntry{}))
	sqeBuff, err := unix.Mmap(r.fd, offSQEs, sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.freeRing()
		return err
	}
	r.sqRing.sqeBuff = sqeBuff

	sq := r.sqRing
	sq.ringSize = uint64(sqSize)
	sq.kHead = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.head]))
	sq.kTail = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.tail]))
	sq.kRingMask = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.ringMask]))
	sq.kRingEntries = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.ringEntries]))
	sq.kFlags = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.flags]))
	sq.kDropped = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.dropped]))
	sq.kArray = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.array]))

	cq := r.cqRing
	cqBuff := cq.buff
	cq.ringSize = uint64(cqSize)
	cq.kHead = (*uint32)(unsafe.Pointer(&cqBuff[p.cqOff.head]))
	cq.kTail = (*uint32)(unsafe.Pointer(&cqBuff[p.cqOff.tail]))
	cq.kRingMask = (*uint32)(unsafe.Pointer(&cqBuff[p.cqOff.ringMask]))
	cq.kRingEntries = (*uint32)(unsafe.Pointer(&cqBuff[p.cqOff.ringEntries]))
	cq.kOverflow = (*uint32)(unsafe.Pointer(&cqBuff[p.cqOff.overflow]))
	cq.cqeBuff = (*CQEvent)(unsafe.Pointer(&cqBuff[p.cqOff.cqes]))

	return nil
}

func (r *Ring) freeRing() error {
	var err error
	if r.sqRing.sqeBuff != nil {
		err = joinErr(err, unix.Munmap(r.sqRing.sqeBuff))
		r.sqRing.sqeBuff = nil
	}

	single := r.cqRing.buff != nil && r.sqRing.buff != nil && &r.cqRing.buff[0] == &r.sqRing.buff[0]
	if r.cqRing.buff != nil && !single {
		err = joinErr(err, unix.Munmap(r.cqRing.buff))
	}
	r.cqRing.buff = nil

	if r.sqRing.buff != nil {
		err = joinErr(err, unix.Munmap(r.sqRing.buff))
		r.sqRing.buff = nil
	}
	return err
}
