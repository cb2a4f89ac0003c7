//go:build linux

package uring

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring_setup(2) flags
const (
	setupIOPoll uint32 = 1 << 0
	setupSQPoll uint32 = 1 << 1
	setupCQSize uint32 = 1 << 3
	setupClamp  uint32 = 1 << 4
)

// io_uring_params features
const (
	featSingleMMap uint32 = 1 << 0
	featFastPoll   uint32 = 1 << 5
)

// mmap offsets
const (
	offSQRing int64 = 0
	offCQRing int64 = 0x8000000
	offSQEs   int64 = 0x10000000
)

// sq ring flags
const (
	sqNeedWakeup uint32 = 1 << 0
	sqCQOverflow uint32 = 1 << 1
)

// io_uring_enter(2) flags
const (
	sysRingEnterGetEvents uint32 = 1 << 0
)

// SQE flags
const (
	SqeFixedFileFlag uint8 = 1 << 0
	SqeIODrainFlag   uint8 = 1 << 1
	SqeIOLinkFlag    uint8 = 1 << 2
	SqeIOHardLink    uint8 = 1 << 3
	SqeAsyncFlag     uint8 = 1 << 4
)

//copied from signal_unix.numSig
const numSig = 65

func sysSetup(entries uint32, params *ringParams) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return -1, errno
	}

	return int(fd), nil
}

func sysEnter(ringFD int, toSubmit uint32, minComplete uint32, flags uint32) (uint, error) {
	consumed, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(ringFD),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		0,
		numSig/8,
	)
	if errno != 0 {
		return 0, errno
	}

	return uint(consumed), nil
}

func sysRegister(ringFD int, op uint32, arg unsafe.Pointer, nrArgs int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_REGISTER,
		uintptr(ringFD),
		uintptr(op),
		uintptr(arg),
		uintptr(nrArgs),
		0,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

//SQEntry is the kernel's struct io_uring_sqe.
type SQEntry struct {
	opcode      uint8
	flags       uint8
	ioPrio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64

	bufIG       uint16
	personality uint16
	spliceFdIn  int32
	_pad2       [2]uint64
}

//go:uintptrescapes
func (sqe *SQEntry) fill(op OpCode, fd int32, addr uintptr, len uint32, offset uint64) {
	sqe.opcode = uint8(op)
	sqe.flags = 0
	sqe.ioPrio = 0
	sqe.fd = fd
	sqe.off = offset
	setAddr(sqe, addr)
	sqe.len = len
	sqe.opcodeFlags = 0
	sqe.userData = 0
	sqe.bufIG = 0
	sqe.personality = 0
	sqe.spliceFdIn = 0
	sqe._pad2[0] = 0
	sqe._pad2[1] = 0
}

func (sqe *SQEntry) setUserData(ud uint64) {
	sqe.userData = ud
}

//go:uintptrescapes
func setAddr(sqe *SQEntry, addr uintptr) {
	sqe.addr = uint64(addr)
}

//CQEvent is the kernel's struct io_uring_cqe.
type CQEvent struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func (cqe *CQEvent) Error() error {
	if cqe.Res < 0 {
		return syscall.Errno(uintptr(-cqe.Res))
	}
	return nil
}
