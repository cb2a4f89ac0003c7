//go:build linux

package uring

import (
	"net"
	"time"
	"unsafe"

	"github.com/libp2p/go-sockaddr"
	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"
)

type OpCode uint8

const (
	NopCode OpCode = iota
	ReadVCode
	WriteVCode
	FSyncCode
	ReadFixedCode
	WriteFixedCode
	PollAddCode
	PollRemoveCode
	SyncFileRangeCode
	SendMsgCode
	RecvMsgCode
	TimeoutCode
	TimeoutRemoveCode
	AcceptCode
	AsyncCancelCode
	LinkTimeoutCode
	ConnectCode
	FAllocateCode
	OpenAtCode
	CloseCode
	FilesUpdateCode
	StatxCode
	ReadCode
	WriteCode
	FAdviseCode
	MAdviseCode
	SendCode
	RecvCode
)

//NopOp - do not perform any I/O, completes immediately.
type NopOp struct{}

func Nop() *NopOp {
	return &NopOp{}
}

func (op *NopOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(NopCode, -1, 0, 0, 0)
}

func (op *NopOp) Code() OpCode {
	return NopCode
}

//AcceptOp accept a connection on a listening socket, similar to accept4(2).
//The kernel writes the peer address into the op, so the op must stay reachable until its CQE arrives.
type AcceptOp struct {
	fd      int
	flags   uint32
	addr    *unix.RawSockaddrAny
	addrLen uint32
}

func Accept(fd uintptr, flags uint32) *AcceptOp {
	return &AcceptOp{
		fd:      int(fd),
		flags:   flags,
		addr:    &unix.RawSockaddrAny{},
		addrLen: unix.SizeofSockaddrAny,
	}
}

func (op *AcceptOp) PrepSQE(sqe *SQEntry) {
	op.addrLen = unix.SizeofSockaddrAny
	sqe.fill(AcceptCode, int32(op.fd), uintptr(unsafe.Pointer(op.addr)), 0, uint64(uintptr(unsafe.Pointer(&op.addrLen))))
	sqe.opcodeFlags = op.flags
}

func (op *AcceptOp) Code() OpCode {
	return AcceptCode
}

func (op *AcceptOp) Fd() int {
	return op.fd
}

//Addr return the peer address of the accepted connection.
func (op *AcceptOp) Addr() (net.Addr, error) {
	sa, err := sockaddr.AnyToSockaddr(op.addr)
	if err != nil {
		return nil, err
	}

	addr := sockaddrnet.SockaddrToTCPAddr(sa)
	if addr == nil {
		return nil, unix.EAFNOSUPPORT
	}
	return addr, nil
}

//RecvOp receive a message from a socket, similar to recv(2).
type RecvOp struct {
	fd    int
	buff  []byte
	flags uint32
}

func Recv(fd uintptr, buff []byte, flags uint32) *RecvOp {
	return &RecvOp{fd: int(fd), buff: buff, flags: flags}
}

func (op *RecvOp) SetBuffer(buff []byte) {
	op.buff = buff
}

func (op *RecvOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(RecvCode, int32(op.fd), uintptr(unsafe.Pointer(&op.buff[0])), uint32(len(op.buff)), 0)
	sqe.opcodeFlags = op.flags
}

func (op *RecvOp) Code() OpCode {
	return RecvCode
}

func (op *RecvOp) Fd() int {
	return op.fd
}

//SendOp send a message on a socket, similar to send(2).
type SendOp struct {
	fd    int
	buff  []byte
	flags uint32
}

func Send(fd uintptr, buff []byte, flags uint32) *SendOp {
	return &SendOp{fd: int(fd), buff: buff, flags: flags}
}

func (op *SendOp) SetBuffer(buff []byte) {
	op.buff = buff
}

func (op *SendOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(SendCode, int32(op.fd), uintptr(unsafe.Pointer(&op.buff[0])), uint32(len(op.buff)), 0)
	sqe.opcodeFlags = op.flags
}

func (op *SendOp) Code() OpCode {
	return SendCode
}

func (op *SendOp) Fd() int {
	return op.fd
}

//CancelOp attempt to cancel an already issued request.
type CancelOp struct {
	flags          uint32
	targetUserData uint64
}

//Cancel create CancelOp. Put in targetUserData value of user_data field of the request that should be cancelled.
func Cancel(targetUserData uint64, flags uint32) *CancelOp {
	return &CancelOp{flags: flags, targetUserData: targetUserData}
}

func (op *CancelOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(AsyncCancelCode, -1, uintptr(op.targetUserData), 0, 0)
	sqe.opcodeFlags = op.flags
}

func (op *CancelOp) Code() OpCode {
	return AsyncCancelCode
}

//LinkTimeoutOp IORING_OP_LINK_TIMEOUT, must be queued right after an SQE flagged with SqeIOLinkFlag.
//If the timeout fires first, the linked request completes with ECANCELED.
type LinkTimeoutOp struct {
	ts unix.Timespec
}

func LinkTimeout(duration time.Duration) *LinkTimeoutOp {
	return &LinkTimeoutOp{ts: unix.NsecToTimespec(duration.Nanoseconds())}
}

func (op *LinkTimeoutOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(LinkTimeoutCode, -1, uintptr(unsafe.Pointer(&op.ts)), 1, 0)
}

func (op *LinkTimeoutOp) Code() OpCode {
	return LinkTimeoutCode
}
