//go:build linux

package uring

import (
	"unsafe"
)

// io_uring_register(2) opcodes and arguments
const (
	sysRingRegisterProbe          = 8
	sysRingRegisterIOWQMaxWorkers = 19
)

type (
	Probe struct {
		lastOp uint8
		opsLen uint8
		_res   uint16
		_res2  [3]uint32
		ops    [256]probeOp
	}
	probeOp struct {
		Op    uint8
		_res  uint8
		Flags uint16
		_res2 uint32
	}
)

const OpSupportedFlag uint16 = 1 << 0

func (p *Probe) GetOP(n int) *probeOp {
	return &p.ops[n]
}

//Supported reports whether the running kernel implements every given opcode.
func (p *Probe) Supported(codes ...OpCode) bool {
	for _, code := range codes {
		if uint8(code) > p.lastOp || p.ops[code].Flags&OpSupportedFlag == 0 {
			return false
		}
	}
	return true
}

func (r *Ring) Probe() (*Probe, error) {
	probe := &Probe{}
	err := sysRegister(r.fd, sysRingRegisterProbe, unsafe.Pointer(probe), 256)

	return probe, err
}

//SetIOWQMaxWorkers limit io-wq bounded and unbounded worker counts of this ring.
func (r *Ring) SetIOWQMaxWorkers(bounded, unbounded uint32) error {
	counts := [2]uint32{bounded, unbounded}
	return sysRegister(r.fd, sysRingRegisterIOWQMaxWorkers, unsafe.Pointer(&counts[0]), 2)
}
