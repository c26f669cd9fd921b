// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hvt

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

// prstatus_t layout on Linux/x86_64: the general purpose registers
// (struct user_regs_struct) live at a fixed offset inside the structure.
const (
	prstatusSize   = 336
	prstatusRegOff = 112
)

// user_regs_struct field order, x86_64.
const (
	regR15 = iota
	regR14
	regR13
	regR12
	regRBP
	regRBX
	regR11
	regR10
	regR9
	regR8
	regRAX
	regRCX
	regRDX
	regRSI
	regRDI
	regOrigRAX
	regRIP
	regCS
	regEflags
	regRSP
	regSS
	regFSBase
	regGSBase
	regDS
	regES
	regFS
	regGS
)

// Guest trap register snapshot, as passed through the halt cookie by a
// guest trap handler.
type x86TrapRegs struct {
	CR2    uint64
	EC     uint64
	RIP    uint64
	CS     uint64
	RFLAGS uint64
	RSP    uint64
	SS     uint64
}

const x86TrapRegsSize = int(unsafe.Sizeof(x86TrapRegs{}))

// Prstatus builds the NT_PRSTATUS descriptor for a core dump from the VCPU
// state. If the guest provided register data from a trap handler through
// the halt cookie, the trapping context overrides the VCPU values.
func (h *HVT) Prstatus(cookie []byte) ([]byte, error) {
	var sregs kvmSregs
	if err := ioctlPtr(h.vcpuFd, kvmGetSregs, unsafe.Pointer(&sregs)); err != nil {
		return nil, errors.Wrap(err, "KVM: ioctl (GET_SREGS) failed")
	}
	kregs, err := h.getRegs()
	if err != nil {
		return nil, err
	}

	prstatus := make([]byte, prstatusSize)
	le := binary.LittleEndian
	reg := func(idx int, v uint64) {
		le.PutUint64(prstatus[prstatusRegOff+8*idx:], v)
	}

	reg(regR8, kregs.R8)
	reg(regR9, kregs.R9)
	reg(regR10, kregs.R10)
	reg(regR11, kregs.R11)
	reg(regR12, kregs.R12)
	reg(regR13, kregs.R13)
	reg(regR14, kregs.R14)
	reg(regR15, kregs.R15)
	reg(regRBP, kregs.RBP)
	reg(regRSP, kregs.RSP)
	reg(regRDI, kregs.RDI)
	reg(regRSI, kregs.RSI)
	reg(regRDX, kregs.RDX)
	reg(regRCX, kregs.RCX)
	reg(regRBX, kregs.RBX)
	reg(regRAX, kregs.RAX)
	reg(regRIP, kregs.RIP)
	reg(regEflags, kregs.RFLAGS)

	reg(regCS, uint64(sregs.CS.Selector))
	reg(regSS, uint64(sregs.SS.Selector))
	reg(regDS, uint64(sregs.DS.Selector))
	reg(regES, uint64(sregs.ES.Selector))
	reg(regFS, uint64(sregs.FS.Selector))
	reg(regGS, uint64(sregs.GS.Selector))
	reg(regFSBase, sregs.FS.Base)
	reg(regGSBase, sregs.GS.Base)

	if len(cookie) >= x86TrapRegsSize {
		var tr x86TrapRegs
		tr.CR2 = le.Uint64(cookie[0:])
		tr.EC = le.Uint64(cookie[8:])
		tr.RIP = le.Uint64(cookie[16:])
		tr.CS = le.Uint64(cookie[24:])
		tr.RFLAGS = le.Uint64(cookie[32:])
		tr.RSP = le.Uint64(cookie[40:])
		tr.SS = le.Uint64(cookie[48:])

		reg(regRIP, tr.RIP)
		reg(regCS, tr.CS)
		reg(regEflags, tr.RFLAGS)
		reg(regRSP, tr.RSP)
		reg(regSS, tr.SS)
	}
	return prstatus, nil
}
