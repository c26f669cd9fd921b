// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package hvt implements the hardware-virtualized tender backend on
// Linux/KVM: guest memory registration, VCPU initialisation into 64-bit
// long mode, and the PIO hypercall transport.
package hvt

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// KVM ioctl numbers and constants, x86_64.
const (
	kvmGetAPIVersion        = 0xae00
	kvmCreateVM             = 0xae01
	kvmCheckExtension       = 0xae03
	kvmGetVCPUMMapSize      = 0xae04
	kvmGetSupportedCPUID    = 0xc008ae05
	kvmCreateVCPU           = 0xae41
	kvmSetUserMemoryRegion  = 0x4020ae46
	kvmRun                  = 0xae80
	kvmGetRegs              = 0x8090ae81
	kvmSetRegs              = 0x4090ae82
	kvmGetSregs             = 0x8138ae83
	kvmSetSregs             = 0x4138ae84
	kvmSetCPUID2            = 0x4008ae90
	kvmGetTSCKhz            = 0xaea3

	kvmCapGetTSCKhz = 61

	kvmAPIVersion = 12

	kvmExitIO            = 2
	kvmExitFailEntry     = 9
	kvmExitInternalError = 17

	kvmExitIOOut = 1
)

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type kvmDescriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type kvmSregs struct {
	CS              kvmSegment
	DS              kvmSegment
	ES              kvmSegment
	FS              kvmSegment
	GS              kvmSegment
	SS              kvmSegment
	TR              kvmSegment
	LDT             kvmSegment
	GDT             kvmDescriptor
	IDT             kvmDescriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	APICBase        uint64
	InterruptBitmap [4]uint64
}

type kvmRegs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmRunData mirrors the head of struct kvm_run in the VCPU mmap area. The
// exit union is decoded from Data.
type kvmRunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	APICBase                   uint64
	Data                       [32]uint64
}

// io decodes the KVM_EXIT_IO union member.
func (r *kvmRunData) io() (direction, size uint64, port uint64, dataOffset uint64) {
	direction = r.Data[0] & 0xff
	size = (r.Data[0] >> 8) & 0xff
	port = (r.Data[0] >> 16) & 0xffff
	dataOffset = r.Data[1]
	return
}

type kvmCPUIDEntry struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

const cpuidMaxEntries = 100

type kvmCPUID struct {
	Nent    uint32
	_       uint32
	Entries [cpuidMaxEntries]kvmCPUIDEntry
}

func ioctl(fd int, op uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

func ioctlPtr(fd int, op uintptr, arg unsafe.Pointer) error {
	_, err := ioctl(fd, op, uintptr(arg))
	return err
}

// checkPersonality refuses to run when the READ_IMPLIES_EXEC personality is
// in effect: it would make mmap() with PROT_READ imply PROT_EXEC, defeating
// the W^X guarantee on guest memory.
func checkPersonality() error {
	const readImpliesExec = 0x0400000
	persona, _, errno := unix.Syscall(unix.SYS_PERSONALITY, 0xffffffff, 0, 0)
	if errno != 0 {
		return errors.Wrap(errno, "personality() failed")
	}
	if persona&readImpliesExec != 0 {
		return errors.New("refusing to run with a sys_personality of READ_IMPLIES_EXEC")
	}
	return nil
}
