// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hvt

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/elfloader"
	"github.com/solo5/solo5-go/tender"
)

var hvtLog = logrus.WithField("source", "hvt")

// EMX8664 is the ELF e_machine of this backend, for the dumpcore module.
const EMX8664 = 62

// HVT is the KVM backend state.
type HVT struct {
	mem     []byte
	memSize uint64

	kvmFd   int
	vmFd    int
	vcpuFd  int
	vcpuRun []byte

	cycleFreq uint64
}

// Init opens /dev/kvm, creates the VM and its single VCPU, and registers
// memSize bytes of guest memory. memSize must already be rounded with
// MemSize.
func Init(memSize uint64) (*HVT, error) {
	h := &HVT{memSize: memSize, kvmFd: -1, vmFd: -1, vcpuFd: -1}

	var err error
	h.kvmFd, err = unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "could not open: /dev/kvm")
	}
	version, err := ioctl(h.kvmFd, kvmGetAPIVersion, 0)
	if err != nil {
		return nil, errors.Wrap(err, "KVM: ioctl (GET_API_VERSION) failed")
	}
	if version != kvmAPIVersion {
		return nil, errors.Errorf("KVM: API version is %d, solo5-hvt requires version %d",
			version, kvmAPIVersion)
	}
	vmFd, err := ioctl(h.kvmFd, kvmCreateVM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "KVM: ioctl (CREATE_VM) failed")
	}
	h.vmFd = int(vmFd)

	vcpuFd, err := ioctl(h.vmFd, kvmCreateVCPU, 0)
	if err != nil {
		return nil, errors.Wrap(err, "KVM: ioctl (CREATE_VCPU) failed")
	}
	h.vcpuFd = int(vcpuFd)

	runSize, err := ioctl(h.kvmFd, kvmGetVCPUMMapSize, 0)
	if err != nil {
		return nil, errors.Wrap(err, "KVM: ioctl (GET_VCPU_MMAP_SIZE) failed")
	}
	if runSize < unsafe.Sizeof(kvmRunData{}) {
		return nil, errors.Errorf("KVM: invalid VCPU_MMAP_SIZE: %d", runSize)
	}
	h.vcpuRun, err = unix.Mmap(h.vcpuFd, 0, int(runSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "KVM: VCPU mmap failed")
	}

	h.mem, err = unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "error allocating guest memory")
	}
	region := kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&h.mem[0]))),
	}
	if err := ioctlPtr(h.vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		return nil, errors.Wrap(err, "KVM: ioctl (SET_USER_MEMORY_REGION) failed")
	}
	return h, nil
}

// Mem returns the guest memory mapping.
func (h *HVT) Mem() []byte {
	return h.mem
}

// CycleFreq returns the VCPU TSC frequency in Hz; valid after VCPUInit.
func (h *HVT) CycleFreq() uint64 {
	return h.cycleFreq
}

// BootInfoBase returns the guest address of the boot info block.
func (h *HVT) BootInfoBase() abi.GuestPtr {
	return x86BootInfoBase
}

// GuestMprotect applies loader page protections to guest memory.
//
// Host side: guest-executable pages must never be executable in the tender
// process, so PROT_EXEC is cleared. Guest side: KVM propagates R/W to its
// EPT mappings; guest X/NX protection is not supported by the hypervisor.
func (h *HVT) GuestMprotect(addrStart, addrEnd uint64, prot int) error {
	if addrStart >= addrEnd || addrEnd > h.memSize {
		return errors.Errorf("invalid guest mprotect range 0x%x..0x%x", addrStart, addrEnd)
	}
	prot &^= elfloader.ProtExec
	return unix.Mprotect(h.mem[addrStart:addrEnd], prot)
}

func (h *HVT) setupCPUID() error {
	cpuid := &kvmCPUID{Nent: cpuidMaxEntries}
	if err := ioctlPtr(h.kvmFd, kvmGetSupportedCPUID, unsafe.Pointer(cpuid)); err != nil {
		return errors.Wrap(err, "KVM: ioctl (GET_SUPPORTED_CPUID) failed")
	}
	if err := ioctlPtr(h.vcpuFd, kvmSetCPUID2, unsafe.Pointer(cpuid)); err != nil {
		return errors.Wrap(err, "KVM: ioctl (SET_CPUID2) failed")
	}
	return nil
}

// VCPUInit prepares a long-mode context beginning execution at entry with a
// configured stack and a pointer to the boot info block, and measures the
// TSC frequency.
func (h *HVT) VCPUInit(entry uint64) error {
	x86SetupGDT(h.mem)
	if err := x86SetupPagetables(h.mem, h.memSize); err != nil {
		return err
	}
	if err := h.setupCPUID(); err != nil {
		return err
	}

	sregs := kvmSregs{
		CR0:  x86CR0Init,
		CR3:  x86CR3Init,
		CR4:  x86CR4Init,
		EFER: x86EFERInit,

		CS: x86SregCode.toKVM(),
		SS: x86SregData.toKVM(),
		DS: x86SregData.toKVM(),
		ES: x86SregData.toKVM(),
		FS: x86SregData.toKVM(),
		GS: x86SregData.toKVM(),

		GDT: kvmDescriptor{Base: x86GDTBase, Limit: x86GDTRLimit},
		TR:  x86SregTr.toKVM(),
		LDT: x86SregUnusable.toKVM(),
	}
	if err := ioctlPtr(h.vcpuFd, kvmSetSregs, unsafe.Pointer(&sregs)); err != nil {
		return errors.Wrap(err, "KVM: ioctl (SET_SREGS) failed")
	}

	supported, err := ioctl(h.kvmFd, kvmCheckExtension, kvmCapGetTSCKhz)
	if err != nil {
		return errors.Wrap(err, "KVM: ioctl (CHECK_EXTENSION) failed")
	}
	if supported != 1 {
		return errors.New("KVM: host does not support KVM_CAP_GET_TSC_KHZ")
	}
	tscKhz, err := ioctl(h.vcpuFd, kvmGetTSCKhz, 0)
	if err != nil {
		if err == unix.EIO {
			return errors.New("KVM: host TSC is unstable, cannot continue")
		}
		return errors.Wrap(err, "KVM: ioctl (GET_TSC_KHZ) failed")
	}
	// KVM reports the frequency in kHz; marginally less accurate than we
	// would like, but no worse than any other KVM-based monitor.
	h.cycleFreq = uint64(tscKhz) * 1000
	hvtLog.WithField("tsc_khz", tscKhz).Debug("VCPU initialised")

	// x86_64 ABI: ((%rsp + 8) % 16) == 0 on entry; %rdi carries the only
	// argument, the boot info pointer.
	regs := kvmRegs{
		RIP:    entry,
		RFLAGS: x86RflagsInit,
		RSP:    h.memSize - 8,
		RDI:    x86BootInfoBase,
	}
	if err := ioctlPtr(h.vcpuFd, kvmSetRegs, unsafe.Pointer(&regs)); err != nil {
		return errors.Wrap(err, "KVM: ioctl (SET_REGS) failed")
	}
	return nil
}

// DropPrivileges reduces host-side privilege before the VCPU loop. On KVM
// there is no sandbox beyond the hypervisor boundary; the personality check
// guards the W^X invariant.
func (h *HVT) DropPrivileges() error {
	return checkPersonality()
}

func (h *HVT) run() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&h.vcpuRun[0]))
}

func (h *HVT) getRegs() (*kvmRegs, error) {
	var regs kvmRegs
	if err := ioctlPtr(h.vcpuFd, kvmGetRegs, unsafe.Pointer(&regs)); err != nil {
		return nil, errors.Wrap(err, "KVM: ioctl (GET_REGS) failed")
	}
	return &regs, nil
}

// Loop runs the VCPU until the guest halts, dispatching hypercalls into the
// tender core. Returns the guest exit status.
func (h *HVT) Loop(t *tender.Tender) (int, error) {
	for {
		_, err := ioctl(h.vcpuFd, kvmRun, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if err == unix.EFAULT {
				regs, rerr := h.getRegs()
				if rerr != nil {
					return 0, rerr
				}
				return 0, errors.Errorf("KVM: host/guest translation fault: rip=0x%x", regs.RIP)
			}
			return 0, errors.Wrap(err, "KVM: ioctl (RUN) failed")
		}

		run := h.run()
		switch run.ExitReason {
		case kvmExitIO:
			direction, size, port, dataOffset := run.io()
			if direction != kvmExitIOOut || size != 4 {
				return 0, errors.Errorf("invalid guest port access: port=0x%x", port)
			}
			if port < abi.PIOBase || port >= abi.PIOBase+abi.HypercallMax {
				return 0, errors.Errorf("invalid guest port access: port=0x%x", port)
			}
			nr := int(port - abi.PIOBase)
			gpa := abi.GuestPtr(binary.LittleEndian.Uint32(h.vcpuRun[dataOffset:]))
			halted, status, err := t.Dispatch(nr, gpa)
			if err != nil {
				return 0, err
			}
			if halted {
				return status, nil
			}

		case kvmExitFailEntry:
			return 0, errors.Errorf("KVM: entry failure: hw_entry_failure_reason=0x%x",
				run.Data[0])

		case kvmExitInternalError:
			return 0, errors.Errorf("KVM: internal error exit: suberror=0x%x",
				uint32(run.Data[0]))

		default:
			regs, rerr := h.getRegs()
			if rerr != nil {
				return 0, rerr
			}
			return 0, errors.Errorf("KVM: unhandled exit: exit_reason=0x%x, rip=0x%x",
				run.ExitReason, regs.RIP)
		}
	}
}
