// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package spt implements the process-sandboxed tender backend: the guest
// runs in the tender's own address space, confined by a seccomp-BPF filter
// synthesized at launch.
package spt

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/tender"
)

var sptLog = logrus.WithField("source", "spt")

// Guest address space layout. The guest shares the tender's address space;
// modern kernels refuse to map the lowest pages (vm.mmap_min_addr), so the
// region starts at HostMemBase and guest pointers are host-virtual
// addresses.
const (
	// HostMemBase is the lowest guest address; Mem[0] maps here.
	HostMemBase = 0x10000

	// BootInfoBase is the guest address of the boot info block.
	BootInfoBase = HostMemBase

	// GuestMinBase is the lowest allowed load address for guest
	// executables.
	GuestMinBase = 0x100000
)

// SPT is the process-sandboxed backend state.
type SPT struct {
	mem     []byte
	memSize uint64

	execHeap bool
	tlsSize  uint32
}

// Init validates the host personality and maps the guest memory region at
// its fixed address. execHeap additionally makes the guest heap and stack
// executable; it is dangerous and off by default.
func Init(memSize uint64, execHeap bool) (*SPT, error) {
	if err := checkPersonality(); err != nil {
		return nil, err
	}
	if memSize <= HostMemBase {
		return nil, errors.New("guest memory size too small")
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if execHeap {
		sptLog.Warn("WARNING: The use of --x-exec-heap is dangerous and not" +
			" recommended as it makes the heap and stack executable.")
		prot |= unix.PROT_EXEC
	}
	length := memSize - HostMemBase
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		uintptr(HostMemBase), uintptr(length), uintptr(prot),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE),
		^uintptr(0), 0)
	if errno != 0 {
		if errno == unix.EEXIST {
			return nil, errors.New("guest memory overlaps the tender image;" +
				" decrease --mem")
		}
		return nil, errors.Wrap(errno, "error allocating guest memory")
	}

	return &SPT{
		mem:      unsafe.Slice((*byte)(unsafe.Pointer(addr)), length),
		memSize:  memSize,
		execHeap: execHeap,
	}, nil
}

// Mem returns the guest memory mapping, starting at guest address
// HostMemBase.
func (s *SPT) Mem() []byte {
	return s.mem
}

// Close unmaps the guest memory region. Only useful on error paths and in
// tests; a running guest never comes back.
func (s *SPT) Close() error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP,
		uintptr(unsafe.Pointer(&s.mem[0])), uintptr(len(s.mem)), 0)
	if errno != 0 {
		return errors.Wrap(errno, "munmap() failed")
	}
	s.mem = nil
	return nil
}

// SetTLSSize records the guest's PT_TLS size reported by the loader. The
// arch_prctl(ARCH_SET_FS) allow-rule is part of the core filter whatever
// the size.
func (s *SPT) SetTLSSize(n uint32) {
	s.tlsSize = n
}

// GuestMprotect applies loader page protections. There is no distinction
// between host-side and guest-side protection on spt; mprotect() does the
// right thing for both.
func (s *SPT) GuestMprotect(addrStart, addrEnd uint64, prot int) error {
	if addrStart < HostMemBase || addrStart >= addrEnd || addrEnd > s.memSize {
		return errors.Errorf("invalid guest mprotect range 0x%x..0x%x", addrStart, addrEnd)
	}
	return unix.Mprotect(s.mem[addrStart-HostMemBase:addrEnd-HostMemBase], prot)
}

// checkPersonality refuses to run when READ_IMPLIES_EXEC is in effect:
// mmap() with PROT_READ would then imply PROT_EXEC, making the guest heap
// executable behind our back.
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

// Run enters the sandbox and transfers control to the guest: the seccomp
// filter is synthesized and loaded, and a trampoline sets up the initial
// stack per the architecture ABI and jumps to the guest entry point. Run
// never returns except on setup failure.
func (s *SPT) Run(t *tender.Tender, entry uint64, extraRules []tender.SeccompRule) error {
	prog, err := s.buildFilter(t, extraRules)
	if err != nil {
		return err
	}

	// The filter applies to the calling thread only: the guest must run on
	// the thread the filter is installed on, and never migrate.
	runtime.LockOSThread()

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return errors.Wrap(err, "prctl(PR_SET_NO_NEW_PRIVS) failed")
	}
	fprog := sockFprog{
		len:    uint16(len(prog) / sockFilterSize),
		filter: &prog[0],
	}
	if _, _, errno := unix.Syscall(unix.SYS_SECCOMP,
		seccompSetModeFilter, 0, uintptr(unsafe.Pointer(&fprog))); errno != 0 {
		return errors.Wrap(errno, "seccomp(SECCOMP_SET_MODE_FILTER) failed")
	}

	// x86_64 ABI stack alignment: ((%rsp + 8) % 16) == 0 at entry.
	sp := s.memSize - 0x8
	sptLaunch(uintptr(sp), uintptr(entry), uintptr(BootInfoBase))
	panic("sptLaunch returned")
}

// sptLaunch sets the initial stack and jumps to the guest entry point with
// the boot info address as the sole argument. It never returns; the guest
// leaves through exit_group. Implemented in spt_launch_amd64.s.
func sptLaunch(sp, entry, arg uintptr)

// BootInfoExtra returns the backend-specific boot info fields: the wait
// set's epoll and timer descriptors are exported to the guest, which
// invokes them directly through the seccomp filter.
func (s *SPT) BootInfoExtra(t *tender.Tender) abi.BootInfo {
	return abi.BootInfo{
		EpollFd: uint64(t.WaitSet().EpollFd()),
		TimerFd: uint64(t.WaitSet().TimerFd()),
	}
}
