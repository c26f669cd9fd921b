// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package abi

// BootInfo is the boot information block constructed by the tender in guest
// low memory before the VCPU runs. It is immutable after construction.
//
// The spt-only EpollFd/TimerFd fields carry host file descriptors that the
// guest invokes directly through the seccomp filter; on hvt they are zero.
type BootInfo struct {
	MemSize      uint64   // total guest memory in bytes
	KernelEnd    uint64   // first byte after the loaded image
	CPUCycleFreq uint64   // cycle counter frequency in Hz
	Mft          GuestPtr // manifest copy
	Cmdline      GuestPtr // NUL-terminated command line, CmdlineSize bytes
	EpollFd      uint64   // spt only
	TimerFd      uint64   // spt only
}

// BootInfoSize is the serialized size of BootInfo.
const BootInfoSize = 56

func (bi *BootInfo) Decode(b []byte) {
	bi.MemSize = le.Uint64(b[0:])
	bi.KernelEnd = le.Uint64(b[8:])
	bi.CPUCycleFreq = le.Uint64(b[16:])
	bi.Mft = GuestPtr(le.Uint64(b[24:]))
	bi.Cmdline = GuestPtr(le.Uint64(b[32:]))
	bi.EpollFd = le.Uint64(b[40:])
	bi.TimerFd = le.Uint64(b[48:])
}

func (bi *BootInfo) Encode(b []byte) {
	le.PutUint64(b[0:], bi.MemSize)
	le.PutUint64(b[8:], bi.KernelEnd)
	le.PutUint64(b[16:], bi.CPUCycleFreq)
	le.PutUint64(b[24:], uint64(bi.Mft))
	le.PutUint64(b[32:], uint64(bi.Cmdline))
	le.PutUint64(b[40:], bi.EpollFd)
	le.PutUint64(b[48:], bi.TimerFd)
}
