// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tender

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/solo5/solo5-go/abi"
)

// BuildCmdline joins the guest arguments into the single NUL-terminated
// command line string handed to the guest.
func BuildCmdline(args []string) (string, error) {
	cmdline := strings.Join(args, " ")
	if len(cmdline) >= abi.CmdlineSize {
		return "", errors.Errorf("guest command line too long (max=%d characters)",
			abi.CmdlineSize-1)
	}
	return cmdline, nil
}

// InitBootInfo lays out the boot info block in guest low memory at
// t.BootInfoBase: the structure itself, followed by a copy of the manifest,
// followed by the command line area. kernelEnd is the first byte after the
// loaded image; extra carries backend-specific fields (spt's epollfd and
// timerfd).
func (t *Tender) InitBootInfo(kernelEnd uint64, guestArgs []string, extra abi.BootInfo) error {
	if t.BootInfoBase == 0 || t.CPUCycleFreq == 0 {
		return errors.New("boot info base or cycle frequency not initialised")
	}
	mftCopy := t.Mft.Marshal()
	pos := uint64(t.BootInfoBase)

	biSlice, err := t.CheckedSlice(t.BootInfoBase, abi.BootInfoSize)
	if err != nil {
		return err
	}
	pos += abi.BootInfoSize

	mftGpa := abi.GuestPtr(pos)
	mftSlice, err := t.CheckedSlice(mftGpa, uint64(len(mftCopy)))
	if err != nil {
		return err
	}
	copy(mftSlice, mftCopy)
	pos += uint64(len(mftCopy))

	cmdline, err := BuildCmdline(guestArgs)
	if err != nil {
		return err
	}
	cmdlineGpa := abi.GuestPtr(pos)
	cmdlineSlice, err := t.CheckedSlice(cmdlineGpa, abi.CmdlineSize)
	if err != nil {
		return err
	}
	copy(cmdlineSlice, cmdline)
	cmdlineSlice[len(cmdline)] = 0

	bi := abi.BootInfo{
		MemSize:      t.MemSize(),
		KernelEnd:    kernelEnd,
		CPUCycleFreq: t.CPUCycleFreq,
		Mft:          mftGpa,
		Cmdline:      cmdlineGpa,
		EpollFd:      extra.EpollFd,
		TimerFd:      extra.TimerFd,
	}
	bi.Encode(biSlice)
	return nil
}
