// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tender

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/mft"
)

// BlockModule attaches host files or block devices to BLOCK_BASIC manifest
// entries and implements the block hypercalls.
type BlockModule struct {
	inUse bool
	rules []SeccompRule
}

// NewBlockModule returns the block device module.
func NewBlockModule() *BlockModule {
	return &BlockModule{}
}

func (bm *BlockModule) Name() string {
	return "block"
}

func (bm *BlockModule) Usage() string {
	return "--block:NAME=PATH (attach block device/file at PATH as block storage NAME)"
}

func (bm *BlockModule) HandleCmdarg(arg string, m *mft.Manifest) (bool, error) {
	if !strings.HasPrefix(arg, "--block:") {
		return false, nil
	}
	name, path, err := splitNameValue(arg[len("--block:"):])
	if err != nil {
		return true, err
	}
	e, _ := m.GetByName(name, mft.TypeBlockBasic)
	if e == nil {
		return true, errors.Errorf("resource not declared in manifest: '%s'", name)
	}
	fd, capacity, err := BlockAttach(path)
	if err != nil {
		return true, err
	}
	e.Capacity = capacity
	e.BlockSize = BlockSectorSize
	e.HostFd = int64(fd)
	e.Attached = true
	bm.inUse = true

	// When backed by a regular file, bounding the offset stops the guest
	// from growing the file through its own syscalls under spt.
	conds := []SeccompCond{
		{Arg: 0, Op: SeccompEqual, Value: uint64(fd)},
		{Arg: 2, Op: SeccompEqual, Value: BlockSectorSize},
		{Arg: 3, Op: SeccompLessOrEqual, Value: capacity - BlockSectorSize},
	}
	bm.rules = append(bm.rules,
		SeccompRule{Syscall: "pread64", Conds: conds},
		SeccompRule{Syscall: "pwrite64", Conds: conds})
	return true, nil
}

func (bm *BlockModule) Setup(t *Tender) error {
	if !bm.inUse {
		return nil
	}
	if err := t.RegisterHypercall(abi.HypercallBlkWrite, hypercallBlkWrite); err != nil {
		return err
	}
	return t.RegisterHypercall(abi.HypercallBlkRead, hypercallBlkRead)
}

// SeccompRules allows pread64/pwrite64 scoped to each attached fd, the
// exact sector size and the device's offset range.
func (bm *BlockModule) SeccompRules() []SeccompRule {
	return bm.rules
}

// checkBlockRequest validates the common block I/O preconditions: a valid
// attached handle, in-range offset and exact sector-sized, sector-aligned
// length.
func checkBlockRequest(m *mft.Manifest, handle, offset, length uint64) (*mft.Entry, abi.Result) {
	e := m.GetByIndex(handle, mft.TypeBlockBasic)
	if e == nil || !e.Attached {
		return nil, abi.REinval
	}
	if length != uint64(e.BlockSize) || offset%uint64(e.BlockSize) != 0 {
		return nil, abi.REinval
	}
	if offset >= e.Capacity || offset+length > e.Capacity {
		return nil, abi.REinval
	}
	return e, abi.ROk
}

func hypercallBlkWrite(t *Tender, gpa abi.GuestPtr) error {
	b, err := t.CheckedSlice(gpa, abi.BlkWriteSize)
	if err != nil {
		return err
	}
	var wr abi.BlkWrite
	wr.Decode(b)

	e, res := checkBlockRequest(t.Mft, wr.Handle, wr.Offset, wr.Len)
	if res != abi.ROk {
		wr.Ret = res
		wr.Encode(b)
		return nil
	}
	data, err := t.CheckedSlice(wr.Data, wr.Len)
	if err != nil {
		return err
	}

	written, err := unix.Pwrite(int(e.HostFd), data, int64(wr.Offset))
	if err != nil || uint64(written) != wr.Len {
		wr.Ret = abi.REunspec
	} else {
		wr.Ret = abi.ROk
	}
	wr.Encode(b)
	return nil
}

func hypercallBlkRead(t *Tender, gpa abi.GuestPtr) error {
	b, err := t.CheckedSlice(gpa, abi.BlkReadSize)
	if err != nil {
		return err
	}
	var rd abi.BlkRead
	rd.Decode(b)

	e, res := checkBlockRequest(t.Mft, rd.Handle, rd.Offset, rd.Len)
	if res != abi.ROk {
		rd.Ret = res
		rd.Encode(b)
		return nil
	}
	data, err := t.CheckedSlice(rd.Data, rd.Len)
	if err != nil {
		return err
	}

	got, err := unix.Pread(int(e.HostFd), data, int64(rd.Offset))
	if err != nil || uint64(got) != rd.Len {
		rd.Ret = abi.REunspec
	} else {
		rd.Ret = abi.ROk
	}
	rd.Encode(b)
	return nil
}
