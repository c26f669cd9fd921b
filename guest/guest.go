// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package guest implements the guest-side bindings: the small POSIX-free
// solo5 API built on top of the hypercall ABI.
//
// The bindings are transport-agnostic. On hvt the transport is an I/O port
// write of the request address; on spt, where guest and tender share an
// address space, hypercalls are direct calls into the tender's dispatcher.
// Either way the bindings pack their request structures into guest memory
// and hand the guest address to the transport.
package guest

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/mft"
)

var le = binary.LittleEndian

// Hypercall delivers one hypercall to the tender: nr identifies the call,
// gpa is the guest address of its request structure. The tender pauses the
// caller for the duration.
type Hypercall func(nr int, gpa abi.GuestPtr) error

// Handle names an acquired device; it is the device's manifest index.
type Handle uint64

// NetInfo describes an acquired network device.
type NetInfo struct {
	MAC [6]byte
	MTU uint16
}

// BlockInfo describes an acquired block device.
type BlockInfo struct {
	Capacity  uint64
	BlockSize uint16
}

// scratch area layout, carved from the start of the guest heap: one request
// structure followed by an I/O bounce buffer.
const (
	scratchReqSize = 64
	scratchBufSize = 2048
)

// Env is the guest execution environment, established from the boot info
// block the tender placed in low memory.
type Env struct {
	mem     []byte
	memBase uint64

	// BootInfo is the decoded boot information block.
	BootInfo abi.BootInfo
	// Cmdline is the guest command line.
	Cmdline string

	mft  *mft.Manifest
	call Hypercall

	scratchReq abi.GuestPtr
	scratchBuf abi.GuestPtr
}

// NewEnv establishes the guest environment: it decodes the boot info block
// at bootInfoBase, parses the manifest copy and the command line, and
// reserves a request scratch area at the bottom of the guest heap. memBase
// is the guest address of mem[0].
func NewEnv(mem []byte, memBase uint64, bootInfoBase abi.GuestPtr, call Hypercall) (*Env, error) {
	e := &Env{mem: mem, memBase: memBase, call: call}

	b, err := e.slice(bootInfoBase, abi.BootInfoSize)
	if err != nil {
		return nil, errors.Wrap(err, "boot info out of bounds")
	}
	e.BootInfo.Decode(b)
	if e.BootInfo.MemSize != memBase+uint64(len(mem)) {
		return nil, errors.New("boot info memory size does not match")
	}

	mftHdr, err := e.slice(e.BootInfo.Mft, mft.HeaderSize)
	if err != nil {
		return nil, errors.Wrap(err, "manifest out of bounds")
	}
	entries := uint64(le.Uint32(mftHdr[4:]))
	mftRaw, err := e.slice(e.BootInfo.Mft, mft.HeaderSize+entries*mft.EntrySize)
	if err != nil {
		return nil, errors.Wrap(err, "manifest out of bounds")
	}
	e.mft, err = mft.UnmarshalBootInfo(mftRaw)
	if err != nil {
		return nil, err
	}

	cl, err := e.slice(e.BootInfo.Cmdline, abi.CmdlineSize)
	if err != nil {
		return nil, errors.Wrap(err, "command line out of bounds")
	}
	n := 0
	for n < len(cl) && cl[n] != 0 {
		n++
	}
	e.Cmdline = string(cl[:n])

	// Request scratch at the bottom of the heap, 8-byte aligned.
	e.scratchReq = abi.GuestPtr((e.BootInfo.KernelEnd + 7) &^ 7)
	e.scratchBuf = e.scratchReq + scratchReqSize
	if _, err := e.slice(e.scratchReq, scratchReqSize+scratchBufSize); err != nil {
		return nil, errors.Wrap(err, "no room for hypercall scratch area")
	}
	return e, nil
}

// Manifest returns the booted manifest.
func (e *Env) Manifest() *mft.Manifest {
	return e.mft
}

func (e *Env) slice(p abi.GuestPtr, size uint64) ([]byte, error) {
	start := uint64(p)
	if start < e.memBase || start+size < start ||
		start+size > e.memBase+uint64(len(e.mem)) {
		return nil, errors.Errorf("guest address 0x%x+%d out of bounds", start, size)
	}
	return e.mem[start-e.memBase : start-e.memBase+size], nil
}

func (e *Env) req(size uint64) []byte {
	b, err := e.slice(e.scratchReq, size)
	if err != nil {
		panic(err)
	}
	return b
}

// ConsoleWrite writes buf to the console. Console output is copied verbatim
// to the tender's stdout.
func (e *Env) ConsoleWrite(buf []byte) error {
	for len(buf) > 0 {
		n := uint64(len(buf))
		if n > scratchBufSize {
			n = scratchBufSize
		}
		data, err := e.slice(e.scratchBuf, n)
		if err != nil {
			return err
		}
		copy(data, buf[:n])

		var p abi.Puts
		p.Data = e.scratchBuf
		p.Len = n
		p.Encode(e.req(abi.PutsSize))
		if err := e.call(abi.HypercallPuts, e.scratchReq); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// ClockWall returns wall clock time in nanoseconds since the epoch.
func (e *Env) ClockWall() (uint64, error) {
	b := e.req(abi.WalltimeSize)
	var wt abi.Walltime
	wt.Encode(b)
	if err := e.call(abi.HypercallWalltime, e.scratchReq); err != nil {
		return 0, err
	}
	wt.Decode(b)
	return wt.Nsecs, nil
}

// Yield suspends execution until a device becomes readable or timeoutNsecs
// elapses, whichever is sooner. It returns the set of ready handles as a
// bitmap over manifest indexes.
func (e *Env) Yield(timeoutNsecs uint64) (uint64, error) {
	b := e.req(abi.PollSize)
	p := abi.Poll{TimeoutNsecs: timeoutNsecs}
	p.Encode(b)
	if err := e.call(abi.HypercallPoll, e.scratchReq); err != nil {
		return 0, err
	}
	p.Decode(b)
	return p.ReadySet, nil
}

// Exit halts execution with the given status. cookie, if non-zero, points
// at guest state passed to the tender's halt hooks.
func (e *Env) Exit(status int, cookie abi.GuestPtr) error {
	b := e.req(abi.HaltSize)
	h := abi.Halt{Cookie: cookie, ExitStatus: uint64(status)}
	h.Encode(b)
	return e.call(abi.HypercallHalt, e.scratchReq)
}

// NetAcquire acquires the network device declared under name in the
// manifest.
func (e *Env) NetAcquire(name string) (Handle, NetInfo, error) {
	entry, idx := e.mft.GetByName(name, mft.TypeNetBasic)
	if entry == nil || !entry.Attached {
		return 0, NetInfo{}, errors.Errorf("no attached network device '%s'", name)
	}
	return Handle(idx), NetInfo{MAC: entry.MAC, MTU: entry.MTU}, nil
}

// NetWrite transmits one ethernet frame.
func (e *Env) NetWrite(h Handle, frame []byte) (abi.Result, error) {
	if uint64(len(frame)) > scratchBufSize {
		return abi.REinval, nil
	}
	data, err := e.slice(e.scratchBuf, uint64(len(frame)))
	if err != nil {
		return 0, err
	}
	copy(data, frame)

	b := e.req(abi.NetWriteSize)
	wr := abi.NetWrite{Handle: uint64(h), Data: e.scratchBuf, Len: uint64(len(frame))}
	wr.Encode(b)
	if err := e.call(abi.HypercallNetWrite, e.scratchReq); err != nil {
		return 0, err
	}
	wr.Decode(b)
	return wr.Ret, nil
}

// NetRead receives at most one ethernet frame into buf, returning the frame
// length. A result of RAgain means no frame was available.
func (e *Env) NetRead(h Handle, buf []byte) (int, abi.Result, error) {
	size := uint64(len(buf))
	if size > scratchBufSize {
		size = scratchBufSize
	}
	b := e.req(abi.NetReadSize)
	rd := abi.NetRead{Handle: uint64(h), Data: e.scratchBuf, Len: size}
	rd.Encode(b)
	if err := e.call(abi.HypercallNetRead, e.scratchReq); err != nil {
		return 0, 0, err
	}
	rd.Decode(b)
	if rd.Ret != abi.ROk {
		return 0, rd.Ret, nil
	}
	data, err := e.slice(e.scratchBuf, rd.Len)
	if err != nil {
		return 0, 0, err
	}
	copy(buf, data)
	return int(rd.Len), abi.ROk, nil
}

// BlockAcquire acquires the block device declared under name in the
// manifest.
func (e *Env) BlockAcquire(name string) (Handle, BlockInfo, error) {
	entry, idx := e.mft.GetByName(name, mft.TypeBlockBasic)
	if entry == nil || !entry.Attached {
		return 0, BlockInfo{}, errors.Errorf("no attached block device '%s'", name)
	}
	return Handle(idx), BlockInfo{Capacity: entry.Capacity, BlockSize: entry.BlockSize}, nil
}

// BlockWrite writes data at the sector-aligned byte offset. len(data) must
// equal the device block size.
func (e *Env) BlockWrite(h Handle, offset uint64, data []byte) (abi.Result, error) {
	if uint64(len(data)) > scratchBufSize {
		return abi.REinval, nil
	}
	buf, err := e.slice(e.scratchBuf, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	copy(buf, data)

	b := e.req(abi.BlkWriteSize)
	wr := abi.BlkWrite{
		Handle: uint64(h), Offset: offset,
		Data: e.scratchBuf, Len: uint64(len(data)),
	}
	wr.Encode(b)
	if err := e.call(abi.HypercallBlkWrite, e.scratchReq); err != nil {
		return 0, err
	}
	wr.Decode(b)
	return wr.Ret, nil
}

// BlockRead reads len(buf) bytes at the sector-aligned byte offset.
// len(buf) must equal the device block size.
func (e *Env) BlockRead(h Handle, offset uint64, buf []byte) (abi.Result, error) {
	if uint64(len(buf)) > scratchBufSize {
		return abi.REinval, nil
	}
	b := e.req(abi.BlkReadSize)
	rd := abi.BlkRead{
		Handle: uint64(h), Offset: offset,
		Data: e.scratchBuf, Len: uint64(len(buf)),
	}
	rd.Encode(b)
	if err := e.call(abi.HypercallBlkRead, e.scratchReq); err != nil {
		return 0, err
	}
	rd.Decode(b)
	if rd.Ret != abi.ROk {
		return rd.Ret, nil
	}
	data, err := e.slice(e.scratchBuf, uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	copy(buf, data)
	return abi.ROk, nil
}
