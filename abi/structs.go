// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package abi

import "encoding/binary"

// Each hypercall has a fixed request structure laid out identically in guest
// and host memory. The guest passes the GuestPtr of the structure; the tender
// reads the "in" fields and writes the "out" fields back in place while the
// VCPU is paused.
//
// All fields are 64-bit little-endian words, so a structure of N fields
// occupies exactly 8*N bytes. Decode/Encode operate on a checked slice of
// guest memory covering the structure.

var le = binary.LittleEndian

// Walltime returns the host wall clock.
type Walltime struct {
	Nsecs uint64 // out: CLOCK_REALTIME in nanoseconds
}

// WalltimeSize is the size of the Walltime request structure.
const WalltimeSize = 8

func (w *Walltime) Decode(b []byte) {
	w.Nsecs = le.Uint64(b[0:])
}

func (w *Walltime) Encode(b []byte) {
	le.PutUint64(b[0:], w.Nsecs)
}

// Puts writes guest bytes to the tender's stdout.
type Puts struct {
	Data GuestPtr // in: buffer
	Len  uint64   // in: length in bytes
}

const PutsSize = 16

func (p *Puts) Decode(b []byte) {
	p.Data = GuestPtr(le.Uint64(b[0:]))
	p.Len = le.Uint64(b[8:])
}

func (p *Puts) Encode(b []byte) {
	le.PutUint64(b[0:], uint64(p.Data))
	le.PutUint64(b[8:], p.Len)
}

// Poll suspends the guest until a registered device is readable or the
// timeout expires.
type Poll struct {
	TimeoutNsecs uint64 // in: relative timeout
	ReadySet     uint64 // out: bitmap over solo5 handles
	Ret          uint64 // out: number of ready handles
}

const PollSize = 24

func (p *Poll) Decode(b []byte) {
	p.TimeoutNsecs = le.Uint64(b[0:])
	p.ReadySet = le.Uint64(b[8:])
	p.Ret = le.Uint64(b[16:])
}

func (p *Poll) Encode(b []byte) {
	le.PutUint64(b[0:], p.TimeoutNsecs)
	le.PutUint64(b[8:], p.ReadySet)
	le.PutUint64(b[16:], p.Ret)
}

// BlkWrite is a single-sector synchronous write.
type BlkWrite struct {
	Handle uint64   // in: manifest index of a BLOCK_BASIC device
	Offset uint64   // in: byte offset, block-size aligned
	Data   GuestPtr // in: source buffer
	Len    uint64   // in: length, must equal the block size
	Ret    Result   // out
}

const BlkWriteSize = 40

func (w *BlkWrite) Decode(b []byte) {
	w.Handle = le.Uint64(b[0:])
	w.Offset = le.Uint64(b[8:])
	w.Data = GuestPtr(le.Uint64(b[16:]))
	w.Len = le.Uint64(b[24:])
	w.Ret = Result(le.Uint64(b[32:]))
}

func (w *BlkWrite) Encode(b []byte) {
	le.PutUint64(b[0:], w.Handle)
	le.PutUint64(b[8:], w.Offset)
	le.PutUint64(b[16:], uint64(w.Data))
	le.PutUint64(b[24:], w.Len)
	le.PutUint64(b[32:], uint64(w.Ret))
}

// BlkRead is a single-sector synchronous read.
type BlkRead struct {
	Handle uint64   // in
	Offset uint64   // in
	Data   GuestPtr // in: destination buffer
	Len    uint64   // in: length, must equal the block size
	Ret    Result   // out
}

const BlkReadSize = 40

func (r *BlkRead) Decode(b []byte) {
	r.Handle = le.Uint64(b[0:])
	r.Offset = le.Uint64(b[8:])
	r.Data = GuestPtr(le.Uint64(b[16:]))
	r.Len = le.Uint64(b[24:])
	r.Ret = Result(le.Uint64(b[32:]))
}

func (r *BlkRead) Encode(b []byte) {
	le.PutUint64(b[0:], r.Handle)
	le.PutUint64(b[8:], r.Offset)
	le.PutUint64(b[16:], uint64(r.Data))
	le.PutUint64(b[24:], r.Len)
	le.PutUint64(b[32:], uint64(r.Ret))
}

// NetWrite transmits one ethernet frame.
type NetWrite struct {
	Handle uint64   // in: manifest index of a NET_BASIC device
	Data   GuestPtr // in: frame
	Len    uint64   // in: frame length, at most MTU plus ethernet header
	Ret    Result   // out
}

const NetWriteSize = 32

func (w *NetWrite) Decode(b []byte) {
	w.Handle = le.Uint64(b[0:])
	w.Data = GuestPtr(le.Uint64(b[8:]))
	w.Len = le.Uint64(b[16:])
	w.Ret = Result(le.Uint64(b[24:]))
}

func (w *NetWrite) Encode(b []byte) {
	le.PutUint64(b[0:], w.Handle)
	le.PutUint64(b[8:], uint64(w.Data))
	le.PutUint64(b[16:], w.Len)
	le.PutUint64(b[24:], uint64(w.Ret))
}

// NetRead receives at most one ethernet frame.
type NetRead struct {
	Handle uint64   // in
	Data   GuestPtr // in: destination buffer
	Len    uint64   // in: buffer size; out: frame length read
	Ret    Result   // out
}

const NetReadSize = 32

func (r *NetRead) Decode(b []byte) {
	r.Handle = le.Uint64(b[0:])
	r.Data = GuestPtr(le.Uint64(b[8:]))
	r.Len = le.Uint64(b[16:])
	r.Ret = Result(le.Uint64(b[24:]))
}

func (r *NetRead) Encode(b []byte) {
	le.PutUint64(b[0:], r.Handle)
	le.PutUint64(b[8:], uint64(r.Data))
	le.PutUint64(b[16:], r.Len)
	le.PutUint64(b[24:], uint64(r.Ret))
}

// Halt terminates the guest. Cookie, if non-zero, points to at most
// HaltCookieMax bytes of guest state passed to halt hooks.
type Halt struct {
	Cookie     GuestPtr // in: optional
	ExitStatus uint64   // in
}

const HaltSize = 16

func (h *Halt) Decode(b []byte) {
	h.Cookie = GuestPtr(le.Uint64(b[0:]))
	h.ExitStatus = le.Uint64(b[8:])
}

func (h *Halt) Encode(b []byte) {
	le.PutUint64(b[0:], uint64(h.Cookie))
	le.PutUint64(b[8:], h.ExitStatus)
}
