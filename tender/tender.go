// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package tender implements the backend-independent core of the Solo5
// tenders: guest memory access validation, the hypercall dispatch table, the
// poll/wait scheduler and the device modules attaching host resources to
// manifest entries.
package tender

import (
	"io"
	"math/bits"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/mft"
)

var tenderLog = logrus.WithField("source", "tender")

// HypercallFn handles one hypercall. The VCPU is paused for the duration of
// the call; handlers run strictly synchronously and to completion. A non-nil
// error is fatal to the tender: the sandbox fails closed.
type HypercallFn func(t *Tender, gpa abi.GuestPtr) error

// HaltHook observes the guest halting. cookie is nil, or at most
// abi.HaltCookieMax bytes of guest memory the guest pointed the tender at.
type HaltHook func(t *Tender, status int, cookie []byte)

// Tender is the backend-independent tender state. Backends embed it in
// their own structures and feed VCPU exits into Dispatch.
type Tender struct {
	// Mem is the guest memory region, [MemBase, mem_size).
	Mem []byte
	// MemBase is the guest address of Mem[0]. Zero on hvt, where guest
	// addresses are offsets into guest memory. On spt guest and tender
	// share an address space: the low pages cannot be mapped, so the
	// region starts above them and guest pointers are host-virtual.
	MemBase uint64
	// CPUCycleFreq is the measured cycle counter frequency in Hz.
	CPUCycleFreq uint64
	// BootInfoBase is the guest address of the boot info block.
	BootInfoBase abi.GuestPtr
	// Mft is the validated manifest loaded from the guest executable.
	Mft *mft.Manifest

	// Out receives the guest's console output verbatim.
	Out io.Writer

	hypercalls [abi.HypercallMax]HypercallFn
	haltHooks  []HaltHook
	ws         *WaitSet
}

// NewTender returns a tender core over the given guest memory with the
// always-present hypercalls (walltime, puts, poll) registered and the wait
// set created. memBase is the guest address of mem[0].
func NewTender(mem []byte, memBase uint64, m *mft.Manifest) (*Tender, error) {
	ws, err := NewWaitSet()
	if err != nil {
		return nil, err
	}
	t := &Tender{
		Mem:     mem,
		MemBase: memBase,
		Mft:     m,
		Out:     os.Stdout,
		ws:      ws,
	}
	t.mustRegister(abi.HypercallWalltime, hypercallWalltime)
	t.mustRegister(abi.HypercallPuts, hypercallPuts)
	t.mustRegister(abi.HypercallPoll, hypercallPoll)
	return t, nil
}

// MemSize returns the guest memory size in bytes, counted from guest
// address zero.
func (t *Tender) MemSize() uint64 {
	return t.MemBase + uint64(len(t.Mem))
}

// WaitSet returns the tender's poll/wait scheduler.
func (t *Tender) WaitSet() *WaitSet {
	return t.ws
}

// CheckedSlice validates that [gpa, gpa+size) lies entirely within guest
// memory and returns the backing slice. Violations are reported as errors
// which the dispatch path treats as fatal: no partial out-of-bounds access
// is ever observable.
func (t *Tender) CheckedSlice(gpa abi.GuestPtr, size uint64) ([]byte, error) {
	end, carry := bits.Add64(uint64(gpa), size, 0)
	if uint64(gpa) < t.MemBase || carry != 0 || end > t.MemSize() {
		return nil, errors.Errorf("invalid guest access: gpa=0x%x, size=%d",
			uint64(gpa), size)
	}
	return t.Mem[uint64(gpa)-t.MemBase : end-t.MemBase], nil
}

// RegisterHypercall registers fn as the handler for hypercall nr. A number
// out of range or already taken is an error.
func (t *Tender) RegisterHypercall(nr int, fn HypercallFn) error {
	if nr < 0 || nr >= abi.HypercallMax {
		return errors.Errorf("hypercall number %d out of range", nr)
	}
	if t.hypercalls[nr] != nil {
		return errors.Errorf("hypercall %d already registered", nr)
	}
	t.hypercalls[nr] = fn
	return nil
}

func (t *Tender) mustRegister(nr int, fn HypercallFn) {
	if err := t.RegisterHypercall(nr, fn); err != nil {
		panic(err)
	}
}

// RegisterHaltHook registers fn to be called when the guest halts. Hooks
// run in registration order.
func (t *Tender) RegisterHaltHook(fn HaltHook) {
	t.haltHooks = append(t.haltHooks, fn)
}

// RegisterPollFd adds fd to the wait set. handle is the manifest index of
// the owning device and is reported back in the poll ready set.
func (t *Tender) RegisterPollFd(fd int, handle uint64) error {
	return t.ws.RegisterPollFd(fd, handle)
}

// Dispatch runs the handler for hypercall nr with the guest-supplied request
// address. It returns halted=true with the guest exit status when the guest
// invoked halt; after that no further hypercalls may be dispatched. A
// non-nil error is fatal to the tender.
func (t *Tender) Dispatch(nr int, gpa abi.GuestPtr) (halted bool, status int, err error) {
	if nr == abi.HypercallHalt {
		status, err = t.halt(gpa)
		return true, status, err
	}
	if nr < 0 || nr >= abi.HypercallMax || t.hypercalls[nr] == nil {
		return false, 0, errors.Errorf("invalid guest hypercall: num=%d", nr)
	}
	return false, 0, t.hypercalls[nr](t, gpa)
}

func (t *Tender) halt(gpa abi.GuestPtr) (int, error) {
	b, err := t.CheckedSlice(gpa, abi.HaltSize)
	if err != nil {
		return 0, err
	}
	var hc abi.Halt
	hc.Decode(b)

	// A non-zero cookie must point at readable guest state; the tender
	// reads at most HaltCookieMax bytes of it for the halt hooks.
	var cookie []byte
	if hc.Cookie != 0 {
		cookie, err = t.CheckedSlice(hc.Cookie, abi.HaltCookieMax)
		if err != nil {
			return 0, err
		}
	}
	for _, fn := range t.haltHooks {
		fn(t, int(hc.ExitStatus), cookie)
	}
	return int(hc.ExitStatus), nil
}

func hypercallWalltime(t *Tender, gpa abi.GuestPtr) error {
	b, err := t.CheckedSlice(gpa, abi.WalltimeSize)
	if err != nil {
		return err
	}
	nsecs, err := ClockRealtime()
	if err != nil {
		return err
	}
	wt := abi.Walltime{Nsecs: nsecs}
	wt.Encode(b)
	return nil
}

func hypercallPuts(t *Tender, gpa abi.GuestPtr) error {
	b, err := t.CheckedSlice(gpa, abi.PutsSize)
	if err != nil {
		return err
	}
	var p abi.Puts
	p.Decode(b)
	data, err := t.CheckedSlice(p.Data, p.Len)
	if err != nil {
		return err
	}
	if _, err := t.Out.Write(data); err != nil {
		return errors.Wrap(err, "writing guest console output")
	}
	return nil
}

func hypercallPoll(t *Tender, gpa abi.GuestPtr) error {
	b, err := t.CheckedSlice(gpa, abi.PollSize)
	if err != nil {
		return err
	}
	var p abi.Poll
	p.Decode(b)
	readySet, n, err := t.ws.Poll(p.TimeoutNsecs)
	if err != nil {
		return err
	}
	p.ReadySet = readySet
	p.Ret = uint64(n)
	p.Encode(b)
	return nil
}

// ClockRealtime returns the host wall clock in nanoseconds. Exposed for
// backends that report it outside the hypercall path.
func ClockRealtime() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return 0, errors.Wrap(err, "clock_gettime(CLOCK_REALTIME)")
	}
	return uint64(ts.Nano()), nil
}
