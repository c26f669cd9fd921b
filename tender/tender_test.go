// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tender

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/mft"
)

const testMemSize = 0x200000

func newTestTender(t *testing.T, m *mft.Manifest) *Tender {
	if m == nil {
		m = mft.New()
	}
	tn, err := NewTender(make([]byte, testMemSize), 0, m)
	require.NoError(t, err)
	return tn
}

func TestCheckedSlice(t *testing.T) {
	assert := assert.New(t)
	tn := newTestTender(t, nil)

	b, err := tn.CheckedSlice(0, 16)
	require.NoError(t, err)
	assert.Len(b, 16)

	// A range ending exactly at the memory size is valid.
	_, err = tn.CheckedSlice(testMemSize-16, 16)
	assert.NoError(err)

	_, err = tn.CheckedSlice(testMemSize-15, 16)
	assert.Error(err)
	_, err = tn.CheckedSlice(testMemSize, 1)
	assert.Error(err)

	// Overflowing gpa+size must not wrap around.
	_, err = tn.CheckedSlice(abi.GuestPtr(^uint64(0)-7), 16)
	assert.Error(err)
}

func TestCheckedSliceMemBase(t *testing.T) {
	assert := assert.New(t)
	m := mft.New()
	tn, err := NewTender(make([]byte, testMemSize-0x10000), 0x10000, m)
	require.NoError(t, err)

	assert.Equal(uint64(testMemSize), tn.MemSize())

	// Below the mapping base.
	_, err = tn.CheckedSlice(0x5000, 16)
	assert.Error(err)

	b, err := tn.CheckedSlice(0x10000, 4)
	require.NoError(t, err)
	b[0] = 0xaa
	assert.Equal(byte(0xaa), tn.Mem[0])
}

func TestRegisterHypercall(t *testing.T) {
	assert := assert.New(t)
	tn := newTestTender(t, nil)

	nop := func(*Tender, abi.GuestPtr) error { return nil }
	assert.NoError(tn.RegisterHypercall(abi.HypercallNetWrite, nop))
	assert.Error(tn.RegisterHypercall(abi.HypercallNetWrite, nop), "already registered")
	assert.Error(tn.RegisterHypercall(abi.HypercallMax, nop))
	assert.Error(tn.RegisterHypercall(-1, nop))
}

func TestDispatchUnknown(t *testing.T) {
	tn := newTestTender(t, nil)
	_, _, err := tn.Dispatch(abi.HypercallBlkWrite, 0)
	assert.Error(t, err)
}

func TestHypercallPuts(t *testing.T) {
	assert := assert.New(t)
	tn := newTestTender(t, nil)
	var out bytes.Buffer
	tn.Out = &out

	copy(tn.Mem[0x1000:], "hello, world")
	p := abi.Puts{Data: 0x1000, Len: 12}
	p.Encode(tn.Mem[0x100:])

	halted, _, err := tn.Dispatch(abi.HypercallPuts, 0x100)
	require.NoError(t, err)
	assert.False(halted)
	assert.Equal("hello, world", out.String())
}

func TestHypercallPutsBadPointer(t *testing.T) {
	tn := newTestTender(t, nil)
	p := abi.Puts{Data: testMemSize - 4, Len: 64}
	p.Encode(tn.Mem[0x100:])
	_, _, err := tn.Dispatch(abi.HypercallPuts, 0x100)
	assert.Error(t, err)
}

func TestHypercallWalltime(t *testing.T) {
	assert := assert.New(t)
	tn := newTestTender(t, nil)

	read := func() uint64 {
		_, _, err := tn.Dispatch(abi.HypercallWalltime, 0x100)
		require.NoError(t, err)
		var wt abi.Walltime
		wt.Decode(tn.Mem[0x100:])
		return wt.Nsecs
	}
	before := read()
	after := read()
	assert.NotZero(before)
	assert.GreaterOrEqual(after, before)
}

func TestHypercallPollTimeout(t *testing.T) {
	assert := assert.New(t)
	tn := newTestTender(t, nil)

	p := abi.Poll{TimeoutNsecs: 1000000} // 1ms
	p.Encode(tn.Mem[0x100:])
	start := time.Now()
	_, _, err := tn.Dispatch(abi.HypercallPoll, 0x100)
	require.NoError(t, err)
	elapsed := time.Since(start)

	p.Decode(tn.Mem[0x100:])
	assert.Zero(p.ReadySet)
	assert.Zero(p.Ret)
	assert.GreaterOrEqual(elapsed, 900*time.Microsecond)
	assert.Less(elapsed, 500*time.Millisecond)
}

func TestHypercallPollImmediate(t *testing.T) {
	assert := assert.New(t)
	tn := newTestTender(t, nil)

	// A zero timeout returns immediately with no events when nothing is
	// readable.
	p := abi.Poll{TimeoutNsecs: 0}
	p.Encode(tn.Mem[0x100:])
	_, _, err := tn.Dispatch(abi.HypercallPoll, 0x100)
	require.NoError(t, err)
	p.Decode(tn.Mem[0x100:])
	assert.Zero(p.ReadySet)
	assert.Zero(p.Ret)
}

func TestHypercallPollReadyFd(t *testing.T) {
	assert := assert.New(t)
	tn := newTestTender(t, nil)

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, tn.RegisterPollFd(fds[0], 3))

	_, err := unix.Write(fds[1], []byte{1})
	require.NoError(t, err)

	p := abi.Poll{TimeoutNsecs: uint64(time.Second)}
	p.Encode(tn.Mem[0x100:])
	_, _, err = tn.Dispatch(abi.HypercallPoll, 0x100)
	require.NoError(t, err)
	p.Decode(tn.Mem[0x100:])
	assert.Equal(uint64(1<<3), p.ReadySet)
	assert.Equal(uint64(1), p.Ret)
}

func TestHalt(t *testing.T) {
	assert := assert.New(t)
	tn := newTestTender(t, nil)

	var hookStatus []int
	var hookCookie []byte
	tn.RegisterHaltHook(func(_ *Tender, status int, cookie []byte) {
		hookStatus = append(hookStatus, status)
		hookCookie = cookie
	})
	tn.RegisterHaltHook(func(_ *Tender, status int, cookie []byte) {
		hookStatus = append(hookStatus, status+100)
	})

	copy(tn.Mem[0x2000:], "trapstate")
	h := abi.Halt{Cookie: 0x2000, ExitStatus: 255}
	h.Encode(tn.Mem[0x100:])

	halted, status, err := tn.Dispatch(abi.HypercallHalt, 0x100)
	require.NoError(t, err)
	assert.True(halted)
	assert.Equal(255, status)
	// Hooks run in registration order.
	assert.Equal([]int{255, 355}, hookStatus)
	require.Len(t, hookCookie, abi.HaltCookieMax)
	assert.Equal([]byte("trapstate"), hookCookie[:9])
}

func TestHaltNilCookie(t *testing.T) {
	assert := assert.New(t)
	tn := newTestTender(t, nil)

	var sawCookie []byte = []byte{0xff}
	tn.RegisterHaltHook(func(_ *Tender, _ int, cookie []byte) {
		sawCookie = cookie
	})
	h := abi.Halt{Cookie: 0, ExitStatus: 0}
	h.Encode(tn.Mem[0x100:])
	halted, status, err := tn.Dispatch(abi.HypercallHalt, 0x100)
	require.NoError(t, err)
	assert.True(halted)
	assert.Zero(status)
	assert.Nil(sawCookie)
}

func TestHaltBadCookie(t *testing.T) {
	tn := newTestTender(t, nil)
	// The cookie window must fit within guest memory.
	h := abi.Halt{Cookie: testMemSize - 16, ExitStatus: 0}
	h.Encode(tn.Mem[0x100:])
	_, _, err := tn.Dispatch(abi.HypercallHalt, 0x100)
	assert.Error(t, err)
}

func TestBuildCmdline(t *testing.T) {
	assert := assert.New(t)

	cl, err := BuildCmdline([]string{"foo", "bar baz", "quux"})
	require.NoError(t, err)
	assert.Equal("foo bar baz quux", cl)

	cl, err = BuildCmdline(nil)
	require.NoError(t, err)
	assert.Empty(cl)

	_, err = BuildCmdline([]string{string(make([]byte, abi.CmdlineSize))})
	assert.Error(err)
}

func TestInitBootInfo(t *testing.T) {
	assert := assert.New(t)
	m := mft.New()
	require.NoError(t, m.AppendEntry("disk", mft.TypeBlockBasic))
	tn := newTestTender(t, m)
	tn.CPUCycleFreq = 2000000000
	tn.BootInfoBase = 0x5000

	require.NoError(t, tn.InitBootInfo(0x140000, []string{"arg1", "arg2"},
		abi.BootInfo{EpollFd: 8, TimerFd: 9}))

	var bi abi.BootInfo
	bi.Decode(tn.Mem[0x5000:])
	assert.Equal(uint64(testMemSize), bi.MemSize)
	assert.Equal(uint64(0x140000), bi.KernelEnd)
	assert.Equal(uint64(2000000000), bi.CPUCycleFreq)
	assert.Equal(uint64(8), bi.EpollFd)
	assert.Equal(uint64(9), bi.TimerFd)
	assert.Equal(abi.GuestPtr(0x5000+abi.BootInfoSize), bi.Mft)

	got, err := mft.UnmarshalBootInfo(
		tn.Mem[bi.Mft : uint64(bi.Mft)+uint64(m.WireSize())])
	require.NoError(t, err)
	_, idx := got.GetByName("disk", mft.TypeBlockBasic)
	assert.Equal(uint64(1), idx)

	cmdline := tn.Mem[bi.Cmdline:]
	assert.Equal([]byte("arg1 arg2\x00"), cmdline[:10])
}

func TestInitBootInfoUninitialised(t *testing.T) {
	tn := newTestTender(t, nil)
	assert.Error(t, tn.InitBootInfo(0, nil, abi.BootInfo{}))
}
