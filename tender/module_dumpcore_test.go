// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tender

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/mft"
)

type fakePrstatus struct {
	blob []byte
	// the cookie observed on the last call
	cookie []byte
}

func (f *fakePrstatus) Prstatus(cookie []byte) ([]byte, error) {
	f.cookie = cookie
	return f.blob, nil
}

// mmapTender builds a tender over mmap'd guest memory, as required by the
// mincore-driven sparse dump.
func mmapTender(t *testing.T) *Tender {
	mem, err := unix.Mmap(-1, 0, testMemSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Munmap(mem) })

	tn, err := NewTender(mem, 0, mft.New())
	require.NoError(t, err)
	return tn
}

func TestDumpcore(t *testing.T) {
	assert := assert.New(t)
	tn := mmapTender(t)
	dir := t.TempDir()

	src := &fakePrstatus{blob: make([]byte, 336)}
	for i := range src.blob {
		src.blob[i] = byte(i)
	}
	dm := NewDumpcoreModule(src, 62 /* EM_X86_64 */)
	ok, err := dm.HandleCmdarg("--dumpcore="+dir, mft.New())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, dm.Setup(tn))

	// Touch a couple of pages so they land in the dump.
	copy(tn.Mem[0x100000:], "guest text")
	copy(tn.Mem[0x180000:], "guest heap")

	// An abort with a trap-state cookie produces the core.
	copy(tn.Mem[0x2000:], "trapframe")
	h := abi.Halt{Cookie: 0x2000, ExitStatus: abi.ExitAbort}
	h.Encode(tn.Mem[0x100:])
	halted, status, err := tn.Dispatch(abi.HypercallHalt, 0x100)
	require.NoError(t, err)
	assert.True(halted)
	assert.Equal(abi.ExitAbort, status)
	assert.Equal([]byte("trapframe"), src.cookie[:9])

	corePath := filepath.Join(dir, "core.solo5-hvt."+strconv.Itoa(os.Getpid()))
	f, err := elf.Open(corePath)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(elf.ET_CORE, f.Type)
	assert.Equal(elf.EM_X86_64, f.Machine)
	require.Len(t, f.Progs, 2)

	note := f.Progs[0]
	assert.Equal(elf.PT_NOTE, note.Type)
	raw := make([]byte, note.Filesz)
	_, err = note.ReadAt(raw, 0)
	require.NoError(t, err)
	// Nhdr: namesz=8 ("CORE"), descsz=336, type=NT_PRSTATUS.
	assert.Equal(uint32(8), le32(raw[0:]))
	assert.Equal(uint32(336), le32(raw[4:]))
	assert.Equal(uint32(1), le32(raw[8:]))
	assert.Equal("CORE", string(raw[12:16]))
	assert.Equal(src.blob, raw[20:])

	load := f.Progs[1]
	assert.Equal(elf.PT_LOAD, load.Type)
	assert.Equal(uint64(testMemSize), load.Memsz)
	assert.Equal(uint64(testMemSize), load.Filesz)

	// Touched guest memory is present at its guest offset.
	mem := make([]byte, 16)
	_, err = load.ReadAt(mem, 0x180000)
	require.NoError(t, err)
	assert.Equal([]byte("guest heap"), mem[:10])
}

func TestDumpcoreOnlyOnAbort(t *testing.T) {
	tn := mmapTender(t)
	dir := t.TempDir()

	dm := NewDumpcoreModule(&fakePrstatus{blob: make([]byte, 336)}, 62)
	ok, err := dm.HandleCmdarg("--dumpcore="+dir, mft.New())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, dm.Setup(tn))

	h := abi.Halt{ExitStatus: 0}
	h.Encode(tn.Mem[0x100:])
	_, _, err = tn.Dispatch(abi.HypercallHalt, 0x100)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDumpcoreSetupRejectsBadDir(t *testing.T) {
	tn := mmapTender(t)
	dm := NewDumpcoreModule(&fakePrstatus{}, 62)
	ok, err := dm.HandleCmdarg("--dumpcore="+filepath.Join(t.TempDir(), "missing"),
		mft.New())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Error(t, dm.Setup(tn))
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
