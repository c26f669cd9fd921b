// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package elfloader loads a guest ELF executable into guest memory with
// correct page protections, and extracts the Solo5-owned NOTE carrying the
// application manifest.
//
// The loader is deliberately backend-independent: page protections are
// applied through a callback so each tender can additionally manipulate
// guest-side protections.
package elfloader

import (
	"io"
	"math/bits"
	"os"
	"runtime"

	"github.com/pkg/errors"
)

// Page protection flags, as for mprotect(2).
const (
	ProtNone  = 0x0
	ProtRead  = 0x1
	ProtWrite = 0x2
	ProtExec  = 0x4
)

// MprotectFn applies protection flags to the guest memory range
// [addrStart, addrEnd). Backends layer their own guest-side handling on top;
// host-side executability of guest pages is always cleared by the backend.
type MprotectFn func(addrStart, addrEnd uint64, prot int) error

// Image describes a successfully loaded guest executable.
type Image struct {
	// Entry is the program entry point (guest physical address).
	Entry uint64
	// End is the first byte after the highest loaded segment, aligned up to
	// the segment alignment.
	End uint64
	// TLSSize is the memory size of the PT_TLS segment, or zero.
	TLSSize uint32
}

// ELF constants used by the loader; only what the format checks need.
const (
	ehdrSize = 64
	phdrSize = 56

	elfClass64   = 2
	elfData2LSB  = 1
	etExec       = 2
	emX8664      = 62
	emAArch64    = 183
	ptLoad       = 1
	ptNote       = 4
	ptTLS        = 7
	pfX          = 0x1
	pfW          = 0x2
	pfR          = 0x4
	nhdrSize     = 12
)

func hostMachine() uint16 {
	switch runtime.GOARCH {
	case "amd64":
		return emX8664
	case "arm64":
		return emAArch64
	}
	return 0
}

type ehdr struct {
	machine   uint16
	entry     uint64
	phOff     uint64
	phEntSize uint16
	phNum     uint16
}

type phdr struct {
	typ    uint32
	flags  uint32
	offset uint64
	paddr  uint64
	fileSz uint64
	memSz  uint64
	align  uint64
}

func readEhdr(f *os.File) (*ehdr, error) {
	var b [ehdrSize]byte
	if _, err := f.ReadAt(b[:], 0); err != nil {
		return nil, errors.Wrap(err, "reading ELF header")
	}
	if b[0] != 0x7f || b[1] != 'E' || b[2] != 'L' || b[3] != 'F' {
		return nil, errors.New("not an ELF executable")
	}
	if b[4] != elfClass64 || b[5] != elfData2LSB {
		return nil, errors.New("not a little-endian ELF64 executable")
	}
	h := &ehdr{
		machine:   le.Uint16(b[18:]),
		entry:     le.Uint64(b[24:]),
		phOff:     le.Uint64(b[32:]),
		phEntSize: le.Uint16(b[54:]),
		phNum:     le.Uint16(b[56:]),
	}
	if le.Uint16(b[16:]) != etExec {
		return nil, errors.New("not an ET_EXEC executable")
	}
	if h.machine != hostMachine() {
		return nil, errors.New("executable is for a foreign architecture")
	}
	if h.phEntSize != phdrSize {
		return nil, errors.New("unexpected program header size")
	}
	return h, nil
}

func readPhdrs(f *os.File, h *ehdr) ([]phdr, error) {
	buf := make([]byte, int(h.phNum)*phdrSize)
	if _, err := f.ReadAt(buf, int64(h.phOff)); err != nil {
		return nil, errors.Wrap(err, "reading program headers")
	}
	phdrs := make([]phdr, h.phNum)
	for i := range phdrs {
		b := buf[i*phdrSize:]
		phdrs[i] = phdr{
			typ:    le.Uint32(b[0:]),
			flags:  le.Uint32(b[4:]),
			offset: le.Uint64(b[8:]),
			paddr:  le.Uint64(b[24:]),
			fileSz: le.Uint64(b[32:]),
			memSz:  le.Uint64(b[40:]),
			align:  le.Uint64(b[48:]),
		}
	}
	return phdrs, nil
}

// Load maps all PT_LOAD segments of the executable at f into mem, applying
// page protections through mprotect. memBase is the guest address of
// mem[0]; segments must lie within [minLoadAddr, memBase+len(mem)) and a
// segment requesting both write and execute permission is rejected.
func Load(f *os.File, mem []byte, memBase, minLoadAddr uint64, mprotect MprotectFn) (*Image, error) {
	memSize := memBase + uint64(len(mem))
	if minLoadAddr < memBase {
		return nil, errors.New("minimum load address below guest memory")
	}
	h, err := readEhdr(f)
	if err != nil {
		return nil, err
	}
	phdrs, err := readPhdrs(f, h)
	if err != nil {
		return nil, err
	}

	img := &Image{Entry: h.entry}
	for i := range phdrs {
		p := &phdrs[i]
		if p.typ == ptTLS {
			img.TLSSize = uint32(p.memSz)
			continue
		}
		if p.typ != ptLoad {
			continue
		}

		fileEnd, c1 := addOverflow(p.paddr, p.fileSz)
		memEnd, c2 := addOverflow(p.paddr, p.memSz)
		if p.paddr < minLoadAddr || p.paddr >= memSize ||
			c1 || fileEnd > memSize || c2 || memEnd > memSize {
			return nil, errors.Errorf("phdr[%d] out of guest memory bounds", i)
		}

		// align_up(paddr + memsz, align), with align verified to be a
		// power of two.
		end := memEnd
		if p.align > 0 {
			if p.align&(p.align-1) != 0 {
				return nil, errors.Errorf("phdr[%d] has invalid alignment", i)
			}
			var c bool
			end, c = addOverflow(memEnd, p.align-1)
			if c {
				return nil, errors.Errorf("phdr[%d] out of guest memory bounds", i)
			}
			end &= ^(p.align - 1)
			if end > memSize {
				return nil, errors.Errorf("phdr[%d] out of guest memory bounds", i)
			}
		}
		if end > img.End {
			img.End = end
		}

		if _, err := io.ReadFull(io.NewSectionReader(f, int64(p.offset),
			int64(p.fileSz)), mem[p.paddr-memBase:fileEnd-memBase]); err != nil {
			return nil, errors.Wrapf(err, "reading phdr[%d] contents", i)
		}
		for j := fileEnd - memBase; j < memEnd-memBase; j++ {
			mem[j] = 0
		}

		prot := ProtNone
		if p.flags&pfR != 0 {
			prot |= ProtRead
		}
		if p.flags&pfW != 0 {
			prot |= ProtWrite
		}
		if p.flags&pfX != 0 {
			prot |= ProtExec
		}
		if prot&ProtWrite != 0 && prot&ProtExec != 0 {
			return nil, errors.Errorf("phdr[%d] requests WRITE and EXEC permissions", i)
		}
		if err := mprotect(p.paddr, end, prot); err != nil {
			return nil, errors.Wrapf(err, "applying phdr[%d] protections", i)
		}
	}
	if img.Entry < minLoadAddr || img.Entry >= memSize {
		return nil, errors.New("entry point out of guest memory bounds")
	}
	return img, nil
}

func addOverflow(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry != 0
}
