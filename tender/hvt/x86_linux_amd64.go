// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hvt

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Guest low memory map for x86_64. The lowest page is unused; the next
// pages hold the GDT, the page tables and the boot info block.
const (
	x86GDTBase      = 0x1000
	x86PML4Base     = 0x2000
	x86PDPTEBase    = 0x3000
	x86PDEBase      = 0x4000
	x86BootInfoBase = 0x5000

	// X86GuestMinBase is the lowest allowed load address for guest
	// executables.
	X86GuestMinBase = 0x100000

	// x86GuestPageSize is the guest page size: 2MiB large pages.
	x86GuestPageSize = 0x200000

	x86CR3Init = x86PML4Base
)

// Control register and EFER init values for a long-mode guest.
const (
	x86CR0PE = 1 << 0
	x86CR0NE = 1 << 5
	x86CR0PG = 1 << 31

	x86CR4PAE        = 1 << 5
	x86CR4OSFXSR     = 1 << 9
	x86CR4OSXMMEXCPT = 1 << 10

	x86EFERLME = 1 << 8
	x86EFERLMA = 1 << 10

	x86CR0Init  = x86CR0PE | x86CR0PG | x86CR0NE
	x86CR4Init  = x86CR4PAE | x86CR4OSFXSR | x86CR4OSXMMEXCPT
	x86EFERInit = x86EFERLME | x86EFERLMA

	// Bit 1 of RFLAGS is reserved and must be set.
	x86RflagsInit = 0x2
)

// Long mode page table entry bits.
const (
	x86PDPTP  = 1 << 0
	x86PDPTRW = 1 << 1
	x86PDPTPS = 1 << 7
)

// GDT selectors.
const (
	x86GDTNull = iota
	x86GDTCode
	x86GDTData
	x86GDTMax
)

const x86GDTRLimit = 8*x86GDTMax - 1

// x86Sreg is the shadow (descriptor cache) representation of a segment
// register.
type x86Sreg struct {
	selector uint16
	base     uint64
	limit    uint32
	typ      uint8
	p, dpl, db, s, l, g, avl, unusable uint8
}

// Initial shadow register values. The "accessed" bit of the type field must
// be set for a successful VMENTRY into a long mode guest.
var (
	x86SregCode = x86Sreg{
		selector: x86GDTCode,
		limit:    0xffffffff,
		typ:      9, // Execute-only, accessed
		p:        1, s: 1, l: 1, g: 1,
	}
	x86SregData = x86Sreg{
		selector: x86GDTData,
		limit:    0xffffffff,
		typ:      3, // Read-write, accessed
		p:        1, db: 1, s: 1, g: 1,
	}
	x86SregTr = x86Sreg{
		selector: x86GDTNull,
		typ:      11, // 64-bit TSS, busy
		p:        1,
	}
	x86SregUnusable = x86Sreg{selector: x86GDTNull, unusable: 1}
)

func (s *x86Sreg) toKVM() kvmSegment {
	// struct kvm_segment maps 1:1 to the shadow register representation.
	return kvmSegment{
		Base:     s.base,
		Limit:    s.limit,
		Selector: s.selector * 8,
		Type:     s.typ, Present: s.p, DPL: s.dpl,
		DB: s.db, S: s.s, L: s.l, G: s.g,
		AVL: s.avl, Unusable: s.unusable,
	}
}

// toDesc packs the shadow register into a GDT descriptor as seen by the CPU.
func (s *x86Sreg) toDesc() uint64 {
	limit := uint64(s.limit)
	if s.g != 0 {
		limit = (limit & 0xfffff000) >> 12
	}
	return limit&0xffff |
		(s.base&0xffffff)<<16 |
		uint64(s.typ&0xf)<<40 |
		uint64(s.s&1)<<44 |
		uint64(s.dpl&3)<<45 |
		uint64(s.p&1)<<47 |
		(limit&0xf0000)<<(48-16) |
		uint64(s.avl&1)<<52 |
		uint64(s.l&1)<<53 |
		uint64(s.db&1)<<54 |
		uint64(s.g&1)<<55 |
		(s.base&0xff000000)<<(56-24)
}

func x86SetupGDT(mem []byte) {
	le := binary.LittleEndian
	le.PutUint64(mem[x86GDTBase+8*x86GDTNull:], 0)
	le.PutUint64(mem[x86GDTBase+8*x86GDTCode:], x86SregCode.toDesc())
	le.PutUint64(mem[x86GDTBase+8*x86GDTData:], x86SregData.toDesc())
}

// x86SetupPagetables identity-maps guest memory with 2MiB pages through a
// single PML4/PDPTE/PDE chain; the guest size must fit in one PDE (512
// entries).
func x86SetupPagetables(mem []byte, memSize uint64) error {
	if memSize&(x86GuestPageSize-1) != 0 || memSize > x86GuestPageSize*512 {
		return errors.Errorf("guest memory size %d not mappable", memSize)
	}
	le := binary.LittleEndian
	for _, base := range []int{x86PML4Base, x86PDPTEBase, x86PDEBase} {
		for i := 0; i < 0x1000; i++ {
			mem[base+i] = 0
		}
	}
	le.PutUint64(mem[x86PML4Base:], x86PDPTEBase|x86PDPTP|x86PDPTRW)
	le.PutUint64(mem[x86PDPTEBase:], x86PDEBase|x86PDPTP|x86PDPTRW)
	for paddr, i := uint64(0), 0; paddr < memSize; paddr, i = paddr+x86GuestPageSize, i+1 {
		le.PutUint64(mem[x86PDEBase+8*i:], paddr|x86PDPTP|x86PDPTRW|x86PDPTPS)
	}
	return nil
}

// MemSize computes the guest memory size to use: the requested size rounded
// down to the guest page size and bounded by what the page tables can map.
func MemSize(requested uint64) (uint64, error) {
	mem := requested / x86GuestPageSize * x86GuestPageSize
	if mem == 0 {
		return 0, errors.New("guest memory size too small")
	}
	if mem > x86GuestPageSize*512 {
		return 0, errors.Errorf("guest memory size %d exceeds the maximum %d bytes",
			requested, uint64(x86GuestPageSize)*512)
	}
	return mem, nil
}
