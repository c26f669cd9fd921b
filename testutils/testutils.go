// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package testutils synthesizes guest executables for tests: minimal
// ET_EXEC images carrying a Solo5 manifest NOTE and arbitrary loadable
// segments.
package testutils

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/solo5/solo5-go/mft"
)

// Segment is one PT_LOAD segment of a synthesized image.
type Segment struct {
	Paddr uint64
	Data  []byte
	// MemSz of the segment; defaults to len(Data).
	MemSz uint64
	// Flags are ELF PF_* bits.
	Flags uint32
	Align uint64
}

// ELF constants for image synthesis.
const (
	PFX = 0x1
	PFW = 0x2
	PFR = 0x4

	ehdrSize = 64
	phdrSize = 56
)

// BuildImage assembles an ET_EXEC x86_64 image with the given entry point,
// manifest NOTE and segments.
func BuildImage(entry uint64, m *mft.Manifest, segs []Segment) []byte {
	var noteDesc []byte
	if m != nil {
		noteDesc = m.Marshal()
	}

	// Note section: nhdr, "Solo5\0" padded to 4 bytes, then the descriptor
	// padded up to the published alignment.
	le := binary.LittleEndian
	var note bytes.Buffer
	if m != nil {
		nameSz := len(mft.NoteName) + 1
		naturalOff := (12 + nameSz + 3) &^ 3
		alignedOff := (naturalOff + mft.NoteAlign - 1) &^ (mft.NoteAlign - 1)
		strip := alignedOff - naturalOff

		var nhdr [12]byte
		le.PutUint32(nhdr[0:], uint32(nameSz))
		le.PutUint32(nhdr[4:], uint32(strip+len(noteDesc)))
		le.PutUint32(nhdr[8:], mft.NoteType)
		note.Write(nhdr[:])
		note.WriteString(mft.NoteName)
		note.Write(make([]byte, naturalOff-12-len(mft.NoteName)))
		note.Write(make([]byte, strip))
		note.Write(noteDesc)
	}

	phnum := len(segs)
	if m != nil {
		phnum++
	}
	fileOff := uint64(ehdrSize + phdrSize*phnum)

	var phdrs, data bytes.Buffer
	writePhdr := func(typ, flags uint32, off, paddr, filesz, memsz, align uint64) {
		var p [phdrSize]byte
		le.PutUint32(p[0:], typ)
		le.PutUint32(p[4:], flags)
		le.PutUint64(p[8:], off)
		le.PutUint64(p[16:], paddr) // p_vaddr
		le.PutUint64(p[24:], paddr)
		le.PutUint64(p[32:], filesz)
		le.PutUint64(p[40:], memsz)
		le.PutUint64(p[48:], align)
		phdrs.Write(p[:])
	}

	if m != nil {
		writePhdr(4 /* PT_NOTE */, PFR, fileOff, 0,
			uint64(note.Len()), uint64(note.Len()), 4)
		data.Write(note.Bytes())
		fileOff += uint64(note.Len())
	}
	for _, s := range segs {
		memsz := s.MemSz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		align := s.Align
		if align == 0 {
			align = 0x1000
		}
		writePhdr(1 /* PT_LOAD */, s.Flags, fileOff, s.Paddr,
			uint64(len(s.Data)), memsz, align)
		data.Write(s.Data)
		fileOff += uint64(len(s.Data))
	}

	var ehdr [ehdrSize]byte
	copy(ehdr[:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	le.PutUint16(ehdr[16:], 2)  // ET_EXEC
	le.PutUint16(ehdr[18:], 62) // EM_X86_64
	le.PutUint32(ehdr[20:], 1)  // EV_CURRENT
	le.PutUint64(ehdr[24:], entry)
	le.PutUint64(ehdr[32:], ehdrSize) // e_phoff
	le.PutUint16(ehdr[52:], ehdrSize)
	le.PutUint16(ehdr[54:], phdrSize)
	le.PutUint16(ehdr[56:], uint16(phnum))

	var img bytes.Buffer
	img.Write(ehdr[:])
	img.Write(phdrs.Bytes())
	img.Write(data.Bytes())
	return img.Bytes()
}

// WriteImage writes a synthesized image to a temporary file and returns
// the open file.
func WriteImage(dir string, entry uint64, m *mft.Manifest, segs []Segment) (*os.File, error) {
	f, err := os.CreateTemp(dir, "kernel-*.solo5")
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(BuildImage(entry, m, segs)); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
