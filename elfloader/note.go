// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package elfloader

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

var le = binary.LittleEndian

// ErrNoNote reports that the executable is valid but carries no Solo5-owned
// NOTE of the requested type. Callers treat this as recoverable; any
// structural violation of the ELF is a hard error.
var ErrNoNote = errors.New("no Solo5 note found in executable")

// noteOwner is the NOTE owner name Solo5 claims.
const noteOwner = "Solo5"

// LoadNote extracts the single Solo5-owned NOTE descriptor of noteType from
// the executable at f. The descriptor content is internally aligned to
// noteAlign within the note; the returned slice has that alignment padding
// stripped. A descriptor larger than maxSize rejects the executable.
//
// Only PT_NOTE segments containing a single NOTE descriptor are supported;
// this keeps parsing trivial and matches how guest images are linked.
func LoadNote(f *os.File, noteType uint32, noteAlign, maxSize uint64) ([]byte, error) {
	h, err := readEhdr(f)
	if err != nil {
		return nil, err
	}
	phdrs, err := readPhdrs(f, h)
	if err != nil {
		return nil, err
	}

	for i := range phdrs {
		p := &phdrs[i]
		if p.typ != ptNote {
			continue
		}
		if p.fileSz < nhdrSize {
			return nil, errors.Errorf("phdr[%d]: PT_NOTE too short", i)
		}
		var nhdr [nhdrSize]byte
		if _, err := f.ReadAt(nhdr[:], int64(p.offset)); err != nil {
			return nil, errors.Wrapf(err, "phdr[%d]: reading note header", i)
		}
		nameSz := uint64(le.Uint32(nhdr[0:]))
		descSz := uint64(le.Uint32(nhdr[4:]))
		typ := le.Uint32(nhdr[8:])

		if typ != noteType || nameSz != uint64(len(noteOwner))+1 {
			continue
		}
		name := make([]byte, nameSz)
		if _, err := f.ReadAt(name, int64(p.offset+nhdrSize)); err != nil {
			return nil, errors.Wrapf(err, "phdr[%d]: reading note name", i)
		}
		if string(name[:len(noteOwner)]) != noteOwner || name[len(noteOwner)] != 0 {
			continue
		}
		if descSz > maxSize {
			return nil, errors.Errorf("phdr[%d]: note size %d exceeds maximum %d",
				i, descSz, maxSize)
		}

		// The descriptor naturally starts 4-byte aligned after the name;
		// the linked-in note pads it up to noteAlign. Strip the padding.
		naturalOff := alignUp(nhdrSize+nameSz, 4)
		alignedOff := alignUp(naturalOff, noteAlign)
		strip := alignedOff - naturalOff
		if descSz < strip || alignedOff+(descSz-strip) > p.fileSz {
			return nil, errors.Errorf("phdr[%d]: malformed note descriptor", i)
		}
		desc := make([]byte, descSz-strip)
		if _, err := f.ReadAt(desc, int64(p.offset+alignedOff)); err != nil {
			return nil, errors.Wrapf(err, "phdr[%d]: reading note descriptor", i)
		}
		return desc, nil
	}
	return nil, ErrNoNote
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
