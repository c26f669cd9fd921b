// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package mft

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire format of the manifest, as embedded in the guest executable's NOTE
// and as copied into guest memory by the tender. All multi-byte fields are
// little-endian.
//
//	header:  version u32 | entries u32 | capacity u32 | pad u32
//	entry:   name [68]byte (NUL terminated)
//	         type u32, pad u32
//	         union [16]byte:
//	             NET_BASIC:   mac [6]byte, pad [2]byte, mtu u16
//	             BLOCK_BASIC: capacity u64, block_size u16
//	         attached u8, pad [7]byte
//	         hostfd i64

const (
	// HeaderSize is the wire size of the manifest header.
	HeaderSize = 16
	// EntrySize is the wire size of one manifest entry.
	EntrySize = 108

	nameSize = NameMax + 1

	entryOffType     = nameSize
	entryOffUnion    = nameSize + 8
	entryOffAttached = nameSize + 24
	entryOffHostFd   = nameSize + 32
)

var le = binary.LittleEndian

// WireSize returns the serialized size of the manifest.
func (m *Manifest) WireSize() int {
	return HeaderSize + len(m.Entries)*EntrySize
}

// Marshal serializes the manifest, including runtime fields.
func (m *Manifest) Marshal() []byte {
	b := make([]byte, m.WireSize())
	le.PutUint32(b[0:], m.Version)
	le.PutUint32(b[4:], uint32(len(m.Entries)))
	le.PutUint32(b[8:], m.Capacity)
	for i := range m.Entries {
		m.Entries[i].marshal(b[HeaderSize+i*EntrySize:])
	}
	return b
}

func (e *Entry) marshal(b []byte) {
	copy(b[0:nameSize], e.Name)
	le.PutUint32(b[entryOffType:], uint32(e.Type))
	switch e.Type {
	case TypeNetBasic:
		copy(b[entryOffUnion:], e.MAC[:])
		le.PutUint16(b[entryOffUnion+8:], e.MTU)
	case TypeBlockBasic:
		le.PutUint64(b[entryOffUnion:], e.Capacity)
		le.PutUint16(b[entryOffUnion+8:], e.BlockSize)
	}
	if e.Attached {
		b[entryOffAttached] = 1
	}
	le.PutUint64(b[entryOffHostFd:], uint64(e.HostFd))
}

func (e *Entry) unmarshal(b []byte) error {
	n := 0
	for n < nameSize && b[n] != 0 {
		n++
	}
	if n == nameSize {
		return errors.New("entry name not NUL terminated")
	}
	e.Name = string(b[:n])
	e.Type = DeviceType(le.Uint32(b[entryOffType:]))
	switch e.Type {
	case TypeNetBasic:
		copy(e.MAC[:], b[entryOffUnion:entryOffUnion+6])
		e.MTU = le.Uint16(b[entryOffUnion+8:])
	case TypeBlockBasic:
		e.Capacity = le.Uint64(b[entryOffUnion:])
		e.BlockSize = le.Uint16(b[entryOffUnion+8:])
	}
	e.Attached = b[entryOffAttached] != 0
	e.HostFd = int64(le.Uint64(b[entryOffHostFd:]))
	return nil
}

// Unmarshal deserializes and validates a manifest from an untrusted buffer.
// The total size must match the entry count exactly; all runtime fields of
// the result are zeroed by validation.
func Unmarshal(b []byte) (*Manifest, error) {
	m, err := decode(b)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalBootInfo deserializes the manifest copy the tender placed in the
// boot info block. Unlike Unmarshal it preserves the runtime fields: the
// guest bindings need Attached, the device parameters, and (under spt) the
// host file descriptors.
func UnmarshalBootInfo(b []byte) (*Manifest, error) {
	m, err := decode(b)
	if err != nil {
		return nil, err
	}
	if err := m.structuralCheck(); err != nil {
		return nil, err
	}
	return m, nil
}

func decode(b []byte) (*Manifest, error) {
	if len(b) < HeaderSize {
		return nil, errors.New("manifest too short")
	}
	m := &Manifest{
		Version:  le.Uint32(b[0:]),
		Capacity: le.Uint32(b[8:]),
	}
	entries := le.Uint32(b[4:])
	if entries > MaxEntries {
		return nil, errors.Errorf("manifest entry count %d out of bounds", entries)
	}
	if len(b) != HeaderSize+int(entries)*EntrySize {
		return nil, errors.Errorf("manifest size %d does not match %d entries",
			len(b), entries)
	}
	m.Entries = make([]Entry, entries)
	for i := range m.Entries {
		if err := m.Entries[i].unmarshal(b[HeaderSize+i*EntrySize:]); err != nil {
			return nil, errors.Wrapf(err, "manifest entry %d", i)
		}
	}
	return m, nil
}
