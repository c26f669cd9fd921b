// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package mft implements the application manifest: the declared device table
// embedded in the guest executable as an ELF NOTE, validated at load time and
// resolved to host resources at tender startup.
package mft

import (
	"github.com/pkg/errors"
)

// DeviceType identifies the type of a manifest entry.
type DeviceType uint32

const (
	// TypeReserved is the version sentinel anchoring entry 0.
	TypeReserved DeviceType = 0
	// TypeBlockBasic is a fixed-sector synchronous block device.
	TypeBlockBasic DeviceType = 1
	// TypeNetBasic is a single-frame synchronous network device.
	TypeNetBasic DeviceType = 2

	// TypeAny matches any non-sentinel device type in lookups.
	TypeAny DeviceType = ^DeviceType(0)
)

func (t DeviceType) String() string {
	switch t {
	case TypeReserved:
		return "RESERVED"
	case TypeBlockBasic:
		return "BLOCK_BASIC"
	case TypeNetBasic:
		return "NET_BASIC"
	}
	return "UNKNOWN"
}

const (
	// Version is the manifest format version produced and accepted.
	Version = 1

	// NameMax is the maximum length of an entry name, excluding the
	// terminating NUL of the wire encoding.
	NameMax = 67

	// MaxEntries bounds the number of entries, including the sentinel. The
	// poll ready set is a 64-bit bitmap over manifest indexes, hence the
	// limit.
	MaxEntries = 64

	// versionName is the reserved name carried by the sentinel entry.
	versionName = "\""
)

// Entry is one declared device. Name and Type come from the guest
// executable; the device parameters are filled in by the tender when the
// corresponding host resource is attached.
type Entry struct {
	Name string
	Type DeviceType

	// NET_BASIC
	MAC [6]byte
	MTU uint16

	// BLOCK_BASIC
	Capacity  uint64
	BlockSize uint16

	// Runtime fields, private to the tender. Attached and HostFd are
	// serialized into the guest manifest copy: the spt guest performs its
	// device I/O directly on HostFd.
	Attached bool
	HostFd   int64
}

// Manifest is the parsed device table. Entry 0 is always the version
// sentinel.
type Manifest struct {
	Version  uint32
	Entries  []Entry
	Capacity uint32
}

// New returns an empty manifest containing only the version sentinel, for
// use by tooling and tests that synthesize guest images.
func New() *Manifest {
	return &Manifest{
		Version:  Version,
		Entries:  []Entry{{Name: versionName, Type: TypeReserved}},
		Capacity: MaxEntries,
	}
}

func validName(name string) bool {
	if len(name) < 1 || len(name) > NameMax {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants of a deserialized manifest and
// zeroes all runtime fields. It must be called on any manifest loaded from
// an untrusted guest executable before use.
func (m *Manifest) Validate() error {
	if err := m.structuralCheck(); err != nil {
		return err
	}
	for i := range m.Entries {
		e := &m.Entries[i]
		e.MAC = [6]byte{}
		e.MTU = 0
		e.Capacity = 0
		e.BlockSize = 0
		e.Attached = false
		e.HostFd = 0
	}
	return nil
}

func (m *Manifest) structuralCheck() error {
	if m.Version != Version {
		return errors.Errorf("manifest version %d not supported", m.Version)
	}
	if len(m.Entries) < 1 || uint32(len(m.Entries)) > m.Capacity ||
		m.Capacity > MaxEntries {
		return errors.Errorf("manifest entry count %d out of bounds (capacity %d)",
			len(m.Entries), m.Capacity)
	}
	if m.Entries[0].Type != TypeReserved || m.Entries[0].Name != versionName {
		return errors.New("manifest version sentinel missing")
	}
	seen := make(map[string]bool, len(m.Entries))
	for i := 1; i < len(m.Entries); i++ {
		e := &m.Entries[i]
		switch e.Type {
		case TypeBlockBasic, TypeNetBasic:
		default:
			return errors.Errorf("manifest entry %d: unknown type %d", i, e.Type)
		}
		if !validName(e.Name) {
			return errors.Errorf("manifest entry %d: invalid name", i)
		}
		if seen[e.Name] {
			return errors.Errorf("manifest entry %d: duplicate name '%s'", i, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

// GetByName returns the entry with the given name, or nil if there is no
// such entry or its type does not match. The sentinel is never returned.
// The second return value is the entry's index (the solo5 handle).
func (m *Manifest) GetByName(name string, typ DeviceType) (*Entry, uint64) {
	for i := 1; i < len(m.Entries); i++ {
		e := &m.Entries[i]
		if e.Name != name {
			continue
		}
		if typ != TypeAny && e.Type != typ {
			return nil, 0
		}
		return e, uint64(i)
	}
	return nil, 0
}

// GetByIndex returns the entry at the given index, or nil if the index is
// out of range, refers to the sentinel, or the type does not match.
func (m *Manifest) GetByIndex(index uint64, typ DeviceType) *Entry {
	if index < 1 || index >= uint64(len(m.Entries)) {
		return nil
	}
	e := &m.Entries[index]
	if typ != TypeAny && e.Type != typ {
		return nil
	}
	return e
}

// AppendEntry adds a declared device, for manifest construction by tooling
// and tests.
func (m *Manifest) AppendEntry(name string, typ DeviceType) error {
	if !validName(name) {
		return errors.Errorf("invalid device name '%s'", name)
	}
	if uint32(len(m.Entries)) >= m.Capacity {
		return errors.New("manifest full")
	}
	if e, _ := m.GetByName(name, TypeAny); e != nil {
		return errors.Errorf("duplicate device name '%s'", name)
	}
	m.Entries = append(m.Entries, Entry{Name: name, Type: typ})
	return nil
}
