// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package mft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest(t *testing.T) *Manifest {
	m := New()
	require.NoError(t, m.AppendEntry("disk", TypeBlockBasic))
	require.NoError(t, m.AppendEntry("eth", TypeNetBasic))
	return m
}

func TestValidate(t *testing.T) {
	assert := assert.New(t)

	m := testManifest(t)
	assert.NoError(m.Validate())

	// Runtime fields are zeroed by validation.
	m = testManifest(t)
	m.Entries[1].Attached = true
	m.Entries[1].HostFd = 42
	m.Entries[1].Capacity = 512
	assert.NoError(m.Validate())
	assert.False(m.Entries[1].Attached)
	assert.Zero(m.Entries[1].HostFd)
	assert.Zero(m.Entries[1].Capacity)
}

func TestValidateRejects(t *testing.T) {
	assert := assert.New(t)

	// Unsupported version.
	m := testManifest(t)
	m.Version = 2
	assert.Error(m.Validate())

	// Missing sentinel.
	m = testManifest(t)
	m.Entries[0].Type = TypeNetBasic
	m.Entries[0].Name = "eth9"
	assert.Error(m.Validate())

	// Entry count above capacity.
	m = testManifest(t)
	m.Capacity = 2
	m.Entries = m.Entries[:3]
	assert.Error(m.Validate())

	// Unknown device type.
	m = testManifest(t)
	m.Entries[1].Type = DeviceType(99)
	assert.Error(m.Validate())

	// Duplicate names.
	m = testManifest(t)
	m.Entries[2].Name = "disk"
	assert.Error(m.Validate())

	// Name syntax.
	for _, bad := range []string{"", "disk-0", "disk 0", "disk/0",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"} {
		m = testManifest(t)
		m.Entries[1].Name = bad
		assert.Error(m.Validate(), "name %q", bad)
	}
}

func TestAppendEntry(t *testing.T) {
	assert := assert.New(t)

	m := testManifest(t)
	assert.Error(m.AppendEntry("disk", TypeBlockBasic), "duplicate name")
	assert.Error(m.AppendEntry("bad name", TypeBlockBasic))

	m.Capacity = 3
	assert.Error(m.AppendEntry("overflow", TypeBlockBasic))
}

func TestLookups(t *testing.T) {
	assert := assert.New(t)
	m := testManifest(t)

	e, idx := m.GetByName("disk", TypeBlockBasic)
	if assert.NotNil(e) {
		assert.Equal("disk", e.Name)
		assert.Equal(uint64(1), idx)
	}

	e, _ = m.GetByName("disk", TypeAny)
	assert.NotNil(e)

	// Type mismatch.
	e, _ = m.GetByName("disk", TypeNetBasic)
	assert.Nil(e)

	// The sentinel is never returned.
	e, _ = m.GetByName("\"", TypeAny)
	assert.Nil(e)
	assert.Nil(m.GetByIndex(0, TypeAny))

	assert.NotNil(m.GetByIndex(2, TypeNetBasic))
	assert.Nil(m.GetByIndex(2, TypeBlockBasic))
	assert.Nil(m.GetByIndex(3, TypeAny))
	assert.Nil(m.GetByIndex(^uint64(0), TypeAny))
}

func TestWireRoundTrip(t *testing.T) {
	assert := assert.New(t)

	m := testManifest(t)
	m.Entries[1].Capacity = 1 << 20
	m.Entries[1].BlockSize = 512
	m.Entries[1].Attached = true
	m.Entries[1].HostFd = 7
	m.Entries[2].MAC = [6]byte{0x02, 0, 0, 0xaa, 0xbb, 0xcc}
	m.Entries[2].MTU = 1500
	m.Entries[2].Attached = true

	b := m.Marshal()
	assert.Len(b, HeaderSize+3*EntrySize)

	// The boot info path preserves runtime fields.
	got, err := UnmarshalBootInfo(b)
	require.NoError(t, err)
	assert.Equal(m.Entries, got.Entries)

	// The untrusted note path zeroes them.
	got, err = Unmarshal(b)
	require.NoError(t, err)
	assert.False(got.Entries[1].Attached)
	assert.Zero(got.Entries[1].HostFd)
	assert.Zero(got.Entries[2].MTU)
}

func TestUnmarshalRejects(t *testing.T) {
	assert := assert.New(t)
	m := testManifest(t)
	b := m.Marshal()

	_, err := Unmarshal(b[:len(b)-1])
	assert.Error(err, "size does not match entry count")

	_, err = Unmarshal(b[:8])
	assert.Error(err, "truncated header")

	// Entry count out of bounds.
	bad := append([]byte(nil), b...)
	le.PutUint32(bad[4:], MaxEntries+1)
	_, err = Unmarshal(bad)
	assert.Error(err)

	// Name not NUL terminated.
	bad = append([]byte(nil), b...)
	for i := 0; i < nameSize; i++ {
		bad[HeaderSize+EntrySize+i] = 'a'
	}
	_, err = Unmarshal(bad)
	assert.Error(err)
}
