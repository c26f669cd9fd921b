// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package muen implements the SHMSTREAM20 shared-memory stream protocol used
// by the Muen backend: a single-producer single-consumer lock-free ring with
// epoch-based reader resynchronization.
//
// A channel is a shared-memory region laid out as a header of 64-bit
// little-endian words followed by a bounded array of fixed-size elements.
// Synchronization is via the epoch and write-counter protocol only, never
// via locks; all header accesses use single-word serialized copies.
package muen

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// Transport is the magic 64-bit word identifying the SHMSTREAM20 transport.
// Readers reject channels carrying anything else.
const Transport uint64 = 0x487312b6b79a9b6d

// NullEpoch is the distinguished epoch denoting an inactive channel.
const NullEpoch uint64 = 0

// HeaderSize is the wire size of the channel header.
const HeaderSize = 56

// Header word offsets within the shared region.
const (
	offTransport = 0
	offProtocol  = 8
	offSize      = 16
	offElements  = 24
	offEpoch     = 32
	offWC        = 40
	offWSC       = 48
)

// Channel is a view over a shared-memory region. The region must be 8-byte
// aligned; header words are accessed with serialized (atomic) 64-bit
// operations so neither side ever observes a torn value.
type Channel struct {
	buf []byte
}

// NewChannel wraps the shared-memory region buf. The region must hold at
// least the header and be 8-byte aligned.
func NewChannel(buf []byte) (*Channel, error) {
	if len(buf) < HeaderSize {
		return nil, errors.Errorf("channel region too small: %d bytes", len(buf))
	}
	if uintptr(unsafe.Pointer(&buf[0]))%8 != 0 {
		return nil, errors.New("channel region is not 8-byte aligned")
	}
	return &Channel{buf: buf}, nil
}

// Size returns the total size of the underlying region.
func (c *Channel) Size() uint64 {
	return uint64(len(c.buf))
}

// serialized 64-bit header access. The region is 8-byte aligned and all
// header offsets are multiples of 8, so these are valid atomic accesses.
func (c *Channel) load(off int) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&c.buf[off])))
}

func (c *Channel) store(off int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&c.buf[off])), v)
}

func (c *Channel) data() []byte {
	return c.buf[HeaderSize:]
}

// IsActive reports whether the channel has been activated by a writer.
func (c *Channel) IsActive() bool {
	return c.load(offEpoch) != NullEpoch
}
