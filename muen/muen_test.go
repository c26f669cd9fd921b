// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package muen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testProto   uint64 = 0xdead0001
	testElemSz  uint64 = 16
	testNElems         = 4
	testRegionSz       = HeaderSize + testNElems*16
)

func newTestChannel(t *testing.T) *Channel {
	ch, err := NewChannel(make([]byte, testRegionSz))
	require.NoError(t, err)
	return ch
}

func elem(fill byte) []byte {
	b := make([]byte, testElemSz)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestNewChannelBounds(t *testing.T) {
	_, err := NewChannel(make([]byte, HeaderSize-1))
	assert.Error(t, err)
}

func TestReaderInactive(t *testing.T) {
	assert := assert.New(t)
	ch := newTestChannel(t)
	r := NewReader(testProto)

	buf := make([]byte, testElemSz)
	assert.Equal(Inactive, r.Read(ch, buf))
	assert.Equal(NullEpoch, r.Epoch)
	assert.False(r.HasPendingData(ch))
}

func TestWriterRejects(t *testing.T) {
	assert := assert.New(t)
	ch := newTestChannel(t)

	_, err := InitWriter(ch, testProto, testElemSz, NullEpoch)
	assert.Error(err, "null epoch")

	_, err = InitWriter(ch, testProto, testRegionSz*2, 1)
	assert.Error(err, "element larger than data area")

	w, err := InitWriter(ch, testProto, testElemSz, 1)
	require.NoError(t, err)
	assert.Error(w.Write(make([]byte, testElemSz-1)))
}

func TestReadWrite(t *testing.T) {
	assert := assert.New(t)
	ch := newTestChannel(t)
	w, err := InitWriter(ch, testProto, testElemSz, 42)
	require.NoError(t, err)

	r := NewReader(testProto)
	buf := make([]byte, testElemSz)

	// First contact synchronizes.
	assert.Equal(EpochChanged, r.Read(ch, buf))
	assert.Equal(uint64(42), r.Epoch)
	assert.Equal(testElemSz, r.Size)
	assert.Equal(uint64(testNElems), r.Elements)

	assert.Equal(NoData, r.Read(ch, buf))

	require.NoError(t, w.Write(elem(0xaa)))
	require.NoError(t, w.Write(elem(0xbb)))
	assert.True(r.HasPendingData(ch))

	assert.Equal(Success, r.Read(ch, buf))
	assert.Equal(elem(0xaa), buf)
	assert.Equal(Success, r.Read(ch, buf))
	assert.Equal(elem(0xbb), buf)
	assert.Equal(NoData, r.Read(ch, buf))
	assert.False(r.HasPendingData(ch))
}

func TestReaderWrapAround(t *testing.T) {
	assert := assert.New(t)
	ch := newTestChannel(t)
	w, err := InitWriter(ch, testProto, testElemSz, 1)
	require.NoError(t, err)

	r := NewReader(testProto)
	buf := make([]byte, testElemSz)
	assert.Equal(EpochChanged, r.Read(ch, buf))

	// Fill the ring several times over while consuming in lockstep.
	for i := 0; i < 3*testNElems; i++ {
		require.NoError(t, w.Write(elem(byte(i))))
		assert.Equal(Success, r.Read(ch, buf))
		assert.Equal(elem(byte(i)), buf)
	}
}

func TestReaderOverrun(t *testing.T) {
	assert := assert.New(t)
	ch := newTestChannel(t)
	w, err := InitWriter(ch, testProto, testElemSz, 1)
	require.NoError(t, err)

	r := NewReader(testProto)
	buf := make([]byte, testElemSz)
	assert.Equal(EpochChanged, r.Read(ch, buf))

	// The reader fell a full window plus one element behind.
	for i := 0; i < testNElems+1; i++ {
		require.NoError(t, w.Write(elem(byte(i))))
	}
	assert.Equal(OverrunDetected, r.Read(ch, buf))
}

func TestReaderEpochChange(t *testing.T) {
	assert := assert.New(t)
	ch := newTestChannel(t)
	w, err := InitWriter(ch, testProto, testElemSz, 7)
	require.NoError(t, err)

	r := NewReader(testProto)
	buf := make([]byte, testElemSz)
	assert.Equal(EpochChanged, r.Read(ch, buf))
	require.NoError(t, w.Write(elem(1)))
	assert.Equal(Success, r.Read(ch, buf))

	// Writer restarts with a new epoch: the reader resynchronizes and its
	// read count resets.
	_, err = InitWriter(ch, testProto, testElemSz, 8)
	require.NoError(t, err)
	assert.Equal(EpochChanged, r.Read(ch, buf))
	assert.Equal(uint64(8), r.Epoch)
	assert.Zero(r.RC)
}

func TestReaderIncompatible(t *testing.T) {
	assert := assert.New(t)
	ch := newTestChannel(t)
	_, err := InitWriter(ch, testProto, testElemSz, 1)
	require.NoError(t, err)

	r := NewReader(testProto + 1)
	buf := make([]byte, testElemSz)
	assert.Equal(IncompatibleInterface, r.Read(ch, buf))
	assert.False(r.HasPendingData(ch))
}

func TestDeactivate(t *testing.T) {
	assert := assert.New(t)
	ch := newTestChannel(t)
	w, err := InitWriter(ch, testProto, testElemSz, 1)
	require.NoError(t, err)

	r := NewReader(testProto)
	buf := make([]byte, testElemSz)
	assert.Equal(EpochChanged, r.Read(ch, buf))
	require.NoError(t, w.Write(elem(1)))

	Deactivate(ch)
	assert.Equal(Inactive, r.Read(ch, buf))
	assert.Equal(NullEpoch, r.Epoch)
}

func TestDrain(t *testing.T) {
	assert := assert.New(t)
	ch := newTestChannel(t)
	w, err := InitWriter(ch, testProto, testElemSz, 1)
	require.NoError(t, err)

	r := NewReader(testProto)
	buf := make([]byte, testElemSz)
	assert.Equal(EpochChanged, r.Read(ch, buf))

	require.NoError(t, w.Write(elem(1)))
	require.NoError(t, w.Write(elem(2)))
	r.Drain(ch)
	assert.Equal(NoData, r.Read(ch, buf))
}

func TestNetFrameRoundTrip(t *testing.T) {
	assert := assert.New(t)
	region := make([]byte, HeaderSize+4*NetMsgSize)
	ch, err := NewChannel(region)
	require.NoError(t, err)
	w, err := InitWriter(ch, NetProtocol, NetMsgSize, 99)
	require.NoError(t, err)

	r := NewReader(NetProtocol)
	buf := make([]byte, NetPacketSize)

	_, res := NetReadFrame(ch, r, buf)
	assert.Equal(NetEpochChanged, res)

	frame := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x02, 0, 0, 0, 0, 1, 0x08, 0x06, 42}
	assert.Equal(NetOK, NetWriteFrame(w, frame))

	n, res := NetReadFrame(ch, r, buf)
	assert.Equal(NetOK, res)
	assert.Equal(len(frame), n)
	assert.Equal(frame, buf[:n])

	_, res = NetReadFrame(ch, r, buf)
	assert.Equal(NetAgain, res)

	// Oversized frames are rejected.
	assert.Equal(NetEinval, NetWriteFrame(w, make([]byte, NetPacketSize+1)))

	// Undersized reader buffers are rejected.
	_, res = NetReadFrame(ch, r, make([]byte, 16))
	assert.Equal(NetEinval, res)
}
