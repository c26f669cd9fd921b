// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/guest"
	"github.com/solo5/solo5-go/muen"
)

func TestMuenConsole(t *testing.T) {
	assert := assert.New(t)
	region := make([]byte, muen.HeaderSize+16*64)
	clock := uint64(1000)
	con, err := guest.NewMuenConsole(region, 1, func() uint64 { return clock })
	require.NoError(t, err)

	ch, err := muen.NewChannel(region)
	require.NoError(t, err)
	r := muen.NewReader(guest.DebuglogProtocol)
	msg := make([]byte, 64)
	require.Equal(t, muen.EpochChanged, r.Read(ch, msg))

	// Nothing flushed before a newline.
	_, err = con.Write([]byte("partial"))
	require.NoError(t, err)
	assert.Equal(muen.NoData, r.Read(ch, msg))

	// A newline flushes one message carrying the timestamp.
	_, err = con.Write([]byte(" line\n"))
	require.NoError(t, err)
	require.Equal(t, muen.Success, r.Read(ch, msg))
	assert.Equal(clock, binary.LittleEndian.Uint64(msg[0:]))
	assert.Equal([]byte("partial line\n"), msg[8:21])

	// Carriage returns are stripped.
	_, err = con.Write([]byte("a\r\n"))
	require.NoError(t, err)
	require.Equal(t, muen.Success, r.Read(ch, msg))
	assert.Equal([]byte("a\n"), msg[8:10])

	// A full buffer flushes without a newline.
	long := make([]byte, 56)
	for i := range long {
		long[i] = 'x'
	}
	_, err = con.Write(long)
	require.NoError(t, err)
	assert.Equal(muen.Success, r.Read(ch, msg))
}

func TestMuenNet(t *testing.T) {
	assert := assert.New(t)
	inRegion := make([]byte, muen.HeaderSize+4*muen.NetMsgSize)
	outRegion := make([]byte, muen.HeaderSize+4*muen.NetMsgSize)

	mac := [6]byte{0x02, 0, 0, 1, 2, 3}
	dev, err := guest.NewMuenNet(inRegion, outRegion, 5, mac)
	require.NoError(t, err)
	assert.Equal(mac, dev.Info().MAC)
	assert.Equal(uint16(1500), dev.Info().MTU)

	// Nothing inbound yet: the input channel is not even active.
	buf := make([]byte, muen.NetPacketSize)
	n, res := dev.Read(buf)
	assert.Zero(n)
	assert.Equal(abi.RAgain, res)
	assert.False(dev.PendingData())

	// The peer activates the input channel and sends a frame.
	inCh, err := muen.NewChannel(inRegion)
	require.NoError(t, err)
	peer, err := muen.InitWriter(inCh, muen.NetProtocol, muen.NetMsgSize, 9)
	require.NoError(t, err)
	frame := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.Equal(t, muen.NetOK, muen.NetWriteFrame(peer, frame))

	// First read resynchronizes, the next delivers the frame.
	_, res = dev.Read(buf)
	assert.Equal(abi.RAgain, res)
	assert.True(dev.PendingData())
	n, res = dev.Read(buf)
	assert.Equal(abi.ROk, res)
	assert.Equal(frame, buf[:n])

	// Outbound frames land on the output channel.
	outCh, err := muen.NewChannel(outRegion)
	require.NoError(t, err)
	r := muen.NewReader(muen.NetProtocol)
	assert.Equal(abi.ROk, dev.Write(frame))
	got := make([]byte, muen.NetPacketSize)
	_, res2 := muen.NetReadFrame(outCh, r, got)
	assert.Equal(muen.NetEpochChanged, res2)
	n, res2 = muen.NetReadFrame(outCh, r, got)
	assert.Equal(muen.NetOK, res2)
	assert.Equal(frame, got[:n])

	// Oversized writes are rejected.
	assert.Equal(abi.REinval, dev.Write(make([]byte, muen.NetPacketSize+1)))
}
