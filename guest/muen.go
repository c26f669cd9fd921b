// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"encoding/binary"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/muen"
)

// The Muen variant runs without a hardware-virtualized tender: console and
// network I/O go over SHMSTREAM20 channels shared with other Muen subjects.

// DebuglogProtocol identifies the Muen debug log stream.
const DebuglogProtocol uint64 = 0xf00789094b6f70cf

// logMsgDataSize is the payload of one debug log message; the element also
// carries a timestamp.
const (
	logMsgDataSize = 56
	logMsgSize     = 8 + logMsgDataSize
)

// MuenConsole buffers console output into fixed-size log messages on an
// output channel. Messages are flushed on newline or when full.
type MuenConsole struct {
	w     *muen.Writer
	clock func() uint64

	buf [logMsgDataSize]byte
	n   int
}

// NewMuenConsole activates the debug log writer on the channel region.
// clock provides the timestamp recorded in each message; epoch identifies
// this activation of the channel.
func NewMuenConsole(region []byte, epoch uint64, clock func() uint64) (*MuenConsole, error) {
	ch, err := muen.NewChannel(region)
	if err != nil {
		return nil, err
	}
	w, err := muen.InitWriter(ch, DebuglogProtocol, logMsgSize, epoch)
	if err != nil {
		return nil, err
	}
	return &MuenConsole{w: w, clock: clock}, nil
}

func (c *MuenConsole) flush() {
	var msg [logMsgSize]byte
	binary.LittleEndian.PutUint64(msg[0:], c.clock())
	copy(msg[8:], c.buf[:])
	c.w.Write(msg[:])
	c.buf = [logMsgDataSize]byte{}
	c.n = 0
}

// Write sends buf to the debug log, carriage returns stripped.
func (c *MuenConsole) Write(buf []byte) (int, error) {
	for _, b := range buf {
		if b == 0 || b == '\r' {
			continue
		}
		c.buf[c.n] = b
		if c.n == logMsgDataSize-1 || b == '\n' {
			c.flush()
		} else {
			c.n++
		}
	}
	return len(buf), nil
}

// MuenNet is a network device over a pair of SHMSTREAM20 channels.
type MuenNet struct {
	in  *muen.Channel
	out *muen.Channel
	w   *muen.Writer
	r   *muen.Reader
	mac [6]byte
	mtu uint16
}

// NewMuenNet activates the output channel for writing and prepares a reader
// for the input channel. epoch identifies this activation.
func NewMuenNet(inRegion, outRegion []byte, epoch uint64, mac [6]byte) (*MuenNet, error) {
	in, err := muen.NewChannel(inRegion)
	if err != nil {
		return nil, err
	}
	out, err := muen.NewChannel(outRegion)
	if err != nil {
		return nil, err
	}
	w, err := muen.InitWriter(out, muen.NetProtocol, muen.NetMsgSize, epoch)
	if err != nil {
		return nil, err
	}
	return &MuenNet{
		in:  in,
		out: out,
		w:   w,
		r:   muen.NewReader(muen.NetProtocol),
		mac: mac,
		mtu: 1500,
	}, nil
}

// Info returns the device description.
func (n *MuenNet) Info() NetInfo {
	return NetInfo{MAC: n.mac, MTU: n.mtu}
}

// Write transmits one ethernet frame.
func (n *MuenNet) Write(frame []byte) abi.Result {
	switch muen.NetWriteFrame(n.w, frame) {
	case muen.NetOK:
		return abi.ROk
	default:
		return abi.REinval
	}
}

// Read receives at most one ethernet frame into buf, which must hold a
// maximum-size frame. RAgain is returned whenever no frame was delivered:
// nothing pending, the input channel inactive, or an epoch change of the
// input channel.
func (n *MuenNet) Read(buf []byte) (int, abi.Result) {
	if len(buf) < muen.NetPacketSize {
		return 0, abi.REinval
	}
	got, res := muen.NetReadFrame(n.in, n.r, buf)
	if res == muen.NetOK {
		return got, abi.ROk
	}
	return 0, abi.RAgain
}

// PendingData reports whether a frame is waiting on the input channel.
func (n *MuenNet) PendingData() bool {
	return n.r.HasPendingData(n.in)
}
