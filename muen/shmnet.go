// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package muen

import "encoding/binary"

// Network frames travel over SHMSTREAM20 channels as fixed-size messages:
// a maximum-size ethernet frame payload followed by its actual length.

const (
	// NetPacketSize is the payload capacity of one network message.
	NetPacketSize = 1514

	// NetMsgSize is the wire size of one network message element.
	NetMsgSize = NetPacketSize + 2

	// NetProtocol identifies the Muen network stream protocol.
	NetProtocol uint64 = 0x7ade5c549b08e814
)

// NetResult is the outcome of a shared-memory network operation.
type NetResult int

const (
	NetOK NetResult = iota
	NetAgain
	NetEpochChanged
	NetEinval
)

// NetWriteFrame writes one ethernet frame to the channel.
func NetWriteFrame(w *Writer, frame []byte) NetResult {
	if len(frame) > NetPacketSize {
		return NetEinval
	}
	var msg [NetMsgSize]byte
	copy(msg[:], frame)
	binary.LittleEndian.PutUint16(msg[NetPacketSize:], uint16(len(frame)))
	if w.Write(msg[:]) != nil {
		return NetEinval
	}
	return NetOK
}

// NetReadFrame reads at most one ethernet frame from the channel into buf,
// which must hold NetPacketSize bytes. Returns the frame length on NetOK.
func NetReadFrame(ch *Channel, r *Reader, buf []byte) (int, NetResult) {
	if len(buf) < NetPacketSize {
		return 0, NetEinval
	}
	var msg [NetMsgSize]byte
	switch r.Read(ch, msg[:]) {
	case Success:
		n := int(binary.LittleEndian.Uint16(msg[NetPacketSize:]))
		if n > NetPacketSize {
			return 0, NetEinval
		}
		copy(buf, msg[:n])
		return n, NetOK
	case NoData:
		return 0, NetAgain
	case EpochChanged:
		return 0, NetEpochChanged
	}
	return 0, NetEinval
}
