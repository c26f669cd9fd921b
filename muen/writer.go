// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package muen

import "github.com/pkg/errors"

// Writer is the single producer of a channel.
type Writer struct {
	ch          *Channel
	elementSize uint64
	elements    uint64
}

// InitWriter initializes the channel for writing and activates it:
// the channel is first deactivated, header and data are zeroed, the header
// fields are populated, and finally the epoch is published with a serialized
// write. epoch must not be NullEpoch.
func InitWriter(ch *Channel, protocol, elementSize, epoch uint64) (*Writer, error) {
	if epoch == NullEpoch {
		return nil, errors.New("epoch must not be the null epoch")
	}
	dataSize := ch.Size() - HeaderSize
	if elementSize == 0 || dataSize/elementSize == 0 {
		return nil, errors.Errorf("no room for %d-byte elements", elementSize)
	}

	Deactivate(ch)
	for i := range ch.buf {
		ch.buf[i] = 0
	}

	elements := dataSize / elementSize
	ch.store(offTransport, Transport)
	ch.store(offProtocol, protocol)
	ch.store(offSize, elementSize)
	ch.store(offElements, elements)
	ch.store(offWSC, 0)
	ch.store(offWC, 0)
	ch.store(offEpoch, epoch)

	return &Writer{ch: ch, elementSize: elementSize, elements: elements}, nil
}

// Deactivate marks the channel inactive. Readers observe the null epoch and
// reset their state.
func Deactivate(ch *Channel) {
	ch.store(offEpoch, NullEpoch)
}

// Write copies one element into the ring and commits it. The write counter
// protocol is: publish wsc=wc+1 (write in progress), copy the payload,
// publish wc=wc+1 (commit). A reader racing with the copy detects the
// overrun through wsc.
func (w *Writer) Write(element []byte) error {
	if uint64(len(element)) != w.elementSize {
		return errors.Errorf("element size %d does not match channel element size %d",
			len(element), w.elementSize)
	}
	wc := w.ch.load(offWC)
	pos := wc % w.elements * w.elementSize
	wc++

	w.ch.store(offWSC, wc)
	copy(w.ch.data()[pos:pos+w.elementSize], element)
	w.ch.store(offWC, wc)
	return nil
}
