// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The request layouts are wire ABI shared with guest executables; the
// offsets below are contractual.
func TestRequestLayouts(t *testing.T) {
	assert := assert.New(t)
	b := make([]byte, 64)

	w := BlkWrite{Handle: 1, Offset: 512, Data: 0x8000, Len: 512, Ret: REunspec}
	w.Encode(b)
	assert.Equal(uint64(1), le.Uint64(b[0:]))
	assert.Equal(uint64(512), le.Uint64(b[8:]))
	assert.Equal(uint64(0x8000), le.Uint64(b[16:]))
	assert.Equal(uint64(512), le.Uint64(b[24:]))
	assert.Equal(uint64(REunspec), le.Uint64(b[32:]))

	var w2 BlkWrite
	w2.Decode(b)
	assert.Equal(w, w2)

	p := Poll{TimeoutNsecs: 123, ReadySet: 1 << 63, Ret: 1}
	p.Encode(b)
	var p2 Poll
	p2.Decode(b)
	assert.Equal(p, p2)

	h := Halt{Cookie: 0x2000, ExitStatus: 255}
	h.Encode(b)
	assert.Equal(uint64(0x2000), le.Uint64(b[0:]))
	assert.Equal(uint64(255), le.Uint64(b[8:]))
}

func TestResultString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("OK", ROk.String())
	assert.Equal("AGAIN", RAgain.String())
	assert.Equal("EINVAL", REinval.String())
	assert.Equal("EUNSPEC", REunspec.String())
	assert.Equal("UNKNOWN", Result(99).String())
}
