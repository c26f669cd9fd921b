// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package mft

// The manifest travels inside the guest executable as a single ELF NOTE
// owned by Solo5.
const (
	// NoteName is the NOTE owner name.
	NoteName = "Solo5"

	// NoteType identifies the manifest NOTE ("MFT1" little-endian).
	NoteType = 0x3154464d

	// NoteAlign is the alignment of the NOTE descriptor content. The
	// descriptor is padded up to this alignment; loaders strip the padding.
	NoteAlign = 8

	// NoteMaxSize bounds the descriptor size a loader will accept.
	NoteMaxSize = HeaderSize + MaxEntries*EntrySize + NoteAlign
)
