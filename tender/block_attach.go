// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tender

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// BlockSectorSize is the fixed sector size of BLOCK_BASIC devices.
const BlockSectorSize = 512

// BlockAttach opens the file or block device at path for guest block I/O
// and returns its file descriptor and capacity in bytes. The capacity must
// be a non-zero multiple of the sector size.
func BlockAttach(path string) (fd int, capacity uint64, err error) {
	fd, err = unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return -1, 0, errors.Wrapf(err, "could not open '%s'", path)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrapf(err, "could not stat '%s'", path)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		capacity = uint64(st.Size)
	case unix.S_IFBLK:
		sz, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
		if err != nil {
			unix.Close(fd)
			return -1, 0, errors.Wrapf(err, "could not determine size of '%s'", path)
		}
		capacity = uint64(sz)
	default:
		unix.Close(fd)
		return -1, 0, errors.Errorf("'%s' is not a regular file or block device", path)
	}

	if capacity < BlockSectorSize || capacity%BlockSectorSize != 0 {
		unix.Close(fd)
		return -1, 0, errors.Errorf("'%s': capacity %d is not a multiple of the %d-byte sector size",
			path, capacity, BlockSectorSize)
	}
	return fd, capacity, nil
}
