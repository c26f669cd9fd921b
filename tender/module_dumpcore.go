// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tender

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/mft"
)

var dumpcoreLog = logrus.WithField("source", "dumpcore")

// PrstatusSource produces an NT_PRSTATUS descriptor for the core file. The
// backend fills the registers from the VCPU state, or from a guest-supplied
// trap register snapshot when the guest passed a halt cookie.
type PrstatusSource interface {
	Prstatus(cookie []byte) ([]byte, error)
}

// DumpcoreModule writes the guest memory as an ELF core file when the guest
// halts with the abort status.
type DumpcoreModule struct {
	src     PrstatusSource
	machine uint16

	dir     string
	dirFile *os.File
}

// NewDumpcoreModule returns the core dump module. machine is the ELF
// e_machine of the backend architecture.
func NewDumpcoreModule(src PrstatusSource, machine uint16) *DumpcoreModule {
	return &DumpcoreModule{src: src, machine: machine}
}

func (d *DumpcoreModule) Name() string {
	return "dumpcore"
}

func (d *DumpcoreModule) Usage() string {
	return "--dumpcore=DIR (enable guest core dump on abort/trap)"
}

func (d *DumpcoreModule) HandleCmdarg(arg string, m *mft.Manifest) (bool, error) {
	if !strings.HasPrefix(arg, "--dumpcore=") {
		return false, nil
	}
	d.dir = arg[len("--dumpcore="):]
	if d.dir == "" {
		return true, errors.New("malformed argument to --dumpcore")
	}
	return true, nil
}

func (d *DumpcoreModule) Setup(t *Tender) error {
	if d.dir == "" {
		return nil
	}
	f, err := os.Open(d.dir)
	if err != nil {
		return errors.Wrap(err, "dumpcore: cannot open dir")
	}
	if err := unix.Access(d.dir, unix.W_OK); err != nil {
		f.Close()
		return errors.Wrap(err, "dumpcore: dir not writable")
	}
	d.dirFile = f
	t.RegisterHaltHook(d.hook)
	return nil
}

// hook writes the core file. Failures here are reported but never fatal;
// the tender is already on its way out.
func (d *DumpcoreModule) hook(t *Tender, status int, cookie []byte) {
	if status != abi.ExitAbort {
		return
	}
	filename := fmt.Sprintf("core.solo5-hvt.%d", os.Getpid())
	// O_APPEND must not be set as it changes pwrite() behaviour on Linux.
	fd, err := unix.Openat(int(d.dirFile.Fd()), filename,
		unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL, 0600)
	if err != nil {
		dumpcoreLog.WithError(err).Warnf("open(%s)", filename)
		return
	}
	f := os.NewFile(uintptr(fd), filename)
	defer f.Close()
	dumpcoreLog.Warnf("dumping guest core to: %s", filepath.Join(d.dir, filename))

	if err := d.writeCore(f, t, cookie); err != nil {
		dumpcoreLog.WithError(err).Warn("error(s) dumping core, file may be incomplete")
	}
}

const (
	coreEhdrSize = 64
	corePhdrSize = 56
	coreNhdrSize = 12
	ntPrstatus   = 1
)

// coreNoteName is the SVR4 NT_PRSTATUS owner, padded to the ELF word size.
var coreNoteName = [8]byte{'C', 'O', 'R', 'E'}

func (d *DumpcoreModule) writeCore(f *os.File, t *Tender, cookie []byte) error {
	prstatus, err := d.src.Prstatus(cookie)
	if err != nil {
		return errors.Wrap(err, "could not retrieve guest state")
	}

	// Core file structure: ELF header, PT_NOTE and PT_LOAD program headers,
	// the NT_PRSTATUS note, then all of guest memory.
	le := binary.LittleEndian
	hdrs := make([]byte, coreEhdrSize+2*corePhdrSize+coreNhdrSize+len(coreNoteName))

	ehdr := hdrs[0:coreEhdrSize]
	copy(ehdr, []byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1, /* LSB */
		1 /* EV_CURRENT */, 255 /* ELFOSABI_STANDALONE */})
	le.PutUint16(ehdr[16:], 4) // ET_CORE
	le.PutUint16(ehdr[18:], d.machine)
	le.PutUint32(ehdr[20:], 1) // EV_CURRENT
	le.PutUint64(ehdr[32:], coreEhdrSize)
	le.PutUint16(ehdr[52:], coreEhdrSize)
	le.PutUint16(ehdr[54:], corePhdrSize)
	le.PutUint16(ehdr[56:], 2) // PT_NOTE, PT_LOAD

	noteSize := uint64(coreNhdrSize + len(coreNoteName) + len(prstatus))
	noteOff := uint64(coreEhdrSize + 2*corePhdrSize)
	loadOff := noteOff + noteSize

	pnote := hdrs[coreEhdrSize : coreEhdrSize+corePhdrSize]
	le.PutUint32(pnote[0:], 4) // PT_NOTE
	le.PutUint64(pnote[8:], noteOff)
	le.PutUint64(pnote[32:], noteSize)
	le.PutUint64(pnote[40:], noteSize)

	pload := hdrs[coreEhdrSize+corePhdrSize : coreEhdrSize+2*corePhdrSize]
	le.PutUint32(pload[0:], 1) // PT_LOAD
	le.PutUint64(pload[8:], loadOff)
	le.PutUint64(pload[32:], t.MemSize())
	le.PutUint64(pload[40:], t.MemSize())

	nhdr := hdrs[coreEhdrSize+2*corePhdrSize:]
	le.PutUint32(nhdr[0:], uint32(len(coreNoteName)))
	le.PutUint32(nhdr[4:], uint32(len(prstatus)))
	le.PutUint32(nhdr[8:], ntPrstatus)
	copy(nhdr[coreNhdrSize:], coreNoteName[:])

	if _, err := f.Write(hdrs); err != nil {
		return errors.Wrap(err, "writing ELF headers")
	}
	if _, err := f.Write(prstatus); err != nil {
		return errors.Wrap(err, "writing prstatus")
	}

	// Guest memory is dumped sparsely: mincore() tells us which pages the
	// guest actually touched; untouched pages remain holes in the file.
	pageSize := os.Getpagesize()
	npages := len(t.Mem) / pageSize
	mvec := make([]byte, npages)
	if err := unix.Mincore(t.Mem, mvec); err != nil {
		return errors.Wrap(err, "mincore() failed")
	}
	ndumped := 0
	for pg := 0; pg < npages; pg++ {
		if mvec[pg]&1 == 0 {
			continue
		}
		pgoff := pg * pageSize
		n, err := f.WriteAt(t.Mem[pgoff:pgoff+pageSize], int64(loadOff)+int64(pgoff))
		if err != nil || n != pageSize {
			return errors.Wrapf(err, "error dumping guest memory page %d", pg)
		}
		ndumped++
	}
	dumpcoreLog.Warnf("dumped %d pages of total %d pages", ndumped, npages)
	return nil
}
