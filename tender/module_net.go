// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tender

import (
	"net"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/mft"
)

// etherHdrSize is the ethernet frame header size; a frame may carry up to
// MTU plus header bytes.
const etherHdrSize = 14

// NetModule attaches host tap interfaces to NET_BASIC manifest entries and
// implements the net hypercalls.
type NetModule struct {
	inUse bool
	fds   []int
}

// NewNetModule returns the network device module.
func NewNetModule() *NetModule {
	return &NetModule{}
}

func (n *NetModule) Name() string {
	return "net"
}

func (n *NetModule) Usage() string {
	return "--net:NAME=IFACE | @NN (attach tap at IFACE or at fd @NN as network NAME)\n" +
		"  [ --net-mac:NAME=HWADDR ] (set HWADDR for network NAME)"
}

func (n *NetModule) HandleCmdarg(arg string, m *mft.Manifest) (bool, error) {
	switch {
	case strings.HasPrefix(arg, "--net:"):
		name, iface, err := splitNameValue(arg[len("--net:"):])
		if err != nil {
			return true, err
		}
		e, _ := m.GetByName(name, mft.TypeNetBasic)
		if e == nil {
			return true, errors.Errorf("resource not declared in manifest: '%s'", name)
		}
		fd, mtu, err := TapAttach(iface)
		if err != nil {
			return true, err
		}
		// e.MAC is set either by --net-mac or generated at setup time.
		e.MTU = mtu
		e.HostFd = int64(fd)
		e.Attached = true
		n.inUse = true
		n.fds = append(n.fds, fd)
		return true, nil

	case strings.HasPrefix(arg, "--net-mac:"):
		name, macStr, err := splitNameValue(arg[len("--net-mac:"):])
		if err != nil {
			return true, err
		}
		e, _ := m.GetByName(name, mft.TypeNetBasic)
		if e == nil {
			return true, errors.Errorf("resource not declared in manifest: '%s'", name)
		}
		mac, err := net.ParseMAC(macStr)
		if err != nil || len(mac) != 6 {
			return true, errors.Errorf("malformed mac address: %s", macStr)
		}
		copy(e.MAC[:], mac)
		return true, nil
	}
	return false, nil
}

func (n *NetModule) Setup(t *Tender) error {
	if !n.inUse {
		return nil
	}

	for i := 1; i < len(t.Mft.Entries); i++ {
		e := &t.Mft.Entries[i]
		if e.Type != mft.TypeNetBasic || !e.Attached {
			continue
		}
		if e.MAC == ([6]byte{}) {
			mac, err := GenerateMAC()
			if err != nil {
				return err
			}
			e.MAC = mac
		}
		tenderLog.WithField("subsystem", "net").Debugf(
			"attached '%s' as handle %d, mac %02x:%02x:%02x:%02x:%02x:%02x",
			e.Name, i, e.MAC[0], e.MAC[1], e.MAC[2], e.MAC[3], e.MAC[4], e.MAC[5])
		if err := t.RegisterPollFd(int(e.HostFd), uint64(i)); err != nil {
			return err
		}
	}

	if err := t.RegisterHypercall(abi.HypercallNetWrite, hypercallNetWrite); err != nil {
		return err
	}
	return t.RegisterHypercall(abi.HypercallNetRead, hypercallNetRead)
}

// SeccompRules allows plain read/write, scoped to each attached tap fd.
func (n *NetModule) SeccompRules() []SeccompRule {
	var rules []SeccompRule
	for _, fd := range n.fds {
		cond := []SeccompCond{{Arg: 0, Op: SeccompEqual, Value: uint64(fd)}}
		rules = append(rules,
			SeccompRule{Syscall: "read", Conds: cond},
			SeccompRule{Syscall: "write", Conds: cond})
	}
	return rules
}

func hypercallNetWrite(t *Tender, gpa abi.GuestPtr) error {
	b, err := t.CheckedSlice(gpa, abi.NetWriteSize)
	if err != nil {
		return err
	}
	var wr abi.NetWrite
	wr.Decode(b)

	e := t.Mft.GetByIndex(wr.Handle, mft.TypeNetBasic)
	if e == nil || !e.Attached || wr.Len > uint64(e.MTU)+etherHdrSize {
		wr.Ret = abi.REinval
		wr.Encode(b)
		return nil
	}
	data, err := t.CheckedSlice(wr.Data, wr.Len)
	if err != nil {
		return err
	}

	written, err := unix.Write(int(e.HostFd), data)
	if err != nil {
		return errors.Wrapf(err, "net write on handle %d failed", wr.Handle)
	}
	// A partial frame write is a protocol violation on the host side; the
	// sandbox fails closed rather than surfacing a torn frame.
	if uint64(written) != wr.Len {
		return errors.Errorf("net write on handle %d truncated: %d of %d bytes",
			wr.Handle, written, wr.Len)
	}
	wr.Ret = abi.ROk
	wr.Encode(b)
	return nil
}

func hypercallNetRead(t *Tender, gpa abi.GuestPtr) error {
	b, err := t.CheckedSlice(gpa, abi.NetReadSize)
	if err != nil {
		return err
	}
	var rd abi.NetRead
	rd.Decode(b)

	e := t.Mft.GetByIndex(rd.Handle, mft.TypeNetBasic)
	if e == nil || !e.Attached {
		rd.Ret = abi.REinval
		rd.Encode(b)
		return nil
	}
	data, err := t.CheckedSlice(rd.Data, rd.Len)
	if err != nil {
		return err
	}

	got, err := unix.Read(int(e.HostFd), data)
	if err == unix.EAGAIN || got == 0 {
		rd.Ret = abi.RAgain
		rd.Encode(b)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "net read on handle %d failed", rd.Handle)
	}
	rd.Len = uint64(got)
	rd.Ret = abi.ROk
	rd.Encode(b)
	return nil
}
