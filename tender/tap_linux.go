// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tender

import (
	"crypto/rand"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// defaultMTU is the MTU reported for a pre-opened tap fd, and the upper
// bound of the MTU reported for a named interface.
const defaultMTU = 1500

// TapAttach attaches to the host tap interface named by spec and returns a
// non-blocking file descriptor for it, plus the MTU to advertise: the
// interface MTU capped at defaultMTU. A spec of "@NN" means "fd NN is
// already an open tap, use it as-is"; its MTU is reported as defaultMTU.
func TapAttach(spec string) (fd int, mtu uint16, err error) {
	if strings.HasPrefix(spec, "@") {
		n, err := strconv.Atoi(spec[1:])
		if err != nil || n < 0 {
			return -1, 0, errors.Errorf("malformed tap fd: '%s'", spec)
		}
		if err := unix.SetNonblock(n, true); err != nil {
			return -1, 0, errors.Wrapf(err, "setting tap fd %d non-blocking", n)
		}
		return n, defaultMTU, nil
	}

	if len(spec) >= unix.IFNAMSIZ {
		return -1, 0, errors.Errorf("interface name '%s' too long", spec)
	}
	link, err := netlink.LinkByName(spec)
	if err != nil {
		return -1, 0, errors.Wrapf(err, "interface '%s' not found", spec)
	}
	if _, isTap := link.(*netlink.Tuntap); !isTap && link.Type() != "tuntap" {
		return -1, 0, errors.Errorf("interface '%s' is not a tap device", spec)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return -1, 0, errors.Wrapf(err, "could not bring up interface '%s'", spec)
	}
	mtu = defaultMTU
	if m := link.Attrs().MTU; m > 0 && m < defaultMTU {
		mtu = uint16(m)
	}

	fd, err = unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, 0, errors.Wrap(err, "could not open /dev/net/tun")
	}
	ifr, err := unix.NewIfreq(spec)
	if err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrapf(err, "interface '%s'", spec)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrapf(err, "could not attach interface '%s'", spec)
	}
	return fd, mtu, nil
}

// GenerateMAC returns a random locally-administered unicast MAC address.
func GenerateMAC() ([6]byte, error) {
	var mac [6]byte
	if _, err := rand.Read(mac[:]); err != nil {
		return mac, errors.Wrap(err, "could not generate MAC address")
	}
	mac[0] &= 0xfe // clear multicast bit
	mac[0] |= 0x02 // set local assignment bit
	return mac, nil
}
