// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tender

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// internalTimerfd marks the wait set's own timer in epoll event data. It is
// outside the valid solo5 handle range and filtered from reported events.
const internalTimerfd = ^uint64(1)

// WaitSet is the tender-side polling primitive behind the poll hypercall.
// On Linux it is an epoll descriptor; nanosecond-resolution timeouts are
// implemented with a single internal timerfd added to the set.
type WaitSet struct {
	epollFd  int
	timerFd  int
	npollfds int
}

// NewWaitSet creates the epoll descriptor and its internal timerfd.
func NewWaitSet() (*WaitSet, error) {
	epollFd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.Wrap(err, "could not create wait set")
	}
	timerFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "could not create wait set timerfd")
	}
	ws := &WaitSet{epollFd: epollFd, timerFd: timerFd}
	if err := ws.add(timerFd, internalTimerfd); err != nil {
		return nil, err
	}
	return ws, nil
}

// EpollFd returns the wait set's epoll descriptor. Under spt it is exported
// into the guest through the boot info.
func (ws *WaitSet) EpollFd() int {
	return ws.epollFd
}

// TimerFd returns the wait set's internal timerfd; exported like EpollFd.
func (ws *WaitSet) TimerFd() int {
	return ws.timerFd
}

func packEventData(v uint64) (int32, int32) {
	return int32(uint32(v)), int32(uint32(v >> 32))
}

func unpackEventData(fd, pad int32) uint64 {
	return uint64(uint32(fd)) | uint64(uint32(pad))<<32
}

func (ws *WaitSet) add(fd int, data uint64) error {
	lo, hi := packEventData(data)
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: lo, Pad: hi}
	if err := unix.EpollCtl(ws.epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrapf(err, "epoll_ctl(EPOLL_CTL_ADD, fd=%d) failed", fd)
	}
	return nil
}

// RegisterPollFd adds fd to the wait set. handle is the solo5 handle
// (manifest index) reported back in the poll ready set when fd becomes
// readable.
func (ws *WaitSet) RegisterPollFd(fd int, handle uint64) error {
	if err := ws.add(fd, handle); err != nil {
		return err
	}
	ws.npollfds++
	return nil
}

// Poll sleeps until any registered fd is readable or timeoutNsecs elapses.
// It returns the ready set bitmap over solo5 handles and the number of
// ready handles.
func (ws *WaitSet) Poll(timeoutNsecs uint64) (uint64, int, error) {
	// Arm the internal timer with the requested timeout. The value is ORed
	// with 1ns so it is never zero: a zero it_value disarms the timer and
	// the epoll_wait below would then block forever when no other
	// descriptors fire.
	it := unix.ItimerSpec{
		Value: unix.Timespec{
			Sec:  int64(timeoutNsecs / 1000000000),
			Nsec: int64(timeoutNsecs%1000000000) | 1,
		},
	}
	if err := unix.TimerfdSettime(ws.timerFd, 0, &it, nil); err != nil {
		return 0, 0, errors.Wrap(err, "timerfd_settime() failed")
	}

	nevents := ws.npollfds + 1
	revents := make([]unix.EpollEvent, nevents)
	var nrevents int
	for {
		var err error
		// Safe to restart on EINTR: the internal timerfd is independent
		// of this call's invocation.
		nrevents, err = unix.EpollWait(ws.epollFd, revents, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, 0, errors.Wrap(err, "epoll_wait() failed")
		}
		break
	}

	var readySet uint64
	n := nrevents
	for i := 0; i < nrevents; i++ {
		data := unpackEventData(revents[i].Fd, revents[i].Pad)
		if data == internalTimerfd {
			// Disregard in the total reported events.
			n--
			continue
		}
		readySet |= 1 << data
	}
	return readySet, n, nil
}
