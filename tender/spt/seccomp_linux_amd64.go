// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package spt

import (
	"os"

	"github.com/pkg/errors"
	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"github.com/solo5/solo5-go/tender"
)

const (
	seccompSetModeFilter = 1

	// struct sock_filter is 8 bytes on the wire.
	sockFilterSize = 8

	archSetFS = 0x1002
)

// sockFprog is struct sock_fprog as passed to seccomp(2).
type sockFprog struct {
	len    uint16
	_      [6]byte
	filter *byte
}

// buildFilter synthesizes the seccomp-BPF program confining the guest. The
// default action kills the thread; the allow-list is the core set plus the
// per-device rules scoped to the exact fds the modules attached.
//
// The compiled program is exported to an anonymous memfd and read back into
// a plain byte slice: the filter must be fully materialized before the
// sandbox is entered, with no libseccomp state needed at load time.
func (s *SPT) buildFilter(t *tender.Tender, extraRules []tender.SeccompRule) ([]byte, error) {
	filter, err := seccomp.NewFilter(seccomp.ActKillThread)
	if err != nil {
		return nil, errors.Wrap(err, "seccomp_init() failed")
	}
	defer filter.Release()

	core := []tender.SeccompRule{
		{Syscall: "write", Conds: []tender.SeccompCond{
			{Arg: 0, Op: tender.SeccompEqual, Value: 1}}},
		{Syscall: "exit_group"},
		{Syscall: "epoll_pwait", Conds: []tender.SeccompCond{
			{Arg: 0, Op: tender.SeccompEqual, Value: uint64(t.WaitSet().EpollFd())}}},
		{Syscall: "timerfd_settime", Conds: []tender.SeccompCond{
			{Arg: 0, Op: tender.SeccompEqual, Value: uint64(t.WaitSet().TimerFd())}}},
		{Syscall: "clock_gettime", Conds: []tender.SeccompCond{
			{Arg: 0, Op: tender.SeccompEqual, Value: unix.CLOCK_MONOTONIC}}},
		{Syscall: "clock_gettime", Conds: []tender.SeccompCond{
			{Arg: 0, Op: tender.SeccompEqual, Value: unix.CLOCK_REALTIME}}},
		// The guest sets up its TLS base itself.
		{Syscall: "arch_prctl", Conds: []tender.SeccompCond{
			{Arg: 0, Op: tender.SeccompEqual, Value: archSetFS}}},
	}
	for _, rule := range append(core, extraRules...) {
		if err := addRule(filter, rule); err != nil {
			return nil, err
		}
	}

	memfd, err := unix.MemfdCreate("bpf_filter", 0)
	if err != nil {
		return nil, errors.Wrap(err, "memfd_create() failed")
	}
	f := os.NewFile(uintptr(memfd), "bpf_filter")
	defer f.Close()
	if err := filter.ExportBPF(f); err != nil {
		return nil, errors.Wrap(err, "seccomp_export_bpf() failed")
	}
	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "fstat() failed")
	}
	if st.Size()%sockFilterSize != 0 || st.Size()/sockFilterSize > 0xffff {
		return nil, errors.Errorf("unexpected BPF program size %d", st.Size())
	}
	prog := make([]byte, st.Size())
	if _, err := f.ReadAt(prog, 0); err != nil {
		return nil, errors.Wrap(err, "reading BPF program failed")
	}
	return prog, nil
}

func addRule(filter *seccomp.ScmpFilter, rule tender.SeccompRule) error {
	call, err := seccomp.GetSyscallFromName(rule.Syscall)
	if err != nil {
		return errors.Wrapf(err, "unknown syscall '%s'", rule.Syscall)
	}
	if len(rule.Conds) == 0 {
		if err := filter.AddRule(call, seccomp.ActAllow); err != nil {
			return errors.Wrapf(err, "seccomp_rule_add(%s) failed", rule.Syscall)
		}
		return nil
	}
	conds := make([]seccomp.ScmpCondition, 0, len(rule.Conds))
	for _, c := range rule.Conds {
		var op seccomp.ScmpCompareOp
		switch c.Op {
		case tender.SeccompEqual:
			op = seccomp.CompareEqual
		case tender.SeccompLessOrEqual:
			op = seccomp.CompareLessOrEqual
		default:
			return errors.Errorf("unknown seccomp comparison %d", c.Op)
		}
		cond, err := seccomp.MakeCondition(c.Arg, op, c.Value)
		if err != nil {
			return errors.Wrapf(err, "seccomp condition for '%s'", rule.Syscall)
		}
		conds = append(conds, cond)
	}
	if err := filter.AddRuleConditional(call, seccomp.ActAllow, conds); err != nil {
		return errors.Wrapf(err, "seccomp_rule_add(%s) failed", rule.Syscall)
	}
	return nil
}
