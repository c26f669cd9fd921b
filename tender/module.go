// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

package tender

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/solo5/solo5-go/mft"
)

// Module is a compile-time registered tender plugin providing one class of
// device or facility. The tender front-ends hold an explicit list of the
// modules they are built with and feed command line options through
// HandleCmdarg before running Setup on all of them.
type Module interface {
	// Name identifies the module in usage output.
	Name() string

	// HandleCmdarg offers one command line option to the module. ok reports
	// whether the option belongs to this module; err reports a malformed
	// value or a failure to attach the named host resource.
	HandleCmdarg(arg string, m *mft.Manifest) (ok bool, err error)

	// Setup runs after all options are parsed. Modules register their
	// hypercall handlers and poll fds here.
	Setup(t *Tender) error

	// Usage returns the module's option help text, or "".
	Usage() string
}

// SeccompCondOp compares a syscall argument against a rule value.
type SeccompCondOp int

const (
	// SeccompEqual requires the argument to equal the value.
	SeccompEqual SeccompCondOp = iota
	// SeccompLessOrEqual requires the argument to be at most the value.
	SeccompLessOrEqual
)

// SeccompCond restricts one argument of an allowed syscall.
type SeccompCond struct {
	Arg   uint
	Op    SeccompCondOp
	Value uint64
}

// SeccompRule allows one syscall, optionally restricted by argument
// conditions. Rules are descriptive; the spt backend materializes them into
// the BPF filter before entering the sandbox.
type SeccompRule struct {
	Syscall string
	Conds   []SeccompCond
}

// SeccompRuleProvider is implemented by modules which need syscalls allowed
// in the spt sandbox, scoped to the exact resources they attached.
type SeccompRuleProvider interface {
	SeccompRules() []SeccompRule
}

// HandleCmdarg offers arg to each module in turn. ok reports whether any
// module consumed it.
func HandleCmdarg(modules []Module, arg string, m *mft.Manifest) (bool, error) {
	for _, mod := range modules {
		ok, err := mod.HandleCmdarg(arg, m)
		if err != nil {
			return true, errors.Wrapf(err, "module '%s'", mod.Name())
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// SetupModules runs Setup on every module, then verifies manifest closure:
// every declared device must have been attached to a host resource, or the
// guest is not allowed to run.
func SetupModules(t *Tender, modules []Module) error {
	for _, mod := range modules {
		if err := mod.Setup(t); err != nil {
			if u := mod.Usage(); u != "" {
				tenderLog.Warnf("Please check you have correctly specified:\n    %s", u)
			}
			return errors.Wrapf(err, "module '%s' setup failed", mod.Name())
		}
	}

	for i := 1; i < len(t.Mft.Entries); i++ {
		e := &t.Mft.Entries[i]
		if !e.Attached {
			return errors.Errorf("device '%s' of type %s declared but not attached",
				e.Name, e.Type)
		}
	}
	return nil
}

// SeccompRules collects the sandbox allow-rules of all modules.
func SeccompRules(modules []Module) []SeccompRule {
	var rules []SeccompRule
	for _, mod := range modules {
		if p, isProvider := mod.(SeccompRuleProvider); isProvider {
			rules = append(rules, p.SeccompRules()...)
		}
	}
	return rules
}

// Usage returns the help text for a module list: names first, then the
// per-module option descriptions.
func Usage(modules []Module) string {
	var names, opts []string
	for _, mod := range modules {
		names = append(names, mod.Name())
		if u := mod.Usage(); u != "" {
			opts = append(opts, "    "+u)
		}
	}
	if len(opts) == 0 {
		opts = append(opts, "    (none)")
	}
	return "Compiled-in modules: " + strings.Join(names, " ") +
		"\nCompiled-in module options:\n" + strings.Join(opts, "\n")
}

// splitNameValue parses the NAME=VALUE tail of a module option. Both parts
// must be non-empty; NAME is not checked against the manifest name syntax
// here, the caller's manifest lookup rejects unknown names.
func splitNameValue(tail string) (name, value string, err error) {
	idx := strings.IndexByte(tail, '=')
	if idx < 1 {
		return "", "", errors.New("malformed option, expected NAME=VALUE")
	}
	name, value = tail[:idx], tail[idx+1:]
	if value == "" {
		return "", "", errors.New("malformed option, expected NAME=VALUE")
	}
	return name, value, nil
}
