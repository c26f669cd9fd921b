// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

// solo5-spt is the process-sandboxed tender: it loads a unikernel into its
// own address space, synthesizes a seccomp-BPF filter from the devices the
// manifest declares, and transfers control with the sandbox sealed.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/solo5/solo5-go/elfloader"
	"github.com/solo5/solo5-go/mft"
	"github.com/solo5/solo5-go/tender"
	"github.com/solo5/solo5-go/tender/spt"
)

const (
	name    = "solo5-spt"
	version = "0.7.0"
)

var sptLog = logrus.WithFields(logrus.Fields{
	"name":   name,
	"source": "main",
	"pid":    os.Getpid(),
})

var coreFlags = []cli.Flag{
	cli.Uint64Flag{
		Name:  "mem",
		Value: 512,
		Usage: "guest memory in MiB",
	},
	cli.BoolFlag{
		Name:  "x-exec-heap",
		Usage: "make the heap executable." +
			" WARNING: This option is dangerous and not recommended as it" +
			" makes the heap and stack executable.",
	},
	cli.StringFlag{
		Name:  "log-format",
		Value: "text",
		Usage: "set the format used by logs ('text' (default), or 'json')",
	},
	cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug output",
	},
}

func setupLogger(ctx *cli.Context) error {
	switch ctx.GlobalString("log-format") {
	case "text":
		// retain logrus's default.
	case "json":
		sptLog.Logger.Formatter = new(logrus.JSONFormatter)
	default:
		return fmt.Errorf("unknown log-format %q", ctx.GlobalString("log-format"))
	}
	if ctx.GlobalBool("debug") {
		sptLog.Logger.SetLevel(logrus.DebugLevel)
	}
	sptLog.Logger.SetOutput(os.Stderr)
	return nil
}

// splitModuleArgs separates device module options from the core options and
// operands the cli app parses. A "--" terminates option processing.
//
// No signal handlers are installed: that would mean widening the seccomp
// policy for the guest's benefit.
func splitModuleArgs(args []string) (coreArgs, moduleArgs []string) {
	coreArgs = append(coreArgs, args[0])
	rest := args[1:]
	for i, arg := range rest {
		if arg == "--" || !strings.HasPrefix(arg, "--") {
			coreArgs = append(coreArgs, rest[i:]...)
			break
		}
		if strings.ContainsRune(strings.TrimPrefix(arg, "--"), ':') {
			moduleArgs = append(moduleArgs, arg)
			continue
		}
		coreArgs = append(coreArgs, arg)
	}
	return coreArgs, moduleArgs
}

func loadManifest(kernel *os.File) (*mft.Manifest, error) {
	note, err := elfloader.LoadNote(kernel, mft.NoteType, mft.NoteAlign, mft.NoteMaxSize)
	if err == elfloader.ErrNoNote {
		return nil, errors.Errorf("%s: no Solo5 manifest found in executable",
			kernel.Name())
	}
	if err != nil {
		return nil, err
	}
	m, err := mft.Unmarshal(note)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: Solo5 manifest is invalid", kernel.Name())
	}
	return m, nil
}

func run(ctx *cli.Context, moduleArgs []string) error {
	if !ctx.Args().Present() {
		cli.ShowAppHelp(ctx)
		return errors.New("missing KERNEL operand")
	}
	kernelPath := ctx.Args().First()
	guestArgs := ctx.Args().Tail()

	kernel, err := os.Open(kernelPath)
	if err != nil {
		return err
	}
	defer kernel.Close()

	m, err := loadManifest(kernel)
	if err != nil {
		return err
	}

	memSize := ctx.GlobalUint64("mem") << 20 &^ 0xfff
	backend, err := spt.Init(memSize, ctx.GlobalBool("x-exec-heap"))
	if err != nil {
		return err
	}
	t, err := tender.NewTender(backend.Mem(), spt.HostMemBase, m)
	if err != nil {
		return err
	}

	modules := []tender.Module{
		tender.NewNetModule(),
		tender.NewBlockModule(),
	}
	for _, arg := range moduleArgs {
		ok, err := tender.HandleCmdarg(modules, arg, m)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("invalid option: '%s'", arg)
		}
	}

	img, err := elfloader.Load(kernel, backend.Mem(), spt.HostMemBase,
		spt.GuestMinBase, backend.GuestMprotect)
	if err != nil {
		return err
	}
	backend.SetTLSSize(img.TLSSize)

	if err := tender.SetupModules(t, modules); err != nil {
		return err
	}

	// The guest keeps time through clock_gettime directly; the advertised
	// cycle counter ticks in nanoseconds.
	t.CPUCycleFreq = 1000000000
	t.BootInfoBase = spt.BootInfoBase
	if err := t.InitBootInfo(img.End, guestArgs, backend.BootInfoExtra(t)); err != nil {
		return err
	}

	// Does not return on success.
	return backend.Run(t, img.Entry, tender.SeccompRules(modules))
}

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Version = version
	app.Usage = "Solo5 process-sandboxed tender"
	app.ArgsUsage = "KERNEL [ ARGS... ]"
	app.Flags = coreFlags
	app.Description = "KERNEL is the filename of the unikernel to run.\n" +
		"ARGS are optional arguments passed to the unikernel.\n\n" +
		tender.Usage([]tender.Module{
			tender.NewNetModule(),
			tender.NewBlockModule(),
		})

	coreArgs, moduleArgs := splitModuleArgs(os.Args)
	app.Action = func(ctx *cli.Context) error {
		if err := setupLogger(ctx); err != nil {
			return err
		}
		return run(ctx, moduleArgs)
	}

	if err := app.Run(coreArgs); err != nil {
		sptLog.Error(err)
		os.Exit(1)
	}
}
