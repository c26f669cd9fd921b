// Copyright (c) 2025 The solo5-go authors
//
// SPDX-License-Identifier: Apache-2.0
//

// solo5-hvt is the hardware-virtualized tender: it loads a unikernel into a
// KVM virtual machine, attaches the devices its manifest declares, and
// services its hypercalls.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/solo5/solo5-go/abi"
	"github.com/solo5/solo5-go/elfloader"
	"github.com/solo5/solo5-go/mft"
	"github.com/solo5/solo5-go/tender"
	"github.com/solo5/solo5-go/tender/hvt"
)

const (
	name    = "solo5-hvt"
	version = "0.7.0"
)

var hvtLog = logrus.WithFields(logrus.Fields{
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

func setupSignalHandler() {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		hvtLog.Fatalf("Exiting on signal %d", sig)
	}()
}

func setupLogger(ctx *cli.Context) error {
	switch ctx.GlobalString("log-format") {
	case "text":
		// retain logrus's default.
	case "json":
		hvtLog.Logger.Formatter = new(logrus.JSONFormatter)
	default:
		return fmt.Errorf("unknown log-format %q", ctx.GlobalString("log-format"))
	}
	if ctx.GlobalBool("debug") {
		hvtLog.Logger.SetLevel(logrus.DebugLevel)
	}
	// Diagnostics go to stderr; stdout belongs to the guest's console.
	hvtLog.Logger.SetOutput(os.Stderr)
	return nil
}

// splitModuleArgs separates device module options (which carry their own
// NAME-scoped syntax) from the core options and operands the cli app
// parses. A "--" terminates option processing.
func splitModuleArgs(args []string) (coreArgs, moduleArgs []string) {
	coreArgs = append(coreArgs, args[0])
	rest := args[1:]
	for i, arg := range rest {
		if arg == "--" {
			coreArgs = append(coreArgs, rest[i:]...)
			break
		}
		if !strings.HasPrefix(arg, "--") {
			coreArgs = append(coreArgs, rest[i:]...)
			break
		}
		if strings.ContainsRune(strings.TrimPrefix(arg, "--"), ':') ||
			strings.HasPrefix(arg, "--dumpcore=") {
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

	memSize, err := hvt.MemSize(ctx.GlobalUint64("mem") << 20)
	if err != nil {
		return err
	}
	backend, err := hvt.Init(memSize)
	if err != nil {
		return err
	}
	t, err := tender.NewTender(backend.Mem(), 0, m)
	if err != nil {
		return err
	}

	modules := []tender.Module{
		tender.NewNetModule(),
		tender.NewBlockModule(),
		tender.NewDumpcoreModule(backend, hvt.EMX8664),
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

	img, err := elfloader.Load(kernel, backend.Mem(), 0, hvt.X86GuestMinBase,
		backend.GuestMprotect)
	if err != nil {
		return err
	}
	if err := backend.VCPUInit(img.Entry); err != nil {
		return err
	}
	t.CPUCycleFreq = backend.CycleFreq()
	t.BootInfoBase = backend.BootInfoBase()

	if err := tender.SetupModules(t, modules); err != nil {
		return err
	}
	if err := t.InitBootInfo(img.End, guestArgs, abi.BootInfo{}); err != nil {
		return err
	}

	if err := backend.DropPrivileges(); err != nil {
		return err
	}

	status, err := backend.Loop(t)
	if err != nil {
		return err
	}
	os.Exit(status)
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Version = version
	app.Usage = "Solo5 hardware-virtualized tender"
	app.ArgsUsage = "KERNEL [ ARGS... ]"
	app.Flags = coreFlags
	app.Description = "KERNEL is the filename of the unikernel to run.\n" +
		"ARGS are optional arguments passed to the unikernel.\n\n" +
		tender.Usage([]tender.Module{
			tender.NewNetModule(),
			tender.NewBlockModule(),
			tender.NewDumpcoreModule(nil, hvt.EMX8664),
		})

	coreArgs, moduleArgs := splitModuleArgs(os.Args)
	app.Action = func(ctx *cli.Context) error {
		if err := setupLogger(ctx); err != nil {
			return err
		}
		setupSignalHandler()
		return run(ctx, moduleArgs)
	}

	if err := app.Run(coreArgs); err != nil {
		hvtLog.Error(err)
		os.Exit(1)
	}
}
