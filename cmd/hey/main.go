package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"

	"github.com/wudi/sandboxvm/compiler"
	"github.com/wudi/sandboxvm/repl"
	"github.com/wudi/sandboxvm/snapshot"
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/version"
	"github.com/wudi/sandboxvm/vm"
	"github.com/wudi/sandboxvm/vmconfig"
	"github.com/wudi/sandboxvm/vmtracker"
)

func main() {
	app := &cli.Command{
		Name:  "hey",
		Usage: "a sandboxed bytecode VM",
		Flags: limitFlags(),
		Commands: []*cli.Command{
			runCommand,
			replCommand,
			snapshotCommand,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println(version.Version())
			return nil
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// limitFlags declares the resource-limit flags shared by run and repl,
// matching vmconfig.Limits field-for-field.
func limitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "limits", Usage: "path to a YAML file of resource limits (vmconfig.Limits)"},
		&cli.Int64Flag{Name: "max-allocations", Usage: "heap allocation count budget (0 = unlimited)"},
		&cli.Float64Flag{Name: "max-duration-secs", Usage: "wall-clock budget in seconds (0 = unlimited)"},
		&cli.Int64Flag{Name: "max-memory-bytes", Usage: "cumulative heap allocation byte budget (0 = unlimited)"},
		&cli.Int64Flag{Name: "gc-interval", Usage: "allocations between cycle collector passes (0 = default of 4096)"},
		&cli.IntFlag{Name: "max-recursion-depth", Usage: "call-stack depth budget (0 = a safe floor)"},
	}
}

// resolveLimits layers --limits's file (if given) under any
// individually-set flags, so a shared config file can be overridden
// per invocation without editing it.
func resolveLimits(cmd *cli.Command) (vmtracker.Limits, error) {
	limits := vmconfig.Limits{}
	if path := cmd.String("limits"); path != "" {
		loaded, err := vmconfig.Load(path)
		if err != nil {
			return vmtracker.Limits{}, err
		}
		limits = loaded
	}
	if cmd.IsSet("max-allocations") {
		limits.MaxAllocations = cmd.Int64("max-allocations")
	}
	if cmd.IsSet("max-duration-secs") {
		limits.MaxDurationSecs = cmd.Float64("max-duration-secs")
	}
	if cmd.IsSet("max-memory-bytes") {
		limits.MaxMemoryBytes = cmd.Int64("max-memory-bytes")
	}
	if cmd.IsSet("gc-interval") {
		limits.GCInterval = cmd.Int64("gc-interval")
	}
	if cmd.IsSet("max-recursion-depth") {
		limits.MaxRecursionDepth = cmd.Int("max-recursion-depth")
	}
	return limits.ToTrackerLimits(), nil
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "compile and run a resolved-AST JSON program to completion",
	ArgsUsage: "<file>",
	Flags: append(limitFlags(), &cli.StringFlag{
		Name:  "dump-to",
		Usage: "write the VM's final state (snapshot.Decode-compatible) to this path",
	}),
	Action: func(ctx context.Context, cmd *cli.Command) error {
		path := cmd.Args().First()
		if path == "" {
			return errors.New("run requires a file argument")
		}
		limits, err := resolveLimits(cmd)
		if err != nil {
			return err
		}
		return runFile(path, limits, cmd.String("dump-to"))
	},
}

func runFile(path string, limits vmtracker.Limits, dumpTo string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	program, err := decodeProgram(data)
	if err != nil {
		return err
	}
	externalNames := collectExternalNames(program.Module)

	moduleCode, interns, err := compiler.Compile(program, externalNames)
	if err != nil {
		return err
	}

	m := vm.New(interns, limits, vm.PrintSinkFunc(func(s string) { fmt.Print(s) }))
	if err := m.LoadModule(moduleCode, nil); err != nil {
		return err
	}

	outcome, v, err := m.Run()
	for outcome == vm.OutcomeSuspended {
		pending := m.Pending()
		fmt.Fprintf(os.Stderr, "suspended on external call %q (call_id=%s); resuming with None\n",
			pending.FunctionName, pending.CallID)
		outcome, v, err = m.Resume(value.None())
	}

	if dumpTo != "" {
		dump, dumpErr := m.Dump()
		if dumpErr != nil {
			return dumpErr
		}
		if writeErr := os.WriteFile(dumpTo, dump, 0o644); writeErr != nil {
			return writeErr
		}
	}

	if outcome == vm.OutcomeError {
		return err
	}
	fmt.Println(v.String())
	return nil
}

var replCommand = &cli.Command{
	Name:  "repl",
	Usage: "start an interactive session over a tiny arithmetic/assignment language",
	Flags: limitFlags(),
	Action: func(ctx context.Context, cmd *cli.Command) error {
		limits, err := resolveLimits(cmd)
		if err != nil {
			return err
		}
		return runREPL(limits)
	},
}

func runREPL(limits vmtracker.Limits) error {
	empty, _ := resolveReplLine("")
	session, _, err := repl.Create(empty, nil, limits, vm.PrintSinkFunc(func(s string) { fmt.Print(s) }))
	if err != nil {
		return err
	}

	if isatty.IsTerminal(os.Stdin.Fd()) {
		return runREPLWithReadline(session)
	}
	return runREPLWithScanner(session)
}

func runREPLWithReadline(session *repl.REPL) error {
	rl, err := readline.New("hey> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF (ctrl-d) or readline.ErrInterrupt (ctrl-c)
			return nil
		}
		feedREPLLine(session, line)
	}
}

func runREPLWithScanner(session *repl.REPL) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		feedREPLLine(session, scanner.Text())
	}
	return scanner.Err()
}

func feedREPLLine(session *repl.REPL, line string) {
	if line == "" {
		return
	}
	snippet, err := resolveReplLine(line)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return
	}
	v, err := session.Feed(snippet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return
	}
	if !v.IsNone() {
		fmt.Println(v.String())
	}
}

var snapshotCommand = &cli.Command{
	Name:  "snapshot",
	Usage: "inspect dumped VM state",
	Commands: []*cli.Command{
		{
			Name:      "inspect",
			Usage:     "print a summary of a file written by run --dump-to",
			ArgsUsage: "<file>",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				path := cmd.Args().First()
				if path == "" {
					return errors.New("snapshot inspect requires a file argument")
				}
				return inspectSnapshot(path)
			},
		},
	},
}

func inspectSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		return err
	}
	fmt.Printf("frames:     %d\n", len(snap.Frames))
	fmt.Printf("stack:      %d value(s)\n", len(snap.Stack))
	fmt.Printf("heap slots: %d\n", len(snap.Heap))
	fmt.Printf("globals:    %d\n", len(snap.Globals))
	for name, v := range snap.Globals {
		fmt.Printf("  %s = %s\n", name, v.String())
	}
	if snap.CurrentException != nil {
		fmt.Println("current exception: pending (uncaught)")
	}
	if snap.Pending != nil {
		fmt.Printf("suspended on: %s (call_id=%s, %d arg(s))\n",
			snap.Pending.FunctionName, snap.Pending.CallID, len(snap.Pending.Args))
	}
	return nil
}
