//go:build windows

// Package cmds builds the crashsnap command tree. Grounded on the
// teacher's cmd/dlv/cmds/commands.go: a package-level rootCommand, a New
// constructor that loads config up front, and subcommands built as
// local *cobra.Command literals with PersistentPreRunE argument checks.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/windows"

	"github.com/crashsnap/crashsnap/pkg/binarylog"
	"github.com/crashsnap/crashsnap/pkg/config"
	"github.com/crashsnap/crashsnap/pkg/logflags"
	"github.com/crashsnap/crashsnap/pkg/pathutil"
	"github.com/crashsnap/crashsnap/pkg/pump"
	"github.com/crashsnap/crashsnap/pkg/rtti"
	"github.com/crashsnap/crashsnap/pkg/stacktrace"
	"github.com/crashsnap/crashsnap/pkg/target"
	"github.com/crashsnap/crashsnap/pkg/textsink"
	"github.com/crashsnap/crashsnap/pkg/version"
)

var (
	log       bool
	logOutput string

	noColor         bool
	printContext    bool
	outputTemplate  string
	symbolSearchPath string
	maxRecursion     int
	maxInstructions  int
	breakOnFirstChanceOnly bool
	pauseOnBreakpoint      bool

	onlyEvents string

	rootCommand *cobra.Command

	conf *config.Config
)

const crashsnapLongDesc = `crashsnap attaches to or launches a Windows process, captures a
register/stack/RTTI snapshot at every exception and breakpoint, and
either prints it or records it to a binary log for later replay.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:     "crashsnap",
		Short:   "Postmortem and live-attach crash snapshotter for Windows processes.",
		Long:    crashsnapLongDesc,
		Version: version.CrashSnapVersion.String(),
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (pump, stacktrace, rtti, binarylog, replayer, target).")
	rootCommand.PersistentFlags().BoolVar(&noColor, "no-color", conf.NoColor, "Disable ANSI colorization of the textual sink.")
	rootCommand.PersistentFlags().BoolVar(&printContext, "print-context", true, "Print the register context alongside every stack trace.")
	rootCommand.PersistentFlags().StringVar(&outputTemplate, "output", conf.OutputTemplate, "Binary log output path template ({pid}, {process}, {date}); empty disables binary logging.")
	rootCommand.PersistentFlags().StringVar(&symbolSearchPath, "symbol-search-path", conf.SymbolSearchPath, "Semicolon-separated DbgHelp symbol search path.")
	rootCommand.PersistentFlags().IntVar(&maxRecursion, "max-recursion", conf.MaxRecursion, "Consecutive recursive frames collapsed into one marker; 0 = unlimited.")
	rootCommand.PersistentFlags().IntVar(&maxInstructions, "max-instructions", conf.MaxInstructions, "Disassembled instructions kept per frame; 0 disables disassembly.")
	rootCommand.PersistentFlags().BoolVar(&breakOnFirstChanceOnly, "break-on-first-chance-only", conf.BreakOnFirstChanceOnly, "With --pause-on-breakpoint, pause after an exception only on its first-chance delivery.")
	rootCommand.PersistentFlags().BoolVar(&pauseOnBreakpoint, "pause-on-breakpoint", conf.PauseOnBreakpoint, "Block for an operator keypress after a breakpoint hit or an exception.")

	attachCommand := &cobra.Command{
		Use:   "attach <pid>",
		Short: "Attach to a running process and snapshot it on every exception and breakpoint.",
		Long:  "Attach to an already running process as a debugger and begin producing snapshots.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	launchCommand := &cobra.Command{
		Use:   "launch <path> [args...]",
		Short: "Launch a process under debug supervision and snapshot it.",
		Long:  "Start path as a new process, suspended for debug events, and begin producing snapshots.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to an executable")
			}
			return nil
		},
		Run: launchCmd,
	}
	rootCommand.AddCommand(launchCommand)

	postmortemCommand := &cobra.Command{
		Use:   "postmortem <pid> <event-handle> <jit-info-addr>",
		Short: "Entry point invoked by Windows when crashsnap is the registered JIT debugger.",
		Long: `Entry point invoked by Windows Error Reporting when crashsnap is
registered as the AeDebug postmortem debugger. Reads the crashing
process id, the event handle to signal when finished, and the address
of the JIT_DEBUG_INFO structure, all positional the way Windows passes
them to a registered JIT debugger.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 3 {
				return errors.New("postmortem requires exactly <pid> <event-handle> <jit-info-addr>")
			}
			return nil
		},
		Run: postmortemCmd,
	}
	rootCommand.AddCommand(postmortemCommand)

	replayCommand := &cobra.Command{
		Use:   "replay <logfile>",
		Short: "Replay a binary crash log through the textual formatter.",
		Long:  "Read a .hsl binary log and drive the textual sink from its recorded events.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a path to a binary log")
			}
			return nil
		},
		Run: replayCmd,
	}
	replayCommand.Flags().StringVar(&onlyEvents, "only", "", "Comma-separated event filter (Exception,CreateThread,CreateProcess,ExitThread,ExitProcess,LoadDll,UnloadDll,DebugString,Rip); empty means all.")
	rootCommand.AddCommand(replayCommand)

	return rootCommand
}

func setupLogging() {
	if err := logflags.Setup(log, logOutput); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildSinks assembles the textual sink (always, to stdout) plus an
// optional binary-log writer sink when --output names a template,
// returning the sinks and a cleanup function that finalizes the log
// file's CRC and closes it.
func buildSinks(pid uint32, processPath string) ([]pump.Sink, func(), error) {
	sinks := []pump.Sink{textsink.New(os.Stdout, textsink.Options{
		PrintContext: printContext,
		Colorize:     !noColor,
	})}

	if outputTemplate == "" {
		return sinks, func() {}, nil
	}

	path := pathutil.ExpandTemplate(outputTemplate, pid, processPath, time.Now())
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create binary log %s: %w", path, err)
	}
	w := binarylog.NewWriter(f, os.Args)
	sinks = append(sinks, w)
	// w's OnModuleCollectionComplete (called by Pump.Run/RunPostmortem as
	// every other sink's) stamps the final CRC before this closes the file.
	return sinks, func() { f.Close() }, nil
}

func buildPump(facade target.Facade) (*pump.Pump, func()) {
	sym := stacktrace.NewDbgHelpSymbolService(windows.Handle(facade.ProcessHandle()))
	if err := sym.Init(symbolSearchPath); err != nil {
		logflags.StackTraceLogger().Warnf("symbol engine init failed: %v", err)
	}
	dec := stacktrace.X86Decoder{}

	p := pump.New(facade, sym, dec, pump.Options{
		MaxRecursion:           maxRecursion,
		MaxInstructions:        maxInstructions,
		SymbolSearchPath:       symbolSearchPath,
		BreakOnBreakpoint:      pauseOnBreakpoint,
		BreakOnException:       pauseOnBreakpoint,
		BreakOnFirstChanceOnly: breakOnFirstChanceOnly,
		Demangler:              rtti.NewDbgHelpDemangler(),
	})
	return p, sym.Cleanup
}

func attachCmd(cmd *cobra.Command, args []string) {
	setupLogging()

	pid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid pid %q: %v\n", args[0], err)
		os.Exit(1)
	}

	hProcess, err := target.OpenForAttach(uint32(pid))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open process %d: %v\n", pid, err)
		os.Exit(1)
	}
	if err := target.DebugActiveProcess(uint32(pid)); err != nil {
		fmt.Fprintf(os.Stderr, "DebugActiveProcess(%d): %v\n", pid, err)
		os.Exit(1)
	}
	defer target.DebugActiveProcessStop(uint32(pid))

	processPath, _ := target.ExePath(hProcess)
	facade := target.NewWindowsFacade(uint32(pid), hProcess)

	runPump(facade, processPath)
}

func launchCmd(cmd *cobra.Command, args []string) {
	setupLogging()

	launched, err := target.Launch(args[0], args[1:], ".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "launch %s: %v\n", args[0], err)
		os.Exit(1)
	}
	defer target.DebugActiveProcessStop(launched.Pid)

	facade := target.NewWindowsFacade(launched.Pid, launched.HProcess)
	runPump(facade, args[0])
}

func runPump(facade target.Facade, processPath string) {
	sinks, cleanup, err := buildSinks(facade.Pid(), processPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	p, symCleanup := buildPump(facade)
	defer symCleanup()
	for _, s := range sinks {
		p.AddSink(s)
	}

	if err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func postmortemCmd(cmd *cobra.Command, args []string) {
	setupLogging()

	pid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid pid %q: %v\n", args[0], err)
		os.Exit(1)
	}
	eventHandle, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid event handle %q: %v\n", args[1], err)
		os.Exit(1)
	}
	jitInfoAddr, err := strconv.ParseUint(args[2], 0, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid JIT_DEBUG_INFO address %q: %v\n", args[2], err)
		os.Exit(1)
	}

	hProcess, err := target.OpenForAttach(uint32(pid))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open process %d: %v\n", pid, err)
		os.Exit(1)
	}
	processPath, _ := target.ExePath(hProcess)
	facade := target.NewWindowsFacade(uint32(pid), hProcess)

	sinks, cleanup, err := buildSinks(uint32(pid), processPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	p, symCleanup := buildPump(facade)
	defer symCleanup()
	for _, s := range sinks {
		p.AddSink(s)
	}

	if err := p.RunPostmortem(uintptr(jitInfoAddr), windows.Handle(eventHandle)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func replayCmd(cmd *cobra.Command, args []string) {
	setupLogging()

	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	sink := textsink.New(os.Stdout, textsink.Options{
		PrintContext: printContext,
		Colorize:     !noColor,
	})

	opts := binarylog.Options{VerifyChecksum: true, Allow: parseOnlyFilter(onlyEvents)}
	if err := binarylog.Replay(f, sink, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseOnlyFilter(s string) map[binarylog.EventID]bool {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	all := map[string]binarylog.EventID{
		"exception":    binarylog.EventException,
		"createthread": binarylog.EventCreateThread,
		"createprocess": binarylog.EventCreateProcess,
		"exitthread":   binarylog.EventExitThread,
		"exitprocess":  binarylog.EventExitProcess,
		"loaddll":      binarylog.EventLoadDll,
		"unloaddll":    binarylog.EventUnloadDll,
		"debugstring":  binarylog.EventDebugString,
		"rip":          binarylog.EventRip,
	}
	allow := map[binarylog.EventID]bool{}
	for _, name := range strings.Split(s, ",") {
		id, ok := all[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown --only event %q\n", name)
			os.Exit(1)
		}
		allow[id] = true
	}
	return allow
}
