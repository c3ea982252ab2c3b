package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ekliptik/qtrvsim/loader"
	"github.com/ekliptik/qtrvsim/machine"
	"github.com/ekliptik/qtrvsim/timing/pipeline"
	"github.com/ekliptik/qtrvsim/trace"
)

// exitStatus is the process exit status decided by the last run.
var exitStatus int

type runOptions struct {
	configPath      string
	pipelined       bool
	hazardUnit      string
	predictor       string
	memorySize      uint64
	strictAlignment bool
	icache          bool
	dcache          bool
	trapVector      uint32
	syscalls        bool
	stopOn          []string
	maxCycles       uint64
	breakpoints     []string

	traceStages []string
	tracePC     bool
	traceRegs   []int
	traceGP     bool

	dumpRegs   bool
	dumpCycles bool
	dumpCache  bool
	dumpRanges []string
	expectFail bool

	profile string
}

func newRunCommand() (*cobra.Command, *runOptions) {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [program.elf]",
		Short: "Run an RV32 ELF executable",
		Long: `Run loads a statically linked RV32 ELF executable and simulates it
until it exits, an exception stops the core or the cycle budget runs out.
Flags override the values of the configuration file.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProgram(cmd, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "machine configuration JSON file")
	f.BoolVar(&opts.pipelined, "pipelined", true, "use the five-stage pipeline instead of the single-cycle core")
	f.StringVar(&opts.hazardUnit, "hazard-unit", "forward", "hazard unit: none, stall or forward")
	f.StringVar(&opts.predictor, "predictor", "bimodal", "branch predictor: static, btfnt or bimodal")
	f.Uint64Var(&opts.memorySize, "memory-size", 0, "addressable memory in bytes (0 = 4 GiB)")
	f.BoolVar(&opts.strictAlignment, "strict-alignment", false, "fault on misaligned loads and stores")
	f.BoolVar(&opts.icache, "icache", false, "enable the level-1 instruction cache")
	f.BoolVar(&opts.dcache, "dcache", false, "enable the level-1 data cache")
	f.Uint32Var(&opts.trapVector, "trap-vector", 0, "initial mtvec")
	f.BoolVar(&opts.syscalls, "syscall-emulation", true, "handle ecall as a Linux system call")
	f.StringSliceVar(&opts.stopOn, "stop-on-exception", nil, "exception causes that halt the core")
	f.Uint64Var(&opts.maxCycles, "max-cycles", 0, "cycle budget (0 = unbounded)")
	f.StringSliceVar(&opts.breakpoints, "break", nil, "hardware breakpoint addresses")

	f.StringSliceVar(&opts.traceStages, "trace", nil, "stages to trace: fetch, decode, execute, memory, writeback")
	f.BoolVar(&opts.tracePC, "trace-pc", false, "trace the PC after every step")
	f.IntSliceVar(&opts.traceRegs, "trace-reg", nil, "registers to trace after every step")
	f.BoolVar(&opts.traceGP, "trace-gp", false, "trace all general-purpose registers")

	f.BoolVar(&opts.dumpRegs, "dump-registers", false, "report registers and CSRs at the end")
	f.BoolVar(&opts.dumpCycles, "dump-cycles", false, "report cycle counters at the end")
	f.BoolVar(&opts.dumpCache, "dump-cache-stats", false, "report cache statistics at the end")
	f.StringArrayVar(&opts.dumpRanges, "dump-range", nil, "dump memory as START,LENGTH,FILE")
	f.BoolVar(&opts.expectFail, "expect-fail", false, "expect the program to stop on an unsupported instruction")

	f.StringVar(&opts.profile, "profile", "", "profile the simulator itself: cpu or mem")

	return cmd, opts
}

func init() {
	cmd, _ := newRunCommand()
	rootCmd.AddCommand(cmd)
}

func runProgram(cmd *cobra.Command, opts *runOptions, path string) error {
	switch opts.profile {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.Quiet).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.Quiet).Stop()
	default:
		return fmt.Errorf("unknown profile mode %q", opts.profile)
	}

	config, err := buildConfig(cmd, opts)
	if err != nil {
		return err
	}

	prog, err := loader.Load(path)
	if err != nil {
		return err
	}

	m, err := machine.New(config,
		machine.WithLogger(logrus.StandardLogger()),
		machine.WithStdin(os.Stdin),
		machine.WithStdout(cmd.OutOrStdout()),
		machine.WithStderr(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	if err := m.LoadELF(prog); err != nil {
		return err
	}

	for _, s := range opts.breakpoints {
		addr, err := parseUint32(s)
		if err != nil {
			return fmt.Errorf("bad breakpoint: %w", err)
		}
		m.Core().InsertHwBreak(addr)
	}

	out := cmd.OutOrStdout()
	tracer, err := newTracer(out, opts, m)
	if err != nil {
		return err
	}
	if tracer != nil {
		m.AddObserver(tracer)
	}

	reporter, err := newReporter(out, opts, m)
	if err != nil {
		return err
	}

	reason, err := m.Run()
	for err == nil && reason == machine.StopBreakpoint {
		fmt.Fprintf(out, "Hardware breakpoint at 0x%08x\n", m.Regs().PC)
		reason, err = m.Run()
	}
	if err != nil {
		return err
	}

	exitStatus, err = reporter.Report(reason)
	return err
}

// buildConfig loads the configuration file, if any, and applies the flags
// the user set explicitly.
func buildConfig(cmd *cobra.Command, opts *runOptions) (*machine.Config, error) {
	config := machine.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := machine.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	changed := cmd.Flags().Changed
	if changed("pipelined") {
		config.Pipelined = opts.pipelined
	}
	if changed("hazard-unit") {
		config.HazardUnit = opts.hazardUnit
	}
	if changed("predictor") {
		config.Predictor = opts.predictor
	}
	if changed("memory-size") {
		config.MemorySize = opts.memorySize
	}
	if changed("strict-alignment") {
		config.StrictAlignment = opts.strictAlignment
	}
	if changed("icache") {
		config.ICache.Enabled = opts.icache
	}
	if changed("dcache") {
		config.DCache.Enabled = opts.dcache
	}
	if changed("trap-vector") {
		config.TrapVector = opts.trapVector
	}
	if changed("syscall-emulation") {
		config.SyscallEmulation = opts.syscalls
	}
	if changed("stop-on-exception") {
		config.StopOnException = opts.stopOn
	}
	if changed("max-cycles") {
		config.MaxCycles = opts.maxCycles
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func newTracer(out io.Writer, opts *runOptions, m *machine.Machine) (*trace.Tracer, error) {
	if len(opts.traceStages) == 0 && !opts.tracePC && len(opts.traceRegs) == 0 && !opts.traceGP {
		return nil, nil
	}

	tracer := trace.NewTracer(out, m.Regs())
	for _, name := range opts.traceStages {
		stage, err := parseStage(name)
		if err != nil {
			return nil, err
		}
		tracer.TraceStage(stage)
	}
	if opts.tracePC {
		tracer.TracePC()
	}
	for _, reg := range opts.traceRegs {
		if reg < 0 || reg >= 32 {
			return nil, fmt.Errorf("register x%d does not exist", reg)
		}
		tracer.TraceRegister(uint8(reg))
	}
	if opts.traceGP {
		tracer.TraceAllRegisters()
	}
	return tracer, nil
}

func newReporter(out io.Writer, opts *runOptions, m *machine.Machine) (*trace.Reporter, error) {
	reporter := trace.NewReporter(out, m)
	if opts.dumpRegs {
		reporter.ReportRegisters()
	}
	if opts.dumpCycles {
		reporter.ReportCycles()
	}
	if opts.dumpCache {
		reporter.ReportCacheStats()
	}
	if opts.expectFail {
		reporter.ExpectFail(trace.FailAny)
	}
	for _, spec := range opts.dumpRanges {
		d, err := parseDumpRange(spec)
		if err != nil {
			return nil, err
		}
		reporter.AddDumpRange(d.Start, d.Len, d.Path)
	}
	return reporter, nil
}

func parseStage(name string) (pipeline.Stage, error) {
	for _, stage := range pipeline.Stages() {
		if stage.String() == strings.ToLower(name) {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// parseDumpRange parses START,LENGTH,FILE.
func parseDumpRange(spec string) (trace.DumpRange, error) {
	parts := strings.SplitN(spec, ",", 3)
	if len(parts) != 3 || parts[2] == "" {
		return trace.DumpRange{}, fmt.Errorf("dump range %q is not START,LENGTH,FILE", spec)
	}
	start, err := parseUint32(parts[0])
	if err != nil {
		return trace.DumpRange{}, fmt.Errorf("dump range %q: %w", spec, err)
	}
	length, err := parseUint32(parts[1])
	if err != nil {
		return trace.DumpRange{}, fmt.Errorf("dump range %q: %w", spec, err)
	}
	d := trace.DumpRange{Start: start, Len: length, Path: parts[2]}
	if err := d.Validate(); err != nil {
		return trace.DumpRange{}, err
	}
	return d, nil
}

// parseUint32 accepts decimal, 0x hexadecimal and 0o octal numbers.
func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
