// Package machine assembles a simulated RV32 computer from a Config: the
// register and CSR files, main memory with optional level-1 caches, the
// branch predictor and the timing core. It loads programs and runs them.
package machine

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ekliptik/qtrvsim/emu"
	"github.com/ekliptik/qtrvsim/loader"
	"github.com/ekliptik/qtrvsim/timing/cache"
	"github.com/ekliptik/qtrvsim/timing/pipeline"
)

// StopReason tells why Run returned.
type StopReason int

const (
	// StopExit means the program called exit.
	StopExit StopReason = iota
	// StopException means an exception halted the core.
	StopException
	// StopBreakpoint means fetch reached a hardware breakpoint. Calling
	// Run again continues past it.
	StopBreakpoint
	// StopCycleLimit means the configured cycle budget ran out.
	StopCycleLimit
)

var stopReasonNames = [...]string{"exit", "exception", "breakpoint", "cycle limit"}

func (r StopReason) String() string {
	if int(r) < len(stopReasonNames) {
		return stopReasonNames[r]
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

// Stats collects the statistics of every component.
type Stats struct {
	Core pipeline.Statistics
	// ICache and DCache are nil when the cache is disabled.
	ICache *cache.Statistics
	DCache *cache.Statistics
	// Predictor is nil unless the bimodal predictor is configured.
	Predictor *pipeline.BranchPredictorStats
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger shared by the machine and its core.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithStdin sets the reader behind the read system call.
func WithStdin(r io.Reader) Option {
	return func(m *Machine) {
		m.stdin = r
	}
}

// WithStdout sets the writer behind file descriptor 1.
func WithStdout(w io.Writer) Option {
	return func(m *Machine) {
		m.stdout = w
	}
}

// WithStderr sets the writer behind file descriptor 2.
func WithStderr(w io.Writer) Option {
	return func(m *Machine) {
		m.stderr = w
	}
}

// Machine owns every component of the simulated computer.
type Machine struct {
	config *Config
	logger logrus.FieldLogger

	regs      *emu.RegFile
	csrs      *emu.CSRFile
	memory    *emu.Memory
	icache    *cache.Cache
	dcache    *cache.Cache
	predictor pipeline.Predictor
	core      *pipeline.Core
	syscalls  *emu.DefaultSyscallHandler

	stdin          io.Reader
	stdout, stderr io.Writer

	entry        uint32
	initialSP    uint32
	atBreakpoint bool
	exited       bool
	exitCode     int32
}

// New builds a machine from config.
func New(config *Config, opts ...Option) (*Machine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		config: config.Clone(),
		logger: logrus.StandardLogger(),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(m)
	}

	cfg := m.config
	m.regs = emu.NewRegFile()
	m.csrs = emu.NewCSRFile()
	m.memory = emu.NewMemory(
		emu.WithSize(cfg.MemorySize),
		emu.WithStrictAlignment(cfg.StrictAlignment),
	)

	var instMem, dataMem emu.FrontendMemory = m.memory, m.memory
	if cfg.ICache.Enabled {
		m.icache = cache.New(cfg.ICache.Config, m.memory)
		instMem = m.icache
	}
	if cfg.DCache.Enabled {
		m.dcache = cache.New(cfg.DCache.Config, m.memory)
		dataMem = m.dcache
	}

	predictor, err := pipeline.NewPredictor(cfg.Predictor, cfg.predictorConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	m.predictor = predictor

	hazard, err := pipeline.ParseHazardUnitMode(cfg.HazardUnit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	mode := pipeline.ModeSingle
	if cfg.Pipelined {
		mode = pipeline.ModePipelined
	}

	coreOpts := []pipeline.CoreOption{
		pipeline.WithMode(mode),
		pipeline.WithHazardUnit(hazard),
		pipeline.WithPredictor(predictor),
		pipeline.WithCSRFile(m.csrs),
		pipeline.WithDataMemory(dataMem),
		pipeline.WithLogger(m.logger),
	}
	m.core = pipeline.NewCore(m.regs, instMem, coreOpts...)

	for _, name := range cfg.StopOnException {
		cause, err := pipeline.ParseExceptionCause(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		m.core.SetStopOnException(cause, true)
	}

	if cfg.SyscallEmulation {
		m.syscalls = emu.NewDefaultSyscallHandler(m.regs, dataMem, m.stdout, m.stderr)
		if m.stdin != nil {
			m.syscalls.SetStdin(m.stdin)
		}
		m.core.RegisterExceptionHandler(pipeline.ExcEcall, &syscallHandler{machine: m})
		m.core.SetStepOverException(pipeline.ExcEcall, true)
	}

	m.csrs.Write(emu.CSRMTVec, cfg.TrapVector)

	return m, nil
}

// Config returns the configuration the machine was built from.
func (m *Machine) Config() *Config {
	return m.config
}

// Core returns the timing core.
func (m *Machine) Core() *pipeline.Core {
	return m.core
}

// Regs returns the register file.
func (m *Machine) Regs() *emu.RegFile {
	return m.regs
}

// CSRs returns the CSR file.
func (m *Machine) CSRs() *emu.CSRFile {
	return m.csrs
}

// Memory returns main memory. Dirty data cache lines are only visible
// after Run returns or Sync is called.
func (m *Machine) Memory() *emu.Memory {
	return m.memory
}

// ICache returns the instruction cache, or nil when disabled.
func (m *Machine) ICache() *cache.Cache {
	return m.icache
}

// DCache returns the data cache, or nil when disabled.
func (m *Machine) DCache() *cache.Cache {
	return m.dcache
}

// AddObserver registers a core observer.
func (m *Machine) AddObserver(o pipeline.Observer) {
	m.core.AddObserver(o)
}

// LoadProgram places instruction words at addr and starts execution there.
func (m *Machine) LoadProgram(addr uint32, words ...uint32) {
	m.memory.LoadProgram(addr, words...)
	m.entry = addr
	m.regs.PC = addr
	m.logger.WithFields(logrus.Fields{
		"entry": fmt.Sprintf("0x%08x", addr),
		"words": len(words),
	}).Debug("program loaded")
}

// LoadELF loads prog into memory and prepares the entry point and the
// stack pointer.
func (m *Machine) LoadELF(prog *loader.Program) error {
	if err := prog.LoadInto(m.memory); err != nil {
		return fmt.Errorf("failed to load program: %w", err)
	}

	m.entry = prog.EntryPoint
	m.initialSP = m.stackTop(prog.InitialSP)
	m.regs.PC = prog.EntryPoint
	m.regs.WriteReg(emu.RegSP, m.initialSP)

	m.logger.WithFields(logrus.Fields{
		"entry":    fmt.Sprintf("0x%08x", prog.EntryPoint),
		"segments": len(prog.Segments),
		"bytes":    prog.Size(),
	}).Info("program loaded")
	return nil
}

// stackTop keeps sp inside a size-limited memory.
func (m *Machine) stackTop(sp uint32) uint32 {
	size := m.config.MemorySize
	if size != 0 && uint64(sp) >= size {
		return uint32(size-16) &^ 0xF
	}
	return sp
}

// Step advances the core once. See pipeline.Core.Step.
func (m *Machine) Step(skipBreak bool) (pipeline.StepStatus, error) {
	return m.core.Step(skipBreak)
}

// RunCycles steps the core at most cycles times. It returns false once the
// core halts or stops at a breakpoint; the next call continues past the
// breakpoint.
func (m *Machine) RunCycles(cycles uint64) (bool, error) {
	for i := uint64(0); i < cycles; i++ {
		if m.core.Halted() {
			return false, nil
		}

		status, err := m.core.Step(m.atBreakpoint)
		m.atBreakpoint = false
		if err != nil {
			return false, err
		}
		if status == pipeline.StepBreakpoint {
			m.atBreakpoint = true
			return false, nil
		}
	}
	return !m.core.Halted(), nil
}

// Run executes until the program exits, an exception stops the core, a
// breakpoint is reached or the cycle budget runs out. Data cache contents
// are written back to memory before it returns.
func (m *Machine) Run() (StopReason, error) {
	reason, err := m.run()
	if syncErr := m.Sync(); syncErr != nil && err == nil {
		err = syncErr
	}

	m.logger.WithFields(logrus.Fields{
		"reason":       reason.String(),
		"cycles":       m.core.Stats().Cycles,
		"instructions": m.core.Stats().Instructions,
		"exit_code":    m.exitCode,
	}).Info("run finished")

	return reason, err
}

func (m *Machine) run() (StopReason, error) {
	for {
		if m.core.Halted() {
			if m.exited {
				return StopExit, nil
			}
			return StopException, nil
		}

		limit := m.config.MaxCycles
		if limit != 0 && m.core.Stats().Cycles >= limit {
			return StopCycleLimit, nil
		}

		if _, err := m.RunCycles(1); err != nil {
			return StopException, fmt.Errorf("simulation aborted at cycle %d: %w",
				m.core.Stats().Cycles, err)
		}
		if m.atBreakpoint {
			return StopBreakpoint, nil
		}
	}
}

// Sync writes dirty data cache lines back to memory.
func (m *Machine) Sync() error {
	if m.dcache == nil {
		return nil
	}
	return m.dcache.Sync()
}

// Exited reports whether the program called exit.
func (m *Machine) Exited() bool {
	return m.exited
}

// ExitCode returns the status the program passed to exit.
func (m *Machine) ExitCode() int32 {
	return m.exitCode
}

// Stats returns the statistics of every component.
func (m *Machine) Stats() Stats {
	stats := Stats{Core: m.core.Stats()}
	if m.icache != nil {
		s := m.icache.Stats()
		stats.ICache = &s
	}
	if m.dcache != nil {
		s := m.dcache.Stats()
		stats.DCache = &s
	}
	if bp, ok := m.predictor.(*pipeline.BranchPredictor); ok {
		s := bp.Stats()
		stats.Predictor = &s
	}
	return stats
}

// Reset returns the core, the register and CSR files and the caches to
// their initial state and restarts at the program entry. Memory keeps its
// contents, including dirty data cache lines.
func (m *Machine) Reset() error {
	if err := m.Sync(); err != nil {
		return fmt.Errorf("failed to write back data cache: %w", err)
	}

	m.core.Reset()
	m.regs.Reset()
	m.csrs.Reset()
	m.csrs.Write(emu.CSRMTVec, m.config.TrapVector)
	if m.icache != nil {
		m.icache.Reset()
	}
	if m.dcache != nil {
		m.dcache.Reset()
	}
	if bp, ok := m.predictor.(*pipeline.BranchPredictor); ok {
		bp.Reset()
	}
	m.regs.PC = m.entry
	m.regs.WriteReg(emu.RegSP, m.initialSP)
	m.atBreakpoint = false
	m.exited = false
	m.exitCode = 0
	return nil
}
