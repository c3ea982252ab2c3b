// Package pipeline provides the cycle-level RV32 core: a shared set of stage
// functions driven either one instruction at a time (single-cycle) or as a
// 5-stage pipeline with a hazard unit, branch prediction and in-order
// exception finalization.
package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ekliptik/qtrvsim/emu"
	"github.com/ekliptik/qtrvsim/insts"
)

// ErrSanity is wrapped by errors reporting a violated engine invariant.
// It indicates a simulator bug, never a guest program condition.
var ErrSanity = errors.New("core sanity check failed")

// Mode selects the scheduling policy.
type Mode int

const (
	// ModeSingle runs one instruction through all stages per step.
	ModeSingle Mode = iota
	// ModePipelined advances all five stages by one cycle per step.
	ModePipelined
)

func (m Mode) String() string {
	if m == ModePipelined {
		return "pipelined"
	}
	return "single"
}

// StepStatus is the outcome of a Step.
type StepStatus int

const (
	// StepCompleted means the core advanced.
	StepCompleted StepStatus = iota
	// StepBreakpoint means the fetch address is a hardware breakpoint and
	// nothing was done.
	StepBreakpoint
	// StepHalted means the core is halted and nothing was done.
	StepHalted
	// StepAborted means an engine invariant was violated. It comes with
	// an error and leaves the core halted.
	StepAborted
)

func (s StepStatus) String() string {
	switch s {
	case StepCompleted:
		return "completed"
	case StepBreakpoint:
		return "breakpoint"
	case StepHalted:
		return "halted"
	case StepAborted:
		return "aborted"
	}
	return fmt.Sprintf("StepStatus(%d)", int(s))
}

// CoreOption is a functional option for configuring the Core.
type CoreOption func(*Core)

// WithMode sets the scheduling policy.
func WithMode(mode Mode) CoreOption {
	return func(c *Core) {
		c.mode = mode
	}
}

// WithHazardUnit sets the data hazard policy of the pipelined mode.
func WithHazardUnit(mode HazardUnitMode) CoreOption {
	return func(c *Core) {
		c.hazardUnit = NewHazardUnit(mode)
	}
}

// WithPredictor sets the branch predictor consulted at fetch.
func WithPredictor(p Predictor) CoreOption {
	return func(c *Core) {
		c.predictor = p
	}
}

// WithCSRFile sets the coprocessor state used for traps and Zicsr.
func WithCSRFile(csrs *emu.CSRFile) CoreOption {
	return func(c *Core) {
		c.csrs = csrs
	}
}

// WithDataMemory uses a separate memory for loads and stores.
func WithDataMemory(mem emu.FrontendMemory) CoreOption {
	return func(c *Core) {
		c.dmem = mem
	}
}

// WithLogger sets the logger used by the core and the default handler.
func WithLogger(logger logrus.FieldLogger) CoreOption {
	return func(c *Core) {
		c.logger = logger
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) CoreOption {
	return func(c *Core) {
		c.observers = append(c.observers, o)
	}
}

// Core is the simulated processor. The register file, CSRs, predictor and
// memories are borrowed from the owner; the handler registry and the
// interstage registers belong to the core.
type Core struct {
	mode       Mode
	hazardUnit *HazardUnit

	regs      *emu.RegFile
	csrs      *emu.CSRFile
	imem      emu.FrontendMemory
	dmem      emu.FrontendMemory
	predictor Predictor
	decoder   *insts.Decoder

	handlers       map[ExceptionCause]ExceptionHandler
	defaultHandler ExceptionHandler

	hwBreaks map[uint32]struct{}
	// breakArmed suppresses the breakpoint at breakAddr until it has been
	// fetched once, so a skipped breakpoint does not trigger again while
	// the pipeline holds the fetch address.
	breakArmed bool
	breakAddr  uint32

	observers []Observer
	logger    logrus.FieldLogger

	state CoreState

	seq          uint64
	lastRetired  uint64
	prevInstAddr uint32
	halted       bool
}

// NewCore creates a core fetching from memory. Loads and stores use the
// same memory unless WithDataMemory is given.
func NewCore(regs *emu.RegFile, memory emu.FrontendMemory, opts ...CoreOption) *Core {
	c := &Core{
		mode:           ModeSingle,
		hazardUnit:     NewHazardUnit(HazardForward),
		regs:           regs,
		imem:           memory,
		dmem:           memory,
		predictor:      NewStaticPredictor(),
		decoder:        insts.NewDecoder(),
		handlers:       make(map[ExceptionCause]ExceptionHandler),
		defaultHandler: StopHandler{},
		hwBreaks:       make(map[uint32]struct{}),
		logger:         logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.csrs == nil {
		c.csrs = emu.NewCSRFile()
	}

	return c
}

// Mode returns the scheduling policy.
func (c *Core) Mode() Mode {
	return c.mode
}

// HazardUnit returns the configured hazard policy.
func (c *Core) HazardUnit() HazardUnitMode {
	return c.hazardUnit.Mode()
}

// Regs returns the register file.
func (c *Core) Regs() *emu.RegFile {
	return c.regs
}

// CSRs returns the coprocessor state.
func (c *Core) CSRs() *emu.CSRFile {
	return c.csrs
}

// Predictor returns the branch predictor.
func (c *Core) Predictor() Predictor {
	return c.predictor
}

// Logger returns the core's logger.
func (c *Core) Logger() logrus.FieldLogger {
	return c.logger
}

// State returns the state observed between steps.
func (c *Core) State() *CoreState {
	return &c.state
}

// Stats returns the core statistics.
func (c *Core) Stats() Statistics {
	return c.state.Stats
}

// PrevInstAddr returns the address of the last instruction fetched.
func (c *Core) PrevInstAddr() uint32 {
	return c.prevInstAddr
}

// Halted reports whether the core stopped on an exception.
func (c *Core) Halted() bool {
	return c.halted
}

// Halt stops the core; further steps return StepHalted.
func (c *Core) Halt() {
	c.halted = true
}

// Resume clears the halt so stepping continues at the current PC.
func (c *Core) Resume() {
	c.halted = false
}

// InsertHwBreak sets a hardware breakpoint at addr.
func (c *Core) InsertHwBreak(addr uint32) {
	c.hwBreaks[addr] = struct{}{}
}

// RemoveHwBreak removes the breakpoint at addr, if any.
func (c *Core) RemoveHwBreak(addr uint32) {
	delete(c.hwBreaks, addr)
	if c.breakArmed && c.breakAddr == addr {
		c.breakArmed = false
	}
}

// IsHwBreak reports whether addr has a breakpoint.
func (c *Core) IsHwBreak(addr uint32) bool {
	_, ok := c.hwBreaks[addr]
	return ok
}

// Breakpoints returns the breakpoint addresses in ascending order.
func (c *Core) Breakpoints() []uint32 {
	addrs := make([]uint32, 0, len(c.hwBreaks))
	for addr := range c.hwBreaks {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Step advances the core by one instruction (single-cycle) or one cycle
// (pipelined). When the next fetch address is a breakpoint and skipBreak
// is false, nothing changes and StepBreakpoint is returned.
//
// In the pipelined core the fetch address may be a prediction. While an
// older instruction can still redirect fetch, a breakpoint address is not
// reported; the cycle runs with fetch held instead, so a wrong-path
// address never stops the core.
//
// The error is non-nil only for violated engine invariants. It wraps
// ErrSanity and comes with StepAborted.
func (c *Core) Step(skipBreak bool) (StepStatus, error) {
	if c.halted {
		return StepHalted, nil
	}

	holdFetch := false
	pc := c.regs.PC
	if c.IsHwBreak(pc) && !(c.breakArmed && c.breakAddr == pc) {
		switch {
		case skipBreak:
			c.breakArmed = true
			c.breakAddr = pc
		case c.mode == ModePipelined && c.redirectPending():
			holdFetch = true
		default:
			for _, o := range c.observers {
				o.StopOnException(ExcHwBreak, pc)
			}
			return StepBreakpoint, nil
		}
	}

	var err error
	if c.mode == ModePipelined {
		err = c.stepPipelined(holdFetch)
	} else {
		err = c.stepSingle()
	}
	if err != nil {
		c.halted = true
		return StepAborted, err
	}

	c.state.Stats.Cycles++
	c.csrs.SetCounters(c.state.Stats.Cycles, c.state.Stats.Instructions)
	c.notifyStepDone()
	return StepCompleted, nil
}

// Reset empties the pipeline and clears counters, statistics and the halt
// flag. The register file, memories, breakpoints, handlers and policy flags
// are left alone.
func (c *Core) Reset() {
	c.state.clear()
	c.seq = 0
	c.lastRetired = 0
	c.prevInstAddr = 0
	c.halted = false
	c.breakArmed = false
	c.breakAddr = 0
}

// redirectPending reports whether an in-flight instruction may still
// redirect fetch, which makes the current PC speculative.
func (c *Core) redirectPending() bool {
	s := &c.state
	if s.IFID.Valid {
		inst := s.IFID.Inst
		if s.IFID.Excause != ExcNone || !inst.Supported() ||
			inst.IsBranch() || inst.IsJump() || inst.IsCSR() ||
			inst.IsLoad() || inst.IsStore() ||
			inst.Op == insts.OpECALL || inst.Op == insts.OpEBREAK || inst.Op == insts.OpMRET {
			return true
		}
	}
	if s.IDEX.Valid && (s.IDEX.Excause != ExcNone || s.IDEX.IsBranch || s.IDEX.IsJump ||
		s.IDEX.IsCSR || s.IDEX.IsMret || s.IDEX.MemRead || s.IDEX.MemWrite) {
		return true
	}
	return s.EXMEM.Valid && (s.EXMEM.Excause != ExcNone || s.EXMEM.IsCSR ||
		s.EXMEM.IsMret || s.EXMEM.MemRead || s.EXMEM.MemWrite)
}

// computeNextPC returns the address following the executed instruction.
func (c *Core) computeNextPC(ex *ExecuteInterstage) uint32 {
	if ex.BranchTaken {
		return ex.BranchTarget
	}
	return ex.InstAddr + 4
}

// mispredicted reports whether fetch continued at the wrong address after
// a resolved control transfer.
func (c *Core) mispredicted(ex *ExecuteInterstage) bool {
	return ex.Resolved() && ex.PredictedNext != c.computeNextPC(ex)
}

// resolveBranch trains the predictor on a resolved control transfer and
// returns whether it was mispredicted.
func (c *Core) resolveBranch(ex *ExecuteInterstage) bool {
	if !ex.Resolved() {
		return false
	}
	c.predictor.Update(ex.Inst, ex.InstAddr, ex.BranchTaken, ex.BranchTarget)
	c.state.Stats.BranchPredictions++
	if c.mispredicted(ex) {
		c.state.Stats.BranchMispredictions++
		return true
	}
	return false
}

// flush discards the in-flight instructions younger than the instruction
// with sequence number cause. Discarding an instruction that is not
// younger is a sanity violation.
func (c *Core) flush(cause uint64, slots ...slot) error {
	for _, s := range slots {
		seq, valid := s.sequence()
		if !valid {
			continue
		}
		if seq <= cause {
			return fmt.Errorf("%w: flush caused by #%d would discard #%d",
				ErrSanity, cause, seq)
		}
		s.Clear()
	}
	c.state.Stats.Flushes++
	return nil
}

// exceptionContext builds the handler context for an instruction leaving
// the memory stage with an exception.
func exceptionContext(ex *ExecuteInterstage, mem *MemoryInterstage) *ExceptionContext {
	ctx := &ExceptionContext{
		Cause:    mem.Excause,
		InstAddr: mem.InstAddr,
		NextAddr: mem.InstAddr + 4,
	}
	if ex.BranchTaken {
		ctx.JumpBranchPC = ex.BranchTarget
	}
	if mem.MemAccess {
		ctx.MemRefAddr = mem.MemAddr
	}
	return ctx
}
