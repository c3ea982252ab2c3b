package pipeline

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ExceptionCause identifies why an instruction trapped.
type ExceptionCause uint8

// Exception causes.
const (
	ExcNone ExceptionCause = iota
	ExcInsnMisaligned
	ExcInsnFault
	ExcInsnIllegal
	ExcBreak
	ExcLoadMisaligned
	ExcLoadFault
	ExcStoreMisaligned
	ExcStoreFault
	ExcEcall
	ExcHwBreak

	// NumExceptionCauses is the number of causes, for sizing flag tables.
	NumExceptionCauses
)

var exceptionNames = [NumExceptionCauses]string{
	ExcNone:            "none",
	ExcInsnMisaligned:  "insn_misaligned",
	ExcInsnFault:       "insn_fault",
	ExcInsnIllegal:     "unsupported_insn",
	ExcBreak:           "break",
	ExcLoadMisaligned:  "load_misaligned",
	ExcLoadFault:       "load_fault",
	ExcStoreMisaligned: "store_misaligned",
	ExcStoreFault:      "store_fault",
	ExcEcall:           "ecall",
	ExcHwBreak:         "hwbreak",
}

// mcause values, per the RISC-V privileged architecture.
var exceptionCodes = [NumExceptionCauses]uint32{
	ExcInsnMisaligned:  0,
	ExcInsnFault:       1,
	ExcInsnIllegal:     2,
	ExcBreak:           3,
	ExcLoadMisaligned:  4,
	ExcLoadFault:       5,
	ExcStoreMisaligned: 6,
	ExcStoreFault:      7,
	ExcEcall:           11,
	ExcHwBreak:         3,
}

func (c ExceptionCause) String() string {
	if c < NumExceptionCauses {
		return exceptionNames[c]
	}
	return fmt.Sprintf("ExceptionCause(%d)", uint8(c))
}

// Code returns the mcause value recorded for the cause.
func (c ExceptionCause) Code() uint32 {
	if c < NumExceptionCauses {
		return exceptionCodes[c]
	}
	return 0
}

// ParseExceptionCause converts a cause name back into a cause.
func ParseExceptionCause(name string) (ExceptionCause, error) {
	for i, n := range exceptionNames {
		if n == name {
			return ExceptionCause(i), nil
		}
	}
	return ExcNone, fmt.Errorf("unknown exception cause %q", name)
}

// ExceptionContext describes an exception being finalized.
type ExceptionContext struct {
	Cause ExceptionCause

	// InstAddr is the address of the excepting instruction.
	InstAddr uint32

	// NextAddr is where execution continues. Handlers may change it.
	NextAddr uint32

	// JumpBranchPC is the resolved target of the excepting jump or
	// branch, if any.
	JumpBranchPC uint32

	// MemRefAddr is the data address of a faulting load or store.
	MemRefAddr uint32
}

// ExceptionHandler handles one exception cause. It returns true when
// execution should continue past the excepting instruction.
type ExceptionHandler interface {
	HandleException(core *Core, ctx *ExceptionContext) bool
}

// ExceptionHandlerFunc adapts a function to ExceptionHandler.
type ExceptionHandlerFunc func(core *Core, ctx *ExceptionContext) bool

// HandleException implements ExceptionHandler.
func (f ExceptionHandlerFunc) HandleException(core *Core, ctx *ExceptionContext) bool {
	return f(core, ctx)
}

// StopHandler is the default handler. It reports the exception and stops
// the core.
type StopHandler struct{}

// HandleException implements ExceptionHandler.
func (StopHandler) HandleException(core *Core, ctx *ExceptionContext) bool {
	core.Logger().WithFields(logrus.Fields{
		"cause":          ctx.Cause.String(),
		"inst_addr":      fmt.Sprintf("0x%08x", ctx.InstAddr),
		"next_addr":      fmt.Sprintf("0x%08x", ctx.NextAddr),
		"jump_branch_pc": fmt.Sprintf("0x%08x", ctx.JumpBranchPC),
		"mem_ref_addr":   fmt.Sprintf("0x%08x", ctx.MemRefAddr),
	}).Warn("stopping on exception")
	return false
}

// RegisterExceptionHandler installs handler for cause, replacing any
// previous one. A nil handler restores the default.
func (c *Core) RegisterExceptionHandler(cause ExceptionCause, handler ExceptionHandler) {
	if handler == nil {
		delete(c.handlers, cause)
		return
	}
	c.handlers[cause] = handler
}

// SetStopOnException makes the core halt whenever cause is finalized.
func (c *Core) SetStopOnException(cause ExceptionCause, stop bool) {
	if cause < NumExceptionCauses {
		c.state.StopOnException[cause] = stop
	}
}

// StopOnException reports the stop flag of cause.
func (c *Core) StopOnException(cause ExceptionCause) bool {
	return cause < NumExceptionCauses && c.state.StopOnException[cause]
}

// SetStepOverException makes cause continue at the next sequential
// instruction unless a registered handler says otherwise.
func (c *Core) SetStepOverException(cause ExceptionCause, stepOver bool) {
	if cause < NumExceptionCauses {
		c.state.StepOverException[cause] = stepOver
	}
}

// StepOverException reports the step-over flag of cause.
func (c *Core) StepOverException(cause ExceptionCause) bool {
	return cause < NumExceptionCauses && c.state.StepOverException[cause]
}

// handleException finalizes an exception: it records the trap in the CSRs,
// picks the continuation address and dispatches to the registered handler.
// It returns whether execution continues; ctx.NextAddr holds the redirect.
//
// Dispatch order: a registered handler decides; otherwise step-over
// continues sequentially, a configured trap vector continues in the guest
// handler, and anything else goes to the stop handler.
func (c *Core) handleException(ctx *ExceptionContext) bool {
	c.state.Stats.Exceptions++

	cause := ctx.Cause
	stepOver := c.StepOverException(cause)

	c.csrs.RecordTrap(cause.Code(), ctx.InstAddr, ctx.MemRefAddr)
	ctx.NextAddr = ctx.InstAddr + 4

	trapped := false
	if !stepOver && c.csrs.TrapVector() != 0 {
		c.csrs.EnterTrap()
		ctx.NextAddr = c.csrs.TrapVector()
		trapped = true
	}

	var cont bool
	handler, ok := c.handlers[cause]
	switch {
	case ok:
		cont = handler.HandleException(c, ctx)
	case stepOver, trapped:
		cont = true
	default:
		cont = c.defaultHandler.HandleException(c, ctx)
	}

	c.logger.WithFields(logrus.Fields{
		"cause":     cause.String(),
		"inst_addr": ctx.InstAddr,
		"next_addr": ctx.NextAddr,
		"continue":  cont,
	}).Debug("exception finalized")

	if !cont || c.StopOnException(cause) {
		c.halted = true
		for _, o := range c.observers {
			o.StopOnException(cause, ctx.InstAddr)
		}
	}
	return cont
}
