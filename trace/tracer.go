// Package trace prints what the simulated core does: a per-step Tracer and
// an end-of-run Reporter.
package trace

import (
	"fmt"
	"io"

	"github.com/ekliptik/qtrvsim/emu"
	"github.com/ekliptik/qtrvsim/insts"
	"github.com/ekliptik/qtrvsim/timing/pipeline"
)

var stageLabels = [...]string{"Fetch", "Decode", "Execute", "Memory", "Writeback"}

type stageSlot struct {
	addr  uint32
	valid bool
}

// Tracer is a core observer that prints the selected stages, the PC and
// registers after every step.
type Tracer struct {
	pipeline.NopObserver

	out  io.Writer
	regs *emu.RegFile
	err  error

	stages  [len(stageLabels)]bool
	traced  [emu.NumRegs]bool
	pc      bool
	allRegs bool

	slots [len(stageLabels)]stageSlot
	// retiring is the instruction that left memory in the previous step,
	// which is the one written back in the current step.
	retiring *insts.Instruction
}

// NewTracer returns a tracer reading registers from regs.
func NewTracer(out io.Writer, regs *emu.RegFile) *Tracer {
	return &Tracer{out: out, regs: regs}
}

// TraceStage enables the line of one stage.
func (t *Tracer) TraceStage(stage pipeline.Stage) {
	if stage >= 0 && int(stage) < len(t.stages) {
		t.stages[stage] = true
	}
}

// TracePC enables the PC line.
func (t *Tracer) TracePC() {
	t.pc = true
}

// TraceRegister enables the line of one general-purpose register.
func (t *Tracer) TraceRegister(reg uint8) {
	if int(reg) < emu.NumRegs {
		t.traced[reg] = true
	}
}

// TraceAllRegisters enables a dump of the whole register file.
func (t *Tracer) TraceAllRegisters() {
	t.allRegs = true
}

// Err returns the first write error.
func (t *Tracer) Err() error {
	return t.err
}

// StageAddress implements pipeline.Observer.
func (t *Tracer) StageAddress(stage pipeline.Stage, addr uint32, valid bool) {
	if stage >= 0 && int(stage) < len(t.slots) {
		t.slots[stage] = stageSlot{addr: addr, valid: valid}
	}
}

// StepDone implements pipeline.Observer.
func (t *Tracer) StepDone(state *pipeline.CoreState) {
	insns := [len(stageLabels)]*insts.Instruction{
		state.IFID.Inst,
		state.IDEX.Inst,
		state.EXMEM.Inst,
		state.MEMWB.Inst,
		t.retiring,
	}
	// The single-cycle core writes back the instruction it just moved
	// through memory.
	wb := t.slots[pipeline.StageWriteback]
	if state.MEMWB.Valid && wb.valid && state.MEMWB.InstAddr == wb.addr {
		insns[pipeline.StageWriteback] = state.MEMWB.Inst
	}

	for i, label := range stageLabels {
		if !t.stages[i] {
			continue
		}
		slot := t.slots[i]
		if !slot.valid {
			t.printf("%s: bubble\n", label)
			continue
		}
		t.printf("%s: 0x%08x %s\n", label, slot.addr, insns[i])
	}

	if state.MEMWB.Valid {
		t.retiring = state.MEMWB.Inst
	} else {
		t.retiring = nil
	}

	if t.pc {
		t.printf("PC: 0x%08x\n", t.regs.PC)
	}

	for i := uint8(0); i < emu.NumRegs; i++ {
		if t.allRegs || t.traced[i] {
			t.printf("R%d: 0x%08x\n", i, t.regs.ReadReg(i))
		}
	}
}

func (t *Tracer) printf(format string, args ...any) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintf(t.out, format, args...)
}
