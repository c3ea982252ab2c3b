package pipeline

import (
	"errors"
	"fmt"

	"github.com/ekliptik/qtrvsim/emu"
	"github.com/ekliptik/qtrvsim/insts"
)

// The stage functions compute a result from the previous stage's register.
// Only memory (data accesses, CSRs) and writeback (register file) commit
// architectural state.

// fetch reads and predicts the instruction at the current PC.
func (c *Core) fetch() FetchInterstage {
	pc := c.regs.PC
	if c.breakArmed && c.breakAddr == pc {
		c.breakArmed = false
	}

	c.seq++
	out := FetchInterstage{
		Valid:         true,
		Seq:           c.seq,
		InstAddr:      pc,
		PredictedNext: pc + 4,
	}

	if pc%4 != 0 {
		out.Inst = insts.Nop()
		out.Excause = ExcInsnMisaligned
		return out
	}

	word, err := emu.ReadUint(c.imem, pc, 4)
	if err != nil {
		out.Inst = insts.Nop()
		out.Excause = ExcInsnFault
		return out
	}

	out.Inst = c.decoder.Decode(word)
	if out.Inst.IsBranch() || out.Inst.IsJump() {
		pred := c.predictor.Predict(out.Inst, pc)
		if pred.Taken {
			out.PredictedTaken = true
			out.PredictedNext = pred.Target
		}
	}
	return out
}

// decode generates control signals and reads source registers. Operands
// may later be replaced by the hazard unit.
func (c *Core) decode(in *FetchInterstage) DecodeInterstage {
	if !in.Valid {
		return DecodeInterstage{}
	}

	out := DecodeInterstage{
		Valid:          true,
		Seq:            in.Seq,
		InstAddr:       in.InstAddr,
		Inst:           in.Inst,
		Excause:        in.Excause,
		PredictedTaken: in.PredictedTaken,
		PredictedNext:  in.PredictedNext,
	}
	if out.Excause != ExcNone {
		return out
	}

	inst := in.Inst
	switch {
	case !inst.Supported():
		out.Excause = ExcInsnIllegal
		return out
	case inst.Op == insts.OpECALL:
		out.Excause = ExcEcall
		return out
	case inst.Op == insts.OpEBREAK:
		out.Excause = ExcBreak
		return out
	}

	if inst.UsesRs1() {
		out.Rs1 = inst.Rs1
		out.Rs1Value = c.regs.ReadReg(inst.Rs1)
	}
	if inst.UsesRs2() {
		out.Rs2 = inst.Rs2
		out.Rs2Value = c.regs.ReadReg(inst.Rs2)
	}
	out.Immediate = uint32(inst.Imm)

	out.RegWrite = inst.WritesRd()
	if out.RegWrite {
		out.Rd = inst.Rd
	}
	out.MemRead = inst.IsLoad()
	out.MemWrite = inst.IsStore()
	out.MemSize = inst.MemSize()
	out.MemSigned = inst.MemSigned()
	out.IsBranch = inst.IsBranch()
	out.IsJump = inst.IsJump()
	out.IsCSR = inst.IsCSR()
	out.IsMret = inst.Op == insts.OpMRET

	return out
}

// execute computes ALU results, effective addresses and control outcomes.
func (c *Core) execute(in *DecodeInterstage) ExecuteInterstage {
	if !in.Valid {
		return ExecuteInterstage{}
	}

	out := ExecuteInterstage{
		Valid:          true,
		Seq:            in.Seq,
		InstAddr:       in.InstAddr,
		Inst:           in.Inst,
		Excause:        in.Excause,
		Rd:             in.Rd,
		RegWrite:       in.RegWrite,
		MemRead:        in.MemRead,
		MemWrite:       in.MemWrite,
		MemSize:        in.MemSize,
		MemSigned:      in.MemSigned,
		IsBranch:       in.IsBranch,
		IsJump:         in.IsJump,
		IsCSR:          in.IsCSR,
		IsMret:         in.IsMret,
		PredictedTaken: in.PredictedTaken,
		PredictedNext:  in.PredictedNext,
	}
	if out.Excause != ExcNone {
		return out
	}

	inst := in.Inst
	a, b, imm := in.Rs1Value, in.Rs2Value, in.Immediate

	switch {
	case inst.Op == insts.OpLUI:
		out.ALUValue = imm
	case inst.Op == insts.OpAUIPC:
		out.ALUValue = in.InstAddr + imm
	case inst.Op == insts.OpJAL:
		out.ALUValue = in.InstAddr + 4
		out.BranchTaken = true
		out.BranchTarget = in.InstAddr + imm
	case inst.Op == insts.OpJALR:
		out.ALUValue = in.InstAddr + 4
		out.BranchTaken = true
		out.BranchTarget = (a + imm) &^ 1
	case in.IsBranch:
		out.BranchTaken = emu.BranchTaken(inst.Op, a, b)
		out.BranchTarget = in.InstAddr + imm
	case in.MemRead, in.MemWrite:
		out.ALUValue = a + imm
		out.StoreValue = b
	case in.IsCSR:
		out.CSRSource = a
		if !inst.UsesRs1() {
			out.CSRSource = imm
		}
	case in.IsMret, inst.Op == insts.OpFENCE:
	case inst.Format == insts.FormatR:
		out.ALUValue, _ = emu.ALU(inst.Op, a, b)
	default:
		out.ALUValue, _ = emu.ALU(inst.Op, a, imm)
	}

	if out.BranchTaken && out.BranchTarget%4 != 0 {
		out.Excause = ExcInsnMisaligned
	}
	return out
}

// memoryResult is the memory stage output plus a pending control
// redirect for instructions that serialize the pipeline.
type memoryResult struct {
	out      MemoryInterstage
	redirect bool
	target   uint32
}

// memory performs loads, stores, CSR accesses and mret.
func (c *Core) memory(in *ExecuteInterstage) memoryResult {
	if !in.Valid {
		return memoryResult{}
	}

	res := memoryResult{out: MemoryInterstage{
		Valid:    true,
		Seq:      in.Seq,
		InstAddr: in.InstAddr,
		Inst:     in.Inst,
		Excause:  in.Excause,
		Rd:       in.Rd,
		RegWrite: in.RegWrite,
		Value:    in.ALUValue,
	}}
	out := &res.out
	if out.Excause != ExcNone {
		return res
	}

	switch {
	case in.MemRead:
		out.MemAccess = true
		out.MemAddr = in.ALUValue
		v, err := emu.ReadUint(c.dmem, in.ALUValue, in.MemSize)
		if err != nil {
			out.Excause = accessFault(err, false)
			return res
		}
		out.Value = emu.LoadExtend(v, in.MemSize, in.MemSigned)
	case in.MemWrite:
		out.MemAccess = true
		out.MemAddr = in.ALUValue
		if err := emu.WriteUint(c.dmem, in.ALUValue, in.MemSize, in.StoreValue); err != nil {
			out.Excause = accessFault(err, true)
			return res
		}
	case in.IsCSR:
		csr := in.Inst.CSR
		if !c.csrs.Exists(csr) {
			out.Excause = ExcInsnIllegal
			return res
		}
		old := c.csrs.Read(csr)
		if value, write := csrUpdate(in.Inst.Op, old, in.CSRSource); write {
			c.csrs.Write(csr, value)
		}
		out.Value = old
		res.redirect = true
		res.target = in.InstAddr + 4
	case in.IsMret:
		res.redirect = true
		res.target = c.csrs.ReturnFromTrap()
	}
	return res
}

// csrUpdate returns the new CSR value and whether the CSR is written.
// Set and clear forms with a zero operand only read.
func csrUpdate(op insts.Op, old, src uint32) (uint32, bool) {
	switch op {
	case insts.OpCSRRW, insts.OpCSRRWI:
		return src, true
	case insts.OpCSRRS, insts.OpCSRRSI:
		return old | src, src != 0
	case insts.OpCSRRC, insts.OpCSRRCI:
		return old &^ src, src != 0
	}
	return old, false
}

func accessFault(err error, write bool) ExceptionCause {
	var accessErr *emu.AccessError
	misaligned := errors.As(err, &accessErr) && accessErr.Misaligned
	switch {
	case write && misaligned:
		return ExcStoreMisaligned
	case write:
		return ExcStoreFault
	case misaligned:
		return ExcLoadMisaligned
	}
	return ExcLoadFault
}

// writeback commits the register result. Instructions must leave
// writeback in fetch order.
func (c *Core) writeback(in *MemoryInterstage) error {
	c.state.WritebackValid = in.Valid
	c.state.WritebackAddr = in.InstAddr
	if !in.Valid {
		return nil
	}

	if in.Seq <= c.lastRetired {
		return fmt.Errorf("%w: #%d at 0x%08x left writeback after #%d",
			ErrSanity, in.Seq, in.InstAddr, c.lastRetired)
	}
	c.lastRetired = in.Seq

	if in.Excause != ExcNone {
		return nil
	}
	if in.RegWrite {
		c.regs.WriteReg(in.Rd, in.Value)
	}
	c.state.Stats.Instructions++
	return nil
}
