package pipeline

import "github.com/ekliptik/qtrvsim/insts"

// slot is implemented by every interstage register so flushes can treat
// them uniformly.
type slot interface {
	sequence() (seq uint64, valid bool)
	Clear()
}

// FetchInterstage holds state between Fetch and Decode stages.
type FetchInterstage struct {
	// Valid indicates if this register carries an instruction. An invalid
	// register is a bubble.
	Valid bool

	// Seq is the fetch sequence number; it orders in-flight instructions.
	Seq uint64

	// InstAddr is the address the instruction was fetched from.
	InstAddr uint32

	// Inst is the fetched instruction.
	Inst *insts.Instruction

	// Excause is the exception raised so far, carried to the memory stage.
	Excause ExceptionCause

	// PredictedTaken and PredictedNext record the predictor's decision and
	// the address fetch continued with.
	PredictedTaken bool
	PredictedNext  uint32
}

// Clear resets the register to a bubble.
func (r *FetchInterstage) Clear() {
	*r = FetchInterstage{}
}

func (r *FetchInterstage) sequence() (uint64, bool) {
	return r.Seq, r.Valid
}

// DecodeInterstage holds state between Decode and Execute stages.
type DecodeInterstage struct {
	Valid    bool
	Seq      uint64
	InstAddr uint32
	Inst     *insts.Instruction
	Excause  ExceptionCause

	// Register numbers for hazard detection. A source the instruction does
	// not read is reported as x0.
	Rd  uint8
	Rs1 uint8
	Rs2 uint8

	// Operand values, after forwarding.
	Rs1Value uint32
	Rs2Value uint32

	// Immediate is the sign-extended immediate.
	Immediate uint32

	// Control signals.
	RegWrite  bool
	MemRead   bool
	MemWrite  bool
	MemSize   int
	MemSigned bool
	IsBranch  bool
	IsJump    bool
	IsCSR     bool
	IsMret    bool

	// Branch prediction info (propagated from fetch).
	PredictedTaken bool
	PredictedNext  uint32

	// FwdRs1 and FwdRs2 record where the operand values came from.
	FwdRs1 ForwardSource
	FwdRs2 ForwardSource
}

// Clear resets the register to a bubble.
func (r *DecodeInterstage) Clear() {
	*r = DecodeInterstage{}
}

func (r *DecodeInterstage) sequence() (uint64, bool) {
	return r.Seq, r.Valid
}

// IsControl reports whether the instruction may change control flow.
func (r *DecodeInterstage) IsControl() bool {
	return r.IsBranch || r.IsJump
}

// ExecuteInterstage holds state between Execute and Memory stages.
type ExecuteInterstage struct {
	Valid    bool
	Seq      uint64
	InstAddr uint32
	Inst     *insts.Instruction
	Excause  ExceptionCause

	// ALUValue is the ALU result, the effective address for loads and
	// stores, or the link address for jumps.
	ALUValue uint32

	// StoreValue is the value a store writes.
	StoreValue uint32

	// CSRSource is the operand of a CSR instruction (rs1 or zimm).
	CSRSource uint32

	Rd        uint8
	RegWrite  bool
	MemRead   bool
	MemWrite  bool
	MemSize   int
	MemSigned bool
	IsBranch  bool
	IsJump    bool
	IsCSR     bool
	IsMret    bool

	// BranchTaken and BranchTarget are the resolved control outcome.
	BranchTaken  bool
	BranchTarget uint32

	PredictedTaken bool
	PredictedNext  uint32
}

// Clear resets the register to a bubble.
func (r *ExecuteInterstage) Clear() {
	*r = ExecuteInterstage{}
}

func (r *ExecuteInterstage) sequence() (uint64, bool) {
	return r.Seq, r.Valid
}

// Resolved reports whether the register holds a control transfer whose
// outcome is known.
func (r *ExecuteInterstage) Resolved() bool {
	return r.Valid && r.Excause == ExcNone && (r.IsBranch || r.IsJump)
}

// MemoryInterstage holds state between Memory and Writeback stages.
type MemoryInterstage struct {
	Valid    bool
	Seq      uint64
	InstAddr uint32
	Inst     *insts.Instruction
	Excause  ExceptionCause

	Rd       uint8
	RegWrite bool

	// Value is the final result written to Rd.
	Value uint32

	// MemAccess is true when the instruction accessed data memory at
	// MemAddr.
	MemAccess bool
	MemAddr   uint32
}

// Clear resets the register to a bubble.
func (r *MemoryInterstage) Clear() {
	*r = MemoryInterstage{}
}

func (r *MemoryInterstage) sequence() (uint64, bool) {
	return r.Seq, r.Valid
}

// Writes reports whether the register will update the register file.
func (r *MemoryInterstage) Writes() bool {
	return r.Valid && r.Excause == ExcNone && r.RegWrite
}
