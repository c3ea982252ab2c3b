package insts

import "fmt"

// Op represents an RV32 operation.
type Op uint16

// RV32 operations.
const (
	OpUnknown Op = iota

	OpLUI
	OpAUIPC
	OpJAL
	OpJALR

	OpBEQ
	OpBNE
	OpBLT
	OpBGE
	OpBLTU
	OpBGEU

	OpLB
	OpLH
	OpLW
	OpLBU
	OpLHU

	OpSB
	OpSH
	OpSW

	OpADDI
	OpSLTI
	OpSLTIU
	OpXORI
	OpORI
	OpANDI
	OpSLLI
	OpSRLI
	OpSRAI

	OpADD
	OpSUB
	OpSLL
	OpSLT
	OpSLTU
	OpXOR
	OpSRL
	OpSRA
	OpOR
	OpAND

	OpMUL
	OpMULH
	OpMULHSU
	OpMULHU
	OpDIV
	OpDIVU
	OpREM
	OpREMU

	OpFENCE
	OpECALL
	OpEBREAK
	OpMRET

	OpCSRRW
	OpCSRRS
	OpCSRRC
	OpCSRRWI
	OpCSRRSI
	OpCSRRCI
)

var opNames = map[Op]string{
	OpUnknown: "unknown",
	OpLUI:     "lui", OpAUIPC: "auipc", OpJAL: "jal", OpJALR: "jalr",
	OpBEQ: "beq", OpBNE: "bne", OpBLT: "blt", OpBGE: "bge", OpBLTU: "bltu", OpBGEU: "bgeu",
	OpLB: "lb", OpLH: "lh", OpLW: "lw", OpLBU: "lbu", OpLHU: "lhu",
	OpSB: "sb", OpSH: "sh", OpSW: "sw",
	OpADDI: "addi", OpSLTI: "slti", OpSLTIU: "sltiu", OpXORI: "xori", OpORI: "ori",
	OpANDI: "andi", OpSLLI: "slli", OpSRLI: "srli", OpSRAI: "srai",
	OpADD: "add", OpSUB: "sub", OpSLL: "sll", OpSLT: "slt", OpSLTU: "sltu",
	OpXOR: "xor", OpSRL: "srl", OpSRA: "sra", OpOR: "or", OpAND: "and",
	OpMUL: "mul", OpMULH: "mulh", OpMULHSU: "mulhsu", OpMULHU: "mulhu",
	OpDIV: "div", OpDIVU: "divu", OpREM: "rem", OpREMU: "remu",
	OpFENCE: "fence", OpECALL: "ecall", OpEBREAK: "ebreak", OpMRET: "mret",
	OpCSRRW: "csrrw", OpCSRRS: "csrrs", OpCSRRC: "csrrc",
	OpCSRRWI: "csrrwi", OpCSRRSI: "csrrsi", OpCSRRCI: "csrrci",
}

// String returns the assembler mnemonic of the operation.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint16(o))
}

// Format represents an instruction encoding format.
type Format uint8

// Instruction formats.
const (
	FormatUnknown Format = iota
	FormatR              // Register-register
	FormatI              // Immediate, loads, jalr
	FormatS              // Stores
	FormatB              // Conditional branches
	FormatU              // lui/auipc
	FormatJ              // jal
	FormatSystem         // ecall/ebreak/mret/csr*
)

// Major opcodes (bits [6:0]).
const (
	opcodeLoad   = 0b0000011
	opcodeMiscM  = 0b0001111
	opcodeOpImm  = 0b0010011
	opcodeAUIPC  = 0b0010111
	opcodeStore  = 0b0100011
	opcodeOp     = 0b0110011
	opcodeLUI    = 0b0110111
	opcodeBranch = 0b1100011
	opcodeJALR   = 0b1100111
	opcodeJAL    = 0b1101111
	opcodeSystem = 0b1110011
)

// NopWord is the canonical no-op encoding (addi x0, x0, 0).
const NopWord uint32 = 0x00000013

// Instruction represents a decoded RV32 instruction.
type Instruction struct {
	Word   uint32 // Raw instruction word
	Op     Op     // Operation
	Format Format // Encoding format

	Rd  uint8 // Destination register
	Rs1 uint8 // First source register
	Rs2 uint8 // Second source register

	// Imm is the sign-extended immediate. For U-type it already holds the
	// value shifted into bits [31:12]; for shifts it holds the shift amount.
	Imm int32

	// CSR is the CSR address for Zicsr instructions.
	CSR uint16
}

// Nop returns a decoded no-op instruction.
func Nop() *Instruction {
	return &Instruction{Word: NopWord, Op: OpADDI, Format: FormatI}
}

// Supported reports whether the instruction was recognized by the decoder.
func (i *Instruction) Supported() bool {
	return i != nil && i.Op != OpUnknown
}

// UsesRs1 reports whether the instruction reads Rs1.
func (i *Instruction) UsesRs1() bool {
	switch i.Format {
	case FormatR, FormatS, FormatB:
		return true
	case FormatI:
		return true
	case FormatSystem:
		switch i.Op {
		case OpCSRRW, OpCSRRS, OpCSRRC:
			return true
		}
	}
	return false
}

// UsesRs2 reports whether the instruction reads Rs2.
func (i *Instruction) UsesRs2() bool {
	switch i.Format {
	case FormatR, FormatS, FormatB:
		return true
	}
	return false
}

// WritesRd reports whether the instruction produces a register result.
// Writes to x0 are reported as false.
func (i *Instruction) WritesRd() bool {
	if i.Rd == 0 {
		return false
	}
	switch i.Format {
	case FormatR, FormatI, FormatU, FormatJ:
		return i.Op != OpFENCE
	case FormatSystem:
		return i.IsCSR()
	}
	return false
}

// IsLoad reports whether the instruction reads data memory.
func (i *Instruction) IsLoad() bool {
	switch i.Op {
	case OpLB, OpLH, OpLW, OpLBU, OpLHU:
		return true
	}
	return false
}

// IsStore reports whether the instruction writes data memory.
func (i *Instruction) IsStore() bool {
	return i.Format == FormatS
}

// IsBranch reports whether the instruction is a conditional branch.
func (i *Instruction) IsBranch() bool {
	return i.Format == FormatB
}

// IsJump reports whether the instruction is an unconditional jump (jal/jalr).
func (i *Instruction) IsJump() bool {
	return i.Op == OpJAL || i.Op == OpJALR
}

// IsCSR reports whether the instruction accesses a CSR.
func (i *Instruction) IsCSR() bool {
	switch i.Op {
	case OpCSRRW, OpCSRRS, OpCSRRC, OpCSRRWI, OpCSRRSI, OpCSRRCI:
		return true
	}
	return false
}

// MemSize returns the access size in bytes for loads and stores, 0 otherwise.
func (i *Instruction) MemSize() int {
	switch i.Op {
	case OpLB, OpLBU, OpSB:
		return 1
	case OpLH, OpLHU, OpSH:
		return 2
	case OpLW, OpSW:
		return 4
	}
	return 0
}

// MemSigned reports whether a load sign-extends its result.
func (i *Instruction) MemSigned() bool {
	return i.Op == OpLB || i.Op == OpLH || i.Op == OpLW
}

// String returns a short disassembly of the instruction.
func (i *Instruction) String() string {
	if i == nil {
		return "<nil>"
	}
	switch i.Format {
	case FormatR:
		return fmt.Sprintf("%s x%d, x%d, x%d", i.Op, i.Rd, i.Rs1, i.Rs2)
	case FormatI:
		if i.IsLoad() || i.Op == OpJALR {
			return fmt.Sprintf("%s x%d, %d(x%d)", i.Op, i.Rd, i.Imm, i.Rs1)
		}
		if i.Op == OpFENCE {
			return "fence"
		}
		return fmt.Sprintf("%s x%d, x%d, %d", i.Op, i.Rd, i.Rs1, i.Imm)
	case FormatS:
		return fmt.Sprintf("%s x%d, %d(x%d)", i.Op, i.Rs2, i.Imm, i.Rs1)
	case FormatB:
		return fmt.Sprintf("%s x%d, x%d, %d", i.Op, i.Rs1, i.Rs2, i.Imm)
	case FormatU:
		return fmt.Sprintf("%s x%d, 0x%x", i.Op, i.Rd, uint32(i.Imm)>>12)
	case FormatJ:
		return fmt.Sprintf("%s x%d, %d", i.Op, i.Rd, i.Imm)
	case FormatSystem:
		switch {
		case i.IsCSR() && i.Op >= OpCSRRWI:
			return fmt.Sprintf("%s x%d, 0x%x, %d", i.Op, i.Rd, i.CSR, i.Rs1)
		case i.IsCSR():
			return fmt.Sprintf("%s x%d, 0x%x, x%d", i.Op, i.Rd, i.CSR, i.Rs1)
		}
		return i.Op.String()
	}
	return fmt.Sprintf("unknown 0x%08x", i.Word)
}

// Decoder decodes RV32 machine code into instructions.
type Decoder struct{}

// NewDecoder creates a new RV32 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes a 32-bit RV32 instruction word. Unrecognized encodings
// produce an instruction with Op == OpUnknown.
func (d *Decoder) Decode(word uint32) *Instruction {
	inst := &Instruction{Word: word, Op: OpUnknown, Format: FormatUnknown}

	// Compressed encodings (bits [1:0] != 11) are not supported.
	if word&0x3 != 0x3 {
		return inst
	}

	inst.Rd = uint8((word >> 7) & 0x1F)
	inst.Rs1 = uint8((word >> 15) & 0x1F)
	inst.Rs2 = uint8((word >> 20) & 0x1F)
	funct3 := (word >> 12) & 0x7
	funct7 := word >> 25

	switch word & 0x7F {
	case opcodeLUI:
		d.decodeU(word, inst, OpLUI)
	case opcodeAUIPC:
		d.decodeU(word, inst, OpAUIPC)
	case opcodeJAL:
		inst.Format = FormatJ
		inst.Op = OpJAL
		inst.Imm = immJ(word)
	case opcodeJALR:
		if funct3 == 0 {
			inst.Format = FormatI
			inst.Op = OpJALR
			inst.Imm = immI(word)
		}
	case opcodeBranch:
		d.decodeBranch(word, funct3, inst)
	case opcodeLoad:
		d.decodeLoad(word, funct3, inst)
	case opcodeStore:
		d.decodeStore(word, funct3, inst)
	case opcodeOpImm:
		d.decodeOpImm(word, funct3, funct7, inst)
	case opcodeOp:
		d.decodeOp(funct3, funct7, inst)
	case opcodeMiscM:
		if funct3 == 0 {
			inst.Format = FormatI
			inst.Op = OpFENCE
			inst.Rd = 0
			inst.Rs1 = 0
		}
	case opcodeSystem:
		d.decodeSystem(word, funct3, inst)
	}

	if inst.Op == OpUnknown {
		inst.Format = FormatUnknown
	}
	return inst
}

func (d *Decoder) decodeU(word uint32, inst *Instruction, op Op) {
	inst.Format = FormatU
	inst.Op = op
	inst.Imm = int32(word & 0xFFFFF000)
	inst.Rs1 = 0
	inst.Rs2 = 0
}

func (d *Decoder) decodeBranch(word, funct3 uint32, inst *Instruction) {
	ops := [8]Op{OpBEQ, OpBNE, OpUnknown, OpUnknown, OpBLT, OpBGE, OpBLTU, OpBGEU}
	inst.Op = ops[funct3]
	inst.Format = FormatB
	inst.Imm = immB(word)
	inst.Rd = 0
}

func (d *Decoder) decodeLoad(word, funct3 uint32, inst *Instruction) {
	ops := [8]Op{OpLB, OpLH, OpLW, OpUnknown, OpLBU, OpLHU, OpUnknown, OpUnknown}
	inst.Op = ops[funct3]
	inst.Format = FormatI
	inst.Imm = immI(word)
}

func (d *Decoder) decodeStore(word, funct3 uint32, inst *Instruction) {
	ops := [8]Op{OpSB, OpSH, OpSW, OpUnknown, OpUnknown, OpUnknown, OpUnknown, OpUnknown}
	inst.Op = ops[funct3]
	inst.Format = FormatS
	inst.Imm = immS(word)
	inst.Rd = 0
}

func (d *Decoder) decodeOpImm(word, funct3, funct7 uint32, inst *Instruction) {
	inst.Format = FormatI
	inst.Imm = immI(word)
	switch funct3 {
	case 0b000:
		inst.Op = OpADDI
	case 0b010:
		inst.Op = OpSLTI
	case 0b011:
		inst.Op = OpSLTIU
	case 0b100:
		inst.Op = OpXORI
	case 0b110:
		inst.Op = OpORI
	case 0b111:
		inst.Op = OpANDI
	case 0b001:
		if funct7 == 0 {
			inst.Op = OpSLLI
			inst.Imm = int32(inst.Rs2)
		}
	case 0b101:
		switch funct7 {
		case 0b0000000:
			inst.Op = OpSRLI
			inst.Imm = int32(inst.Rs2)
		case 0b0100000:
			inst.Op = OpSRAI
			inst.Imm = int32(inst.Rs2)
		}
	}
}

func (d *Decoder) decodeOp(funct3, funct7 uint32, inst *Instruction) {
	inst.Format = FormatR
	switch funct7 {
	case 0b0000000:
		ops := [8]Op{OpADD, OpSLL, OpSLT, OpSLTU, OpXOR, OpSRL, OpOR, OpAND}
		inst.Op = ops[funct3]
	case 0b0100000:
		switch funct3 {
		case 0b000:
			inst.Op = OpSUB
		case 0b101:
			inst.Op = OpSRA
		}
	case 0b0000001:
		ops := [8]Op{OpMUL, OpMULH, OpMULHSU, OpMULHU, OpDIV, OpDIVU, OpREM, OpREMU}
		inst.Op = ops[funct3]
	}
}

func (d *Decoder) decodeSystem(word, funct3 uint32, inst *Instruction) {
	inst.Format = FormatSystem
	inst.CSR = uint16(word >> 20)
	switch funct3 {
	case 0b000:
		if inst.Rd != 0 || inst.Rs1 != 0 {
			return
		}
		switch word >> 20 {
		case 0x000:
			inst.Op = OpECALL
		case 0x001:
			inst.Op = OpEBREAK
		case 0x302:
			inst.Op = OpMRET
		}
		inst.CSR = 0
		inst.Rs2 = 0
	case 0b001:
		inst.Op = OpCSRRW
	case 0b010:
		inst.Op = OpCSRRS
	case 0b011:
		inst.Op = OpCSRRC
	case 0b101:
		inst.Op = OpCSRRWI
	case 0b110:
		inst.Op = OpCSRRSI
	case 0b111:
		inst.Op = OpCSRRCI
	}
	if inst.IsCSR() {
		// The immediate forms carry a 5-bit zero-extended value in Rs1.
		inst.Imm = int32(inst.Rs1)
		inst.Rs2 = 0
	}
}

func signExtend(v uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}

func immI(word uint32) int32 { return signExtend(word>>20, 12) }

func immS(word uint32) int32 {
	v := ((word >> 25) << 5) | ((word >> 7) & 0x1F)
	return signExtend(v, 12)
}

func immB(word uint32) int32 {
	v := ((word >> 31) & 0x1) << 12
	v |= ((word >> 7) & 0x1) << 11
	v |= ((word >> 25) & 0x3F) << 5
	v |= ((word >> 8) & 0xF) << 1
	return signExtend(v, 13)
}

func immJ(word uint32) int32 {
	v := ((word >> 31) & 0x1) << 20
	v |= ((word >> 12) & 0xFF) << 12
	v |= ((word >> 20) & 0x1) << 11
	v |= ((word >> 21) & 0x3FF) << 1
	return signExtend(v, 21)
}
