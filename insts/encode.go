package insts

// Encoders for building small programs in tests and examples. They do not
// validate operand ranges; immediates are truncated to their field width.

// EncodeR builds an R-type instruction word.
func EncodeR(opcode, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return (funct7 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

// EncodeI builds an I-type instruction word.
func EncodeI(opcode, rd, funct3, rs1 uint32, imm int32) uint32 {
	u := uint32(imm) & 0xFFF
	return (u << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

// EncodeS builds an S-type instruction word.
func EncodeS(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm) & 0xFFF
	return ((u >> 5) << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | ((u & 0x1F) << 7) | opcode
}

// EncodeB builds a B-type instruction word. imm is a byte offset.
func EncodeB(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return ((u>>12)&0x1)<<31 | ((u>>5)&0x3F)<<25 | (rs2 << 20) | (rs1 << 15) |
		(funct3 << 12) | ((u>>1)&0xF)<<8 | ((u>>11)&0x1)<<7 | opcode
}

// EncodeU builds a U-type instruction word from the upper 20 bits.
func EncodeU(opcode, rd, imm20 uint32) uint32 {
	return (imm20 << 12) | (rd << 7) | opcode
}

// EncodeJ builds a J-type instruction word. imm is a byte offset.
func EncodeJ(opcode, rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return ((u>>20)&0x1)<<31 | ((u>>1)&0x3FF)<<21 | ((u>>11)&0x1)<<20 |
		((u>>12)&0xFF)<<12 | (rd << 7) | opcode
}

// ADDI encodes addi rd, rs1, imm.
func ADDI(rd, rs1 uint32, imm int32) uint32 { return EncodeI(opcodeOpImm, rd, 0b000, rs1, imm) }

// ANDI encodes andi rd, rs1, imm.
func ANDI(rd, rs1 uint32, imm int32) uint32 { return EncodeI(opcodeOpImm, rd, 0b111, rs1, imm) }

// SLLI encodes slli rd, rs1, shamt.
func SLLI(rd, rs1, shamt uint32) uint32 {
	return EncodeI(opcodeOpImm, rd, 0b001, rs1, int32(shamt&0x1F))
}

// ADD encodes add rd, rs1, rs2.
func ADD(rd, rs1, rs2 uint32) uint32 { return EncodeR(opcodeOp, rd, 0b000, rs1, rs2, 0) }

// SUB encodes sub rd, rs1, rs2.
func SUB(rd, rs1, rs2 uint32) uint32 { return EncodeR(opcodeOp, rd, 0b000, rs1, rs2, 0b0100000) }

// MUL encodes mul rd, rs1, rs2.
func MUL(rd, rs1, rs2 uint32) uint32 { return EncodeR(opcodeOp, rd, 0b000, rs1, rs2, 0b0000001) }

// LUI encodes lui rd, imm20.
func LUI(rd, imm20 uint32) uint32 { return EncodeU(opcodeLUI, rd, imm20) }

// LW encodes lw rd, imm(rs1).
func LW(rd, rs1 uint32, imm int32) uint32 { return EncodeI(opcodeLoad, rd, 0b010, rs1, imm) }

// LB encodes lb rd, imm(rs1).
func LB(rd, rs1 uint32, imm int32) uint32 { return EncodeI(opcodeLoad, rd, 0b000, rs1, imm) }

// SW encodes sw rs2, imm(rs1).
func SW(rs2, rs1 uint32, imm int32) uint32 { return EncodeS(opcodeStore, 0b010, rs1, rs2, imm) }

// SB encodes sb rs2, imm(rs1).
func SB(rs2, rs1 uint32, imm int32) uint32 { return EncodeS(opcodeStore, 0b000, rs1, rs2, imm) }

// BEQ encodes beq rs1, rs2, offset.
func BEQ(rs1, rs2 uint32, offset int32) uint32 { return EncodeB(opcodeBranch, 0b000, rs1, rs2, offset) }

// BNE encodes bne rs1, rs2, offset.
func BNE(rs1, rs2 uint32, offset int32) uint32 { return EncodeB(opcodeBranch, 0b001, rs1, rs2, offset) }

// BLT encodes blt rs1, rs2, offset.
func BLT(rs1, rs2 uint32, offset int32) uint32 { return EncodeB(opcodeBranch, 0b100, rs1, rs2, offset) }

// JAL encodes jal rd, offset.
func JAL(rd uint32, offset int32) uint32 { return EncodeJ(opcodeJAL, rd, offset) }

// JALR encodes jalr rd, imm(rs1).
func JALR(rd, rs1 uint32, imm int32) uint32 { return EncodeI(opcodeJALR, rd, 0b000, rs1, imm) }

// ECALL encodes ecall.
func ECALL() uint32 { return 0x00000073 }

// EBREAK encodes ebreak.
func EBREAK() uint32 { return 0x00100073 }

// MRET encodes mret.
func MRET() uint32 { return 0x30200073 }

// CSRRW encodes csrrw rd, csr, rs1.
func CSRRW(rd, csr, rs1 uint32) uint32 { return EncodeI(opcodeSystem, rd, 0b001, rs1, int32(csr)) }

// CSRRS encodes csrrs rd, csr, rs1.
func CSRRS(rd, csr, rs1 uint32) uint32 { return EncodeI(opcodeSystem, rd, 0b010, rs1, int32(csr)) }

// CSRRWI encodes csrrwi rd, csr, zimm.
func CSRRWI(rd, csr, zimm uint32) uint32 {
	return EncodeI(opcodeSystem, rd, 0b101, zimm&0x1F, int32(csr))
}
