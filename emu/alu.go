package emu

import "github.com/ekliptik/qtrvsim/insts"

// ALU evaluates RV32IM register/immediate operations. Operands are the
// already-selected source values: b is rs2 for register forms and the
// immediate for immediate forms. The second result is false for operations
// the ALU does not implement.
func ALU(op insts.Op, a, b uint32) (uint32, bool) {
	switch op {
	case insts.OpADD, insts.OpADDI:
		return a + b, true
	case insts.OpSUB:
		return a - b, true
	case insts.OpSLL, insts.OpSLLI:
		return a << (b & 0x1F), true
	case insts.OpSLT, insts.OpSLTI:
		return boolToWord(int32(a) < int32(b)), true
	case insts.OpSLTU, insts.OpSLTIU:
		return boolToWord(a < b), true
	case insts.OpXOR, insts.OpXORI:
		return a ^ b, true
	case insts.OpSRL, insts.OpSRLI:
		return a >> (b & 0x1F), true
	case insts.OpSRA, insts.OpSRAI:
		return uint32(int32(a) >> (b & 0x1F)), true
	case insts.OpOR, insts.OpORI:
		return a | b, true
	case insts.OpAND, insts.OpANDI:
		return a & b, true
	}
	return mulDiv(op, a, b)
}

// mulDiv implements the M extension, including the defined results for
// division by zero and signed overflow.
func mulDiv(op insts.Op, a, b uint32) (uint32, bool) {
	sa, sb := int32(a), int32(b)
	switch op {
	case insts.OpMUL:
		return a * b, true
	case insts.OpMULH:
		return uint32(uint64(int64(sa)*int64(sb)) >> 32), true
	case insts.OpMULHSU:
		return uint32(uint64(int64(sa)*int64(uint64(b))) >> 32), true
	case insts.OpMULHU:
		return uint32((uint64(a) * uint64(b)) >> 32), true
	case insts.OpDIV:
		switch {
		case b == 0:
			return 0xFFFFFFFF, true
		case sa == -1<<31 && sb == -1:
			return a, true
		}
		return uint32(sa / sb), true
	case insts.OpDIVU:
		if b == 0 {
			return 0xFFFFFFFF, true
		}
		return a / b, true
	case insts.OpREM:
		switch {
		case b == 0:
			return a, true
		case sa == -1<<31 && sb == -1:
			return 0, true
		}
		return uint32(sa % sb), true
	case insts.OpREMU:
		if b == 0 {
			return a, true
		}
		return a % b, true
	}
	return 0, false
}

func boolToWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
