package emu

import "github.com/ekliptik/qtrvsim/insts"

// BranchTaken evaluates the condition of a conditional branch.
func BranchTaken(op insts.Op, a, b uint32) bool {
	switch op {
	case insts.OpBEQ:
		return a == b
	case insts.OpBNE:
		return a != b
	case insts.OpBLT:
		return int32(a) < int32(b)
	case insts.OpBGE:
		return int32(a) >= int32(b)
	case insts.OpBLTU:
		return a < b
	case insts.OpBGEU:
		return a >= b
	default:
		return false
	}
}

// LoadExtend sign- or zero-extends a loaded value of size bytes.
func LoadExtend(v uint32, size int, signed bool) uint32 {
	switch size {
	case 1:
		if signed {
			return uint32(int32(int8(v)))
		}
		return v & 0xFF
	case 2:
		if signed {
			return uint32(int32(int16(v)))
		}
		return v & 0xFFFF
	default:
		return v
	}
}
