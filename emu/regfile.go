// Package emu provides the architectural state of an RV32 hart: the
// register file, the CSR file, data/program memory and the ALU and branch
// helpers the timing core evaluates instructions with.
package emu

// NumRegs is the number of general-purpose registers.
const NumRegs = 32

// ABI register numbers used by the syscall convention.
const (
	RegRA = 1
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA7 = 17
)

var abiNames = [NumRegs]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// RegName returns the ABI name of a register, or "" if out of range.
func RegName(reg uint8) string {
	if int(reg) >= NumRegs {
		return ""
	}
	return abiNames[reg]
}

// RegFile represents the RV32 integer register file.
// It contains 32 general-purpose registers (x0-x31) and the program counter.
type RegFile struct {
	// X holds general-purpose registers x0-x31.
	// X[0] is hard-wired to zero.
	X [NumRegs]uint32

	// PC is the program counter. The timing core fetches from it.
	PC uint32
}

// NewRegFile returns a zeroed register file.
func NewRegFile() *RegFile {
	return &RegFile{}
}

// ReadReg reads a register value. Register 0 and out-of-range indices
// return 0.
func (r *RegFile) ReadReg(reg uint8) uint32 {
	if reg == 0 || int(reg) >= NumRegs {
		return 0
	}
	return r.X[reg]
}

// WriteReg writes a value to a register. Writes to x0 are ignored.
func (r *RegFile) WriteReg(reg uint8, value uint32) {
	if reg == 0 || int(reg) >= NumRegs {
		return
	}
	r.X[reg] = value
}

// Snapshot returns a copy of the register file.
func (r *RegFile) Snapshot() RegFile {
	return *r
}

// Reset clears all registers and the PC.
func (r *RegFile) Reset() {
	*r = RegFile{}
}
